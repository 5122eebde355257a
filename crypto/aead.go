package crypto

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

/* This file implements the key agreement and authenticated encryption primitives behind
   the peer transport: an X25519 ECDH exchange feeds HKDF, which derives one send key, one
   receive key, and a signing challenge; ChaCha20-Poly1305 seals every frame after that */

const (
	LengthHeaderSize   = 4
	MaxDataSize        = 1024
	ChallengeSize      = 32
	Poly1305TagSize    = 16
	FrameSize          = MaxDataSize + LengthHeaderSize
	EncryptedFrameSize = Poly1305TagSize + FrameSize
	AEADKeySize        = chacha20poly1305.KeySize
	AEADNonceSize      = chacha20poly1305.NonceSize
	twoAEADKeySize     = 2 * AEADKeySize
	hkdfSize           = twoAEADKeySize + ChallengeSize // 2 keys and a challenge
)

// GenerateCurve25519Keypair() creates a fresh ephemeral X25519 key pair for one handshake
func GenerateCurve25519Keypair() (public, private *[32]byte, err error) {
	public, private = new([32]byte), new([32]byte)
	// draw the private scalar from the system entropy source
	if _, err = io.ReadFull(rand.Reader, private[:]); err != nil {
		return
	}
	// derive the public point
	curve25519.ScalarBaseMult(public, private)
	return
}

// SharedSecret() completes the ECDH exchange against the peer's ephemeral public key
func SharedSecret(peerPublic, private *[32]byte) ([]byte, error) {
	return curve25519.X25519(private[:], peerPublic[:])
}

// HKDFSecretsAndChallenge() expands the ECDH secret into the two directional AEAD keys and
// the handshake challenge both sides must sign. The key assignment is ordered by the
// ephemeral public keys so each side derives the other's send key as its receive key
func HKDFSecretsAndChallenge(dhSecret []byte, ePub, ePeerPub *[32]byte) (send, receive cipher.AEAD, challenge *[ChallengeSize]byte, err error) {
	hkdfReader := hkdf.New(Hasher, dhSecret, nil, nil)
	buffer := new([hkdfSize]byte)
	if _, err = io.ReadFull(hkdfReader, buffer[:]); err != nil {
		return
	}
	challenge, receiveSecret, sendSecret := new([ChallengeSize]byte), new([AEADKeySize]byte), new([AEADKeySize]byte)
	// the lexicographically smaller public key takes the first derived key as its receive key
	if bytes.Compare(ePub[:], ePeerPub[:]) < 0 {
		splitSecrets(buffer, receiveSecret, sendSecret)
	} else {
		splitSecrets(buffer, sendSecret, receiveSecret)
	}
	copy(challenge[:], buffer[twoAEADKeySize:hkdfSize])
	if send, err = chacha20poly1305.New(sendSecret[:]); err != nil {
		return
	}
	receive, err = chacha20poly1305.New(receiveSecret[:])
	return
}

// splitSecrets() slices the HKDF output into the two directional keys
func splitSecrets(buffer *[hkdfSize]byte, first, second *[AEADKeySize]byte) {
	copy(first[:], buffer[0:AEADKeySize])
	copy(second[:], buffer[AEADKeySize:twoAEADKeySize])
}
