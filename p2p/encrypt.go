package p2p

import (
	"crypto/cipher"
	"encoding/binary"
	"io"
	"math"
	"net"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	pool "github.com/libp2p/go-buffer-pool"
	"github.com/strom-network/strom/crypto"
	"github.com/strom-network/strom/lib"
	"golang.org/x/sync/errgroup"
)

/*
	Handshake to encrypted connection:
	1) Obtaining a shared secret using diffie hellman over the x25519 curve (ECDH)
	2) HKDF derives the directional encrypt keys and a challenge from the shared secret
	3) ChaCha20-Poly1305 AEAD encrypts and authenticates every frame after the handshake
	4) Both sides sign the challenge with their validator ECDSA key; the recovered address
	   is the peer's identity on the roster
*/

// EncryptedConn is a net.Conn whose traffic is AEAD sealed after an authenticated handshake
type EncryptedConn struct {
	conn    net.Conn
	receive internalState
	send    internalState

	peerAddress common.Address // the validator identity recovered during the handshake
}

// internalState is one direction of the AEAD channel
type internalState struct {
	sync.Mutex
	aead   cipher.AEAD
	unread []byte // holds extra bytes that weren't read into `data` due to length
	nonce  *[crypto.AEADNonceSize]byte
}

// NewHandshake() upgrades a raw conn into an encrypted one, authenticating the peer's
// validator key in the process
func NewHandshake(conn net.Conn, privateKey *crypto.SECP256K1PrivateKey) (c *EncryptedConn, e lib.ErrorI) {
	// generate a fresh ephemeral key pair for this handshake only
	ephemeralPublic, ephemeralPrivate, err := crypto.GenerateCurve25519Keypair()
	if err != nil {
		return nil, ErrFailedDiffieHellman(err)
	}
	// exchange ephemeral public keys with the peer
	peerEphemeralPublic, e := keySwap(conn, ephemeralPublic)
	if e != nil {
		return
	}
	// complete the ECDH exchange
	secret, err := crypto.SharedSecret(peerEphemeralPublic, ephemeralPrivate)
	if err != nil {
		return nil, ErrFailedDiffieHellman(err)
	}
	// derive the directional AEAD keys and the challenge both sides must sign
	sendAEAD, receiveAEAD, challenge, err := crypto.HKDFSecretsAndChallenge(secret, ephemeralPublic, peerEphemeralPublic)
	if err != nil {
		return nil, ErrFailedHKDF(err)
	}
	c = &EncryptedConn{
		conn:    conn,
		receive: newInternalState(receiveAEAD),
		send:    newInternalState(sendAEAD),
	}
	// sign the challenge; the recoverable signature carries the public key implicitly
	signature, err := privateKey.SignDigest(challenge[:])
	if err != nil {
		return nil, ErrFailedChallenge()
	}
	// exchange challenge signatures over the now-encrypted channel
	peerSignature, e := signatureSwap(c, signature)
	if e != nil {
		return nil, e
	}
	// recover the peer's validator identity from its signature
	c.peerAddress, err = crypto.RecoverSigner(challenge[:], peerSignature)
	if err != nil {
		return nil, ErrFailedChallenge()
	}
	return
}

// PeerAddress() returns the validator identity authenticated during the handshake
func (c *EncryptedConn) PeerAddress() common.Address { return c.peerAddress }

// Write() seals data into fixed-size frames: a 4 byte length header, up to MaxDataSize of
// body, and the Poly1305 tag
func (c *EncryptedConn) Write(data []byte) (n int, err error) {
	c.send.Lock()
	defer c.send.Unlock()
	chunk, dataLen, chunkLen := []byte(nil), len(data), 0
	for 0 < dataLen {
		encryptedBuffer, plainTextBuffer := pool.Get(crypto.EncryptedFrameSize), pool.Get(crypto.FrameSize)
		if dataLen < crypto.MaxDataSize {
			chunk = data
			data = nil
		} else {
			chunk = data[:crypto.MaxDataSize]
			data = data[crypto.MaxDataSize:]
		}
		dataLen, chunkLen = len(data), len(chunk)
		binary.LittleEndian.PutUint32(plainTextBuffer, uint32(chunkLen))             // data length header
		copy(plainTextBuffer[crypto.LengthHeaderSize:], chunk)                       // body
		c.send.aead.Seal(encryptedBuffer[:0], c.send.nonce[:], plainTextBuffer, nil) // encrypt
		incrementNonce(c.send.nonce)                                                 // increment nonce
		if _, er := c.conn.Write(encryptedBuffer); er != nil {                       // write
			return 0, ErrFailedWrite(er)
		}
		n += chunkLen             // update bytes written
		pool.Put(encryptedBuffer) // put buffers back
		pool.Put(plainTextBuffer)
	}
	return
}

// Read() opens one sealed frame and copies its body into data, buffering any overflow
func (c *EncryptedConn) Read(data []byte) (n int, err error) {
	c.receive.Lock()
	defer c.receive.Unlock()
	if bzRead, hadUnread := c.checkUnread(data); hadUnread {
		return bzRead, nil
	}
	encryptedBuffer, plainTextBuffer := pool.Get(crypto.EncryptedFrameSize), pool.Get(crypto.FrameSize)
	defer func() { pool.Put(plainTextBuffer); pool.Put(encryptedBuffer) }()
	if _, er := io.ReadFull(c.conn, encryptedBuffer); er != nil {
		return 0, ErrFailedRead(er)
	}
	if _, er := c.receive.aead.Open(plainTextBuffer[:0], c.receive.nonce[:], encryptedBuffer, nil); er != nil {
		return n, ErrConnDecrypt(er)
	}
	incrementNonce(c.receive.nonce)
	chunkLength := binary.LittleEndian.Uint32(plainTextBuffer) // read the length header
	if chunkLength > crypto.MaxDataSize {
		return 0, ErrChunkLargerThanMax(chunkLength)
	}
	chunk := plainTextBuffer[crypto.LengthHeaderSize : crypto.LengthHeaderSize+chunkLength]
	n = copy(data, chunk)
	return c.populateUnread(n, chunk) // if any bytes weren't read, hold them in receive.unread
}

// checkUnread() drains previously buffered overflow bytes before touching the conn
func (c *EncryptedConn) checkUnread(data []byte) (int, bool) {
	if len(c.receive.unread) > 0 {
		n := copy(data, c.receive.unread)
		c.receive.unread = c.receive.unread[n:]
		return n, true
	}
	return 0, false
}

// populateUnread() holds the chunk bytes the caller's buffer couldn't fit
func (c *EncryptedConn) populateUnread(bytesRead int, chunk []byte) (int, error) {
	if bytesRead < len(chunk) { // the next Read() will drain unread first
		c.receive.unread = make([]byte, len(chunk)-bytesRead)
		copy(c.receive.unread, chunk[bytesRead:])
	}
	return bytesRead, nil
}

func (c *EncryptedConn) Close() error                       { return c.conn.Close() }
func (c *EncryptedConn) LocalAddr() net.Addr                { return c.conn.LocalAddr() }
func (c *EncryptedConn) RemoteAddr() net.Addr               { return c.conn.RemoteAddr() }
func (c *EncryptedConn) SetDeadline(t time.Time) error      { return c.conn.SetDeadline(t) }
func (c *EncryptedConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *EncryptedConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

// keySwap() concurrently sends our ephemeral public key and receives the peer's
func keySwap(conn io.ReadWriter, ephemeralPublicKey *[32]byte) (*[32]byte, lib.ErrorI) {
	var g errgroup.Group
	peerEphemeralPublic := new([32]byte)
	g.Go(func() error {
		if _, err := conn.Write(ephemeralPublicKey[:]); err != nil {
			return ErrFailedWrite(err)
		}
		return nil
	})
	g.Go(func() error {
		if _, err := io.ReadFull(conn, peerEphemeralPublic[:]); err != nil {
			return ErrFailedRead(err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err.(lib.ErrorI)
	}
	return peerEphemeralPublic, nil
}

// signatureSwap() concurrently sends our challenge signature and receives the peer's, over
// the already-encrypted channel so the identities are hidden from observers
func signatureSwap(conn io.ReadWriter, signature []byte) ([]byte, lib.ErrorI) {
	var g errgroup.Group
	peerSignature := make([]byte, crypto.SECP256K1SignatureSize)
	g.Go(func() error {
		if _, err := conn.Write(signature); err != nil {
			return ErrFailedWrite(err)
		}
		return nil
	})
	g.Go(func() error {
		if _, err := io.ReadFull(conn, peerSignature); err != nil {
			return ErrFailedRead(err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err.(lib.ErrorI)
	}
	return peerSignature, nil
}

// incrementNonce() advances the 12 byte chacha20-poly1305 nonce counter
func incrementNonce(nonce *[crypto.AEADNonceSize]byte) {
	counter := binary.LittleEndian.Uint64(nonce[4:])
	if counter == math.MaxUint64 {
		panic("nonce overflow")
	}
	counter++
	binary.LittleEndian.PutUint64(nonce[4:], counter)
}

func newInternalState(aead cipher.AEAD) internalState {
	return internalState{
		Mutex: sync.Mutex{},
		aead:  aead,
		nonce: new([crypto.AEADNonceSize]byte),
	}
}
