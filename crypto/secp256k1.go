package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	ethCrypto "github.com/ethereum/go-ethereum/crypto"
)

/* This file implements SECP256K1 signing with public key recovery, used to authenticate orders and
   pre-proposals against the signer's on-chain address without shipping the public key on the wire */

const (
	SECP256K1PubKeySize    = 64 // the uncompressed SECP256K1 public key size without the SEC1 prefix
	SECP256K1SignatureSize = 65 // r ‖ s ‖ v, where v is the recovery id
)

// ensure the key wrappers conform to the key interfaces
var _ PrivateKeyI = &SECP256K1PrivateKey{}
var _ PublicKeyI = &SECP256K1PublicKey{}

// SECP256K1PrivateKey is a private key wrapper implementation that satisfies the PrivateKeyI interface
type SECP256K1PrivateKey struct {
	*ecdsa.PrivateKey
}

// NewSECP256K1PrivateKey() generates a fresh SECP256K1 private key
func NewSECP256K1PrivateKey() (PrivateKeyI, error) {
	pk, err := ethCrypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &SECP256K1PrivateKey{PrivateKey: pk}, nil
}

// BytesToSECP256K1Private() converts bytes to a SECP256K1 private key
func BytesToSECP256K1Private(b []byte) (*SECP256K1PrivateKey, error) {
	pk, err := ethCrypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &SECP256K1PrivateKey{PrivateKey: pk}, nil
}

// NewSECP256K1PrivateKeyFromString() converts a hex string to a SECP256K1 private key
func NewSECP256K1PrivateKeyFromString(hexString string) (PrivateKeyI, error) {
	bz, err := hex.DecodeString(hexString)
	if err != nil {
		return nil, err
	}
	return BytesToSECP256K1Private(bz)
}

// Bytes() returns the binary representation of the private key
func (s *SECP256K1PrivateKey) Bytes() []byte { return ethCrypto.FromECDSA(s.PrivateKey) }

// Sign() hashes the message with the global algorithm and produces a 65 byte recoverable signature
func (s *SECP256K1PrivateKey) Sign(msg []byte) []byte {
	sig, _ := ethCrypto.Sign(Hash(msg), s.PrivateKey)
	return sig
}

// SignDigest() produces a 65 byte recoverable signature over an already-hashed 32 byte digest
func (s *SECP256K1PrivateKey) SignDigest(digest []byte) ([]byte, error) {
	return ethCrypto.Sign(digest, s.PrivateKey)
}

// PublicKey() returns the public pair to this private key
func (s *SECP256K1PrivateKey) PublicKey() PublicKeyI {
	return &SECP256K1PublicKey{PublicKey: &s.PrivateKey.PublicKey}
}

// Equals() compares two private key objects and returns if they are equal
func (s *SECP256K1PrivateKey) Equals(i PrivateKeyI) bool {
	private, ok := i.(*SECP256K1PrivateKey)
	if !ok {
		return false
	}
	return s.D.Cmp(private.D) == 0
}

// String() returns the hex string representation of the private key
func (s *SECP256K1PrivateKey) String() string { return hex.EncodeToString(s.Bytes()) }

// MarshalJSON() is the json.Marshaller implementation for the SECP256K1PrivateKey object
func (s *SECP256K1PrivateKey) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

// UnmarshalJSON() is the json.Unmarshaler implementation for the SECP256K1PrivateKey object
func (s *SECP256K1PrivateKey) UnmarshalJSON(bz []byte) (err error) {
	var hexString string
	if err = json.Unmarshal(bz, &hexString); err != nil {
		return
	}
	b, err := hex.DecodeString(hexString)
	if err != nil {
		return
	}
	pk, err := BytesToSECP256K1Private(b)
	if err != nil {
		return
	}
	*s = *pk
	return
}

// SECP256K1PublicKey is the public key of a cryptographic key pair used in elliptic curve signing and verification,
// it is used to verify ownership of the private key as well as validate digital signatures created by the private key
type SECP256K1PublicKey struct {
	*ecdsa.PublicKey
}

// BytesToSECP256K1Public() returns a SECP256K1PublicKey from bytes
func BytesToSECP256K1Public(b []byte) (*SECP256K1PublicKey, error) {
	if len(b) == SECP256K1PubKeySize {
		b = append([]byte{0x04}, b...) // add the SEC1 prefix
	}
	pub, err := ethCrypto.UnmarshalPubkey(b)
	if err != nil {
		return nil, err
	}
	return &SECP256K1PublicKey{PublicKey: pub}, nil
}

// Address() returns the on-chain address derived from the public key
func (s *SECP256K1PublicKey) Address() common.Address {
	return ethCrypto.PubkeyToAddress(*s.PublicKey)
}

// Bytes() returns the byte representation of the public key without the SEC1 prefix
func (s *SECP256K1PublicKey) Bytes() []byte {
	return ethCrypto.FromECDSAPub(s.PublicKey)[1:]
}

// VerifyBytes() verifies a signature by recovering its signer and comparing addresses
func (s *SECP256K1PublicKey) VerifyBytes(msg []byte, sig []byte) bool {
	signer, err := RecoverSigner(Hash(msg), sig)
	if err != nil {
		return false
	}
	return signer == s.Address()
}

// Equals() compares two public key objects and returns true if they are equal
func (s *SECP256K1PublicKey) Equals(i PublicKeyI) bool {
	pub2, ok := i.(*SECP256K1PublicKey)
	if !ok {
		return false
	}
	return s.X.Cmp(pub2.X) == 0 && s.Y.Cmp(pub2.Y) == 0
}

// String() returns the hex string representation of the public key
func (s *SECP256K1PublicKey) String() string { return hex.EncodeToString(s.Bytes()) }

// RecoverSigner() recovers the signing address from a 32 byte digest and a 65 byte recoverable signature
func RecoverSigner(digest []byte, sig []byte) (common.Address, error) {
	// recover the full public key from the signature
	pub, err := ethCrypto.SigToPub(digest, sig)
	// if an error occurred during the recovery
	if err != nil {
		// exit with an empty address
		return common.Address{}, err
	}
	// exit with the address pair of the recovered key
	return ethCrypto.PubkeyToAddress(*pub), nil
}
