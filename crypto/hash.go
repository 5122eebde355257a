package crypto

import (
	"encoding/hex"
	"hash"

	ethCrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"
)

const (
	HashSize = 32
)

/*
	Hash is a function that takes an input message and returns a fixed-size string of bytes that is unique to the input.
	Keccak256 is the global algorithm so that every digest the node signs or recovers against matches what the
	settlement contract computes on-chain
*/

// Hasher() returns the global hashing algorithm used
func Hasher() hash.Hash { return sha3.NewLegacyKeccak256() }

// Hash() executes the global hashing algorithm on input bytes
func Hash(msg ...[]byte) []byte { return ethCrypto.Keccak256(msg...) }

// ShortHash() executes the global hashing algorithm on input bytes
// and truncates the output to 20 bytes
func ShortHash(msg []byte) []byte { return Hash(msg)[:20] }

// HashString() returns the hex byte version of a hash
func HashString(msg []byte) string { return hex.EncodeToString(Hash(msg)) }

// ShortHashString() returns the hex byte version of a short hash
func ShortHashString(msg []byte) string { return hex.EncodeToString(ShortHash(msg)) }
