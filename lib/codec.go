package lib

import (
	"github.com/ethereum/go-ethereum/rlp"
)

/*
	This file wraps the wire codec used for all consensus messages and order payloads.
	RLP is used because it is compact, deterministic for a given structure, and requires
	no generated schemas - every hashable/signable type in the project is encoded with it.
*/

// Marshal() serializes a message into the canonical binary representation
func Marshal(message any) ([]byte, ErrorI) {
	bz, err := rlp.EncodeToBytes(message)
	if err != nil {
		return nil, ErrMarshal(err)
	}
	return bz, nil
}

// Unmarshal() populates ptr from the canonical binary representation
func Unmarshal(data []byte, ptr any) ErrorI {
	if err := rlp.DecodeBytes(data, ptr); err != nil {
		return ErrUnmarshal(err)
	}
	return nil
}

// MustMarshal() serializes a message, treating failure as a programming error
func MustMarshal(message any) []byte {
	bz, err := Marshal(message)
	if err != nil {
		panic(err.Error())
	}
	return bz
}
