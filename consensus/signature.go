package consensus

import (
	"bytes"
	"math/bits"

	"github.com/strom-network/strom/crypto"
	"github.com/strom-network/strom/lib"
)

/* This file implements the aggregate signature wire type and the builder that accumulates
   individual BLS shares from validators until the aggregate is sealed */

// AggregateSignature is a sealed 96 byte BLS aggregate plus the bitmap naming its contributors
type AggregateSignature struct {
	Signature []byte `json:"signature"` // the aggregated BLS signature
	Bitmap    []byte `json:"bitmap"`    // bit i set means validator at slot i contributed
}

// Equals() checks if two AggregateSignature instances are identical
func (x *AggregateSignature) Equals(a *AggregateSignature) bool {
	if x == nil || a == nil {
		return false
	}
	if !bytes.Equal(x.Signature, a.Signature) {
		return false
	}
	if !bytes.Equal(x.Bitmap, a.Bitmap) {
		return false
	}
	return true
}

// CheckBasic() validates the basic structure and length of the AggregateSignature
func (x *AggregateSignature) CheckBasic() lib.ErrorI {
	if x == nil {
		return ErrInvalidAggrSignature()
	}
	if len(x.Signature) != crypto.BLS12381SignatureSize {
		return ErrInvalidAggrSignature()
	}
	if len(x.Bitmap) == 0 {
		return ErrEmptySignerBitmap()
	}
	return nil
}

// SignerCount() returns how many validators the bitmap reports as contributors
func (x *AggregateSignature) SignerCount() (count int) {
	for _, b := range x.Bitmap {
		count += bits.OnesCount8(b)
	}
	return
}

// SameSigners() returns true when both signatures report an identical signer set
func (x *AggregateSignature) SameSigners(a *AggregateSignature) bool {
	return x != nil && a != nil && bytes.Equal(x.Bitmap, a.Bitmap)
}

// Check() verifies the aggregate against the subset of public keys the bitmap indicates
func (x *AggregateSignature) Check(signBytes []byte, vs *ValidatorSet) lib.ErrorI {
	// sanity check the structure
	if err := x.CheckBasic(); err != nil {
		return err
	}
	// copy the composite key so the set's own mask is never mutated
	key := vs.MultiKey.Copy()
	// indicate which validator indexes have purportedly signed the payload
	if er := key.SetBitmap(x.Bitmap); er != nil {
		return ErrInvalidSignerBitmap(er)
	}
	// use the composite public key to verify the aggregate signature
	if !key.VerifyBytes(signBytes, x.Signature) {
		return ErrInvalidAggrSignature()
	}
	return nil
}

// SignatureBuilder accumulates individual BLS shares over a single digest until sealed
type SignatureBuilder struct {
	vs  *ValidatorSet          // the set whose members may contribute
	key crypto.MultiPublicKeyI // the mutable multi key collecting shares
}

// NewSignatureBuilder() creates an empty builder over the given validator set
func NewSignatureBuilder(vs *ValidatorSet) *SignatureBuilder {
	return &SignatureBuilder{vs: vs, key: vs.MultiKey.Copy()}
}

// Add() records a validator's share; signing twice for the same validator overwrites
// that validator's slot rather than double-counting it
func (b *SignatureBuilder) Add(id lib.ValidatorId, signature []byte) lib.ErrorI {
	// resolve the validator's bitmap slot
	idx, err := b.vs.GetIndex(id)
	if err != nil {
		return err
	}
	// file the share under the slot
	if er := b.key.AddSigner(signature, idx); er != nil {
		return ErrUnableToAddSigner(er)
	}
	return nil
}

// Seal() aggregates the collected shares into the wire signature
func (b *SignatureBuilder) Seal() (*AggregateSignature, lib.ErrorI) {
	// aggregate the shares into a single 96 byte signature
	signature, err := b.key.AggregateSignatures()
	if err != nil {
		return nil, ErrAggregateSignature(err)
	}
	// copy the bitmap out of the mask
	bitmap := make([]byte, len(b.key.Bitmap()))
	copy(bitmap, b.key.Bitmap())
	// exit with the sealed signature
	return &AggregateSignature{Signature: signature, Bitmap: bitmap}, nil
}
