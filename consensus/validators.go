package consensus

import (
	"github.com/drand/kyber"
	"github.com/strom-network/strom/crypto"
	"github.com/strom-network/strom/lib"
)

// Validator is a single member of the active set with its dual identity: the on-chain
// address recovered from pre-proposal signatures and the BLS key used in aggregates
type Validator struct {
	Address      lib.ValidatorId `json:"address"`      // the on-chain identity
	BLSPublicKey []byte          `json:"blsPublicKey"` // the 48 byte BLS12-381 public key
}

// ValidatorSet represents the collection of validators responsible for a round
// It facilitates the creation and validation of +2/3 majority agreements using multi-signatures
type ValidatorSet struct {
	Validators    []*Validator           // the ordered list of validators; bitmap index == slice index
	MultiKey      crypto.MultiPublicKeyI // a composite public key derived from the individual BLS keys
	NumValidators int                    // the total number of validators in the set
	MinimumMaj23  int                    // the minimum signer count required for a two-thirds majority (2f+1)

	indexByAddress map[lib.ValidatorId]int // reverse lookup from address to bitmap slot
}

// NewValidatorSet() initializes a ValidatorSet from an ordered validator list, enforcing the
// configured capacity so the signer bitmap can never outgrow its fixed allocation
func NewValidatorSet(validators []*Validator, capacity int) (vs *ValidatorSet, err lib.ErrorI) {
	// reject an empty set outright
	if len(validators) == 0 {
		return nil, ErrEmptyValidatorSet()
	}
	// reject a set that cannot fit in the bitmap
	if len(validators) > capacity {
		return nil, ErrValidatorSetTooLarge(len(validators), capacity)
	}
	// convert the public keys to 'points' on an elliptic curve for the BLS multikey and
	// build the address reverse lookup
	points, indexByAddress := make([]kyber.Point, 0, len(validators)), make(map[lib.ValidatorId]int, len(validators))
	for i, v := range validators {
		point, e := crypto.NewBLSPointFromBytes(v.BLSPublicKey)
		if e != nil {
			return nil, lib.ErrNewPubKeyFromBytes(e)
		}
		points = append(points, point)
		indexByAddress[v.Address] = i
	}
	// create a composite multi-public key out of the public keys (in curve point format)
	mpk, e := crypto.NewMultiBLSFromPoints(points, nil)
	if e != nil {
		return nil, ErrNewMultiPubKey(e)
	}
	// return the validator set
	return &ValidatorSet{
		Validators:     validators,
		MultiKey:       mpk,
		NumValidators:  len(validators),
		MinimumMaj23:   (2*len(validators))/3 + 1,
		indexByAddress: indexByAddress,
	}, nil
}

// GetIndex() retrieves a validator's bitmap slot from its address
func (vs *ValidatorSet) GetIndex(id lib.ValidatorId) (idx int, err lib.ErrorI) {
	idx, ok := vs.indexByAddress[id]
	if !ok {
		return 0, ErrValidatorNotInSet(id)
	}
	return idx, nil
}

// Contains() returns true if the address belongs to a set member
func (vs *ValidatorSet) Contains(id lib.ValidatorId) bool {
	_, ok := vs.indexByAddress[id]
	return ok
}

// QuorumCount() returns the strict threshold an order's corroboration count must exceed
func (vs *ValidatorSet) QuorumCount() int { return (2 * vs.NumValidators) / 3 }
