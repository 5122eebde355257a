package controller

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/strom-network/strom/consensus"
	"github.com/strom-network/strom/lib"
)

/* This file implements a LeaderSchedule over the static validator roster from the config
   file: the set is fixed across heights and leadership rotates round-robin */

// StaticSchedule rotates leadership over a fixed validator roster
type StaticSchedule struct {
	validators []*consensus.Validator
}

// NewStaticSchedule() parses the config roster into a schedule
func NewStaticSchedule(roster []lib.ValidatorConfig) (*StaticSchedule, lib.ErrorI) {
	if len(roster) == 0 {
		return nil, consensus.ErrEmptyValidatorSet()
	}
	s := &StaticSchedule{validators: make([]*consensus.Validator, 0, len(roster))}
	for _, entry := range roster {
		if !common.IsHexAddress(entry.Address) {
			return nil, lib.ErrInvalidAddress()
		}
		blsKey, err := lib.StringToBytes(entry.BLSPublicKey)
		if err != nil {
			return nil, err
		}
		s.validators = append(s.validators, &consensus.Validator{
			Address:      common.HexToAddress(entry.Address),
			BLSPublicKey: blsKey,
		})
	}
	return s, nil
}

// Validators() returns the fixed set regardless of height
func (s *StaticSchedule) Validators(_ uint64) ([]*consensus.Validator, lib.ErrorI) {
	return s.validators, nil
}

// Leader() rotates leadership round-robin by height
func (s *StaticSchedule) Leader(height uint64) lib.ValidatorId {
	return s.validators[height%uint64(len(s.validators))].Address
}
