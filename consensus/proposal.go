package consensus

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/strom-network/strom/crypto"
	"github.com/strom-network/strom/lib"
)

/* This file implements the leader's proposal: the solved bundle plus the aggregated
   pre-proposals it was built from, ready for on-chain submission */

// domain separation tag mixed into the proposal digest
var proposalDomain = []byte("strom/proposal/v1")

// PoolSolution is the matching engine's execution plan for one pool, carried opaquely
// through consensus and encoded into the settlement bundle as-is
type PoolSolution struct {
	Pool          lib.PoolId    `json:"pool"`          // the pool the solution settles
	ClearingPrice *big.Int      `json:"clearingPrice"` // the uniform price every filled limit order clears at
	FilledOrders  []common.Hash `json:"filledOrders"`  // the hashes of the orders the solution fills
	Payload       []byte        `json:"payload"`       // the contract-ready encoding produced by the engine
}

// EmptySolution() returns a no-trade execution plan for the pool; a round may settle a
// block without fills when the engine finds no crossing orders
func EmptySolution(pool lib.PoolId) *PoolSolution {
	return &PoolSolution{Pool: pool, ClearingPrice: new(big.Int)}
}

// Proposal is the leader's finalized bundle for one target block; its aggregate signature
// accumulates BLS shares from validators endorsing the bundle
type Proposal struct {
	EthereumHeight uint64              `json:"ethereumHeight"` // the target block on the settlement chain
	Source         lib.ValidatorId     `json:"source"`         // the round leader that built the bundle
	PreProposals   []*PreProposal      `json:"preProposals"`   // the drafts the bundle was assembled from
	Solutions      []*PoolSolution     `json:"solutions"`      // the matching engine's per-pool execution plans
	Signature      *AggregateSignature `json:"signature"`      // the accumulated BLS endorsement
}

// NewProposal() assembles an unsigned proposal from the aggregated drafts and solutions
func NewProposal(height uint64, source lib.ValidatorId, preProposals []*PreProposal, solutions []*PoolSolution) *Proposal {
	return &Proposal{
		EthereumHeight: height,
		Source:         source,
		PreProposals:   preProposals,
		Solutions:      solutions,
	}
}

// Digest() returns the keccak the endorsement shares are signed over
func (p *Proposal) Digest() []byte {
	// copy the proposal and blank the aggregate so the digest covers structure only
	unsigned := *p
	unsigned.Signature = nil
	// hash the domain tag with the encoded unsigned message
	return crypto.Hash(proposalDomain, lib.MustMarshal(&unsigned))
}

// PreProposalsHash() returns the hash committing to the aggregated drafts
func (p *Proposal) PreProposalsHash() common.Hash {
	return common.BytesToHash(crypto.Hash(lib.MustMarshal(p.PreProposals)))
}

// SolutionsHash() returns the hash committing to the execution plans
func (p *Proposal) SolutionsHash() common.Hash {
	return common.BytesToHash(crypto.Hash(lib.MustMarshal(p.Solutions)))
}

// SignShare() produces this validator's BLS endorsement share over the digest
func (p *Proposal) SignShare(key *crypto.BLS12381PrivateKey) []byte { return key.Sign(p.Digest()) }

// Validate() checks the proposal's height against the round and its aggregate endorsement
func (p *Proposal) Validate(height uint64, vs *ValidatorSet) lib.ErrorI {
	// the proposal must target the round's block
	if p.EthereumHeight != height {
		return ErrWrongHeight(p.EthereumHeight, height)
	}
	// the leader must be a set member
	if !vs.Contains(p.Source) {
		return ErrValidatorNotInSet(p.Source)
	}
	// the aggregate endorsement must verify over the digest
	return p.Signature.Check(p.Digest(), vs)
}
