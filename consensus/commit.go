package consensus

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/strom-network/strom/crypto"
	"github.com/strom-network/strom/lib"
)

/* This file implements the commit attestation: three independent BLS aggregates over the
   round message, the aggregated drafts, and the execution plans. A commit is only valid
   when all three aggregates report the identical signer set */

// domain separation tag mixed into the commit message digest
var commitDomain = []byte("strom/commit/v1")

// Commit is a three-part aggregate attestation over a proposal's key hashes
type Commit struct {
	BlockHeight     uint64              `json:"blockHeight"`     // the target block the attestation covers
	PreProposalHash common.Hash         `json:"preProposalHash"` // commitment to the aggregated drafts
	SolutionHash    common.Hash         `json:"solutionHash"`    // commitment to the execution plans
	MessageSig      *AggregateSignature `json:"messageSig"`      // aggregate over the commit message digest
	PreProposalSig  *AggregateSignature `json:"preProposalSig"`  // aggregate over the draft commitment
	SolutionSig     *AggregateSignature `json:"solutionSig"`     // aggregate over the plan commitment
}

// CommitMessageDigest() returns the commit message digest: keccak(domain ‖ height ‖ draft hash ‖ plan hash)
func CommitMessageDigest(height uint64, preProposalHash, solutionHash common.Hash) []byte {
	heightBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(heightBytes, height)
	return crypto.Hash(commitDomain, heightBytes, preProposalHash[:], solutionHash[:])
}

// MessageDigest() returns the digest this commit's message aggregate is verified against
func (c *Commit) MessageDigest() []byte {
	return CommitMessageDigest(c.BlockHeight, c.PreProposalHash, c.SolutionHash)
}

// IsFor() returns true when the commit attests to the given proposal
func (c *Commit) IsFor(p *Proposal) bool {
	if c == nil || p == nil {
		return false
	}
	return c.BlockHeight == p.EthereumHeight &&
		c.PreProposalHash == p.PreProposalsHash() &&
		c.SolutionHash == p.SolutionsHash()
}

// Validate() verifies all three aggregates and requires them to report the same signer set
func (c *Commit) Validate(vs *ValidatorSet) lib.ErrorI {
	// verify the message aggregate
	if err := c.MessageSig.Check(c.MessageDigest(), vs); err != nil {
		return err
	}
	// verify the draft aggregate
	if err := c.PreProposalSig.Check(c.PreProposalHash[:], vs); err != nil {
		return err
	}
	// verify the plan aggregate
	if err := c.SolutionSig.Check(c.SolutionHash[:], vs); err != nil {
		return err
	}
	// a mismatched signer set across the three indicates tampering
	if !c.MessageSig.SameSigners(c.PreProposalSig) || !c.MessageSig.SameSigners(c.SolutionSig) {
		return ErrMismatchedBitmaps()
	}
	return nil
}

// CommitBuilder accumulates one validator share per digest until the commit is sealed
type CommitBuilder struct {
	height          uint64
	preProposalHash common.Hash
	solutionHash    common.Hash
	message         *SignatureBuilder
	preProposal     *SignatureBuilder
	solution        *SignatureBuilder
}

// NewCommitBuilder() starts an empty attestation for the given proposal
func NewCommitBuilder(p *Proposal, vs *ValidatorSet) *CommitBuilder {
	return &CommitBuilder{
		height:          p.EthereumHeight,
		preProposalHash: p.PreProposalsHash(),
		solutionHash:    p.SolutionsHash(),
		message:         NewSignatureBuilder(vs),
		preProposal:     NewSignatureBuilder(vs),
		solution:        NewSignatureBuilder(vs),
	}
}

// AddValidator() signs all three digests with the validator's BLS key and records the shares,
// keeping the three signer sets in lockstep
func (b *CommitBuilder) AddValidator(id lib.ValidatorId, key *crypto.BLS12381PrivateKey) lib.ErrorI {
	// sign and record the message digest share
	if err := b.message.Add(id, key.Sign(CommitMessageDigest(b.height, b.preProposalHash, b.solutionHash))); err != nil {
		return err
	}
	// sign and record the draft commitment share
	if err := b.preProposal.Add(id, key.Sign(b.preProposalHash[:])); err != nil {
		return err
	}
	// sign and record the plan commitment share
	return b.solution.Add(id, key.Sign(b.solutionHash[:]))
}

// Seal() aggregates the three signature sets into the wire commit
func (b *CommitBuilder) Seal() (*Commit, lib.ErrorI) {
	// seal the message aggregate
	messageSig, err := b.message.Seal()
	if err != nil {
		return nil, err
	}
	// seal the draft aggregate
	preProposalSig, err := b.preProposal.Seal()
	if err != nil {
		return nil, err
	}
	// seal the plan aggregate
	solutionSig, err := b.solution.Seal()
	if err != nil {
		return nil, err
	}
	// exit with the sealed commit
	return &Commit{
		BlockHeight:     b.height,
		PreProposalHash: b.preProposalHash,
		SolutionHash:    b.solutionHash,
		MessageSig:      messageSig,
		PreProposalSig:  preProposalSig,
		SolutionSig:     solutionSig,
	}, nil
}
