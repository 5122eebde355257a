package consensus

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/strom-network/strom/crypto"
	"github.com/strom-network/strom/lib"
)

/* This file implements the pre-proposal consensus message: a validator's signed draft set
   of limit and searcher orders for the current target block */

// domain separation tag mixed into the pre-proposal digest
var preProposalDomain = []byte("strom/pre_proposal/v1")

// PreProposal is a validator's signed draft order set for one target block
// Immutable after signing; identity for deduplication is the source validator
type PreProposal struct {
	EthereumHeight uint64                                     `json:"ethereumHeight"` // the target block on the settlement chain
	Source         lib.ValidatorId                            `json:"source"`         // the validator that signed this draft
	Limit          []*lib.OrderWithData[*lib.LimitOrder]      `json:"limit"`          // the limit orders, highest priority first
	Searcher       []*lib.OrderWithData[*lib.TopOfBlockOrder] `json:"searcher"`       // the top-of-block orders, highest tribute first
	Signature      []byte                                     `json:"signature"`      // 65 byte recoverable signature over the digest
}

// NewPreProposal() sorts the snapshot deterministically and signs it with the validator's ECDSA key
func NewPreProposal(height uint64, key *crypto.SECP256K1PrivateKey, orders lib.OrderSet) (*PreProposal, lib.ErrorI) {
	p := &PreProposal{
		EthereumHeight: height,
		Source:         key.PublicKey().Address(),
		Limit:          sortLimit(orders.Limit),
		Searcher:       sortSearcher(orders.Searcher),
	}
	// sign the digest with the recoverable scheme so peers can check the source without a key lookup
	sig, err := key.SignDigest(p.Digest())
	if err != nil {
		return nil, lib.ErrInvalidSignature()
	}
	p.Signature = sig
	return p, nil
}

// Digest() returns the keccak of the domain tag, the height, and both order lists
func (p *PreProposal) Digest() []byte {
	// copy the pre-proposal and blank the signature so the digest covers structure only
	unsigned := *p
	unsigned.Signature = nil
	// hash the domain tag with the encoded unsigned message
	return crypto.Hash(preProposalDomain, lib.MustMarshal(&unsigned))
}

// Hash() returns the full content hash including the signature, used for byte-equality checks
func (p *PreProposal) Hash() common.Hash {
	return common.BytesToHash(crypto.Hash(lib.MustMarshal(p)))
}

// CheckBasic() performs stateless sanity checks on the message structure
func (p *PreProposal) CheckBasic() lib.ErrorI {
	if p == nil {
		return ErrEmptyPreProposal()
	}
	if len(p.Signature) != crypto.SECP256K1SignatureSize {
		return lib.ErrInvalidSignatureSize(len(p.Signature))
	}
	return nil
}

// ValidateSignature() recovers the digest signer and requires it to match the claimed source
func (p *PreProposal) ValidateSignature() lib.ErrorI {
	// sanity check the structure first
	if err := p.CheckBasic(); err != nil {
		return err
	}
	// recover the signer from the digest
	signer, err := crypto.RecoverSigner(p.Digest(), p.Signature)
	if err != nil {
		return lib.ErrRecoverSigner(err)
	}
	// the recovered address must be the claimed source
	if signer != p.Source {
		return ErrInvalidPreProposalSig()
	}
	return nil
}

// OrderSet() returns the draft's orders as a snapshot for merging
func (p *PreProposal) OrderSet() lib.OrderSet {
	return lib.OrderSet{Limit: p.Limit, Searcher: p.Searcher}
}

// MergePreProposals() combines every seen draft into one order set: limit orders are
// unioned by hash while searcher orders keep only the highest tribute entry per pool
func MergePreProposals(preProposals map[lib.ValidatorId]*PreProposal) lib.OrderSet {
	limitByHash := make(map[common.Hash]*lib.OrderWithData[*lib.LimitOrder])
	searcherByPool := make(map[lib.PoolId]*lib.OrderWithData[*lib.TopOfBlockOrder])
	// for every collected draft
	for _, p := range preProposals {
		// union the limit orders by hash
		for _, o := range p.Limit {
			limitByHash[o.Hash()] = o
		}
		// keep only the per-pool searcher maximum by tribute
		for _, o := range p.Searcher {
			if best, ok := searcherByPool[o.PoolId]; !ok || best.LessSearcher(o) {
				searcherByPool[o.PoolId] = o
			}
		}
	}
	// flatten the maps into the merged set
	merged := lib.OrderSet{}
	for _, o := range limitByHash {
		merged.Limit = append(merged.Limit, o)
	}
	for _, o := range searcherByPool {
		merged.Searcher = append(merged.Searcher, o)
	}
	// sort so every validator derives the identical merged draft
	merged.Limit = sortLimit(merged.Limit)
	merged.Searcher = sortSearcher(merged.Searcher)
	return merged
}

// orderFrequencies() counts, per order hash, how many distinct drafts corroborate it
func orderFrequencies(preProposals map[lib.ValidatorId]*PreProposal) (limit, searcher map[common.Hash]int) {
	limit, searcher = make(map[common.Hash]int), make(map[common.Hash]int)
	for _, p := range preProposals {
		for _, o := range p.Limit {
			limit[o.Hash()]++
		}
		for _, o := range p.Searcher {
			searcher[o.Hash()]++
		}
	}
	return
}

// hasOrderQuorum() returns true when every order in the set is corroborated by strictly
// more than the threshold count of drafts; an empty set trivially has quorum
func hasOrderQuorum[O lib.Order](orders []*lib.OrderWithData[O], freq map[common.Hash]int, threshold int) bool {
	for _, o := range orders {
		if freq[o.Hash()] <= threshold {
			return false
		}
	}
	return true
}

// filterOrderQuorum() drops any order not corroborated by strictly more than the threshold
func filterOrderQuorum[O lib.Order](orders []*lib.OrderWithData[O], freq map[common.Hash]int, threshold int) (kept []*lib.OrderWithData[O]) {
	for _, o := range orders {
		if freq[o.Hash()] > threshold {
			kept = append(kept, o)
		}
	}
	return
}

// sortLimit() orders limit orders highest priority first with a deterministic tiebreak
func sortLimit(orders []*lib.OrderWithData[*lib.LimitOrder]) []*lib.OrderWithData[*lib.LimitOrder] {
	sort.Slice(orders, func(i, j int) bool { return orders[j].Less(orders[i]) })
	return orders
}

// sortSearcher() orders searcher orders highest tribute first with a deterministic tiebreak
func sortSearcher(orders []*lib.OrderWithData[*lib.TopOfBlockOrder]) []*lib.OrderWithData[*lib.TopOfBlockOrder] {
	sort.Slice(orders, func(i, j int) bool { return orders[j].LessSearcher(orders[i]) })
	return orders
}
