package validation

import (
	"context"
	"math/big"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/strom-network/strom/lib"
)

/* This file implements the account-level order check: given one order from one signer,
   decide whether it is executable under chain state plus the signer's other pending orders */

// verifyInput is the normalized view of an order the account checks run against
type verifyInput struct {
	signer   common.Address // the recovered order author
	hash     common.Hash    // the structural order hash
	pool     lib.PoolId     // the pool the order trades against
	nonce    uint64         // the nonce the order consumes
	hasNonce bool           // false for top-of-block orders, they consume no nonce
	asset    uint16         // the asset the order spends
	amount   *big.Int       // the spend the order requires
	block    uint64         // the block the request was dispatched against
}

// UserAccountProcessor runs the per-order account checks against the block-pinned state view
type UserAccountProcessor struct {
	state    *StateCache   // block-pinned chain reads
	accounts *UserAccounts // per-signer pending claims
	block    atomic.Uint64 // the tracked block, advanced only by AdvanceBlock()
}

// NewUserAccountProcessor() constructs the processor over the state cache
func NewUserAccountProcessor(state *StateCache, accounts *UserAccounts) *UserAccountProcessor {
	return &UserAccountProcessor{state: state, accounts: accounts}
}

// CurrentBlock() returns the tracked block
func (p *UserAccountProcessor) CurrentBlock() uint64 { return p.block.Load() }

// AdvanceBlock() moves the tracked block pointer, the only place it moves
// In-flight verifications dispatched against the old block fail with a block mismatch
// rather than silently validating against wrong state
func (p *UserAccountProcessor) AdvanceBlock(block uint64) { p.block.Store(block) }

// VerifyOrder() decides whether the order is currently executable
// A false executable result with a nil error means the order is parked, not rejected
// Side effect: a non-rejected order always enters the signer's pending claims so
// later orders from the same signer see its accumulated effects; rejections leave
// no side effects
func (p *UserAccountProcessor) VerifyOrder(ctx context.Context, in *verifyInput) (executable bool, err lib.ErrorI) {
	current := p.block.Load()
	// 1. a nonce at or below the chain's consumed range was already spent historically
	if in.hasNonce {
		chainNonce, e := p.state.Nonce(ctx, in.signer, current)
		if e != nil {
			return false, e
		}
		if in.nonce < chainNonce {
			return false, ErrDuplicateNonce(in.signer, in.nonce)
		}
		// 2. another pooled order from the signer already reserved the nonce
		if p.accounts.HasPendingNonce(in.signer, in.nonce) {
			return false, ErrDuplicateNonce(in.signer, in.nonce)
		}
	}
	// 3. the request was dispatched against a block that is no longer current
	if in.block != current {
		return false, ErrBlockMismatch(in.block, current)
	}
	// 4. the signer cancelled this exact order earlier
	if p.accounts.IsCancelled(in.hash) {
		return false, ErrOrderIsCancelled(in.hash)
	}
	// 5. the signer's live balance, less what its other pending orders already
	// committed, decides executable versus parked
	balance, e := p.state.Balance(ctx, in.signer, in.asset, current)
	if e != nil {
		return false, e
	}
	available := new(big.Int).Sub(balance, p.accounts.ConsumedAmount(in.signer, in.asset))
	executable = available.Cmp(in.amount) >= 0
	// record the claim either way, only an executable order commits its spend
	committed := in.amount
	if !executable {
		committed = nil
	}
	p.accounts.CommitPendingAction(in.signer, in.hash, in.nonce, in.hasNonce, in.asset, committed)
	return executable, nil
}
