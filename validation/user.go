package validation

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

/* This file implements the per-signer pending state: the nonce reservations and balance
   commitments layered on top of chain state by orders already accepted into the pool
   Reads come from many validation workers concurrently; writes for one signer are already
   serialized by the worker sharding */

// pendingAction is one pooled order's claim on its signer's account
type pendingAction struct {
	hash   common.Hash // the order's structural hash
	nonce  uint64      // the reserved nonce (unused for top-of-block orders)
	asset  uint16      // the asset the order spends
	amount *big.Int    // the committed spend, nil while the order is parked
}

// pendingUserState is everything the pipeline tracks for one signer
type pendingUserState struct {
	nonces  map[uint64]common.Hash         // reserved nonces keyed to the reserving order
	actions map[common.Hash]*pendingAction // live claims keyed by order hash
}

// UserAccounts is the pending-state view shared by all validation workers
type UserAccounts struct {
	sync.RWMutex                                      // protects both maps
	cancelled    map[common.Hash]struct{}             // order hashes cancelled by their signer
	pending      map[common.Address]*pendingUserState // live per-signer claims
}

// NewUserAccounts() constructs an empty pending-state view
func NewUserAccounts() *UserAccounts {
	return &UserAccounts{
		cancelled: make(map[common.Hash]struct{}),
		pending:   make(map[common.Address]*pendingUserState),
	}
}

// stateFor() returns the signer's pending state, creating it on first use
// must be called with the write lock held
func (u *UserAccounts) stateFor(signer common.Address) *pendingUserState {
	state, ok := u.pending[signer]
	if !ok {
		state = &pendingUserState{
			nonces:  make(map[uint64]common.Hash),
			actions: make(map[common.Hash]*pendingAction),
		}
		u.pending[signer] = state
	}
	return state
}

// HasPendingNonce() reports whether another pooled order from the signer reserved the nonce
func (u *UserAccounts) HasPendingNonce(signer common.Address, nonce uint64) bool {
	u.RLock()
	defer u.RUnlock()
	if state, ok := u.pending[signer]; ok {
		_, reserved := state.nonces[nonce]
		return reserved
	}
	return false
}

// IsCancelled() reports whether the order hash was recorded as cancelled
func (u *UserAccounts) IsCancelled(hash common.Hash) bool {
	u.RLock()
	defer u.RUnlock()
	_, ok := u.cancelled[hash]
	return ok
}

// MarkCancelled() records a cancellation and releases the order's pending claim
func (u *UserAccounts) MarkCancelled(signer common.Address, hash common.Hash) {
	u.Lock()
	defer u.Unlock()
	u.cancelled[hash] = struct{}{}
	u.releaseLocked(signer, hash)
}

// ConsumedAmount() returns the total committed spend of the asset across the signer's live claims
func (u *UserAccounts) ConsumedAmount(signer common.Address, asset uint16) *big.Int {
	u.RLock()
	defer u.RUnlock()
	consumed := new(big.Int)
	if state, ok := u.pending[signer]; ok {
		for _, action := range state.actions {
			if action.asset == asset && action.amount != nil {
				consumed.Add(consumed, action.amount)
			}
		}
	}
	return consumed
}

// CommitPendingAction() files a new claim for the signer, reserving the nonce and, for an
// order that is currently executable, committing its spend
func (u *UserAccounts) CommitPendingAction(signer common.Address, hash common.Hash, nonce uint64, hasNonce bool, asset uint16, amount *big.Int) {
	u.Lock()
	defer u.Unlock()
	state := u.stateFor(signer)
	action := &pendingAction{hash: hash, asset: asset, amount: amount}
	if hasNonce {
		action.nonce = nonce
		state.nonces[nonce] = hash
	}
	state.actions[hash] = action
}

// Release() drops the order's claim, freeing its nonce and committed spend
func (u *UserAccounts) Release(signer common.Address, hash common.Hash) {
	u.Lock()
	defer u.Unlock()
	u.releaseLocked(signer, hash)
}

// releaseLocked() removes one claim, must be called with the write lock held
func (u *UserAccounts) releaseLocked(signer common.Address, hash common.Hash) {
	state, ok := u.pending[signer]
	if !ok {
		return
	}
	action, ok := state.actions[hash]
	if !ok {
		return
	}
	delete(state.actions, hash)
	if reserved, exists := state.nonces[action.nonce]; exists && reserved == hash {
		delete(state.nonces, action.nonce)
	}
	if len(state.actions) == 0 {
		delete(u.pending, signer)
	}
}

// CompleteOrders() drops the claims of orders settled on-chain, returning the signers touched
// The nonce reservations fall away too, the chain nonce now covers them
func (u *UserAccounts) CompleteOrders(hashes []common.Hash) (touched []common.Address) {
	u.Lock()
	defer u.Unlock()
	for _, hash := range hashes {
		for signer, state := range u.pending {
			if _, ok := state.actions[hash]; ok {
				u.releaseLocked(signer, hash)
				touched = append(touched, signer)
				break
			}
		}
		// settled orders can no longer be cancelled
		delete(u.cancelled, hash)
	}
	return
}

// DropSigner() discards the signer's entire pending state so it is rebuilt on the next
// validation, used when a canonical update reports the signer's account changed
func (u *UserAccounts) DropSigner(signer common.Address) {
	u.Lock()
	defer u.Unlock()
	delete(u.pending, signer)
}

// PendingOrders() returns the order hashes of the signer's live claims
func (u *UserAccounts) PendingOrders(signer common.Address) (hashes []common.Hash) {
	u.RLock()
	defer u.RUnlock()
	if state, ok := u.pending[signer]; ok {
		for hash := range state.actions {
			hashes = append(hashes, hash)
		}
	}
	return
}
