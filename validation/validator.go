package validation

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/strom-network/strom/crypto"
	"github.com/strom-network/strom/lib"
)

/* This file implements the pipeline front door: structural checks on the caller's
   goroutine, then the account and gas checks on the signer's worker shard */

// OrderValidator runs externally submitted orders through the full acceptance pipeline
type OrderValidator struct {
	config    lib.ValidationConfig  // size cap, headroom, shard count
	state     *StateCache           // block-pinned chain reads
	accounts  *UserAccounts         // per-signer pending claims
	processor *UserAccountProcessor // the account level checks
	gas       GasEstimator          // the cost simulation capability
	workers   *workerPool           // key-sharded execution
	log       lib.LoggerI           // stdout logging
}

// NewOrderValidator() constructs and starts the validation pipeline
func NewOrderValidator(config lib.ValidationConfig, provider StateProvider, gas GasEstimator, log lib.LoggerI) *OrderValidator {
	state := NewStateCache(provider, config.StateCacheBlocks)
	accounts := NewUserAccounts()
	return &OrderValidator{
		config:    config,
		state:     state,
		accounts:  accounts,
		processor: NewUserAccountProcessor(state, accounts),
		gas:       gas,
		workers:   newWorkerPool(config.WorkerShards),
		log:       log,
	}
}

// validationReply carries a worker's outcome back to the submitting goroutine
type validationReply[O lib.Order] struct {
	order *lib.OrderWithData[O]
	err   lib.ErrorI
}

// ValidateLimitOrder() runs a limit order through the pipeline, blocking until the
// signer's shard reaches it or the context ends
func (v *OrderValidator) ValidateLimitOrder(ctx context.Context, o *lib.LimitOrder) (*lib.OrderWithData[*lib.LimitOrder], lib.ErrorI) {
	// structural checks need no account state and run on the caller's goroutine
	signer, err := v.preCheck(o)
	if err != nil {
		return nil, err
	}
	block := v.processor.CurrentBlock()
	// flash orders bind to the upcoming block exactly, standing orders to a live deadline
	if o.Kind == lib.OrderKindKillOrFill {
		if o.Deadline != block+1 {
			return nil, ErrBlockMismatch(o.Deadline, block+1)
		}
	} else if o.Deadline <= block {
		return nil, lib.ErrInvalidDeadline(o.Deadline, block)
	}
	hash := o.Hash()
	replyChan := make(chan validationReply[*lib.LimitOrder], 1)
	// the shard serializes this check against the signer's other in-flight orders
	if err = v.workers.submit(signer, func() {
		replyChan <- v.checkLimitOrder(ctx, signer, hash, block, o)
	}); err != nil {
		return nil, err
	}
	select {
	case reply := <-replyChan:
		return reply.order, reply.err
	case <-ctx.Done():
		return nil, ErrPipelineClosed()
	}
}

// checkLimitOrder() runs the account and gas checks, always on the signer's shard
func (v *OrderValidator) checkLimitOrder(ctx context.Context, signer common.Address, hash common.Hash, block uint64, o *lib.LimitOrder) validationReply[*lib.LimitOrder] {
	executable, err := v.processor.VerifyOrder(ctx, &verifyInput{
		signer:   signer,
		hash:     hash,
		pool:     o.PoolId,
		nonce:    o.Nonce,
		hasNonce: true,
		asset:    o.AssetIn,
		amount:   o.Amount,
		block:    block,
	})
	if err != nil {
		return validationReply[*lib.LimitOrder]{err: err}
	}
	// a gas failure after the account checks must roll the pending claim back,
	// rejections leave no side effects
	gasCost, err := checkGas(ctx, v.gas, o, o.MaxGas, v.config.GasHeadroomPct)
	if err != nil {
		v.accounts.Release(signer, hash)
		return validationReply[*lib.LimitOrder]{err: err}
	}
	location := lib.LocationLimitPending
	if !executable {
		location = lib.LocationLimitParked
	}
	return validationReply[*lib.LimitOrder]{order: &lib.OrderWithData[*lib.LimitOrder]{
		Order: o,
		Priority: lib.OrderPriorityData{
			Price:  o.MinPrice,
			Volume: o.Amount,
			Gas:    gasCost,
		},
		PoolId:           o.PoolId,
		IsBid:            o.IsBid(),
		IsCurrentlyValid: executable,
		IsValid:          true,
		ValidBlock:       block,
		Id: lib.OrderId{
			Signer:   signer,
			Pool:     o.PoolId,
			Hash:     hash,
			Nonce:    o.Nonce,
			Block:    o.ValidBlock(),
			Location: location,
		},
	}}
}

// ValidateSearcherOrder() runs a top-of-block order through the pipeline
func (v *OrderValidator) ValidateSearcherOrder(ctx context.Context, o *lib.TopOfBlockOrder) (*lib.OrderWithData[*lib.TopOfBlockOrder], lib.ErrorI) {
	signer, err := v.preCheck(o)
	if err != nil {
		return nil, err
	}
	block := v.processor.CurrentBlock()
	// a top-of-block order is only ever valid for the upcoming block
	if o.ValidForBlock != block+1 {
		return nil, ErrBlockMismatch(o.ValidForBlock, block+1)
	}
	hash := o.Hash()
	replyChan := make(chan validationReply[*lib.TopOfBlockOrder], 1)
	if err = v.workers.submit(signer, func() {
		replyChan <- v.checkSearcherOrder(ctx, signer, hash, block, o)
	}); err != nil {
		return nil, err
	}
	select {
	case reply := <-replyChan:
		return reply.order, reply.err
	case <-ctx.Done():
		return nil, ErrPipelineClosed()
	}
}

// checkSearcherOrder() runs the account and gas checks, always on the signer's shard
func (v *OrderValidator) checkSearcherOrder(ctx context.Context, signer common.Address, hash common.Hash, block uint64, o *lib.TopOfBlockOrder) validationReply[*lib.TopOfBlockOrder] {
	// top-of-block orders consume no nonce, the single validity block replays for free
	executable, err := v.processor.VerifyOrder(ctx, &verifyInput{
		signer: signer,
		hash:   hash,
		pool:   o.PoolId,
		asset:  o.AssetIn,
		amount: o.QuantityIn,
		block:  block,
	})
	if err != nil {
		return validationReply[*lib.TopOfBlockOrder]{err: err}
	}
	// a searcher order that cannot fund itself is dropped, never parked
	if !executable {
		v.accounts.Release(signer, hash)
		return validationReply[*lib.TopOfBlockOrder]{err: ErrInsufficientFunds(signer)}
	}
	gasCost, err := checkGas(ctx, v.gas, o, o.MaxGas, v.config.GasHeadroomPct)
	if err != nil {
		v.accounts.Release(signer, hash)
		return validationReply[*lib.TopOfBlockOrder]{err: err}
	}
	return validationReply[*lib.TopOfBlockOrder]{order: &lib.OrderWithData[*lib.TopOfBlockOrder]{
		Order: o,
		Priority: lib.OrderPriorityData{
			Price:  big.NewInt(0),
			Volume: big.NewInt(0),
			Gas:    gasCost,
		},
		SearcherPriority: lib.SearcherPriorityData{
			Donated: o.Tribute,
			Volume:  o.QuantityIn,
		},
		PoolId:           o.PoolId,
		IsBid:            o.AssetIn > o.AssetOut,
		IsCurrentlyValid: true,
		IsValid:          true,
		ValidBlock:       block,
		Id: lib.OrderId{
			Signer:   signer,
			Pool:     o.PoolId,
			Hash:     hash,
			Block:    o.ValidForBlock,
			Location: lib.LocationSearcher,
		},
	}}
}

// preCheck() runs the stateless structural checks and recovers the signer
func (v *OrderValidator) preCheck(o lib.Order) (signer common.Address, err lib.ErrorI) {
	if o == nil {
		return common.Address{}, lib.ErrNilOrder()
	}
	// an oversized order is rejected before any state work
	encoded, err := lib.Marshal(o)
	if err != nil {
		return common.Address{}, err
	}
	if uint32(len(encoded)) > v.config.MaxOrderBytes {
		return common.Address{}, ErrOversizedOrder(uint32(len(encoded)), v.config.MaxOrderBytes)
	}
	signature := o.SignatureBytes()
	if len(signature) != crypto.SECP256K1SignatureSize {
		return common.Address{}, lib.ErrInvalidSignatureSize(len(signature))
	}
	hash := o.Hash()
	signer, recoverErr := crypto.RecoverSigner(hash.Bytes(), signature)
	if recoverErr != nil {
		return common.Address{}, lib.ErrRecoverSigner(recoverErr)
	}
	return signer, nil
}

// ReleaseOrder() drops an order's pending claim, used when the pool refuses the order
// after validation accepted it
func (v *OrderValidator) ReleaseOrder(signer common.Address, hash common.Hash) {
	v.accounts.Release(signer, hash)
}

// CancelOrder() records a signer's cancellation so later re-submissions are rejected
// and the order's pending claim is released
func (v *OrderValidator) CancelOrder(signer common.Address, hash common.Hash) {
	v.accounts.MarkCancelled(signer, hash)
}

// OnNewBlock() advances the tracked block pointer and reconciles pending state with the
// canonical chain, returning the signers whose orders need re-checking
// This is the only place the block pointer moves; in-flight verifications dispatched
// against the old block fail with a block mismatch
func (v *OrderValidator) OnNewBlock(block uint64, completedHashes []common.Hash, changedAddresses []common.Address) (touched []common.Address) {
	v.processor.AdvanceBlock(block)
	// settled orders release their claims and free their signers' nonces
	touched = v.accounts.CompleteOrders(completedHashes)
	// accounts the chain reports changed rebuild their pending view from scratch
	for _, address := range changedAddresses {
		v.accounts.DropSigner(address)
	}
	v.state.Invalidate(block, changedAddresses)
	v.state.Prune(block)
	return append(touched, changedAddresses...)
}

// RecheckOrders() re-runs the account checks for already pooled limit orders whose signers'
// state changed, rebuilding their pending claims against the new block
// An order that can no longer fund itself is parked; one whose nonce the chain consumed
// is removed outright
func (v *OrderValidator) RecheckOrders(ctx context.Context, orders []*lib.OrderWithData[*lib.LimitOrder], signers []common.Address) (park, remove []lib.OrderId) {
	changed := make(map[common.Address]struct{}, len(signers))
	for _, signer := range signers {
		changed[signer] = struct{}{}
	}
	block := v.processor.CurrentBlock()
	for _, wrapped := range orders {
		if _, ok := changed[wrapped.Id.Signer]; !ok {
			continue
		}
		o := wrapped
		replyChan := make(chan validationReply[*lib.LimitOrder], 1)
		if err := v.workers.submit(o.Id.Signer, func() {
			// drop the order's own surviving claim so it cannot conflict with itself
			v.accounts.Release(o.Id.Signer, o.Id.Hash)
			executable, err := v.processor.VerifyOrder(ctx, &verifyInput{
				signer:   o.Id.Signer,
				hash:     o.Id.Hash,
				pool:     o.PoolId,
				nonce:    o.Order.Nonce,
				hasNonce: true,
				asset:    o.Order.AssetIn,
				amount:   o.Order.Amount,
				block:    block,
			})
			reply := validationReply[*lib.LimitOrder]{err: err}
			if err == nil && executable {
				reply.order = o
			}
			replyChan <- reply
		}); err != nil {
			return
		}
		select {
		case reply := <-replyChan:
			switch {
			case reply.err != nil && reply.err.Code() == lib.CodeStateFetch:
				// a failed state read is transient; keep the order and let the next
				// head's re-check retry against a recovered provider
				v.log.Warnf("Re-check of %s deferred, state read failed: %s",
					lib.BytesToTruncatedString(o.Id.Hash.Bytes()), reply.err.Error())
			case reply.err != nil:
				// the chain consumed the nonce or the order was cancelled elsewhere
				remove = append(remove, o.Id)
			case reply.order == nil:
				park = append(park, o.Id)
			}
		case <-ctx.Done():
			return
		}
	}
	return
}

// CurrentBlock() returns the pipeline's tracked block
func (v *OrderValidator) CurrentBlock() uint64 { return v.processor.CurrentBlock() }

// PendingOrders() returns the order hashes of the signer's live claims
func (v *OrderValidator) PendingOrders(signer common.Address) []common.Hash {
	return v.accounts.PendingOrders(signer)
}

// Close() stops intake and drains the worker shards
func (v *OrderValidator) Close() { v.workers.close() }
