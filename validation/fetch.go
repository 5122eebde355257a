package validation

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/strom-network/strom/lib"
)

/* This file implements the chain-state read interface the pipeline depends on and a
   block-pinned cache over it, so many workers validating against the same block share
   one upstream read per key */

// StateProvider is the narrow point-in-time account read interface supplied by the chain collaborator
type StateProvider interface {
	// Balance() returns the address balance of the given asset at the block
	Balance(ctx context.Context, address common.Address, asset uint16, block uint64) (*big.Int, lib.ErrorI)
	// Nonce() returns the next unconsumed nonce of the address at the block
	Nonce(ctx context.Context, address common.Address, block uint64) (uint64, lib.ErrorI)
	// HasBytecode() reports whether the address is a contract at the block
	HasBytecode(ctx context.Context, address common.Address, block uint64) (bool, lib.ErrorI)
}

// balanceKey identifies one cached balance read
type balanceKey struct {
	address common.Address
	asset   uint16
}

// blockCache holds the memoized reads pinned to a single block
type blockCache struct {
	balances map[balanceKey]*big.Int
	nonces   map[common.Address]uint64
	bytecode map[common.Address]bool
}

// StateCache memoizes provider reads per block, retaining a bounded number of recent blocks
type StateCache struct {
	sync.Mutex               // protects the block map
	provider   StateProvider // the upstream chain reads
	retain     int           // how many recent blocks to keep cached
	blocks     map[uint64]*blockCache
}

// NewStateCache() constructs a cache over the provider
func NewStateCache(provider StateProvider, retain int) *StateCache {
	return &StateCache{provider: provider, retain: retain, blocks: make(map[uint64]*blockCache)}
}

// cacheFor() returns the cache pinned to a block, creating it on first use
// must be called with the lock held
func (s *StateCache) cacheFor(block uint64) *blockCache {
	c, ok := s.blocks[block]
	if !ok {
		c = &blockCache{
			balances: make(map[balanceKey]*big.Int),
			nonces:   make(map[common.Address]uint64),
			bytecode: make(map[common.Address]bool),
		}
		s.blocks[block] = c
	}
	return c
}

// Balance() returns the cached balance, reading through to the provider on a miss
func (s *StateCache) Balance(ctx context.Context, address common.Address, asset uint16, block uint64) (*big.Int, lib.ErrorI) {
	key := balanceKey{address: address, asset: asset}
	s.Lock()
	if balance, ok := s.cacheFor(block).balances[key]; ok {
		s.Unlock()
		return balance, nil
	}
	s.Unlock()
	// read through outside the lock, upstream calls may be slow
	balance, err := s.provider.Balance(ctx, address, asset, block)
	if err != nil {
		return nil, err
	}
	s.Lock()
	s.cacheFor(block).balances[key] = balance
	s.Unlock()
	return balance, nil
}

// Nonce() returns the cached next nonce, reading through to the provider on a miss
func (s *StateCache) Nonce(ctx context.Context, address common.Address, block uint64) (uint64, lib.ErrorI) {
	s.Lock()
	if nonce, ok := s.cacheFor(block).nonces[address]; ok {
		s.Unlock()
		return nonce, nil
	}
	s.Unlock()
	nonce, err := s.provider.Nonce(ctx, address, block)
	if err != nil {
		return 0, err
	}
	s.Lock()
	s.cacheFor(block).nonces[address] = nonce
	s.Unlock()
	return nonce, nil
}

// HasBytecode() returns the cached contract check, reading through to the provider on a miss
func (s *StateCache) HasBytecode(ctx context.Context, address common.Address, block uint64) (bool, lib.ErrorI) {
	s.Lock()
	if isContract, ok := s.cacheFor(block).bytecode[address]; ok {
		s.Unlock()
		return isContract, nil
	}
	s.Unlock()
	isContract, err := s.provider.HasBytecode(ctx, address, block)
	if err != nil {
		return false, err
	}
	s.Lock()
	s.cacheFor(block).bytecode[address] = isContract
	s.Unlock()
	return isContract, nil
}

// Prune() drops caches pinned to blocks older than the retention window ending at current
func (s *StateCache) Prune(current uint64) {
	s.Lock()
	defer s.Unlock()
	for block := range s.blocks {
		if block+uint64(s.retain) <= current {
			delete(s.blocks, block)
		}
	}
}

// Invalidate() drops every cached read for the addresses at the block, used when a
// canonical update reports the addresses changed
func (s *StateCache) Invalidate(block uint64, addresses []common.Address) {
	s.Lock()
	defer s.Unlock()
	c, ok := s.blocks[block]
	if !ok {
		return
	}
	for _, address := range addresses {
		delete(c.nonces, address)
		delete(c.bytecode, address)
		for key := range c.balances {
			if key.address == address {
				delete(c.balances, key)
			}
		}
	}
}
