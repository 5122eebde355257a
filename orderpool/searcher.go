package orderpool

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/strom-network/strom/lib"
)

/* This file implements the searcher sub-pool: top-of-block orders per pool, capacity bounded
   with a strict outrank-the-worst replacement policy */

// searcherEntry is the stored form of one top-of-block order
type searcherEntry = lib.OrderWithData[*lib.TopOfBlockOrder]

// searcherPool holds the live top-of-block orders per pool
type searcherPool struct {
	maxPerPool int
	orders     map[lib.PoolId]map[common.Hash]*searcherEntry
}

// newSearcherPool() constructs an empty searcher pool with the configured per-pool cap
func newSearcherPool(maxPerPool int) *searcherPool {
	return &searcherPool{
		maxPerPool: maxPerPool,
		orders:     make(map[lib.PoolId]map[common.Hash]*searcherEntry),
	}
}

// contains() reports whether the hash is filed under the pool
func (s *searcherPool) contains(pool lib.PoolId, hash common.Hash) bool {
	_, ok := s.orders[pool][hash]
	return ok
}

// worst() returns the lowest ranked order in the pool, nil when empty
func (s *searcherPool) worst(pool lib.PoolId) (worst *searcherEntry) {
	for _, o := range s.orders[pool] {
		if worst == nil || o.LessSearcher(worst) {
			worst = o
		}
	}
	return
}

// add() files an order, evicting the worst entry when at capacity and outranked
// The evicted entry is returned so the caller can report its removal
func (s *searcherPool) add(o *searcherEntry) (evicted *searcherEntry, err lib.ErrorI) {
	pool, ok := s.orders[o.PoolId]
	if !ok {
		pool = make(map[common.Hash]*searcherEntry)
		s.orders[o.PoolId] = pool
	}
	// at capacity the new order must strictly outrank the current minimum to enter
	if len(pool) >= s.maxPerPool {
		worst := s.worst(o.PoolId)
		if !worst.LessSearcher(o) {
			return nil, ErrMaxPoolSize(o.PoolId, s.maxPerPool)
		}
		delete(pool, worst.Hash())
		evicted = worst
	}
	pool[o.Hash()] = o
	return evicted, nil
}

// remove() drops the hash from the pool
func (s *searcherPool) remove(pool lib.PoolId, hash common.Hash) (o *searcherEntry, ok bool) {
	if entries, exists := s.orders[pool]; exists {
		if o, ok = entries[hash]; ok {
			delete(entries, hash)
			return
		}
	}
	return nil, false
}

// expire() removes and returns every order whose single validity block has passed
func (s *searcherPool) expire(block uint64) (expired []*searcherEntry) {
	for pool, entries := range s.orders {
		for hash, o := range entries {
			if o.Order.ValidForBlock <= block {
				expired = append(expired, o)
				delete(entries, hash)
			}
		}
		if len(entries) == 0 {
			delete(s.orders, pool)
		}
	}
	return
}

// snapshot() appends every live order to the destination slice
func (s *searcherPool) snapshot(dst []*searcherEntry) []*searcherEntry {
	for _, entries := range s.orders {
		for _, o := range entries {
			dst = append(dst, o)
		}
	}
	return dst
}
