package orderpool

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/strom-network/strom/lib"
)

/* This file implements the limit order sub-pools: vanilla and composable books, each split
   into pending (eligible now) and parked (validated but currently unexecutable) per pool */

// limitEntry is the stored form of one limit order
type limitEntry = lib.OrderWithData[*lib.LimitOrder]

// pendingBook is one pool's eligible limit orders, side-separated and kept sorted best first
type pendingBook struct {
	bids []*limitEntry // buy side, highest priority first
	asks []*limitEntry // sell side, highest priority first
}

// insert() files an order on its side keeping the book sorted
func (b *pendingBook) insert(o *limitEntry) {
	side := &b.asks
	if o.IsBid {
		side = &b.bids
	}
	// find the insertion point, best priority first with the deterministic tiebreak
	i := sort.Search(len(*side), func(i int) bool { return (*side)[i].Less(o) })
	*side = append(*side, nil)
	copy((*side)[i+1:], (*side)[i:])
	(*side)[i] = o
}

// remove() drops the order with the given hash from either side
func (b *pendingBook) remove(hash common.Hash) (o *limitEntry, ok bool) {
	for _, side := range []*[]*limitEntry{&b.bids, &b.asks} {
		for i, entry := range *side {
			if entry.Hash() == hash {
				o = entry
				*side = append((*side)[:i], (*side)[i+1:]...)
				return o, true
			}
		}
	}
	return nil, false
}

// worst() returns the lowest ranked order across both sides, nil when empty
func (b *pendingBook) worst() (o *limitEntry) {
	if n := len(b.bids); n > 0 {
		o = b.bids[n-1]
	}
	if n := len(b.asks); n > 0 {
		if o == nil || b.asks[n-1].Less(o) {
			o = b.asks[n-1]
		}
	}
	return
}

// size() returns the order count across both sides
func (b *pendingBook) size() int { return len(b.bids) + len(b.asks) }

// limitSubPool is one book flavor (vanilla or composable) across all pools
type limitSubPool struct {
	pending map[lib.PoolId]*pendingBook                // eligible orders per pool
	parked  map[lib.PoolId]map[common.Hash]*limitEntry // currently unexecutable orders per pool
}

// newLimitSubPool() constructs an empty sub-pool
func newLimitSubPool() *limitSubPool {
	return &limitSubPool{
		pending: make(map[lib.PoolId]*pendingBook),
		parked:  make(map[lib.PoolId]map[common.Hash]*limitEntry),
	}
}

// liveCount() returns pending + parked orders filed under a pool
func (s *limitSubPool) liveCount(pool lib.PoolId) (n int) {
	if book, ok := s.pending[pool]; ok {
		n += book.size()
	}
	return n + len(s.parked[pool])
}

// contains() reports whether the hash is filed anywhere under the pool
func (s *limitSubPool) contains(pool lib.PoolId, hash common.Hash) bool {
	if book, ok := s.pending[pool]; ok {
		for _, side := range [][]*limitEntry{book.bids, book.asks} {
			for _, o := range side {
				if o.Hash() == hash {
					return true
				}
			}
		}
	}
	_, ok := s.parked[pool][hash]
	return ok
}

// add() files an order as pending or parked depending on its current validity
func (s *limitSubPool) add(o *limitEntry) {
	if o.IsCurrentlyValid {
		book, ok := s.pending[o.PoolId]
		if !ok {
			book = new(pendingBook)
			s.pending[o.PoolId] = book
		}
		book.insert(o)
		return
	}
	parked, ok := s.parked[o.PoolId]
	if !ok {
		parked = make(map[common.Hash]*limitEntry)
		s.parked[o.PoolId] = parked
	}
	parked[o.Hash()] = o
}

// remove() drops the hash from the pool's pending book or parked map
func (s *limitSubPool) remove(pool lib.PoolId, hash common.Hash) (o *limitEntry, ok bool) {
	if book, exists := s.pending[pool]; exists {
		if o, ok = book.remove(hash); ok {
			return
		}
	}
	if parked, exists := s.parked[pool]; exists {
		if o, ok = parked[hash]; ok {
			delete(parked, hash)
			return
		}
	}
	return nil, false
}

// park() moves a pending order into the parked map, flipping its validity flag
func (s *limitSubPool) park(pool lib.PoolId, hash common.Hash) bool {
	book, ok := s.pending[pool]
	if !ok {
		return false
	}
	o, ok := book.remove(hash)
	if !ok {
		return false
	}
	o.IsCurrentlyValid = false
	parked, exists := s.parked[pool]
	if !exists {
		parked = make(map[common.Hash]*limitEntry)
		s.parked[pool] = parked
	}
	parked[hash] = o
	return true
}

// worstPending() returns the lowest ranked eligible order in the pool
func (s *limitSubPool) worstPending(pool lib.PoolId) *limitEntry {
	if book, ok := s.pending[pool]; ok {
		return book.worst()
	}
	return nil
}

// expire() removes and returns every order whose deadline block has passed
func (s *limitSubPool) expire(block uint64) (expired []*limitEntry) {
	for pool, book := range s.pending {
		var stale []*limitEntry
		for _, side := range [][]*limitEntry{book.bids, book.asks} {
			for _, o := range side {
				if o.Order.Deadline <= block {
					stale = append(stale, o)
				}
			}
		}
		for _, o := range stale {
			book.remove(o.Hash())
		}
		expired = append(expired, stale...)
		if book.size() == 0 {
			delete(s.pending, pool)
		}
	}
	for pool, parked := range s.parked {
		for hash, o := range parked {
			if o.Order.Deadline <= block {
				expired = append(expired, o)
				delete(parked, hash)
			}
		}
		if len(parked) == 0 {
			delete(s.parked, pool)
		}
	}
	return
}

// snapshot() appends every eligible order to the destination slice
func (s *limitSubPool) snapshot(dst []*limitEntry) []*limitEntry {
	for _, book := range s.pending {
		dst = append(dst, book.bids...)
		dst = append(dst, book.asks...)
	}
	return dst
}
