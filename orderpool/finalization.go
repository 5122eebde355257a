package orderpool

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/strom-network/strom/lib"
)

/* This file implements the finalization sub-pool: orders proposed for on-chain inclusion are
   held here per block until the block is finalized, so a reorg can return them to the live pools */

// finalizationPool is the per-block holding area for orders awaiting finalization
type finalizationPool struct {
	limit    map[uint64]map[common.Hash]*limitEntry
	searcher map[uint64]map[common.Hash]*searcherEntry
}

// newFinalizationPool() constructs an empty finalization pool
func newFinalizationPool() *finalizationPool {
	return &finalizationPool{
		limit:    make(map[uint64]map[common.Hash]*limitEntry),
		searcher: make(map[uint64]map[common.Hash]*searcherEntry),
	}
}

// addFilled() files a set of proposed orders under the block they were submitted for
func (f *finalizationPool) addFilled(block uint64, orders lib.OrderSet) {
	if len(orders.Limit) != 0 {
		entries, ok := f.limit[block]
		if !ok {
			entries = make(map[common.Hash]*limitEntry)
			f.limit[block] = entries
		}
		for _, o := range orders.Limit {
			entries[o.Hash()] = o
		}
	}
	if len(orders.Searcher) != 0 {
		entries, ok := f.searcher[block]
		if !ok {
			entries = make(map[common.Hash]*searcherEntry)
			f.searcher[block] = entries
		}
		for _, o := range orders.Searcher {
			entries[o.Hash()] = o
		}
	}
}

// finalize() permanently commits every order held for the block and any earlier block,
// returning the committed orders so the caller can report the fills
func (f *finalizationPool) finalize(block uint64) (filled lib.OrderSet) {
	for height, entries := range f.limit {
		if height > block {
			continue
		}
		for _, o := range entries {
			filled.Limit = append(filled.Limit, o)
		}
		delete(f.limit, height)
	}
	for height, entries := range f.searcher {
		if height > block {
			continue
		}
		for _, o := range entries {
			filled.Searcher = append(filled.Searcher, o)
		}
		delete(f.searcher, height)
	}
	return
}

// takeReorged() removes and returns the held orders matching the given hashes
// Orders not found in any holding block are ignored, the chain may reorg past
// blocks this node never proposed for
func (f *finalizationPool) takeReorged(hashes []common.Hash) (reorged lib.OrderSet) {
	for _, hash := range hashes {
		for height, entries := range f.limit {
			if o, ok := entries[hash]; ok {
				reorged.Limit = append(reorged.Limit, o)
				delete(entries, hash)
				if len(entries) == 0 {
					delete(f.limit, height)
				}
				break
			}
		}
		for height, entries := range f.searcher {
			if o, ok := entries[hash]; ok {
				reorged.Searcher = append(reorged.Searcher, o)
				delete(entries, hash)
				if len(entries) == 0 {
					delete(f.searcher, height)
				}
				break
			}
		}
	}
	return
}

// contains() reports whether the hash is held for any block
func (f *finalizationPool) contains(hash common.Hash) bool {
	for _, entries := range f.limit {
		if _, ok := entries[hash]; ok {
			return true
		}
	}
	for _, entries := range f.searcher {
		if _, ok := entries[hash]; ok {
			return true
		}
	}
	return false
}
