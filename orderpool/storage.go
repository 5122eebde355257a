package orderpool

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/strom-network/strom/lib"
)

/* This file implements the order storage: the single source of truth for orders eligible for
   inclusion, segmented into limit (vanilla + composable), searcher, and finalization sub-pools
   Each sub-pool is guarded by its own mutex; cross-pool reads take each lock in turn and are
   not atomic across sub-pools */

// OrderStorage holds all live orders, segmented for efficient consensus reads
type OrderStorage struct {
	config lib.PoolConfig // pool capacity configuration
	feed   *lib.OrderFeed // order lifecycle event feed
	log    lib.LoggerI    // stdout logging

	limitLock  sync.Mutex    // protects the two limit sub-pools and the count below
	vanilla    *limitSubPool // plain limit orders
	composable *limitSubPool // composable (hook-bearing) limit orders
	limitCount int           // live limit orders across both sub-pools

	searcherLock sync.Mutex    // protects the searcher sub-pool
	searcher     *searcherPool // top-of-block orders

	finalLock    sync.Mutex        // protects the finalization sub-pool
	finalization *finalizationPool // per-block holding area for proposed orders
}

// NewOrderStorage() constructs the order storage with empty sub-pools
func NewOrderStorage(config lib.PoolConfig, feed *lib.OrderFeed, log lib.LoggerI) *OrderStorage {
	return &OrderStorage{
		config:       config,
		feed:         feed,
		log:          log,
		vanilla:      newLimitSubPool(),
		composable:   newLimitSubPool(),
		searcher:     newSearcherPool(config.MaxSearcherOrdersPool),
		finalization: newFinalizationPool(),
	}
}

// limitSubPoolFor() selects the vanilla or composable book for an order
// must be called with the limit lock held
func (s *OrderStorage) limitSubPoolFor(o *limitEntry) *limitSubPool {
	if o.Order.Composable {
		return s.composable
	}
	return s.vanilla
}

// AddNewLimitOrder() inserts a validated limit order into its sub-pool
// When the owning pool is at capacity the order must strictly outrank the current worst
// pending entry to evict it, otherwise the insert is rejected with a max size error
func (s *OrderStorage) AddNewLimitOrder(o *limitEntry) lib.ErrorI {
	s.limitLock.Lock()
	defer s.limitLock.Unlock()
	sub := s.limitSubPoolFor(o)
	// re-submissions of an order already filed are rejected
	if sub.contains(o.PoolId, o.Hash()) {
		return ErrDuplicateOrder(o.Hash())
	}
	if s.limitCount >= s.config.MaxTotalOrders {
		return ErrMaxPoolSize(o.PoolId, s.config.MaxTotalOrders)
	}
	// per-pool capacity with the outrank-the-worst replacement policy
	if sub.liveCount(o.PoolId) >= s.config.MaxLimitOrders {
		worst := sub.worstPending(o.PoolId)
		if worst == nil || !worst.Less(o) {
			return ErrMaxPoolSize(o.PoolId, s.config.MaxLimitOrders)
		}
		sub.remove(o.PoolId, worst.Hash())
		s.limitCount--
		s.log.Debugf("Evicted limit order %s from pool %s", lib.BytesToTruncatedString(worst.Hash().Bytes()), lib.BytesToTruncatedString(o.PoolId.Bytes()))
	}
	sub.add(o)
	s.limitCount++
	s.publish(lib.OrderEventNew, o.Id, 0)
	return nil
}

// AddNewSearcherOrder() inserts a validated top-of-block order into the searcher sub-pool
func (s *OrderStorage) AddNewSearcherOrder(o *searcherEntry) lib.ErrorI {
	s.searcherLock.Lock()
	defer s.searcherLock.Unlock()
	if s.searcher.contains(o.PoolId, o.Hash()) {
		return ErrDuplicateOrder(o.Hash())
	}
	evicted, err := s.searcher.add(o)
	if err != nil {
		return err
	}
	if evicted != nil {
		s.log.Debugf("Evicted searcher order %s from pool %s", lib.BytesToTruncatedString(evicted.Hash().Bytes()), lib.BytesToTruncatedString(o.PoolId.Bytes()))
	}
	s.publish(lib.OrderEventNew, o.Id, 0)
	return nil
}

// ParkOrders() moves matching limit orders from pending to parked without removing them,
// reporting each park as an unfilled event
// Unknown ids are ignored; searcher orders are never parked
func (s *OrderStorage) ParkOrders(ids []lib.OrderId) {
	var parked []lib.OrderId
	s.limitLock.Lock()
	for _, id := range ids {
		if s.vanilla.park(id.Pool, id.Hash) || s.composable.park(id.Pool, id.Hash) {
			parked = append(parked, id)
			continue
		}
		s.log.Debugf("Park requested for unknown order %s", lib.BytesToTruncatedString(id.Hash.Bytes()))
	}
	s.limitLock.Unlock()
	for _, id := range parked {
		s.publish(lib.OrderEventUnfilled, id, 0)
	}
}

// RemoveLimitOrder() drops a limit order from its sub-pool, used on fill, cancel, or eviction
func (s *OrderStorage) RemoveLimitOrder(pool lib.PoolId, hash common.Hash) (*limitEntry, lib.ErrorI) {
	s.limitLock.Lock()
	defer s.limitLock.Unlock()
	return s.removeLimitLocked(pool, hash)
}

// removeLimitLocked() drops a limit order from whichever book holds it
// must be called with the limit lock held
func (s *OrderStorage) removeLimitLocked(pool lib.PoolId, hash common.Hash) (*limitEntry, lib.ErrorI) {
	if o, ok := s.vanilla.remove(pool, hash); ok {
		s.limitCount--
		return o, nil
	}
	if o, ok := s.composable.remove(pool, hash); ok {
		s.limitCount--
		return o, nil
	}
	return nil, ErrOrderNotFound(hash)
}

// RemoveSearcherOrder() drops a top-of-block order from the searcher sub-pool
func (s *OrderStorage) RemoveSearcherOrder(pool lib.PoolId, hash common.Hash) (*searcherEntry, lib.ErrorI) {
	s.searcherLock.Lock()
	defer s.searcherLock.Unlock()
	if o, ok := s.searcher.remove(pool, hash); ok {
		return o, nil
	}
	return nil, ErrOrderNotFound(hash)
}

// CancelOrder() removes an order from the live pools on a user cancellation request
func (s *OrderStorage) CancelOrder(id lib.OrderId) lib.ErrorI {
	if id.Location == lib.LocationSearcher {
		if _, err := s.RemoveSearcherOrder(id.Pool, id.Hash); err != nil {
			return err
		}
	} else if _, err := s.RemoveLimitOrder(id.Pool, id.Hash); err != nil {
		return err
	}
	s.publish(lib.OrderEventCancelled, id, 0)
	return nil
}

// AddFilledOrders() moves orders proposed for on-chain inclusion out of the live pools and
// into the per-block finalization holding area
func (s *OrderStorage) AddFilledOrders(block uint64, orders lib.OrderSet) {
	// detach from the live pools first so the next consensus read cannot re-propose them
	s.limitLock.Lock()
	for _, o := range orders.Limit {
		if _, err := s.removeLimitLocked(o.PoolId, o.Hash()); err != nil {
			s.log.Warnf("Proposed limit order %s not found in the live pools", lib.BytesToTruncatedString(o.Hash().Bytes()))
		}
	}
	s.limitLock.Unlock()
	s.searcherLock.Lock()
	for _, o := range orders.Searcher {
		if _, ok := s.searcher.remove(o.PoolId, o.Hash()); !ok {
			s.log.Warnf("Proposed searcher order %s not found in the live pools", lib.BytesToTruncatedString(o.Hash().Bytes()))
		}
	}
	s.searcherLock.Unlock()
	s.finalLock.Lock()
	defer s.finalLock.Unlock()
	s.finalization.addFilled(block, orders)
}

// FinalizedBlock() permanently commits the orders held for the block, emitting fill events
func (s *OrderStorage) FinalizedBlock(block uint64) {
	s.finalLock.Lock()
	filled := s.finalization.finalize(block)
	s.finalLock.Unlock()
	for _, o := range filled.Limit {
		s.publish(lib.OrderEventFilled, o.Id, block)
	}
	for _, o := range filled.Searcher {
		s.publish(lib.OrderEventFilled, o.Id, block)
	}
}

// Reorg() returns held orders matching the given hashes back into the active pools after a
// chain reorganization unwound the block that carried them
func (s *OrderStorage) Reorg(hashes []common.Hash) {
	s.finalLock.Lock()
	reorged := s.finalization.takeReorged(hashes)
	s.finalLock.Unlock()
	s.limitLock.Lock()
	for _, o := range reorged.Limit {
		s.limitSubPoolFor(o).add(o)
		s.limitCount++
	}
	s.limitLock.Unlock()
	s.searcherLock.Lock()
	for _, o := range reorged.Searcher {
		if _, err := s.searcher.add(o); err != nil {
			s.log.Warnf("Dropped reorged searcher order %s: %s", lib.BytesToTruncatedString(o.Hash().Bytes()), err.Error())
		}
	}
	s.searcherLock.Unlock()
	for _, o := range reorged.Limit {
		s.publish(lib.OrderEventUnfilled, o.Id, 0)
	}
	for _, o := range reorged.Searcher {
		s.publish(lib.OrderEventUnfilled, o.Id, 0)
	}
}

// ExpireOrders() sweeps out every order whose validity window closed at or before the block
func (s *OrderStorage) ExpireOrders(block uint64) {
	var expired []lib.OrderId
	s.limitLock.Lock()
	for _, sub := range []*limitSubPool{s.vanilla, s.composable} {
		for _, o := range sub.expire(block) {
			s.limitCount--
			expired = append(expired, o.Id)
		}
	}
	s.limitLock.Unlock()
	s.searcherLock.Lock()
	for _, o := range s.searcher.expire(block) {
		expired = append(expired, o.Id)
	}
	s.searcherLock.Unlock()
	for _, id := range expired {
		s.publish(lib.OrderEventExpired, id, block)
	}
}

// GetAllOrders() returns a snapshot of the eligible orders, used once per consensus round
// Each sub-pool lock is taken in turn; the read is consistent within a sub-pool but not
// across them
func (s *OrderStorage) GetAllOrders() (orders lib.OrderSet) {
	s.limitLock.Lock()
	orders.Limit = s.vanilla.snapshot(orders.Limit)
	orders.Limit = s.composable.snapshot(orders.Limit)
	s.limitLock.Unlock()
	s.searcherLock.Lock()
	orders.Searcher = s.searcher.snapshot(orders.Searcher)
	s.searcherLock.Unlock()
	return
}

// OrdersBySigner() returns every live order filed under the signer address
func (s *OrderStorage) OrdersBySigner(signer common.Address) (orders lib.OrderSet) {
	all := s.GetAllOrders()
	for _, o := range all.Limit {
		if o.Id.Signer == signer {
			orders.Limit = append(orders.Limit, o)
		}
	}
	for _, o := range all.Searcher {
		if o.Id.Signer == signer {
			orders.Searcher = append(orders.Searcher, o)
		}
	}
	return
}

// OrdersByPool() returns the eligible limit orders for one side of a pool, best first
func (s *OrderStorage) OrdersByPool(pool lib.PoolId, isBid bool) (orders []*limitEntry) {
	s.limitLock.Lock()
	defer s.limitLock.Unlock()
	for _, sub := range []*limitSubPool{s.vanilla, s.composable} {
		if book, ok := sub.pending[pool]; ok {
			if isBid {
				orders = append(orders, book.bids...)
			} else {
				orders = append(orders, book.asks...)
			}
		}
	}
	return
}

// LimitOrderCount() returns the live limit order count across both sub-pools
func (s *OrderStorage) LimitOrderCount() int {
	s.limitLock.Lock()
	defer s.limitLock.Unlock()
	return s.limitCount
}

// SearcherOrderCount() returns the live top-of-block order count across all pools
func (s *OrderStorage) SearcherOrderCount() (count int) {
	s.searcherLock.Lock()
	defer s.searcherLock.Unlock()
	for _, pool := range s.searcher.orders {
		count += len(pool)
	}
	return
}

// publish() emits an order lifecycle event on the feed when one is attached
func (s *OrderStorage) publish(eventType lib.OrderEventType, id lib.OrderId, block uint64) {
	if s.feed == nil {
		return
	}
	s.feed.Publish(lib.OrderEvent{Type: eventType, Hash: id.Hash, Pool: id.Pool, Signer: id.Signer, Block: block})
}
