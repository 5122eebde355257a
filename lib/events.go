package lib

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

/* This file implements the order lifecycle event feed exposed to API subscribers */

// OrderEventType is an enum naming a state change in an order's lifecycle
type OrderEventType uint8

const (
	OrderEventNew       OrderEventType = iota // the order passed validation and entered the pool
	OrderEventFilled                          // the order was included in a settled bundle
	OrderEventUnfilled                        // the order was parked or returned by a reorg
	OrderEventCancelled                       // the order was cancelled by its signer
	OrderEventExpired                         // the order aged out of its validity window
)

// OrderEvent is a single lifecycle notification emitted by the pool
type OrderEvent struct {
	Type   OrderEventType `json:"type"`   // what happened to the order
	Hash   common.Hash    `json:"hash"`   // the structural order hash
	Pool   PoolId         `json:"pool"`   // the pool the order was filed under
	Signer common.Address `json:"signer"` // the recovered order author
	Block  uint64         `json:"block"`  // the block the event was observed at
}

// OrderFeed fans lifecycle events out to any number of subscribers without blocking the pool
type OrderFeed struct {
	sync.Mutex                             // protects the subscriber map
	subscribers map[uint64]chan OrderEvent // open subscriptions keyed by a monotonic id
	nextId      uint64                     // the id handed to the next subscriber
}

// NewOrderFeed() constructs an empty feed
func NewOrderFeed() *OrderFeed {
	return &OrderFeed{subscribers: make(map[uint64]chan OrderEvent)}
}

// Subscribe() registers a new buffered subscription and returns the channel with its cancel func
func (f *OrderFeed) Subscribe() (events <-chan OrderEvent, cancel func()) {
	// lock the feed for thread safety
	f.Lock()
	defer f.Unlock()
	// create the buffered subscriber channel
	ch := make(chan OrderEvent, 256)
	// file the channel under the next id
	id := f.nextId
	f.nextId++
	f.subscribers[id] = ch
	// exit with the channel and its removal closure
	return ch, func() {
		f.Lock()
		defer f.Unlock()
		// drop the subscription if still present
		if _, ok := f.subscribers[id]; ok {
			delete(f.subscribers, id)
			close(ch)
		}
	}
}

// Publish() delivers an event to every subscriber, dropping it for any subscriber whose buffer is full
func (f *OrderFeed) Publish(event OrderEvent) {
	// lock the feed for thread safety
	f.Lock()
	defer f.Unlock()
	// for each open subscription
	for _, ch := range f.subscribers {
		select {
		case ch <- event:
		default: // a slow subscriber never blocks the pool
		}
	}
}
