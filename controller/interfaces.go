package controller

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/strom-network/strom/consensus"
	"github.com/strom-network/strom/lib"
	"github.com/strom-network/strom/validation"
)

/* This file defines the capability interfaces of the external collaborators the node is
   wired to: one interface per responsibility, passed in at construction */

// TransportMessage is an inbound frame with the peer the transport attributes it to
type TransportMessage struct {
	From  lib.ValidatorId // the attributed sender
	Frame []byte          // the raw wire frame, 1 byte message id + payload
}

// Transport delivers and accepts opaque consensus frames
// Implementations must not retain an outbound frame after the call returns, its buffer
// is recycled
type Transport interface {
	// Broadcast() gossips the frame to every connected peer
	Broadcast(frame []byte)
	// SendTo() delivers the frame to one peer
	SendTo(peer lib.ValidatorId, frame []byte)
	// Inbound() is the stream of frames received from peers
	Inbound() <-chan TransportMessage
}

// CanonicalUpdate is one chain-head notification from the settlement chain
type CanonicalUpdate struct {
	Reorg            bool             // true when the previous head was unwound
	Block            uint64           // the new canonical head
	CompletedOrders  []common.Hash    // orders settled in the new head
	ReorgedOrders    []common.Hash    // orders returned to flight by the unwind
	ChangedAddresses []common.Address // accounts whose state the head changed
}

// ChainStateProvider supplies point-in-time account reads and canonical head updates
type ChainStateProvider interface {
	validation.StateProvider
	// Updates() is the stream of canonical chain notifications
	Updates() <-chan CanonicalUpdate
}

// TxSubmitter carries an encoded bundle payload onto the settlement chain
type TxSubmitter interface {
	// Submit() sends the payload, returning the pending transaction hash
	Submit(ctx context.Context, payload []byte) (common.Hash, lib.ErrorI)
	// Receipt() checks whether the transaction landed; an error means not yet
	Receipt(ctx context.Context, tx common.Hash) lib.ErrorI
}

// MatchingEngine is the opaque solver turning aggregated drafts into pool solutions
type MatchingEngine interface {
	Solve(ctx context.Context, preProposals []*consensus.PreProposal, snapshots []*consensus.PoolSnapshot) ([]*consensus.PoolSolution, lib.ErrorI)
}

// PoolSnapshotSource captures the AMM state of a pool at the current head
type PoolSnapshotSource interface {
	Snapshot(ctx context.Context, pool lib.PoolId) (*consensus.PoolSnapshot, lib.ErrorI)
}

// LeaderSchedule supplies the validator set and the externally elected leader per height
type LeaderSchedule interface {
	// Validators() returns the active set for the height
	Validators(height uint64) ([]*consensus.Validator, lib.ErrorI)
	// Leader() returns the round leader for the height
	Leader(height uint64) lib.ValidatorId
}
