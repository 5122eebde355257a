package consensus

import (
	pool "github.com/libp2p/go-buffer-pool"
	"github.com/strom-network/strom/lib"
)

/* This file implements the wire framing for consensus messages: a single message-id byte
   followed by the RLP payload, capped at the transport size limit */

// MessageId is the single byte tag prefixing every consensus message on the wire
type MessageId = byte

const (
	StatusMsgId                MessageId = iota // a peer's current height announcement
	PreProposeMsgId                             // a validator's draft order set
	ProposeMsgId                                // the leader's solved bundle
	CommitMsgId                                 // the three-part aggregate attestation
	PropagatePooledOrdersMsgId                  // gossip of newly pooled orders

	messageIdCount // sentinel, must stay last
)

// Status announces a peer's current target height
type Status struct {
	Height uint64 `json:"height"` // the peer's view of the settlement chain head
}

// PooledOrders carries newly validated orders gossiped between nodes outside of rounds
type PooledOrders struct {
	Limit    []*lib.OrderWithData[*lib.LimitOrder]      `json:"limit"`    // new limit orders
	Searcher []*lib.OrderWithData[*lib.TopOfBlockOrder] `json:"searcher"` // new top-of-block orders
}

// EncodeMessage() frames a consensus message as id byte + RLP payload; the returned slice
// comes from the shared buffer pool and may be handed back via ReleaseMessage after send
func EncodeMessage(id MessageId, msg any) ([]byte, lib.ErrorI) {
	// reject unknown ids before paying for the encode
	if id >= messageIdCount {
		return nil, ErrInvalidMessageId(id)
	}
	// encode the payload
	payload, err := lib.Marshal(msg)
	if err != nil {
		return nil, err
	}
	// enforce the transport size cap
	if len(payload)+1 > int(lib.MaxMessageBytes) {
		return nil, ErrOversizedMessage(len(payload)+1, int(lib.MaxMessageBytes))
	}
	// frame the payload behind the id byte using a pooled buffer
	framed := pool.Get(len(payload) + 1)
	framed[0] = id
	copy(framed[1:], payload)
	return framed, nil
}

// ReleaseMessage() returns a framed message buffer to the shared pool once sent
func ReleaseMessage(framed []byte) { pool.Put(framed) }

// DecodeMessage() parses a framed wire message into its typed form
func DecodeMessage(framed []byte) (MessageId, any, lib.ErrorI) {
	// enforce the transport size cap
	if len(framed) > int(lib.MaxMessageBytes) {
		return 0, nil, ErrOversizedMessage(len(framed), int(lib.MaxMessageBytes))
	}
	// an empty frame has no id byte
	if len(framed) == 0 {
		return 0, nil, ErrInvalidMessageId(0)
	}
	id, payload := framed[0], framed[1:]
	// decode the payload into the type the id names
	var msg any
	switch id {
	case StatusMsgId:
		msg = new(Status)
	case PreProposeMsgId:
		msg = new(PreProposal)
	case ProposeMsgId:
		msg = new(Proposal)
	case CommitMsgId:
		msg = new(Commit)
	case PropagatePooledOrdersMsgId:
		msg = new(PooledOrders)
	default:
		return 0, nil, ErrInvalidMessageId(id)
	}
	if err := lib.Unmarshal(payload, msg); err != nil {
		return 0, nil, err
	}
	return id, msg, nil
}
