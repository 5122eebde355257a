package p2p

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	pool "github.com/libp2p/go-buffer-pool"
	"github.com/strom-network/strom/controller"
	"github.com/strom-network/strom/lib"
)

const (
	maxQueueSize     = 256 // outbound messages buffered per peer before drops
	lengthPrefixSize = 4   // bytes of big-endian length ahead of every message
)

/* This file implements a single authenticated peer connection: a message framing layer
   over the encrypted conn with one send loop and one receive loop per peer */

// Peer is one live roster connection
type Peer struct {
	address  common.Address // the validator identity behind the conn
	conn     *EncryptedConn
	outbound chan []byte   // queued frames awaiting the send loop
	quit     chan struct{} // closed exactly once on stop
	stopOnce sync.Once
	onClose  func(*Peer) // invoked when either loop exits
	log      lib.LoggerI
}

// newPeer() wraps an authenticated conn and starts its loops
func newPeer(conn *EncryptedConn, inbound chan<- controller.TransportMessage, onClose func(*Peer), log lib.LoggerI) *Peer {
	p := &Peer{
		address:  conn.PeerAddress(),
		conn:     conn,
		outbound: make(chan []byte, maxQueueSize),
		quit:     make(chan struct{}),
		onClose:  onClose,
		log:      log,
	}
	go p.sendLoop()
	go p.receiveLoop(inbound)
	return p
}

// QueueSend() enqueues one message copy for delivery, dropping when the peer is backlogged
// The frame is copied because callers recycle their buffers after the send call returns
func (p *Peer) QueueSend(frame []byte) (ok bool) {
	msg := make([]byte, len(frame))
	copy(msg, frame)
	select {
	case p.outbound <- msg:
		return true
	case <-p.quit:
		return false
	default:
		p.log.Warnf("Peer %s is backlogged, dropped a %d byte message", lib.BytesToTruncatedString(p.address.Bytes()), len(frame))
		return false
	}
}

// stop() closes the conn and reports the disconnect upward once
func (p *Peer) stop() {
	p.stopOnce.Do(func() {
		close(p.quit)
		_ = p.conn.Close()
		if p.onClose != nil {
			p.onClose(p)
		}
	})
}

// sendLoop() drains the outbound queue onto the wire with a length-prefixed framing
func (p *Peer) sendLoop() {
	defer p.stop()
	for {
		select {
		case msg := <-p.outbound:
			// frame the message as a 4 byte big-endian length followed by the payload
			header := pool.Get(lengthPrefixSize)
			binary.BigEndian.PutUint32(header, uint32(len(msg)))
			if _, err := p.conn.Write(header); err != nil {
				pool.Put(header)
				return
			}
			pool.Put(header)
			if _, err := p.conn.Write(msg); err != nil {
				return
			}
		case <-p.quit:
			return
		}
	}
}

// receiveLoop() parses framed messages off the wire and hands them to the controller
func (p *Peer) receiveLoop(inbound chan<- controller.TransportMessage) {
	defer p.stop()
	header := make([]byte, lengthPrefixSize)
	for {
		// read the length prefix
		if _, err := io.ReadFull(p.conn, header); err != nil {
			return
		}
		size := binary.BigEndian.Uint32(header)
		// cap the frame size before allocating for it
		if size == 0 || size > uint32(lib.MaxMessageBytes) {
			p.log.Warnf("Peer %s sent an invalid frame length %d, disconnecting", lib.BytesToTruncatedString(p.address.Bytes()), size)
			return
		}
		// read the payload
		msg := make([]byte, size)
		if _, err := io.ReadFull(p.conn, msg); err != nil {
			return
		}
		select {
		case inbound <- controller.TransportMessage{From: p.address, Frame: msg}:
		case <-p.quit:
			return
		}
	}
}
