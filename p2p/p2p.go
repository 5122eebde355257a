package p2p

import (
	"bytes"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/strom-network/strom/controller"
	"github.com/strom-network/strom/crypto"
	"github.com/strom-network/strom/lib"
	"github.com/strom-network/strom/metrics"
)

/*
	P2P is the validator transport over the static roster:
	- every connection is encrypted and authenticated against a validator key
	- the lower address dials, the higher address accepts, so each pair holds one conn
	- dropped dialer connections are re-dialed under an exponential backoff
	- there is no peer discovery, the roster comes from the config file
*/

const inboundQueueSize = 1024 // frames buffered toward the controller

// P2P connects this node to every other validator on the roster
type P2P struct {
	config lib.Config
	key    *crypto.SECP256K1PrivateKey
	self   common.Address
	roster map[common.Address]string // validator address -> dial address
	log    lib.LoggerI

	sync.RWMutex                          // guards the peer map
	peers        map[common.Address]*Peer // one live conn per roster member

	listener  net.Listener
	inbound   chan controller.TransportMessage
	quit      chan struct{}
	closeOnce sync.Once
}

// New() builds the transport over the config roster; Start() begins connecting
func New(config lib.Config, key *crypto.ValidatorKey, log lib.LoggerI) *P2P {
	self := key.Address()
	// index the roster by validator address, leaving ourselves out
	roster := make(map[common.Address]string, len(config.Validators))
	for _, entry := range config.Validators {
		address := common.HexToAddress(entry.Address)
		if address == self {
			continue
		}
		roster[address] = entry.NetAddress
	}
	return &P2P{
		config:  config,
		key:     key.ECDSA,
		self:    self,
		roster:  roster,
		log:     log,
		peers:   make(map[common.Address]*Peer),
		inbound: make(chan controller.TransportMessage, inboundQueueSize),
		quit:    make(chan struct{}),
	}
}

// Start() opens the listener and begins dialing the roster peers this node is responsible for
func (p *P2P) Start() lib.ErrorI {
	listener, err := net.Listen("tcp", p.config.ListenAddress)
	if err != nil {
		return ErrFailedListen(err)
	}
	p.listener = listener
	p.log.Infof("Transport listening on %s", p.config.ListenAddress)
	go p.acceptLoop()
	// dial only the peers we rank below; they dial us
	for address, netAddress := range p.roster {
		if bytes.Compare(p.self.Bytes(), address.Bytes()) < 0 {
			go p.dialLoop(address, netAddress)
		}
	}
	return nil
}

// Stop() closes the listener and every live conn
func (p *P2P) Stop() {
	p.closeOnce.Do(func() {
		close(p.quit)
		if p.listener != nil {
			_ = p.listener.Close()
		}
		// snapshot under the lock, stop outside it; stop() re-enters through unregister()
		p.Lock()
		peers := make([]*Peer, 0, len(p.peers))
		for _, peer := range p.peers {
			peers = append(peers, peer)
		}
		p.Unlock()
		for _, peer := range peers {
			peer.stop()
		}
	})
}

// Broadcast() queues the frame to every connected peer
func (p *P2P) Broadcast(frame []byte) {
	p.RLock()
	defer p.RUnlock()
	for _, peer := range p.peers {
		peer.QueueSend(frame)
	}
}

// SendTo() queues the frame to one peer, dropping silently when it isn't connected;
// consensus tolerates lost messages the same way it tolerates offline validators
func (p *P2P) SendTo(peer lib.ValidatorId, frame []byte) {
	p.RLock()
	target, ok := p.peers[peer]
	p.RUnlock()
	if !ok {
		p.log.Debugf("Peer %s is not connected, dropped a %d byte message", lib.BytesToTruncatedString(peer.Bytes()), len(frame))
		return
	}
	target.QueueSend(frame)
}

// Inbound() is the stream of authenticated peer frames toward the controller
func (p *P2P) Inbound() <-chan controller.TransportMessage { return p.inbound }

// acceptLoop() upgrades inbound conns and registers the ones the roster recognizes
func (p *P2P) acceptLoop() {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			select {
			case <-p.quit:
				return
			default:
				p.log.Warnf("Accept failed: %s", err.Error())
				continue
			}
		}
		// handshake off the accept goroutine so a slow dialer can't stall the listener
		go func() {
			encrypted, err := NewHandshake(conn, p.key)
			if err != nil {
				p.log.Warnf("Inbound handshake failed: %s", err.Error())
				_ = conn.Close()
				return
			}
			if err = p.register(encrypted); err != nil {
				p.log.Warnf("Inbound peer rejected: %s", err.Error())
				_ = encrypted.Close()
			}
		}()
	}
}

// dialLoop() keeps one outbound conn alive to the peer, re-dialing under backoff
func (p *P2P) dialLoop(address common.Address, netAddress string) {
	for {
		// back off exponentially between failed attempts, up to the config ceiling
		expo := backoff.NewExponentialBackOff()
		expo.MaxInterval = time.Duration(p.config.MaxRedialBackoffS) * time.Second
		expo.MaxElapsedTime = 0 // retry forever, the roster is authoritative
		err := backoff.Retry(func() error {
			select {
			case <-p.quit:
				return backoff.Permanent(ErrTransportClosed())
			default:
			}
			return p.dial(address, netAddress)
		}, expo)
		if err != nil {
			return // transport closed
		}
		// the conn is live; await the disconnect before dialing again
		if !p.awaitDisconnect(address) {
			return
		}
	}
}

// dial() makes a single connection attempt and registers the authenticated result
func (p *P2P) dial(address common.Address, netAddress string) error {
	conn, err := net.DialTimeout("tcp", netAddress, time.Duration(p.config.DialTimeoutMS)*time.Millisecond)
	if err != nil {
		p.log.Debugf("Dial of %s failed: %s", netAddress, err.Error())
		return ErrFailedDial(netAddress, err)
	}
	encrypted, e := NewHandshake(conn, p.key)
	if e != nil {
		_ = conn.Close()
		return e
	}
	// the responder must prove it is the roster member we dialed
	if encrypted.PeerAddress() != address {
		_ = encrypted.Close()
		return ErrFailedChallenge()
	}
	if e = p.register(encrypted); e != nil {
		_ = encrypted.Close()
		return e
	}
	return nil
}

// awaitDisconnect() blocks until the peer drops or the transport stops, reporting which
func (p *P2P) awaitDisconnect(address common.Address) (reconnect bool) {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			p.RLock()
			_, connected := p.peers[address]
			p.RUnlock()
			if !connected {
				return true
			}
		case <-p.quit:
			return false
		}
	}
}

// register() files an authenticated conn under its validator identity
func (p *P2P) register(conn *EncryptedConn) lib.ErrorI {
	address := conn.PeerAddress()
	// only roster members may connect
	if _, ok := p.roster[address]; !ok {
		return ErrUnknownPeer(address)
	}
	// a duplicate conn replaces the stale one, the newest handshake wins; the old peer is
	// stopped outside the lock because stop() re-enters through unregister()
	p.Lock()
	existing := p.peers[address]
	p.peers[address] = newPeer(conn, p.inbound, p.unregister, p.log)
	metrics.UpdatePeerCount(len(p.peers))
	p.Unlock()
	if existing != nil {
		existing.stop()
	}
	p.log.Infof("Peer %s connected from %s", lib.BytesToTruncatedString(address.Bytes()), conn.RemoteAddr().String())
	return nil
}

// unregister() clears the peer's slot after its loops exit
func (p *P2P) unregister(peer *Peer) {
	p.Lock()
	defer p.Unlock()
	if p.peers[peer.address] == peer {
		delete(p.peers, peer.address)
		metrics.UpdatePeerCount(len(p.peers))
		p.log.Infof("Peer %s disconnected", lib.BytesToTruncatedString(peer.address.Bytes()))
	}
}
