package controller

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"github.com/strom-network/strom/consensus"
	"github.com/strom-network/strom/crypto"
	"github.com/strom-network/strom/lib"
)

func TestSubmitOrderFlowsToPoolAndGossip(t *testing.T) {
	c, mocks := testController(t)
	key := testOrderKey(t)
	mocks.chain.setBalance(keyAddress(key), 0, big.NewInt(10_000))
	// a locally submitted order enters the pool
	require.NoError(t, c.SubmitLimitOrder(context.Background(), lib.OrderOriginLocal, signedLimitOrder(t, key, 1, big.NewInt(1_000), 200)))
	require.Len(t, c.OrderSnapshot().Limit, 1)
	// the propagation tick broadcasts it once
	c.flushGossip()
	require.Len(t, mocks.transport.broadcastFrames(), 1)
	id, payload, err := consensus.DecodeMessage(mocks.transport.broadcastFrames()[0])
	require.NoError(t, err)
	require.Equal(t, consensus.PropagatePooledOrdersMsgId, id)
	require.Len(t, payload.(*consensus.PooledOrders).Limit, 1)
	// the queue drains, the next tick is silent
	c.flushGossip()
	require.Len(t, mocks.transport.broadcastFrames(), 1)
}

func TestPrivateOrdersAreNotGossiped(t *testing.T) {
	c, mocks := testController(t)
	key := testOrderKey(t)
	mocks.chain.setBalance(keyAddress(key), 0, big.NewInt(10_000))
	require.NoError(t, c.SubmitLimitOrder(context.Background(), lib.OrderOriginPrivate, signedLimitOrder(t, key, 1, big.NewInt(1_000), 200)))
	require.Len(t, c.OrderSnapshot().Limit, 1)
	c.flushGossip()
	require.Empty(t, mocks.transport.broadcastFrames())
}

func TestTransportRouting(t *testing.T) {
	c, mocks := testController(t)
	peer := mocks.roster[1].Address()
	// consensus messages land on the round's inbound queue
	frame, err := consensus.EncodeMessage(consensus.PreProposeMsgId, &consensus.PreProposal{EthereumHeight: 1, Source: peer})
	require.NoError(t, err)
	c.handleTransportMessage(context.Background(), TransportMessage{From: peer, Frame: frame})
	select {
	case msg := <-c.round.Inbound:
		require.Equal(t, consensus.PreProposeMsgId, msg.Id)
		require.Equal(t, peer, msg.From)
	default:
		t.Fatal("expected an inbound round message")
	}
	// a status probe is answered directly to the asking peer
	frame, err = consensus.EncodeMessage(consensus.StatusMsgId, &consensus.Status{Height: 42})
	require.NoError(t, err)
	c.handleTransportMessage(context.Background(), TransportMessage{From: peer, Frame: frame})
	sent := mocks.transport.sentFrames()
	require.Len(t, sent, 1)
	require.Equal(t, peer, sent[0].peer)
	// malformed frames are dropped silently
	c.handleTransportMessage(context.Background(), TransportMessage{From: peer, Frame: []byte{0xff, 0x01}})
	select {
	case <-c.round.Inbound:
		t.Fatal("malformed frame must not reach the round")
	default:
	}
}

func TestChainUpdateResetsRound(t *testing.T) {
	c, mocks := testController(t)
	key := testOrderKey(t)
	mocks.chain.setBalance(keyAddress(key), 0, big.NewInt(10_000))
	order := signedLimitOrder(t, key, 1, big.NewInt(1_000), 200)
	require.NoError(t, c.SubmitLimitOrder(context.Background(), lib.OrderOriginLocal, order))
	// the head advances and settles the pooled order
	c.handleChainUpdate(context.Background(), CanonicalUpdate{
		Block:           100,
		CompletedOrders: []common.Hash{order.Hash()},
	})
	// the settled order left the pool permanently
	require.Empty(t, c.OrderSnapshot().Limit)
	require.EqualValues(t, 100, c.validator.CurrentBlock())
	// the round is pointed at the next height with the scheduled leader
	select {
	case reset := <-c.round.ResetChan:
		require.EqualValues(t, 101, reset.Height)
		require.Equal(t, mocks.schedule.Leader(101), reset.Leader)
		require.EqualValues(t, len(mocks.roster), reset.ValidatorSet.NumValidators)
	default:
		t.Fatal("expected a round reset")
	}
}

func TestChainUpdateExpiresStaleOrders(t *testing.T) {
	c, mocks := testController(t)
	key := testOrderKey(t)
	mocks.chain.setBalance(keyAddress(key), 0, big.NewInt(10_000))
	// the order's deadline passes with the new head
	require.NoError(t, c.SubmitLimitOrder(context.Background(), lib.OrderOriginLocal, signedLimitOrder(t, key, 1, big.NewInt(1_000), 50)))
	c.handleChainUpdate(context.Background(), CanonicalUpdate{Block: 50})
	require.Empty(t, c.OrderSnapshot().Limit)
}

func TestReorgReturnsSubmittedBundleOrders(t *testing.T) {
	c, mocks := testController(t)
	key := testOrderKey(t)
	mocks.chain.setBalance(keyAddress(key), 0, big.NewInt(10_000))
	order := signedLimitOrder(t, key, 1, big.NewInt(1_000), 200)
	require.NoError(t, c.SubmitLimitOrder(context.Background(), lib.OrderOriginLocal, order))
	// a submitted bundle moves its orders into the holding area
	proposal := &consensus.Proposal{
		EthereumHeight: 100,
		Solutions:      []*consensus.PoolSolution{{FilledOrders: []common.Hash{order.Hash()}}},
	}
	_, err := c.SubmitBundle(context.Background(), proposal, &consensus.Commit{})
	require.NoError(t, err)
	require.Empty(t, c.OrderSnapshot().Limit)
	// the bundle block is unwound, the order returns to the live pool
	c.handleChainUpdate(context.Background(), CanonicalUpdate{
		Reorg:         true,
		Block:         100,
		ReorgedOrders: []common.Hash{order.Hash()},
	})
	require.Len(t, c.OrderSnapshot().Limit, 1)
}

func TestReorgAfterHeadObservationRecoversOrders(t *testing.T) {
	c, mocks := testController(t)
	key := testOrderKey(t)
	mocks.chain.setBalance(keyAddress(key), 0, big.NewInt(10_000))
	order := signedLimitOrder(t, key, 1, big.NewInt(1_000), 200)
	require.NoError(t, c.SubmitLimitOrder(context.Background(), lib.OrderOriginLocal, order))
	proposal := &consensus.Proposal{
		EthereumHeight: 100,
		Solutions:      []*consensus.PoolSolution{{FilledOrders: []common.Hash{order.Hash()}}},
	}
	_, err := c.SubmitBundle(context.Background(), proposal, &consensus.Commit{})
	require.NoError(t, err)
	// the head carrying the bundle is observed and processed normally first
	c.handleChainUpdate(context.Background(), CanonicalUpdate{
		Block:           100,
		CompletedOrders: []common.Hash{order.Hash()},
	})
	require.Empty(t, c.OrderSnapshot().Limit)
	// only then does the replacement head report the unwind; the holding must still
	// have the order because block 100 is within the finality depth
	c.handleChainUpdate(context.Background(), CanonicalUpdate{
		Reorg:         true,
		Block:         100,
		ReorgedOrders: []common.Hash{order.Hash()},
	})
	require.Len(t, c.OrderSnapshot().Limit, 1)
	require.Equal(t, order.Hash(), c.OrderSnapshot().Limit[0].Hash())
}

func TestHoldingsCommitPastFinalityDepth(t *testing.T) {
	c, mocks := testController(t)
	key := testOrderKey(t)
	mocks.chain.setBalance(keyAddress(key), 0, big.NewInt(10_000))
	order := signedLimitOrder(t, key, 1, big.NewInt(1_000), 200)
	require.NoError(t, c.SubmitLimitOrder(context.Background(), lib.OrderOriginLocal, order))
	proposal := &consensus.Proposal{
		EthereumHeight: 100,
		Solutions:      []*consensus.PoolSolution{{FilledOrders: []common.Hash{order.Hash()}}},
	}
	_, err := c.SubmitBundle(context.Background(), proposal, &consensus.Commit{})
	require.NoError(t, err)
	// the head advances past the finality depth, committing the block 100 holding
	c.handleChainUpdate(context.Background(), CanonicalUpdate{Block: 100 + c.config.FinalityDepth})
	// an unwind naming the committed hash finds nothing to return
	c.handleChainUpdate(context.Background(), CanonicalUpdate{
		Reorg:         true,
		Block:         100 + c.config.FinalityDepth,
		ReorgedOrders: []common.Hash{order.Hash()},
	})
	require.Empty(t, c.OrderSnapshot().Limit)
}

func TestCancelOrderBlocksResubmission(t *testing.T) {
	c, mocks := testController(t)
	key := testOrderKey(t)
	mocks.chain.setBalance(keyAddress(key), 0, big.NewInt(10_000))
	order := signedLimitOrder(t, key, 1, big.NewInt(1_000), 200)
	require.NoError(t, c.SubmitLimitOrder(context.Background(), lib.OrderOriginLocal, order))
	id := c.OrderSnapshot().Limit[0].Id
	require.NoError(t, c.CancelOrder(id))
	require.Empty(t, c.OrderSnapshot().Limit)
	// the cancelled hash is refused on resubmission
	err := c.SubmitLimitOrder(context.Background(), lib.OrderOriginLocal, order)
	require.NotNil(t, err)
	require.Equal(t, lib.CodeOrderIsCancelled, err.Code())
}

func TestGossipIngestValidatesOrders(t *testing.T) {
	c, mocks := testController(t)
	key := testOrderKey(t)
	mocks.chain.setBalance(keyAddress(key), 0, big.NewInt(10_000))
	good := signedLimitOrder(t, key, 1, big.NewInt(1_000), 200)
	bad := signedLimitOrder(t, key, 1, big.NewInt(500), 200) // same nonce as good
	c.ingestGossip(context.Background(), &consensus.PooledOrders{Limit: []*lib.OrderWithData[*lib.LimitOrder]{
		{Order: good}, {Order: bad},
	}})
	// only the first claim on the nonce survives validation
	require.Len(t, c.OrderSnapshot().Limit, 1)
	require.Equal(t, good.Hash(), c.OrderSnapshot().Limit[0].Hash())
}

// MOCKS AND HELPERS BELOW

type sentFrame struct {
	peer  lib.ValidatorId
	frame []byte
}

// mockTransport records outbound frames; copies them because the buffers are recycled
type mockTransport struct {
	sync.Mutex
	inbound    chan TransportMessage
	broadcasts [][]byte
	sends      []sentFrame
}

func newMockTransport() *mockTransport {
	return &mockTransport{inbound: make(chan TransportMessage, 16)}
}

func (m *mockTransport) Broadcast(frame []byte) {
	m.Lock()
	defer m.Unlock()
	m.broadcasts = append(m.broadcasts, append([]byte{}, frame...))
}

func (m *mockTransport) SendTo(peer lib.ValidatorId, frame []byte) {
	m.Lock()
	defer m.Unlock()
	m.sends = append(m.sends, sentFrame{peer: peer, frame: append([]byte{}, frame...)})
}

func (m *mockTransport) Inbound() <-chan TransportMessage { return m.inbound }

func (m *mockTransport) broadcastFrames() [][]byte {
	m.Lock()
	defer m.Unlock()
	return m.broadcasts
}

func (m *mockTransport) sentFrames() []sentFrame {
	m.Lock()
	defer m.Unlock()
	return m.sends
}

// mockChain is an in-memory ChainStateProvider
type mockChain struct {
	sync.Mutex
	balances map[common.Address]map[uint16]*big.Int
	nonces   map[common.Address]uint64
	updates  chan CanonicalUpdate
}

func newMockChain() *mockChain {
	return &mockChain{
		balances: make(map[common.Address]map[uint16]*big.Int),
		nonces:   make(map[common.Address]uint64),
		updates:  make(chan CanonicalUpdate, 16),
	}
}

func (m *mockChain) setBalance(address common.Address, asset uint16, balance *big.Int) {
	m.Lock()
	defer m.Unlock()
	if m.balances[address] == nil {
		m.balances[address] = make(map[uint16]*big.Int)
	}
	m.balances[address][asset] = balance
}

func (m *mockChain) Balance(_ context.Context, address common.Address, asset uint16, _ uint64) (*big.Int, lib.ErrorI) {
	m.Lock()
	defer m.Unlock()
	if balance, ok := m.balances[address][asset]; ok {
		return balance, nil
	}
	return new(big.Int), nil
}

func (m *mockChain) Nonce(_ context.Context, address common.Address, _ uint64) (uint64, lib.ErrorI) {
	m.Lock()
	defer m.Unlock()
	return m.nonces[address], nil
}

func (m *mockChain) HasBytecode(_ context.Context, _ common.Address, _ uint64) (bool, lib.ErrorI) {
	return false, nil
}

func (m *mockChain) Updates() <-chan CanonicalUpdate { return m.updates }

// mockSubmitter accepts every payload
type mockSubmitter struct{}

func (m *mockSubmitter) Submit(_ context.Context, payload []byte) (common.Hash, lib.ErrorI) {
	return common.BytesToHash(crypto.Hash(payload)), nil
}

func (m *mockSubmitter) Receipt(_ context.Context, _ common.Hash) lib.ErrorI { return nil }

// mockEngine returns one empty solution per snapshot
type mockEngine struct{}

func (m *mockEngine) Solve(_ context.Context, _ []*consensus.PreProposal, snapshots []*consensus.PoolSnapshot) (solutions []*consensus.PoolSolution, _ lib.ErrorI) {
	for _, snapshot := range snapshots {
		solutions = append(solutions, &consensus.PoolSolution{Pool: snapshot.Pool, ClearingPrice: big.NewInt(100)})
	}
	return
}

// mockPools returns empty snapshots
type mockPools struct{}

func (m *mockPools) Snapshot(_ context.Context, pool lib.PoolId) (*consensus.PoolSnapshot, lib.ErrorI) {
	return &consensus.PoolSnapshot{Pool: pool, Data: []byte{0x01}}, nil
}

// mockGasEstimator prices every order at a fixed cost
type mockGasEstimator struct{}

func (m *mockGasEstimator) EstimateGas(_ context.Context, _ lib.Order) (*big.Int, lib.ErrorI) {
	return big.NewInt(10_000), nil
}

// testMocks bundles the collaborator mocks handed to a test controller
type testMocks struct {
	transport *mockTransport
	chain     *mockChain
	schedule  *StaticSchedule
	roster    []*crypto.ValidatorKey
}

// testController() builds a controller over fresh mocks with a 3 validator roster
func testController(t *testing.T) (*Controller, *testMocks) {
	roster := make([]*crypto.ValidatorKey, 3)
	rosterConfig := make([]lib.ValidatorConfig, 3)
	for i := range roster {
		key, err := crypto.NewValidatorKey()
		require.NoError(t, err)
		roster[i] = key
		rosterConfig[i] = lib.ValidatorConfig{
			Address:      key.Address().Hex(),
			BLSPublicKey: lib.BytesToString(key.BLS.PublicKey().Bytes()),
		}
	}
	schedule, err := NewStaticSchedule(rosterConfig)
	require.NoError(t, err)
	mocks := &testMocks{
		transport: newMockTransport(),
		chain:     newMockChain(),
		schedule:  schedule,
		roster:    roster,
	}
	c := New(lib.DefaultConfig(), roster[0], Collaborators{
		Transport: mocks.transport,
		Chain:     mocks.chain,
		Submitter: &mockSubmitter{},
		Engine:    &mockEngine{},
		Pools:     &mockPools{},
		Schedule:  schedule,
		Gas:       &mockGasEstimator{},
	}, lib.NewNullLogger())
	t.Cleanup(c.Stop)
	return c, mocks
}

// testOrderKey() generates a fresh order signing key
func testOrderKey(t *testing.T) *crypto.SECP256K1PrivateKey {
	key, err := crypto.NewSECP256K1PrivateKey()
	require.NoError(t, err)
	return key.(*crypto.SECP256K1PrivateKey)
}

// keyAddress() returns the key's on-chain address
func keyAddress(key *crypto.SECP256K1PrivateKey) common.Address {
	return key.PublicKey().Address()
}

// signedLimitOrder() builds and signs a standing limit order selling asset 0
func signedLimitOrder(t *testing.T, key *crypto.SECP256K1PrivateKey, nonce uint64, amount *big.Int, deadline uint64) *lib.LimitOrder {
	order := &lib.LimitOrder{
		Kind:      lib.OrderKindPartial,
		PoolId:    lib.PoolId(common.BigToHash(big.NewInt(1))),
		AssetIn:   0,
		AssetOut:  1,
		Amount:    amount,
		MinPrice:  big.NewInt(50),
		MaxGas:    big.NewInt(21_000),
		Recipient: keyAddress(key),
		Nonce:     nonce,
		Deadline:  deadline,
	}
	signature, err := key.SignDigest(order.Hash().Bytes())
	require.NoError(t, err)
	order.Signature = signature
	return order
}
