package validation

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"github.com/strom-network/strom/crypto"
	"github.com/strom-network/strom/lib"
)

func TestLimitOrderAcceptance(t *testing.T) {
	v, state := testValidator(t, lib.DefaultValidationConfig())
	key := testKey(t)
	state.setBalance(keyAddress(key), 0, big.NewInt(10_000))
	order := signedLimitOrder(t, key, 1, big.NewInt(1_000), big.NewInt(50), 200, lib.OrderKindPartial)
	wrapped, err := v.ValidateLimitOrder(context.Background(), order)
	require.NoError(t, err)
	// the signer is recovered from the signature, never trusted from the submitter
	require.Equal(t, keyAddress(key), wrapped.Id.Signer)
	require.True(t, wrapped.IsCurrentlyValid)
	require.True(t, wrapped.IsValid)
	require.Equal(t, lib.LocationLimitPending, wrapped.Id.Location)
	require.Equal(t, 0, wrapped.Priority.Price.Cmp(order.MinPrice))
	require.Equal(t, 0, wrapped.Priority.Volume.Cmp(order.Amount))
}

func TestDuplicateNonce(t *testing.T) {
	v, state := testValidator(t, lib.DefaultValidationConfig())
	key := testKey(t)
	state.setBalance(keyAddress(key), 0, big.NewInt(10_000))
	// a nonce below the chain's consumed range was spent historically
	state.setNonce(keyAddress(key), 5)
	_, err := v.ValidateLimitOrder(context.Background(), signedLimitOrder(t, key, 4, big.NewInt(100), big.NewInt(50), 200, lib.OrderKindPartial))
	require.NotNil(t, err)
	require.Equal(t, lib.CodeDuplicateNonce, err.Code())
	// nonce 5 is fresh, the first order claims it
	_, err = v.ValidateLimitOrder(context.Background(), signedLimitOrder(t, key, 5, big.NewInt(100), big.NewInt(50), 200, lib.OrderKindPartial))
	require.NoError(t, err)
	// a second order on nonce 5 from the same signer conflicts with the pending claim
	_, err = v.ValidateLimitOrder(context.Background(), signedLimitOrder(t, key, 5, big.NewInt(200), big.NewInt(60), 200, lib.OrderKindPartial))
	require.NotNil(t, err)
	require.Equal(t, lib.CodeDuplicateNonce, err.Code())
}

func TestBlockMismatch(t *testing.T) {
	v, state := testValidator(t, lib.DefaultValidationConfig())
	key := testKey(t)
	state.setBalance(keyAddress(key), 0, big.NewInt(10_000))
	v.OnNewBlock(100, nil, nil)
	// a flash order must bind to the upcoming block exactly
	flash := signedLimitOrder(t, key, 1, big.NewInt(100), big.NewInt(50), 105, lib.OrderKindKillOrFill)
	_, err := v.ValidateLimitOrder(context.Background(), flash)
	require.NotNil(t, err)
	require.Equal(t, lib.CodeBlockMismatch, err.Code())
	// a top-of-block order targeting a stale block is rejected the same way
	stale := signedSearcherOrder(t, key, big.NewInt(100), big.NewInt(10), 100)
	_, err = v.ValidateSearcherOrder(context.Background(), stale)
	require.NotNil(t, err)
	require.Equal(t, lib.CodeBlockMismatch, err.Code())
	// a standing order whose deadline already passed is rejected outright
	expired := signedLimitOrder(t, key, 1, big.NewInt(100), big.NewInt(50), 100, lib.OrderKindPartial)
	_, err = v.ValidateLimitOrder(context.Background(), expired)
	require.NotNil(t, err)
	require.Equal(t, lib.CodeInvalidDeadline, err.Code())
}

func TestStaleInFlightVerificationFails(t *testing.T) {
	v, state := testValidator(t, lib.DefaultValidationConfig())
	key := testKey(t)
	state.setBalance(keyAddress(key), 0, big.NewInt(10_000))
	// occupy the signer's shard so the validation below queues behind it
	gate := make(chan struct{})
	require.NoError(t, v.workers.submit(keyAddress(key), func() { <-gate }))
	resultChan := make(chan lib.ErrorI, 1)
	go func() {
		_, err := v.ValidateLimitOrder(context.Background(), signedLimitOrder(t, key, 1, big.NewInt(100), big.NewInt(50), 200, lib.OrderKindPartial))
		resultChan <- err
	}()
	// the block advances while the verification is still queued
	time.Sleep(50 * time.Millisecond)
	v.OnNewBlock(1, nil, nil)
	close(gate)
	err := <-resultChan
	require.NotNil(t, err)
	require.Equal(t, lib.CodeBlockMismatch, err.Code())
}

func TestCancelledOrderRejected(t *testing.T) {
	v, state := testValidator(t, lib.DefaultValidationConfig())
	key := testKey(t)
	state.setBalance(keyAddress(key), 0, big.NewInt(10_000))
	order := signedLimitOrder(t, key, 1, big.NewInt(100), big.NewInt(50), 200, lib.OrderKindPartial)
	v.CancelOrder(keyAddress(key), order.Hash())
	_, err := v.ValidateLimitOrder(context.Background(), order)
	require.NotNil(t, err)
	require.Equal(t, lib.CodeOrderIsCancelled, err.Code())
	// rejection leaves no claim behind, the nonce stays free
	_, err = v.ValidateLimitOrder(context.Background(), signedLimitOrder(t, key, 1, big.NewInt(200), big.NewInt(60), 200, lib.OrderKindPartial))
	require.NoError(t, err)
}

func TestInsufficientFundsParksLimitOrder(t *testing.T) {
	v, state := testValidator(t, lib.DefaultValidationConfig())
	key := testKey(t)
	state.setBalance(keyAddress(key), 0, big.NewInt(1_000))
	// the first order commits the whole balance
	first, err := v.ValidateLimitOrder(context.Background(), signedLimitOrder(t, key, 1, big.NewInt(1_000), big.NewInt(50), 200, lib.OrderKindPartial))
	require.NoError(t, err)
	require.True(t, first.IsCurrentlyValid)
	// the second cannot fund itself under the pending commitment and is parked, not rejected
	second, err := v.ValidateLimitOrder(context.Background(), signedLimitOrder(t, key, 2, big.NewInt(500), big.NewInt(50), 200, lib.OrderKindPartial))
	require.NoError(t, err)
	require.False(t, second.IsCurrentlyValid)
	require.Equal(t, lib.LocationLimitParked, second.Id.Location)
	// a searcher order in the same position is dropped outright
	_, err = v.ValidateSearcherOrder(context.Background(), signedSearcherOrder(t, key, big.NewInt(500), big.NewInt(10), 1))
	require.NotNil(t, err)
	require.Equal(t, lib.CodeInsufficientFunds, err.Code())
}

func TestGasBeyondOrder(t *testing.T) {
	v, state := testValidator(t, lib.DefaultValidationConfig())
	key := testKey(t)
	state.setBalance(keyAddress(key), 0, big.NewInt(10_000))
	// the estimate with headroom lands above the order's 21k gas ceiling
	v.gas.(*mockEstimator).estimate = big.NewInt(30_000)
	_, err := v.ValidateLimitOrder(context.Background(), signedLimitOrder(t, key, 1, big.NewInt(100), big.NewInt(50), 200, lib.OrderKindPartial))
	require.NotNil(t, err)
	require.Equal(t, lib.CodeGasBeyondOrder, err.Code())
	// the gas failure rolled the pending claim back, the nonce stays free
	v.gas.(*mockEstimator).estimate = big.NewInt(10_000)
	_, err = v.ValidateLimitOrder(context.Background(), signedLimitOrder(t, key, 1, big.NewInt(100), big.NewInt(50), 200, lib.OrderKindPartial))
	require.NoError(t, err)
}

func TestOversizedOrderRejected(t *testing.T) {
	config := lib.DefaultValidationConfig()
	config.MaxOrderBytes = 16
	v, _ := testValidator(t, config)
	key := testKey(t)
	_, err := v.ValidateLimitOrder(context.Background(), signedLimitOrder(t, key, 1, big.NewInt(100), big.NewInt(50), 200, lib.OrderKindPartial))
	require.NotNil(t, err)
	require.Equal(t, lib.CodeOversizedOrder, err.Code())
}

func TestBadSignatureRejected(t *testing.T) {
	v, _ := testValidator(t, lib.DefaultValidationConfig())
	key := testKey(t)
	order := signedLimitOrder(t, key, 1, big.NewInt(100), big.NewInt(50), 200, lib.OrderKindPartial)
	order.Signature = order.Signature[:10]
	_, err := v.ValidateLimitOrder(context.Background(), order)
	require.NotNil(t, err)
	require.Equal(t, lib.CodeSignatureSize, err.Code())
}

func TestNonceExclusivityUnderConcurrency(t *testing.T) {
	v, state := testValidator(t, lib.DefaultValidationConfig())
	key := testKey(t)
	state.setBalance(keyAddress(key), 0, big.NewInt(1_000_000))
	// many concurrent submissions race for the same nonce, the shard serializes them
	var accepted atomic.Int64
	wg := sync.WaitGroup{}
	for i := int64(0); i < 16; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			order := signedLimitOrder(t, key, 7, big.NewInt(100+seed), big.NewInt(50), 200, lib.OrderKindPartial)
			if _, err := v.ValidateLimitOrder(context.Background(), order); err == nil {
				accepted.Add(1)
			}
		}(i)
	}
	wg.Wait()
	require.EqualValues(t, 1, accepted.Load())
}

func TestOnNewBlockReleasesClaims(t *testing.T) {
	v, state := testValidator(t, lib.DefaultValidationConfig())
	key := testKey(t)
	state.setBalance(keyAddress(key), 0, big.NewInt(1_000))
	order := signedLimitOrder(t, key, 1, big.NewInt(1_000), big.NewInt(50), 200, lib.OrderKindPartial)
	_, err := v.ValidateLimitOrder(context.Background(), order)
	require.NoError(t, err)
	require.Len(t, v.PendingOrders(keyAddress(key)), 1)
	// the order settles on-chain, its claim and nonce reservation fall away
	touched := v.OnNewBlock(1, []common.Hash{order.Hash()}, nil)
	require.Contains(t, touched, keyAddress(key))
	require.Empty(t, v.PendingOrders(keyAddress(key)))
	require.EqualValues(t, 1, v.CurrentBlock())
	// the freed balance can fund a new order at the next block
	next := signedLimitOrder(t, key, 2, big.NewInt(1_000), big.NewInt(50), 200, lib.OrderKindPartial)
	wrapped, err := v.ValidateLimitOrder(context.Background(), next)
	require.NoError(t, err)
	require.True(t, wrapped.IsCurrentlyValid)
}

func TestRecheckClassifiesPooledOrders(t *testing.T) {
	v, state := testValidator(t, lib.DefaultValidationConfig())
	key := testKey(t)
	addr := keyAddress(key)
	state.setBalance(addr, 0, big.NewInt(10_000))
	wrapped, err := v.ValidateLimitOrder(context.Background(), signedLimitOrder(t, key, 1, big.NewInt(1_000), big.NewInt(50), 200, lib.OrderKindPartial))
	require.NoError(t, err)
	// the chain consumes the order's nonce, the re-check removes it
	state.setNonce(addr, 2)
	v.OnNewBlock(1, nil, []common.Address{addr})
	park, remove := v.RecheckOrders(context.Background(), []*lib.OrderWithData[*lib.LimitOrder]{wrapped}, []common.Address{addr})
	require.Empty(t, park)
	require.Len(t, remove, 1)
	require.Equal(t, wrapped.Id, remove[0])
}

func TestRecheckRetainsOrdersOnStateReadFailure(t *testing.T) {
	v, state := testValidator(t, lib.DefaultValidationConfig())
	key := testKey(t)
	addr := keyAddress(key)
	state.setBalance(addr, 0, big.NewInt(10_000))
	wrapped, err := v.ValidateLimitOrder(context.Background(), signedLimitOrder(t, key, 1, big.NewInt(1_000), big.NewInt(50), 200, lib.OrderKindPartial))
	require.NoError(t, err)
	// the provider drops out right as the signer's state is re-checked; the fully
	// funded order must not be dropped over a transient read failure
	state.failFetches(ErrStateFetch(errors.New("connection refused")))
	v.OnNewBlock(1, nil, []common.Address{addr})
	park, remove := v.RecheckOrders(context.Background(), []*lib.OrderWithData[*lib.LimitOrder]{wrapped}, []common.Address{addr})
	require.Empty(t, park)
	require.Empty(t, remove)
	// once the provider recovers, the next re-check restores the order's claim
	state.failFetches(nil)
	park, remove = v.RecheckOrders(context.Background(), []*lib.OrderWithData[*lib.LimitOrder]{wrapped}, []common.Address{addr})
	require.Empty(t, park)
	require.Empty(t, remove)
	require.Len(t, v.PendingOrders(addr), 1)
}

func TestWorkerShardSerialization(t *testing.T) {
	pool := newWorkerPool(4)
	defer pool.close()
	signer := common.BigToAddress(big.NewInt(1))
	// jobs for one signer must never overlap
	var inFlight, maxInFlight atomic.Int64
	wg := sync.WaitGroup{}
	for i := 0; i < 32; i++ {
		wg.Add(1)
		require.NoError(t, pool.submit(signer, func() {
			defer wg.Done()
			current := inFlight.Add(1)
			if current > maxInFlight.Load() {
				maxInFlight.Store(current)
			}
			time.Sleep(time.Millisecond)
			inFlight.Add(-1)
		}))
	}
	wg.Wait()
	require.EqualValues(t, 1, maxInFlight.Load())
}

func TestPipelineClosed(t *testing.T) {
	v, _ := testValidator(t, lib.DefaultValidationConfig())
	key := testKey(t)
	v.Close()
	_, err := v.ValidateLimitOrder(context.Background(), signedLimitOrder(t, key, 1, big.NewInt(100), big.NewInt(50), 200, lib.OrderKindPartial))
	require.NotNil(t, err)
	require.Equal(t, lib.CodePipelineClosed, err.Code())
}

// MOCKS AND HELPERS BELOW

// mockChainState is an in-memory StateProvider
type mockChainState struct {
	sync.Mutex
	balances map[balanceKey]*big.Int
	nonces   map[common.Address]uint64
	fetchErr lib.ErrorI // when set, every read fails like a dropped RPC connection
}

func newMockChainState() *mockChainState {
	return &mockChainState{balances: make(map[balanceKey]*big.Int), nonces: make(map[common.Address]uint64)}
}

func (m *mockChainState) setBalance(address common.Address, asset uint16, balance *big.Int) {
	m.Lock()
	defer m.Unlock()
	m.balances[balanceKey{address: address, asset: asset}] = balance
}

func (m *mockChainState) setNonce(address common.Address, nonce uint64) {
	m.Lock()
	defer m.Unlock()
	m.nonces[address] = nonce
}

func (m *mockChainState) failFetches(err lib.ErrorI) {
	m.Lock()
	defer m.Unlock()
	m.fetchErr = err
}

func (m *mockChainState) Balance(_ context.Context, address common.Address, asset uint16, _ uint64) (*big.Int, lib.ErrorI) {
	m.Lock()
	defer m.Unlock()
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	if balance, ok := m.balances[balanceKey{address: address, asset: asset}]; ok {
		return balance, nil
	}
	return new(big.Int), nil
}

func (m *mockChainState) Nonce(_ context.Context, address common.Address, _ uint64) (uint64, lib.ErrorI) {
	m.Lock()
	defer m.Unlock()
	if m.fetchErr != nil {
		return 0, m.fetchErr
	}
	return m.nonces[address], nil
}

func (m *mockChainState) HasBytecode(_ context.Context, _ common.Address, _ uint64) (bool, lib.ErrorI) {
	return false, nil
}

// mockEstimator is a fixed-cost GasEstimator
type mockEstimator struct {
	estimate *big.Int
}

func (m *mockEstimator) EstimateGas(_ context.Context, _ lib.Order) (*big.Int, lib.ErrorI) {
	return m.estimate, nil
}

// testValidator() constructs a pipeline over fresh mocks
func testValidator(t *testing.T, config lib.ValidationConfig) (*OrderValidator, *mockChainState) {
	state := newMockChainState()
	v := NewOrderValidator(config, state, &mockEstimator{estimate: big.NewInt(10_000)}, lib.NewNullLogger())
	t.Cleanup(v.Close)
	return v, state
}

// testKey() generates a fresh secp256k1 key
func testKey(t *testing.T) *crypto.SECP256K1PrivateKey {
	key, err := crypto.NewSECP256K1PrivateKey()
	require.NoError(t, err)
	return key.(*crypto.SECP256K1PrivateKey)
}

// keyAddress() returns the key's on-chain address
func keyAddress(key *crypto.SECP256K1PrivateKey) common.Address {
	return key.PublicKey().Address()
}

// signedLimitOrder() builds and signs a limit order selling asset 0 for asset 1
func signedLimitOrder(t *testing.T, key *crypto.SECP256K1PrivateKey, nonce uint64, amount, price *big.Int, deadline uint64, kind lib.OrderKind) *lib.LimitOrder {
	order := &lib.LimitOrder{
		Kind:      kind,
		PoolId:    lib.PoolId(common.BigToHash(big.NewInt(1))),
		AssetIn:   0,
		AssetOut:  1,
		Amount:    amount,
		MinPrice:  price,
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

// signedSearcherOrder() builds and signs a top-of-block order selling asset 0 for asset 1
func signedSearcherOrder(t *testing.T, key *crypto.SECP256K1PrivateKey, quantity, tribute *big.Int, validFor uint64) *lib.TopOfBlockOrder {
	order := &lib.TopOfBlockOrder{
		PoolId:        lib.PoolId(common.BigToHash(big.NewInt(1))),
		AssetIn:       0,
		AssetOut:      1,
		QuantityIn:    quantity,
		QuantityOut:   big.NewInt(1),
		Tribute:       tribute,
		MaxGas:        big.NewInt(90_000),
		Recipient:     keyAddress(key),
		ValidForBlock: validFor,
	}
	signature, err := key.SignDigest(order.Hash().Bytes())
	require.NoError(t, err)
	order.Signature = signature
	return order
}
