package orderpool

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"github.com/strom-network/strom/crypto"
	"github.com/strom-network/strom/lib"
)

func TestLimitOrderInsertAndSnapshot(t *testing.T) {
	storage, _ := testStorage(t, lib.DefaultPoolConfig())
	pool := lib.PoolId(common.BigToHash(big.NewInt(1)))
	// file three asks with distinct prices
	low := testPoolLimitOrder(1, pool, 10)
	mid := testPoolLimitOrder(2, pool, 20)
	high := testPoolLimitOrder(3, pool, 30)
	for _, o := range []*limitEntry{mid, low, high} {
		require.NoError(t, storage.AddNewLimitOrder(o))
	}
	// a re-submission of an already pooled order is rejected
	err := storage.AddNewLimitOrder(low)
	require.NotNil(t, err)
	require.Equal(t, lib.CodeDuplicateOrder, err.Code())
	// the snapshot returns the book best first
	orders := storage.GetAllOrders()
	require.Len(t, orders.Limit, 3)
	require.Equal(t, high.Hash(), orders.Limit[0].Hash())
	require.Equal(t, mid.Hash(), orders.Limit[1].Hash())
	require.Equal(t, low.Hash(), orders.Limit[2].Hash())
	require.Equal(t, 3, storage.LimitOrderCount())
}

func TestLimitOrderCapacityReplacement(t *testing.T) {
	config := lib.DefaultPoolConfig()
	config.MaxLimitOrders = 2
	storage, _ := testStorage(t, config)
	pool := lib.PoolId(common.BigToHash(big.NewInt(1)))
	worst := testPoolLimitOrder(1, pool, 10)
	require.NoError(t, storage.AddNewLimitOrder(worst))
	require.NoError(t, storage.AddNewLimitOrder(testPoolLimitOrder(2, pool, 20)))
	// at capacity an order that does not outrank the worst entry is rejected
	err := storage.AddNewLimitOrder(testPoolLimitOrder(3, pool, 5))
	require.NotNil(t, err)
	require.Equal(t, lib.CodeMaxPoolSize, err.Code())
	// a strictly better order evicts the current minimum
	better := testPoolLimitOrder(4, pool, 30)
	require.NoError(t, storage.AddNewLimitOrder(better))
	orders := storage.GetAllOrders()
	require.Len(t, orders.Limit, 2)
	for _, o := range orders.Limit {
		require.NotEqual(t, worst.Hash(), o.Hash())
	}
	// a different pool is unaffected by the full one
	other := lib.PoolId(common.BigToHash(big.NewInt(2)))
	require.NoError(t, storage.AddNewLimitOrder(testPoolLimitOrder(5, other, 10)))
}

func TestSearcherOrderCapacityReplacement(t *testing.T) {
	config := lib.DefaultPoolConfig()
	config.MaxSearcherOrdersPool = 2
	storage, _ := testStorage(t, config)
	pool := lib.PoolId(common.BigToHash(big.NewInt(1)))
	worst := testPoolSearcherOrder(1, 100, pool)
	require.NoError(t, storage.AddNewSearcherOrder(worst))
	require.NoError(t, storage.AddNewSearcherOrder(testPoolSearcherOrder(2, 200, pool)))
	// a duplicate submission is rejected before the capacity check
	err := storage.AddNewSearcherOrder(worst)
	require.NotNil(t, err)
	require.Equal(t, lib.CodeDuplicateOrder, err.Code())
	// at capacity a lower tribute is rejected
	err = storage.AddNewSearcherOrder(testPoolSearcherOrder(3, 50, pool))
	require.NotNil(t, err)
	require.Equal(t, lib.CodeMaxPoolSize, err.Code())
	// a higher tribute evicts the current minimum
	require.NoError(t, storage.AddNewSearcherOrder(testPoolSearcherOrder(4, 300, pool)))
	orders := storage.GetAllOrders()
	require.Len(t, orders.Searcher, 2)
	for _, o := range orders.Searcher {
		require.NotEqual(t, worst.Hash(), o.Hash())
	}
}

func TestParkOrders(t *testing.T) {
	storage, feed := testStorage(t, lib.DefaultPoolConfig())
	events, cancel := feed.Subscribe()
	defer cancel()
	pool := lib.PoolId(common.BigToHash(big.NewInt(1)))
	parkedOrder := testPoolLimitOrder(1, pool, 10)
	liveOrder := testPoolLimitOrder(2, pool, 20)
	require.NoError(t, storage.AddNewLimitOrder(parkedOrder))
	require.NoError(t, storage.AddNewLimitOrder(liveOrder))
	drainEvents(events)
	// park one of the two, unknown ids are ignored
	storage.ParkOrders([]lib.OrderId{parkedOrder.Id, {Hash: common.BigToHash(big.NewInt(999))}})
	// only the parked order is reported unfilled
	parks := drainEvents(events)
	require.Len(t, parks, 1)
	require.Equal(t, lib.OrderEventUnfilled, parks[0].Type)
	require.Equal(t, parkedOrder.Hash(), parks[0].Hash)
	// a parked order leaves the snapshot but stays in the pool
	orders := storage.GetAllOrders()
	require.Len(t, orders.Limit, 1)
	require.Equal(t, liveOrder.Hash(), orders.Limit[0].Hash())
	require.Equal(t, 2, storage.LimitOrderCount())
	require.False(t, parkedOrder.IsCurrentlyValid)
	// a parked order can still be removed directly
	removed, err := storage.RemoveLimitOrder(pool, parkedOrder.Hash())
	require.NoError(t, err)
	require.Equal(t, parkedOrder.Hash(), removed.Hash())
	require.Equal(t, 1, storage.LimitOrderCount())
}

func TestFinalizationLifecycle(t *testing.T) {
	storage, feed := testStorage(t, lib.DefaultPoolConfig())
	events, cancel := feed.Subscribe()
	defer cancel()
	pool := lib.PoolId(common.BigToHash(big.NewInt(1)))
	filled := testPoolLimitOrder(1, pool, 10)
	kept := testPoolLimitOrder(2, pool, 20)
	tob := testPoolSearcherOrder(3, 100, pool)
	require.NoError(t, storage.AddNewLimitOrder(filled))
	require.NoError(t, storage.AddNewLimitOrder(kept))
	require.NoError(t, storage.AddNewSearcherOrder(tob))
	drainEvents(events)
	// proposing the orders for block 100 detaches them from the live pools
	storage.AddFilledOrders(100, lib.OrderSet{
		Limit:    []*limitEntry{filled},
		Searcher: []*searcherEntry{tob},
	})
	orders := storage.GetAllOrders()
	require.Len(t, orders.Limit, 1)
	require.Equal(t, kept.Hash(), orders.Limit[0].Hash())
	require.Empty(t, orders.Searcher)
	// finalizing the block commits them permanently and reports the fills
	storage.FinalizedBlock(100)
	fills := drainEvents(events)
	require.Len(t, fills, 2)
	for _, e := range fills {
		require.Equal(t, lib.OrderEventFilled, e.Type)
		require.EqualValues(t, 100, e.Block)
	}
	// a later reorg naming the committed hashes finds nothing to return
	storage.Reorg([]common.Hash{filled.Hash(), tob.Hash()})
	orders = storage.GetAllOrders()
	require.Len(t, orders.Limit, 1)
	require.Empty(t, orders.Searcher)
}

func TestReorgReturnsOrdersToActivePools(t *testing.T) {
	storage, feed := testStorage(t, lib.DefaultPoolConfig())
	events, cancel := feed.Subscribe()
	defer cancel()
	pool := lib.PoolId(common.BigToHash(big.NewInt(1)))
	h1 := testPoolLimitOrder(1, pool, 10)
	h2 := testPoolSearcherOrder(2, 100, pool)
	require.NoError(t, storage.AddNewLimitOrder(h1))
	require.NoError(t, storage.AddNewSearcherOrder(h2))
	// both orders ride a bundle proposed for block 100
	storage.AddFilledOrders(100, lib.OrderSet{
		Limit:    []*limitEntry{h1},
		Searcher: []*searcherEntry{h2},
	})
	require.Empty(t, storage.GetAllOrders().Limit)
	drainEvents(events)
	// block 100 is unwound before finalization, both orders reappear in the active pools
	storage.Reorg([]common.Hash{h1.Hash(), h2.Hash()})
	orders := storage.GetAllOrders()
	require.Len(t, orders.Limit, 1)
	require.Equal(t, h1.Hash(), orders.Limit[0].Hash())
	require.Len(t, orders.Searcher, 1)
	require.Equal(t, h2.Hash(), orders.Searcher[0].Hash())
	for _, e := range drainEvents(events) {
		require.Equal(t, lib.OrderEventUnfilled, e.Type)
	}
	// finalizing afterwards commits nothing
	storage.FinalizedBlock(100)
	require.Empty(t, drainEvents(events))
}

func TestCancelOrder(t *testing.T) {
	storage, feed := testStorage(t, lib.DefaultPoolConfig())
	events, cancel := feed.Subscribe()
	defer cancel()
	pool := lib.PoolId(common.BigToHash(big.NewInt(1)))
	limit := testPoolLimitOrder(1, pool, 10)
	tob := testPoolSearcherOrder(2, 100, pool)
	require.NoError(t, storage.AddNewLimitOrder(limit))
	require.NoError(t, storage.AddNewSearcherOrder(tob))
	drainEvents(events)
	require.NoError(t, storage.CancelOrder(limit.Id))
	require.NoError(t, storage.CancelOrder(tob.Id))
	// cancelling an unknown order surfaces not found
	err := storage.CancelOrder(lib.OrderId{Pool: pool, Hash: common.BigToHash(big.NewInt(999))})
	require.NotNil(t, err)
	require.Equal(t, lib.CodeOrderNotFound, err.Code())
	orders := storage.GetAllOrders()
	require.Empty(t, orders.Limit)
	require.Empty(t, orders.Searcher)
	for _, e := range drainEvents(events) {
		require.Equal(t, lib.OrderEventCancelled, e.Type)
	}
}

func TestComposableOrdersAreSegmented(t *testing.T) {
	config := lib.DefaultPoolConfig()
	config.MaxLimitOrders = 1
	storage, _ := testStorage(t, config)
	pool := lib.PoolId(common.BigToHash(big.NewInt(1)))
	vanilla := testPoolLimitOrder(1, pool, 10)
	composable := testPoolLimitOrder(2, pool, 5)
	composable.Order.Composable = true
	composable.Id.Hash = composable.Order.Hash()
	// each flavor has its own per-pool capacity
	require.NoError(t, storage.AddNewLimitOrder(vanilla))
	require.NoError(t, storage.AddNewLimitOrder(composable))
	require.Len(t, storage.GetAllOrders().Limit, 2)
}

func TestStorageQueries(t *testing.T) {
	storage, _ := testStorage(t, lib.DefaultPoolConfig())
	pool := lib.PoolId(common.BigToHash(big.NewInt(1)))
	other := lib.PoolId(common.BigToHash(big.NewInt(2)))
	mine := testPoolLimitOrder(1, pool, 10)
	mine.Id.Signer = common.BigToAddress(big.NewInt(42))
	theirs := testPoolLimitOrder(2, other, 20)
	bid := testPoolLimitOrder(3, pool, 30)
	bid.IsBid = true
	for _, o := range []*limitEntry{mine, theirs, bid} {
		require.NoError(t, storage.AddNewLimitOrder(o))
	}
	// by signer
	bySigner := storage.OrdersBySigner(common.BigToAddress(big.NewInt(42)))
	require.Len(t, bySigner.Limit, 1)
	require.Equal(t, mine.Hash(), bySigner.Limit[0].Hash())
	// by pool and side
	asks := storage.OrdersByPool(pool, false)
	require.Len(t, asks, 1)
	require.Equal(t, mine.Hash(), asks[0].Hash())
	bids := storage.OrdersByPool(pool, true)
	require.Len(t, bids, 1)
	require.Equal(t, bid.Hash(), bids[0].Hash())
}

// testStorage() constructs an order storage over a fresh feed and a null logger
func testStorage(_ *testing.T, config lib.PoolConfig) (*OrderStorage, *lib.OrderFeed) {
	feed := lib.NewOrderFeed()
	return NewOrderStorage(config, feed, lib.NewNullLogger()), feed
}

// testPoolLimitOrder() builds a wrapped ask with the given price so ranking is controllable
func testPoolLimitOrder(seed int64, pool lib.PoolId, price int64) *limitEntry {
	order := &lib.LimitOrder{
		Kind:      lib.OrderKindKillOrFill,
		PoolId:    pool,
		AssetIn:   0,
		AssetOut:  1,
		Amount:    big.NewInt(1000 + seed),
		MinPrice:  big.NewInt(price),
		MaxGas:    big.NewInt(21000),
		Recipient: common.BigToAddress(big.NewInt(seed)),
		Nonce:     uint64(seed),
		Deadline:  200,
		Signature: make([]byte, crypto.SECP256K1SignatureSize),
	}
	return &limitEntry{
		Order: order,
		Priority: lib.OrderPriorityData{
			Price:  big.NewInt(price),
			Volume: big.NewInt(1000 + seed),
			Gas:    big.NewInt(21000),
		},
		SearcherPriority: lib.SearcherPriorityData{Donated: big.NewInt(0), Volume: big.NewInt(0)},
		PoolId:           pool,
		IsBid:            false,
		IsCurrentlyValid: true,
		IsValid:          true,
		ValidBlock:       100,
		Id: lib.OrderId{
			Signer:   common.BigToAddress(big.NewInt(seed)),
			Pool:     pool,
			Hash:     order.Hash(),
			Nonce:    uint64(seed),
			Block:    100,
			Location: lib.LocationLimitPending,
		},
	}
}

// testPoolSearcherOrder() builds a wrapped top-of-block order with the given tribute
func testPoolSearcherOrder(seed, tribute int64, pool lib.PoolId) *searcherEntry {
	order := &lib.TopOfBlockOrder{
		PoolId:        pool,
		AssetIn:       1,
		AssetOut:      0,
		QuantityIn:    big.NewInt(500 + seed),
		QuantityOut:   big.NewInt(499),
		Tribute:       big.NewInt(tribute),
		MaxGas:        big.NewInt(90000),
		Recipient:     common.BigToAddress(big.NewInt(seed)),
		ValidForBlock: 100,
		Signature:     make([]byte, crypto.SECP256K1SignatureSize),
	}
	return &searcherEntry{
		Order:            order,
		Priority:         lib.OrderPriorityData{Price: big.NewInt(0), Volume: big.NewInt(0), Gas: big.NewInt(0)},
		SearcherPriority: lib.SearcherPriorityData{Donated: big.NewInt(tribute), Volume: big.NewInt(500 + seed)},
		PoolId:           pool,
		IsBid:            false,
		IsCurrentlyValid: true,
		IsValid:          true,
		ValidBlock:       100,
		Id: lib.OrderId{
			Signer:   common.BigToAddress(big.NewInt(seed)),
			Pool:     pool,
			Hash:     order.Hash(),
			Nonce:    0,
			Block:    100,
			Location: lib.LocationSearcher,
		},
	}
}

// drainEvents() collects everything currently buffered on the feed subscription
func drainEvents(events <-chan lib.OrderEvent) (drained []lib.OrderEvent) {
	for {
		select {
		case e := <-events:
			drained = append(drained, e)
		default:
			return
		}
	}
}
