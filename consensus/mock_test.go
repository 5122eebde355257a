package consensus

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"github.com/strom-network/strom/crypto"
	"github.com/strom-network/strom/lib"
)

var _ Controller = &testController{}

// outboundMsg captures a Broadcast or SendToLeader call for assertions
type outboundMsg struct {
	id       MessageId
	msg      any
	toLeader bool
}

type testController struct {
	sync.Mutex
	snapshot  lib.OrderSet  // returned by OrderSnapshot
	outbound  []outboundMsg // every message the round sent
	solveErr  error         // forced solver failure
	submitErr error         // forced submission failure
	solved    []*PoolSolution
}

func (t *testController) OrderSnapshot() lib.OrderSet { return t.snapshot }

func (t *testController) SnapshotPool(_ context.Context, pool lib.PoolId) (*PoolSnapshot, lib.ErrorI) {
	return &PoolSnapshot{Pool: pool, Data: pool[:8]}, nil
}

func (t *testController) Solve(_ context.Context, _ []*PreProposal, snapshots []*PoolSnapshot) ([]*PoolSolution, lib.ErrorI) {
	if t.solveErr != nil {
		return nil, ErrProposalBuild(t.solveErr)
	}
	for _, s := range snapshots {
		t.solved = append(t.solved, &PoolSolution{Pool: s.Pool, ClearingPrice: big.NewInt(100), Payload: s.Data})
	}
	return t.solved, nil
}

func (t *testController) SubmitBundle(_ context.Context, p *Proposal, _ *Commit) (common.Hash, lib.ErrorI) {
	if t.submitErr != nil {
		return common.Hash{}, ErrTransactionSubmission(t.submitErr)
	}
	return common.BytesToHash(p.Digest()), nil
}

func (t *testController) BundleReceipt(_ context.Context, _ common.Hash) lib.ErrorI { return nil }

func (t *testController) Broadcast(id MessageId, msg any) {
	t.outbound = append(t.outbound, outboundMsg{id: id, msg: msg})
}

func (t *testController) SendToLeader(id MessageId, msg any) {
	t.outbound = append(t.outbound, outboundMsg{id: id, msg: msg, toLeader: true})
}

// lastOutbound() returns the most recent message the round sent, failing if there is none
func (t *testController) lastOutbound(test *testing.T) outboundMsg {
	require.NotEmpty(test, t.outbound)
	return t.outbound[len(t.outbound)-1]
}

// testValidators() generates n dual key pairs and the ValidatorSet over them
func testValidators(t *testing.T, n int) ([]*crypto.ValidatorKey, *ValidatorSet) {
	keys := make([]*crypto.ValidatorKey, n)
	validators := make([]*Validator, n)
	for i := 0; i < n; i++ {
		key, err := crypto.NewValidatorKey()
		require.NoError(t, err)
		keys[i] = key
		validators[i] = &Validator{
			Address:      key.Address(),
			BLSPublicKey: key.BLS.PublicKey().Bytes(),
		}
	}
	vs, e := NewValidatorSet(validators, 128)
	require.NoError(t, e)
	return keys, vs
}

// testRound() builds an idle round for keys[idx] with a fresh mock controller
// The grace window is zeroed so quorum moves the leader to the build immediately;
// grace behavior is covered by its own tests over a non-zero window
func testRound(t *testing.T, keys []*crypto.ValidatorKey, idx int) (*Round, *testController) {
	config := lib.DefaultConfig()
	config.PreProposalGraceMS = 0
	con := &testController{}
	r := NewRound(config, keys[idx], con, lib.NewNullLogger())
	return r, con
}

// testLimitOrder() builds a wrapped limit order with deterministic content
func testLimitOrder(seed int64, pool lib.PoolId) *lib.OrderWithData[*lib.LimitOrder] {
	order := &lib.LimitOrder{
		Kind:      lib.OrderKindKillOrFill,
		PoolId:    pool,
		AssetIn:   0,
		AssetOut:  1,
		Amount:    big.NewInt(1000 + seed),
		MinPrice:  big.NewInt(50),
		MaxGas:    big.NewInt(21000),
		Recipient: common.BigToAddress(big.NewInt(seed)),
		Nonce:     uint64(seed),
		Deadline:  100,
		Signature: make([]byte, crypto.SECP256K1SignatureSize),
	}
	return &lib.OrderWithData[*lib.LimitOrder]{
		Order: order,
		Priority: lib.OrderPriorityData{
			Price:  big.NewInt(50),
			Volume: big.NewInt(1000 + seed),
			Gas:    big.NewInt(21000),
		},
		SearcherPriority: lib.SearcherPriorityData{Donated: big.NewInt(0), Volume: big.NewInt(0)},
		PoolId:           pool,
		IsBid:            false,
		IsCurrentlyValid: true,
		IsValid:          true,
		ValidBlock:       100,
		Id:               lib.OrderId{Pool: pool, Hash: order.Hash(), Nonce: uint64(seed), Block: 100},
	}
}

// testSearcherOrder() builds a wrapped top-of-block order with the given tribute
func testSearcherOrder(seed, tribute int64, pool lib.PoolId) *lib.OrderWithData[*lib.TopOfBlockOrder] {
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
	return &lib.OrderWithData[*lib.TopOfBlockOrder]{
		Order:            order,
		Priority:         lib.OrderPriorityData{Price: big.NewInt(0), Volume: big.NewInt(0), Gas: big.NewInt(0)},
		SearcherPriority: lib.SearcherPriorityData{Donated: big.NewInt(tribute), Volume: big.NewInt(500 + seed)},
		PoolId:           pool,
		IsCurrentlyValid: true,
		IsValid:          true,
		ValidBlock:       100,
		Id:               lib.OrderId{Pool: pool, Hash: order.Hash(), Block: 100, Location: lib.LocationSearcher},
	}
}
