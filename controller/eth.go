package controller

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/strom-network/strom/consensus"
	"github.com/strom-network/strom/crypto"
	"github.com/strom-network/strom/lib"
	"github.com/strom-network/strom/validation"
)

/* This file implements the settlement chain collaborators over a JSON-RPC node:
   account reads, canonical head updates, bundle submission, and a gas estimate */

// erc20BalanceOfSelector is the 4 byte selector of balanceOf(address)
var erc20BalanceOfSelector = []byte{0x70, 0xa0, 0x82, 0x31}

// poolStateSelector is the 4 byte selector of getPoolState(bytes32) on the settlement contract
var poolStateSelector = []byte{0x2f, 0x38, 0x0b, 0x35}

// orderFilledTopic is the topic hash of the settlement contract's
// OrderFilled(bytes32 indexed orderHash, address indexed signer) event
var orderFilledTopic = common.BytesToHash(crypto.Hash([]byte("OrderFilled(bytes32,address)")))

// orderExecutionGas is the settlement gas attributed to one order inside a bundle
const orderExecutionGas = 100_000

// EthChain adapts an Ethereum JSON-RPC endpoint to the node's chain capabilities
type EthChain struct {
	client     *ethclient.Client
	chainId    *big.Int
	key        *crypto.SECP256K1PrivateKey
	settlement common.Address
	assets     []common.Address
	updates    chan CanonicalUpdate
	log        lib.LoggerI

	headLock  sync.Mutex    // guards the head tracking below
	lastHead  common.Hash   // detects unwinds across head notifications
	lastFills []common.Hash // the fills of the last head, returned to flight on an unwind

	quit chan struct{}
}

// DialEthChain() connects to the endpoint and starts watching canonical heads
func DialEthChain(ctx context.Context, config lib.ChainConfig, chainId uint64, key *crypto.SECP256K1PrivateKey, log lib.LoggerI) (*EthChain, lib.ErrorI) {
	client, err := ethclient.DialContext(ctx, config.RPCURL)
	if err != nil {
		return nil, validation.ErrStateFetch(err)
	}
	e := &EthChain{
		client:     client,
		chainId:    new(big.Int).SetUint64(chainId),
		key:        key,
		settlement: common.HexToAddress(config.SettlementAddress),
		updates:    make(chan CanonicalUpdate, 16),
		log:        log,
		quit:       make(chan struct{}),
	}
	for _, asset := range config.Assets {
		if !common.IsHexAddress(asset) {
			return nil, lib.ErrInvalidAddress()
		}
		e.assets = append(e.assets, common.HexToAddress(asset))
	}
	go e.watchHeads(ctx)
	return e, nil
}

// Close() stops the head watcher and disconnects
func (e *EthChain) Close() {
	close(e.quit)
	e.client.Close()
}

// watchHeads() subscribes to new canonical heads and converts them to updates
func (e *EthChain) watchHeads(ctx context.Context) {
	heads := make(chan *types.Header, 16)
	sub, err := e.client.SubscribeNewHead(ctx, heads)
	if err != nil {
		e.log.Errorf("Head subscription failed: %s", err.Error())
		return
	}
	defer sub.Unsubscribe()
	for {
		select {
		case header := <-heads:
			e.publishHead(ctx, header)
		case err = <-sub.Err():
			if err != nil {
				e.log.Errorf("Head subscription lost: %s", err.Error())
			}
			return
		case <-ctx.Done():
			return
		case <-e.quit:
			return
		}
	}
}

// publishHead() turns a header into a canonical update carrying the settlement fills,
// flagging unwinds with the previous head's fills back in flight
func (e *EthChain) publishHead(ctx context.Context, header *types.Header) {
	block := header.Number.Uint64()
	completed, changed := e.settlementFills(ctx, block)
	reorg, reorged := e.trackHead(header, completed)
	select {
	case e.updates <- CanonicalUpdate{
		Reorg:            reorg,
		Block:            block,
		CompletedOrders:  completed,
		ReorgedOrders:    reorged,
		ChangedAddresses: changed,
	}:
	default:
		e.log.Warnf("Canonical update queue full, dropped block %d", block)
	}
}

// trackHead() files the header as the new tip and reports whether it unwound the
// previous head, returning the unwound head's fills
func (e *EthChain) trackHead(header *types.Header, completed []common.Hash) (reorg bool, reorged []common.Hash) {
	e.headLock.Lock()
	defer e.headLock.Unlock()
	reorg = e.lastHead != (common.Hash{}) && header.ParentHash != e.lastHead
	if reorg {
		reorged = e.lastFills
	}
	e.lastHead = header.Hash()
	e.lastFills = completed
	return
}

// settlementFills() reads the settlement contract's fill events out of one block
func (e *EthChain) settlementFills(ctx context.Context, block uint64) ([]common.Hash, []common.Address) {
	number := new(big.Int).SetUint64(block)
	logs, err := e.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: number,
		ToBlock:   number,
		Addresses: []common.Address{e.settlement},
		Topics:    [][]common.Hash{{orderFilledTopic}},
	})
	if err != nil {
		// the pool keeps the orders; a later head's re-check picks the fills up
		e.log.Warnf("Fill log fetch for block %d failed: %s", block, err.Error())
		return nil, nil
	}
	return fillsFromLogs(logs)
}

// fillsFromLogs() extracts the settled order hashes and their signers from fill events
func fillsFromLogs(logs []types.Log) (completed []common.Hash, changed []common.Address) {
	seen := make(map[common.Address]struct{})
	for _, l := range logs {
		if len(l.Topics) != 3 || l.Topics[0] != orderFilledTopic {
			continue
		}
		completed = append(completed, l.Topics[1])
		signer := common.BytesToAddress(l.Topics[2].Bytes())
		if _, ok := seen[signer]; ok {
			continue
		}
		seen[signer] = struct{}{}
		changed = append(changed, signer)
	}
	return
}

// Updates() is the stream of canonical head notifications
func (e *EthChain) Updates() <-chan CanonicalUpdate { return e.updates }

// Balance() reads an asset balance at the block: the zero address indexes the native coin,
// anything else is an ERC-20 balanceOf call
func (e *EthChain) Balance(ctx context.Context, address common.Address, asset uint16, block uint64) (*big.Int, lib.ErrorI) {
	if int(asset) >= len(e.assets) {
		return nil, validation.ErrStateFetch(fmt.Errorf("unknown asset index %d", asset))
	}
	blockNumber := new(big.Int).SetUint64(block)
	token := e.assets[asset]
	if token == (common.Address{}) {
		balance, err := e.client.BalanceAt(ctx, address, blockNumber)
		if err != nil {
			return nil, validation.ErrStateFetch(err)
		}
		return balance, nil
	}
	calldata := append(append([]byte{}, erc20BalanceOfSelector...), common.LeftPadBytes(address.Bytes(), 32)...)
	result, err := e.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: calldata}, blockNumber)
	if err != nil {
		return nil, validation.ErrStateFetch(err)
	}
	return new(big.Int).SetBytes(result), nil
}

// Nonce() reads the next unconsumed account nonce at the block
func (e *EthChain) Nonce(ctx context.Context, address common.Address, block uint64) (uint64, lib.ErrorI) {
	nonce, err := e.client.NonceAt(ctx, address, new(big.Int).SetUint64(block))
	if err != nil {
		return 0, validation.ErrStateFetch(err)
	}
	return nonce, nil
}

// HasBytecode() reports whether the address is a contract at the block
func (e *EthChain) HasBytecode(ctx context.Context, address common.Address, block uint64) (bool, lib.ErrorI) {
	code, err := e.client.CodeAt(ctx, address, new(big.Int).SetUint64(block))
	if err != nil {
		return false, validation.ErrStateFetch(err)
	}
	return len(code) != 0, nil
}

// Submit() wraps the bundle payload in a signed transaction to the settlement contract
func (e *EthChain) Submit(ctx context.Context, payload []byte) (common.Hash, lib.ErrorI) {
	from := e.key.PublicKey().Address()
	nonce, err := e.client.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, consensus.ErrTransactionSubmission(err)
	}
	tipCap, err := e.client.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, consensus.ErrTransactionSubmission(err)
	}
	head, err := e.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, consensus.ErrTransactionSubmission(err)
	}
	// cover a doubling of the base fee on top of the tip
	feeCap := new(big.Int).Add(tipCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	gasLimit, err := e.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &e.settlement, Data: payload})
	if err != nil {
		return common.Hash{}, consensus.ErrTransactionSubmission(err)
	}
	tx, err := types.SignTx(types.NewTx(&types.DynamicFeeTx{
		ChainID:   e.chainId,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &e.settlement,
		Data:      payload,
	}), types.LatestSignerForChainID(e.chainId), e.key.PrivateKey)
	if err != nil {
		return common.Hash{}, consensus.ErrTransactionSubmission(err)
	}
	if err = e.client.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, consensus.ErrTransactionSubmission(err)
	}
	return tx.Hash(), nil
}

// Receipt() checks whether the transaction landed successfully; any error means retry
func (e *EthChain) Receipt(ctx context.Context, tx common.Hash) lib.ErrorI {
	receipt, err := e.client.TransactionReceipt(ctx, tx)
	if err != nil {
		return consensus.ErrTransactionSubmission(err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return consensus.ErrTransactionSubmission(errors.New("bundle transaction reverted"))
	}
	return nil
}

// PoolSnapshot() captures one pool's raw state encoding from the settlement contract at
// the latest block; the engine decodes it, this layer treats it as opaque bytes
func (e *EthChain) PoolSnapshot(ctx context.Context, pool lib.PoolId) (*consensus.PoolSnapshot, lib.ErrorI) {
	calldata := append(append([]byte{}, poolStateSelector...), pool.Bytes()...)
	data, err := e.client.CallContract(ctx, ethereum.CallMsg{To: &e.settlement, Data: calldata}, nil)
	if err != nil {
		return nil, validation.ErrStateFetch(err)
	}
	return &consensus.PoolSnapshot{Pool: pool, Data: data}, nil
}

// EstimateGas() prices one order's settlement share at the current gas price
func (e *EthChain) EstimateGas(ctx context.Context, _ lib.Order) (*big.Int, lib.ErrorI) {
	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, validation.ErrStateFetch(err)
	}
	return gasPrice.Mul(gasPrice, big.NewInt(orderExecutionGas)), nil
}
