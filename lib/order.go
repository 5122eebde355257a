package lib

import (
	"bytes"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

/* This file implements the order data model shared by the pool, validation, and consensus modules */

// PoolId is the 32 byte identifier of a trading pair's on-chain liquidity venue
type PoolId = common.Hash

// ValidatorId is the on-chain address identity of a validator node
type ValidatorId = common.Address

// OrderKind is an enum describing how an order may be filled
type OrderKind uint8

const (
	OrderKindPartial    OrderKind = iota // may be filled across multiple blocks, standing until its deadline
	OrderKindKillOrFill                  // must be filled completely in its validity block or dropped
)

// OrderOrigin is an enum describing where an order entered the node, it affects propagation policy only
type OrderOrigin uint8

const (
	OrderOriginExternal OrderOrigin = iota // gossiped in from a peer
	OrderOriginLocal                       // submitted through this node's own API
	OrderOriginPrivate                     // submitted locally and excluded from gossip
)

// domain separation tags mixed into the structural hash of each order variant
var (
	limitOrderDomain    = []byte("strom/limit/v1")
	searcherOrderDomain = []byte("strom/searcher/v1")
)

// Order is the abstract union over the signed order variants accepted by the node
type Order interface {
	// Hash() returns the domain separated structural hash used as the order's identity
	Hash() common.Hash
	// Pool() returns the trading pool the order targets
	Pool() PoolId
	// ValidBlock() returns the block the order is bound to (0 = standing until Deadline)
	ValidBlock() uint64
	// SignatureBytes() returns the raw 65 byte secp256k1 signature over the order hash
	SignatureBytes() []byte
}

// LIMIT ORDERS BELOW

// LimitOrder is a user trade intent ranked by price and settled in a batch
type LimitOrder struct {
	Kind       OrderKind      `json:"kind"`       // partial standing or kill-or-fill flash
	Composable bool           `json:"composable"` // whether the order carries a post-settlement hook
	PoolId     PoolId         `json:"poolId"`     // the pool the order trades against
	AssetIn    uint16         `json:"assetIn"`    // index of the asset being sold
	AssetOut   uint16         `json:"assetOut"`   // index of the asset being bought
	Amount     *big.Int       `json:"amount"`     // the quantity of AssetIn offered
	MinPrice   *big.Int       `json:"minPrice"`   // the worst acceptable price, in ray units of AssetOut per AssetIn
	MaxGas     *big.Int       `json:"maxGas"`     // the maximum gas cost the order can cover, denominated in AssetIn
	Recipient  common.Address `json:"recipient"`  // where the bought asset lands
	Nonce      uint64         `json:"nonce"`      // the signer's replay protection counter
	Deadline   uint64         `json:"deadline"`   // the last block the order is live (standing) or its exact block (flash)
	Signature  []byte         `json:"signature"`  // 65 byte secp256k1 signature over Hash()
}

// Hash() returns the keccak of the domain tag and the order fields excluding the signature
func (o *LimitOrder) Hash() common.Hash {
	// copy the order and blank the signature so the hash covers structure only
	unsigned := *o
	unsigned.Signature = nil
	// hash the domain tag with the encoded unsigned order
	return crypto.Keccak256Hash(limitOrderDomain, MustMarshal(&unsigned))
}

// Pool() returns the pool the order trades against
func (o *LimitOrder) Pool() PoolId { return o.PoolId }

// ValidBlock() returns the exact validity block for flash orders and 0 for standing ones
func (o *LimitOrder) ValidBlock() uint64 {
	// standing orders are live until their deadline rather than bound to one block
	if o.Kind == OrderKindPartial {
		return 0
	}
	// exit with the flash block
	return o.Deadline
}

// SignatureBytes() returns the raw signature
func (o *LimitOrder) SignatureBytes() []byte { return o.Signature }

// IsBid() returns true when the order buys the pool's base asset
func (o *LimitOrder) IsBid() bool { return o.AssetIn > o.AssetOut }

// SEARCHER ORDERS BELOW

// TopOfBlockOrder is a searcher order ranked by its tribute to the protocol rather than price
type TopOfBlockOrder struct {
	PoolId        PoolId         `json:"poolId"`        // the pool the order trades against
	AssetIn       uint16         `json:"assetIn"`       // index of the asset being sold
	AssetOut      uint16         `json:"assetOut"`      // index of the asset being bought
	QuantityIn    *big.Int       `json:"quantityIn"`    // the exact quantity of AssetIn offered
	QuantityOut   *big.Int       `json:"quantityOut"`   // the exact quantity of AssetOut demanded
	Tribute       *big.Int       `json:"tribute"`       // the donation to the pool that ranks this order
	MaxGas        *big.Int       `json:"maxGas"`        // the maximum gas cost the order can cover
	Recipient     common.Address `json:"recipient"`     // where the bought asset lands
	ValidForBlock uint64         `json:"validForBlock"` // the single block the order is valid for
	Signature     []byte         `json:"signature"`     // 65 byte secp256k1 signature over Hash()
}

// Hash() returns the keccak of the domain tag and the order fields excluding the signature
func (o *TopOfBlockOrder) Hash() common.Hash {
	// copy the order and blank the signature so the hash covers structure only
	unsigned := *o
	unsigned.Signature = nil
	// hash the domain tag with the encoded unsigned order
	return crypto.Keccak256Hash(searcherOrderDomain, MustMarshal(&unsigned))
}

// Pool() returns the pool the order trades against
func (o *TopOfBlockOrder) Pool() PoolId { return o.PoolId }

// ValidBlock() returns the single block the order is bound to
func (o *TopOfBlockOrder) ValidBlock() uint64 { return o.ValidForBlock }

// SignatureBytes() returns the raw signature
func (o *TopOfBlockOrder) SignatureBytes() []byte { return o.Signature }

// PRIORITY DATA BELOW

// OrderPriorityData is the ranking key of a limit order
// NOTE: every validator must derive the same ordering from the same order set, so
// comparisons are a strict lexicographic total order with no insertion-time tiebreaks
type OrderPriorityData struct {
	Price  *big.Int `json:"price"`  // primary key, the order's limit price
	Volume *big.Int `json:"volume"` // secondary key, the order's offered quantity
	Gas    *big.Int `json:"gas"`    // tertiary key, the estimated execution cost (lower wins)
}

// Cmp() compares two priority keys, returning -1 if p ranks below o, 0 if equal, and 1 if above
func (p OrderPriorityData) Cmp(o OrderPriorityData) int {
	// higher price ranks higher
	if c := p.Price.Cmp(o.Price); c != 0 {
		return c
	}
	// higher volume breaks price ties
	if c := p.Volume.Cmp(o.Volume); c != 0 {
		return c
	}
	// lower gas breaks volume ties
	return o.Gas.Cmp(p.Gas)
}

// SearcherPriorityData is the ranking key of a top-of-block order
type SearcherPriorityData struct {
	Donated *big.Int `json:"donated"` // primary key, the tribute paid to the pool
	Volume  *big.Int `json:"volume"`  // secondary key, the order's input quantity
}

// Cmp() compares two searcher keys, returning -1 if p ranks below o, 0 if equal, and 1 if above
func (p SearcherPriorityData) Cmp(o SearcherPriorityData) int {
	// higher donation ranks higher
	if c := p.Donated.Cmp(o.Donated); c != 0 {
		return c
	}
	// higher volume breaks donation ties
	return p.Volume.Cmp(o.Volume)
}

// ORDER IDENTITY AND STORAGE WRAPPER BELOW

// OrderLocation is an enum naming the sub-pool an order lives in
type OrderLocation uint8

const (
	LocationLimitPending OrderLocation = iota // active vanilla or composable limit pool
	LocationLimitParked                       // validated but currently unexecutable limit pool
	LocationSearcher                          // top-of-block pool
)

// OrderId carries everything the pool needs to locate and evict an order without the full body
type OrderId struct {
	Signer   common.Address `json:"signer"`   // the recovered order author
	Pool     PoolId         `json:"pool"`     // the pool the order trades against
	Hash     common.Hash    `json:"hash"`     // the structural order hash
	Nonce    uint64         `json:"nonce"`    // the signer's nonce consumed by the order
	Block    uint64         `json:"block"`    // the validity block (0 = standing)
	Location OrderLocation  `json:"location"` // the sub-pool the order was filed under
}

// Equals() returns true when two ids reference the same order
func (id *OrderId) Equals(o *OrderId) bool {
	// compare the structural hash, which already commits to every order field
	return id != nil && o != nil && id.Hash == o.Hash
}

// OrderWithData wraps a validated order with the metadata the pool and consensus layers track
type OrderWithData[O Order] struct {
	Order            O                    `json:"order"`            // the signed order body
	Priority         OrderPriorityData    `json:"priority"`         // the limit ranking key (zero for searcher orders)
	SearcherPriority SearcherPriorityData `json:"searcherPriority"` // the searcher ranking key (zero for limit orders)
	PoolId           PoolId               `json:"poolId"`           // the pool the order was filed under
	IsBid            bool                 `json:"isBid"`            // which side of the book the order sits on
	IsCurrentlyValid bool                 `json:"isCurrentlyValid"` // false means the order is parked, not rejected
	IsValid          bool                 `json:"isValid"`          // false means validation failed terminally
	ValidBlock       uint64               `json:"validBlock"`       // the block the order was validated against
	Id               OrderId              `json:"id"`               // the pool-facing identity of the order
}

// Hash() returns the wrapped order's structural hash
func (w *OrderWithData[O]) Hash() common.Hash { return w.Id.Hash }

// Less() reports whether w ranks strictly below o, breaking priority ties by the order hash
// so that sorting is a total order independent of insertion sequence
func (w *OrderWithData[O]) Less(o *OrderWithData[O]) bool {
	// compare the ranking key first
	if c := w.Priority.Cmp(o.Priority); c != 0 {
		return c < 0
	}
	// fall back to the hash bytes for a deterministic final tiebreak
	return bytes.Compare(w.Id.Hash[:], o.Id.Hash[:]) < 0
}

// LessSearcher() reports whether w ranks strictly below o under the searcher key
func (w *OrderWithData[O]) LessSearcher(o *OrderWithData[O]) bool {
	// compare the tribute ranking key first
	if c := w.SearcherPriority.Cmp(o.SearcherPriority); c != 0 {
		return c < 0
	}
	// fall back to the hash bytes for a deterministic final tiebreak
	return bytes.Compare(w.Id.Hash[:], o.Id.Hash[:]) < 0
}

// OrderSet is the consistent snapshot of all live orders handed to the consensus round
type OrderSet struct {
	Limit    []*OrderWithData[*LimitOrder]      `json:"limit"`    // the pending limit orders across all pools
	Searcher []*OrderWithData[*TopOfBlockOrder] `json:"searcher"` // the pending top-of-block orders across all pools
}
