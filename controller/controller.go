package controller

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/strom-network/strom/consensus"
	"github.com/strom-network/strom/crypto"
	"github.com/strom-network/strom/lib"
	"github.com/strom-network/strom/metrics"
	"github.com/strom-network/strom/orderpool"
	"github.com/strom-network/strom/validation"
	"golang.org/x/sync/errgroup"
)

/* This file implements the node controller: it owns the round state machine, the order
   pool, and the validation pipeline, and routes between them and the external
   collaborators (transport, settlement chain, solver) */

// Collaborators bundles the external capabilities the node is wired to at startup
type Collaborators struct {
	Transport Transport          // peer message delivery
	Chain     ChainStateProvider // account reads + canonical head updates
	Submitter TxSubmitter        // bundle transaction submission
	Engine    MatchingEngine     // the opaque solver
	Pools     PoolSnapshotSource // AMM pool state capture
	Schedule  LeaderSchedule     // validator set + leader per height
	Gas       validation.GasEstimator
}

// Controller is the node's hub wiring the consensus round to the pool, the pipeline, and
// the outside world. Its mutex serializes round message handling; the round state machine
// holds it across each handler
type Controller struct {
	sync.Mutex            // held by the round across message handlers
	config     lib.Config // the node configuration
	valKey     *crypto.ValidatorKey
	external   Collaborators // the wired collaborators
	validator  *validation.OrderValidator
	storage    *orderpool.OrderStorage
	feed       *lib.OrderFeed
	round      *consensus.Round
	log        lib.LoggerI

	stateLock sync.Mutex             // guards the fields below
	leader    lib.ValidatorId        // the current round leader, for SendToLeader
	gossip    consensus.PooledOrders // orders queued for the next propagation tick

	quit chan struct{}
}

// New() constructs the controller and its owned subsystems
func New(config lib.Config, valKey *crypto.ValidatorKey, external Collaborators, log lib.LoggerI) *Controller {
	feed := lib.NewOrderFeed()
	c := &Controller{
		config:    config,
		valKey:    valKey,
		external:  external,
		validator: validation.NewOrderValidator(config.ValidationConfig, external.Chain, external.Gas, log),
		storage:   orderpool.NewOrderStorage(config.PoolConfig, feed, log),
		feed:      feed,
		log:       log,
		quit:      make(chan struct{}),
	}
	c.round = consensus.NewRound(config, valKey, c, log)
	return c
}

// Round() exposes the round state machine for inspection
func (c *Controller) Round() *consensus.Round { return c.round }

// Feed() exposes the order lifecycle feed for API subscribers
func (c *Controller) Feed() *lib.OrderFeed { return c.feed }

// Start() runs the controller's loops until the context ends or a loop fails
func (c *Controller) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.round.Start()
		return nil
	})
	g.Go(func() error { return c.listenTransport(ctx) })
	g.Go(func() error { return c.listenChain(ctx) })
	g.Go(func() error { return c.propagateLoop(ctx) })
	err := g.Wait()
	c.Stop()
	return err
}

// Stop() shuts the round and the validation pipeline down
func (c *Controller) Stop() {
	select {
	case <-c.quit:
		return
	default:
	}
	close(c.quit)
	c.round.Stop()
	c.validator.Close()
}

// TRANSPORT SIDE BELOW

// listenTransport() drains inbound peer frames into the router
func (c *Controller) listenTransport(ctx context.Context) error {
	for {
		select {
		case msg := <-c.external.Transport.Inbound():
			c.handleTransportMessage(ctx, msg)
		case <-ctx.Done():
			return nil
		case <-c.quit:
			return nil
		}
	}
}

// handleTransportMessage() decodes one frame and routes it by message id
// Malformed frames are dropped with a debug log only, they are expected network noise
func (c *Controller) handleTransportMessage(ctx context.Context, msg TransportMessage) {
	id, payload, err := consensus.DecodeMessage(msg.Frame)
	if err != nil {
		c.log.Debugf("Dropped malformed frame from %s: %s", lib.BytesToTruncatedString(msg.From.Bytes()), err.Error())
		return
	}
	switch id {
	case consensus.PreProposeMsgId, consensus.ProposeMsgId, consensus.CommitMsgId:
		select {
		case c.round.Inbound <- consensus.InboundMessage{From: msg.From, Id: id, Message: payload}:
		default:
			c.log.Warnf("Round inbound queue full, dropped message %d from %s", id, lib.BytesToTruncatedString(msg.From.Bytes()))
		}
	case consensus.StatusMsgId:
		c.sendStatus(msg.From)
	case consensus.PropagatePooledOrdersMsgId:
		// gossiped orders re-validate locally before pooling; never trust a peer's wrapper
		go c.ingestGossip(ctx, payload.(*consensus.PooledOrders))
	}
}

// sendStatus() answers a peer's height probe
func (c *Controller) sendStatus(peer lib.ValidatorId) {
	frame, err := consensus.EncodeMessage(consensus.StatusMsgId, &consensus.Status{Height: c.validator.CurrentBlock()})
	if err != nil {
		c.log.Errorf("Status encode failed: %s", err.Error())
		return
	}
	c.external.Transport.SendTo(peer, frame)
	consensus.ReleaseMessage(frame)
}

// ingestGossip() re-validates gossiped orders and pools the survivors
func (c *Controller) ingestGossip(ctx context.Context, orders *consensus.PooledOrders) {
	for _, wrapped := range orders.Limit {
		if err := c.SubmitLimitOrder(ctx, lib.OrderOriginExternal, wrapped.Order); err != nil {
			c.log.Debugf("Rejected gossiped limit order: %s", err.Error())
		}
	}
	for _, wrapped := range orders.Searcher {
		if err := c.SubmitSearcherOrder(ctx, lib.OrderOriginExternal, wrapped.Order); err != nil {
			c.log.Debugf("Rejected gossiped searcher order: %s", err.Error())
		}
	}
}

// propagateLoop() re-broadcasts newly pooled orders on a fixed interval
func (c *Controller) propagateLoop(ctx context.Context) error {
	tick := time.NewTicker(time.Duration(c.config.PropagationIntervalMS) * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			c.flushGossip()
		case <-ctx.Done():
			return nil
		case <-c.quit:
			return nil
		}
	}
}

// flushGossip() broadcasts and clears the queued orders
func (c *Controller) flushGossip() {
	c.stateLock.Lock()
	pending := c.gossip
	c.gossip = consensus.PooledOrders{}
	c.stateLock.Unlock()
	if len(pending.Limit) == 0 && len(pending.Searcher) == 0 {
		return
	}
	frame, err := consensus.EncodeMessage(consensus.PropagatePooledOrdersMsgId, &pending)
	if err != nil {
		c.log.Errorf("Order propagation encode failed: %s", err.Error())
		return
	}
	c.external.Transport.Broadcast(frame)
	consensus.ReleaseMessage(frame)
}

// CHAIN SIDE BELOW

// listenChain() drains canonical head updates into the block handler
func (c *Controller) listenChain(ctx context.Context) error {
	for {
		select {
		case update := <-c.external.Chain.Updates():
			c.handleChainUpdate(ctx, update)
		case <-ctx.Done():
			return nil
		case <-c.quit:
			return nil
		}
	}
}

// handleChainUpdate() reconciles the pool and the pipeline with the new head, then
// resets the round at the next height
func (c *Controller) handleChainUpdate(ctx context.Context, update CanonicalUpdate) {
	if update.Reorg {
		c.log.Warnf("Reorg at block %d returned %d orders to flight", update.Block, len(update.ReorgedOrders))
		metrics.BundleMetrics.Reorged.Inc()
		c.storage.Reorg(update.ReorgedOrders)
	}
	// advance the pipeline's block pointer, the only place it moves
	touched := c.validator.OnNewBlock(update.Block, update.CompletedOrders, update.ChangedAddresses)
	// settled orders still live in the pool move through the holding area and commit
	if filled := c.liveOrdersMatching(update.CompletedOrders); len(filled.Limit) != 0 || len(filled.Searcher) != 0 {
		c.storage.AddFilledOrders(update.Block, filled)
	}
	// commit holdings only past the confirmation depth; a head observation is not finality,
	// the watcher can only report an unwind after the replacement head arrives
	if depth := c.config.FinalityDepth; update.Block >= depth {
		c.storage.FinalizedBlock(update.Block - depth)
	}
	c.storage.ExpireOrders(update.Block)
	// re-check the pooled orders of every signer the head touched
	if len(touched) != 0 {
		snapshot := c.storage.GetAllOrders()
		park, remove := c.validator.RecheckOrders(ctx, snapshot.Limit, touched)
		c.storage.ParkOrders(park)
		for _, id := range remove {
			if _, err := c.storage.RemoveLimitOrder(id.Pool, id.Hash); err != nil {
				c.log.Debugf("Recheck removal of %s: %s", lib.BytesToTruncatedString(id.Hash.Bytes()), err.Error())
			}
		}
	}
	c.resetRound(update.Block + 1)
}

// liveOrdersMatching() collects the pooled wrappers whose hashes the chain settled
func (c *Controller) liveOrdersMatching(hashes []common.Hash) (filled lib.OrderSet) {
	if len(hashes) == 0 {
		return
	}
	settled := make(map[common.Hash]struct{}, len(hashes))
	for _, hash := range hashes {
		settled[hash] = struct{}{}
	}
	snapshot := c.storage.GetAllOrders()
	for _, o := range snapshot.Limit {
		if _, ok := settled[o.Hash()]; ok {
			filled.Limit = append(filled.Limit, o)
		}
	}
	for _, o := range snapshot.Searcher {
		if _, ok := settled[o.Hash()]; ok {
			filled.Searcher = append(filled.Searcher, o)
		}
	}
	return
}

// resetRound() points the round state machine at the next target block
func (c *Controller) resetRound(height uint64) {
	validators, err := c.external.Schedule.Validators(height)
	if err != nil {
		c.log.Errorf("No validator set for height %d: %s", height, err.Error())
		return
	}
	vs, err := consensus.NewValidatorSet(validators, c.config.ValidatorCapacity)
	if err != nil {
		c.log.Errorf("Validator set for height %d rejected: %s", height, err.Error())
		return
	}
	leader := c.external.Schedule.Leader(height)
	c.stateLock.Lock()
	c.leader = leader
	c.stateLock.Unlock()
	metrics.UpdateRoundHeight(height)
	select {
	case c.round.ResetChan <- consensus.ResetRound{Height: height, ValidatorSet: vs, Leader: leader}:
	default:
		c.log.Warnf("Round reset queue full at height %d", height)
	}
}

// ORDER SUBMISSION API BELOW

// SubmitLimitOrder() runs a limit order through validation into the pool, queueing it
// for propagation unless the submitter asked for privacy
func (c *Controller) SubmitLimitOrder(ctx context.Context, origin lib.OrderOrigin, o *lib.LimitOrder) lib.ErrorI {
	wrapped, err := c.validator.ValidateLimitOrder(ctx, o)
	if err != nil {
		metrics.OrderRejected("limit")
		return err
	}
	if err = c.storage.AddNewLimitOrder(wrapped); err != nil {
		// the pool refused the order, its account claim must not linger
		c.validator.ReleaseOrder(wrapped.Id.Signer, wrapped.Id.Hash)
		metrics.OrderRejected("limit")
		return err
	}
	metrics.OrderAccepted("limit")
	metrics.UpdatePoolSizes(c.storage.LimitOrderCount(), c.storage.SearcherOrderCount())
	if origin != lib.OrderOriginPrivate {
		c.stateLock.Lock()
		c.gossip.Limit = append(c.gossip.Limit, wrapped)
		c.stateLock.Unlock()
	}
	return nil
}

// SubmitSearcherOrder() runs a top-of-block order through validation into the pool
func (c *Controller) SubmitSearcherOrder(ctx context.Context, origin lib.OrderOrigin, o *lib.TopOfBlockOrder) lib.ErrorI {
	wrapped, err := c.validator.ValidateSearcherOrder(ctx, o)
	if err != nil {
		metrics.OrderRejected("searcher")
		return err
	}
	if err = c.storage.AddNewSearcherOrder(wrapped); err != nil {
		c.validator.ReleaseOrder(wrapped.Id.Signer, wrapped.Id.Hash)
		metrics.OrderRejected("searcher")
		return err
	}
	metrics.OrderAccepted("searcher")
	metrics.UpdatePoolSizes(c.storage.LimitOrderCount(), c.storage.SearcherOrderCount())
	if origin != lib.OrderOriginPrivate {
		c.stateLock.Lock()
		c.gossip.Searcher = append(c.gossip.Searcher, wrapped)
		c.stateLock.Unlock()
	}
	return nil
}

// CancelOrder() removes a pooled order on its signer's request and blocks resubmission
func (c *Controller) CancelOrder(id lib.OrderId) lib.ErrorI {
	c.validator.CancelOrder(id.Signer, id.Hash)
	return c.storage.CancelOrder(id)
}

// OrdersBySigner() returns the signer's pooled orders
func (c *Controller) OrdersBySigner(signer common.Address) lib.OrderSet {
	return c.storage.OrdersBySigner(signer)
}

// OrdersByPool() returns one side of a pool's pending limit book, best first
func (c *Controller) OrdersByPool(pool lib.PoolId, isBid bool) []*lib.OrderWithData[*lib.LimitOrder] {
	return c.storage.OrdersByPool(pool, isBid)
}

// ROUND CALLBACKS BELOW
// these run either under the controller mutex (round handlers) or on the build
// goroutine; none may take the controller mutex themselves

// OrderSnapshot() hands the round the current eligible order set
func (c *Controller) OrderSnapshot() lib.OrderSet { return c.storage.GetAllOrders() }

// SnapshotPool() captures one pool's AMM state for the solver
func (c *Controller) SnapshotPool(ctx context.Context, pool lib.PoolId) (*consensus.PoolSnapshot, lib.ErrorI) {
	return c.external.Pools.Snapshot(ctx, pool)
}

// Solve() invokes the matching engine
func (c *Controller) Solve(ctx context.Context, preProposals []*consensus.PreProposal, snapshots []*consensus.PoolSnapshot) ([]*consensus.PoolSolution, lib.ErrorI) {
	return c.external.Engine.Solve(ctx, preProposals, snapshots)
}

// bundlePayload is the opaque on-chain submission format: the signed proposal with its attestation
type bundlePayload struct {
	Proposal *consensus.Proposal `json:"proposal"`
	Commit   *consensus.Commit   `json:"commit"`
}

// SubmitBundle() encodes and submits the solved bundle, moving its orders into the
// finalization holding area
func (c *Controller) SubmitBundle(ctx context.Context, proposal *consensus.Proposal, commit *consensus.Commit) (common.Hash, lib.ErrorI) {
	payload, err := lib.Marshal(&bundlePayload{Proposal: proposal, Commit: commit})
	if err != nil {
		return common.Hash{}, err
	}
	tx, err := c.external.Submitter.Submit(ctx, payload)
	if err != nil {
		return common.Hash{}, err
	}
	// the filled orders leave the live pools now so the next round cannot re-propose them
	var hashes []common.Hash
	for _, solution := range proposal.Solutions {
		hashes = append(hashes, solution.FilledOrders...)
	}
	if filled := c.liveOrdersMatching(hashes); len(filled.Limit) != 0 || len(filled.Searcher) != 0 {
		c.storage.AddFilledOrders(proposal.EthereumHeight, filled)
	}
	metrics.BundleMetrics.Submitted.Inc()
	return tx, nil
}

// BundleReceipt() checks whether the submission landed
func (c *Controller) BundleReceipt(ctx context.Context, tx common.Hash) lib.ErrorI {
	return c.external.Submitter.Receipt(ctx, tx)
}

// Broadcast() frames and gossips a consensus message
func (c *Controller) Broadcast(id consensus.MessageId, msg any) {
	frame, err := consensus.EncodeMessage(id, msg)
	if err != nil {
		c.log.Errorf("Broadcast encode of message %d failed: %s", id, err.Error())
		return
	}
	c.external.Transport.Broadcast(frame)
	consensus.ReleaseMessage(frame)
}

// SendToLeader() frames and delivers a consensus message to the current round leader
func (c *Controller) SendToLeader(id consensus.MessageId, msg any) {
	c.stateLock.Lock()
	leader := c.leader
	c.stateLock.Unlock()
	frame, err := consensus.EncodeMessage(id, msg)
	if err != nil {
		c.log.Errorf("Leader send encode of message %d failed: %s", id, err.Error())
		return
	}
	c.external.Transport.SendTo(leader, frame)
	consensus.ReleaseMessage(frame)
}
