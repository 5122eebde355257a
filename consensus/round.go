package consensus

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/strom-network/strom/crypto"
	"github.com/strom-network/strom/lib"
	"golang.org/x/sync/errgroup"
)

/* This file implements the per-block round state machine: pre-proposal submission,
   quorum aggregation, and leader-driven finalization with on-chain submission */

// RoundPhase is the tagged state of the round state machine
type RoundPhase uint8

const (
	PreProposalSubmission  RoundPhase = iota // generating and broadcasting our own draft
	PreProposalAggregation                   // collecting peer drafts toward quorum
	Finalization                             // quorum reached; awaiting or holding the proposal
)

// phaseToString() converts the phase object to a human-readable string
func phaseToString(p RoundPhase) string {
	switch p {
	case PreProposalSubmission:
		return "PRE_PROPOSAL_SUBMISSION"
	case PreProposalAggregation:
		return "PRE_PROPOSAL_AGGREGATION"
	case Finalization:
		return "FINALIZATION"
	}
	return "UNKNOWN"
}

// PoolSnapshot is a point-in-time view of one pool's AMM state, opaque to consensus
type PoolSnapshot struct {
	Pool lib.PoolId // the pool the snapshot covers
	Data []byte     // the engine-readable state encoding
}

// ResetRound is the trigger that replaces the live round when the target block advances
type ResetRound struct {
	Height       uint64          // the new target block
	ValidatorSet *ValidatorSet   // the active set for the new height
	Leader       lib.ValidatorId // the externally supplied round leader
}

// InboundMessage is a consensus message delivered by the transport with its claimed sender
type InboundMessage struct {
	From    lib.ValidatorId // the peer the transport attributes the message to
	Id      MessageId       // the wire tag
	Message any             // the decoded payload
}

// buildOutcome is the background build task's report back to the round loop
type buildOutcome struct {
	height   uint64    // the round the task was building for
	proposal *Proposal // the signed bundle, nil on failure
	commit   *Commit   // the leader's attestation over the bundle, nil on failure
	err      lib.ErrorI
}

// Controller defines the expected parent interface for the Round structure, providing callback
// functions that manage interactions with the order pool, P2P, the matching engine, and the chain
type Controller interface {
	Lock()
	Unlock()
	// OrderSnapshot() returns the current eligible order set from the pool
	OrderSnapshot() lib.OrderSet
	// SnapshotPool() captures the AMM state of one pool at the current head
	SnapshotPool(ctx context.Context, pool lib.PoolId) (*PoolSnapshot, lib.ErrorI)
	// Solve() invokes the matching engine over the aggregated drafts
	Solve(ctx context.Context, preProposals []*PreProposal, snapshots []*PoolSnapshot) ([]*PoolSolution, lib.ErrorI)
	// SubmitBundle() encodes and submits the bundle transaction, returning its hash
	SubmitBundle(ctx context.Context, proposal *Proposal, commit *Commit) (common.Hash, lib.ErrorI)
	// BundleReceipt() checks whether the submission landed; an error means retry
	BundleReceipt(ctx context.Context, tx common.Hash) lib.ErrorI
	// Broadcast() gossips a consensus message to every peer
	Broadcast(id MessageId, msg any)
	// SendToLeader() sends a consensus message directly to the round leader
	SendToLeader(id MessageId, msg any)
}

// Round is the per-validator state machine instance driving one target block at a time
type Round struct {
	Controller // reference to the parent for callbacks

	config lib.ConsensusConfig
	valKey *crypto.ValidatorKey
	self   lib.ValidatorId
	log    lib.LoggerI

	// live round state, replaced wholesale on reset
	vs           *ValidatorSet
	phase        RoundPhase
	height       uint64
	leader       lib.ValidatorId
	preProposals map[lib.ValidatorId]*PreProposal
	proposal     *Proposal
	commit       *Commit
	result       lib.ErrorI

	ResetChan   chan ResetRound     // trigger that resets the round on a new target block
	Inbound     chan InboundMessage // consensus messages delivered by the transport
	buildResult chan buildOutcome   // report channel for the background build task
	buildCancel context.CancelFunc  // cancels the in-flight build task, nil when idle

	submitTimer *time.Timer // bounds how long the round may run before submit-or-abort
	graceTimer  *time.Timer // holds the leader in aggregation after the first quorum
	graceArmed  bool        // true while the grace window is open
	quit        chan struct{}
}

// NewRound() creates an idle round state machine
func NewRound(c lib.Config, valKey *crypto.ValidatorKey, con Controller, l lib.LoggerI) *Round {
	return &Round{
		Controller:   con,
		config:       c.ConsensusConfig,
		valKey:       valKey,
		self:         valKey.Address(),
		log:          l,
		preProposals: make(map[lib.ValidatorId]*PreProposal),
		ResetChan:    make(chan ResetRound, 100),
		Inbound:      make(chan InboundMessage, 1000),
		buildResult:  make(chan buildOutcome, 1),
		submitTimer:  lib.NewTimer(),
		graceTimer:   lib.NewTimer(),
		quit:         make(chan struct{}),
	}
}

// Start() runs the round event loop until Stop()
// - Inbound consensus messages are processed synchronously and never block on the build task
// - The build task is spawned only by the leader and reports back through a channel
// - The submit deadline fires once per round; a round without quorum by then is aborted
func (r *Round) Start() {
	for {
		select {
		// NEW TARGET BLOCK
		case reset := <-r.ResetChan:
			func() {
				r.Lock()
				defer r.Unlock()
				r.startRound(reset)
			}()
		// INBOUND CONSENSUS MESSAGE
		case msg := <-r.Inbound:
			func() {
				r.Lock()
				defer r.Unlock()
				if err := r.HandleMessage(msg); err != nil {
					r.log.Errorf("Dropped consensus message from %s: %s", lib.BytesToTruncatedString(msg.From[:]), err.Error())
				}
			}()
		// BUILD TASK FINISHED
		case outcome := <-r.buildResult:
			func() {
				r.Lock()
				defer r.Unlock()
				r.handleBuildOutcome(outcome)
			}()
		// SUBMIT DEADLINE
		case <-r.submitTimer.C:
			func() {
				r.Lock()
				defer r.Unlock()
				r.handleSubmitDeadline()
			}()
		// GRACE WINDOW CLOSED
		case <-r.graceTimer.C:
			func() {
				r.Lock()
				defer r.Unlock()
				r.handleGraceExpiry()
			}()
		// SHUTDOWN
		case <-r.quit:
			r.cancelBuild()
			return
		}
	}
}

// Stop() terminates the event loop and any in-flight build task
func (r *Round) Stop() { close(r.quit) }

// Height() returns the round's current target block
func (r *Round) Height() uint64 { return r.height }

// Phase() returns the round's current phase
func (r *Round) Phase() RoundPhase { return r.phase }

// Result() returns the terminal error of the last round, nil while healthy
func (r *Round) Result() lib.ErrorI { return r.result }

// Proposal() returns the adopted or built proposal, nil before finalization completes
func (r *Round) Proposal() *Proposal { return r.proposal }

// SelfIsLeader() returns true when this validator leads the current round
func (r *Round) SelfIsLeader() bool { return r.IsLeader(r.self) }

// IsLeader() returns true when the given validator leads the current round
func (r *Round) IsLeader(id lib.ValidatorId) bool { return id == r.leader }

// startRound() replaces the live state for a new target block, builds and broadcasts our
// own draft, and immediately advances to the aggregation phase
func (r *Round) startRound(reset ResetRound) {
	// starting a new round implicitly abandons any prior in-flight build task
	r.cancelBuild()
	// replace the state wholesale
	r.vs, r.height, r.leader = reset.ValidatorSet, reset.Height, reset.Leader
	r.phase = PreProposalSubmission
	r.preProposals = make(map[lib.ValidatorId]*PreProposal)
	r.proposal, r.commit, r.result = nil, nil, nil
	// arm the submit deadline for the new round and abandon any open grace window
	lib.ResetTimer(r.submitTimer, time.Duration(r.config.SubmitDeadlineMS)*time.Millisecond)
	lib.StopTimer(r.graceTimer)
	r.graceArmed = false
	r.log.Infof("Round %d started, leader: %s, phase: %s", r.height,
		lib.BytesToTruncatedString(r.leader[:]), phaseToString(r.phase))
	// a non-member observes the round without contributing a draft
	if !r.vs.Contains(r.self) {
		r.phase = PreProposalAggregation
		return
	}
	// build and sign our own draft from the pool snapshot
	own, err := NewPreProposal(r.height, r.valKey.ECDSA, r.OrderSnapshot())
	if err != nil {
		r.log.Errorf("Failed to sign own pre-proposal: %s", err.Error())
		return
	}
	// record and broadcast it
	r.preProposals[r.self] = own
	r.Broadcast(PreProposeMsgId, own)
	// generating our own draft is the local trigger into aggregation
	r.phase = PreProposalAggregation
	r.log.Debugf("Broadcast own pre-proposal with %d limit / %d searcher orders",
		len(own.Limit), len(own.Searcher))
}

// HandleMessage() dispatches an inbound consensus message to its phase handler
func (r *Round) HandleMessage(msg InboundMessage) lib.ErrorI {
	// messages arriving before the first round starts are noise
	if r.vs == nil {
		return nil
	}
	switch m := msg.Message.(type) {
	case *PreProposal:
		return r.handlePreProposal(m)
	case *Proposal:
		return r.handleProposal(m)
	case *Commit:
		return r.handleCommit(m)
	}
	return ErrInvalidMessageId(msg.Id)
}

// handlePreProposal() validates and files a peer's draft, then steps the aggregation logic
// Invalid or late drafts are dropped silently as expected steady-state noise
func (r *Round) handlePreProposal(p *PreProposal) lib.ErrorI {
	// drafts arriving after finalization are steady-state noise
	if r.phase == Finalization {
		r.log.Debugf("Ignoring pre-proposal received during %s", phaseToString(r.phase))
		return nil
	}
	// drop drafts that fail structural or signature validation
	if err := p.ValidateSignature(); err != nil {
		r.log.Debugf("Ignoring invalid pre-proposal: %s", err.Error())
		return nil
	}
	// drop drafts for another height
	if p.EthereumHeight != r.height {
		r.log.Debugf("Ignoring pre-proposal for height %d during height %d", p.EthereumHeight, r.height)
		return nil
	}
	// drop drafts from outside the active set
	if !r.vs.Contains(p.Source) {
		r.log.Debugf("Ignoring pre-proposal from non-validator %s", lib.BytesToTruncatedString(p.Source[:]))
		return nil
	}
	// file the draft keyed by its source so a validator's newest draft overwrites its previous one
	r.preProposals[p.Source] = p
	// only past the grace period (already aggregating) does receipt trigger further action
	if r.phase != PreProposalAggregation {
		return nil
	}
	return r.stepAggregation()
}

// stepAggregation() merges every seen draft, re-files our merged draft, and either forwards
// it to the leader (quorum reached) or re-broadcasts it (still gathering)
func (r *Round) stepAggregation() lib.ErrorI {
	// merge the union of limit orders and the per-pool best searcher orders
	merged := MergePreProposals(r.preProposals)
	// count per-order corroboration across the collected drafts
	limitFreq, searcherFreq := orderFrequencies(r.preProposals)
	threshold := r.vs.QuorumCount()
	// quorum requires every order in both merged sets to clear the threshold
	haveQuorum := hasOrderQuorum(merged.Limit, limitFreq, threshold) &&
		hasOrderQuorum(merged.Searcher, searcherFreq, threshold)
	// the leader holds the build for the grace window so stragglers can still corroborate
	if haveQuorum && r.SelfIsLeader() {
		if grace := time.Duration(r.config.PreProposalGraceMS) * time.Millisecond; grace > 0 {
			if !r.graceArmed {
				r.graceArmed = true
				lib.ResetTimer(r.graceTimer, grace)
				r.log.Infof("Round %d reached order quorum, aggregating %s longer", r.height, grace)
			}
			return nil
		}
		r.finalizeAndBuild()
		return nil
	}
	// a non-member cannot sign drafts, so its aggregation ends here
	if !r.vs.Contains(r.self) {
		return nil
	}
	// re-sign the merged draft as our own latest contribution
	own, err := NewPreProposal(r.height, r.valKey.ECDSA, merged)
	if err != nil {
		return err
	}
	r.preProposals[r.self] = own
	// with quorum the merged draft goes straight to the leader, otherwise keep gossiping
	if haveQuorum {
		r.SendToLeader(PreProposeMsgId, own)
	} else {
		r.Broadcast(PreProposeMsgId, own)
	}
	return nil
}

// handleProposal() adopts a valid proposal from the leader without re-solving
// A proposal arriving while we lead the round indicates a byzantine or buggy peer; it is
// surfaced as a structured error and the round continues rather than halting the process
func (r *Round) handleProposal(p *Proposal) lib.ErrorI {
	// a leader never adopts someone else's proposal
	if r.SelfIsLeader() {
		return ErrUnexpectedProposal(p.Source)
	}
	// the proposal must come from the elected leader
	if !r.IsLeader(p.Source) {
		r.log.Debugf("Ignoring proposal from non-leader %s", lib.BytesToTruncatedString(p.Source[:]))
		return nil
	}
	// the proposal must validate against the round and set
	if err := p.Validate(r.height, r.vs); err != nil {
		r.log.Debugf("Ignoring invalid proposal: %s", err.Error())
		return nil
	}
	// adopt it immediately, bypassing our own quorum check
	r.phase = Finalization
	r.proposal = p
	r.log.Infof("Round %d adopted the leader's proposal with %d solutions", r.height, len(p.Solutions))
	return nil
}

// handleCommit() validates and records an attestation over the adopted proposal
func (r *Round) handleCommit(c *Commit) lib.ErrorI {
	// the attestation must verify and report consistent signer sets
	if err := c.Validate(r.vs); err != nil {
		r.log.Debugf("Ignoring invalid commit: %s", err.Error())
		return nil
	}
	// the attestation must match the proposal we hold, when we hold one
	if r.proposal != nil && !c.IsFor(r.proposal) {
		r.log.Debugf("Ignoring commit for a different proposal at height %d", c.BlockHeight)
		return nil
	}
	r.commit = c
	return nil
}

// finalizeAndBuild() moves the leader into finalization and spawns the build task
func (r *Round) finalizeAndBuild() {
	r.log.Infof("Round %d transitioning to %s", r.height, phaseToString(Finalization))
	r.phase = Finalization
	r.startBuildTask()
}

// handleGraceExpiry() ends the leader's post-quorum aggregation window
func (r *Round) handleGraceExpiry() {
	if !r.graceArmed {
		return
	}
	r.graceArmed = false
	if r.phase != PreProposalAggregation || !r.SelfIsLeader() {
		return
	}
	// a newer draft filed during the window may have retracted an order, so the
	// quorum is re-checked before committing to the build
	merged := MergePreProposals(r.preProposals)
	limitFreq, searcherFreq := orderFrequencies(r.preProposals)
	threshold := r.vs.QuorumCount()
	if !hasOrderQuorum(merged.Limit, limitFreq, threshold) ||
		!hasOrderQuorum(merged.Searcher, searcherFreq, threshold) {
		r.log.Warnf("Round %d lost order quorum during the grace window", r.height)
		return
	}
	r.finalizeAndBuild()
}

// handleSubmitDeadline() aborts a round that never reached quorum in time
func (r *Round) handleSubmitDeadline() {
	// the build task owns its own deadline once finalization started
	if r.phase == Finalization {
		return
	}
	// the round stalls terminally for this height; the next height starts clean
	r.result = ErrQuorumTimeout(r.height)
	r.log.Errorf("Round failed: %s", r.result.Error())
}

// startBuildTask() spawns the asynchronous proposal build so message intake never blocks
// Only one build may be in flight; the context is cancelled by reset or shutdown
func (r *Round) startBuildTask() {
	// replace any prior task
	r.cancelBuild()
	ctx, cancel := context.WithCancel(context.Background())
	r.buildCancel = cancel
	// capture the inputs under the lock
	height := r.height
	drafts := make([]*PreProposal, 0, len(r.preProposals))
	limitFreq, searcherFreq := orderFrequencies(r.preProposals)
	threshold := r.vs.QuorumCount()
	for _, p := range r.preProposals {
		drafts = append(drafts, p)
	}
	merged := MergePreProposals(r.preProposals)
	// only corroborated orders are eligible to appear in the proposal
	merged.Limit = filterOrderQuorum(merged.Limit, limitFreq, threshold)
	merged.Searcher = filterOrderQuorum(merged.Searcher, searcherFreq, threshold)
	vs := r.vs
	// run the build off the event loop
	go func() {
		proposal, commit, err := r.buildAndSubmit(ctx, height, drafts, merged, vs)
		select {
		case r.buildResult <- buildOutcome{height: height, proposal: proposal, commit: commit, err: err}:
		case <-ctx.Done():
		}
	}()
}

// buildAndSubmit() snapshots the referenced pools, invokes the matching engine, signs the
// bundle, and submits it on-chain, awaiting the receipt
func (r *Round) buildAndSubmit(ctx context.Context, height uint64, drafts []*PreProposal,
	merged lib.OrderSet, vs *ValidatorSet) (*Proposal, *Commit, lib.ErrorI) {
	// the engine gets a bounded budget; a reset cancels it through the parent context
	solveCtx, cancel := context.WithTimeout(ctx, time.Duration(r.config.SolutionBuildBudgetMS)*time.Millisecond)
	defer cancel()
	// collect every pool the quorum orders reference
	poolSet := make(map[lib.PoolId]struct{})
	for _, o := range merged.Limit {
		poolSet[o.PoolId] = struct{}{}
	}
	for _, o := range merged.Searcher {
		poolSet[o.PoolId] = struct{}{}
	}
	// snapshot the pools concurrently under the configured parallelism
	snapshots := make([]*PoolSnapshot, 0, len(poolSet))
	g, gCtx := errgroup.WithContext(solveCtx)
	g.SetLimit(r.config.SolutionParallelBuilds)
	results := make(chan *PoolSnapshot, len(poolSet))
	for pool := range poolSet {
		pool := pool
		g.Go(func() error {
			snap, err := r.SnapshotPool(gCtx, pool)
			if err != nil {
				return err
			}
			results <- snap
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, ErrProposalBuild(err)
	}
	close(results)
	for snap := range results {
		snapshots = append(snapshots, snap)
	}
	// invoke the matching engine
	solutions, err := r.Solve(solveCtx, drafts, snapshots)
	if err != nil {
		return nil, nil, ErrProposalBuild(err)
	}
	// assemble the proposal and endorse it with our own BLS share
	proposal := NewProposal(height, r.self, drafts, solutions)
	builder := NewSignatureBuilder(vs)
	if e := builder.Add(r.self, proposal.SignShare(r.valKey.BLS)); e != nil {
		return nil, nil, e
	}
	if proposal.Signature, err = builder.Seal(); err != nil {
		return nil, nil, err
	}
	// build our attestation over the bundle
	commitBuilder := NewCommitBuilder(proposal, vs)
	if e := commitBuilder.AddValidator(r.self, r.valKey.BLS); e != nil {
		return nil, nil, e
	}
	commit, err := commitBuilder.Seal()
	if err != nil {
		return nil, nil, err
	}
	// submit the bundle transaction
	tx, err := r.SubmitBundle(ctx, proposal, commit)
	if err != nil {
		return nil, nil, ErrTransactionSubmission(err)
	}
	// await the receipt under an exponential backoff bounded by the receipt timeout
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = time.Duration(r.config.ReceiptPollIntervalMS) * time.Millisecond
	expo.MaxElapsedTime = time.Duration(r.config.ReceiptTimeoutMS) * time.Millisecond
	if e := backoff.Retry(func() error {
		if err := r.BundleReceipt(ctx, tx); err != nil {
			return err
		}
		return nil
	}, backoff.WithContext(expo, ctx)); e != nil {
		return nil, nil, ErrTransactionSubmission(e)
	}
	return proposal, commit, nil
}

// handleBuildOutcome() applies the build task's report to the round state
func (r *Round) handleBuildOutcome(outcome buildOutcome) {
	// a late report from a replaced round is dropped
	if outcome.height != r.height {
		r.log.Debugf("Ignoring build outcome for stale height %d", outcome.height)
		return
	}
	r.buildCancel = nil
	// a solver or submission failure is the round's terminal result for this height
	if outcome.err != nil {
		r.result = outcome.err
		r.log.Errorf("Round failed: %s", outcome.err.Error())
		return
	}
	// hold and announce the finished bundle
	r.proposal, r.commit = outcome.proposal, outcome.commit
	r.Broadcast(ProposeMsgId, outcome.proposal)
	r.Broadcast(CommitMsgId, outcome.commit)
	r.log.Infof("Round %d submitted its bundle with %d solutions", r.height, len(outcome.proposal.Solutions))
}

// cancelBuild() abandons the in-flight build task, if any
func (r *Round) cancelBuild() {
	if r.buildCancel != nil {
		r.buildCancel()
		r.buildCancel = nil
	}
}
