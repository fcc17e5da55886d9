package pbft

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/diotec-barros/diotec360-sub001/pkg/block"
	"github.com/diotec-barros/diotec360-sub001/pkg/consensus/messages"
	"github.com/diotec-barros/diotec360-sub001/pkg/consensus/types"
	"github.com/diotec-barros/diotec360-sub001/pkg/mempool"
	"github.com/diotec-barros/diotec360-sub001/pkg/metrics"
	"github.com/diotec-barros/diotec360-sub001/pkg/proof"
	"github.com/diotec-barros/diotec360-sub001/pkg/rewards"
	"github.com/diotec-barros/diotec360-sub001/pkg/state"
)

// Gossip topics, one per message type.
const (
	TopicPrePrepare = "diotec360/consensus/pre-prepare/v1"
	TopicPrepare    = "diotec360/consensus/prepare/v1"
	TopicCommit     = "diotec360/consensus/commit/v1"
	TopicViewChange = "diotec360/consensus/view-change/v1"
	TopicNewView    = "diotec360/consensus/new-view/v1"
)

// Config contains consensus engine parameters.
type Config struct {
	NodeID     types.NodeID
	PrivateKey ed25519.PrivateKey

	RoundTimeout       time.Duration
	BlockLimit         int
	CheckpointInterval uint64

	// SlashMismatchedClaims slashes voters whose prepare-phase verification
	// verdict contradicts our own.
	SlashMismatchedClaims bool
}

// DefaultConfig returns production consensus parameters.
func DefaultConfig() *Config {
	return &Config{
		RoundTimeout:          5 * time.Second,
		BlockLimit:            100,
		CheckpointInterval:    1,
		SlashMismatchedClaims: true,
	}
}

// FinalizeFunc is invoked after a block commits, with the sequence it
// finalized at and the canonical reward set for that sequence.
type FinalizeFunc func(sequence uint64, blk *block.ProofBlock, participants []types.NodeID)

// maxEarlyVotes bounds how many prepare/commit votes may wait for a round
// this node has not entered yet.
const maxEarlyVotes = 256

// roundKey identifies a round by view and sequence.
type roundKey struct {
	view     uint64
	sequence uint64
}

// round is the in-flight consensus round. Guarded by Engine.mu.
type round struct {
	view            uint64
	sequence        uint64
	phase           types.RoundPhase
	blk             *block.ProofBlock
	digest          types.BlockHash
	totalDifficulty uint64
	prepares        map[types.NodeID]*messages.Prepare
	commits         map[types.NodeID]*messages.Commit
	prepareDigests  map[types.NodeID]types.BlockHash
	commitDigests   map[types.NodeID]types.BlockHash
	startedAt       time.Time
}

// Engine drives the three-phase commit state machine for one node:
// INIT -> PRE_PREPARED -> PREPARED -> COMMITTED, with a parallel
// NORMAL/VIEW_CHANGING view sub-state. All handlers expect to be called from
// a single inbound worker per node; the mutex additionally protects against
// the timeout ticker.
type Engine struct {
	cfg        *Config
	validators types.ValidatorSet
	stakes     types.StakeChecker
	rotation   *Rotation
	quorum     *Quorum
	encoder    *messages.Encoder
	msgval     *messages.Validator
	store      *state.Store
	pool       *mempool.Mempool
	verifier   *proof.Verifier
	rewards    *rewards.Distributor
	metrics    *metrics.Collector
	transport  types.Transport
	log        types.Logger
	audit      types.AuditLogger

	view     atomic.Uint64
	sequence atomic.Uint64

	mu              sync.Mutex
	viewState       types.ViewState
	cur             *round
	lastBlockHash   types.BlockHash
	lastActivity    time.Time
	viewChangeVotes map[uint64]map[types.NodeID]*messages.ViewChange
	earlyPrepares   map[roundKey][]*messages.Prepare
	earlyCommits    map[roundKey][]*messages.Commit
	earlyCount      int
	onFinalize      FinalizeFunc
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Validators types.ValidatorSet
	Stakes     types.StakeChecker
	Encoder    *messages.Encoder
	Store      *state.Store
	Pool       *mempool.Mempool
	Verifier   *proof.Verifier
	Rewards    *rewards.Distributor
	Metrics    *metrics.Collector
	Transport  types.Transport
	Logger     types.Logger
	Audit      types.AuditLogger
}

// NewEngine creates a consensus engine.
func NewEngine(cfg *Config, deps Deps) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	e := &Engine{
		cfg:             cfg,
		validators:      deps.Validators,
		stakes:          deps.Stakes,
		rotation:        NewRotation(deps.Validators),
		quorum:          NewQuorum(deps.Validators),
		encoder:         deps.Encoder,
		store:           deps.Store,
		pool:            deps.Pool,
		verifier:        deps.Verifier,
		rewards:         deps.Rewards,
		metrics:         deps.Metrics,
		transport:       deps.Transport,
		log:             deps.Logger,
		audit:           deps.Audit,
		viewState:       types.ViewNormal,
		lastActivity:    time.Now(),
		viewChangeVotes: make(map[uint64]map[types.NodeID]*messages.ViewChange),
		earlyPrepares:   make(map[roundKey][]*messages.Prepare),
		earlyCommits:    make(map[roundKey][]*messages.Commit),
	}
	e.msgval = messages.NewValidator(deps.Validators, deps.Stakes, e, nil, deps.Logger)
	return e
}

// messages.ConsensusState implementation. View and sequence are atomics so
// the validator can read them without the engine lock.

func (e *Engine) CurrentView() uint64     { return e.view.Load() }
func (e *Engine) CurrentSequence() uint64 { return e.sequence.Load() }

func (e *Engine) LeaderFor(view uint64) types.NodeID { return e.rotation.LeaderFor(view) }
func (e *Engine) QuorumSize() int                    { return e.quorum.Threshold() }

// IsLeader reports whether this node leads the current view.
func (e *Engine) IsLeader() bool {
	return e.rotation.IsLeader(e.cfg.NodeID, e.view.Load())
}

// SetOnFinalize registers the finalization callback. Must be called before
// Start.
func (e *Engine) SetOnFinalize(fn FinalizeFunc) { e.onFinalize = fn }

// LastBlockHash returns the hash of the most recently finalized block.
func (e *Engine) LastBlockHash() types.BlockHash {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastBlockHash
}

// ViewState returns the current view sub-state.
func (e *Engine) ViewState() types.ViewState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.viewState
}

// Start validates quorum arithmetic and announces the engine.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.quorum.ValidateQuorumMath(); err != nil {
		return err
	}
	e.log.InfoContext(ctx, "consensus engine started",
		"node", e.cfg.NodeID.Short(),
		"view", e.view.Load(),
		"validators", e.validators.GetValidatorCount(),
		"quorum", e.quorum.Threshold())
	if e.audit != nil {
		e.audit.Info("consensus_started", map[string]interface{}{
			"node":   e.cfg.NodeID.Hex(),
			"view":   e.view.Load(),
			"quorum": e.quorum.Threshold(),
		})
	}
	return nil
}

// StartRound proposes a new block when this node leads the current view and
// has pending proofs. Non-leaders and empty pools are a no-op.
func (e *Engine) StartRound(ctx context.Context) error {
	if !e.IsLeader() {
		return nil
	}

	e.mu.Lock()
	if e.viewState != types.ViewNormal || e.cur != nil {
		e.mu.Unlock()
		return nil
	}
	prev := e.lastBlockHash
	e.mu.Unlock()

	blk := e.pool.NextBlock(e.cfg.BlockLimit, e.cfg.NodeID, prev)
	if blk == nil {
		return nil
	}

	vr := e.verifier.VerifyBlock(blk.Proofs)
	if !vr.Valid {
		e.evictInvalid(ctx, blk, vr)
		return fmt.Errorf("own candidate block invalid: %w", types.ErrInvalidProof)
	}
	if e.store.DetectDoubleSpend(blk.Spends()) {
		e.evictAll(blk)
		return fmt.Errorf("own candidate block double spends: %w", types.ErrDoubleSpend)
	}

	blk.Sign(e.cfg.PrivateKey)

	m := &messages.PrePrepare{
		View:      e.view.Load(),
		Sequence:  e.sequence.Load(),
		Timestamp: time.Now(),
		Block:     blk,
	}
	e.encoder.Sign(m, e.cfg.NodeID, e.cfg.PrivateKey)
	data, err := e.encoder.Encode(m)
	if err != nil {
		return fmt.Errorf("encode pre-prepare: %w", err)
	}

	e.mu.Lock()
	e.acceptPrePrepareLocked(m, vr.TotalDifficulty)
	prepares, commits := e.takeEarlyVotesLocked(m.View, m.Sequence)
	e.mu.Unlock()

	e.log.InfoContext(ctx, "proposed block",
		"view", m.View,
		"sequence", m.Sequence,
		"proofs", len(blk.Proofs),
		"difficulty", vr.TotalDifficulty)
	if e.audit != nil {
		e.audit.Info("block_proposed", map[string]interface{}{
			"view":     m.View,
			"sequence": m.Sequence,
			"proofs":   len(blk.Proofs),
		})
	}

	if err := e.transport.Broadcast(ctx, TopicPrePrepare, data); err != nil {
		return fmt.Errorf("broadcast pre-prepare: %w", err)
	}
	if err := e.sendPrepare(ctx, &messages.VerificationClaim{
		Valid:           true,
		TotalDifficulty: vr.TotalDifficulty,
	}); err != nil {
		return err
	}
	e.replayEarlyVotes(ctx, prepares, commits)
	return nil
}

// HandlePrePrepare processes a leader proposal: protocol validation, proposer
// block signature, full proof verification and double-spend check, then a
// prepare vote carrying this node's own verdict.
func (e *Engine) HandlePrePrepare(ctx context.Context, m *messages.PrePrepare) error {
	if err := e.msgval.ValidatePrePrepare(ctx, m); err != nil {
		return err
	}

	info, err := e.validators.GetValidator(m.Block.Proposer)
	if err != nil {
		return fmt.Errorf("%w: proposer %s", types.ErrUnknownSender, m.Block.Proposer.Short())
	}
	if !m.Block.VerifyProposerSignature(info.PublicKey) {
		return fmt.Errorf("%w: block proposer signature", types.ErrInvalidSignature)
	}

	vr := e.verifier.VerifyBlock(m.Block.Proofs)
	doubleSpend := e.store.DetectDoubleSpend(m.Block.Spends())

	if !vr.Valid || doubleSpend {
		e.log.WarnContext(ctx, "rejecting invalid proposal",
			"view", m.View,
			"sequence", m.Sequence,
			"proposer", m.Sender().Short(),
			"proofs_valid", vr.Valid,
			"double_spend", doubleSpend)
		if e.audit != nil {
			e.audit.Warn("invalid_proposal", map[string]interface{}{
				"view":         m.View,
				"sequence":     m.Sequence,
				"proposer":     m.Sender().Hex(),
				"double_spend": doubleSpend,
			})
		}
		if e.metrics != nil {
			e.metrics.RoundFailed()
		}
		if doubleSpend {
			return types.ErrDoubleSpend
		}
		return types.ErrInvalidProof
	}

	e.mu.Lock()
	if e.viewState != types.ViewNormal {
		e.mu.Unlock()
		return fmt.Errorf("%w: view change in progress, proposal for view %d refused",
			types.ErrStaleMessage, m.View)
	}
	if e.cur != nil && e.cur.view == m.View && e.cur.sequence == m.Sequence {
		if e.cur.digest != m.Block.Hash() {
			e.mu.Unlock()
			e.reportDoubleSign(ctx, m.Sender(), m.View, m.Sequence)
			return types.ErrByzantineViolation
		}
		e.mu.Unlock()
		return nil // duplicate delivery
	}
	e.acceptPrePrepareLocked(m, vr.TotalDifficulty)
	prepares, commits := e.takeEarlyVotesLocked(m.View, m.Sequence)
	e.mu.Unlock()

	if err := e.sendPrepare(ctx, &messages.VerificationClaim{
		Valid:           true,
		TotalDifficulty: vr.TotalDifficulty,
	}); err != nil {
		return err
	}
	e.replayEarlyVotes(ctx, prepares, commits)
	return nil
}

func (e *Engine) acceptPrePrepareLocked(m *messages.PrePrepare, totalDifficulty uint64) {
	e.cur = &round{
		view:            m.View,
		sequence:        m.Sequence,
		phase:           types.PhasePrePrepared,
		blk:             m.Block,
		digest:          m.Block.Hash(),
		totalDifficulty: totalDifficulty,
		prepares:        make(map[types.NodeID]*messages.Prepare),
		commits:         make(map[types.NodeID]*messages.Commit),
		prepareDigests:  make(map[types.NodeID]types.BlockHash),
		commitDigests:   make(map[types.NodeID]types.BlockHash),
		startedAt:       time.Now(),
	}
	e.lastActivity = time.Now()
	if e.metrics != nil {
		e.metrics.RoundStarted()
	}
}

func (e *Engine) sendPrepare(ctx context.Context, claim *messages.VerificationClaim) error {
	e.mu.Lock()
	if e.cur == nil {
		e.mu.Unlock()
		return nil
	}
	m := &messages.Prepare{
		View:         e.cur.view,
		Sequence:     e.cur.sequence,
		Timestamp:    time.Now(),
		Digest:       e.cur.digest,
		Verification: claim,
	}
	e.encoder.Sign(m, e.cfg.NodeID, e.cfg.PrivateKey)
	e.cur.prepares[e.cfg.NodeID] = m
	e.cur.prepareDigests[e.cfg.NodeID] = m.Digest
	e.mu.Unlock()

	data, err := e.encoder.Encode(m)
	if err != nil {
		return fmt.Errorf("encode prepare: %w", err)
	}
	if err := e.transport.Broadcast(ctx, TopicPrepare, data); err != nil {
		return fmt.Errorf("broadcast prepare: %w", err)
	}
	return e.checkPrepared(ctx)
}

// HandlePrepare records a prepare vote and advances to PREPARED on quorum.
func (e *Engine) HandlePrepare(ctx context.Context, m *messages.Prepare) error {
	if err := e.msgval.ValidatePrepare(ctx, m); err != nil {
		return err
	}

	e.mu.Lock()
	if e.cur == nil || e.cur.view != m.View || e.cur.sequence != m.Sequence {
		if e.bufferEarlyPrepareLocked(m) {
			e.mu.Unlock()
			e.log.DebugContext(ctx, "buffered early prepare",
				"view", m.View, "sequence", m.Sequence, "from", m.Sender().Short())
			return nil
		}
		e.mu.Unlock()
		return fmt.Errorf("%w: prepare for unknown round %d/%d",
			types.ErrStaleMessage, m.View, m.Sequence)
	}
	sender := m.Sender()
	if prev, ok := e.cur.prepareDigests[sender]; ok && prev != m.Digest {
		e.mu.Unlock()
		e.reportDoubleSign(ctx, sender, m.View, m.Sequence)
		return types.ErrByzantineViolation
	}
	if m.Digest != e.cur.digest {
		want := e.cur.digest
		e.mu.Unlock()
		return fmt.Errorf("prepare digest %s does not match round %s",
			m.Digest.Short(), want.Short())
	}
	claimOK := true
	if m.Verification != nil {
		claimOK = m.Verification.Valid &&
			m.Verification.TotalDifficulty == e.cur.totalDifficulty
	}
	e.cur.prepares[sender] = m
	e.cur.prepareDigests[sender] = m.Digest
	e.mu.Unlock()

	if e.metrics != nil && m.Verification != nil {
		e.metrics.ProofVerified(sender, claimOK)
	}
	if !claimOK {
		e.reportMismatchedClaim(ctx, sender, m)
	}
	return e.checkPrepared(ctx)
}

func (e *Engine) checkPrepared(ctx context.Context) error {
	e.mu.Lock()
	if e.cur == nil || e.cur.phase != types.PhasePrePrepared ||
		!e.quorum.Reached(len(e.cur.prepares)) {
		e.mu.Unlock()
		return nil
	}
	e.cur.phase = types.PhasePrepared
	e.lastActivity = time.Now()
	m := &messages.Commit{
		View:      e.cur.view,
		Sequence:  e.cur.sequence,
		Timestamp: time.Now(),
		Digest:    e.cur.digest,
	}
	e.encoder.Sign(m, e.cfg.NodeID, e.cfg.PrivateKey)
	e.cur.commits[e.cfg.NodeID] = m
	e.cur.commitDigests[e.cfg.NodeID] = m.Digest
	e.mu.Unlock()

	data, err := e.encoder.Encode(m)
	if err != nil {
		return fmt.Errorf("encode commit: %w", err)
	}
	if err := e.transport.Broadcast(ctx, TopicCommit, data); err != nil {
		return fmt.Errorf("broadcast commit: %w", err)
	}
	return e.checkCommitted(ctx)
}

// HandleCommit records a commit vote and finalizes on quorum.
func (e *Engine) HandleCommit(ctx context.Context, m *messages.Commit) error {
	if err := e.msgval.ValidateCommit(ctx, m); err != nil {
		return err
	}

	e.mu.Lock()
	if e.cur == nil || e.cur.view != m.View || e.cur.sequence != m.Sequence {
		if e.bufferEarlyCommitLocked(m) {
			e.mu.Unlock()
			e.log.DebugContext(ctx, "buffered early commit",
				"view", m.View, "sequence", m.Sequence, "from", m.Sender().Short())
			return nil
		}
		e.mu.Unlock()
		return fmt.Errorf("%w: commit for unknown round %d/%d",
			types.ErrStaleMessage, m.View, m.Sequence)
	}
	sender := m.Sender()
	if prev, ok := e.cur.commitDigests[sender]; ok && prev != m.Digest {
		e.mu.Unlock()
		e.reportDoubleSign(ctx, sender, m.View, m.Sequence)
		return types.ErrByzantineViolation
	}
	if m.Digest != e.cur.digest {
		want := e.cur.digest
		e.mu.Unlock()
		return fmt.Errorf("commit digest %s does not match round %s",
			m.Digest.Short(), want.Short())
	}
	e.cur.commits[sender] = m
	e.cur.commitDigests[sender] = m.Digest
	e.mu.Unlock()

	return e.checkCommitted(ctx)
}

// Gossip delivers each message type on its own topic, so a vote can overtake
// the PRE_PREPARE that opens its round. Votes that are not behind the node's
// position wait in a bounded buffer and replay once the round opens.

func (e *Engine) bufferEarlyPrepareLocked(m *messages.Prepare) bool {
	if e.earlyCount >= maxEarlyVotes ||
		m.View < e.view.Load() || m.Sequence < e.sequence.Load() {
		return false
	}
	k := roundKey{m.View, m.Sequence}
	e.earlyPrepares[k] = append(e.earlyPrepares[k], m)
	e.earlyCount++
	return true
}

func (e *Engine) bufferEarlyCommitLocked(m *messages.Commit) bool {
	if e.earlyCount >= maxEarlyVotes ||
		m.View < e.view.Load() || m.Sequence < e.sequence.Load() {
		return false
	}
	k := roundKey{m.View, m.Sequence}
	e.earlyCommits[k] = append(e.earlyCommits[k], m)
	e.earlyCount++
	return true
}

// takeEarlyVotesLocked removes and returns the votes waiting for the round
// just opened, and discards votes for rounds that can no longer open.
func (e *Engine) takeEarlyVotesLocked(view, sequence uint64) ([]*messages.Prepare, []*messages.Commit) {
	k := roundKey{view, sequence}
	prepares, commits := e.earlyPrepares[k], e.earlyCommits[k]
	e.earlyCount -= len(prepares) + len(commits)
	delete(e.earlyPrepares, k)
	delete(e.earlyCommits, k)

	curView, curSeq := e.view.Load(), e.sequence.Load()
	for old, ms := range e.earlyPrepares {
		if old.view < curView || old.sequence < curSeq {
			e.earlyCount -= len(ms)
			delete(e.earlyPrepares, old)
		}
	}
	for old, ms := range e.earlyCommits {
		if old.view < curView || old.sequence < curSeq {
			e.earlyCount -= len(ms)
			delete(e.earlyCommits, old)
		}
	}
	return prepares, commits
}

func (e *Engine) replayEarlyVotes(ctx context.Context, prepares []*messages.Prepare, commits []*messages.Commit) {
	for _, m := range prepares {
		if err := e.HandlePrepare(ctx, m); err != nil {
			e.log.DebugContext(ctx, "replayed prepare rejected",
				"from", m.Sender().Short(), "error", err)
		}
	}
	for _, m := range commits {
		if err := e.HandleCommit(ctx, m); err != nil {
			e.log.DebugContext(ctx, "replayed commit rejected",
				"from", m.Sender().Short(), "error", err)
		}
	}
}

func (e *Engine) checkCommitted(ctx context.Context) error {
	e.mu.Lock()
	if e.cur == nil || e.cur.phase != types.PhasePrepared ||
		!e.quorum.Reached(len(e.cur.commits)) {
		e.mu.Unlock()
		return nil
	}
	e.cur.phase = types.PhaseCommitted
	r := e.cur
	e.mu.Unlock()

	return e.finalize(ctx, r)
}

// rewardSet derives the reward recipients for a sequence: a quorum-size
// window over the sorted validator identifiers, rotated by sequence. The set
// depends only on the sequence and the registry, never on which commit votes
// this replica observed first, so balances and state roots stay identical
// across honest nodes.
func (e *Engine) rewardSet(sequence uint64) []types.NodeID {
	ids := e.rotation.sortedIDs()
	n := len(ids)
	if n == 0 {
		return nil
	}
	q := e.quorum.Threshold()
	if q > n {
		q = n
	}
	start := int(sequence % uint64(n))
	out := make([]types.NodeID, 0, q)
	for i := 0; i < q; i++ {
		out = append(out, ids[(start+i)%n])
	}
	return out
}

// finalize applies a committed round: drains the finalized proofs, marks
// spends, distributes rewards to the canonical reward set, checkpoints and
// resets for the next sequence.
func (e *Engine) finalize(ctx context.Context, r *round) error {
	participants := e.rewardSet(r.sequence)

	e.pool.Remove(r.blk.ProofHashes()...)
	e.store.MarkSpent(r.blk.Spends())

	if tr, err := e.rewards.Distribute(ctx, r.totalDifficulty, participants); err != nil {
		e.log.ErrorContext(ctx, "reward distribution failed",
			"sequence", r.sequence, "error", err)
	} else if tr != nil && e.metrics != nil {
		share := e.rewards.Share(r.totalDifficulty, len(participants))
		e.metrics.RewardsPaid(share * uint64(len(participants)))
	}

	seq := r.sequence
	if e.cfg.CheckpointInterval > 0 && (seq+1)%e.cfg.CheckpointInterval == 0 {
		if _, ok := e.store.CreateCheckpoint(seq); !ok {
			e.log.WarnContext(ctx, "checkpoint refused", "sequence", seq)
		}
	}

	e.mu.Lock()
	e.lastBlockHash = r.digest
	e.lastActivity = time.Now()
	e.cur = nil
	e.mu.Unlock()
	e.sequence.Add(1)

	if e.metrics != nil {
		e.metrics.RoundFinalized(time.Since(r.startedAt))
	}
	e.log.InfoContext(ctx, "block finalized",
		"view", r.view,
		"sequence", seq,
		"block", r.digest.Short(),
		"proofs", len(r.blk.Proofs),
		"commits", len(r.commits),
		"rewarded", len(participants))
	if e.audit != nil {
		e.audit.Info("block_finalized", map[string]interface{}{
			"view":         r.view,
			"sequence":     seq,
			"block":        r.digest.Hex(),
			"proofs":       len(r.blk.Proofs),
			"participants": len(participants),
		})
	}

	if e.onFinalize != nil {
		e.onFinalize(seq, r.blk, participants)
	}
	return nil
}

// reportDoubleSign slashes a validator that signed two conflicting messages
// for the same round.
func (e *Engine) reportDoubleSign(ctx context.Context, id types.NodeID, view, sequence uint64) {
	e.log.WarnContext(ctx, "double sign detected",
		"node", id.Short(), "view", view, "sequence", sequence)
	slashed := e.rewards.ApplySlashing(ctx, id, types.ViolationDoubleSign)
	if e.metrics != nil && slashed > 0 {
		e.metrics.Slashed(slashed)
	}
}

// reportMismatchedClaim slashes a voter whose verification verdict disagrees
// with our own for the same block.
func (e *Engine) reportMismatchedClaim(ctx context.Context, id types.NodeID, m *messages.Prepare) {
	e.log.WarnContext(ctx, "mismatched verification claim",
		"node", id.Short(), "view", m.View, "sequence", m.Sequence)
	if e.audit != nil {
		e.audit.Security("verification_claim_mismatch", map[string]interface{}{
			"node":     id.Hex(),
			"view":     m.View,
			"sequence": m.Sequence,
		})
	}
	if !e.cfg.SlashMismatchedClaims {
		return
	}
	slashed := e.rewards.ApplySlashing(ctx, id, types.ViolationInvalidVerification)
	if e.metrics != nil && slashed > 0 {
		e.metrics.Slashed(slashed)
	}
}

func (e *Engine) evictInvalid(ctx context.Context, blk *block.ProofBlock, vr proof.BlockVerificationResult) {
	for i, res := range vr.Results {
		if res.Valid {
			continue
		}
		e.pool.Remove(blk.Proofs[i].ContentHash())
		e.log.WarnContext(ctx, "evicted invalid proof from pool",
			"error", res.Err)
	}
}

func (e *Engine) evictAll(blk *block.ProofBlock) {
	e.pool.Remove(blk.ProofHashes()...)
}
