package pbft

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/diotec-barros/diotec360-sub001/pkg/consensus/messages"
	"github.com/diotec-barros/diotec360-sub001/pkg/consensus/types"
)

// CheckTimeout initiates a view change when the current round has made no
// progress within the round timeout. Called periodically by the node ticker.
func (e *Engine) CheckTimeout(ctx context.Context, now time.Time) error {
	e.mu.Lock()
	stalled := e.viewState == types.ViewNormal &&
		now.Sub(e.lastActivity) > e.cfg.RoundTimeout
	e.mu.Unlock()

	if !stalled {
		return nil
	}
	e.log.WarnContext(ctx, "round timed out",
		"view", e.view.Load(),
		"sequence", e.sequence.Load(),
		"timeout", e.cfg.RoundTimeout)
	return e.InitiateViewChange(ctx)
}

// InitiateViewChange votes to abandon the current leader and move to the next
// view. The node stops participating in the stalled round immediately.
func (e *Engine) InitiateViewChange(ctx context.Context) error {
	e.mu.Lock()
	if e.viewState == types.ViewChanging {
		e.mu.Unlock()
		return nil
	}
	e.viewState = types.ViewChanging
	target := e.view.Load() + 1
	if e.cur != nil && e.metrics != nil {
		e.metrics.RoundFailed()
	}
	e.cur = nil
	e.mu.Unlock()

	cp, _ := e.store.LatestCheckpoint()
	m := &messages.ViewChange{
		NewView:    target,
		Sequence:   e.sequence.Load(),
		Timestamp:  time.Now(),
		Checkpoint: cp,
	}
	e.encoder.Sign(m, e.cfg.NodeID, e.cfg.PrivateKey)

	if e.audit != nil {
		e.audit.Warn("view_change_initiated", map[string]interface{}{
			"node":     e.cfg.NodeID.Hex(),
			"from":     target - 1,
			"to":       target,
			"sequence": m.Sequence,
		})
	}

	e.recordViewChange(ctx, m)

	data, err := e.encoder.Encode(m)
	if err != nil {
		return fmt.Errorf("encode view change: %w", err)
	}
	if err := e.transport.Broadcast(ctx, TopicViewChange, data); err != nil {
		return fmt.Errorf("broadcast view change: %w", err)
	}
	return nil
}

// HandleViewChange records another validator's view-change vote. When this
// node leads the target view and a quorum agrees, it announces the new view.
func (e *Engine) HandleViewChange(ctx context.Context, m *messages.ViewChange) error {
	if err := e.msgval.ValidateViewChange(ctx, m); err != nil {
		return err
	}
	e.recordViewChange(ctx, m)
	return nil
}

func (e *Engine) recordViewChange(ctx context.Context, m *messages.ViewChange) {
	target := m.NewView

	e.mu.Lock()
	votes, ok := e.viewChangeVotes[target]
	if !ok {
		votes = make(map[types.NodeID]*messages.ViewChange)
		e.viewChangeVotes[target] = votes
	}
	votes[m.Sender()] = m
	count := len(votes)
	bundled := make([]*messages.ViewChange, 0, count)
	for _, vc := range votes {
		bundled = append(bundled, vc)
	}
	e.mu.Unlock()

	e.log.DebugContext(ctx, "view change vote recorded",
		"target", target,
		"voter", m.Sender().Short(),
		"votes", count,
		"quorum", e.quorum.Threshold())

	if !e.quorum.Reached(count) {
		return
	}
	if cp, ok := selectCheckpoint(bundled); ok {
		e.adoptCheckpoint(ctx, cp)
	}
	if e.rotation.IsLeader(e.cfg.NodeID, target) {
		if err := e.announceNewView(ctx, target, bundled); err != nil {
			e.log.ErrorContext(ctx, "new view announcement failed",
				"target", target, "error", err)
		}
	}
	// A quorum already wants this view; follow it even before the NEW_VIEW
	// announcement arrives.
	e.enterView(ctx, target)
}

// selectCheckpoint picks the most common checkpoint across the collected
// view-change votes, ignoring timestamps. Ties break toward the higher
// sequence, then the larger root, so every node derives the same winner.
func selectCheckpoint(votes []*messages.ViewChange) (types.Checkpoint, bool) {
	type key struct {
		root     types.BlockHash
		checksum uint64
		sequence uint64
	}
	var zero types.BlockHash
	counts := make(map[key]int)
	sample := make(map[key]types.Checkpoint)
	for _, vc := range votes {
		cp := vc.Checkpoint
		if cp.Root == zero {
			continue
		}
		k := key{cp.Root, cp.Checksum, cp.Sequence}
		counts[k]++
		sample[k] = cp
	}
	var best key
	bestN := 0
	for k, n := range counts {
		switch {
		case n > bestN:
		case n == bestN && k.sequence > best.sequence:
		case n == bestN && k.sequence == best.sequence &&
			bytes.Compare(k.root[:], best.root[:]) > 0:
		default:
			continue
		}
		best, bestN = k, n
	}
	if bestN == 0 {
		return types.Checkpoint{}, false
	}
	return sample[best], true
}

// adoptCheckpoint resumes from a stable checkpoint agreed during a view
// change, fast-forwarding the sequence past rounds finalized elsewhere. A
// checkpoint contradicting locally recorded history is refused.
func (e *Engine) adoptCheckpoint(ctx context.Context, cp types.Checkpoint) {
	var zero types.BlockHash
	if cp.Root == zero {
		return
	}
	if e.store.RejectAlternativeHistory([]types.Checkpoint{cp}) {
		e.log.WarnContext(ctx, "refusing conflicting view-change checkpoint",
			"root", cp.Root.Short(), "sequence", cp.Sequence)
		return
	}
	for {
		cur := e.sequence.Load()
		if cp.Sequence+1 <= cur {
			return
		}
		if e.sequence.CompareAndSwap(cur, cp.Sequence+1) {
			e.log.InfoContext(ctx, "resumed from stable checkpoint",
				"sequence", cp.Sequence, "root", cp.Root.Short())
			return
		}
	}
}

// announceNewView broadcasts the NEW_VIEW for the target view, carrying the
// quorum of votes as justification and the checkpoint most of them agree on.
func (e *Engine) announceNewView(ctx context.Context, target uint64, votes []*messages.ViewChange) error {
	cp, ok := selectCheckpoint(votes)
	if !ok {
		cp, _ = e.store.LatestCheckpoint()
	}
	nv := &messages.NewView{
		View:        target,
		Timestamp:   time.Now(),
		ViewChanges: votes,
		Checkpoint:  cp,
	}
	e.encoder.Sign(nv, e.cfg.NodeID, e.cfg.PrivateKey)
	data, err := e.encoder.Encode(nv)
	if err != nil {
		return fmt.Errorf("encode new view: %w", err)
	}
	if err := e.transport.Broadcast(ctx, TopicNewView, data); err != nil {
		return fmt.Errorf("broadcast new view: %w", err)
	}
	e.log.InfoContext(ctx, "announced new view",
		"view", target, "votes", len(votes))
	return nil
}

// HandleNewView applies a leader's NEW_VIEW announcement after verifying its
// bundled quorum of view-change votes.
func (e *Engine) HandleNewView(ctx context.Context, m *messages.NewView) error {
	if err := e.msgval.ValidateNewView(ctx, m); err != nil {
		return err
	}
	if err := e.encoder.VerifyNewView(m); err != nil {
		return err
	}
	e.adoptCheckpoint(ctx, m.Checkpoint)
	e.enterView(ctx, m.View)
	return nil
}

// enterView moves to the target view. Views are strictly monotonic: a target
// at or below the current view is ignored.
func (e *Engine) enterView(ctx context.Context, target uint64) {
	e.mu.Lock()
	cur := e.view.Load()
	if target <= cur {
		e.mu.Unlock()
		return
	}
	e.view.Store(target)
	e.viewState = types.ViewNormal
	e.cur = nil
	e.lastActivity = time.Now()
	for v := range e.viewChangeVotes {
		if v <= target {
			delete(e.viewChangeVotes, v)
		}
	}
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.ViewChanged()
	}
	e.log.InfoContext(ctx, "entered new view",
		"from", cur,
		"to", target,
		"leader", e.rotation.LeaderFor(target).Short())
	if e.audit != nil {
		e.audit.Info("view_entered", map[string]interface{}{
			"from":   cur,
			"to":     target,
			"leader": e.rotation.LeaderFor(target).Hex(),
		})
	}
}
