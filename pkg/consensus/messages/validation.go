package messages

import (
	"context"
	"fmt"

	"github.com/diotec-barros/diotec360-sub001/pkg/consensus/types"
)

// ConsensusState exposes the engine state the validator checks messages
// against.
type ConsensusState interface {
	CurrentView() uint64
	CurrentSequence() uint64
	LeaderFor(view uint64) types.NodeID
	QuorumSize() int
}

// ValidationConfig contains validation parameters.
type ValidationConfig struct {
	MaxViewJump     uint64
	MaxSequenceJump uint64
}

// DefaultValidationConfig returns secure defaults.
func DefaultValidationConfig() *ValidationConfig {
	return &ValidationConfig{
		MaxViewJump:     100,
		MaxSequenceJump: 100,
	}
}

// Validator performs protocol-level checks on already signature-verified
// messages: sender membership and stake, leader legitimacy, staleness and
// view monotonicity.
type Validator struct {
	validators types.ValidatorSet
	stakes     types.StakeChecker
	state      ConsensusState
	config     *ValidationConfig
	log        types.Logger
}

// NewValidator creates a message validator.
func NewValidator(validators types.ValidatorSet, stakes types.StakeChecker, state ConsensusState, config *ValidationConfig, log types.Logger) *Validator {
	if config == nil {
		config = DefaultValidationConfig()
	}
	return &Validator{
		validators: validators,
		stakes:     stakes,
		state:      state,
		config:     config,
		log:        log,
	}
}

func (v *Validator) checkSender(ctx context.Context, msg Message) error {
	sender := msg.Sender()
	if !v.validators.IsValidator(sender) {
		v.log.WarnContext(ctx, "message from unknown sender",
			"type", msg.Type().String(),
			"sender", sender.Short())
		return fmt.Errorf("%w: %s", types.ErrUnknownSender, sender.Short())
	}
	if !v.stakes.ValidateMinimumStake(sender) {
		v.log.WarnContext(ctx, "message from understaked validator",
			"type", msg.Type().String(),
			"sender", sender.Short())
		return fmt.Errorf("%w: %s", types.ErrInsufficientStake, sender.Short())
	}
	return nil
}

func (v *Validator) checkRound(view, sequence uint64) error {
	curView, curSeq := v.state.CurrentView(), v.state.CurrentSequence()
	if view < curView {
		return fmt.Errorf("%w: view %d behind current %d", types.ErrStaleMessage, view, curView)
	}
	if view > curView+v.config.MaxViewJump {
		return fmt.Errorf("view %d jumps too far ahead of %d", view, curView)
	}
	if sequence < curSeq {
		return fmt.Errorf("%w: sequence %d behind current %d", types.ErrStaleMessage, sequence, curSeq)
	}
	if sequence > curSeq+v.config.MaxSequenceJump {
		return fmt.Errorf("sequence %d jumps too far ahead of %d", sequence, curSeq)
	}
	return nil
}

// ValidatePrePrepare checks a leader proposal: the sender must be the leader
// of the message's view and the block must respect size limits.
func (v *Validator) ValidatePrePrepare(ctx context.Context, m *PrePrepare) error {
	if err := v.checkSender(ctx, m); err != nil {
		return err
	}
	if err := v.checkRound(m.View, m.Sequence); err != nil {
		return err
	}
	if leader := v.state.LeaderFor(m.View); m.Sender() != leader {
		v.log.WarnContext(ctx, "pre-prepare from non-leader",
			"sender", m.Sender().Short(),
			"leader", leader.Short(),
			"view", m.View)
		return fmt.Errorf("%w: %s is not leader of view %d",
			types.ErrNotLeader, m.Sender().Short(), m.View)
	}
	if m.Block == nil {
		return fmt.Errorf("pre-prepare carries no block")
	}
	if err := m.Block.ValidateLimits(); err != nil {
		return err
	}
	if m.Block.Proposer != m.Sender() {
		return fmt.Errorf("block proposer %s does not match sender %s",
			m.Block.Proposer.Short(), m.Sender().Short())
	}
	return nil
}

// ValidatePrepare checks a prepare vote against the current round.
func (v *Validator) ValidatePrepare(ctx context.Context, m *Prepare) error {
	if err := v.checkSender(ctx, m); err != nil {
		return err
	}
	return v.checkRound(m.View, m.Sequence)
}

// ValidateCommit checks a commit vote against the current round.
func (v *Validator) ValidateCommit(ctx context.Context, m *Commit) error {
	if err := v.checkSender(ctx, m); err != nil {
		return err
	}
	return v.checkRound(m.View, m.Sequence)
}

// ValidateViewChange checks a view-change vote. The target view must be
// strictly greater than the current view: views only move forward.
func (v *Validator) ValidateViewChange(ctx context.Context, m *ViewChange) error {
	if err := v.checkSender(ctx, m); err != nil {
		return err
	}
	cur := v.state.CurrentView()
	if m.NewView <= cur {
		return fmt.Errorf("%w: view change to %d not above current %d",
			types.ErrStaleMessage, m.NewView, cur)
	}
	if m.NewView > cur+v.config.MaxViewJump {
		return fmt.Errorf("view change to %d jumps too far ahead of %d", m.NewView, cur)
	}
	return nil
}

// ValidateNewView checks a new-view announcement: the sender must be the
// leader of the target view and must justify it with a quorum of distinct
// view-change votes.
func (v *Validator) ValidateNewView(ctx context.Context, m *NewView) error {
	if err := v.checkSender(ctx, m); err != nil {
		return err
	}
	cur := v.state.CurrentView()
	if m.View <= cur {
		return fmt.Errorf("%w: new view %d not above current %d",
			types.ErrStaleMessage, m.View, cur)
	}
	if leader := v.state.LeaderFor(m.View); m.Sender() != leader {
		return fmt.Errorf("%w: %s is not leader of view %d",
			types.ErrNotLeader, m.Sender().Short(), m.View)
	}

	distinct := make(map[types.NodeID]struct{}, len(m.ViewChanges))
	for _, vc := range m.ViewChanges {
		if vc == nil {
			return fmt.Errorf("new view contains nil view change")
		}
		if !v.validators.IsValidator(vc.Sender()) {
			return fmt.Errorf("%w: bundled vote from %s",
				types.ErrUnknownSender, vc.Sender().Short())
		}
		distinct[vc.Sender()] = struct{}{}
	}
	if len(distinct) < v.state.QuorumSize() {
		return fmt.Errorf("new view justified by %d votes, quorum is %d",
			len(distinct), v.state.QuorumSize())
	}
	return nil
}
