package rewards

import (
	"context"
	"fmt"
	"math"

	"github.com/diotec-barros/diotec360-sub001/pkg/consensus/types"
	"github.com/diotec-barros/diotec360-sub001/pkg/state"
)

// BaseReward is the per-block reward pool at difficulty scale 1.0.
const BaseReward = 10

// DifficultyScale normalizes block difficulty into the reward multiplier.
const DifficultyScale = 1_000_000

// Slashing fractions per violation class.
const (
	SlashInvalidVerificationPct = 5
	SlashDoubleSignPct          = 20
)

// Config contains reward parameters.
type Config struct {
	BaseReward      uint64
	DifficultyScale uint64
}

// DefaultConfig returns production reward parameters.
func DefaultConfig() Config {
	return Config{BaseReward: BaseReward, DifficultyScale: DifficultyScale}
}

// Distributor computes per-validator rewards for finalized blocks and applies
// stake slashing for protocol violations. All credits are funded from the
// treasury account so the ledger's conservation checksum is preserved.
type Distributor struct {
	cfg   Config
	store *state.Store
	log   types.Logger
	audit types.AuditLogger
}

// NewDistributor creates a reward distributor over the given ledger.
func NewDistributor(cfg Config, store *state.Store, log types.Logger, audit types.AuditLogger) *Distributor {
	if cfg.BaseReward == 0 {
		cfg = DefaultConfig()
	}
	return &Distributor{cfg: cfg, store: store, log: log, audit: audit}
}

// Share computes the per-participant reward for a block of the given total
// difficulty split across n participants. The fractional part rounds half up.
func (d *Distributor) Share(totalDifficulty uint64, n int) uint64 {
	if n <= 0 {
		return 0
	}
	multiplier := float64(totalDifficulty) / float64(d.cfg.DifficultyScale)
	total := float64(d.cfg.BaseReward) * multiplier
	exact := total / float64(n)
	floor := math.Floor(exact)
	if exact-floor >= 0.5 {
		return uint64(floor) + 1
	}
	return uint64(floor)
}

// CalculateRewards returns the identical reward owed to each participant of a
// finalized block.
func (d *Distributor) CalculateRewards(totalDifficulty uint64, participants []types.NodeID) map[types.NodeID]uint64 {
	share := d.Share(totalDifficulty, len(participants))
	out := make(map[types.NodeID]uint64, len(participants))
	for _, id := range participants {
		out[id] = share
	}
	return out
}

// Distribute builds and applies a treasury-funded transition crediting each
// participant its share. Rejected when the treasury cannot cover the payout or
// the ledger refuses the transition.
func (d *Distributor) Distribute(ctx context.Context, totalDifficulty uint64, participants []types.NodeID) (*state.Transition, error) {
	rewards := d.CalculateRewards(totalDifficulty, participants)

	var payout uint64
	for _, r := range rewards {
		payout += r
	}
	if payout == 0 {
		return nil, nil
	}

	treasury := d.store.GetBalance(state.TreasuryID)
	if treasury < payout {
		return nil, fmt.Errorf("treasury balance %d below payout %d: %w",
			treasury, payout, types.ErrConservationViolation)
	}

	after := make(map[string]uint64, len(rewards)+1)
	after[state.BalanceKey(state.TreasuryID)] = treasury - payout
	for id, r := range rewards {
		after[state.BalanceKey(id)] = d.store.GetBalance(id) + r
	}

	t := d.store.BuildTransition(after)
	if !d.store.ApplyTransition(t) {
		return nil, fmt.Errorf("reward transition rejected: %w", types.ErrConservationViolation)
	}

	if d.log != nil {
		d.log.InfoContext(ctx, "rewards distributed",
			"participants", len(participants),
			"total_difficulty", totalDifficulty,
			"payout", payout)
	}
	if d.audit != nil {
		d.audit.Info("rewards_distributed", map[string]interface{}{
			"participants":     len(participants),
			"total_difficulty": totalDifficulty,
			"payout":           payout,
		})
	}
	return t, nil
}

// SlashAmount returns the stake to remove for a violation given the current
// stake.
func SlashAmount(stake uint64, violation types.ViolationType) uint64 {
	switch violation {
	case types.ViolationInvalidVerification:
		return stake * SlashInvalidVerificationPct / 100
	case types.ViolationDoubleSign:
		return stake * SlashDoubleSignPct / 100
	default:
		return 0
	}
}

// ApplySlashing removes the violation's stake fraction from the validator,
// crediting the treasury, and records the event in the audit trail. Returns
// the amount slashed.
func (d *Distributor) ApplySlashing(ctx context.Context, id types.NodeID, violation types.ViolationType) uint64 {
	stake := d.store.GetValidatorStake(id)
	amount := SlashAmount(stake, violation)
	if amount == 0 {
		return 0
	}
	slashed := d.store.ReduceStake(id, amount)

	if d.log != nil {
		d.log.WarnContext(ctx, "validator slashed",
			"node", id.Short(),
			"violation", violation.String(),
			"stake_before", stake,
			"slashed", slashed)
	}
	if d.audit != nil {
		d.audit.Security("validator_slashed", map[string]interface{}{
			"node":         id.Hex(),
			"violation":    violation.String(),
			"stake_before": stake,
			"slashed":      slashed,
		})
	}
	return slashed
}
