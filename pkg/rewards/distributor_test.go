package rewards

import (
	"context"
	"testing"

	"github.com/diotec-barros/diotec360-sub001/pkg/consensus/types"
	"github.com/diotec-barros/diotec360-sub001/pkg/state"
	"github.com/diotec-barros/diotec360-sub001/pkg/utils"
)

func testDistributor(t *testing.T) (*Distributor, *state.Store) {
	t.Helper()
	store := state.NewStore(utils.CreateTestLogger())
	kv := utils.NewKVLogger(utils.CreateTestLogger())
	d := NewDistributor(DefaultConfig(), store, kv, nil)
	return d, store
}

func nodeID(b byte) types.NodeID {
	var id types.NodeID
	id[0] = b
	return id
}

func TestShareRoundsHalfUp(t *testing.T) {
	d, _ := testDistributor(t)

	// 2,000,000 difficulty doubles the base pool: 20 split 3 ways is 6.67,
	// which rounds up.
	if got := d.Share(2_000_000, 3); got != 7 {
		t.Fatalf("share(2e6, 3) = %d, want 7", got)
	}
	// 20 split 4 ways is exact.
	if got := d.Share(2_000_000, 4); got != 5 {
		t.Fatalf("share(2e6, 4) = %d, want 5", got)
	}
	// 10 split 3 ways is 3.33, which truncates.
	if got := d.Share(1_000_000, 3); got != 3 {
		t.Fatalf("share(1e6, 3) = %d, want 3", got)
	}
	if got := d.Share(1_000_000, 0); got != 0 {
		t.Fatalf("share with no participants = %d, want 0", got)
	}
}

func TestDistributePreservesConservation(t *testing.T) {
	d, store := testDistributor(t)
	participants := []types.NodeID{nodeID(1), nodeID(2), nodeID(3)}

	store.SetBalance(state.TreasuryID, 1000)
	for _, id := range participants {
		store.SetBalance(id, 50)
	}
	before := store.ConservationChecksum()

	tr, err := d.Distribute(context.Background(), 2_000_000, participants)
	if err != nil {
		t.Fatalf("Distribute: %v", err)
	}
	if tr == nil {
		t.Fatal("Distribute returned nil transition")
	}
	if !tr.Conserves() {
		t.Fatal("reward transition does not conserve")
	}
	if after := store.ConservationChecksum(); after != before {
		t.Fatalf("checksum changed: before=%d after=%d", before, after)
	}
	for _, id := range participants {
		if got := store.GetBalance(id); got != 57 {
			t.Fatalf("balance of %s = %d, want 57", id.Short(), got)
		}
	}
	// Three shares of 7 funded from the treasury.
	if got := store.GetBalance(state.TreasuryID); got != 1000-21 {
		t.Fatalf("treasury = %d, want %d", got, 1000-21)
	}
}

func TestDistributeRejectsUnderfundedTreasury(t *testing.T) {
	d, store := testDistributor(t)
	participants := []types.NodeID{nodeID(1), nodeID(2), nodeID(3)}

	store.SetBalance(state.TreasuryID, 5)
	if _, err := d.Distribute(context.Background(), 2_000_000, participants); err == nil {
		t.Fatal("Distribute succeeded with underfunded treasury")
	}
	for _, id := range participants {
		if store.GetBalance(id) != 0 {
			t.Fatal("balances changed despite rejection")
		}
	}
}

func TestSlashAmountFractions(t *testing.T) {
	if got := SlashAmount(10_000, types.ViolationInvalidVerification); got != 500 {
		t.Fatalf("invalid verification slash = %d, want 500", got)
	}
	if got := SlashAmount(10_000, types.ViolationDoubleSign); got != 2000 {
		t.Fatalf("double sign slash = %d, want 2000", got)
	}
	if got := SlashAmount(10_000, types.ViolationType(99)); got != 0 {
		t.Fatalf("unknown violation slash = %d, want 0", got)
	}
}

func TestApplySlashingMovesStakeToTreasury(t *testing.T) {
	d, store := testDistributor(t)
	id := nodeID(7)
	store.RegisterValidator(types.ValidatorInfo{ID: id, Stake: 10_000})
	before := store.ConservationChecksum()

	slashed := d.ApplySlashing(context.Background(), id, types.ViolationDoubleSign)
	if slashed != 2000 {
		t.Fatalf("slashed = %d, want 2000", slashed)
	}
	if got := store.GetValidatorStake(id); got != 8000 {
		t.Fatalf("stake = %d, want 8000", got)
	}
	if got := store.GetBalance(state.TreasuryID); got != 2000 {
		t.Fatalf("treasury = %d, want 2000", got)
	}
	if after := store.ConservationChecksum(); after != before {
		t.Fatalf("checksum changed: before=%d after=%d", before, after)
	}
}

func TestSlashingCanDropValidatorBelowMinimumStake(t *testing.T) {
	d, store := testDistributor(t)
	id := nodeID(9)
	store.RegisterValidator(types.ValidatorInfo{ID: id, Stake: state.MinimumStake})

	d.ApplySlashing(context.Background(), id, types.ViolationInvalidVerification)
	if store.ValidateMinimumStake(id) {
		t.Fatal("validator still meets minimum stake after slashing")
	}
}
