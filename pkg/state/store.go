package state

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/diotec-barros/diotec360-sub001/pkg/consensus/types"
	"github.com/diotec-barros/diotec360-sub001/pkg/utils"
)

// MinimumStake is the floor below which a validator may not participate in
// voting.
const MinimumStake uint64 = 1000

// Key prefixes for the Merkle leaf space
const (
	balancePrefix = "bal/"
	stakePrefix   = "stk/"
)

// TreasuryID is the account funding rewards and absorbing slashed stake.
// Every credit debits it, so the conservation checksum holds across reward
// and slashing transitions.
var TreasuryID = types.NodeID(sha256.Sum256([]byte("diotec360/treasury/v1")))

// BalanceKey returns the Merkle leaf key for an account balance.
func BalanceKey(id types.NodeID) string { return balancePrefix + id.Hex() }

// StakeKey returns the Merkle leaf key for a validator stake.
func StakeKey(id types.NodeID) string { return stakePrefix + id.Hex() }

// Change is a single key transition inside a Transition.
type Change struct {
	Key    string `cbor:"1,keyasint"`
	Before uint64 `cbor:"2,keyasint"`
	After  uint64 `cbor:"3,keyasint"`
}

// Transition is an ordered batch of key changes applied atomically on
// finalization. Accepted into history only when the conservation checksum is
// untouched: ChecksumBefore == ChecksumAfter.
type Transition struct {
	Changes        []Change        `cbor:"1,keyasint"`
	RootBefore     types.BlockHash `cbor:"2,keyasint"`
	RootAfter      types.BlockHash `cbor:"3,keyasint"`
	ChecksumBefore uint64          `cbor:"4,keyasint"`
	ChecksumAfter  uint64          `cbor:"5,keyasint"`
}

// Conserves reports whether the transition preserves the conservation
// checksum.
func (t *Transition) Conserves() bool { return t.ChecksumBefore == t.ChecksumAfter }

// Spend references a transaction output being consumed.
type Spend struct {
	TxID      types.BlockHash `cbor:"1,keyasint"`
	OutputRef string          `cbor:"2,keyasint"`
}

// Store is the Merkle-tree-backed ledger of account balances, validator
// stakes and historical checkpoints. All checks are pure predicates: callers
// branch on the boolean result, no errors are raised for invalid input.
//
// The Store is shared between node actors in simulation, so every entry point
// takes the lock.
type Store struct {
	mu  sync.RWMutex
	log *utils.Logger

	balances   map[types.NodeID]uint64
	stakes     map[types.NodeID]uint64
	validators map[types.NodeID]types.ValidatorInfo
	spent      map[string]types.BlockHash

	checkpoints []types.Checkpoint
	byRoot      map[types.BlockHash]uint64 // checkpointed root -> checksum
}

// NewStore creates an empty store.
func NewStore(log *utils.Logger) *Store {
	if log == nil {
		log = utils.GetLogger()
	}
	return &Store{
		log:        log,
		balances:   make(map[types.NodeID]uint64),
		stakes:     make(map[types.NodeID]uint64),
		validators: make(map[types.NodeID]types.ValidatorInfo),
		spent:      make(map[string]types.BlockHash),
		byRoot:     make(map[types.BlockHash]uint64),
	}
}

// --- balances & stakes ---

// GetBalance returns the balance for an account (zero when absent).
func (s *Store) GetBalance(id types.NodeID) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[id]
}

// SetBalance sets an account balance (genesis seeding).
func (s *Store) SetBalance(id types.NodeID, amount uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[id] = amount
}

// GetValidatorStake returns the stake for a validator (zero when absent).
func (s *Store) GetValidatorStake(id types.NodeID) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stakes[id]
}

// SetValidatorStake sets a validator's stake (genesis seeding).
func (s *Store) SetValidatorStake(id types.NodeID, amount uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stakes[id] = amount
	if v, ok := s.validators[id]; ok {
		v.Stake = amount
		s.validators[id] = v
	}
}

// ReduceStake removes amount from a validator's stake, crediting the treasury
// so no value is destroyed. Returns the amount actually removed.
func (s *Store) ReduceStake(id types.NodeID, amount uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.stakes[id]
	if amount > cur {
		amount = cur
	}
	s.stakes[id] = cur - amount
	s.balances[TreasuryID] += amount
	if v, ok := s.validators[id]; ok {
		v.Stake = s.stakes[id]
		s.validators[id] = v
	}
	return amount
}

// ValidateMinimumStake reports whether a node holds at least MinimumStake.
func (s *Store) ValidateMinimumStake(id types.NodeID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stakes[id] >= MinimumStake
}

// --- validator registry (types.ValidatorSet) ---

// RegisterValidator adds or replaces a validator record and seeds its stake.
func (s *Store) RegisterValidator(info types.ValidatorInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validators[info.ID] = info
	s.stakes[info.ID] = info.Stake
}

// IsValidator reports whether id is a registered validator.
func (s *Store) IsValidator(id types.NodeID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.validators[id]
	return ok
}

// GetValidator returns a copy of the validator record.
func (s *Store) GetValidator(id types.NodeID) (*types.ValidatorInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.validators[id]; ok {
		cp := v
		cp.Stake = s.stakes[id]
		return &cp, nil
	}
	return nil, fmt.Errorf("validator %s not found", id.Short())
}

// GetValidators returns all validator records, stake-refreshed.
func (s *Store) GetValidators() []types.ValidatorInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.ValidatorInfo, 0, len(s.validators))
	for id, v := range s.validators {
		cp := v
		cp.Stake = s.stakes[id]
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}

// GetValidatorCount returns the validator set size.
func (s *Store) GetValidatorCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.validators)
}

// --- conservation & merkle ---

// ConservationChecksum aggregates all balances and stakes. Any accepted
// transition must leave it unchanged.
func (s *Store) ConservationChecksum() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checksumLocked()
}

func (s *Store) checksumLocked() uint64 {
	var sum uint64
	for _, b := range s.balances {
		sum += b
	}
	for _, st := range s.stakes {
		sum += st
	}
	return sum
}

// Root computes the Merkle root over the full balance/stake leaf space.
func (s *Store) Root() types.BlockHash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rootLocked()
}

func (s *Store) rootLocked() types.BlockHash {
	pairs := make([]KVPair, 0, len(s.balances)+len(s.stakes))
	for id, b := range s.balances {
		pairs = append(pairs, KVPair{Key: []byte(BalanceKey(id)), Value: EncodeUint64(b)})
	}
	for id, st := range s.stakes {
		pairs = append(pairs, KVPair{Key: []byte(StakeKey(id)), Value: EncodeUint64(st)})
	}
	return types.BlockHash(BuildRoot(pairs))
}

// BuildTransition assembles a Transition from the given after-values against
// current state, filling roots and checksums on both sides.
func (s *Store) BuildTransition(after map[string]uint64) *Transition {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(after))
	for k := range after {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	t := &Transition{
		RootBefore:     s.rootLocked(),
		ChecksumBefore: s.checksumLocked(),
	}
	checksum := t.ChecksumBefore
	for _, k := range keys {
		before := s.lookupLocked(k)
		t.Changes = append(t.Changes, Change{Key: k, Before: before, After: after[k]})
		checksum = checksum - before + after[k]
	}
	t.ChecksumAfter = checksum
	return t
}

// ApplyTransition atomically applies a transition. It is rejected (false)
// when the conservation checksum would change, when its before-state does not
// match current state, or when a key is malformed. On success the after-root
// is recorded into the transition.
func (s *Store) ApplyTransition(t *Transition) bool {
	if t == nil || !t.Conserves() {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ChecksumBefore != s.checksumLocked() {
		return false
	}
	for _, c := range t.Changes {
		if s.lookupLocked(c.Key) != c.Before {
			return false
		}
		if _, _, ok := splitKey(c.Key); !ok {
			return false
		}
	}
	for _, c := range t.Changes {
		prefix, id, _ := splitKey(c.Key)
		switch prefix {
		case balancePrefix:
			s.balances[id] = c.After
		case stakePrefix:
			s.stakes[id] = c.After
		}
	}
	t.RootAfter = s.rootLocked()
	return true
}

func (s *Store) lookupLocked(key string) uint64 {
	prefix, id, ok := splitKey(key)
	if !ok {
		return 0
	}
	if prefix == balancePrefix {
		return s.balances[id]
	}
	return s.stakes[id]
}

func splitKey(key string) (string, types.NodeID, bool) {
	var id types.NodeID
	var prefix string
	switch {
	case strings.HasPrefix(key, balancePrefix):
		prefix = balancePrefix
	case strings.HasPrefix(key, stakePrefix):
		prefix = stakePrefix
	default:
		return "", id, false
	}
	raw, err := hex.DecodeString(key[len(prefix):])
	if err != nil || len(raw) != 32 {
		return "", id, false
	}
	copy(id[:], raw)
	return prefix, id, true
}

// --- double spend ---

// DetectDoubleSpend reports whether any spend in the batch references an
// output that was already consumed, or that appears twice within the batch.
func (s *Store) DetectDoubleSpend(spends []Spend) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{}, len(spends))
	for _, sp := range spends {
		if _, ok := s.spent[sp.OutputRef]; ok {
			return true
		}
		if _, ok := seen[sp.OutputRef]; ok {
			return true
		}
		seen[sp.OutputRef] = struct{}{}
	}
	return false
}

// MarkSpent records output references as consumed (called on finalization).
func (s *Store) MarkSpent(spends []Spend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sp := range spends {
		s.spent[sp.OutputRef] = sp.TxID
	}
}

// --- checkpoints & history ---

// CreateCheckpoint records the current (root, checksum) pair. A root that was
// already checkpointed keeps its original checksum; re-recording with a
// different checksum is refused.
func (s *Store) CreateCheckpoint(sequence uint64) (types.Checkpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := types.Checkpoint{
		Root:      s.rootLocked(),
		Checksum:  s.checksumLocked(),
		Sequence:  sequence,
		Timestamp: time.Now(),
	}
	if existing, ok := s.byRoot[cp.Root]; ok && existing != cp.Checksum {
		return types.Checkpoint{}, false
	}
	s.byRoot[cp.Root] = cp.Checksum
	s.checkpoints = append(s.checkpoints, cp)
	return cp, true
}

// LatestCheckpoint returns the most recent checkpoint, if any.
func (s *Store) LatestCheckpoint() (types.Checkpoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.checkpoints) == 0 {
		return types.Checkpoint{}, false
	}
	return s.checkpoints[len(s.checkpoints)-1], true
}

// CheckpointCount returns how many checkpoints were recorded.
func (s *Store) CheckpointCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.checkpoints)
}

// ValidateStateHistory walks a proposed chain of (root, checksum) pairs.
// The chain is valid only if the conservation checksum is constant across
// consecutive entries and no entry contradicts an already-recorded checkpoint
// for the same root. This is the long-range-attack defense: an adversary
// cannot graft an alternative history that rewrites value or repurposes a
// committed root.
func (s *Store) ValidateStateHistory(history []types.Checkpoint) bool {
	if len(history) == 0 {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i, cp := range history {
		if i > 0 && history[i-1].Checksum != cp.Checksum {
			return false
		}
		if recorded, ok := s.byRoot[cp.Root]; ok && recorded != cp.Checksum {
			return false
		}
	}
	return true
}

// RejectAlternativeHistory is the inverse predicate of ValidateStateHistory.
func (s *Store) RejectAlternativeHistory(history []types.Checkpoint) bool {
	return !s.ValidateStateHistory(history)
}
