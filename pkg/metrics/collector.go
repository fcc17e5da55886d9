package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/diotec-barros/diotec360-sub001/pkg/consensus/types"
)

// Collector accumulates consensus health counters. Counter paths are atomic;
// the per-node accuracy map takes a mutex since it is off the hot path.
type Collector struct {
	started time.Time

	roundsStarted   atomic.Uint64
	roundsFinalized atomic.Uint64
	roundsFailed    atomic.Uint64
	roundNanos      atomic.Uint64

	proofsVerified uint64
	proofsRejected uint64

	rewardsPaid    atomic.Uint64
	slashingEvents atomic.Uint64
	slashedStake   atomic.Uint64

	viewChanges atomic.Uint64

	mu       sync.Mutex
	accuracy map[types.NodeID]*accuracyCounter
}

type accuracyCounter struct {
	total   uint64
	correct uint64
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		started:  time.Now(),
		accuracy: make(map[types.NodeID]*accuracyCounter),
	}
}

// RoundStarted marks the beginning of a consensus round.
func (c *Collector) RoundStarted() { c.roundsStarted.Add(1) }

// RoundFinalized records a successfully committed round and its duration.
func (c *Collector) RoundFinalized(d time.Duration) {
	c.roundsFinalized.Add(1)
	c.roundNanos.Add(uint64(d.Nanoseconds()))
}

// RoundFailed records a round abandoned without commit.
func (c *Collector) RoundFailed() { c.roundsFailed.Add(1) }

// ProofVerified records a single proof verification outcome for a node.
func (c *Collector) ProofVerified(node types.NodeID, correct bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ac, ok := c.accuracy[node]
	if !ok {
		ac = &accuracyCounter{}
		c.accuracy[node] = ac
	}
	ac.total++
	c.proofsVerified++
	if correct {
		ac.correct++
	} else {
		c.proofsRejected++
	}
}

// RewardsPaid accumulates distributed reward value.
func (c *Collector) RewardsPaid(amount uint64) { c.rewardsPaid.Add(amount) }

// Slashed records one slashing event and the stake removed.
func (c *Collector) Slashed(amount uint64) {
	c.slashingEvents.Add(1)
	c.slashedStake.Add(amount)
}

// ViewChanged records a completed view change.
func (c *Collector) ViewChanged() { c.viewChanges.Add(1) }

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	Uptime          time.Duration      `json:"uptime"`
	RoundsStarted   uint64             `json:"rounds_started"`
	RoundsFinalized uint64             `json:"rounds_finalized"`
	RoundsFailed    uint64             `json:"rounds_failed"`
	AvgRoundTime    time.Duration      `json:"avg_round_time"`
	ProofsVerified  uint64             `json:"proofs_verified"`
	ProofsRejected  uint64             `json:"proofs_rejected"`
	RewardsPaid     uint64             `json:"rewards_paid"`
	SlashingEvents  uint64             `json:"slashing_events"`
	SlashedStake    uint64             `json:"slashed_stake"`
	ViewChanges     uint64             `json:"view_changes"`
	NodeAccuracy    map[string]float64 `json:"node_accuracy"`
	Throughput      float64            `json:"rounds_per_second"`
}

// Snapshot copies current counters into a serializable struct.
func (c *Collector) Snapshot() Snapshot {
	s := Snapshot{
		Uptime:          time.Since(c.started),
		RoundsStarted:   c.roundsStarted.Load(),
		RoundsFinalized: c.roundsFinalized.Load(),
		RoundsFailed:    c.roundsFailed.Load(),
		RewardsPaid:     c.rewardsPaid.Load(),
		SlashingEvents:  c.slashingEvents.Load(),
		SlashedStake:    c.slashedStake.Load(),
		ViewChanges:     c.viewChanges.Load(),
		NodeAccuracy:    make(map[string]float64),
	}
	if s.RoundsFinalized > 0 {
		s.AvgRoundTime = time.Duration(c.roundNanos.Load() / s.RoundsFinalized)
	}
	if secs := s.Uptime.Seconds(); secs > 0 {
		s.Throughput = float64(s.RoundsFinalized) / secs
	}

	c.mu.Lock()
	s.ProofsVerified = c.proofsVerified
	s.ProofsRejected = c.proofsRejected
	for id, ac := range c.accuracy {
		if ac.total > 0 {
			s.NodeAccuracy[id.Short()] = float64(ac.correct) / float64(ac.total)
		}
	}
	c.mu.Unlock()
	return s
}
