package mempool

import (
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/diotec-barros/diotec360-sub001/pkg/block"
	"github.com/diotec-barros/diotec360-sub001/pkg/consensus/types"
	"github.com/diotec-barros/diotec360-sub001/pkg/proof"
	"github.com/diotec-barros/diotec360-sub001/pkg/utils"
)

// Config bounds the pool.
type Config struct {
	MaxSize int
}

// DefaultConfig returns the default pool bounds.
func DefaultConfig() Config {
	return Config{MaxSize: 10000}
}

// entry is a pending proof with its precomputed priority inputs.
type entry struct {
	Proof      *proof.Proof
	Hash       [32]byte
	Difficulty uint64
	Seq        uint64 // insertion order, tie-break
	Added      time.Time
}

// higherPriority orders entries by difficulty descending, stable on
// insertion order.
func higherPriority(a, b *entry) bool {
	if a.Difficulty != b.Difficulty {
		return a.Difficulty > b.Difficulty
	}
	return a.Seq < b.Seq
}

// Stats is a point-in-time snapshot of the pool.
type Stats struct {
	Count           int
	MaxSize         int
	TotalDifficulty uint64
	OldestAdded     time.Time
}

// Mempool is a bounded, deduplicated pool of pending proofs ordered by
// difficulty. Duplicate or over-capacity submissions return false rather than
// raising: both are expected, recoverable conditions.
type Mempool struct {
	mu      sync.RWMutex
	log     *utils.Logger
	cfg     Config
	entries map[string]*entry // hex(hash) -> entry
	seq     uint64
}

// New creates a mempool.
func New(cfg Config, log *utils.Logger) *Mempool {
	if cfg.MaxSize <= 0 {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = utils.GetLogger()
	}
	return &Mempool{
		log:     log,
		cfg:     cfg,
		entries: make(map[string]*entry),
	}
}

// Add admits a proof. Returns false for a duplicate content hash or a full
// pool; the proof's difficulty is computed once at admission.
func (m *Mempool) Add(p *proof.Proof) bool {
	if p == nil {
		return false
	}
	h := p.ContentHash()
	key := hex.EncodeToString(h[:])

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[key]; exists {
		return false
	}
	if len(m.entries) >= m.cfg.MaxSize {
		return false
	}

	m.seq++
	m.entries[key] = &entry{
		Proof:      p,
		Hash:       h,
		Difficulty: p.Difficulty(),
		Seq:        m.seq,
		Added:      time.Now(),
	}
	return true
}

// NextBlock assembles a candidate block from the limit highest-difficulty
// pending proofs without removing them. Returns nil when the pool is empty.
func (m *Mempool) NextBlock(limit int, proposer types.NodeID, prev types.BlockHash) *block.ProofBlock {
	selected := m.selectTop(limit)
	if len(selected) == 0 {
		return nil
	}
	proofs := make([]*proof.Proof, 0, len(selected))
	for _, e := range selected {
		proofs = append(proofs, e.Proof)
	}
	return block.New(uuid.NewString(), prev, proposer, time.Now(), proofs)
}

func (m *Mempool) selectTop(limit int) []*entry {
	m.mu.RLock()
	list := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		list = append(list, e)
	}
	m.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return higherPriority(list[i], list[j]) })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list
}

// Remove deletes proofs by content hash once finalized.
func (m *Mempool) Remove(hashes ...[32]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range hashes {
		delete(m.entries, hex.EncodeToString(h[:]))
	}
}

// Contains reports whether a proof with the given content hash is pending.
func (m *Mempool) Contains(h [32]byte) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[hex.EncodeToString(h[:])]
	return ok
}

// Size returns the number of pending proofs.
func (m *Mempool) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Stats returns a snapshot of the pool.
func (m *Mempool) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Stats{Count: len(m.entries), MaxSize: m.cfg.MaxSize}
	for _, e := range m.entries {
		st.TotalDifficulty += e.Difficulty
		if st.OldestAdded.IsZero() || e.Added.Before(st.OldestAdded) {
			st.OldestAdded = e.Added
		}
	}
	return st
}
