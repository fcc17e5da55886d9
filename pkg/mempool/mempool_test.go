package mempool

import (
	"crypto/rand"
	"encoding/hex"
	"testing"
	"time"

	"github.com/diotec-barros/diotec360-sub001/pkg/consensus/types"
	"github.com/diotec-barros/diotec360-sub001/pkg/proof"
	"github.com/diotec-barros/diotec360-sub001/pkg/utils"
)

func testPool(t *testing.T, maxSize int) *Mempool {
	t.Helper()
	return New(Config{MaxSize: maxSize}, utils.CreateTestLogger())
}

func testProof(intent string) *proof.Proof {
	nonce := make([]byte, proof.NonceSize)
	rand.Read(nonce)
	return &proof.Proof{
		Intent:         intent,
		Constraints:    []string{"x > 0"},
		PostConditions: []string{"balance >= 0"},
		Valid:          true,
		Timestamp:      time.Now().Unix(),
		ProducerID:     []byte("producer-1"),
		Nonce:          nonce,
	}
}

// injectEntry places an entry with an explicit difficulty, bypassing the
// derived score so ordering can be asserted against exact values.
func injectEntry(m *Mempool, p *proof.Proof, difficulty uint64) {
	h := p.ContentHash()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.entries[hex.EncodeToString(h[:])] = &entry{
		Proof:      p,
		Hash:       h,
		Difficulty: difficulty,
		Seq:        m.seq,
		Added:      time.Now(),
	}
}

func TestAddDeduplicates(t *testing.T) {
	m := testPool(t, 100)
	p := testProof("transfer-a")

	if !m.Add(p) {
		t.Fatal("first Add returned false")
	}
	if m.Add(p) {
		t.Fatal("duplicate Add returned true")
	}
	if m.Size() != 1 {
		t.Fatalf("size = %d, want 1", m.Size())
	}
	if !m.Contains(p.ContentHash()) {
		t.Fatal("Contains returned false for admitted proof")
	}
}

func TestAddRejectsWhenFull(t *testing.T) {
	m := testPool(t, 2)

	if !m.Add(testProof("a")) || !m.Add(testProof("b")) {
		t.Fatal("Add failed below capacity")
	}
	if m.Add(testProof("c")) {
		t.Fatal("Add succeeded beyond capacity")
	}
	if m.Size() != 2 {
		t.Fatalf("size = %d, want 2", m.Size())
	}
}

func TestSelectionOrdersByDifficultyDescending(t *testing.T) {
	m := testPool(t, 100)

	difficulties := []uint64{100, 1000, 500, 5000, 50}
	for i, d := range difficulties {
		injectEntry(m, testProof("p-"+string(rune('a'+i))), d)
	}

	selected := m.selectTop(0)
	got := make([]uint64, 0, len(selected))
	for _, e := range selected {
		got = append(got, e.Difficulty)
	}

	want := []uint64{5000, 1000, 500, 100, 50}
	if len(got) != len(want) {
		t.Fatalf("selected %d entries, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: difficulty = %d, want %d (full order %v)", i, got[i], want[i], got)
		}
	}
}

func TestSelectionTieBreaksOnInsertionOrder(t *testing.T) {
	m := testPool(t, 100)

	first := testProof("first")
	second := testProof("second")
	injectEntry(m, first, 700)
	injectEntry(m, second, 700)

	selected := m.selectTop(0)
	if len(selected) != 2 {
		t.Fatalf("selected %d entries, want 2", len(selected))
	}
	if selected[0].Proof.Intent != "first" || selected[1].Proof.Intent != "second" {
		t.Fatalf("equal difficulties not in insertion order: %q, %q",
			selected[0].Proof.Intent, selected[1].Proof.Intent)
	}
}

func TestNextBlockNonDestructive(t *testing.T) {
	m := testPool(t, 100)
	proposer := types.NodeID{1}
	var prev types.BlockHash

	for i := 0; i < 5; i++ {
		if !m.Add(testProof("p-" + string(rune('a'+i)))) {
			t.Fatalf("Add %d failed", i)
		}
	}

	blk := m.NextBlock(3, proposer, prev)
	if blk == nil {
		t.Fatal("NextBlock returned nil")
	}
	if len(blk.Proofs) != 3 {
		t.Fatalf("block has %d proofs, want 3", len(blk.Proofs))
	}
	if blk.Proposer != proposer {
		t.Fatal("block proposer mismatch")
	}
	if m.Size() != 5 {
		t.Fatalf("pool drained by NextBlock: size = %d, want 5", m.Size())
	}
}

func TestNextBlockEmptyPool(t *testing.T) {
	m := testPool(t, 100)
	if blk := m.NextBlock(10, types.NodeID{}, types.BlockHash{}); blk != nil {
		t.Fatal("NextBlock on empty pool returned non-nil block")
	}
}

func TestRemoveFinalizedProofs(t *testing.T) {
	m := testPool(t, 100)
	a, b := testProof("a"), testProof("b")
	m.Add(a)
	m.Add(b)

	m.Remove(a.ContentHash())
	if m.Contains(a.ContentHash()) {
		t.Fatal("removed proof still present")
	}
	if !m.Contains(b.ContentHash()) {
		t.Fatal("unrelated proof removed")
	}
	if m.Size() != 1 {
		t.Fatalf("size = %d, want 1", m.Size())
	}
}

func TestStats(t *testing.T) {
	m := testPool(t, 100)
	injectEntry(m, testProof("a"), 300)
	injectEntry(m, testProof("b"), 200)

	st := m.Stats()
	if st.Count != 2 {
		t.Fatalf("count = %d, want 2", st.Count)
	}
	if st.TotalDifficulty != 500 {
		t.Fatalf("total difficulty = %d, want 500", st.TotalDifficulty)
	}
	if st.OldestAdded.IsZero() {
		t.Fatal("oldest timestamp not tracked")
	}
}
