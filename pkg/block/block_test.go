package block

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"testing"
	"time"

	"github.com/diotec-barros/diotec360-sub001/pkg/consensus/types"
	"github.com/diotec-barros/diotec360-sub001/pkg/proof"
)

func testProofs(t *testing.T, n int) []*proof.Proof {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	out := make([]*proof.Proof, 0, n)
	for i := 0; i < n; i++ {
		p := &proof.Proof{
			Intent:      fmt.Sprintf("intent-%d", i),
			Constraints: []string{"x >= 0"},
			Valid:       true,
			Timestamp:   time.Now().Unix(),
			Nonce:       []byte(fmt.Sprintf("n-%d", i)),
			OutputRefs:  []string{fmt.Sprintf("utxo-%d", i)},
		}
		proof.Sign(p, priv)
		out = append(out, p)
	}
	return out
}

func TestHashExcludesSignature(t *testing.T) {
	proofs := testProofs(t, 2)
	var prev types.BlockHash
	prev[0] = 0x11
	b := New("blk-1", prev, types.NodeID{1}, time.Unix(1700000000, 0), proofs)

	unsigned := b.Hash()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	b.Sign(priv)
	if b.Hash() != unsigned {
		t.Fatal("signing changed the block hash")
	}
	if !b.VerifyProposerSignature(priv.Public().(ed25519.PublicKey)) {
		t.Fatal("proposer signature did not verify")
	}

	other, _, _ := ed25519.GenerateKey(rand.Reader)
	if b.VerifyProposerSignature(other) {
		t.Fatal("signature verified against the wrong key")
	}
}

func TestHashCoversAllHeaderFields(t *testing.T) {
	proofs := testProofs(t, 1)
	ts := time.Unix(1700000000, 0)
	base := New("blk-1", types.BlockHash{}, types.NodeID{1}, ts, proofs)

	variants := []*ProofBlock{
		New("blk-2", types.BlockHash{}, types.NodeID{1}, ts, proofs),
		New("blk-1", types.BlockHash{0xFF}, types.NodeID{1}, ts, proofs),
		New("blk-1", types.BlockHash{}, types.NodeID{2}, ts, proofs),
		New("blk-1", types.BlockHash{}, types.NodeID{1}, ts.Add(time.Second), proofs),
		New("blk-1", types.BlockHash{}, types.NodeID{1}, ts, testProofs(t, 2)),
	}
	for i, v := range variants {
		if v.Hash() == base.Hash() {
			t.Fatalf("variant %d produced the base hash", i)
		}
	}
	if New("blk-1", types.BlockHash{}, types.NodeID{1}, ts, proofs).Hash() != base.Hash() {
		t.Fatal("identical header produced a different hash")
	}
}

func TestSpendsCollectOutputRefs(t *testing.T) {
	proofs := testProofs(t, 3)
	b := New("blk-1", types.BlockHash{}, types.NodeID{1}, time.Now(), proofs)
	spends := b.Spends()
	if len(spends) != 3 {
		t.Fatalf("spends = %d, want 3", len(spends))
	}
	for i, sp := range spends {
		if sp.OutputRef != fmt.Sprintf("utxo-%d", i) {
			t.Fatalf("spend %d ref = %q", i, sp.OutputRef)
		}
		if sp.TxID != types.BlockHash(proofs[i].ContentHash()) {
			t.Fatalf("spend %d bound to wrong proof", i)
		}
	}
}

func TestValidateLimits(t *testing.T) {
	b := New("blk-1", types.BlockHash{}, types.NodeID{1}, time.Now(), testProofs(t, 2))
	if err := b.ValidateLimits(); err != nil {
		t.Fatalf("small block rejected: %v", err)
	}
	b.Proofs = make([]*proof.Proof, MaxBlockProofs+1)
	if err := b.ValidateLimits(); err == nil {
		t.Fatal("oversized proof count accepted")
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	b := New("blk-1", types.BlockHash{0x22}, types.NodeID{3}, time.Unix(1700000000, 0), testProofs(t, 2))
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	b.Sign(priv)

	data, err := b.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Hash() != b.Hash() {
		t.Fatal("hash changed across the wire")
	}
	if !got.VerifyProposerSignature(priv.Public().(ed25519.PublicKey)) {
		t.Fatal("decoded block signature did not verify")
	}
}
