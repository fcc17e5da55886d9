package node

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"testing"
	"time"

	"github.com/diotec-barros/diotec360-sub001/pkg/consensus/types"
	"github.com/diotec-barros/diotec360-sub001/pkg/p2p"
	"github.com/diotec-barros/diotec360-sub001/pkg/proof"
	"github.com/diotec-barros/diotec360-sub001/pkg/rewards"
	"github.com/diotec-barros/diotec360-sub001/pkg/state"
	"github.com/diotec-barros/diotec360-sub001/pkg/utils"
)

type cluster struct {
	ids   []types.NodeID
	privs map[types.NodeID]ed25519.PrivateKey
	nodes []*Node
	net   *p2p.MemNet
}

// newCluster builds n validators sharing one in-memory network. Each node
// owns an independent state replica seeded with the same registry and
// treasury, as real deployments bootstrap from a common genesis.
func newCluster(t *testing.T, n int) *cluster {
	t.Helper()
	log := utils.CreateTestLogger()

	c := &cluster{
		privs: make(map[types.NodeID]ed25519.PrivateKey),
		net:   p2p.NewMemNet(log),
	}
	pubs := make(map[types.NodeID]ed25519.PublicKey)
	for i := byte(1); i <= byte(n); i++ {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		id := types.NodeID{i}
		c.ids = append(c.ids, id)
		c.privs[id] = priv
		pubs[id] = pub
	}

	for _, id := range c.ids {
		store := state.NewStore(log)
		for _, vid := range c.ids {
			store.RegisterValidator(types.ValidatorInfo{ID: vid, PublicKey: pubs[vid], Stake: 5000})
		}
		store.SetBalance(state.TreasuryID, 1_000_000)

		nd, err := New(Options{
			ID:               id,
			PrivateKey:       c.privs[id],
			Store:            store,
			Transport:        c.net.Join(id, 5000),
			ProposalInterval: 25 * time.Millisecond,
			Logger:           log,
		})
		if err != nil {
			t.Fatalf("node %s: %v", id.Short(), err)
		}
		c.nodes = append(c.nodes, nd)
	}
	return c
}

func (c *cluster) start(ctx context.Context) {
	for _, nd := range c.nodes {
		nd := nd
		go func() { _ = nd.Run(ctx) }()
	}
}

// leader returns the node leading view 0 (lowest identifier).
func (c *cluster) leader() *Node { return c.nodes[0] }

func makeProofs(t *testing.T, n int) ([]*proof.Proof, uint64) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate producer key: %v", err)
	}
	constraints := make([]string, 64)
	for i := range constraints {
		constraints[i] = fmt.Sprintf("balance_%d >= 0", i)
	}
	var total uint64
	proofs := make([]*proof.Proof, 0, n)
	for i := 0; i < n; i++ {
		p := &proof.Proof{
			Intent:         fmt.Sprintf("settle-%d", i),
			Constraints:    constraints,
			PostConditions: []string{"conservation holds"},
			Valid:          true,
			Timestamp:      time.Now().Unix(),
			ProducerID:     []byte("producer"),
			Nonce:          []byte(fmt.Sprintf("nonce-%08d", i)),
		}
		proof.Sign(p, priv)
		proofs = append(proofs, p)
		total += p.Difficulty()
	}
	return proofs, total
}

func waitForSequence(t *testing.T, c *cluster, want uint64, deadline time.Duration) {
	t.Helper()
	until := time.Now().Add(deadline)
	for time.Now().Before(until) {
		done := 0
		for _, nd := range c.nodes {
			if nd.Engine().CurrentSequence() >= want {
				done++
			}
		}
		if done == len(c.nodes) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	for _, nd := range c.nodes {
		t.Logf("node sequence: %d", nd.Engine().CurrentSequence())
	}
	t.Fatalf("cluster did not reach sequence %d within %s", want, deadline)
}

func TestClusterFinalizesBlock(t *testing.T) {
	c := newCluster(t, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.start(ctx)

	proofs, totalDifficulty := makeProofs(t, 3)
	for _, p := range proofs {
		if !c.leader().SubmitProof(p) {
			t.Fatal("leader mempool rejected proof")
		}
	}

	waitForSequence(t, c, 1, 5*time.Second)
	cancel()

	if c.leader().Mempool().Size() != 0 {
		t.Fatalf("leader pool size = %d, want 0", c.leader().Mempool().Size())
	}

	// The reward set for a sequence is canonical, so every replica credits
	// the same accounts and the state replicas stay byte-identical.
	kv := utils.NewKVLogger(utils.CreateTestLogger())
	quorum := c.nodes[0].Engine().QuorumSize()
	root := c.nodes[0].Store().Root()
	for _, nd := range c.nodes {
		dist := rewards.NewDistributor(rewards.DefaultConfig(), nd.Store(), kv, nil)
		share := dist.Share(totalDifficulty, quorum)
		if share == 0 {
			t.Fatal("expected non-zero share at this difficulty")
		}
		for i, id := range c.ids {
			want := uint64(0)
			if i < quorum {
				want = share
			}
			if got := nd.Store().GetBalance(id); got != want {
				t.Fatalf("balance of %s = %d, want %d", id.Short(), got, want)
			}
		}
		if got := nd.Store().GetBalance(state.TreasuryID); got != 1_000_000-share*uint64(quorum) {
			t.Fatalf("treasury = %d, want %d", got, 1_000_000-share*uint64(quorum))
		}
		if nd.Store().Root() != root {
			t.Fatal("state roots diverged across replicas")
		}
	}
}

func TestClusterSurvivesFollowerSilence(t *testing.T) {
	c := newCluster(t, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Isolate one follower; 3 of 4 still form a quorum.
	c.net.Partition([]types.NodeID{c.ids[0], c.ids[1], c.ids[2]})
	c.start(ctx)

	proofs, _ := makeProofs(t, 2)
	for _, p := range proofs {
		if !c.leader().SubmitProof(p) {
			t.Fatal("leader mempool rejected proof")
		}
	}

	until := time.Now().Add(5 * time.Second)
	for time.Now().Before(until) {
		done := 0
		for _, nd := range c.nodes[:3] {
			if nd.Engine().CurrentSequence() >= 1 {
				done++
			}
		}
		if done == 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	for _, nd := range c.nodes[:3] {
		if nd.Engine().CurrentSequence() < 1 {
			t.Fatal("connected majority failed to finalize")
		}
	}
	if c.nodes[3].Engine().CurrentSequence() != 0 {
		t.Fatal("isolated follower advanced without connectivity")
	}
}

func TestNodeRejectsUnknownValidator(t *testing.T) {
	log := utils.CreateTestLogger()
	store := state.NewStore(log)
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	net := p2p.NewMemNet(log)

	_, err = New(Options{
		ID:         types.NodeID{9},
		PrivateKey: priv,
		Store:      store,
		Transport:  net.Join(types.NodeID{9}, 5000),
		Logger:     log,
	})
	if err == nil {
		t.Fatal("node accepted identity missing from the registry")
	}
}
