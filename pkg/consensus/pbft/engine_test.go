package pbft

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/diotec-barros/diotec360-sub001/pkg/consensus/messages"
	"github.com/diotec-barros/diotec360-sub001/pkg/consensus/types"
	"github.com/diotec-barros/diotec360-sub001/pkg/mempool"
	"github.com/diotec-barros/diotec360-sub001/pkg/metrics"
	"github.com/diotec-barros/diotec360-sub001/pkg/proof"
	"github.com/diotec-barros/diotec360-sub001/pkg/rewards"
	"github.com/diotec-barros/diotec360-sub001/pkg/state"
	"github.com/diotec-barros/diotec360-sub001/pkg/utils"
)

type mapKeyRing map[types.NodeID]ed25519.PublicKey

func (m mapKeyRing) PublicKey(id types.NodeID) (ed25519.PublicKey, error) {
	pub, ok := m[id]
	if !ok {
		return nil, fmt.Errorf("no key for %s", id.Short())
	}
	return pub, nil
}

type sentMessage struct {
	topic string
	data  []byte
}

type captureTransport struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (c *captureTransport) Broadcast(ctx context.Context, topic string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentMessage{topic: topic, data: data})
	return nil
}

func (c *captureTransport) SendToPeer(ctx context.Context, id types.NodeID, topic string, data []byte) error {
	return c.Broadcast(ctx, topic, data)
}

func (c *captureTransport) Subscribe(topic string, handler types.MessageHandler) error { return nil }

func (c *captureTransport) DiscoverPeers(ctx context.Context) ([]types.PeerInfo, error) {
	return nil, nil
}

func (c *captureTransport) Close() error { return nil }

func (c *captureTransport) lastOn(topic string) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.sent) - 1; i >= 0; i-- {
		if c.sent[i].topic == topic {
			return c.sent[i].data
		}
	}
	return nil
}

type fixture struct {
	ids      []types.NodeID
	privs    map[types.NodeID]ed25519.PrivateKey
	store    *state.Store
	pool     *mempool.Mempool
	encoder  *messages.Encoder
	verifier *proof.Verifier
	net      *captureTransport
	engine   *Engine
	rewards  *rewards.Distributor
	metrics  *metrics.Collector
}

// newFixture wires an engine for node {1} in a 4-validator set. Node {1}
// leads view 0 (lowest identifier).
func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := utils.CreateTestLogger()
	kv := utils.NewKVLogger(log)

	f := &fixture{
		store: state.NewStore(log),
		pool:  mempool.New(mempool.Config{MaxSize: 100}, log),
		net:   &captureTransport{},
		privs: make(map[types.NodeID]ed25519.PrivateKey),
	}
	ring := make(mapKeyRing)
	for i := byte(1); i <= 4; i++ {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		id := types.NodeID{i}
		f.ids = append(f.ids, id)
		f.privs[id] = priv
		ring[id] = pub
		f.store.RegisterValidator(types.ValidatorInfo{ID: id, PublicKey: pub, Stake: 5000})
	}
	f.store.SetBalance(state.TreasuryID, 1_000_000)

	enc, err := messages.NewEncoder(ring, nil)
	if err != nil {
		t.Fatalf("encoder: %v", err)
	}
	f.encoder = enc
	f.verifier = proof.NewVerifier(nil, log)
	f.rewards = rewards.NewDistributor(rewards.DefaultConfig(), f.store, kv, nil)
	f.metrics = metrics.NewCollector()

	cfg := DefaultConfig()
	cfg.NodeID = f.ids[0]
	cfg.PrivateKey = f.privs[f.ids[0]]
	f.engine = NewEngine(cfg, Deps{
		Validators: f.store,
		Stakes:     f.store,
		Encoder:    enc,
		Store:      f.store,
		Pool:       f.pool,
		Verifier:   f.verifier,
		Rewards:    f.rewards,
		Metrics:    f.metrics,
		Transport:  f.net,
		Logger:     kv,
	})
	return f
}

func (f *fixture) addProofs(t *testing.T, n int) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate producer key: %v", err)
	}
	constraints := make([]string, 64)
	for i := range constraints {
		constraints[i] = fmt.Sprintf("c%d >= 0", i)
	}
	for i := 0; i < n; i++ {
		p := &proof.Proof{
			Intent:         fmt.Sprintf("transfer-%d", i),
			Constraints:    constraints,
			PostConditions: []string{"sum unchanged"},
			Valid:          true,
			Timestamp:      time.Now().Unix(),
			ProducerID:     []byte("producer"),
			Nonce:          []byte(fmt.Sprintf("nonce-%08d", i)),
		}
		proof.Sign(p, priv)
		if !f.pool.Add(p) {
			t.Fatalf("pool rejected proof %d", i)
		}
	}
}

// proposalFrom builds a signed proposal from another validator, drawing its
// block from the shared pool.
func (f *fixture) proposalFrom(t *testing.T, id types.NodeID, view, seq uint64) *messages.PrePrepare {
	t.Helper()
	f.addProofs(t, 1)
	blk := f.pool.NextBlock(10, id, f.engine.LastBlockHash())
	if blk == nil {
		t.Fatal("no block from pool")
	}
	blk.Sign(f.privs[id])
	m := &messages.PrePrepare{View: view, Sequence: seq, Timestamp: time.Now(), Block: blk}
	f.encoder.Sign(m, id, f.privs[id])
	return m
}

func (f *fixture) prepareFrom(t *testing.T, id types.NodeID, digest types.BlockHash, claim *messages.VerificationClaim) *messages.Prepare {
	t.Helper()
	m := &messages.Prepare{
		View:         f.engine.CurrentView(),
		Sequence:     f.engine.CurrentSequence(),
		Timestamp:    time.Now(),
		Digest:       digest,
		Verification: claim,
	}
	f.encoder.Sign(m, id, f.privs[id])
	return m
}

func (f *fixture) commitFrom(t *testing.T, id types.NodeID, digest types.BlockHash) *messages.Commit {
	t.Helper()
	m := &messages.Commit{
		View:      f.engine.CurrentView(),
		Sequence:  f.engine.CurrentSequence(),
		Timestamp: time.Now(),
		Digest:    digest,
	}
	f.encoder.Sign(m, id, f.privs[id])
	return m
}

func TestFullRoundFinalizes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addProofs(t, 3)

	if err := f.engine.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !f.engine.IsLeader() {
		t.Fatal("node 1 should lead view 0")
	}
	if err := f.engine.StartRound(ctx); err != nil {
		t.Fatalf("StartRound: %v", err)
	}

	ppData := f.net.lastOn(TopicPrePrepare)
	if ppData == nil {
		t.Fatal("no pre-prepare broadcast")
	}
	decoded, err := f.encoder.VerifyAndDecode(ppData, types.MessageTypePrePrepare)
	if err != nil {
		t.Fatalf("decode pre-prepare: %v", err)
	}
	pp := decoded.(*messages.PrePrepare)
	digest := pp.Block.Hash()
	vr := f.verifier.VerifyBlock(pp.Block.Proofs)
	if !vr.Valid {
		t.Fatal("proposed block failed verification")
	}
	claim := &messages.VerificationClaim{Valid: true, TotalDifficulty: vr.TotalDifficulty}

	// Prepare votes from nodes 2 and 3 complete the quorum of 3 with the
	// leader's own vote.
	for _, id := range f.ids[1:3] {
		if err := f.engine.HandlePrepare(ctx, f.prepareFrom(t, id, digest, claim)); err != nil {
			t.Fatalf("HandlePrepare from %s: %v", id.Short(), err)
		}
	}
	if f.net.lastOn(TopicCommit) == nil {
		t.Fatal("no commit broadcast after prepare quorum")
	}

	for _, id := range f.ids[1:3] {
		if err := f.engine.HandleCommit(ctx, f.commitFrom(t, id, digest)); err != nil {
			t.Fatalf("HandleCommit from %s: %v", id.Short(), err)
		}
	}

	if got := f.engine.CurrentSequence(); got != 1 {
		t.Fatalf("sequence = %d, want 1 after finalization", got)
	}
	if f.pool.Size() != 0 {
		t.Fatalf("pool size = %d, want 0 after finalization", f.pool.Size())
	}
	if f.engine.LastBlockHash() != digest {
		t.Fatal("last block hash not recorded")
	}
	if f.store.CheckpointCount() == 0 {
		t.Fatal("no checkpoint recorded")
	}

	// The commit quorum was nodes 1..3; each gets the same treasury-funded
	// share and node 4 gets nothing.
	share := f.rewards.Share(vr.TotalDifficulty, 3)
	if share == 0 {
		t.Fatal("expected a non-zero share for this block difficulty")
	}
	for _, id := range f.ids[:3] {
		if got := f.store.GetBalance(id); got != share {
			t.Fatalf("balance of %s = %d, want %d", id.Short(), got, share)
		}
	}
	if got := f.store.GetBalance(f.ids[3]); got != 0 {
		t.Fatalf("balance of non-participant = %d, want 0", got)
	}

	snap := f.metrics.Snapshot()
	if snap.RoundsFinalized != 1 {
		t.Fatalf("rounds finalized = %d, want 1", snap.RoundsFinalized)
	}
}

func TestPrepareDigestMismatchRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addProofs(t, 1)

	if err := f.engine.StartRound(ctx); err != nil {
		t.Fatalf("StartRound: %v", err)
	}
	var wrong types.BlockHash
	wrong[0] = 0xFF
	err := f.engine.HandlePrepare(ctx, f.prepareFrom(t, f.ids[1], wrong, nil))
	if err == nil {
		t.Fatal("prepare with mismatched digest accepted")
	}
}

func TestDoubleSignSlashed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addProofs(t, 1)

	if err := f.engine.StartRound(ctx); err != nil {
		t.Fatalf("StartRound: %v", err)
	}
	ppData := f.net.lastOn(TopicPrePrepare)
	decoded, err := f.encoder.VerifyAndDecode(ppData, types.MessageTypePrePrepare)
	if err != nil {
		t.Fatalf("decode pre-prepare: %v", err)
	}
	digest := decoded.(*messages.PrePrepare).Block.Hash()

	offender := f.ids[1]
	if err := f.engine.HandlePrepare(ctx, f.prepareFrom(t, offender, digest, nil)); err != nil {
		t.Fatalf("first prepare: %v", err)
	}
	var conflicting types.BlockHash
	conflicting[0] = 0xAA
	if err := f.engine.HandlePrepare(ctx, f.prepareFrom(t, offender, conflicting, nil)); err == nil {
		t.Fatal("conflicting prepare accepted")
	}

	// 20% of the 5000 stake is gone.
	if got := f.store.GetValidatorStake(offender); got != 4000 {
		t.Fatalf("offender stake = %d, want 4000", got)
	}
	if snap := f.metrics.Snapshot(); snap.SlashingEvents != 1 {
		t.Fatalf("slashing events = %d, want 1", snap.SlashingEvents)
	}
}

func TestUnderstakedSenderIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addProofs(t, 1)

	if err := f.engine.StartRound(ctx); err != nil {
		t.Fatalf("StartRound: %v", err)
	}
	poor := f.ids[3]
	f.store.SetValidatorStake(poor, state.MinimumStake-1)

	ppData := f.net.lastOn(TopicPrePrepare)
	decoded, _ := f.encoder.VerifyAndDecode(ppData, types.MessageTypePrePrepare)
	digest := decoded.(*messages.PrePrepare).Block.Hash()

	err := f.engine.HandlePrepare(ctx, f.prepareFrom(t, poor, digest, nil))
	if err == nil {
		t.Fatal("prepare from understaked validator accepted")
	}
}

func TestViewChangeMonotonic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.enterView(ctx, 3)
	if got := f.engine.CurrentView(); got != 3 {
		t.Fatalf("view = %d, want 3", got)
	}
	// Moving backwards is ignored.
	f.engine.enterView(ctx, 1)
	if got := f.engine.CurrentView(); got != 3 {
		t.Fatalf("view moved backwards to %d", got)
	}
	f.engine.enterView(ctx, 3)
	if got := f.engine.CurrentView(); got != 3 {
		t.Fatalf("view re-entered: %d", got)
	}
}

func TestViewChangeQuorumAdvancesView(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.engine.InitiateViewChange(ctx); err != nil {
		t.Fatalf("InitiateViewChange: %v", err)
	}
	if f.engine.ViewState() != types.ViewChanging {
		t.Fatal("engine not in view-changing state")
	}

	for _, id := range f.ids[1:3] {
		cp, _ := f.store.LatestCheckpoint()
		m := &messages.ViewChange{
			NewView:    1,
			Sequence:   0,
			Timestamp:  time.Now(),
			Checkpoint: cp,
		}
		f.encoder.Sign(m, id, f.privs[id])
		if err := f.engine.HandleViewChange(ctx, m); err != nil {
			t.Fatalf("HandleViewChange from %s: %v", id.Short(), err)
		}
	}

	if got := f.engine.CurrentView(); got != 1 {
		t.Fatalf("view = %d, want 1 after quorum", got)
	}
	if f.engine.ViewState() != types.ViewNormal {
		t.Fatal("engine not back to normal view state")
	}
	if snap := f.metrics.Snapshot(); snap.ViewChanges != 1 {
		t.Fatalf("view changes = %d, want 1", snap.ViewChanges)
	}
}

func TestViewChangeSuspendsRoundParticipation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Node 2 leads view 1; move there so its proposals validate.
	f.engine.enterView(ctx, 1)
	pp := f.proposalFrom(t, f.ids[1], 1, 0)

	if err := f.engine.InitiateViewChange(ctx); err != nil {
		t.Fatalf("InitiateViewChange: %v", err)
	}

	// A late proposal from the deposed leader must not re-open the round.
	err := f.engine.HandlePrePrepare(ctx, pp)
	if !errors.Is(err, types.ErrStaleMessage) {
		t.Fatalf("proposal during view change: got %v, want ErrStaleMessage", err)
	}
	if f.net.lastOn(TopicPrepare) != nil {
		t.Fatal("prepare broadcast while view change in progress")
	}
	if f.engine.ViewState() != types.ViewChanging {
		t.Fatal("engine left view-changing state")
	}
}

func TestNewViewAnnouncesMajorityCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The leader's own checkpoint differs from the one the voters carry.
	local, ok := f.store.CreateCheckpoint(0)
	if !ok {
		t.Fatal("local checkpoint refused")
	}
	agreed := types.Checkpoint{
		Root:      types.BlockHash{0xAB},
		Checksum:  42,
		Sequence:  7,
		Timestamp: time.Unix(1700000000, 0),
	}

	// Node 1 leads view 4. Three votes carrying the same checkpoint form a
	// quorum for it.
	for _, id := range f.ids[1:4] {
		m := &messages.ViewChange{
			NewView:    4,
			Sequence:   0,
			Timestamp:  time.Now(),
			Checkpoint: agreed,
		}
		f.encoder.Sign(m, id, f.privs[id])
		if err := f.engine.HandleViewChange(ctx, m); err != nil {
			t.Fatalf("HandleViewChange from %s: %v", id.Short(), err)
		}
	}

	if got := f.engine.CurrentView(); got != 4 {
		t.Fatalf("view = %d, want 4", got)
	}
	if got := f.engine.CurrentSequence(); got != 8 {
		t.Fatalf("sequence = %d, want 8 after resuming from checkpoint 7", got)
	}

	data := f.net.lastOn(TopicNewView)
	if data == nil {
		t.Fatal("no new-view broadcast")
	}
	decoded, err := f.encoder.VerifyAndDecode(data, types.MessageTypeNewView)
	if err != nil {
		t.Fatalf("decode new view: %v", err)
	}
	nv := decoded.(*messages.NewView)
	if nv.Checkpoint.Root != agreed.Root || nv.Checkpoint.Sequence != agreed.Sequence {
		t.Fatalf("announced checkpoint %s/%d, want the voters' %s/%d",
			nv.Checkpoint.Root.Short(), nv.Checkpoint.Sequence,
			agreed.Root.Short(), agreed.Sequence)
	}
	if nv.Checkpoint.Root == local.Root {
		t.Fatal("leader announced its own checkpoint over the majority's")
	}
}

func TestEarlyVotesBufferedUntilProposal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.enterView(ctx, 1)
	pp := f.proposalFrom(t, f.ids[1], 1, 0)
	digest := pp.Block.Hash()
	vr := f.verifier.VerifyBlock(pp.Block.Proofs)
	claim := &messages.VerificationClaim{Valid: true, TotalDifficulty: vr.TotalDifficulty}

	// Votes overtake the proposal, as separate gossip topics allow.
	for _, id := range []types.NodeID{f.ids[2], f.ids[3]} {
		if err := f.engine.HandlePrepare(ctx, f.prepareFrom(t, id, digest, claim)); err != nil {
			t.Fatalf("early prepare from %s: %v", id.Short(), err)
		}
		if err := f.engine.HandleCommit(ctx, f.commitFrom(t, id, digest)); err != nil {
			t.Fatalf("early commit from %s: %v", id.Short(), err)
		}
	}
	if f.net.lastOn(TopicPrepare) != nil {
		t.Fatal("prepare broadcast before the proposal arrived")
	}

	// The proposal opens the round; buffered votes complete both quorums.
	if err := f.engine.HandlePrePrepare(ctx, pp); err != nil {
		t.Fatalf("HandlePrePrepare: %v", err)
	}
	if f.net.lastOn(TopicCommit) == nil {
		t.Fatal("no commit broadcast after replaying buffered prepares")
	}
	if got := f.engine.CurrentSequence(); got != 1 {
		t.Fatalf("sequence = %d, want 1 after replaying buffered commits", got)
	}
}

func TestRewardSetDeterministic(t *testing.T) {
	f := newFixture(t)

	set0 := f.engine.rewardSet(0)
	if len(set0) != 3 {
		t.Fatalf("reward set size = %d, want quorum 3", len(set0))
	}
	for i, id := range set0 {
		if id != f.ids[i] {
			t.Fatalf("rewardSet(0)[%d] = %s, want %s", i, id.Short(), f.ids[i].Short())
		}
	}

	// The window rotates with the sequence and wraps around the set.
	set1 := f.engine.rewardSet(1)
	want1 := []types.NodeID{f.ids[1], f.ids[2], f.ids[3]}
	for i, id := range set1 {
		if id != want1[i] {
			t.Fatalf("rewardSet(1)[%d] = %s, want %s", i, id.Short(), want1[i].Short())
		}
	}
	set4 := f.engine.rewardSet(4)
	for i, id := range set4 {
		if id != set0[i] {
			t.Fatal("rewardSet(4) did not wrap back to the sequence-0 window")
		}
	}
}

func TestRoundTimeoutTriggersViewChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.engine.CheckTimeout(ctx, time.Now()); err != nil {
		t.Fatalf("CheckTimeout: %v", err)
	}
	if f.engine.ViewState() != types.ViewNormal {
		t.Fatal("fresh engine entered view change")
	}

	late := time.Now().Add(f.engine.cfg.RoundTimeout + time.Second)
	if err := f.engine.CheckTimeout(ctx, late); err != nil {
		t.Fatalf("CheckTimeout: %v", err)
	}
	if f.engine.ViewState() != types.ViewChanging {
		t.Fatal("stalled engine did not initiate view change")
	}
	if f.net.lastOn(TopicViewChange) == nil {
		t.Fatal("no view-change broadcast")
	}
}
