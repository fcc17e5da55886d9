// Package node assembles a full validator: state, mempool, verification,
// rewards, metrics, consensus engine, and the transport subscriptions that
// feed it. The embedding process (cmd or simulator) supplies the transport
// and a store pre-seeded with the validator registry.
package node

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/diotec-barros/diotec360-sub001/pkg/consensus/messages"
	"github.com/diotec-barros/diotec360-sub001/pkg/consensus/pbft"
	"github.com/diotec-barros/diotec360-sub001/pkg/consensus/types"
	"github.com/diotec-barros/diotec360-sub001/pkg/mempool"
	"github.com/diotec-barros/diotec360-sub001/pkg/metrics"
	"github.com/diotec-barros/diotec360-sub001/pkg/proof"
	"github.com/diotec-barros/diotec360-sub001/pkg/rewards"
	"github.com/diotec-barros/diotec360-sub001/pkg/state"
	"github.com/diotec-barros/diotec360-sub001/pkg/utils"
)

// consensusTopics are the gossip topics a validator subscribes to.
var consensusTopics = []string{
	pbft.TopicPrePrepare,
	pbft.TopicPrepare,
	pbft.TopicCommit,
	pbft.TopicViewChange,
	pbft.TopicNewView,
}

// Options configures a validator node.
type Options struct {
	ID         types.NodeID
	PrivateKey ed25519.PrivateKey

	// Store must carry the full validator registry, including this node.
	Store     *state.Store
	Transport types.Transport

	Consensus        *pbft.Config
	ProposalInterval time.Duration
	MempoolMaxSize   int

	Logger *utils.Logger
	Audit  *utils.AuditLogger
}

// storeKeyRing resolves validator signing keys from the registry.
type storeKeyRing struct {
	store *state.Store
}

func (r storeKeyRing) PublicKey(id types.NodeID) (ed25519.PublicKey, error) {
	info, err := r.store.GetValidator(id)
	if err != nil {
		return nil, err
	}
	if len(info.PublicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("validator %s has no usable public key", id.Short())
	}
	return ed25519.PublicKey(info.PublicKey), nil
}

// Node is one running validator.
type Node struct {
	opts    Options
	store   *state.Store
	pool    *mempool.Mempool
	engine  *pbft.Engine
	batcher *pbft.Batcher
	metrics *metrics.Collector
	log     *utils.Logger
}

// New wires a validator from its options.
func New(opts Options) (*Node, error) {
	if opts.Store == nil || opts.Transport == nil {
		return nil, fmt.Errorf("node: store and transport required")
	}
	if len(opts.PrivateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("node: private key required")
	}
	if !opts.Store.IsValidator(opts.ID) {
		return nil, fmt.Errorf("node: %s is not in the validator registry", opts.ID.Short())
	}
	if opts.Logger == nil {
		opts.Logger = utils.GetLogger()
	}
	if opts.ProposalInterval <= 0 {
		opts.ProposalInterval = time.Second
	}
	if opts.MempoolMaxSize <= 0 {
		opts.MempoolMaxSize = 10000
	}

	kv := utils.NewKVLogger(opts.Logger)
	var auditSink types.AuditLogger
	if opts.Audit != nil {
		auditSink = utils.NewAuditAdapter(opts.Audit, opts.Logger)
	}

	encoder, err := messages.NewEncoder(storeKeyRing{store: opts.Store}, nil)
	if err != nil {
		return nil, fmt.Errorf("node: encoder: %w", err)
	}

	pool := mempool.New(mempool.Config{MaxSize: opts.MempoolMaxSize}, opts.Logger)
	verifier := proof.NewVerifier(nil, opts.Logger)
	distributor := rewards.NewDistributor(rewards.DefaultConfig(), opts.Store, kv, auditSink)
	collector := metrics.NewCollector()

	cfg := opts.Consensus
	if cfg == nil {
		cfg = pbft.DefaultConfig()
	}
	cfg.NodeID = opts.ID
	cfg.PrivateKey = opts.PrivateKey

	engine := pbft.NewEngine(cfg, pbft.Deps{
		Validators: opts.Store,
		Stakes:     opts.Store,
		Encoder:    encoder,
		Store:      opts.Store,
		Pool:       pool,
		Verifier:   verifier,
		Rewards:    distributor,
		Metrics:    collector,
		Transport:  opts.Transport,
		Logger:     kv,
		Audit:      auditSink,
	})

	n := &Node{
		opts:    opts,
		store:   opts.Store,
		pool:    pool,
		engine:  engine,
		batcher: pbft.NewBatcher(engine, pbft.DefaultBatcherConfig(), kv),
		metrics: collector,
		log:     opts.Logger,
	}
	return n, nil
}

// Mempool returns the node's proof pool for the ingest path.
func (n *Node) Mempool() *mempool.Mempool { return n.pool }

// Engine returns the consensus engine, mainly for inspection in tests.
func (n *Node) Engine() *pbft.Engine { return n.engine }

// Metrics returns the node's metrics collector.
func (n *Node) Metrics() *metrics.Collector { return n.metrics }

// Store returns the node's state store.
func (n *Node) Store() *state.Store { return n.store }

// SubmitProof admits a locally produced proof into the mempool.
func (n *Node) SubmitProof(p *proof.Proof) bool { return n.pool.Add(p) }

// Run starts the node and blocks until the context is cancelled. All inbound
// consensus traffic funnels through the batcher, so the engine sees one
// message at a time.
func (n *Node) Run(ctx context.Context) error {
	for _, topic := range consensusTopics {
		topic := topic
		err := n.opts.Transport.Subscribe(topic, func(ctx context.Context, from types.NodeID, data []byte) error {
			if !n.batcher.Enqueue(pbft.Inbound{From: from, Topic: topic, Data: data}) {
				return fmt.Errorf("inbound queue full")
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("node: subscribe %s: %w", topic, err)
		}
	}

	if err := n.engine.Start(ctx); err != nil {
		return fmt.Errorf("node: %w", err)
	}

	go n.batcher.Run(ctx)

	ticker := time.NewTicker(n.opts.ProposalInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if n.engine.IsLeader() && n.pool.Size() > 0 {
				if err := n.engine.StartRound(ctx); err != nil {
					n.log.DebugContext(ctx, "round not started",
						utils.ZapString("node", n.opts.ID.Short()),
						utils.ZapError(err))
				}
			}
			if err := n.engine.CheckTimeout(ctx, now); err != nil {
				n.log.WarnContext(ctx, "timeout check failed",
					utils.ZapString("node", n.opts.ID.Short()),
					utils.ZapError(err))
			}
		}
	}
}
