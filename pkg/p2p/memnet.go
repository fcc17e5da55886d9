package p2p

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/diotec-barros/diotec360-sub001/pkg/consensus/types"
	"github.com/diotec-barros/diotec360-sub001/pkg/utils"
)

// delivery is one queued message for a node.
type delivery struct {
	from  types.NodeID
	topic string
	data  []byte
}

// MemNet is an in-process network of transports for simulation and tests.
// It is an explicit registry passed to each node; there is no package-level
// instance. Partitions are modeled as group labels: nodes in different groups
// cannot exchange messages until Heal.
type MemNet struct {
	mu         sync.RWMutex
	log        *utils.Logger
	nodes      map[types.NodeID]*MemTransport
	groups     map[types.NodeID]int
	queueDepth int
	dedupSize  int
	dedupTTL   time.Duration
}

// NewMemNet creates an empty in-memory network.
func NewMemNet(log *utils.Logger) *MemNet {
	if log == nil {
		log = utils.GetLogger()
	}
	return &MemNet{
		log:        log,
		nodes:      make(map[types.NodeID]*MemTransport),
		groups:     make(map[types.NodeID]int),
		queueDepth: 4096,
		dedupSize:  8192,
		dedupTTL:   time.Minute,
	}
}

// Join registers a node and returns its transport. The transport's dispatch
// loop starts immediately and serializes handler invocation, so each node
// consumes its inbound traffic single-threaded.
func (n *MemNet) Join(id types.NodeID, stake uint64) *MemTransport {
	n.mu.Lock()
	defer n.mu.Unlock()

	if t, ok := n.nodes[id]; ok {
		return t
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &MemTransport{
		net:      n,
		id:       id,
		stake:    stake,
		handlers: make(map[string][]types.MessageHandler),
		queue:    make(chan delivery, n.queueDepth),
		dedup:    expirable.NewLRU[string, struct{}](n.dedupSize, nil, n.dedupTTL),
		ctx:      ctx,
		cancel:   cancel,
		joined:   time.Now(),
	}
	n.nodes[id] = t
	go t.dispatchLoop()
	return t
}

// Partition splits the network into the given groups. A node absent from all
// groups lands in its own singleton partition.
func (n *MemNet) Partition(groups ...[]types.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.groups = make(map[types.NodeID]int)
	for i, g := range groups {
		for _, id := range g {
			n.groups[id] = i + 1
		}
	}
	next := len(groups) + 1
	for id := range n.nodes {
		if _, ok := n.groups[id]; !ok {
			n.groups[id] = next
			next++
		}
	}
	n.log.Warn("network partitioned", utils.ZapInt("groups", len(groups)))
}

// Heal removes all partitions.
func (n *MemNet) Heal() {
	n.mu.Lock()
	n.groups = make(map[types.NodeID]int)
	n.mu.Unlock()
	n.log.Info("network healed")
}

func (n *MemNet) reachable(a, b types.NodeID) bool {
	ga, aok := n.groups[a]
	gb, bok := n.groups[b]
	if !aok && !bok {
		return true
	}
	return aok == bok && ga == gb
}

// peers returns the transports reachable from the given sender, excluding it.
func (n *MemNet) peers(from types.NodeID) []*MemTransport {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*MemTransport, 0, len(n.nodes))
	for id, t := range n.nodes {
		if id == from || !n.reachable(from, id) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// MemTransport implements types.Transport over a MemNet.
type MemTransport struct {
	net    *MemNet
	id     types.NodeID
	stake  uint64
	joined time.Time

	mu       sync.RWMutex
	handlers map[string][]types.MessageHandler

	queue  chan delivery
	dedup  *expirable.LRU[string, struct{}]
	ctx    context.Context
	cancel context.CancelFunc
}

// Broadcast delivers data to every reachable peer. Receivers deduplicate by
// message content, mirroring gossip semantics where the same payload may
// arrive along multiple paths.
func (t *MemTransport) Broadcast(ctx context.Context, topic string, data []byte) error {
	for _, peer := range t.net.peers(t.id) {
		peer.enqueue(delivery{from: t.id, topic: topic, data: data})
	}
	return nil
}

// SendToPeer delivers data to one peer, honoring partitions.
func (t *MemTransport) SendToPeer(ctx context.Context, id types.NodeID, topic string, data []byte) error {
	t.net.mu.RLock()
	target, ok := t.net.nodes[id]
	reachable := ok && t.net.reachable(t.id, id)
	t.net.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown peer %s", id.Short())
	}
	if !reachable {
		return fmt.Errorf("peer %s unreachable (partitioned)", id.Short())
	}
	target.enqueue(delivery{from: t.id, topic: topic, data: data})
	return nil
}

// Subscribe registers a handler for a topic.
func (t *MemTransport) Subscribe(topic string, handler types.MessageHandler) error {
	if topic == "" || handler == nil {
		return fmt.Errorf("invalid subscription")
	}
	t.mu.Lock()
	t.handlers[topic] = append(t.handlers[topic], handler)
	t.mu.Unlock()
	return nil
}

// DiscoverPeers lists all reachable peers with their registered stake.
func (t *MemTransport) DiscoverPeers(ctx context.Context) ([]types.PeerInfo, error) {
	peers := t.net.peers(t.id)
	out := make([]types.PeerInfo, 0, len(peers))
	for _, p := range peers {
		out = append(out, types.PeerInfo{
			PeerID:   p.id,
			Address:  "mem://" + p.id.Short(),
			Stake:    p.stake,
			LastSeen: time.Now(),
		})
	}
	return out, nil
}

// Close stops the dispatch loop and removes the node from the network.
func (t *MemTransport) Close() error {
	t.cancel()
	t.net.mu.Lock()
	delete(t.net.nodes, t.id)
	t.net.mu.Unlock()
	return nil
}

func (t *MemTransport) enqueue(d delivery) {
	key := dedupKey(d.topic, d.data)
	if _, seen := t.dedup.Get(key); seen {
		return
	}
	t.dedup.Add(key, struct{}{})

	select {
	case t.queue <- d:
	default:
		// Queue full: drop, like a saturated gossip mesh.
		t.net.log.Warn("inbound queue full, dropping message",
			utils.ZapString("node", t.id.Short()),
			utils.ZapString("topic", d.topic))
	}
}

func (t *MemTransport) dispatchLoop() {
	for {
		select {
		case <-t.ctx.Done():
			return
		case d := <-t.queue:
			t.mu.RLock()
			hs := append([]types.MessageHandler(nil), t.handlers[d.topic]...)
			t.mu.RUnlock()
			for _, h := range hs {
				if err := h(t.ctx, d.from, d.data); err != nil {
					t.net.log.Debug("handler rejected message",
						utils.ZapString("node", t.id.Short()),
						utils.ZapString("topic", d.topic),
						utils.ZapError(err))
				}
			}
		}
	}
}

func dedupKey(topic string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(topic))
	h.Write([]byte{0})
	h.Write(data)
	return string(h.Sum(nil))
}
