// Package p2p implements the network layer: the in-memory simulation net and
// the production libp2p router. Both satisfy types.Transport; trust decisions
// stay in the consensus layer, which authenticates by message signature.
package p2p

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	libp2p "github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/discovery"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	connmgr "github.com/libp2p/go-libp2p/p2p/net/connmgr"
	noise "github.com/libp2p/go-libp2p/p2p/security/noise"
	tlsp2p "github.com/libp2p/go-libp2p/p2p/security/tls"
	multiaddr "github.com/multiformats/go-multiaddr"

	"github.com/diotec-barros/diotec360-sub001/pkg/consensus/types"
	"github.com/diotec-barros/diotec360-sub001/pkg/utils"
)

// RouterConfig tunes the libp2p transport.
type RouterConfig struct {
	NodeID types.NodeID
	// IdentitySeed derives the libp2p host key (32 bytes). Required: random
	// identities break across restarts.
	IdentitySeed []byte

	ListenPort     int
	Rendezvous     string
	ProtocolPrefix string
	EnableTLS      bool
	EnableMDNS     bool
	ConnLow        int
	ConnHigh       int
	GracePeriod    time.Duration
	BootstrapAddrs []string
	// TopicMaxSize bounds message size per topic (bytes); 0 means default.
	TopicMaxSize      map[string]int
	DefaultMaxSize    int
	DiscoveryInterval time.Duration
	MaxHandlers       int
}

// DefaultRouterConfig returns defaults for a small validator network.
func DefaultRouterConfig() *RouterConfig {
	return &RouterConfig{
		ListenPort:        8000,
		Rendezvous:        "diotec360/v1",
		ProtocolPrefix:    "/diotec360",
		EnableTLS:         true,
		EnableMDNS:        false,
		ConnLow:           4,
		ConnHigh:          16,
		GracePeriod:       60 * time.Second,
		DefaultMaxSize:    17 << 20,
		DiscoveryInterval: 15 * time.Second,
		MaxHandlers:       200,
	}
}

// directEnvelope wraps a SendToPeer payload with its logical topic; it rides
// the recipient's inbox topic.
type directEnvelope struct {
	Topic string `cbor:"1,keyasint"`
	Data  []byte `cbor:"2,keyasint"`
}

// Router is the production transport: gossipsub over a noise/tls libp2p host
// with DHT rendezvous discovery and optional mDNS for LAN setups.
type Router struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    *RouterConfig
	log    *utils.Logger

	host      host.Host
	dht       *dht.IpfsDHT
	gossip    *pubsub.PubSub
	discovery discovery.Discovery

	mu         sync.RWMutex
	topics     map[string]*pubsub.Topic
	subs       map[string]*pubsub.Subscription
	handlers   map[string][]types.MessageHandler
	handlerSem chan struct{}
}

// NewRouter constructs and starts the libp2p transport.
func NewRouter(parent context.Context, cfg *RouterConfig, log *utils.Logger) (*Router, error) {
	if cfg == nil {
		cfg = DefaultRouterConfig()
	}
	if log == nil {
		log = utils.GetLogger()
	}
	if len(cfg.IdentitySeed) < ed25519.SeedSize {
		return nil, fmt.Errorf("identity seed must be %d bytes", ed25519.SeedSize)
	}
	ctx, cancel := context.WithCancel(parent)

	priv, pid, err := identityFromSeed(cfg.IdentitySeed[:ed25519.SeedSize])
	if err != nil {
		cancel()
		return nil, fmt.Errorf("derive identity: %w", err)
	}
	log.Info("p2p identity derived", utils.ZapString("peer_id", pid.String()))

	cm, err := connmgr.NewConnManager(cfg.ConnLow, cfg.ConnHigh,
		connmgr.WithGracePeriod(cfg.GracePeriod))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("connmgr: %w", err)
	}

	hostOpts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.ListenPort)),
		libp2p.ConnectionManager(cm),
		libp2p.Security(noise.ID, noise.New),
	}
	if cfg.EnableTLS {
		hostOpts = append(hostOpts, libp2p.Security(tlsp2p.ID, tlsp2p.New))
	}
	h, err := libp2p.New(hostOpts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("libp2p host: %w", err)
	}

	ipfsDHT, err := dht.New(ctx, h,
		dht.ProtocolPrefix(protocol.ID(cfg.ProtocolPrefix+"/kad")),
		dht.Mode(dht.ModeAuto),
	)
	if err != nil {
		_ = h.Close()
		cancel()
		return nil, fmt.Errorf("dht: %w", err)
	}
	rd := drouting.NewRoutingDiscovery(ipfsDHT)

	params := pubsub.DefaultGossipSubParams()
	params.D = 3
	params.Dlo = 2
	params.Dhi = 4
	params.HeartbeatInterval = time.Second
	ps, err := pubsub.NewGossipSub(ctx, h,
		pubsub.WithMessageSigning(true),
		pubsub.WithStrictSignatureVerification(true),
		pubsub.WithGossipSubParams(params),
	)
	if err != nil {
		_ = ipfsDHT.Close()
		_ = h.Close()
		cancel()
		return nil, fmt.Errorf("gossipsub: %w", err)
	}

	r := &Router{
		ctx:        ctx,
		cancel:     cancel,
		cfg:        cfg,
		log:        log,
		host:       h,
		dht:        ipfsDHT,
		gossip:     ps,
		discovery:  rd,
		topics:     make(map[string]*pubsub.Topic),
		subs:       make(map[string]*pubsub.Subscription),
		handlers:   make(map[string][]types.MessageHandler),
		handlerSem: make(chan struct{}, cfg.MaxHandlers),
	}

	if cfg.EnableMDNS {
		svc := mdns.NewMdnsService(h, cfg.Rendezvous, &mdnsNotifee{h: h, log: log})
		if err := svc.Start(); err != nil {
			log.Warn("mDNS failed to start", utils.ZapError(err))
		}
	}

	// Inbox for direct sends addressed to this node.
	if err := r.joinAndConsume(inboxTopic(cfg.NodeID), r.consumeInbox); err != nil {
		_ = r.Close()
		return nil, err
	}

	if err := r.dialBootstrapPeers(); err != nil {
		log.Warn("bootstrap dialing issues", utils.ZapError(err))
	}
	go r.advertiseLoop()
	go r.discoveryLoop()

	return r, nil
}

// Broadcast publishes data to a gossip topic.
func (r *Router) Broadcast(ctx context.Context, topic string, data []byte) error {
	if len(data) > r.maxSize(topic) {
		return fmt.Errorf("message size %d exceeds limit %d for %s",
			len(data), r.maxSize(topic), topic)
	}
	t, err := r.join(topic)
	if err != nil {
		return err
	}
	return t.Publish(ctx, data)
}

// SendToPeer wraps the payload in an envelope and publishes it on the
// recipient's inbox topic. Gossip carries it; only the recipient subscribes.
func (r *Router) SendToPeer(ctx context.Context, id types.NodeID, topic string, data []byte) error {
	env, err := cbor.Marshal(&directEnvelope{Topic: topic, Data: data})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	t, err := r.join(inboxTopic(id))
	if err != nil {
		return err
	}
	return t.Publish(ctx, env)
}

// Subscribe registers a handler and starts consuming the topic.
func (r *Router) Subscribe(topic string, handler types.MessageHandler) error {
	if topic == "" || handler == nil {
		return fmt.Errorf("invalid subscription")
	}
	r.mu.Lock()
	r.handlers[topic] = append(r.handlers[topic], handler)
	r.mu.Unlock()
	return r.joinAndConsume(topic, nil)
}

// DiscoverPeers lists currently connected peers. Transport-level identities
// are fingerprints of the libp2p peer id; consensus-level identity comes from
// message signatures, not from the transport.
func (r *Router) DiscoverPeers(ctx context.Context) ([]types.PeerInfo, error) {
	peers := r.host.Network().Peers()
	out := make([]types.PeerInfo, 0, len(peers))
	for _, p := range peers {
		var addr string
		if addrs := r.host.Peerstore().Addrs(p); len(addrs) > 0 {
			addr = addrs[0].String()
		}
		out = append(out, types.PeerInfo{
			PeerID:   types.NodeID(sha256.Sum256([]byte(p.String()))),
			Address:  addr,
			LastSeen: time.Now(),
		})
	}
	return out, nil
}

// Close shuts the router down.
func (r *Router) Close() error {
	r.cancel()
	if r.dht != nil {
		_ = r.dht.Close()
	}
	if r.host != nil {
		return r.host.Close()
	}
	return nil
}

// --- internal ---

func (r *Router) join(topic string) (*pubsub.Topic, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.topics[topic]; ok {
		return t, nil
	}
	max := r.maxSize(topic)
	_ = r.gossip.RegisterTopicValidator(topic,
		func(ctx context.Context, id peer.ID, msg *pubsub.Message) pubsub.ValidationResult {
			if len(msg.Data) > max {
				return pubsub.ValidationReject
			}
			return pubsub.ValidationAccept
		})
	t, err := r.gossip.Join(topic)
	if err != nil {
		return nil, fmt.Errorf("join topic %s: %w", topic, err)
	}
	r.topics[topic] = t
	return t, nil
}

// joinAndConsume subscribes to a topic; deliver overrides handler dispatch
// when non-nil (used by the inbox).
func (r *Router) joinAndConsume(topic string, deliver func(from peer.ID, data []byte)) error {
	t, err := r.join(topic)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if _, ok := r.subs[topic]; ok {
		r.mu.Unlock()
		return nil
	}
	sub, err := t.Subscribe()
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("subscribe topic %s: %w", topic, err)
	}
	r.subs[topic] = sub
	r.mu.Unlock()

	go r.consume(topic, sub, deliver)
	return nil
}

func (r *Router) consume(topic string, sub *pubsub.Subscription, deliver func(peer.ID, []byte)) {
	for {
		msg, err := sub.Next(r.ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == r.host.ID() || len(msg.Data) == 0 {
			continue
		}
		if deliver != nil {
			deliver(msg.ReceivedFrom, msg.Data)
			continue
		}
		r.dispatch(topic, msg.ReceivedFrom, msg.Data)
	}
}

func (r *Router) consumeInbox(from peer.ID, data []byte) {
	var env directEnvelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		r.log.Warn("malformed direct envelope", utils.ZapError(err))
		return
	}
	r.dispatch(env.Topic, from, env.Data)
}

func (r *Router) dispatch(topic string, from peer.ID, data []byte) {
	r.mu.RLock()
	hs := append([]types.MessageHandler(nil), r.handlers[topic]...)
	r.mu.RUnlock()

	sender := types.NodeID(sha256.Sum256([]byte(from.String())))
	// Handlers run inline on the topic's consume goroutine so messages reach
	// them in arrival order. The semaphore bounds handler work across topics.
	for _, h := range hs {
		select {
		case r.handlerSem <- struct{}{}:
		case <-r.ctx.Done():
			return
		}
		r.invoke(topic, h, sender, data)
	}
}

func (r *Router) invoke(topic string, h types.MessageHandler, sender types.NodeID, data []byte) {
	defer func() { <-r.handlerSem }()
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("handler panic",
				utils.ZapString("topic", topic),
				utils.ZapAny("panic", rec))
		}
	}()
	if err := h(r.ctx, sender, data); err != nil {
		r.log.Debug("handler rejected message",
			utils.ZapString("topic", topic),
			utils.ZapError(err))
	}
}

func (r *Router) advertiseLoop() {
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-t.C:
			_, _ = r.discovery.Advertise(r.ctx, r.cfg.Rendezvous)
		}
	}
}

func (r *Router) discoveryLoop() {
	t := time.NewTicker(r.cfg.DiscoveryInterval)
	defer t.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-t.C:
			peerCh, err := r.discovery.FindPeers(r.ctx, r.cfg.Rendezvous)
			if err != nil {
				r.log.Warn("discovery error", utils.ZapError(err))
				continue
			}
			for p := range peerCh {
				if p.ID == "" || p.ID == r.host.ID() {
					continue
				}
				_ = r.host.Connect(r.ctx, p)
			}
		}
	}
}

func (r *Router) dialBootstrapPeers() error {
	var errs []string
	for _, addr := range r.cfg.BootstrapAddrs {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		maddr, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", addr, err))
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", addr, err))
			continue
		}
		dialCtx, cancel := context.WithTimeout(r.ctx, 10*time.Second)
		err = r.host.Connect(dialCtx, *info)
		cancel()
		if err != nil {
			r.log.Debug("bootstrap connection failed",
				utils.ZapString("peer", info.ID.String()), utils.ZapError(err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("bootstrap resolution issues: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (r *Router) maxSize(topic string) int {
	if r.cfg.TopicMaxSize != nil {
		if max, ok := r.cfg.TopicMaxSize[topic]; ok && max > 0 {
			return max
		}
	}
	return r.cfg.DefaultMaxSize
}

func inboxTopic(id types.NodeID) string {
	return "diotec360/inbox/v1/" + id.Hex()
}

func identityFromSeed(seed []byte) (crypto.PrivKey, peer.ID, error) {
	std := ed25519.NewKeyFromSeed(seed)
	priv, err := crypto.UnmarshalEd25519PrivateKey([]byte(std))
	if err != nil {
		return nil, "", err
	}
	pid, err := peer.IDFromPrivateKey(priv)
	return priv, pid, err
}

// mdnsNotifee connects to LAN-discovered peers and protects them from
// connection manager pruning.
type mdnsNotifee struct {
	h   host.Host
	log *utils.Logger
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	if err := n.h.Connect(context.Background(), pi); err != nil {
		n.log.Warn("mDNS peer connect failed",
			utils.ZapString("peer_id", pi.ID.String()), utils.ZapError(err))
		return
	}
	n.h.ConnManager().TagPeer(pi.ID, "validator", 1000)
	n.h.ConnManager().Protect(pi.ID, "validator-peer")
}
