package pbft

import (
	"context"
	"fmt"
	"time"

	"github.com/diotec-barros/diotec360-sub001/pkg/consensus/messages"
	"github.com/diotec-barros/diotec360-sub001/pkg/consensus/types"
)

// topicType maps a gossip topic to its wire message type.
func topicType(topic string) (types.MessageType, bool) {
	switch topic {
	case TopicPrePrepare:
		return types.MessageTypePrePrepare, true
	case TopicPrepare:
		return types.MessageTypePrepare, true
	case TopicCommit:
		return types.MessageTypeCommit, true
	case TopicViewChange:
		return types.MessageTypeViewChange, true
	case TopicNewView:
		return types.MessageTypeNewView, true
	default:
		return 0, false
	}
}

// HandleWire decodes and dispatches one raw transport message. Authentication
// comes from the message signature, not the transport sender.
func (e *Engine) HandleWire(ctx context.Context, topic string, data []byte) error {
	msgType, ok := topicType(topic)
	if !ok {
		return fmt.Errorf("unknown consensus topic %q", topic)
	}
	msg, err := e.encoder.VerifyAndDecode(data, msgType)
	if err != nil {
		return err
	}

	switch m := msg.(type) {
	case *messages.PrePrepare:
		return e.HandlePrePrepare(ctx, m)
	case *messages.Prepare:
		return e.HandlePrepare(ctx, m)
	case *messages.Commit:
		return e.HandleCommit(ctx, m)
	case *messages.ViewChange:
		return e.HandleViewChange(ctx, m)
	case *messages.NewView:
		return e.HandleNewView(ctx, m)
	default:
		return fmt.Errorf("unhandled message type %T", msg)
	}
}

// Inbound is one queued transport delivery.
type Inbound struct {
	From  types.NodeID
	Topic string
	Data  []byte
}

// Batcher drains the node's inbound queue in bounded batches: up to BatchSize
// messages or whatever arrived before the flush interval, whichever comes
// first. Messages are still processed one at a time in arrival order, so
// round state stays single-writer; batching only amortizes wakeups.
type Batcher struct {
	engine   *Engine
	queue    chan Inbound
	size     int
	interval time.Duration
	log      types.Logger
}

// BatcherConfig bounds the inbound queue.
type BatcherConfig struct {
	QueueDepth    int
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultBatcherConfig returns production queue bounds.
func DefaultBatcherConfig() BatcherConfig {
	return BatcherConfig{
		QueueDepth:    4096,
		BatchSize:     64,
		FlushInterval: 20 * time.Millisecond,
	}
}

// NewBatcher creates the inbound batcher for an engine.
func NewBatcher(engine *Engine, cfg BatcherConfig, log types.Logger) *Batcher {
	if cfg.QueueDepth <= 0 || cfg.BatchSize <= 0 {
		cfg = DefaultBatcherConfig()
	}
	return &Batcher{
		engine:   engine,
		queue:    make(chan Inbound, cfg.QueueDepth),
		size:     cfg.BatchSize,
		interval: cfg.FlushInterval,
		log:      log,
	}
}

// Enqueue adds a delivery to the queue. Returns false when the queue is full;
// the message is dropped and the sender must rely on retransmission.
func (b *Batcher) Enqueue(msg Inbound) bool {
	select {
	case b.queue <- msg:
		return true
	default:
		return false
	}
}

// Run drains the queue until ctx is cancelled. It is the single consumer of
// the engine's inbound messages.
func (b *Batcher) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.queue:
			b.process(ctx, msg)
			b.drain(ctx, b.size-1)
		case <-ticker.C:
			b.drain(ctx, b.size)
		}
	}
}

func (b *Batcher) drain(ctx context.Context, limit int) {
	for i := 0; i < limit; i++ {
		select {
		case msg := <-b.queue:
			b.process(ctx, msg)
		default:
			return
		}
	}
}

func (b *Batcher) process(ctx context.Context, msg Inbound) {
	if err := b.engine.HandleWire(ctx, msg.Topic, msg.Data); err != nil {
		// Per-message failures are dropped, never fatal.
		b.log.DebugContext(ctx, "message dropped",
			"topic", msg.Topic,
			"from", msg.From.Short(),
			"error", err)
	}
}
