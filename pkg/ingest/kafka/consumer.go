// Package kafka ingests externally submitted proofs from Kafka topics into
// the mempool. Proofs arrive signed by their producer; the consumer rejects
// anything that fails decode or signature verification before it touches
// consensus.
package kafka

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/diotec-barros/diotec360-sub001/pkg/mempool"
	"github.com/diotec-barros/diotec360-sub001/pkg/proof"
	"github.com/diotec-barros/diotec360-sub001/pkg/utils"
)

// DefaultTopic is the proof submission topic.
const DefaultTopic = "proofs.submitted.v1"

// ConsumerConfig holds configuration for creating a consumer.
type ConsumerConfig struct {
	Brokers  []string
	GroupID  string
	Topics   []string
	DLQTopic string // optional dead letter topic for poisoned messages
}

// DefaultConsumerConfig returns defaults for local development.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		GroupID: "diotec360-validators",
		Topics:  []string{DefaultTopic},
	}
}

// Consumer pulls proof submissions from Kafka and admits them to the mempool.
type Consumer struct {
	consumerGroup sarama.ConsumerGroup
	topics        []string
	pool          *mempool.Mempool
	verifier      *proof.Verifier
	logger        *utils.Logger
	audit         *utils.AuditLogger
	dlqProducer   sarama.SyncProducer
	dlqTopic      string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool

	consumed uint64
	admitted uint64
	rejected uint64
	failed   uint64
}

// ConsumerStats is a point-in-time snapshot of ingest counters.
type ConsumerStats struct {
	Consumed uint64
	Admitted uint64
	Rejected uint64
	Failed   uint64
}

// NewConsumer creates a Kafka consumer bound to the proof submission topics.
func NewConsumer(ctx context.Context, cfg ConsumerConfig, saramaCfg *sarama.Config, pool *mempool.Mempool, verifier *proof.Verifier, logger *utils.Logger, audit *utils.AuditLogger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka consumer: no brokers configured")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("kafka consumer: group ID required")
	}
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("kafka consumer: no topics configured")
	}
	if pool == nil || verifier == nil {
		return nil, fmt.Errorf("kafka consumer: mempool and verifier required")
	}

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaCfg)
	if err != nil {
		if audit != nil {
			_ = audit.Security("kafka_consumer_creation_failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
		return nil, fmt.Errorf("kafka consumer: failed to create: %w", err)
	}

	var dlqProducer sarama.SyncProducer
	if cfg.DLQTopic != "" {
		dlqProducer, err = sarama.NewSyncProducer(cfg.Brokers, saramaCfg)
		if err != nil {
			consumerGroup.Close()
			return nil, fmt.Errorf("kafka consumer: failed to create DLQ producer: %w", err)
		}
	}

	consumerCtx, cancel := context.WithCancel(ctx)
	c := &Consumer{
		consumerGroup: consumerGroup,
		topics:        cfg.Topics,
		pool:          pool,
		verifier:      verifier,
		logger:        logger,
		audit:         audit,
		dlqProducer:   dlqProducer,
		dlqTopic:      cfg.DLQTopic,
		ctx:           consumerCtx,
		cancel:        cancel,
	}

	if logger != nil {
		logger.InfoContext(ctx, "Kafka consumer created",
			utils.ZapString("group_id", cfg.GroupID),
			utils.ZapStrings("topics", cfg.Topics),
			utils.ZapBool("dlq_enabled", cfg.DLQTopic != ""))
	}
	return c, nil
}

// Start launches the consume loop. Returns immediately; call Stop to drain.
func (c *Consumer) Start() error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return fmt.Errorf("kafka consumer: already closed")
	}
	c.mu.RUnlock()

	c.wg.Add(1)
	go c.consumeLoop()
	return nil
}

// Stop gracefully stops the consumer.
func (c *Consumer) Stop() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	if err := c.consumerGroup.Close(); err != nil {
		if c.logger != nil {
			c.logger.Error("Failed to close Kafka consumer group", utils.ZapError(err))
		}
		return fmt.Errorf("kafka consumer: close failed: %w", err)
	}
	if c.dlqProducer != nil {
		if err := c.dlqProducer.Close(); err != nil && c.logger != nil {
			c.logger.Error("Failed to close DLQ producer", utils.ZapError(err))
		}
	}

	if c.logger != nil {
		stats := c.Stats()
		c.logger.Info("Kafka consumer stopped",
			utils.ZapUint64("consumed", stats.Consumed),
			utils.ZapUint64("admitted", stats.Admitted),
			utils.ZapUint64("rejected", stats.Rejected),
			utils.ZapUint64("failed", stats.Failed))
	}
	return nil
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()

	handler := &consumerGroupHandler{consumer: c}
	for {
		if err := c.consumerGroup.Consume(c.ctx, c.topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			if c.logger != nil {
				c.logger.ErrorContext(c.ctx, "Kafka consumer error, retrying after backoff",
					utils.ZapError(err))
			}
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(5 * time.Second):
				continue
			}
		}
		if c.ctx.Err() != nil {
			return
		}
	}
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler.
type consumerGroupHandler struct {
	consumer *Consumer
}

func (h *consumerGroupHandler) Setup(session sarama.ConsumerGroupSession) error {
	if log := h.consumer.logger; log != nil {
		total := 0
		for _, partitions := range session.Claims() {
			total += len(partitions)
		}
		log.Info("Kafka consumer session ready",
			utils.ZapInt("topics", len(session.Claims())),
			utils.ZapInt("total_partitions", total))
	}
	return nil
}

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	if log := h.consumer.logger; log != nil {
		log.Info("Kafka consumer session closed")
	}
	return nil
}

// ConsumeClaim processes messages from one partition. Offsets advance even on
// failure; poisoned messages are routed to the DLQ, not reprocessed forever.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			h.consumer.processMessage(ctx, message)
			session.MarkMessage(message, "")
		}
	}
}

// processMessage handles a single submission: decode, verify, admit.
func (c *Consumer) processMessage(ctx context.Context, message *sarama.ConsumerMessage) {
	c.bump(&c.consumed)

	p, err := proof.Unmarshal(message.Value)
	if err != nil {
		c.bump(&c.failed)
		if c.logger != nil {
			c.logger.WarnContext(ctx, "Failed to decode proof submission",
				utils.ZapError(err),
				utils.ZapInt64("offset", message.Offset))
		}
		c.routeToDLQ(ctx, message, err)
		return
	}

	hash := p.ContentHash()
	if res := c.verifier.VerifyProof(p); !res.Valid {
		c.bump(&c.rejected)
		if c.audit != nil {
			_ = c.audit.Security("proof_submission_rejected", map[string]interface{}{
				"proof_hash": hex.EncodeToString(hash[:]),
				"offset":     message.Offset,
				"error":      fmt.Sprintf("%v", res.Err),
			})
		}
		c.routeToDLQ(ctx, message, res.Err)
		return
	}

	if !c.pool.Add(p) {
		// Duplicate or pool full; not a message defect, so no DLQ.
		c.bump(&c.rejected)
		if c.logger != nil {
			c.logger.DebugContext(ctx, "Mempool declined proof",
				utils.ZapString("proof_hash", hex.EncodeToString(hash[:8])))
		}
		return
	}
	c.bump(&c.admitted)
}

// routeToDLQ forwards a failed message to the dead letter topic, if configured.
func (c *Consumer) routeToDLQ(ctx context.Context, message *sarama.ConsumerMessage, originalErr error) {
	if c.dlqProducer == nil || c.dlqTopic == "" {
		return
	}
	errText := "invalid"
	if originalErr != nil {
		errText = originalErr.Error()
	}
	dlqMessage := &sarama.ProducerMessage{
		Topic: c.dlqTopic,
		Key:   sarama.ByteEncoder(message.Key),
		Value: sarama.ByteEncoder(message.Value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("original_topic"), Value: []byte(message.Topic)},
			{Key: []byte("original_offset"), Value: []byte(fmt.Sprintf("%d", message.Offset))},
			{Key: []byte("error"), Value: []byte(errText)},
		},
	}
	if _, _, err := c.dlqProducer.SendMessage(dlqMessage); err != nil {
		if c.logger != nil {
			c.logger.ErrorContext(ctx, "Failed to route message to DLQ",
				utils.ZapError(err),
				utils.ZapInt64("offset", message.Offset))
		}
		return
	}
	if c.audit != nil {
		_ = c.audit.Warn("message_routed_to_dlq", map[string]interface{}{
			"original_topic":  message.Topic,
			"original_offset": message.Offset,
			"original_error":  errText,
		})
	}
}

func (c *Consumer) bump(field *uint64) {
	c.mu.Lock()
	*field++
	c.mu.Unlock()
}

// Stats returns ingest counters.
func (c *Consumer) Stats() ConsumerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ConsumerStats{
		Consumed: c.consumed,
		Admitted: c.admitted,
		Rejected: c.rejected,
		Failed:   c.failed,
	}
}

// NewSaramaConfig builds a sarama config with optional SCRAM authentication,
// mirroring the broker settings the submission producers use.
func NewSaramaConfig(clientID, username, password, mechanism string) (*sarama.Config, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Version = sarama.V3_6_0_0
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Return.Errors = true

	if username != "" {
		cfg.Net.SASL.Enable = true
		cfg.Net.SASL.User = username
		cfg.Net.SASL.Password = password
		switch mechanism {
		case "SCRAM-SHA-256":
			cfg.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
			cfg.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &XDGSCRAMClient{HashGeneratorFcn: SHA256}
			}
		case "SCRAM-SHA-512":
			cfg.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
			cfg.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &XDGSCRAMClient{HashGeneratorFcn: SHA512}
			}
		default:
			return nil, fmt.Errorf("unsupported SASL mechanism %q", mechanism)
		}
	}
	return cfg, nil
}
