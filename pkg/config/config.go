// Package config loads node configuration from the environment. Values come
// from process env (optionally seeded by a .env file in cmd), with defaults
// suitable for local development; production deployments set everything
// explicitly.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/diotec-barros/diotec360-sub001/pkg/consensus/types"
)

// Config is the complete node configuration.
type Config struct {
	Node      NodeConfig
	Consensus ConsensusConfig
	Network   NetworkConfig
	Kafka     KafkaConfig
	Audit     AuditConfig
}

// NodeConfig identifies this validator.
type NodeConfig struct {
	// ID is the 32-byte validator identity (hex).
	ID types.NodeID
	// PrivateKeySeed is the 32-byte Ed25519 seed (hex). It signs consensus
	// messages and derives the transport identity.
	PrivateKeySeed []byte
	Stake          uint64
	DataDir        string
}

// ConsensusConfig tunes the agreement protocol.
type ConsensusConfig struct {
	RoundTimeout       time.Duration
	ProposalInterval   time.Duration
	BlockLimit         int
	CheckpointInterval uint64
	MempoolMaxSize     int
}

// NetworkConfig tunes the libp2p transport.
type NetworkConfig struct {
	ListenPort     int
	Rendezvous     string
	BootstrapAddrs []string
	EnableMDNS     bool
	EnableTLS      bool
}

// KafkaConfig configures the proof ingest path. Empty Brokers disables
// Kafka ingest entirely.
type KafkaConfig struct {
	Brokers       []string
	GroupID       string
	Topics        []string
	DLQTopic      string
	SASLMechanism string
	SASLUsername  string
	SASLPassword  string
}

// AuditConfig configures the tamper-evident audit log.
type AuditConfig struct {
	FilePath   string
	SigningKey []byte
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Consensus: ConsensusConfig{
			RoundTimeout:       getDuration("CONSENSUS_ROUND_TIMEOUT", 5*time.Second),
			ProposalInterval:   getDuration("CONSENSUS_PROPOSAL_INTERVAL", time.Second),
			BlockLimit:         getInt("CONSENSUS_BLOCK_LIMIT", 100),
			CheckpointInterval: uint64(getInt("CONSENSUS_CHECKPOINT_INTERVAL", 1)),
			MempoolMaxSize:     getInt("MEMPOOL_MAX_SIZE", 10000),
		},
		Network: NetworkConfig{
			ListenPort:     getInt("P2P_LISTEN_PORT", 8000),
			Rendezvous:     getString("P2P_RENDEZVOUS", "diotec360/v1"),
			BootstrapAddrs: getList("P2P_BOOTSTRAP_ADDRS"),
			EnableMDNS:     getBool("P2P_ENABLE_MDNS", false),
			EnableTLS:      getBool("P2P_ENABLE_TLS", true),
		},
		Kafka: KafkaConfig{
			Brokers:       getList("KAFKA_BROKERS"),
			GroupID:       getString("KAFKA_GROUP_ID", "diotec360-validators"),
			Topics:        getList("KAFKA_TOPICS"),
			DLQTopic:      getString("KAFKA_DLQ_TOPIC", ""),
			SASLMechanism: getString("KAFKA_SASL_MECHANISM", ""),
			SASLUsername:  getString("KAFKA_SASL_USERNAME", ""),
			SASLPassword:  getString("KAFKA_SASL_PASSWORD", ""),
		},
		Audit: AuditConfig{
			FilePath: getString("AUDIT_LOG_PATH", ""),
		},
	}
	if len(cfg.Kafka.Topics) == 0 {
		cfg.Kafka.Topics = []string{"proofs.submitted.v1"}
	}
	if key := getString("AUDIT_SIGNING_KEY", ""); key != "" {
		cfg.Audit.SigningKey = []byte(key)
	}

	cfg.Node.Stake = uint64(getInt("NODE_STAKE", 0))
	cfg.Node.DataDir = getString("NODE_DATA_DIR", "./data")

	if idHex := getString("NODE_ID", ""); idHex != "" {
		id, err := parseNodeID(idHex)
		if err != nil {
			return nil, fmt.Errorf("NODE_ID: %w", err)
		}
		cfg.Node.ID = id
	}
	if seedHex := getString("NODE_PRIVATE_KEY_SEED", ""); seedHex != "" {
		seed, err := hex.DecodeString(seedHex)
		if err != nil {
			return nil, fmt.Errorf("NODE_PRIVATE_KEY_SEED: %w", err)
		}
		if len(seed) != 32 {
			return nil, fmt.Errorf("NODE_PRIVATE_KEY_SEED: need 32 bytes, got %d", len(seed))
		}
		cfg.Node.PrivateKeySeed = seed
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces internal consistency.
func (c *Config) Validate() error {
	if c.Consensus.RoundTimeout <= 0 {
		return fmt.Errorf("round timeout must be positive")
	}
	if c.Consensus.ProposalInterval <= 0 {
		return fmt.Errorf("proposal interval must be positive")
	}
	if c.Consensus.BlockLimit <= 0 {
		return fmt.Errorf("block limit must be positive")
	}
	if c.Consensus.CheckpointInterval == 0 {
		return fmt.Errorf("checkpoint interval must be positive")
	}
	if c.Network.ListenPort < 0 || c.Network.ListenPort > 65535 {
		return fmt.Errorf("listen port %d out of range", c.Network.ListenPort)
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.GroupID == "" {
		return fmt.Errorf("kafka group ID required when brokers are set")
	}
	return nil
}

func parseNodeID(s string) (types.NodeID, error) {
	var id types.NodeID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("need %d bytes, got %d", len(id), len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
