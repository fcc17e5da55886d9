package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Consensus.RoundTimeout != 5*time.Second {
		t.Fatalf("round timeout = %s, want 5s", cfg.Consensus.RoundTimeout)
	}
	if cfg.Consensus.BlockLimit != 100 {
		t.Fatalf("block limit = %d, want 100", cfg.Consensus.BlockLimit)
	}
	if cfg.Network.ListenPort != 8000 {
		t.Fatalf("listen port = %d, want 8000", cfg.Network.ListenPort)
	}
	if len(cfg.Kafka.Topics) != 1 || cfg.Kafka.Topics[0] != "proofs.submitted.v1" {
		t.Fatalf("kafka topics = %v", cfg.Kafka.Topics)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("CONSENSUS_ROUND_TIMEOUT", "2s")
	t.Setenv("P2P_BOOTSTRAP_ADDRS", "/ip4/10.0.0.1/tcp/8000/p2p/x, /ip4/10.0.0.2/tcp/8000/p2p/y")
	t.Setenv("KAFKA_BROKERS", "broker-1:9092,broker-2:9092")
	t.Setenv("NODE_ID", strings.Repeat("ab", 32))
	t.Setenv("NODE_PRIVATE_KEY_SEED", strings.Repeat("cd", 32))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Consensus.RoundTimeout != 2*time.Second {
		t.Fatalf("round timeout = %s, want 2s", cfg.Consensus.RoundTimeout)
	}
	if len(cfg.Network.BootstrapAddrs) != 2 {
		t.Fatalf("bootstrap addrs = %v", cfg.Network.BootstrapAddrs)
	}
	if len(cfg.Kafka.Brokers) != 2 {
		t.Fatalf("brokers = %v", cfg.Kafka.Brokers)
	}
	if cfg.Node.ID[0] != 0xAB {
		t.Fatal("node id not decoded")
	}
	if len(cfg.Node.PrivateKeySeed) != 32 || cfg.Node.PrivateKeySeed[0] != 0xCD {
		t.Fatal("private key seed not decoded")
	}
}

func TestLoadRejectsBadSeed(t *testing.T) {
	t.Setenv("NODE_PRIVATE_KEY_SEED", "abcd")
	if _, err := Load(); err == nil {
		t.Fatal("short seed accepted")
	}
}

func TestLoadRejectsBadNodeID(t *testing.T) {
	t.Setenv("NODE_ID", "zz")
	if _, err := Load(); err == nil {
		t.Fatal("malformed node id accepted")
	}
}
