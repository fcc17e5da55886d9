package main

import (
	"testing"
	"time"

	"github.com/diotec-barros/diotec360-sub001/pkg/config"
)

func TestConsensusConfigFromEnvironment(t *testing.T) {
	t.Setenv("CONSENSUS_ROUND_TIMEOUT", "9s")
	t.Setenv("CONSENSUS_BLOCK_LIMIT", "7")
	t.Setenv("CONSENSUS_CHECKPOINT_INTERVAL", "3")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cc := consensusConfig(cfg)
	if cc.RoundTimeout != 9*time.Second {
		t.Fatalf("round timeout = %s, want 9s", cc.RoundTimeout)
	}
	if cc.BlockLimit != 7 {
		t.Fatalf("block limit = %d, want 7", cc.BlockLimit)
	}
	if cc.CheckpointInterval != 3 {
		t.Fatalf("checkpoint interval = %d, want 3", cc.CheckpointInterval)
	}
	if !cc.SlashMismatchedClaims {
		t.Fatal("mismatched-claim slashing disabled")
	}
}
