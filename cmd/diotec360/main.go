package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/diotec-barros/diotec360-sub001/pkg/config"
	"github.com/diotec-barros/diotec360-sub001/pkg/consensus/pbft"
	"github.com/diotec-barros/diotec360-sub001/pkg/consensus/types"
	"github.com/diotec-barros/diotec360-sub001/pkg/ingest/kafka"
	"github.com/diotec-barros/diotec360-sub001/pkg/node"
	"github.com/diotec-barros/diotec360-sub001/pkg/p2p"
	"github.com/diotec-barros/diotec360-sub001/pkg/proof"
	"github.com/diotec-barros/diotec360-sub001/pkg/state"
	"github.com/diotec-barros/diotec360-sub001/pkg/utils"
)

func main() {
	mode := flag.String("mode", "sim", "run mode: sim (in-memory cluster) or daemon (networked validator)")
	nodes := flag.Int("nodes", 4, "sim: number of validators")
	stake := flag.Uint64("stake", 5000, "sim: stake per validator")
	duration := flag.Duration("duration", 10*time.Second, "sim: how long to run")
	report := flag.String("report", "deployment_report.json", "sim: report output path")
	bootstrap := flag.String("bootstrap", "", "daemon: comma-separated bootstrap multiaddrs (overrides P2P_BOOTSTRAP_ADDRS)")
	flag.Parse()

	// Load doesn't overwrite variables already set in the environment.
	for _, path := range []string{".env", "../.env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	switch *mode {
	case "sim":
		if err := runSim(*nodes, *stake, *duration, *report); err != nil {
			log.Fatalf("simulation failed: %v", err)
		}
	case "daemon":
		if *bootstrap != "" {
			os.Setenv("P2P_BOOTSTRAP_ADDRS", *bootstrap)
		}
		if err := runDaemon(); err != nil {
			log.Fatalf("daemon failed: %v", err)
		}
	default:
		log.Fatalf("unknown mode %q", *mode)
	}
}

// deploymentReport summarizes a simulation run.
type deploymentReport struct {
	ReportID        string    `json:"report_id"`
	StartedAt       time.Time `json:"started_at"`
	DurationSeconds float64   `json:"duration_seconds"`
	Validators      int       `json:"validators"`
	StakePerNode    uint64    `json:"stake_per_node"`
	RoundsFinalized uint64    `json:"rounds_finalized"`
	RoundsFailed    uint64    `json:"rounds_failed"`
	ViewChanges     uint64    `json:"view_changes"`
	RewardsPaid     uint64    `json:"rewards_paid"`
	Throughput      float64   `json:"throughput_rounds_per_sec"`
	Issues          []string  `json:"issues"`
}

// runSim drives a self-contained cluster over the in-memory network and
// writes a JSON report. Useful for protocol validation without any
// infrastructure.
func runSim(n int, stakePerNode uint64, duration time.Duration, reportPath string) error {
	if n < 4 {
		return fmt.Errorf("need at least 4 validators, got %d", n)
	}
	logger, err := utils.NewLogger(&utils.LogConfig{Level: "info", Development: true})
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	net := p2p.NewMemNet(logger)
	ids := make([]types.NodeID, n)
	privs := make(map[types.NodeID]ed25519.PrivateKey, n)
	pubs := make(map[types.NodeID]ed25519.PublicKey, n)
	for i := 0; i < n; i++ {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return fmt.Errorf("generate key: %w", err)
		}
		ids[i] = types.NodeID{byte(i + 1)}
		privs[ids[i]] = priv
		pubs[ids[i]] = pub
	}

	cluster := make([]*node.Node, 0, n)
	for _, id := range ids {
		store := state.NewStore(logger)
		for _, vid := range ids {
			store.RegisterValidator(types.ValidatorInfo{ID: vid, PublicKey: pubs[vid], Stake: stakePerNode})
		}
		store.SetBalance(state.TreasuryID, 100_000_000)

		nd, err := node.New(node.Options{
			ID:               id,
			PrivateKey:       privs[id],
			Store:            store,
			Transport:        net.Join(id, stakePerNode),
			ProposalInterval: 100 * time.Millisecond,
			Logger:           logger,
		})
		if err != nil {
			return fmt.Errorf("node %s: %w", id.Short(), err)
		}
		cluster = append(cluster, nd)
	}

	started := time.Now()
	for _, nd := range cluster {
		nd := nd
		go func() { _ = nd.Run(ctx) }()
	}
	go feedProofs(ctx, cluster)

	<-ctx.Done()

	snap := cluster[0].Metrics().Snapshot()
	rep := deploymentReport{
		ReportID:        uuid.NewString(),
		StartedAt:       started,
		DurationSeconds: time.Since(started).Seconds(),
		Validators:      n,
		StakePerNode:    stakePerNode,
		RoundsFinalized: snap.RoundsFinalized,
		RoundsFailed:    snap.RoundsFailed,
		ViewChanges:     snap.ViewChanges,
		RewardsPaid:     snap.RewardsPaid,
		Throughput:      snap.Throughput,
		Issues:          []string{},
	}
	if snap.RoundsFinalized == 0 {
		rep.Issues = append(rep.Issues, "no rounds finalized")
	}
	if snap.RoundsFailed > 0 {
		rep.Issues = append(rep.Issues, fmt.Sprintf("%d rounds failed", snap.RoundsFailed))
	}

	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := os.WriteFile(reportPath, data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	fmt.Printf("simulation complete: %d rounds finalized, report at %s\n",
		snap.RoundsFinalized, reportPath)
	return nil
}

// feedProofs injects synthetic signed proofs so leaders always have work.
func feedProofs(ctx context.Context, cluster []*node.Node) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return
	}
	constraints := make([]string, 32)
	for i := range constraints {
		constraints[i] = fmt.Sprintf("x_%d >= 0", i)
	}
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for i := 0; i < 5; i++ {
				p := &proof.Proof{
					Intent:         fmt.Sprintf("sim-transfer-%d", seq),
					Constraints:    constraints,
					PostConditions: []string{"sum unchanged"},
					Valid:          true,
					Timestamp:      time.Now().Unix(),
					ProducerID:     []byte("simulator"),
					Nonce:          []byte(fmt.Sprintf("sim-%016d", seq)),
				}
				proof.Sign(p, priv)
				seq++
				// Every node carries the pool; only the current leader
				// proposes from it.
				for _, nd := range cluster {
					nd.SubmitProof(p)
				}
			}
		}
	}
}

// runDaemon runs one networked validator: libp2p transport, optional Kafka
// ingest, and the consensus engine, configured entirely from the environment.
func runDaemon() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger, err := utils.NewLogger(nil)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	var audit *utils.AuditLogger
	if cfg.Audit.FilePath != "" {
		audit, err = utils.NewAuditLogger(&utils.AuditConfig{
			FilePath:      cfg.Audit.FilePath,
			EnableSigning: len(cfg.Audit.SigningKey) > 0,
			SigningKey:    cfg.Audit.SigningKey,
			NodeID:        cfg.Node.ID.Short(),
			Component:     "validator",
		})
		if err != nil {
			return fmt.Errorf("audit log: %w", err)
		}
		defer audit.Close()
	}

	if len(cfg.Node.PrivateKeySeed) == 0 {
		return fmt.Errorf("NODE_PRIVATE_KEY_SEED is required in daemon mode")
	}
	priv := ed25519.NewKeyFromSeed(cfg.Node.PrivateKeySeed)

	store := state.NewStore(logger)
	if err := loadGenesis(store); err != nil {
		return fmt.Errorf("genesis: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	routerCfg := p2p.DefaultRouterConfig()
	routerCfg.NodeID = cfg.Node.ID
	routerCfg.IdentitySeed = cfg.Node.PrivateKeySeed
	routerCfg.ListenPort = cfg.Network.ListenPort
	routerCfg.Rendezvous = cfg.Network.Rendezvous
	routerCfg.BootstrapAddrs = cfg.Network.BootstrapAddrs
	routerCfg.EnableMDNS = cfg.Network.EnableMDNS
	routerCfg.EnableTLS = cfg.Network.EnableTLS
	router, err := p2p.NewRouter(ctx, routerCfg, logger)
	if err != nil {
		return fmt.Errorf("p2p router: %w", err)
	}
	defer router.Close()

	nd, err := node.New(node.Options{
		ID:               cfg.Node.ID,
		PrivateKey:       priv,
		Store:            store,
		Transport:        router,
		Consensus:        consensusConfig(cfg),
		ProposalInterval: cfg.Consensus.ProposalInterval,
		MempoolMaxSize:   cfg.Consensus.MempoolMaxSize,
		Logger:           logger,
		Audit:            audit,
	})
	if err != nil {
		return fmt.Errorf("node: %w", err)
	}

	if len(cfg.Kafka.Brokers) > 0 {
		saramaCfg, err := kafka.NewSaramaConfig("diotec360-"+cfg.Node.ID.Short(),
			cfg.Kafka.SASLUsername, cfg.Kafka.SASLPassword, cfg.Kafka.SASLMechanism)
		if err != nil {
			return fmt.Errorf("kafka config: %w", err)
		}
		consumer, err := kafka.NewConsumer(ctx, kafka.ConsumerConfig{
			Brokers:  cfg.Kafka.Brokers,
			GroupID:  cfg.Kafka.GroupID,
			Topics:   cfg.Kafka.Topics,
			DLQTopic: cfg.Kafka.DLQTopic,
		}, saramaCfg, nd.Mempool(), proof.NewVerifier(nil, logger), logger, audit)
		if err != nil {
			return fmt.Errorf("kafka consumer: %w", err)
		}
		if err := consumer.Start(); err != nil {
			return fmt.Errorf("kafka consumer start: %w", err)
		}
		defer consumer.Stop()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- nd.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", utils.ZapString("signal", sig.String()))
		cancel()
		<-errCh
		return nil
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	}
}

// consensusConfig maps the loaded environment settings onto engine
// parameters.
func consensusConfig(cfg *config.Config) *pbft.Config {
	return &pbft.Config{
		RoundTimeout:          cfg.Consensus.RoundTimeout,
		BlockLimit:            cfg.Consensus.BlockLimit,
		CheckpointInterval:    cfg.Consensus.CheckpointInterval,
		SlashMismatchedClaims: true,
	}
}

// loadGenesis seeds the validator registry and treasury from the
// GENESIS_VALIDATORS and GENESIS_TREASURY environment variables. Entries use
// the form id_hex:pubkey_hex:stake, comma separated.
func loadGenesis(store *state.Store) error {
	spec := os.Getenv("GENESIS_VALIDATORS")
	if spec == "" {
		return fmt.Errorf("GENESIS_VALIDATORS is required in daemon mode")
	}
	for _, entry := range strings.Split(spec, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 3 {
			return fmt.Errorf("malformed entry %q", entry)
		}
		idRaw, err := hex.DecodeString(parts[0])
		if err != nil || len(idRaw) != 32 {
			return fmt.Errorf("bad validator id in %q", entry)
		}
		pub, err := hex.DecodeString(parts[1])
		if err != nil || len(pub) != ed25519.PublicKeySize {
			return fmt.Errorf("bad public key in %q", entry)
		}
		var stake uint64
		if _, err := fmt.Sscanf(parts[2], "%d", &stake); err != nil {
			return fmt.Errorf("bad stake in %q", entry)
		}
		var id types.NodeID
		copy(id[:], idRaw)
		store.RegisterValidator(types.ValidatorInfo{ID: id, PublicKey: pub, Stake: stake})
	}
	var treasury uint64
	if v := os.Getenv("GENESIS_TREASURY"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &treasury); err != nil {
			return fmt.Errorf("bad GENESIS_TREASURY %q", v)
		}
	}
	if treasury > 0 {
		store.SetBalance(state.TreasuryID, treasury)
	}
	return nil
}
