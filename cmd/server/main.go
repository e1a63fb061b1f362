package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/api"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/clock"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/compensation"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/config"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/consensus"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/coordinator"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/core"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/dispute"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/events"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/infra"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/metrics"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/policy"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/stop"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/storage"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/storage/memory"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/storage/postgres"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/trust"
)

func main() {
	log.Println("🔥 Starting consensus engine...")

	// .env is optional; real deployments inject the environment directly.
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// --- Storage ---
	var store storage.Store
	if cfg.Postgres.URL != "" {
		pg, err := postgres.NewStore(cfg.Postgres.URL)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		store = pg
		log.Println("✅ Connected to Postgres")
	} else {
		mem := memory.NewStore()
		mem.Seed(bootstrapTrust())
		store = mem
		log.Println("⚠️  No DATABASE_URL set, using in-memory store with demo participants")
	}
	defer store.Close()

	// --- Events ---
	var bus consensus.EventSink
	inproc := events.NewBus(cfg.Events.QueueCap)
	bus = inproc
	if cfg.PubSub.ProjectID != "" {
		pb, err := events.NewPubSubBus(cfg.PubSub.ProjectID, cfg.PubSub.Topic, cfg.Events.QueueCap)
		if err != nil {
			log.Fatalf("pubsub: %v", err)
		}
		defer pb.Close()
		inproc = pb.Bus
		bus = pb
	}

	// --- Engines ---
	clk := clock.SystemClock{}
	sched := clock.NewScheduler(clk, cfg.Engine.SchedulerTick.Std())
	defer sched.Stop()

	enginePolicy := consensus.Policy{
		TInitial:        cfg.Engine.InitialTimeout.Std(),
		TReceive:        cfg.Engine.ReceiveTimeout.Std(),
		WDispute:        cfg.Engine.DisputeWindow.Std(),
		TEvidence:       cfg.Engine.EvidenceWindow.Std(),
		VAuto:           cfg.Engine.AutoApproveMax,
		FreezeGrace:     cfg.Engine.FreezeGrace.Std(),
		ConflictRetries: cfg.Engine.ConflictRetries,
	}

	trustEngine := trust.NewEngine(store, clk, cfg.Trust.HistoryCap)
	machine := consensus.NewMachine(store, sched, bus, clk, enginePolicy, trustEngine)
	comp := compensation.NewEngine(machine, store, sched)
	disputes := dispute.NewEngine(machine, store, sched, bus, clk, trustEngine, comp)
	stops := stop.NewController(machine, store, bus, clk)
	gateway := policy.NewGateway(trustEngine, enginePolicy)
	coord := coordinator.New(machine, disputes, comp, trustEngine, stops, gateway, store)

	ctx := context.Background()

	// --- Redis trust checkpoints (optional) ---
	if cfg.Redis.Addr != "" {
		cache, err := infra.NewGoRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		cp := trust.NewCheckpointer(trustEngine, cache, cfg.Trust.CheckpointTTL.Std())
		restored, err := cp.Restore(ctx)
		if err != nil {
			log.Fatalf("trust restore: %v", err)
		}
		if !restored {
			if err := trustEngine.Replay(ctx); err != nil {
				log.Fatalf("trust replay: %v", err)
			}
		}
		go checkpointLoop(ctx, cp, cfg.Trust.CheckpointTTL.Std())
	}

	// --- Trust decay ---
	if cfg.Trust.DecayEnabled {
		sweeper := trust.NewDecaySweeper(trustEngine, trust.DefaultDecayConfig())
		sweeper.Start()
		defer sweeper.Stop()
	}

	// --- Metrics ---
	m := metrics.New(sched, inproc)
	m.Observe(inproc)

	// Re-arm every live deadline lost on restart.
	if err := coord.Rehydrate(ctx); err != nil {
		log.Fatalf("rehydrate: %v", err)
	}

	// --- HTTP ---
	server := api.NewServer(coord, inproc)
	port, err := strconv.Atoi(cfg.Server.Port)
	if err != nil {
		log.Fatalf("invalid port %q", cfg.Server.Port)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(port) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Received %s, shutting down gracefully...", sig)
	case err := <-errCh:
		log.Fatalf("server: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	log.Println("Bye 👋")
}

// checkpointLoop snapshots trust scores to Redis on an interval tied to
// the checkpoint TTL so a fresh snapshot always exists before the old
// one expires.
func checkpointLoop(ctx context.Context, cp *trust.Checkpointer, ttl time.Duration) {
	interval := ttl / 2
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		if err := cp.Save(ctx); err != nil {
			log.Printf("[TRUST] checkpoint failed: %v", err)
		}
	}
}

// bootstrapTrust seeds demo participants for in-memory runs.
func bootstrapTrust() []*core.ParticipantTrust {
	now := time.Now().UTC()
	mk := func(id string, score float64, txs int) *core.ParticipantTrust {
		return &core.ParticipantTrust{
			ParticipantID:     id,
			Score:             score,
			Tier:              trust.TierFor(score, txs, 0),
			TotalTransactions: txs,
			UpdatedAt:         now,
		}
	}
	return []*core.ParticipantTrust{
		mk("brand-luxe", 92, 340),
		mk("supplier-milan", 78, 120),
		mk("courier-alpine", 55, 40),
		mk("boutique-geneva", 50, 0),
	}
}
