// The worker binary runs the background loops: triage, intel pulls, event
// verification, and geo feed garbage collection.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/tmt/backend/internal/alerts"
	"github.com/tmt/backend/internal/bus"
	"github.com/tmt/backend/internal/config"
	"github.com/tmt/backend/internal/crypto"
	"github.com/tmt/backend/internal/geoevents"
	"github.com/tmt/backend/internal/intel"
	"github.com/tmt/backend/internal/llm"
	"github.com/tmt/backend/internal/store"
	"github.com/tmt/backend/internal/triage"
	"github.com/tmt/backend/internal/vector"
	"github.com/tmt/backend/internal/verify"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Debug)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Error("database open failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	keys, err := crypto.NewKeyring(cfg.EncryptionMasterKey)
	if err != nil {
		logger.Error("keyring init failed", "error", err)
		os.Exit(1)
	}
	st := store.New(db, keys)

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("worker needs redis for the triage queue", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	broker := newBroker(cfg, logger)
	b := bus.New(broker, logger)
	defer b.Close()

	engine := alerts.NewEngine(st, b, logger)
	llmClient := llm.NewClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel)

	vec := vector.NewClient(cfg.VectorURL, cfg.VectorCollection, vector.EmbeddingDim)
	if vec.Enabled() {
		if err := vec.EnsureCollection(ctx); err != nil {
			logger.Warn("vector collection setup failed", "error", err)
		}
	}

	queue := triage.NewRedisQueue(rdb)
	budgets := triage.Budgets{
		Hard:       cfg.Tuning.TriageHardBudget,
		Soft:       cfg.Tuning.TriageSoftBudget,
		MaxRetries: cfg.Tuning.TriageMaxRetries,
		Workers:    cfg.Tuning.TriageWorkers,
	}
	orchestrator := triage.NewOrchestrator(st, engine, llmClient, queue, budgets, logger)

	intelOpts := intel.DefaultOptions()
	intelOpts.BatchSize = cfg.Tuning.IntelBatchSize
	intelOpts.ChannelPacing = cfg.Tuning.IntelChannelPacing
	intelOpts.JoinPacing = cfg.Tuning.IntelJoinPacing
	intelOpts.DefaultCenter.Latitude = cfg.Tuning.DefaultRegionLat
	intelOpts.DefaultCenter.Longitude = cfg.Tuning.DefaultRegionLon
	var fetcher intel.Fetcher
	if cfg.TelegramBridgeURL == "" {
		logger.Warn("TELEGRAM_BRIDGE_URL unset, intel pull loop idles")
	} else {
		fetcher = intel.NewBridgeFetcher(cfg.TelegramBridgeURL)
	}
	pipe := intel.NewPipeline(st, b, llmClient, vec, engine, fetcher, intelOpts, logger)

	verifier := verify.NewLoop(st, llmClient, logger)
	geo := geoevents.NewService(st, b, logger)

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("loop started", "loop", name)
			fn(ctx)
		}()
	}

	run("triage", orchestrator.Run)
	run("intel", func(ctx context.Context) { pipe.Run(ctx, cfg.Tuning.IntelPullInterval) })
	run("verify", func(ctx context.Context) { verifier.Run(ctx, cfg.Tuning.VerifyInterval) })
	run("geo-gc", func(ctx context.Context) { geo.RunGC(ctx, cfg.Tuning.GeoGCInterval) })

	<-ctx.Done()
	logger.Info("shutting down")
	queue.Close()
	wg.Wait()
}

func newLogger(debug bool) *slog.Logger {
	if debug {
		return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

func newBroker(cfg *config.Config, logger *slog.Logger) bus.Broker {
	if cfg.PubSubProject != "" {
		broker, err := bus.NewPubSubBroker(cfg.PubSubProject, cfg.PubSubTopic)
		if err == nil {
			return broker
		}
		logger.Warn("pubsub broker unavailable", "error", err)
	}
	if cfg.RedisURL != "" {
		broker, err := bus.NewRedisBroker(cfg.RedisURL)
		if err == nil {
			return broker
		}
		logger.Warn("redis broker unavailable, events stay process-local", "error", err)
	}
	return bus.NewLocalBroker()
}
