// The api binary serves the HTTP edge: SOS ingest, alert actions, the geo
// feed, and the realtime streams.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/tmt/backend/internal/alerts"
	"github.com/tmt/backend/internal/api"
	"github.com/tmt/backend/internal/bus"
	"github.com/tmt/backend/internal/config"
	"github.com/tmt/backend/internal/crypto"
	"github.com/tmt/backend/internal/geoevents"
	"github.com/tmt/backend/internal/ingest"
	"github.com/tmt/backend/internal/intel"
	"github.com/tmt/backend/internal/llm"
	"github.com/tmt/backend/internal/resolution"
	"github.com/tmt/backend/internal/store"
	"github.com/tmt/backend/internal/triage"
	"github.com/tmt/backend/internal/vector"
	"github.com/tmt/backend/internal/ws"
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

	rdb := redisClient(cfg.RedisURL, logger)
	broker := newBroker(cfg, logger)
	b := bus.New(broker, logger)
	defer b.Close()

	var queue triage.Queue
	localQueue := rdb == nil
	if localQueue {
		queue = triage.NewMemoryQueue(1024)
	} else {
		queue = triage.NewRedisQueue(rdb)
	}

	ing := ingest.NewRouter(st, b, keys, queue, logger)
	engine := alerts.NewEngine(st, b, logger)
	geo := geoevents.NewService(st, b, logger)
	ing.SetLocationHandler(resolution.NewWatcher(st, b, logger))

	llmClient := llm.NewClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel)

	vec := vector.NewClient(cfg.VectorURL, cfg.VectorCollection, vector.EmbeddingDim)
	if vec.Enabled() {
		if err := vec.EnsureCollection(ctx); err != nil {
			logger.Warn("vector collection setup failed", "error", err)
		}
	}

	opts := intel.DefaultOptions()
	opts.BatchSize = cfg.Tuning.IntelBatchSize
	opts.ChannelPacing = cfg.Tuning.IntelChannelPacing
	opts.JoinPacing = cfg.Tuning.IntelJoinPacing
	opts.DefaultCenter.Latitude = cfg.Tuning.DefaultRegionLat
	opts.DefaultCenter.Longitude = cfg.Tuning.DefaultRegionLon
	var fetcher intel.Fetcher
	if cfg.TelegramBridgeURL != "" {
		fetcher = intel.NewBridgeFetcher(cfg.TelegramBridgeURL)
	}
	pipe := intel.NewPipeline(st, b, llmClient, vec, engine, fetcher, opts, logger)

	hub := ws.NewHandler(b, logger, cfg.CORSOrigins)
	sse := ws.NewSSEHandler(b, geo, logger)

	// Without redis the queue is process-local, so triage has to run here.
	if localQueue {
		logger.Warn("redis unavailable, running triage workers in-process")
		budgets := triage.Budgets{
			Hard:       cfg.Tuning.TriageHardBudget,
			Soft:       cfg.Tuning.TriageSoftBudget,
			MaxRetries: cfg.Tuning.TriageMaxRetries,
			Workers:    cfg.Tuning.TriageWorkers,
		}
		go triage.NewOrchestrator(st, engine, llmClient, queue, budgets, logger).Run(ctx)
	}

	srv := api.NewServer(cfg, st, ing, engine, geo, pipe, hub, sse, rdb, logger)
	if err := srv.Run(ctx); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func newLogger(debug bool) *slog.Logger {
	if debug {
		return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

func redisClient(url string, logger *slog.Logger) *redis.Client {
	opts, err := redis.ParseURL(url)
	if err != nil {
		logger.Warn("redis url invalid, falling back to in-process limits and queue", "error", err)
		return nil
	}
	return redis.NewClient(opts)
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
