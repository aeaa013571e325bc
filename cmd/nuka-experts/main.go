package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nidhogg/nuka-experts/internal/aggregator"
	"github.com/nidhogg/nuka-experts/internal/api"
	"github.com/nidhogg/nuka-experts/internal/config"
	"github.com/nidhogg/nuka-experts/internal/dispatcher"
	"github.com/nidhogg/nuka-experts/internal/event"
	"github.com/nidhogg/nuka-experts/internal/executor"
	"github.com/nidhogg/nuka-experts/internal/expert"
	"github.com/nidhogg/nuka-experts/internal/memory"
	"github.com/nidhogg/nuka-experts/internal/notify"
	"github.com/nidhogg/nuka-experts/internal/observability"
	"github.com/nidhogg/nuka-experts/internal/orchestrator"
	"github.com/nidhogg/nuka-experts/internal/persist"
	"github.com/nidhogg/nuka-experts/internal/planner"
	"github.com/nidhogg/nuka-experts/internal/provider"
	"github.com/nidhogg/nuka-experts/internal/router"
	"github.com/nidhogg/nuka-experts/internal/session"
	pgstore "github.com/nidhogg/nuka-experts/internal/store"
	"github.com/nidhogg/nuka-experts/internal/tools"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/nuka.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()
	logger.Info("Starting Nuka Experts...", zap.String("config", cfgPath))

	ctx := context.Background()

	tp, err := observability.NewTracerProvider(ctx, cfg.Tracing, logger)
	if err != nil {
		logger.Warn("tracing unavailable", zap.Error(err))
	}

	// Provider router
	gen := provider.NewRouter(logger)
	for _, pc := range cfg.Providers {
		p, err := provider.New(provider.ProviderConfig{
			ID: pc.ID, Type: pc.Type, Name: pc.Name,
			Endpoint: pc.Endpoint, APIKey: pc.APIKey,
			Models: pc.Models, Extra: pc.Extra,
		}, logger)
		if err != nil {
			logger.Warn("skipping provider", zap.String("id", pc.ID), zap.Error(err))
			continue
		}
		gen.Register(p)
		if pc.Default {
			gen.SetDefault(pc.ID)
		}
	}
	// PostgreSQL store
	var (
		pgStore *pgstore.Store
		repo    session.Repository = session.NewMemoryRepository()
		source  expert.Source
		admin   api.ExpertStore
	)
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := pgstore.New(ctx, cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(ctx); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pgStore = ps
			repo, source, admin = ps, ps, ps
			if key := cfg.Database.Postgres.EncryptKey; key != "" {
				if kErr := ps.SetEncryptionKey(key); kErr != nil {
					logger.Fatal("invalid provider encryption key", zap.Error(kErr))
				}
			}
			registerStoredProviders(ctx, ps, gen, logger)
		}
	}
	if len(gen.ListProviders()) == 0 {
		logger.Warn("no LLM providers configured; every generation will fail")
	}

	experts := expert.NewRegistry(source, expert.Options{
		DefaultModel:        cfg.Experts.DefaultModel,
		AllowExternalModels: cfg.Experts.AllowExternalModels,
		ExternalModels:      cfg.Experts.ExternalModels,
	}, logger)
	experts.Warm(ctx, []string{expert.RouterKey, expert.CommanderKey, expert.AggregatorKey, expert.ChatKey})

	// Tools: built-ins plus every reachable MCP server
	toolReg := tools.NewRegistry()
	tools.RegisterBuiltins(toolReg)
	mcpSources := tools.ConnectAll(ctx, cfg.MCP.Servers, toolReg, logger)
	logger.Info("Tools registered", zap.Int("count", toolReg.Len()))

	// Long-term memory
	mem, closeMemory, err := memory.Open(ctx, cfg, logger)
	if err != nil {
		logger.Warn("memory backend unavailable, running without memory",
			zap.String("backend", cfg.Memory.Backend), zap.Error(err))
		mem, closeMemory = memory.Nop{}, func(context.Context) error { return nil }
	}

	// Checkpoints and the event mirror share one Redis client
	var (
		checkpoints session.Checkpointer = session.NewMemoryCheckpointer()
		redisCP     *session.RedisCheckpointer
		mirror      *event.RedisMirror
	)
	if cfg.Checkpoint.Backend == "redis" {
		rc, rErr := session.NewRedisCheckpointer(cfg.Database.Redis.URL, cfg.Checkpoint.CheckpointTTL(), logger)
		if rErr != nil {
			logger.Warn("Redis unavailable, checkpoints kept in memory", zap.Error(rErr))
		} else {
			redisCP, checkpoints = rc, rc
			mirror = event.NewRedisMirror(rc.Client(), cfg.Stream.MirrorMaxLen, logger)
		}
	}

	var sink event.Sink
	var replayer api.Replayer
	if mirror != nil {
		sink, replayer = mirror, mirror
	}
	hub := event.NewHub(cfg.Stream.ReplayBuffer, cfg.Stream.MaxThreads, sink, logger)

	metrics := orchestrator.MustNewMetrics(prometheus.DefaultRegisterer)
	queue := persist.NewQueue(cfg.Persistence.Workers, cfg.Persistence.QueueSize, logger)
	queue.OnFailure(metrics.PersistFailed)

	oc := cfg.Orchestrator
	exec := executor.New(gen, experts, toolReg, oc.MaxToolRounds, logger)
	graph := orchestrator.New(orchestrator.Deps{
		Router:      router.New(gen, experts, mem, oc.MemorySnippets, logger),
		Planner:     planner.New(gen, experts, repo, oc.PlannerAttempts, oc.PlannerBackoff(), logger),
		Dispatcher:  dispatcher.New(exec, repo, queue, oc.DependencyOutputChars, logger),
		Aggregator:  aggregator.New(gen, experts, repo, queue, oc.FallbackChunkSize, logger),
		Generator:   gen,
		Experts:     experts,
		Checkpoints: checkpoints,
		Repo:        repo,
		Memory:      mem,
		Tools:       toolReg,
		Queue:       queue,
		Notifier:    notify.New(cfg.Notify, logger),
		Metrics:     metrics,
		Events:      func(threadID string) event.Emitter { return hub.Stream(threadID) },
	}, logger)

	idle, forced := cfg.Stream.Keepalive()
	handler := api.NewHandler(api.Deps{
		Runner:    graph,
		Hub:       hub,
		Replayer:  replayer,
		Experts:   experts,
		Store:     admin,
		Gatherer:  prometheus.DefaultGatherer,
		Keepalive: event.Keepalive{Idle: idle, Forced: forced},
	}, logger)

	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Nuka Experts listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Nuka Experts...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := handler.Wait(shutdownCtx); err != nil {
		logger.Warn("runs still in flight at shutdown", zap.Error(err))
	}
	if err := queue.Drain(shutdownCtx); err != nil {
		logger.Warn("persist queue not drained", zap.Error(err))
	}
	if mirror != nil {
		mirror.Close()
	}
	if redisCP != nil {
		redisCP.Close()
	}
	if err := closeMemory(shutdownCtx); err != nil {
		logger.Warn("close memory", zap.Error(err))
	}
	if pgStore != nil {
		pgStore.Close()
	}
	for _, s := range mcpSources {
		s.Close()
	}
	if tp != nil {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}
}

// newLogger builds a development logger at the configured level.
func newLogger(level string) *zap.Logger {
	zc := zap.NewDevelopmentConfig()
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := zc.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// registerStoredProviders adds providers saved in Postgres to the router.
// A stored provider with the same id as a configured one replaces it.
func registerStoredProviders(ctx context.Context, ps *pgstore.Store, gen *provider.Router, logger *zap.Logger) {
	rows, err := ps.ListProviders(ctx)
	if err != nil {
		logger.Warn("load stored providers", zap.Error(err))
		return
	}
	for _, row := range rows {
		p, err := provider.New(row.ProviderConfig, logger)
		if err != nil {
			logger.Warn("skipping stored provider", zap.String("id", row.ID), zap.Error(err))
			continue
		}
		gen.Register(p)
		if row.Default {
			gen.SetDefault(row.ID)
		}
	}
	if len(rows) > 0 {
		logger.Info("Stored providers loaded", zap.Int("count", len(rows)))
	}
}
