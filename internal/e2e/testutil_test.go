//go:build integration

package e2e

import (
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-experts/internal/aggregator"
	"github.com/nidhogg/nuka-experts/internal/api"
	"github.com/nidhogg/nuka-experts/internal/dispatcher"
	"github.com/nidhogg/nuka-experts/internal/event"
	"github.com/nidhogg/nuka-experts/internal/executor"
	"github.com/nidhogg/nuka-experts/internal/expert"
	"github.com/nidhogg/nuka-experts/internal/orchestrator"
	"github.com/nidhogg/nuka-experts/internal/persist"
	"github.com/nidhogg/nuka-experts/internal/planner"
	"github.com/nidhogg/nuka-experts/internal/provider"
	"github.com/nidhogg/nuka-experts/internal/router"
	"github.com/nidhogg/nuka-experts/internal/session"
	pgstore "github.com/nidhogg/nuka-experts/internal/store"
	"github.com/nidhogg/nuka-experts/internal/tools"
)

// Package-level shared state, set by TestMain.
var (
	testLogger   *zap.Logger
	testPGStore  *pgstore.Store
	testRedisURL string
)

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()
	testLogger = zap.NewNop()

	pgDSN, pgCleanup, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres: %v\n", err)
		return 1
	}
	defer pgCleanup()

	testPGStore, err = pgstore.New(ctx, pgDSN, testLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pg store: %v\n", err)
		return 1
	}
	defer testPGStore.Close()
	if err := testPGStore.Migrate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		return 1
	}

	redisURL, redisCleanup, err := startRedis(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis: %v\n", err)
		return 1
	}
	defer redisCleanup()
	testRedisURL = redisURL

	return m.Run()
}

// startPostgres starts a PostgreSQL testcontainer, returns DSN + cleanup func.
func startPostgres(ctx context.Context) (string, func(), error) {
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("nuka_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start postgres: %w", err)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("pg connection string: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return dsn, cleanup, nil
}

// startRedis starts a Redis testcontainer, returns URL + cleanup func.
func startRedis(ctx context.Context) (string, func(), error) {
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return "", nil, fmt.Errorf("start redis: %w", err)
	}
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("redis endpoint: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return "redis://" + endpoint, cleanup, nil
}

// stack is one server process: graph, hub, Redis mirror and HTTP handler
// over the shared Postgres and Redis containers.
type stack struct {
	server *httptest.Server
	hub    *event.Hub
	mirror *event.RedisMirror
	queue  *persist.Queue
}

func newStack(t *testing.T, gen provider.Generator) *stack {
	t.Helper()
	log := testLogger

	cp, err := session.NewRedisCheckpointer(testRedisURL, time.Hour, log)
	if err != nil {
		t.Fatalf("redis checkpointer: %v", err)
	}
	mirror := event.NewRedisMirror(cp.Client(), 1000, log)
	hub := event.NewHub(256, 64, mirror, log)
	queue := persist.NewQueue(2, 64, log)

	experts := expert.NewRegistry(testPGStore, expert.Options{DefaultModel: "test-model"}, log)
	toolReg := tools.NewRegistry()
	tools.RegisterBuiltins(toolReg)
	metrics := orchestrator.MustNewMetrics(prometheus.NewRegistry())
	queue.OnFailure(metrics.PersistFailed)

	graph := orchestrator.New(orchestrator.Deps{
		Router:      router.New(gen, experts, nil, 0, log),
		Planner:     planner.New(gen, experts, testPGStore, 2, 0, log),
		Dispatcher:  dispatcher.New(executor.New(gen, experts, toolReg, 1, log), testPGStore, queue, 500, log),
		Aggregator:  aggregator.New(gen, experts, testPGStore, queue, 48, log),
		Generator:   gen,
		Experts:     experts,
		Checkpoints: cp,
		Repo:        testPGStore,
		Tools:       toolReg,
		Queue:       queue,
		Metrics:     metrics,
		Events:      func(threadID string) event.Emitter { return hub.Stream(threadID) },
	}, log)

	handler := api.NewHandler(api.Deps{
		Runner:    graph,
		Hub:       hub,
		Replayer:  mirror,
		Experts:   experts,
		Store:     testPGStore,
		Keepalive: event.Keepalive{Idle: time.Second},
	}, log)

	s := &stack{server: httptest.NewServer(handler.Router()), hub: hub, mirror: mirror, queue: queue}
	t.Cleanup(func() {
		s.server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = handler.Wait(ctx)
		_ = queue.Drain(ctx)
		mirror.Close()
		cp.Close()
	})
	return s
}

// settle waits for every queued write of s.
func (s *stack) settle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.queue.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
}
