//go:build integration

package event

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"
)

func TestRedisMirrorReplay(t *testing.T) {
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis: %v", err)
	}
	testcontainers.CleanupContainer(t, container)
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("redis endpoint: %v", err)
	}

	opts, _ := redis.ParseURL("redis://" + endpoint)
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	mirror := NewRedisMirror(rdb, 100, zap.NewNop())
	s := NewHub(16, 4, mirror, zap.NewNop()).Stream("th-r")
	s.Emit(RouterStart, RouterStartData{Query: "q"})
	s.Emit(RouterDecision, RouterDecisionData{Decision: "simple"})
	s.Emit(RunEnd, RunEndData{Status: "completed"})
	mirror.Close()

	evs, err := mirror.Replay(ctx, "th-r", 1)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("replayed %d events, want 2", len(evs))
	}
	if evs[0].Type != RouterDecision || evs[1].Type != RunEnd {
		t.Errorf("unexpected order: %s, %s", evs[0].Type, evs[1].Type)
	}
}
