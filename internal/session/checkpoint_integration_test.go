//go:build integration

package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"
)

func TestRedisCheckpointer(t *testing.T) {
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

	cp, err := NewRedisCheckpointer("redis://"+endpoint, time.Hour, zap.NewNop())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer cp.Close()

	if _, err := cp.Load(ctx, "th-x"); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("load missing = %v, want ErrNoCheckpoint", err)
	}

	s := plannedState()
	if err := cp.Save(ctx, "th-x", NewSnapshot(s)); err != nil {
		t.Fatalf("save: %v", err)
	}
	snap, err := cp.Load(ctx, "th-x")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !snap.State.AwaitingApproval() || len(snap.State.Tasks) != 2 {
		t.Errorf("unexpected state: %+v", snap.State)
	}

	ttl := cp.Client().TTL(ctx, checkpointPrefix+"th-x").Val()
	if ttl <= 0 || ttl > time.Hour {
		t.Errorf("ttl = %s", ttl)
	}

	if err := cp.Delete(ctx, "th-x"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := cp.Load(ctx, "th-x"); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("load after delete = %v", err)
	}
}
