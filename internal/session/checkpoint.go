package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrNoCheckpoint is returned when a thread has no saved snapshot.
var ErrNoCheckpoint = fmt.Errorf("no checkpoint for thread")

// SnapshotVersion is bumped when the State layout changes incompatibly.
const SnapshotVersion = 1

// Snapshot is the serializable form of a suspended or in-flight run.
type Snapshot struct {
	Version int       `json:"version"`
	SavedAt time.Time `json:"saved_at"`
	State   State     `json:"state"`
}

// NewSnapshot wraps s for storage.
func NewSnapshot(s State) Snapshot {
	return Snapshot{Version: SnapshotVersion, SavedAt: time.Now().UTC(), State: s.Clone()}
}

// Checkpointer stores one snapshot per thread.
type Checkpointer interface {
	Save(ctx context.Context, threadID string, snap Snapshot) error
	Load(ctx context.Context, threadID string) (Snapshot, error)
	Delete(ctx context.Context, threadID string) error
}

func decodeSnapshot(threadID string, data []byte) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode checkpoint %s: %w", threadID, err)
	}
	if snap.Version != SnapshotVersion {
		return Snapshot{}, fmt.Errorf("checkpoint %s has version %d, want %d", threadID, snap.Version, SnapshotVersion)
	}
	return snap, nil
}

// MemoryCheckpointer keeps encoded snapshots in process.
type MemoryCheckpointer struct {
	mu    sync.Mutex
	snaps map[string][]byte
}

// NewMemoryCheckpointer creates an empty in-process checkpointer.
func NewMemoryCheckpointer() *MemoryCheckpointer {
	return &MemoryCheckpointer{snaps: make(map[string][]byte)}
}

func (m *MemoryCheckpointer) Save(_ context.Context, threadID string, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", threadID, err)
	}
	m.mu.Lock()
	m.snaps[threadID] = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryCheckpointer) Load(_ context.Context, threadID string) (Snapshot, error) {
	m.mu.Lock()
	data, ok := m.snaps[threadID]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("load %s: %w", threadID, ErrNoCheckpoint)
	}
	return decodeSnapshot(threadID, data)
}

func (m *MemoryCheckpointer) Delete(_ context.Context, threadID string) error {
	m.mu.Lock()
	delete(m.snaps, threadID)
	m.mu.Unlock()
	return nil
}

const checkpointPrefix = "nuka:checkpoint:"

// RedisCheckpointer stores snapshots as Redis strings so any process can
// resume a thread.
type RedisCheckpointer struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisCheckpointer connects to redisURL. ttl of zero keeps snapshots
// until deleted.
func NewRedisCheckpointer(redisURL string, ttl time.Duration, logger *zap.Logger) (*RedisCheckpointer, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisCheckpointer{rdb: rdb, ttl: ttl, logger: logger}, nil
}

func (r *RedisCheckpointer) Save(ctx context.Context, threadID string, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", threadID, err)
	}
	if err := r.rdb.Set(ctx, checkpointPrefix+threadID, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", threadID, err)
	}
	r.logger.Debug("checkpoint saved",
		zap.String("thread", threadID), zap.String("phase", string(snap.State.Phase)))
	return nil
}

func (r *RedisCheckpointer) Load(ctx context.Context, threadID string) (Snapshot, error) {
	data, err := r.rdb.Get(ctx, checkpointPrefix+threadID).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, fmt.Errorf("load %s: %w", threadID, ErrNoCheckpoint)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load checkpoint %s: %w", threadID, err)
	}
	return decodeSnapshot(threadID, data)
}

func (r *RedisCheckpointer) Delete(ctx context.Context, threadID string) error {
	if err := r.rdb.Del(ctx, checkpointPrefix+threadID).Err(); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", threadID, err)
	}
	return nil
}

// Client exposes the connection for components that share it.
func (r *RedisCheckpointer) Client() *redis.Client { return r.rdb }

// Close shuts down the Redis connection.
func (r *RedisCheckpointer) Close() error {
	return r.rdb.Close()
}
