package event

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const streamPrefix = "nuka:events:"

// RedisMirror copies every notification into a per-thread Redis Stream so a
// different process can replay a thread. Publishing is asynchronous; when the
// buffer is full the event is dropped from the mirror only.
type RedisMirror struct {
	rdb    *redis.Client
	maxLen int64
	queue  chan Event
	done   chan struct{}
	mu     sync.RWMutex
	closed bool
	logger *zap.Logger
}

// NewRedisMirror starts the publishing goroutine on an existing client.
func NewRedisMirror(rdb *redis.Client, maxLen int, logger *zap.Logger) *RedisMirror {
	m := &RedisMirror{
		rdb:    rdb,
		maxLen: int64(maxLen),
		queue:  make(chan Event, 1024),
		done:   make(chan struct{}),
		logger: logger,
	}
	go m.run()
	return m
}

// Publish implements Sink.
func (m *RedisMirror) Publish(ev Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.queue <- ev:
	default:
		m.logger.Warn("event mirror full, dropping",
			zap.String("thread", ev.ThreadID), zap.Int64("seq", ev.Seq))
	}
}

func (m *RedisMirror) run() {
	defer close(m.done)
	for ev := range m.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.add(ctx, ev); err != nil {
			m.logger.Warn("mirror event", zap.String("thread", ev.ThreadID), zap.Error(err))
		}
		cancel()
	}
}

func (m *RedisMirror) add(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	stream := streamPrefix + ev.ThreadID
	_, err = m.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: m.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"seq":  strconv.FormatInt(ev.Seq, 10),
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}
	return nil
}

// Replay reads mirrored events of threadID with Seq > after.
func (m *RedisMirror) Replay(ctx context.Context, threadID string, after int64) ([]Event, error) {
	msgs, err := m.rdb.XRange(ctx, streamPrefix+threadID, "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w", threadID, err)
	}
	var out []Event
	for _, msg := range msgs {
		raw, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}
		var ev struct {
			Event
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			continue
		}
		if ev.Seq <= after {
			continue
		}
		e := ev.Event
		e.Data = ev.Data
		out = append(out, e)
	}
	return out, nil
}

// Close flushes pending events and stops the mirror. It does not close the
// Redis client.
func (m *RedisMirror) Close() {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
	m.mu.Unlock()
	<-m.done
}
