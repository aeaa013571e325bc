// Package persist runs best-effort background writes on a bounded queue.
package persist

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by Submit after Drain has started.
var ErrClosed = fmt.Errorf("persist queue closed")

// Job is one background write.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Queue is a bounded channel drained by a fixed worker pool. Submit blocks
// when the queue is full; job failures are logged and counted, never
// returned to the submitter.
type Queue struct {
	jobs    chan Job
	timeout time.Duration
	group   *errgroup.Group

	mu     sync.RWMutex
	closed bool

	onFailure func(name string)
	logger    *zap.Logger
}

// NewQueue starts workers goroutines reading from a queue of size capacity.
func NewQueue(workers, capacity int, logger *zap.Logger) *Queue {
	if workers <= 0 {
		workers = 4
	}
	if capacity <= 0 {
		capacity = 128
	}
	q := &Queue{
		jobs:    make(chan Job, capacity),
		timeout: 30 * time.Second,
		group:   &errgroup.Group{},
		logger:  logger,
	}
	for i := 0; i < workers; i++ {
		q.group.Go(q.work)
	}
	return q
}

// OnFailure registers a callback invoked with the job name on every failure.
func (q *Queue) OnFailure(fn func(name string)) {
	q.onFailure = fn
}

// Submit enqueues a job, waiting for room until ctx is done.
func (q *Queue) Submit(ctx context.Context, name string, run func(ctx context.Context) error) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.jobs <- Job{Name: name, Run: run}:
		return nil
	case <-ctx.Done():
		q.logger.Warn("persist job not queued", zap.String("job", name), zap.Error(ctx.Err()))
		return ctx.Err()
	}
}

// Go is Submit for callers that only log a failed enqueue.
func (q *Queue) Go(ctx context.Context, name string, run func(ctx context.Context) error) {
	if err := q.Submit(ctx, name, run); err != nil {
		q.logger.Warn("persist job dropped", zap.String("job", name), zap.Error(err))
		if q.onFailure != nil {
			q.onFailure(name)
		}
	}
}

// Drain stops accepting jobs and waits until every queued job has run or
// ctx is done.
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- q.group.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("drain persist queue: %w", ctx.Err())
	}
}

func (q *Queue) work() error {
	for job := range q.jobs {
		q.run(job)
	}
	return nil
}

func (q *Queue) run(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("persist job panicked", zap.String("job", job.Name), zap.Any("panic", r))
			if q.onFailure != nil {
				q.onFailure(job.Name)
			}
		}
	}()

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		q.logger.Warn("persist job failed", zap.String("job", job.Name), zap.Error(err))
		if q.onFailure != nil {
			q.onFailure(job.Name)
		}
		return
	}
	q.logger.Debug("persist job done", zap.String("job", job.Name), zap.Duration("took", time.Since(start)))
}
