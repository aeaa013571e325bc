package event

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// Sink receives a copy of every notification, e.g. for cross-process replay.
// Publish must not block.
type Sink interface {
	Publish(ev Event)
}

// Hub owns one Stream per thread. Streams of idle threads are evicted once
// more than maxThreads are tracked.
type Hub struct {
	mu      sync.Mutex
	streams *lru.Cache[string, *Stream]
	replay  int
	sink    Sink
	logger  *zap.Logger
}

// NewHub creates a hub. sink may be nil.
func NewHub(replay, maxThreads int, sink Sink, logger *zap.Logger) *Hub {
	if replay <= 0 {
		replay = 512
	}
	if maxThreads <= 0 {
		maxThreads = 1024
	}
	cache, _ := lru.New[string, *Stream](maxThreads)
	return &Hub{streams: cache, replay: replay, sink: sink, logger: logger}
}

// Stream returns the stream for threadID, creating it if needed.
func (h *Hub) Stream(threadID string) *Stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.streams.Get(threadID); ok {
		return s
	}
	s := newStream(threadID, h.replay, h.sink, h.logger)
	h.streams.Add(threadID, s)
	return s
}

// Lookup returns the stream for threadID if the hub still tracks it.
func (h *Hub) Lookup(threadID string) (*Stream, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.streams.Get(threadID)
}

// Stream is the ordered notification log of one thread. Emit never blocks;
// readers poll with Since and wait on the returned channel.
type Stream struct {
	threadID string
	capacity int
	sink     Sink
	logger   *zap.Logger

	mu     sync.Mutex
	seq    int64
	log    []Event
	notify chan struct{}
}

func newStream(threadID string, capacity int, sink Sink, logger *zap.Logger) *Stream {
	return &Stream{
		threadID: threadID,
		capacity: capacity,
		sink:     sink,
		logger:   logger,
		notify:   make(chan struct{}),
	}
}

// ThreadID returns the owning thread.
func (s *Stream) ThreadID() string { return s.threadID }

// Emit appends a notification and wakes every waiting reader.
func (s *Stream) Emit(t Type, data interface{}) {
	s.mu.Lock()
	s.seq++
	ev := Event{
		Seq:       s.seq,
		ThreadID:  s.threadID,
		Type:      t,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
	s.log = append(s.log, ev)
	if len(s.log) > s.capacity {
		s.log = append(s.log[:0:0], s.log[len(s.log)-s.capacity:]...)
	}
	close(s.notify)
	s.notify = make(chan struct{})
	s.mu.Unlock()

	if s.sink != nil {
		s.sink.Publish(ev)
	}
	if t != ArtifactChunk && t != MessageDelta {
		s.logger.Debug("event", zap.String("thread", s.threadID),
			zap.Int64("seq", ev.Seq), zap.String("type", string(t)))
	}
}

// Since returns buffered events with Seq > after and a channel closed on the
// next Emit. gap is true when events after `after` were already evicted.
func (s *Stream) Since(after int64) (events []Event, wait <-chan struct{}, gap bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.log) > 0 && s.log[0].Seq > after+1 {
		gap = true
	}
	for _, ev := range s.log {
		if ev.Seq > after {
			events = append(events, ev)
		}
	}
	return events, s.notify, gap
}

// LastSeq returns the sequence number of the newest event.
func (s *Stream) LastSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}
