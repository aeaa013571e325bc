// Package providertest offers a scripted provider.Generator for tests.
package providertest

import (
	"context"
	"errors"
	"sync"

	"github.com/nidhogg/nuka-experts/internal/provider"
)

// ErrNoScript is returned when a route key has no reply queued.
var ErrNoScript = errors.New("providertest: no scripted reply")

// Reply is one scripted generator outcome.
type Reply struct {
	Content   string
	ToolCalls []provider.ToolCall
	// Chunks overrides Content for streaming calls.
	Chunks []string
	// Err fails the call before any output.
	Err error
	// StreamErr is delivered after Chunks on a streaming call.
	StreamErr error
}

// Call records one request made against the generator.
type Call struct {
	RouteKey string
	Stream   bool
	Request  provider.ChatRequest
}

// Scripted replays queued replies per route key. A key with an exhausted
// queue repeats its last reply; an unknown key falls back to "*".
type Scripted struct {
	mu      sync.Mutex
	replies map[string][]Reply
	last    map[string]Reply
	calls   []Call
}

// New returns an empty scripted generator.
func New() *Scripted {
	return &Scripted{
		replies: make(map[string][]Reply),
		last:    make(map[string]Reply),
	}
}

// On queues replies for routeKey and returns s for chaining.
func (s *Scripted) On(routeKey string, replies ...Reply) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[routeKey] = append(s.replies[routeKey], replies...)
	return s
}

// Text is shorthand for a single successful reply.
func (s *Scripted) Text(routeKey, content string) *Scripted {
	return s.On(routeKey, Reply{Content: content})
}

// Fail is shorthand for a failing reply.
func (s *Scripted) Fail(routeKey string, err error) *Scripted {
	return s.On(routeKey, Reply{Err: err})
}

// Calls returns a copy of the recorded calls.
func (s *Scripted) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallsFor returns recorded calls for one route key.
func (s *Scripted) CallsFor(routeKey string) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.RouteKey == routeKey {
			out = append(out, c)
		}
	}
	return out
}

func (s *Scripted) next(routeKey string, req *provider.ChatRequest, stream bool) (Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{RouteKey: routeKey, Stream: stream, Request: *req})

	for _, key := range []string{routeKey, "*"} {
		if q := s.replies[key]; len(q) > 0 {
			s.replies[key] = q[1:]
			s.last[key] = q[0]
			return q[0], nil
		}
		if r, ok := s.last[key]; ok {
			return r, nil
		}
	}
	return Reply{}, ErrNoScript
}

// Route implements provider.Generator.
func (s *Scripted) Route(ctx context.Context, routeKey string, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, err := s.next(routeKey, req, false)
	if err != nil {
		return nil, err
	}
	if r.Err != nil {
		return nil, r.Err
	}
	content := r.Content
	if content == "" && len(r.Chunks) > 0 {
		for _, c := range r.Chunks {
			content += c
		}
	}
	if r.StreamErr != nil {
		return nil, r.StreamErr
	}
	return &provider.ChatResponse{Content: content, ToolCalls: r.ToolCalls, FinishReason: "stop"}, nil
}

// RouteStream implements provider.Generator.
func (s *Scripted) RouteStream(ctx context.Context, routeKey string, req *provider.ChatRequest) (<-chan *provider.StreamChunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, err := s.next(routeKey, req, true)
	if err != nil {
		return nil, err
	}
	if r.Err != nil {
		return nil, r.Err
	}
	chunks := r.Chunks
	if len(chunks) == 0 && r.Content != "" {
		chunks = []string{r.Content}
	}

	ch := make(chan *provider.StreamChunk, len(chunks)+2)
	for _, c := range chunks {
		ch <- &provider.StreamChunk{Content: c}
	}
	if r.StreamErr != nil {
		ch <- &provider.StreamChunk{Err: r.StreamErr}
	} else {
		ch <- &provider.StreamChunk{Done: true, FinishReason: "stop"}
	}
	close(ch)
	return ch, nil
}

var _ provider.Generator = (*Scripted)(nil)
