package event

import (
	"sync"
	"time"
)

// Emitter receives the notifications of one thread in order.
type Emitter interface {
	Emit(t Type, data interface{})
}

// Discard drops every notification.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(Type, interface{}) {}

// Recorder keeps notifications in memory. Tests use it in place of a Stream.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(t Type, data interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{
		Seq:       int64(len(r.events) + 1),
		Type:      t,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded types in order.
func (r *Recorder) Types() []Type {
	evs := r.Events()
	out := make([]Type, len(evs))
	for i, e := range evs {
		out[i] = e.Type
	}
	return out
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Count returns how many events of type t were recorded.
func (r *Recorder) Count(t Type) int {
	return len(r.OfType(t))
}

// Tee fans one notification out to several emitters.
type Tee []Emitter

func (t Tee) Emit(typ Type, data interface{}) {
	for _, e := range t {
		e.Emit(typ, data)
	}
}
