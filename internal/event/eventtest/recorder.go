// Package eventtest provides an in-memory event.Publisher for tests.
package eventtest

import (
	"context"
	"sync"

	"github.com/jensholdgaard/auctionhouse/internal/event"
)

// Recorder keeps every event it receives. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []event.Event
	// Err, when set, is returned by Publish and nothing is recorded.
	Err error
}

// Publish implements event.Publisher.
func (r *Recorder) Publish(_ context.Context, events ...event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, events...)
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Event(nil), r.events...)
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t event.Type) []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
