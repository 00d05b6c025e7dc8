// Package events publishes lifecycle events for loops.
//
// Publishing is best effort: callers log a failed publish and carry on, so a
// broker outage never fails a state change.
package events

import (
	"context"
	"sync"
	"time"
)

// Type names a lifecycle event.
type Type string

const (
	TypeCreated  Type = "created"
	TypeStatus   Type = "status"
	TypeVerified Type = "verified"
	TypeWeight   Type = "weight"
	TypePromoted Type = "promoted"
	TypeArchived Type = "archived"
	TypeLinked   Type = "linked"
)

// Event is one lifecycle event.
type Event struct {
	Type   Type           `json:"type"`
	LoopID string         `json:"loop_id"`
	At     time.Time      `json:"at"`
	Data   map[string]any `json:"data,omitempty"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }

// Close implements Publisher.
func (Nop) Close() error { return nil }

// Recorder keeps published events in memory. It backs tests and the
// in-process debug view.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Publisher.
func (r *Recorder) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Close implements Publisher.
func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the published events of type t.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
