// Package events implements the audit/event bus (C6): a best-effort,
// non-authoritative fan-out of what the authorization engine decided.
// Nothing in this package can affect an authorization decision — it is
// pure observability, wired in after the fact.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Type identifies the kind of thing that happened.
type Type string

const (
	TypeEnrollBegin    Type = "enroll.begin"
	TypeEnrollComplete Type = "enroll.complete"
	TypeEnrollRejected Type = "enroll.rejected"
	TypeUnlockAccepted Type = "unlock.accepted"
	TypeUnlockRejected Type = "unlock.rejected"
)

// Event is one thing that happened, with enough context to explain it
// to an operator watching the admin feed.
type Event struct {
	Type      Type      `json:"type"`
	Identity  string    `json:"identity,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler processes one Event. A handler error is logged, never
// propagated — a broken subscriber must not affect publication.
type Handler func(ctx context.Context, ev *Event) error

// Bus fans events out to subscribers and keeps a bounded in-memory
// history for late subscribers to catch up on.
type Bus interface {
	Publish(ctx context.Context, ev *Event) error
	Subscribe(h Handler) (unsubscribe func())
	History() []Event
	Close() error
}

const historySize = 256

// ring is a fixed-capacity circular buffer of the most recent events,
// the same bounded-slot discipline the code buffer uses for its live
// codes.
type ring struct {
	mu     sync.Mutex
	events [historySize]Event
	next   int
	filled bool
}

func (r *ring) add(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[r.next] = ev
	r.next = (r.next + 1) % historySize
	if r.next == 0 {
		r.filled = true
	}
}

func (r *ring) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.filled {
		out := make([]Event, r.next)
		copy(out, r.events[:r.next])
		return out
	}
	out := make([]Event, historySize)
	copy(out, r.events[r.next:])
	copy(out[historySize-r.next:], r.events[:r.next])
	return out
}

// LocalBus delivers events to in-process subscribers only. It is
// always present, regardless of whether a RedisBus is also wired in.
type LocalBus struct {
	mu     sync.RWMutex
	subs   map[int]Handler
	nextID int
	hist   *ring
}

// NewLocalBus returns an empty, ready-to-use LocalBus.
func NewLocalBus() *LocalBus {
	return &LocalBus{
		subs: make(map[int]Handler),
		hist: &ring{},
	}
}

// Publish records ev in history and dispatches it to every current
// subscriber on its own goroutine. It never blocks on a slow or
// misbehaving handler and never returns a handler's error.
func (b *LocalBus) Publish(ctx context.Context, ev *Event) error {
	b.hist.add(*ev)
	b.deliverLocal(ctx, ev)
	return nil
}

func (b *LocalBus) deliverLocal(ctx context.Context, ev *Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h := h
		go func() {
			if err := h(ctx, ev); err != nil {
				slog.Warn("events: subscriber failed", "type", ev.Type, "error", err)
			}
		}()
	}
}

// Subscribe registers h and returns a func that removes it.
func (b *LocalBus) Subscribe(h Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = h
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// History returns a copy of the most recent events, oldest first, for
// a newly-connected admin feed to replay.
func (b *LocalBus) History() []Event {
	return b.hist.snapshot()
}

// Close is a no-op for LocalBus; it exists to satisfy Bus.
func (b *LocalBus) Close() error { return nil }
