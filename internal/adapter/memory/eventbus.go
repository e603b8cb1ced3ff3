package memory

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/Strob0t/ContentForge/internal/port/messagequeue"
)

type subscription struct {
	id      uint64
	pattern string
	handler messagequeue.Handler
}

// EventBus is a synchronous, process-local messagequeue.Queue. Handlers run
// on the publishing goroutine; their errors are logged, not returned.
type EventBus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	closed bool
}

// NewEventBus returns an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Publish validates data and hands it to every matching subscriber.
func (b *EventBus) Publish(ctx context.Context, subject string, data []byte) error {
	if err := messagequeue.Validate(subject, data); err != nil {
		return err
	}
	b.mu.RLock()
	matched := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if SubjectMatches(s.pattern, subject) {
			matched = append(matched, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range matched {
		if err := s.handler(ctx, subject, data); err != nil {
			slog.ErrorContext(ctx, "event handler failed", "subject", subject, "error", err)
		}
	}
	return nil
}

// Subscribe registers handler for subject, which may use NATS wildcards.
func (b *EventBus) Subscribe(_ context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, pattern: subject, handler: handler})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}, nil
}

// Drain drops all subscriptions.
func (b *EventBus) Drain() error { return b.Close() }

// Close drops all subscriptions.
func (b *EventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = nil
	b.closed = true
	return nil
}

// IsConnected is true until Close.
func (b *EventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// SubjectMatches applies NATS wildcard rules: "*" matches one token and a
// trailing ">" matches one or more.
func SubjectMatches(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
