package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type heldLease struct {
	token     string
	expiresAt time.Time
}

// Locker is a process-local lease.Locker.
type Locker struct {
	mu     sync.Mutex
	leases map[string]heldLease
	now    func() time.Time
}

// NewLocker returns an empty Locker.
func NewLocker() *Locker {
	return &Locker{leases: make(map[string]heldLease), now: time.Now}
}

// Acquire takes the lease on key unless an unexpired one exists.
func (l *Locker) Acquire(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if h, ok := l.leases[key]; ok && now.Before(h.expiresAt) {
		return "", false, nil
	}
	tok := uuid.NewString()
	l.leases[key] = heldLease{token: tok, expiresAt: now.Add(ttl)}
	return tok, true, nil
}

// Release drops the lease if token still owns it.
func (l *Locker) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.leases[key]; ok && h.token == token {
		delete(l.leases, key)
	}
	return nil
}

// Held reports whether an unexpired lease exists on key.
func (l *Locker) Held(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.leases[key]
	if !ok {
		return false, nil
	}
	if !l.now().Before(h.expiresAt) {
		delete(l.leases, key)
		return false, nil
	}
	return true, nil
}
