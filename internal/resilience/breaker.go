// Package resilience provides reliability patterns for external service calls.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open and rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the externally visible breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "closed"
}

// Breaker implements a circuit breaker for protecting external calls.
// It opens when maxFailures failures are recorded inside the rolling window,
// rejects calls for the cool-down, then lets a single probe through
// (half-open). A successful probe closes the circuit; a failed one reopens it.
type Breaker struct {
	mu          sync.Mutex
	state       State
	failures    []time.Time
	maxFailures int
	window      time.Duration
	cooldown    time.Duration
	openedAt    time.Time
	probing     bool
	now         func() time.Time // for testing
}

// NewBreaker creates a circuit breaker that opens after maxFailures failures
// within window and stays open for cooldown before transitioning to half-open.
// A zero window counts failures without expiry.
func NewBreaker(maxFailures int, window, cooldown time.Duration) *Breaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &Breaker{
		maxFailures: maxFailures,
		window:      window,
		cooldown:    cooldown,
		now:         time.Now,
	}
}

// Execute runs fn if the circuit allows it. Every error counts as a failure.
// Returns ErrCircuitOpen if the circuit is open.
func (b *Breaker) Execute(fn func() error) error {
	return b.ExecuteCounting(fn, func(error) bool { return true })
}

// ExecuteCounting runs fn if the circuit allows it. Errors for which counts
// returns false are passed through without affecting the breaker.
func (b *Breaker) ExecuteCounting(fn func() error, counts func(error) bool) error {
	if !b.acquire() {
		return ErrCircuitOpen
	}

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case err == nil:
		b.onSuccess()
	case counts(err):
		b.onFailure()
	default:
		// Neutral outcome; a half-open probe slot is released for the next caller.
		b.probing = false
	}
	return err
}

// Allow reports whether a call would currently be let through, without
// consuming the half-open probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		return b.now().Sub(b.openedAt) >= b.cooldown
	case StateHalfOpen:
		return !b.probing
	}
	return true
}

// State returns the current state, promoting open to half-open once the
// cool-down has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

func (b *Breaker) acquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = StateHalfOpen
			b.probing = true
			return true
		}
		return false
	case StateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure() {
	now := b.now()
	b.probing = false
	if b.state == StateHalfOpen {
		b.trip(now)
		return
	}
	b.failures = append(b.failures, now)
	b.pruneLocked(now)
	if len(b.failures) >= b.maxFailures {
		b.trip(now)
	}
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess() {
	b.failures = b.failures[:0]
	b.state = StateClosed
	b.probing = false
}

func (b *Breaker) trip(now time.Time) {
	b.state = StateOpen
	b.openedAt = now
	b.failures = b.failures[:0]
}

func (b *Breaker) pruneLocked(now time.Time) {
	if b.window <= 0 {
		return
	}
	cutoff := now.Add(-b.window)
	i := 0
	for i < len(b.failures) && !b.failures[i].After(cutoff) {
		i++
	}
	b.failures = b.failures[i:]
}
