package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Policy is a bounded exponential backoff policy.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	Base        time.Duration `json:"base" yaml:"base"`
	Factor      float64       `json:"factor" yaml:"factor"`
	Cap         time.Duration `json:"cap" yaml:"cap"`
	// Jitter is the fraction (0..1) of each delay that is randomized.
	Jitter float64 `json:"jitter,omitempty" yaml:"jitter,omitempty"`
}

// DefaultPolicy is 3 attempts with 0.5s, 1s delays.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, Base: 500 * time.Millisecond, Factor: 2, Cap: 8 * time.Second}
}

// Normalize fills zero fields from DefaultPolicy.
func (p Policy) Normalize() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.Base <= 0 {
		p.Base = d.Base
	}
	if p.Factor < 1 {
		p.Factor = d.Factor
	}
	if p.Cap <= 0 {
		p.Cap = d.Cap
	}
	return p
}

// Delay returns the wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Base) * math.Pow(p.Factor, float64(attempt-1))
	if p.Cap > 0 && d > float64(p.Cap) {
		d = float64(p.Cap)
	}
	if p.Jitter > 0 {
		spread := d * p.Jitter
		d = d - spread + rand.Float64()*2*spread //nolint:gosec // jitter does not need crypto randomness
	}
	return time.Duration(d)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the default Sleeper backed by a timer.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retry calls fn until it succeeds, returns an error rejected by retryable,
// or the policy runs out of attempts. It returns the last error and the
// number of attempts made. minDelay, when non-nil, may lengthen a delay
// (for example to honor a Retry-After hint).
func Retry(ctx context.Context, p Policy, sleep Sleeper, retryable func(error) bool, minDelay func(error) time.Duration, fn func(attempt int) error) (int, error) {
	p = p.Normalize()
	if sleep == nil {
		sleep = Sleep
	}
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err = fn(attempt); err == nil {
			return attempt, nil
		}
		if !retryable(err) || attempt == p.MaxAttempts {
			return attempt, err
		}
		d := p.Delay(attempt)
		if minDelay != nil {
			if m := minDelay(err); m > d {
				d = min(m, p.Cap)
			}
		}
		if serr := sleep(ctx, d); serr != nil {
			return attempt, err
		}
	}
	return p.MaxAttempts, err
}
