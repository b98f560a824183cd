package util

import (
	"context"
	"sync"
	"time"
)

// Mesh radio duty-cycle limits. Consumer mesh devices refuse or drop
// transmissions beyond roughly 5 messages per rolling minute, so the
// limiter enforces that client-side instead of letting the hardware
// fail mid-stream.
const (
	rateWindow = 60 * time.Second
	rateBurst  = 5
	rateMinGap = 2 * time.Second
)

// RateLimiter throttles radio sends to at most rateBurst transmissions
// per rateWindow, with at least rateMinGap between consecutive sends.
// Safe for concurrent use.
type RateLimiter struct {
	mu    sync.Mutex
	sends []time.Time

	// now is swappable for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRateLimiter creates a limiter with the mesh duty-cycle defaults.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		now: time.Now,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}

// Wait blocks until a send is permitted, then records it. Returns the
// context error if ctx is cancelled while waiting.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		d := r.delay()
		if d <= 0 {
			r.sends = append(r.sends, r.now())
			if len(r.sends) > rateBurst {
				r.sends = r.sends[len(r.sends)-rateBurst:]
			}
			r.mu.Unlock()
			return nil
		}
		r.mu.Unlock()

		LogDebug("rate limit: waiting %v before next radio send", d.Round(time.Millisecond))
		if err := r.sleep(ctx, d); err != nil {
			return err
		}
	}
}

// delay returns how long the caller must wait before the next send is
// allowed. Caller holds r.mu.
func (r *RateLimiter) delay() time.Duration {
	now := r.now()

	if n := len(r.sends); n > 0 {
		if gap := rateMinGap - now.Sub(r.sends[n-1]); gap > 0 {
			return gap
		}
	}

	if len(r.sends) < rateBurst {
		return 0
	}

	// Oldest of the last rateBurst sends must have aged out of the window.
	oldest := r.sends[len(r.sends)-rateBurst]
	if age := now.Sub(oldest); age < rateWindow {
		return rateWindow - age
	}
	return 0
}
