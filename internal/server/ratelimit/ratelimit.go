// Package ratelimit throttles attempts per caller-chosen key. The core is
// agnostic to how keys are built (client address, account, composite); it
// only counts attempts inside a fixed time window.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter decides whether one more attempt is allowed for key. A denial is a
// first-class outcome, not an error. Implementations must be safe for
// concurrent use and must serialize increments per key.
type Limiter interface {
	Allow(key string) bool
}

type windowState struct {
	count int
	reset time.Time
}

// FixedWindow is an in-memory Limiter granting budget attempts per window
// per key. State for a key is created lazily on first attempt; an expired
// window never blocks a later attempt. A distributed deployment can swap in
// a shared-store implementation behind the Limiter interface.
type FixedWindow struct {
	budget int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*windowState
}

// NewFixedWindow returns a limiter with the given attempt budget per window.
func NewFixedWindow(budget int, window time.Duration) *FixedWindow {
	return &FixedWindow{
		budget:  budget,
		window:  window,
		now:     time.Now,
		entries: make(map[string]*windowState),
	}
}

// Allow records an attempt for key and reports whether it fits the budget.
// An expired window is reset in place, so stale counters never deny a
// legitimate attempt.
func (l *FixedWindow) Allow(key string) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.entries[key]
	if !ok || !now.Before(st.reset) {
		l.entries[key] = &windowState{count: 1, reset: now.Add(l.window)}
		return true
	}

	if st.count >= l.budget {
		return false
	}
	st.count++
	return true
}

// Sweep drops entries whose window has expired. Allow already resets expired
// entries lazily; Sweep only bounds memory for keys never seen again.
func (l *FixedWindow) Sweep() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, st := range l.entries {
		if !now.Before(st.reset) {
			delete(l.entries, key)
		}
	}
}

// StartJanitor sweeps expired entries every interval until ctx is done.
func (l *FixedWindow) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Sweep()
			}
		}
	}()
}
