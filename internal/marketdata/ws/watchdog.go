package ws

import (
	"context"
	"sync"
	"time"
)

// Watchdog detects a stalled feed: a socket that stays open but delivers no
// ticks. During market hours the execution stream is never silent for long,
// so a gap past the timeout means the subscription is dead even though the
// connection looks healthy.
type Watchdog struct {
	timeout time.Duration

	mu       sync.Mutex
	lastTick time.Time

	// OnStall is called once per detected stall with the silent duration.
	OnStall func(silent time.Duration)
}

// NewWatchdog creates a watchdog with the given staleness limit.
func NewWatchdog(timeout time.Duration) *Watchdog {
	return &Watchdog{timeout: timeout, lastTick: time.Now()}
}

// Observe records tick arrival. Called from the feed's read goroutine.
func (w *Watchdog) Observe(ts time.Time) {
	w.mu.Lock()
	if ts.After(w.lastTick) {
		w.lastTick = ts
	}
	w.mu.Unlock()
}

// Silent returns how long the feed has been quiet.
func (w *Watchdog) Silent() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return time.Since(w.lastTick)
}

// Run checks staleness on a fraction of the timeout until ctx is cancelled.
// After firing, the clock resets so one stall produces one callback, not a
// callback per check.
func (w *Watchdog) Run(ctx context.Context) {
	interval := w.timeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if silent := w.Silent(); silent >= w.timeout {
				w.Observe(time.Now())
				if w.OnStall != nil {
					w.OnStall(silent)
				}
			}
		}
	}
}
