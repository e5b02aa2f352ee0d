package execution

import (
	"context"
	"sync"
	"time"
)

// Governor spaces order submissions. Every order in the process goes
// through one shared instance, so bursts of simultaneous exit triggers
// leave for the broker at most one per interval, in arrival order.
type Governor struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
}

// NewGovernor creates a governor with the given minimum spacing.
func NewGovernor(interval time.Duration) *Governor {
	return &Governor{interval: interval}
}

// Wait blocks until the caller may submit. Callers queue on the internal
// mutex, so each gets its own slot.
func (g *Governor) Wait(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if wait := g.interval - time.Since(g.last); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	g.last = time.Now()
	return nil
}
