// Package replay feeds recorded ticks back through the engine at a
// configurable speed, so exit behavior can be re-run against a real session
// without touching the broker.
package replay

import (
	"context"
	"log"
	"sort"
	"time"

	"kis-exit-engine/internal/model"
	redisstore "kis-exit-engine/internal/store/redis"
)

// Replayer reads recorded ticks from the Redis recording streams and emits
// them in timestamp order. Implements model.TickSource.
type Replayer struct {
	reader *redisstore.Reader
	codes  []string
	speed  float64 // 1.0 = real-time, 10.0 = 10x, 0 = as fast as possible
}

// New creates a Replayer over the given codes' recording streams.
func New(reader *redisstore.Reader, codes []string, speed float64) *Replayer {
	return &Replayer{reader: reader, codes: codes, speed: speed}
}

// Start loads every recorded tick for the configured codes, merges them into
// one timeline and emits them into tickCh with scaled inter-tick gaps.
// Blocks until done or ctx is cancelled. Closes tickCh on return.
func (r *Replayer) Start(ctx context.Context, tickCh chan<- model.Tick) error {
	defer close(tickCh)

	var timeline []model.Tick
	for _, code := range r.codes {
		ticks, err := r.reader.ReadTicks(ctx, code, 0)
		if err != nil {
			return err
		}
		log.Printf("[replay] %s: %d recorded ticks", code, len(ticks))
		timeline = append(timeline, ticks...)
	}

	if len(timeline) == 0 {
		log.Println("[replay] nothing recorded for the requested codes")
		return nil
	}

	// Per-code streams are already ordered; the merged timeline is not.
	sort.SliceStable(timeline, func(i, j int) bool {
		return timeline[i].TickTS.Before(timeline[j].TickTS)
	})

	log.Printf("[replay] replaying %d ticks across %d codes, speed=%.1fx",
		len(timeline), len(r.codes), r.speed)

	var prev time.Time
	emitted := 0
	for _, tick := range timeline {
		if r.speed > 0 && !prev.IsZero() {
			gap := tick.TickTS.Sub(prev)
			if gap > 0 {
				scaled := time.Duration(float64(gap) / r.speed)
				// Recorded sessions have lunch-sized holes; cap the wait.
				if scaled > 5*time.Second {
					scaled = 5 * time.Second
				}
				select {
				case <-ctx.Done():
					log.Printf("[replay] cancelled after %d ticks", emitted)
					return ctx.Err()
				case <-time.After(scaled):
				}
			}
		}
		prev = tick.TickTS

		select {
		case <-ctx.Done():
			log.Printf("[replay] cancelled after %d ticks", emitted)
			return ctx.Err()
		case tickCh <- tick:
			emitted++
		}
	}

	log.Printf("[replay] done: %d ticks emitted", emitted)
	return nil
}
