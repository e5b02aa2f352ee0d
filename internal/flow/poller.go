// Package flow polls the investor net-flow signal for every held code and
// flags institutional outflow in the position store. The exit rules pick the
// flag up on the next tick; this loop never touches the store lock while a
// network call is pending.
package flow

import (
	"context"
	"log"
	"sync"
	"time"

	"kis-exit-engine/internal/model"
	"kis-exit-engine/internal/position"
)

// Poller refreshes the per-code outflow flag on a fixed interval.
type Poller struct {
	src      model.FlowSource
	store    *position.Store
	interval time.Duration

	// ThresholdEok is the combined institutional + foreign net flow, in
	// units of 100M KRW, at or below which a code counts as outflow.
	// Negative by convention (default -30).
	ThresholdEok float64

	// OnFlag fires when a code's flag changes state.
	OnFlag func(code string, flagged bool)
	// OnError fires per failed lookup; lookups fail independently per code.
	OnError func(code string, err error)

	mu      sync.Mutex
	flagged map[string]bool
}

// New creates a poller over the given source and store.
func New(src model.FlowSource, store *position.Store, interval time.Duration, thresholdEok float64) *Poller {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Poller{
		src:          src,
		store:        store,
		interval:     interval,
		ThresholdEok: thresholdEok,
		flagged:      make(map[string]bool),
	}
}

// Run polls until ctx is cancelled. The first pass runs immediately so a
// restart does not wait a full interval to see an outflow already underway.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

// poll refreshes every held code once. A failed lookup keeps the previous
// flag: a flapping quote endpoint must not spuriously arm or disarm exits.
func (p *Poller) poll(ctx context.Context) {
	for _, code := range p.store.Codes() {
		if ctx.Err() != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		flowEok, err := p.src.NetFlow(callCtx, code)
		cancel()
		if err != nil {
			log.Printf("[flow] %s net-flow lookup failed: %v", code, err)
			if p.OnError != nil {
				p.OnError(code, err)
			}
			continue
		}

		out := flowEok <= p.ThresholdEok
		p.store.SetOutflow(code, out)
		p.mu.Lock()
		prev, seen := p.flagged[code]
		p.flagged[code] = out
		p.mu.Unlock()
		if !seen || prev != out {
			if out {
				log.Printf("[flow] %s flagged: net flow %.1f억 <= %.1f억", code, flowEok, p.ThresholdEok)
			} else if seen {
				log.Printf("[flow] %s cleared: net flow %.1f억", code, flowEok)
			}
			if p.OnFlag != nil {
				p.OnFlag(code, out)
			}
		}
	}
}

// FlaggedCount reports how many codes are currently marked as outflow.
func (p *Poller) FlaggedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, v := range p.flagged {
		if v {
			n++
		}
	}
	return n
}
