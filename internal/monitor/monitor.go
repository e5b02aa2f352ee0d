// Package monitor runs the per-tick evaluation loop: ticks in, at most one
// sell request per position out.
//
// The Monitor owns the order channel. On shutdown it drains whatever ticks
// are already queued, so a trigger that was decided before the signal is
// still handed to the gateway, then closes the channel to let the gateway
// finish cleanly.
package monitor

import (
	"context"
	"log"
	"time"

	"kis-exit-engine/internal/model"
	"kis-exit-engine/internal/position"
)

// Monitor routes ticks through the position store and collects triggers.
type Monitor struct {
	store   *position.Store
	orderCh chan *model.OrderRequest

	// Optional metric hooks.
	OnTick    func()
	OnTrigger func(reason model.ExitReason)
	OnEval    func(d time.Duration)
	OnDrop    func()
}

// New creates a monitor with the given trigger buffer.
func New(store *position.Store, orderBufferSize int) *Monitor {
	return &Monitor{
		store:   store,
		orderCh: make(chan *model.OrderRequest, orderBufferSize),
	}
}

// Orders returns the channel of sell requests for the gateway.
func (m *Monitor) Orders() <-chan *model.OrderRequest {
	return m.orderCh
}

// Run consumes ticks until ctx is cancelled or tickCh closes, then drains
// the remaining buffered ticks and closes the order channel.
func (m *Monitor) Run(ctx context.Context, tickCh <-chan model.Tick) {
	defer close(m.orderCh)

	for {
		select {
		case <-ctx.Done():
			m.drain(tickCh)
			return
		case tick, ok := <-tickCh:
			if !ok {
				return
			}
			m.handle(tick)
		}
	}
}

// drain evaluates everything already queued without waiting for more.
func (m *Monitor) drain(tickCh <-chan model.Tick) {
	n := 0
	for {
		select {
		case tick, ok := <-tickCh:
			if !ok {
				if n > 0 {
					log.Printf("[monitor] drained %d pending ticks on shutdown", n)
				}
				return
			}
			m.handle(tick)
			n++
		default:
			if n > 0 {
				log.Printf("[monitor] drained %d pending ticks on shutdown", n)
			}
			return
		}
	}
}

func (m *Monitor) handle(tick model.Tick) {
	if m.OnTick != nil {
		m.OnTick()
	}
	start := time.Now()
	pos, req, ok := m.store.Apply(tick)
	if m.OnEval != nil {
		m.OnEval(time.Since(start))
	}
	if !ok || req == nil {
		return
	}

	log.Printf("[monitor] %s trigger on %s: qty=%d price=%d profit=%.2f%% level=%s",
		req.Reason, pos.Code, req.Qty, req.Price, pos.ProfitPct()*100, pos.Level)
	if m.OnTrigger != nil {
		m.OnTrigger(req.Reason)
	}

	select {
	case m.orderCh <- req:
	default:
		// A wedged gateway must not stall tick evaluation. Dropping here
		// releases the position so a later tick can trigger again.
		log.Printf("[monitor] order channel full, dropping %s trigger for %s", req.Reason, pos.Code)
		m.store.ClearInFlight(pos.Code, req.ID)
		if m.OnDrop != nil {
			m.OnDrop()
		}
	}
}
