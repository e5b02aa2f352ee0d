// Package ws adapts the KIS realtime feed to the engine's TickSource port
// and keeps the subscription set in step with the held codes.
package ws

import (
	"context"
	"fmt"
	"log"
	"time"

	"kis-exit-engine/internal/model"
	"kis-exit-engine/pkg/kis"
)

// Ingest connects the KIS execution stream and pushes normalized ticks into
// tickCh. A staleness watchdog bounces the socket when the feed goes quiet
// past the configured timeout.
type Ingest struct {
	rt       *kis.Realtime
	watchdog *Watchdog

	// Optional metric hooks.
	OnReconnect func()
	OnStall     func()
	OnDrop      func()
	// OnDown fires when the feed gives up after exhausting its reconnect
	// budget; the session loop decides what happens next.
	OnDown func(err error)
}

// New wraps a realtime client. staleTimeout of zero disables the watchdog.
func New(rt *kis.Realtime, staleTimeout time.Duration) *Ingest {
	ing := &Ingest{rt: rt}
	if staleTimeout > 0 {
		ing.watchdog = NewWatchdog(staleTimeout)
	}
	return ing
}

// Sync reconciles the live subscription set against the currently held
// codes: newly held codes are subscribed, sold-out codes unsubscribed.
func (ing *Ingest) Sync(held []string) error {
	current := make(map[string]bool)
	for _, code := range ing.rt.Subscriptions() {
		current[code] = true
	}

	var add []string
	want := make(map[string]bool, len(held))
	for _, code := range held {
		want[code] = true
		if !current[code] {
			add = append(add, code)
		}
	}
	var remove []string
	for code := range current {
		if !want[code] {
			remove = append(remove, code)
		}
	}

	if len(remove) > 0 {
		if err := ing.rt.Unsubscribe(remove...); err != nil {
			return fmt.Errorf("ws ingest: unsubscribe: %w", err)
		}
		log.Printf("[ws] unsubscribed %d sold codes", len(remove))
	}
	if len(add) > 0 {
		if err := ing.rt.Subscribe(add...); err != nil {
			return fmt.Errorf("ws ingest: subscribe: %w", err)
		}
		log.Printf("[ws] subscribed %d new codes", len(add))
	}
	return nil
}

// Start connects, subscribes the initial code set and streams ticks into
// tickCh until ctx is cancelled or the feed is down for good.
func (ing *Ingest) Start(ctx context.Context, codes []string, tickCh chan<- model.Tick) error {
	downCh := make(chan error, 1)

	ing.rt.OnTick = func(pt *kis.PriceTick) {
		tick := toTick(pt)
		if ing.watchdog != nil {
			ing.watchdog.Observe(tick.TickTS)
		}
		select {
		case tickCh <- tick:
		default:
			log.Printf("[ws] tick channel full, dropping %s", tick.Code)
			if ing.OnDrop != nil {
				ing.OnDrop()
			}
		}
	}
	ing.rt.OnReconnect = func(attempt int) {
		// The gap between disconnect and here is unmonitored; surface it.
		log.Printf("[ws] feed reconnected after %d attempt(s), tick gap possible", attempt)
		if ing.watchdog != nil {
			ing.watchdog.Observe(time.Now())
		}
		if ing.OnReconnect != nil {
			ing.OnReconnect()
		}
	}
	ing.rt.OnError = func(err error) {
		select {
		case downCh <- err:
		default:
		}
		if ing.OnDown != nil {
			ing.OnDown(err)
		}
	}

	if err := ing.rt.Connect(); err != nil {
		return fmt.Errorf("ws ingest: connect: %w", err)
	}
	if len(codes) > 0 {
		if err := ing.rt.Subscribe(codes...); err != nil {
			ing.rt.CloseConnection()
			return fmt.Errorf("ws ingest: initial subscribe: %w", err)
		}
	}

	if ing.watchdog != nil {
		ing.watchdog.OnStall = func(silent time.Duration) {
			log.Printf("[ws] no ticks for %s, bouncing the connection", silent.Truncate(time.Second))
			if ing.OnStall != nil {
				ing.OnStall()
			}
			ing.rt.Bounce()
		}
		go ing.watchdog.Run(ctx)
	}

	select {
	case <-ctx.Done():
		ing.rt.CloseConnection()
		return nil
	case err := <-downCh:
		ing.rt.CloseConnection()
		return fmt.Errorf("ws ingest: feed down: %w", err)
	}
}

// toTick converts a KIS execution report. The exchange stamps ticks with
// HHMMSS local time; anything unparseable falls back to arrival time.
func toTick(pt *kis.PriceTick) model.Tick {
	ts := time.Now()
	if t, err := time.ParseInLocation("150405", pt.Time, tickZone); err == nil {
		now := time.Now().In(tickZone)
		ts = time.Date(now.Year(), now.Month(), now.Day(),
			t.Hour(), t.Minute(), t.Second(), 0, tickZone)
	}
	return model.Tick{
		Code:       pt.Code,
		Price:      pt.Price,
		Change:     pt.Change,
		ChangeRate: pt.ChangeRate,
		Open:       pt.Open,
		High:       pt.High,
		Low:        pt.Low,
		Volume:     pt.Volume,
		TickTS:     ts,
	}
}

// tickZone is the exchange-local zone for tick timestamps.
var tickZone = time.FixedZone("KST", 9*3600)
