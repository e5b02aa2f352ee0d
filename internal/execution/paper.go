package execution

import (
	"context"
	"fmt"
	"log"
	"sync"

	"kis-exit-engine/internal/model"
)

// PaperBroker simulates order execution without touching the brokerage.
// Orders fill immediately at the last known price plus configurable
// slippage. Used by cmd/replay and ENGINE_MODE=paper.
type PaperBroker struct {
	mu       sync.RWMutex
	orderSeq int64
	fills    map[string]model.FillStatus
	prices   map[string]int64

	// slippageBps shifts fills against the order in basis points
	// (5 = 0.05%). Buys fill higher, sells fill lower.
	slippageBps int64
}

// NewPaperBroker creates a paper broker with the given slippage.
func NewPaperBroker(slippageBps int64) *PaperBroker {
	return &PaperBroker{
		fills:       make(map[string]model.FillStatus),
		prices:      make(map[string]int64),
		slippageBps: slippageBps,
	}
}

// ObservePrice records the latest traded price, so market orders have
// something to fill at. The replay loop feeds every tick through here.
func (p *PaperBroker) ObservePrice(code string, price int64) {
	if price <= 0 {
		return
	}
	p.mu.Lock()
	p.prices[code] = price
	p.mu.Unlock()
}

// PlaceOrder fills the order immediately and returns a PAPER-n id.
func (p *PaperBroker) PlaceOrder(ctx context.Context, side model.Side, code string, qty, price int64) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fillPrice := price
	if fillPrice == 0 {
		fillPrice = p.prices[code]
	}
	if fillPrice == 0 {
		return "", fmt.Errorf("paper: no price observed for %s", code)
	}

	slip := fillPrice * p.slippageBps / 10000
	if side == model.SideBuy {
		fillPrice += slip
	} else {
		fillPrice -= slip
	}

	p.orderSeq++
	id := fmt.Sprintf("PAPER-%d", p.orderSeq)
	p.fills[id] = model.FillStatus{OrderQty: qty, FilledQty: qty, AvgPrice: fillPrice}

	log.Printf("[paper] %s %s qty=%d filled at %d (slip=%d) order=%s",
		side, code, qty, fillPrice, slip, id)
	return id, nil
}

// CancelOrder is a no-op: paper orders fill instantly, there is never an
// unfilled remainder.
func (p *PaperBroker) CancelOrder(ctx context.Context, brokerID, code string, qty int64) error {
	return nil
}

// OrderFill reports the simulated fill.
func (p *PaperBroker) OrderFill(ctx context.Context, brokerID string) (model.FillStatus, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st, ok := p.fills[brokerID]
	if !ok {
		return model.FillStatus{}, fmt.Errorf("paper: unknown order %s", brokerID)
	}
	return st, nil
}

// CurrentPrice returns the last observed price for a code.
func (p *PaperBroker) CurrentPrice(ctx context.Context, code string) (int64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	price, ok := p.prices[code]
	if !ok {
		return 0, fmt.Errorf("paper: no price observed for %s", code)
	}
	return price, nil
}
