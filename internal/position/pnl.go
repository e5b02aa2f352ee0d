package position

import (
	"sync"

	"kis-exit-engine/internal/model"
)

// PnLTracker accumulates realized P&L from confirmed fills and values the
// open book against latest prices. Session reporting reads it at close.
type PnLTracker struct {
	mu       sync.RWMutex
	trades   []model.Trade
	realized int64

	costBasis map[string]costEntry // keyed by code
}

type costEntry struct {
	Qty      int64
	AvgPrice int64 // KRW
}

// NewPnLTracker creates an empty tracker.
func NewPnLTracker() *PnLTracker {
	return &PnLTracker{
		trades:    make([]model.Trade, 0, 128),
		costBasis: make(map[string]costEntry),
	}
}

// SeedLot primes the cost basis for shares acquired before this process
// started, so exits of balance-synced positions realize against the
// broker's average price. Books no trade.
func (p *PnLTracker) SeedLot(code string, qty, avgPrice int64) {
	if qty <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	entry := p.costBasis[code]
	if entry.Qty == 0 {
		p.costBasis[code] = costEntry{Qty: qty, AvgPrice: avgPrice}
		return
	}
	totalCost := entry.AvgPrice*entry.Qty + avgPrice*qty
	entry.Qty += qty
	entry.AvgPrice = totalCost / entry.Qty
	p.costBasis[code] = entry
}

// RecordTrade books a fill and returns the realized P&L for sells
// (zero for buys). Buys fold into a weighted average cost basis.
func (p *PnLTracker) RecordTrade(t model.Trade) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.trades = append(p.trades, t)
	entry := p.costBasis[t.Code]

	var realized int64
	if t.Side == model.SideBuy {
		if entry.Qty == 0 {
			entry.Qty = t.Qty
			entry.AvgPrice = t.Price
		} else {
			totalCost := entry.AvgPrice*entry.Qty + t.Price*t.Qty
			entry.Qty += t.Qty
			if entry.Qty > 0 {
				entry.AvgPrice = totalCost / entry.Qty
			}
		}
	} else {
		sellQty := t.Qty
		if sellQty > entry.Qty {
			sellQty = entry.Qty
		}
		realized = (t.Price - entry.AvgPrice) * sellQty
		entry.Qty -= sellQty
		if entry.Qty <= 0 {
			entry.Qty = 0
			entry.AvgPrice = 0
		}
		p.realized += realized
	}

	p.costBasis[t.Code] = entry
	return realized
}

// RealizedPnL returns total realized P&L in KRW.
func (p *PnLTracker) RealizedPnL() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.realized
}

// UnrealizedPnL values open lots against the given code→price map.
func (p *PnLTracker) UnrealizedPnL(prices map[string]int64) int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var unrealized int64
	for code, entry := range p.costBasis {
		if entry.Qty <= 0 {
			continue
		}
		if price, ok := prices[code]; ok {
			unrealized += (price - entry.AvgPrice) * entry.Qty
		}
	}
	return unrealized
}

// Trades returns a snapshot of all booked fills.
func (p *PnLTracker) Trades() []model.Trade {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cp := make([]model.Trade, len(p.trades))
	copy(cp, p.trades)
	return cp
}

// Summary is the session P&L roll-up.
type Summary struct {
	RealizedPnL   int64 `json:"realized_pnl"`
	UnrealizedPnL int64 `json:"unrealized_pnl"`
	TotalPnL      int64 `json:"total_pnl"`
	TotalTrades   int   `json:"total_trades"`
	OpenPositions int   `json:"open_positions"`
}

// GetSummary builds the current roll-up against latest prices.
func (p *PnLTracker) GetSummary(prices map[string]int64) Summary {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var unrealized int64
	open := 0
	for code, entry := range p.costBasis {
		if entry.Qty <= 0 {
			continue
		}
		open++
		if price, ok := prices[code]; ok {
			unrealized += (price - entry.AvgPrice) * entry.Qty
		}
	}

	return Summary{
		RealizedPnL:   p.realized,
		UnrealizedPnL: unrealized,
		TotalPnL:      p.realized + unrealized,
		TotalTrades:   len(p.trades),
		OpenPositions: open,
	}
}
