package execution

import (
	"log"
	"sync"
)

// RiskLimits defines the buy-side safety rails.
type RiskLimits struct {
	MaxOpenPositions int   `json:"max_open_positions"` // concurrent positions allowed
	MinOrderValue    int64 `json:"min_order_value"`    // KRW, skip dust orders
	MaxDailyLoss     int64 `json:"max_daily_loss"`     // KRW, stop buying past this realized loss
}

// DefaultRiskLimits returns the production limits.
func DefaultRiskLimits() RiskLimits {
	return RiskLimits{
		MaxOpenPositions: 10,
		MinOrderValue:    10_000,
		MaxDailyLoss:     1_000_000,
	}
}

// RiskManager validates buys against the limits and sizes orders from a
// per-candidate budget. Sells are never blocked here: an exit trigger must
// always be allowed to reduce exposure.
type RiskManager struct {
	mu       sync.RWMutex
	limits   RiskLimits
	dailyPnL int64
}

// NewRiskManager creates a RiskManager with the given limits.
func NewRiskManager(limits RiskLimits) *RiskManager {
	return &RiskManager{limits: limits}
}

// CanBuy checks whether opening one more position is allowed.
// openPositions counts tracked positions including pending buys.
func (rm *RiskManager) CanBuy(openPositions int) (bool, string) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	if openPositions >= rm.limits.MaxOpenPositions {
		return false, "max open positions reached"
	}
	if rm.dailyPnL < -rm.limits.MaxDailyLoss {
		return false, "max daily loss reached"
	}
	return true, ""
}

// SizeOrder converts a KRW budget into a share count at the given price.
// Returns 0 when the budget cannot buy a single share or the resulting
// order would be below the minimum order value.
func (rm *RiskManager) SizeOrder(budget, price int64) int64 {
	if price <= 0 || budget <= 0 {
		return 0
	}
	qty := budget / price
	if qty*price < rm.limits.MinOrderValue {
		return 0
	}
	return qty
}

// RecordPnL feeds realized profit into the daily-loss breaker.
func (rm *RiskManager) RecordPnL(pnl int64) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.dailyPnL += pnl
	log.Printf("[risk] session realized P&L: %d KRW", rm.dailyPnL)
}

// ResetDaily clears the daily P&L counter at session open.
func (rm *RiskManager) ResetDaily() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.dailyPnL = 0
}
