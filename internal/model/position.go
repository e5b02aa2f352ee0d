package model

import "time"

// PositionStatus is the lifecycle state of a tracked position.
type PositionStatus string

const (
	StatusPending PositionStatus = "PENDING" // buy submitted, not yet filled
	StatusHolding PositionStatus = "HOLDING"
	StatusClosed  PositionStatus = "CLOSED" // immutable once reached
)

// TrailingLevel is the staged trailing-stop ladder. Levels only move up.
type TrailingLevel int

const (
	TrailNone TrailingLevel = iota
	TrailL1
	TrailL2
	TrailL3
)

func (l TrailingLevel) String() string {
	switch l {
	case TrailL1:
		return "L1"
	case TrailL2:
		return "L2"
	case TrailL3:
		return "L3"
	default:
		return "NONE"
	}
}

// Position represents one held instrument and its exit state.
// PeakPrice and Level never move backward while HOLDING; StopPrice never
// decreases once Level != NONE.
type Position struct {
	Code      string         `json:"code"`
	Name      string         `json:"name"`
	Status    PositionStatus `json:"status"`
	Shares    int64          `json:"shares"`    // original filled quantity
	Remaining int64          `json:"remaining"` // still held (split mode reduces this)
	BuyPrice  int64          `json:"buy_price"` // average fill price, KRW
	LastPrice int64          `json:"last_price"`
	PeakPrice int64          `json:"peak_price"`
	StopPrice int64          `json:"stop_price"` // 0 until trailing activates
	Level     TrailingLevel  `json:"level"`
	TookTP1   bool           `json:"took_tp1"` // split-mode tranche flags
	TookTP2   bool           `json:"took_tp2"`
	EntryTime time.Time      `json:"entry_time"`
	InFlight  string         `json:"in_flight,omitempty"` // outstanding OrderRequest id, "" if none
}

// ProfitPct returns (last − buy) / buy. Zero when buy price is unknown.
func (p *Position) ProfitPct() float64 {
	if p.BuyPrice == 0 {
		return 0
	}
	return float64(p.LastPrice-p.BuyPrice) / float64(p.BuyPrice)
}

// UnrealizedPnL computes unrealized profit/loss in KRW on the remaining shares.
func (p *Position) UnrealizedPnL() int64 {
	return (p.LastPrice - p.BuyPrice) * p.Remaining
}

// HeldDays returns whole calendar days since entry.
func (p *Position) HeldDays(now time.Time) int {
	return int(now.Sub(p.EntryTime).Hours() / 24)
}
