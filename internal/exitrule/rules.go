// Package exitrule implements the per-tick exit decision for held positions:
// stop-loss, supply-outflow exit, a staged trailing-stop ladder or the legacy
// split take-profit scheme, and hold-period expiry. Everything here is a pure
// in-memory state transition; callers own locking and I/O.
package exitrule

import (
	"fmt"
	"math"
	"time"

	"kis-exit-engine/internal/model"
)

// Mode selects the profit-taking scheme. Exactly one mode is active for the
// life of the process, resolved from config at startup.
type Mode string

const (
	ModeTrailing Mode = "trailing"
	ModeSplit    Mode = "split"
)

// ParseMode validates an EXIT_MODE string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeTrailing, ModeSplit:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown exit mode %q (want trailing or split)", s)
}

// Config carries the exit thresholds. Rates are fractions: 0.05 means 5%.
type Config struct {
	Mode Mode

	StopLossPct float64 // negative; sell at or below this profit rate

	TrailActivationPct float64 // NONE -> L1
	TrailL1Pct         float64
	TrailL2Threshold   float64
	TrailL2Pct         float64
	TrailL3Threshold   float64
	TrailL3Pct         float64

	TakeProfit1      float64 // split-mode tranche thresholds
	TakeProfit2      float64
	TakeProfit3      float64
	PartialSellRatio float64 // fraction of original shares per tranche

	MaxHoldDaysProfit    int
	MaxHoldDaysLoss      int
	MinProfitForLongHold float64

	MinProfitToIgnoreSupply float64 // outflow signal ignored at or above this
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		Mode:                    ModeTrailing,
		StopLossPct:             -0.05,
		TrailActivationPct:      0.08,
		TrailL1Pct:              0.05,
		TrailL2Threshold:        0.15,
		TrailL2Pct:              0.03,
		TrailL3Threshold:        0.25,
		TrailL3Pct:              0.02,
		TakeProfit1:             0.10,
		TakeProfit2:             0.15,
		TakeProfit3:             0.20,
		PartialSellRatio:        0.30,
		MaxHoldDaysProfit:       14,
		MaxHoldDaysLoss:         7,
		MinProfitForLongHold:    0.05,
		MinProfitToIgnoreSupply: 0.10,
	}
}

// Trigger is a sell decision for one position.
type Trigger struct {
	Reason model.ExitReason
	Qty    int64 // shares to sell
	Price  int64 // tick price at decision time, KRW
	Stage  int   // split-mode tranche 1..3, 0 otherwise
}

// Evaluate advances a HOLDING position against one tick and returns at most
// one sell trigger. Precedence is fixed: stop-loss, supply-exit, then the
// configured profit scheme, then hold-period expiry. It mutates p's exit
// state (last/peak/stop prices, level) in place and performs no I/O.
func Evaluate(cfg Config, p *model.Position, tick model.Tick, outflow bool, now time.Time) *Trigger {
	if p.Status != model.StatusHolding || p.Remaining <= 0 || tick.Price <= 0 {
		return nil
	}
	p.LastPrice = tick.Price
	profit := p.ProfitPct()

	// 1. Stop-loss, terminal for this tick.
	if profit <= cfg.StopLossPct {
		return &Trigger{Reason: model.ReasonStopLoss, Qty: p.Remaining, Price: tick.Price}
	}

	// 2. Supply-exit. Price-independent, subordinate only to stop-loss.
	// A position already well in profit rides out the outflow.
	if outflow && profit < cfg.MinProfitToIgnoreSupply {
		return &Trigger{Reason: model.ReasonSupply, Qty: p.Remaining, Price: tick.Price}
	}

	// 3/4. Exactly one profit scheme is live per run.
	var trig *Trigger
	if cfg.Mode == ModeSplit {
		trig = evalSplit(cfg, p, profit, tick.Price)
	} else {
		trig = evalTrailing(cfg, p, profit, tick.Price)
	}
	if trig != nil {
		return trig
	}

	// 5. Hold-period expiry, only when nothing else fired.
	if holdExpired(cfg, profit, p.HeldDays(now)) {
		return &Trigger{Reason: model.ReasonMaxHold, Qty: p.Remaining, Price: tick.Price}
	}
	return nil
}

// evalTrailing ratchets the peak, walks the level ladder and recomputes the
// stop. The stop never loosens; the first activation floors it at breakeven.
func evalTrailing(cfg Config, p *model.Position, profit float64, price int64) *Trigger {
	if price > p.PeakPrice {
		p.PeakPrice = price
	}

	if p.Level == model.TrailNone && profit >= cfg.TrailActivationPct {
		p.Level = model.TrailL1
		p.StopPrice = trailStop(p.PeakPrice, cfg.TrailL1Pct)
		if p.BuyPrice > p.StopPrice {
			p.StopPrice = p.BuyPrice
		}
	}
	if p.Level == model.TrailNone {
		return nil
	}

	if p.Level < model.TrailL2 && profit >= cfg.TrailL2Threshold {
		p.Level = model.TrailL2
	}
	if p.Level < model.TrailL3 && profit >= cfg.TrailL3Threshold {
		p.Level = model.TrailL3
	}

	if s := trailStop(p.PeakPrice, levelPct(cfg, p.Level)); s > p.StopPrice {
		p.StopPrice = s
	}
	// The stop is a whole-KRW floor; the price has to break below it, so a
	// trade exactly at the stop does not fire.
	if price < p.StopPrice {
		return &Trigger{Reason: model.ReasonTrailing, Qty: p.Remaining, Price: price}
	}
	return nil
}

// evalSplit fires the tranche whose threshold the current profit clears,
// highest first. T1 and T2 sell a fixed fraction of the original shares;
// T3 sells everything left and closes the position. Tranche flags are set by
// the store when the fill confirms, so a failed order re-arms its tranche.
func evalSplit(cfg Config, p *model.Position, profit float64, price int64) *Trigger {
	switch {
	case profit >= cfg.TakeProfit3:
		return &Trigger{Reason: model.ReasonSplitTP, Qty: p.Remaining, Price: price, Stage: 3}
	case !p.TookTP2 && profit >= cfg.TakeProfit2:
		if qty := trancheQty(p, cfg.PartialSellRatio); qty > 0 {
			return &Trigger{Reason: model.ReasonSplitTP, Qty: qty, Price: price, Stage: 2}
		}
	case !p.TookTP1 && profit >= cfg.TakeProfit1:
		if qty := trancheQty(p, cfg.PartialSellRatio); qty > 0 {
			return &Trigger{Reason: model.ReasonSplitTP, Qty: qty, Price: price, Stage: 1}
		}
	}
	return nil
}

func holdExpired(cfg Config, profit float64, heldDays int) bool {
	if profit >= cfg.MinProfitForLongHold {
		return heldDays >= cfg.MaxHoldDaysProfit
	}
	return heldDays >= cfg.MaxHoldDaysLoss
}

// trancheQty sizes a partial sell from the original share count, capped at
// what is still held.
func trancheQty(p *model.Position, ratio float64) int64 {
	qty := int64(float64(p.Shares) * ratio)
	if qty > p.Remaining {
		qty = p.Remaining
	}
	return qty
}

func levelPct(cfg Config, l model.TrailingLevel) float64 {
	switch l {
	case model.TrailL3:
		return cfg.TrailL3Pct
	case model.TrailL2:
		return cfg.TrailL2Pct
	default:
		return cfg.TrailL1Pct
	}
}

// trailStop computes peak × (1 − pct) rounded to whole KRW.
func trailStop(peak int64, pct float64) int64 {
	return int64(math.Round(float64(peak) * (1 - pct)))
}
