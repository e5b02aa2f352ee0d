package exitrule

import (
	"testing"
	"time"

	"kis-exit-engine/internal/model"
)

var kst = time.FixedZone("KST", 9*60*60)
var entry = time.Date(2026, 3, 2, 9, 30, 0, 0, kst)

func holding(buy, shares int64) *model.Position {
	return &model.Position{
		Code:      "005930",
		Name:      "삼성전자",
		Status:    model.StatusHolding,
		Shares:    shares,
		Remaining: shares,
		BuyPrice:  buy,
		LastPrice: buy,
		PeakPrice: buy,
		EntryTime: entry,
	}
}

func tick(price int64) model.Tick {
	return model.Tick{Code: "005930", Price: price, TickTS: entry}
}

func TestEvaluate_TrailingLadder(t *testing.T) {
	// Only the first rung is in play for this sequence.
	cfg := DefaultConfig()
	cfg.TrailL2Threshold = 10
	cfg.TrailL3Threshold = 10
	p := holding(10000, 10)

	// +8% activates L1 with a breakeven-floored stop.
	if trig := Evaluate(cfg, p, tick(10800), false, entry); trig != nil {
		t.Fatalf("unexpected trigger at 10800: %+v", trig)
	}
	if p.Level != model.TrailL1 {
		t.Errorf("expected L1 after +8%%, got %s", p.Level)
	}
	if p.StopPrice != 10260 {
		t.Errorf("expected stop 10260, got %d", p.StopPrice)
	}

	// A new peak raises the stop.
	if trig := Evaluate(cfg, p, tick(12000), false, entry); trig != nil {
		t.Fatalf("unexpected trigger at 12000: %+v", trig)
	}
	if p.PeakPrice != 12000 {
		t.Errorf("expected peak 12000, got %d", p.PeakPrice)
	}
	if p.StopPrice != 11400 {
		t.Errorf("expected stop 11400, got %d", p.StopPrice)
	}

	// Trading exactly at the stop holds.
	if trig := Evaluate(cfg, p, tick(11400), false, entry); trig != nil {
		t.Fatalf("unexpected trigger at the stop price: %+v", trig)
	}

	// The first trade below the stop sells everything left.
	trig := Evaluate(cfg, p, tick(11399), false, entry)
	if trig == nil {
		t.Fatal("expected trailing stop trigger at 11399")
	}
	if trig.Reason != model.ReasonTrailing {
		t.Errorf("expected reason %s, got %s", model.ReasonTrailing, trig.Reason)
	}
	if trig.Qty != 10 {
		t.Errorf("expected full qty 10, got %d", trig.Qty)
	}
}

func TestEvaluate_StopLossBeatsTrailing(t *testing.T) {
	cfg := DefaultConfig()
	p := holding(10000, 5)

	// Activate trailing first so both conditions can be true at once.
	Evaluate(cfg, p, tick(10800), false, entry)
	if p.Level != model.TrailL1 {
		t.Fatalf("expected L1, got %s", p.Level)
	}

	// 9500 is both at the -5%% stop-loss and below the trailing stop.
	trig := Evaluate(cfg, p, tick(9500), true, entry)
	if trig == nil {
		t.Fatal("expected a trigger at 9500")
	}
	if trig.Reason != model.ReasonStopLoss {
		t.Errorf("expected stop_loss to win precedence, got %s", trig.Reason)
	}
}

func TestEvaluate_SupplyExit(t *testing.T) {
	cfg := DefaultConfig()

	p := holding(10000, 7)
	trig := Evaluate(cfg, p, tick(10300), true, entry)
	if trig == nil || trig.Reason != model.ReasonSupply {
		t.Fatalf("expected supply_exit at +3%% with outflow, got %+v", trig)
	}
	if trig.Qty != 7 {
		t.Errorf("expected full qty 7, got %d", trig.Qty)
	}

	// At or above the immunity threshold the outflow signal is ignored,
	// but the ladder still runs.
	p = holding(10000, 7)
	trig = Evaluate(cfg, p, tick(11000), true, entry)
	if trig != nil {
		t.Fatalf("expected no trigger at +10%% with outflow, got %+v", trig)
	}
	if p.Level != model.TrailL1 {
		t.Errorf("expected ladder to still activate, got %s", p.Level)
	}

	// No outflow, no trigger.
	p = holding(10000, 7)
	if trig := Evaluate(cfg, p, tick(10300), false, entry); trig != nil {
		t.Fatalf("expected no trigger without outflow, got %+v", trig)
	}
}

func TestEvaluate_MonotonicPeakLevelStop(t *testing.T) {
	cfg := DefaultConfig()
	p := holding(10000, 10)

	// Up and down walk that climbs through all three levels without
	// breaking a stop.
	prices := []int64{10100, 10900, 10500, 11600, 11300, 12600, 12400, 12700}

	prevPeak, prevLevel, prevStop := p.PeakPrice, p.Level, p.StopPrice
	for _, px := range prices {
		if trig := Evaluate(cfg, p, tick(px), false, entry); trig != nil {
			t.Fatalf("unexpected trigger at %d: %+v", px, trig)
		}
		if p.PeakPrice < prevPeak {
			t.Errorf("peak decreased at %d: %d -> %d", px, prevPeak, p.PeakPrice)
		}
		if p.Level < prevLevel {
			t.Errorf("level decreased at %d: %s -> %s", px, prevLevel, p.Level)
		}
		if p.Level != model.TrailNone && p.StopPrice < prevStop {
			t.Errorf("stop decreased at %d: %d -> %d", px, prevStop, p.StopPrice)
		}
		prevPeak, prevLevel, prevStop = p.PeakPrice, p.Level, p.StopPrice
	}

	if p.Level != model.TrailL3 {
		t.Errorf("expected L3 after +26%%, got %s", p.Level)
	}
}

func TestEvaluate_LadderJumpsStraightToL3(t *testing.T) {
	cfg := DefaultConfig()
	p := holding(10000, 10)

	// One tick at +26% walks NONE -> L1 -> L2 -> L3 and tightens the stop
	// with the L3 percent.
	if trig := Evaluate(cfg, p, tick(12600), false, entry); trig != nil {
		t.Fatalf("unexpected trigger: %+v", trig)
	}
	if p.Level != model.TrailL3 {
		t.Errorf("expected L3, got %s", p.Level)
	}
	if p.StopPrice != 12348 { // 12600 * 0.98
		t.Errorf("expected stop 12348, got %d", p.StopPrice)
	}
}

func TestEvaluate_SplitTranches(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModeSplit
	p := holding(10000, 100)

	// T1 at +10%: 30% of the original shares.
	trig := Evaluate(cfg, p, tick(11000), false, entry)
	if trig == nil || trig.Reason != model.ReasonSplitTP || trig.Stage != 1 {
		t.Fatalf("expected stage 1 split trigger, got %+v", trig)
	}
	if trig.Qty != 30 {
		t.Errorf("expected qty 30, got %d", trig.Qty)
	}

	// The store marks the tranche once the fill confirms.
	p.TookTP1 = true
	p.Remaining = 70

	// Same price again does not re-fire.
	if trig := Evaluate(cfg, p, tick(11000), false, entry); trig != nil {
		t.Fatalf("tranche 1 fired twice: %+v", trig)
	}

	// T2 at +15%: another 30% of the original shares.
	trig = Evaluate(cfg, p, tick(11500), false, entry)
	if trig == nil || trig.Stage != 2 || trig.Qty != 30 {
		t.Fatalf("expected stage 2 qty 30, got %+v", trig)
	}
	p.TookTP2 = true
	p.Remaining = 40

	// T3 at +20%: everything left.
	trig = Evaluate(cfg, p, tick(12000), false, entry)
	if trig == nil || trig.Stage != 3 || trig.Qty != 40 {
		t.Fatalf("expected stage 3 qty 40, got %+v", trig)
	}

	// Split mode never touches the trailing state.
	if p.Level != model.TrailNone || p.StopPrice != 0 {
		t.Errorf("split mode mutated trailing state: level=%s stop=%d", p.Level, p.StopPrice)
	}
}

func TestEvaluate_SplitSkipsToHighestTranche(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModeSplit
	p := holding(10000, 100)

	// A gap straight past T3 sells the full position in one shot.
	trig := Evaluate(cfg, p, tick(12500), false, entry)
	if trig == nil || trig.Stage != 3 || trig.Qty != 100 {
		t.Fatalf("expected stage 3 full qty, got %+v", trig)
	}
}

func TestEvaluate_MaxHold(t *testing.T) {
	cfg := DefaultConfig()

	cases := []struct {
		name   string
		price  int64
		days   int
		expect bool
	}{
		{"profitable day 15", 10600, 15, true},
		{"profitable day 13", 10600, 13, false},
		{"low profit day 7", 10200, 7, true},
		{"low profit day 6", 10200, 6, false},
		{"small loss day 8", 9700, 8, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := holding(10000, 10)
			now := entry.AddDate(0, 0, tc.days)
			trig := Evaluate(cfg, p, tick(tc.price), false, now)
			if tc.expect {
				if trig == nil || trig.Reason != model.ReasonMaxHold {
					t.Fatalf("expected max_hold, got %+v", trig)
				}
			} else if trig != nil {
				t.Fatalf("expected no trigger, got %+v", trig)
			}
		})
	}
}

func TestEvaluate_MaxHoldYieldsToPriceTriggers(t *testing.T) {
	cfg := DefaultConfig()
	p := holding(10000, 10)

	// Ladder active, then a stale position breaks its stop on day 20:
	// the price trigger is the one recorded.
	Evaluate(cfg, p, tick(10800), false, entry)
	trig := Evaluate(cfg, p, tick(10200), false, entry.AddDate(0, 0, 20))
	if trig == nil || trig.Reason != model.ReasonTrailing {
		t.Fatalf("expected trailing_stop ahead of max_hold, got %+v", trig)
	}
}

func TestEvaluate_SkipsNonHolding(t *testing.T) {
	cfg := DefaultConfig()

	p := holding(10000, 10)
	p.Status = model.StatusClosed
	if trig := Evaluate(cfg, p, tick(9000), false, entry); trig != nil {
		t.Fatalf("closed position evaluated: %+v", trig)
	}

	// A zero price is malformed feed data and must not touch state.
	p = holding(10000, 10)
	if trig := Evaluate(cfg, p, tick(0), false, entry); trig != nil {
		t.Fatalf("zero-price tick triggered: %+v", trig)
	}
	if p.LastPrice != 10000 {
		t.Errorf("zero-price tick mutated last price: %d", p.LastPrice)
	}
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode("trailing"); err != nil || m != ModeTrailing {
		t.Errorf("ParseMode(trailing) = %v, %v", m, err)
	}
	if m, err := ParseMode("split"); err != nil || m != ModeSplit {
		t.Errorf("ParseMode(split) = %v, %v", m, err)
	}
	if _, err := ParseMode("both"); err == nil {
		t.Error("expected error for unknown mode")
	}
}
