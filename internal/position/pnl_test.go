package position

import (
	"testing"

	"kis-exit-engine/internal/model"
)

func TestPnLSeededLotRealizesOnExit(t *testing.T) {
	// Positions held before startup never pass through RecordTrade as
	// buys; the balance sync seeds their basis so exits still realize.
	p := NewPnLTracker()
	p.SeedLot("005930", 10, 10000)

	realized := p.RecordTrade(model.Trade{
		Code: "005930", Side: model.SideSell, Qty: 10, Price: 11400,
		Reason: model.ReasonTrailing, ProfitAmt: 14000,
	})
	if realized != 14000 {
		t.Fatalf("realized = %d, want 14000", realized)
	}
	if got := p.RealizedPnL(); got != 14000 {
		t.Errorf("RealizedPnL = %d, want 14000", got)
	}
}

func TestPnLBuyThenSellWeightedAverage(t *testing.T) {
	p := NewPnLTracker()
	p.RecordTrade(model.Trade{Code: "035720", Side: model.SideBuy, Qty: 10, Price: 50000})
	p.RecordTrade(model.Trade{Code: "035720", Side: model.SideBuy, Qty: 10, Price: 60000})

	// Average basis 55000; selling half at 60000 realizes 50000.
	realized := p.RecordTrade(model.Trade{Code: "035720", Side: model.SideSell, Qty: 10, Price: 60000})
	if realized != 50000 {
		t.Fatalf("realized = %d, want 50000", realized)
	}
}

func TestPnLSeedLotFoldsIntoExistingBasis(t *testing.T) {
	p := NewPnLTracker()
	p.SeedLot("000660", 5, 100000)
	p.SeedLot("000660", 5, 120000)

	realized := p.RecordTrade(model.Trade{Code: "000660", Side: model.SideSell, Qty: 10, Price: 115000})
	if realized != 50000 {
		t.Fatalf("realized = %d, want 50000 against the 110000 average", realized)
	}
}

func TestPnLSummaryValuesSeededOpenLots(t *testing.T) {
	p := NewPnLTracker()
	p.SeedLot("005930", 10, 10000)
	p.SeedLot("000660", 4, 100000)

	s := p.GetSummary(map[string]int64{"005930": 10500, "000660": 99000})
	if s.OpenPositions != 2 {
		t.Errorf("open = %d, want 2", s.OpenPositions)
	}
	// +500×10 on the first lot, −1000×4 on the second.
	if s.UnrealizedPnL != 1000 {
		t.Errorf("unrealized = %d, want 1000", s.UnrealizedPnL)
	}
	if s.TotalPnL != 1000 || s.RealizedPnL != 0 {
		t.Errorf("summary = %+v", s)
	}
}
