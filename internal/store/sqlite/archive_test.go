package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"kis-exit-engine/internal/model"
)

func testArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := New(ArchiveConfig{DBPath: filepath.Join(t.TempDir(), "archive.db")})
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestArchivePositionRoundTrip(t *testing.T) {
	a := testArchive(t)

	entered := time.Date(2026, 3, 2, 9, 5, 0, 0, time.UTC)
	closed := entered.Add(4 * time.Hour)

	p := model.Position{
		Code:      "005930",
		Name:      "삼성전자",
		Status:    model.StatusClosed,
		Shares:    10,
		Remaining: 0,
		BuyPrice:  70000,
		PeakPrice: 75600,
		Level:     model.TrailL2,
		EntryTime: entered,
	}
	tr := model.Trade{
		Code:       "005930",
		Side:       model.SideSell,
		Qty:        10,
		Price:      74100,
		Reason:     model.ReasonTrailing,
		ProfitRate: 0.0586,
		ProfitAmt:  41000,
		FilledAt:   closed,
	}

	if err := a.ArchivePosition(p, tr); err != nil {
		t.Fatalf("archive: %v", err)
	}

	recs, err := a.ClosedPositions(entered, 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	rec := recs[0]
	if rec.Code != "005930" || rec.SellPrice != 74100 || rec.Level != "L2" {
		t.Errorf("record = %+v", rec)
	}
	if rec.Reason != string(model.ReasonTrailing) {
		t.Errorf("reason = %q, want trailing_stop", rec.Reason)
	}
	if !rec.ClosedAt.Equal(closed) {
		t.Errorf("closed_at = %v, want %v", rec.ClosedAt, closed)
	}
}

func TestClosedPositionsSinceFilter(t *testing.T) {
	a := testArchive(t)

	base := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	for i, code := range []string{"000660", "035420", "005380"} {
		p := model.Position{Code: code, Shares: 1, BuyPrice: 1000, EntryTime: base}
		tr := model.Trade{Code: code, Price: 1100, Reason: model.ReasonMaxHold,
			FilledAt: base.AddDate(0, 0, i)}
		if err := a.ArchivePosition(p, tr); err != nil {
			t.Fatalf("archive %s: %v", code, err)
		}
	}

	recs, err := a.ClosedPositions(base.AddDate(0, 0, 1), 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	// Newest first.
	if recs[0].Code != "005380" || recs[1].Code != "035420" {
		t.Errorf("order = %s, %s", recs[0].Code, recs[1].Code)
	}
}

func TestOrderAuditTrail(t *testing.T) {
	a := testArchive(t)

	o := model.OrderRequest{
		ID:        "ord-1",
		Code:      "005930",
		Side:      model.SideSell,
		Qty:       5,
		Price:     70000,
		Reason:    model.ReasonStopLoss,
		Status:    model.OrderPending,
		UpdatedAt: time.Now(),
	}
	for _, st := range []model.OrderStatus{model.OrderPending, model.OrderSubmitted, model.OrderFilled} {
		o.Status = st
		if st == model.OrderSubmitted {
			o.BrokerID = "0001234567"
		}
		if st == model.OrderFilled {
			o.FilledQty = 5
			o.FillPrice = 69900
		}
		if err := a.RecordOrder(o); err != nil {
			t.Fatalf("record %s: %v", st, err)
		}
	}

	hist, err := a.OrderHistory("ord-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("got %d rows, want 3", len(hist))
	}
	if hist[0].Status != model.OrderPending || hist[2].Status != model.OrderFilled {
		t.Errorf("statuses = %s..%s", hist[0].Status, hist[2].Status)
	}
	if hist[2].FillPrice != 69900 {
		t.Errorf("fill price = %d, want 69900", hist[2].FillPrice)
	}
}
