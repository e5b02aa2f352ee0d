package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"kis-exit-engine/internal/model"
	"kis-exit-engine/internal/notification"
)

// LoadCandidates reads the upstream buy list: a JSON array of
// {code, name, weight} entries produced by the selection pipeline.
func LoadCandidates(path string) ([]model.Candidate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("buy list: %w", err)
	}
	var cands []model.Candidate
	if err := json.Unmarshal(data, &cands); err != nil {
		return nil, fmt.Errorf("buy list %s: %w", path, err)
	}
	for i, c := range cands {
		if c.Code == "" {
			return nil, fmt.Errorf("buy list %s: entry %d has no code", path, i)
		}
	}
	return cands, nil
}

// ExecuteBuyList sizes and submits one buy per candidate, weighted from the
// total budget. Each order runs the full submit/poll path synchronously, so
// the governor naturally spaces them. Codes already tracked are skipped.
func (g *Gateway) ExecuteBuyList(ctx context.Context, cands []model.Candidate, budget int64) {
	for _, cand := range cands {
		if ctx.Err() != nil {
			return
		}
		if _, held := g.store.Get(cand.Code); held {
			log.Printf("[buylist] %s already tracked, skipping", cand.Code)
			continue
		}
		if ok, why := g.risk.CanBuy(g.store.Len()); !ok {
			log.Printf("[buylist] %s skipped: %s", cand.Code, why)
			g.alert(notification.AlertWarning, "Buy skipped", &model.OrderRequest{
				Code: cand.Code, Name: cand.Name, Side: model.SideBuy, Reason: model.ReasonEntry,
			}, why)
			continue
		}

		price, err := g.broker.CurrentPrice(ctx, cand.Code)
		if err != nil {
			log.Printf("[buylist] %s quote failed: %v", cand.Code, err)
			continue
		}
		slice := int64(float64(budget) * cand.Weight)
		qty := g.risk.SizeOrder(slice, price)
		if qty <= 0 {
			log.Printf("[buylist] %s budget %d too small at price %d", cand.Code, slice, price)
			continue
		}

		now := time.Now()
		req := &model.OrderRequest{
			ID:        uuid.NewString(),
			Code:      cand.Code,
			Name:      cand.Name,
			Side:      model.SideBuy,
			Qty:       qty,
			Price:     price,
			Reason:    model.ReasonEntry,
			Status:    model.OrderPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if !g.store.OpenPending(cand.Code, cand.Name, qty, req.ID) {
			log.Printf("[buylist] %s raced into the store, skipping", cand.Code)
			if g.OnDuplicate != nil {
				g.OnDuplicate()
			}
			continue
		}
		g.Process(ctx, req)
	}
}
