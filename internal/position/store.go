// Package position owns the code→Position map behind a single mutex.
//
// Every mutation goes through an accessor operation; the live map is never
// handed out, readers get snapshot copies. Apply is the one evaluation entry
// point and does no I/O while the lock is held, so feed, poller and gateway
// goroutines can all hammer it safely.
package position

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"kis-exit-engine/internal/exitrule"
	"kis-exit-engine/internal/model"
)

// Store is the authoritative holder of all live positions.
type Store struct {
	mu        sync.RWMutex
	positions map[string]*model.Position
	outflow   map[string]bool // supply-signal flag per code
	cfg       exitrule.Config
}

// New creates an empty store that evaluates with the given exit config.
func New(cfg exitrule.Config) *Store {
	return &Store{
		positions: make(map[string]*model.Position),
		outflow:   make(map[string]bool),
		cfg:       cfg,
	}
}

// Apply runs one tick against the matching position and returns the
// position's new state plus, when an exit condition fired, a ready-to-submit
// OrderRequest. Marking the position in-flight and creating the request
// happen atomically under the store lock, so concurrent ticks can never
// produce two requests for one position. ok is false for untracked codes.
func (s *Store) Apply(tick model.Tick) (pos model.Position, req *model.OrderRequest, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, found := s.positions[tick.Code]
	if !found {
		return model.Position{}, nil, false
	}

	// An outstanding order freezes evaluation; keep the mark fresh.
	if p.InFlight != "" {
		if tick.Price > 0 {
			p.LastPrice = tick.Price
		}
		return *p, nil, true
	}

	now := tick.TickTS
	if now.IsZero() {
		now = time.Now()
	}
	trig := exitrule.Evaluate(s.cfg, p, tick, s.outflow[tick.Code], now)
	if trig == nil {
		return *p, nil, true
	}

	req = &model.OrderRequest{
		ID:        uuid.NewString(),
		Code:      p.Code,
		Name:      p.Name,
		Side:      model.SideSell,
		Qty:       trig.Qty,
		Price:     trig.Price,
		Reason:    trig.Reason,
		Stage:     trig.Stage,
		Status:    model.OrderPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	p.InFlight = req.ID
	return *p, req, true
}

// SetOutflow records the supply signal for a code. The next Apply picks it up.
func (s *Store) SetOutflow(code string, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outflow[code] = v
}

// Seed inserts a position as-is, used by the startup balance sync. Peak is
// floored at the buy price so the ladder never starts below breakeven.
func (s *Store) Seed(p model.Position) {
	if p.Status == "" {
		p.Status = model.StatusHolding
	}
	if p.PeakPrice < p.BuyPrice {
		p.PeakPrice = p.BuyPrice
	}
	if p.Remaining == 0 {
		p.Remaining = p.Shares
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.Code] = &p
}

// OpenPending tracks a buy that has been handed to the gateway but has not
// filled yet. The placeholder blocks duplicate buys and is skipped by Apply.
func (s *Store) OpenPending(code, name string, qty int64, orderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.positions[code]; exists {
		return false
	}
	s.positions[code] = &model.Position{
		Code:     code,
		Name:     name,
		Status:   model.StatusPending,
		Shares:   qty,
		InFlight: orderID,
	}
	return true
}

// ConfirmBuy turns a PENDING placeholder into a HOLDING position with the
// confirmed fill data.
func (s *Store) ConfirmBuy(code string, qty, fillPrice int64, now time.Time) (model.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, found := s.positions[code]
	if !found {
		return model.Position{}, false
	}
	p.Status = model.StatusHolding
	p.Shares = qty
	p.Remaining = qty
	p.BuyPrice = fillPrice
	p.LastPrice = fillPrice
	p.PeakPrice = fillPrice
	p.EntryTime = now
	p.InFlight = ""
	return *p, true
}

// AbortBuy drops a PENDING placeholder after a failed buy.
func (s *Store) AbortBuy(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, found := s.positions[code]; found && p.Status == model.StatusPending {
		delete(s.positions, code)
		delete(s.outflow, code)
	}
}

// ConfirmSell applies a confirmed sell fill. A partial tranche reduces the
// remaining shares and re-arms evaluation; selling the last share closes the
// position, removes it from the store and returns closed=true with the final
// state. The caller archives that copy, the store forgets it.
func (s *Store) ConfirmSell(code, orderID string, qty int64, stage int) (model.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, found := s.positions[code]
	if !found || p.InFlight != orderID {
		return model.Position{}, false
	}

	if qty > p.Remaining {
		qty = p.Remaining
	}
	p.Remaining -= qty
	switch stage {
	case 1:
		p.TookTP1 = true
	case 2:
		p.TookTP2 = true
	}

	if p.Remaining <= 0 {
		p.Status = model.StatusClosed
		p.InFlight = ""
		closed := *p
		delete(s.positions, code)
		delete(s.outflow, code)
		return closed, true
	}
	p.InFlight = ""
	return *p, false
}

// ClearInFlight releases the in-flight mark after a failed or cancelled
// order so later ticks can trigger again. The id must match the mark.
func (s *Store) ClearInFlight(code, orderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, found := s.positions[code]; found && p.InFlight == orderID {
		p.InFlight = ""
	}
}

// Get returns a copy of one position.
func (s *Store) Get(code string) (model.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, found := s.positions[code]; found {
		return *p, true
	}
	return model.Position{}, false
}

// Snapshot returns copies of all positions for iteration outside the lock.
func (s *Store) Snapshot() []model.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, *p)
	}
	return out
}

// Codes returns the codes currently tracked, for feed subscriptions and the
// flow poller.
func (s *Store) Codes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.positions))
	for code := range s.positions {
		out = append(out, code)
	}
	return out
}

// Len returns the number of tracked positions, PENDING placeholders included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.positions)
}
