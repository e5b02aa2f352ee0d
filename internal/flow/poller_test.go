package flow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"kis-exit-engine/internal/exitrule"
	"kis-exit-engine/internal/model"
	"kis-exit-engine/internal/position"
)

type fakeFlowSource struct {
	mu    sync.Mutex
	flows map[string]float64
	errs  map[string]error
	calls int
}

func (f *fakeFlowSource) NetFlow(ctx context.Context, code string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.errs[code]; err != nil {
		return 0, err
	}
	return f.flows[code], nil
}

func (f *fakeFlowSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func storeWith(codes ...string) *position.Store {
	s := position.New(exitrule.DefaultConfig())
	for _, code := range codes {
		s.Seed(model.Position{
			Code: code, Status: model.StatusHolding,
			Shares: 1, Remaining: 1, BuyPrice: 10000, LastPrice: 10000,
			PeakPrice: 10000, EntryTime: time.Now(),
		})
	}
	return s
}

func TestPoller_FlagsOutflowBelowThreshold(t *testing.T) {
	s := storeWith("005930", "000660")
	src := &fakeFlowSource{flows: map[string]float64{
		"005930": -45.2, // heavy outflow
		"000660": 12.0,  // inflow
	}}
	p := New(src, s, time.Minute, -30)

	var events []string
	p.OnFlag = func(code string, flagged bool) {
		if flagged {
			events = append(events, code)
		}
	}
	p.poll(context.Background())

	if len(events) != 1 || events[0] != "005930" {
		t.Fatalf("expected only 005930 flagged, got %v", events)
	}
	if p.FlaggedCount() != 1 {
		t.Errorf("FlaggedCount = %d, want 1", p.FlaggedCount())
	}

	// The flag must reach the exit rules: a flat tick now triggers supply_exit.
	_, req, _ := s.Apply(model.Tick{Code: "005930", Price: 10000, TickTS: time.Now()})
	if req == nil || req.Reason != model.ReasonSupply {
		t.Fatalf("expected supply_exit trigger, got %+v", req)
	}
	if _, req2, _ := s.Apply(model.Tick{Code: "000660", Price: 10000, TickTS: time.Now()}); req2 != nil {
		t.Fatalf("inflow code must not trigger, got %+v", req2)
	}
}

func TestPoller_ClearsFlagOnRecovery(t *testing.T) {
	s := storeWith("005930")
	src := &fakeFlowSource{flows: map[string]float64{"005930": -50}}
	p := New(src, s, time.Minute, -30)

	p.poll(context.Background())
	if p.FlaggedCount() != 1 {
		t.Fatal("expected the code flagged after the first pass")
	}

	src.flows["005930"] = 5
	p.poll(context.Background())
	if p.FlaggedCount() != 0 {
		t.Fatal("expected the flag cleared after flow recovered")
	}
	if _, req, _ := s.Apply(model.Tick{Code: "005930", Price: 10000, TickTS: time.Now()}); req != nil {
		t.Fatalf("cleared flag must not trigger, got %+v", req)
	}
}

func TestPoller_LookupFailureKeepsPreviousFlag(t *testing.T) {
	s := storeWith("005930")
	src := &fakeFlowSource{flows: map[string]float64{"005930": -50}}
	p := New(src, s, time.Minute, -30)

	p.poll(context.Background())

	errs := 0
	p.OnError = func(string, error) { errs++ }
	src.errs = map[string]error{"005930": errors.New("quote endpoint down")}
	p.poll(context.Background())

	if errs != 1 {
		t.Fatalf("expected one error callback, got %d", errs)
	}
	if p.FlaggedCount() != 1 {
		t.Error("failed lookup must not clear an existing outflow flag")
	}
}

func TestPoller_RunPollsImmediately(t *testing.T) {
	s := storeWith("005930")
	src := &fakeFlowSource{flows: map[string]float64{"005930": 0}}
	p := New(src, s, time.Hour, -30)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	deadline := time.After(time.Second)
	for src.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("Run never made the initial poll")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}
