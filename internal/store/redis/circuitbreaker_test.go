package redis

import (
	"errors"
	"testing"
	"time"
)

var errBackend = errors.New("redis down")

func tripBreaker(cb *CircuitBreaker, failures int) {
	for i := 0; i < failures; i++ {
		cb.Execute(func() error { return errBackend })
	}
}

func TestCircuitBreakerStartsClosed(t *testing.T) {
	cb := NewCircuitBreaker(3, 100*time.Millisecond)
	if got := cb.CurrentState(); got != StateClosed {
		t.Errorf("new breaker state = %v, want closed", got)
	}
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, 100*time.Millisecond)

	for i := 0; i < 3; i++ {
		if err := cb.Execute(func() error { return errBackend }); err != errBackend {
			t.Fatalf("call %d: err = %v, want errBackend", i, err)
		}
	}
	if got := cb.CurrentState(); got != StateOpen {
		t.Fatalf("state after 3 failures = %v, want open", got)
	}

	// Open breaker must reject without invoking the function.
	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if err != ErrCircuitOpen {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("function was invoked while breaker open")
	}
}

func TestCircuitBreakerProbeRecovery(t *testing.T) {
	cb := NewCircuitBreaker(2, 40*time.Millisecond)
	tripBreaker(cb, 2)
	if cb.CurrentState() != StateOpen {
		t.Fatal("breaker should be open")
	}

	time.Sleep(50 * time.Millisecond)

	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe err = %v", err)
	}
	if got := cb.CurrentState(); got != StateClosed {
		t.Errorf("state after successful probe = %v, want closed", got)
	}
}

func TestCircuitBreakerProbeFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(2, 40*time.Millisecond)
	tripBreaker(cb, 2)

	time.Sleep(50 * time.Millisecond)
	cb.Execute(func() error { return errBackend })

	if got := cb.CurrentState(); got != StateOpen {
		t.Errorf("state after failed probe = %v, want open", got)
	}
}

func TestCircuitBreakerSuccessResetsCount(t *testing.T) {
	cb := NewCircuitBreaker(3, 100*time.Millisecond)

	tripBreaker(cb, 2)
	cb.Execute(func() error { return nil })
	tripBreaker(cb, 2)

	if got := cb.CurrentState(); got != StateClosed {
		t.Errorf("state = %v, want closed (success should reset the count)", got)
	}
}

func TestCircuitBreakerStateChangeCallback(t *testing.T) {
	var seen []State
	cb := NewCircuitBreaker(1, 40*time.Millisecond)
	cb.OnStateChange = func(from, to State) { seen = append(seen, to) }

	cb.Execute(func() error { return errBackend })
	if len(seen) != 1 || seen[0] != StateOpen {
		t.Fatalf("transitions = %v, want [open]", seen)
	}

	time.Sleep(50 * time.Millisecond)
	cb.Execute(func() error { return nil })

	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, seen[i], want[i])
		}
	}
}
