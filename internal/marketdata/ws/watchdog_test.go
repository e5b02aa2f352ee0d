package ws

import (
	"testing"
	"time"
)

func TestWatchdog_SilentTracksLastTick(t *testing.T) {
	w := NewWatchdog(30 * time.Second)
	w.Observe(time.Now().Add(-10 * time.Second))

	if s := w.Silent(); s < 9*time.Second || s > 11*time.Second {
		t.Fatalf("Silent = %s, want ~10s", s)
	}

	// A fresher tick moves the clock forward; an older one must not.
	w.Observe(time.Now())
	w.Observe(time.Now().Add(-time.Hour))
	if s := w.Silent(); s > time.Second {
		t.Fatalf("stale observation moved the clock backward: Silent = %s", s)
	}
}

func TestWatchdog_StallFiresOncePerGap(t *testing.T) {
	w := NewWatchdog(30 * time.Second)
	w.Observe(time.Now().Add(-time.Minute))

	fired := 0
	w.OnStall = func(silent time.Duration) {
		fired++
		if silent < 30*time.Second {
			t.Errorf("stall fired early: %s", silent)
		}
	}

	// Drive the check directly, twice: the reset after the first firing
	// must suppress the second.
	for i := 0; i < 2; i++ {
		if silent := w.Silent(); silent >= 30*time.Second {
			w.Observe(time.Now())
			if w.OnStall != nil {
				w.OnStall(silent)
			}
		}
	}
	if fired != 1 {
		t.Fatalf("expected one stall callback, got %d", fired)
	}
}
