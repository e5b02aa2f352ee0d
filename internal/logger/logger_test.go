package logger

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestInit(t *testing.T) {
	logger := Init("exit-engine", slog.LevelInfo)
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestTraceIDRoundTrip(t *testing.T) {
	ctx := context.Background()

	if tid := TraceID(ctx); tid != "" {
		t.Errorf("empty context trace id = %q, want \"\"", tid)
	}

	ctx = WithTraceID(ctx, "005930-1234")
	if tid := TraceID(ctx); tid != "005930-1234" {
		t.Errorf("trace id = %q, want 005930-1234", tid)
	}
}

func TestGenerateTraceID(t *testing.T) {
	ts := time.Date(2026, 3, 2, 10, 30, 0, 123456789, time.UTC)
	tid := GenerateTraceID("005930", ts)

	if !strings.HasPrefix(tid, "005930-") {
		t.Errorf("trace id = %s, want 005930- prefix", tid)
	}
	if !strings.Contains(tid, "123456789") {
		t.Errorf("trace id %s missing nanosecond component", tid)
	}
}

func TestLogWithTrace(t *testing.T) {
	ctx := context.Background()

	if attrs := LogWithTrace(ctx); attrs != nil {
		t.Errorf("attrs without trace id = %v, want nil", attrs)
	}

	ctx = WithTraceID(ctx, "abc-123")
	if attrs := LogWithTrace(ctx); len(attrs) == 0 {
		t.Fatal("expected attrs with trace id set")
	}
}
