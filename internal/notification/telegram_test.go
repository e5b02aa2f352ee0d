package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestTelegram_FallsBackToPlainText(t *testing.T) {
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		bodies = append(bodies, body)
		if _, md := body["parse_mode"]; md {
			// Simulate the Bot API choking on the markdown.
			http.Error(w, `{"ok":false,"description":"can't parse entities"}`, http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	n := NewTelegramNotifier("token", "chat-1")
	n.apiBase = srv.URL

	err := n.Send(context.Background(), Alert{
		Level:   AlertWarning,
		Title:   "order failed",
		Message: "sell rejected by broker",
		Fields:  map[string]string{"code": "005930", "qty": "7"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(bodies) != 2 {
		t.Fatalf("requests = %d, want markdown attempt then plain retry", len(bodies))
	}
	if bodies[0]["parse_mode"] != "MarkdownV2" {
		t.Errorf("first attempt parse_mode = %v", bodies[0]["parse_mode"])
	}
	if _, md := bodies[1]["parse_mode"]; md {
		t.Error("plain retry still carried parse_mode")
	}
	text, _ := bodies[1]["text"].(string)
	if !strings.Contains(text, "order failed") || !strings.Contains(text, "code: 005930") {
		t.Errorf("plain text lost content: %q", text)
	}
}

func TestTelegram_MarkdownSuccessDoesNotRetry(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	n := NewTelegramNotifier("token", "chat-1")
	n.apiBase = srv.URL
	if err := n.Send(context.Background(), Alert{Level: AlertInfo, Title: "filled", Message: "ok"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if hits != 1 {
		t.Fatalf("requests = %d, want 1", hits)
	}
}

func TestAlertFieldLines_StableOrder(t *testing.T) {
	a := Alert{Fields: map[string]string{"qty": "7", "code": "005930", "price": "71500"}}
	want := "code: 005930\nprice: 71500\nqty: 7"
	if got := a.fieldLines(); got != want {
		t.Errorf("fieldLines() = %q, want %q", got, want)
	}
}
