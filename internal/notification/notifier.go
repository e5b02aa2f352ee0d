// Package notification delivers trading alerts (fills, failures, feed
// outages, session summaries) to external channels.
package notification

import (
	"context"
	"log"
	"sort"
	"strings"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent. Fields carries structured
// detail (code, qty, price, reason) that each backend renders its own way.
type Alert struct {
	Level   AlertLevel        `json:"level"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// fieldLines renders Fields as "key: value" lines in stable order.
func (a Alert) fieldLines() string {
	if len(a.Fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(a.Fields[k])
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier logs alerts, useful for development and as a last-resort sink.
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	if len(alert.Fields) > 0 {
		log.Printf("[notify] [%s] %s: %s (%s)", alert.Level, alert.Title, alert.Message,
			strings.ReplaceAll(alert.fieldLines(), "\n", ", "))
		return nil
	}
	log.Printf("[notify] [%s] %s: %s", alert.Level, alert.Title, alert.Message)
	return nil
}

// Multi fans an alert out to several backends. Delivery failures are
// logged, not returned, so one dead channel cannot silence the rest.
type Multi struct {
	sinks []Notifier
}

// NewMulti creates a fan-out notifier.
func NewMulti(sinks ...Notifier) *Multi {
	return &Multi{sinks: sinks}
}

func (m *Multi) Send(ctx context.Context, alert Alert) error {
	for _, s := range m.sinks {
		if err := s.Send(ctx, alert); err != nil {
			log.Printf("[notify] sink %T failed: %v", s, err)
		}
	}
	return nil
}
