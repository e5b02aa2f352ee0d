package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"kis-exit-engine/internal/model"
)

// Reader pulls recorded ticks back out of the per-code streams, for replay.
type Reader struct {
	client *goredis.Client
}

// NewReader connects and pings the server.
func NewReader(cfg PublisherConfig) (*Reader, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Reader{client: client}, nil
}

// ReadTicks returns every recorded tick for a code in stream order.
// limit caps the result; 0 means the whole stream.
func (r *Reader) ReadTicks(ctx context.Context, code string, limit int64) ([]model.Tick, error) {
	var msgs []goredis.XMessage
	var err error
	if limit > 0 {
		msgs, err = r.client.XRangeN(ctx, TickStream(code), "-", "+", limit).Result()
	} else {
		msgs, err = r.client.XRange(ctx, TickStream(code), "-", "+").Result()
	}
	if err != nil {
		return nil, fmt.Errorf("read ticks %s: %w", code, err)
	}

	ticks := make([]model.Tick, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}
		var tick model.Tick
		if err := json.Unmarshal([]byte(raw), &tick); err != nil {
			continue // skip corrupt entries rather than abort the replay
		}
		ticks = append(ticks, tick)
	}
	return ticks, nil
}

// TickCount reports the length of a code's recording stream.
func (r *Reader) TickCount(ctx context.Context, code string) (int64, error) {
	n, err := r.client.XLen(ctx, TickStream(code)).Result()
	if err != nil {
		return 0, fmt.Errorf("tick count %s: %w", code, err)
	}
	return n, nil
}

// Close closes the Redis client.
func (r *Reader) Close() error {
	return r.client.Close()
}
