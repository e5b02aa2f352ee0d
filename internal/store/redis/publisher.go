// Package redis publishes engine state for downstream collaborators: trade
// events on a stream, a position snapshot hash, and the raw tick recording
// that cmd/replay feeds from. Redis being down degrades to local buffering
// behind a circuit breaker; it never blocks trading.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"kis-exit-engine/internal/model"
)

const (
	tradeStream   = "engine:trades"
	tradeChannel  = "pub:engine:trades"
	positionsHash = "engine:positions"
	tickStreamFmt = "engine:ticks:%s"

	// Stream trimming: a full session of ticks per code, plus slack.
	tickStreamMaxLen = 50000
	tradeMaxLen      = 10000
)

// PublisherConfig configures the Redis publisher.
type PublisherConfig struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int
}

// Publisher writes engine state to Redis.
type Publisher struct {
	client *goredis.Client

	// OnWrite observes each write's latency, for metrics.
	OnWrite func(d time.Duration)
}

// Client returns the underlying Redis client for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// NewPublisher connects and pings the server.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
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

	log.Printf("[redis] connected to %s", cfg.Addr)
	return &Publisher{client: client}, nil
}

// TickStream returns the recording stream key for a code.
func TickStream(code string) string {
	return fmt.Sprintf(tickStreamFmt, code)
}

// PublishTrade appends a confirmed fill to the trade stream and fans it out
// on pub/sub for live consumers (the reporting collaborator).
func (p *Publisher) PublishTrade(ctx context.Context, t model.Trade) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trade: %w", err)
	}
	start := time.Now()

	pipe := p.client.Pipeline()
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: tradeStream,
		MaxLen: tradeMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	})
	pipe.Publish(ctx, tradeChannel, string(data))
	_, err = pipe.Exec(ctx)

	p.observe(start)
	if err != nil {
		return fmt.Errorf("trade publish: %w", err)
	}
	return nil
}

// PublishSnapshot replaces the position hash with the current holdings.
// The hash is rebuilt wholesale so sold codes disappear.
func (p *Publisher) PublishSnapshot(ctx context.Context, positions []model.Position) error {
	start := time.Now()

	pipe := p.client.Pipeline()
	pipe.Del(ctx, positionsHash)
	if len(positions) > 0 {
		fields := make(map[string]interface{}, len(positions))
		for _, pos := range positions {
			data, err := json.Marshal(pos)
			if err != nil {
				return fmt.Errorf("marshal position %s: %w", pos.Code, err)
			}
			fields[pos.Code] = string(data)
		}
		pipe.HSet(ctx, positionsHash, fields)
	}
	_, err := pipe.Exec(ctx)

	p.observe(start)
	if err != nil {
		return fmt.Errorf("snapshot publish: %w", err)
	}
	return nil
}

// RecordTick appends one tick to its code's recording stream.
func (p *Publisher) RecordTick(ctx context.Context, tick model.Tick) error {
	data, err := json.Marshal(tick)
	if err != nil {
		return fmt.Errorf("marshal tick: %w", err)
	}
	start := time.Now()
	err = p.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: TickStream(tick.Code),
		MaxLen: tickStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Err()
	p.observe(start)
	if err != nil {
		return fmt.Errorf("tick record: %w", err)
	}
	return nil
}

// RunTicks drains a fanout subscription into the recording streams.
// Blocks until ctx is cancelled or tickCh is closed.
func (p *Publisher) RunTicks(ctx context.Context, tickCh <-chan model.Tick) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-tickCh:
			if !ok {
				return
			}
			if err := p.RecordTick(ctx, tick); err != nil {
				log.Printf("[redis] %v", err)
			}
		}
	}
}

func (p *Publisher) observe(start time.Time) {
	if p.OnWrite != nil {
		p.OnWrite(time.Since(start))
	}
}

// Close closes the Redis client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
