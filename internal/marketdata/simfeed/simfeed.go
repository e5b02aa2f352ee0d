// Package simfeed generates a random-walk tick stream over a fixed code
// set. It is a drop-in TickSource for cmd/replay and paper-mode runs: no
// credentials, no network, seedable for reproducible sessions.
package simfeed

import (
	"context"
	"log"
	"math/rand"
	"time"

	"kis-exit-engine/internal/model"
)

// Config controls the walk.
type Config struct {
	// Start maps each code to its initial price in KRW.
	Start map[string]int64

	// Interval between emitted ticks (across all codes). Default 100ms.
	Interval time.Duration

	// StepPct is the per-tick move ceiling as a fraction (default 0.003:
	// each tick moves up to ±0.3%).
	StepPct float64

	// Drift biases the walk, fraction per tick. Positive grinds upward.
	Drift float64

	// Seed fixes the random sequence; 0 seeds from the clock.
	Seed int64
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 100 * time.Millisecond
	}
	if c.StepPct <= 0 {
		c.StepPct = 0.003
	}
}

// Feed emits ticks for its codes round-robin with a bounded random step.
type Feed struct {
	cfg    Config
	codes  []string
	prices map[string]int64
	rng    *rand.Rand
}

// New creates a feed. Codes iterate in insertion-stable sorted order so a
// fixed seed replays the identical tick sequence.
func New(cfg Config) *Feed {
	cfg.defaults()
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	codes := make([]string, 0, len(cfg.Start))
	for code := range cfg.Start {
		codes = append(codes, code)
	}
	for i := 1; i < len(codes); i++ {
		for j := i; j > 0 && codes[j] < codes[j-1]; j-- {
			codes[j], codes[j-1] = codes[j-1], codes[j]
		}
	}

	prices := make(map[string]int64, len(cfg.Start))
	for code, p := range cfg.Start {
		prices[code] = p
	}
	return &Feed{cfg: cfg, codes: codes, prices: prices, rng: rand.New(rand.NewSource(seed))}
}

// Start streams ticks into tickCh until ctx is cancelled.
func (f *Feed) Start(ctx context.Context, tickCh chan<- model.Tick) error {
	if len(f.codes) == 0 {
		return nil
	}
	log.Printf("[simfeed] walking %d codes every %s", len(f.codes), f.cfg.Interval)

	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()

	i := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			code := f.codes[i%len(f.codes)]
			i++
			tick := f.step(code)
			select {
			case tickCh <- tick:
			default:
				log.Printf("[simfeed] tick channel full, dropping %s", code)
			}
		}
	}
}

// step advances one code's walk and returns the resulting tick.
func (f *Feed) step(code string) model.Tick {
	price := f.prices[code]
	move := (f.rng.Float64()*2 - 1) * f.cfg.StepPct
	price = int64(float64(price) * (1 + move + f.cfg.Drift))
	if price < 1 {
		price = 1
	}
	f.prices[code] = price

	return model.Tick{
		Code:   code,
		Price:  price,
		TickTS: time.Now(),
	}
}
