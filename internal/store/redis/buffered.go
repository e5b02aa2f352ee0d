package redis

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"kis-exit-engine/internal/model"
)

// pendingWrite is a publish that was buffered during circuit-open state.
type pendingWrite struct {
	WriteType string // "trade", "tick"
	Data      []byte // JSON-encoded payload
}

// BufferedPublisher wraps a Publisher with a circuit breaker. While the
// circuit is open, trades and ticks are buffered locally and flushed when
// it closes again, so a Redis outage loses nothing and stalls nothing.
type BufferedPublisher struct {
	pub *Publisher
	cb  *CircuitBreaker
	ctx context.Context

	mu     sync.Mutex
	buffer []pendingWrite
	maxBuf int

	// Callbacks for metrics.
	OnBuffer func()
	OnFlush  func(count int)
}

// NewBufferedPublisher wraps pub. maxBufferSize caps the local buffer;
// beyond it the oldest writes are dropped (and counted by OnBuffer).
func NewBufferedPublisher(ctx context.Context, pub *Publisher, cb *CircuitBreaker, maxBufferSize int) *BufferedPublisher {
	if maxBufferSize <= 0 {
		maxBufferSize = 10000
	}
	bp := &BufferedPublisher{
		pub:    pub,
		cb:     cb,
		ctx:    ctx,
		buffer: make([]pendingWrite, 0, 256),
		maxBuf: maxBufferSize,
	}

	// Flush as soon as the breaker closes again.
	prevCallback := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prevCallback != nil {
			prevCallback(from, to)
		}
		if to == StateClosed {
			go bp.flush()
		}
	}

	return bp
}

// WriteTrade publishes a trade through the circuit breaker, buffering it if
// the circuit is open.
func (bp *BufferedPublisher) WriteTrade(t model.Trade) error {
	err := bp.cb.Execute(func() error {
		return bp.pub.PublishTrade(bp.ctx, t)
	})
	if err == ErrCircuitOpen {
		bp.bufferWrite("trade", t)
		return nil // buffered, not lost
	}
	return err
}

// WriteTick records a tick through the circuit breaker.
func (bp *BufferedPublisher) WriteTick(tick model.Tick) error {
	err := bp.cb.Execute(func() error {
		return bp.pub.RecordTick(bp.ctx, tick)
	})
	if err == ErrCircuitOpen {
		bp.bufferWrite("tick", tick)
		return nil
	}
	return err
}

// WriteSnapshot publishes the position snapshot. Snapshots are not buffered:
// a newer one supersedes anything the outage swallowed.
func (bp *BufferedPublisher) WriteSnapshot(positions []model.Position) error {
	err := bp.cb.Execute(func() error {
		return bp.pub.PublishSnapshot(bp.ctx, positions)
	})
	if err == ErrCircuitOpen {
		return nil
	}
	return err
}

// RunTicks drains a fanout subscription through the breaker.
func (bp *BufferedPublisher) RunTicks(ctx context.Context, tickCh <-chan model.Tick) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-tickCh:
			if !ok {
				return
			}
			if err := bp.WriteTick(tick); err != nil {
				log.Printf("[redis] tick write: %v", err)
			}
		}
	}
}

func (bp *BufferedPublisher) bufferWrite(writeType string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[redis] buffer marshal: %v", err)
		return
	}

	bp.mu.Lock()
	defer bp.mu.Unlock()

	if len(bp.buffer) >= bp.maxBuf {
		bp.buffer = bp.buffer[1:] // drop oldest
	}
	bp.buffer = append(bp.buffer, pendingWrite{WriteType: writeType, Data: data})

	if bp.OnBuffer != nil {
		bp.OnBuffer()
	}
}

// flush replays buffered writes through the underlying publisher.
func (bp *BufferedPublisher) flush() {
	bp.mu.Lock()
	if len(bp.buffer) == 0 {
		bp.mu.Unlock()
		return
	}
	toFlush := bp.buffer
	bp.buffer = make([]pendingWrite, 0, 256)
	bp.mu.Unlock()

	flushed := 0
	for _, pw := range toFlush {
		switch pw.WriteType {
		case "trade":
			var t model.Trade
			if json.Unmarshal(pw.Data, &t) == nil {
				if err := bp.pub.PublishTrade(bp.ctx, t); err != nil {
					log.Printf("[redis] flush trade: %v", err)
				}
			}
		case "tick":
			var tick model.Tick
			if json.Unmarshal(pw.Data, &tick) == nil {
				if err := bp.pub.RecordTick(bp.ctx, tick); err != nil {
					log.Printf("[redis] flush tick: %v", err)
				}
			}
		}
		flushed++
	}

	log.Printf("[redis] flushed %d buffered writes", flushed)
	if bp.OnFlush != nil {
		bp.OnFlush(flushed)
	}
}

// PendingCount returns the number of buffered writes awaiting a flush.
func (bp *BufferedPublisher) PendingCount() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return len(bp.buffer)
}

// Underlying returns the wrapped publisher for direct access.
func (bp *BufferedPublisher) Underlying() *Publisher {
	return bp.pub
}
