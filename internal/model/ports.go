package model

import "context"

// ── Engine Port Interfaces ──
// These interfaces decouple the engine loops from concrete transports and
// storage (KIS REST/WS, paper broker, SQLite, Redis). Each implementation
// satisfies one or more of these interfaces.

// TickSource streams execution ticks into tickCh.
type TickSource interface {
	// Start blocks until ctx is cancelled or the source is exhausted.
	Start(ctx context.Context, tickCh chan<- Tick) error
}

// FillStatus is the broker-side view of one order.
type FillStatus struct {
	OrderQty  int64
	FilledQty int64
	AvgPrice  int64 // average fill price in KRW, 0 until something filled
}

// Broker submits and tracks orders. Implemented by the KIS client and the
// paper broker.
type Broker interface {
	// PlaceOrder submits a market (price == 0) or limit order and returns
	// the broker-assigned order id.
	PlaceOrder(ctx context.Context, side Side, code string, qty, price int64) (string, error)

	// CancelOrder cancels the unfilled remainder of an order. The broker
	// wire needs the code and original quantity alongside the order id.
	CancelOrder(ctx context.Context, brokerID, code string, qty int64) error

	// OrderFill reports the current fill state of a submitted order.
	OrderFill(ctx context.Context, brokerID string) (FillStatus, error)

	// CurrentPrice quotes the last traded price for a code. Used to price
	// limit orders and to detect quote divergence while one is pending.
	CurrentPrice(ctx context.Context, code string) (int64, error)
}

// TradeRecorder persists confirmed fills.
type TradeRecorder interface {
	RecordTrade(t Trade) error
	Close() error
}

// Archiver persists closed positions and order-state transitions for audit.
type Archiver interface {
	ArchivePosition(p Position, t Trade) error
	RecordOrder(o OrderRequest) error
	Close() error
}

// FlowSource reports institutional plus foreign net flow for a code in units
// of 100M KRW. Negative means net outflow.
type FlowSource interface {
	NetFlow(ctx context.Context, code string) (float64, error)
}
