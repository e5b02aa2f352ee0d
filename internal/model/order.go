package model

import "time"

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderStatus is the lifecycle state of an OrderRequest.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderSubmitted OrderStatus = "SUBMITTED"
	OrderFilled    OrderStatus = "FILLED"
	OrderFailed    OrderStatus = "FAILED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// ExitReason tags why a sell was triggered. Buy requests carry ReasonEntry.
type ExitReason string

const (
	ReasonEntry    ExitReason = "buy_list"
	ReasonStopLoss ExitReason = "stop_loss"
	ReasonTrailing ExitReason = "trailing_stop"
	ReasonSupply   ExitReason = "supply_exit"
	ReasonMaxHold  ExitReason = "max_hold"
	ReasonSplitTP  ExitReason = "split_profit"
)

// OrderRequest is one intent to trade, created by the monitor or the buy-list
// runner and owned by the gateway until it reaches a terminal status.
// ID is client-generated and doubles as the idempotency key.
type OrderRequest struct {
	ID        string      `json:"id"`
	Code      string      `json:"code"`
	Name      string      `json:"name"`
	Side      Side        `json:"side"`
	Qty       int64       `json:"qty"`
	Price     int64       `json:"price"` // intended price, KRW; 0 = market
	Reason    ExitReason  `json:"reason"`
	Stage     int         `json:"stage,omitempty"` // split-profit tranche 1..3
	Status    OrderStatus `json:"status"`
	BrokerID  string      `json:"broker_id,omitempty"` // KIS ODNO once submitted
	FilledQty int64       `json:"filled_qty"`
	FillPrice int64       `json:"fill_price"` // average fill price, KRW
	Retries   int         `json:"retries"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Terminal reports whether the request has reached a final status.
func (o *OrderRequest) Terminal() bool {
	switch o.Status {
	case OrderFilled, OrderFailed, OrderCancelled:
		return true
	}
	return false
}
