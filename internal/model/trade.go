package model

import "time"

// Trade is the record of one confirmed fill, handed to the journal, the
// state publisher and the alert sink.
type Trade struct {
	OrderID    string     `json:"order_id"`
	BrokerID   string     `json:"broker_id"`
	Code       string     `json:"code"`
	Name       string     `json:"name"`
	Side       Side       `json:"side"`
	Qty        int64      `json:"qty"`
	Price      int64      `json:"price"` // average fill price, KRW
	Reason     ExitReason `json:"reason"`
	ProfitRate float64    `json:"profit_rate"` // sells only, vs buy price
	ProfitAmt  int64      `json:"profit_amt"`  // sells only, KRW
	FilledAt   time.Time  `json:"filled_at"`
}
