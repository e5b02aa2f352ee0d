package model

import "time"

// Tick represents a single execution tick from the KIS realtime WebSocket.
// Korean equities quote in whole KRW, so prices are int64 with no sub-unit.
type Tick struct {
	Code       string    `json:"code"`        // 6-digit instrument code
	Price      int64     `json:"price"`       // last trade price, KRW
	Change     int64     `json:"change"`      // change vs previous close, KRW
	ChangeRate float64   `json:"change_rate"` // change percent as reported
	Open       int64     `json:"open"`
	High       int64     `json:"high"`
	Low        int64     `json:"low"`
	Volume     int64     `json:"volume"` // cumulative session volume
	TickTS     time.Time `json:"tick_ts"`
}
