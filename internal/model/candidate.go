package model

// Candidate is one entry of the upstream buy list: an instrument the engine
// should enter, with its share of the order budget.
type Candidate struct {
	Code   string  `json:"code"`
	Name   string  `json:"name"`
	Weight float64 `json:"weight"` // fraction of the buy budget, 0..1
}
