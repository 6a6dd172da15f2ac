package domain

import "time"

// EventKind distinguishes executed trades from quote updates.
type EventKind string

const (
	EventKindTrade EventKind = "trade"
	EventKindQuote EventKind = "quote"
)

// MarketEvent is a normalized price tick. It is immutable once the bus has
// emitted it.
type MarketEvent struct {
	Symbol     string    `json:"symbol"`
	Time       time.Time `json:"time"`
	Price      float64   `json:"price"`
	Volume     float64   `json:"volume"`
	Kind       EventKind `json:"kind"`
	Seq        uint64    `json:"seq"`                    // assigned by the bus
	OutOfOrder bool      `json:"out_of_order,omitempty"` // arrived later than the merge horizon
	Source     string    `json:"source,omitempty"`
}

// Before reports whether e sorts strictly before o: by timestamp, then by the
// bus arrival sequence.
func (e MarketEvent) Before(o MarketEvent) bool {
	if !e.Time.Equal(o.Time) {
		return e.Time.Before(o.Time)
	}
	return e.Seq < o.Seq
}
