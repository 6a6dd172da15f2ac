package domain

import "time"

// Side indicates whether an intent or order buys or sells.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// IntentKind selects market or limit execution.
type IntentKind string

const (
	IntentMarket IntentKind = "market"
	IntentLimit  IntentKind = "limit"
)

// TradeIntent is a strategy's request to trade, prior to risk approval.
type TradeIntent struct {
	ID         string     `json:"id"`
	StrategyID string     `json:"strategy_id"`
	Symbol     string     `json:"symbol"`
	Side       Side       `json:"side"`
	Quantity   float64    `json:"quantity"`
	Kind       IntentKind `json:"kind"`
	LimitPrice float64    `json:"limit_price,omitempty"`
	RefPrice   float64    `json:"ref_price"` // price of the triggering event
	EventTime  time.Time  `json:"event_time"`
	EventSeq   uint64     `json:"event_seq"`
	Reason     string     `json:"reason,omitempty"`
}

// Price returns the price used to value the intent: the limit price for limit
// intents, the reference price otherwise.
func (i TradeIntent) Price() float64 {
	if i.Kind == IntentLimit && i.LimitPrice > 0 {
		return i.LimitPrice
	}
	return i.RefPrice
}

// SignedQuantity returns the quantity with the side's sign applied.
func (i TradeIntent) SignedQuantity() float64 {
	return i.Side.Sign() * i.Quantity
}
