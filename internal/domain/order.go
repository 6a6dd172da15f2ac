package domain

import "time"

// OrderState tracks the order lifecycle.
type OrderState string

const (
	OrderPending         OrderState = "pending"
	OrderSubmitted       OrderState = "submitted"
	OrderPartiallyFilled OrderState = "partially_filled"
	OrderFilled          OrderState = "filled"
	OrderCancelled       OrderState = "cancelled"
	OrderRejected        OrderState = "rejected"
)

// Terminal reports whether no further transition is possible.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected:
		return true
	default:
		return false
	}
}

// Order is an approved intent handed to an execution backend.
type Order struct {
	ID           int64       `json:"id"`
	Intent       TradeIntent `json:"intent"`
	State        OrderState  `json:"state"`
	Quantity     float64     `json:"quantity"` // approved quantity, may be below the intent's
	Filled       float64     `json:"filled"`
	AvgFillPrice float64     `json:"avg_fill_price"`
	Fees         float64     `json:"fees"`
	SubmittedAt  time.Time   `json:"submitted_at"`
	FirstFillAt  *time.Time  `json:"first_fill_at,omitempty"`
	TerminalAt   *time.Time  `json:"terminal_at,omitempty"`
	ExpiresAt    *time.Time  `json:"expires_at,omitempty"`
	Reason       string      `json:"reason,omitempty"`
}

// Symbol is a shorthand for the originating intent's symbol.
func (o Order) Symbol() string { return o.Intent.Symbol }

// Side is a shorthand for the originating intent's side.
func (o Order) Side() Side { return o.Intent.Side }

// Remaining returns the unfilled quantity.
func (o Order) Remaining() float64 {
	r := o.Quantity - o.Filled
	if r < 0 {
		return 0
	}
	return r
}

// Fill is a confirmed execution of part or all of an order.
type Fill struct {
	OrderID  int64     `json:"order_id"`
	Symbol   string    `json:"symbol"`
	Side     Side      `json:"side"`
	Quantity float64   `json:"quantity"`
	Price    float64   `json:"price"`
	Fee      float64   `json:"fee"`
	Time     time.Time `json:"time"`
}

// ReportKind classifies an execution report.
type ReportKind string

const (
	ReportFill   ReportKind = "fill"
	ReportCancel ReportKind = "cancel"
	ReportReject ReportKind = "reject"
)

// ExecutionReport is an asynchronous notification from an execution backend.
type ExecutionReport struct {
	Kind    ReportKind
	OrderID int64
	Fill    Fill // set for ReportFill
	Reason  string
	Time    time.Time
}
