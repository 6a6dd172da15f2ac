package domain

import "time"

// Position is the net holding in one symbol. Quantity is signed: positive
// for long, negative for short.
type Position struct {
	Symbol        string    `json:"symbol"`
	Quantity      float64   `json:"quantity"`
	AvgEntryPrice float64   `json:"avg_entry_price"`
	RealizedPnL   float64   `json:"realized_pnl"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	MarkPrice     float64   `json:"mark_price"`
	OpenedAt      time.Time `json:"opened_at"`
}

// Value returns the absolute market value of the position at its mark.
func (p Position) Value() float64 {
	v := p.Quantity * p.MarkPrice
	if v < 0 {
		return -v
	}
	return v
}

// UnrealizedPct returns unrealized PnL as a fraction of the entry notional.
// A long bought at 100 and marked at 94 returns -0.06.
func (p Position) UnrealizedPct() float64 {
	basis := p.Quantity * p.AvgEntryPrice
	if basis < 0 {
		basis = -basis
	}
	if basis == 0 {
		return 0
	}
	return p.UnrealizedPnL / basis
}

// Account is the starting state of a ledger, as loaded by Persistence.
type Account struct {
	ID          string              `json:"id"`
	Cash        float64             `json:"cash"`
	RealizedPnL float64             `json:"realized_pnl"`
	Positions   map[string]Position `json:"positions,omitempty"`
}

// AccountSnapshot is a read-only view of the ledger. Positions are sorted by
// symbol so that snapshots serialize deterministically.
type AccountSnapshot struct {
	AccountID     string     `json:"account_id"`
	Seq           uint64     `json:"seq"`
	Time          time.Time  `json:"time"`
	Cash          float64    `json:"cash"`
	Equity        float64    `json:"equity"`
	Exposure      float64    `json:"exposure"`
	RealizedPnL   float64    `json:"realized_pnl"`
	UnrealizedPnL float64    `json:"unrealized_pnl"`
	Positions     []Position `json:"positions"`
}

// Position returns the open position for symbol, if any.
func (s AccountSnapshot) Position(symbol string) (Position, bool) {
	for _, p := range s.Positions {
		if p.Symbol == symbol {
			return p, true
		}
	}
	return Position{}, false
}

// Account converts the snapshot back into a ledger starting state.
func (s AccountSnapshot) Account() Account {
	acct := Account{
		ID:          s.AccountID,
		Cash:        s.Cash,
		RealizedPnL: s.RealizedPnL,
	}
	if len(s.Positions) > 0 {
		acct.Positions = make(map[string]Position, len(s.Positions))
		for _, p := range s.Positions {
			acct.Positions[p.Symbol] = p
		}
	}
	return acct
}
