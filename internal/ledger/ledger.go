// Package ledger holds the account's cash and positions. ApplyFill is the
// only mutation path for fills; Mark refreshes unrealized PnL on price ticks.
package ledger

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// fillEpsilon absorbs float noise when comparing filled and ordered quantity.
const fillEpsilon = 1e-9

type position struct {
	symbol   string
	qty      decimal.Decimal
	avgEntry decimal.Decimal
	realized decimal.Decimal
	mark     decimal.Decimal
	openedAt time.Time
}

func (p *position) unrealized() decimal.Decimal {
	if p.qty.IsZero() || p.mark.IsZero() {
		return decimal.Zero
	}
	return p.mark.Sub(p.avgEntry).Mul(p.qty)
}

func (p *position) view() domain.Position {
	return domain.Position{
		Symbol:        p.symbol,
		Quantity:      p.qty.InexactFloat64(),
		AvgEntryPrice: p.avgEntry.InexactFloat64(),
		RealizedPnL:   p.realized.InexactFloat64(),
		UnrealizedPnL: p.unrealized().InexactFloat64(),
		MarkPrice:     p.mark.InexactFloat64(),
		OpenedAt:      p.openedAt,
	}
}

// Ledger is the single source of truth for one account. All methods are safe
// for concurrent use; fills are applied one at a time in arrival order.
type Ledger struct {
	mu        sync.Mutex
	accountID string
	cash      decimal.Decimal
	realized  decimal.Decimal
	positions map[string]*position
	seq       uint64
	lastTime  time.Time
}

// New creates a ledger seeded from acct.
func New(acct domain.Account) *Ledger {
	l := &Ledger{
		accountID: acct.ID,
		cash:      decimal.NewFromFloat(acct.Cash),
		realized:  decimal.NewFromFloat(acct.RealizedPnL),
		positions: make(map[string]*position, len(acct.Positions)),
	}
	for sym, p := range acct.Positions {
		if p.Quantity == 0 {
			continue
		}
		mark := p.MarkPrice
		if mark == 0 {
			mark = p.AvgEntryPrice
		}
		l.positions[sym] = &position{
			symbol:   sym,
			qty:      decimal.NewFromFloat(p.Quantity),
			avgEntry: decimal.NewFromFloat(p.AvgEntryPrice),
			realized: decimal.NewFromFloat(p.RealizedPnL),
			mark:     decimal.NewFromFloat(mark),
			openedAt: p.OpenedAt,
		}
	}
	return l
}

// ApplyFill books fill against order and returns the resulting snapshot. The
// order passed in must carry its state before this fill; a fill that would
// take Filled past Quantity is a LedgerInvariantViolation and nothing is
// mutated.
func (l *Ledger) ApplyFill(order domain.Order, fill domain.Fill) (domain.AccountSnapshot, error) {
	if err := validateFill(order, fill); err != nil {
		return domain.AccountSnapshot{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	qty := decimal.NewFromFloat(fill.Quantity)
	price := decimal.NewFromFloat(fill.Price)
	fee := decimal.NewFromFloat(fill.Fee)
	signed := qty
	if fill.Side == domain.SideSell {
		signed = qty.Neg()
	}

	p, ok := l.positions[fill.Symbol]
	if !ok {
		p = &position{symbol: fill.Symbol, openedAt: fill.Time}
		l.positions[fill.Symbol] = p
	}

	switch {
	case p.qty.IsZero() || p.qty.Sign() == signed.Sign():
		// Opening or increasing: volume-weighted average entry.
		newQty := p.qty.Add(signed)
		p.avgEntry = p.avgEntry.Mul(p.qty.Abs()).Add(price.Mul(qty)).Div(newQty.Abs())
		p.qty = newQty
	default:
		// Reducing, closing, or crossing through zero.
		closing := decimal.Min(qty, p.qty.Abs())
		pnl := price.Sub(p.avgEntry).Mul(closing)
		if p.qty.IsNegative() {
			pnl = pnl.Neg()
		}
		p.realized = p.realized.Add(pnl)
		l.realized = l.realized.Add(pnl)
		p.qty = p.qty.Add(signed)
		if !p.qty.IsZero() && p.qty.Sign() == signed.Sign() {
			// Crossed zero: the remainder opens a new position at the fill price.
			p.avgEntry = price
			p.openedAt = fill.Time
		}
	}

	p.realized = p.realized.Sub(fee)
	l.realized = l.realized.Sub(fee)
	l.cash = l.cash.Sub(signed.Mul(price)).Sub(fee)
	p.mark = price

	if p.qty.IsZero() {
		delete(l.positions, fill.Symbol)
	}

	l.touch(fill.Time)
	return l.snapshotLocked(), nil
}

func validateFill(order domain.Order, fill domain.Fill) error {
	switch {
	case fill.OrderID != order.ID:
		return &domain.LedgerInvariantViolation{OrderID: order.ID, Detail: fmt.Sprintf("fill references order %d", fill.OrderID)}
	case fill.Symbol != order.Symbol() || fill.Side != order.Side():
		return &domain.LedgerInvariantViolation{OrderID: order.ID, Detail: "fill symbol or side does not match order"}
	case !(fill.Quantity > 0) || math.IsInf(fill.Quantity, 0):
		return &domain.LedgerInvariantViolation{OrderID: order.ID, Detail: fmt.Sprintf("non-positive fill quantity %v", fill.Quantity)}
	case !(fill.Price > 0) || math.IsInf(fill.Price, 0):
		return &domain.LedgerInvariantViolation{OrderID: order.ID, Detail: fmt.Sprintf("non-positive fill price %v", fill.Price)}
	case order.State.Terminal():
		return &domain.LedgerInvariantViolation{OrderID: order.ID, Detail: fmt.Sprintf("fill on %s order", order.State)}
	case order.Filled+fill.Quantity > order.Quantity+fillEpsilon:
		return &domain.LedgerInvariantViolation{
			OrderID: order.ID,
			Detail:  fmt.Sprintf("fill %.8f would exceed order quantity %.8f (filled %.8f)", fill.Quantity, order.Quantity, order.Filled),
		}
	}
	return nil
}

// Mark records a new price for symbol and recomputes unrealized PnL. Symbols
// without an open position are ignored.
func (l *Ledger) Mark(symbol string, price float64, ts time.Time) {
	if !(price > 0) {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.positions[symbol]; ok {
		p.mark = decimal.NewFromFloat(price)
	}
	if ts.After(l.lastTime) {
		l.lastTime = ts
	}
}

// Snapshot returns a read-only view of the account.
func (l *Ledger) Snapshot() domain.AccountSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// Cash returns the current cash balance.
func (l *Ledger) Cash() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cash.InexactFloat64()
}

func (l *Ledger) touch(ts time.Time) {
	l.seq++
	if ts.After(l.lastTime) {
		l.lastTime = ts
	}
}

func (l *Ledger) snapshotLocked() domain.AccountSnapshot {
	symbols := make([]string, 0, len(l.positions))
	for s := range l.positions {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	equity := l.cash
	exposure := decimal.Zero
	unrealized := decimal.Zero
	positions := make([]domain.Position, 0, len(symbols))
	for _, s := range symbols {
		p := l.positions[s]
		equity = equity.Add(p.qty.Mul(p.mark))
		exposure = exposure.Add(p.qty.Mul(p.mark).Abs())
		unrealized = unrealized.Add(p.unrealized())
		positions = append(positions, p.view())
	}

	return domain.AccountSnapshot{
		AccountID:     l.accountID,
		Seq:           l.seq,
		Time:          l.lastTime,
		Cash:          l.cash.InexactFloat64(),
		Equity:        equity.InexactFloat64(),
		Exposure:      exposure.InexactFloat64(),
		RealizedPnL:   l.realized.InexactFloat64(),
		UnrealizedPnL: unrealized.InexactFloat64(),
		Positions:     positions,
	}
}
