package risk

import (
	"math"
	"sort"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// Project returns snap as it would stand once every open order filled its
// remaining quantity at the intent's price. Positions and exposure include
// the pending quantity, so an approval cannot reuse room already promised to
// an earlier order. Cash, equity and realized PnL are left as booked.
func Project(snap domain.AccountSnapshot, open []domain.Order) domain.AccountSnapshot {
	if len(open) == 0 {
		return snap
	}
	book := make(map[string]domain.Position, len(snap.Positions)+len(open))
	for _, p := range snap.Positions {
		book[p.Symbol] = p
	}
	changed := false
	for _, o := range open {
		rest := o.Quantity - o.Filled
		if o.State.Terminal() || rest <= qtyEpsilon {
			continue
		}
		price := o.Intent.Price()
		if !(price > 0) {
			price = o.AvgFillPrice
		}
		if !(price > 0) {
			continue
		}
		book[o.Symbol()] = pend(book[o.Symbol()], o.Symbol(), o.Side().Sign()*rest, price)
		changed = true
	}
	if !changed {
		return snap
	}

	out := snap
	out.Positions = make([]domain.Position, 0, len(book))
	out.Exposure = 0
	for _, p := range book {
		if math.Abs(p.Quantity) <= qtyEpsilon {
			continue
		}
		out.Positions = append(out.Positions, p)
		out.Exposure += p.Value()
	}
	sort.Slice(out.Positions, func(i, j int) bool { return out.Positions[i].Symbol < out.Positions[j].Symbol })
	return out
}

// pend books delta units at price into p the way the ledger books a fill:
// VWAP entry on increases, unchanged entry on reductions, and a fresh entry
// at price for the part that crosses zero.
func pend(p domain.Position, symbol string, delta, price float64) domain.Position {
	p.Symbol = symbol
	if !(p.MarkPrice > 0) {
		p.MarkPrice = price
	}
	cur := p.Quantity
	next := cur + delta
	switch {
	case cur == 0 || (cur > 0) == (delta > 0):
		p.AvgEntryPrice = (math.Abs(cur)*p.AvgEntryPrice + math.Abs(delta)*price) / math.Abs(next)
	case (cur > 0) != (next > 0) && math.Abs(next) > qtyEpsilon:
		p.AvgEntryPrice = price
	}
	p.Quantity = next
	p.UnrealizedPnL = next * (p.MarkPrice - p.AvgEntryPrice)
	return p
}
