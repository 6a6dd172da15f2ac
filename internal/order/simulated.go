package order

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// SimConfig is the simulated fill model.
type SimConfig struct {
	SlippageBps      float64 // applied against the taker on market orders
	MaxParticipation float64 // fraction of event volume one event may fill; 0 disables
	FeeBps           float64 // charged on fill notional
}

type resting struct {
	order     domain.Order
	remaining float64
	filled    bool
}

// SimulatedBackend matches orders locally against the event stream. Market
// orders fill on the next event for their symbol; limit orders fill at their
// limit once an event crosses it. All reports are produced synchronously by
// Match so replays are deterministic.
type SimulatedBackend struct {
	mu      sync.Mutex
	cfg     SimConfig
	cash    func() float64
	book    map[int64]*resting
	queue   []int64 // submission order
	reports chan domain.ExecutionReport
}

var (
	_ domain.ExecutionBackend = (*SimulatedBackend)(nil)
	_ domain.Matcher          = (*SimulatedBackend)(nil)
)

// NewSimulatedBackend creates a backend. cash reports available funds for the
// buy-side funds check; nil disables the check.
func NewSimulatedBackend(cfg SimConfig, cash func() float64) *SimulatedBackend {
	return &SimulatedBackend{
		cfg:     cfg,
		cash:    cash,
		book:    make(map[int64]*resting),
		reports: make(chan domain.ExecutionReport),
	}
}

// Submit rests order until a matching event arrives.
func (b *SimulatedBackend) Submit(_ context.Context, order domain.Order) error {
	if order.Intent.Kind == domain.IntentLimit && !(order.Intent.LimitPrice > 0) {
		return fmt.Errorf("sim: order %d: limit order without price: %w", order.ID, domain.ErrInvalidIntent)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.book[order.ID]; ok {
		return fmt.Errorf("sim: order %d: %w", order.ID, domain.ErrAlreadyExists)
	}
	b.book[order.ID] = &resting{order: order, remaining: order.Remaining()}
	b.queue = append(b.queue, order.ID)
	return nil
}

// Cancel removes a resting order.
func (b *SimulatedBackend) Cancel(_ context.Context, orderID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.book[orderID]; !ok {
		return fmt.Errorf("sim: cancel %d: %w", orderID, domain.ErrUnknownOrder)
	}
	b.remove(orderID)
	return nil
}

// Reports never delivers; simulated outcomes come from Match.
func (b *SimulatedBackend) Reports() <-chan domain.ExecutionReport {
	return b.reports
}

// Resting returns the number of orders waiting to match.
func (b *SimulatedBackend) Resting() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.book)
}

// Match fills resting orders for ev.Symbol in submission order.
func (b *SimulatedBackend) Match(ev domain.MarketEvent) []domain.ExecutionReport {
	if !(ev.Price > 0) {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	liquidity := math.Inf(1)
	if b.cfg.MaxParticipation > 0 && ev.Volume > 0 {
		liquidity = ev.Volume * b.cfg.MaxParticipation
	}
	funds := math.Inf(1)
	if b.cash != nil {
		funds = b.cash()
	}

	var out []domain.ExecutionReport
	for _, id := range append([]int64(nil), b.queue...) {
		r := b.book[id]
		if r.order.Symbol() != ev.Symbol {
			continue
		}
		price, ok := b.fillPrice(r.order, ev.Price)
		if !ok {
			continue
		}
		qty := math.Min(r.remaining, liquidity)
		if qty <= qtyEpsilon {
			continue
		}
		fee := qty * price * b.cfg.FeeBps / 1e4

		if r.order.Side() == domain.SideBuy {
			if cost := qty*price + fee; cost > funds+qtyEpsilon {
				reason := fmt.Sprintf("%s: need %.2f, have %.2f", domain.ErrInsufficientFunds, cost, funds)
				kind := domain.ReportReject
				if r.filled {
					kind = domain.ReportCancel
				}
				out = append(out, domain.ExecutionReport{Kind: kind, OrderID: id, Reason: reason, Time: ev.Time})
				b.remove(id)
				continue
			}
			funds -= qty*price + fee
		}

		liquidity -= qty
		r.remaining -= qty
		r.filled = true
		out = append(out, domain.ExecutionReport{
			Kind:    domain.ReportFill,
			OrderID: id,
			Time:    ev.Time,
			Fill: domain.Fill{
				OrderID:  id,
				Symbol:   ev.Symbol,
				Side:     r.order.Side(),
				Quantity: qty,
				Price:    price,
				Fee:      fee,
				Time:     ev.Time,
			},
		})
		if r.remaining <= qtyEpsilon {
			b.remove(id)
		}
	}
	return out
}

// fillPrice returns the execution price of o against an event at px, or false
// if the order does not trade.
func (b *SimulatedBackend) fillPrice(o domain.Order, px float64) (float64, bool) {
	if o.Intent.Kind == domain.IntentLimit {
		limit := o.Intent.LimitPrice
		switch o.Side() {
		case domain.SideBuy:
			return limit, px <= limit
		default:
			return limit, px >= limit
		}
	}
	slip := b.cfg.SlippageBps / 1e4
	return px * (1 + o.Side().Sign()*slip), true
}

func (b *SimulatedBackend) remove(id int64) {
	delete(b.book, id)
	for i, q := range b.queue {
		if q == id {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			return
		}
	}
}
