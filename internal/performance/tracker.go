// Package performance observes order and ledger activity and derives
// execution quality, the equity curve, drawdown and realized round trips.
// It never mutates trading state and never fails a run.
package performance

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// CurvePoint is one sample of the account's PnL curve.
type CurvePoint struct {
	Time          time.Time `json:"time"`
	Equity        float64   `json:"equity"`
	RealizedPnL   float64   `json:"realized_pnl"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
}

// Execution describes the quality of a single fill.
type Execution struct {
	OrderID     int64         `json:"order_id"`
	Strategy    string        `json:"strategy"`
	Symbol      string        `json:"symbol"`
	Side        domain.Side   `json:"side"`
	Price       float64       `json:"price"`
	RefPrice    float64       `json:"ref_price"`
	SlippageBps float64       `json:"slippage_bps"` // positive = adverse
	Latency     time.Duration `json:"latency"`      // submit to first fill; zero for later fills
	Time        time.Time     `json:"time"`
}

// RoundTrip is a realized trade: a position opened and (partly) closed.
type RoundTrip struct {
	Symbol     string      `json:"symbol"`
	Strategy   string      `json:"strategy"`
	Side       domain.Side `json:"side"` // side of the opening fill
	Quantity   float64     `json:"quantity"`
	EntryPrice float64     `json:"entry_price"`
	ExitPrice  float64     `json:"exit_price"`
	EntryTime  time.Time   `json:"entry_time"`
	ExitTime   time.Time   `json:"exit_time"`
	Profit     float64     `json:"profit"` // before fees
	ProfitPct  float64     `json:"profit_pct"`
	Fees       float64     `json:"fees"`
}

// Net returns the profit after fees.
func (r RoundTrip) Net() float64 { return r.Profit - r.Fees }

// Sink receives realized round trips, for example a journal.
type Sink interface {
	RecordRoundTrip(ctx context.Context, trip RoundTrip) error
}

type lot struct {
	qty      float64 // signed
	avg      float64
	fees     float64
	opened   time.Time
	strategy string
}

// Stats aggregates what the tracker has observed so far.
type Stats struct {
	Orders         int           `json:"orders"`
	Filled         int           `json:"filled"`
	Cancelled      int           `json:"cancelled"`
	Rejected       int           `json:"rejected"`
	Fills          int           `json:"fills"`
	AvgLatency     time.Duration `json:"avg_latency"`
	AvgSlippageBps float64       `json:"avg_slippage_bps"`
	PeakEquity     float64       `json:"peak_equity"`
	LastEquity     float64       `json:"last_equity"`
	MaxDrawdown    float64       `json:"max_drawdown"`
	MaxDrawdownPct float64       `json:"max_drawdown_pct"`
}

// Tracker implements order.Observer. Create one per run.
type Tracker struct {
	mu sync.Mutex

	sampleEvery time.Duration
	curve       []CurvePoint
	executions  []Execution
	trips       []RoundTrip
	lots        map[string]*lot
	firstFill   map[int64]bool
	orders      map[int64]domain.OrderState
	stats       Stats
	latencySum  time.Duration
	latencyN    int
	slipSum     float64
	slipN       int

	metrics domain.MetricsSink
	sinks   []Sink
	logger  *slog.Logger
}

// NewTracker creates a Tracker. Equity samples closer together than
// sampleEvery are folded into the latest point; fills always add a point.
func NewTracker(sampleEvery time.Duration, logger *slog.Logger) *Tracker {
	return &Tracker{
		sampleEvery: sampleEvery,
		lots:        make(map[string]*lot),
		firstFill:   make(map[int64]bool),
		orders:      make(map[int64]domain.OrderState),
		logger:      logger.With(slog.String("component", "performance")),
	}
}

// SetMetrics forwards executions, orders and snapshots to m.
func (t *Tracker) SetMetrics(m domain.MetricsSink) {
	t.metrics = m
}

// AddSink registers a round-trip sink.
func (t *Tracker) AddSink(s Sink) {
	t.sinks = append(t.sinks, s)
}

// OrderUpdated counts order outcomes.
func (t *Tracker) OrderUpdated(ctx context.Context, order domain.Order) {
	defer t.recover(ctx, "order_updated")

	t.mu.Lock()
	prev, seen := t.orders[order.ID]
	t.orders[order.ID] = order.State
	if !seen {
		t.stats.Orders++
	}
	if prev != order.State {
		switch order.State {
		case domain.OrderFilled:
			t.stats.Filled++
		case domain.OrderCancelled:
			t.stats.Cancelled++
		case domain.OrderRejected:
			t.stats.Rejected++
		}
	}
	if order.State.Terminal() {
		delete(t.firstFill, order.ID)
	}
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.ObserveOrder(order)
	}
}

// FillApplied records execution quality, realizes round trips and samples
// the post-fill snapshot.
func (t *Tracker) FillApplied(ctx context.Context, order domain.Order, fill domain.Fill, snap domain.AccountSnapshot) {
	defer t.recover(ctx, "fill_applied")

	exec := Execution{
		OrderID:  order.ID,
		Strategy: order.Intent.StrategyID,
		Symbol:   fill.Symbol,
		Side:     fill.Side,
		Price:    fill.Price,
		RefPrice: order.Intent.RefPrice,
		Time:     fill.Time,
	}
	if ref := order.Intent.RefPrice; ref > 0 {
		exec.SlippageBps = fill.Side.Sign() * (fill.Price - ref) / ref * 1e4
	}

	t.mu.Lock()
	if !t.firstFill[order.ID] && order.FirstFillAt != nil {
		t.firstFill[order.ID] = true
		exec.Latency = order.FirstFillAt.Sub(order.SubmittedAt)
		t.latencySum += exec.Latency
		t.latencyN++
	}
	if exec.RefPrice > 0 {
		t.slipSum += exec.SlippageBps
		t.slipN++
	}
	t.stats.Fills++
	t.executions = append(t.executions, exec)
	trips := t.realize(order, fill)
	t.trips = append(t.trips, trips...)
	t.sample(snap, true)
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.ObserveExecution(exec.Latency, exec.SlippageBps)
	}
	for _, trip := range trips {
		for _, s := range t.sinks {
			if err := s.RecordRoundTrip(ctx, trip); err != nil {
				t.logger.WarnContext(ctx, "round trip sink failed",
					slog.String("symbol", trip.Symbol),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Observe samples a ledger snapshot into the PnL curve and drawdown.
func (t *Tracker) Observe(ctx context.Context, snap domain.AccountSnapshot) {
	defer t.recover(ctx, "observe")

	t.mu.Lock()
	t.sample(snap, false)
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.ObserveSnapshot(snap)
	}
}

// sample updates drawdown and the curve. The caller must hold t.mu.
func (t *Tracker) sample(snap domain.AccountSnapshot, force bool) {
	eq := snap.Equity
	if eq > t.stats.PeakEquity {
		t.stats.PeakEquity = eq
	}
	t.stats.LastEquity = eq
	if dd := t.stats.PeakEquity - eq; dd > t.stats.MaxDrawdown {
		t.stats.MaxDrawdown = dd
		if t.stats.PeakEquity > 0 {
			t.stats.MaxDrawdownPct = dd / t.stats.PeakEquity * 100
		}
	}

	p := CurvePoint{Time: snap.Time, Equity: eq, RealizedPnL: snap.RealizedPnL, UnrealizedPnL: snap.UnrealizedPnL}
	if n := len(t.curve); n > 0 && !force && snap.Time.Sub(t.curve[n-1].Time) < t.sampleEvery {
		t.curve[n-1] = p
		return
	}
	t.curve = append(t.curve, p)
}

// realize folds fill into the symbol's open lot and returns any round trips
// it closes. A fill that crosses zero closes the lot and opens a new one
// with the remainder. The caller must hold t.mu.
func (t *Tracker) realize(order domain.Order, fill domain.Fill) []RoundTrip {
	q := fill.Side.Sign() * fill.Quantity
	l, ok := t.lots[fill.Symbol]
	if !ok || l.qty == 0 {
		t.lots[fill.Symbol] = &lot{qty: q, avg: fill.Price, fees: fill.Fee, opened: fill.Time, strategy: order.Intent.StrategyID}
		return nil
	}
	if (l.qty > 0) == (q > 0) {
		total := l.qty + q
		l.avg = (l.avg*math.Abs(l.qty) + fill.Price*math.Abs(q)) / math.Abs(total)
		l.qty = total
		l.fees += fill.Fee
		return nil
	}

	closing := math.Min(math.Abs(q), math.Abs(l.qty))
	dir := 1.0
	side := domain.SideBuy
	if l.qty < 0 {
		dir, side = -1, domain.SideSell
	}
	entryFees := l.fees * closing / math.Abs(l.qty)
	exitFees := fill.Fee * closing / fill.Quantity
	trip := RoundTrip{
		Symbol:     fill.Symbol,
		Strategy:   l.strategy,
		Side:       side,
		Quantity:   closing,
		EntryPrice: l.avg,
		ExitPrice:  fill.Price,
		EntryTime:  l.opened,
		ExitTime:   fill.Time,
		Profit:     dir * (fill.Price - l.avg) * closing,
		ProfitPct:  dir * (fill.Price/l.avg - 1) * 100,
		Fees:       entryFees + exitFees,
	}
	l.fees -= entryFees
	l.qty -= dir * closing

	if rest := math.Abs(q) - closing; rest > 1e-12 {
		t.lots[fill.Symbol] = &lot{
			qty:      fill.Side.Sign() * rest,
			avg:      fill.Price,
			fees:     fill.Fee - exitFees,
			opened:   fill.Time,
			strategy: order.Intent.StrategyID,
		}
	} else if math.Abs(l.qty) <= 1e-12 {
		delete(t.lots, fill.Symbol)
	}
	return []RoundTrip{trip}
}

func (t *Tracker) recover(ctx context.Context, op string) {
	if p := recover(); p != nil {
		err := fmt.Errorf("performance: %s: panic: %v", op, p)
		t.logger.ErrorContext(ctx, "performance tracker recovered", slog.String("error", err.Error()))
		if t.metrics != nil {
			t.metrics.ObserveFault("performance", err)
		}
	}
}

// Stats returns a copy of the aggregate statistics.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stats
	if t.latencyN > 0 {
		s.AvgLatency = t.latencySum / time.Duration(t.latencyN)
	}
	if t.slipN > 0 {
		s.AvgSlippageBps = t.slipSum / float64(t.slipN)
	}
	return s
}

// Curve returns a copy of the PnL curve.
func (t *Tracker) Curve() []CurvePoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]CurvePoint(nil), t.curve...)
}

// Executions returns a copy of the per-fill execution records.
func (t *Tracker) Executions() []Execution {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Execution(nil), t.executions...)
}

// RoundTrips returns a copy of the realized round trips.
func (t *Tracker) RoundTrips() []RoundTrip {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]RoundTrip(nil), t.trips...)
}
