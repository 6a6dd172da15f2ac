package performance

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

var t0 = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

func newTracker() *Tracker {
	return NewTracker(time.Minute, slog.New(slog.DiscardHandler))
}

type fillSpec struct {
	id    int64
	side  domain.Side
	qty   float64
	price float64
	ref   float64
	fee   float64
	at    time.Duration
}

func apply(tr *Tracker, f fillSpec, equity float64) {
	first := t0.Add(f.at)
	o := domain.Order{
		ID:          f.id,
		Intent:      domain.TradeIntent{StrategyID: "s", Symbol: "X", Side: f.side, Quantity: f.qty, RefPrice: f.ref},
		State:       domain.OrderFilled,
		Quantity:    f.qty,
		Filled:      f.qty,
		SubmittedAt: t0.Add(f.at - 2*time.Second),
		FirstFillAt: &first,
	}
	fill := domain.Fill{OrderID: f.id, Symbol: "X", Side: f.side, Quantity: f.qty, Price: f.price, Fee: f.fee, Time: first}
	tr.FillApplied(context.Background(), o, fill, domain.AccountSnapshot{Time: first, Equity: equity})
}

func TestRoundTripAndExecutionQuality(t *testing.T) {
	tr := newTracker()
	apply(tr, fillSpec{id: 1, side: domain.SideBuy, qty: 10, price: 101, ref: 100, fee: 1}, 1000)
	apply(tr, fillSpec{id: 2, side: domain.SideSell, qty: 10, price: 109, ref: 110, fee: 1, at: time.Hour}, 1080)

	trips := tr.RoundTrips()
	require.Len(t, trips, 1)
	trip := trips[0]
	assert.Equal(t, domain.SideBuy, trip.Side)
	assert.InDelta(t, 10, trip.Quantity, 1e-9)
	assert.InDelta(t, 80, trip.Profit, 1e-9)
	assert.InDelta(t, 2, trip.Fees, 1e-9)
	assert.InDelta(t, 78, trip.Net(), 1e-9)
	assert.InDelta(t, (109.0/101-1)*100, trip.ProfitPct, 1e-9)
	assert.Equal(t, t0, trip.EntryTime)
	assert.Equal(t, t0.Add(time.Hour), trip.ExitTime)

	execs := tr.Executions()
	require.Len(t, execs, 2)
	assert.InDelta(t, 100, execs[0].SlippageBps, 1e-9, "buying above the reference is adverse")
	assert.InDelta(t, 1e4/110, execs[1].SlippageBps, 1e-9, "selling below the reference is adverse")
	assert.Equal(t, 2*time.Second, execs[0].Latency)

	stats := tr.Stats()
	assert.Equal(t, 2, stats.Fills)
	assert.Equal(t, 2*time.Second, stats.AvgLatency)
}

func TestRoundTripAcrossZero(t *testing.T) {
	tr := newTracker()
	apply(tr, fillSpec{id: 1, side: domain.SideBuy, qty: 10, price: 100}, 1000)
	apply(tr, fillSpec{id: 2, side: domain.SideSell, qty: 15, price: 110, at: time.Minute}, 1100)
	apply(tr, fillSpec{id: 3, side: domain.SideBuy, qty: 5, price: 100, at: 2 * time.Minute}, 1150)

	trips := tr.RoundTrips()
	require.Len(t, trips, 2)
	assert.InDelta(t, 100, trips[0].Profit, 1e-9)
	assert.Equal(t, domain.SideSell, trips[1].Side)
	assert.InDelta(t, 5, trips[1].Quantity, 1e-9)
	assert.InDelta(t, 50, trips[1].Profit, 1e-9)
	assert.Empty(t, tr.lots)
}

func TestPartialCloseKeepsEntry(t *testing.T) {
	tr := newTracker()
	apply(tr, fillSpec{id: 1, side: domain.SideBuy, qty: 10, price: 100}, 1000)
	apply(tr, fillSpec{id: 2, side: domain.SideBuy, qty: 10, price: 110}, 1000)
	apply(tr, fillSpec{id: 3, side: domain.SideSell, qty: 5, price: 120}, 1000)

	trips := tr.RoundTrips()
	require.Len(t, trips, 1)
	assert.InDelta(t, 105, trips[0].EntryPrice, 1e-9)
	assert.InDelta(t, 75, trips[0].Profit, 1e-9)
	assert.InDelta(t, 15, tr.lots["X"].qty, 1e-9)
}

func TestDrawdownAndCurve(t *testing.T) {
	tr := newTracker()
	ctx := context.Background()
	for i, eq := range []float64{1000, 1100, 990, 1050} {
		tr.Observe(ctx, domain.AccountSnapshot{Time: t0.Add(time.Duration(i) * time.Minute), Equity: eq})
	}
	// Samples inside the interval fold into the last point.
	tr.Observe(ctx, domain.AccountSnapshot{Time: t0.Add(3*time.Minute + time.Second), Equity: 1060})

	stats := tr.Stats()
	assert.InDelta(t, 1100, stats.PeakEquity, 1e-9)
	assert.InDelta(t, 110, stats.MaxDrawdown, 1e-9)
	assert.InDelta(t, 10, stats.MaxDrawdownPct, 1e-9)

	curve := tr.Curve()
	require.Len(t, curve, 4)
	assert.InDelta(t, 1060, curve[3].Equity, 1e-9)
}

func TestOrderOutcomeCounts(t *testing.T) {
	tr := newTracker()
	ctx := context.Background()
	for _, o := range []domain.Order{
		{ID: 1, State: domain.OrderPending},
		{ID: 1, State: domain.OrderSubmitted},
		{ID: 1, State: domain.OrderFilled},
		{ID: 2, State: domain.OrderPending},
		{ID: 2, State: domain.OrderRejected},
		{ID: 3, State: domain.OrderSubmitted},
		{ID: 3, State: domain.OrderCancelled},
	} {
		tr.OrderUpdated(ctx, o)
	}
	s := tr.Stats()
	assert.Equal(t, 3, s.Orders)
	assert.Equal(t, 1, s.Filled)
	assert.Equal(t, 1, s.Rejected)
	assert.Equal(t, 1, s.Cancelled)
}

type panicky struct{ faults []string }

func (p *panicky) ObserveEvent(domain.MarketEvent) {}
func (p *panicky) ObserveOrder(domain.Order) { panic("metrics backend gone") }
func (p *panicky) ObserveSnapshot(domain.AccountSnapshot) {}
func (p *panicky) ObserveRejection(*domain.RiskRejection) {}
func (p *panicky) ObserveFault(kind string, _ error) { p.faults = append(p.faults, kind) }
func (p *panicky) ObserveExecution(time.Duration, float64) {}

type failingSink struct{ calls int }

func (f *failingSink) RecordRoundTrip(context.Context, RoundTrip) error {
	f.calls++
	return errors.New("disk full")
}

func TestFailuresNeverEscape(t *testing.T) {
	tr := newTracker()
	m := &panicky{}
	tr.SetMetrics(m)
	sink := &failingSink{}
	tr.AddSink(sink)

	assert.NotPanics(t, func() {
		tr.OrderUpdated(context.Background(), domain.Order{ID: 1, State: domain.OrderFilled})
	})
	assert.Equal(t, []string{"performance"}, m.faults)

	apply(tr, fillSpec{id: 1, side: domain.SideBuy, qty: 1, price: 10}, 100)
	apply(tr, fillSpec{id: 2, side: domain.SideSell, qty: 1, price: 11}, 101)
	assert.Equal(t, 1, sink.calls)
	assert.Len(t, tr.RoundTrips(), 1)
}
