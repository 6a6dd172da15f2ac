package order

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradecore/internal/domain"
	"github.com/alanyoungcy/tradecore/internal/ledger"
)

var t0 = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	states []domain.OrderState
	fills  []domain.Fill
	snaps  []domain.AccountSnapshot
}

func (r *recorder) OrderUpdated(_ context.Context, o domain.Order) {
	r.mu.Lock()
	r.states = append(r.states, o.State)
	r.mu.Unlock()
}

func (r *recorder) FillApplied(_ context.Context, _ domain.Order, f domain.Fill, s domain.AccountSnapshot) {
	r.mu.Lock()
	r.fills = append(r.fills, f)
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
}

type faultRecorder struct{ errs []error }

func (f *faultRecorder) Fault(_ context.Context, err error) { f.errs = append(f.errs, err) }

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

type harness struct {
	mgr    *Manager
	sim    *SimulatedBackend
	ledger *ledger.Ledger
	rec    *recorder
	clock  *clock
	faults *faultRecorder
}

func newHarness(cash float64, sim SimConfig, cfg Config) *harness {
	l := ledger.New(domain.Account{ID: "acct", Cash: cash})
	b := NewSimulatedBackend(sim, l.Cash)
	m := NewManager(l, b, cfg, slog.New(slog.DiscardHandler))
	h := &harness{mgr: m, sim: b, ledger: l, rec: &recorder{}, clock: &clock{t: t0}, faults: &faultRecorder{}}
	m.SetClock(h.clock.now)
	m.SetFaultSink(h.faults)
	m.AddObserver(h.rec)
	return h
}

func (h *harness) tick(t *testing.T, at time.Duration, price, volume float64) {
	t.Helper()
	h.clock.t = t0.Add(at)
	ev := domain.MarketEvent{Symbol: "X", Time: h.clock.t, Price: price, Volume: volume, Kind: domain.EventKindTrade}
	h.ledger.Mark(ev.Symbol, ev.Price, ev.Time)
	require.NoError(t, h.mgr.OnMarket(context.Background(), ev))
}

func marketIntent(side domain.Side, qty, ref float64) domain.TradeIntent {
	return domain.TradeIntent{
		ID: "s-1", StrategyID: "s", Symbol: "X", Side: side, Quantity: qty,
		Kind: domain.IntentMarket, RefPrice: ref, EventTime: t0,
	}
}

func limitIntent(side domain.Side, qty, limit float64) domain.TradeIntent {
	i := marketIntent(side, qty, limit)
	i.Kind = domain.IntentLimit
	i.LimitPrice = limit
	return i
}

func TestMarketOrderFillsOnNextEvent(t *testing.T) {
	h := newHarness(10000, SimConfig{}, Config{})
	ctx := context.Background()

	o, err := h.mgr.Submit(ctx, marketIntent(domain.SideBuy, 100, 10), 100)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderSubmitted, o.State)
	assert.Equal(t, int64(1), o.ID)

	h.tick(t, time.Second, 10, 0)

	got, ok := h.mgr.Get(o.ID)
	require.True(t, ok)
	assert.Equal(t, domain.OrderFilled, got.State)
	assert.InDelta(t, 100, got.Filled, 1e-9)
	assert.InDelta(t, 10, got.AvgFillPrice, 1e-9)
	require.NotNil(t, got.FirstFillAt)
	require.NotNil(t, got.TerminalAt)

	snap := h.ledger.Snapshot()
	pos, ok := snap.Position("X")
	require.True(t, ok)
	assert.InDelta(t, 100, pos.Quantity, 1e-9)
	assert.InDelta(t, 9000, snap.Cash, 1e-9)

	assert.Equal(t, []domain.OrderState{domain.OrderPending, domain.OrderSubmitted, domain.OrderFilled}, h.rec.states)
	require.Len(t, h.rec.snaps, 1)
	assert.InDelta(t, 9000, h.rec.snaps[0].Cash, 1e-9, "observers see the ledger after the fill")
}

func TestMarketOrderSlippageAndFee(t *testing.T) {
	h := newHarness(10000, SimConfig{SlippageBps: 10, FeeBps: 5}, Config{})
	ctx := context.Background()

	_, err := h.mgr.Submit(ctx, marketIntent(domain.SideBuy, 10, 100), 10)
	require.NoError(t, err)
	h.tick(t, time.Second, 100, 0)

	require.Len(t, h.rec.fills, 1)
	f := h.rec.fills[0]
	assert.InDelta(t, 100.1, f.Price, 1e-9, "buys pay up")
	assert.InDelta(t, 10*100.1*5/1e4, f.Fee, 1e-9)

	_, err = h.mgr.Submit(ctx, marketIntent(domain.SideSell, 10, 100), 10)
	require.NoError(t, err)
	h.tick(t, 2*time.Second, 100, 0)
	require.Len(t, h.rec.fills, 2)
	assert.InDelta(t, 99.9, h.rec.fills[1].Price, 1e-9, "sells receive less")
}

func TestLimitOrderExpiresWithoutLedgerChange(t *testing.T) {
	h := newHarness(10000, SimConfig{}, Config{LimitExpiry: time.Minute})
	ctx := context.Background()
	before := h.ledger.Snapshot()

	o, err := h.mgr.Submit(ctx, limitIntent(domain.SideBuy, 10, 9), 10)
	require.NoError(t, err)
	require.NotNil(t, o.ExpiresAt)
	assert.Equal(t, t0.Add(time.Minute), *o.ExpiresAt)

	h.tick(t, 10*time.Second, 10, 0)
	h.tick(t, 30*time.Second, 9.5, 0)
	got, _ := h.mgr.Get(o.ID)
	assert.Equal(t, domain.OrderSubmitted, got.State)

	// An event at the expiry instant cancels before it can match.
	h.tick(t, time.Minute, 8.5, 0)
	got, _ = h.mgr.Get(o.ID)
	assert.Equal(t, domain.OrderCancelled, got.State)
	assert.Equal(t, "expired", got.Reason)
	assert.Zero(t, got.Filled)

	after := h.ledger.Snapshot()
	assert.Equal(t, before.Cash, after.Cash)
	assert.Empty(t, after.Positions)
	assert.Equal(t, before.Seq, after.Seq)
	assert.Zero(t, h.sim.Resting())
}

func TestLimitOrderFillsAtLimitWhenCrossed(t *testing.T) {
	h := newHarness(10000, SimConfig{SlippageBps: 50}, Config{LimitExpiry: time.Hour})
	ctx := context.Background()

	o, err := h.mgr.Submit(ctx, limitIntent(domain.SideBuy, 10, 9), 10)
	require.NoError(t, err)
	h.tick(t, time.Second, 9.2, 0)
	h.tick(t, 2*time.Second, 8.8, 0)

	got, _ := h.mgr.Get(o.ID)
	assert.Equal(t, domain.OrderFilled, got.State)
	assert.InDelta(t, 9, got.AvgFillPrice, 1e-9, "limit fills ignore slippage")
}

func TestParticipationCapPartiallyFills(t *testing.T) {
	h := newHarness(10000, SimConfig{MaxParticipation: 0.1}, Config{})
	ctx := context.Background()

	o, err := h.mgr.Submit(ctx, marketIntent(domain.SideBuy, 50, 10), 50)
	require.NoError(t, err)

	h.tick(t, time.Second, 10, 300)
	got, _ := h.mgr.Get(o.ID)
	assert.Equal(t, domain.OrderPartiallyFilled, got.State)
	assert.InDelta(t, 30, got.Filled, 1e-9)

	h.tick(t, 2*time.Second, 11, 1000)
	got, _ = h.mgr.Get(o.ID)
	assert.Equal(t, domain.OrderFilled, got.State)
	assert.InDelta(t, 50, got.Filled, 1e-9)
	assert.InDelta(t, (30*10+20*11)/50.0, got.AvgFillPrice, 1e-9)

	pos, _ := h.ledger.Snapshot().Position("X")
	assert.InDelta(t, 50, pos.Quantity, 1e-9)
}

func TestInsufficientFundsRejects(t *testing.T) {
	h := newHarness(500, SimConfig{}, Config{})
	ctx := context.Background()

	o, err := h.mgr.Submit(ctx, marketIntent(domain.SideBuy, 100, 10), 100)
	require.NoError(t, err)
	h.tick(t, time.Second, 10, 0)

	got, _ := h.mgr.Get(o.ID)
	assert.Equal(t, domain.OrderRejected, got.State)
	assert.Contains(t, got.Reason, "insufficient funds")
	assert.InDelta(t, 500, h.ledger.Cash(), 1e-9)

	require.Len(t, h.faults.errs, 1)
	var fault *domain.ExecutionFault
	assert.ErrorAs(t, h.faults.errs[0], &fault)
}

type failingBackend struct{}

func (failingBackend) Submit(context.Context, domain.Order) error {
	return errors.New("exchange: 503")
}

func (failingBackend) Cancel(context.Context, int64) error { return nil }

func (failingBackend) Reports() <-chan domain.ExecutionReport { return nil }

func TestBackendErrorRejectsOrder(t *testing.T) {
	l := ledger.New(domain.Account{ID: "acct", Cash: 1000})
	m := NewManager(l, failingBackend{}, Config{}, slog.New(slog.DiscardHandler))
	faults := &faultRecorder{}
	m.SetFaultSink(faults)

	o, err := m.Submit(context.Background(), marketIntent(domain.SideBuy, 1, 10), 1)
	var fault *domain.ExecutionFault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, o.ID, fault.OrderID)
	assert.Equal(t, domain.OrderRejected, o.State)
	assert.Len(t, faults.errs, 1)
}

func TestSubmitRejectsQuantityAboveIntent(t *testing.T) {
	h := newHarness(1000, SimConfig{}, Config{})
	_, err := h.mgr.Submit(context.Background(), marketIntent(domain.SideBuy, 10, 10), 11)
	assert.ErrorIs(t, err, domain.ErrInvalidIntent)
	assert.Empty(t, h.mgr.Orders())
}

func TestOverfillIsFatal(t *testing.T) {
	h := newHarness(10000, SimConfig{}, Config{})
	ctx := context.Background()
	o, err := h.mgr.Submit(ctx, marketIntent(domain.SideBuy, 10, 10), 10)
	require.NoError(t, err)

	err = h.mgr.HandleReport(ctx, domain.ExecutionReport{
		Kind:    domain.ReportFill,
		OrderID: o.ID,
		Fill:    domain.Fill{OrderID: o.ID, Symbol: "X", Side: domain.SideBuy, Quantity: 11, Price: 10, Time: t0},
	})
	require.Error(t, err)
	assert.True(t, domain.IsFatal(err))

	got, _ := h.mgr.Get(o.ID)
	assert.Zero(t, got.Filled, "order must not advance past a rejected fill")
	assert.InDelta(t, 10000, h.ledger.Cash(), 1e-9)
}

func TestUnknownOrderReport(t *testing.T) {
	h := newHarness(1000, SimConfig{}, Config{})
	err := h.mgr.HandleReport(context.Background(), domain.ExecutionReport{Kind: domain.ReportCancel, OrderID: 42})
	assert.ErrorIs(t, err, domain.ErrUnknownOrder)
	assert.False(t, domain.IsFatal(err))
}

func TestDrainCancelsOpenOrders(t *testing.T) {
	h := newHarness(10000, SimConfig{}, Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.mgr.Submit(ctx, limitIntent(domain.SideBuy, 1, 5), 1)
		require.NoError(t, err)
	}
	require.Len(t, h.mgr.Open(), 3)

	dctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, h.mgr.Drain(dctx))
	assert.Empty(t, h.mgr.Open())
	for _, o := range h.mgr.Orders() {
		assert.Equal(t, domain.OrderCancelled, o.State)
	}
}

// asyncBackend acknowledges submits and reports fills on its channel.
type asyncBackend struct {
	ch chan domain.ExecutionReport
}

func (b *asyncBackend) Submit(_ context.Context, o domain.Order) error {
	go func() {
		b.ch <- domain.ExecutionReport{
			Kind:    domain.ReportFill,
			OrderID: o.ID,
			Fill: domain.Fill{
				OrderID: o.ID, Symbol: o.Symbol(), Side: o.Side(),
				Quantity: o.Quantity, Price: o.Intent.RefPrice, Time: t0,
			},
		}
	}()
	return nil
}

func (b *asyncBackend) Cancel(context.Context, int64) error { return nil }

func (b *asyncBackend) Reports() <-chan domain.ExecutionReport { return b.ch }

func TestRunAppliesAsyncReports(t *testing.T) {
	l := ledger.New(domain.Account{ID: "acct", Cash: 1000})
	b := &asyncBackend{ch: make(chan domain.ExecutionReport)}
	m := NewManager(l, b, Config{}, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	o, err := m.Submit(ctx, marketIntent(domain.SideBuy, 5, 10), 5)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, _ := m.Get(o.ID)
		return got.State == domain.OrderFilled
	}, time.Second, 5*time.Millisecond)
	assert.InDelta(t, 950, l.Cash(), 1e-9)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

// stateLog records the states each order passed through, in delivery order.
type stateLog struct {
	mu     sync.Mutex
	states map[int64][]domain.OrderState
}

func (l *stateLog) OrderUpdated(_ context.Context, o domain.Order) {
	l.mu.Lock()
	l.states[o.ID] = append(l.states[o.ID], o.State)
	l.mu.Unlock()
}

func (l *stateLog) FillApplied(context.Context, domain.Order, domain.Fill, domain.AccountSnapshot) {}

func stage(s domain.OrderState) int {
	switch s {
	case domain.OrderPending:
		return 0
	case domain.OrderSubmitted:
		return 1
	case domain.OrderPartiallyFilled:
		return 2
	default:
		return 3
	}
}

func TestObserversSeeStatesInOrder(t *testing.T) {
	l := ledger.New(domain.Account{ID: "acct", Cash: 1e9})
	b := &asyncBackend{ch: make(chan domain.ExecutionReport)}
	m := NewManager(l, b, Config{}, slog.New(slog.DiscardHandler))
	seen := &stateLog{states: make(map[int64][]domain.OrderState)}
	m.AddObserver(seen)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	const n = 200
	for i := 0; i < n; i++ {
		_, err := m.Submit(ctx, marketIntent(domain.SideBuy, 1, 10), 1)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return len(m.Open()) == 0 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	seen.mu.Lock()
	defer seen.mu.Unlock()
	require.Len(t, seen.states, n)
	for id, states := range seen.states {
		require.NotEmpty(t, states)
		assert.Equal(t, domain.OrderPending, states[0], "order %d", id)
		assert.Equal(t, domain.OrderFilled, states[len(states)-1], "order %d: %v", id, states)
		for i := 1; i < len(states); i++ {
			assert.LessOrEqual(t, stage(states[i-1]), stage(states[i]), "order %d: %v", id, states)
		}
	}
}

func TestTerminalOrdersAreArchived(t *testing.T) {
	h := newHarness(1000, SimConfig{}, Config{})
	ctx := context.Background()

	filled, err := h.mgr.Submit(ctx, marketIntent(domain.SideBuy, 2, 10), 2)
	require.NoError(t, err)
	resting, err := h.mgr.Submit(ctx, limitIntent(domain.SideBuy, 1, 5), 1)
	require.NoError(t, err)
	h.tick(t, time.Second, 10, 0)

	assert.Len(t, h.mgr.open, 1)
	assert.Len(t, h.mgr.archive, 1)
	assert.Equal(t, []int64{resting.ID}, ids(h.mgr.Open()))
	assert.Equal(t, []int64{filled.ID, resting.ID}, ids(h.mgr.Orders()))

	got, ok := h.mgr.Get(filled.ID)
	require.True(t, ok)
	assert.Equal(t, domain.OrderFilled, got.State)
	require.NoError(t, h.mgr.HandleReport(ctx, domain.ExecutionReport{Kind: domain.ReportCancel, OrderID: filled.ID}),
		"a late cancel for an archived order is ignored")

	snap, open := h.mgr.Book()
	assert.Equal(t, []int64{resting.ID}, ids(open))
	pos, ok := snap.Position("X")
	require.True(t, ok)
	assert.InDelta(t, 2, pos.Quantity, 1e-9)
}

func ids(orders []domain.Order) []int64 {
	out := make([]int64, 0, len(orders))
	for _, o := range orders {
		out = append(out, o.ID)
	}
	return out
}

// ackBackend holds orders until cancelled and confirms cancels on its
// report channel.
type ackBackend struct {
	ch chan domain.ExecutionReport
}

func (b *ackBackend) Submit(context.Context, domain.Order) error { return nil }

func (b *ackBackend) Cancel(_ context.Context, id int64) error {
	go func() { b.ch <- domain.ExecutionReport{Kind: domain.ReportCancel, OrderID: id, Reason: "user_cancel"} }()
	return nil
}

func (b *ackBackend) Reports() <-chan domain.ExecutionReport { return b.ch }

func TestAsyncCancelWaitsForReport(t *testing.T) {
	l := ledger.New(domain.Account{ID: "acct", Cash: 1000})
	b := &ackBackend{ch: make(chan domain.ExecutionReport)}
	m := NewManager(l, b, Config{}, slog.New(slog.DiscardHandler))
	ctx := context.Background()

	o, err := m.Submit(ctx, limitIntent(domain.SideBuy, 1, 5), 1)
	require.NoError(t, err)
	require.NoError(t, m.Cancel(ctx, o.ID, "expired"))

	got, _ := m.Get(o.ID)
	assert.Equal(t, domain.OrderSubmitted, got.State, "still open until the backend confirms")
	require.NoError(t, m.Cancel(ctx, o.ID, "drain"), "repeat requests are ignored")

	rep := <-b.ch
	require.NoError(t, m.HandleReport(ctx, rep))
	got, _ = m.Get(o.ID)
	assert.Equal(t, domain.OrderCancelled, got.State)
	assert.Equal(t, "expired", got.Reason, "the requested reason wins over the backend's")
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		from, to domain.OrderState
		ok       bool
	}{
		{domain.OrderPending, domain.OrderSubmitted, true},
		{domain.OrderPending, domain.OrderFilled, false},
		{domain.OrderSubmitted, domain.OrderPartiallyFilled, true},
		{domain.OrderSubmitted, domain.OrderRejected, true},
		{domain.OrderPartiallyFilled, domain.OrderPartiallyFilled, true},
		{domain.OrderPartiallyFilled, domain.OrderRejected, false},
		{domain.OrderPartiallyFilled, domain.OrderCancelled, true},
		{domain.OrderFilled, domain.OrderCancelled, false},
		{domain.OrderCancelled, domain.OrderSubmitted, false},
		{domain.OrderRejected, domain.OrderPending, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to))
			o := &domain.Order{ID: 1, State: tt.from}
			err := advance(o, tt.to, t0)
			if tt.ok {
				assert.NoError(t, err)
				assert.Equal(t, tt.to.Terminal(), o.TerminalAt != nil)
			} else {
				assert.ErrorIs(t, err, domain.ErrInvalidTransition)
			}
		})
	}
}
