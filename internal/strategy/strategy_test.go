package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

func tick(at time.Duration, price float64) domain.MarketEvent {
	return domain.MarketEvent{Symbol: "X", Time: t0.Add(at), Price: price, Volume: 10, Kind: domain.EventKindTrade}
}

func filled(id int64, side domain.Side, qty, px float64) domain.Order {
	return domain.Order{
		ID:           id,
		Intent:       domain.TradeIntent{Symbol: "X", Side: side, Quantity: qty},
		State:        domain.OrderFilled,
		Quantity:     qty,
		Filled:       qty,
		AvgFillPrice: px,
	}
}

func TestRSI(t *testing.T) {
	rsi, ok := RSI([]float64{1, 2, 3, 2, 3}, 4)
	require.True(t, ok)
	assert.InDelta(t, 75.0, rsi, 1e-9)

	rsi, ok = RSI([]float64{1, 2, 3}, 2)
	require.True(t, ok)
	assert.Equal(t, 100.0, rsi)

	_, ok = RSI([]float64{1, 2}, 2)
	assert.False(t, ok)
}

func TestGrowthAndAverageVolume(t *testing.T) {
	assert.InDelta(t, 12.0, Growth(100, 112), 1e-9)
	assert.Equal(t, 0.0, Growth(0, 5))

	avg, ok := AverageVolume([]Bar{{Volume: 10}, {Volume: 30}})
	require.True(t, ok)
	assert.Equal(t, 20.0, avg)
	_, ok = AverageVolume(nil)
	assert.False(t, ok)
}

func TestBarAggregator(t *testing.T) {
	a := NewBarAggregator(time.Minute, 2)

	_, closed := a.Add(tick(0, 100))
	assert.False(t, closed)
	_, closed = a.Add(tick(20*time.Second, 103))
	assert.False(t, closed)
	_, closed = a.Add(tick(40*time.Second, 99))
	assert.False(t, closed)

	bar, closed := a.Add(tick(time.Minute, 101))
	require.True(t, closed)
	assert.Equal(t, Bar{Start: t0, Open: 100, High: 103, Low: 99, Close: 99, Volume: 30}, bar)

	a.Add(tick(2*time.Minute, 102))
	a.Add(tick(3*time.Minute, 104))
	bars := a.Bars("X")
	require.Len(t, bars, 2, "only the most recent closed bars are kept")
	assert.Equal(t, t0.Add(time.Minute), bars[0].Start)
	assert.Equal(t, t0.Add(2*time.Minute), bars[1].Start)
}

func TestPriceWindow(t *testing.T) {
	w := NewPriceWindow(time.Minute)
	w.Add("X", 10, t0)
	w.Add("X", 20, t0.Add(30*time.Second))
	mean, std, n := w.Stats("X")
	assert.Equal(t, 15.0, mean)
	assert.Equal(t, 5.0, std)
	assert.Equal(t, 2, n)

	w.Add("X", 30, t0.Add(90*time.Second))
	mean, _, n = w.Stats("X")
	assert.Equal(t, 2, n, "the point at the cutoff is kept")
	assert.Equal(t, 25.0, mean)

	prices := w.Prices("X")
	prices[0] = -1
	assert.Equal(t, []float64{20, 30}, w.Prices("X"))
	assert.Nil(t, w.Prices("Y"))

	mean, std, n = w.Stats("Y")
	assert.Zero(t, mean+std+float64(n))

	w.Add("Z", 7, t0)
	mean, std, n = w.Stats("Z")
	assert.Equal(t, 7.0, mean)
	assert.Zero(t, std)
	assert.Equal(t, 1, n)
}

func newTestMomentum(t *testing.T, extra ...any) *Momentum {
	t.Helper()
	params := map[string]any{
		"lookback":           int64(4),
		"recent":             int64(2),
		"min_growth_pct":     10.0,
		"min_bar_pct":        0.5,
		"transaction_amount": 113.0,
		"stop_loss_pct":      3.0,
	}
	for i := 0; i+1 < len(extra); i += 2 {
		params[extra[i].(string)] = extra[i+1]
	}
	s, err := NewMomentum(Config{Params: params}, discard())
	require.NoError(t, err)
	return s.(*Momentum)
}

// rally feeds four green one-minute bars: 100->101->104->106->112.
func rally(t *testing.T, m *Momentum) {
	t.Helper()
	feedBars(t, m, [][2]float64{{100, 101}, {101, 104}, {104, 106}, {106, 112}})
}

// selloff feeds four red one-minute bars: 100->99->95->92->88.
func selloff(t *testing.T, m *Momentum) {
	t.Helper()
	feedBars(t, m, [][2]float64{{100, 99}, {99, 95}, {95, 92}, {92, 88}})
}

func feedBars(t *testing.T, m *Momentum, legs [][2]float64) {
	t.Helper()
	for i, leg := range legs {
		start := time.Duration(i) * time.Minute
		for j, px := range leg {
			intents, err := m.OnEvent(context.Background(), tick(start+time.Duration(j)*30*time.Second, px))
			require.NoError(t, err)
			assert.Empty(t, intents, "no signal before the lookback window is complete")
		}
	}
}

func TestMomentumEntryAndTrailingStop(t *testing.T) {
	ctx := context.Background()
	m := newTestMomentum(t)
	rally(t, m)

	intents, err := m.OnEvent(ctx, tick(4*time.Minute, 113))
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, domain.SideBuy, intents[0].Side)
	assert.InDelta(t, 1.0, intents[0].Quantity, 1e-9)

	// No second entry while the first is pending.
	intents, err = m.OnEvent(ctx, tick(5*time.Minute, 114))
	require.NoError(t, err)
	assert.Empty(t, intents)

	require.NoError(t, m.OnFill(ctx, filled(1, domain.SideBuy, 1, 113)))
	assert.InDelta(t, 113*0.97, m.held["X"].stop, 1e-9)

	intents, _ = m.OnEvent(ctx, tick(5*time.Minute+10*time.Second, 120))
	assert.Empty(t, intents)
	assert.InDelta(t, 116.4, m.held["X"].stop, 1e-9)

	intents, _ = m.OnEvent(ctx, tick(5*time.Minute+20*time.Second, 118))
	assert.Empty(t, intents)
	assert.InDelta(t, 116.4, m.held["X"].stop, 1e-9, "stop never moves down")

	intents, _ = m.OnEvent(ctx, tick(5*time.Minute+30*time.Second, 116))
	require.Len(t, intents, 1)
	assert.Equal(t, domain.SideSell, intents[0].Side)
	assert.InDelta(t, 1.0, intents[0].Quantity, 1e-9)

	require.NoError(t, m.OnFill(ctx, filled(2, domain.SideSell, 1, 116)))
	assert.Empty(t, m.held)
}

func TestMomentumRejectedEntryRearms(t *testing.T) {
	ctx := context.Background()
	m := newTestMomentum(t)
	rally(t, m)

	intents, _ := m.OnEvent(ctx, tick(4*time.Minute, 113))
	require.Len(t, intents, 1)
	require.NoError(t, m.OnRejection(ctx, intents[0], errors.New("rate limited")))
	assert.Empty(t, m.held)
}

func TestMomentumPartialFills(t *testing.T) {
	ctx := context.Background()
	m := newTestMomentum(t)
	rally(t, m)
	_, _ = m.OnEvent(ctx, tick(4*time.Minute, 113))

	part := filled(1, domain.SideBuy, 1, 113)
	part.Filled = 0.4
	part.State = domain.OrderPartiallyFilled
	require.NoError(t, m.OnFill(ctx, part))
	part.Filled = 1
	part.State = domain.OrderFilled
	require.NoError(t, m.OnFill(ctx, part))

	assert.InDelta(t, 1.0, m.held["X"].qty, 1e-9)
	assert.False(t, m.held["X"].pendingEntry)
}

func TestMomentumNegativeTrendShortsSelloffs(t *testing.T) {
	ctx := context.Background()
	m := newTestMomentum(t, "trend", "negative")

	rally(t, m)
	intents, err := m.OnEvent(ctx, tick(4*time.Minute, 113))
	require.NoError(t, err)
	assert.Empty(t, intents, "a rally is not a negative signal")

	m = newTestMomentum(t, "trend", "Negative")
	selloff(t, m)
	intents, err = m.OnEvent(ctx, tick(4*time.Minute, 87))
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, domain.SideSell, intents[0].Side)
	assert.InDelta(t, 113.0/87, intents[0].Quantity, 1e-9)
	assert.Contains(t, intents[0].Reason, "negative")

	require.NoError(t, m.OnFill(ctx, filled(1, domain.SideSell, 1, 87)))
	assert.InDelta(t, 87*1.03, m.held["X"].stop, 1e-9)

	intents, _ = m.OnEvent(ctx, tick(4*time.Minute+10*time.Second, 80))
	assert.Empty(t, intents)
	assert.InDelta(t, 82.4, m.held["X"].stop, 1e-9)

	intents, _ = m.OnEvent(ctx, tick(4*time.Minute+20*time.Second, 81))
	assert.Empty(t, intents)
	assert.InDelta(t, 82.4, m.held["X"].stop, 1e-9, "a short's stop never moves up")

	intents, _ = m.OnEvent(ctx, tick(4*time.Minute+30*time.Second, 83))
	require.Len(t, intents, 1)
	assert.Equal(t, domain.SideBuy, intents[0].Side)
	assert.InDelta(t, 1.0, intents[0].Quantity, 1e-9)

	require.NoError(t, m.OnFill(ctx, filled(2, domain.SideBuy, 1, 83)))
	assert.Empty(t, m.held)
}

func TestMomentumExcludedWeekdays(t *testing.T) {
	ctx := context.Background()

	// t0 is a Friday.
	m := newTestMomentum(t, "excluded_weekdays", []any{"sat", "Sunday"})
	rally(t, m)
	intents, _ := m.OnEvent(ctx, tick(4*time.Minute, 113))
	assert.Len(t, intents, 1)

	m = newTestMomentum(t, "excluded_weekdays", "fri")
	rally(t, m)
	intents, _ = m.OnEvent(ctx, tick(4*time.Minute, 113))
	assert.Empty(t, intents, "no entries on an excluded day")

	// Stops still run on excluded days.
	require.NoError(t, m.OnFill(ctx, filled(1, domain.SideBuy, 1, 113)))
	intents, _ = m.OnEvent(ctx, tick(5*time.Minute, 100))
	require.Len(t, intents, 1)
	assert.Equal(t, domain.SideSell, intents[0].Side)
}

func TestExcludedSymbols(t *testing.T) {
	r := DefaultRegistry()
	s, err := r.Build(Config{Name: "momentum", Symbols: []string{"X", "Y"}, Params: map[string]any{
		"excluded_symbols": []any{"Y", "Z"},
	}}, discard())
	require.NoError(t, err)
	cfg := s.(*Momentum).cfg
	assert.True(t, cfg.Trades("X"))
	assert.False(t, cfg.Trades("Y"))
	assert.False(t, cfg.Trades("Z"))

	s, err = r.Build(Config{Name: "mean_reversion", Params: map[string]any{"excluded_symbols": "A, B"}}, discard())
	require.NoError(t, err)
	intents, err := s.OnEvent(context.Background(), domain.MarketEvent{Symbol: "A", Time: t0, Price: 1})
	require.NoError(t, err)
	assert.Empty(t, intents)
	assert.Equal(t, []string{"A", "B"}, Config{Params: map[string]any{"k": " A, B ,"}}.Strings("k"))
}

func TestMomentumInvalidParams(t *testing.T) {
	for name, params := range map[string]map[string]any{
		"lookback": {"lookback": int64(1)},
		"recent":   {"lookback": int64(3), "recent": int64(4)},
		"amount":   {"transaction_amount": 0.0},
		"stop":     {"stop_loss_pct": 100.0},
		"trend":    {"trend": "sideways"},
		"weekday":  {"excluded_weekdays": []any{"funday"}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewMomentum(Config{Params: params}, discard())
			assert.Error(t, err)
		})
	}
}

func TestMeanReversionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewMeanReversion(Config{}, discard())
	require.NoError(t, err)
	mr := s.(*MeanReversion)

	for i := 0; i < 9; i++ {
		intents, err := mr.OnEvent(ctx, tick(time.Duration(i)*time.Second, 100))
		require.NoError(t, err)
		assert.Empty(t, intents)
	}

	// mean 99, deviation 3: 90 is three sigma below.
	intents, err := mr.OnEvent(ctx, tick(9*time.Second, 90))
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, domain.SideBuy, intents[0].Side)
	assert.Equal(t, 1.0, intents[0].Quantity)

	intents, _ = mr.OnEvent(ctx, tick(10*time.Second, 89))
	assert.Empty(t, intents, "pending entry suppresses new signals")

	require.NoError(t, mr.OnFill(ctx, filled(1, domain.SideBuy, 1, 90)))

	intents, _ = mr.OnEvent(ctx, tick(11*time.Second, 100))
	require.Len(t, intents, 1)
	assert.Equal(t, domain.SideSell, intents[0].Side)
	assert.Equal(t, 1.0, intents[0].Quantity)

	require.NoError(t, mr.OnFill(ctx, filled(2, domain.SideSell, 1, 100)))
	assert.Empty(t, mr.held)
	assert.Empty(t, mr.pending)
}

func TestMeanReversionIgnoresOtherSymbols(t *testing.T) {
	s, err := NewMeanReversion(Config{Symbols: []string{"Y"}, Params: map[string]any{"min_points": int64(1)}}, discard())
	require.NoError(t, err)
	intents, err := s.OnEvent(context.Background(), tick(0, 1))
	require.NoError(t, err)
	assert.Empty(t, intents)
}
