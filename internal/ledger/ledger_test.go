package ledger

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func order(id int64, sym string, side domain.Side, qty float64) domain.Order {
	return domain.Order{
		ID:       id,
		Intent:   domain.TradeIntent{Symbol: sym, Side: side, Quantity: qty},
		State:    domain.OrderSubmitted,
		Quantity: qty,
	}
}

func fill(o domain.Order, qty, price float64) domain.Fill {
	return domain.Fill{OrderID: o.ID, Symbol: o.Symbol(), Side: o.Side(), Quantity: qty, Price: price, Time: t0}
}

func TestApplyFillOpensPosition(t *testing.T) {
	l := New(domain.Account{ID: "acct", Cash: 10000})
	o := order(1, "X", domain.SideBuy, 100)

	snap, err := l.ApplyFill(o, fill(o, 100, 10))
	require.NoError(t, err)

	pos, ok := snap.Position("X")
	require.True(t, ok)
	assert.InDelta(t, 100, pos.Quantity, 1e-9)
	assert.InDelta(t, 10, pos.AvgEntryPrice, 1e-9)
	assert.InDelta(t, 9000, snap.Cash, 1e-9)
	assert.InDelta(t, 10000, snap.Equity, 1e-9)
	assert.InDelta(t, 1000, snap.Exposure, 1e-9)
	assert.Equal(t, uint64(1), snap.Seq)
}

func TestApplyFillVWAPAndRealizedPnL(t *testing.T) {
	l := New(domain.Account{ID: "acct", Cash: 10000})

	b1 := order(1, "X", domain.SideBuy, 10)
	_, err := l.ApplyFill(b1, fill(b1, 10, 10))
	require.NoError(t, err)
	b2 := order(2, "X", domain.SideBuy, 30)
	snap, err := l.ApplyFill(b2, fill(b2, 30, 14))
	require.NoError(t, err)

	pos, _ := snap.Position("X")
	assert.InDelta(t, 40, pos.Quantity, 1e-9)
	assert.InDelta(t, 13, pos.AvgEntryPrice, 1e-9)

	s1 := order(3, "X", domain.SideSell, 15)
	snap, err = l.ApplyFill(s1, fill(s1, 15, 15))
	require.NoError(t, err)
	pos, _ = snap.Position("X")
	assert.InDelta(t, 25, pos.Quantity, 1e-9)
	assert.InDelta(t, 13, pos.AvgEntryPrice, 1e-9, "reductions keep the entry price")
	assert.InDelta(t, 30, snap.RealizedPnL, 1e-9)
}

func TestApplyFillCloseRemovesPosition(t *testing.T) {
	l := New(domain.Account{ID: "acct", Cash: 1000})
	b := order(1, "X", domain.SideBuy, 10)
	_, err := l.ApplyFill(b, fill(b, 10, 10))
	require.NoError(t, err)

	s := order(2, "X", domain.SideSell, 10)
	snap, err := l.ApplyFill(s, fill(s, 10, 12))
	require.NoError(t, err)

	_, ok := snap.Position("X")
	assert.False(t, ok)
	assert.Empty(t, snap.Positions)
	assert.InDelta(t, 1020, snap.Cash, 1e-9)
	assert.InDelta(t, 20, snap.RealizedPnL, 1e-9)
	assert.InDelta(t, snap.Cash, snap.Equity, 1e-9)
}

func TestApplyFillCrossesZero(t *testing.T) {
	l := New(domain.Account{ID: "acct", Cash: 1000})
	b := order(1, "X", domain.SideBuy, 10)
	_, err := l.ApplyFill(b, fill(b, 10, 10))
	require.NoError(t, err)

	s := order(2, "X", domain.SideSell, 25)
	snap, err := l.ApplyFill(s, fill(s, 25, 8))
	require.NoError(t, err)

	pos, ok := snap.Position("X")
	require.True(t, ok)
	assert.InDelta(t, -15, pos.Quantity, 1e-9)
	assert.InDelta(t, 8, pos.AvgEntryPrice, 1e-9, "remainder opens at the fill price")
	assert.InDelta(t, -20, snap.RealizedPnL, 1e-9)
}

func TestApplyFillShortPnL(t *testing.T) {
	l := New(domain.Account{ID: "acct", Cash: 1000})
	s := order(1, "X", domain.SideSell, 10)
	_, err := l.ApplyFill(s, fill(s, 10, 20))
	require.NoError(t, err)

	l.Mark("X", 18, t0.Add(time.Minute))
	snap := l.Snapshot()
	pos, _ := snap.Position("X")
	assert.InDelta(t, 20, pos.UnrealizedPnL, 1e-9)

	b := order(2, "X", domain.SideBuy, 10)
	snap, err = l.ApplyFill(b, fill(b, 10, 18))
	require.NoError(t, err)
	assert.InDelta(t, 20, snap.RealizedPnL, 1e-9)
	assert.InDelta(t, 1020, snap.Cash, 1e-9)
}

func TestApplyFillChargesFee(t *testing.T) {
	l := New(domain.Account{ID: "acct", Cash: 1000})
	b := order(1, "X", domain.SideBuy, 10)
	f := fill(b, 10, 10)
	f.Fee = 0.5
	snap, err := l.ApplyFill(b, f)
	require.NoError(t, err)
	assert.InDelta(t, 899.5, snap.Cash, 1e-9)
	assert.InDelta(t, -0.5, snap.RealizedPnL, 1e-9)
}

func TestApplyFillRejectsOverfill(t *testing.T) {
	l := New(domain.Account{ID: "acct", Cash: 1000})
	o := order(1, "X", domain.SideBuy, 10)
	o.Filled = 6
	o.State = domain.OrderPartiallyFilled

	_, err := l.ApplyFill(o, fill(o, 5, 10))
	require.Error(t, err)
	assert.True(t, domain.IsFatal(err))

	snap := l.Snapshot()
	assert.Empty(t, snap.Positions, "rejected fill must not mutate the ledger")
	assert.InDelta(t, 1000, snap.Cash, 1e-9)
}

func TestApplyFillRejectsMismatches(t *testing.T) {
	l := New(domain.Account{ID: "acct", Cash: 1000})
	o := order(1, "X", domain.SideBuy, 10)

	tests := []struct {
		name string
		fill domain.Fill
	}{
		{"wrong order", domain.Fill{OrderID: 2, Symbol: "X", Side: domain.SideBuy, Quantity: 1, Price: 1}},
		{"wrong symbol", domain.Fill{OrderID: 1, Symbol: "Y", Side: domain.SideBuy, Quantity: 1, Price: 1}},
		{"wrong side", domain.Fill{OrderID: 1, Symbol: "X", Side: domain.SideSell, Quantity: 1, Price: 1}},
		{"zero quantity", domain.Fill{OrderID: 1, Symbol: "X", Side: domain.SideBuy, Quantity: 0, Price: 1}},
		{"zero price", domain.Fill{OrderID: 1, Symbol: "X", Side: domain.SideBuy, Quantity: 1, Price: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.ApplyFill(o, tt.fill)
			var v *domain.LedgerInvariantViolation
			assert.ErrorAs(t, err, &v)
		})
	}
}

func TestMarkUpdatesUnrealized(t *testing.T) {
	l := New(domain.Account{ID: "acct", Cash: 10000})
	o := order(1, "X", domain.SideBuy, 50)
	_, err := l.ApplyFill(o, fill(o, 50, 100))
	require.NoError(t, err)

	l.Mark("X", 94, t0.Add(time.Minute))
	l.Mark("UNHELD", 5, t0.Add(time.Minute))

	snap := l.Snapshot()
	pos, _ := snap.Position("X")
	assert.InDelta(t, -300, pos.UnrealizedPnL, 1e-9)
	assert.InDelta(t, -0.06, pos.UnrealizedPct(), 1e-9)
	assert.Len(t, snap.Positions, 1)
	assert.Equal(t, t0.Add(time.Minute), snap.Time)
}

func TestNewSeedsPositions(t *testing.T) {
	l := New(domain.Account{
		ID:   "acct",
		Cash: 500,
		Positions: map[string]domain.Position{
			"X": {Symbol: "X", Quantity: 5, AvgEntryPrice: 10},
			"Z": {Symbol: "Z"},
		},
	})
	snap := l.Snapshot()
	require.Len(t, snap.Positions, 1)
	assert.InDelta(t, 550, snap.Equity, 1e-9)
}

// Position quantity always equals the net of signed fills since the last
// zero crossing.
func TestPositionEqualsNetFills(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	l := New(domain.Account{ID: "acct", Cash: 1e9})

	var net float64
	for i := int64(1); i <= 500; i++ {
		side := domain.SideBuy
		if rng.Intn(2) == 0 {
			side = domain.SideSell
		}
		qty := float64(1 + rng.Intn(20))
		price := 50 + rng.Float64()*10
		o := order(i, "X", side, qty)
		snap, err := l.ApplyFill(o, fill(o, qty, price))
		require.NoError(t, err)

		net += side.Sign() * qty
		pos, ok := snap.Position("X")
		if net == 0 {
			assert.False(t, ok, "flat position must be removed (fill %d)", i)
			continue
		}
		require.True(t, ok)
		assert.InDelta(t, net, pos.Quantity, 1e-6, "fill %d", i)
	}
}
