package postgres

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"slices"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

func TestConnString(t *testing.T) {
	assert.Equal(t, "postgres://u:p%40ss@db:5432/trades?sslmode=disable",
		ClientConfig{Host: "db", User: "u", Password: "p@ss", Database: "trades"}.ConnString())
	assert.Equal(t, "postgres://x", ClientConfig{DSN: " postgres://x ", Host: "ignored"}.ConnString())
	assert.Equal(t, "postgres://u:p@db:6543/trades?sslmode=require",
		ClientConfig{Host: "db", Port: 6543, User: "u", Password: "p", Database: "trades", SSLMode: "require"}.ConnString())
}

func TestPoolConfig(t *testing.T) {
	pc, err := ClientConfig{Host: "db", User: "u", Password: "p", Database: "trades", MaxConns: 4, MinConns: 9}.poolConfig(slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	assert.Equal(t, int32(4), pc.MaxConns)
	assert.Equal(t, int32(4), pc.MinConns, "min is capped at max")
	assert.Equal(t, "tradecore", pc.ConnConfig.RuntimeParams["application_name"])
	assert.NotNil(t, pc.ConnConfig.Tracer)
}

func TestNotFound(t *testing.T) {
	err := fmt.Errorf("postgres: get: %w", notFound(pgx.ErrNoRows))
	assert.ErrorIs(t, err, domain.ErrNotFound)

	other := errors.New("boom")
	assert.Equal(t, other, notFound(other))
}

func TestMigrationsAreEmbedded(t *testing.T) {
	names, err := migrations()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.True(t, slices.IsSorted(names))

	data, err := fs.ReadFile(migrationsFS, "migrations/"+names[0])
	require.NoError(t, err)
	for _, table := range []string{"orders", "account_snapshots", "audit_log"} {
		assert.Contains(t, string(data), "CREATE TABLE IF NOT EXISTS "+table)
	}
}

func TestPendingMigrations(t *testing.T) {
	names := []string{"001_init.sql", "002_more.sql", "003_last.sql"}
	assert.Equal(t, names, pending(names, nil))
	assert.Equal(t, []string{"002_more.sql"}, pending(names, map[string]bool{"001_init.sql": true, "003_last.sql": true}))
	assert.Empty(t, pending(names, map[string]bool{"001_init.sql": true, "002_more.sql": true, "003_last.sql": true}))
}

func TestUpsertKeepsTerminalRows(t *testing.T) {
	for _, st := range []domain.OrderState{domain.OrderFilled, domain.OrderCancelled, domain.OrderRejected} {
		require.True(t, st.Terminal())
		assert.Contains(t, upsertOrder, "'"+string(st)+"'")
	}
	assert.Contains(t, upsertOrder, "WHERE orders.state NOT IN")
}

// rowFunc adapts a function to the Scan interface used by scanOrder.
type rowFunc func(dest ...any) error

func (f rowFunc) Scan(dest ...any) error { return f(dest...) }

func TestScanOrder(t *testing.T) {
	submitted := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	terminal := submitted.Add(time.Minute)
	want := domain.Order{
		ID: 7,
		Intent: domain.TradeIntent{
			ID: "i-7", StrategyID: "momentum", Symbol: "AAPL", Side: domain.SideSell,
			Quantity: 3, Kind: domain.IntentLimit, LimitPrice: 101.5,
		},
		State:        domain.OrderCancelled,
		Quantity:     3,
		Filled:       1,
		AvgFillPrice: 101.5,
		Fees:         0.2,
		SubmittedAt:  submitted,
		TerminalAt:   &terminal,
		Reason:       "expired",
	}

	// Feed the values back in column order, as Upsert would store them.
	args := orderArgs("run", "acct", want)
	values := []any{
		args[1], args[3], args[4],
		args[5], args[6], args[7], args[8], args[9],
		args[10], args[11], args[12], args[13], args[14],
		args[15], args[16], args[17], args[18],
	}
	row := rowFunc(func(dest ...any) error {
		require.Len(t, dest, len(values))
		for i, v := range values {
			switch d := dest[i].(type) {
			case *int64:
				*d = v.(int64)
			case *string:
				*d = v.(string)
			case *float64:
				*d = v.(float64)
			case *time.Time:
				*d = v.(time.Time)
			case **time.Time:
				*d = v.(*time.Time)
			default:
				return fmt.Errorf("unexpected destination %T", d)
			}
		}
		return nil
	})

	got, err := scanOrder(row)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = scanOrder(rowFunc(func(...any) error { return pgx.ErrNoRows }))
	assert.ErrorIs(t, notFound(err), domain.ErrNotFound)
}

func TestPositionsJSON(t *testing.T) {
	data, err := marshalPositions(nil)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(data))

	in := []domain.Position{{Symbol: "A", Quantity: -2, AvgEntryPrice: 10, MarkPrice: 9}}
	data, err = marshalPositions(in)
	require.NoError(t, err)
	out, err := unmarshalPositions(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	out, err = unmarshalPositions(nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}
