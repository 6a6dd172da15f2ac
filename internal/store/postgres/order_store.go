package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// OrderStore keeps the latest state of every order, keyed by run and order
// ID. Order IDs restart at 1 in every run.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// upsertOrder never moves a stored terminal row back to an open state.
const upsertOrder = `
	INSERT INTO orders (
		run_id, order_id, account_id, intent_id, strategy_id,
		symbol, side, kind, limit_price, quantity,
		filled, avg_fill_price, fees, state, reason,
		submitted_at, first_fill_at, terminal_at, expires_at, updated_at
	) VALUES (
		$1, $2, $3, $4, $5,
		$6, $7, $8, $9, $10,
		$11, $12, $13, $14, $15,
		$16, $17, $18, $19, NOW()
	)
	ON CONFLICT (run_id, order_id) DO UPDATE SET
		filled = EXCLUDED.filled,
		avg_fill_price = EXCLUDED.avg_fill_price,
		fees = EXCLUDED.fees,
		state = EXCLUDED.state,
		reason = EXCLUDED.reason,
		first_fill_at = EXCLUDED.first_fill_at,
		terminal_at = EXCLUDED.terminal_at,
		updated_at = NOW()
	WHERE orders.state NOT IN ('filled', 'cancelled', 'rejected')`

// Upsert inserts o or overwrites the stored row with its current state. A
// row that is already terminal is left as it is.
func (s *OrderStore) Upsert(ctx context.Context, runID, accountID string, o domain.Order) error {
	_, err := s.pool.Exec(ctx, upsertOrder, orderArgs(runID, accountID, o)...)
	if err != nil {
		return fmt.Errorf("postgres: upsert order %s/%d: %w", runID, o.ID, err)
	}
	return nil
}

func orderArgs(runID, accountID string, o domain.Order) []any {
	return []any{
		runID, o.ID, accountID, o.Intent.ID, o.Intent.StrategyID,
		o.Symbol(), string(o.Side()), string(o.Intent.Kind), o.Intent.LimitPrice, o.Quantity,
		o.Filled, o.AvgFillPrice, o.Fees, string(o.State), o.Reason,
		o.SubmittedAt, o.FirstFillAt, o.TerminalAt, o.ExpiresAt,
	}
}

const orderSelectCols = `order_id, intent_id, strategy_id,
	symbol, side, kind, limit_price, quantity,
	filled, avg_fill_price, fees, state, reason,
	submitted_at, first_fill_at, terminal_at, expires_at`

func scanOrder(scanner interface{ Scan(dest ...any) error }) (domain.Order, error) {
	var o domain.Order
	var side, kind, state string
	err := scanner.Scan(
		&o.ID, &o.Intent.ID, &o.Intent.StrategyID,
		&o.Intent.Symbol, &side, &kind, &o.Intent.LimitPrice, &o.Quantity,
		&o.Filled, &o.AvgFillPrice, &o.Fees, &state, &o.Reason,
		&o.SubmittedAt, &o.FirstFillAt, &o.TerminalAt, &o.ExpiresAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	o.Intent.Side = domain.Side(side)
	o.Intent.Kind = domain.IntentKind(kind)
	o.Intent.Quantity = o.Quantity
	o.State = domain.OrderState(state)
	return o, nil
}

// ListOpen returns the non-terminal orders of an account across runs, oldest
// first.
func (s *OrderStore) ListOpen(ctx context.Context, accountID string) ([]domain.Order, error) {
	query := `SELECT ` + orderSelectCols + ` FROM orders
		WHERE account_id = $1 AND state NOT IN ('filled', 'cancelled', 'rejected')
		ORDER BY submitted_at, order_id`
	rows, err := s.pool.Query(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list open orders rows: %w", err)
	}
	return orders, nil
}
