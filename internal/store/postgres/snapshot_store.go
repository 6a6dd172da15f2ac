package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// SnapshotStore appends ledger snapshots. The newest snapshot of an account
// is its restart point.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

// NewSnapshotStore creates a new SnapshotStore backed by the given pool.
func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

// Insert appends snap. Positions are stored as JSONB.
func (s *SnapshotStore) Insert(ctx context.Context, runID string, snap domain.AccountSnapshot) error {
	positions, err := marshalPositions(snap.Positions)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO account_snapshots (
			run_id, account_id, seq, at, cash, equity, exposure,
			realized_pnl, unrealized_pnl, positions
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = s.pool.Exec(ctx, query,
		runID, snap.AccountID, int64(snap.Seq), snap.Time,
		snap.Cash, snap.Equity, snap.Exposure,
		snap.RealizedPnL, snap.UnrealizedPnL, positions,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert snapshot %s/%d: %w", snap.AccountID, snap.Seq, err)
	}
	return nil
}

// Latest returns the most recently inserted snapshot for accountID, or
// domain.ErrNotFound.
func (s *SnapshotStore) Latest(ctx context.Context, accountID string) (domain.AccountSnapshot, error) {
	const query = `
		SELECT account_id, seq, at, cash, equity, exposure,
			realized_pnl, unrealized_pnl, positions
		FROM account_snapshots
		WHERE account_id = $1
		ORDER BY id DESC
		LIMIT 1`

	var snap domain.AccountSnapshot
	var seq int64
	var positions []byte
	err := s.pool.QueryRow(ctx, query, accountID).Scan(
		&snap.AccountID, &seq, &snap.Time, &snap.Cash, &snap.Equity, &snap.Exposure,
		&snap.RealizedPnL, &snap.UnrealizedPnL, &positions,
	)
	if err != nil {
		return domain.AccountSnapshot{}, fmt.Errorf("postgres: latest snapshot %s: %w", accountID, notFound(err))
	}
	snap.Seq = uint64(seq)
	if snap.Positions, err = unmarshalPositions(positions); err != nil {
		return domain.AccountSnapshot{}, err
	}
	return snap, nil
}

func marshalPositions(ps []domain.Position) ([]byte, error) {
	if ps == nil {
		ps = []domain.Position{}
	}
	data, err := json.Marshal(ps)
	if err != nil {
		return nil, fmt.Errorf("postgres: marshal positions: %w", err)
	}
	return data, nil
}

func unmarshalPositions(data []byte) ([]domain.Position, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var ps []domain.Position
	if err := json.Unmarshal(data, &ps); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal positions: %w", err)
	}
	return ps, nil
}
