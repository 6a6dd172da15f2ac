package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// Store implements domain.Persistence for one run of one account.
type Store struct {
	runID     string
	accountID string
	orders    *OrderStore
	snapshots *SnapshotStore
}

var _ domain.Persistence = (*Store)(nil)

// NewStore creates a Store that tags every row with runID and accountID.
func NewStore(pool *pgxpool.Pool, runID, accountID string) *Store {
	return &Store{
		runID:     runID,
		accountID: accountID,
		orders:    NewOrderStore(pool),
		snapshots: NewSnapshotStore(pool),
	}
}

// Orders returns the underlying order store.
func (s *Store) Orders() *OrderStore { return s.orders }

// RecordOrder upserts the order's current state.
func (s *Store) RecordOrder(ctx context.Context, o domain.Order) error {
	return s.orders.Upsert(ctx, s.runID, s.accountID, o)
}

// RecordSnapshot appends a ledger snapshot.
func (s *Store) RecordSnapshot(ctx context.Context, snap domain.AccountSnapshot) error {
	return s.snapshots.Insert(ctx, s.runID, snap)
}

// LoadAccount restores accountID from its newest snapshot in any run.
func (s *Store) LoadAccount(ctx context.Context, accountID string) (domain.Account, error) {
	snap, err := s.snapshots.Latest(ctx, accountID)
	if err != nil {
		return domain.Account{}, fmt.Errorf("postgres: load account: %w", err)
	}
	return snap.Account(), nil
}
