package journal

import (
	"context"
	"errors"
	"fmt"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// Multi fans persistence out to several stores. Writes go to every store
// and their errors are joined; LoadAccount returns the first store that has
// the account.
type Multi []domain.Persistence

var _ domain.Persistence = Multi(nil)

// RecordOrder writes o to every store.
func (m Multi) RecordOrder(ctx context.Context, o domain.Order) error {
	var errs []error
	for _, p := range m {
		if err := p.RecordOrder(ctx, o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecordSnapshot writes snap to every store.
func (m Multi) RecordSnapshot(ctx context.Context, snap domain.AccountSnapshot) error {
	var errs []error
	for _, p := range m {
		if err := p.RecordSnapshot(ctx, snap); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LoadAccount tries each store in order.
func (m Multi) LoadAccount(ctx context.Context, accountID string) (domain.Account, error) {
	for _, p := range m {
		acct, err := p.LoadAccount(ctx, accountID)
		if err == nil {
			return acct, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.Account{}, err
		}
	}
	return domain.Account{}, fmt.Errorf("journal: load %s: %w", accountID, domain.ErrNotFound)
}
