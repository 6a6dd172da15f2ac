package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// Event is the envelope written to the account stream.
type Event struct {
	Type  string          `json:"type"` // "order" or "snapshot"
	RunID string          `json:"run_id"`
	At    time.Time       `json:"at"`
	Data  json.RawMessage `json:"data"`
}

// EventPublisher implements domain.Persistence on Redis: every order update
// and ledger snapshot is appended to the account's stream for downstream
// consumers, order updates are also published on the account's order
// channel for dashboards, and the newest snapshot is kept under a plain key
// so a restarting engine can resume from it.
type EventPublisher struct {
	bus       domain.SignalBus
	rdb       *redis.Client
	keys      func(string) string
	runID     string
	accountID string
	now       func() time.Time
}

var _ domain.Persistence = (*EventPublisher)(nil)

// NewEventPublisher creates an EventPublisher for one run of accountID.
func NewEventPublisher(c *Client, bus domain.SignalBus, runID, accountID string) *EventPublisher {
	return &EventPublisher{
		bus:       bus,
		rdb:       c.Underlying(),
		keys:      c.Key,
		runID:     runID,
		accountID: accountID,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// AccountStream names the stream carrying an account's events.
func AccountStream(accountID string) string {
	return "events:" + accountID
}

// OrderChannel names the pub/sub channel carrying an account's order updates.
func OrderChannel(accountID string) string {
	return "orders:" + accountID
}

func snapshotKey(accountID string) string {
	return "snapshot:" + accountID
}

func (p *EventPublisher) envelope(kind string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("redis: marshal %s: %w", kind, err)
	}
	return json.Marshal(Event{Type: kind, RunID: p.runID, At: p.now(), Data: data})
}

// RecordOrder appends the order's current state to the account stream and
// publishes it on the order channel.
func (p *EventPublisher) RecordOrder(ctx context.Context, o domain.Order) error {
	payload, err := p.envelope("order", o)
	if err != nil {
		return err
	}
	if err := p.bus.StreamAppend(ctx, AccountStream(p.accountID), payload); err != nil {
		return err
	}
	return p.bus.Publish(ctx, OrderChannel(p.accountID), payload)
}

// RecordSnapshot appends snap to its account stream and stores it as the
// account's restart point.
func (p *EventPublisher) RecordSnapshot(ctx context.Context, snap domain.AccountSnapshot) error {
	payload, err := p.envelope("snapshot", snap)
	if err != nil {
		return err
	}
	if err := p.bus.StreamAppend(ctx, AccountStream(snap.AccountID), payload); err != nil {
		return err
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis: marshal snapshot: %w", err)
	}
	if err := p.rdb.Set(ctx, p.keys(snapshotKey(snap.AccountID)), raw, 0).Err(); err != nil {
		return fmt.Errorf("redis: store snapshot %s: %w", snap.AccountID, err)
	}
	return nil
}

// LoadAccount restores accountID from its stored snapshot.
func (p *EventPublisher) LoadAccount(ctx context.Context, accountID string) (domain.Account, error) {
	raw, err := p.rdb.Get(ctx, p.keys(snapshotKey(accountID))).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Account{}, fmt.Errorf("redis: load account %s: %w", accountID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("redis: load account %s: %w", accountID, err)
	}
	var snap domain.AccountSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return domain.Account{}, fmt.Errorf("redis: decode snapshot %s: %w", accountID, err)
	}
	return snap.Account(), nil
}
