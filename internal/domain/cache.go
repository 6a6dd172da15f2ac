package domain

import (
	"context"
	"time"
)

// PriceCache holds the latest mark per symbol, shared across processes.
// GetPrices omits symbols that have no mark.
type PriceCache interface {
	SetPrices(ctx context.Context, marks map[string]MarketEvent) error
	GetPrices(ctx context.Context, symbols []string) (map[string]float64, error)
}

// LockManager hands out leases that stay held while renewed. lost closes
// when the lease expires or is taken over; the holder must stop then.
// A lease already held elsewhere is ErrLockHeld.
type LockManager interface {
	Hold(ctx context.Context, key string, ttl time.Duration) (unlock func(), lost <-chan struct{}, err error)
}

// SignalBus carries price ticks in over pub/sub and account events out over
// pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
}
