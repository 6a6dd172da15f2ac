package domain

import (
	"context"
	"time"
)

// EventIterator yields historical events in timestamp order.
type EventIterator interface {
	// Next returns the next event. ok is false once the sequence is exhausted.
	Next(ctx context.Context) (ev MarketEvent, ok bool, err error)
	Close() error
}

// HistoricalSource reads stored market data. Reads are restartable: calling
// Read again yields the same sequence.
type HistoricalSource interface {
	Read(ctx context.Context, symbol string, from, to time.Time) (EventIterator, error)
}

// LiveFeed streams market data until ctx is cancelled or the source
// disconnects for good. The returned channel is closed on exit.
type LiveFeed interface {
	Name() string
	Connect(ctx context.Context, symbols []string) (<-chan MarketEvent, error)
}

// ExecutionBackend accepts orders and reports their outcome asynchronously.
type ExecutionBackend interface {
	Submit(ctx context.Context, order Order) error
	Cancel(ctx context.Context, orderID int64) error
	Reports() <-chan ExecutionReport
}

// Matcher is implemented by backends that match orders locally against the
// event stream (the simulated backend). Reports are returned synchronously so
// that replays stay deterministic.
type Matcher interface {
	Match(ev MarketEvent) []ExecutionReport
}

// Persistence receives order and ledger events for durable storage. The engine
// only reads back through LoadAccount at startup.
type Persistence interface {
	RecordOrder(ctx context.Context, order Order) error
	RecordSnapshot(ctx context.Context, snap AccountSnapshot) error
	LoadAccount(ctx context.Context, accountID string) (Account, error)
}

// MetricsSink receives observability events. Implementations must not block.
type MetricsSink interface {
	ObserveEvent(ev MarketEvent)
	ObserveOrder(order Order)
	ObserveSnapshot(snap AccountSnapshot)
	ObserveRejection(rej *RiskRejection)
	ObserveFault(kind string, err error)
	ObserveExecution(latency time.Duration, slippageBps float64)
}

// AuditStore appends structured fault and lifecycle records.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
}

// FaultSink receives recovered, non-fatal faults (StrategyFault,
// ExecutionFault, DataGapFault) for logging, metrics and notification.
type FaultSink interface {
	Fault(ctx context.Context, err error)
}
