package engine

import (
	"context"
	"log/slog"

	"github.com/alanyoungcy/tradecore/internal/domain"
	"github.com/alanyoungcy/tradecore/internal/order"
)

// Recorder persists order updates and post-fill snapshots. Write failures
// are logged and counted and never stop trading.
type Recorder struct {
	store   domain.Persistence
	metrics domain.MetricsSink
	logger  *slog.Logger
}

var _ order.Observer = (*Recorder)(nil)

// NewRecorder creates a Recorder writing to store.
func NewRecorder(store domain.Persistence, metrics domain.MetricsSink, logger *slog.Logger) *Recorder {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Recorder{
		store:   store,
		metrics: metrics,
		logger:  logger.With(slog.String("component", "recorder")),
	}
}

// OrderUpdated records the order.
func (r *Recorder) OrderUpdated(ctx context.Context, o domain.Order) {
	if err := r.store.RecordOrder(ctx, o); err != nil {
		r.logger.WarnContext(ctx, "record order failed",
			slog.Int64("order_id", o.ID),
			slog.String("error", err.Error()),
		)
		r.metrics.ObserveFault("persistence", err)
	}
}

// FillApplied records the post-fill ledger snapshot.
func (r *Recorder) FillApplied(ctx context.Context, _ domain.Order, _ domain.Fill, snap domain.AccountSnapshot) {
	if err := r.store.RecordSnapshot(ctx, snap); err != nil {
		r.logger.WarnContext(ctx, "record snapshot failed",
			slog.Uint64("seq", snap.Seq),
			slog.String("error", err.Error()),
		)
		r.metrics.ObserveFault("persistence", err)
	}
}
