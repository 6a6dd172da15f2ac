package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// Notifier delivers operator notifications filtered by event type.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Fault kinds, also used as notification event types.
const (
	FaultStrategy  = "strategy_fault"
	FaultExecution = "order_rejected"
	FaultDataGap   = "data_gap"
	FaultLedger    = "ledger_violation"
	FaultOther     = "fault"
)

// FaultKind classifies err.
func FaultKind(err error) string {
	var (
		sf *domain.StrategyFault
		ef *domain.ExecutionFault
		dg *domain.DataGapFault
		lv *domain.LedgerInvariantViolation
	)
	switch {
	case errors.As(err, &lv):
		return FaultLedger
	case errors.As(err, &sf):
		return FaultStrategy
	case errors.As(err, &ef):
		return FaultExecution
	case errors.As(err, &dg):
		return FaultDataGap
	}
	return FaultOther
}

// FaultRouter implements domain.FaultSink. Every fault is logged and
// counted; audit records and notifications are optional. Notifications are
// sent in the background so a slow webhook never stalls the event loop.
type FaultRouter struct {
	metrics  domain.MetricsSink
	audit    domain.AuditStore
	notifier Notifier
	logger   *slog.Logger
	wg       sync.WaitGroup
}

var _ domain.FaultSink = (*FaultRouter)(nil)

// NewFaultRouter creates a FaultRouter. Any dependency may be nil.
func NewFaultRouter(metrics domain.MetricsSink, audit domain.AuditStore, notifier Notifier, logger *slog.Logger) *FaultRouter {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &FaultRouter{
		metrics:  metrics,
		audit:    audit,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "faults")),
	}
}

// Fault records err.
func (f *FaultRouter) Fault(ctx context.Context, err error) {
	if err == nil {
		return
	}
	kind := FaultKind(err)
	if kind == FaultDataGap {
		f.logger.WarnContext(ctx, "data gap", slog.String("error", err.Error()))
	} else {
		f.logger.ErrorContext(ctx, "fault", slog.String("kind", kind), slog.String("error", err.Error()))
	}
	f.metrics.ObserveFault(kind, err)

	if f.audit != nil {
		if aerr := f.audit.Log(ctx, kind, map[string]any{"error": err.Error()}); aerr != nil {
			f.logger.WarnContext(ctx, "audit write failed", slog.String("error", aerr.Error()))
		}
	}
	if f.notifier != nil {
		f.Notify(ctx, kind, "tradecore: "+kind, err.Error())
	}
}

// Notify sends a notification in the background.
func (f *FaultRouter) Notify(ctx context.Context, event, title, message string) {
	if f.notifier == nil {
		return
	}
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		if err := f.notifier.Notify(nctx, event, title, message); err != nil {
			f.logger.Warn("notification failed", slog.String("event", event), slog.String("error", err.Error()))
		}
	}()
}

// Wait blocks until pending notifications are sent.
func (f *FaultRouter) Wait() {
	f.wg.Wait()
}
