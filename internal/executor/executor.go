package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/tradecore/internal/domain"
	"github.com/alanyoungcy/tradecore/internal/order"
	"github.com/alanyoungcy/tradecore/internal/risk"
)

// RejectionHandler is told about intents the risk manager refused, so the
// originating strategy can react. It is typically the strategy runtime.
type RejectionHandler interface {
	IntentRejected(ctx context.Context, intent domain.TradeIntent, err error)
}

// Executor turns trade intents into orders: it drops duplicates, evaluates
// each intent against the risk manager using the current ledger snapshot
// and the orders still open, and submits approved quantities to the order
// manager.
//
// Backtests call Process directly per intent, in dispatch order. Live mode
// enqueues through Enqueue and a single Run goroutine consumes the queue.
type Executor struct {
	intents chan domain.TradeIntent
	risk    *risk.Manager
	orders  *order.Manager
	dedup   *Dedup
	logger  *slog.Logger

	rejections RejectionHandler
	metrics    domain.MetricsSink
	audit      domain.AuditStore

	cleanupInterval time.Duration
	drainTimeout    time.Duration

	mu     sync.Mutex
	latest time.Time // newest intent event time, the dedup clock

	// held from the risk read until the order is registered, so the next
	// evaluation sees it open
	admit sync.Mutex
}

// NewExecutor creates an Executor. buffer sizes the live intent queue.
func NewExecutor(rm *risk.Manager, om *order.Manager, buffer int, logger *slog.Logger) *Executor {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Executor{
		intents:         make(chan domain.TradeIntent, buffer),
		risk:            rm,
		orders:          om,
		dedup:           NewDedup(2 * time.Minute),
		logger:          logger.With(slog.String("component", "executor")),
		cleanupInterval: 30 * time.Second,
		drainTimeout:    5 * time.Second,
	}
}

// SetRejectionHandler routes risk rejections back to their strategy.
func (e *Executor) SetRejectionHandler(h RejectionHandler) {
	e.rejections = h
}

// SetMetrics sets the metrics sink for rejections.
func (e *Executor) SetMetrics(m domain.MetricsSink) {
	e.metrics = m
}

// SetAudit records every risk rejection in a.
func (e *Executor) SetAudit(a domain.AuditStore) {
	e.audit = a
}

// SetDedupTTL replaces the dedup instance with a new one using the given TTL.
func (e *Executor) SetDedupTTL(ttl time.Duration) {
	e.dedup = NewDedup(ttl)
}

// SetCleanupInterval changes how often the dedup map is garbage-collected.
// Must be called before Run.
func (e *Executor) SetCleanupInterval(d time.Duration) {
	e.cleanupInterval = d
}

// SetDrainTimeout bounds how long Run spends on queued intents at shutdown.
func (e *Executor) SetDrainTimeout(d time.Duration) {
	if d > 0 {
		e.drainTimeout = d
	}
}

// Enqueue hands intent to the Run loop. It blocks while the queue is full.
func (e *Executor) Enqueue(ctx context.Context, intent domain.TradeIntent) error {
	select {
	case e.intents <- intent:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued intents.
func (e *Executor) Pending() int {
	return len(e.intents)
}

// Run consumes queued intents until ctx is cancelled, then processes what is
// still queued within the drain budget. A fatal error stops the loop.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info("executor started")
	defer e.logger.Info("executor stopped")

	cleanupTicker := time.NewTicker(e.cleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := e.drain(); err != nil {
				return err
			}
			return ctx.Err()

		case in := <-e.intents:
			if _, err := e.Process(ctx, in); domain.IsFatal(err) {
				return err
			}

		case <-cleanupTicker.C:
			e.dedup.Cleanup(e.clock())
		}
	}
}

// drain processes intents already queued after cancellation. It uses a
// fresh, bounded context so shutdown cannot hang on the backend.
func (e *Executor) drain() error {
	ctx, cancel := context.WithTimeout(context.Background(), e.drainTimeout)
	defer cancel()
	for {
		select {
		case in := <-e.intents:
			e.logger.Warn("draining intent after shutdown", slog.String("intent_id", in.ID))
			if _, err := e.Process(ctx, in); domain.IsFatal(err) {
				return err
			}
		case <-ctx.Done():
			if n := len(e.intents); n > 0 {
				e.logger.Warn("drain budget exhausted", slog.Int("dropped", n))
			}
			return nil
		default:
			return nil
		}
	}
}

// Process runs one intent through dedup, risk and submission. It returns the
// submitted order, or the error that stopped the intent: ErrDuplicateIntent,
// a *domain.RiskRejection, or whatever the order manager returned.
func (e *Executor) Process(ctx context.Context, intent domain.TradeIntent) (domain.Order, error) {
	log := e.logger.With(
		slog.String("intent_id", intent.ID),
		slog.String("strategy", intent.StrategyID),
		slog.String("symbol", intent.Symbol),
		slog.String("side", string(intent.Side)),
	)
	e.observe(intent.EventTime)

	// 1. Deduplication.
	if intent.ID != "" && e.dedup.IsDuplicate(intent.ID, intent.EventTime) {
		log.Debug("intent deduplicated, skipping")
		return domain.Order{}, fmt.Errorf("executor: %s: %w", intent.ID, domain.ErrDuplicateIntent)
	}

	e.admit.Lock()
	defer e.admit.Unlock()

	// 2. Risk, against the ledger and every order still working.
	snap, open := e.orders.Book()
	dec := e.risk.EvaluateBook(ctx, intent, snap, open)
	if !dec.Approved {
		err := dec.Rejection()
		log.WarnContext(ctx, "intent rejected by risk",
			slog.String("rule", string(dec.Rule)),
			slog.String("reason", dec.Reason),
			slog.Bool("retryable", dec.Retryable),
		)
		var rej *domain.RiskRejection
		if e.metrics != nil && errors.As(err, &rej) {
			e.metrics.ObserveRejection(rej)
		}
		if e.audit != nil {
			if aerr := e.audit.Log(ctx, "risk_rejection", map[string]any{
				"intent_id": intent.ID,
				"strategy":  intent.StrategyID,
				"symbol":    intent.Symbol,
				"rule":      string(dec.Rule),
				"reason":    dec.Reason,
			}); aerr != nil {
				log.Warn("audit write failed", slog.String("error", aerr.Error()))
			}
		}
		if e.rejections != nil {
			e.rejections.IntentRejected(ctx, intent, err)
		}
		return domain.Order{}, err
	}
	if dec.Reduced {
		log.InfoContext(ctx, "intent reduced by risk",
			slog.String("rule", string(dec.Rule)),
			slog.Float64("requested", intent.Quantity),
			slog.Float64("approved", dec.Quantity),
		)
	}

	// 3. Submit.
	o, err := e.orders.Submit(ctx, intent, dec.Quantity)
	if err != nil {
		log.ErrorContext(ctx, "order submission failed", slog.String("error", err.Error()))
		return o, err
	}
	log.Info("order submitted",
		slog.Int64("order_id", o.ID),
		slog.Float64("quantity", o.Quantity),
	)
	return o, nil
}

func (e *Executor) observe(t time.Time) {
	e.mu.Lock()
	if t.After(e.latest) {
		e.latest = t
	}
	e.mu.Unlock()
}

func (e *Executor) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latest
}

var _ fmt.Stringer = (*Executor)(nil)

// String returns a human-readable description of the executor.
func (e *Executor) String() string {
	return fmt.Sprintf("Executor(queue=%d/%d)", len(e.intents), cap(e.intents))
}
