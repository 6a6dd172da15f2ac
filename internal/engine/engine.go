// Package engine runs the event loop that ties the bus, strategies, risk,
// orders and the ledger together.
//
// Every event is processed in lockstep: the ledger is marked, resting orders
// are expired and matched, strategies are dispatched, and their intents are
// executed. In backtests execution is synchronous so a replay is fully
// deterministic; in live mode intents are queued to the executor's Run loop
// and backend reports arrive on the order manager's Run loop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/tradecore/internal/bus"
	"github.com/alanyoungcy/tradecore/internal/domain"
	"github.com/alanyoungcy/tradecore/internal/executor"
	"github.com/alanyoungcy/tradecore/internal/ledger"
	"github.com/alanyoungcy/tradecore/internal/order"
	"github.com/alanyoungcy/tradecore/internal/performance"
	"github.com/alanyoungcy/tradecore/internal/strategy"
)

// Config controls the run loop.
type Config struct {
	Live              bool
	DeliverOutOfOrder bool          // pass OutOfOrder events to strategies
	DrainTimeout      time.Duration // order drain budget at shutdown
}

// Tap sees every event the bus emits, delivered or not. It must not block.
type Tap interface {
	Tap(ev domain.MarketEvent)
}

// Parts are the components the engine drives. Ledger is taken from Orders.
type Parts struct {
	Orders   *order.Manager
	Runtime  *strategy.Runtime
	Executor *executor.Executor
	Tracker  *performance.Tracker
	Metrics  domain.MetricsSink
	Taps     []Tap
}

// Status is a point-in-time view of a running engine.
type Status struct {
	Live       bool                    `json:"live"`
	Events     int64                   `json:"events"`
	Dropped    int64                   `json:"dropped"`
	LastEvent  time.Time               `json:"last_event"`
	OpenOrders int                     `json:"open_orders"`
	Snapshot   domain.AccountSnapshot  `json:"snapshot"`
	Strategies []strategy.StrategyInfo `json:"strategies"`
	Stats      performance.Stats       `json:"stats"`
}

// Engine owns one run. It is not reusable.
type Engine struct {
	cfg     Config
	ledger  *ledger.Ledger
	orders  *order.Manager
	runtime *strategy.Runtime
	exec    *executor.Executor
	tracker *performance.Tracker
	metrics domain.MetricsSink
	taps    []Tap
	logger  *slog.Logger

	startEquity float64

	mu      sync.Mutex
	now     time.Time
	events  int64
	dropped int64
}

// New creates an Engine. In backtests the order manager's clock is driven
// by event time.
func New(cfg Config, p Parts, logger *slog.Logger) *Engine {
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	e := &Engine{
		cfg:     cfg,
		ledger:  p.Orders.Ledger(),
		orders:  p.Orders,
		runtime: p.Runtime,
		exec:    p.Executor,
		tracker: p.Tracker,
		metrics: p.Metrics,
		taps:    p.Taps,
		logger:  logger.With(slog.String("component", "engine")),
	}
	if e.metrics == nil {
		e.metrics = nopMetrics{}
	}
	e.startEquity = e.ledger.Snapshot().Equity
	if !cfg.Live {
		e.orders.SetClock(e.clock)
	}
	return e
}

func (e *Engine) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

// Run consumes sub until it ends, ctx is cancelled or a fatal error occurs,
// then shuts down in order: the executor drains its queue, open orders are
// cancelled, and strategies are stopped. It returns the fatal error, the
// subscription's error, or ctx.Err().
func (e *Engine) Run(ctx context.Context, sub *bus.Subscription) error {
	defer sub.Close()

	// Components outlive ctx so shutdown can complete after cancellation.
	base := context.WithoutCancel(ctx)

	rtCtx, stopRuntime := context.WithCancel(base)
	rtDone := make(chan error, 1)
	go func() { rtDone <- e.runtime.Run(rtCtx) }()

	loopCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	var (
		stopExec, stopOrders context.CancelFunc
		execDone             = make(chan error, 1)
		ordersDone           = make(chan error, 1)
	)
	if e.cfg.Live {
		var execCtx, ordersCtx context.Context
		execCtx, stopExec = context.WithCancel(base)
		ordersCtx, stopOrders = context.WithCancel(base)
		go func() {
			err := e.exec.Run(execCtx)
			if domain.IsFatal(err) {
				abort(err)
			}
			execDone <- err
		}()
		go func() {
			err := e.orders.Run(ordersCtx)
			if domain.IsFatal(err) {
				abort(err)
			}
			ordersDone <- err
		}()
	}

	e.logger.InfoContext(ctx, "engine started",
		slog.Bool("live", e.cfg.Live),
		slog.Float64("start_equity", e.startEquity),
		slog.Any("strategies", e.runtime.Names()),
	)

	runErr := e.loop(loopCtx, sub)
	if cause := context.Cause(loopCtx); domain.IsFatal(cause) {
		runErr = cause
	}
	if domain.IsFatal(runErr) {
		e.logger.ErrorContext(ctx, "engine halted", slog.String("error", runErr.Error()))
	}

	// Shutdown.
	if e.cfg.Live {
		stopExec()
		if err := <-execDone; domain.IsFatal(err) && runErr == nil {
			runErr = err
		}
	}
	drainCtx, cancel := context.WithTimeout(base, e.cfg.DrainTimeout)
	if err := e.orders.Drain(drainCtx); err != nil {
		e.logger.WarnContext(ctx, "order drain incomplete", slog.String("error", err.Error()))
	}
	cancel()
	if e.cfg.Live {
		stopOrders()
		<-ordersDone
	}
	stopRuntime()
	<-rtDone

	snap := e.ledger.Snapshot()
	e.tracker.Observe(base, snap)
	e.logger.InfoContext(ctx, "engine stopped",
		slog.Int64("events", e.Events()),
		slog.Float64("equity", snap.Equity),
		slog.Float64("cash", snap.Cash),
		slog.Float64("realized_pnl", snap.RealizedPnL),
	)
	return runErr
}

func (e *Engine) loop(ctx context.Context, sub *bus.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			if cause := context.Cause(ctx); cause != nil && domain.IsFatal(cause) {
				return cause
			}
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil && !errors.Is(err, context.Canceled) {
					return fmt.Errorf("engine: subscription: %w", err)
				}
				return ctx.Err()
			}
			if err := e.Step(ctx, ev); err != nil {
				return err
			}
		}
	}
}

// Step processes one event. It returns an error only when the run must stop.
func (e *Engine) Step(ctx context.Context, ev domain.MarketEvent) error {
	e.metrics.ObserveEvent(ev)
	for _, t := range e.taps {
		t.Tap(ev)
	}

	e.mu.Lock()
	late := ev.OutOfOrder || ev.Time.Before(e.now)
	if late && !e.cfg.DeliverOutOfOrder {
		e.dropped++
		e.mu.Unlock()
		e.logger.WarnContext(ctx, "out-of-order event not delivered",
			slog.String("symbol", ev.Symbol),
			slog.Time("time", ev.Time),
			slog.Uint64("seq", ev.Seq),
		)
		return nil
	}
	if ev.Time.After(e.now) {
		e.now = ev.Time
	}
	e.events++
	e.mu.Unlock()

	// 1. Mark.
	e.ledger.Mark(ev.Symbol, ev.Price, ev.Time)

	// 2. Expire and match resting orders.
	if err := e.orders.OnMarket(ctx, ev); err != nil {
		return fmt.Errorf("engine: event %d: %w", ev.Seq, err)
	}

	// 3. Strategies.
	intents, err := e.runtime.Dispatch(ctx, ev)
	if err != nil {
		return fmt.Errorf("engine: dispatch event %d: %w", ev.Seq, err)
	}

	// 4. Execute, in dispatch order.
	for _, in := range intents {
		if e.cfg.Live {
			if err := e.exec.Enqueue(ctx, in); err != nil {
				return fmt.Errorf("engine: enqueue %s: %w", in.ID, err)
			}
			continue
		}
		if _, err := e.exec.Process(ctx, in); domain.IsFatal(err) {
			return fmt.Errorf("engine: execute %s: %w", in.ID, err)
		}
	}

	e.tracker.Observe(ctx, e.ledger.Snapshot())
	return nil
}

// Events returns the number of events processed.
func (e *Engine) Events() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.events
}

// Status returns the current engine state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	st := Status{Live: e.cfg.Live, Events: e.events, Dropped: e.dropped, LastEvent: e.now}
	e.mu.Unlock()
	st.OpenOrders = len(e.orders.Open())
	st.Snapshot = e.ledger.Snapshot()
	st.Strategies = e.runtime.Infos()
	st.Stats = e.tracker.Stats()
	return st
}

// Report summarizes the run so far.
func (e *Engine) Report() performance.Report {
	return e.tracker.Report(e.startEquity)
}

type nopMetrics struct{}

func (nopMetrics) ObserveEvent(domain.MarketEvent) {}
func (nopMetrics) ObserveOrder(domain.Order) {}
func (nopMetrics) ObserveSnapshot(domain.AccountSnapshot) {}
func (nopMetrics) ObserveRejection(*domain.RiskRejection) {}
func (nopMetrics) ObserveFault(string, error) {}
func (nopMetrics) ObserveExecution(time.Duration, float64) {}
