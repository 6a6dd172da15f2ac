package app

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	s3blob "github.com/alanyoungcy/tradecore/internal/blob/s3"
	"github.com/alanyoungcy/tradecore/internal/config"
	"github.com/alanyoungcy/tradecore/internal/domain"
	"github.com/alanyoungcy/tradecore/internal/engine"
	"github.com/alanyoungcy/tradecore/internal/executor"
	"github.com/alanyoungcy/tradecore/internal/journal"
	"github.com/alanyoungcy/tradecore/internal/ledger"
	"github.com/alanyoungcy/tradecore/internal/notify"
	"github.com/alanyoungcy/tradecore/internal/order"
	"github.com/alanyoungcy/tradecore/internal/performance"
	"github.com/alanyoungcy/tradecore/internal/risk"
	"github.com/alanyoungcy/tradecore/internal/strategy"
)

// intentBuffer is the executor queue size in live mode.
const intentBuffer = 256

// runSpec describes one engine run. Zero values select the simulated
// backend, an in-memory journal and in-process rate limiting.
type runSpec struct {
	RunID   string
	Label   string
	Live    bool
	Account domain.Account
	Limits  domain.RiskLimits
	Sim     order.SimConfig

	Backend    domain.ExecutionBackend
	RateWindow risk.RateWindow
	Journal    *journal.Journal // overrides JournalPath
	Persist    []domain.Persistence
	Taps       []engine.Tap

	Metrics  domain.MetricsSink
	Audit    domain.AuditStore
	Notifier engine.Notifier
}

// run is one assembled engine with the parts needed after it stops.
type run struct {
	spec    runSpec
	engine  *engine.Engine
	orders  *order.Manager
	ledger  *ledger.Ledger
	faults  *engine.FaultRouter
	journal *journal.Journal
	path    string        // journal file, if any
	buf     *bytes.Buffer // in-memory journal, if any
	logger  *slog.Logger
}

// riskLimits maps the risk section onto domain limits.
func riskLimits(cfg config.RiskConfig) domain.RiskLimits {
	return domain.RiskLimits{
		MaxPositionSize: cfg.MaxPositionSize,
		PerSymbol:       cfg.PerSymbol,
		MaxExposure:     cfg.MaxExposure,
		StopLossPct:     cfg.StopLossPct,
		MaxOrders:       cfg.MaxOrders,
		RateWindow:      cfg.RateWindow.Duration,
	}
}

// simConfig maps the execution section onto the simulated backend's config.
func simConfig(cfg config.ExecutionConfig) order.SimConfig {
	return order.SimConfig{
		SlippageBps:      cfg.SlippageBps,
		MaxParticipation: cfg.MaxParticipation,
		FeeBps:           cfg.FeeBps,
	}
}

// buildStrategies instantiates every active strategy from the registry.
func buildStrategies(cfg config.StrategyConfig, logger *slog.Logger) ([]strategy.Strategy, error) {
	reg := strategy.DefaultRegistry()
	strats := make([]strategy.Strategy, 0, len(cfg.Active))
	for _, name := range cfg.Active {
		params, symbols := cfg.For(name)
		s, err := reg.Build(strategy.Config{Name: name, Symbols: symbols, Params: params}, logger)
		if err != nil {
			return nil, err
		}
		strats = append(strats, s)
	}
	return strats, nil
}

// newRun assembles ledger, orders, strategies, risk, executor, journal and
// tracker into an engine.
func newRun(cfg *config.Config, spec runSpec, logger *slog.Logger) (*run, error) {
	if spec.Label != "" {
		logger = logger.With(slog.String("run", spec.Label))
	}
	r := &run{spec: spec, logger: logger}

	r.ledger = ledger.New(spec.Account)
	backend := spec.Backend
	if backend == nil {
		backend = order.NewSimulatedBackend(spec.Sim, r.ledger.Cash)
	}
	r.orders = order.NewManager(r.ledger, backend, order.Config{
		LimitExpiry: cfg.Execution.LimitExpiry.Duration,
	}, logger)

	strats, err := buildStrategies(cfg.Strategy, logger)
	if err != nil {
		return nil, fmt.Errorf("app: strategies: %w", err)
	}
	rt, err := strategy.NewRuntime(strats, logger)
	if err != nil {
		return nil, fmt.Errorf("app: strategy runtime: %w", err)
	}

	r.faults = engine.NewFaultRouter(spec.Metrics, spec.Audit, spec.Notifier, logger)
	rt.SetFaultSink(r.faults)
	r.orders.SetFaultSink(r.faults)

	ex := executor.NewExecutor(risk.NewManager(spec.Limits, spec.RateWindow, logger), r.orders, intentBuffer, logger)
	ex.SetRejectionHandler(rt)
	if spec.Metrics != nil {
		ex.SetMetrics(spec.Metrics)
	}
	if spec.Audit != nil {
		ex.SetAudit(spec.Audit)
	}

	switch {
	case spec.Journal != nil:
		r.journal = spec.Journal
		r.path = cfg.Engine.JournalPath
	case cfg.Engine.JournalPath != "" && !spec.Live && spec.Label == "":
		j, err := journal.Open(cfg.Engine.JournalPath)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		r.journal = j
		r.path = cfg.Engine.JournalPath
	default:
		r.buf = new(bytes.Buffer)
		r.journal = journal.New(r.buf)
	}

	tracker := performance.NewTracker(cfg.Engine.SampleEvery.Duration, logger)
	if spec.Metrics != nil {
		tracker.SetMetrics(spec.Metrics)
	}
	tracker.AddSink(r.journal)

	persist := append(journal.Multi{r.journal}, spec.Persist...)
	r.orders.AddObserver(tracker)
	r.orders.AddObserver(rt)
	r.orders.AddObserver(engine.NewRecorder(persist, spec.Metrics, logger))

	r.engine = engine.New(engine.Config{
		Live:              spec.Live,
		DeliverOutOfOrder: cfg.Engine.DeliverOutOfOrder,
		DrainTimeout:      cfg.Engine.DrainTimeout.Duration,
	}, engine.Parts{
		Orders:   r.orders,
		Runtime:  rt,
		Executor: ex,
		Tracker:  tracker,
		Metrics:  spec.Metrics,
		Taps:     spec.Taps,
	}, logger)
	return r, nil
}

// finish closes the journal, archives the run when an archiver is given and
// announces the result. The report written to the journal carries no run ID
// so that journals of identical backtests are identical.
func (r *run) finish(ctx context.Context, archiver *s3blob.Archiver) performance.Report {
	rep := r.engine.Report()
	rep.Label = r.spec.Label
	if err := r.journal.RecordReport(ctx, rep); err != nil {
		r.logger.WarnContext(ctx, "journal report failed", slog.String("error", err.Error()))
	}
	if err := r.journal.Close(); err != nil {
		r.logger.WarnContext(ctx, "journal close failed", slog.String("error", err.Error()))
	}
	rep.RunID = r.spec.RunID

	if archiver != nil {
		if err := r.archive(ctx, archiver, rep); err != nil {
			r.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
		}
	}

	r.logger.InfoContext(ctx, "run finished",
		slog.String("run_id", rep.RunID),
		slog.Float64("final_equity", rep.FinalEquity),
		slog.Float64("return_pct", rep.ReturnPct),
		slog.Float64("realized_pnl", rep.RealizedPnL),
		slog.Int("round_trips", len(rep.RoundTrips)),
		slog.Float64("max_drawdown_pct", rep.Stats.MaxDrawdownPct),
	)
	r.faults.Notify(ctx, notify.EventRunFinished, "Run finished", summary(rep))
	r.faults.Wait()
	return rep
}

func (r *run) archive(ctx context.Context, archiver *s3blob.Archiver, rep performance.Report) error {
	var j io.Reader
	switch {
	case r.buf != nil:
		j = bytes.NewReader(r.buf.Bytes())
	case r.path != "":
		f, err := os.Open(r.path)
		if err != nil {
			return fmt.Errorf("app: archive: %w", err)
		}
		defer f.Close()
		j = f
	}
	paths, err := archiver.ArchiveRun(ctx, s3blob.RunArtifacts{
		RunID:   rep.RunID,
		Journal: j,
		Report:  rep,
		Orders:  r.orders.Orders(),
	})
	if err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "run archived", slog.Any("paths", paths))
	return nil
}

func summary(rep performance.Report) string {
	return fmt.Sprintf("run %s\nequity %.2f -> %.2f (%+.2f%%)\nrealized %.2f, round trips %d, max drawdown %.2f%%",
		rep.RunID, rep.StartEquity, rep.FinalEquity, rep.ReturnPct,
		rep.RealizedPnL, len(rep.RoundTrips), rep.Stats.MaxDrawdownPct)
}
