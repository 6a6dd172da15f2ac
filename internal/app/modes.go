package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/alitto/pond"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/tradecore/internal/backend/rest"
	"github.com/alanyoungcy/tradecore/internal/bus"
	"github.com/alanyoungcy/tradecore/internal/cache/redis"
	"github.com/alanyoungcy/tradecore/internal/config"
	"github.com/alanyoungcy/tradecore/internal/crypto"
	"github.com/alanyoungcy/tradecore/internal/domain"
	"github.com/alanyoungcy/tradecore/internal/engine"
	"github.com/alanyoungcy/tradecore/internal/feed"
	"github.com/alanyoungcy/tradecore/internal/history"
	"github.com/alanyoungcy/tradecore/internal/journal"
	"github.com/alanyoungcy/tradecore/internal/notify"
	"github.com/alanyoungcy/tradecore/internal/performance"
	"github.com/alanyoungcy/tradecore/internal/risk"
	"github.com/alanyoungcy/tradecore/internal/server"
	"github.com/alanyoungcy/tradecore/internal/server/handler"
	"github.com/alanyoungcy/tradecore/internal/store/postgres"
)

// openEnd bounds replays that have no configured end.
var openEnd = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

var errLockLost = errors.New("app: engine lock lost")

// replaySource opens the configured historical data source.
func replaySource(cfg *config.Config, deps *Dependencies) (domain.HistoricalSource, error) {
	switch cfg.Replay.Source {
	case "csv":
		return history.NewCSVSource(cfg.Replay.CSVDir), nil
	case "s3":
		if deps.BlobReader == nil {
			return nil, errors.New("app: replay source s3 requires s3.enabled")
		}
		return history.NewBlobSource(deps.BlobReader, cfg.Replay.S3Prefix), nil
	default:
		return nil, fmt.Errorf("app: unknown replay source %q", cfg.Replay.Source)
	}
}

// replayRange returns the [from, to) window of the replay section.
func replayRange(cfg config.ReplayConfig) (from, to time.Time) {
	from, to = cfg.From.Time, cfg.To.Time
	if to.IsZero() {
		to = openEnd
	}
	return from, to
}

func startingAccount(cfg config.EngineConfig) domain.Account {
	return domain.Account{ID: cfg.AccountID, Cash: cfg.InitialCash}
}

// opsServer builds the health, metrics and status server for r.
func (a *App) opsServer(deps *Dependencies, runID string, r *run) *server.Server {
	health := handler.NewHealthHandler(a.logger)
	for name, check := range deps.healthChecks() {
		health.AddCheck(name, check)
	}
	var metricsHandler http.Handler
	if deps.Metrics != nil {
		metricsHandler = deps.Metrics.Handler()
	}
	return server.NewServer(server.Config{
		Addr:      a.cfg.Metrics.Addr,
		APIKey:    a.cfg.Metrics.APIKey,
		RateLimit: a.cfg.Metrics.RateLimit,
		Burst:     a.cfg.Metrics.Burst,
	}, server.Handlers{
		Health:  health,
		Status:  handler.NewStatusHandler(a.cfg.Mode, runID, r.engine, r.orders),
		Metrics: metricsHandler,
	}, a.logger)
}

// BacktestMode replays the configured history through one engine run and
// reports the result.
func (a *App) BacktestMode(ctx context.Context, deps *Dependencies) error {
	src, err := replaySource(a.cfg, deps)
	if err != nil {
		return err
	}
	runID := uuid.NewString()
	r, err := newRun(a.cfg, runSpec{
		RunID:    runID,
		Account:  startingAccount(a.cfg.Engine),
		Limits:   riskLimits(a.cfg.Risk),
		Sim:      simConfig(a.cfg.Execution),
		Metrics:  deps.metricsSink(),
		Audit:    deps.Audit,
		Notifier: deps.notifier(),
	}, a.logger)
	if err != nil {
		return err
	}

	var (
		g       errgroup.Group
		stopOps = func() {}
	)
	if a.cfg.Metrics.Enabled {
		var opsCtx context.Context
		opsCtx, stopOps = context.WithCancel(context.WithoutCancel(ctx))
		srv := a.opsServer(deps, runID, r)
		g.Go(func() error { return srv.Run(opsCtx) })
	}

	from, to := replayRange(a.cfg.Replay)
	a.logger.InfoContext(ctx, "backtest starting",
		slog.String("run_id", runID),
		slog.Any("symbols", a.cfg.Replay.Symbols),
		slog.Time("from", from),
		slog.Time("to", to),
	)
	sub := bus.Replay(ctx, src, a.cfg.Replay.Symbols, from, to, bus.ReplayConfig{
		Pacing: bus.Pacing(a.cfg.Replay.Pacing),
		Speed:  a.cfg.Replay.Speed,
	})
	runErr := r.engine.Run(ctx, sub)
	r.finish(context.WithoutCancel(ctx), deps.Archiver)

	stopOps()
	if err := g.Wait(); err != nil {
		a.logger.WarnContext(ctx, "ops server stopped", slog.String("error", err.Error()))
	}
	return runErr
}

// sweepPoint is one parameter combination of a sweep.
type sweepPoint struct {
	StopLossPct float64
	SlippageBps float64
}

func (p sweepPoint) label() string {
	return fmt.Sprintf("sl=%g,slip=%g", p.StopLossPct, p.SlippageBps)
}

// sweepGrid returns the cartesian product of the sweep axes. An empty axis
// keeps the base value.
func sweepGrid(cfg config.SweepConfig, base sweepPoint) []sweepPoint {
	stops := cfg.StopLossPcts
	if len(stops) == 0 {
		stops = []float64{base.StopLossPct}
	}
	slips := cfg.SlippageBps
	if len(slips) == 0 {
		slips = []float64{base.SlippageBps}
	}
	grid := make([]sweepPoint, 0, len(stops)*len(slips))
	for _, sl := range stops {
		for _, slip := range slips {
			grid = append(grid, sweepPoint{StopLossPct: sl, SlippageBps: slip})
		}
	}
	return grid
}

// SweepMode runs one backtest per grid point over the same history. The
// history is loaded once and every run replays it with its own ledger.
func (a *App) SweepMode(ctx context.Context, deps *Dependencies) error {
	src, err := replaySource(a.cfg, deps)
	if err != nil {
		return err
	}
	from, to := replayRange(a.cfg.Replay)
	symbols := a.cfg.Replay.Symbols
	mem, err := history.Load(ctx, src, symbols, from, to)
	if err != nil {
		return fmt.Errorf("app: sweep: %w", err)
	}

	grid := sweepGrid(a.cfg.Sweep, sweepPoint{
		StopLossPct: a.cfg.Risk.StopLossPct,
		SlippageBps: a.cfg.Execution.SlippageBps,
	})
	sweepID := uuid.NewString()
	a.logger.InfoContext(ctx, "sweep starting",
		slog.String("sweep_id", sweepID),
		slog.Int("runs", len(grid)),
		slog.Int("workers", a.cfg.Sweep.Workers),
	)

	pool := pond.New(a.cfg.Sweep.Workers, len(grid),
		pond.MinWorkers(1),
		pond.PanicHandler(func(p interface{}) {
			a.logger.Error("sweep run panicked", slog.Any("panic", p))
		}),
	)
	defer pool.StopAndWait()

	group, gctx := pool.GroupContext(ctx)
	reports := make([]performance.Report, len(grid))
	for i, p := range grid {
		group.Submit(func() error {
			limits := riskLimits(a.cfg.Risk)
			limits.StopLossPct = p.StopLossPct
			sim := simConfig(a.cfg.Execution)
			sim.SlippageBps = p.SlippageBps

			r, err := newRun(a.cfg, runSpec{
				RunID:   fmt.Sprintf("%s-%03d", sweepID, i),
				Label:   p.label(),
				Account: startingAccount(a.cfg.Engine),
				Limits:  limits,
				Sim:     sim,
				Audit:   deps.Audit,
			}, a.logger)
			if err != nil {
				return err
			}
			sub := bus.Replay(gctx, mem, symbols, from, to, bus.ReplayConfig{Pacing: bus.PacingFull})
			if err := r.engine.Run(gctx, sub); err != nil {
				return fmt.Errorf("app: sweep run %s: %w", p.label(), err)
			}
			reports[i] = r.finish(context.WithoutCancel(gctx), deps.Archiver)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	ranked := rankReports(reports)
	var b strings.Builder
	for i, rep := range ranked {
		a.logger.InfoContext(ctx, "sweep result",
			slog.Int("rank", i+1),
			slog.String("run", rep.Label),
			slog.Float64("return_pct", rep.ReturnPct),
			slog.Float64("max_drawdown_pct", rep.Stats.MaxDrawdownPct),
			slog.Int("round_trips", len(rep.RoundTrips)),
		)
		fmt.Fprintf(&b, "%d. %s %+.2f%%\n", i+1, rep.Label, rep.ReturnPct)
	}
	if deps.Notifier != nil {
		if err := deps.Notifier.Notify(context.WithoutCancel(ctx), notify.EventRunFinished, "Sweep finished", b.String()); err != nil {
			a.logger.WarnContext(ctx, "sweep notification failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// rankReports orders reports by return, best first. Ties keep grid order.
func rankReports(reports []performance.Report) []performance.Report {
	ranked := slices.Clone(reports)
	slices.SortStableFunc(ranked, func(x, y performance.Report) int {
		switch {
		case x.ReturnPct > y.ReturnPct:
			return -1
		case x.ReturnPct < y.ReturnPct:
			return 1
		}
		return 0
	})
	return ranked
}

// LiveMode trades the configured feeds until ctx is cancelled, the engine
// halts on a fatal error, a supporting loop fails or the engine lock is
// lost.
func (a *App) LiveMode(ctx context.Context, deps *Dependencies) error {
	cfg := a.cfg
	acct := cfg.Engine.AccountID
	runID := uuid.NewString()
	logger := a.logger.With(slog.String("run_id", runID))

	runCtx, stopRun := context.WithCancelCause(ctx)
	defer stopRun(nil)

	// One engine per account.
	if deps.Locks != nil {
		unlock, lost, err := deps.Locks.Hold(ctx, redis.EngineLockKey(acct), cfg.Redis.LockTTL.Duration)
		if err != nil {
			return fmt.Errorf("app: engine lock: %w", err)
		}
		defer unlock()
		go func() {
			select {
			case <-lost:
				stopRun(errLockLost)
			case <-runCtx.Done():
			}
		}()
	}

	// --- Persistence ---
	var (
		persist []domain.Persistence
		pgStore *postgres.Store
	)
	if deps.Postgres != nil {
		pgStore = postgres.NewStore(deps.Postgres.Pool(), runID, acct)
		persist = append(persist, pgStore)
	}
	if deps.Redis != nil && cfg.Redis.Publish {
		persist = append(persist, redis.NewEventPublisher(deps.Redis, deps.SignalBus, runID, acct))
	}
	var j *journal.Journal
	if cfg.Engine.JournalPath != "" {
		var err error
		if j, err = journal.Open(cfg.Engine.JournalPath); err != nil {
			return fmt.Errorf("app: %w", err)
		}
	}

	account := startingAccount(cfg.Engine)
	if cfg.Engine.Resume {
		stores := journal.Multi(slices.Clone(persist))
		if j != nil {
			stores = append(stores, j)
		}
		loaded, err := stores.LoadAccount(ctx, acct)
		switch {
		case err == nil:
			account = loaded
			logger.InfoContext(ctx, "account resumed",
				slog.Float64("cash", account.Cash),
				slog.Int("positions", len(account.Positions)),
			)
		case errors.Is(err, domain.ErrNotFound):
			logger.InfoContext(ctx, "no saved account, starting fresh", slog.String("account", acct))
		default:
			return fmt.Errorf("app: resume account: %w", err)
		}
		if deps.Prices != nil {
			restoreMarks(ctx, deps.Prices, &account, logger)
		}
		if pgStore != nil {
			reportStaleOrders(ctx, pgStore.Orders(), acct, deps.Audit, logger)
		}
	}

	// --- Execution backend ---
	var (
		backend domain.ExecutionBackend
		restBE  *rest.Backend
	)
	if cfg.Execution.Backend == "rest" {
		rc := cfg.Execution.Rest
		secret, err := crypto.LoadSecret(crypto.SecretConfig{
			Raw:           rc.APISecret,
			EncryptedPath: rc.SecretFile,
			Password:      rc.SecretPassword,
		})
		if err != nil {
			return fmt.Errorf("app: rest secret: %w", err)
		}
		restBE, err = rest.New(rest.Config{
			BaseURL:      rc.BaseURL,
			Key:          rc.APIKey,
			Secret:       secret,
			Passphrase:   rc.Passphrase,
			RateLimit:    rc.RateLimit,
			Burst:        rc.Burst,
			Timeout:      rc.Timeout.Duration,
			PollInterval: rc.PollInterval.Duration,
			MaxRetries:   rc.MaxRetries,
		}, logger)
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		backend = restBE
	}

	var rateWindow risk.RateWindow
	if cfg.Risk.DistributedRate && deps.RateLimiter != nil {
		rateWindow = deps.RateLimiter.Window("orders:" + acct)
	}

	// --- Taps ---
	var (
		taps  []engine.Tap
		marks *redis.MarkWriter
		ticks *history.Recorder
	)
	if deps.Prices != nil {
		marks = redis.NewMarkWriter(deps.Prices, logger)
		taps = append(taps, marks)
	}
	if cfg.Feed.RecordTicks && deps.BlobWriter != nil {
		ticks = history.NewRecorder(deps.BlobWriter, cfg.S3.TicksPrefix, logger)
		taps = append(taps, ticks)
	}

	r, err := newRun(cfg, runSpec{
		RunID:      runID,
		Live:       true,
		Account:    account,
		Limits:     riskLimits(cfg.Risk),
		Sim:        simConfig(cfg.Execution),
		Backend:    backend,
		RateWindow: rateWindow,
		Journal:    j,
		Persist:    persist,
		Taps:       taps,
		Metrics:    deps.metricsSink(),
		Audit:      deps.Audit,
		Notifier:   deps.notifier(),
	}, logger)
	if err != nil {
		return err
	}

	// --- Feeds ---
	var feeds []domain.LiveFeed
	switch cfg.Feed.Kind {
	case "redis":
		if deps.SignalBus == nil {
			return errors.New("app: feed kind redis requires redis.enabled")
		}
		feeds = append(feeds, feed.NewRedisFeed(deps.SignalBus, cfg.Feed.RedisChannel, logger))
	default:
		ws := feed.NewWSFeed(feed.WSConfig{
			Name:       "ws",
			URL:        cfg.Feed.WSURL,
			MinBackoff: cfg.Feed.MinBackoff.Duration,
			MaxBackoff: cfg.Feed.MaxBackoff.Duration,
		}, logger)
		ws.SetFaultSink(r.faults)
		feeds = append(feeds, ws)
	}

	// Supporting loops outlive ctx so that backend reports and the final
	// flushes keep flowing while the engine drains. A failing loop stops the
	// engine.
	auxCtx, stopAux := context.WithCancel(context.WithoutCancel(ctx))
	defer stopAux()
	var g errgroup.Group
	goAux := func(name string, fn func(context.Context) error) {
		g.Go(func() error {
			err := fn(auxCtx)
			if err == nil || errors.Is(err, context.Canceled) {
				return nil
			}
			err = fmt.Errorf("app: %s: %w", name, err)
			stopRun(err)
			return err
		})
	}
	if restBE != nil {
		goAux("rest backend", restBE.Run)
	}
	if marks != nil {
		goAux("mark writer", func(ctx context.Context) error {
			err := marks.RunLoop(ctx, cfg.Redis.MarkFlush.Duration)
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if ferr := marks.Flush(flushCtx); ferr != nil {
				logger.WarnContext(ctx, "final mark flush failed", slog.String("error", ferr.Error()))
			}
			return err
		})
	}
	if ticks != nil {
		goAux("tick recorder", func(ctx context.Context) error {
			return ticks.RunLoop(ctx, cfg.Feed.RecordInterval.Duration)
		})
	}
	if cfg.Metrics.Enabled {
		srv := a.opsServer(deps, runID, r)
		goAux("ops server", srv.Run)
	}

	logger.InfoContext(ctx, "live trading starting",
		slog.String("account", acct),
		slog.String("feed", cfg.Feed.Kind),
		slog.String("backend", cfg.Execution.Backend),
		slog.Any("symbols", cfg.Feed.Symbols),
	)
	sub := bus.Live(runCtx, feeds, cfg.Feed.Symbols, bus.LiveConfig{
		Horizon: cfg.Engine.OutOfOrderHorizon.Duration,
	}, logger)
	runErr := r.engine.Run(runCtx, sub)

	stopAux()
	_ = g.Wait()
	r.finish(context.WithoutCancel(ctx), deps.Archiver)

	if errors.Is(runErr, context.Canceled) {
		if cause := context.Cause(runCtx); !errors.Is(cause, context.Canceled) {
			return cause
		}
	}
	return runErr
}

// restoreMarks prices resumed positions at the marks last cached by any
// engine, so equity and exposure are right before the first tick.
func restoreMarks(ctx context.Context, prices domain.PriceCache, account *domain.Account, logger *slog.Logger) {
	if len(account.Positions) == 0 {
		return
	}
	marks, err := prices.GetPrices(ctx, slices.Sorted(maps.Keys(account.Positions)))
	if err != nil {
		logger.WarnContext(ctx, "restore marks failed", slog.String("error", err.Error()))
		return
	}
	for sym, px := range marks {
		p := account.Positions[sym]
		p.MarkPrice = px
		account.Positions[sym] = p
	}
}

// reportStaleOrders surfaces orders an earlier run left open. They are not
// adopted since order IDs restart every run; an operator reconciles them.
func reportStaleOrders(ctx context.Context, orders *postgres.OrderStore, acct string, audit domain.AuditStore, logger *slog.Logger) {
	open, err := orders.ListOpen(ctx, acct)
	if err != nil {
		logger.WarnContext(ctx, "list stale orders failed", slog.String("error", err.Error()))
		return
	}
	for _, o := range open {
		logger.WarnContext(ctx, "order left open by an earlier run",
			slog.Int64("order_id", o.ID),
			slog.String("symbol", o.Symbol()),
			slog.String("state", string(o.State)),
			slog.Float64("remaining", o.Remaining()),
		)
		if audit == nil {
			continue
		}
		if err := audit.Log(ctx, "stale_open_order", map[string]any{
			"account": acct, "order_id": o.ID, "symbol": o.Symbol(), "state": string(o.State),
		}); err != nil {
			logger.WarnContext(ctx, "audit stale order failed", slog.String("error", err.Error()))
		}
	}
}
