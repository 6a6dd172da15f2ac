// Package app wires the configured services together and runs the engine in
// the selected mode: a historical backtest, a parameter sweep over the same
// history, or live trading.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/tradecore/internal/config"
)

// modeFunc runs one mode against wired dependencies.
type modeFunc func(a *App, ctx context.Context, deps *Dependencies) error

var modes = map[string]modeFunc{
	config.ModeBacktest: (*App).BacktestMode,
	config.ModeSweep:    (*App).SweepMode,
	config.ModeLive:     (*App).LiveMode,
}

// App owns the configuration and the teardown of whatever Run wired.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	cleanup []func()
}

func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger.With(slog.String("component", "app"))}
}

// Run wires the enabled backends and runs the configured mode until it
// completes or ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	mode, ok := modes[strings.ToLower(a.cfg.Mode)]
	if !ok {
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
	a.logger.InfoContext(ctx, "run starting",
		slog.String("mode", a.cfg.Mode),
		slog.String("account", a.cfg.Engine.AccountID),
		slog.Int("strategies", len(a.cfg.Strategy.Active)),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.cleanup = append(a.cleanup, cleanup)
	return mode(a, ctx, deps)
}

// Close releases wired resources, newest first. Further calls do nothing.
func (a *App) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
	a.logger.Debug("resources released")
}
