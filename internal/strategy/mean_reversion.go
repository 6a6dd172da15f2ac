package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

const (
	defaultEntryStd       = 2.0
	defaultLookbackWindow = 5 * time.Minute
	defaultMinPoints      = 10
	defaultSize           = 1.0
)

// MeanReversion buys when the price is significantly below its trailing
// mean and sells the position back once the price returns to the mean.
// "Significantly" is measured in multiples of the trailing standard
// deviation (the entry_std parameter).
type MeanReversion struct {
	cfg     Config
	window  *PriceWindow
	logger  *slog.Logger

	entryStd  float64
	minPoints int
	size      float64

	held    map[string]float64
	pending map[string]bool
	seen    map[int64]float64
}

// NewMeanReversion creates a MeanReversion strategy. The following keys are
// read from cfg.Params:
//
//   - "lookback_window" (duration string): window for the mean and deviation.
//     Defaults to "5m".
//   - "entry_std" (float): deviations below the mean that trigger a buy.
//     Defaults to 2.0.
//   - "min_points" (int): observations required before trading. Defaults to 10.
//   - "size" (float): units per entry. Defaults to 1.
func NewMeanReversion(cfg Config, logger *slog.Logger) (Strategy, error) {
	mr := &MeanReversion{
		cfg:       cfg,
		window:    NewPriceWindow(cfg.Duration("lookback_window", defaultLookbackWindow)),
		logger:    logger.With(slog.String("strategy", "mean_reversion")),
		entryStd:  cfg.Float("entry_std", defaultEntryStd),
		minPoints: cfg.Int("min_points", defaultMinPoints),
		size:      cfg.Float("size", defaultSize),
		held:      make(map[string]float64),
		pending:   make(map[string]bool),
		seen:      make(map[int64]float64),
	}
	if !(mr.entryStd > 0) || !(mr.size > 0) {
		return nil, fmt.Errorf("mean_reversion: entry_std and size must be > 0")
	}
	return mr, nil
}

// Name returns the strategy identifier.
func (mr *MeanReversion) Name() string {
	if mr.cfg.Name != "" {
		return mr.cfg.Name
	}
	return "mean_reversion"
}

// OnEvent records the observation and checks for an entry or an exit.
func (mr *MeanReversion) OnEvent(ctx context.Context, ev domain.MarketEvent) ([]domain.TradeIntent, error) {
	if !mr.cfg.Trades(ev.Symbol) || !(ev.Price > 0) {
		return nil, nil
	}
	mr.window.Add(ev.Symbol, ev.Price, ev.Time)

	avg, vol, n := mr.window.Stats(ev.Symbol)
	if mr.pending[ev.Symbol] || n < mr.minPoints || vol == 0 || avg == 0 {
		// Not enough data yet, or an order is in flight.
		return nil, nil
	}
	deviation := (ev.Price - avg) / vol

	if qty := mr.held[ev.Symbol]; qty > 0 {
		if ev.Price < avg {
			return nil, nil
		}
		mr.pending[ev.Symbol] = true
		mr.logger.InfoContext(ctx, "mean reversion SELL signal",
			slog.String("symbol", ev.Symbol),
			slog.Float64("price", ev.Price),
			slog.Float64("avg", avg),
		)
		return []domain.TradeIntent{{
			Symbol:   ev.Symbol,
			Side:     domain.SideSell,
			Quantity: qty,
			Reason:   fmt.Sprintf("mean reversion exit: price=%.6f avg=%.6f", ev.Price, avg),
		}}, nil
	}

	if deviation > -mr.entryStd {
		return nil, nil
	}
	mr.pending[ev.Symbol] = true
	mr.logger.InfoContext(ctx, "mean reversion BUY signal",
		slog.String("symbol", ev.Symbol),
		slog.Float64("price", ev.Price),
		slog.Float64("avg", avg),
		slog.Float64("deviation", deviation),
	)
	return []domain.TradeIntent{{
		Symbol:   ev.Symbol,
		Side:     domain.SideBuy,
		Quantity: mr.size,
		Reason:   fmt.Sprintf("mean reversion entry: price=%.6f avg=%.6f dev=%.2f sigma", ev.Price, avg, deviation),
	}}, nil
}

// OnFill updates the held quantity.
func (mr *MeanReversion) OnFill(_ context.Context, order domain.Order) error {
	delta := order.Filled - mr.seen[order.ID]
	mr.seen[order.ID] = order.Filled
	mr.held[order.Symbol()] += order.Side().Sign() * delta
	if order.State.Terminal() {
		delete(mr.seen, order.ID)
		delete(mr.pending, order.Symbol())
	}
	if mr.held[order.Symbol()] <= 1e-12 {
		delete(mr.held, order.Symbol())
	}
	return nil
}

// OnOrderUpdate clears the in-flight flag when an order ends unfilled.
func (mr *MeanReversion) OnOrderUpdate(_ context.Context, order domain.Order) error {
	delete(mr.seen, order.ID)
	delete(mr.pending, order.Symbol())
	return nil
}

// OnRejection clears the in-flight flag so the next event re-evaluates.
func (mr *MeanReversion) OnRejection(_ context.Context, intent domain.TradeIntent, _ error) error {
	delete(mr.pending, intent.Symbol)
	return nil
}
