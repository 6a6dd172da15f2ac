package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

const (
	defaultLookbackBars      = 20
	defaultRecentBars        = 5
	defaultMinGrowthPct      = 10.0
	defaultMinBarPct         = 0.5
	defaultTransactionAmount = 100.0
	defaultTrailingStopPct   = 3.0
	defaultMaxOpen           = 3
	defaultRSIMax            = 70.0
)

type holding struct {
	qty          float64
	stop         float64
	pendingEntry bool
	pendingExit  bool
}

// Trend selects which side of a move Momentum trades.
type Trend string

const (
	TrendPositive Trend = "positive" // buy rallies
	TrendNegative Trend = "negative" // short selloffs
)

// Momentum buys symbols that have rallied over the lookback window and are
// still rising, then rides them with a trailing stop. With trend=negative it
// mirrors this and shorts symbols that are falling.
//
// Positive entry, evaluated on each closed bar:
//   - growth from the first bar's open to the last close >= min_growth_pct
//   - the last close is above the previous close
//   - growth over the most recent `recent` bars > 0
//   - the last two bars are green and each gained >= min_bar_pct
//   - optional: RSI over rsi_period <= rsi_max
//
// Negative entry: growth <= -min_growth_pct, the last close below the
// previous one, and negative recent growth. Both accept an optional
// average volume floor (min_avg_volume). No entries are taken on
// excluded_weekdays, judged on the event's UTC date.
//
// Exit: the stop starts stop_loss_pct away from the entry on the losing side
// and only ratchets toward the price; a tick through it closes the holding.
type Momentum struct {
	cfg     Config
	bars    *BarAggregator
	held    map[string]*holding
	seen    map[int64]float64 // filled quantity already applied, by order ID
	logger  *slog.Logger
	trend   Trend
	dir     float64 // +1 long, -1 short
	offDays map[time.Weekday]bool

	lookback     int
	recent       int
	minGrowth    float64
	minBar       float64
	amount       float64
	stopPct      float64
	maxOpen      int
	rsiPeriod    int
	rsiMax       float64
	minAvgVolume float64
}

// NewMomentum creates a Momentum strategy. Parameters are read from
// cfg.Params: trend, lookback, recent, min_growth_pct, min_bar_pct,
// bar_interval, transaction_amount, stop_loss_pct, max_open, rsi_period,
// rsi_max, min_avg_volume, excluded_weekdays.
func NewMomentum(cfg Config, logger *slog.Logger) (Strategy, error) {
	m := &Momentum{
		cfg:          cfg,
		held:         make(map[string]*holding),
		seen:         make(map[int64]float64),
		logger:       logger.With(slog.String("strategy", "momentum")),
		lookback:     cfg.Int("lookback", defaultLookbackBars),
		recent:       cfg.Int("recent", defaultRecentBars),
		minGrowth:    cfg.Float("min_growth_pct", defaultMinGrowthPct),
		minBar:       cfg.Float("min_bar_pct", defaultMinBarPct),
		amount:       cfg.Float("transaction_amount", defaultTransactionAmount),
		stopPct:      cfg.Float("stop_loss_pct", defaultTrailingStopPct),
		maxOpen:      cfg.Int("max_open", defaultMaxOpen),
		rsiPeriod:    cfg.Int("rsi_period", 0),
		rsiMax:       cfg.Float("rsi_max", defaultRSIMax),
		minAvgVolume: cfg.Float("min_avg_volume", 0),
		trend:        Trend(strings.ToLower(cfg.Text("trend", string(TrendPositive)))),
	}
	switch m.trend {
	case TrendPositive:
		m.dir = 1
	case TrendNegative:
		m.dir = -1
	default:
		return nil, fmt.Errorf("momentum: trend must be positive or negative, got %q", m.trend)
	}
	days, err := weekdays(cfg.Strings("excluded_weekdays"))
	if err != nil {
		return nil, fmt.Errorf("momentum: %w", err)
	}
	m.offDays = days
	switch {
	case m.lookback < 2:
		return nil, fmt.Errorf("momentum: lookback must be >= 2, got %d", m.lookback)
	case m.recent < 1 || m.recent > m.lookback:
		return nil, fmt.Errorf("momentum: recent must be in [1, lookback], got %d", m.recent)
	case !(m.amount > 0):
		return nil, fmt.Errorf("momentum: transaction_amount must be > 0")
	case m.stopPct <= 0 || m.stopPct >= 100:
		return nil, fmt.Errorf("momentum: stop_loss_pct must be in (0, 100)")
	}
	m.bars = NewBarAggregator(cfg.Duration("bar_interval", time.Minute), m.lookback)
	return m, nil
}

// Name returns the strategy identifier.
func (m *Momentum) Name() string {
	if m.cfg.Name != "" {
		return m.cfg.Name
	}
	return "momentum"
}

// OnEvent updates bars and the trailing stop, and emits entries and exits.
func (m *Momentum) OnEvent(ctx context.Context, ev domain.MarketEvent) ([]domain.TradeIntent, error) {
	if !m.cfg.Trades(ev.Symbol) || !(ev.Price > 0) {
		return nil, nil
	}
	bar, closed := m.bars.Add(ev)

	if h, ok := m.held[ev.Symbol]; ok && h.qty > 0 && !h.pendingExit {
		// Stops sit below a long and above a short; dir folds both cases.
		if next := m.stopFor(ev.Price); m.dir*(next-h.stop) > 0 {
			h.stop = next
		}
		if m.dir*(ev.Price-h.stop) <= 0 {
			h.pendingExit = true
			m.logger.InfoContext(ctx, "trailing stop hit",
				slog.String("symbol", ev.Symbol),
				slog.Float64("price", ev.Price),
				slog.Float64("stop", h.stop),
			)
			return []domain.TradeIntent{{
				Symbol:   ev.Symbol,
				Side:     m.exitSide(),
				Quantity: h.qty,
				Reason:   fmt.Sprintf("trailing stop %.6f hit at %.6f", h.stop, ev.Price),
			}}, nil
		}
	}

	if !closed || m.offDays[ev.Time.UTC().Weekday()] {
		return nil, nil
	}
	if _, ok := m.held[ev.Symbol]; ok || m.open() >= m.maxOpen {
		return nil, nil
	}
	reason, ok := m.signal(m.bars.Bars(ev.Symbol))
	if !ok {
		return nil, nil
	}

	m.held[ev.Symbol] = &holding{pendingEntry: true}
	m.logger.InfoContext(ctx, "momentum entry signal",
		slog.String("symbol", ev.Symbol),
		slog.String("trend", string(m.trend)),
		slog.Float64("price", ev.Price),
		slog.Time("bar", bar.Start),
	)
	return []domain.TradeIntent{{
		Symbol:   ev.Symbol,
		Side:     m.entrySide(),
		Quantity: m.amount / ev.Price,
		Reason:   reason,
	}}, nil
}

// signal evaluates the entry rules on the closed bars.
func (m *Momentum) signal(bars []Bar) (string, bool) {
	if len(bars) < m.lookback {
		return "", false
	}
	w := bars[len(bars)-m.lookback:]
	n := len(w)
	last, prev := w[n-1], w[n-2]

	overall := Growth(w[0].Open, last.Close)
	recentWin := w[n-m.recent:]
	recent := Growth(recentWin[0].Open, last.Close)

	if m.trend == TrendNegative {
		if overall > -m.minGrowth || last.Close >= prev.Close || recent >= 0 {
			return "", false
		}
	} else {
		strong := prev.Green() && last.Green() &&
			Growth(prev.Open, prev.Close) >= m.minBar &&
			Growth(last.Open, last.Close) >= m.minBar
		if overall < m.minGrowth || last.Close <= prev.Close || recent <= 0 || !strong {
			return "", false
		}
	}

	if m.rsiPeriod > 0 && m.trend == TrendPositive {
		closes := make([]float64, 0, n)
		for _, b := range w {
			closes = append(closes, b.Close)
		}
		if len(closes) > m.rsiPeriod+1 {
			closes = closes[len(closes)-m.rsiPeriod-1:]
		}
		if rsi, ok := RSI(closes, m.rsiPeriod); ok && rsi > m.rsiMax {
			return "", false
		}
	}
	if m.minAvgVolume > 0 {
		if avg, ok := AverageVolume(w); !ok || avg < m.minAvgVolume {
			return "", false
		}
	}
	return fmt.Sprintf("momentum %s: growth %.2f%% over %d bars, recent %.2f%%", m.trend, overall, n, recent), true
}

func (m *Momentum) open() int {
	return len(m.held)
}

func (m *Momentum) stopFor(price float64) float64 {
	return price * (1 - m.dir*m.stopPct/100)
}

func (m *Momentum) entrySide() domain.Side {
	if m.dir < 0 {
		return domain.SideSell
	}
	return domain.SideBuy
}

func (m *Momentum) exitSide() domain.Side {
	if m.dir < 0 {
		return domain.SideBuy
	}
	return domain.SideSell
}

func weekdays(names []string) (map[time.Weekday]bool, error) {
	days := make(map[time.Weekday]bool, len(names))
	for _, name := range names {
		found := false
		for d := time.Sunday; d <= time.Saturday; d++ {
			full := strings.ToLower(d.String())
			if n := strings.ToLower(strings.TrimSpace(name)); n == full || n == full[:3] {
				days[d], found = true, true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("excluded_weekdays: unknown day %q", name)
		}
	}
	return days, nil
}

// OnFill applies the newly filled quantity to the holding.
func (m *Momentum) OnFill(_ context.Context, order domain.Order) error {
	delta := order.Filled - m.seen[order.ID]
	m.seen[order.ID] = order.Filled
	if order.State.Terminal() {
		delete(m.seen, order.ID)
	}

	h, ok := m.held[order.Symbol()]
	if !ok {
		h = &holding{}
		m.held[order.Symbol()] = h
	}
	if order.Side() == m.entrySide() {
		h.qty += delta
		if h.stop == 0 {
			h.stop = m.stopFor(order.AvgFillPrice)
		}
		if order.State.Terminal() {
			h.pendingEntry = false
		}
	} else {
		h.qty -= delta
		if order.State.Terminal() {
			h.pendingExit = false
		}
	}
	if h.qty <= 1e-12 && !h.pendingEntry && !h.pendingExit {
		delete(m.held, order.Symbol())
	}
	return nil
}

// OnOrderUpdate releases pending flags when an order ends without filling.
func (m *Momentum) OnOrderUpdate(_ context.Context, order domain.Order) error {
	delete(m.seen, order.ID)
	h, ok := m.held[order.Symbol()]
	if !ok {
		return nil
	}
	if order.Side() == m.entrySide() {
		h.pendingEntry = false
	} else {
		h.pendingExit = false
	}
	if h.qty <= 1e-12 {
		delete(m.held, order.Symbol())
	}
	return nil
}

// OnRejection drops a refused entry so the symbol can signal again, and
// re-arms a refused exit so the next tick under the stop retries it.
func (m *Momentum) OnRejection(ctx context.Context, intent domain.TradeIntent, err error) error {
	h, ok := m.held[intent.Symbol]
	if !ok {
		return nil
	}
	m.logger.WarnContext(ctx, "intent refused",
		slog.String("symbol", intent.Symbol),
		slog.String("side", string(intent.Side)),
		slog.String("error", err.Error()),
	)
	if intent.Side == m.entrySide() {
		h.pendingEntry = false
		if h.qty <= 1e-12 {
			delete(m.held, intent.Symbol)
		}
		return nil
	}
	h.pendingExit = false
	return nil
}
