package strategy

import (
	"time"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// Bar is an OHLCV candle over a fixed interval.
type Bar struct {
	Start  time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Green reports whether the bar closed above its open.
func (b Bar) Green() bool { return b.Close > b.Open }

// BarAggregator folds ticks into fixed-interval bars per symbol and keeps the
// most recent closed bars.
type BarAggregator struct {
	interval time.Duration
	keep     int
	open     map[string]*Bar
	closed   map[string][]Bar
}

// NewBarAggregator creates an aggregator that retains up to keep closed bars
// per symbol.
func NewBarAggregator(interval time.Duration, keep int) *BarAggregator {
	if interval <= 0 {
		interval = time.Minute
	}
	return &BarAggregator{
		interval: interval,
		keep:     keep,
		open:     make(map[string]*Bar),
		closed:   make(map[string][]Bar),
	}
}

// Add folds ev into the current bar for its symbol. When ev starts a new
// interval the previous bar is closed and returned.
func (a *BarAggregator) Add(ev domain.MarketEvent) (Bar, bool) {
	start := ev.Time.Truncate(a.interval)
	cur, ok := a.open[ev.Symbol]
	if ok && !start.After(cur.Start) {
		if ev.Price > cur.High {
			cur.High = ev.Price
		}
		if ev.Price < cur.Low {
			cur.Low = ev.Price
		}
		cur.Close = ev.Price
		cur.Volume += ev.Volume
		return Bar{}, false
	}

	a.open[ev.Symbol] = &Bar{
		Start: start, Open: ev.Price, High: ev.Price, Low: ev.Price, Close: ev.Price, Volume: ev.Volume,
	}
	if !ok {
		return Bar{}, false
	}
	done := *cur
	bars := append(a.closed[ev.Symbol], done)
	if a.keep > 0 && len(bars) > a.keep {
		bars = bars[len(bars)-a.keep:]
	}
	a.closed[ev.Symbol] = bars
	return done, true
}

// Bars returns the closed bars for symbol, oldest first.
func (a *BarAggregator) Bars(symbol string) []Bar {
	return a.closed[symbol]
}
