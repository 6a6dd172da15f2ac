package strategy

import (
	"math"
	"time"
)

type pricePoint struct {
	price float64
	at    time.Time
}

// rollingWindow keeps the prices of one symbol seen within a trailing span of
// event time, with running sums for O(1) mean and deviation.
type rollingWindow struct {
	points []pricePoint
	sum    float64
	sumSq  float64
}

// PriceWindow tracks a trailing window of prices per symbol, measured in
// event time. It is owned by a single strategy and not safe for concurrent
// use.
type PriceWindow struct {
	span    time.Duration
	windows map[string]*rollingWindow
}

// NewPriceWindow creates a PriceWindow. Prices older than span relative to
// the newest observation of their symbol are evicted.
func NewPriceWindow(span time.Duration) *PriceWindow {
	return &PriceWindow{span: span, windows: make(map[string]*rollingWindow)}
}

// Add records price for symbol at ts and evicts what fell out of the window.
func (p *PriceWindow) Add(symbol string, price float64, ts time.Time) {
	w := p.windows[symbol]
	if w == nil {
		w = &rollingWindow{}
		p.windows[symbol] = w
	}
	w.points = append(w.points, pricePoint{price: price, at: ts})
	w.sum += price
	w.sumSq += price * price

	cutoff := ts.Add(-p.span)
	n := 0
	for n < len(w.points) && w.points[n].at.Before(cutoff) {
		w.sum -= w.points[n].price
		w.sumSq -= w.points[n].price * w.points[n].price
		n++
	}
	if n > 0 {
		w.points = append(w.points[:0], w.points[n:]...)
	}
}

// Stats returns the mean and population standard deviation of the window
// and the number of prices in it. With fewer than two prices the deviation
// is zero.
func (p *PriceWindow) Stats(symbol string) (mean, stddev float64, n int) {
	w := p.windows[symbol]
	if w == nil || len(w.points) == 0 {
		return 0, 0, 0
	}
	n = len(w.points)
	mean = w.sum / float64(n)
	if n < 2 {
		return mean, 0, n
	}
	// Running sums drift slightly; never report a negative variance.
	variance := max(w.sumSq/float64(n)-mean*mean, 0)
	return mean, math.Sqrt(variance), n
}

// Prices returns a copy of symbol's window, oldest first.
func (p *PriceWindow) Prices(symbol string) []float64 {
	w := p.windows[symbol]
	if w == nil {
		return nil
	}
	out := make([]float64, len(w.points))
	for i, pt := range w.points {
		out[i] = pt.price
	}
	return out
}
