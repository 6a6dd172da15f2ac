package performance

import (
	"fmt"
	"sort"
	"time"
)

// PeriodSummary aggregates round trips closed within one period.
type PeriodSummary struct {
	Period   string  `json:"period"` // 2024-03-01, 2024-W09 or 2024-03
	Profit   float64 `json:"profit"`
	Quantity float64 `json:"quantity"`
	Trades   int     `json:"trades"`
}

// SymbolSummary aggregates round trips for one symbol.
type SymbolSummary struct {
	Symbol string  `json:"symbol"`
	Profit float64 `json:"profit"`
	Trades int     `json:"trades"`
	Wins   int     `json:"wins"`
	Losses int     `json:"losses"`
}

// Report is the end-of-run summary. Profit figures are net of fees.
type Report struct {
	RunID       string       `json:"run_id,omitempty"`
	Label       string       `json:"label,omitempty"`
	Start       time.Time    `json:"start"`
	End         time.Time    `json:"end"`
	StartEquity float64      `json:"start_equity"`
	FinalEquity float64      `json:"final_equity"`
	ReturnPct   float64      `json:"return_pct"`
	RealizedPnL float64      `json:"realized_pnl"`
	Stats       Stats        `json:"stats"`
	RoundTrips  []RoundTrip  `json:"round_trips"`
	Curve       []CurvePoint `json:"curve,omitempty"`

	Daily   []PeriodSummary `json:"daily"`
	Weekly  []PeriodSummary `json:"weekly"`
	Monthly []PeriodSummary `json:"monthly"`

	BySymbol       []SymbolSummary `json:"by_symbol"`
	WinningSymbols int             `json:"winning_symbols"`
	LosingSymbols  int             `json:"losing_symbols"`
	SymbolWinPct   float64         `json:"symbol_win_pct"`
	Best           *SymbolSummary  `json:"best,omitempty"`
	Worst          *SymbolSummary  `json:"worst,omitempty"`
}

// Report builds the summary of everything the tracker observed. startEquity
// is the account equity before the first event.
func (t *Tracker) Report(startEquity float64) Report {
	r := BuildReport(t.RoundTrips())
	r.Stats = t.Stats()
	r.Curve = t.Curve()
	r.StartEquity = startEquity
	r.FinalEquity = r.Stats.LastEquity
	if len(r.Curve) == 0 {
		r.FinalEquity = startEquity
	} else {
		r.Start = r.Curve[0].Time
		r.End = r.Curve[len(r.Curve)-1].Time
	}
	if startEquity > 0 {
		r.ReturnPct = (r.FinalEquity/startEquity - 1) * 100
	}
	return r
}

// BuildReport derives the realized-trade summaries from trips.
func BuildReport(trips []RoundTrip) Report {
	r := Report{RoundTrips: trips}
	if r.RoundTrips == nil {
		r.RoundTrips = []RoundTrip{}
	}
	for _, tr := range trips {
		r.RealizedPnL += tr.Net()
	}

	r.Daily = summarize(trips, func(t time.Time) string { return t.UTC().Format("2006-01-02") })
	r.Weekly = summarize(trips, func(t time.Time) string {
		y, w := t.UTC().ISOWeek()
		return fmt.Sprintf("%d-W%02d", y, w)
	})
	r.Monthly = summarize(trips, func(t time.Time) string { return t.UTC().Format("2006-01") })

	bySym := map[string]*SymbolSummary{}
	for _, tr := range trips {
		s, ok := bySym[tr.Symbol]
		if !ok {
			s = &SymbolSummary{Symbol: tr.Symbol}
			bySym[tr.Symbol] = s
		}
		s.Profit += tr.Net()
		s.Trades++
		if tr.Net() > 0 {
			s.Wins++
		} else {
			s.Losses++
		}
	}
	r.BySymbol = make([]SymbolSummary, 0, len(bySym))
	for _, s := range bySym {
		r.BySymbol = append(r.BySymbol, *s)
	}
	sort.Slice(r.BySymbol, func(i, j int) bool { return r.BySymbol[i].Symbol < r.BySymbol[j].Symbol })

	// A symbol counts as winning when its total is not negative.
	for i := range r.BySymbol {
		s := r.BySymbol[i]
		if s.Profit >= 0 {
			r.WinningSymbols++
		} else {
			r.LosingSymbols++
		}
		if r.Best == nil || s.Profit > r.Best.Profit {
			r.Best = &r.BySymbol[i]
		}
		if r.Worst == nil || s.Profit < r.Worst.Profit {
			r.Worst = &r.BySymbol[i]
		}
	}
	if n := len(r.BySymbol); n > 0 {
		r.SymbolWinPct = float64(r.WinningSymbols) / float64(n) * 100
	}
	return r
}

// summarize groups trips by the period key of their exit time. Keys sort
// chronologically as strings.
func summarize(trips []RoundTrip, key func(time.Time) string) []PeriodSummary {
	m := map[string]*PeriodSummary{}
	for _, tr := range trips {
		k := key(tr.ExitTime)
		p, ok := m[k]
		if !ok {
			p = &PeriodSummary{Period: k}
			m[k] = p
		}
		p.Profit += tr.Net()
		p.Quantity += tr.Quantity
		p.Trades++
	}
	out := make([]PeriodSummary, 0, len(m))
	for _, p := range m {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Period < out[j].Period })
	return out
}
