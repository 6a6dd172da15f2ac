// Package history provides historical market data sources for replay and a
// recorder that archives live ticks in the same format.
//
// Data is CSV with a header row:
//
//	time,symbol,price,volume,kind
//
// time is RFC 3339 (nanosecond precision allowed) or integer Unix seconds or
// milliseconds. symbol may be empty, in which case the requested symbol is
// used. volume and kind are optional; kind defaults to "trade".
package history

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

var header = []string{"time", "symbol", "price", "volume", "kind"}

// EncodeCSV writes events in the history format.
func EncodeCSV(w io.Writer, events []domain.MarketEvent) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("history: write header: %w", err)
	}
	for _, ev := range events {
		row := []string{
			ev.Time.UTC().Format(time.RFC3339Nano),
			ev.Symbol,
			strconv.FormatFloat(ev.Price, 'f', -1, 64),
			strconv.FormatFloat(ev.Volume, 'f', -1, 64),
			string(ev.Kind),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("history: write row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("history: flush: %w", err)
	}
	return nil
}

// parseTime accepts RFC 3339 or Unix seconds/milliseconds.
func parseTime(s string) (time.Time, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e11 { // milliseconds
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// csvIter streams events for one symbol within [from, to) from a CSV reader.
// It fails if timestamps go backwards.
type csvIter struct {
	r        *csv.Reader
	c        io.Closer
	name     string
	symbol   string
	from, to time.Time
	cols     map[string]int
	line     int
	last     time.Time
	done     bool
}

func newCSVIter(rc io.ReadCloser, name, symbol string, from, to time.Time) (*csvIter, error) {
	r := csv.NewReader(rc)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	first, err := r.Read()
	if err != nil {
		rc.Close()
		if errors.Is(err, io.EOF) {
			return &csvIter{done: true}, nil
		}
		return nil, fmt.Errorf("history: %s: read header: %w", name, err)
	}
	cols := make(map[string]int, len(first))
	for i, h := range first {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, req := range []string{"time", "price"} {
		if _, ok := cols[req]; !ok {
			rc.Close()
			return nil, fmt.Errorf("history: %s: missing column %q", name, req)
		}
	}
	return &csvIter{r: r, c: rc, name: name, symbol: symbol, from: from, to: to, cols: cols, line: 1}, nil
}

func (it *csvIter) field(rec []string, col string) string {
	i, ok := it.cols[col]
	if !ok || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

func (it *csvIter) Next(ctx context.Context) (domain.MarketEvent, bool, error) {
	for !it.done {
		if err := ctx.Err(); err != nil {
			return domain.MarketEvent{}, false, err
		}
		rec, err := it.r.Read()
		if errors.Is(err, io.EOF) {
			it.done = true
			break
		}
		it.line++
		if err != nil {
			return domain.MarketEvent{}, false, fmt.Errorf("history: %s line %d: %w", it.name, it.line, err)
		}

		ev, err := it.parse(rec)
		if err != nil {
			return domain.MarketEvent{}, false, fmt.Errorf("history: %s line %d: %w", it.name, it.line, err)
		}
		if ev.Symbol != it.symbol {
			continue
		}
		if ev.Time.Before(it.last) {
			return domain.MarketEvent{}, false, fmt.Errorf("history: %s line %d: timestamp %s before %s",
				it.name, it.line, ev.Time.Format(time.RFC3339Nano), it.last.Format(time.RFC3339Nano))
		}
		it.last = ev.Time
		if ev.Time.Before(it.from) {
			continue
		}
		if !ev.Time.Before(it.to) {
			it.done = true
			break
		}
		return ev, true, nil
	}
	return domain.MarketEvent{}, false, nil
}

func (it *csvIter) parse(rec []string) (domain.MarketEvent, error) {
	ts, err := parseTime(it.field(rec, "time"))
	if err != nil {
		return domain.MarketEvent{}, fmt.Errorf("time: %w", err)
	}
	price, err := strconv.ParseFloat(it.field(rec, "price"), 64)
	if err != nil {
		return domain.MarketEvent{}, fmt.Errorf("price: %w", err)
	}
	ev := domain.MarketEvent{Symbol: it.field(rec, "symbol"), Time: ts, Price: price, Kind: domain.EventKindTrade}
	if ev.Symbol == "" {
		ev.Symbol = it.symbol
	}
	if v := it.field(rec, "volume"); v != "" {
		if ev.Volume, err = strconv.ParseFloat(v, 64); err != nil {
			return domain.MarketEvent{}, fmt.Errorf("volume: %w", err)
		}
	}
	if k := it.field(rec, "kind"); k != "" {
		ev.Kind = domain.EventKind(k)
	}
	return ev, nil
}

func (it *csvIter) Close() error {
	if it.c == nil {
		return nil
	}
	return it.c.Close()
}
