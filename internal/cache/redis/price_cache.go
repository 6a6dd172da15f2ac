package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// PriceCache implements domain.PriceCache using Redis hashes. Each symbol's
// mark is stored at "mark:{symbol}" with fields "price" and "ts" (Unix
// nanoseconds).
type PriceCache struct {
	rdb  *redis.Client
	keys func(string) string
}

var _ domain.PriceCache = (*PriceCache)(nil)

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying(), keys: c.Key}
}

func markKey(symbol string) string {
	return "mark:" + symbol
}

func markFields(price float64, ts time.Time) map[string]any {
	return map[string]any{
		"price": strconv.FormatFloat(price, 'f', -1, 64),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}
}

// parseMark decodes a mark hash. ok is false when a field is missing.
func parseMark(vals map[string]string) (price float64, ts time.Time, ok bool, err error) {
	priceStr, ok1 := vals["price"]
	tsStr, ok2 := vals["ts"]
	if !ok1 || !ok2 {
		return 0, time.Time{}, false, nil
	}
	if price, err = strconv.ParseFloat(priceStr, 64); err != nil {
		return 0, time.Time{}, false, fmt.Errorf("parse price: %w", err)
	}
	nanos, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, time.Time{}, false, fmt.Errorf("parse ts: %w", err)
	}
	return price, time.Unix(0, nanos).UTC(), true, nil
}

// SetPrices stores several marks in one pipeline.
func (pc *PriceCache) SetPrices(ctx context.Context, marks map[string]domain.MarketEvent) error {
	if len(marks) == 0 {
		return nil
	}
	pipe := pc.rdb.Pipeline()
	for sym, ev := range marks {
		pipe.HSet(ctx, pc.keys(markKey(sym)), markFields(ev.Price, ev.Time))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set prices pipeline: %w", err)
	}
	return nil
}

// GetPrices returns the latest marks for symbols using a pipeline. Symbols
// without a mark are omitted.
func (pc *PriceCache) GetPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	if len(symbols) == 0 {
		return map[string]float64{}, nil
	}

	pipe := pc.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(symbols))
	for _, sym := range symbols {
		cmds[sym] = pipe.HGetAll(ctx, pc.keys(markKey(sym)))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get prices pipeline: %w", err)
	}

	result := make(map[string]float64, len(symbols))
	for sym, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil {
			continue
		}
		if price, _, ok, err := parseMark(vals); err == nil && ok {
			result[sym] = price
		}
	}
	return result, nil
}

// markSetter is the part of PriceCache the MarkWriter needs.
type markSetter interface {
	SetPrices(ctx context.Context, marks map[string]domain.MarketEvent) error
}

// MarkWriter is an engine tap that publishes the latest price of every symbol
// to the cache. Tap only records; RunLoop writes in batches so the event loop
// never waits on Redis.
type MarkWriter struct {
	cache  markSetter
	logger *slog.Logger

	mu     sync.Mutex
	latest map[string]domain.MarketEvent
}

// NewMarkWriter creates a MarkWriter flushing to cache.
func NewMarkWriter(cache markSetter, logger *slog.Logger) *MarkWriter {
	return &MarkWriter{
		cache:  cache,
		logger: logger.With(slog.String("component", "mark_writer")),
		latest: make(map[string]domain.MarketEvent),
	}
}

// Tap records ev if it is the newest price seen for its symbol.
func (w *MarkWriter) Tap(ev domain.MarketEvent) {
	w.mu.Lock()
	if cur, ok := w.latest[ev.Symbol]; !ok || !ev.Time.Before(cur.Time) {
		w.latest[ev.Symbol] = ev
	}
	w.mu.Unlock()
}

// Flush writes the marks recorded since the last flush. On failure they are
// kept unless a newer mark arrived meanwhile.
func (w *MarkWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	batch := w.latest
	w.latest = make(map[string]domain.MarketEvent, len(batch))
	w.mu.Unlock()

	if err := w.cache.SetPrices(ctx, batch); err != nil {
		w.mu.Lock()
		for sym, ev := range batch {
			if _, newer := w.latest[sym]; !newer {
				w.latest[sym] = ev
			}
		}
		w.mu.Unlock()
		return err
	}
	return nil
}

// Pending returns the symbols waiting to be flushed, sorted.
func (w *MarkWriter) Pending() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.latest))
	for sym := range w.latest {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// RunLoop flushes every interval until ctx is cancelled.
func (w *MarkWriter) RunLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Flush(ctx); err != nil && ctx.Err() == nil {
				w.logger.WarnContext(ctx, "mark flush failed", slog.String("error", err.Error()))
			}
		}
	}
}
