package history

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// objectTimeLayout names series objects so that path order is time order.
const objectTimeLayout = "20060102T150405.000000000Z"

// Recorder captures live events and periodically uploads them to object
// storage as <prefix>/<symbol>/<first event time>.csv, readable back through
// BlobSource. Events older than what was already uploaded for a symbol are
// skipped so the series stays monotonic.
type Recorder struct {
	writer domain.BlobWriter
	prefix string
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string][]domain.MarketEvent
	written map[string]time.Time
	skipped int
}

// NewRecorder creates a Recorder uploading under prefix.
func NewRecorder(writer domain.BlobWriter, prefix string, logger *slog.Logger) *Recorder {
	return &Recorder{
		writer:  writer,
		prefix:  strings.Trim(prefix, "/"),
		logger:  logger.With(slog.String("component", "history_recorder")),
		pending: make(map[string][]domain.MarketEvent),
		written: make(map[string]time.Time),
	}
}

// Tap buffers one event.
func (r *Recorder) Tap(ev domain.MarketEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if last, ok := r.written[ev.Symbol]; ok && ev.Time.Before(last) {
		r.skipped++
		return
	}
	r.pending[ev.Symbol] = append(r.pending[ev.Symbol], ev)
}

// Skipped returns how many events arrived too late to record.
func (r *Recorder) Skipped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.skipped
}

// Flush uploads every buffered event. Symbols whose upload fails keep their
// events for the next attempt.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	batch := r.pending
	r.pending = make(map[string][]domain.MarketEvent)
	r.mu.Unlock()

	symbols := make([]string, 0, len(batch))
	for sym := range batch {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	var firstErr error
	for _, sym := range symbols {
		events := batch[sym]
		sort.SliceStable(events, func(i, j int) bool { return events[i].Time.Before(events[j].Time) })

		var buf bytes.Buffer
		if err := EncodeCSV(&buf, events); err != nil {
			return err
		}
		p := path.Join(r.prefix, sym, events[0].Time.UTC().Format(objectTimeLayout)+".csv")
		if err := r.writer.Put(ctx, p, &buf, "text/csv"); err != nil {
			r.requeue(sym, events)
			if firstErr == nil {
				firstErr = fmt.Errorf("history: upload %s: %w", p, err)
			}
			continue
		}

		r.mu.Lock()
		r.written[sym] = events[len(events)-1].Time
		r.mu.Unlock()
		r.logger.InfoContext(ctx, "history uploaded",
			slog.String("symbol", sym),
			slog.Int("events", len(events)),
			slog.String("path", p),
		)
	}
	return firstErr
}

func (r *Recorder) requeue(sym string, events []domain.MarketEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[sym] = append(events, r.pending[sym]...)
}

// RunLoop flushes on every interval until ctx is cancelled, then flushes
// once more with a short detached context.
func (r *Recorder) RunLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			if err := r.Flush(flushCtx); err != nil {
				r.logger.Error("final history flush failed", slog.String("error", err.Error()))
			}
			cancel()
			r.logger.Info("history recorder stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := r.Flush(ctx); err != nil {
				r.logger.ErrorContext(ctx, "history flush failed", slog.String("error", err.Error()))
			}
		}
	}
}
