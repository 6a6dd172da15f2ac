package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// LiveConfig controls live multiplexing.
type LiveConfig struct {
	Horizon time.Duration // max hold for reordering across feeds
	Buffer  int
	Now     func() time.Time
}

// Live multiplexes feeds into one ordered stream. Each feed runs in its own
// producer goroutine; a single merge goroutine stamps arrival sequence
// numbers and releases events through a Merger. The stream ends when ctx is
// cancelled, Close is called, or every feed has ended.
func Live(ctx context.Context, feeds []domain.LiveFeed, symbols []string, cfg LiveConfig, logger *slog.Logger) *Subscription {
	sub, ctx := newSubscription(ctx, cfg.Buffer)
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := logger.With(slog.String("component", "live_bus"))

	in := make(chan domain.MarketEvent, len(feeds)*64)
	var g errgroup.Group
	for _, f := range feeds {
		g.Go(func() error {
			ch, err := f.Connect(ctx, symbols)
			if err != nil {
				log.ErrorContext(ctx, "feed connect failed",
					slog.String("feed", f.Name()),
					slog.String("error", err.Error()),
				)
				return fmt.Errorf("bus: connect %s: %w", f.Name(), err)
			}
			log.InfoContext(ctx, "feed connected", slog.String("feed", f.Name()))
			for ev := range ch {
				if ev.Source == "" {
					ev.Source = f.Name()
				}
				select {
				case in <- ev:
				case <-ctx.Done():
					return nil
				}
			}
			log.InfoContext(ctx, "feed ended", slog.String("feed", f.Name()))
			return nil
		})
	}

	producers := make(chan error, 1)
	go func() {
		producers <- g.Wait()
		close(in)
	}()

	go func() {
		merge(ctx, sub, in, NewMerger(cfg.Horizon), cfg.Now)
		// Unblock producers before reporting.
		sub.cancel()
		for range in {
		}
		sub.finish(<-producers)
	}()
	return sub
}

func merge(ctx context.Context, sub *Subscription, in <-chan domain.MarketEvent, m *Merger, now func() time.Time) {
	var (
		seq   uint64
		timer *time.Timer
		wake  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	emit := func(evs []domain.MarketEvent) bool {
		for _, ev := range evs {
			if !sub.send(ctx, ev) {
				return false
			}
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				emit(m.Flush())
				return
			}
			seq++
			ev.Seq = seq
			ev.OutOfOrder = false
			at := now()
			if !emit(m.Push(ev, at)) || !emit(m.Release(at)) {
				return
			}
		case <-wake:
			if !emit(m.Release(now())) {
				return
			}
		}

		if timer != nil {
			timer.Stop()
			wake = nil
		}
		if next, ok := m.NextDeadline(); ok {
			timer = time.NewTimer(next.Sub(now()))
			wake = timer.C
		}
	}
}
