package bus

import (
	"container/heap"
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// Pacing selects how fast a replay emits events.
type Pacing string

const (
	// PacingFull emits as fast as the consumer reads.
	PacingFull Pacing = "full"
	// PacingWallclock sleeps the timestamp delta between events, divided by
	// Speed.
	PacingWallclock Pacing = "wallclock"
)

// Clock allows deterministic pacing in tests.
type Clock interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ReplayConfig controls a historical replay.
type ReplayConfig struct {
	Pacing Pacing
	Speed  float64 // wallclock multiplier; <= 0 means 1
	Buffer int
	Clock  Clock
}

// Replay streams events for symbols in [from, to) from src. Per-symbol
// iterators are merged by timestamp, then by position in symbols, then by
// read order, so repeated replays of the same data yield the same sequence.
// The stream ends when every iterator is exhausted.
func Replay(ctx context.Context, src domain.HistoricalSource, symbols []string, from, to time.Time, cfg ReplayConfig) *Subscription {
	sub, ctx := newSubscription(ctx, cfg.Buffer)
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.Speed <= 0 {
		cfg.Speed = 1
	}
	go func() {
		sub.finish(replay(ctx, sub, src, symbols, from, to, cfg))
	}()
	return sub
}

func replay(ctx context.Context, sub *Subscription, src domain.HistoricalSource, symbols []string, from, to time.Time, cfg ReplayConfig) error {
	iters := make([]domain.EventIterator, len(symbols))
	defer func() {
		for _, it := range iters {
			if it != nil {
				_ = it.Close()
			}
		}
	}()

	h := &replayHeap{}
	for i, sym := range symbols {
		it, err := src.Read(ctx, sym, from, to)
		if err != nil {
			return fmt.Errorf("bus: replay: open %s: %w", sym, err)
		}
		iters[i] = it
		if err := pull(ctx, h, it, i); err != nil {
			return err
		}
	}

	var (
		seq  uint64
		last time.Time
	)
	for h.Len() > 0 {
		item := heap.Pop(h).(replayItem)
		ev := item.ev

		if cfg.Pacing == PacingWallclock && seq > 0 && ev.Time.After(last) {
			delay := time.Duration(float64(ev.Time.Sub(last)) / cfg.Speed)
			if err := cfg.Clock.Sleep(ctx, delay); err != nil {
				return nil
			}
		}

		seq++
		ev.Seq = seq
		if seq > 1 && ev.Time.Before(last) {
			ev.OutOfOrder = true
		} else {
			last = ev.Time
		}
		if !sub.send(ctx, ev) {
			return nil
		}

		if err := pull(ctx, h, iters[item.src], item.src); err != nil {
			return err
		}
	}
	return nil
}

func pull(ctx context.Context, h *replayHeap, it domain.EventIterator, src int) error {
	ev, ok, err := it.Next(ctx)
	if err != nil {
		return fmt.Errorf("bus: replay: read: %w", err)
	}
	if ok {
		h.order++
		heap.Push(h, replayItem{ev: ev, src: src, order: h.order})
	}
	return nil
}

type replayItem struct {
	ev    domain.MarketEvent
	src   int
	order uint64
}

type replayHeap struct {
	items []replayItem
	order uint64
}

func (h *replayHeap) Len() int { return len(h.items) }

func (h *replayHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if !a.ev.Time.Equal(b.ev.Time) {
		return a.ev.Time.Before(b.ev.Time)
	}
	if a.src != b.src {
		return a.src < b.src
	}
	return a.order < b.order
}

func (h *replayHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *replayHeap) Push(x any) { h.items = append(h.items, x.(replayItem)) }

func (h *replayHeap) Pop() any {
	n := len(h.items)
	it := h.items[n-1]
	h.items = h.items[:n-1]
	return it
}
