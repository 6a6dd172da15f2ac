package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// MemorySource holds events in memory. Used by tests and parameter sweeps
// that replay the same window many times.
type MemorySource struct {
	mu     sync.RWMutex
	events map[string][]domain.MarketEvent
}

var _ domain.HistoricalSource = (*MemorySource)(nil)

// NewMemorySource creates an empty MemorySource.
func NewMemorySource() *MemorySource {
	return &MemorySource{events: make(map[string][]domain.MarketEvent)}
}

// Add appends events, keeping each symbol's series sorted by time. Events
// with equal timestamps keep their insertion order.
func (m *MemorySource) Add(events ...domain.MarketEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	touched := make(map[string]bool)
	for _, ev := range events {
		m.events[ev.Symbol] = append(m.events[ev.Symbol], ev)
		touched[ev.Symbol] = true
	}
	for sym := range touched {
		s := m.events[sym]
		sort.SliceStable(s, func(i, j int) bool { return s[i].Time.Before(s[j].Time) })
	}
}

// Load copies every event from src for symbols within [from, to).
func Load(ctx context.Context, src domain.HistoricalSource, symbols []string, from, to time.Time) (*MemorySource, error) {
	m := NewMemorySource()
	for _, sym := range symbols {
		it, err := src.Read(ctx, sym, from, to)
		if err != nil {
			return nil, err
		}
		var batch []domain.MarketEvent
		for {
			ev, ok, err := it.Next(ctx)
			if err != nil {
				it.Close()
				return nil, err
			}
			if !ok {
				break
			}
			batch = append(batch, ev)
		}
		it.Close()
		m.Add(batch...)
	}
	return m, nil
}

// Read returns the events for symbol within [from, to).
func (m *MemorySource) Read(_ context.Context, symbol string, from, to time.Time) (domain.EventIterator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.events[symbol]
	lo := sort.Search(len(s), func(i int) bool { return !s[i].Time.Before(from) })
	hi := sort.Search(len(s), func(i int) bool { return !s[i].Time.Before(to) })
	if hi < lo {
		hi = lo
	}
	out := make([]domain.MarketEvent, hi-lo)
	copy(out, s[lo:hi])
	return &sliceIter{events: out}, nil
}

type sliceIter struct {
	events []domain.MarketEvent
	pos    int
}

func (it *sliceIter) Next(ctx context.Context) (domain.MarketEvent, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.MarketEvent{}, false, err
	}
	if it.pos >= len(it.events) {
		return domain.MarketEvent{}, false, nil
	}
	ev := it.events[it.pos]
	it.pos++
	return ev, true, nil
}

func (it *sliceIter) Close() error { return nil }
