package bus

import (
	"container/heap"
	"time"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// Merger orders events from several feeds under a bounded-delay assumption.
// Each event is held for at most horizon after it arrived, then released in
// (time, seq) order. An event older than the last released timestamp is
// returned immediately with OutOfOrder set and is never reordered backward.
//
// Merger does no I/O and is not safe for concurrent use.
type Merger struct {
	horizon  time.Duration
	pending  pendingHeap
	last     time.Time
	released bool
}

// NewMerger creates a Merger with the given horizon.
func NewMerger(horizon time.Duration) *Merger {
	if horizon < 0 {
		horizon = 0
	}
	return &Merger{horizon: horizon}
}

// Push buffers ev, which must already carry its arrival Seq. If ev is too
// late to be ordered it is returned for immediate emission.
func (m *Merger) Push(ev domain.MarketEvent, arrived time.Time) []domain.MarketEvent {
	if m.released && ev.Time.Before(m.last) {
		ev.OutOfOrder = true
		return []domain.MarketEvent{ev}
	}
	heap.Push(&m.pending, pendingEvent{ev: ev, deadline: arrived.Add(m.horizon)})
	return nil
}

// Release returns, in order, every buffered event whose hold has expired by
// now, together with any earlier-stamped events that must precede them.
func (m *Merger) Release(now time.Time) []domain.MarketEvent {
	var (
		watermark time.Time
		found     bool
	)
	for _, p := range m.pending {
		if !p.deadline.After(now) && (!found || p.ev.Time.After(watermark)) {
			watermark, found = p.ev.Time, true
		}
	}
	if !found {
		return nil
	}
	var out []domain.MarketEvent
	for m.pending.Len() > 0 && !m.pending[0].ev.Time.After(watermark) {
		out = append(out, m.pop())
	}
	return out
}

// Flush releases everything still buffered.
func (m *Merger) Flush() []domain.MarketEvent {
	out := make([]domain.MarketEvent, 0, m.pending.Len())
	for m.pending.Len() > 0 {
		out = append(out, m.pop())
	}
	return out
}

// NextDeadline returns the earliest instant at which Release would return
// something.
func (m *Merger) NextDeadline() (time.Time, bool) {
	var (
		next  time.Time
		found bool
	)
	for _, p := range m.pending {
		if !found || p.deadline.Before(next) {
			next, found = p.deadline, true
		}
	}
	return next, found
}

// Len returns the number of buffered events.
func (m *Merger) Len() int { return m.pending.Len() }

func (m *Merger) pop() domain.MarketEvent {
	ev := heap.Pop(&m.pending).(pendingEvent).ev
	m.last = ev.Time
	m.released = true
	return ev
}

type pendingEvent struct {
	ev       domain.MarketEvent
	deadline time.Time
}

type pendingHeap []pendingEvent

func (h pendingHeap) Len() int           { return len(h) }
func (h pendingHeap) Less(i, j int) bool { return h[i].ev.Before(h[j].ev) }
func (h pendingHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *pendingHeap) Push(x any) { *h = append(*h, x.(pendingEvent)) }

func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
