package risk

import (
	"context"
	"sync"
	"time"
)

// EventWindow is an in-memory sliding window over caller-supplied timestamps.
// Backtests pass event time, which keeps rate decisions reproducible.
type EventWindow struct {
	mu    sync.Mutex
	stamp []time.Time
}

// NewEventWindow returns an empty window.
func NewEventWindow() *EventWindow {
	return &EventWindow{}
}

// Allow drops entries older than window, then admits now if fewer than limit
// entries remain.
func (w *EventWindow) Allow(_ context.Context, now time.Time, limit int, window time.Duration) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-window)
	i := 0
	for i < len(w.stamp) && !w.stamp[i].After(cutoff) {
		i++
	}
	w.stamp = w.stamp[i:]

	if len(w.stamp) >= limit {
		return false, nil
	}
	w.stamp = append(w.stamp, now)
	return true, nil
}
