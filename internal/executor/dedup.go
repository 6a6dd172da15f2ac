package executor

import (
	"sync"
	"time"
)

// Dedup remembers intent IDs for a TTL measured on the intents' own event
// clock, so a replay makes the same calls a live run did. IDs expire in
// the order they were first seen.
type Dedup struct {
	mu    sync.Mutex
	ttl   time.Duration
	first map[string]time.Time
	order []seenID
}

type seenID struct {
	id string
	at time.Time
}

func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{ttl: ttl, first: make(map[string]time.Time)}
}

// IsDuplicate reports whether id was seen less than ttl before now, and
// records it otherwise.
func (d *Dedup) IsDuplicate(id string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if at, ok := d.first[id]; ok && now.Sub(at) < d.ttl {
		return true
	}
	d.first[id] = now
	d.order = append(d.order, seenID{id: id, at: now})
	return false
}

// Cleanup forgets IDs first seen ttl or more before now. Event times are
// nearly monotonic, so it stops at the first live entry.
func (d *Dedup) Cleanup(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for ; n < len(d.order) && now.Sub(d.order[n].at) >= d.ttl; n++ {
		// A re-recorded ID has a newer entry further back; keep its map slot.
		if e := d.order[n]; d.first[e.id].Equal(e.at) {
			delete(d.first, e.id)
		}
	}
	d.order = append(d.order[:0:0], d.order[n:]...)
}

func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.first)
}
