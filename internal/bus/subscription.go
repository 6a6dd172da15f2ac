// Package bus merges market data from replayed history or live feeds into a
// single stream ordered by timestamp, with ties broken by arrival sequence.
package bus

import (
	"context"
	"sync"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

const defaultBuffer = 256

// Subscription is a running event stream. Events is closed when the stream
// ends; Err then reports why, or nil for a clean end.
type Subscription struct {
	events chan domain.MarketEvent
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func newSubscription(parent context.Context, buffer int) (*Subscription, context.Context) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ctx, cancel := context.WithCancel(parent)
	return &Subscription{
		events: make(chan domain.MarketEvent, buffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}, ctx
}

// Events returns the ordered event channel.
func (s *Subscription) Events() <-chan domain.MarketEvent {
	return s.events
}

// Err returns the error that ended the stream, if any. It is meaningful
// once Events has been closed.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed after the producer has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close stops the producers and waits for them to exit. Events already
// delivered are not recalled; buffered ones are discarded.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
	for range s.events {
	}
}

func (s *Subscription) finish(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	close(s.events)
	close(s.done)
}

// send delivers ev unless ctx is cancelled first.
func (s *Subscription) send(ctx context.Context, ev domain.MarketEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
