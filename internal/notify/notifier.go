// Package notify delivers operator alerts to chat channels. Notifications are
// filtered by event type and throttled per event so a repeating fault does
// not flood the channel.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Event types sent by a run.
const (
	EventStrategyFault   = "strategy_fault"
	EventLedgerViolation = "ledger_violation"
	EventOrderRejected   = "order_rejected"
	EventDataGap         = "data_gap"
	EventRunFinished     = "run_finished"
)

// DefaultEvents is the filter used when none is configured.
var DefaultEvents = []string{EventStrategyFault, EventLedgerViolation, EventOrderRejected, EventRunFinished}

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier dispatches notifications to its senders in parallel.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger

	mu         sync.Mutex
	every      time.Duration
	burst      int
	limiters   map[string]*rate.Limiter
	suppressed map[string]int
	now        func() time.Time
}

// NewNotifier creates a Notifier. Only events listed in events are sent; an
// empty list allows every event.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders:    senders,
		events:     allowed,
		logger:     logger.With(slog.String("component", "notifier")),
		limiters:   make(map[string]*rate.Limiter),
		suppressed: make(map[string]int),
		now:        time.Now,
	}
}

// Throttle limits each event type to burst notifications, refilled one per
// every. A zero every disables throttling.
func (n *Notifier) Throttle(every time.Duration, burst int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if burst < 1 {
		burst = 1
	}
	n.every, n.burst = every, burst
	n.limiters = make(map[string]*rate.Limiter)
}

// Notify sends the notification if event passes the filter and throttle.
// Throttled notifications are counted and reported with the next one sent.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	message, ok := n.admit(event, message)
	if !ok {
		n.logger.DebugContext(ctx, "event throttled", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

func (n *Notifier) admit(event, message string) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.every <= 0 {
		return message, true
	}
	lim, ok := n.limiters[event]
	if !ok {
		lim = rate.NewLimiter(rate.Every(n.every), n.burst)
		n.limiters[event] = lim
	}
	if !lim.AllowN(n.now(), 1) {
		n.suppressed[event]++
		return "", false
	}
	if c := n.suppressed[event]; c > 0 {
		message = fmt.Sprintf("%s\n(%d similar suppressed)", message, c)
		delete(n.suppressed, event)
	}
	return message, true
}

// dispatch sends to every sender. One sender failing does not stop the
// others; the failures are joined.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, s := range n.senders {
		g.Go(func() error {
			if err := s.Send(ctx, title, message); err != nil {
				n.logger.ErrorContext(ctx, "sender failed",
					slog.String("sender", s.Name()),
					slog.String("error", err.Error()),
				)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
				mu.Unlock()
				return nil
			}
			n.logger.DebugContext(ctx, "notification sent",
				slog.String("sender", s.Name()),
				slog.String("title", title),
			)
			return nil
		})
	}
	g.Wait()

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

// truncate cuts s to at most max runes.
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
