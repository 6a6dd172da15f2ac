// Package order owns the order lifecycle: it turns approved intents into
// orders, hands them to an execution backend, applies backend reports to the
// ledger and advances each order through its state machine.
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/tradecore/internal/domain"
	"github.com/alanyoungcy/tradecore/internal/ledger"
)

const qtyEpsilon = 1e-9

// Observer receives every order state change. Calls are made outside the
// manager's lock, one at a time, in the order the changes happened.
type Observer interface {
	OrderUpdated(ctx context.Context, order domain.Order)
	FillApplied(ctx context.Context, order domain.Order, fill domain.Fill, snap domain.AccountSnapshot)
}

// Config controls order handling.
type Config struct {
	// LimitExpiry cancels resting limit orders this long after submission.
	// Zero means limit orders never expire.
	LimitExpiry time.Duration
}

type notice struct {
	order domain.Order
	fill  *domain.Fill
	snap  domain.AccountSnapshot
}

// Manager is the only component that mutates orders or the ledger.
type Manager struct {
	mu         sync.Mutex
	nextID     int64
	open       map[int64]*domain.Order
	archive    map[int64]*domain.Order // terminal orders
	cancelling map[int64]string        // requested cancels awaiting a backend report
	notices    []notice                // queued under mu, delivered under deliverMu
	ledger     *ledger.Ledger
	backend    domain.ExecutionBackend
	cfg        Config
	now        func() time.Time
	faults     domain.FaultSink
	logger     *slog.Logger

	obsMu     sync.RWMutex
	observers []Observer
	deliverMu sync.Mutex
}

// NewManager creates a Manager that books fills into l and routes orders to
// backend.
func NewManager(l *ledger.Ledger, backend domain.ExecutionBackend, cfg Config, logger *slog.Logger) *Manager {
	return &Manager{
		open:       make(map[int64]*domain.Order),
		archive:    make(map[int64]*domain.Order),
		cancelling: make(map[int64]string),
		ledger:     l,
		backend:    backend,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger.With(slog.String("component", "order_manager")),
	}
}

// SetClock replaces the time source. Backtests pass the current event time so
// that order timestamps are reproducible. Must be called before Submit.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// SetFaultSink routes ExecutionFaults to f.
func (m *Manager) SetFaultSink(f domain.FaultSink) {
	m.faults = f
}

// AddObserver registers o for all subsequent state changes.
func (m *Manager) AddObserver(o Observer) {
	m.obsMu.Lock()
	m.observers = append(m.observers, o)
	m.obsMu.Unlock()
}

// Ledger returns the ledger fills are booked into.
func (m *Manager) Ledger() *ledger.Ledger {
	return m.ledger
}

// Book returns the ledger snapshot together with the open orders, read
// under one lock so no fill is counted in both or in neither.
func (m *Manager) Book() (domain.AccountSnapshot, []domain.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledger.Snapshot(), sorted(m.open)
}

// Submit creates an order for qty units of intent and hands it to the
// backend. qty is the risk-approved quantity and may not exceed the intent's.
// A backend error rejects the order and is returned as an ExecutionFault; the
// order is never resubmitted.
func (m *Manager) Submit(ctx context.Context, intent domain.TradeIntent, qty float64) (domain.Order, error) {
	if !(qty > 0) || qty > intent.Quantity+qtyEpsilon {
		return domain.Order{}, fmt.Errorf("order: submit %s: quantity %v outside (0, %v]: %w",
			intent.ID, qty, intent.Quantity, domain.ErrInvalidIntent)
	}

	m.mu.Lock()
	m.nextID++
	now := m.now()
	o := &domain.Order{
		ID:          m.nextID,
		Intent:      intent,
		State:       domain.OrderPending,
		Quantity:    qty,
		SubmittedAt: now,
	}
	if intent.Kind == domain.IntentLimit && m.cfg.LimitExpiry > 0 {
		exp := now.Add(m.cfg.LimitExpiry)
		o.ExpiresAt = &exp
	}
	m.open[o.ID] = o
	pending := *o
	m.queue(notice{order: pending})
	m.mu.Unlock()
	m.flush(ctx)

	log := m.logger.With(
		slog.Int64("order_id", pending.ID),
		slog.String("intent_id", intent.ID),
		slog.String("symbol", intent.Symbol),
		slog.String("side", string(intent.Side)),
		slog.Float64("quantity", qty),
	)

	if err := m.backend.Submit(ctx, pending); err != nil {
		fault := &domain.ExecutionFault{OrderID: pending.ID, Err: err}
		m.mu.Lock()
		o.Reason = err.Error()
		_ = advance(o, domain.OrderRejected, m.now())
		rejected := *o
		m.queue(notice{order: rejected})
		m.mu.Unlock()
		log.WarnContext(ctx, "order rejected by backend", slog.String("error", err.Error()))
		m.flush(ctx)
		m.fault(ctx, fault)
		return rejected, fault
	}

	m.mu.Lock()
	// A fast backend may already have reported a fill through Run; its
	// notices are queued ahead and this order is past Pending.
	if o.State == domain.OrderPending {
		_ = advance(o, domain.OrderSubmitted, m.now())
		m.queue(notice{order: *o})
	}
	submitted := *o
	m.mu.Unlock()
	log.DebugContext(ctx, "order submitted")
	m.flush(ctx)
	return submitted, nil
}

// Cancel requests cancellation of order id. The order becomes Cancelled once
// the backend acknowledges: immediately for local matchers, otherwise when the
// backend's cancel report arrives through Run. Fills reported before that
// report are still applied.
func (m *Manager) Cancel(ctx context.Context, id int64, reason string) error {
	m.mu.Lock()
	o, ok := m.lookup(id)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("order: cancel %d: %w", id, domain.ErrUnknownOrder)
	}
	if o.State.Terminal() {
		m.mu.Unlock()
		return nil
	}
	if _, pending := m.cancelling[id]; pending {
		m.mu.Unlock()
		return nil
	}
	m.cancelling[id] = reason
	m.mu.Unlock()

	if err := m.backend.Cancel(ctx, id); err != nil {
		m.mu.Lock()
		delete(m.cancelling, id)
		m.mu.Unlock()
		return fmt.Errorf("order: cancel %d: %w", id, err)
	}
	if _, local := m.backend.(domain.Matcher); !local {
		return nil
	}
	return m.applyCancel(ctx, id, reason)
}

// HandleReport applies one backend report. For fills the ledger is updated
// before the order's filled quantity advances. A LedgerInvariantViolation is
// returned as-is and is fatal to the run; other errors are informational.
func (m *Manager) HandleReport(ctx context.Context, rep domain.ExecutionReport) error {
	switch rep.Kind {
	case domain.ReportFill:
		return m.applyFill(ctx, rep)
	case domain.ReportCancel:
		return m.applyCancel(ctx, rep.OrderID, rep.Reason)
	case domain.ReportReject:
		return m.applyReject(ctx, rep)
	default:
		return fmt.Errorf("order: unknown report kind %q", rep.Kind)
	}
}

func (m *Manager) applyFill(ctx context.Context, rep domain.ExecutionReport) error {
	m.mu.Lock()
	o, ok := m.lookup(rep.OrderID)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("order: fill for %d: %w", rep.OrderID, domain.ErrUnknownOrder)
	}
	if o.State == domain.OrderPending {
		_ = advance(o, domain.OrderSubmitted, rep.Fill.Time)
	}

	snap, err := m.ledger.ApplyFill(*o, rep.Fill)
	if err != nil {
		m.mu.Unlock()
		m.logger.ErrorContext(ctx, "fill rejected by ledger",
			slog.Int64("order_id", rep.OrderID),
			slog.String("error", err.Error()),
		)
		return err
	}

	f := rep.Fill
	total := o.Filled + f.Quantity
	o.AvgFillPrice = (o.AvgFillPrice*o.Filled + f.Price*f.Quantity) / total
	o.Filled = total
	o.Fees += f.Fee
	if o.FirstFillAt == nil {
		t := f.Time
		o.FirstFillAt = &t
	}
	next := domain.OrderPartiallyFilled
	if o.Quantity-o.Filled <= qtyEpsilon {
		next = domain.OrderFilled
		delete(m.cancelling, o.ID)
	}
	if err := advance(o, next, f.Time); err != nil {
		// The ledger has accepted the fill, so the order must follow it.
		m.mu.Unlock()
		return &domain.LedgerInvariantViolation{OrderID: o.ID, Detail: err.Error()}
	}
	m.queue(notice{order: *o, fill: &f, snap: snap})
	m.mu.Unlock()

	m.flush(ctx)
	return nil
}

func (m *Manager) applyCancel(ctx context.Context, id int64, reason string) error {
	m.mu.Lock()
	o, ok := m.lookup(id)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("order: cancel report for %d: %w", id, domain.ErrUnknownOrder)
	}
	if requested, ok := m.cancelling[id]; ok {
		reason = requested
		delete(m.cancelling, id)
	}
	if o.State.Terminal() {
		// Cancel acknowledged after the order already finished.
		m.mu.Unlock()
		return nil
	}
	if err := advance(o, domain.OrderCancelled, m.now()); err != nil {
		m.mu.Unlock()
		return err
	}
	o.Reason = reason
	filled := o.Filled
	m.queue(notice{order: *o})
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "order cancelled",
		slog.Int64("order_id", id),
		slog.Float64("filled", filled),
		slog.String("reason", reason),
	)
	m.flush(ctx)
	return nil
}

func (m *Manager) applyReject(ctx context.Context, rep domain.ExecutionReport) error {
	m.mu.Lock()
	o, ok := m.lookup(rep.OrderID)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("order: reject report for %d: %w", rep.OrderID, domain.ErrUnknownOrder)
	}
	if o.State.Terminal() {
		m.mu.Unlock()
		return nil
	}
	delete(m.cancelling, o.ID)
	to := domain.OrderRejected
	if o.State == domain.OrderPartiallyFilled {
		// Rejected is only reachable before any fill; keep what was filled.
		to = domain.OrderCancelled
	}
	if err := advance(o, to, m.now()); err != nil {
		m.mu.Unlock()
		return err
	}
	o.Reason = rep.Reason
	m.queue(notice{order: *o})
	m.mu.Unlock()

	m.logger.WarnContext(ctx, "order rejected",
		slog.Int64("order_id", rep.OrderID),
		slog.String("reason", rep.Reason),
	)
	m.flush(ctx)
	m.fault(ctx, &domain.ExecutionFault{OrderID: rep.OrderID, Err: errors.New(rep.Reason)})
	return nil
}

// OnMarket runs per-event order maintenance: it first cancels resting orders
// whose expiry is at or before ev.Time, then, for backends that match
// locally, applies the reports produced by ev. Expiry runs first so an event
// at the expiry instant cannot fill.
func (m *Manager) OnMarket(ctx context.Context, ev domain.MarketEvent) error {
	for _, id := range m.expired(ev.Time) {
		if err := m.Cancel(ctx, id, "expired"); err != nil {
			m.logger.WarnContext(ctx, "expiry cancel failed",
				slog.Int64("order_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	matcher, ok := m.backend.(domain.Matcher)
	if !ok {
		return nil
	}
	for _, rep := range matcher.Match(ev) {
		if err := m.HandleReport(ctx, rep); err != nil {
			if domain.IsFatal(err) {
				return err
			}
			m.logger.WarnContext(ctx, "report not applied",
				slog.Int64("order_id", rep.OrderID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (m *Manager) expired(at time.Time) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id, o := range m.open {
		if o.ExpiresAt != nil && !at.Before(*o.ExpiresAt) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Run applies asynchronous backend reports until ctx is cancelled or the
// report channel closes. It returns early only on a fatal ledger error.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("order manager started")
	defer m.logger.Info("order manager stopped")

	reports := m.backend.Reports()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rep, ok := <-reports:
			if !ok {
				return nil
			}
			if err := m.HandleReport(ctx, rep); err != nil {
				if domain.IsFatal(err) {
					return err
				}
				m.logger.WarnContext(ctx, "report not applied",
					slog.Int64("order_id", rep.OrderID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Drain requests cancellation of every open order and waits until all of
// them are terminal or ctx expires. Late reports are still applied by Run
// while Drain waits.
func (m *Manager) Drain(ctx context.Context) error {
	open := m.Open()
	if len(open) == 0 {
		return nil
	}
	m.logger.InfoContext(ctx, "draining open orders", slog.Int("count", len(open)))
	for _, o := range open {
		if err := m.Cancel(ctx, o.ID, "drain"); err != nil {
			m.logger.WarnContext(ctx, "drain cancel failed",
				slog.Int64("order_id", o.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		n := len(m.Open())
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("order: drain: %d orders still open: %w", n, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Get returns a copy of order id.
func (m *Manager) Get(id int64) (domain.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.lookup(id)
	if !ok {
		return domain.Order{}, false
	}
	return *o, true
}

// Open returns all non-terminal orders ordered by ID.
func (m *Manager) Open() []domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sorted(m.open)
}

// Orders returns every order, open and archived, ordered by ID.
func (m *Manager) Orders() []domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sorted(m.open, m.archive)
}

func sorted(sets ...map[int64]*domain.Order) []domain.Order {
	var out []domain.Order
	for _, set := range sets {
		for _, o := range set {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// lookup finds an order whether open or archived. Callers hold mu.
func (m *Manager) lookup(id int64) (*domain.Order, bool) {
	if o, ok := m.open[id]; ok {
		return o, true
	}
	o, ok := m.archive[id]
	return o, ok
}

// queue records a state change for delivery and archives the order once it
// is terminal. Callers hold mu, so notices queue in the order changes happen.
func (m *Manager) queue(n notice) {
	if n.order.State.Terminal() {
		if o, ok := m.open[n.order.ID]; ok {
			delete(m.open, o.ID)
			m.archive[o.ID] = o
		}
	}
	m.notices = append(m.notices, n)
}

// flush delivers queued notices in FIFO order. A caller that finds another
// goroutine delivering waits for it, so its own notice has gone out when
// flush returns.
func (m *Manager) flush(ctx context.Context) {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()
	for {
		m.mu.Lock()
		if len(m.notices) == 0 {
			m.mu.Unlock()
			return
		}
		n := m.notices[0]
		m.notices[0] = notice{}
		m.notices = m.notices[1:]
		m.mu.Unlock()
		m.notify(ctx, n)
	}
}

func (m *Manager) notify(ctx context.Context, n notice) {
	m.obsMu.RLock()
	obs := m.observers
	m.obsMu.RUnlock()
	for _, o := range obs {
		if n.fill != nil {
			o.FillApplied(ctx, n.order, *n.fill, n.snap)
		}
		o.OrderUpdated(ctx, n.order)
	}
}

func (m *Manager) fault(ctx context.Context, err error) {
	if m.faults != nil {
		m.faults.Fault(ctx, err)
	}
}
