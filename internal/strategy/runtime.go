// Package strategy hosts trading strategies. Each strategy runs on its own
// goroutine and receives events and fills through a private inbox, so
// delivery to one instance is strictly sequential.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// ErrRuntimeStopped is returned by Dispatch after Run has exited.
var ErrRuntimeStopped = errors.New("strategy runtime stopped")

type job struct {
	ev       *domain.MarketEvent
	order    *domain.Order
	fill     bool
	rejected *domain.TradeIntent
	err      error
	reply    chan []domain.TradeIntent
}

type slot struct {
	strat   Strategy
	name    string
	inbox   chan job
	counter int64

	mu        sync.Mutex
	info      StrategyInfo
	suspended bool
}

func (s *slot) isSuspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended
}

// Runtime hosts N strategies. Dispatch fans one event out to every active
// strategy and returns their intents in strategy-name order, which keeps the
// downstream pipeline deterministic regardless of goroutine scheduling.
type Runtime struct {
	slots  []*slot
	byName map[string]*slot
	faults domain.FaultSink
	logger *slog.Logger

	started chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewRuntime creates a runtime for strats. Names must be unique.
func NewRuntime(strats []Strategy, logger *slog.Logger) (*Runtime, error) {
	r := &Runtime{
		byName:  make(map[string]*slot, len(strats)),
		logger:  logger.With(slog.String("component", "strategy_runtime")),
		started: make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, s := range strats {
		name := s.Name()
		if _, dup := r.byName[name]; dup {
			return nil, fmt.Errorf("strategy runtime: duplicate strategy %q", name)
		}
		sl := &slot{
			strat: s,
			name:  name,
			inbox: make(chan job),
			info:  StrategyInfo{Name: name, Status: "pending"},
		}
		r.slots = append(r.slots, sl)
		r.byName[name] = sl
	}
	sort.Slice(r.slots, func(i, j int) bool { return r.slots[i].name < r.slots[j].name })
	return r, nil
}

// SetFaultSink routes StrategyFaults to f. Must be called before Run.
func (r *Runtime) SetFaultSink(f domain.FaultSink) {
	r.faults = f
}

// Names returns the hosted strategy names in dispatch order.
func (r *Runtime) Names() []string {
	out := make([]string, len(r.slots))
	for i, s := range r.slots {
		out[i] = s.name
	}
	return out
}

// Infos returns runtime info for every hosted strategy.
func (r *Runtime) Infos() []StrategyInfo {
	out := make([]StrategyInfo, 0, len(r.slots))
	for _, s := range r.slots {
		s.mu.Lock()
		out = append(out, s.info)
		s.mu.Unlock()
	}
	return out
}

// Run starts one goroutine per strategy and blocks until ctx is cancelled.
// Strategies finish the event in hand before their goroutine exits.
func (r *Runtime) Run(ctx context.Context) error {
	r.logger.Info("strategy runtime started", slog.Any("strategies", r.Names()))
	defer r.logger.Info("strategy runtime stopped")

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range r.slots {
		g.Go(func() error {
			r.runSlot(gctx, s)
			return nil
		})
	}
	r.once.Do(func() { close(r.started) })
	err := g.Wait()
	close(r.stopped)
	return err
}

func (r *Runtime) runSlot(ctx context.Context, s *slot) {
	if in, ok := s.strat.(Initializer); ok {
		if err := r.guard(ctx, s, 0, func() error { return in.Init(ctx) }); err != nil {
			r.suspend(ctx, s, err)
		}
	}
	if !s.isSuspended() {
		s.mu.Lock()
		s.info.Status = "running"
		s.mu.Unlock()
	}
	defer func() {
		if c, ok := s.strat.(io.Closer); ok {
			if err := c.Close(); err != nil {
				r.logger.Warn("strategy close failed", slog.String("strategy", s.name), slog.String("error", err.Error()))
			}
		}
		s.mu.Lock()
		if !s.suspended {
			s.info.Status = "stopped"
		}
		s.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.inbox:
			r.handle(ctx, s, j)
		}
	}
}

func (r *Runtime) handle(ctx context.Context, s *slot, j job) {
	if s.isSuspended() {
		j.reply <- nil
		return
	}

	switch {
	case j.ev != nil:
		var intents []domain.TradeIntent
		err := r.guard(ctx, s, j.ev.Seq, func() error {
			var err error
			intents, err = s.strat.OnEvent(ctx, *j.ev)
			return err
		})
		if err != nil {
			r.suspend(ctx, s, err)
			intents = nil
		}
		intents = r.stamp(s, *j.ev, intents)
		s.mu.Lock()
		s.info.Events++
		s.mu.Unlock()
		j.reply <- intents

	case j.order != nil:
		err := r.guard(ctx, s, 0, func() error {
			if j.fill {
				return s.strat.OnFill(ctx, *j.order)
			}
			if l, ok := s.strat.(OrderListener); ok {
				return l.OnOrderUpdate(ctx, *j.order)
			}
			return nil
		})
		if err != nil {
			r.suspend(ctx, s, err)
		}
		j.reply <- nil

	case j.rejected != nil:
		err := r.guard(ctx, s, j.rejected.EventSeq, func() error {
			if l, ok := s.strat.(RejectionListener); ok {
				return l.OnRejection(ctx, *j.rejected, j.err)
			}
			return nil
		})
		if err != nil {
			r.suspend(ctx, s, err)
		}
		j.reply <- nil
	}
}

// guard runs fn, converting an error or panic into a StrategyFault.
func (r *Runtime) guard(_ context.Context, s *slot, seq uint64, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &domain.StrategyFault{Strategy: s.name, EventSeq: seq, Panic: true, Err: fmt.Errorf("%v", p)}
		}
	}()
	if e := fn(); e != nil {
		return &domain.StrategyFault{Strategy: s.name, EventSeq: seq, Err: e}
	}
	return nil
}

func (r *Runtime) suspend(ctx context.Context, s *slot, err error) {
	s.mu.Lock()
	s.suspended = true
	s.info.Status = "suspended"
	s.info.ErrorCount++
	s.info.LastError = err.Error()
	s.mu.Unlock()

	r.logger.ErrorContext(ctx, "strategy suspended",
		slog.String("strategy", s.name),
		slog.String("error", err.Error()),
	)
	if r.faults != nil {
		r.faults.Fault(ctx, err)
	}
}

// stamp fills in the fields the runtime owns: a deterministic ID, the
// strategy ID, the triggering event, and default kind and reference price.
func (r *Runtime) stamp(s *slot, ev domain.MarketEvent, intents []domain.TradeIntent) []domain.TradeIntent {
	if len(intents) == 0 {
		return nil
	}
	out := make([]domain.TradeIntent, 0, len(intents))
	for _, in := range intents {
		s.counter++
		if in.ID == "" {
			in.ID = fmt.Sprintf("%s-%d", s.name, s.counter)
		}
		in.StrategyID = s.name
		in.EventTime = ev.Time
		in.EventSeq = ev.Seq
		if in.Kind == "" {
			in.Kind = domain.IntentMarket
		}
		if in.RefPrice == 0 && in.Symbol == ev.Symbol {
			in.RefPrice = ev.Price
		}
		out = append(out, in)
	}
	s.mu.Lock()
	s.info.IntentsSent += int64(len(out))
	t := ev.Time
	s.info.LastIntent = &t
	s.mu.Unlock()
	return out
}

// Dispatch delivers ev to every active strategy concurrently, waits for all
// of them, and returns the intents in strategy-name order. Suspended
// strategies are skipped.
func (r *Runtime) Dispatch(ctx context.Context, ev domain.MarketEvent) ([]domain.TradeIntent, error) {
	select {
	case <-r.started:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	replies := make([]chan []domain.TradeIntent, len(r.slots))
	for i, s := range r.slots {
		if s.isSuspended() {
			continue
		}
		ch := make(chan []domain.TradeIntent, 1)
		e := ev
		select {
		case s.inbox <- job{ev: &e, reply: ch}:
			replies[i] = ch
		case <-r.stopped:
			return nil, ErrRuntimeStopped
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var out []domain.TradeIntent
	for _, ch := range replies {
		if ch == nil {
			continue
		}
		select {
		case intents := <-ch:
			out = append(out, intents...)
		case <-r.stopped:
			return nil, ErrRuntimeStopped
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return out, nil
}

// FillApplied delivers a fill to the strategy that placed the order and
// waits until it has been processed.
func (r *Runtime) FillApplied(ctx context.Context, order domain.Order, _ domain.Fill, _ domain.AccountSnapshot) {
	r.deliver(ctx, order, true)
}

// OrderUpdated forwards cancels and rejections to strategies that implement
// OrderListener.
func (r *Runtime) OrderUpdated(ctx context.Context, order domain.Order) {
	if order.State != domain.OrderCancelled && order.State != domain.OrderRejected {
		return
	}
	r.deliver(ctx, order, false)
}

// IntentRejected tells the originating strategy that risk refused intent.
func (r *Runtime) IntentRejected(ctx context.Context, intent domain.TradeIntent, err error) {
	in := intent
	r.send(ctx, intent.StrategyID, job{rejected: &in, err: err})
}

func (r *Runtime) deliver(ctx context.Context, order domain.Order, fill bool) {
	o := order
	r.send(ctx, order.Intent.StrategyID, job{order: &o, fill: fill})
}

// send hands j to the named strategy and waits until it has been handled.
func (r *Runtime) send(ctx context.Context, name string, j job) {
	s, ok := r.byName[name]
	if !ok || s.isSuspended() {
		return
	}
	select {
	case <-r.started:
	default:
		return
	}
	reply := make(chan []domain.TradeIntent, 1)
	j.reply = reply
	select {
	case s.inbox <- j:
	case <-r.stopped:
		return
	case <-ctx.Done():
		return
	}
	select {
	case <-reply:
	case <-r.stopped:
	case <-ctx.Done():
	}
}
