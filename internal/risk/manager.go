// Package risk validates trade intents against position, exposure, stop-loss
// and order-rate limits before they become orders.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// qtyEpsilon treats dust quantities as zero.
const qtyEpsilon = 1e-9

// RateWindow counts approvals in a trailing window. Allow records the
// approval when it returns true.
type RateWindow interface {
	Allow(ctx context.Context, now time.Time, limit int, window time.Duration) (bool, error)
}

// Manager is the single evaluation point for intents. Evaluate calls are
// serialized, and each one counts the open orders it is given, so no two
// decisions spend the same position or exposure room.
type Manager struct {
	mu     sync.Mutex
	limits domain.RiskLimits
	rate   RateWindow
	logger *slog.Logger
}

// NewManager creates a Manager. A nil rate window falls back to an in-memory
// window keyed on event time.
func NewManager(limits domain.RiskLimits, rate RateWindow, logger *slog.Logger) *Manager {
	if rate == nil {
		rate = NewEventWindow()
	}
	return &Manager{
		limits: limits,
		rate:   rate,
		logger: logger.With(slog.String("component", "risk_manager")),
	}
}

// Limits returns the configured limits.
func (m *Manager) Limits() domain.RiskLimits {
	return m.limits
}

// Evaluate checks intent against snap with no orders in flight. See
// EvaluateBook.
func (m *Manager) Evaluate(ctx context.Context, intent domain.TradeIntent, snap domain.AccountSnapshot) domain.RiskDecision {
	return m.EvaluateBook(ctx, intent, snap, nil)
}

// EvaluateBook checks intent against the filled state in snap plus the
// unfilled remainder of open. Rules run in fixed order and the first
// failure wins:
//  1. position size, counting open orders (may reduce quantity)
//  2. aggregate exposure, counting open orders (may reduce quantity)
//  3. stop-loss override on the filled position (only reducing intents pass)
//  4. order rate (retryable rejection)
func (m *Manager) EvaluateBook(ctx context.Context, intent domain.TradeIntent, snap domain.AccountSnapshot, open []domain.Order) domain.RiskDecision {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.evaluate(ctx, intent, snap, Project(snap, open))
	log := m.logger.With(
		slog.String("intent_id", intent.ID),
		slog.String("strategy", intent.StrategyID),
		slog.String("symbol", intent.Symbol),
		slog.String("side", string(intent.Side)),
		slog.Float64("quantity", intent.Quantity),
	)
	switch {
	case !d.Approved:
		log.WarnContext(ctx, "intent rejected",
			slog.String("rule", string(d.Rule)),
			slog.String("reason", d.Reason),
			slog.Bool("retryable", d.Retryable),
		)
	case d.Reduced:
		log.InfoContext(ctx, "intent partially approved",
			slog.Float64("approved", d.Quantity),
			slog.String("rule", string(d.Rule)),
		)
	default:
		log.DebugContext(ctx, "intent approved")
	}
	return d
}

func (m *Manager) evaluate(ctx context.Context, intent domain.TradeIntent, filled, snap domain.AccountSnapshot) domain.RiskDecision {
	price := intent.Price()
	if !(intent.Quantity > 0) || math.IsInf(intent.Quantity, 0) || intent.Symbol == "" ||
		(intent.Side != domain.SideBuy && intent.Side != domain.SideSell) {
		return reject(domain.RuleInvalid, "malformed intent", false)
	}
	if !(price > 0) {
		return reject(domain.RuleInvalid, "intent has no reference price", false)
	}

	pos, _ := snap.Position(intent.Symbol)
	cur := pos.Quantity
	sign := intent.Side.Sign()
	qty := intent.Quantity
	d := domain.RiskDecision{Approved: true, Quantity: qty}

	// 1. Position size.
	if maxPos := m.limits.PositionLimit(intent.Symbol); maxPos > 0 && increases(cur, sign*qty) {
		allowed := headroom(cur, sign, maxPos)
		if allowed+qtyEpsilon < qty {
			if allowed <= qtyEpsilon {
				return reject(domain.RulePositionSize,
					fmt.Sprintf("position %.4f already at limit %.4f", cur, maxPos), false)
			}
			qty = allowed
			d.Reduced, d.Rule = true, domain.RulePositionSize
			d.Reason = fmt.Sprintf("reduced to %.4f by position limit %.4f", qty, maxPos)
		}
	}

	// 2. Aggregate exposure, intent valued at its own price.
	if limit := m.limits.MaxExposure; limit > 0 && increases(cur, sign*qty) {
		other := snap.Exposure - math.Abs(cur*markOr(pos, price))
		maxAbs := (limit - other) / price
		allowed := headroom(cur, sign, maxAbs)
		if allowed+qtyEpsilon < qty {
			if allowed <= qtyEpsilon {
				return reject(domain.RuleExposure,
					fmt.Sprintf("exposure %.2f leaves no room under cap %.2f", snap.Exposure, limit), false)
			}
			qty = allowed
			d.Reduced, d.Rule = true, domain.RuleExposure
			d.Reason = fmt.Sprintf("reduced to %.4f by exposure cap %.2f", qty, limit)
		}
	}

	// 3. Stop-loss override. The loss is judged on what has filled; the
	// clip leaves room for liquidating orders already open.
	held, _ := filled.Position(intent.Symbol)
	if sl := m.limits.StopLossPct; sl > 0 && held.Quantity != 0 && held.UnrealizedPct() <= -sl {
		if sign*held.Quantity > 0 {
			return reject(domain.RuleStopLoss,
				fmt.Sprintf("unrealized %.2f%% breaches stop-loss %.2f%%; only liquidating intents allowed",
					held.UnrealizedPct()*100, sl*100), false)
		}
		left := 0.0
		if cur*held.Quantity > 0 {
			left = math.Abs(cur)
		}
		if left <= qtyEpsilon {
			return reject(domain.RuleStopLoss, "open orders already liquidate the position under stop-loss", false)
		}
		if qty > left {
			qty = left
			d.Reduced, d.Rule = true, domain.RuleStopLoss
			d.Reason = "clipped to liquidate without flipping under stop-loss"
		}
	}

	// 4. Order rate, in event time so replays are deterministic.
	if m.limits.MaxOrders > 0 && m.limits.RateWindow > 0 {
		ok, err := m.rate.Allow(ctx, intent.EventTime, m.limits.MaxOrders, m.limits.RateWindow)
		if err != nil {
			return reject(domain.RuleRate, fmt.Sprintf("rate window unavailable: %v", err), true)
		}
		if !ok {
			return reject(domain.RuleRate,
				fmt.Sprintf("more than %d orders in %s", m.limits.MaxOrders, m.limits.RateWindow), true)
		}
	}

	d.Quantity = qty
	return d
}

func reject(rule domain.RiskRule, reason string, retryable bool) domain.RiskDecision {
	return domain.RiskDecision{Rule: rule, Reason: reason, Retryable: retryable}
}

// increases reports whether applying delta grows the absolute position.
func increases(cur, delta float64) bool {
	return math.Abs(cur+delta) > math.Abs(cur)+qtyEpsilon
}

// headroom returns the largest quantity that can be traded in direction sign
// without the resulting position exceeding maxAbs in absolute value.
func headroom(cur, sign, maxAbs float64) float64 {
	if maxAbs < 0 {
		maxAbs = 0
	}
	// Resulting position cur + sign*q must satisfy |.| <= maxAbs.
	h := maxAbs - sign*cur
	if h < 0 {
		return 0
	}
	return h
}

func markOr(p domain.Position, fallback float64) float64 {
	if p.MarkPrice > 0 {
		return p.MarkPrice
	}
	return fallback
}
