package order

import (
	"fmt"
	"time"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// transitions lists the legal next states for each non-terminal state.
var transitions = map[domain.OrderState][]domain.OrderState{
	domain.OrderPending:         {domain.OrderSubmitted, domain.OrderCancelled, domain.OrderRejected},
	domain.OrderSubmitted:       {domain.OrderPartiallyFilled, domain.OrderFilled, domain.OrderCancelled, domain.OrderRejected},
	domain.OrderPartiallyFilled: {domain.OrderPartiallyFilled, domain.OrderFilled, domain.OrderCancelled},
}

// CanTransition reports whether an order may move from one state to another.
func CanTransition(from, to domain.OrderState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// advance moves o to state to, stamping TerminalAt when the new state is
// terminal.
func advance(o *domain.Order, to domain.OrderState, at time.Time) error {
	if !CanTransition(o.State, to) {
		return fmt.Errorf("order %d: %s -> %s: %w", o.ID, o.State, to, domain.ErrInvalidTransition)
	}
	o.State = to
	if to.Terminal() {
		t := at
		o.TerminalAt = &t
	}
	return nil
}
