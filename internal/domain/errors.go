package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrRateLimited        = errors.New("rate limited")
	ErrInvalidIntent      = errors.New("invalid intent")
	ErrInvalidTransition  = errors.New("invalid order state transition")
	ErrUnknownOrder       = errors.New("unknown order")
	ErrDuplicateIntent    = errors.New("duplicate intent")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrSubscriptionClosed = errors.New("subscription closed")
	ErrWSDisconnect       = errors.New("websocket disconnected")
	ErrLockHeld           = errors.New("lock already held")
)

// DataGapFault reports a feed disconnect or missing data. It is recovered at
// the feed layer and surfaces to the engine as a warning.
type DataGapFault struct {
	Source string
	Symbol string
	Since  time.Time
	Err    error
}

func (f *DataGapFault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("data gap on %s %s since %s: %v", f.Source, f.Symbol, f.Since.Format(time.RFC3339), f.Err)
	}
	return fmt.Sprintf("data gap on %s %s since %s", f.Source, f.Symbol, f.Since.Format(time.RFC3339))
}

func (f *DataGapFault) Unwrap() error { return f.Err }

// StrategyFault is raised when a strategy returns an error or panics. The
// offending strategy is suspended.
type StrategyFault struct {
	Strategy string
	EventSeq uint64
	Panic    bool
	Err      error
}

func (f *StrategyFault) Error() string {
	kind := "error"
	if f.Panic {
		kind = "panic"
	}
	return fmt.Sprintf("strategy %s %s at event %d: %v", f.Strategy, kind, f.EventSeq, f.Err)
}

func (f *StrategyFault) Unwrap() error { return f.Err }

// RiskRejection is a refused intent. Retryable rejections (rate limit) may be
// resubmitted later; all others are hard.
type RiskRejection struct {
	Rule      RiskRule
	Reason    string
	Retryable bool
}

func (r *RiskRejection) Error() string {
	if r.Retryable {
		return fmt.Sprintf("risk rejected (%s, retryable): %s", r.Rule, r.Reason)
	}
	return fmt.Sprintf("risk rejected (%s): %s", r.Rule, r.Reason)
}

// Is lets errors.Is(err, ErrRateLimited) match soft rejections.
func (r *RiskRejection) Is(target error) bool {
	return r.Retryable && target == ErrRateLimited
}

// ExecutionFault is a backend rejection or error. The order moves to Rejected
// and the core never retries it.
type ExecutionFault struct {
	OrderID int64
	Err     error
}

func (f *ExecutionFault) Error() string {
	return fmt.Sprintf("execution fault on order %d: %v", f.OrderID, f.Err)
}

func (f *ExecutionFault) Unwrap() error { return f.Err }

// LedgerInvariantViolation indicates a correctness bug, such as a fill that
// would overfill its order. It halts the run.
type LedgerInvariantViolation struct {
	OrderID int64
	Detail  string
}

func (v *LedgerInvariantViolation) Error() string {
	return fmt.Sprintf("ledger invariant violated by order %d: %s", v.OrderID, v.Detail)
}

// IsFatal reports whether err must stop the engine.
func IsFatal(err error) bool {
	var v *LedgerInvariantViolation
	return errors.As(err, &v)
}
