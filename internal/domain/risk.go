package domain

import "time"

// RiskLimits bounds what the risk manager will approve. Zero values disable
// the corresponding rule.
type RiskLimits struct {
	MaxPositionSize float64            // absolute units per symbol
	PerSymbol       map[string]float64 // overrides MaxPositionSize
	MaxExposure     float64            // sum of |position value|
	StopLossPct     float64            // e.g. 0.05 for -5%
	MaxOrders       int                // approvals per RateWindow
	RateWindow      time.Duration
}

// PositionLimit returns the size limit that applies to symbol.
func (l RiskLimits) PositionLimit(symbol string) float64 {
	if v, ok := l.PerSymbol[symbol]; ok {
		return v
	}
	return l.MaxPositionSize
}

// RiskRule identifies which rule produced a decision.
type RiskRule string

const (
	RulePositionSize RiskRule = "position_size"
	RuleExposure     RiskRule = "exposure"
	RuleStopLoss     RiskRule = "stop_loss"
	RuleRate         RiskRule = "rate"
	RuleInvalid      RiskRule = "invalid"
)

// RiskDecision is the outcome of evaluating one intent.
type RiskDecision struct {
	Approved  bool     `json:"approved"`
	Quantity  float64  `json:"quantity"`
	Reduced   bool     `json:"reduced,omitempty"`
	Rule      RiskRule `json:"rule,omitempty"` // rule that reduced or rejected
	Reason    string   `json:"reason,omitempty"`
	Retryable bool     `json:"retryable,omitempty"`
}

// Rejection returns the decision as an error, or nil when approved.
func (d RiskDecision) Rejection() error {
	if d.Approved {
		return nil
	}
	return &RiskRejection{Rule: d.Rule, Reason: d.Reason, Retryable: d.Retryable}
}
