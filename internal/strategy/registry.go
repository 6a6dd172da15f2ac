package strategy

import (
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"
)

// StrategyInfo holds runtime info for a hosted strategy (for status APIs).
type StrategyInfo struct {
	Name        string     `json:"name"`
	Status      string     `json:"status"` // "pending", "running", "suspended", "stopped"
	Events      int64      `json:"events"`
	IntentsSent int64      `json:"intents_sent"`
	LastIntent  *time.Time `json:"last_intent,omitempty"`
	ErrorCount  int64      `json:"error_count"`
	LastError   string     `json:"last_error,omitempty"`
}

// Factory builds a fresh strategy instance. Every call must return an
// independent instance so parallel backtests share no state.
type Factory func(cfg Config, logger *slog.Logger) (Strategy, error)

// Registry maps strategy names to factories. It is safe for concurrent use.
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// DefaultRegistry returns a registry with the built-in strategies.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("momentum", NewMomentum)
	r.Register("mean_reversion", NewMeanReversion)
	return r
}

// Register adds a factory under name, replacing any existing one.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Build creates a new instance of the strategy named cfg.Name.
func (r *Registry) Build(cfg Config, logger *slog.Logger) (Strategy, error) {
	r.mu.RLock()
	f, ok := r.factories[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("strategy %q: not registered", cfg.Name)
	}
	cfg.Exclude = append(slices.Clone(cfg.Exclude), cfg.Strings("excluded_symbols")...)
	s, err := f(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("strategy %q: build: %w", cfg.Name, err)
	}
	return s, nil
}

// List returns the names of all registered strategies in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
