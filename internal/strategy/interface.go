package strategy

import (
	"context"
	"strings"
	"time"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// Strategy defines the contract for trading strategies. A strategy owns its
// state privately and affects the account only through the intents it
// returns. Calls to one instance are never concurrent.
type Strategy interface {
	Name() string
	OnEvent(ctx context.Context, ev domain.MarketEvent) ([]domain.TradeIntent, error)
	OnFill(ctx context.Context, order domain.Order) error
}

// Initializer is implemented by strategies that need setup before the first
// event.
type Initializer interface {
	Init(ctx context.Context) error
}

// OrderListener is implemented by strategies that want to see cancels and
// rejections as well as fills.
type OrderListener interface {
	OnOrderUpdate(ctx context.Context, order domain.Order) error
}

// RejectionListener is implemented by strategies that react to risk
// rejections of their intents, for example to retry later.
type RejectionListener interface {
	OnRejection(ctx context.Context, intent domain.TradeIntent, err error) error
}

// Config holds strategy configuration.
type Config struct {
	Name    string
	Symbols []string
	Exclude []string // never traded, even when listed in Symbols
	Params  map[string]any
}

// Float returns the numeric parameter key, or def when absent.
func (c Config) Float(key string, def float64) float64 {
	switch v := c.Params[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return def
}

// Int returns the integer parameter key, or def when absent.
func (c Config) Int(key string, def int) int {
	switch v := c.Params[key].(type) {
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}

// Bool returns the boolean parameter key, or def when absent.
func (c Config) Bool(key string, def bool) bool {
	if v, ok := c.Params[key].(bool); ok {
		return v
	}
	return def
}

// Text returns the string parameter key, or def when absent.
func (c Config) Text(key, def string) string {
	if v, ok := c.Params[key].(string); ok {
		return v
	}
	return def
}

// Strings returns the list parameter key. A TOML array or a comma-separated
// string (as set from the environment) are both accepted.
func (c Config) Strings(key string) []string {
	var out []string
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	switch v := c.Params[key].(type) {
	case []string:
		for _, s := range v {
			add(s)
		}
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok {
				add(s)
			}
		}
	case string:
		for _, s := range strings.Split(v, ",") {
			add(s)
		}
	}
	return out
}

// Duration parses the parameter key with time.ParseDuration, or returns def.
func (c Config) Duration(key string, def time.Duration) time.Duration {
	if s, ok := c.Params[key].(string); ok {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return def
}

// Trades reports whether the strategy is configured for symbol. An empty
// symbol list means all symbols not in Exclude.
func (c Config) Trades(symbol string) bool {
	for _, s := range c.Exclude {
		if s == symbol {
			return false
		}
	}
	if len(c.Symbols) == 0 {
		return true
	}
	for _, s := range c.Symbols {
		if s == symbol {
			return true
		}
	}
	return false
}
