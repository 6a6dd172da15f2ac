// Package config defines the tradecore configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Mode values.
const (
	ModeBacktest = "backtest"
	ModeLive     = "live"
	ModeSweep    = "sweep"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by TRADECORE_* environment variables.
type Config struct {
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
	Engine    EngineConfig    `toml:"engine"`
	Replay    ReplayConfig    `toml:"replay"`
	Risk      RiskConfig      `toml:"risk"`
	Execution ExecutionConfig `toml:"execution"`
	Feed      FeedConfig      `toml:"feed"`
	Strategy  StrategyConfig  `toml:"strategy"`
	Sweep     SweepConfig     `toml:"sweep"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Notify    NotifyConfig    `toml:"notify"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

// EngineConfig holds the account and run-loop settings.
type EngineConfig struct {
	AccountID         string   `toml:"account_id"`
	InitialCash       float64  `toml:"initial_cash"`
	OutOfOrderHorizon duration `toml:"out_of_order_horizon"`
	DeliverOutOfOrder bool     `toml:"deliver_out_of_order"`
	DrainTimeout      duration `toml:"drain_timeout"`
	// JournalPath is the JSONL journal file. Empty disables the journal.
	JournalPath string `toml:"journal_path"`
	// SampleEvery spaces equity curve samples.
	SampleEvery duration `toml:"sample_every"`
	// Resume restores the account from persistence on live start.
	Resume bool `toml:"resume"`
}

// ReplayConfig selects the historical data for backtests and sweeps.
type ReplayConfig struct {
	Pacing   string    `toml:"pacing"` // full | wallclock
	Speed    float64   `toml:"speed"`
	Source   string    `toml:"source"` // csv | s3
	CSVDir   string    `toml:"csv_dir"`
	S3Prefix string    `toml:"s3_prefix"`
	Symbols  []string  `toml:"symbols"`
	From     timestamp `toml:"from"`
	To       timestamp `toml:"to"`
}

// RiskConfig holds the risk limits.
type RiskConfig struct {
	MaxPositionSize float64            `toml:"max_position_size"`
	PerSymbol       map[string]float64 `toml:"per_symbol"`
	MaxExposure     float64            `toml:"max_exposure"`
	StopLossPct     float64            `toml:"stop_loss_pct"` // fraction, 0.05 is -5%
	MaxOrders       int                `toml:"max_orders"`
	RateWindow      duration           `toml:"rate_window"`
	// DistributedRate counts the order rate in Redis so several live
	// processes share one budget.
	DistributedRate bool `toml:"distributed_rate"`
}

// ExecutionConfig selects and tunes the execution backend.
type ExecutionConfig struct {
	Backend          string     `toml:"backend"` // simulated | rest
	LimitExpiry      duration   `toml:"limit_expiry"`
	SlippageBps      float64    `toml:"slippage_bps"`
	MaxParticipation float64    `toml:"max_participation"`
	FeeBps           float64    `toml:"fee_bps"`
	Rest             RestConfig `toml:"rest"`
}

// RestConfig holds the REST exchange endpoint and credentials. The secret is
// either given directly or read from a file produced by -encrypt-secret.
type RestConfig struct {
	BaseURL        string   `toml:"base_url"`
	APIKey         string   `toml:"api_key"`
	APISecret      string   `toml:"api_secret"`
	SecretFile     string   `toml:"secret_file"`
	SecretPassword string   `toml:"secret_password"`
	Passphrase     string   `toml:"passphrase"`
	RateLimit      float64  `toml:"rate_limit"`
	Burst          int      `toml:"burst"`
	Timeout        duration `toml:"timeout"`
	PollInterval   duration `toml:"poll_interval"`
	MaxRetries     int      `toml:"max_retries"`
}

// FeedConfig selects the live market data feed.
type FeedConfig struct {
	Kind         string   `toml:"kind"` // ws | redis
	WSURL        string   `toml:"ws_url"`
	RedisChannel string   `toml:"redis_channel"`
	Symbols      []string `toml:"symbols"`
	MinBackoff   duration `toml:"min_backoff"`
	MaxBackoff   duration `toml:"max_backoff"`
	// RecordTicks archives live ticks to S3 in the replay CSV layout.
	RecordTicks    bool     `toml:"record_ticks"`
	RecordInterval duration `toml:"record_interval"`
}

// StrategyConfig lists the strategies to run. Each strategy's parameters are
// a table under [strategy.params.<name>]; a "symbols" array in that table
// restricts the strategy to those symbols.
type StrategyConfig struct {
	Active  []string                  `toml:"active"`
	Symbols []string                  `toml:"symbols"` // default for every strategy
	Params  map[string]map[string]any `toml:"params"`
}

// For returns the parameters and symbols of the strategy name. The returned
// map is a copy without the "symbols" key.
func (s StrategyConfig) For(name string) (map[string]any, []string) {
	params := make(map[string]any, len(s.Params[name]))
	symbols := s.Symbols
	for k, v := range s.Params[name] {
		if k != "symbols" {
			params[k] = v
			continue
		}
		if list, ok := v.([]any); ok {
			symbols = symbols[:0:0]
			for _, item := range list {
				if sym, ok := item.(string); ok {
					symbols = append(symbols, sym)
				}
			}
		}
	}
	return params, symbols
}

// SweepConfig is the parameter grid of sweep mode.
type SweepConfig struct {
	Workers      int       `toml:"workers"`
	StopLossPcts []float64 `toml:"stop_loss_pcts"`
	SlippageBps  []float64 `toml:"slippage_bps"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	KeyPrefix  string   `toml:"key_prefix"`
	LockTTL    duration `toml:"lock_ttl"`
	MarkFlush  duration `toml:"mark_flush"`
	Publish    bool     `toml:"publish"` // mirror orders and snapshots to streams
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	ArchivePrefix  string `toml:"archive_prefix"`
	TicksPrefix    string `toml:"ticks_prefix"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	ThrottleEvery     duration `toml:"throttle_every"`
	ThrottleBurst     int      `toml:"throttle_burst"`
}

// MetricsConfig holds the ops HTTP server parameters.
type MetricsConfig struct {
	Enabled        bool    `toml:"enabled"`
	Addr           string  `toml:"addr"`
	APIKey         string  `toml:"api_key"`
	RateLimit      float64 `toml:"rate_limit"`
	Burst          int     `toml:"burst"`
	RuntimeMetrics bool    `toml:"runtime_metrics"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// timestamp is a time given as RFC 3339 or as a bare date ("2024-01-31",
// midnight UTC). The zero value means unbounded.
type timestamp struct {
	time.Time
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want RFC 3339 or YYYY-MM-DD", s)
	}
	return t, nil
}

func (t *timestamp) UnmarshalText(text []byte) error {
	var err error
	t.Time, err = parseTimestamp(string(text))
	return err
}

func (t timestamp) MarshalText() ([]byte, error) {
	if t.IsZero() {
		return []byte{}, nil
	}
	return []byte(t.Format(time.RFC3339)), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Mode:     ModeBacktest,
		LogLevel: "info",
		Engine: EngineConfig{
			AccountID:         "default",
			InitialCash:       10_000,
			OutOfOrderHorizon: duration{250 * time.Millisecond},
			DrainTimeout:      duration{5 * time.Second},
			SampleEvery:       duration{time.Hour},
		},
		Replay: ReplayConfig{
			Pacing: "full",
			Speed:  1,
			Source: "csv",
			CSVDir: "data",
		},
		Risk: RiskConfig{
			MaxPositionSize: 100,
			PerSymbol:       map[string]float64{},
			MaxExposure:     50_000,
			StopLossPct:     0.05,
			MaxOrders:       60,
			RateWindow:      duration{time.Minute},
		},
		Execution: ExecutionConfig{
			Backend:     "simulated",
			LimitExpiry: duration{time.Hour},
			SlippageBps: 5,
			Rest: RestConfig{
				RateLimit:    10,
				Burst:        1,
				Timeout:      duration{10 * time.Second},
				PollInterval: duration{time.Second},
				MaxRetries:   3,
			},
		},
		Feed: FeedConfig{
			Kind:           "ws",
			RedisChannel:   "prices",
			MinBackoff:     duration{500 * time.Millisecond},
			MaxBackoff:     duration{30 * time.Second},
			RecordInterval: duration{time.Minute},
		},
		Strategy: StrategyConfig{
			Active: []string{"momentum"},
			Params: map[string]map[string]any{},
		},
		Sweep: SweepConfig{
			Workers:      4,
			StopLossPcts: []float64{0.03, 0.05, 0.08},
			SlippageBps:  []float64{0, 5, 10},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "tradecore",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "tradecore:",
			LockTTL:    duration{30 * time.Second},
			MarkFlush:  duration{time.Second},
			Publish:    true,
		},
		S3: S3Config{
			Region:         "us-east-1",
			Bucket:         "tradecore-data",
			ForcePathStyle: true,
			ArchivePrefix:  "runs",
			TicksPrefix:    "ticks",
		},
		Notify: NotifyConfig{
			Events:        []string{"strategy_fault", "ledger_violation", "order_rejected", "run_finished"},
			ThrottleEvery: duration{time.Minute},
			ThrottleBurst: 3,
		},
		Metrics: MetricsConfig{
			Addr:           ":9090",
			RateLimit:      20,
			Burst:          40,
			RuntimeMetrics: true,
		},
	}
}

var validModes = map[string]bool{
	ModeBacktest: true,
	ModeLive:     true,
	ModeSweep:    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		add("unknown mode %q (valid: backtest, live, sweep)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	// Engine
	if strings.TrimSpace(c.Engine.AccountID) == "" {
		add("engine: account_id must not be empty")
	}
	if c.Engine.InitialCash < 0 {
		add("engine: initial_cash must be >= 0")
	}
	if c.Engine.OutOfOrderHorizon.Duration < 0 || c.Engine.DrainTimeout.Duration < 0 {
		add("engine: durations must be >= 0")
	}

	// Replay
	if mode == ModeBacktest || mode == ModeSweep {
		switch c.Replay.Pacing {
		case "full", "wallclock":
		default:
			add("replay: unknown pacing %q (valid: full, wallclock)", c.Replay.Pacing)
		}
		switch c.Replay.Source {
		case "csv":
			if c.Replay.CSVDir == "" {
				add("replay: csv_dir must not be empty for source csv")
			}
		case "s3":
			if !c.S3.Enabled {
				add("replay: source s3 requires s3.enabled")
			}
		default:
			add("replay: unknown source %q (valid: csv, s3)", c.Replay.Source)
		}
		if len(c.Replay.Symbols) == 0 {
			add("replay: symbols must not be empty")
		}
		if !c.Replay.From.IsZero() && !c.Replay.To.IsZero() && !c.Replay.From.Before(c.Replay.To.Time) {
			add("replay: from must be before to")
		}
	}

	// Feed
	if mode == ModeLive {
		switch c.Feed.Kind {
		case "ws":
			if c.Feed.WSURL == "" {
				add("feed: ws_url must not be empty for kind ws")
			}
		case "redis":
			if !c.Redis.Enabled {
				add("feed: kind redis requires redis.enabled")
			}
		default:
			add("feed: unknown kind %q (valid: ws, redis)", c.Feed.Kind)
		}
		if len(c.Feed.Symbols) == 0 {
			add("feed: symbols must not be empty")
		}
		if c.Feed.RecordTicks && !c.S3.Enabled {
			add("feed: record_ticks requires s3.enabled")
		}
	}

	// Risk
	if c.Risk.MaxPositionSize < 0 || c.Risk.MaxExposure < 0 {
		add("risk: limits must be >= 0")
	}
	for sym, v := range c.Risk.PerSymbol {
		if v < 0 {
			add("risk: per_symbol %s must be >= 0", sym)
		}
	}
	if c.Risk.StopLossPct < 0 || c.Risk.StopLossPct >= 1 {
		add("risk: stop_loss_pct must be in [0, 1), got %g", c.Risk.StopLossPct)
	}
	if c.Risk.MaxOrders < 0 {
		add("risk: max_orders must be >= 0")
	}
	if c.Risk.MaxOrders > 0 && c.Risk.RateWindow.Duration <= 0 {
		add("risk: rate_window must be > 0 when max_orders is set")
	}
	if c.Risk.DistributedRate && !c.Redis.Enabled {
		add("risk: distributed_rate requires redis.enabled")
	}

	// Execution
	switch c.Execution.Backend {
	case "simulated":
	case "rest":
		if mode != ModeLive {
			add("execution: backend rest is only valid in live mode")
		}
		if c.Execution.Rest.BaseURL == "" {
			add("execution.rest: base_url must not be empty")
		}
		if c.Execution.Rest.APIKey == "" {
			add("execution.rest: api_key must not be empty")
		}
		if c.Execution.Rest.APISecret == "" && c.Execution.Rest.SecretFile == "" {
			add("execution.rest: either api_secret or secret_file must be set")
		}
		if c.Execution.Rest.SecretFile != "" && c.Execution.Rest.SecretPassword == "" {
			add("execution.rest: secret_password is required when secret_file is set")
		}
	default:
		add("execution: unknown backend %q (valid: simulated, rest)", c.Execution.Backend)
	}
	if c.Execution.SlippageBps < 0 || c.Execution.FeeBps < 0 {
		add("execution: slippage_bps and fee_bps must be >= 0")
	}
	if c.Execution.MaxParticipation < 0 || c.Execution.MaxParticipation > 1 {
		add("execution: max_participation must be in [0, 1]")
	}

	// Strategy
	if len(c.Strategy.Active) == 0 {
		add("strategy: active must name at least one strategy")
	}

	// Sweep
	if mode == ModeSweep {
		if c.Sweep.Workers < 1 {
			add("sweep: workers must be >= 1")
		}
		if len(c.Sweep.StopLossPcts) == 0 || len(c.Sweep.SlippageBps) == 0 {
			add("sweep: stop_loss_pcts and slippage_bps must not be empty")
		}
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				add("postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
			}
			if c.Postgres.Database == "" {
				add("postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			add("postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			add("postgres: pool_min_conns must be in [0, pool_max_conns]")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			add("redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			add("redis: pool_size must be >= 1")
		}
		if c.Redis.LockTTL.Duration < time.Second {
			add("redis: lock_ttl must be >= 1s")
		}
	}

	// S3
	if c.S3.Enabled && c.S3.Bucket == "" {
		add("s3: bucket must not be empty")
	}

	// Metrics
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		add("metrics: addr must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
