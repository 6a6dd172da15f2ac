package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TRADECORE_"

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies TRADECORE_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config: %s: unknown keys: %s", path, strings.Join(keys, ", "))
		}
	}

	// A missing .env file is fine.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides reads well-known TRADECORE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). Unparseable values are collected into the returned error.
func applyEnvOverrides(cfg *Config) error {
	e := &envReader{}

	e.setStr(&cfg.Mode, "MODE")
	e.setStr(&cfg.LogLevel, "LOG_LEVEL")

	// ── Engine ──
	e.setStr(&cfg.Engine.AccountID, "ENGINE_ACCOUNT_ID")
	e.setFloat64(&cfg.Engine.InitialCash, "ENGINE_INITIAL_CASH")
	e.setDuration(&cfg.Engine.OutOfOrderHorizon, "ENGINE_OUT_OF_ORDER_HORIZON")
	e.setBool(&cfg.Engine.DeliverOutOfOrder, "ENGINE_DELIVER_OUT_OF_ORDER")
	e.setDuration(&cfg.Engine.DrainTimeout, "ENGINE_DRAIN_TIMEOUT")
	e.setStr(&cfg.Engine.JournalPath, "ENGINE_JOURNAL_PATH")
	e.setBool(&cfg.Engine.Resume, "ENGINE_RESUME")

	// ── Replay ──
	e.setStr(&cfg.Replay.Pacing, "REPLAY_PACING")
	e.setFloat64(&cfg.Replay.Speed, "REPLAY_SPEED")
	e.setStr(&cfg.Replay.Source, "REPLAY_SOURCE")
	e.setStr(&cfg.Replay.CSVDir, "REPLAY_CSV_DIR")
	e.setStr(&cfg.Replay.S3Prefix, "REPLAY_S3_PREFIX")
	e.setStringSlice(&cfg.Replay.Symbols, "REPLAY_SYMBOLS")
	e.setTime(&cfg.Replay.From, "REPLAY_FROM")
	e.setTime(&cfg.Replay.To, "REPLAY_TO")

	// ── Risk ──
	e.setFloat64(&cfg.Risk.MaxPositionSize, "RISK_MAX_POSITION_SIZE")
	e.setFloat64(&cfg.Risk.MaxExposure, "RISK_MAX_EXPOSURE")
	e.setFloat64(&cfg.Risk.StopLossPct, "RISK_STOP_LOSS_PCT")
	e.setInt(&cfg.Risk.MaxOrders, "RISK_MAX_ORDERS")
	e.setDuration(&cfg.Risk.RateWindow, "RISK_RATE_WINDOW")
	e.setBool(&cfg.Risk.DistributedRate, "RISK_DISTRIBUTED_RATE")

	// ── Execution ──
	e.setStr(&cfg.Execution.Backend, "EXECUTION_BACKEND")
	e.setDuration(&cfg.Execution.LimitExpiry, "EXECUTION_LIMIT_EXPIRY")
	e.setFloat64(&cfg.Execution.SlippageBps, "EXECUTION_SLIPPAGE_BPS")
	e.setFloat64(&cfg.Execution.MaxParticipation, "EXECUTION_MAX_PARTICIPATION")
	e.setFloat64(&cfg.Execution.FeeBps, "EXECUTION_FEE_BPS")
	e.setStr(&cfg.Execution.Rest.BaseURL, "EXECUTION_REST_BASE_URL")
	e.setStr(&cfg.Execution.Rest.APIKey, "EXECUTION_REST_API_KEY")
	e.setStr(&cfg.Execution.Rest.APISecret, "EXECUTION_REST_API_SECRET")
	e.setStr(&cfg.Execution.Rest.SecretFile, "EXECUTION_REST_SECRET_FILE")
	e.setStr(&cfg.Execution.Rest.SecretPassword, "EXECUTION_REST_SECRET_PASSWORD")
	e.setStr(&cfg.Execution.Rest.Passphrase, "EXECUTION_REST_PASSPHRASE")

	// ── Feed ──
	e.setStr(&cfg.Feed.Kind, "FEED_KIND")
	e.setStr(&cfg.Feed.WSURL, "FEED_WS_URL")
	e.setStr(&cfg.Feed.RedisChannel, "FEED_REDIS_CHANNEL")
	e.setStringSlice(&cfg.Feed.Symbols, "FEED_SYMBOLS")
	e.setBool(&cfg.Feed.RecordTicks, "FEED_RECORD_TICKS")

	// ── Strategy / Sweep ──
	e.setStringSlice(&cfg.Strategy.Active, "STRATEGY_ACTIVE")
	e.setStringSlice(&cfg.Strategy.Symbols, "STRATEGY_SYMBOLS")
	e.setInt(&cfg.Sweep.Workers, "SWEEP_WORKERS")
	e.setFloatSlice(&cfg.Sweep.StopLossPcts, "SWEEP_STOP_LOSS_PCTS")
	e.setFloatSlice(&cfg.Sweep.SlippageBps, "SWEEP_SLIPPAGE_BPS")

	// ── Postgres ──
	e.setBool(&cfg.Postgres.Enabled, "POSTGRES_ENABLED")
	e.setStr(&cfg.Postgres.DSN, "POSTGRES_DSN")
	e.setStr(&cfg.Postgres.Host, "POSTGRES_HOST")
	e.setInt(&cfg.Postgres.Port, "POSTGRES_PORT")
	e.setStr(&cfg.Postgres.Database, "POSTGRES_DATABASE")
	e.setStr(&cfg.Postgres.User, "POSTGRES_USER")
	e.setStr(&cfg.Postgres.Password, "POSTGRES_PASSWORD")
	e.setStr(&cfg.Postgres.SSLMode, "POSTGRES_SSL_MODE")
	e.setInt(&cfg.Postgres.PoolMaxConns, "POSTGRES_POOL_MAX_CONNS")
	e.setInt(&cfg.Postgres.PoolMinConns, "POSTGRES_POOL_MIN_CONNS")
	e.setBool(&cfg.Postgres.RunMigrations, "POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	e.setBool(&cfg.Redis.Enabled, "REDIS_ENABLED")
	e.setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	e.setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	e.setInt(&cfg.Redis.DB, "REDIS_DB")
	e.setInt(&cfg.Redis.PoolSize, "REDIS_POOL_SIZE")
	e.setBool(&cfg.Redis.TLSEnabled, "REDIS_TLS_ENABLED")
	e.setStr(&cfg.Redis.KeyPrefix, "REDIS_KEY_PREFIX")

	// ── S3 ──
	e.setBool(&cfg.S3.Enabled, "S3_ENABLED")
	e.setStr(&cfg.S3.Endpoint, "S3_ENDPOINT")
	e.setStr(&cfg.S3.Region, "S3_REGION")
	e.setStr(&cfg.S3.Bucket, "S3_BUCKET")
	e.setStr(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	e.setStr(&cfg.S3.SecretKey, "S3_SECRET_KEY")
	e.setBool(&cfg.S3.UseSSL, "S3_USE_SSL")
	e.setBool(&cfg.S3.ForcePathStyle, "S3_FORCE_PATH_STYLE")

	// ── Notify ──
	e.setStr(&cfg.Notify.TelegramToken, "NOTIFY_TELEGRAM_TOKEN")
	e.setStr(&cfg.Notify.TelegramChatID, "NOTIFY_TELEGRAM_CHAT_ID")
	e.setStr(&cfg.Notify.DiscordWebhookURL, "NOTIFY_DISCORD_WEBHOOK_URL")
	e.setStringSlice(&cfg.Notify.Events, "NOTIFY_EVENTS")

	// ── Metrics ──
	e.setBool(&cfg.Metrics.Enabled, "METRICS_ENABLED")
	e.setStr(&cfg.Metrics.Addr, "METRICS_ADDR")
	e.setStr(&cfg.Metrics.APIKey, "METRICS_API_KEY")

	return e.err()
}

// envReader applies typed overrides. Each setter only mutates the target when
// the variable is present and non-empty.
type envReader struct {
	bad []string
}

func (e *envReader) lookup(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(EnvPrefix + key))
	return v, v != ""
}

func (e *envReader) fail(key, v string) {
	e.bad = append(e.bad, fmt.Sprintf("%s%s=%q", EnvPrefix, key, v))
}

func (e *envReader) err() error {
	if len(e.bad) == 0 {
		return nil
	}
	return fmt.Errorf("config: invalid environment overrides: %s", strings.Join(e.bad, ", "))
}

func (e *envReader) setStr(dst *string, key string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) setInt(dst *int, key string) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, v)
			return
		}
		*dst = n
	}
}

func (e *envReader) setFloat64(dst *float64, key string) {
	if v, ok := e.lookup(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(key, v)
			return
		}
		*dst = f
	}
}

func (e *envReader) setBool(dst *bool, key string) {
	if v, ok := e.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, v)
			return
		}
		*dst = b
	}
}

func (e *envReader) setDuration(dst *duration, key string) {
	if v, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, v)
			return
		}
		dst.Duration = d
	}
}

func (e *envReader) setTime(dst *timestamp, key string) {
	if v, ok := e.lookup(key); ok {
		t, err := parseTimestamp(v)
		if err != nil {
			e.fail(key, v)
			return
		}
		dst.Time = t
	}
}

func (e *envReader) setStringSlice(dst *[]string, key string) {
	if v, ok := e.lookup(key); ok {
		if cleaned := splitList(v); len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

func (e *envReader) setFloatSlice(dst *[]float64, key string) {
	if v, ok := e.lookup(key); ok {
		parts := splitList(v)
		out := make([]float64, 0, len(parts))
		for _, p := range parts {
			f, err := strconv.ParseFloat(p, 64)
			if err != nil {
				e.fail(key, v)
				return
			}
			out = append(out, f)
		}
		if len(out) > 0 {
			*dst = out
		}
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return cleaned
}
