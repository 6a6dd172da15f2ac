package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTOML = `
mode = "backtest"
log_level = "debug"

[engine]
account_id = "paper-1"
initial_cash = 25000
drain_timeout = "2s"

[replay]
source = "csv"
csv_dir = "testdata"
symbols = ["AAPL", "MSFT"]
from = "2024-01-02"
to = "2024-02-01T00:00:00Z"

[risk]
max_position_size = 50
stop_loss_pct = 0.04
rate_window = "30s"

[risk.per_symbol]
AAPL = 20

[strategy]
active = ["momentum", "mean_reversion"]
symbols = ["AAPL", "MSFT"]

[strategy.params.momentum]
lookback = 12
min_growth_pct = 8.5
symbols = ["AAPL"]

[strategy.params.mean_reversion]
lookback_window = "45m"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tradecore.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMergesOverDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "paper-1", cfg.Engine.AccountID)
	assert.Equal(t, 25000.0, cfg.Engine.InitialCash)
	assert.Equal(t, 2*time.Second, cfg.Engine.DrainTimeout.Duration)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.OutOfOrderHorizon.Duration, "default kept")
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), cfg.Replay.From.Time)
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), cfg.Replay.To.Time)
	assert.Equal(t, 20.0, cfg.Risk.PerSymbol["AAPL"])
	assert.Equal(t, 30*time.Second, cfg.Risk.RateWindow.Duration)
	assert.Equal(t, 60, cfg.Risk.MaxOrders, "default kept")

	params, symbols := cfg.Strategy.For("momentum")
	assert.Equal(t, []string{"AAPL"}, symbols)
	assert.Equal(t, int64(12), params["lookback"])
	assert.Equal(t, 8.5, params["min_growth_pct"])
	assert.NotContains(t, params, "symbols")

	params, symbols = cfg.Strategy.For("mean_reversion")
	assert.Equal(t, []string{"AAPL", "MSFT"}, symbols)
	assert.Equal(t, "45m", params["lookback_window"])
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, "[engine]\naccount = \"x\"\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine.account")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TRADECORE_MODE", "live")
	t.Setenv("TRADECORE_FEED_SYMBOLS", "BTC-USD, ETH-USD,")
	t.Setenv("TRADECORE_FEED_WS_URL", "wss://feed.example.com/ws")
	t.Setenv("TRADECORE_RISK_MAX_ORDERS", "5")
	t.Setenv("TRADECORE_SWEEP_SLIPPAGE_BPS", "1,2.5")
	t.Setenv("TRADECORE_ENGINE_DRAIN_TIMEOUT", "750ms")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ModeLive, cfg.Mode)
	assert.Equal(t, []string{"BTC-USD", "ETH-USD"}, cfg.Feed.Symbols)
	assert.Equal(t, 5, cfg.Risk.MaxOrders)
	assert.Equal(t, []float64{1, 2.5}, cfg.Sweep.SlippageBps)
	assert.Equal(t, 750*time.Millisecond, cfg.Engine.DrainTimeout.Duration)
	assert.NoError(t, cfg.Validate())
}

func TestEnvOverridesReportBadValues(t *testing.T) {
	t.Setenv("TRADECORE_RISK_MAX_ORDERS", "many")
	t.Setenv("TRADECORE_REPLAY_FROM", "yesterday")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TRADECORE_RISK_MAX_ORDERS")
	assert.Contains(t, err.Error(), "TRADECORE_REPLAY_FROM")
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		c := Defaults()
		c.Replay.Symbols = []string{"AAPL"}
		return c
	}
	require.NoError(t, func() error { c := valid(); return c.Validate() }())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"mode", func(c *Config) { c.Mode = "paper" }, "unknown mode"},
		{"log level", func(c *Config) { c.LogLevel = "trace" }, "log_level"},
		{"account", func(c *Config) { c.Engine.AccountID = " " }, "account_id"},
		{"symbols", func(c *Config) { c.Replay.Symbols = nil }, "replay: symbols"},
		{"s3 source", func(c *Config) { c.Replay.Source = "s3" }, "requires s3.enabled"},
		{"range", func(c *Config) {
			c.Replay.From.Time = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
			c.Replay.To.Time = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		}, "from must be before to"},
		{"stop loss", func(c *Config) { c.Risk.StopLossPct = 1.5 }, "stop_loss_pct"},
		{"rate window", func(c *Config) { c.Risk.RateWindow.Duration = 0 }, "rate_window"},
		{"distributed rate", func(c *Config) { c.Risk.DistributedRate = true }, "distributed_rate"},
		{"rest outside live", func(c *Config) { c.Execution.Backend = "rest" }, "only valid in live mode"},
		{"participation", func(c *Config) { c.Execution.MaxParticipation = 2 }, "max_participation"},
		{"no strategy", func(c *Config) { c.Strategy.Active = nil }, "strategy: active"},
		{"postgres pool", func(c *Config) {
			c.Postgres.Enabled = true
			c.Postgres.PoolMinConns = 20
		}, "pool_min_conns"},
		{"sweep grid", func(c *Config) {
			c.Mode = ModeSweep
			c.Sweep.SlippageBps = nil
		}, "sweep: stop_loss_pcts and slippage_bps"},
		{"live feed", func(c *Config) {
			c.Mode = ModeLive
			c.Feed.Symbols = []string{"X"}
		}, "ws_url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	c := Defaults()
	c.Mode = "nope"
	c.Strategy.Active = nil
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
	assert.Contains(t, err.Error(), "strategy: active")
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Execution.Rest.APISecret = "s3cr3t"
	cfg.Postgres.Password = "pw"
	cfg.Notify.TelegramToken = "tok"
	cfg.Risk.PerSymbol["AAPL"] = 1

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Execution.Rest.APISecret)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "***", out.Notify.TelegramToken)
	assert.Empty(t, out.Execution.Rest.APIKey, "empty secrets stay empty")

	out.Risk.PerSymbol["AAPL"] = 99
	out.Notify.Events[0] = "changed"
	assert.Equal(t, 1.0, cfg.Risk.PerSymbol["AAPL"])
	assert.Equal(t, "strategy_fault", cfg.Notify.Events[0])
	assert.Equal(t, "s3cr3t", cfg.Execution.Rest.APISecret)
}

func TestParseTimestamp(t *testing.T) {
	ts, err := parseTimestamp("2024-03-01T09:30:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 7, 30, 0, 0, time.UTC), ts)

	ts, err = parseTimestamp("")
	require.NoError(t, err)
	assert.True(t, ts.IsZero())

	_, err = parseTimestamp("03/01/2024")
	assert.Error(t, err)
}
