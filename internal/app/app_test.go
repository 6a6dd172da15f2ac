package app

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradecore/internal/config"
	"github.com/alanyoungcy/tradecore/internal/domain"
	"github.com/alanyoungcy/tradecore/internal/history"
	"github.com/alanyoungcy/tradecore/internal/journal"
	"github.com/alanyoungcy/tradecore/internal/performance"
)

var t0 = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

func writeHistory(t *testing.T, dir, symbol string, n int) {
	t.Helper()
	events := make([]domain.MarketEvent, n)
	for i := range events {
		events[i] = domain.MarketEvent{
			Symbol: symbol,
			Time:   t0.Add(time.Duration(i) * time.Minute),
			Price:  100 + 5*math.Sin(float64(i)/10),
			Volume: 1000,
			Kind:   domain.EventKindTrade,
		}
	}
	f, err := os.Create(filepath.Join(dir, symbol+".csv"))
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, history.EncodeCSV(f, events))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	writeHistory(t, dir, "AAPL", 300)

	cfg := config.Defaults()
	cfg.Replay.CSVDir = dir
	cfg.Replay.Symbols = []string{"AAPL"}
	cfg.Strategy.Symbols = []string{"AAPL"}
	cfg.Engine.JournalPath = filepath.Join(dir, "run.jsonl")
	return &cfg
}

func readJournal(t *testing.T, path string) []journal.Entry {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var entries []journal.Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var e journal.Entry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		entries = append(entries, e)
	}
	require.NoError(t, sc.Err())
	return entries
}

func TestBacktestModeWritesJournal(t *testing.T) {
	cfg := testConfig(t)
	a := New(cfg, slog.New(slog.DiscardHandler))

	require.NoError(t, a.BacktestMode(context.Background(), &Dependencies{}))

	entries := readJournal(t, cfg.Engine.JournalPath)
	require.NotEmpty(t, entries)
	last := entries[len(entries)-1]
	require.Equal(t, journal.TypeReport, last.Type)

	var rep performance.Report
	require.NoError(t, json.Unmarshal(last.Data, &rep))
	assert.Equal(t, 10000.0, rep.StartEquity)
	assert.Empty(t, rep.RunID, "journal reports carry no run id")
}

func TestBacktestModeMissingHistory(t *testing.T) {
	cfg := testConfig(t)
	cfg.Replay.Symbols = []string{"MSFT"}
	a := New(cfg, slog.New(slog.DiscardHandler))

	err := a.BacktestMode(context.Background(), &Dependencies{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReplaySourceRequiresBlobReader(t *testing.T) {
	cfg := testConfig(t)
	cfg.Replay.Source = "s3"
	_, err := replaySource(cfg, &Dependencies{})
	assert.Error(t, err)

	cfg.Replay.Source = "ftp"
	_, err = replaySource(cfg, &Dependencies{})
	assert.Error(t, err)
}

func TestSweepModeUsesInMemoryJournals(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mode = config.ModeSweep
	cfg.Sweep.Workers = 2
	cfg.Sweep.StopLossPcts = []float64{0.03, 0.05}
	cfg.Sweep.SlippageBps = []float64{0, 10}
	a := New(cfg, slog.New(slog.DiscardHandler))

	require.NoError(t, a.SweepMode(context.Background(), &Dependencies{}))
	_, err := os.Stat(cfg.Engine.JournalPath)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSweepGrid(t *testing.T) {
	base := sweepPoint{StopLossPct: 0.05, SlippageBps: 5}

	grid := sweepGrid(config.SweepConfig{
		StopLossPcts: []float64{0.03, 0.08},
		SlippageBps:  []float64{0, 10},
	}, base)
	assert.Equal(t, []sweepPoint{
		{0.03, 0}, {0.03, 10},
		{0.08, 0}, {0.08, 10},
	}, grid)

	grid = sweepGrid(config.SweepConfig{SlippageBps: []float64{1, 2}}, base)
	assert.Equal(t, []sweepPoint{{0.05, 1}, {0.05, 2}}, grid)
	assert.Equal(t, "sl=0.05,slip=2", grid[1].label())
}

func TestRankReports(t *testing.T) {
	reports := []performance.Report{
		{Label: "a", ReturnPct: 1},
		{Label: "b", ReturnPct: 3},
		{Label: "c", ReturnPct: -2},
		{Label: "d", ReturnPct: 3},
	}
	var labels []string
	for _, r := range rankReports(reports) {
		labels = append(labels, r.Label)
	}
	assert.Equal(t, []string{"b", "d", "a", "c"}, labels)
	assert.Equal(t, "a", reports[0].Label, "input is not reordered")
}

func TestReplayRange(t *testing.T) {
	var rc config.ReplayConfig
	from, to := replayRange(rc)
	assert.True(t, from.IsZero())
	assert.Equal(t, openEnd, to)
}

func TestRiskLimitsFromConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Risk.PerSymbol = map[string]float64{"AAPL": 5}
	limits := riskLimits(cfg.Risk)
	assert.Equal(t, 5.0, limits.PositionLimit("AAPL"))
	assert.Equal(t, cfg.Risk.MaxPositionSize, limits.PositionLimit("MSFT"))
	assert.Equal(t, time.Minute, limits.RateWindow)
}

func TestHealthChecksFollowWiring(t *testing.T) {
	assert.Empty(t, (&Dependencies{}).healthChecks())
	assert.Nil(t, (&Dependencies{}).notifier())
	assert.Nil(t, (&Dependencies{}).metricsSink())
}

func TestRunRejectsUnknownMode(t *testing.T) {
	cfg := config.Defaults()
	cfg.Mode = "paper"
	a := New(&cfg, slog.New(slog.DiscardHandler))
	defer a.Close()
	assert.ErrorContains(t, a.Run(context.Background()), `unsupported mode "paper"`)
}

type cachedMarks map[string]float64

func (c cachedMarks) SetPrices(context.Context, map[string]domain.MarketEvent) error { return nil }

func (c cachedMarks) GetPrices(_ context.Context, symbols []string) (map[string]float64, error) {
	out := map[string]float64{}
	for _, s := range symbols {
		if px, ok := c[s]; ok {
			out[s] = px
		}
	}
	return out, nil
}

func TestRestoreMarks(t *testing.T) {
	account := domain.Account{Positions: map[string]domain.Position{
		"AAPL": {Symbol: "AAPL", Quantity: 5, AvgEntryPrice: 100, MarkPrice: 100},
		"MSFT": {Symbol: "MSFT", Quantity: 2, AvgEntryPrice: 300, MarkPrice: 300},
	}}
	restoreMarks(context.Background(), cachedMarks{"AAPL": 110}, &account, slog.New(slog.DiscardHandler))
	assert.Equal(t, 110.0, account.Positions["AAPL"].MarkPrice)
	assert.Equal(t, 300.0, account.Positions["MSFT"].MarkPrice, "uncached symbols keep their saved mark")
}
