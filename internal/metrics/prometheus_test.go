package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

func TestSinkRecords(t *testing.T) {
	s := New(prometheus.Labels{"mode": "backtest"}, false)

	s.ObserveEvent(domain.MarketEvent{Symbol: "A"})
	s.ObserveEvent(domain.MarketEvent{Symbol: "A"})
	s.ObserveEvent(domain.MarketEvent{Symbol: "B"})
	assert.Equal(t, 2.0, testutil.ToFloat64(s.events.WithLabelValues("A")))

	s.ObserveOrder(domain.Order{State: domain.OrderFilled, Intent: domain.TradeIntent{Side: domain.SideBuy}})
	assert.Equal(t, 1.0, testutil.ToFloat64(s.orders.WithLabelValues("filled", "buy")))

	s.ObserveRejection(&domain.RiskRejection{Rule: domain.RuleRate, Retryable: true})
	assert.Equal(t, 1.0, testutil.ToFloat64(s.rejections.WithLabelValues("rate", "true")))

	s.ObserveFault("strategy", nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(s.faults.WithLabelValues("strategy")))

	s.ObserveSnapshot(domain.AccountSnapshot{Equity: 1050, Cash: 50, Positions: []domain.Position{{Symbol: "A"}}})
	assert.Equal(t, 1050.0, testutil.ToFloat64(s.equity))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.positions))

	s.ObserveExecution(250*time.Millisecond, 3)
	assert.Equal(t, 1, testutil.CollectAndCount(s.latency))
}

func TestHandlerExposesRegistry(t *testing.T) {
	s := New(prometheus.Labels{"mode": "live"}, true)
	s.ObserveFault("data_gap", nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `tradecore_faults_total{kind="data_gap",mode="live"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestSinksAreIndependent(t *testing.T) {
	a, b := New(nil, false), New(nil, false)
	a.ObserveFault("x", nil)
	assert.Equal(t, 0.0, testutil.ToFloat64(b.faults.WithLabelValues("x")))
}
