package redis

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

var t0 = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

func TestKeys(t *testing.T) {
	c := &Client{prefix: "tradecore:"}
	assert.Equal(t, "tradecore:mark:AAPL", c.Key(markKey("AAPL")))
	assert.Equal(t, "tradecore:lock:engine:acct-1", c.Key(lockKey(EngineLockKey("acct-1"))))
	assert.Equal(t, "tradecore:ratelimit:orders", c.Key(rateLimitKey("orders")))
	assert.Equal(t, "events:acct-1", AccountStream("acct-1"))
	assert.Equal(t, "orders:acct-1", OrderChannel("acct-1"))
	assert.Equal(t, "mark:X", (&Client{}).Key(markKey("X")))
}

func TestSlidingWindowScriptEmbedded(t *testing.T) {
	assert.Contains(t, slidingWindowLua, "ZREMRANGEBYSCORE")
	assert.Contains(t, slidingWindowLua, "ZADD")
}

func TestMarkRoundTrip(t *testing.T) {
	fields := markFields(101.25, t0)
	vals := map[string]string{}
	for k, v := range fields {
		vals[k] = v.(string)
	}
	price, ts, ok, err := parseMark(vals)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 101.25, price)
	assert.True(t, ts.Equal(t0))

	_, _, ok, err = parseMark(map[string]string{"price": "1"})
	assert.NoError(t, err)
	assert.False(t, ok)

	_, _, _, err = parseMark(map[string]string{"price": "x", "ts": "1"})
	assert.Error(t, err)
}

type fakeMarks struct {
	fail  bool
	calls []map[string]domain.MarketEvent
}

func (f *fakeMarks) SetPrices(_ context.Context, marks map[string]domain.MarketEvent) error {
	if f.fail {
		return errors.New("redis down")
	}
	f.calls = append(f.calls, marks)
	return nil
}

func TestMarkWriterKeepsNewest(t *testing.T) {
	sink := &fakeMarks{}
	w := NewMarkWriter(sink, slog.New(slog.DiscardHandler))

	w.Tap(domain.MarketEvent{Symbol: "A", Price: 1, Time: t0})
	w.Tap(domain.MarketEvent{Symbol: "A", Price: 2, Time: t0.Add(time.Second)})
	w.Tap(domain.MarketEvent{Symbol: "A", Price: 3, Time: t0}) // late
	w.Tap(domain.MarketEvent{Symbol: "B", Price: 9, Time: t0})
	assert.Equal(t, []string{"A", "B"}, w.Pending())

	sink.fail = true
	require.Error(t, w.Flush(context.Background()))
	assert.Equal(t, []string{"A", "B"}, w.Pending(), "failed marks are kept")

	w.Tap(domain.MarketEvent{Symbol: "B", Price: 10, Time: t0.Add(time.Minute)})
	sink.fail = false
	require.NoError(t, w.Flush(context.Background()))
	require.Len(t, sink.calls, 1)
	assert.Equal(t, 2.0, sink.calls[0]["A"].Price)
	assert.Equal(t, 10.0, sink.calls[0]["B"].Price, "a newer mark wins over a requeued one")
	assert.Empty(t, w.Pending())
}

func TestEventEnvelope(t *testing.T) {
	p := &EventPublisher{runID: "run-1", accountID: "acct", now: func() time.Time { return t0 }}
	raw, err := p.envelope("order", domain.Order{ID: 3, State: domain.OrderFilled})
	require.NoError(t, err)

	var ev Event
	require.NoError(t, json.Unmarshal(raw, &ev))
	assert.Equal(t, "order", ev.Type)
	assert.Equal(t, "run-1", ev.RunID)
	assert.True(t, ev.At.Equal(t0))

	var o domain.Order
	require.NoError(t, json.Unmarshal(ev.Data, &o))
	assert.Equal(t, int64(3), o.ID)
	assert.Equal(t, domain.OrderFilled, o.State)
}

type recordingBus struct {
	published map[string][][]byte
	streamed  map[string][][]byte
	fail      bool
}

func (b *recordingBus) Publish(_ context.Context, channel string, payload []byte) error {
	if b.published == nil {
		b.published = map[string][][]byte{}
	}
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not supported")
}

func (b *recordingBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	if b.fail {
		return errors.New("redis down")
	}
	if b.streamed == nil {
		b.streamed = map[string][][]byte{}
	}
	b.streamed[stream] = append(b.streamed[stream], payload)
	return nil
}

func TestRecordOrderStreamsAndPublishes(t *testing.T) {
	bus := &recordingBus{}
	p := &EventPublisher{bus: bus, runID: "run-1", accountID: "acct", now: func() time.Time { return t0 }}

	require.NoError(t, p.RecordOrder(context.Background(), domain.Order{ID: 7, State: domain.OrderFilled}))
	require.Len(t, bus.streamed["events:acct"], 1)
	require.Len(t, bus.published["orders:acct"], 1)
	assert.Equal(t, bus.streamed["events:acct"][0], bus.published["orders:acct"][0])

	bus.fail = true
	require.Error(t, p.RecordOrder(context.Background(), domain.Order{ID: 8}))
	assert.Len(t, bus.published["orders:acct"], 1, "nothing is published when the stream write fails")
}

func TestLeaseScriptsEmbedded(t *testing.T) {
	for _, src := range []string{leaseReleaseLua, leaseRenewLua} {
		assert.Contains(t, src, "redis.call('GET', KEYS[1]) == ARGV[1]")
	}
	assert.Contains(t, leaseRenewLua, "PEXPIRE")
	assert.Contains(t, leaseReleaseLua, "DEL")
}

func TestHoldRejectsZeroTTL(t *testing.T) {
	lm := NewLockManager(&Client{}, slog.New(slog.DiscardHandler))
	_, _, err := lm.Hold(context.Background(), "k", 0)
	assert.ErrorContains(t, err, "ttl must be positive")
}

func TestClientOptions(t *testing.T) {
	opts := ClientConfig{Addr: "cache:6379", DB: 2, PoolSize: 8}.options()
	assert.Equal(t, "cache:6379", opts.Addr)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, "tradecore", opts.ClientName)
	assert.Nil(t, opts.TLSConfig)

	opts = ClientConfig{TLSEnabled: true}.options()
	require.NotNil(t, opts.TLSConfig)
	assert.Equal(t, uint16(tls.VersionTLS12), opts.TLSConfig.MinVersion)
}
