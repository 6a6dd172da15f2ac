package feed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// priceEvent is the JSON shape published to the price channel by upstream
// collectors.
type priceEvent struct {
	Symbol    string  `json:"symbol"`
	Kind      string  `json:"kind"`
	Price     float64 `json:"price"`
	Volume    float64 `json:"volume"`
	Timestamp string  `json:"timestamp"`
}

// RedisFeed subscribes to a pub/sub channel carrying JSON price events and
// forwards those for the requested symbols.
type RedisFeed struct {
	bus     domain.SignalBus
	channel string
	buffer  int
	now     func() time.Time
	logger  *slog.Logger
}

var _ domain.LiveFeed = (*RedisFeed)(nil)

// NewRedisFeed creates a RedisFeed reading channel. An empty channel means
// "prices".
func NewRedisFeed(bus domain.SignalBus, channel string, logger *slog.Logger) *RedisFeed {
	if channel == "" {
		channel = "prices"
	}
	return &RedisFeed{
		bus:     bus,
		channel: channel,
		buffer:  1024,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger.With(slog.String("component", "redis_feed"), slog.String("channel", channel)),
	}
}

// Name identifies the feed.
func (f *RedisFeed) Name() string { return "redis:" + f.channel }

// Connect subscribes and streams events until ctx is cancelled or the
// subscription closes.
func (f *RedisFeed) Connect(ctx context.Context, symbols []string) (<-chan domain.MarketEvent, error) {
	ch, err := f.bus.Subscribe(ctx, f.channel)
	if err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}

	out := make(chan domain.MarketEvent, f.buffer)
	go func() {
		defer close(out)
		f.logger.Info("redis feed started")
		defer f.logger.Info("redis feed stopped")

		for {
			select {
			case <-ctx.Done():
				return
			case data, ok := <-ch:
				if !ok {
					return
				}
				ev, err := f.decode(data)
				if err != nil {
					f.logger.Debug("redis feed message dropped",
						slog.String("error", err.Error()),
						slog.Int("payload_len", len(data)),
					)
					continue
				}
				if len(want) > 0 && !want[ev.Symbol] {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (f *RedisFeed) decode(data []byte) (domain.MarketEvent, error) {
	var pe priceEvent
	if err := json.Unmarshal(data, &pe); err != nil {
		return domain.MarketEvent{}, err
	}
	sym := strings.TrimSpace(pe.Symbol)
	if sym == "" || !(pe.Price > 0) {
		return domain.MarketEvent{}, errors.New("price event without symbol or price")
	}
	ts := f.now()
	if pe.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, pe.Timestamp); err == nil {
			ts = t.UTC()
		}
	}
	kind := domain.EventKindTrade
	if pe.Kind == string(domain.EventKindQuote) {
		kind = domain.EventKindQuote
	}
	return domain.MarketEvent{
		Symbol: sym,
		Time:   ts,
		Price:  pe.Price,
		Volume: pe.Volume,
		Kind:   kind,
		Source: f.Name(),
	}, nil
}
