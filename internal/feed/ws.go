// Package feed implements live market data sources for the bus.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// WSConfig configures a WSFeed.
type WSConfig struct {
	Name       string
	URL        string
	MinBackoff time.Duration // first reconnect delay
	MaxBackoff time.Duration
	MaxRetries int // consecutive failed dials before giving up; <= 0 retries forever
	Buffer     int
}

// tickMessage is the wire format of the ticker stream. Time is RFC 3339;
// TS is Unix milliseconds and is used when Time is empty.
type tickMessage struct {
	Type   string  `json:"type"`
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	Volume float64 `json:"volume"`
	Time   string  `json:"time"`
	TS     int64   `json:"ts"`
}

type subscribeCommand struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
}

// WSFeed streams ticks from a websocket endpoint. It subscribes with
// {"type":"subscribe","symbols":[...]} and accepts "trade" and "quote"
// messages; anything else is ignored. Dropped connections are redialed with
// exponential backoff and reported as DataGapFaults.
type WSFeed struct {
	cfg    WSConfig
	dialer websocket.Dialer
	faults domain.FaultSink
	now    func() time.Time
	logger *slog.Logger
}

var _ domain.LiveFeed = (*WSFeed)(nil)

// NewWSFeed creates a WSFeed.
func NewWSFeed(cfg WSConfig, logger *slog.Logger) *WSFeed {
	if cfg.Name == "" {
		cfg.Name = "ws"
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	return &WSFeed{
		cfg:    cfg,
		dialer: websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With(slog.String("component", "ws_feed"), slog.String("feed", cfg.Name)),
	}
}

// SetFaultSink routes DataGapFaults to f.
func (f *WSFeed) SetFaultSink(s domain.FaultSink) {
	f.faults = s
}

// Name returns the configured feed name.
func (f *WSFeed) Name() string { return f.cfg.Name }

// Connect dials the endpoint and streams events until ctx is cancelled or
// reconnecting fails MaxRetries times in a row.
func (f *WSFeed) Connect(ctx context.Context, symbols []string) (<-chan domain.MarketEvent, error) {
	conn, err := f.dial(ctx, symbols)
	if err != nil {
		return nil, err
	}
	out := make(chan domain.MarketEvent, f.cfg.Buffer)
	go f.run(ctx, conn, symbols, out)
	return out, nil
}

func (f *WSFeed) run(ctx context.Context, conn *websocket.Conn, symbols []string, out chan<- domain.MarketEvent) {
	defer close(out)
	for {
		last, err := f.session(ctx, conn, out)
		if ctx.Err() != nil {
			f.logger.Info("ws feed stopped")
			return
		}
		gap := &domain.DataGapFault{Source: f.cfg.Name, Since: last, Err: err}
		f.logger.WarnContext(ctx, "ws feed disconnected, reconnecting", slog.String("error", err.Error()))
		if f.faults != nil {
			f.faults.Fault(ctx, gap)
		}

		conn, err = f.dial(ctx, symbols)
		if err != nil {
			if ctx.Err() == nil {
				f.logger.ErrorContext(ctx, "ws feed gave up reconnecting", slog.String("error", err.Error()))
			}
			return
		}
		f.logger.InfoContext(ctx, "ws feed reconnected")
	}
}

// dial connects and subscribes, retrying with backoff.
func (f *WSFeed) dial(ctx context.Context, symbols []string) (*websocket.Conn, error) {
	maxRetries := f.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = -1
	}
	policy := retrypolicy.NewBuilder[*websocket.Conn]().
		HandleIf(func(_ *websocket.Conn, err error) bool {
			return err != nil && ctx.Err() == nil
		}).
		WithBackoff(f.cfg.MinBackoff, f.cfg.MaxBackoff).
		WithMaxRetries(maxRetries).
		OnRetry(func(e failsafe.ExecutionEvent[*websocket.Conn]) {
			f.logger.Warn("ws dial failed, retrying",
				slog.Int("attempt", e.Attempts()),
				slog.String("error", e.LastError().Error()),
			)
		}).
		Build()

	conn, err := failsafe.With[*websocket.Conn](policy).WithContext(ctx).Get(func() (*websocket.Conn, error) {
		return f.connectOnce(ctx, symbols)
	})
	if err != nil {
		return nil, fmt.Errorf("feed: %s: connect: %w", f.cfg.Name, err)
	}
	return conn, nil
}

func (f *WSFeed) connectOnce(ctx context.Context, symbols []string) (*websocket.Conn, error) {
	conn, _, err := f.dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(subscribeCommand{Type: "subscribe", Symbols: symbols}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	f.logger.InfoContext(ctx, "ws feed subscribed", slog.Int("symbols", len(symbols)))
	return conn, nil
}

// session reads from conn until it fails or ctx ends. It returns the time
// of the last event delivered.
func (f *WSFeed) session(ctx context.Context, conn *websocket.Conn, out chan<- domain.MarketEvent) (time.Time, error) {
	var (
		last      time.Time
		closeOnce sync.Once
		done      = make(chan struct{})
	)
	shutdown := func() {
		closeOnce.Do(func() {
			close(done)
			conn.Close()
		})
	}
	defer shutdown()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				shutdown()
				return
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			return last, fmt.Errorf("%w: %w", domain.ErrWSDisconnect, err)
		}
		ev, ok, err := f.decode(raw)
		if err != nil {
			f.logger.Debug("ws message dropped", slog.String("error", err.Error()), slog.Int("payload_len", len(raw)))
			continue
		}
		if !ok {
			continue
		}
		select {
		case out <- ev:
			last = ev.Time
		case <-ctx.Done():
			return last, ctx.Err()
		}
	}
}

func (f *WSFeed) decode(raw []byte) (domain.MarketEvent, bool, error) {
	var msg tickMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return domain.MarketEvent{}, false, err
	}
	kind := domain.EventKind(msg.Type)
	if kind != domain.EventKindTrade && kind != domain.EventKindQuote {
		return domain.MarketEvent{}, false, nil
	}
	if msg.Symbol == "" || !(msg.Price > 0) {
		return domain.MarketEvent{}, false, errors.New("tick without symbol or price")
	}
	ts, err := tickTime(msg.Time, msg.TS, f.now)
	if err != nil {
		return domain.MarketEvent{}, false, err
	}
	return domain.MarketEvent{
		Symbol: msg.Symbol,
		Time:   ts,
		Price:  msg.Price,
		Volume: msg.Volume,
		Kind:   kind,
		Source: f.cfg.Name,
	}, true, nil
}

func tickTime(s string, ms int64, now func() time.Time) (time.Time, error) {
	switch {
	case s != "":
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("time: %w", err)
		}
		return t.UTC(), nil
	case ms > 0:
		return time.UnixMilli(ms).UTC(), nil
	default:
		return now(), nil
	}
}
