// Package rest implements an execution backend for exchanges that expose a
// signed JSON REST API. Orders are submitted and cancelled by client order ID
// and their outcome is polled from an executions endpoint.
//
// Endpoints, relative to BaseURL:
//
//	POST   /v1/orders                    submit
//	DELETE /v1/orders/{client_order_id}  cancel
//	GET    /v1/executions?after={cursor} fills, cancels and rejects in order
package rest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// Config configures the REST backend.
type Config struct {
	BaseURL    string
	Key        string
	Secret     string
	Passphrase string

	RateLimit    float64 // requests per second
	Burst        int
	Timeout      time.Duration
	PollInterval time.Duration
	MaxRetries   int
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	BreakerDelay time.Duration
}

func (c *Config) defaults() {
	if c.RateLimit <= 0 {
		c.RateLimit = 10
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = 2 * time.Second
	}
	if c.BreakerDelay <= 0 {
		c.BreakerDelay = 10 * time.Second
	}
}

type orderRequest struct {
	ClientOrderID string `json:"client_order_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Quantity      string `json:"quantity"`
	Price         string `json:"price,omitempty"`
}

type execution struct {
	ID            string `json:"id"`
	Type          string `json:"type"` // fill, cancel or reject
	ClientOrderID string `json:"client_order_id"`
	Quantity      string `json:"quantity"`
	Price         string `json:"price"`
	Fee           string `json:"fee"`
	Reason        string `json:"reason"`
	Time          string `json:"time"`
}

type executionsResponse struct {
	Executions []execution `json:"executions"`
	Cursor     string      `json:"cursor"`
}

// tracked is an order the exchange knows about.
type tracked struct {
	order  domain.Order
	filled decimal.Decimal
}

// Backend routes orders to a REST exchange API.
type Backend struct {
	cfg     Config
	client  *client
	reports chan domain.ExecutionReport
	logger  *slog.Logger

	mu       sync.Mutex
	byClient map[string]*tracked
	byOrder  map[int64]string
	seen     map[string]bool
	cursor   string
}

var _ domain.ExecutionBackend = (*Backend)(nil)

// New creates a Backend. Call Run to start delivering reports.
func New(cfg Config, logger *slog.Logger) (*Backend, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("rest: base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("rest: base url: %w", err)
	}
	cfg.defaults()
	logger = logger.With(slog.String("component", "rest_backend"))
	return &Backend{
		cfg:      cfg,
		client:   newClient(cfg, logger),
		reports:  make(chan domain.ExecutionReport, 256),
		logger:   logger,
		byClient: make(map[string]*tracked),
		byOrder:  make(map[int64]string),
		seen:     make(map[string]bool),
	}, nil
}

// Reports returns the channel Run delivers reports on. It is closed when Run
// returns.
func (b *Backend) Reports() <-chan domain.ExecutionReport { return b.reports }

// Submit sends o under a fresh client order ID. Retries reuse the same ID, so
// the exchange sees at most one order. Any error, including a 4xx response,
// leaves the order unknown to the exchange.
func (b *Backend) Submit(ctx context.Context, o domain.Order) error {
	clientID := uuid.New().String()
	req := orderRequest{
		ClientOrderID: clientID,
		Symbol:        o.Symbol(),
		Side:          string(o.Side()),
		Type:          string(o.Intent.Kind),
		Quantity:      decimal.NewFromFloat(o.Quantity).String(),
	}
	if o.Intent.Kind == domain.IntentLimit {
		req.Price = decimal.NewFromFloat(o.Intent.LimitPrice).String()
	}

	// Registered first: a fast exchange may report a fill before the
	// submit response arrives.
	b.mu.Lock()
	b.byClient[clientID] = &tracked{order: o}
	b.byOrder[o.ID] = clientID
	b.mu.Unlock()

	if err := b.client.do(ctx, http.MethodPost, "/v1/orders", req, nil); err != nil {
		b.forget(clientID)
		return err
	}
	b.logger.DebugContext(ctx, "order accepted",
		slog.Int64("order_id", o.ID),
		slog.String("client_order_id", clientID),
	)
	return nil
}

// Cancel asks the exchange to cancel order id. The cancellation is confirmed
// by a cancel execution.
func (b *Backend) Cancel(ctx context.Context, id int64) error {
	b.mu.Lock()
	clientID, ok := b.byOrder[id]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("rest: cancel %d: %w", id, domain.ErrUnknownOrder)
	}
	return b.client.do(ctx, http.MethodDelete, "/v1/orders/"+url.PathEscape(clientID), nil, nil)
}

// Run polls the executions endpoint every PollInterval until ctx is
// cancelled. Poll failures are logged and retried on the next tick.
func (b *Backend) Run(ctx context.Context) error {
	defer close(b.reports)
	b.logger.Info("rest backend started", slog.Duration("poll_interval", b.cfg.PollInterval))
	defer b.logger.Info("rest backend stopped")

	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := b.Poll(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				b.logger.WarnContext(ctx, "execution poll failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Poll fetches executions after the last cursor and delivers their reports.
func (b *Backend) Poll(ctx context.Context) error {
	b.mu.Lock()
	path := "/v1/executions"
	if b.cursor != "" {
		path += "?after=" + url.QueryEscape(b.cursor)
	}
	b.mu.Unlock()

	var resp executionsResponse
	if err := b.client.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return err
	}

	for _, ex := range resp.Executions {
		rep, ok, err := b.report(ex)
		if err != nil {
			b.logger.WarnContext(ctx, "execution skipped",
				slog.String("execution_id", ex.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !ok {
			continue
		}
		select {
		case b.reports <- rep:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if resp.Cursor != "" {
		b.mu.Lock()
		b.cursor = resp.Cursor
		b.mu.Unlock()
	}
	return nil
}

// report maps one execution to a report. ok is false for executions already
// delivered.
func (b *Backend) report(ex execution) (domain.ExecutionReport, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ex.ID != "" && b.seen[ex.ID] {
		return domain.ExecutionReport{}, false, nil
	}
	t, ok := b.byClient[ex.ClientOrderID]
	if !ok {
		return domain.ExecutionReport{}, false, fmt.Errorf("client order %q: %w", ex.ClientOrderID, domain.ErrUnknownOrder)
	}
	at := time.Now().UTC()
	if ex.Time != "" {
		parsed, err := time.Parse(time.RFC3339Nano, ex.Time)
		if err != nil {
			return domain.ExecutionReport{}, false, fmt.Errorf("time: %w", err)
		}
		at = parsed.UTC()
	}

	rep := domain.ExecutionReport{OrderID: t.order.ID, Reason: ex.Reason, Time: at}
	switch ex.Type {
	case "fill":
		qty, err := decimal.NewFromString(ex.Quantity)
		if err != nil {
			return domain.ExecutionReport{}, false, fmt.Errorf("quantity: %w", err)
		}
		price, err := decimal.NewFromString(ex.Price)
		if err != nil {
			return domain.ExecutionReport{}, false, fmt.Errorf("price: %w", err)
		}
		fee := decimal.Zero
		if ex.Fee != "" {
			if fee, err = decimal.NewFromString(ex.Fee); err != nil {
				return domain.ExecutionReport{}, false, fmt.Errorf("fee: %w", err)
			}
		}
		rep.Kind = domain.ReportFill
		rep.Fill = domain.Fill{
			OrderID:  t.order.ID,
			Symbol:   t.order.Symbol(),
			Side:     t.order.Side(),
			Quantity: qty.InexactFloat64(),
			Price:    price.InexactFloat64(),
			Fee:      fee.InexactFloat64(),
			Time:     at,
		}
		t.filled = t.filled.Add(qty)
		if t.filled.GreaterThanOrEqual(decimal.NewFromFloat(t.order.Quantity)) {
			b.forgetLocked(ex.ClientOrderID)
		}
	case "cancel":
		rep.Kind = domain.ReportCancel
		b.forgetLocked(ex.ClientOrderID)
	case "reject":
		rep.Kind = domain.ReportReject
		if rep.Reason == "" {
			rep.Reason = "rejected by exchange"
		}
		b.forgetLocked(ex.ClientOrderID)
	default:
		return domain.ExecutionReport{}, false, fmt.Errorf("unknown execution type %q", ex.Type)
	}
	if ex.ID != "" {
		b.seen[ex.ID] = true
	}
	return rep, true, nil
}

func (b *Backend) forget(clientID string) {
	b.mu.Lock()
	b.forgetLocked(clientID)
	b.mu.Unlock()
}

func (b *Backend) forgetLocked(clientID string) {
	if t, ok := b.byClient[clientID]; ok {
		delete(b.byOrder, t.order.ID)
		delete(b.byClient, clientID)
	}
}
