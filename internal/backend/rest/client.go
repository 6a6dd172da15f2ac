package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/tradecore/internal/crypto"
)

// APIError is a non-2xx response that was not retried away.
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, string(e.Body))
}

// client sends signed JSON requests through a rate limiter and a
// retry/circuit-breaker pipeline.
type client struct {
	http     *http.Client
	baseURL  string
	auth     *crypto.HMACAuth
	limiter  *rate.Limiter
	pipeline failsafe.Executor[*http.Response]
	now      func() time.Time
}

func newClient(cfg Config, logger *slog.Logger) *client {
	retryable := func(resp *http.Response, err error) bool {
		if err != nil {
			return true
		}
		return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
	}

	retryPolicy := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(retryable).
		WithBackoff(cfg.MinBackoff, cfg.MaxBackoff).
		WithMaxRetries(cfg.MaxRetries).
		OnRetry(func(e failsafe.ExecutionEvent[*http.Response]) {
			// The failed response is discarded; release its connection.
			if resp := e.LastResult(); resp != nil {
				resp.Body.Close()
			}
			logger.Warn("rest request retry",
				slog.Int("attempt", e.Attempts()),
				slog.Any("error", e.LastError()),
			)
		}).
		Build()

	breaker := circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(cfg.BreakerDelay).
		Build()

	var auth *crypto.HMACAuth
	if cfg.Key != "" {
		auth = &crypto.HMACAuth{Key: cfg.Key, Secret: cfg.Secret, Passphrase: cfg.Passphrase}
	}

	return &client{
		http:     &http.Client{Timeout: cfg.Timeout},
		baseURL:  cfg.BaseURL,
		auth:     auth,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		pipeline: failsafe.With[*http.Response](retryPolicy, breaker),
		now:      time.Now,
	}
}

// do sends one request and decodes a JSON response into out when out is
// non-nil. Every attempt, retries included, waits for the limiter and is
// signed afresh.
func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			return fmt.Errorf("rest: %s %s: marshal body: %w", method, path, err)
		}
	}

	resp, err := c.pipeline.WithContext(ctx).Get(func() (*http.Response, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		if raw != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.auth != nil {
			c.auth.Sign(req, raw, c.now())
		}
		return c.http.Do(req)
	})
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return fmt.Errorf("rest: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("rest: %s %s: read body: %w", method, path, err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("rest: %s %s: %w", method, path, &APIError{StatusCode: resp.StatusCode, Body: data})
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("rest: %s %s: decode response: %w", method, path, err)
		}
	}
	return nil
}
