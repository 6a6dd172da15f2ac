package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

const (
	telegramAPI   = "https://api.telegram.org"
	telegramLimit = 4096
	discordLimit  = 2000

	postTimeout = 10 * time.Second
	postRetries = 2
)

// statusError is a non-2xx answer from a chat API. Only 429 and 5xx are
// worth another attempt.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.code, e.body)
}

func (e *statusError) retryable() bool {
	return e.code == http.StatusTooManyRequests || e.code >= 500
}

// poster sends JSON documents to one endpoint with a short retry.
type poster struct {
	client *http.Client
	retry  failsafe.Executor[any]
}

func newPoster() poster {
	policy := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			var se *statusError
			if errors.As(err, &se) {
				return se.retryable()
			}
			return err != nil && !errors.Is(err, context.Canceled)
		}).
		WithBackoff(200*time.Millisecond, 2*time.Second).
		WithMaxRetries(postRetries).
		Build()
	return poster{
		client: &http.Client{Timeout: postTimeout},
		retry:  failsafe.With[any](policy),
	}
}

func (p poster) post(ctx context.Context, url string, doc any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return p.retry.WithContext(ctx).Run(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode/100 != 2 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(msg))}
		}
		return nil
	})
}

// DiscordSender posts to a Discord webhook.
type DiscordSender struct {
	poster
	webhookURL string
}

func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{poster: newPoster(), webhookURL: webhookURL}
}

func (d *DiscordSender) Name() string { return "discord" }

// Send posts the title in bold above the message.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	content := truncate("**"+title+"**\n"+message, discordLimit)
	if err := d.post(ctx, d.webhookURL, map[string]string{"content": content}); err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	return nil
}

// TelegramSender sends through the Bot API's sendMessage.
type TelegramSender struct {
	poster
	apiBase string
	token   string
	chatID  string
}

func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{poster: newPoster(), apiBase: telegramAPI, token: token, chatID: chatID}
}

func (t *TelegramSender) Name() string { return "telegram" }

// Send renders the message as a preformatted block so fault text needs no
// Markdown escaping.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	text := "*" + title + "*\n```\n" + strings.ReplaceAll(message, "```", "'''") + "\n```"
	err := t.post(ctx, t.apiBase+"/bot"+t.token+"/sendMessage", map[string]string{
		"chat_id":    t.chatID,
		"text":       truncate(text, telegramLimit),
		"parse_mode": "Markdown",
	})
	if err != nil {
		// Transport errors quote the URL, which carries the token.
		return fmt.Errorf("telegram: %s", strings.ReplaceAll(err.Error(), t.token, "***"))
	}
	return nil
}
