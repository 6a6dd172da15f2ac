package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

const (
	// accountStreamLen caps each account stream (XADD MAXLEN ~).
	accountStreamLen int64 = 10000
	subscribeBuffer        = 1024
)

// SignalBus carries market data in and account events out. Price channels
// are plain pub/sub and are not prefixed, so upstream collectors need no
// knowledge of the key prefix; account streams are prefixed like every other
// key.
type SignalBus struct {
	rdb  *redis.Client
	keys func(string) string
}

var _ domain.SignalBus = (*SignalBus)(nil)

// NewSignalBus creates a SignalBus on c.
func NewSignalBus(c *Client) *SignalBus {
	return &SignalBus{rdb: c.Underlying(), keys: c.Key}
}

// Publish sends payload on channel.
func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := sb.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe listens on channel, or on every matching channel when it
// contains a glob, until ctx is cancelled. The returned channel is closed
// when the subscription ends. A slow reader applies backpressure rather than
// losing ticks.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	pubsub := sb.rdb.Subscribe(ctx)
	var err error
	if strings.ContainsAny(channel, "*?[") {
		err = pubsub.PSubscribe(ctx, channel)
	} else {
		err = pubsub.Subscribe(ctx, channel)
	}
	if err == nil {
		// Wait for the server's confirmation so that no message published
		// after Subscribe returns is missed.
		_, err = pubsub.Receive(ctx)
	}
	if err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, subscribeBuffer)
	go forward(ctx, pubsub, out)
	return out, nil
}

func forward(ctx context.Context, pubsub *redis.PubSub, out chan<- []byte) {
	defer close(out)
	defer pubsub.Close()

	in := pubsub.Channel(redis.WithChannelSize(subscribeBuffer))
	for {
		var msg *redis.Message
		select {
		case <-ctx.Done():
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			msg = m
		}
		select {
		case out <- []byte(msg.Payload):
		case <-ctx.Done():
			return
		}
	}
}

// StreamAppend adds payload to stream, trimming it to roughly
// accountStreamLen entries.
func (sb *SignalBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	err := sb.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: sb.keys(stream),
		MaxLen: accountStreamLen,
		Approx: true,
		Values: []any{"payload", payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: stream append %s: %w", stream, err)
	}
	return nil
}
