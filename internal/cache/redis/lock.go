package redis

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

var (
	//go:embed scripts/lease_release.lua
	leaseReleaseLua string
	//go:embed scripts/lease_renew.lua
	leaseRenewLua string
)

// releaseTimeout bounds the final DEL; the holder's context is usually
// already cancelled by then.
const releaseTimeout = 5 * time.Second

// LockManager grants token-owned leases: SET NX PX to take one, and Lua
// compare-and-act scripts to renew or release it only while the token
// still matches.
type LockManager struct {
	rdb     *redis.Client
	release *redis.Script
	renew   *redis.Script
	keys    func(string) string
	logger  *slog.Logger
}

var _ domain.LockManager = (*LockManager)(nil)

func NewLockManager(c *Client, logger *slog.Logger) *LockManager {
	return &LockManager{
		rdb:     c.Underlying(),
		release: redis.NewScript(leaseReleaseLua),
		renew:   redis.NewScript(leaseRenewLua),
		keys:    c.Key,
		logger:  logger.With(slog.String("component", "redis_lock")),
	}
}

func lockKey(key string) string { return "lock:" + key }

// EngineLockKey allows one live engine per account.
func EngineLockKey(accountID string) string { return "engine:" + accountID }

type lease struct {
	lm    *LockManager
	name  string
	key   string
	token string
	ttl   time.Duration

	stop     chan struct{}
	lost     chan struct{}
	stopOnce sync.Once
}

// renewed reports whether the lease is still ours. A transport error is
// not a loss; the next tick tries again.
func (l *lease) renewed(ctx context.Context) (bool, error) {
	n, err := l.lm.renew.Run(ctx, l.lm.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return true, err
	}
	return n == 1, nil
}

func (l *lease) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case <-ticker.C:
		}
		ok, err := l.renewed(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			l.lm.logger.WarnContext(ctx, "lock renew failed", slog.String("key", l.name), slog.String("error", err.Error()))
		case !ok:
			l.lm.logger.ErrorContext(ctx, "lock lost", slog.String("key", l.name))
			close(l.lost)
			return
		}
	}
}

func (l *lease) unlock() {
	l.stopOnce.Do(func() {
		close(l.stop)
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := l.lm.release.Run(ctx, l.lm.rdb, []string{l.key}, l.token).Err(); err != nil {
			l.lm.logger.Warn("lock release failed", slog.String("key", l.name), slog.String("error", err.Error()))
		}
	})
}

// Hold takes the lease on key and renews it every ttl/3 until unlock is
// called or ctx ends. An existing holder yields domain.ErrLockHeld.
func (lm *LockManager) Hold(ctx context.Context, key string, ttl time.Duration) (func(), <-chan struct{}, error) {
	if ttl <= 0 {
		return nil, nil, fmt.Errorf("redis: lock %s: ttl must be positive", key)
	}
	l := &lease{
		lm:    lm,
		name:  key,
		key:   lm.keys(lockKey(key)),
		token: uuid.NewString(),
		ttl:   ttl,
		stop:  make(chan struct{}),
		lost:  make(chan struct{}),
	}
	ok, err := lm.rdb.SetNX(ctx, l.key, l.token, ttl).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("redis: lock %s: %w", key, err)
	}
	if !ok {
		return nil, nil, fmt.Errorf("redis: lock %s: %w", key, domain.ErrLockHeld)
	}
	go l.keepAlive(ctx)
	return l.unlock, l.lost, nil
}
