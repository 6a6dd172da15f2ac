// Package postgres persists orders, account snapshots and audit records in
// PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// ClientConfig selects the database either by DSN or by its parts.
type ClientConfig struct {
	DSN      string
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
	MaxConns int
	MinConns int
}

// ConnString returns DSN when set, otherwise a postgres:// URL from the
// parts with port 5432 and sslmode=disable as defaults.
func (cfg ClientConfig) ConnString() string {
	if dsn := strings.TrimSpace(cfg.DSN); dsn != "" {
		return dsn
	}
	port, ssl := cfg.Port, cfg.SSLMode
	if port == 0 {
		port = 5432
	}
	if ssl == "" {
		ssl = "disable"
	}
	q := url.Values{"sslmode": {ssl}}
	return (&url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		Path:     "/" + cfg.Database,
		RawQuery: q.Encode(),
	}).String()
}

func (cfg ClientConfig) poolConfig(logger *slog.Logger) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, err
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		pc.MinConns = min(int32(cfg.MinConns), pc.MaxConns)
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "tradecore"
	pc.ConnConfig.Tracer = &tracelog.TraceLog{
		Logger:   slogTracer(logger),
		LogLevel: tracelog.LogLevelWarn,
	}
	return pc, nil
}

// slogTracer forwards pgx's own warnings and errors (failed queries,
// connection trouble) to the component logger.
func slogTracer(logger *slog.Logger) tracelog.LoggerFunc {
	return func(ctx context.Context, level tracelog.LogLevel, msg string, data map[string]any) {
		lvl := slog.LevelWarn
		if level == tracelog.LogLevelError {
			lvl = slog.LevelError
		}
		attrs := make([]slog.Attr, 0, len(data))
		for k, v := range data {
			if k == "args" {
				continue // bound parameters may carry account data
			}
			attrs = append(attrs, slog.Any(k, v))
		}
		logger.LogAttrs(ctx, lvl, "pgx: "+msg, attrs...)
	}
}

// Client owns the connection pool that the stores share.
type Client struct {
	pool *pgxpool.Pool
}

// New opens the pool and pings it.
func New(ctx context.Context, cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	pc, err := cfg.poolConfig(logger.With(slog.String("component", "postgres")))
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	c := &Client{pool: pool}
	if err := c.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) Pool() *pgxpool.Pool { return c.pool }

func (c *Client) Ping(ctx context.Context) error {
	if err := c.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}
	return nil
}

func (c *Client) Close() { c.pool.Close() }

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}
