// Command tradecore backtests, sweeps or live-trades the configured
// strategies. With -encrypt-secret it seals an exchange API secret read
// from stdin for use as execution.rest.secret_file and exits.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alanyoungcy/tradecore/internal/app"
	"github.com/alanyoungcy/tradecore/internal/config"
	"github.com/alanyoungcy/tradecore/internal/crypto"
)

const secretPasswordEnv = config.EnvPrefix + "EXECUTION_REST_SECRET_PASSWORD"

func main() {
	configPath := flag.String("config", "config.toml", "configuration file; empty for defaults and environment only")
	sealTo := flag.String("encrypt-secret", "", "seal a secret read from stdin into this file and exit")
	flag.Parse()

	if *sealTo != "" {
		if err := sealSecret(os.Stdin, os.Getenv(secretPasswordEnv), *sealTo); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt-secret: %v\n", err)
			os.Exit(1)
		}
		return
	}
	os.Exit(run(*configPath))
}

func run(configPath string) int {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("load config", slog.String("path", configPath), slog.String("error", err.Error()))
		return 1
	}
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		logger.Warn("unknown log level, using info", slog.String("log_level", cfg.LogLevel))
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		return 1
	}
	logger.Info("tradecore starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", configPath),
		slog.Any("settings", config.RedactedConfig(cfg)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := app.New(cfg, logger)
	err = a.Run(ctx)
	a.Close()
	switch {
	case err == nil:
		logger.Info("tradecore stopped")
	case errors.Is(err, context.Canceled):
		logger.Info("tradecore interrupted, shut down cleanly")
	default:
		logger.Error("tradecore failed", slog.String("error", err.Error()))
		return 1
	}
	return 0
}

// sealSecret reads the secret from the first line of in.
func sealSecret(in io.Reader, password, out string) error {
	if password == "" {
		return fmt.Errorf("%s is not set", secretPasswordEnv)
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read secret: %w", err)
	}
	secret := strings.TrimSpace(line)
	if secret == "" {
		return errors.New("empty secret on stdin")
	}
	sealed, err := crypto.EncryptSecret(secret, password)
	if err != nil {
		return err
	}
	return os.WriteFile(out, sealed, 0o600)
}
