package config

import "maps"

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the active
// configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Execution.Rest.APIKey)
	redact(&out.Execution.Rest.APISecret)
	redact(&out.Execution.Rest.SecretPassword)
	redact(&out.Execution.Rest.Passphrase)

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)

	redact(&out.Redis.Password)

	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	redact(&out.Metrics.APIKey)

	// Copy slices and maps so callers cannot mutate the original through
	// the redacted copy.
	out.Replay.Symbols = clone(cfg.Replay.Symbols)
	out.Feed.Symbols = clone(cfg.Feed.Symbols)
	out.Strategy.Active = clone(cfg.Strategy.Active)
	out.Strategy.Symbols = clone(cfg.Strategy.Symbols)
	out.Sweep.StopLossPcts = clone(cfg.Sweep.StopLossPcts)
	out.Sweep.SlippageBps = clone(cfg.Sweep.SlippageBps)
	out.Notify.Events = clone(cfg.Notify.Events)
	if cfg.Risk.PerSymbol != nil {
		out.Risk.PerSymbol = maps.Clone(cfg.Risk.PerSymbol)
	}
	if cfg.Strategy.Params != nil {
		out.Strategy.Params = make(map[string]map[string]any, len(cfg.Strategy.Params))
		for k, v := range cfg.Strategy.Params {
			out.Strategy.Params[k] = maps.Clone(v)
		}
	}
	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

func clone[T any](s []T) []T {
	if s == nil {
		return nil
	}
	return append([]T(nil), s...)
}
