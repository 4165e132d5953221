package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
)

const keyAPIToken = "server.api_token"

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "EVALQ_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "EVALQ_API_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.driver", typ: kString, env: "EVALQ_STORAGE_DRIVER",
		apply:   func(cfg *Config, v any) { cfg.Storage.Driver = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Driver },
	},
	{
		key: "storage.data_dir", typ: kString, env: "EVALQ_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.postgres_url", typ: kString, env: "EVALQ_POSTGRES_URL",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Storage.PostgresURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.PostgresURL },
	},
	{
		key: "log.level", typ: kString, env: "EVALQ_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "client.server_url", typ: kString, env: "EVALQ_CLIENT_SERVER_URL",
		apply:   func(cfg *Config, v any) { cfg.Client.ServerURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Client.ServerURL },
	},
	{
		key: "client.evaluator_id", typ: kString, env: "EVALQ_CLIENT_EVALUATOR_ID",
		apply:   func(cfg *Config, v any) { cfg.Client.EvaluatorID = v.(string) },
		extract: func(cfg Config) any { return cfg.Client.EvaluatorID },
	},
	{
		key: "client.evaluator_email", typ: kString, env: "EVALQ_CLIENT_EVALUATOR_EMAIL",
		apply:   func(cfg *Config, v any) { cfg.Client.EvaluatorEmail = v.(string) },
		extract: func(cfg Config) any { return cfg.Client.EvaluatorEmail },
	},
	{
		key: "decision.verify_retries", typ: kInt, env: "EVALQ_DECISION_VERIFY_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Decision.VerifyRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Decision.VerifyRetries },
	},
	{
		key: "decision.verify_backoff", typ: kDuration, env: "EVALQ_DECISION_VERIFY_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.Decision.VerifyBackoff = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Decision.VerifyBackoff },
	},
	{
		key: "status.ttl", typ: kDuration, env: "EVALQ_STATUS_TTL",
		apply:   func(cfg *Config, v any) { cfg.Status.TTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Status.TTL },
	},
	{
		key: "notify.ntfy_url", typ: kString, env: "EVALQ_NOTIFY_NTFY_URL",
		apply:   func(cfg *Config, v any) { cfg.Notify.NtfyURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Notify.NtfyURL },
	},
	{
		key: "notify.smtp_host", typ: kString, env: "EVALQ_NOTIFY_SMTP_HOST",
		apply:   func(cfg *Config, v any) { cfg.Notify.SMTPHost = v.(string) },
		extract: func(cfg Config) any { return cfg.Notify.SMTPHost },
	},
	{
		key: "notify.smtp_port", typ: kInt, env: "EVALQ_NOTIFY_SMTP_PORT",
		apply:   func(cfg *Config, v any) { cfg.Notify.SMTPPort = v.(int) },
		extract: func(cfg Config) any { return cfg.Notify.SMTPPort },
	},
	{
		key: "notify.smtp_user", typ: kString, env: "EVALQ_NOTIFY_SMTP_USER",
		apply:   func(cfg *Config, v any) { cfg.Notify.SMTPUser = v.(string) },
		extract: func(cfg Config) any { return cfg.Notify.SMTPUser },
	},
	{
		key: "notify.smtp_password", typ: kString, env: "EVALQ_SMTP_PASSWORD",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Notify.SMTPPassword = v.(string) },
		extract: func(cfg Config) any { return cfg.Notify.SMTPPassword },
	},
	{
		key: "notify.smtp_from", typ: kString, env: "EVALQ_NOTIFY_SMTP_FROM",
		apply:   func(cfg *Config, v any) { cfg.Notify.SMTPFrom = v.(string) },
		extract: func(cfg Config) any { return cfg.Notify.SMTPFrom },
	},
	{
		key: "outbox.poll_interval", typ: kDuration, env: "EVALQ_OUTBOX_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Outbox.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Outbox.PollInterval },
	},
	{
		key: "trace.exporter", typ: kString, env: "EVALQ_TRACE_EXPORTER",
		apply:   func(cfg *Config, v any) { cfg.Trace.Exporter = v.(string) },
		extract: func(cfg Config) any { return cfg.Trace.Exporter },
	},
	{
		key: "trace.otlp_endpoint", typ: kString, env: "EVALQ_TRACE_OTLP_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Trace.OTLPEndpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Trace.OTLPEndpoint },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if d, err := time.ParseDuration(v); err == nil {
					s.apply(cfg, d)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
