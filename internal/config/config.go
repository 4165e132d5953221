package config

import (
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Log      LogConfig
	Client   ClientConfig
	Decision DecisionConfig
	Status   StatusConfig
	Notify   NotifyConfig
	Outbox   OutboxConfig
	Trace    TraceConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type StorageConfig struct {
	Driver      string
	DataDir     string
	PostgresURL string
}

type LogConfig struct {
	Level string
}

type ClientConfig struct {
	ServerURL      string
	EvaluatorID    string
	EvaluatorEmail string
}

type DecisionConfig struct {
	VerifyRetries int
	VerifyBackoff time.Duration
}

type StatusConfig struct {
	TTL time.Duration
}

type NotifyConfig struct {
	NtfyURL      string
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	SMTPFrom     string
}

type OutboxConfig struct {
	PollInterval time.Duration
}

// TraceConfig selects where decision spans are exported: "none", "stdout"
// or "otlp" (OTLP over HTTP to OTLPEndpoint, or the OTEL_EXPORTER_OTLP_*
// defaults when it is empty).
type TraceConfig struct {
	Exporter     string
	OTLPEndpoint string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4000,
		},
		Storage: StorageConfig{
			Driver:  DriverSQLite,
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Client: ClientConfig{
			EvaluatorID: defaultEvaluator(),
		},
		Decision: DecisionConfig{
			VerifyRetries: 3,
			VerifyBackoff: 100 * time.Millisecond,
		},
		Status: StatusConfig{
			TTL: 3 * time.Second,
		},
		Notify: NotifyConfig{
			SMTPPort: 587,
		},
		Outbox: OutboxConfig{
			PollInterval: time.Second,
		},
		Trace: TraceConfig{
			Exporter: "none",
		},
	}
}

func defaultEvaluator() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}

// Load reads configuration from the JSON config file, a .env file in the
// working directory, EVALQ_* environment variables and the secrets file in
// the data dir, in increasing order of precedence except that secrets only
// fill values the environment left empty.
func Load() (Config, error) {
	_ = godotenv.Load()
	return loadWith(newPlatformBackend(), openSecrets)
}

// secretStore abstracts the secrets file for testing.
type secretStore interface {
	Get(name string) (string, error)
}

func loadWith(b ConfigBackend, secrets func(dataDir string) secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	sec := secrets(cfg.Storage.DataDir)
	for _, s := range specs {
		if !s.secret || s.extract(cfg).(string) != "" {
			continue
		}
		if v, err := sec.Get(s.key); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Storage.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("missing required config: PostgreSQL URL. " +
				"Set it via environment variable EVALQ_POSTGRES_URL or use storage.driver=sqlite")
		}
	default:
		return fmt.Errorf("invalid storage.driver %q: want %q or %q", c.Storage.Driver, DriverSQLite, DriverPostgres)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	switch c.Trace.Exporter {
	case "none", "stdout", "otlp":
	default:
		return fmt.Errorf("invalid trace.exporter %q: want none, stdout or otlp", c.Trace.Exporter)
	}
	if c.Decision.VerifyRetries < 0 {
		return fmt.Errorf("invalid decision.verify_retries %d: must not be negative", c.Decision.VerifyRetries)
	}
	return nil
}

// ServerURL is the address clients talk to: client.server_url when set,
// otherwise the local server on server.port.
func (c Config) ServerURL() string {
	if c.Client.ServerURL != "" {
		return strings.TrimRight(c.Client.ServerURL, "/")
	}
	return fmt.Sprintf("http://127.0.0.1:%d", c.Server.Port)
}

// SlogLevel maps log.level to a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
