package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// mockSecrets is a test double for the secrets file.
type mockSecrets struct {
	values map[string]string
}

func (m mockSecrets) Get(name string) (string, error) {
	v, ok := m.values[name]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func noSecrets(string) secretStore { return mockSecrets{} }

func writeTempConfig(t *testing.T, content string) *fileBackend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return newFileBackend(path)
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

// TestDefaults verifies all default values are applied when loading an empty config file.
func TestDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := loadWith(writeTempConfig(t, `{}`), noSecrets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4000 {
		t.Errorf("Server.Port = %d, want 4000", cfg.Server.Port)
	}
	if cfg.Storage.Driver != DriverSQLite {
		t.Errorf("Storage.Driver = %q, want sqlite", cfg.Storage.Driver)
	}
	if cfg.Storage.DataDir == "" {
		t.Error("Storage.DataDir is empty")
	}
	if cfg.Decision.VerifyRetries != 3 || cfg.Decision.VerifyBackoff != 100*time.Millisecond {
		t.Errorf("Decision = %+v", cfg.Decision)
	}
	if cfg.Status.TTL != 3*time.Second {
		t.Errorf("Status.TTL = %v, want 3s", cfg.Status.TTL)
	}
	if cfg.Outbox.PollInterval != time.Second {
		t.Errorf("Outbox.PollInterval = %v, want 1s", cfg.Outbox.PollInterval)
	}
	if cfg.Notify.SMTPPort != 587 {
		t.Errorf("Notify.SMTPPort = %d, want 587", cfg.Notify.SMTPPort)
	}
	if got := cfg.ServerURL(); got != "http://127.0.0.1:4000" {
		t.Errorf("ServerURL() = %q", got)
	}
}

// TestFileParsing verifies that fields are read from the JSON config file.
func TestFileParsing(t *testing.T) {
	clearEnv(t)
	b := writeTempConfig(t, `{
  "server.port": 5000,
  "storage.data_dir": "/tmp/evalq-test",
  "log.level": "debug",
  "client.server_url": "https://queue.example.com/",
  "client.evaluator_id": "eve",
  "decision.verify_retries": 5,
  "decision.verify_backoff": "250ms",
  "status.ttl": "4s",
  "notify.smtp_host": "smtp.example.com",
  "notify.smtp_port": "2525",
  "outbox.poll_interval": "2s"
}`)

	cfg, err := loadWith(b, noSecrets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Storage.DataDir != "/tmp/evalq-test" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.ServerURL() != "https://queue.example.com" {
		t.Errorf("ServerURL() = %q", cfg.ServerURL())
	}
	if cfg.Client.EvaluatorID != "eve" {
		t.Errorf("Client.EvaluatorID = %q", cfg.Client.EvaluatorID)
	}
	if cfg.Decision.VerifyRetries != 5 || cfg.Decision.VerifyBackoff != 250*time.Millisecond {
		t.Errorf("Decision = %+v", cfg.Decision)
	}
	if cfg.Status.TTL != 4*time.Second {
		t.Errorf("Status.TTL = %v", cfg.Status.TTL)
	}
	if cfg.Notify.SMTPHost != "smtp.example.com" || cfg.Notify.SMTPPort != 2525 {
		t.Errorf("Notify = %+v", cfg.Notify)
	}
	if cfg.Outbox.PollInterval != 2*time.Second {
		t.Errorf("Outbox.PollInterval = %v", cfg.Outbox.PollInterval)
	}
	if cfg.SlogLevel().String() != "DEBUG" {
		t.Errorf("SlogLevel() = %v", cfg.SlogLevel())
	}
}

// TestEnvOverride verifies that environment variables override config file values.
func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	b := writeTempConfig(t, `{"server.port": 5000, "status.ttl": "4s"}`)

	t.Setenv("EVALQ_SERVER_PORT", "6000")
	t.Setenv("EVALQ_STATUS_TTL", "10s")
	t.Setenv("EVALQ_DECISION_VERIFY_RETRIES", "not-a-number")
	t.Setenv("EVALQ_API_TOKEN", "env-token")

	cfg, err := loadWith(b, func(string) secretStore {
		return mockSecrets{values: map[string]string{keyAPIToken: "file-token"}}
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want 6000", cfg.Server.Port)
	}
	if cfg.Status.TTL != 10*time.Second {
		t.Errorf("Status.TTL = %v, want 10s", cfg.Status.TTL)
	}
	if cfg.Decision.VerifyRetries != 3 {
		t.Errorf("VerifyRetries = %d, want default 3 after bad env value", cfg.Decision.VerifyRetries)
	}
	if cfg.Server.APIToken != "env-token" {
		t.Errorf("APIToken = %q, want env-token", cfg.Server.APIToken)
	}
}

// TestSecretsFallback verifies the secrets file is consulted when env has no value.
func TestSecretsFallback(t *testing.T) {
	clearEnv(t)
	var gotDir string
	cfg, err := loadWith(writeTempConfig(t, `{"storage.data_dir": "/srv/evalq"}`), func(dir string) secretStore {
		gotDir = dir
		return mockSecrets{values: map[string]string{
			keyAPIToken:            "file-token",
			"notify.smtp_password": "hunter2",
		}}
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotDir != "/srv/evalq" {
		t.Errorf("secrets opened in %q, want configured data dir", gotDir)
	}
	if cfg.Server.APIToken != "file-token" || cfg.Notify.SMTPPassword != "hunter2" {
		t.Errorf("secrets not applied: %+v %+v", cfg.Server, cfg.Notify)
	}
}

// TestMissingPostgresURL verifies a clear error when the postgres driver has no URL.
func TestMissingPostgresURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("EVALQ_STORAGE_DRIVER", "postgres")

	_, err := loadWith(writeTempConfig(t, `{}`), noSecrets)
	if err == nil {
		t.Fatal("expected error for missing PostgreSQL URL, got nil")
	}
	if !strings.Contains(err.Error(), "missing required config") {
		t.Errorf("error = %q", err)
	}

	t.Setenv("EVALQ_POSTGRES_URL", "postgres://localhost/evalq")
	cfg, err := loadWith(writeTempConfig(t, `{}`), noSecrets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Storage.PostgresURL != "postgres://localhost/evalq" {
		t.Errorf("PostgresURL = %q", cfg.Storage.PostgresURL)
	}
}

func TestInvalidDriver(t *testing.T) {
	clearEnv(t)
	t.Setenv("EVALQ_STORAGE_DRIVER", "mysql")
	if _, err := loadWith(writeTempConfig(t, `{}`), noSecrets); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestTraceExporter(t *testing.T) {
	clearEnv(t)
	cfg, err := loadWith(writeTempConfig(t, `{}`), noSecrets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Trace.Exporter != "none" {
		t.Errorf("Trace.Exporter = %q, want none", cfg.Trace.Exporter)
	}

	t.Setenv("EVALQ_TRACE_EXPORTER", "otlp")
	t.Setenv("EVALQ_TRACE_OTLP_ENDPOINT", "http://collector:4318")
	cfg, err = loadWith(writeTempConfig(t, `{}`), noSecrets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Trace.Exporter != "otlp" || cfg.Trace.OTLPEndpoint != "http://collector:4318" {
		t.Errorf("Trace = %+v", cfg.Trace)
	}

	t.Setenv("EVALQ_TRACE_EXPORTER", "jaeger")
	if _, err := loadWith(writeTempConfig(t, `{}`), noSecrets); err == nil {
		t.Fatal("expected error for unknown trace exporter")
	}
}

func TestSetKey(t *testing.T) {
	b := writeTempConfig(t, `{}`)

	if err := setKey(b, "server.port", "4100"); err != nil {
		t.Fatalf("setKey(server.port): %v", err)
	}
	if err := setKey(b, "status.ttl", "7s"); err != nil {
		t.Fatalf("setKey(status.ttl): %v", err)
	}
	if err := setKey(b, "status.ttl", "soon"); err == nil {
		t.Error("expected error for invalid duration")
	}
	if err := setKey(b, "server.port", "abc"); err == nil {
		t.Error("expected error for invalid integer")
	}
	if err := setKey(b, "server.api_token", "x"); err == nil || !strings.Contains(err.Error(), "EVALQ_API_TOKEN") {
		t.Errorf("setKey(secret) err = %v", err)
	}
	if err := setKey(b, "nope", "x"); err == nil {
		t.Error("expected error for unknown key")
	}

	clearEnv(t)
	cfg, err := loadWith(newFileBackend(b.path), noSecrets)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.Server.Port != 4100 || cfg.Status.TTL != 7*time.Second {
		t.Errorf("reloaded config = %+v %+v", cfg.Server, cfg.Status)
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Server.APIToken = "secret"
	for _, k := range ShowAll(cfg) {
		if k.Key == keyAPIToken || k.Value == "secret" {
			t.Errorf("ShowAll leaked secret key %s", k.Key)
		}
	}
	if len(ShowAll(cfg)) != len(ValidKeys()) {
		t.Errorf("ShowAll and ValidKeys disagree")
	}
}

func TestEnsureAPIToken(t *testing.T) {
	cfg := defaults()
	cfg.Storage.DataDir = t.TempDir()

	token, created, err := EnsureAPIToken(&cfg)
	if err != nil {
		t.Fatalf("EnsureAPIToken: %v", err)
	}
	if !created || len(token) != 64 {
		t.Errorf("token = %q created = %v", token, created)
	}

	got, err := openSecrets(cfg.Storage.DataDir).Get(keyAPIToken)
	if err != nil || got != token {
		t.Errorf("persisted token = %q, %v", got, err)
	}

	again, created, err := EnsureAPIToken(&cfg)
	if err != nil || created || again != token {
		t.Errorf("second EnsureAPIToken = %q, %v, %v", again, created, err)
	}
}
