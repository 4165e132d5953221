package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/evalq/internal/api"
	"github.com/kalambet/evalq/internal/config"
	"github.com/kalambet/evalq/internal/feed"
	"github.com/kalambet/evalq/internal/notify"
	"github.com/kalambet/evalq/internal/remote"
	"github.com/kalambet/evalq/internal/storage"
	"github.com/kalambet/evalq/internal/submission"
)

const testToken = "cli-test-token"

type testEnv struct {
	server *httptest.Server
	store  *storage.Store
	hub    *feed.Hub
}

// newTestEnv runs a real API server and points the CLI's client at it.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	hub := feed.NewHub()
	store, err := storage.Open(":memory:", storage.WithPublisher(hub))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	srv := httptest.NewServer(api.NewHandler(api.Deps{
		Store:  store,
		Feed:   hub,
		Outbox: notify.NewOutbox(store),
		Token:  testToken,
	}))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
		store.Close()
	})

	env := &testEnv{server: srv, store: store, hub: hub}
	env.useClient(t, srv.URL)
	return env
}

func (e *testEnv) useClient(t *testing.T, url string) {
	t.Helper()
	old := newAPIClient
	t.Cleanup(func() { newAPIClient = old })

	cfg := config.Config{}
	cfg.Storage.DataDir = t.TempDir()
	cfg.Storage.Driver = config.DriverSQLite
	cfg.Client.EvaluatorID = "tester"
	cfg.Decision.VerifyBackoff = time.Millisecond
	cfg.Status.TTL = time.Second
	newAPIClient = func() (*remote.Client, config.Config, error) {
		return remote.New(url, testToken, remote.WithTimeout(2*time.Second)), cfg, nil
	}
}

func (e *testEnv) seed(t *testing.T, name string, minute int) submission.Item {
	t.Helper()
	it, err := e.store.CreateSubmission(context.Background(), submission.Item{
		FullName:  name,
		Email:     strings.ToLower(name) + "@example.com",
		CreatedAt: time.Date(2024, 5, 1, 8, minute, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("CreateSubmission: %v", err)
	}
	return it
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSubmitAndQueue(t *testing.T) {
	env := newTestEnv(t)

	if _, err := run(t, "submit", "--name", "Ada Lovelace", "--email", "ada@example.com", "--location", "London"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	out, err := run(t, "queue")
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if !strings.Contains(out, "Ada Lovelace") || !strings.Contains(out, "ada@example.com") {
		t.Errorf("queue output:\n%s", out)
	}

	pending, _ := env.store.QueryPending(context.Background())
	if len(pending) != 1 || pending[0].Location != "London" {
		t.Errorf("stored = %+v", pending)
	}

	out, err = run(t, "queue", "--json")
	if err != nil {
		t.Fatalf("queue --json: %v", err)
	}
	if !strings.Contains(out, `"full_name": "Ada Lovelace"`) {
		t.Errorf("json output:\n%s", out)
	}
}

func TestSubmitMissingArgs(t *testing.T) {
	newTestEnv(t)
	_, err := run(t, "submit", "--name", "Ada")
	if err == nil || !strings.Contains(err.Error(), "required") {
		t.Errorf("err = %v, want it to mention 'required'", err)
	}
}

func TestQueueEmptyAndInvalidStatus(t *testing.T) {
	newTestEnv(t)
	out, err := run(t, "queue")
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if !strings.Contains(out, "No pending submissions") {
		t.Errorf("output:\n%s", out)
	}
	if _, err := run(t, "queue", "--status", "maybe"); err == nil {
		t.Error("expected error for invalid status")
	}
}

func TestDecideCommand(t *testing.T) {
	env := newTestEnv(t)
	ada := env.seed(t, "Ada", 0)
	env.seed(t, "Grace", 1)

	if _, err := run(t, "decide", ada.ID, "accept", "--feedback", "Welcome aboard"); err != nil {
		t.Fatalf("decide: %v", err)
	}

	got, err := env.store.GetSubmission(context.Background(), ada.ID)
	if err != nil {
		t.Fatalf("GetSubmission: %v", err)
	}
	if got.Status != submission.StatusAccepted || got.EvaluatedBy != "tester" || got.Feedback != "Welcome aboard" {
		t.Errorf("decided item = %+v", got)
	}
	recs, _ := env.store.ListFeedback(context.Background(), ada.ID)
	if len(recs) != 1 || recs[0].Message != "Application accepted: Welcome aboard" {
		t.Errorf("audit = %+v", recs)
	}
	jobs, _ := env.store.JobStats(context.Background())
	if jobs.Pending != 1 {
		t.Errorf("queued notifications = %+v, want 1 pending", jobs)
	}

	out, err := run(t, "queue", "--status", "accepted")
	if err != nil {
		t.Fatalf("queue --status accepted: %v", err)
	}
	if !strings.Contains(out, "Ada") || !strings.Contains(out, "tester") {
		t.Errorf("accepted list:\n%s", out)
	}

	_, err = run(t, "decide", ada.ID, "reject", "--feedback", "too late")
	if !errors.Is(err, submission.ErrConflict) || !strings.Contains(err.Error(), submission.KindConflict.Message()) {
		t.Errorf("second decide err = %v, want conflict", err)
	}
}

func TestDecideRequiresFeedback(t *testing.T) {
	env := newTestEnv(t)
	ada := env.seed(t, "Ada", 0)

	_, err := run(t, "decide", ada.ID, "accept")
	if !errors.Is(err, submission.ErrValidation) {
		t.Errorf("err = %v, want validation error", err)
	}
	if _, err := run(t, "decide", ada.ID, "maybe", "-f", "x"); !errors.Is(err, submission.ErrValidation) {
		t.Errorf("unknown decision err = %v", err)
	}

	got, _ := env.store.GetSubmission(context.Background(), ada.ID)
	if got.Status != submission.StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
}

func TestQueueShow(t *testing.T) {
	env := newTestEnv(t)
	ada := env.seed(t, "Ada", 0)
	if _, err := env.store.InsertFeedback(context.Background(), submission.FeedbackRecord{
		SubmissionID: ada.ID, Message: "Application accepted: great", Author: "eve",
	}); err != nil {
		t.Fatalf("InsertFeedback: %v", err)
	}

	out, err := run(t, "queue", "show", ada.ID)
	if err != nil {
		t.Fatalf("queue show: %v", err)
	}
	for _, want := range []string{ada.ID, "ada@example.com", "pending", "Application accepted: great", "eve"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	_, err = run(t, "queue", "show", "missing")
	if !errors.Is(err, submission.ErrNotFound) {
		t.Errorf("missing id err = %v", err)
	}
}

func TestWithdraw(t *testing.T) {
	env := newTestEnv(t)
	ada := env.seed(t, "Ada", 0)

	if _, err := run(t, "withdraw", ada.ID); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if _, err := env.store.GetSubmission(context.Background(), ada.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetSubmission after withdraw err = %v", err)
	}
}

func TestAuditCommand(t *testing.T) {
	env := newTestEnv(t)
	out, err := run(t, "audit")
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if !strings.Contains(out, "Every decision has a feedback record") {
		t.Errorf("clean audit output:\n%s", out)
	}

	// A committed decision whose audit write never happened.
	ada := env.seed(t, "Ada", 0)
	now := time.Now().UTC()
	if _, err := env.store.ConditionalUpdate(context.Background(), submission.Transition{
		ID: ada.ID, Expected: submission.StatusPending, Next: submission.StatusRejected,
		Feedback: "no", EvaluatedAt: now, EvaluatedBy: "eve",
	}); err != nil {
		t.Fatalf("ConditionalUpdate: %v", err)
	}

	out, err = run(t, "audit")
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if !strings.Contains(out, "Ada") || !strings.Contains(out, "rejected") || !strings.Contains(out, shortID(ada.ID)) {
		t.Errorf("audit output:\n%s", out)
	}
}

func TestStatusCommand_Running(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "Ada", 0)

	out, err := run(t, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "running at "+env.server.URL) {
		t.Errorf("status output:\n%s", out)
	}
	if !regexp.MustCompile(`Pending:\S* 1`).MatchString(out) {
		t.Errorf("pending count missing:\n%s", out)
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	env.useClient(t, url)

	out, err := run(t, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "unreachable") {
		t.Errorf("status output:\n%s", out)
	}
}

func TestExplain(t *testing.T) {
	url := "http://queue.test"
	if explain(nil, url) != nil {
		t.Error("explain(nil) != nil")
	}
	err := explain(fmt.Errorf("get: %w", remote.ErrUnauthorized), url)
	if !strings.Contains(err.Error(), "rejected the API token") {
		t.Errorf("unauthorized = %v", err)
	}
	err = explain(submission.Transient("list", "", errors.New("dial tcp")), url)
	if !strings.Contains(err.Error(), "not reachable at "+url) || !errors.Is(err, submission.ErrTransient) {
		t.Errorf("transient = %v", err)
	}
	err = explain(submission.NotFound("get", "x"), url)
	if !strings.Contains(err.Error(), submission.KindNotFound.Message()) {
		t.Errorf("not found = %v", err)
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestRenderTable(t *testing.T) {
	out := renderTable([]string{"ID", "Name"}, [][]string{{"abc", "Ada"}, {"def"}}, []columnAlignment{alignLeft, alignRight})
	for _, want := range []string{"ID", "Name", "abc", "Ada", "def"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
	if renderTable(nil, nil, nil) != "" {
		t.Error("empty headers should render nothing")
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("0123456789abcdef"); got != "01234567" {
		t.Errorf("shortID = %q", got)
	}
	if got := shortID("abc"); got != "abc" {
		t.Errorf("shortID = %q", got)
	}
}

func TestPIDFile(t *testing.T) {
	path := pidFilePath(filepath.Join(t.TempDir(), "nested"))
	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil || pid != os.Getpid() {
		t.Errorf("readPIDFile = %d, %v", pid, err)
	}
	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("PID file still present after remove")
	}
}

func isolateConfig(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	for _, k := range []string{"EVALQ_SERVER_PORT", "EVALQ_API_TOKEN", "EVALQ_STORAGE_DRIVER", "EVALQ_STORAGE_DATA_DIR", "EVALQ_POSTGRES_URL"} {
		t.Setenv(k, "")
	}
}

func TestConfigSetAndShow(t *testing.T) {
	isolateConfig(t)
	old := noColor
	defer func() { noColor = old }()

	if _, err := run(t, "config", "set", "server.port", "4321"); err != nil {
		t.Fatalf("config set: %v", err)
	}
	if _, err := run(t, "config", "set", "server.api_token", "x"); err == nil {
		t.Error("setting a secret should fail")
	}

	out, err := run(t, "--no-color", "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if !strings.Contains(out, "server.port = 4321") {
		t.Errorf("config show:\n%s", out)
	}
	if strings.Contains(out, "api_token") {
		t.Errorf("config show leaked a secret key:\n%s", out)
	}

	if _, err := run(t, "config", "unset", "server.port"); err != nil {
		t.Fatalf("config unset: %v", err)
	}
	out, _ = run(t, "--no-color", "config", "show")
	if !strings.Contains(out, "server.port = 4000") {
		t.Errorf("after unset:\n%s", out)
	}
}

func TestTokenCommand(t *testing.T) {
	isolateConfig(t)

	first, err := run(t, "token")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	first = strings.TrimSpace(first)
	if len(first) != 64 {
		t.Errorf("token = %q, want 64 hex chars", first)
	}
	second, err := run(t, "token")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if strings.TrimSpace(second) != first {
		t.Errorf("token changed between runs: %q then %q", first, second)
	}
}
