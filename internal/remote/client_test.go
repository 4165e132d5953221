package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kalambet/evalq/internal/api"
	"github.com/kalambet/evalq/internal/feed"
	"github.com/kalambet/evalq/internal/notify"
	"github.com/kalambet/evalq/internal/session"
	"github.com/kalambet/evalq/internal/storage"
	"github.com/kalambet/evalq/internal/submission"
)

const testToken = "remote-test-token"

type testServer struct {
	srv   *httptest.Server
	store *storage.Store
	hub   *feed.Hub
}

func newTestServer(t *testing.T) *testServer {
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
	return &testServer{srv: srv, store: store, hub: hub}
}

func (ts *testServer) client() *Client {
	return New(ts.srv.URL, testToken, WithTimeout(2*time.Second))
}

func (ts *testServer) seed(t *testing.T, id string, minute int) {
	t.Helper()
	_, err := ts.store.CreateSubmission(context.Background(), submission.Item{
		ID:        id,
		FullName:  "Applicant " + id,
		Email:     id + "@example.com",
		CreatedAt: time.Date(2024, 6, 1, 12, minute, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("CreateSubmission: %v", err)
	}
}

func TestStoreOperations(t *testing.T) {
	ts := newTestServer(t)
	c := ts.client()
	ctx := context.Background()

	if err := c.Health(ctx); err != nil {
		t.Fatalf("Health: %v", err)
	}

	created, err := c.CreateSubmission(ctx, submission.Item{FullName: "Ada", Email: "ada@example.com"})
	if err != nil {
		t.Fatalf("CreateSubmission: %v", err)
	}
	pending, err := c.QueryPending(ctx)
	if err != nil || len(pending) != 1 || pending[0].ID != created.ID {
		t.Fatalf("QueryPending = %+v, %v", pending, err)
	}

	n, err := c.ConditionalUpdate(ctx, submission.Transition{
		ID: created.ID, Expected: submission.StatusPending, Next: submission.StatusAccepted, Feedback: "yes", EvaluatedBy: "eve",
	})
	if err != nil || n != 1 {
		t.Fatalf("ConditionalUpdate = %d, %v", n, err)
	}
	n, err = c.ConditionalUpdate(ctx, submission.Transition{
		ID: created.ID, Expected: submission.StatusPending, Next: submission.StatusRejected, Feedback: "no",
	})
	if err != nil || n != 0 {
		t.Fatalf("second ConditionalUpdate = %d, %v; want 0, nil", n, err)
	}

	missing, err := c.MissingFeedback(ctx)
	if err != nil || len(missing) != 1 {
		t.Fatalf("MissingFeedback = %+v, %v", missing, err)
	}
	if _, err := c.InsertFeedback(ctx, submission.FeedbackRecord{SubmissionID: created.ID, Message: "Application accepted: yes"}); err != nil {
		t.Fatalf("InsertFeedback: %v", err)
	}
	recs, err := c.ListFeedback(ctx, created.ID)
	if err != nil || len(recs) != 1 {
		t.Fatalf("ListFeedback = %+v, %v", recs, err)
	}

	st, err := c.Stats(ctx)
	if err != nil || st.Submissions[submission.StatusAccepted] != 1 {
		t.Errorf("Stats = %+v, %v", st, err)
	}

	if err := c.DeleteSubmission(ctx, created.ID); err != nil {
		t.Fatalf("DeleteSubmission: %v", err)
	}
	if _, err := c.GetSubmission(ctx, created.ID); !errors.Is(err, submission.ErrNotFound) {
		t.Errorf("GetSubmission after delete err = %v, want ErrNotFound", err)
	}
}

func TestNotifyQueuesJob(t *testing.T) {
	ts := newTestServer(t)
	if err := ts.client().Notify(context.Background(), notify.Message{To: "ada@example.com", Subject: "s", Body: "b"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	st, _ := ts.store.JobStats(context.Background())
	if st.Pending != 1 {
		t.Errorf("JobStats = %+v, want 1 pending", st)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{"bad request", http.StatusBadRequest, `{"error":{"message":"bad","type":"invalid_request_error"}}`, func(err error) bool { return errors.Is(err, submission.ErrValidation) }},
		{"not found", http.StatusNotFound, `{}`, func(err error) bool { return errors.Is(err, submission.ErrNotFound) }},
		{"conflict", http.StatusConflict, `{}`, func(err error) bool { return errors.Is(err, submission.ErrConflict) }},
		{"unavailable", http.StatusServiceUnavailable, `oops`, func(err error) bool { return errors.Is(err, submission.ErrTransient) }},
		{"internal", http.StatusInternalServerError, `{}`, func(err error) bool { return errors.Is(err, submission.ErrTransient) }},
		{"unauthorized", http.StatusUnauthorized, `{}`, func(err error) bool { return errors.Is(err, ErrUnauthorized) }},
		{"forbidden", http.StatusForbidden, `{}`, func(err error) bool { return submission.KindOf(err) == submission.KindUnauthorized }},
		{"unprocessable", http.StatusUnprocessableEntity, `nope`, func(err error) bool { return submission.KindOf(err) == submission.KindValidation }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := New(srv.URL, "t").GetSubmission(context.Background(), "x")
			if !tt.check(err) {
				t.Errorf("err = %v", err)
			}
		})
	}
}

func TestUnreachableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(url, "t", WithTimeout(time.Second))
	if _, err := c.QueryPending(context.Background()); !errors.Is(err, submission.ErrTransient) {
		t.Errorf("QueryPending err = %v, want ErrTransient", err)
	}
	if _, err := c.Subscribe(context.Background(), ""); !errors.Is(err, submission.ErrTransient) {
		t.Errorf("Subscribe err = %v, want ErrTransient", err)
	}
}

func TestTimeoutIsTransient(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	c := New(srv.URL, "t", WithTimeout(50*time.Millisecond))
	if _, err := c.GetSubmission(context.Background(), "x"); !errors.Is(err, submission.ErrTransient) {
		t.Errorf("err = %v, want ErrTransient", err)
	}
}

func recv(t *testing.T, sub feed.Subscription) submission.ChangeEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatalf("subscription ended: %v", sub.Err())
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return submission.ChangeEvent{}
}

func TestSubscribe(t *testing.T) {
	ts := newTestServer(t)
	sub, err := ts.client().Subscribe(context.Background(), feed.PendingFilter)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	ts.seed(t, "a", 0)
	if ev := recv(t, sub); ev.Op() != submission.OpInsert || ev.ID() != "a" {
		t.Errorf("event = %s", ev)
	}
	if err := ts.store.DeleteSubmission(context.Background(), "a"); err != nil {
		t.Fatalf("DeleteSubmission: %v", err)
	}
	if ev := recv(t, sub); ev.Op() != submission.OpDelete {
		t.Errorf("event = %s", ev)
	}

	sub.Close()
	for range sub.Events() {
	}
	if sub.Err() != nil {
		t.Errorf("Err after Close = %v, want nil", sub.Err())
	}
}

func TestSubscribeInvalidFilter(t *testing.T) {
	ts := newTestServer(t)
	if _, err := ts.client().Subscribe(context.Background(), "status =="); !errors.Is(err, submission.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestSubscribeLagged(t *testing.T) {
	ts := newTestServer(t)
	sub, err := ts.client().Subscribe(context.Background(), "")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	ts.hub.Resync()
	for range sub.Events() {
	}
	if !errors.Is(sub.Err(), feed.ErrLagged) {
		t.Errorf("Err = %v, want ErrLagged", sub.Err())
	}
}

func TestServerShutdownIsTransient(t *testing.T) {
	ts := newTestServer(t)
	sub, err := ts.client().Subscribe(context.Background(), "")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	ts.hub.Close()
	for range sub.Events() {
	}
	if !errors.Is(sub.Err(), submission.ErrTransient) {
		t.Errorf("Err = %v, want ErrTransient", sub.Err())
	}
}

// An event the client cannot decode ends the stream as transient rather
// than being skipped.
func TestMalformedEventEndsStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "event: insert\ndata: {\"op\":\"insert\",\"item\":{\"id\":\"a\",\"status\":\"pending\"}}\n\n")
		fmt.Fprint(w, "event: update\ndata: {not json\n\n")
		fmt.Fprint(w, "event: delete\ndata: {\"op\":\"delete\",\"id\":\"a\"}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	sub, err := New(srv.URL, "t").Subscribe(context.Background(), "")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if ev := recv(t, sub); ev.Op() != submission.OpInsert {
		t.Errorf("first event = %s", ev)
	}
	var rest []submission.ChangeEvent
	for ev := range sub.Events() {
		rest = append(rest, ev)
	}
	if len(rest) != 0 {
		t.Errorf("events after the malformed one were delivered: %v", rest)
	}
	if !errors.Is(sub.Err(), submission.ErrTransient) {
		t.Errorf("Err = %v, want ErrTransient", sub.Err())
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func ids(s *session.Session) []string {
	snap := s.Snapshot()
	out := make([]string, len(snap.Items))
	for i, it := range snap.Items {
		out[i] = it.ID
	}
	return out
}

// Two evaluators on separate clients of one server see each other's decisions.
func TestSessionsOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "a", 0)
	ts.seed(t, "b", 1)

	open := func(name string) *session.Session {
		c := ts.client()
		s, err := session.New(c, c, session.Config{
			Evaluator:     submission.Evaluator{ID: name},
			Notifier:      c,
			VerifyBackoff: time.Millisecond,
		})
		if err != nil {
			t.Fatalf("session.New: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		if err := s.LoadQueue(context.Background()); err != nil {
			t.Fatalf("LoadQueue: %v", err)
		}
		return s
	}
	alice := open("alice")
	bob := open("bob")

	if _, err := alice.DecideCurrent(context.Background(), submission.StatusAccepted, "welcome"); err != nil {
		t.Fatalf("alice DecideCurrent: %v", err)
	}
	eventually(t, "bob drops a", func() bool {
		got := ids(bob)
		return len(got) == 1 && got[0] == "b"
	})

	_, err := bob.Decide(context.Background(), "a", submission.StatusRejected, "late")
	if !errors.Is(err, submission.ErrConflict) {
		t.Errorf("bob Decide(a) err = %v, want ErrConflict", err)
	}

	recs, _ := ts.store.ListFeedback(context.Background(), "a")
	if len(recs) != 1 || recs[0].Author != "alice" {
		t.Errorf("audit = %+v", recs)
	}
	st, _ := ts.store.JobStats(context.Background())
	if st.Pending != 1 {
		t.Errorf("queued notifications = %+v, want 1", st)
	}
}
