// Package remote talks to an evalq server over HTTP. Client satisfies the
// queue store, change feed and notifier interfaces a session needs, so an
// evaluator's cache and committer run unchanged against a shared server.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/evalq/internal/api"
	"github.com/kalambet/evalq/internal/notify"
	"github.com/kalambet/evalq/internal/storage"
	"github.com/kalambet/evalq/internal/submission"
)

// ErrUnauthorized is matched when the server rejects the bearer token.
var ErrUnauthorized = submission.ErrUnauthorized

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds every non-streaming request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithHTTPClient replaces the underlying clients. Streaming requests use a
// copy without a timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
		stream := *hc
		stream.Timeout = 0
		c.streamClient = &stream
	}
}

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

type Client struct {
	baseURL      string
	token        string
	httpClient   *http.Client
	streamClient *http.Client
	logger       *slog.Logger
}

// New returns a client for the server at baseURL.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        token,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		streamClient: &http.Client{},
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the server address the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// call performs a request and decodes a JSON response into out (if non-nil).
// Network failures, timeouts and 5xx responses come back as Transient.
func (c *Client) call(ctx context.Context, op, id, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return submission.Transient(op, id, fmt.Errorf("server not reachable at %s: %w", c.baseURL, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return responseError(op, id, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return submission.Transient(op, id, fmt.Errorf("decoding response: %w", err))
	}
	return nil
}

type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func responseError(op, id string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var env errorEnvelope
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &env) == nil && env.Error.Message != "" {
		msg = env.Error.Message
	}
	cause := fmt.Errorf("server returned %d: %s", resp.StatusCode, msg)

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return submission.Unauthorized(op, id, cause)
	case resp.StatusCode == http.StatusBadRequest:
		return submission.Invalid(op, id, "%s", msg)
	case resp.StatusCode == http.StatusNotFound:
		return submission.NotFound(op, id)
	case resp.StatusCode == http.StatusConflict:
		return submission.Conflict(op, id, cause)
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return submission.Transient(op, id, cause)
	}
	return submission.Invalid(op, id, "server returned %d: %s", resp.StatusCode, msg)
}

// Health checks that the server is up and its store reachable.
func (c *Client) Health(ctx context.Context) error {
	return c.call(ctx, "health", "", http.MethodGet, "/health", nil, nil)
}

// QueryPending returns the pending snapshot in queue order.
func (c *Client) QueryPending(ctx context.Context) ([]submission.Item, error) {
	return c.ListSubmissions(ctx, submission.StatusPending, 0)
}

func (c *Client) ListSubmissions(ctx context.Context, status submission.Status, limit int) ([]submission.Item, error) {
	q := url.Values{"status": {string(status)}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var items []submission.Item
	if err := c.call(ctx, "list submissions", "", http.MethodGet, "/submissions?"+q.Encode(), nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (c *Client) GetSubmission(ctx context.Context, id string) (submission.Item, error) {
	var it submission.Item
	err := c.call(ctx, "get submission", id, http.MethodGet, "/submissions/"+url.PathEscape(id), nil, &it)
	return it, err
}

func (c *Client) CreateSubmission(ctx context.Context, it submission.Item) (submission.Item, error) {
	req := api.CreateSubmissionRequest{
		FullName:    it.FullName,
		Email:       it.Email,
		Phone:       it.Phone,
		Location:    it.Location,
		Hobbies:     it.Hobbies,
		Attachments: it.Attachments,
	}
	var out submission.Item
	err := c.call(ctx, "create submission", "", http.MethodPost, "/submissions", req, &out)
	return out, err
}

func (c *Client) DeleteSubmission(ctx context.Context, id string) error {
	return c.call(ctx, "delete submission", id, http.MethodDelete, "/submissions/"+url.PathEscape(id), nil, nil)
}

// ConditionalUpdate asks the server to apply tr if the status still matches.
// A lost race is (0, nil), as with a local store.
func (c *Client) ConditionalUpdate(ctx context.Context, tr submission.Transition) (int64, error) {
	req := api.TransitionRequest{
		Expected:    tr.Expected,
		Next:        tr.Next,
		Feedback:    tr.Feedback,
		EvaluatedAt: tr.EvaluatedAt,
		EvaluatedBy: tr.EvaluatedBy,
	}
	var out api.TransitionResponse
	if err := c.call(ctx, "conditional update", tr.ID, http.MethodPost, "/submissions/"+url.PathEscape(tr.ID)+"/transition", req, &out); err != nil {
		return 0, err
	}
	return out.RowsAffected, nil
}

func (c *Client) InsertFeedback(ctx context.Context, rec submission.FeedbackRecord) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.call(ctx, "insert feedback", rec.SubmissionID, http.MethodPost, "/feedback", rec, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *Client) ListFeedback(ctx context.Context, submissionID string) ([]submission.FeedbackRecord, error) {
	var recs []submission.FeedbackRecord
	err := c.call(ctx, "list feedback", submissionID, http.MethodGet, "/submissions/"+url.PathEscape(submissionID)+"/feedback", nil, &recs)
	return recs, err
}

func (c *Client) MissingFeedback(ctx context.Context) ([]submission.Item, error) {
	var items []submission.Item
	err := c.call(ctx, "missing feedback", "", http.MethodGet, "/audit/missing-feedback", nil, &items)
	return items, err
}

// Stats returns submission counts per status and outbox job counts.
func (c *Client) Stats(ctx context.Context) (api.Stats, error) {
	var st api.Stats
	err := c.call(ctx, "stats", "", http.MethodGet, "/stats", nil, &st)
	return st, err
}

// JobStats returns the server's outbox counters.
func (c *Client) JobStats(ctx context.Context) (storage.JobStats, error) {
	st, err := c.Stats(ctx)
	return st.Jobs, err
}

// Notify queues msg in the server's outbox.
func (c *Client) Notify(ctx context.Context, msg notify.Message) error {
	return c.call(ctx, "notify", "", http.MethodPost, "/notifications", msg, nil)
}
