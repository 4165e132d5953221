// Package api is the server-side HTTP surface of the queue: REST endpoints
// over the store, the change feed as Server-Sent Events, and an MCP server.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/evalq/internal/feed"
	"github.com/kalambet/evalq/internal/notify"
	"github.com/kalambet/evalq/internal/storage"
	"github.com/kalambet/evalq/internal/submission"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Store is the authoritative queue as seen by the HTTP layer. Both the
// SQLite and PostgreSQL stores satisfy it.
type Store interface {
	CreateSubmission(ctx context.Context, it submission.Item) (submission.Item, error)
	GetSubmission(ctx context.Context, id string) (submission.Item, error)
	ListSubmissions(ctx context.Context, status submission.Status, limit int) ([]submission.Item, error)
	ConditionalUpdate(ctx context.Context, tr submission.Transition) (int64, error)
	DeleteSubmission(ctx context.Context, id string) error
	InsertFeedback(ctx context.Context, rec submission.FeedbackRecord) (string, error)
	ListFeedback(ctx context.Context, submissionID string) ([]submission.FeedbackRecord, error)
	MissingFeedback(ctx context.Context) ([]submission.Item, error)
	CountByStatus(ctx context.Context) (map[submission.Status]int, error)
	JobStats(ctx context.Context) (storage.JobStats, error)
	Ping(ctx context.Context) error
}

// Feed is the change feed the SSE endpoint subscribes to.
type Feed interface {
	Subscribe(ctx context.Context, filter string) (feed.Subscription, error)
}

// Enqueuer persists a notification for later delivery.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg notify.Message) (string, error)
}

type Deps struct {
	Store     Store
	Feed      Feed
	Outbox    Enqueuer
	Token     string
	Heartbeat time.Duration // SSE keep-alive interval; 0 means 15s
}

// NewHandler builds the full router. /health and /metrics are open; the
// rest requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	if deps.Heartbeat <= 0 {
		deps.Heartbeat = 15 * time.Second
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth(deps))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/submissions", handleListSubmissions(deps))
		r.Post("/submissions", handleCreateSubmission(deps))
		r.Get("/submissions/{id}", handleGetSubmission(deps))
		r.Delete("/submissions/{id}", handleDeleteSubmission(deps))
		r.Post("/submissions/{id}/transition", handleTransition(deps))
		r.Get("/submissions/{id}/feedback", handleListFeedback(deps))
		r.Post("/feedback", handleInsertFeedback(deps))
		r.Post("/notifications", handleEnqueueNotification(deps))
		r.Get("/feed", handleFeed(deps))
		r.Get("/audit/missing-feedback", handleMissingFeedback(deps))
		r.Get("/stats", handleStats(deps))
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := deps.Store.Ping(ctx); err != nil {
			httpError(w, http.StatusServiceUnavailable, errTypeUnavailable, "store unreachable: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}
}

func handleListSubmissions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := submission.Status(r.URL.Query().Get("status"))
		if status == "" {
			status = submission.StatusPending
		}
		limit := parseIntParam(r, "limit", 0, 1000)

		items, err := deps.Store.ListSubmissions(r.Context(), status, limit)
		if err != nil {
			writeError(w, err, "submissions")
			return
		}
		if items == nil {
			items = []submission.Item{}
		}
		writeJSON(w, http.StatusOK, items)
	}
}

// CreateSubmissionRequest is the intake payload.
type CreateSubmissionRequest struct {
	FullName    string                 `json:"full_name"`
	Email       string                 `json:"email"`
	Phone       string                 `json:"phone"`
	Location    string                 `json:"location"`
	Hobbies     string                 `json:"hobbies"`
	Attachments submission.Attachments `json:"attachments"`
}

func handleCreateSubmission(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req CreateSubmissionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, errTypeInvalid, "invalid request body: %v", err)
			return
		}

		it, err := deps.Store.CreateSubmission(r.Context(), submission.Item{
			FullName:    req.FullName,
			Email:       req.Email,
			Phone:       req.Phone,
			Location:    req.Location,
			Hobbies:     req.Hobbies,
			Attachments: req.Attachments,
		})
		if err != nil {
			writeError(w, err, "submission")
			return
		}
		writeJSON(w, http.StatusCreated, it)
	}
}

func handleGetSubmission(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		it, err := deps.Store.GetSubmission(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err, "submission")
			return
		}
		writeJSON(w, http.StatusOK, it)
	}
}

func handleDeleteSubmission(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.DeleteSubmission(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, err, "submission")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

// TransitionRequest is the body of a conditional status update.
type TransitionRequest struct {
	Expected    submission.Status `json:"expected"`
	Next        submission.Status `json:"next"`
	Feedback    string            `json:"feedback"`
	EvaluatedAt time.Time         `json:"evaluated_at"`
	EvaluatedBy string            `json:"evaluated_by"`
}

// TransitionResponse reports how many rows the guarded update changed.
// Zero means the expected status no longer held; it is not an HTTP error.
type TransitionResponse struct {
	RowsAffected int64 `json:"rows_affected"`
}

func handleTransition(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req TransitionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, errTypeInvalid, "invalid request body: %v", err)
			return
		}
		if req.Expected == "" {
			req.Expected = submission.StatusPending
		}

		n, err := deps.Store.ConditionalUpdate(r.Context(), submission.Transition{
			ID:          chi.URLParam(r, "id"),
			Expected:    req.Expected,
			Next:        req.Next,
			Feedback:    req.Feedback,
			EvaluatedAt: req.EvaluatedAt,
			EvaluatedBy: req.EvaluatedBy,
		})
		if err != nil {
			writeError(w, err, "transition")
			return
		}
		writeJSON(w, http.StatusOK, TransitionResponse{RowsAffected: n})
	}
}

func handleListFeedback(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recs, err := deps.Store.ListFeedback(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err, "feedback")
			return
		}
		if recs == nil {
			recs = []submission.FeedbackRecord{}
		}
		writeJSON(w, http.StatusOK, recs)
	}
}

func handleInsertFeedback(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var rec submission.FeedbackRecord
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			httpError(w, http.StatusBadRequest, errTypeInvalid, "invalid request body: %v", err)
			return
		}
		id, err := deps.Store.InsertFeedback(r.Context(), rec)
		if err != nil {
			writeError(w, err, "feedback")
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
	}
}

func handleEnqueueNotification(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Outbox == nil {
			httpError(w, http.StatusServiceUnavailable, errTypeUnavailable, "notifications are not configured")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var msg notify.Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			httpError(w, http.StatusBadRequest, errTypeInvalid, "invalid request body: %v", err)
			return
		}
		id, err := deps.Outbox.Enqueue(r.Context(), msg)
		if err != nil {
			writeError(w, err, "notification")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "queued"})
	}
}

func handleMissingFeedback(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := deps.Store.MissingFeedback(r.Context())
		if err != nil {
			writeError(w, err, "audit")
			return
		}
		if items == nil {
			items = []submission.Item{}
		}
		writeJSON(w, http.StatusOK, items)
	}
}

// Stats summarizes the queue and the outbox.
type Stats struct {
	Submissions map[submission.Status]int `json:"submissions"`
	Jobs        storage.JobStats          `json:"jobs"`
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := deps.Store.CountByStatus(r.Context())
		if err != nil {
			writeError(w, err, "stats")
			return
		}
		jobs, err := deps.Store.JobStats(r.Context())
		if err != nil {
			writeError(w, err, "stats")
			return
		}
		writeJSON(w, http.StatusOK, Stats{Submissions: counts, Jobs: jobs})
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
