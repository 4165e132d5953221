// Package decision commits accept/reject decisions against the shared queue
// using a verify, compare-and-swap, audit, notify sequence.
package decision

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kalambet/evalq/internal/notify"
	"github.com/kalambet/evalq/internal/submission"
)

// Store is the authoritative queue as seen by the committer.
type Store interface {
	GetSubmission(ctx context.Context, id string) (submission.Item, error)
	ConditionalUpdate(ctx context.Context, tr submission.Transition) (int64, error)
	InsertFeedback(ctx context.Context, rec submission.FeedbackRecord) (string, error)
}

// Cache is the local view the committer updates optimistically and resyncs.
type Cache interface {
	ApplyOptimistic(tr submission.Transition) (submission.Item, bool)
	Revert(prior submission.Item)
	Settle(id string)
	Load(ctx context.Context) error
}

const (
	defaultVerifyRetries = 3
	defaultVerifyBackoff = 200 * time.Millisecond
)

// Option customizes a Committer.
type Option func(*Committer)

func WithLogger(l *slog.Logger) Option {
	return func(c *Committer) { c.logger = l }
}

// WithTracerProvider reports Decide spans to tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Committer) {
		if tp != nil {
			c.tracer = tp.Tracer("evalq/decision")
		}
	}
}

func WithNotifier(n notify.Notifier) Option {
	return func(c *Committer) {
		if n != nil {
			c.notifier = n
		}
	}
}

// WithVerifyRetry bounds how often a transient verify read is retried and
// the base delay, doubled per attempt.
func WithVerifyRetry(retries int, backoff time.Duration) Option {
	return func(c *Committer) {
		if retries >= 0 {
			c.retries = retries
		}
		if backoff > 0 {
			c.backoff = backoff
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Committer) { c.now = now }
}

// Committer runs decisions for one client. Decisions for the same item are
// serialized; distinct items proceed concurrently.
type Committer struct {
	store    Store
	cache    Cache
	notifier notify.Notifier
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
	retries  int
	backoff  time.Duration
	locks    *keyLock
}

func New(store Store, cache Cache, opts ...Option) *Committer {
	c := &Committer{
		store:    store,
		cache:    cache,
		notifier: notify.Noop{},
		logger:   slog.Default(),
		tracer:   otel.Tracer("evalq/decision"),
		now:      time.Now,
		retries:  defaultVerifyRetries,
		backoff:  defaultVerifyBackoff,
		locks:    newKeyLock(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Decide commits decision for itemID on behalf of ev and returns the decided
// item. Errors carry a submission.Kind: Validation before any store call,
// NotFound or Conflict when the item is gone or already decided, Transient
// when the store could not be reached. NotFound, Conflict and Transient
// force a cache resync.
func (c *Committer) Decide(ctx context.Context, ev submission.Evaluator, itemID string, decision submission.Status, feedback string) (item submission.Item, err error) {
	ctx, span := c.tracer.Start(ctx, "decision.Decide", trace.WithAttributes(
		attribute.String("submission.id", itemID),
		attribute.String("decision", string(decision)),
		attribute.String("evaluator.id", ev.ID),
	))
	defer span.End()
	timer := prometheus.NewTimer(decisionDuration)
	defer timer.ObserveDuration()

	defer func() {
		outcome := "committed"
		if err != nil {
			outcome = submission.KindOf(err).String()
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		decisionsTotal.WithLabelValues(outcome).Inc()
	}()

	if err := validate(ev, itemID, decision, feedback); err != nil {
		return submission.Item{}, err
	}

	unlock, err := c.locks.Lock(ctx, itemID)
	if err != nil {
		return submission.Item{}, submission.Transient("decide", itemID, err)
	}
	defer unlock()

	current, err := c.verify(ctx, itemID)
	if err != nil {
		c.resync(ctx, itemID, err)
		return submission.Item{}, err
	}

	tr := submission.Transition{
		ID:          itemID,
		Expected:    submission.StatusPending,
		Next:        decision,
		Feedback:    feedback,
		EvaluatedAt: c.now().UTC(),
		EvaluatedBy: ev.ID,
	}
	prior, applied := c.cache.ApplyOptimistic(tr)

	n, err := c.store.ConditionalUpdate(ctx, tr)
	if err == nil && n == 0 {
		err = submission.Conflict("decide", itemID, nil)
	} else if err != nil && submission.KindOf(err) == submission.KindUnknown {
		err = submission.Transient("decide", itemID, err)
	}
	if err != nil {
		if applied {
			c.cache.Revert(prior)
		}
		c.resync(ctx, itemID, err)
		return submission.Item{}, err
	}

	final := tr.Apply(current)
	c.cache.Settle(itemID)
	span.AddEvent("committed")

	c.audit(ctx, final, ev)
	c.notify(ctx, final)
	c.logger.Info("decision committed", "submission_id", itemID, "decision", decision, "evaluator", ev.ID)
	return final, nil
}

func validate(ev submission.Evaluator, itemID string, decision submission.Status, feedback string) error {
	switch {
	case strings.TrimSpace(feedback) == "":
		return submission.Invalid("decide", itemID, "feedback is required")
	case !decision.Terminal():
		return submission.Invalid("decide", itemID, "decision must be accepted or rejected, got %q", decision)
	case strings.TrimSpace(ev.ID) == "":
		return submission.Invalid("decide", itemID, "evaluator identity is required")
	case strings.TrimSpace(itemID) == "":
		return submission.Invalid("decide", itemID, "submission id is required")
	}
	return nil
}

// verify re-reads the item until it gets an answer or runs out of retries.
// Every retry re-reads status, so a terminal item always yields Conflict.
// Only transient and unclassified failures are retried; other kinds return
// as they are.
func (c *Committer) verify(ctx context.Context, id string) (submission.Item, error) {
	delay := c.backoff
	for attempt := 0; ; attempt++ {
		it, err := c.store.GetSubmission(ctx, id)
		switch {
		case err == nil:
			if it.Status != submission.StatusPending {
				return submission.Item{}, submission.Conflict("verify", id, nil)
			}
			return it, nil
		case errors.Is(err, submission.ErrNotFound):
			return submission.Item{}, submission.NotFound("verify", id)
		case !retryable(err):
			return submission.Item{}, err
		}

		if attempt >= c.retries || ctx.Err() != nil {
			return submission.Item{}, submission.Transient("verify", id, err)
		}
		verifyRetries.Inc()
		c.logger.Warn("verify read failed, retrying", "submission_id", id, "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return submission.Item{}, submission.Transient("verify", id, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func retryable(err error) bool {
	switch submission.KindOf(err) {
	case submission.KindTransient, submission.KindUnknown:
		return true
	}
	return false
}

func (c *Committer) resync(ctx context.Context, id string, cause error) {
	c.logger.Info("resyncing queue", "submission_id", id, "cause", submission.KindOf(cause).String())
	if err := c.cache.Load(ctx); err != nil {
		c.logger.Warn("resync failed", "submission_id", id, "error", err)
	}
}

func (c *Committer) audit(ctx context.Context, it submission.Item, ev submission.Evaluator) {
	_, err := c.store.InsertFeedback(ctx, submission.FeedbackRecord{
		SubmissionID: it.ID,
		Message:      submission.FeedbackMessage(it.Status, it.Feedback),
		Author:       ev.ID,
		CreatedAt:    c.now().UTC(),
	})
	if err != nil {
		sideEffectFailures.WithLabelValues("audit").Inc()
		c.logger.Error("audit insert failed", "submission_id", it.ID, "error", err)
	}
}

func (c *Committer) notify(ctx context.Context, it submission.Item) {
	if it.Email == "" {
		c.logger.Debug("no recipient, skipping notification", "submission_id", it.ID)
		return
	}
	msg, err := notify.Compose(it)
	if err == nil {
		err = c.notifier.Notify(ctx, msg)
	}
	if err != nil {
		sideEffectFailures.WithLabelValues("notify").Inc()
		c.logger.Error("notification failed", "submission_id", it.ID, "error", err)
	}
}
