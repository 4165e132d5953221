// Package session is the evaluator-facing API: one queue view, one decision
// committer and one status line, bound to the shared store and change feed.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/evalq/internal/decision"
	"github.com/kalambet/evalq/internal/notify"
	"github.com/kalambet/evalq/internal/queuecache"
	"github.com/kalambet/evalq/internal/status"
	"github.com/kalambet/evalq/internal/submission"
)

// Store is everything a session needs from the authoritative queue.
type Store interface {
	queuecache.Store
	decision.Store
}

// Config carries the per-session settings.
type Config struct {
	Evaluator     submission.Evaluator
	Notifier      notify.Notifier
	VerifyRetries int
	VerifyBackoff time.Duration
	StatusTTL     time.Duration
	Logger        *slog.Logger
	Scheduler     status.Scheduler
}

type Session struct {
	evaluator submission.Evaluator
	store     Store
	feed      queuecache.Feed
	cache     *queuecache.Cache
	committer *decision.Committer
	status    *status.Broadcaster
	logger    *slog.Logger

	mu      sync.Mutex
	binding *queuecache.Binding
	closed  bool
}

// New builds a session for cfg.Evaluator. Nothing touches the store until
// LoadQueue.
func New(store Store, feed queuecache.Feed, cfg Config) (*Session, error) {
	if cfg.Evaluator.ID == "" {
		return nil, submission.Invalid("new session", "", "evaluator identity is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("evaluator", cfg.Evaluator.ID)

	cache := queuecache.New(store, queuecache.WithLogger(logger))
	statusOpts := []status.Option{status.WithTTL(cfg.StatusTTL)}
	if cfg.Scheduler != nil {
		statusOpts = append(statusOpts, status.WithScheduler(cfg.Scheduler))
	}

	return &Session{
		evaluator: cfg.Evaluator,
		store:     store,
		feed:      feed,
		cache:     cache,
		committer: decision.New(store, cache,
			decision.WithLogger(logger),
			decision.WithNotifier(cfg.Notifier),
			decision.WithVerifyRetry(cfg.VerifyRetries, cfg.VerifyBackoff),
		),
		status: status.New(statusOpts...),
		logger: logger,
	}, nil
}

// Evaluator returns the identity this session decides as.
func (s *Session) Evaluator() submission.Evaluator { return s.evaluator }

// LoadQueue loads the pending snapshot and, on first call, subscribes the
// cache to the change feed. Later calls force a resync.
func (s *Session) LoadQueue(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("session closed")
	}
	needBind := s.binding == nil && s.feed != nil
	s.mu.Unlock()

	if needBind {
		// Subscribe before the snapshot so no event falls between them.
		b, err := queuecache.Bind(context.Background(), s.cache, s.feed)
		if err != nil {
			return submission.Transient("subscribe", "", err)
		}
		s.mu.Lock()
		if s.binding != nil || s.closed {
			s.mu.Unlock()
			b.Close()
		} else {
			s.binding = b
			s.mu.Unlock()
		}
	}

	if err := s.cache.Load(ctx); err != nil {
		s.status.Error(submission.KindTransient.Message())
		return submission.Transient("load queue", "", err)
	}
	return nil
}

func (s *Session) CurrentItem() (submission.Item, bool) { return s.cache.Current() }
func (s *Session) Advance() bool                        { return s.cache.Advance() }
func (s *Session) Retreat() bool                        { return s.cache.Retreat() }

// Snapshot returns the queue view with its index and version.
func (s *Session) Snapshot() queuecache.Snapshot { return s.cache.Snapshot() }

// Changes subscribes to queue view changes.
func (s *Session) Changes() (<-chan queuecache.Change, func()) { return s.cache.Changes() }

// Status is the session's advisory message line.
func (s *Session) Status() *status.Broadcaster { return s.status }

// Decide commits a decision for itemID as this session's evaluator and
// reports progress and outcome on the status line. When the decided item was
// the last in view, the queue is reloaded.
func (s *Session) Decide(ctx context.Context, itemID string, d submission.Status, feedback string) (submission.Item, error) {
	s.status.Info("Processing your decision...")

	it, err := s.committer.Decide(ctx, s.evaluator, itemID, d, feedback)
	if err != nil {
		s.status.Error(submission.KindOf(err).Message())
		return submission.Item{}, err
	}

	s.status.Success(fmt.Sprintf("Successfully %s the application", d))
	if s.cache.Len() == 0 {
		if err := s.cache.Load(ctx); err != nil {
			s.logger.Warn("reload after last item failed", "error", err)
		}
	}
	return it, nil
}

// DecideCurrent decides the item under the index.
func (s *Session) DecideCurrent(ctx context.Context, d submission.Status, feedback string) (submission.Item, error) {
	cur, ok := s.cache.Current()
	if !ok {
		return submission.Item{}, submission.NotFound("decide", "")
	}
	return s.Decide(ctx, cur.ID, d, feedback)
}

// Close releases the feed subscription. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	b := s.binding
	s.binding = nil
	s.closed = true
	s.mu.Unlock()
	if b != nil {
		b.Close()
	}
	s.status.Clear()
	return nil
}
