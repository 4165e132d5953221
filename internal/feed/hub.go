// Package feed fans row-level change events out to filtered subscribers.
package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/kalambet/evalq/internal/submission"
)

const defaultBufferSize = 256

var (
	// ErrLagged ends a subscription whose buffer overflowed. The subscriber
	// has missed events and must resynchronize from a snapshot.
	ErrLagged = errors.New("feed: subscriber lagged behind")

	// ErrClosed ends subscriptions when the hub shuts down.
	ErrClosed = errors.New("feed: hub closed")
)

// Subscription is a live stream of change events. Events is closed when the
// subscription ends; Err then reports why (nil after Close).
type Subscription interface {
	Events() <-chan submission.ChangeEvent
	Err() error
	Close()
}

// Option customizes a Hub.
type Option func(*Hub)

// WithBufferSize sets the per-subscriber channel capacity.
func WithBufferSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

// WithLogger sets the hub logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

// Hub is the server-side change feed. Stores publish into it after each
// committed write; HTTP/SSE handlers subscribe on behalf of clients.
type Hub struct {
	mu         sync.RWMutex
	subs       map[*subscription]struct{}
	closed     bool
	bufferSize int
	logger     *slog.Logger
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		subs:       map[*subscription]struct{}{},
		bufferSize: defaultBufferSize,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers a subscriber with a CEL filter expression. The
// subscription ends on Close, on ctx cancellation, on overflow or when the
// hub closes.
func (h *Hub) Subscribe(ctx context.Context, filter string) (Subscription, error) {
	f, err := CompileFilter(filter)
	if err != nil {
		return nil, submission.Invalid("subscribe", "", "%v", err)
	}

	sub := &subscription{
		hub:    h,
		filter: f,
		ch:     make(chan submission.ChangeEvent, h.bufferSize),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	h.subs[sub] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	subscribersGauge.Set(float64(n))

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

// Publish delivers ev to every subscriber whose filter admits it.
func (h *Hub) Publish(ev submission.ChangeEvent, prior *submission.Item) {
	eventsPublished.WithLabelValues(string(ev.Op())).Inc()

	h.mu.RLock()
	var lagged []*subscription
	for sub := range h.subs {
		if !sub.filter.Delivers(ev, prior) {
			continue
		}
		if !sub.deliver(ev) {
			lagged = append(lagged, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range lagged {
		subscribersLagged.Inc()
		h.logger.Warn("feed subscriber lagged, closing", "filter", sub.filter.Expr(), "buffer", h.bufferSize)
		sub.end(ErrLagged)
	}
}

// Len reports the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Resync ends every subscription with ErrLagged without closing the hub.
// Used when the upstream source may have dropped events; subscribers reload
// and resubscribe.
func (h *Hub) Resync() {
	h.mu.RLock()
	subs := make([]*subscription, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	if len(subs) > 0 {
		h.logger.Info("forcing feed subscribers to resync", "subscribers", len(subs))
	}
	for _, sub := range subs {
		sub.end(ErrLagged)
	}
}

// Close ends every subscription with ErrClosed and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := make([]*subscription, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.end(ErrClosed)
	}
}

func (h *Hub) remove(sub *subscription) {
	h.mu.Lock()
	delete(h.subs, sub)
	n := len(h.subs)
	h.mu.Unlock()
	subscribersGauge.Set(float64(n))
}

type subscription struct {
	hub    *Hub
	filter Filter
	ch     chan submission.ChangeEvent

	mu     sync.Mutex
	ended  bool
	err    error
	done   chan struct{}
	closer sync.Once
}

func (s *subscription) Events() <-chan submission.ChangeEvent { return s.ch }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() { s.end(nil) }

// deliver returns false when the buffer is full.
func (s *subscription) deliver(ev submission.ChangeEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return true
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (s *subscription) end(err error) {
	s.closer.Do(func() {
		s.hub.remove(s)
		s.mu.Lock()
		s.ended = true
		s.err = err
		close(s.ch)
		s.mu.Unlock()
		close(s.done)
	})
}
