package queuecache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/evalq/internal/feed"
)

// Feed is a change feed the cache can subscribe to.
type Feed interface {
	Subscribe(ctx context.Context, filter string) (feed.Subscription, error)
}

const (
	resubscribeMin = 250 * time.Millisecond
	resubscribeMax = 10 * time.Second
)

// Binding pumps feed events into a cache until closed.
type Binding struct {
	cache  *Cache
	feed   Feed
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	sub feed.Subscription
}

// Bind subscribes c to f with c's filter and applies every inbound event.
// The initial subscription must succeed. When a subscription later ends with
// an error (lag, dropped connection) the binding resubscribes and reloads the
// cache so no event gap survives. Close releases the subscription on every
// path.
func Bind(ctx context.Context, c *Cache, f Feed) (*Binding, error) {
	ctx, cancel := context.WithCancel(ctx)
	sub, err := f.Subscribe(ctx, c.Filter().Expr())
	if err != nil {
		cancel()
		return nil, err
	}
	b := &Binding{
		cache:  c,
		feed:   f,
		logger: c.logger,
		cancel: cancel,
		done:   make(chan struct{}),
		sub:    sub,
	}
	go b.run(ctx)
	return b, nil
}

func (b *Binding) run(ctx context.Context) {
	defer close(b.done)
	defer b.release()

	sub := b.current()
	for {
		for ev := range sub.Events() {
			b.cache.ApplyEvent(ev)
		}
		if ctx.Err() != nil {
			return
		}
		err := sub.Err()
		if err == nil {
			return
		}
		if errors.Is(err, feed.ErrClosed) {
			b.logger.Info("change feed closed")
			return
		}
		b.logger.Warn("change feed subscription ended, resubscribing", "error", err)

		next, ok := b.resubscribe(ctx)
		if !ok {
			return
		}
		sub = next
		resyncsTotal.WithLabelValues("feed").Inc()
		if err := b.cache.Load(ctx); err != nil {
			b.logger.Warn("resync after resubscribe failed", "error", err)
		}
	}
}

func (b *Binding) resubscribe(ctx context.Context) (feed.Subscription, bool) {
	delay := resubscribeMin
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(delay):
		}
		sub, err := b.feed.Subscribe(ctx, b.cache.Filter().Expr())
		if err == nil {
			b.mu.Lock()
			b.sub = sub
			b.mu.Unlock()
			return sub, true
		}
		b.logger.Warn("resubscribe failed", "error", err, "retry_in", delay)
		delay *= 2
		if delay > resubscribeMax {
			delay = resubscribeMax
		}
	}
}

func (b *Binding) current() feed.Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sub
}

func (b *Binding) release() {
	if sub := b.current(); sub != nil {
		sub.Close()
	}
}

// Close stops the pump, releases the subscription and waits for the pump to
// exit. Safe to call more than once.
func (b *Binding) Close() {
	b.cancel()
	b.release()
	<-b.done
}
