// Package queuecache keeps an evaluator's local, ordered view of the pending
// queue in step with the authoritative store and its change feed.
package queuecache

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kalambet/evalq/internal/feed"
	"github.com/kalambet/evalq/internal/submission"
)

// Store is the snapshot source.
type Store interface {
	QueryPending(ctx context.Context) ([]submission.Item, error)
}

// Reason says what caused a cache change.
type Reason string

const (
	ReasonLoaded     Reason = "loaded"
	ReasonEvent      Reason = "event"
	ReasonNavigated  Reason = "navigated"
	ReasonOptimistic Reason = "optimistic"
	ReasonReverted   Reason = "reverted"
	ReasonSettled    Reason = "settled"
)

// Change notifies listeners that the cache moved to Version.
type Change struct {
	Reason  Reason
	Version uint64
}

// Snapshot is a consistent copy of the cache. Index is -1 when empty.
type Snapshot struct {
	Items   []submission.Item
	Index   int
	Version uint64
}

// Current returns the item under the index.
func (s Snapshot) Current() (submission.Item, bool) {
	if s.Index < 0 || s.Index >= len(s.Items) {
		return submission.Item{}, false
	}
	return s.Items[s.Index], true
}

// Option customizes a Cache.
type Option func(*Cache)

func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithFilter replaces the default pending filter.
func WithFilter(f feed.Filter) Option {
	return func(c *Cache) { c.filter = f }
}

// Cache is the ordered pending list plus a current index. Load, ApplyEvent
// and the optimistic hooks are serialized by one mutex.
type Cache struct {
	store  Store
	filter feed.Filter
	logger *slog.Logger
	group  singleflight.Group

	mu        sync.Mutex
	items     []submission.Item
	index     int
	version   uint64
	loading   int
	buffered  []submission.ChangeEvent
	listeners map[int]chan Change
	nextID    int
}

func New(store Store, opts ...Option) *Cache {
	c := &Cache{
		store:     store,
		filter:    feed.MustCompileFilter(feed.PendingFilter),
		logger:    slog.Default(),
		index:     -1,
		listeners: map[int]chan Change{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Filter is the predicate rows must satisfy to stay in the cache.
func (c *Cache) Filter() feed.Filter { return c.filter }

// loadTimeout bounds a shared snapshot query, which no single caller owns.
const loadTimeout = 30 * time.Second

// Load replaces the list with a fresh snapshot and resets the index to 0.
// Concurrent calls share one query. Events applied while the query is in
// flight are replayed on top of the snapshot. A caller whose ctx ends stops
// waiting; the shared query keeps running for the others.
func (c *Cache) Load(ctx context.Context) error {
	ch := c.group.DoChan("load", func() (any, error) {
		qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		return nil, c.load(qctx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cache) load(ctx context.Context) error {
	c.mu.Lock()
	c.loading++
	c.mu.Unlock()

	items, err := c.store.QueryPending(ctx)

	c.mu.Lock()
	c.loading--
	replay := c.buffered
	c.buffered = nil
	if err != nil {
		c.mu.Unlock()
		loadsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("loading pending queue: %w", err)
	}
	c.install(items)
	for _, ev := range replay {
		c.apply(ev)
	}
	c.notify(ReasonLoaded)
	n := len(c.items)
	c.mu.Unlock()

	loadsTotal.WithLabelValues("ok").Inc()
	c.logger.Debug("queue loaded", "items", n, "replayed", len(replay))
	return nil
}

// install must be called with mu held.
func (c *Cache) install(items []submission.Item) {
	kept := make([]submission.Item, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		if seen[it.ID] || !c.filter.Match(it) {
			continue
		}
		seen[it.ID] = true
		kept = append(kept, it.Clone())
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Before(kept[j]) })
	c.items = kept
	if len(kept) == 0 {
		c.index = -1
	} else {
		c.index = 0
	}
}

// ApplyEvent reconciles one change event into the list.
func (c *Cache) ApplyEvent(ev submission.ChangeEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loading > 0 {
		c.buffered = append(c.buffered, ev)
	}
	if c.apply(ev) {
		c.notify(ReasonEvent)
	}
}

// apply must be called with mu held. It reports whether the list changed.
func (c *Cache) apply(ev submission.ChangeEvent) bool {
	switch ev.Op() {
	case submission.OpInsert:
		it, _ := ev.Item()
		if i := c.find(it.ID); i >= 0 {
			return c.merge(i, it)
		}
		if !c.filter.Match(it) {
			return false
		}
		c.insert(it)
		return true
	case submission.OpUpdate:
		it, _ := ev.Item()
		i := c.find(it.ID)
		if i < 0 {
			return false
		}
		return c.merge(i, it)
	case submission.OpDelete:
		i := c.find(ev.ID())
		if i < 0 {
			return false
		}
		c.removeAt(i)
		return true
	}
	return false
}

// merge replaces row i with it, dropping the row if it left the filter.
func (c *Cache) merge(i int, it submission.Item) bool {
	if !c.filter.Match(it) {
		c.removeAt(i)
		return true
	}
	if sameItem(c.items[i], it) {
		return false
	}
	c.items[i] = it.Clone()
	return true
}

func (c *Cache) find(id string) int {
	for i := range c.items {
		if c.items[i].ID == id {
			return i
		}
	}
	return -1
}

// insert places it in (created_at, id) order. The item under the index stays
// under the index.
func (c *Cache) insert(it submission.Item) {
	pos := sort.Search(len(c.items), func(i int) bool { return it.Before(c.items[i]) })
	c.items = append(c.items, submission.Item{})
	copy(c.items[pos+1:], c.items[pos:])
	c.items[pos] = it.Clone()
	switch {
	case c.index < 0:
		c.index = 0
	case pos <= c.index:
		c.index++
	}
}

// removeAt drops row i. Rows after the index slide under it; the index is
// clamped so it never points past the end.
func (c *Cache) removeAt(i int) {
	c.items = append(c.items[:i], c.items[i+1:]...)
	if i < c.index {
		c.index--
	}
	if c.index >= len(c.items) {
		c.index = len(c.items) - 1
	}
	if len(c.items) == 0 {
		c.index = -1
	}
}

// Advance moves the index forward. It is a no-op on the last item.
func (c *Cache) Advance() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.index < 0 || c.index >= len(c.items)-1 {
		return false
	}
	c.index++
	c.notify(ReasonNavigated)
	return true
}

// Retreat moves the index back. It is a no-op on the first item.
func (c *Cache) Retreat() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.index <= 0 {
		return false
	}
	c.index--
	c.notify(ReasonNavigated)
	return true
}

// Current returns the item under the index, false when the cache is empty.
func (c *Cache) Current() (submission.Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.index < 0 {
		return submission.Item{}, false
	}
	return c.items[c.index].Clone(), true
}

// Get returns the cached item with id.
func (c *Cache) Get(id string) (submission.Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.find(id); i >= 0 {
		return c.items[i].Clone(), true
	}
	return submission.Item{}, false
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Snapshot copies the list, index and version under one lock.
func (c *Cache) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	items := make([]submission.Item, len(c.items))
	for i := range c.items {
		items[i] = c.items[i].Clone()
	}
	return Snapshot{Items: items, Index: c.index, Version: c.version}
}

// ApplyOptimistic removes the item a decision is being committed for, so the
// next item slides under the index. It returns the removed row for Revert.
func (c *Cache) ApplyOptimistic(tr submission.Transition) (submission.Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.find(tr.ID)
	if i < 0 {
		return submission.Item{}, false
	}
	prior := c.items[i].Clone()
	c.removeAt(i)
	c.notify(ReasonOptimistic)
	return prior, true
}

// Revert puts back a row removed by ApplyOptimistic if it is still absent.
func (c *Cache) Revert(prior submission.Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.find(prior.ID) >= 0 || !c.filter.Match(prior) {
		return
	}
	c.insert(prior)
	c.notify(ReasonReverted)
}

// Settle drops id after its decision committed. A resync that raced the
// commit may have put the row back; otherwise this is a no-op.
func (c *Cache) Settle(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.find(id); i >= 0 {
		c.removeAt(i)
		c.notify(ReasonSettled)
	}
}

// Changes subscribes to cache-changed notifications. Notifications coalesce
// when the listener is slow, so listeners read state through Snapshot. The
// returned func unsubscribes.
func (c *Cache) Changes() (<-chan Change, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	ch := make(chan Change, 1)
	c.listeners[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.listeners, id)
			close(ch)
		})
	}
}

// notify must be called with mu held.
func (c *Cache) notify(reason Reason) {
	c.version++
	ch := Change{Reason: reason, Version: c.version}
	for _, l := range c.listeners {
		select {
		case l <- ch:
		default:
			// Drop the stale pending notification in favor of the newest.
			select {
			case <-l:
			default:
			}
			select {
			case l <- ch:
			default:
			}
		}
	}
}

func sameItem(a, b submission.Item) bool {
	if (a.EvaluatedAt == nil) != (b.EvaluatedAt == nil) {
		return false
	}
	if a.EvaluatedAt != nil && !a.EvaluatedAt.Equal(*b.EvaluatedAt) {
		return false
	}
	a.EvaluatedAt, b.EvaluatedAt = nil, nil
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return false
	}
	a.CreatedAt = b.CreatedAt
	return a == b
}
