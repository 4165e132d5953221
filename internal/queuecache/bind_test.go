package queuecache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/evalq/internal/feed"
	"github.com/kalambet/evalq/internal/submission"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBindAppliesEvents(t *testing.T) {
	hub := feed.NewHub()
	defer hub.Close()
	c := loaded(t, pending("a", 1))

	b, err := Bind(context.Background(), c, hub)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer b.Close()

	hub.Publish(submission.InsertEvent(pending("b", 2)), nil)
	waitFor(t, "insert", func() bool { return c.Len() == 2 })

	prior := pending("a", 1)
	hub.Publish(submission.UpdateEvent(decided(prior, submission.StatusRejected)), &prior)
	waitFor(t, "update removal", func() bool { return c.Len() == 1 })
	assertCurrent(t, c, "b")
}

func TestBindCloseReleasesSubscription(t *testing.T) {
	hub := feed.NewHub()
	c := loaded(t)

	b, err := Bind(context.Background(), c, hub)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if hub.Len() != 1 {
		t.Fatalf("hub.Len = %d, want 1", hub.Len())
	}
	b.Close()
	b.Close()
	if hub.Len() != 0 {
		t.Errorf("hub.Len = %d after Close, want 0", hub.Len())
	}
}

func TestBindContextCancelReleasesSubscription(t *testing.T) {
	hub := feed.NewHub()
	c := loaded(t)
	ctx, cancel := context.WithCancel(context.Background())

	b, err := Bind(ctx, c, hub)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	cancel()
	waitFor(t, "release", func() bool { return hub.Len() == 0 })
	b.Close()
}

type failingFeed struct{ err error }

func (f failingFeed) Subscribe(context.Context, string) (feed.Subscription, error) {
	return nil, f.err
}

func TestBindSubscribeError(t *testing.T) {
	boom := errors.New("feed down")
	if _, err := Bind(context.Background(), loaded(t), failingFeed{err: boom}); !errors.Is(err, boom) {
		t.Errorf("Bind err = %v, want %v", err, boom)
	}
}

// With a one-slot buffer a burst may overflow the subscriber. Either way the
// cache converges: directly from events, or by resubscribing and reloading.
func TestBindResyncsAfterLag(t *testing.T) {
	hub := feed.NewHub(feed.WithBufferSize(1))
	defer hub.Close()

	var mu sync.Mutex
	rows := []submission.Item{pending("a", 1)}
	store := &mockStore{queryFn: func(context.Context) ([]submission.Item, error) {
		mu.Lock()
		defer mu.Unlock()
		return append([]submission.Item(nil), rows...), nil
	}}
	c := New(store)
	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	b, err := Bind(context.Background(), c, hub)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer b.Close()

	mu.Lock()
	rows = append(rows, pending("b", 2), pending("c", 3), pending("d", 4))
	mu.Unlock()
	for _, id := range []string{"b", "c", "d"} {
		hub.Publish(submission.InsertEvent(pending(id, int(id[0]-'a')+1)), nil)
	}

	waitFor(t, "convergence", func() bool { return c.Len() == 4 })
	waitFor(t, "resubscribe", func() bool { return hub.Len() == 1 })
}
