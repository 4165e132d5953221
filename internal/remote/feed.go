package remote

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/kalambet/evalq/internal/api"
	"github.com/kalambet/evalq/internal/feed"
	"github.com/kalambet/evalq/internal/submission"
)

const streamBuffer = 64

// Subscribe opens the server's SSE feed with filter. It returns once the
// server has registered the subscription, so writes made after Subscribe
// returns are delivered.
func (c *Client) Subscribe(ctx context.Context, filter string) (feed.Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	req, err := c.newRequest(ctx, http.MethodGet, "/feed?filter="+url.QueryEscape(filter), nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		cancel()
		return nil, submission.Transient("subscribe", "", fmt.Errorf("server not reachable at %s: %w", c.baseURL, err))
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		cancel()
		return nil, responseError("subscribe", "", resp)
	}

	s := &subscription{
		ch:     make(chan submission.ChangeEvent, streamBuffer),
		cancel: cancel,
	}
	go s.read(ctx, resp, c)
	return s, nil
}

type subscription struct {
	ch     chan submission.ChangeEvent
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func (s *subscription) Events() <-chan submission.ChangeEvent { return s.ch }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the stream. Events is closed once the reader exits.
func (s *subscription) Close() { s.cancel() }

func (s *subscription) read(ctx context.Context, resp *http.Response, c *Client) {
	defer close(s.ch)
	defer resp.Body.Close()

	err := readStream(resp, func(name, data string) error {
		switch name {
		case "insert", "update", "delete":
			var ev submission.ChangeEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				// A skipped event would leave the cache diverged; end the
				// stream so the binding reloads.
				c.logger.Warn("malformed feed event, ending stream", "event", name, "error", err)
				return fmt.Errorf("decoding %s event: %w", name, err)
			}
			select {
			case s.ch <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		case "error":
			return streamError(data)
		}
		return nil
	})

	if ctx.Err() != nil {
		// Closed by the caller.
		return
	}
	if err == nil {
		err = fmt.Errorf("feed stream ended")
	}
	if !errors.Is(err, feed.ErrLagged) {
		err = submission.Transient("feed", "", err)
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// readStream parses Server-Sent Events and calls fn per event.
func readStream(resp *http.Response, fn func(name, data string) error) error {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)

	var name string
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if name != "" || len(data) > 0 {
				if name == "" {
					name = "message"
				}
				if err := fn(name, strings.Join(data, "\n")); err != nil {
					return err
				}
			}
			name, data = "", nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return scanner.Err()
}

func streamError(data string) error {
	var env errorEnvelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return fmt.Errorf("feed error: %s", data)
	}
	if env.Error.Type == api.StreamLagged {
		return feed.ErrLagged
	}
	// A server-side close is a disconnect from this side; the binding retries.
	return fmt.Errorf("feed %s: %s", env.Error.Type, env.Error.Message)
}
