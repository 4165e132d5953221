package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const userAgent = "evalq/0.1"

// Ntfy posts messages to an ntfy topic URL. The recipient is sent in the
// title so a shared reviewer topic can tell messages apart.
type Ntfy struct {
	endpoint string
	client   *http.Client
}

func NewNtfy(endpoint string, timeout time.Duration) *Ntfy {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Ntfy{endpoint: strings.TrimSpace(endpoint), client: &http.Client{Timeout: timeout}}
}

func (n *Ntfy) Notify(ctx context.Context, msg Message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(msg.Body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/html; charset=utf-8")
	title := msg.Subject
	if msg.To != "" {
		title += " (" + msg.To + ")"
	}
	req.Header.Set("Title", title)
	req.Header.Set("Tags", "evalq,decision")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
