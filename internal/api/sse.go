package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kalambet/evalq/internal/feed"
)

// SSE error types sent as the final "error" event of a stream.
const (
	StreamLagged = "lagged"
	StreamClosed = "closed"
)

// handleFeed streams change events as Server-Sent Events. The subscription
// is registered before the response headers are flushed, so a client that
// has seen the headers will not miss any later write.
func handleFeed(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, errTypeInternal, "streaming not supported")
			return
		}

		sub, err := deps.Feed.Subscribe(r.Context(), r.URL.Query().Get("filter"))
		if err != nil {
			if errors.Is(err, feed.ErrClosed) {
				httpError(w, http.StatusServiceUnavailable, errTypeUnavailable, "feed is shutting down")
				return
			}
			writeError(w, err, "feed")
			return
		}
		defer sub.Close()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, ": subscribed\n\n")
		flusher.Flush()

		heartbeat := time.NewTicker(deps.Heartbeat)
		defer heartbeat.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-heartbeat.C:
				fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			case ev, ok := <-sub.Events():
				if !ok {
					writeStreamEnd(w, sub.Err())
					flusher.Flush()
					return
				}
				data, err := json.Marshal(ev)
				if err != nil {
					// The client must not miss an event silently; ending the
					// stream makes it resubscribe and reload.
					slog.Error("encoding change event", "event", ev.String(), "error", err)
					writeStreamEnd(w, err)
					flusher.Flush()
					return
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Op(), data)
				flusher.Flush()
			}
		}
	}
}

func writeStreamEnd(w http.ResponseWriter, err error) {
	errType := StreamClosed
	msg := "feed closed"
	if errors.Is(err, feed.ErrLagged) {
		errType = StreamLagged
		msg = "subscriber fell behind; reload the queue"
	}
	payload, _ := json.Marshal(map[string]any{
		"error": map[string]any{"message": msg, "type": errType},
	})
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
}
