package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/evalq/internal/storage"
	"github.com/kalambet/evalq/internal/submission"
)

// Resyncer is implemented by publishers that can tell their subscribers to
// reload after notifications may have been lost.
type Resyncer interface {
	Resync()
}

type notification struct {
	Op          submission.Op     `json:"op"`
	ID          string            `json:"id"`
	PriorStatus submission.Status `json:"prior_status,omitempty"`
}

// Listen turns submission NOTIFY payloads into change events on pub until
// ctx is cancelled. A dropped connection is re-established with backoff; if
// pub implements Resyncer it is told to resync once the new LISTEN is live,
// since notifications sent in between are gone.
func (s *Store) Listen(ctx context.Context, pub storage.Publisher) error {
	backoff := 250 * time.Millisecond
	connected := false
	for {
		err := s.listenOnce(ctx, pub, func() {
			if connected {
				if r, ok := pub.(Resyncer); ok {
					r.Resync()
				}
			}
			connected = true
			backoff = 250 * time.Millisecond
		})
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Warn("change listener disconnected", "error", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 10*time.Second)
	}
}

func (s *Store) listenOnce(ctx context.Context, pub storage.Publisher, ready func()) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	ready()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		if err := s.dispatch(ctx, pub, []byte(n.Payload)); err != nil {
			s.logger.Warn("dropping change notification", "payload", n.Payload, "error", err)
		}
	}
}

// dispatch re-reads the row named by a notification and publishes it. The
// row may have moved on since the trigger fired; the newer state is
// published and its own notification will merge as a no-op.
func (s *Store) dispatch(ctx context.Context, pub storage.Publisher, payload []byte) error {
	var n notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return fmt.Errorf("decoding notification: %w", err)
	}
	if n.ID == "" {
		return fmt.Errorf("notification without id")
	}

	switch n.Op {
	case submission.OpDelete:
		pub.Publish(submission.DeleteEvent(n.ID), nil)
		return nil
	case submission.OpInsert, submission.OpUpdate:
	default:
		return fmt.Errorf("unknown op %q", n.Op)
	}

	it, err := s.GetSubmission(ctx, n.ID)
	if errors.Is(err, storage.ErrNotFound) {
		// Deleted since; the delete notification follows.
		return nil
	}
	if err != nil {
		return err
	}

	if n.Op == submission.OpInsert {
		pub.Publish(submission.InsertEvent(it), nil)
		return nil
	}
	prior := priorOf(it, n.PriorStatus)
	pub.Publish(submission.UpdateEvent(it), prior)
	return nil
}

// priorOf reconstructs the pre-update row from its status. Only the status
// takes part in feed filtering; a pending prior carries no decision fields.
func priorOf(it submission.Item, status submission.Status) *submission.Item {
	if status == "" {
		return nil
	}
	prior := it.Clone()
	prior.Status = status
	if status == submission.StatusPending {
		prior.Feedback = ""
		prior.EvaluatedAt = nil
		prior.EvaluatedBy = ""
	}
	return &prior
}
