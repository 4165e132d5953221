package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kalambet/evalq/internal/storage"
	"github.com/kalambet/evalq/internal/submission"
)

// JobType tags notification rows in the outbox.
const JobType = "notify"

// JobQueue is the part of the store the outbox writes to.
type JobQueue interface {
	EnqueueJob(ctx context.Context, job storage.Job) (string, error)
}

// Outbox persists messages for the outbox worker instead of sending them
// inline, so delivery retries survive restarts and never hold up a decision.
type Outbox struct {
	jobs JobQueue
}

func NewOutbox(jobs JobQueue) *Outbox {
	return &Outbox{jobs: jobs}
}

func (o *Outbox) Notify(ctx context.Context, msg Message) error {
	_, err := o.Enqueue(ctx, msg)
	return err
}

// Enqueue stores msg and returns the job id.
func (o *Outbox) Enqueue(ctx context.Context, msg Message) (string, error) {
	if msg.To == "" {
		return "", submission.Invalid("enqueue notification", "", "notification has no recipient")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encoding notification: %w", err)
	}
	return o.jobs.EnqueueJob(ctx, storage.Job{Type: JobType, PayloadJSON: string(payload)})
}

// DecodeJob recovers the message stored by Enqueue.
func DecodeJob(job storage.Job) (Message, error) {
	var msg Message
	if err := json.Unmarshal([]byte(job.PayloadJSON), &msg); err != nil {
		return Message{}, fmt.Errorf("decoding notification job %s: %w", job.ID, err)
	}
	return msg, nil
}
