// Package outbox delivers queued notifications from the store's jobs table.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/evalq/internal/notify"
	"github.com/kalambet/evalq/internal/storage"
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
}

// Worker sends notify jobs through a notifier, retrying failures with the
// store's backoff.
type Worker struct {
	store    JobStore
	sender   notify.Notifier
	poll     time.Duration
	logger   *slog.Logger
	sendTime time.Duration
}

// NewWorker creates a Worker. If pollInterval is <= 0, it defaults to 1s.
func NewWorker(store JobStore, sender notify.Notifier, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Worker{
		store:    store,
		sender:   sender,
		poll:     pollInterval,
		logger:   slog.Default(),
		sendTime: 30 * time.Second,
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("outbox iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and delivers a single notification.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{notify.JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.deliver(ctx, job); err != nil {
		deliveries.WithLabelValues("failed").Inc()
		w.logger.Warn("notification delivery failed", "job_id", job.ID, "attempt", job.Attempts+1, "error", err)
		if failErr := w.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	deliveries.WithLabelValues("sent").Inc()
	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) deliver(ctx context.Context, job *storage.Job) error {
	msg, err := notify.DecodeJob(*job)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, w.sendTime)
	defer cancel()
	if err := w.sender.Notify(ctx, msg); err != nil {
		return fmt.Errorf("sending to %s: %w", msg.To, err)
	}
	w.logger.Info("notification sent", "job_id", job.ID, "to", msg.To)
	return nil
}
