package postgres

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/evalq/internal/storage"
)

const defaultMaxAttempts = 3

// EnqueueJob adds a job to the outbox. A zero RunAfter means "now".
func (s *Store) EnqueueJob(ctx context.Context, job storage.Job) (string, error) {
	if job.Type == "" {
		return "", fmt.Errorf("job type is required")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := s.now().UTC()
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter.UTC()
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = defaultMaxAttempts
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES ($1, $2, $3, 'pending', 0, $4, $5, $6, $6)`,
		job.ID, job.Type, job.PayloadJSON, maxAttempts, runAfter, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueueing job: %w", err)
	}
	return job.ID, nil
}

// ClaimNextJob moves the oldest runnable job of one of types to "running".
// SKIP LOCKED lets several workers poll the same table.
func (s *Store) ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error) {
	if len(types) == 0 {
		return nil, nil
	}
	now := s.now().UTC()

	var j storage.Job
	var lastError *string
	err := s.pool.QueryRow(ctx, `
		UPDATE jobs SET status = 'running', updated_at = $1
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending' AND run_after <= $1 AND type = ANY($2)
			ORDER BY run_after ASC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error`,
		now, types,
	).Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&j.RunAfter, &j.CreatedAt, &j.UpdatedAt, &lastError)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	if lastError != nil {
		j.LastError = *lastError
	}
	return &j, nil
}

func (s *Store) CompleteJob(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET status = 'completed', updated_at = $1 WHERE id = $2`, s.now().UTC(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errNotFound
	}
	return nil
}

// FailJob records a failed attempt. The job is rescheduled after 2^attempts
// seconds, or marked failed once max_attempts is reached.
func (s *Store) FailJob(ctx context.Context, id string, errMsg string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var attempts, maxAttempts int
	err = tx.QueryRow(ctx, `SELECT attempts, max_attempts FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan(&attempts, &maxAttempts)
	if isNoRows(err) {
		return errNotFound
	}
	if err != nil {
		return err
	}

	now := s.now().UTC()
	attempts++
	if attempts >= maxAttempts {
		_, err = tx.Exec(ctx, `UPDATE jobs SET status = 'failed', attempts = $1, last_error = $2, updated_at = $3 WHERE id = $4`,
			attempts, errMsg, now, id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		_, err = tx.Exec(ctx, `UPDATE jobs SET status = 'pending', attempts = $1, last_error = $2, run_after = $3, updated_at = $4 WHERE id = $5`,
			attempts, errMsg, now.Add(backoff), now, id)
	}
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// JobStats counts outbox jobs by status.
func (s *Store) JobStats(ctx context.Context) (storage.JobStats, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return storage.JobStats{}, err
	}
	defer rows.Close()

	var st storage.JobStats
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return storage.JobStats{}, err
		}
		switch status {
		case "pending":
			st.Pending = n
		case "running":
			st.Running = n
		case "completed":
			st.Completed = n
		case "failed":
			st.Failed = n
		}
	}
	return st, rows.Err()
}
