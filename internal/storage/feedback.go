package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/kalambet/evalq/internal/submission"
)

// InsertFeedback appends an audit record and returns its id.
func (s *Store) InsertFeedback(ctx context.Context, rec submission.FeedbackRecord) (string, error) {
	if rec.SubmissionID == "" {
		return "", submission.Invalid("insert feedback", "", "submission_id is required")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feedback (id, submission_id, message, author, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.SubmissionID, rec.Message, rec.Author, formatTime(rec.CreatedAt),
	)
	if err != nil {
		return "", fmt.Errorf("inserting feedback: %w", err)
	}
	return rec.ID, nil
}

// ListFeedback returns the audit records of one submission, oldest first.
func (s *Store) ListFeedback(ctx context.Context, submissionID string) ([]submission.FeedbackRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, submission_id, message, author, created_at
		FROM feedback WHERE submission_id = ?
		ORDER BY created_at ASC, id ASC`, submissionID)
	if err != nil {
		return nil, fmt.Errorf("querying feedback: %w", err)
	}
	defer rows.Close()

	var results []submission.FeedbackRecord
	for rows.Next() {
		var rec submission.FeedbackRecord
		var createdAt string
		if err := rows.Scan(&rec.ID, &rec.SubmissionID, &rec.Message, &rec.Author, &createdAt); err != nil {
			return nil, err
		}
		if rec.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

// MissingFeedback returns decided submissions that have no audit record,
// the trace left when the audit insert after a committed decision failed.
func (s *Store) MissingFeedback(ctx context.Context) ([]submission.Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+submissionColumns+` FROM submissions s
		WHERE s.status != 'pending'
		  AND NOT EXISTS (SELECT 1 FROM feedback f WHERE f.submission_id = s.id)
		ORDER BY s.evaluated_at ASC, s.id ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying missing feedback: %w", err)
	}
	defer rows.Close()

	var items []submission.Item
	for rows.Next() {
		it, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}
