package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kalambet/evalq/internal/submission"
)

const submissionColumns = `id, status, feedback, created_at, evaluated_at, evaluated_by,
	full_name, email, phone, location, hobbies, profile_pic_path, source_code_path`

func scanSubmission(row pgx.Row) (submission.Item, error) {
	var it submission.Item
	var status string
	var evaluatedAt *time.Time
	err := row.Scan(&it.ID, &status, &it.Feedback, &it.CreatedAt, &evaluatedAt, &it.EvaluatedBy,
		&it.FullName, &it.Email, &it.Phone, &it.Location, &it.Hobbies,
		&it.Attachments.ProfilePicPath, &it.Attachments.SourceCodePath)
	if err != nil {
		return submission.Item{}, err
	}
	it.Status = submission.Status(status)
	it.CreatedAt = it.CreatedAt.UTC()
	if evaluatedAt != nil {
		t := evaluatedAt.UTC()
		it.EvaluatedAt = &t
	}
	return it, nil
}

func collectSubmissions(rows pgx.Rows) ([]submission.Item, error) {
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

// CreateSubmission inserts a new pending submission. ID and CreatedAt are
// assigned when empty.
func (s *Store) CreateSubmission(ctx context.Context, it submission.Item) (submission.Item, error) {
	if strings.TrimSpace(it.FullName) == "" || strings.TrimSpace(it.Email) == "" {
		return submission.Item{}, submission.Invalid("create submission", it.ID, "full_name and email are required")
	}
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = s.now()
	}
	// PostgreSQL keeps microseconds; truncate so the returned row matches a re-read.
	it.CreatedAt = it.CreatedAt.UTC().Truncate(time.Microsecond)
	it.Status = submission.StatusPending
	it.Feedback = ""
	it.EvaluatedAt = nil
	it.EvaluatedBy = ""

	_, err := s.pool.Exec(ctx, `
		INSERT INTO submissions (`+submissionColumns+`)
		VALUES ($1, $2, $3, $4, NULL, $5, $6, $7, $8, $9, $10, $11, $12)`,
		it.ID, string(it.Status), it.Feedback, it.CreatedAt, it.EvaluatedBy,
		it.FullName, it.Email, it.Phone, it.Location, it.Hobbies,
		it.Attachments.ProfilePicPath, it.Attachments.SourceCodePath,
	)
	if err != nil {
		return submission.Item{}, fmt.Errorf("inserting submission: %w", err)
	}
	return it, nil
}

// GetSubmission is the point read used to verify an item before deciding.
func (s *Store) GetSubmission(ctx context.Context, id string) (submission.Item, error) {
	it, err := scanSubmission(s.pool.QueryRow(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = $1`, id))
	if isNoRows(err) {
		return submission.Item{}, errNotFound
	}
	if err != nil {
		return submission.Item{}, fmt.Errorf("reading submission %s: %w", id, err)
	}
	return it, nil
}

// QueryPending returns every pending submission ordered by created_at, then id.
func (s *Store) QueryPending(ctx context.Context) ([]submission.Item, error) {
	return s.ListSubmissions(ctx, submission.StatusPending, 0)
}

// ListSubmissions returns submissions with the given status in queue order.
// limit <= 0 means no limit.
func (s *Store) ListSubmissions(ctx context.Context, status submission.Status, limit int) ([]submission.Item, error) {
	if !status.Valid() {
		return nil, submission.Invalid("list submissions", "", "unknown status %q", status)
	}
	query := `SELECT ` + submissionColumns + ` FROM submissions
		WHERE status = $1
		ORDER BY created_at ASC, id ASC`
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying submissions: %w", err)
	}
	return collectSubmissions(rows)
}

// ConditionalUpdate applies tr only if the row's status still equals
// tr.Expected and reports the number of rows changed (0 or 1).
func (s *Store) ConditionalUpdate(ctx context.Context, tr submission.Transition) (int64, error) {
	if !tr.Next.Valid() || !tr.Expected.Valid() {
		return 0, submission.Invalid("conditional update", tr.ID, "invalid transition %s -> %s", tr.Expected, tr.Next)
	}
	if tr.EvaluatedAt.IsZero() {
		tr.EvaluatedAt = s.now()
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE submissions
		SET status = $1, feedback = $2, evaluated_at = $3, evaluated_by = $4
		WHERE id = $5 AND status = $6`,
		string(tr.Next), tr.Feedback, tr.EvaluatedAt.UTC(), tr.EvaluatedBy,
		tr.ID, string(tr.Expected),
	)
	if err != nil {
		return 0, fmt.Errorf("updating submission %s: %w", tr.ID, err)
	}
	return tag.RowsAffected(), nil
}

// DeleteSubmission withdraws a submission. Its audit records are kept.
func (s *Store) DeleteSubmission(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM submissions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting submission %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return errNotFound
	}
	return nil
}

// CountByStatus returns the number of submissions per status.
func (s *Store) CountByStatus(ctx context.Context) (map[submission.Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM submissions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[submission.Status]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[submission.Status(status)] = n
	}
	return counts, rows.Err()
}

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
	_, err := s.pool.Exec(ctx, `
		INSERT INTO feedback (id, submission_id, message, author, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		rec.ID, rec.SubmissionID, rec.Message, rec.Author, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("inserting feedback: %w", err)
	}
	return rec.ID, nil
}

// ListFeedback returns the audit records of one submission, oldest first.
func (s *Store) ListFeedback(ctx context.Context, submissionID string) ([]submission.FeedbackRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, submission_id, message, author, created_at
		FROM feedback WHERE submission_id = $1
		ORDER BY created_at ASC, id ASC`, submissionID)
	if err != nil {
		return nil, fmt.Errorf("querying feedback: %w", err)
	}
	defer rows.Close()

	var results []submission.FeedbackRecord
	for rows.Next() {
		var rec submission.FeedbackRecord
		if err := rows.Scan(&rec.ID, &rec.SubmissionID, &rec.Message, &rec.Author, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.CreatedAt = rec.CreatedAt.UTC()
		results = append(results, rec)
	}
	return results, rows.Err()
}

// MissingFeedback returns decided submissions that have no audit record.
func (s *Store) MissingFeedback(ctx context.Context) ([]submission.Item, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+submissionColumns+` FROM submissions s
		WHERE s.status <> 'pending'
		  AND NOT EXISTS (SELECT 1 FROM feedback f WHERE f.submission_id = s.id)
		ORDER BY s.evaluated_at ASC, s.id ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying missing feedback: %w", err)
	}
	return collectSubmissions(rows)
}
