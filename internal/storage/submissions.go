package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/kalambet/evalq/internal/submission"
)

const submissionColumns = `id, status, feedback, created_at, evaluated_at, evaluated_by,
	full_name, email, phone, location, hobbies, profile_pic_path, source_code_path`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row rowScanner) (submission.Item, error) {
	var it submission.Item
	var status, createdAt string
	var evaluatedAt sql.NullString
	err := row.Scan(&it.ID, &status, &it.Feedback, &createdAt, &evaluatedAt, &it.EvaluatedBy,
		&it.FullName, &it.Email, &it.Phone, &it.Location, &it.Hobbies,
		&it.Attachments.ProfilePicPath, &it.Attachments.SourceCodePath)
	if err != nil {
		return submission.Item{}, err
	}
	it.Status = submission.Status(status)
	if it.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return submission.Item{}, err
	}
	if evaluatedAt.Valid && evaluatedAt.String != "" {
		t, err := parseTime("evaluated_at", evaluatedAt.String)
		if err != nil {
			return submission.Item{}, err
		}
		it.EvaluatedAt = &t
	}
	return it, nil
}

// CreateSubmission inserts a new pending submission. ID and CreatedAt are
// assigned when empty. The stored row is returned.
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
	it.CreatedAt = it.CreatedAt.UTC()
	it.Status = submission.StatusPending
	it.Feedback = ""
	it.EvaluatedAt = nil
	it.EvaluatedBy = ""

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO submissions (`+submissionColumns+`)
		VALUES (?, ?, ?, ?, NULL, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, string(it.Status), it.Feedback, formatTime(it.CreatedAt), it.EvaluatedBy,
		it.FullName, it.Email, it.Phone, it.Location, it.Hobbies,
		it.Attachments.ProfilePicPath, it.Attachments.SourceCodePath,
	)
	if err != nil {
		return submission.Item{}, fmt.Errorf("inserting submission: %w", err)
	}
	s.publish(submission.InsertEvent(it), nil)
	return it, nil
}

// GetSubmission is the point read used to verify an item before deciding.
func (s *Store) GetSubmission(ctx context.Context, id string) (submission.Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = ?`, id)
	it, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return submission.Item{}, ErrNotFound
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
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+submissionColumns+` FROM submissions
		WHERE status = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("querying submissions: %w", err)
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

// ConditionalUpdate applies tr only if the row's status still equals
// tr.Expected and reports the number of rows changed (0 or 1).
func (s *Store) ConditionalUpdate(ctx context.Context, tr submission.Transition) (int64, error) {
	if !tr.Next.Valid() || !tr.Expected.Valid() {
		return 0, submission.Invalid("conditional update", tr.ID, "invalid transition %s -> %s", tr.Expected, tr.Next)
	}
	if tr.EvaluatedAt.IsZero() {
		tr.EvaluatedAt = s.now()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning update transaction: %w", err)
	}
	defer tx.Rollback()

	prior, err := scanSubmission(tx.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = ?`, tr.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading submission %s: %w", tr.ID, err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE submissions
		SET status = ?, feedback = ?, evaluated_at = ?, evaluated_by = ?
		WHERE id = ? AND status = ?`,
		string(tr.Next), tr.Feedback, formatTime(tr.EvaluatedAt), tr.EvaluatedBy,
		tr.ID, string(tr.Expected),
	)
	if err != nil {
		return 0, fmt.Errorf("updating submission %s: %w", tr.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking updated rows: %w", err)
	}
	if n == 0 {
		return 0, nil
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing update: %w", err)
	}

	tr.EvaluatedAt = tr.EvaluatedAt.UTC()
	s.publish(submission.UpdateEvent(tr.Apply(prior)), &prior)
	return n, nil
}

// DeleteSubmission withdraws a submission. Its audit records are kept.
func (s *Store) DeleteSubmission(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM submissions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting submission %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	s.publish(submission.DeleteEvent(id), nil)
	return nil
}

// CountByStatus returns the number of submissions per status.
func (s *Store) CountByStatus(ctx context.Context) (map[submission.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM submissions GROUP BY status`)
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
