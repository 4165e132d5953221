// Package submission defines the queue's domain model: submissions awaiting a
// decision, the audit records produced by decisions, and the change events the
// store emits for every row mutation.
package submission

import (
	"strings"
	"time"
)

// Status is the evaluation state of a submission.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusRejected:
		return true
	}
	return false
}

// Terminal reports whether s is a decided status.
func (s Status) Terminal() bool {
	return s == StatusAccepted || s == StatusRejected
}

// ParseDecision accepts "accepted"/"accept" and "rejected"/"reject".
func ParseDecision(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "accepted", "accept":
		return StatusAccepted, nil
	case "rejected", "reject":
		return StatusRejected, nil
	}
	return "", Invalid("parse decision", "", "decision must be accepted or rejected, got %q", s)
}

// Attachments holds opaque references into attachment storage.
type Attachments struct {
	ProfilePicPath string `json:"profile_pic_path,omitempty"`
	SourceCodePath string `json:"source_code_path,omitempty"`
}

// Item is one submission row.
type Item struct {
	ID          string      `json:"id"`
	Status      Status      `json:"status"`
	Feedback    string      `json:"feedback"`
	CreatedAt   time.Time   `json:"created_at"`
	EvaluatedAt *time.Time  `json:"evaluated_at,omitempty"`
	EvaluatedBy string      `json:"evaluated_by,omitempty"`
	FullName    string      `json:"full_name"`
	Email       string      `json:"email"`
	Phone       string      `json:"phone,omitempty"`
	Location    string      `json:"location,omitempty"`
	Hobbies     string      `json:"hobbies,omitempty"`
	Attachments Attachments `json:"attachments"`
}

// Before orders items by creation time, then by id.
func (it Item) Before(other Item) bool {
	if !it.CreatedAt.Equal(other.CreatedAt) {
		return it.CreatedAt.Before(other.CreatedAt)
	}
	return it.ID < other.ID
}

// Clone returns a copy that shares no pointers with it.
func (it Item) Clone() Item {
	if it.EvaluatedAt != nil {
		t := *it.EvaluatedAt
		it.EvaluatedAt = &t
	}
	return it
}

// Transition is the argument of a conditional (compare-and-swap) status write.
type Transition struct {
	ID          string
	Expected    Status
	Next        Status
	Feedback    string
	EvaluatedAt time.Time
	EvaluatedBy string
}

// Apply returns it with the transition's fields set. It does not check Expected.
func (tr Transition) Apply(it Item) Item {
	at := tr.EvaluatedAt
	it.Status = tr.Next
	it.Feedback = tr.Feedback
	it.EvaluatedAt = &at
	it.EvaluatedBy = tr.EvaluatedBy
	return it
}

// FeedbackRecord is the append-only audit entry written once per decision.
type FeedbackRecord struct {
	ID           string    `json:"id"`
	SubmissionID string    `json:"submission_id"`
	Message      string    `json:"message"`
	Author       string    `json:"author,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// FeedbackMessage formats the audit message for a decision.
func FeedbackMessage(decision Status, feedback string) string {
	return "Application " + string(decision) + ": " + feedback
}

// Evaluator identifies who is deciding. It is passed into every decision
// explicitly rather than read from process state.
type Evaluator struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}
