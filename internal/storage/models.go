package storage

import (
	"time"

	"github.com/kalambet/evalq/internal/submission"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = submission.ErrNotFound

// Job is one row of the outbox: a unit of deferred work retried with backoff.
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// JobStats counts outbox rows per status.
type JobStats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}
