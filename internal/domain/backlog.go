package domain

import (
	"fmt"
	"strings"
	"time"
)

// BacklogStatus represents the lifecycle state of a backlog entry.
type BacklogStatus string

const (
	BacklogStatusPending    BacklogStatus = "PENDING"
	BacklogStatusProcessing BacklogStatus = "PROCESSING"
	BacklogStatusCompleted  BacklogStatus = "COMPLETED"
	BacklogStatusFailed     BacklogStatus = "FAILED"
)

func (s BacklogStatus) String() string { return string(s) }

func (s BacklogStatus) IsValid() bool {
	switch s {
	case BacklogStatusPending, BacklogStatusProcessing, BacklogStatusCompleted, BacklogStatusFailed:
		return true
	}
	return false
}

// BacklogEntry is a single retryable URL submission tracked outside the
// batch abstraction. RetryCount only increments on failure; once it
// reaches the retry ceiling the entry is terminally FAILED.
type BacklogEntry struct {
	ID          string
	Owner       string
	URL         string
	Status      BacklogStatus
	RetryCount  int
	Error       *string
	SubmittedAt time.Time
	ProcessedAt *time.Time
}

func (e *BacklogEntry) Validate() error {
	if strings.TrimSpace(e.Owner) == "" {
		return fmt.Errorf("%w: owner is required", ErrValidation)
	}
	if strings.TrimSpace(e.URL) == "" {
		return fmt.Errorf("%w: url is required", ErrValidation)
	}
	if !e.Status.IsValid() {
		return fmt.Errorf("%w: invalid status %q", ErrValidation, e.Status)
	}
	return nil
}
