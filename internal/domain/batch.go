package domain

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// BatchStatus represents the lifecycle state of a scan batch.
type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "PENDING"
	BatchStatusProcessing BatchStatus = "PROCESSING"
	BatchStatusCompleted  BatchStatus = "COMPLETED"
	BatchStatusCancelled  BatchStatus = "CANCELLED"
	BatchStatusFailed     BatchStatus = "FAILED"
)

func (s BatchStatus) String() string { return string(s) }

func (s BatchStatus) IsValid() bool {
	switch s {
	case BatchStatusPending, BatchStatusProcessing, BatchStatusCompleted, BatchStatusCancelled, BatchStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further claims or mutations are permitted.
func (s BatchStatus) IsTerminal() bool {
	switch s {
	case BatchStatusCompleted, BatchStatusCancelled, BatchStatusFailed:
		return true
	}
	return false
}

func ParseBatchStatusFromString(s string) (BatchStatus, error) {
	st := BatchStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid batch status %q", ErrValidation, s)
	}
	return st, nil
}

// URLState represents the processing state of a single URL within a batch.
type URLState string

const (
	URLStatePending   URLState = "PENDING"
	URLStateInFlight  URLState = "IN_FLIGHT"
	URLStateSucceeded URLState = "SUCCEEDED"
	URLStateFailed    URLState = "FAILED"
	URLStateSkipped   URLState = "SKIPPED"
)

func (s URLState) String() string { return string(s) }

// IsResolved reports whether the URL has reached an outcome bucket.
func (s URLState) IsResolved() bool {
	switch s {
	case URLStateSucceeded, URLStateFailed, URLStateSkipped:
		return true
	}
	return false
}

// Batch is the aggregate root for one submitted URL list. ProcessedCount
// and the outcome buckets are derived from the per-URL rows at read time,
// never maintained as independent counters.
type Batch struct {
	ID             string
	Owner          string
	Status         BatchStatus
	TotalURLs      int
	ProcessedCount int
	CurrentURL     *string
	AverageScore   *int
	Source         *string
	CreatedBy      *string
	StartedAt      *time.Time
	CompletedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (b *Batch) Validate() error {
	if strings.TrimSpace(b.Owner) == "" {
		return fmt.Errorf("%w: owner is required", ErrValidation)
	}
	if b.TotalURLs <= 0 {
		return fmt.Errorf("%w: at least one url is required", ErrValidation)
	}
	if !b.Status.IsValid() {
		return fmt.Errorf("%w: invalid status %q", ErrValidation, b.Status)
	}
	return nil
}

// URLOutcome is the per-URL record of a batch: claim marker while in
// flight, outcome bucket once resolved.
type URLOutcome struct {
	BatchID     string
	Position    int
	URL         string
	State       URLState
	Score       *int
	ResultID    *string
	Error       *string
	SkipReason  *string
	Attempts    int
	ClaimedAt   *time.Time
	ProcessedAt *time.Time
}

// NormalizeURL trims the raw value and prefixes https:// when no scheme
// is present. Returns a validation error for empty or unparseable input.
func NormalizeURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: url is required", ErrValidation)
	}

	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}

	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("%w: invalid url %q", ErrValidation, raw)
	}

	return trimmed, nil
}

// NormalizeURLs normalizes every entry and drops duplicates while
// preserving first-occurrence order. The deduplicated list defines
// TotalURLs for the batch.
func NormalizeURLs(raw []string) ([]string, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: urls is required", ErrValidation)
	}

	seen := make(map[string]struct{}, len(raw))
	normalized := make([]string, 0, len(raw))
	for _, r := range raw {
		u, err := NormalizeURL(r)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		normalized = append(normalized, u)
	}

	return normalized, nil
}
