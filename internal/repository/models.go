package repository

import (
	"time"

	"github.com/luminatech/scanqueue/internal/domain"
)

// BatchModel is the persistence model for the scan_batches table.
type BatchModel struct {
	ID           string             `gorm:"type:uuid;primaryKey"`
	Owner        string             `gorm:"type:varchar(255);not null"`
	Status       domain.BatchStatus `gorm:"type:varchar(20);not null"`
	TotalURLs    int                `gorm:"column:total_urls;not null"`
	CurrentURL   *string            `gorm:"column:current_url;type:text"`
	AverageScore *int               `gorm:"type:int"`
	Source       *string            `gorm:"type:varchar(255)"`
	CreatedBy    *string            `gorm:"type:varchar(255)"`
	StartedAt    *time.Time
	CompletedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (BatchModel) TableName() string {
	return "scan_batches"
}

// BatchURLModel is the persistence model for batch_urls. One row per URL,
// seeded at batch creation; the (batch_id, url) unique key makes outcome
// writes structurally deduplicated.
type BatchURLModel struct {
	ID          int64           `gorm:"primaryKey;autoIncrement"`
	BatchID     string          `gorm:"type:uuid;not null;uniqueIndex:idx_batch_urls_batch_url"`
	Position    int             `gorm:"not null"`
	URL         string          `gorm:"type:text;not null;uniqueIndex:idx_batch_urls_batch_url"`
	State       domain.URLState `gorm:"type:varchar(20);not null"`
	Score       *int            `gorm:"type:int"`
	ResultID    *string         `gorm:"type:varchar(255)"`
	Error       *string         `gorm:"type:text"`
	SkipReason  *string         `gorm:"type:text"`
	Attempts    int             `gorm:"not null;default:0"`
	ClaimedAt   *time.Time
	ProcessedAt *time.Time
}

func (BatchURLModel) TableName() string {
	return "batch_urls"
}

// BacklogEntryModel is the persistence model for backlog_entries.
type BacklogEntryModel struct {
	ID          string               `gorm:"type:uuid;primaryKey"`
	Owner       string               `gorm:"type:varchar(255);not null"`
	URL         string               `gorm:"type:text;not null"`
	Status      domain.BacklogStatus `gorm:"type:varchar(20);not null"`
	RetryCount  int                  `gorm:"not null;default:0"`
	Error       *string              `gorm:"type:text"`
	SubmittedAt time.Time            `gorm:"not null"`
	ProcessedAt *time.Time
}

func (BacklogEntryModel) TableName() string {
	return "backlog_entries"
}

func batchModelFromDomain(b *domain.Batch) *BatchModel {
	if b == nil {
		return nil
	}

	return &BatchModel{
		ID:           b.ID,
		Owner:        b.Owner,
		Status:       b.Status,
		TotalURLs:    b.TotalURLs,
		CurrentURL:   b.CurrentURL,
		AverageScore: b.AverageScore,
		Source:       b.Source,
		CreatedBy:    b.CreatedBy,
		StartedAt:    b.StartedAt,
		CompletedAt:  b.CompletedAt,
		CreatedAt:    b.CreatedAt,
		UpdatedAt:    b.UpdatedAt,
	}
}

func batchModelToDomain(m *BatchModel) *domain.Batch {
	if m == nil {
		return nil
	}

	return &domain.Batch{
		ID:           m.ID,
		Owner:        m.Owner,
		Status:       m.Status,
		TotalURLs:    m.TotalURLs,
		CurrentURL:   m.CurrentURL,
		AverageScore: m.AverageScore,
		Source:       m.Source,
		CreatedBy:    m.CreatedBy,
		StartedAt:    m.StartedAt,
		CompletedAt:  m.CompletedAt,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func urlModelToDomain(m *BatchURLModel) *domain.URLOutcome {
	if m == nil {
		return nil
	}

	return &domain.URLOutcome{
		BatchID:     m.BatchID,
		Position:    m.Position,
		URL:         m.URL,
		State:       m.State,
		Score:       m.Score,
		ResultID:    m.ResultID,
		Error:       m.Error,
		SkipReason:  m.SkipReason,
		Attempts:    m.Attempts,
		ClaimedAt:   m.ClaimedAt,
		ProcessedAt: m.ProcessedAt,
	}
}

func backlogModelFromDomain(e *domain.BacklogEntry) *BacklogEntryModel {
	if e == nil {
		return nil
	}

	return &BacklogEntryModel{
		ID:          e.ID,
		Owner:       e.Owner,
		URL:         e.URL,
		Status:      e.Status,
		RetryCount:  e.RetryCount,
		Error:       e.Error,
		SubmittedAt: e.SubmittedAt,
		ProcessedAt: e.ProcessedAt,
	}
}

func backlogModelToDomain(m *BacklogEntryModel) *domain.BacklogEntry {
	if m == nil {
		return nil
	}

	return &domain.BacklogEntry{
		ID:          m.ID,
		Owner:       m.Owner,
		URL:         m.URL,
		Status:      m.Status,
		RetryCount:  m.RetryCount,
		Error:       m.Error,
		SubmittedAt: m.SubmittedAt,
		ProcessedAt: m.ProcessedAt,
	}
}
