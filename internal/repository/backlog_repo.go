package repository

import (
	"context"
	"errors"
	"time"

	"github.com/luminatech/scanqueue/internal/domain"
	"gorm.io/gorm"
)

// eligibleStatuses are the backlog statuses a slice may select from.
var eligibleStatuses = []domain.BacklogStatus{
	domain.BacklogStatusPending,
	domain.BacklogStatusFailed,
}

// BacklogRepository persists individually retryable URL submissions.
type BacklogRepository interface {
	Create(ctx context.Context, e *domain.BacklogEntry) error
	GetByID(ctx context.Context, id string) (*domain.BacklogEntry, error)
	NextEligible(ctx context.Context, owner string, maxRetries, limit int) ([]domain.BacklogEntry, error)
	MarkProcessing(ctx context.Context, id string, maxRetries int) (bool, error)
	MarkCompleted(ctx context.Context, id string, processedAt time.Time) error
	MarkFailedAttempt(ctx context.Context, id, message string, maxRetries int, processedAt time.Time) error
	CountEligible(ctx context.Context, owner string, maxRetries int) (int64, error)
}

type GormBacklogRepo struct {
	db *gorm.DB
}

func NewGormBacklogRepo(db *gorm.DB) *GormBacklogRepo {
	return &GormBacklogRepo{db: db}
}

func (r *GormBacklogRepo) Create(ctx context.Context, e *domain.BacklogEntry) error {
	model := backlogModelFromDomain(e)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if e != nil {
		*e = *backlogModelToDomain(model)
	}
	return nil
}

func (r *GormBacklogRepo) GetByID(ctx context.Context, id string) (*domain.BacklogEntry, error) {
	var model BacklogEntryModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return backlogModelToDomain(&model), nil
}

// NextEligible returns retryable entries oldest-first, capped at limit.
// Entries at or past the retry ceiling are never selected.
func (r *GormBacklogRepo) NextEligible(ctx context.Context, owner string, maxRetries, limit int) ([]domain.BacklogEntry, error) {
	var models []BacklogEntryModel
	err := r.db.WithContext(ctx).
		Where("owner = ? AND status IN ? AND retry_count < ?", owner, eligibleStatuses, maxRetries).
		Order("submitted_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	entries := make([]domain.BacklogEntry, 0, len(models))
	for i := range models {
		entries = append(entries, *backlogModelToDomain(&models[i]))
	}
	return entries, nil
}

// MarkProcessing claims one entry for the current invocation. The status
// and retry-count guards run in the same statement, so concurrent slices
// cannot both claim the same entry.
func (r *GormBacklogRepo) MarkProcessing(ctx context.Context, id string, maxRetries int) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&BacklogEntryModel{}).
		Where("id = ? AND status IN ? AND retry_count < ?", id, eligibleStatuses, maxRetries).
		Update("status", domain.BacklogStatusProcessing)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *GormBacklogRepo) MarkCompleted(ctx context.Context, id string, processedAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&BacklogEntryModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":       domain.BacklogStatusCompleted,
			"processed_at": processedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkFailedAttempt increments the retry counter and routes the entry
// back to PENDING while retries remain, or to terminal FAILED once the
// ceiling is reached. Counter and status move in one statement.
func (r *GormBacklogRepo) MarkFailedAttempt(ctx context.Context, id, message string, maxRetries int, processedAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&BacklogEntryModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"retry_count": gorm.Expr("retry_count + 1"),
			"status": gorm.Expr(
				"CASE WHEN retry_count + 1 >= ? THEN ? ELSE ? END",
				maxRetries, domain.BacklogStatusFailed, domain.BacklogStatusPending,
			),
			"error":        message,
			"processed_at": processedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormBacklogRepo) CountEligible(ctx context.Context, owner string, maxRetries int) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&BacklogEntryModel{}).
		Where("owner = ? AND status IN ? AND retry_count < ?", owner, eligibleStatuses, maxRetries).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}
