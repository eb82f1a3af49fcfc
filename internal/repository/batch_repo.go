package repository

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"time"

	"github.com/luminatech/scanqueue/internal/domain"
	"gorm.io/gorm"
)

// activeStatuses are the batch statuses under which claims may be granted.
var activeStatuses = []domain.BatchStatus{
	domain.BatchStatusPending,
	domain.BatchStatusProcessing,
}

// resolvedStates are the URL states that count toward completion.
var resolvedStates = []domain.URLState{
	domain.URLStateSucceeded,
	domain.URLStateFailed,
	domain.URLStateSkipped,
}

// BatchCounts is the deduplicated per-state cardinality of a batch's URLs.
type BatchCounts struct {
	Pending   int
	InFlight  int
	Succeeded int
	Failed    int
	Skipped   int
}

// Resolved returns the number of URLs in an outcome bucket.
func (c BatchCounts) Resolved() int {
	return c.Succeeded + c.Failed + c.Skipped
}

// BatchRepository persists scan batches and their per-URL rows. Every
// mutation that must be race-free is a single conditional UPDATE whose
// precondition is evaluated by the database, never a read-modify-write
// in application code.
type BatchRepository interface {
	Create(ctx context.Context, b *domain.Batch, urls []string) error
	GetByID(ctx context.Context, id string) (*domain.Batch, error)
	List(ctx context.Context, owner string, limit int) ([]domain.Batch, error)
	Outcomes(ctx context.Context, batchID string) ([]domain.URLOutcome, error)
	PendingURLs(ctx context.Context, batchID string, limit int) ([]string, error)
	MarkProcessing(ctx context.Context, id string, startedAt time.Time) error
	Claim(ctx context.Context, batchID, url string, claimedAt time.Time) (bool, error)
	ResolveSuccess(ctx context.Context, batchID, url string, score int, resultID string, processedAt time.Time) (bool, error)
	ResolveFailure(ctx context.Context, batchID, url, message string, processedAt time.Time) (bool, error)
	ResolveSkip(ctx context.Context, batchID, url, reason string, processedAt time.Time) (bool, error)
	Counts(ctx context.Context, batchID string) (BatchCounts, error)
	AverageScore(ctx context.Context, batchID string) (*int, error)
	Complete(ctx context.Context, id string, completedAt time.Time, averageScore *int) (bool, error)
	Cancel(ctx context.Context, id string, cancelledAt time.Time) (bool, error)
	ReleaseInFlight(ctx context.Context, batchID string) error
	SetCurrentURL(ctx context.Context, id string, url *string) error
}

type GormBatchRepo struct {
	db *gorm.DB
}

func NewGormBatchRepo(db *gorm.DB) *GormBatchRepo {
	return &GormBatchRepo{db: db}
}

func (r *GormBatchRepo) Create(ctx context.Context, b *domain.Batch, urls []string) error {
	model := batchModelFromDomain(b)

	urlModels := make([]BatchURLModel, 0, len(urls))
	for i, u := range urls {
		urlModels = append(urlModels, BatchURLModel{
			BatchID:  b.ID,
			Position: i,
			URL:      u,
			State:    domain.URLStatePending,
		})
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(model).Error; err != nil {
			return err
		}
		return tx.CreateInBatches(&urlModels, 100).Error
	})
	if err != nil {
		return err
	}

	if b != nil {
		*b = *batchModelToDomain(model)
	}
	return nil
}

func (r *GormBatchRepo) GetByID(ctx context.Context, id string) (*domain.Batch, error) {
	var model BatchModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return batchModelToDomain(&model), nil
}

func (r *GormBatchRepo) List(ctx context.Context, owner string, limit int) ([]domain.Batch, error) {
	if limit < 1 {
		limit = 20
	}
	limit = min(limit, 100)

	var models []BatchModel
	err := r.db.WithContext(ctx).
		Where("owner = ?", owner).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	batches := make([]domain.Batch, 0, len(models))
	for i := range models {
		batches = append(batches, *batchModelToDomain(&models[i]))
	}
	return batches, nil
}

func (r *GormBatchRepo) Outcomes(ctx context.Context, batchID string) ([]domain.URLOutcome, error) {
	var models []BatchURLModel
	err := r.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("position ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	outcomes := make([]domain.URLOutcome, 0, len(models))
	for i := range models {
		outcomes = append(outcomes, *urlModelToDomain(&models[i]))
	}
	return outcomes, nil
}

// PendingURLs returns unclaimed, unresolved URLs in original submission
// order, capped at limit.
func (r *GormBatchRepo) PendingURLs(ctx context.Context, batchID string, limit int) ([]string, error) {
	var urls []string
	err := r.db.WithContext(ctx).
		Model(&BatchURLModel{}).
		Where("batch_id = ? AND state = ?", batchID, domain.URLStatePending).
		Order("position ASC").
		Limit(limit).
		Pluck("url", &urls).Error
	if err != nil {
		return nil, err
	}
	return urls, nil
}

// MarkProcessing transitions PENDING -> PROCESSING and stamps startedAt.
// Applying it to an already-processing batch is a harmless no-op.
func (r *GormBatchRepo) MarkProcessing(ctx context.Context, id string, startedAt time.Time) error {
	return r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Where("id = ? AND status = ?", id, domain.BatchStatusPending).
		Updates(map[string]any{
			"status":     domain.BatchStatusProcessing,
			"started_at": startedAt,
		}).Error
}

// Claim grants exclusive ownership of one URL. The precondition (batch
// active, URL still pending) and the mutation happen in one statement;
// a zero rows-affected result means another invocation won the race or
// the batch reached a terminal state.
func (r *GormBatchRepo) Claim(ctx context.Context, batchID, url string, claimedAt time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&BatchURLModel{}).
		Where("batch_id = ? AND url = ? AND state = ?", batchID, url, domain.URLStatePending).
		Where("EXISTS (SELECT 1 FROM scan_batches b WHERE b.id = ? AND b.status IN ?)", batchID, activeStatuses).
		Updates(map[string]any{
			"state":      domain.URLStateInFlight,
			"claimed_at": claimedAt,
			"attempts":   gorm.Expr("attempts + 1"),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *GormBatchRepo) ResolveSuccess(ctx context.Context, batchID, url string, score int, resultID string, processedAt time.Time) (bool, error) {
	return r.resolve(ctx, batchID, url, map[string]any{
		"state":        domain.URLStateSucceeded,
		"score":        score,
		"result_id":    resultID,
		"processed_at": processedAt,
	})
}

func (r *GormBatchRepo) ResolveFailure(ctx context.Context, batchID, url, message string, processedAt time.Time) (bool, error) {
	return r.resolve(ctx, batchID, url, map[string]any{
		"state":        domain.URLStateFailed,
		"error":        message,
		"processed_at": processedAt,
	})
}

func (r *GormBatchRepo) ResolveSkip(ctx context.Context, batchID, url, reason string, processedAt time.Time) (bool, error) {
	return r.resolve(ctx, batchID, url, map[string]any{
		"state":        domain.URLStateSkipped,
		"skip_reason":  reason,
		"processed_at": processedAt,
	})
}

// resolve moves a URL into an outcome bucket and releases the in-flight
// marker. The state guard rejects duplicate deliveries: a URL already in
// an outcome bucket is never overwritten. The batch status guard drops
// outcomes delivered after a terminal transition, so a claim abandoned
// by a cancel never mutates the cancelled batch's results.
func (r *GormBatchRepo) resolve(ctx context.Context, batchID, url string, updates map[string]any) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&BatchURLModel{}).
		Where("batch_id = ? AND url = ? AND state NOT IN ?", batchID, url, resolvedStates).
		Where("EXISTS (SELECT 1 FROM scan_batches b WHERE b.id = ? AND b.status IN ?)", batchID, activeStatuses).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *GormBatchRepo) Counts(ctx context.Context, batchID string) (BatchCounts, error) {
	type stateCount struct {
		State domain.URLState `gorm:"column:state"`
		Count int             `gorm:"column:count"`
	}

	var rows []stateCount
	err := r.db.WithContext(ctx).
		Model(&BatchURLModel{}).
		Select("state, COUNT(*) as count").
		Where("batch_id = ?", batchID).
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return BatchCounts{}, err
	}

	var counts BatchCounts
	for _, row := range rows {
		switch row.State {
		case domain.URLStatePending:
			counts.Pending = row.Count
		case domain.URLStateInFlight:
			counts.InFlight = row.Count
		case domain.URLStateSucceeded:
			counts.Succeeded = row.Count
		case domain.URLStateFailed:
			counts.Failed = row.Count
		case domain.URLStateSkipped:
			counts.Skipped = row.Count
		}
	}
	return counts, nil
}

func (r *GormBatchRepo) AverageScore(ctx context.Context, batchID string) (*int, error) {
	row := r.db.WithContext(ctx).
		Model(&BatchURLModel{}).
		Select("AVG(score)").
		Where("batch_id = ? AND state = ?", batchID, domain.URLStateSucceeded).
		Row()

	var avg sql.NullFloat64
	if err := row.Scan(&avg); err != nil {
		return nil, err
	}
	if !avg.Valid {
		return nil, nil
	}

	rounded := int(math.Round(avg.Float64))
	return &rounded, nil
}

// Complete transitions an active batch to COMPLETED. The status guard
// keeps the transition monotonic and makes repeated evaluation a no-op.
func (r *GormBatchRepo) Complete(ctx context.Context, id string, completedAt time.Time, averageScore *int) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Where("id = ? AND status IN ?", id, activeStatuses).
		Updates(map[string]any{
			"status":        domain.BatchStatusCompleted,
			"completed_at":  completedAt,
			"average_score": averageScore,
			"current_url":   nil,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// Cancel transitions an active batch to CANCELLED. A zero rows-affected
// result means the batch was already terminal.
func (r *GormBatchRepo) Cancel(ctx context.Context, id string, cancelledAt time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Where("id = ? AND status IN ?", id, activeStatuses).
		Updates(map[string]any{
			"status":       domain.BatchStatusCancelled,
			"completed_at": cancelledAt,
			"current_url":  nil,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ReleaseInFlight abandons claims after a terminal transition. The rows
// return to PENDING but stay unclaimable because the claim precondition
// checks batch status.
func (r *GormBatchRepo) ReleaseInFlight(ctx context.Context, batchID string) error {
	return r.db.WithContext(ctx).
		Model(&BatchURLModel{}).
		Where("batch_id = ? AND state = ?", batchID, domain.URLStateInFlight).
		Updates(map[string]any{
			"state":      domain.URLStatePending,
			"claimed_at": nil,
		}).Error
}

// SetCurrentURL records the last-claimed URL for UI display. Advisory
// only; it is not part of the claim precondition.
func (r *GormBatchRepo) SetCurrentURL(ctx context.Context, id string, url *string) error {
	return r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Where("id = ?", id).
		Update("current_url", url).Error
}
