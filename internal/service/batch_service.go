package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/luminatech/scanqueue/internal/domain"
	"github.com/luminatech/scanqueue/internal/observability"
	"github.com/luminatech/scanqueue/internal/repository"
	"go.uber.org/zap"
)

const maxBatchURLs = 5000

// EnqueueParams carries a new batch submission.
type EnqueueParams struct {
	Owner     string
	URLs      []string
	Source    string
	CreatedBy string
}

// BatchStatus is the full read model of a batch: the reconciled batch
// record plus every per-URL outcome in submission order.
type BatchStatus struct {
	Batch    domain.Batch
	Outcomes []domain.URLOutcome
}

// BatchService owns batch lifecycle operations other than slice
// processing: enqueue, status, listing, and cancellation.
type BatchService struct {
	batches   repository.BatchRepository
	evaluator *CompletionEvaluator
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

func NewBatchService(
	batches repository.BatchRepository,
	evaluator *CompletionEvaluator,
	logger *zap.Logger,
) (*BatchService, error) {
	if batches == nil {
		return nil, fmt.Errorf("batch repository is required")
	}
	if evaluator == nil {
		return nil, fmt.Errorf("completion evaluator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &BatchService{
		batches:   batches,
		evaluator: evaluator,
		logger:    logger,
		now:       time.Now,
	}, nil
}

func (s *BatchService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Enqueue validates and normalizes the submission and creates the batch
// in PENDING state with one pending row per distinct URL.
func (s *BatchService) Enqueue(ctx context.Context, params EnqueueParams) (*domain.Batch, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	owner := strings.TrimSpace(params.Owner)
	if owner == "" {
		return nil, fmt.Errorf("%w: owner is required", domain.ErrValidation)
	}

	urls, err := domain.NormalizeURLs(params.URLs)
	if err != nil {
		return nil, err
	}
	if len(urls) > maxBatchURLs {
		return nil, fmt.Errorf("%w: batch size exceeds %d", domain.ErrValidation, maxBatchURLs)
	}

	batch := &domain.Batch{
		ID:        uuid.NewString(),
		Owner:     owner,
		Status:    domain.BatchStatusPending,
		TotalURLs: len(urls),
		Source:    normalizeOptionalString(params.Source),
		CreatedBy: normalizeOptionalString(params.CreatedBy),
	}
	if err := batch.Validate(); err != nil {
		return nil, err
	}

	if err := s.batches.Create(ctx, batch, urls); err != nil {
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}

	if s.metrics != nil {
		s.metrics.IncBatchEnqueued()
		s.metrics.AddURLsEnqueued(len(urls))
	}
	s.logger.Info("batch enqueued",
		zap.String("batchId", batch.ID),
		zap.String("owner", owner),
		zap.Int("totalUrls", len(urls)),
	)

	return batch, nil
}

// Get returns the reconciled batch state. While the batch is still
// active the completion evaluator runs first, so callers never observe
// a stale PROCESSING status once all work is actually recorded.
func (s *BatchService) Get(ctx context.Context, id string) (*BatchStatus, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: batch id is required", domain.ErrValidation)
	}

	batch, _, err := s.evaluator.Evaluate(ctx, id)
	if err != nil {
		return nil, err
	}

	outcomes, err := s.batches.Outcomes(ctx, id)
	if err != nil {
		return nil, err
	}

	return &BatchStatus{
		Batch:    *batch,
		Outcomes: outcomes,
	}, nil
}

func (s *BatchService) List(ctx context.Context, owner string, limit int) ([]domain.Batch, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, fmt.Errorf("%w: owner is required", domain.ErrValidation)
	}
	return s.batches.List(ctx, owner, limit)
}

// Cancel transitions an active batch to CANCELLED and abandons in-flight
// claims. Cancelling an already-terminal batch is a no-op that returns
// the current state.
func (s *BatchService) Cancel(ctx context.Context, id string) (*domain.Batch, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: batch id is required", domain.ErrValidation)
	}

	batch, err := s.batches.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if batch.Status.IsTerminal() {
		return batch, nil
	}

	cancelledAt := s.now().UTC()
	won, err := s.batches.Cancel(ctx, id, cancelledAt)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel batch: %w", err)
	}
	if !won {
		// Lost the race against completion or another cancel.
		return s.batches.GetByID(ctx, id)
	}

	// Mid-slice invocations drain on their own: their next claim attempt
	// fails the status precondition. Released rows stay unclaimable.
	if err := s.batches.ReleaseInFlight(ctx, id); err != nil {
		s.logger.Error("failed to release in-flight claims after cancel",
			zap.String("batchId", id),
			zap.Error(err),
		)
	}

	s.logger.Info("batch cancelled", zap.String("batchId", id))

	batch.Status = domain.BatchStatusCancelled
	batch.CompletedAt = &cancelledAt
	batch.CurrentURL = nil
	return batch, nil
}

func normalizeOptionalString(v string) *string {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
