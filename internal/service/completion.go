package service

import (
	"context"
	"fmt"
	"time"

	"github.com/luminatech/scanqueue/internal/domain"
	"github.com/luminatech/scanqueue/internal/observability"
	"github.com/luminatech/scanqueue/internal/repository"
	"go.uber.org/zap"
)

// CompletionEvaluator recomputes aggregate batch state and performs the
// terminal transition once every URL is accounted for. Evaluation is
// idempotent: the COMPLETED transition is guarded by a status
// precondition in the store, and the processed count is always derived
// from the deduplicated outcome rows, never from a stored counter.
type CompletionEvaluator struct {
	batches repository.BatchRepository
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

func NewCompletionEvaluator(batches repository.BatchRepository, logger *zap.Logger) (*CompletionEvaluator, error) {
	if batches == nil {
		return nil, fmt.Errorf("batch repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &CompletionEvaluator{
		batches: batches,
		logger:  logger,
		now:     time.Now,
	}, nil
}

func (e *CompletionEvaluator) SetMetrics(metrics *observability.Metrics) {
	if e == nil {
		return
	}
	e.metrics = metrics
}

// Evaluate reloads the batch, derives the processed count, and completes
// the batch when the count covers every URL. Safe to call repeatedly and
// concurrently; at most one caller wins the terminal transition.
func (e *CompletionEvaluator) Evaluate(ctx context.Context, batchID string) (*domain.Batch, repository.BatchCounts, error) {
	batch, err := e.batches.GetByID(ctx, batchID)
	if err != nil {
		return nil, repository.BatchCounts{}, err
	}

	counts, err := e.batches.Counts(ctx, batchID)
	if err != nil {
		return nil, repository.BatchCounts{}, err
	}
	batch.ProcessedCount = counts.Resolved()

	if batch.Status.IsTerminal() || counts.Resolved() < batch.TotalURLs {
		return batch, counts, nil
	}

	var averageScore *int
	if counts.Succeeded > 0 {
		averageScore, err = e.batches.AverageScore(ctx, batchID)
		if err != nil {
			return nil, repository.BatchCounts{}, fmt.Errorf("failed to compute average score: %w", err)
		}
	}

	completedAt := e.now().UTC()
	won, err := e.batches.Complete(ctx, batchID, completedAt, averageScore)
	if err != nil {
		return nil, repository.BatchCounts{}, fmt.Errorf("failed to complete batch: %w", err)
	}

	if !won {
		// Another invocation finished or cancelled it first; report what
		// the store says now.
		batch, err = e.batches.GetByID(ctx, batchID)
		if err != nil {
			return nil, repository.BatchCounts{}, err
		}
		batch.ProcessedCount = counts.Resolved()
		return batch, counts, nil
	}

	batch.Status = domain.BatchStatusCompleted
	batch.CompletedAt = &completedAt
	batch.AverageScore = averageScore
	batch.CurrentURL = nil

	if e.metrics != nil {
		e.metrics.IncBatchCompleted()
	}
	e.logger.Info("batch completed",
		zap.String("batchId", batchID),
		zap.Int("totalUrls", batch.TotalURLs),
		zap.Int("succeeded", counts.Succeeded),
		zap.Int("failed", counts.Failed),
		zap.Int("skipped", counts.Skipped),
	)

	return batch, counts, nil
}
