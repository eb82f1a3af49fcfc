package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/luminatech/scanqueue/internal/analyzer"
	"github.com/luminatech/scanqueue/internal/domain"
	"github.com/luminatech/scanqueue/internal/observability"
	"github.com/luminatech/scanqueue/internal/ratelimit"
	"github.com/luminatech/scanqueue/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultBacklogSliceSize = 10
	defaultMaxRetries       = 3
)

// BacklogSliceResult summarizes one backlog processing pass.
type BacklogSliceResult struct {
	Processed int
	Remaining int64
	Completed []string
	Failed    []URLError
}

// BacklogService manages the cross-batch backlog of individually
// retryable URLs. Entries are processed in fixed-size slices oldest
// first; a failed entry returns to the pool until the retry ceiling,
// after which it is terminally failed and never selected again.
type BacklogService struct {
	backlog    repository.BacklogRepository
	analyzer   analyzer.Analyzer
	limiter    ratelimit.RateLimiter
	logger     *zap.Logger
	metrics    *observability.Metrics
	sliceSize  int
	maxRetries int
	unitDelay  time.Duration
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

func NewBacklogService(
	backlog repository.BacklogRepository,
	urlAnalyzer analyzer.Analyzer,
	limiter ratelimit.RateLimiter,
	sliceSize int,
	maxRetries int,
	unitDelay time.Duration,
	logger *zap.Logger,
) (*BacklogService, error) {
	if backlog == nil {
		return nil, fmt.Errorf("backlog repository is required")
	}
	if urlAnalyzer == nil {
		return nil, fmt.Errorf("analyzer is required")
	}
	if sliceSize < 1 {
		sliceSize = defaultBacklogSliceSize
	}
	if maxRetries < 1 {
		maxRetries = defaultMaxRetries
	}
	if unitDelay <= 0 {
		unitDelay = defaultUnitDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &BacklogService{
		backlog:    backlog,
		analyzer:   urlAnalyzer,
		limiter:    limiter,
		logger:     logger,
		sliceSize:  sliceSize,
		maxRetries: maxRetries,
		unitDelay:  unitDelay,
		now:        time.Now,
		sleep:      sleepWithContext,
	}, nil
}

func (s *BacklogService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Enqueue creates a new pending entry. Duplicate submissions create
// duplicate entries on purpose; the backlog has at-least-submitted
// semantics.
func (s *BacklogService) Enqueue(ctx context.Context, owner, rawURL string) (*domain.BacklogEntry, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, fmt.Errorf("%w: owner is required", domain.ErrValidation)
	}

	url, err := domain.NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}

	entry := &domain.BacklogEntry{
		ID:          uuid.NewString(),
		Owner:       owner,
		URL:         url,
		Status:      domain.BacklogStatusPending,
		SubmittedAt: s.now().UTC(),
	}
	if err := entry.Validate(); err != nil {
		return nil, err
	}

	if err := s.backlog.Create(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to create backlog entry: %w", err)
	}

	s.logger.Info("backlog entry enqueued",
		zap.String("entryId", entry.ID),
		zap.String("owner", owner),
		zap.String("url", url),
	)

	return entry, nil
}

// ProcessSlice selects up to sliceSize eligible entries oldest-first,
// claims each with an atomic conditional update, and runs one analysis
// attempt per entry. Failures increment the retry counter; the store
// routes exhausted entries to terminal FAILED in the same statement.
func (s *BacklogService) ProcessSlice(ctx context.Context, owner string) (*BacklogSliceResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, fmt.Errorf("%w: owner is required", domain.ErrValidation)
	}

	entries, err := s.backlog.NextEligible(ctx, owner, s.maxRetries, s.sliceSize)
	if err != nil {
		return nil, fmt.Errorf("failed to load eligible backlog entries: %w", err)
	}

	result := &BacklogSliceResult{
		Completed: []string{},
		Failed:    []URLError{},
	}

	for i := range entries {
		entry := entries[i]

		if i > 0 {
			if err := s.sleep(ctx, s.unitDelay); err != nil {
				break
			}
		}

		claimed, err := s.backlog.MarkProcessing(ctx, entry.ID, s.maxRetries)
		if err != nil {
			return nil, fmt.Errorf("failed to claim backlog entry %q: %w", entry.ID, err)
		}
		if !claimed {
			// Another slice got there first.
			continue
		}

		s.processEntry(ctx, entry, result)
		result.Processed++
	}

	remaining, err := s.backlog.CountEligible(ctx, owner, s.maxRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to count remaining backlog entries: %w", err)
	}
	result.Remaining = remaining

	return result, nil
}

func (s *BacklogService) processEntry(ctx context.Context, entry domain.BacklogEntry, result *BacklogSliceResult) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, entry.Owner); err != nil {
			s.recordEntryFailure(ctx, entry, fmt.Sprintf("rate limiter wait failed: %v", err), result)
			return
		}
	}

	analyzeStart := s.now()
	_, err := s.analyzer.Analyze(ctx, analyzer.Request{
		URL:   entry.URL,
		Owner: entry.Owner,
	})
	if s.metrics != nil {
		s.metrics.ObserveAnalyzeDuration(s.now().Sub(analyzeStart))
	}

	if err != nil {
		s.recordEntryFailure(ctx, entry, err.Error(), result)
		return
	}

	if err := s.backlog.MarkCompleted(ctx, entry.ID, s.now().UTC()); err != nil {
		s.logger.Error("failed to mark backlog entry completed",
			zap.String("entryId", entry.ID),
			zap.Error(err),
		)
		return
	}

	if s.metrics != nil {
		s.metrics.IncURLProcessed("succeeded")
	}
	result.Completed = append(result.Completed, entry.URL)
}

func (s *BacklogService) recordEntryFailure(ctx context.Context, entry domain.BacklogEntry, message string, result *BacklogSliceResult) {
	if err := s.backlog.MarkFailedAttempt(ctx, entry.ID, message, s.maxRetries, s.now().UTC()); err != nil {
		s.logger.Error("failed to record backlog attempt failure",
			zap.String("entryId", entry.ID),
			zap.Error(err),
		)
		return
	}

	if s.metrics != nil {
		s.metrics.IncURLProcessed("failed")
		if entry.RetryCount+1 < s.maxRetries {
			s.metrics.IncBacklogRetryScheduled()
		}
	}
	s.logger.Warn("backlog entry attempt failed",
		zap.String("entryId", entry.ID),
		zap.String("url", entry.URL),
		zap.Int("attempt", entry.RetryCount+1),
		zap.String("error", message),
	)

	result.Failed = append(result.Failed, URLError{URL: entry.URL, Error: message})
}
