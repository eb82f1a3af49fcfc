package service

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/luminatech/scanqueue/internal/analyzer"
	"github.com/luminatech/scanqueue/internal/domain"
	"github.com/luminatech/scanqueue/internal/observability"
	"github.com/luminatech/scanqueue/internal/ratelimit"
	"github.com/luminatech/scanqueue/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultURLsPerSlice = 5
	defaultUnitDelay    = 150 * time.Millisecond
)

// URLScore is one successful outcome of a slice.
type URLScore struct {
	URL   string
	Score int
}

// URLError is one failed outcome of a slice.
type URLError struct {
	URL   string
	Error string
}

// SliceResult summarizes one bounded processing pass.
type SliceResult struct {
	BatchID   string
	Status    domain.BatchStatus
	Processed int
	Remaining int
	Succeeded []URLScore
	Failed    []URLError
}

// SliceRunner drives one bounded pass over a batch per invocation. It is
// stateless across calls: an external poller invokes ProcessSlice on a
// fixed interval, and overlapping invocations coordinate only through
// the store's atomic claims.
type SliceRunner struct {
	batches      repository.BatchRepository
	analyzer     analyzer.Analyzer
	limiter      ratelimit.RateLimiter
	evaluator    *CompletionEvaluator
	logger       *zap.Logger
	metrics      *observability.Metrics
	urlsPerSlice int
	unitDelay    time.Duration
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error
}

func NewSliceRunner(
	batches repository.BatchRepository,
	urlAnalyzer analyzer.Analyzer,
	limiter ratelimit.RateLimiter,
	evaluator *CompletionEvaluator,
	urlsPerSlice int,
	unitDelay time.Duration,
	logger *zap.Logger,
) (*SliceRunner, error) {
	if batches == nil {
		return nil, fmt.Errorf("batch repository is required")
	}
	if urlAnalyzer == nil {
		return nil, fmt.Errorf("analyzer is required")
	}
	if evaluator == nil {
		return nil, fmt.Errorf("completion evaluator is required")
	}
	if urlsPerSlice < 1 {
		urlsPerSlice = defaultURLsPerSlice
	}
	if unitDelay <= 0 {
		unitDelay = defaultUnitDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &SliceRunner{
		batches:      batches,
		analyzer:     urlAnalyzer,
		limiter:      limiter,
		evaluator:    evaluator,
		logger:       logger,
		urlsPerSlice: urlsPerSlice,
		unitDelay:    unitDelay,
		now:          time.Now,
		sleep:        sleepWithContext,
	}, nil
}

func (s *SliceRunner) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
	if s.evaluator != nil {
		s.evaluator.SetMetrics(metrics)
	}
}

// ProcessSlice claims up to urlsPerSlice unresolved URLs in submission
// order, analyzes them sequentially, records outcomes, and evaluates
// completion. Per-URL analysis errors become failed outcomes and never
// abort the slice; lost claim races are silent skips.
func (s *SliceRunner) ProcessSlice(ctx context.Context, batchID string) (*SliceResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	batchID = strings.TrimSpace(batchID)
	if batchID == "" {
		return nil, fmt.Errorf("%w: batch id is required", domain.ErrValidation)
	}

	batch, err := s.batches.GetByID(ctx, batchID)
	if err != nil {
		return nil, err
	}

	if batch.Status.IsTerminal() {
		counts, err := s.batches.Counts(ctx, batchID)
		if err != nil {
			return nil, err
		}
		return &SliceResult{
			BatchID:   batchID,
			Status:    batch.Status,
			Remaining: batch.TotalURLs - counts.Resolved(),
			Succeeded: []URLScore{},
			Failed:    []URLError{},
		}, nil
	}

	if batch.Status == domain.BatchStatusPending {
		if err := s.batches.MarkProcessing(ctx, batchID, s.now().UTC()); err != nil {
			return nil, fmt.Errorf("failed to mark batch processing: %w", err)
		}
	}

	candidates, err := s.batches.PendingURLs(ctx, batchID, s.urlsPerSlice)
	if err != nil {
		return nil, fmt.Errorf("failed to load slice candidates: %w", err)
	}

	if s.metrics != nil {
		s.metrics.IncSliceInFlight()
		defer s.metrics.DecSliceInFlight()
	}

	result := &SliceResult{
		BatchID:   batchID,
		Succeeded: []URLScore{},
		Failed:    []URLError{},
	}

	for i, url := range candidates {
		if i > 0 {
			// Bound outbound request rate against third-party servers.
			if err := s.sleep(ctx, s.unitDelay); err != nil {
				break
			}
		}

		granted, err := s.batches.Claim(ctx, batchID, url, s.now().UTC())
		if err != nil {
			return nil, fmt.Errorf("claim failed for %q: %w", url, err)
		}
		if !granted {
			// Another invocation owns it, or the batch went terminal.
			continue
		}

		s.processClaimed(ctx, batch, url, result)
		result.Processed++
	}

	evaluated, counts, err := s.evaluator.Evaluate(ctx, batchID)
	if err != nil {
		return nil, err
	}

	result.Status = evaluated.Status
	result.Remaining = evaluated.TotalURLs - counts.Resolved()
	return result, nil
}

// processClaimed runs the external analyze operation for one claimed URL
// and records the outcome. Exactly one attempt per invocation; failures
// are terminal for the batch.
func (s *SliceRunner) processClaimed(ctx context.Context, batch *domain.Batch, url string, result *SliceResult) {
	// Advisory progress marker for the UI.
	if err := s.batches.SetCurrentURL(ctx, batch.ID, &url); err != nil {
		s.logger.Warn("failed to set current url",
			zap.String("batchId", batch.ID),
			zap.Error(err),
		)
	}

	// Rows can predate the current normalization rules or be edited
	// administratively, so the claimed value is re-checked before any
	// network I/O is spent on it.
	if reason, unfetchable := skipReason(url); unfetchable {
		s.recordSkip(ctx, batch.ID, url, reason)
		return
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, batch.Owner); err != nil {
			s.recordFailure(ctx, batch.ID, url, fmt.Sprintf("rate limiter wait failed: %v", err), result)
			return
		}
	}

	analyzeStart := s.now()
	analysis, err := s.analyzer.Analyze(ctx, analyzer.Request{
		URL:       url,
		Owner:     batch.Owner,
		Requester: stringValue(batch.CreatedBy),
	})
	if s.metrics != nil {
		s.metrics.ObserveAnalyzeDuration(s.now().Sub(analyzeStart))
	}

	if err != nil {
		s.recordFailure(ctx, batch.ID, url, err.Error(), result)
		return
	}

	recorded, err := s.batches.ResolveSuccess(ctx, batch.ID, url, analysis.Score, analysis.ResultID, s.now().UTC())
	if err != nil {
		s.logger.Error("failed to record success",
			zap.String("batchId", batch.ID),
			zap.String("url", url),
			zap.Error(err),
		)
		return
	}
	if !recorded {
		// Duplicate delivery; the first outcome stands.
		return
	}

	if s.metrics != nil {
		s.metrics.IncURLProcessed("succeeded")
	}
	result.Succeeded = append(result.Succeeded, URLScore{URL: url, Score: analysis.Score})
}

func (s *SliceRunner) recordFailure(ctx context.Context, batchID, url, message string, result *SliceResult) {
	recorded, err := s.batches.ResolveFailure(ctx, batchID, url, message, s.now().UTC())
	if err != nil {
		s.logger.Error("failed to record failure",
			zap.String("batchId", batchID),
			zap.String("url", url),
			zap.Error(err),
		)
		return
	}
	if !recorded {
		return
	}

	if s.metrics != nil {
		s.metrics.IncURLProcessed("failed")
	}
	s.logger.Warn("url analysis failed",
		zap.String("batchId", batchID),
		zap.String("url", url),
		zap.String("error", message),
	)
	result.Failed = append(result.Failed, URLError{URL: url, Error: message})
}

func (s *SliceRunner) recordSkip(ctx context.Context, batchID, url, reason string) {
	recorded, err := s.batches.ResolveSkip(ctx, batchID, url, reason, s.now().UTC())
	if err != nil {
		s.logger.Error("failed to record skip",
			zap.String("batchId", batchID),
			zap.String("url", url),
			zap.Error(err),
		)
		return
	}
	if !recorded {
		return
	}

	if s.metrics != nil {
		s.metrics.IncURLProcessed("skipped")
	}
	s.logger.Info("url skipped",
		zap.String("batchId", batchID),
		zap.String("url", url),
		zap.String("reason", reason),
	)
}

// skipReason reports why a stored URL cannot be analyzed, if it cannot.
func skipReason(rawURL string) (string, bool) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "unparseable url", true
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Sprintf("unsupported scheme %q", parsed.Scheme), true
	}
	if parsed.Host == "" {
		return "missing host", true
	}
	return "", false
}

func stringValue(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
