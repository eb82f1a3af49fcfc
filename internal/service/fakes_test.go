package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/luminatech/scanqueue/internal/analyzer"
	"github.com/luminatech/scanqueue/internal/domain"
	"github.com/luminatech/scanqueue/internal/repository"
)

// fakeBatchRepo mirrors the store's conditional-update semantics in
// memory: every claim and terminal transition checks its precondition
// and mutates under one lock acquisition, so concurrent test callers
// race exactly the way concurrent API invocations do.
type fakeBatchRepo struct {
	mu      sync.Mutex
	batches map[string]*domain.Batch
	urls    map[string][]*fakeURLRow
}

type fakeURLRow struct {
	position    int
	url         string
	state       domain.URLState
	score       *int
	resultID    *string
	errMsg      *string
	skipReason  *string
	attempts    int
	claimedAt   *time.Time
	processedAt *time.Time
}

func newFakeBatchRepo() *fakeBatchRepo {
	return &fakeBatchRepo{
		batches: make(map[string]*domain.Batch),
		urls:    make(map[string][]*fakeURLRow),
	}
}

func (r *fakeBatchRepo) seed(b domain.Batch, urls []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := b
	r.batches[b.ID] = &copied

	rows := make([]*fakeURLRow, 0, len(urls))
	for i, u := range urls {
		rows = append(rows, &fakeURLRow{position: i, url: u, state: domain.URLStatePending})
	}
	r.urls[b.ID] = rows
}

func (r *fakeBatchRepo) Create(ctx context.Context, b *domain.Batch, urls []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.batches[b.ID]; exists {
		return fmt.Errorf("duplicate batch id %q", b.ID)
	}

	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now

	copied := *b
	r.batches[b.ID] = &copied

	rows := make([]*fakeURLRow, 0, len(urls))
	for i, u := range urls {
		rows = append(rows, &fakeURLRow{position: i, url: u, state: domain.URLStatePending})
	}
	r.urls[b.ID] = rows
	return nil
}

func (r *fakeBatchRepo) GetByID(ctx context.Context, id string) (*domain.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.batches[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *b
	return &copied, nil
}

func (r *fakeBatchRepo) List(ctx context.Context, owner string, limit int) ([]domain.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit < 1 {
		limit = 20
	}

	var out []domain.Batch
	for _, b := range r.batches {
		if b.Owner == owner {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeBatchRepo) Outcomes(ctx context.Context, batchID string) ([]domain.URLOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, ok := r.urls[batchID]
	if !ok {
		return nil, nil
	}

	out := make([]domain.URLOutcome, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.URLOutcome{
			BatchID:     batchID,
			Position:    row.position,
			URL:         row.url,
			State:       row.state,
			Score:       row.score,
			ResultID:    row.resultID,
			Error:       row.errMsg,
			SkipReason:  row.skipReason,
			Attempts:    row.attempts,
			ClaimedAt:   row.claimedAt,
			ProcessedAt: row.processedAt,
		})
	}
	return out, nil
}

func (r *fakeBatchRepo) PendingURLs(ctx context.Context, batchID string, limit int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for _, row := range r.urls[batchID] {
		if row.state == domain.URLStatePending {
			out = append(out, row.url)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (r *fakeBatchRepo) MarkProcessing(ctx context.Context, id string, startedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.batches[id]
	if !ok || b.Status != domain.BatchStatusPending {
		return nil
	}
	b.Status = domain.BatchStatusProcessing
	b.StartedAt = &startedAt
	return nil
}

func (r *fakeBatchRepo) Claim(ctx context.Context, batchID, url string, claimedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.batches[batchID]
	if !ok || b.Status.IsTerminal() {
		return false, nil
	}
	for _, row := range r.urls[batchID] {
		if row.url == url && row.state == domain.URLStatePending {
			row.state = domain.URLStateInFlight
			row.claimedAt = &claimedAt
			row.attempts++
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeBatchRepo) ResolveSuccess(ctx context.Context, batchID, url string, score int, resultID string, processedAt time.Time) (bool, error) {
	return r.resolve(batchID, url, func(row *fakeURLRow) {
		row.state = domain.URLStateSucceeded
		row.score = &score
		row.resultID = &resultID
		row.processedAt = &processedAt
	})
}

func (r *fakeBatchRepo) ResolveFailure(ctx context.Context, batchID, url, message string, processedAt time.Time) (bool, error) {
	return r.resolve(batchID, url, func(row *fakeURLRow) {
		row.state = domain.URLStateFailed
		row.errMsg = &message
		row.processedAt = &processedAt
	})
}

func (r *fakeBatchRepo) ResolveSkip(ctx context.Context, batchID, url, reason string, processedAt time.Time) (bool, error) {
	return r.resolve(batchID, url, func(row *fakeURLRow) {
		row.state = domain.URLStateSkipped
		row.skipReason = &reason
		row.processedAt = &processedAt
	})
}

func (r *fakeBatchRepo) resolve(batchID, url string, apply func(*fakeURLRow)) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.batches[batchID]
	if !ok || b.Status.IsTerminal() {
		return false, nil
	}
	for _, row := range r.urls[batchID] {
		if row.url == url && !row.state.IsResolved() {
			apply(row)
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeBatchRepo) Counts(ctx context.Context, batchID string) (repository.BatchCounts, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var counts repository.BatchCounts
	for _, row := range r.urls[batchID] {
		switch row.state {
		case domain.URLStatePending:
			counts.Pending++
		case domain.URLStateInFlight:
			counts.InFlight++
		case domain.URLStateSucceeded:
			counts.Succeeded++
		case domain.URLStateFailed:
			counts.Failed++
		case domain.URLStateSkipped:
			counts.Skipped++
		}
	}
	return counts, nil
}

func (r *fakeBatchRepo) AverageScore(ctx context.Context, batchID string) (*int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var sum, n int
	for _, row := range r.urls[batchID] {
		if row.state == domain.URLStateSucceeded && row.score != nil {
			sum += *row.score
			n++
		}
	}
	if n == 0 {
		return nil, nil
	}
	rounded := int(math.Round(float64(sum) / float64(n)))
	return &rounded, nil
}

func (r *fakeBatchRepo) Complete(ctx context.Context, id string, completedAt time.Time, averageScore *int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.batches[id]
	if !ok || b.Status.IsTerminal() {
		return false, nil
	}
	b.Status = domain.BatchStatusCompleted
	b.CompletedAt = &completedAt
	b.AverageScore = averageScore
	b.CurrentURL = nil
	return true, nil
}

func (r *fakeBatchRepo) Cancel(ctx context.Context, id string, cancelledAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.batches[id]
	if !ok || b.Status.IsTerminal() {
		return false, nil
	}
	b.Status = domain.BatchStatusCancelled
	b.CompletedAt = &cancelledAt
	b.CurrentURL = nil
	return true, nil
}

func (r *fakeBatchRepo) ReleaseInFlight(ctx context.Context, batchID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, row := range r.urls[batchID] {
		if row.state == domain.URLStateInFlight {
			row.state = domain.URLStatePending
			row.claimedAt = nil
		}
	}
	return nil
}

func (r *fakeBatchRepo) SetCurrentURL(ctx context.Context, id string, url *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.batches[id]; ok {
		b.CurrentURL = url
	}
	return nil
}

func (r *fakeBatchRepo) rowState(batchID, url string) domain.URLState {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, row := range r.urls[batchID] {
		if row.url == url {
			return row.state
		}
	}
	return ""
}

// fakeBacklogRepo keeps the same claim and retry-routing behavior as the
// SQL implementation, in memory.
type fakeBacklogRepo struct {
	mu      sync.Mutex
	entries map[string]*domain.BacklogEntry
	order   []string
}

func newFakeBacklogRepo() *fakeBacklogRepo {
	return &fakeBacklogRepo{entries: make(map[string]*domain.BacklogEntry)}
}

func (r *fakeBacklogRepo) Create(ctx context.Context, e *domain.BacklogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *e
	r.entries[e.ID] = &copied
	r.order = append(r.order, e.ID)
	return nil
}

func (r *fakeBacklogRepo) GetByID(ctx context.Context, id string) (*domain.BacklogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *e
	return &copied, nil
}

func (r *fakeBacklogRepo) eligible(e *domain.BacklogEntry, owner string, maxRetries int) bool {
	if e.Owner != owner {
		return false
	}
	if e.Status != domain.BacklogStatusPending && e.Status != domain.BacklogStatusFailed {
		return false
	}
	return e.RetryCount < maxRetries
}

func (r *fakeBacklogRepo) NextEligible(ctx context.Context, owner string, maxRetries, limit int) ([]domain.BacklogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, len(r.order))
	copy(ids, r.order)
	sort.SliceStable(ids, func(i, j int) bool {
		return r.entries[ids[i]].SubmittedAt.Before(r.entries[ids[j]].SubmittedAt)
	})

	var out []domain.BacklogEntry
	for _, id := range ids {
		e := r.entries[id]
		if r.eligible(e, owner, maxRetries) {
			out = append(out, *e)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (r *fakeBacklogRepo) MarkProcessing(ctx context.Context, id string, maxRetries int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return false, nil
	}
	if e.Status != domain.BacklogStatusPending && e.Status != domain.BacklogStatusFailed {
		return false, nil
	}
	if e.RetryCount >= maxRetries {
		return false, nil
	}
	e.Status = domain.BacklogStatusProcessing
	return true, nil
}

func (r *fakeBacklogRepo) MarkCompleted(ctx context.Context, id string, processedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return domain.ErrNotFound
	}
	e.Status = domain.BacklogStatusCompleted
	e.ProcessedAt = &processedAt
	return nil
}

func (r *fakeBacklogRepo) MarkFailedAttempt(ctx context.Context, id, message string, maxRetries int, processedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return domain.ErrNotFound
	}
	e.RetryCount++
	if e.RetryCount >= maxRetries {
		e.Status = domain.BacklogStatusFailed
	} else {
		e.Status = domain.BacklogStatusPending
	}
	e.Error = &message
	e.ProcessedAt = &processedAt
	return nil
}

func (r *fakeBacklogRepo) CountEligible(ctx context.Context, owner string, maxRetries int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var count int64
	for _, e := range r.entries {
		if r.eligible(e, owner, maxRetries) {
			count++
		}
	}
	return count, nil
}

type fakeAnalyzer struct {
	mu        sync.Mutex
	calls     []string
	analyzeFn func(ctx context.Context, req analyzer.Request) (*analyzer.Result, error)
}

func (a *fakeAnalyzer) Analyze(ctx context.Context, req analyzer.Request) (*analyzer.Result, error) {
	a.mu.Lock()
	a.calls = append(a.calls, req.URL)
	a.mu.Unlock()

	if a.analyzeFn != nil {
		return a.analyzeFn(ctx, req)
	}
	return &analyzer.Result{Score: 50, ResultID: "result-" + req.URL}, nil
}

func (a *fakeAnalyzer) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

type fakeLimiter struct {
	mu     sync.Mutex
	owners []string
	waitFn func(ctx context.Context, owner string) error
}

func (l *fakeLimiter) Allow(ctx context.Context, owner string) (bool, error) {
	return true, nil
}

func (l *fakeLimiter) Wait(ctx context.Context, owner string) error {
	l.mu.Lock()
	l.owners = append(l.owners, owner)
	l.mu.Unlock()

	if l.waitFn != nil {
		return l.waitFn(ctx, owner)
	}
	return nil
}

func noSleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

var errAnalyzerDown = errors.New("analyzer returned 503")
