package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/luminatech/scanqueue/internal/domain"
	"github.com/luminatech/scanqueue/internal/service"
)

const defaultListLimit = 20

type BatchService interface {
	Enqueue(ctx context.Context, params service.EnqueueParams) (*domain.Batch, error)
	Get(ctx context.Context, id string) (*service.BatchStatus, error)
	List(ctx context.Context, owner string, limit int) ([]domain.Batch, error)
	Cancel(ctx context.Context, id string) (*domain.Batch, error)
}

type SliceRunner interface {
	ProcessSlice(ctx context.Context, batchID string) (*service.SliceResult, error)
}

type BacklogService interface {
	Enqueue(ctx context.Context, owner, url string) (*domain.BacklogEntry, error)
	ProcessSlice(ctx context.Context, owner string) (*service.BacklogSliceResult, error)
}

type ScanHandler struct {
	batches BatchService
	slices  SliceRunner
	backlog BacklogService
}

func NewScanHandler(batches BatchService, slices SliceRunner, backlog BacklogService) (*ScanHandler, error) {
	if batches == nil {
		return nil, fmt.Errorf("batch service is required")
	}
	if slices == nil {
		return nil, fmt.Errorf("slice runner is required")
	}
	if backlog == nil {
		return nil, fmt.Errorf("backlog service is required")
	}
	return &ScanHandler{batches: batches, slices: slices, backlog: backlog}, nil
}

func RegisterScanRoutes(router fiber.Router, batches BatchService, slices SliceRunner, backlog BacklogService) error {
	h, err := NewScanHandler(batches, slices, backlog)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/batches", h.EnqueueBatch)
	v1.Get("/batches", h.ListBatches)
	v1.Get("/batches/:id", h.GetBatchStatus)
	v1.Post("/batches/:id/process", h.ProcessSlice)
	v1.Delete("/batches/:id", h.CancelBatch)
	v1.Post("/backlog", h.EnqueueBacklog)
	v1.Post("/backlog/process", h.ProcessBacklogSlice)

	return nil
}

type enqueueBatchRequest struct {
	Owner     string   `json:"owner"`
	URLs      []string `json:"urls"`
	Source    string   `json:"source,omitempty"`
	CreatedBy string   `json:"createdBy,omitempty"`
}

type enqueueBatchResponse struct {
	BatchID   string `json:"batchId"`
	TotalURLs int    `json:"totalUrls"`
	Status    string `json:"status"`
}

type progressResponse struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

type succeededItem struct {
	URL         string     `json:"url"`
	Score       int        `json:"score"`
	ResultID    *string    `json:"resultId,omitempty"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
}

type failedItem struct {
	URL           string     `json:"url"`
	Error         string     `json:"error"`
	Attempts      int        `json:"attempts"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
}

type skippedItem struct {
	URL    string `json:"url"`
	Reason string `json:"reason"`
}

type batchResultsResponse struct {
	Succeeded []succeededItem `json:"succeeded"`
	Failed    []failedItem    `json:"failed"`
	Skipped   []skippedItem   `json:"skipped"`
}

type batchStatusResponse struct {
	BatchID      string               `json:"batchId"`
	Owner        string               `json:"owner"`
	Status       string               `json:"status"`
	Progress     progressResponse     `json:"progress"`
	CurrentURL   *string              `json:"currentUrl,omitempty"`
	Results      batchResultsResponse `json:"results"`
	AverageScore *int                 `json:"averageScore,omitempty"`
	StartedAt    *time.Time           `json:"startedAt,omitempty"`
	CompletedAt  *time.Time           `json:"completedAt,omitempty"`
	CreatedAt    time.Time            `json:"createdAt"`
}

type batchListItem struct {
	BatchID      string     `json:"batchId"`
	Status       string     `json:"status"`
	TotalURLs    int        `json:"totalUrls"`
	AverageScore *int       `json:"averageScore,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

type urlScoreItem struct {
	URL   string `json:"url"`
	Score int    `json:"score"`
}

type urlErrorItem struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

type processSliceResponse struct {
	BatchID   string         `json:"batchId"`
	Status    string         `json:"status"`
	Processed int            `json:"processed"`
	Remaining int            `json:"remaining"`
	Completed []urlScoreItem `json:"completed"`
	Failed    []urlErrorItem `json:"failed"`
}

type enqueueBacklogRequest struct {
	Owner string `json:"owner"`
	URL   string `json:"url"`
}

type enqueueBacklogResponse struct {
	EntryID string `json:"entryId"`
	URL     string `json:"url"`
	Status  string `json:"status"`
}

type processBacklogRequest struct {
	Owner string `json:"owner"`
}

type processBacklogResponse struct {
	Processed int            `json:"processed"`
	Remaining int64          `json:"remaining"`
	Completed []string       `json:"completed"`
	Failed    []urlErrorItem `json:"failed"`
}

func (h *ScanHandler) EnqueueBatch(c *fiber.Ctx) error {
	var req enqueueBatchRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	batch, err := h.batches.Enqueue(c.Context(), service.EnqueueParams{
		Owner:     req.Owner,
		URLs:      req.URLs,
		Source:    req.Source,
		CreatedBy: req.CreatedBy,
	})
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(enqueueBatchResponse{
		BatchID:   batch.ID,
		TotalURLs: batch.TotalURLs,
		Status:    batch.Status.String(),
	})
}

func (h *ScanHandler) GetBatchStatus(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	status, err := h.batches.Get(c.Context(), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toBatchStatusResponse(status))
}

func (h *ScanHandler) ListBatches(c *fiber.Ctx) error {
	owner := strings.TrimSpace(c.Query("owner"))
	limit := c.QueryInt("limit", defaultListLimit)

	batches, err := h.batches.List(c.Context(), owner, limit)
	if err != nil {
		return toHTTPError(err)
	}

	items := make([]batchListItem, 0, len(batches))
	for i := range batches {
		b := batches[i]
		items = append(items, batchListItem{
			BatchID:      b.ID,
			Status:       b.Status.String(),
			TotalURLs:    b.TotalURLs,
			AverageScore: b.AverageScore,
			CreatedAt:    b.CreatedAt,
			CompletedAt:  b.CompletedAt,
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"data": items})
}

func (h *ScanHandler) ProcessSlice(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	result, err := h.slices.ProcessSlice(c.Context(), id)
	if err != nil {
		return toHTTPError(err)
	}

	completed := make([]urlScoreItem, 0, len(result.Succeeded))
	for _, s := range result.Succeeded {
		completed = append(completed, urlScoreItem{URL: s.URL, Score: s.Score})
	}
	failed := make([]urlErrorItem, 0, len(result.Failed))
	for _, f := range result.Failed {
		failed = append(failed, urlErrorItem{URL: f.URL, Error: f.Error})
	}

	return c.Status(fiber.StatusOK).JSON(processSliceResponse{
		BatchID:   result.BatchID,
		Status:    result.Status.String(),
		Processed: result.Processed,
		Remaining: result.Remaining,
		Completed: completed,
		Failed:    failed,
	})
}

func (h *ScanHandler) CancelBatch(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	batch, err := h.batches.Cancel(c.Context(), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"batchId": batch.ID,
		"status":  batch.Status.String(),
	})
}

func (h *ScanHandler) EnqueueBacklog(c *fiber.Ctx) error {
	var req enqueueBacklogRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	entry, err := h.backlog.Enqueue(c.Context(), req.Owner, req.URL)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(enqueueBacklogResponse{
		EntryID: entry.ID,
		URL:     entry.URL,
		Status:  entry.Status.String(),
	})
}

func (h *ScanHandler) ProcessBacklogSlice(c *fiber.Ctx) error {
	var req processBacklogRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	result, err := h.backlog.ProcessSlice(c.Context(), req.Owner)
	if err != nil {
		return toHTTPError(err)
	}

	failed := make([]urlErrorItem, 0, len(result.Failed))
	for _, f := range result.Failed {
		failed = append(failed, urlErrorItem{URL: f.URL, Error: f.Error})
	}

	return c.Status(fiber.StatusOK).JSON(processBacklogResponse{
		Processed: result.Processed,
		Remaining: result.Remaining,
		Completed: result.Completed,
		Failed:    failed,
	})
}

func toBatchStatusResponse(status *service.BatchStatus) batchStatusResponse {
	b := status.Batch

	results := batchResultsResponse{
		Succeeded: []succeededItem{},
		Failed:    []failedItem{},
		Skipped:   []skippedItem{},
	}
	for i := range status.Outcomes {
		o := status.Outcomes[i]
		switch o.State {
		case domain.URLStateSucceeded:
			score := 0
			if o.Score != nil {
				score = *o.Score
			}
			results.Succeeded = append(results.Succeeded, succeededItem{
				URL:         o.URL,
				Score:       score,
				ResultID:    o.ResultID,
				ProcessedAt: o.ProcessedAt,
			})
		case domain.URLStateFailed:
			message := ""
			if o.Error != nil {
				message = *o.Error
			}
			results.Failed = append(results.Failed, failedItem{
				URL:           o.URL,
				Error:         message,
				Attempts:      o.Attempts,
				LastAttemptAt: o.ProcessedAt,
			})
		case domain.URLStateSkipped:
			reason := ""
			if o.SkipReason != nil {
				reason = *o.SkipReason
			}
			results.Skipped = append(results.Skipped, skippedItem{
				URL:    o.URL,
				Reason: reason,
			})
		}
	}

	return batchStatusResponse{
		BatchID: b.ID,
		Owner:   b.Owner,
		Status:  b.Status.String(),
		Progress: progressResponse{
			Completed: b.ProcessedCount,
			Total:     b.TotalURLs,
		},
		CurrentURL:   b.CurrentURL,
		Results:      results,
		AverageScore: b.AverageScore,
		StartedAt:    b.StartedAt,
		CompletedAt:  b.CompletedAt,
		CreatedAt:    b.CreatedAt,
	}
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}
