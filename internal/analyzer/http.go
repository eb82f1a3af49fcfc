package analyzer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultAnalyzeTimeout = 30 * time.Second

type analyzeRequest struct {
	URL       string `json:"url"`
	Owner     string `json:"owner"`
	Requester string `json:"requester,omitempty"`
}

type analyzeResponse struct {
	Success  bool   `json:"success"`
	Score    int    `json:"score"`
	ResultID string `json:"resultId"`
	Error    string `json:"error,omitempty"`
}

// HTTPAnalyzer calls the internal analysis service over HTTP.
type HTTPAnalyzer struct {
	client   *resty.Client
	endpoint string
}

func NewHTTPAnalyzer(endpoint string) (*HTTPAnalyzer, error) {
	client := resty.New()
	client.SetTimeout(defaultAnalyzeTimeout)
	client.SetRetryCount(0)

	return NewHTTPAnalyzerWithClient(endpoint, client)
}

func NewHTTPAnalyzerWithClient(endpoint string, client *resty.Client) (*HTTPAnalyzer, error) {
	trimmedEndpoint := strings.TrimSpace(endpoint)
	if trimmedEndpoint == "" {
		return nil, fmt.Errorf("analyzer endpoint is required")
	}
	if _, err := url.ParseRequestURI(trimmedEndpoint); err != nil {
		return nil, fmt.Errorf("invalid analyzer endpoint: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultAnalyzeTimeout)
	}
	client.SetRetryCount(0)

	return &HTTPAnalyzer{
		client:   client,
		endpoint: trimmedEndpoint,
	}, nil
}

func (a *HTTPAnalyzer) Analyze(ctx context.Context, req Request) (*Result, error) {
	if a == nil || a.client == nil {
		return nil, fmt.Errorf("analyzer is not initialized")
	}
	if strings.TrimSpace(req.URL) == "" {
		return nil, fmt.Errorf("url is required")
	}

	reqBody := analyzeRequest{
		URL:       req.URL,
		Owner:     req.Owner,
		Requester: req.Requester,
	}

	var body analyzeResponse
	response, err := a.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(reqBody).
		SetResult(&body).
		Post(a.endpoint)
	if err != nil {
		return nil, &AnalyzerError{
			Message:   "analyzer request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return nil, &AnalyzerError{
			Message:   "analyzer returned empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	if statusCode < http.StatusOK || statusCode >= http.StatusMultipleChoices {
		return nil, &AnalyzerError{
			StatusCode: statusCode,
			Message:    analyzerErrorMessage(statusCode, strings.TrimSpace(response.String())),
			Transient:  isTransientHTTPStatus(statusCode),
		}
	}

	if !body.Success {
		message := strings.TrimSpace(body.Error)
		if message == "" {
			message = "analysis failed"
		}
		return nil, &AnalyzerError{
			StatusCode: statusCode,
			Message:    message,
			Transient:  false,
		}
	}

	if body.Score < 0 || body.Score > 100 {
		return nil, &AnalyzerError{
			StatusCode: statusCode,
			Message:    fmt.Sprintf("score %d out of range", body.Score),
			Transient:  false,
		}
	}

	return &Result{
		Score:    body.Score,
		ResultID: body.ResultID,
	}, nil
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func analyzerErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("analyzer returned status %d", statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}
