package analyzer

import "context"

// Analyzer is the outbound port for the analyze-one-URL operation. The
// queue core treats it as opaque: fetch, parse, and scoring live behind
// this interface.
type Analyzer interface {
	Analyze(ctx context.Context, req Request) (*Result, error)
}

// Request identifies the URL to analyze and who asked for it.
type Request struct {
	URL       string
	Owner     string
	Requester string
}

// Result carries the score and a reference to the persisted result
// document produced by the analysis service.
type Result struct {
	Score    int
	ResultID string
}
