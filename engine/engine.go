package engine

import (
	"context"
	"time"

	"github.com/foragehq/forage/models"
)

// Engine is the interface both retrieval paths implement: the plain
// HTTP fetcher ("http") and the headless browser renderer ("render").
type Engine interface {
	// Name returns the engine identifier (e.g. "http", "render").
	Name() string

	// Fetch performs exactly one retrieval attempt. Retries, pacing and
	// backoff all live above the engine, in the orchestrator.
	Fetch(ctx context.Context, req *FetchRequest) (*FetchResult, error)
}

// FetchRequest contains everything an engine needs for one attempt.
type FetchRequest struct {
	URL      string
	Identity models.Identity
	WaitFor  *models.WaitPolicy
	Actions  []models.Action
	Timeout  time.Duration
}

// FetchResult is the output of a successful engine fetch.
type FetchResult struct {
	HTML       string
	Title      string
	StatusCode int
	FinalURL   string
	EngineName string
}
