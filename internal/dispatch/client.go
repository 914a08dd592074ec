// Package dispatch wakes the external scraping worker after a run is
// created. Every worker-facing call is either detached or bounded by a short
// timeout; none of them may fail the caller's own response path.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// ScrapeRequest is the worker's expected request shape for POST /scrape.
type ScrapeRequest struct {
	SearchTerm    string   `json:"search_term"`
	Location      string   `json:"location"`
	SiteName      []string `json:"site_name"`
	ResultsWanted int      `json:"results_wanted"`
	HoursOld      int      `json:"hours_old"`
	CountryIndeed string   `json:"country_indeed"`
	RunID         string   `json:"run_id"`
	UserID        string   `json:"user_id"`
}

// WorkerClient talks to the scraping worker.
type WorkerClient interface {
	// Scrape submits a scrape request. The worker may take minutes; callers
	// must not hold their own response on this.
	Scrape(ctx context.Context, req ScrapeRequest) error
	// Health probes the worker to mitigate cold starts.
	Health(ctx context.Context) error
	// PollQueue asks the worker to drain its own backlog of pending runs.
	PollQueue(ctx context.Context, batchSize int) error
}

// HTTPWorkerClient is the resty-based WorkerClient.
type HTTPWorkerClient struct {
	client *resty.Client
}

// NewHTTPWorkerClient builds a client against the worker's base URL.
func NewHTTPWorkerClient(baseURL string) *HTTPWorkerClient {
	c := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Content-Type", "application/json")
	return &HTTPWorkerClient{client: c}
}

// Scrape POSTs the request to /scrape. The response body is not interpreted;
// the worker reports its outcome by writing status transitions into the run
// store.
func (c *HTTPWorkerClient) Scrape(ctx context.Context, req ScrapeRequest) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(req).
		Post("/scrape")
	if err != nil {
		return fmt.Errorf("worker scrape call: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("worker scrape call: status %d", resp.StatusCode())
	}
	return nil
}

// Health GETs /health. The body is ignored.
func (c *HTTPWorkerClient) Health(ctx context.Context) error {
	resp, err := c.client.R().SetContext(ctx).Get("/health")
	if err != nil {
		return fmt.Errorf("worker health call: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("worker health call: status %d", resp.StatusCode())
	}
	return nil
}

// PollQueue POSTs /worker/poll-queue with the batch size.
func (c *HTTPWorkerClient) PollQueue(ctx context.Context, batchSize int) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("batch_size", fmt.Sprintf("%d", batchSize)).
		Post("/worker/poll-queue")
	if err != nil {
		return fmt.Errorf("worker poll-queue call: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("worker poll-queue call: status %d", resp.StatusCode())
	}
	return nil
}

// Timeouts for the bounded best-effort calls. The scrape dispatch itself
// carries no client-side timeout; the worker owns its own lifecycle.
const (
	WarmUpTimeout    = 5 * time.Second
	PokeQueueTimeout = 8 * time.Second
)
