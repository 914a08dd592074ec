// Package jobs defines the job-store collaborator the batch processor
// mutates. The store itself (triage statuses, caching, UI) is outside this
// service; only the mutation surface is fixed here.
package jobs

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
)

// Client applies bulk-operation effects to the authoritative job store.
type Client interface {
	// UpdateStatus moves one saved job to the target triage status.
	UpdateStatus(ctx context.Context, userID, userJobID, targetStatus string) error
	// Remove deletes one saved job.
	Remove(ctx context.Context, userID, userJobID string) error
	// Resync forces a full refresh of the user's job cache against the
	// authoritative store.
	Resync(ctx context.Context, userID string) error
}

// HTTPClient is the resty-based Client against the job-store API.
type HTTPClient struct {
	client *resty.Client
}

// NewHTTPClient builds a client against the job-store base URL.
func NewHTTPClient(baseURL string) *HTTPClient {
	c := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Content-Type", "application/json")
	return &HTTPClient{client: c}
}

// UpdateStatus PATCHes the saved job's status.
func (c *HTTPClient) UpdateStatus(ctx context.Context, userID, userJobID, targetStatus string) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"status": targetStatus}).
		SetPathParams(map[string]string{"user_id": userID, "user_job_id": userJobID}).
		Patch("/v1/users/{user_id}/jobs/{user_job_id}")
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("update job status: status %d", resp.StatusCode())
	}
	return nil
}

// Remove DELETEs the saved job.
func (c *HTTPClient) Remove(ctx context.Context, userID, userJobID string) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"user_id": userID, "user_job_id": userJobID}).
		Delete("/v1/users/{user_id}/jobs/{user_job_id}")
	if err != nil {
		return fmt.Errorf("remove job: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("remove job: status %d", resp.StatusCode())
	}
	return nil
}

// Resync POSTs a cache-resync request for the user.
func (c *HTTPClient) Resync(ctx context.Context, userID string) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("user_id", userID).
		Post("/v1/users/{user_id}/jobs/resync")
	if err != nil {
		return fmt.Errorf("resync jobs: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("resync jobs: status %d", resp.StatusCode())
	}
	return nil
}
