// Package run defines the search-run record and its status transitions.
package run

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a search run.
type Status string

// Search run statuses. Pending and running are active; success and failed
// are terminal.
const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Active reports whether a run in this status still counts as in flight.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusRunning
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

// Source records what initiated a run.
type Source string

// Run provenance values.
const (
	SourceManual Source = "manual"
	SourceCron   Source = "cron"
)

// ClientContext is free-form trigger metadata (user agent, reason, etc).
// The lifecycle machinery never inspects it.
type ClientContext map[string]any

// Parameters is the scrape request attached to a run.
type Parameters struct {
	JobTitle      string `json:"job_title"`
	Location      string `json:"location"`
	Site          string `json:"site"`
	HoursOld      int    `json:"hours_old"`
	ResultsWanted int    `json:"results_wanted"`
	CountryIndeed string `json:"country_indeed"`
}

// Defaults used when a field is unset; they mirror the scraping worker's own
// defaults so a sparse request behaves the same on either side.
const (
	DefaultSite          = "all"
	DefaultHoursOld      = 72
	DefaultResultsWanted = 20
	DefaultCountryIndeed = "USA"
)

// WithDefaults fills unset fields with the worker-compatible defaults.
func (p Parameters) WithDefaults() Parameters {
	if p.Site == "" {
		p.Site = DefaultSite
	}
	if p.HoursOld <= 0 {
		p.HoursOld = DefaultHoursOld
	}
	if p.ResultsWanted <= 0 {
		p.ResultsWanted = DefaultResultsWanted
	}
	if p.CountryIndeed == "" {
		p.CountryIndeed = DefaultCountryIndeed
	}
	return p
}

// Run is one durable search attempt.
type Run struct {
	ID            uuid.UUID     `json:"id"`
	UserID        string        `json:"user_id"`
	Source        Source        `json:"source"`
	ClientContext ClientContext `json:"client_context,omitempty"`
	Params        Parameters    `json:"parameters"`
	Status        Status        `json:"status"`
	ErrorMessage  *string       `json:"error_message,omitempty"`
	JobsFound     *int          `json:"jobs_found,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
}

// NewPending builds a pending run ready for insertion.
func NewPending(userID string, params Parameters, source Source, cc ClientContext, now time.Time) Run {
	return Run{
		ID:            uuid.New(),
		UserID:        userID,
		Source:        source,
		ClientContext: cc,
		Params:        params.WithDefaults(),
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// StatusUpdate carries a requested transition plus optional payload fields.
type StatusUpdate struct {
	Status       Status
	ErrorMessage *string
	JobsFound    *int
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// ErrInvalidTransition reports a status update whose payload does not satisfy
// the target state (e.g. failed without an error message).
var ErrInvalidTransition = errors.New("invalid status transition")

// ApplyStatus mutates r according to upd and the auto-timestamp rules:
// started_at is set on the first move to running, completed_at on entering a
// terminal state. It returns whether the status actually changed, so callers
// can suppress duplicate downstream notifications. Writes are last-write-wins
// on the payload fields; re-applying the current status is a no-op.
func ApplyStatus(r *Run, upd StatusUpdate, now time.Time) (bool, error) {
	if !upd.Status.Valid() {
		return false, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, upd.Status)
	}
	switch upd.Status {
	case StatusSuccess:
		if upd.JobsFound == nil {
			return false, fmt.Errorf("%w: success requires jobs_found", ErrInvalidTransition)
		}
	case StatusFailed:
		if upd.ErrorMessage == nil {
			return false, fmt.Errorf("%w: failed requires error_message", ErrInvalidTransition)
		}
	}

	if r.Status == upd.Status {
		return false, nil
	}

	r.Status = upd.Status
	r.UpdatedAt = now

	switch upd.Status {
	case StatusRunning:
		if r.StartedAt == nil {
			at := now
			if upd.StartedAt != nil {
				at = *upd.StartedAt
			}
			r.StartedAt = &at
		}
	case StatusSuccess:
		r.JobsFound = upd.JobsFound
		r.ErrorMessage = nil
		setCompleted(r, upd, now)
	case StatusFailed:
		r.ErrorMessage = upd.ErrorMessage
		r.JobsFound = nil
		setCompleted(r, upd, now)
	}
	return true, nil
}

func setCompleted(r *Run, upd StatusUpdate, now time.Time) {
	at := now
	if upd.CompletedAt != nil {
		at = *upd.CompletedAt
	}
	r.CompletedAt = &at
}
