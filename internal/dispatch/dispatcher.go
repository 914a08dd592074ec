package dispatch

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/searchingfox/searchrun/internal/metrics"
	"github.com/searchingfox/searchrun/internal/run"
)

// Boards the worker scrapes when a run asks for "all" sites. The set matches
// the worker's own default.
var allSites = []string{"indeed", "linkedin", "zip_recruiter", "glassdoor"}

// Dispatcher issues worker-facing calls on behalf of run creators. Scrape
// dispatches run detached; warm-up and queue-poke are bounded and their
// failures are logged, never propagated.
type Dispatcher struct {
	client WorkerClient
	logger *zap.Logger
	wg     sync.WaitGroup
}

// New constructs a Dispatcher.
func New(client WorkerClient, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{client: client, logger: logger}
}

// DispatchScrape notifies the worker about a created run and returns
// immediately. A dropped call is routed around by the pending-timeout
// detector and the queue poke, so errors are swallowed here.
func (d *Dispatcher) DispatchScrape(runID uuid.UUID, userID string, params run.Parameters) {
	req := BuildScrapeRequest(runID, userID, params)
	d.spawnDetached(func(ctx context.Context) {
		metrics.ObserveDispatch("scrape")
		if err := d.client.Scrape(ctx, req); err != nil {
			d.logger.Warn("scrape dispatch failed",
				zap.String("run_id", runID.String()),
				zap.Error(err),
			)
			return
		}
		d.logger.Debug("scrape dispatched", zap.String("run_id", runID.String()))
	})
}

// WarmUp pings the worker health endpoint with a short bound to reduce
// cold-start latency. Failures are ignored.
func (d *Dispatcher) WarmUp(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, WarmUpTimeout)
	defer cancel()
	metrics.ObserveDispatch("warmup")
	if err := d.client.Health(ctx); err != nil {
		d.logger.Debug("worker warm-up failed", zap.Error(err))
	}
}

// PokeQueue asks the worker to drain its pending backlog. Used once after
// bulk scheduling because per-run fire-and-forget calls can be dropped when
// the scheduling process tears down right after responding.
func (d *Dispatcher) PokeQueue(ctx context.Context, batchSize int) {
	ctx, cancel := context.WithTimeout(ctx, PokeQueueTimeout)
	defer cancel()
	metrics.ObserveDispatch("poke_queue")
	if err := d.client.PollQueue(ctx, batchSize); err != nil {
		d.logger.Warn("worker queue poke failed", zap.Error(err))
	}
}

// Wait blocks until all detached dispatches have finished. Called on
// shutdown so in-flight wake-ups are not torn down with the process.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// spawnDetached runs fn on its own goroutine with a background context. The
// helper makes the detached nature explicit: the caller never joins the call
// and never sees its error.
func (d *Dispatcher) spawnDetached(fn func(ctx context.Context)) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn(context.Background())
	}()
}

// BuildScrapeRequest maps internal parameter names onto the worker's wire
// contract, expanding "all" into the multi-board list.
func BuildScrapeRequest(runID uuid.UUID, userID string, params run.Parameters) ScrapeRequest {
	params = params.WithDefaults()
	sites := []string{params.Site}
	if params.Site == run.DefaultSite {
		sites = append([]string(nil), allSites...)
	}
	return ScrapeRequest{
		SearchTerm:    params.JobTitle,
		Location:      params.Location,
		SiteName:      sites,
		ResultsWanted: params.ResultsWanted,
		HoursOld:      params.HoursOld,
		CountryIndeed: params.CountryIndeed,
		RunID:         runID.String(),
		UserID:        userID,
	}
}
