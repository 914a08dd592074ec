package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/searchingfox/searchrun/internal/run"
)

type stubWorker struct {
	mu      sync.Mutex
	scrapes []ScrapeRequest
	healths int
	polls   []int
	err     error
	block   chan struct{}
}

func (s *stubWorker) Scrape(ctx context.Context, req ScrapeRequest) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scrapes = append(s.scrapes, req)
	return s.err
}

func (s *stubWorker) Health(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healths++
	return s.err
}

func (s *stubWorker) PollQueue(ctx context.Context, batchSize int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls = append(s.polls, batchSize)
	return s.err
}

// TestBuildScrapeRequestExpandsAll verifies "all" maps to the full board
// list on the wire.
func TestBuildScrapeRequestExpandsAll(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	req := BuildScrapeRequest(id, "u1", run.Parameters{JobTitle: "engineer", Location: "NYC"})
	require.Equal(t, []string{"indeed", "linkedin", "zip_recruiter", "glassdoor"}, req.SiteName)
	require.Equal(t, "engineer", req.SearchTerm)
	require.Equal(t, "NYC", req.Location)
	require.Equal(t, 72, req.HoursOld)
	require.Equal(t, 20, req.ResultsWanted)
	require.Equal(t, "USA", req.CountryIndeed)
	require.Equal(t, id.String(), req.RunID)
	require.Equal(t, "u1", req.UserID)
}

// TestBuildScrapeRequestSingleSite verifies a named site passes through
// unchanged.
func TestBuildScrapeRequestSingleSite(t *testing.T) {
	t.Parallel()

	req := BuildScrapeRequest(uuid.New(), "u1", run.Parameters{Site: "indeed", HoursOld: 24})
	require.Equal(t, []string{"indeed"}, req.SiteName)
	require.Equal(t, 24, req.HoursOld)
}

// TestDispatchScrapeReturnsImmediately asserts the caller never waits on the
// worker, even when it hangs.
func TestDispatchScrapeReturnsImmediately(t *testing.T) {
	t.Parallel()

	worker := &stubWorker{block: make(chan struct{})}
	d := New(worker, zap.NewNop())

	start := time.Now()
	d.DispatchScrape(uuid.New(), "u1", run.Parameters{})
	require.Less(t, time.Since(start), 100*time.Millisecond)

	close(worker.block)
	d.Wait()
	worker.mu.Lock()
	defer worker.mu.Unlock()
	require.Len(t, worker.scrapes, 1)
}

// TestDispatchScrapeSwallowsErrors verifies a failed dispatch never reaches
// the caller.
func TestDispatchScrapeSwallowsErrors(t *testing.T) {
	t.Parallel()

	worker := &stubWorker{err: context.DeadlineExceeded}
	d := New(worker, zap.NewNop())
	d.DispatchScrape(uuid.New(), "u1", run.Parameters{})
	d.Wait()
}

// TestWarmUpAndPokeQueue verifies the bounded best-effort calls run inline.
func TestWarmUpAndPokeQueue(t *testing.T) {
	t.Parallel()

	worker := &stubWorker{}
	d := New(worker, zap.NewNop())
	d.WarmUp(context.Background())
	d.PokeQueue(context.Background(), 10)

	worker.mu.Lock()
	defer worker.mu.Unlock()
	require.Equal(t, 1, worker.healths)
	require.Equal(t, []int{10}, worker.polls)
}

// TestHTTPWorkerClientWireContract checks paths, bodies, and error mapping
// against a fake worker.
func TestHTTPWorkerClientWireContract(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		calls []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, r.Method+" "+r.URL.RequestURI())
		mu.Unlock()
		if r.URL.Path == "/broken" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewHTTPWorkerClient(srv.URL)
	ctx := context.Background()

	require.NoError(t, c.Scrape(ctx, ScrapeRequest{SearchTerm: "dev", SiteName: []string{"indeed"}}))
	require.NoError(t, c.Health(ctx))
	require.NoError(t, c.PollQueue(ctx, 7))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{
		"POST /scrape",
		"GET /health",
		"POST /worker/poll-queue?batch_size=7",
	}, calls)
}

// TestHTTPWorkerClientErrorStatus verifies non-2xx responses surface as
// errors.
func TestHTTPWorkerClientErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPWorkerClient(srv.URL)
	require.Error(t, c.Health(context.Background()))
	require.Error(t, c.Scrape(context.Background(), ScrapeRequest{}))
	require.Error(t, c.PollQueue(context.Background(), 1))
}
