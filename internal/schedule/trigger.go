// Package schedule fans out one pending search run per subscribed user when
// the external scheduler fires.
package schedule

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/searchingfox/searchrun/internal/clock"
	"github.com/searchingfox/searchrun/internal/dispatch"
	"github.com/searchingfox/searchrun/internal/metrics"
	"github.com/searchingfox/searchrun/internal/run"
	"github.com/searchingfox/searchrun/internal/store"
)

// Config controls fan-out behavior.
type Config struct {
	// ScheduledHoursOld overrides the recency window on every scheduled
	// run: the scheduled pass only wants very recent postings, regardless
	// of the user's manual preference (default 24).
	ScheduledHoursOld int
	// InsertBatchSize bounds rows per insert statement (default 500).
	InsertBatchSize int
	// PokeBatchSize is passed to the worker's queue poke (default 10).
	PokeBatchSize int
}

const (
	defaultScheduledHoursOld = 24
	defaultInsertBatchSize   = 500
	defaultPokeBatchSize     = 10
)

func (c Config) withDefaults() Config {
	if c.ScheduledHoursOld <= 0 {
		c.ScheduledHoursOld = defaultScheduledHoursOld
	}
	if c.InsertBatchSize <= 0 {
		c.InsertBatchSize = defaultInsertBatchSize
	}
	if c.PokeBatchSize <= 0 {
		c.PokeBatchSize = defaultPokeBatchSize
	}
	return c
}

// Summary reports what one fan-out did.
type Summary struct {
	UsersConsidered int `json:"users_considered"`
	Inserted        int `json:"inserted"`
	Triggered       int `json:"triggered"`
}

// Trigger implements the scheduled fan-out. Repeated invocation creates
// additional pending runs rather than deduplicating against an existing one;
// the worker treats each run independently, so this is accepted behavior.
type Trigger struct {
	runs       store.RunStore
	users      store.UserStore
	dispatcher *dispatch.Dispatcher
	clock      clock.Clock
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Trigger.
func New(
	runs store.RunStore,
	users store.UserStore,
	dispatcher *dispatch.Dispatcher,
	clk clock.Clock,
	cfg Config,
	logger *zap.Logger,
) *Trigger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trigger{
		runs:       runs,
		users:      users,
		dispatcher: dispatcher,
		clock:      clk,
		cfg:        cfg.withDefaults(),
		logger:     logger,
	}
}

// Fanout creates one pending cron run per eligible user, dispatches each,
// and pokes the worker queue once. Store errors are fatal; worker-facing
// errors never are.
func (t *Trigger) Fanout(ctx context.Context) (Summary, error) {
	t.dispatcher.WarmUp(ctx)

	users, err := t.users.EligibleUsers(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("load eligible users: %w", err)
	}
	summary := Summary{UsersConsidered: len(users)}

	now := t.clock.Now()
	cc := run.ClientContext{
		"trigger": "scheduled",
		"at":      now.Format("2006-01-02T15:04:05Z07:00"),
	}
	newRuns := make([]run.Run, 0, len(users))
	for _, userID := range users {
		params := t.deriveParams(ctx, userID)
		newRuns = append(newRuns, run.NewPending(userID, params, run.SourceCron, cc, now))
	}

	for start := 0; start < len(newRuns); start += t.cfg.InsertBatchSize {
		end := min(start+t.cfg.InsertBatchSize, len(newRuns))
		if err := t.runs.CreateBatch(ctx, newRuns[start:end]); err != nil {
			return summary, fmt.Errorf("insert scheduled runs: %w", err)
		}
		summary.Inserted += end - start
	}

	for _, r := range newRuns {
		metrics.ObserveRunCreated(string(run.SourceCron))
		t.dispatcher.DispatchScrape(r.ID, r.UserID, r.Params)
		summary.Triggered++
	}
	if len(newRuns) > 0 {
		t.dispatcher.PokeQueue(ctx, t.cfg.PokeBatchSize)
	}

	t.logger.Info("scheduled fan-out complete",
		zap.Int("users", summary.UsersConsidered),
		zap.Int("inserted", summary.Inserted),
		zap.Int("triggered", summary.Triggered),
	)
	return summary, nil
}

// deriveParams picks search parameters by priority: last successful run,
// then the stored preference, then the generic default. The scheduled
// recency window is forced in every case.
func (t *Trigger) deriveParams(ctx context.Context, userID string) run.Parameters {
	var params run.Parameters
	switch last, err := t.runs.LastSuccessfulForUser(ctx, userID); {
	case err == nil:
		params = last.Params
	case errors.Is(err, store.ErrNotFound):
		pref, err := t.users.LastSearchParams(ctx, userID)
		if err == nil {
			params = pref
		} else if !errors.Is(err, store.ErrNotFound) {
			t.logger.Warn("load search preference failed", zap.String("user_id", userID), zap.Error(err))
		}
	default:
		t.logger.Warn("load last successful run failed", zap.String("user_id", userID), zap.Error(err))
	}
	params = params.WithDefaults()
	params.HoursOld = t.cfg.ScheduledHoursOld
	return params
}
