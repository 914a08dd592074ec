package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/searchingfox/searchrun/internal/bus"
	"github.com/searchingfox/searchrun/internal/clock"
	"github.com/searchingfox/searchrun/internal/jobs"
	"github.com/searchingfox/searchrun/internal/metrics"
	"github.com/searchingfox/searchrun/internal/notify"
)

// defaultYield is the pause between jobs so a long batch never starves the
// session it shares a scheduler with.
const defaultYield = 50 * time.Millisecond

// Processor drives stored operations to completion one job at a time,
// checkpointing after each so a restart resumes from the exact remaining
// set. It is a process-wide singleton; the Guard keeps loops serial.
type Processor struct {
	store    OperationStore
	jobs     jobs.Client
	notifier notify.Notifier
	bus      *bus.Bus
	guard    *Guard
	logger   *zap.Logger
	yield    time.Duration
}

// NewProcessor constructs a Processor. A zero yield uses the default; tests
// pass a negative value to disable the pause.
func NewProcessor(
	store OperationStore,
	jobClient jobs.Client,
	notifier notify.Notifier,
	eventBus *bus.Bus,
	clk clock.Clock,
	yield time.Duration,
	logger *zap.Logger,
) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if yield == 0 {
		yield = defaultYield
	}
	return &Processor{
		store:    store,
		jobs:     jobClient,
		notifier: notifier,
		bus:      eventBus,
		guard:    NewGuard(clk),
		logger:   logger,
		yield:    yield,
	}
}

// Begin stores a new operation, superseding any prior incomplete one, and
// processes it.
func (p *Processor) Begin(ctx context.Context, op Operation) (bool, error) {
	op.Completed = false
	if err := p.store.Save(op); err != nil {
		return false, fmt.Errorf("store operation: %w", err)
	}
	return p.Process(ctx, op.UserID)
}

// Process resumes any incomplete operation for the user. It returns false
// without error when another loop is already running or there is nothing to
// do.
func (p *Processor) Process(ctx context.Context, userID string) (bool, error) {
	token, ok := p.guard.TryBegin(userID)
	if !ok {
		return false, nil
	}
	defer p.guard.End(userID, token)

	op, err := p.store.Load(userID)
	if err != nil {
		if errors.Is(err, ErrNoOperation) {
			return false, nil
		}
		// Structural failure: the stored state is unreadable. Abort the
		// whole operation rather than guessing at progress.
		p.abort(userID, err)
		return false, err
	}
	if op.Completed {
		return false, nil
	}

	for {
		remaining := op.Remaining()
		if len(remaining) == 0 {
			return true, p.finalize(ctx, &op)
		}
		job := remaining[0]
		ok := p.mutate(ctx, &op, job)
		op.MarkProcessed(job.UserJobID, ok)
		if err := p.store.Save(op); err != nil {
			p.abort(userID, err)
			return true, fmt.Errorf("checkpoint operation: %w", err)
		}
		p.notifier.Progress(userID, len(op.ProcessedJobIDs), len(op.Jobs), op.TargetStatusLabel)

		if p.yield > 0 {
			select {
			case <-ctx.Done():
				// The operation stays stored; the next visibility or
				// startup trigger resumes the remainder.
				return true, nil
			case <-time.After(p.yield):
			}
		} else if ctx.Err() != nil {
			return true, nil
		}
	}
}

// Resume is the visibility-change hook: continue only when a stored
// incomplete operation exists and no loop is active.
func (p *Processor) Resume(ctx context.Context, userID string) (bool, error) {
	if p.guard.IsRunning(userID) {
		return false, nil
	}
	op, err := p.store.Load(userID)
	if err != nil {
		if errors.Is(err, ErrNoOperation) {
			return false, nil
		}
		p.abort(userID, err)
		return false, err
	}
	if op.Completed {
		return false, nil
	}
	return p.Process(ctx, userID)
}

func (p *Processor) mutate(ctx context.Context, op *Operation, job JobRef) bool {
	var err error
	switch op.Type {
	case OpRemove:
		err = p.jobs.Remove(ctx, op.UserID, job.UserJobID)
	default:
		err = p.jobs.UpdateStatus(ctx, op.UserID, job.UserJobID, op.TargetStatus)
	}
	if err != nil {
		metrics.ObserveBatchJob("failed")
		p.logger.Warn("job mutation failed",
			zap.String("user_id", op.UserID),
			zap.String("user_job_id", job.UserJobID),
			zap.Error(err),
		)
		return false
	}
	metrics.ObserveBatchJob("success")
	return true
}

func (p *Processor) finalize(ctx context.Context, op *Operation) error {
	op.Completed = true
	if err := p.store.Save(*op); err != nil {
		p.abort(op.UserID, err)
		return fmt.Errorf("finalize operation: %w", err)
	}
	if err := p.jobs.Resync(ctx, op.UserID); err != nil {
		p.logger.Warn("job cache resync failed", zap.String("user_id", op.UserID), zap.Error(err))
	}
	if p.bus != nil {
		p.bus.PublishJobsChanged(bus.JobsChanged{UserID: op.UserID})
		p.bus.PublishOperationComplete(bus.OperationComplete{
			UserID:    op.UserID,
			Succeeded: op.SuccessCount,
			Failed:    op.FailedCount,
		})
	}
	if op.FailedCount > 0 {
		p.notifier.Failure(op.UserID,
			fmt.Sprintf("%d succeeded, %d failed", op.SuccessCount, op.FailedCount))
	} else {
		p.notifier.Success(op.UserID,
			fmt.Sprintf("%d succeeded, %d failed", op.SuccessCount, op.FailedCount))
	}
	p.logger.Info("operation complete",
		zap.String("user_id", op.UserID),
		zap.Int("succeeded", op.SuccessCount),
		zap.Int("failed", op.FailedCount),
	)
	return nil
}

// abort clears the unreadable operation and surfaces a generic failure; the
// specific cause goes to the log, not the user.
func (p *Processor) abort(userID string, cause error) {
	p.logger.Error("operation aborted", zap.String("user_id", userID), zap.Error(cause))
	if err := p.store.Clear(userID); err != nil {
		p.logger.Warn("clear aborted operation failed", zap.String("user_id", userID), zap.Error(err))
	}
	p.notifier.Failure(userID, "Operation failed")
}

// Acknowledge clears a completed operation once the user has seen the
// summary.
func (p *Processor) Acknowledge(userID string) error {
	op, err := p.store.Load(userID)
	if err != nil {
		if errors.Is(err, ErrNoOperation) {
			return nil
		}
		return err
	}
	if !op.Completed {
		return nil
	}
	return p.store.Clear(userID)
}
