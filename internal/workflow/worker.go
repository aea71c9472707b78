package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"accession/internal/logging"
	"accession/internal/queue"
	"accession/internal/services"
	"accession/internal/stage"
)

const completionTimeout = 30 * time.Second

// work processes one claim and always releases it.
func (c *Consumer) work(claim *queue.Claim) {
	defer c.wg.Done()
	defer c.sem.Release(1)
	defer c.inFlight.Add(-1)
	c.metrics.WorkerStarted(c.cfg.Name)
	defer c.metrics.WorkerDone(c.cfg.Name)

	requestID := uuid.NewString()
	ctx := services.WithScope(c.workCtx, services.Scope{
		ItemID:    claim.ID(),
		Stage:     c.cfg.Name,
		Daemon:    c.cfg.Name,
		RequestID: requestID,
	})
	logger := logging.WithContext(ctx, logging.NewComponentLogger(c.logger, "worker"))
	defer c.release(claim)
	c.recordItem(claim.ID())

	logger.Info("stage started",
		logging.String("state", string(claim.State())),
		logging.Int("priority", claim.Priority()),
		logging.String(logging.FieldEventType, "stage_start"),
	)
	start := time.Now()
	req := stage.NewRequest(c.cfg.Name, requestID, claim, logger)
	result, err := c.invoke(ctx, logger, req)
	elapsed := time.Since(start)
	if err != nil {
		if c.workCtx.Err() != nil {
			c.interrupted.Add(1)
			c.metrics.Processed(c.cfg.Name, "interrupted", elapsed)
			logging.WarnWithContext(logger, "stage interrupted by shutdown", "stage_interrupted",
				logging.Error(err),
				logging.String(logging.FieldImpact, "item is released unchanged and will be claimed again"),
			)
			return
		}
		result = stage.Failure(stage.FailureMessage(c.cfg.Name, err))
		details := services.Details(err)
		logging.ErrorWithContext(logger, "stage failed", "stage_failure",
			logging.String("error_kind", details.Kind),
			logging.String(logging.FieldErrorHint, details.Hint),
			logging.Error(err),
		)
	}

	completeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), completionTimeout)
	defer cancel()
	if err := c.cfg.Complete(completeCtx, claim, result); err != nil {
		c.recordError(err)
		if errors.Is(err, queue.ErrLockLost) {
			c.abandoned.Add(1)
			c.metrics.LockLost(c.cfg.Name)
			logging.WarnWithContext(logger, "lock lost; abandoning item", "lock_lost",
				logging.Error(err),
				logging.String(logging.FieldImpact, "another daemon owns the item; this result is discarded"),
			)
			return
		}
		logging.ErrorWithContext(logger, "failed to record stage result", "stage_result_failed",
			logging.String("outcome", result.Outcome.String()),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check coordination store health"),
		)
		if result.Outcome != stage.OutcomeFailure && !errors.Is(err, queue.ErrInvalidTransition) {
			c.failBestEffort(completeCtx, logger, claim, fmt.Sprintf("could not record %s result: %v", result.Outcome, err))
		} else {
			c.failed.Add(1)
		}
		c.metrics.Processed(c.cfg.Name, "error", elapsed)
		return
	}

	c.countOutcome(result.Outcome)
	c.metrics.Processed(c.cfg.Name, result.Outcome.String(), elapsed)
	logger.Info("stage completed",
		logging.String("outcome", result.Outcome.String()),
		logging.String("next_state", string(claim.State())),
		logging.String("message", result.Message),
		logging.Duration("stage_duration", elapsed),
		logging.String(logging.FieldEventType, "stage_complete"),
	)
}

// invoke calls the processor with the configured timeout, turning a panic
// into an error.
func (c *Consumer) invoke(ctx context.Context, logger *slog.Logger, req *stage.Request) (result stage.Result, err error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("stage processor panicked",
				logging.Any("panic", r),
				logging.String("stack", string(debug.Stack())),
				logging.String(logging.FieldEventType, "stage_panic"),
			)
			err = fmt.Errorf("%s processor panicked: %v", c.cfg.Name, r)
		}
	}()
	result, err = c.cfg.Processor.Process(ctx, req)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && c.workCtx.Err() == nil {
		err = services.Wrap(services.ErrTimeout, c.cfg.Name, "process", fmt.Sprintf("exceeded %s", c.cfg.Timeout), err)
	}
	return result, err
}

func (c *Consumer) failBestEffort(ctx context.Context, logger *slog.Logger, claim *queue.Claim, message string) {
	if err := claim.Fail(ctx, message); err != nil {
		logging.WarnWithContext(logger, "could not mark item failed", "stage_fail_best_effort",
			logging.Error(err),
			logging.String(logging.FieldImpact, "item stays in its current state and is retried by the next claim"),
		)
		return
	}
	c.failed.Add(1)
}

func (c *Consumer) countOutcome(outcome stage.Outcome) {
	switch outcome {
	case stage.OutcomeSuccess:
		c.completed.Add(1)
	case stage.OutcomeFailure:
		c.failed.Add(1)
	case stage.OutcomeDefer:
		c.deferred.Add(1)
	case stage.OutcomeRearm:
		c.rearmed.Add(1)
	}
}

func (c *Consumer) release(claim *queue.Claim) {
	ctx, cancel := context.WithTimeout(context.Background(), completionTimeout)
	defer cancel()
	if err := claim.Release(ctx); err != nil {
		logging.WarnWithContext(c.logger, "lock release failed", "lock_release_failed",
			logging.String(logging.FieldItemID, claim.ID()),
			logging.Error(err),
			logging.String(logging.FieldImpact, "item stays locked until this session ends"),
		)
	}
}
