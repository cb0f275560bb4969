package ebb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"

	ebberrors "github.com/oduya/ebb/ebb/errors"
	"github.com/oduya/ebb/ebb/job"
	"github.com/oduya/ebb/ebb/ratelimit"
)

const sweepBatchSize = 100

// Consume runs the claim loop until ctx is cancelled. It also starts the
// background sweeps that release elapsed backoffs and refresh waiting
// priorities. Safe to run from multiple processes against a shared
// store.
func (c *Client) Consume(ctx context.Context) error {
	workerID := "worker-" + uuid.NewString()

	c.sweepWG.Add(2)
	go func() {
		defer c.sweepWG.Done()
		c.releaseLoop(ctx)
	}()
	go func() {
		defer c.sweepWG.Done()
		c.priorityLoop(ctx)
	}()

	err := wait.PollUntilContextCancel(
		ctx,
		c.config.PollInterval,
		true,
		func(ctx context.Context) (bool, error) {
			return c.consume(ctx, workerID)
		},
	)

	c.sweepWG.Wait()

	return err
}

func (c *Client) consume(ctx context.Context, workerID string) (bool, error) {
	if c.isShuttingDown.Load() {
		return true, nil
	}

	j, evt, err := c.store.ClaimNext(ctx, workerID)
	if err != nil {
		c.logger.Error("claim failed", zap.Error(err))
		if ebberrors.IsStoreUnavailable(err) {
			// Nothing was mutated; breathe and poll again.
			sleepCtx(ctx, c.config.ClaimBackoff)
		}
		return false, nil
	}
	if j == nil {
		return false, nil
	}
	c.broker.Publish(evt)

	c.workerWG.Add(1)
	c.activeWorkers.Add(1)

	select {
	case c.workerSem <- struct{}{}:
		go func() {
			defer func() {
				c.activeWorkers.Add(-1)
				<-c.workerSem
				c.workerWG.Done()
			}()
			c.runJob(ctx, j, workerID)
		}()
	case <-ctx.Done():
		c.activeWorkers.Add(-1)
		c.workerWG.Done()
		return true, ctx.Err()
	}

	return false, nil
}

// runJob drives one claimed job through dispatch. Ownership conflicts
// surface when a job was cancelled concurrently; the result is discarded
// without another transition.
func (c *Client) runJob(ctx context.Context, j *job.Job, workerID string) {
	handler, ok := c.handler(j.Kind)
	if !ok {
		c.markRunningAndFail(ctx, j, workerID, &ebberrors.TerminalError{
			Reason: "no handler registered for kind " + j.Kind,
		})
		return
	}

	running, evt, err := c.store.MarkRunning(ctx, j.ID, workerID)
	if err != nil {
		c.logLifecycleConflict("mark running", j.ID, err)
		return
	}
	c.broker.Publish(evt)

	// Quota check happens after the claim so a deferral can be recorded
	// as a real transition with its own backoff.
	decision, err := c.limiter.CheckAndReserve(ctx, running.ScopeTenant, running.ScopeUser, 1)
	if err != nil {
		// The counters are unreachable; park the job briefly without
		// spending retry budget.
		c.deferJob(ctx, running, workerID, c.config.ClaimBackoff, job.ErrInfo{
			Kind:    job.ErrKindTransient,
			Message: "rate limit counters unavailable: " + err.Error(),
		})
		return
	}
	switch decision.Action {
	case ratelimit.Reject:
		c.failJob(ctx, running, workerID, &ebberrors.ValidationError{
			Field: "scope", Message: "rejected by rate limiter",
		})
		return
	case ratelimit.Defer:
		c.deferJob(ctx, running, workerID, decision.Delay, job.ErrInfo{
			Kind:    job.ErrKindRateLimited,
			Message: fmt.Sprintf("quota exhausted, deferred %v", decision.Delay),
		})
		return
	}

	err = c.invokeHandler(ctx, handler, running)
	if err == nil {
		done, evt, err := c.store.Complete(ctx, running.ID, workerID)
		if err != nil {
			c.logLifecycleConflict("complete", running.ID, err)
			return
		}
		c.broker.Publish(evt)
		c.logger.Info("job completed",
			zap.String("job_id", done.ID),
			zap.String("tenant", done.ScopeTenant))
		return
	}

	if ebberrors.IsRateLimited(err) {
		// The upstream said no regardless of what our counters thought.
		// Force both scopes into exhaustion so other workers back off too.
		if exErr := c.limiter.ReportExhausted(ctx, running.ScopeTenant, running.ScopeUser); exErr != nil {
			c.logger.Error("failed to record upstream exhaustion", zap.Error(exErr))
		}
	}
	c.failJob(ctx, running, workerID, err)
}

// invokeHandler runs the handler under the job timeout, converting
// panics and timeouts into classified errors.
func (c *Client) invokeHandler(ctx context.Context, handler HandlerFunc, j *job.Job) (err error) {
	jobCtx, cancel := context.WithTimeout(ctx, c.config.DefaultJobTimeout)
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("panic in handler",
					zap.String("job_id", j.ID),
					zap.Any("panic", r))
				errChan <- &ebberrors.TransientError{
					Op:  "handler",
					Err: fmt.Errorf("panic: %v", r),
				}
			}
		}()
		errChan <- handler(jobCtx, j)
	}()

	select {
	case err = <-errChan:
		return err
	case <-jobCtx.Done():
		if jobCtx.Err() == context.DeadlineExceeded {
			return &ebberrors.TransientError{
				Op:  "handler",
				Err: fmt.Errorf("job timeout after %v", c.config.DefaultJobTimeout),
			}
		}
		return &ebberrors.TransientError{Op: "handler", Err: jobCtx.Err()}
	}
}

// failJob routes a failed attempt through the retry policy.
func (c *Client) failJob(ctx context.Context, j *job.Job, workerID string, cause error) {
	outcome := c.policy.HandleFailure(j, cause)

	if outcome.DeadLetter {
		dead, events, err := c.store.DeadLetter(ctx, j.ID, workerID, outcome.Err)
		if err != nil {
			c.logLifecycleConflict("dead letter", j.ID, err)
			return
		}
		c.publishAll(events)
		c.logger.Warn("job dead-lettered",
			zap.String("job_id", dead.ID),
			zap.String("tenant", dead.ScopeTenant),
			zap.String("error_kind", string(outcome.Err.Kind)),
			zap.Int("retry_count", dead.RetryCount))
		return
	}

	requeued, events, err := c.store.Requeue(ctx, j.ID, workerID,
		time.Now().Add(outcome.Delay), outcome.IncrementRetry, outcome.Err)
	if err != nil {
		c.logLifecycleConflict("requeue", j.ID, err)
		return
	}
	c.publishAll(events)
	c.logger.Info("job requeued",
		zap.String("job_id", requeued.ID),
		zap.String("error_kind", string(outcome.Err.Kind)),
		zap.Int("retry_count", requeued.RetryCount),
		zap.Duration("delay", outcome.Delay))
}

// deferJob parks a running job without consuming retry budget. Used for
// local quota deferrals and unreachable counters.
func (c *Client) deferJob(ctx context.Context, j *job.Job, workerID string, delay time.Duration, cause job.ErrInfo) {
	if delay <= 0 {
		delay = c.config.ClaimBackoff
	}
	requeued, events, err := c.store.Requeue(ctx, j.ID, workerID,
		time.Now().Add(delay), false, cause)
	if err != nil {
		c.logLifecycleConflict("defer", j.ID, err)
		return
	}
	c.publishAll(events)
	c.logger.Info("job deferred",
		zap.String("job_id", requeued.ID),
		zap.String("tenant", requeued.ScopeTenant),
		zap.Duration("delay", delay))
}

// markRunningAndFail walks a claimed job through running so the failure
// transition stays on a valid state-machine edge.
func (c *Client) markRunningAndFail(ctx context.Context, j *job.Job, workerID string, cause error) {
	running, evt, err := c.store.MarkRunning(ctx, j.ID, workerID)
	if err != nil {
		c.logLifecycleConflict("mark running", j.ID, err)
		return
	}
	c.broker.Publish(evt)
	c.failJob(ctx, running, workerID, cause)
}

func (c *Client) publishAll(events []*job.Event) {
	for _, e := range events {
		c.broker.Publish(e)
	}
}

func (c *Client) logLifecycleConflict(op, jobID string, err error) {
	if ebberrors.IsNotOwner(err) || ebberrors.IsInvalidTransition(err) {
		// Lost the job to a concurrent cancel; the result is discarded.
		c.logger.Debug("job no longer owned",
			zap.String("op", op),
			zap.String("job_id", jobID),
			zap.Error(err))
		return
	}
	c.logger.Error("lifecycle transition failed",
		zap.String("op", op),
		zap.String("job_id", jobID),
		zap.Error(err))
}

// releaseLoop periodically flips retry_scheduled jobs whose backoff has
// elapsed back to pending.
func (c *Client) releaseLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.ScheduledSweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				events, err := c.store.ReleaseScheduled(ctx, time.Now(), sweepBatchSize)
				if err != nil {
					c.logger.Error("release sweep failed", zap.Error(err))
					break
				}
				c.publishAll(events)
				if len(events) < sweepBatchSize {
					break
				}
			}
		}
	}
}

// priorityLoop periodically recomputes effective priorities and applies
// due escalations.
func (c *Client) priorityLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.PrioritySweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			events, err := c.store.RefreshPriorities(ctx, c.scorer.Weights(), time.Now())
			if err != nil {
				c.logger.Error("priority sweep failed", zap.Error(err))
				continue
			}
			c.publishAll(events)
			for _, e := range events {
				c.logger.Info("job escalated",
					zap.String("job_id", e.JobID),
					zap.String("tenant", e.ScopeTenant))
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
