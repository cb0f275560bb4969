// Package ebb is a bulk job scheduling and rate-shaped execution
// engine. Jobs are durable, claimed exactly once, ordered by effective
// priority with aging, and dispatched under per-user and per-tenant
// quotas. Failures are retried with exponential backoff and exhausted
// jobs land on a dead-letter channel for operator review.
package ebb

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/oduya/ebb/ebb/config"
	ebberrors "github.com/oduya/ebb/ebb/errors"
	"github.com/oduya/ebb/ebb/job"
	"github.com/oduya/ebb/ebb/priority"
	"github.com/oduya/ebb/ebb/ratelimit"
	"github.com/oduya/ebb/ebb/retry"
	"github.com/oduya/ebb/ebb/store"
	"github.com/oduya/ebb/ebb/stream"
)

// HandlerFunc executes one claimed job. Returning nil commits the job as
// completed; returning an error routes it through the retry manager
// according to the error's classification.
type HandlerFunc func(ctx context.Context, j *job.Job) error

type Client struct {
	config   *config.Config
	store    store.Store
	counters ratelimit.CounterStore
	limiter  *ratelimit.Limiter
	broker   *stream.Broker
	policy   *retry.Policy
	scorer   *priority.Scorer
	logger   *zap.Logger

	handlers map[string]HandlerFunc
	mu       sync.RWMutex

	workerSem      chan struct{}
	workerWG       sync.WaitGroup
	sweepWG        sync.WaitGroup
	shutdownOnce   sync.Once
	isShuttingDown atomic.Bool
	activeWorkers  atomic.Int64
}

func NewClient(ctx context.Context, cfg *config.Config) (*Client, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		var err error
		logger, err = zap.NewProduction()
		if err != nil {
			return nil, err
		}
	}

	st, err := cfg.CreateStore(ctx)
	if err != nil {
		return nil, err
	}
	counters, err := cfg.CreateCounterStore(ctx)
	if err != nil {
		st.Close()
		return nil, err
	}

	return &Client{
		config:    cfg,
		store:     st,
		counters:  counters,
		limiter:   cfg.Limiter(counters),
		broker:    stream.NewBroker(logger, stream.WithBufferSize(cfg.StreamBufferSize)),
		policy:    cfg.RetryPolicy(),
		scorer:    cfg.Scorer(),
		logger:    logger,
		handlers:  make(map[string]HandlerFunc),
		workerSem: make(chan struct{}, cfg.MaxWorkers),
	}, nil
}

// Handle registers the handler for a job kind. Later registrations for
// the same kind replace earlier ones.
func (c *Client) Handle(kind string, handler HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[kind] = handler
}

func (c *Client) handler(kind string) (HandlerFunc, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.handlers[kind]
	return h, ok
}

// SubmitRequest describes one job to enqueue.
type SubmitRequest struct {
	Tenant  string
	User    string
	Kind    string
	Tier    job.Tier
	Payload json.RawMessage

	// IdempotencyKey deduplicates submissions within a tenant. Optional.
	IdempotencyKey string

	// MaxRetries overrides the engine-wide retry ceiling. Zero keeps the
	// configured default.
	MaxRetries int
}

// Submit validates and enqueues a job. The returned job is pending, or
// the previously accepted job when the idempotency key matched; the
// bool reports whether a new job was created.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*job.Job, bool, error) {
	if c.isShuttingDown.Load() {
		return nil, false, ebberrors.ErrShuttingDown
	}
	if err := validateSubmit(&req); err != nil {
		return nil, false, err
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = c.policy.MaxRetries()
	}

	j, evt, created, err := c.store.Submit(ctx, store.SubmitParams{
		ScopeTenant:    req.Tenant,
		ScopeUser:      req.User,
		Kind:           req.Kind,
		Tier:           req.Tier,
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
		MaxRetries:     maxRetries,
		BasePriority:   c.scorer.Score(req.Tier, 0, false),
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		c.broker.Publish(evt)
		c.logger.Info("job submitted",
			zap.String("job_id", j.ID),
			zap.String("tenant", j.ScopeTenant),
			zap.String("kind", j.Kind),
			zap.String("tier", string(j.Tier)))
	}
	return j, created, nil
}

func validateSubmit(req *SubmitRequest) error {
	if req.Tenant == "" {
		return &ebberrors.ValidationError{Field: "tenant", Message: "must not be empty"}
	}
	if req.User == "" {
		return &ebberrors.ValidationError{Field: "user", Message: "must not be empty"}
	}
	if req.Kind == "" {
		return &ebberrors.ValidationError{Field: "kind", Message: "must not be empty"}
	}
	if req.Tier == "" {
		req.Tier = job.TierNormal
	}
	if !req.Tier.Valid() {
		return &ebberrors.ValidationError{Field: "tier", Message: "must be urgent, normal or low"}
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return &ebberrors.ValidationError{Field: "payload", Message: "must be valid JSON"}
	}
	return nil
}

func (c *Client) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	return c.store.GetJob(ctx, jobID)
}

// Cancel stops a job that has not reached a terminal state. A running
// job keeps executing until its worker next touches the store, at which
// point the result is discarded.
func (c *Client) Cancel(ctx context.Context, jobID string) (*job.Job, error) {
	j, evt, err := c.store.Cancel(ctx, jobID)
	if err != nil {
		return nil, err
	}
	c.broker.Publish(evt)
	c.logger.Info("job canceled", zap.String("job_id", jobID))
	return j, nil
}

// RecordProgress publishes a progress update for a job. Intended for use
// inside handlers.
func (c *Client) RecordProgress(ctx context.Context, jobID string, percent int, message string) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	evt, err := c.store.RecordProgress(ctx, jobID, percent, message)
	if err != nil {
		return err
	}
	c.broker.Publish(evt)
	return nil
}

// Subscribe attaches a live event consumer for one tenant.
func (c *Client) Subscribe(tenant string) *stream.Subscriber {
	return c.broker.Subscribe(stream.TenantTopic(tenant))
}

// SubscribeJob attaches a live event consumer for a single job.
func (c *Client) SubscribeJob(jobID string) *stream.Subscriber {
	return c.broker.Subscribe(stream.JobTopic(jobID))
}

// ReplayEvents returns a tenant's durable event log after the given
// cursor, for consumers recovering from a disconnect.
func (c *Client) ReplayEvents(ctx context.Context, tenant string, since time.Time) ([]*job.Event, error) {
	return c.store.EventsSince(ctx, tenant, since, c.config.EventReplayLimit)
}

func (c *Client) TenantStats(ctx context.Context, tenant string) (*store.Stats, error) {
	return c.store.TenantStats(ctx, tenant)
}

func (c *Client) ListDeadLetters(ctx context.Context, tenant string, offset, limit int) ([]*job.DeadLetter, error) {
	return c.store.ListDeadLetters(ctx, tenant, offset, limit)
}

// ResubmitDeadLetter re-enters a dead letter as a fresh job with a clean
// retry budget.
func (c *Client) ResubmitDeadLetter(ctx context.Context, jobID string) (*job.Job, error) {
	j, evt, err := c.store.ResubmitDeadLetter(ctx, jobID)
	if err != nil {
		return nil, err
	}
	c.broker.Publish(evt)
	c.logger.Info("dead letter resubmitted",
		zap.String("dead_job_id", jobID),
		zap.String("new_job_id", j.ID))
	return j, nil
}

func (c *Client) ArchiveDeadLetter(ctx context.Context, jobID string) error {
	return c.store.ArchiveDeadLetter(ctx, jobID)
}

// PurgeDeadLetters deletes archived dead letters older than the
// configured retention. Disabled when no retention is configured.
func (c *Client) PurgeDeadLetters(ctx context.Context) (int64, error) {
	if c.config.DeadLetterRetention <= 0 {
		return 0, &ebberrors.ValidationError{Field: "dead_letter_retention", Message: "purge is disabled"}
	}
	return c.store.PurgeDeadLetters(ctx, time.Now().Add(-c.config.DeadLetterRetention))
}

// Store exposes the underlying job store, mainly for the HTTP server.
func (c *Client) Store() store.Store { return c.store }

func (c *Client) Logger() *zap.Logger { return c.logger }

// Close releases the store, counter and stream resources. Use Shutdown
// first to let in-flight jobs finish.
func (c *Client) Close() error {
	c.broker.Close()
	if err := c.counters.Close(); err != nil {
		c.store.Close()
		return err
	}
	return c.store.Close()
}

// Shutdown stops claiming new jobs and waits for in-flight workers up to
// the configured timeout.
func (c *Client) Shutdown(ctx context.Context) error {
	var shutdownErr error
	c.shutdownOnce.Do(func() {
		c.isShuttingDown.Store(true)

		done := make(chan struct{})
		go func() {
			c.workerWG.Wait()
			close(done)
		}()

		select {
		case <-done:
			c.logger.Info("all workers finished gracefully")
		case <-time.After(c.config.ShutdownTimeout):
			active := c.activeWorkers.Load()
			shutdownErr = fmt.Errorf("shutdown timeout after %v: %d workers still active",
				c.config.ShutdownTimeout, active)
			c.logger.Warn("shutdown timeout", zap.Int64("active_workers", active))
		case <-ctx.Done():
			shutdownErr = fmt.Errorf("shutdown cancelled: %w", ctx.Err())
		}
	})
	return shutdownErr
}
