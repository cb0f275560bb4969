// Package store defines the durable job store contract. The store is
// the single source of truth for every job; all state transitions pass
// through it and each mutation appends exactly one audit event (plus an
// error event when a failure caused the transition), atomically with
// the mutation itself.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oduya/ebb/ebb/job"
	"github.com/oduya/ebb/ebb/priority"
)

type SubmitParams struct {
	ScopeTenant    string
	ScopeUser      string
	Kind           string
	Tier           job.Tier
	Payload        json.RawMessage
	IdempotencyKey string
	MaxRetries     int
	BasePriority   float64
}

// Stats counts a tenant's jobs by status.
type Stats struct {
	Pending        int64 `json:"pending"`
	Claimed        int64 `json:"claimed"`
	Running        int64 `json:"running"`
	Completed      int64 `json:"completed"`
	RetryScheduled int64 `json:"retry_scheduled"`
	DeadLettered   int64 `json:"dead_lettered"`
	Canceled       int64 `json:"canceled"`
}

func (s *Stats) Total() int64 {
	return s.Pending + s.Claimed + s.Running + s.Completed + s.RetryScheduled + s.DeadLettered + s.Canceled
}

type Store interface {
	// Submit persists a new pending job. Resubmitting the same
	// (tenant, idempotency key) pair is a no-op that returns the
	// existing job with created=false and no event.
	Submit(ctx context.Context, p SubmitParams) (j *job.Job, evt *job.Event, created bool, err error)

	GetJob(ctx context.Context, id string) (*job.Job, error)

	// ClaimNext atomically hands the highest-priority ready job to the
	// calling worker. Under concurrent callers the returned jobs are
	// disjoint. Returns (nil, nil, nil) when nothing qualifies.
	ClaimNext(ctx context.Context, workerID string) (*job.Job, *job.Event, error)

	// MarkRunning moves a claimed job to running for the owning worker.
	MarkRunning(ctx context.Context, id, workerID string) (*job.Job, *job.Event, error)

	// Complete commits a successful result. Fails with NotOwnerError if
	// the worker lost the job (e.g. concurrent cancellation).
	Complete(ctx context.Context, id, workerID string) (*job.Job, *job.Event, error)

	RecordProgress(ctx context.Context, id string, percent int, message string) (*job.Event, error)

	// Requeue schedules another attempt after a failure or a rate-limit
	// deferral. The cause is recorded on the job and in the attempt
	// history before the state changes hands.
	Requeue(ctx context.Context, id, workerID string, nextAttempt time.Time, incrementRetry bool, cause job.ErrInfo) (*job.Job, []*job.Event, error)

	// DeadLetter routes an exhausted or terminally failed job to the
	// dead-letter channel, snapshotting its payload and full attempt
	// history.
	DeadLetter(ctx context.Context, id, workerID string, cause job.ErrInfo) (*job.Job, []*job.Event, error)

	// Cancel moves any non-terminal job to canceled. Workers discover
	// this cooperatively when they try to commit results.
	Cancel(ctx context.Context, id string) (*job.Job, *job.Event, error)

	// ReleaseScheduled flips retry_scheduled jobs whose backoff has
	// elapsed back to pending so they become claimable again.
	ReleaseScheduled(ctx context.Context, now time.Time, limit int) ([]*job.Event, error)

	// RefreshPriorities recomputes effective priorities for waiting jobs
	// and applies one-time low-to-normal escalations, returning an event
	// per escalation.
	RefreshPriorities(ctx context.Context, w priority.Weights, now time.Time) ([]*job.Event, error)

	// EventsSince returns a tenant's events after the given timestamp in
	// occurrence order, for reconnect replay.
	EventsSince(ctx context.Context, tenant string, since time.Time, limit int) ([]*job.Event, error)

	ListDeadLetters(ctx context.Context, tenant string, offset, limit int) ([]*job.DeadLetter, error)

	// ResubmitDeadLetter re-enters a dead letter's payload as a fresh
	// job and marks the entry archived. Operator action.
	ResubmitDeadLetter(ctx context.Context, jobID string) (*job.Job, *job.Event, error)

	// ArchiveDeadLetter hides an entry from the default listing without
	// deleting it. Operator action.
	ArchiveDeadLetter(ctx context.Context, jobID string) error

	// PurgeDeadLetters deletes archived entries older than the cutoff.
	// Only ever invoked by explicit operator request.
	PurgeDeadLetters(ctx context.Context, olderThan time.Time) (int64, error)

	TenantStats(ctx context.Context, tenant string) (*Stats, error)

	Close() error
}
