// Package postgres implements the durable job store on PostgreSQL.
//
// Claims rely on FOR UPDATE SKIP LOCKED so concurrent workers never
// block each other and never receive the same job. Every mutation and
// its audit events are committed in one transaction; a crash between
// the two is impossible.
//
// Unlike the memory store, effective priorities live in a column and
// are recomputed by the periodic RefreshPriorities sweep rather than at
// claim time, keeping the claim query a pure index scan.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose"

	ebberrors "github.com/oduya/ebb/ebb/errors"
	"github.com/oduya/ebb/ebb/job"
	"github.com/oduya/ebb/ebb/priority"
	"github.com/oduya/ebb/ebb/store"
)

const jobColumns = `id, scope_tenant, scope_user, kind, tier, effective_priority,
payload, status, progress, retry_count, max_retries, next_attempt_after,
last_error, idempotency_key, escalated, claimed_by, created_at, updated_at`

type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, &ebberrors.StoreUnavailableError{Op: "connect", Err: err}
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &ebberrors.StoreUnavailableError{Op: "ping", Err: err}
	}
	return &Store{pool: pool}, nil
}

// Migrate applies the goose migrations in dir against the database.
func Migrate(dsn, dir string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, dir)
}

func (s *Store) Submit(ctx context.Context, p store.SubmitParams) (*job.Job, *job.Event, bool, error) {
	var j *job.Job
	var evt *job.Event
	created := false
	err := s.withTx(ctx, "submit", func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO ebb_jobs (id, scope_tenant, scope_user, kind, tier,
				effective_priority, payload, status, max_retries,
				next_attempt_after, idempotency_key)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', $8, now(), $9)
			ON CONFLICT (scope_tenant, idempotency_key) WHERE idempotency_key <> ''
				DO NOTHING
			RETURNING `+jobColumns,
			uuid.NewString(), p.ScopeTenant, p.ScopeUser, p.Kind, p.Tier,
			p.BasePriority, payloadOrEmpty(p.Payload), p.MaxRetries, p.IdempotencyKey)

		inserted, err := scanJob(row)
		if errors.Is(err, pgx.ErrNoRows) {
			// Idempotent resubmission: hand back the original.
			existing, err := scanJob(tx.QueryRow(ctx, `
				SELECT `+jobColumns+` FROM ebb_jobs
				WHERE scope_tenant = $1 AND idempotency_key = $2`,
				p.ScopeTenant, p.IdempotencyKey))
			if err != nil {
				return err
			}
			j = existing
			return nil
		}
		if err != nil {
			return err
		}

		created = true
		j = inserted
		evt, err = insertEvent(ctx, tx, &job.Event{
			JobID:       j.ID,
			ScopeTenant: j.ScopeTenant,
			Type:        job.EventStateChange,
			ToState:     job.StatePending,
			Message:     "job submitted",
		})
		return err
	})
	if err != nil {
		return nil, nil, false, err
	}
	return j, evt, created, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*job.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM ebb_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ebberrors.JobNotFoundError{JobID: id}
	}
	if err != nil {
		return nil, &ebberrors.StoreUnavailableError{Op: "get_job", Err: err}
	}
	return j, nil
}

func (s *Store) ClaimNext(ctx context.Context, workerID string) (*job.Job, *job.Event, error) {
	var j *job.Job
	var evt *job.Event
	err := s.withTx(ctx, "claim", func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			WITH next AS (
				SELECT id FROM ebb_jobs
				WHERE status = 'pending' AND next_attempt_after <= now()
				ORDER BY effective_priority DESC, created_at ASC
				FOR UPDATE SKIP LOCKED
				LIMIT 1
			)
			UPDATE ebb_jobs e
			SET status = 'claimed', claimed_by = $1, updated_at = now()
			FROM next WHERE e.id = next.id
			RETURNING `+prefixed("e", jobColumns), workerID)

		claimed, err := scanJob(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		j = claimed
		evt, err = insertEvent(ctx, tx, &job.Event{
			JobID:       j.ID,
			ScopeTenant: j.ScopeTenant,
			Type:        job.EventStateChange,
			FromState:   job.StatePending,
			ToState:     job.StateClaimed,
			Message:     "claimed by " + workerID,
		})
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return j, evt, nil
}

func (s *Store) MarkRunning(ctx context.Context, id, workerID string) (*job.Job, *job.Event, error) {
	return s.transition(ctx, id, workerID, job.StateRunning)
}

func (s *Store) Complete(ctx context.Context, id, workerID string) (*job.Job, *job.Event, error) {
	return s.transition(ctx, id, workerID, job.StateCompleted)
}

// transition moves an owned job along one state-machine edge inside a
// transaction, re-reading the row under lock so concurrent cancels are
// observed.
func (s *Store) transition(ctx context.Context, id, workerID string, to job.State) (*job.Job, *job.Event, error) {
	var out *job.Job
	var evt *job.Event
	err := s.withTx(ctx, "transition", func(tx pgx.Tx) error {
		j, err := fetchForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if !j.Status.CanTransitionTo(to) {
			return &ebberrors.InvalidTransitionError{JobID: id, From: string(j.Status), To: string(to)}
		}
		if j.ClaimedBy == nil || *j.ClaimedBy != workerID {
			return &ebberrors.NotOwnerError{JobID: id, WorkerID: workerID}
		}

		from := j.Status
		progress := j.Progress
		claimedBy := &workerID
		if to.Terminal() {
			claimedBy = nil
		}
		if to == job.StateCompleted {
			progress = 100
		}
		row := tx.QueryRow(ctx, `
			UPDATE ebb_jobs SET status = $2, claimed_by = $3, progress = $4,
				updated_at = now()
			WHERE id = $1 RETURNING `+jobColumns,
			id, to, claimedBy, progress)
		out, err = scanJob(row)
		if err != nil {
			return err
		}
		evt, err = insertEvent(ctx, tx, &job.Event{
			JobID:           id,
			ScopeTenant:     out.ScopeTenant,
			Type:            job.EventStateChange,
			FromState:       from,
			ToState:         to,
			ProgressPercent: progress,
		})
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return out, evt, nil
}

func (s *Store) RecordProgress(ctx context.Context, id string, percent int, message string) (*job.Event, error) {
	var evt *job.Event
	err := s.withTx(ctx, "progress", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE ebb_jobs SET progress = $2, updated_at = now() WHERE id = $1`,
			id, percent)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return &ebberrors.JobNotFoundError{JobID: id}
		}
		var tenant string
		if err := tx.QueryRow(ctx,
			`SELECT scope_tenant FROM ebb_jobs WHERE id = $1`, id).Scan(&tenant); err != nil {
			return err
		}
		evt, err = insertEvent(ctx, tx, &job.Event{
			JobID:           id,
			ScopeTenant:     tenant,
			Type:            job.EventProgress,
			Message:         message,
			ProgressPercent: percent,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return evt, nil
}

func (s *Store) Requeue(ctx context.Context, id, workerID string, nextAttempt time.Time, incrementRetry bool, cause job.ErrInfo) (*job.Job, []*job.Event, error) {
	return s.fail(ctx, id, workerID, job.StateRetryScheduled, &nextAttempt, incrementRetry, cause)
}

func (s *Store) DeadLetter(ctx context.Context, id, workerID string, cause job.ErrInfo) (*job.Job, []*job.Event, error) {
	return s.fail(ctx, id, workerID, job.StateDeadLettered, nil, false, cause)
}

// fail records a failed attempt and moves the job to retry_scheduled or
// dead_lettered. The error event, the state change and (for dead
// letters) the channel entry all land in one transaction.
func (s *Store) fail(ctx context.Context, id, workerID string, to job.State, nextAttempt *time.Time, incrementRetry bool, cause job.ErrInfo) (*job.Job, []*job.Event, error) {
	var out *job.Job
	var events []*job.Event
	err := s.withTx(ctx, "fail", func(tx pgx.Tx) error {
		j, err := fetchForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if !j.Status.CanTransitionTo(to) {
			return &ebberrors.InvalidTransitionError{JobID: id, From: string(j.Status), To: string(to)}
		}
		if j.ClaimedBy == nil || *j.ClaimedBy != workerID {
			return &ebberrors.NotOwnerError{JobID: id, WorkerID: workerID}
		}

		from := j.Status
		lastErr, err := json.Marshal(job.ErrInfo{Kind: cause.Kind, Message: cause.Message})
		if err != nil {
			return err
		}
		attempt, err := json.Marshal([]job.Attempt{{Kind: cause.Kind, Message: cause.Message, At: time.Now().UTC()}})
		if err != nil {
			return err
		}
		retryBump := 0
		if incrementRetry {
			retryBump = 1
		}
		next := j.NextAttemptAfter
		if nextAttempt != nil {
			next = *nextAttempt
		}
		row := tx.QueryRow(ctx, `
			UPDATE ebb_jobs SET status = $2, claimed_by = NULL,
				retry_count = retry_count + $3, next_attempt_after = $4,
				last_error = $5, attempts = attempts || $6::jsonb,
				updated_at = now()
			WHERE id = $1 RETURNING `+jobColumns,
			id, to, retryBump, next, lastErr, attempt)
		out, err = scanJob(row)
		if err != nil {
			return err
		}

		errEvt, err := insertEvent(ctx, tx, &job.Event{
			JobID:       id,
			ScopeTenant: out.ScopeTenant,
			Type:        job.EventError,
			Message:     cause.Message,
		})
		if err != nil {
			return err
		}
		message := "retry scheduled for " + next.UTC().Format(time.RFC3339)
		if to == job.StateDeadLettered {
			message = "dead-lettered"
			if _, err := tx.Exec(ctx, `
				INSERT INTO ebb_dead_letters (job_id, scope_tenant, scope_user,
					kind, payload, attempts)
				SELECT id, scope_tenant, scope_user, kind, payload, attempts
				FROM ebb_jobs WHERE id = $1`, id); err != nil {
				return err
			}
		}
		stateEvt, err := insertEvent(ctx, tx, &job.Event{
			JobID:       id,
			ScopeTenant: out.ScopeTenant,
			Type:        job.EventStateChange,
			FromState:   from,
			ToState:     to,
			Message:     message,
		})
		if err != nil {
			return err
		}
		events = []*job.Event{errEvt, stateEvt}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return out, events, nil
}

func (s *Store) Cancel(ctx context.Context, id string) (*job.Job, *job.Event, error) {
	var out *job.Job
	var evt *job.Event
	err := s.withTx(ctx, "cancel", func(tx pgx.Tx) error {
		j, err := fetchForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if !j.Status.CanTransitionTo(job.StateCanceled) {
			return &ebberrors.InvalidTransitionError{JobID: id, From: string(j.Status), To: string(job.StateCanceled)}
		}
		row := tx.QueryRow(ctx, `
			UPDATE ebb_jobs SET status = 'canceled', claimed_by = NULL,
				updated_at = now()
			WHERE id = $1 RETURNING `+jobColumns, id)
		out, err = scanJob(row)
		if err != nil {
			return err
		}
		evt, err = insertEvent(ctx, tx, &job.Event{
			JobID:       id,
			ScopeTenant: out.ScopeTenant,
			Type:        job.EventStateChange,
			FromState:   j.Status,
			ToState:     job.StateCanceled,
			Message:     "canceled by request",
		})
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return out, evt, nil
}

func (s *Store) ReleaseScheduled(ctx context.Context, now time.Time, limit int) ([]*job.Event, error) {
	var events []*job.Event
	err := s.withTx(ctx, "release_scheduled", func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			WITH due AS (
				SELECT id FROM ebb_jobs
				WHERE status = 'retry_scheduled' AND next_attempt_after <= $1
				ORDER BY next_attempt_after
				FOR UPDATE SKIP LOCKED
				LIMIT $2
			)
			UPDATE ebb_jobs e SET status = 'pending', updated_at = now()
			FROM due WHERE e.id = due.id
			RETURNING e.id, e.scope_tenant`, now, limit)
		if err != nil {
			return err
		}
		type released struct{ id, tenant string }
		var due []released
		for rows.Next() {
			var r released
			if err := rows.Scan(&r.id, &r.tenant); err != nil {
				rows.Close()
				return err
			}
			due = append(due, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, r := range due {
			evt, err := insertEvent(ctx, tx, &job.Event{
				JobID:       r.id,
				ScopeTenant: r.tenant,
				Type:        job.EventStateChange,
				FromState:   job.StateRetryScheduled,
				ToState:     job.StatePending,
				Message:     "backoff elapsed",
			})
			if err != nil {
				return err
			}
			events = append(events, evt)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) RefreshPriorities(ctx context.Context, w priority.Weights, now time.Time) ([]*job.Event, error) {
	var events []*job.Event
	err := s.withTx(ctx, "refresh_priorities", func(tx pgx.Tx) error {
		// One-time low-to-normal escalation for jobs past the maximum wait.
		rows, err := tx.Query(ctx, `
			UPDATE ebb_jobs SET escalated = true, updated_at = now()
			WHERE status = 'pending' AND tier = 'low' AND NOT escalated
				AND created_at <= $1
			RETURNING id, scope_tenant, created_at`,
			now.Add(-w.EscalateAfter))
		if err != nil {
			return err
		}
		type esc struct {
			id, tenant string
			createdAt  time.Time
		}
		var escalated []esc
		for rows.Next() {
			var e esc
			if err := rows.Scan(&e.id, &e.tenant, &e.createdAt); err != nil {
				rows.Close()
				return err
			}
			escalated = append(escalated, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, e := range escalated {
			age := now.Sub(e.createdAt).Truncate(time.Second)
			evt, err := insertEvent(ctx, tx, &job.Event{
				JobID:       e.id,
				ScopeTenant: e.tenant,
				Type:        job.EventStateChange,
				FromState:   job.StatePending,
				ToState:     job.StatePending,
				Message:     "escalated to normal band after waiting " + age.String(),
			})
			if err != nil {
				return err
			}
			events = append(events, evt)
		}

		// Recompute scores for everything still waiting. Aged scores are
		// clamped strictly below the urgent base.
		_, err = tx.Exec(ctx, `
			UPDATE ebb_jobs SET effective_priority = CASE
				WHEN tier = 'urgent' THEN $1::float8
				WHEN tier = 'normal' OR escalated THEN LEAST(
					$2::float8 + CASE WHEN created_at <= $3 THEN $4::float8 ELSE 0 END,
					$1::float8 - 1)
				ELSE LEAST(
					$5::float8 + CASE WHEN created_at <= $6 THEN $7::float8 ELSE 0 END,
					$1::float8 - 1)
				END,
				updated_at = now()
			WHERE status = 'pending'`,
			w.UrgentBase,
			w.NormalBase, now.Add(-w.NormalAfter), w.NormalBoost,
			w.LowBase, now.Add(-w.LowAfter), w.LowBoost)
		return err
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) EventsSince(ctx context.Context, tenant string, since time.Time, limit int) ([]*job.Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, scope_tenant, type, from_state, to_state, message,
			progress_percent, occurred_at
		FROM ebb_job_events
		WHERE scope_tenant = $1 AND occurred_at > $2
		ORDER BY occurred_at, id
		LIMIT $3`, tenant, since, limit)
	if err != nil {
		return nil, &ebberrors.StoreUnavailableError{Op: "events_since", Err: err}
	}
	defer rows.Close()

	var events []*job.Event
	for rows.Next() {
		e := &job.Event{}
		if err := rows.Scan(&e.JobID, &e.ScopeTenant, &e.Type, &e.FromState,
			&e.ToState, &e.Message, &e.ProgressPercent, &e.OccurredAt); err != nil {
			return nil, &ebberrors.StoreUnavailableError{Op: "events_since", Err: err}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &ebberrors.StoreUnavailableError{Op: "events_since", Err: err}
	}
	return events, nil
}

func (s *Store) ListDeadLetters(ctx context.Context, tenant string, offset, limit int) ([]*job.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, scope_tenant, scope_user, kind, payload, attempts,
			created_at, archived_at
		FROM ebb_dead_letters
		WHERE scope_tenant = $1 AND archived_at IS NULL
		ORDER BY created_at
		OFFSET $2 LIMIT $3`, tenant, offset, limit)
	if err != nil {
		return nil, &ebberrors.StoreUnavailableError{Op: "list_dead_letters", Err: err}
	}
	defer rows.Close()

	var letters []*job.DeadLetter
	for rows.Next() {
		dl := &job.DeadLetter{}
		var attempts []byte
		if err := rows.Scan(&dl.JobID, &dl.ScopeTenant, &dl.ScopeUser, &dl.Kind,
			&dl.Payload, &attempts, &dl.CreatedAt, &dl.ArchivedAt); err != nil {
			return nil, &ebberrors.StoreUnavailableError{Op: "list_dead_letters", Err: err}
		}
		if err := json.Unmarshal(attempts, &dl.Attempts); err != nil {
			return nil, fmt.Errorf("decode attempts for %s: %w", dl.JobID, err)
		}
		letters = append(letters, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, &ebberrors.StoreUnavailableError{Op: "list_dead_letters", Err: err}
	}
	return letters, nil
}

func (s *Store) ResubmitDeadLetter(ctx context.Context, jobID string) (*job.Job, *job.Event, error) {
	var out *job.Job
	var evt *job.Event
	err := s.withTx(ctx, "resubmit_dead_letter", func(tx pgx.Tx) error {
		var tenant, user, kind string
		var payload []byte
		err := tx.QueryRow(ctx, `
			SELECT scope_tenant, scope_user, kind, payload
			FROM ebb_dead_letters
			WHERE job_id = $1 AND archived_at IS NULL
			FOR UPDATE`, jobID).Scan(&tenant, &user, &kind, &payload)
		if errors.Is(err, pgx.ErrNoRows) {
			return &ebberrors.JobNotFoundError{JobID: jobID}
		}
		if err != nil {
			return err
		}

		var tier job.Tier
		var maxRetries int
		var base float64
		if err := tx.QueryRow(ctx, `
			SELECT tier, max_retries, effective_priority
			FROM ebb_jobs WHERE id = $1`, jobID).Scan(&tier, &maxRetries, &base); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			UPDATE ebb_dead_letters SET archived_at = now() WHERE job_id = $1`, jobID); err != nil {
			return err
		}

		// Fresh job with a clean retry budget; the dead letter stays
		// archived for audit.
		row := tx.QueryRow(ctx, `
			INSERT INTO ebb_jobs (id, scope_tenant, scope_user, kind, tier,
				effective_priority, payload, status, max_retries,
				next_attempt_after)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', $8, now())
			RETURNING `+jobColumns,
			uuid.NewString(), tenant, user, kind, tier, base, payload, maxRetries)
		out, err = scanJob(row)
		if err != nil {
			return err
		}
		evt, err = insertEvent(ctx, tx, &job.Event{
			JobID:       out.ID,
			ScopeTenant: out.ScopeTenant,
			Type:        job.EventStateChange,
			ToState:     job.StatePending,
			Message:     "resubmitted from dead letter " + jobID,
		})
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return out, evt, nil
}

func (s *Store) ArchiveDeadLetter(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ebb_dead_letters SET archived_at = now()
		WHERE job_id = $1 AND archived_at IS NULL`, jobID)
	if err != nil {
		return &ebberrors.StoreUnavailableError{Op: "archive_dead_letter", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return &ebberrors.JobNotFoundError{JobID: jobID}
	}
	return nil
}

func (s *Store) PurgeDeadLetters(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM ebb_dead_letters
		WHERE archived_at IS NOT NULL AND archived_at < $1`, olderThan)
	if err != nil {
		return 0, &ebberrors.StoreUnavailableError{Op: "purge_dead_letters", Err: err}
	}
	return tag.RowsAffected(), nil
}

func (s *Store) TenantStats(ctx context.Context, tenant string) (*store.Stats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, count(*) FROM ebb_jobs
		WHERE scope_tenant = $1 GROUP BY status`, tenant)
	if err != nil {
		return nil, &ebberrors.StoreUnavailableError{Op: "tenant_stats", Err: err}
	}
	defer rows.Close()

	stats := &store.Stats{}
	for rows.Next() {
		var status job.State
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, &ebberrors.StoreUnavailableError{Op: "tenant_stats", Err: err}
		}
		switch status {
		case job.StatePending:
			stats.Pending = n
		case job.StateClaimed:
			stats.Claimed = n
		case job.StateRunning:
			stats.Running = n
		case job.StateCompleted:
			stats.Completed = n
		case job.StateRetryScheduled:
			stats.RetryScheduled = n
		case job.StateDeadLettered:
			stats.DeadLettered = n
		case job.StateCanceled:
			stats.Canceled = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, &ebberrors.StoreUnavailableError{Op: "tenant_stats", Err: err}
	}
	return stats, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// withTx runs fn in a transaction, translating infrastructure failures
// to StoreUnavailableError while passing domain errors through.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &ebberrors.StoreUnavailableError{Op: op, Err: err}
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		if isDomainErr(err) {
			return err
		}
		return &ebberrors.StoreUnavailableError{Op: op, Err: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return &ebberrors.StoreUnavailableError{Op: op, Err: err}
	}
	return nil
}

func isDomainErr(err error) bool {
	return ebberrors.IsJobNotFound(err) ||
		ebberrors.IsInvalidTransition(err) ||
		ebberrors.IsNotOwner(err)
}

func fetchForUpdate(ctx context.Context, tx pgx.Tx, id string) (*job.Job, error) {
	j, err := scanJob(tx.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM ebb_jobs WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ebberrors.JobNotFoundError{JobID: id}
	}
	return j, err
}

func insertEvent(ctx context.Context, tx pgx.Tx, e *job.Event) (*job.Event, error) {
	err := tx.QueryRow(ctx, `
		INSERT INTO ebb_job_events (job_id, scope_tenant, type, from_state,
			to_state, message, progress_percent)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING occurred_at`,
		e.JobID, e.ScopeTenant, e.Type, e.FromState, e.ToState, e.Message,
		e.ProgressPercent).Scan(&e.OccurredAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func scanJob(row pgx.Row) (*job.Job, error) {
	j := &job.Job{}
	var lastErr []byte
	err := row.Scan(&j.ID, &j.ScopeTenant, &j.ScopeUser, &j.Kind, &j.Tier,
		&j.EffectivePriority, &j.Payload, &j.Status, &j.Progress,
		&j.RetryCount, &j.MaxRetries, &j.NextAttemptAfter, &lastErr,
		&j.IdempotencyKey, &j.Escalated, &j.ClaimedBy, &j.CreatedAt,
		&j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(lastErr) > 0 {
		j.LastError = &job.ErrInfo{}
		if err := json.Unmarshal(lastErr, j.LastError); err != nil {
			return nil, fmt.Errorf("decode last_error for %s: %w", j.ID, err)
		}
	}
	return j, nil
}

func payloadOrEmpty(p json.RawMessage) json.RawMessage {
	if len(p) == 0 {
		return json.RawMessage(`{}`)
	}
	return p
}

// prefixed qualifies each column in cols with the given table alias, for
// RETURNING clauses on UPDATE ... FROM statements.
func prefixed(alias, cols string) string {
	out := alias + "."
	for _, r := range cols {
		switch r {
		case ' ', '\n', '\t':
			continue
		case ',':
			out += ", " + alias + "."
		default:
			out += string(r)
		}
	}
	return out
}
