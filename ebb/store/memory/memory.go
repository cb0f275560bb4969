// Package memory implements the job store on in-process maps. It is the
// default for tests and single-process deployments; the postgres store
// carries the same semantics durably.
//
// Effective priorities are computed lazily at claim time, so a claim
// always compares fresh scores without a background sweep. Escalation
// still runs through RefreshPriorities because it must be recorded as an
// event exactly once.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	ebberrors "github.com/oduya/ebb/ebb/errors"
	"github.com/oduya/ebb/ebb/job"
	"github.com/oduya/ebb/ebb/priority"
	"github.com/oduya/ebb/ebb/store"
)

type Store struct {
	mu       sync.Mutex
	jobs     map[string]*job.Job
	byIdem   map[string]string // tenant+"\x00"+key -> job id
	events   []*job.Event
	attempts map[string][]job.Attempt
	letters  map[string]*job.DeadLetter
	scorer   *priority.Scorer
	now      func() time.Time
}

var _ store.Store = (*Store)(nil)

func New(scorer *priority.Scorer) *Store {
	return &Store{
		jobs:     make(map[string]*job.Job),
		byIdem:   make(map[string]string),
		attempts: make(map[string][]job.Attempt),
		letters:  make(map[string]*job.DeadLetter),
		scorer:   scorer,
		now:      time.Now,
	}
}

// SetClock overrides the store's time source. Tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func idemKey(tenant, key string) string { return tenant + "\x00" + key }

func (s *Store) Submit(ctx context.Context, p store.SubmitParams) (*job.Job, *job.Event, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.IdempotencyKey != "" {
		if id, ok := s.byIdem[idemKey(p.ScopeTenant, p.IdempotencyKey)]; ok {
			return clone(s.jobs[id]), nil, false, nil
		}
	}

	now := s.now()
	j := &job.Job{
		ID:                uuid.NewString(),
		ScopeTenant:       p.ScopeTenant,
		ScopeUser:         p.ScopeUser,
		Kind:              p.Kind,
		Tier:              p.Tier,
		EffectivePriority: p.BasePriority,
		Payload:           p.Payload,
		Status:            job.StatePending,
		MaxRetries:        p.MaxRetries,
		NextAttemptAfter:  now,
		IdempotencyKey:    p.IdempotencyKey,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	s.jobs[j.ID] = j
	if p.IdempotencyKey != "" {
		s.byIdem[idemKey(p.ScopeTenant, p.IdempotencyKey)] = j.ID
	}
	evt := s.appendEvent(&job.Event{
		JobID:       j.ID,
		ScopeTenant: j.ScopeTenant,
		Type:        job.EventStateChange,
		ToState:     job.StatePending,
		Message:     "job submitted",
	})
	return clone(j), evt, true, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, &ebberrors.JobNotFoundError{JobID: id}
	}
	return clone(j), nil
}

func (s *Store) ClaimNext(ctx context.Context, workerID string) (*job.Job, *job.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var best *job.Job
	var bestScore float64
	for _, j := range s.jobs {
		if j.Status != job.StatePending || j.NextAttemptAfter.After(now) {
			continue
		}
		score := s.scorer.Score(j.Tier, now.Sub(j.CreatedAt), j.Escalated)
		if best == nil || score > bestScore ||
			(score == bestScore && j.CreatedAt.Before(best.CreatedAt)) {
			best, bestScore = j, score
		}
	}
	if best == nil {
		return nil, nil, nil
	}

	best.EffectivePriority = bestScore
	best.Status = job.StateClaimed
	best.ClaimedBy = &workerID
	best.UpdatedAt = now
	evt := s.appendEvent(&job.Event{
		JobID:       best.ID,
		ScopeTenant: best.ScopeTenant,
		Type:        job.EventStateChange,
		FromState:   job.StatePending,
		ToState:     job.StateClaimed,
		Message:     "claimed by " + workerID,
	})
	return clone(best), evt, nil
}

func (s *Store) MarkRunning(ctx context.Context, id, workerID string) (*job.Job, *job.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.held(id, workerID, job.StateRunning)
	if err != nil {
		return nil, nil, err
	}
	from := j.Status
	j.Status = job.StateRunning
	j.UpdatedAt = s.now()
	evt := s.appendEvent(&job.Event{
		JobID:       j.ID,
		ScopeTenant: j.ScopeTenant,
		Type:        job.EventStateChange,
		FromState:   from,
		ToState:     job.StateRunning,
	})
	return clone(j), evt, nil
}

func (s *Store) Complete(ctx context.Context, id, workerID string) (*job.Job, *job.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.held(id, workerID, job.StateCompleted)
	if err != nil {
		return nil, nil, err
	}
	from := j.Status
	j.Status = job.StateCompleted
	j.Progress = 100
	j.ClaimedBy = nil
	j.UpdatedAt = s.now()
	evt := s.appendEvent(&job.Event{
		JobID:           j.ID,
		ScopeTenant:     j.ScopeTenant,
		Type:            job.EventStateChange,
		FromState:       from,
		ToState:         job.StateCompleted,
		ProgressPercent: 100,
	})
	return clone(j), evt, nil
}

func (s *Store) RecordProgress(ctx context.Context, id string, percent int, message string) (*job.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, &ebberrors.JobNotFoundError{JobID: id}
	}
	j.Progress = percent
	j.UpdatedAt = s.now()
	evt := s.appendEvent(&job.Event{
		JobID:           j.ID,
		ScopeTenant:     j.ScopeTenant,
		Type:            job.EventProgress,
		Message:         message,
		ProgressPercent: percent,
	})
	return evt, nil
}

func (s *Store) Requeue(ctx context.Context, id, workerID string, nextAttempt time.Time, incrementRetry bool, cause job.ErrInfo) (*job.Job, []*job.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.held(id, workerID, job.StateRetryScheduled)
	if err != nil {
		return nil, nil, err
	}

	from := j.Status
	now := s.now()
	j.LastError = &job.ErrInfo{Kind: cause.Kind, Message: cause.Message}
	s.attempts[j.ID] = append(s.attempts[j.ID], job.Attempt{Kind: cause.Kind, Message: cause.Message, At: now})
	if incrementRetry {
		j.RetryCount++
	}
	j.Status = job.StateRetryScheduled
	j.NextAttemptAfter = nextAttempt
	j.ClaimedBy = nil
	j.UpdatedAt = now

	events := []*job.Event{
		s.appendEvent(&job.Event{
			JobID:       j.ID,
			ScopeTenant: j.ScopeTenant,
			Type:        job.EventError,
			Message:     cause.Message,
		}),
		s.appendEvent(&job.Event{
			JobID:       j.ID,
			ScopeTenant: j.ScopeTenant,
			Type:        job.EventStateChange,
			FromState:   from,
			ToState:     job.StateRetryScheduled,
			Message:     "retry scheduled for " + nextAttempt.UTC().Format(time.RFC3339),
		}),
	}
	return clone(j), events, nil
}

func (s *Store) DeadLetter(ctx context.Context, id, workerID string, cause job.ErrInfo) (*job.Job, []*job.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.held(id, workerID, job.StateDeadLettered)
	if err != nil {
		return nil, nil, err
	}

	from := j.Status
	now := s.now()
	j.LastError = &job.ErrInfo{Kind: cause.Kind, Message: cause.Message}
	s.attempts[j.ID] = append(s.attempts[j.ID], job.Attempt{Kind: cause.Kind, Message: cause.Message, At: now})
	j.Status = job.StateDeadLettered
	j.ClaimedBy = nil
	j.UpdatedAt = now

	attempts := make([]job.Attempt, len(s.attempts[j.ID]))
	copy(attempts, s.attempts[j.ID])
	s.letters[j.ID] = &job.DeadLetter{
		JobID:       j.ID,
		ScopeTenant: j.ScopeTenant,
		ScopeUser:   j.ScopeUser,
		Kind:        j.Kind,
		Payload:     j.Payload,
		Attempts:    attempts,
		CreatedAt:   now,
	}

	events := []*job.Event{
		s.appendEvent(&job.Event{
			JobID:       j.ID,
			ScopeTenant: j.ScopeTenant,
			Type:        job.EventError,
			Message:     cause.Message,
		}),
		s.appendEvent(&job.Event{
			JobID:       j.ID,
			ScopeTenant: j.ScopeTenant,
			Type:        job.EventStateChange,
			FromState:   from,
			ToState:     job.StateDeadLettered,
			Message:     "dead-lettered after " + strconv.Itoa(len(attempts)) + " failed attempts",
		}),
	}
	return clone(j), events, nil
}

func (s *Store) Cancel(ctx context.Context, id string) (*job.Job, *job.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil, &ebberrors.JobNotFoundError{JobID: id}
	}
	if !j.Status.CanTransitionTo(job.StateCanceled) {
		return nil, nil, &ebberrors.InvalidTransitionError{JobID: id, From: string(j.Status), To: string(job.StateCanceled)}
	}
	from := j.Status
	j.Status = job.StateCanceled
	j.ClaimedBy = nil
	j.UpdatedAt = s.now()
	evt := s.appendEvent(&job.Event{
		JobID:       j.ID,
		ScopeTenant: j.ScopeTenant,
		Type:        job.EventStateChange,
		FromState:   from,
		ToState:     job.StateCanceled,
		Message:     "canceled by request",
	})
	return clone(j), evt, nil
}

func (s *Store) ReleaseScheduled(ctx context.Context, now time.Time, limit int) ([]*job.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*job.Job
	for _, j := range s.jobs {
		if j.Status == job.StateRetryScheduled && !j.NextAttemptAfter.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].NextAttemptAfter.Before(due[k].NextAttemptAfter) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	var events []*job.Event
	for _, j := range due {
		j.Status = job.StatePending
		j.UpdatedAt = s.now()
		events = append(events, s.appendEvent(&job.Event{
			JobID:       j.ID,
			ScopeTenant: j.ScopeTenant,
			Type:        job.EventStateChange,
			FromState:   job.StateRetryScheduled,
			ToState:     job.StatePending,
			Message:     "backoff elapsed",
		}))
	}
	return events, nil
}

func (s *Store) RefreshPriorities(ctx context.Context, w priority.Weights, now time.Time) ([]*job.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []*job.Event
	for _, j := range s.jobs {
		if j.Status != job.StatePending {
			continue
		}
		age := now.Sub(j.CreatedAt)
		if s.scorer.ShouldEscalate(j.Tier, age, j.Escalated) {
			j.Escalated = true
			j.UpdatedAt = s.now()
			events = append(events, s.appendEvent(&job.Event{
				JobID:       j.ID,
				ScopeTenant: j.ScopeTenant,
				Type:        job.EventStateChange,
				FromState:   job.StatePending,
				ToState:     job.StatePending,
				Message:     "escalated to normal band after waiting " + age.Truncate(time.Second).String(),
			}))
		}
		j.EffectivePriority = s.scorer.Score(j.Tier, age, j.Escalated)
	}
	return events, nil
}

func (s *Store) EventsSince(ctx context.Context, tenant string, since time.Time, limit int) ([]*job.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*job.Event
	for _, e := range s.events {
		if e.ScopeTenant != tenant || !e.OccurredAt.After(since) {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ListDeadLetters(ctx context.Context, tenant string, offset, limit int) ([]*job.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*job.DeadLetter
	for _, dl := range s.letters {
		if dl.ScopeTenant != tenant || dl.ArchivedAt != nil {
			continue
		}
		all = append(all, dl)
	}
	sort.Slice(all, func(i, k int) bool { return all[i].CreatedAt.Before(all[k].CreatedAt) })

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	out := make([]*job.DeadLetter, len(all))
	for i, dl := range all {
		cp := *dl
		out[i] = &cp
	}
	return out, nil
}

func (s *Store) ResubmitDeadLetter(ctx context.Context, jobID string) (*job.Job, *job.Event, error) {
	s.mu.Lock()
	dl, ok := s.letters[jobID]
	if !ok || dl.ArchivedAt != nil {
		s.mu.Unlock()
		return nil, nil, &ebberrors.JobNotFoundError{JobID: jobID}
	}
	orig := s.jobs[jobID]
	now := s.now()
	dl.ArchivedAt = &now
	params := store.SubmitParams{
		ScopeTenant: dl.ScopeTenant,
		ScopeUser:   dl.ScopeUser,
		Kind:        dl.Kind,
		Tier:        orig.Tier,
		Payload:     dl.Payload,
		MaxRetries:  orig.MaxRetries,
	}
	s.mu.Unlock()

	// Fresh job, fresh retry budget. The dead letter stays archived for
	// audit.
	j, evt, _, err := s.Submit(ctx, params)
	return j, evt, err
}

func (s *Store) ArchiveDeadLetter(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dl, ok := s.letters[jobID]
	if !ok || dl.ArchivedAt != nil {
		return &ebberrors.JobNotFoundError{JobID: jobID}
	}
	now := s.now()
	dl.ArchivedAt = &now
	return nil
}

func (s *Store) PurgeDeadLetters(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, dl := range s.letters {
		if dl.ArchivedAt != nil && dl.ArchivedAt.Before(olderThan) {
			delete(s.letters, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) TenantStats(ctx context.Context, tenant string) (*store.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &store.Stats{}
	for _, j := range s.jobs {
		if j.ScopeTenant != tenant {
			continue
		}
		switch j.Status {
		case job.StatePending:
			stats.Pending++
		case job.StateClaimed:
			stats.Claimed++
		case job.StateRunning:
			stats.Running++
		case job.StateCompleted:
			stats.Completed++
		case job.StateRetryScheduled:
			stats.RetryScheduled++
		case job.StateDeadLettered:
			stats.DeadLettered++
		case job.StateCanceled:
			stats.Canceled++
		}
	}
	return stats, nil
}

func (s *Store) Close() error { return nil }

// held looks up a job and verifies the caller still owns it and the
// requested transition is allowed. Callers hold s.mu.
func (s *Store) held(id, workerID string, to job.State) (*job.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, &ebberrors.JobNotFoundError{JobID: id}
	}
	if !j.Status.CanTransitionTo(to) {
		return nil, &ebberrors.InvalidTransitionError{JobID: id, From: string(j.Status), To: string(to)}
	}
	if j.ClaimedBy == nil || *j.ClaimedBy != workerID {
		return nil, &ebberrors.NotOwnerError{JobID: id, WorkerID: workerID}
	}
	return j, nil
}

// appendEvent stamps and stores an event. Timestamps are forced strictly
// monotonic so replay order matches append order. Callers hold s.mu.
func (s *Store) appendEvent(e *job.Event) *job.Event {
	e.OccurredAt = s.now()
	if n := len(s.events); n > 0 && !e.OccurredAt.After(s.events[n-1].OccurredAt) {
		e.OccurredAt = s.events[n-1].OccurredAt.Add(time.Microsecond)
	}
	s.events = append(s.events, e)
	cp := *e
	return &cp
}

func clone(j *job.Job) *job.Job {
	cp := *j
	if j.ClaimedBy != nil {
		w := *j.ClaimedBy
		cp.ClaimedBy = &w
	}
	if j.LastError != nil {
		le := *j.LastError
		cp.LastError = &le
	}
	return &cp
}
