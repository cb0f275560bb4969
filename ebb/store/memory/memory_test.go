package memory

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ebberrors "github.com/oduya/ebb/ebb/errors"
	"github.com/oduya/ebb/ebb/job"
	"github.com/oduya/ebb/ebb/priority"
	"github.com/oduya/ebb/ebb/store"
)

func testWeights() priority.Weights {
	return priority.Weights{
		UrgentBase:    1000,
		NormalBase:    100,
		LowBase:       10,
		NormalBoost:   50,
		NormalAfter:   15 * time.Minute,
		LowBoost:      20,
		LowAfter:      30 * time.Minute,
		EscalateAfter: time.Hour,
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(priority.NewScorer(testWeights()))
}

func submit(t *testing.T, s *Store, tenant, user, kind string, tier job.Tier) *job.Job {
	t.Helper()
	j, evt, created, err := s.Submit(context.Background(), store.SubmitParams{
		ScopeTenant: tenant,
		ScopeUser:   user,
		Kind:        kind,
		Tier:        tier,
		Payload:     json.RawMessage(`{"n":1}`),
		MaxRetries:  3,
	})
	require.NoError(t, err)
	require.True(t, created)
	require.NotNil(t, evt)
	return j
}

func TestSubmit_Idempotency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := store.SubmitParams{
		ScopeTenant:    "acme",
		ScopeUser:      "u1",
		Kind:           "provision",
		Tier:           job.TierNormal,
		Payload:        json.RawMessage(`{"host":"db-1"}`),
		IdempotencyKey: "req-42",
	}
	first, evt, created, err := s.Submit(ctx, p)
	require.NoError(t, err)
	require.True(t, created)
	require.NotNil(t, evt)
	assert.Equal(t, job.StatePending, first.Status)

	second, evt, created, err := s.Submit(ctx, p)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Nil(t, evt)
	assert.Equal(t, first.ID, second.ID)

	// Same key under another tenant is a distinct job.
	p.ScopeTenant = "globex"
	third, _, created, err := s.Submit(ctx, p)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestClaimNext_PriorityOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	clock := now
	s.SetClock(func() time.Time { return clock })

	low := submit(t, s, "acme", "u1", "export", job.TierLow)
	clock = clock.Add(time.Millisecond)
	normalOld := submit(t, s, "acme", "u1", "export", job.TierNormal)
	clock = clock.Add(time.Millisecond)
	normalNew := submit(t, s, "acme", "u1", "export", job.TierNormal)
	clock = clock.Add(time.Millisecond)
	urgent := submit(t, s, "acme", "u1", "export", job.TierUrgent)

	want := []string{urgent.ID, normalOld.ID, normalNew.ID, low.ID}
	for i, id := range want {
		j, evt, err := s.ClaimNext(ctx, "w1")
		require.NoError(t, err)
		require.NotNil(t, j, "claim %d", i)
		assert.Equal(t, id, j.ID, "claim %d", i)
		assert.Equal(t, job.StateClaimed, j.Status)
		require.NotNil(t, j.ClaimedBy)
		assert.Equal(t, "w1", *j.ClaimedBy)
		require.NotNil(t, evt)
		assert.Equal(t, job.StateClaimed, evt.ToState)
	}

	j, _, err := s.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, j)
}

func TestClaimNext_ExclusiveUnderConcurrency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const jobs = 20
	const workers = 8
	for i := 0; i < jobs; i++ {
		submit(t, s, "acme", "u1", "export", job.TierNormal)
	}

	var mu sync.Mutex
	var ids []string
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				j, _, err := s.ClaimNext(ctx, worker)
				if err != nil || j == nil {
					return
				}
				mu.Lock()
				ids = append(ids, j.ID)
				mu.Unlock()
			}
		}("w" + string(rune('a'+w)))
	}
	wg.Wait()

	require.Len(t, ids, jobs)
	seen := make(map[string]bool, jobs)
	for _, id := range ids {
		assert.False(t, seen[id], "job %s claimed twice", id)
		seen[id] = true
	}
}

func TestLazyScoring_AgedJobOvertakesButNeverUrgent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	start := time.Now()
	clock := start
	s.SetClock(func() time.Time { return clock })

	aged := submit(t, s, "acme", "u1", "export", job.TierNormal)
	// Submitted 20 minutes later, so without aging it would tie on base
	// weight and lose only on age.
	clock = start.Add(20 * time.Minute)
	fresh := submit(t, s, "acme", "u1", "export", job.TierNormal)
	urgent := submit(t, s, "acme", "u1", "export", job.TierUrgent)

	j, _, err := s.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, urgent.ID, j.ID)
	assert.Equal(t, float64(1000), j.EffectivePriority)

	j, _, err = s.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, aged.ID, j.ID)
	assert.Equal(t, float64(150), j.EffectivePriority)
	assert.Less(t, j.EffectivePriority, float64(1000))

	j, _, err = s.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, j.ID)
}

func TestRefreshPriorities_EscalatesLowOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	start := time.Now()
	clock := start
	s.SetClock(func() time.Time { return clock })

	low := submit(t, s, "acme", "u1", "export", job.TierLow)

	events, err := s.RefreshPriorities(ctx, testWeights(), start.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, events, "below the escalation threshold")

	clock = start.Add(2 * time.Hour)
	events, err = s.RefreshPriorities(ctx, testWeights(), clock)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, low.ID, events[0].JobID)
	assert.Contains(t, events[0].Message, "escalated")

	got, err := s.GetJob(ctx, low.ID)
	require.NoError(t, err)
	assert.True(t, got.Escalated)
	// Escalated low now scores in the aged-normal band, still below urgent.
	assert.Equal(t, float64(150), got.EffectivePriority)

	// A second sweep must not escalate again.
	events, err = s.RefreshPriorities(ctx, testWeights(), clock.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRequeue_RecordsErrorAndBackoff(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := submit(t, s, "acme", "u1", "export", job.TierNormal)
	_, _, err := s.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	_, _, err = s.MarkRunning(ctx, j.ID, "w1")
	require.NoError(t, err)

	next := time.Now().Add(4 * time.Second)
	cause := job.ErrInfo{Kind: job.ErrKindTransient, Message: "connection reset"}
	requeued, events, err := s.Requeue(ctx, j.ID, "w1", next, true, cause)
	require.NoError(t, err)

	assert.Equal(t, job.StateRetryScheduled, requeued.Status)
	assert.Equal(t, 1, requeued.RetryCount)
	assert.Nil(t, requeued.ClaimedBy)
	require.NotNil(t, requeued.LastError)
	assert.Equal(t, job.ErrKindTransient, requeued.LastError.Kind)
	assert.True(t, requeued.NextAttemptAfter.Equal(next))

	// Error event precedes the state change.
	require.Len(t, events, 2)
	assert.Equal(t, job.EventError, events[0].Type)
	assert.Equal(t, job.EventStateChange, events[1].Type)
	assert.Equal(t, job.StateRetryScheduled, events[1].ToState)
	assert.True(t, events[0].OccurredAt.Before(events[1].OccurredAt))

	// Not claimable until the backoff elapses and the sweep releases it.
	claimed, _, err := s.ClaimNext(ctx, "w2")
	require.NoError(t, err)
	assert.Nil(t, claimed)

	released, err := s.ReleaseScheduled(ctx, next.Add(time.Second), 100)
	require.NoError(t, err)
	require.Len(t, released, 1)
	assert.Equal(t, job.StatePending, released[0].ToState)

	claimed, _, err = s.ClaimNext(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, j.ID, claimed.ID)
}

func TestRequeue_RateLimitedKeepsRetryBudget(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := submit(t, s, "acme", "u1", "export", job.TierNormal)
	_, _, err := s.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	_, _, err = s.MarkRunning(ctx, j.ID, "w1")
	require.NoError(t, err)

	cause := job.ErrInfo{Kind: job.ErrKindRateLimited, Message: "tenant quota exhausted"}
	requeued, _, err := s.Requeue(ctx, j.ID, "w1", time.Now().Add(time.Second), false, cause)
	require.NoError(t, err)
	assert.Equal(t, 0, requeued.RetryCount)
}

func TestDeadLetter_SnapshotsAttemptHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := submit(t, s, "acme", "u1", "export", job.TierNormal)

	fail := func(msg string) {
		_, _, err := s.ClaimNext(ctx, "w1")
		require.NoError(t, err)
		_, _, err = s.MarkRunning(ctx, j.ID, "w1")
		require.NoError(t, err)
		_, _, err = s.Requeue(ctx, j.ID, "w1", time.Now().Add(-time.Second), true,
			job.ErrInfo{Kind: job.ErrKindTransient, Message: msg})
		require.NoError(t, err)
		_, err = s.ReleaseScheduled(ctx, time.Now(), 100)
		require.NoError(t, err)
	}
	fail("timeout on attempt 1")
	fail("timeout on attempt 2")

	_, _, err := s.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	_, _, err = s.MarkRunning(ctx, j.ID, "w1")
	require.NoError(t, err)
	dead, events, err := s.DeadLetter(ctx, j.ID, "w1",
		job.ErrInfo{Kind: job.ErrKindTerminal, Message: "bucket does not exist"})
	require.NoError(t, err)
	assert.Equal(t, job.StateDeadLettered, dead.Status)
	require.Len(t, events, 2)
	assert.Equal(t, job.EventError, events[0].Type)

	letters, err := s.ListDeadLetters(ctx, "acme", 0, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	dl := letters[0]
	assert.Equal(t, j.ID, dl.JobID)
	assert.JSONEq(t, `{"n":1}`, string(dl.Payload))
	require.Len(t, dl.Attempts, 3)
	assert.Equal(t, job.ErrKindTransient, dl.Attempts[0].Kind)
	assert.Equal(t, "timeout on attempt 1", dl.Attempts[0].Message)
	assert.Equal(t, job.ErrKindTerminal, dl.Attempts[2].Kind)
}

func TestCancel_Semantics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("pending job cancels cleanly", func(t *testing.T) {
		j := submit(t, s, "acme", "u1", "export", job.TierNormal)
		canceled, evt, err := s.Cancel(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, job.StateCanceled, canceled.Status)
		assert.Equal(t, job.StateCanceled, evt.ToState)
	})

	t.Run("running job cancels and worker commit is rejected", func(t *testing.T) {
		j := submit(t, s, "acme", "u1", "export", job.TierNormal)
		_, _, err := s.ClaimNext(ctx, "w1")
		require.NoError(t, err)
		_, _, err = s.MarkRunning(ctx, j.ID, "w1")
		require.NoError(t, err)

		_, _, err = s.Cancel(ctx, j.ID)
		require.NoError(t, err)

		_, _, err = s.Complete(ctx, j.ID, "w1")
		require.Error(t, err)
		assert.True(t, ebberrors.IsInvalidTransition(err))
	})

	t.Run("terminal job cannot be canceled", func(t *testing.T) {
		j := submit(t, s, "acme", "u1", "export", job.TierNormal)
		_, _, err := s.ClaimNext(ctx, "w1")
		require.NoError(t, err)
		_, _, err = s.MarkRunning(ctx, j.ID, "w1")
		require.NoError(t, err)
		_, _, err = s.Complete(ctx, j.ID, "w1")
		require.NoError(t, err)

		_, _, err = s.Cancel(ctx, j.ID)
		require.Error(t, err)
		assert.True(t, ebberrors.IsInvalidTransition(err))
	})

	t.Run("unknown job", func(t *testing.T) {
		_, _, err := s.Cancel(ctx, "nope")
		require.Error(t, err)
		assert.True(t, ebberrors.IsJobNotFound(err))
	})
}

func TestOwnership_Enforced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := submit(t, s, "acme", "u1", "export", job.TierNormal)
	_, _, err := s.ClaimNext(ctx, "w1")
	require.NoError(t, err)

	_, _, err = s.MarkRunning(ctx, j.ID, "w2")
	require.Error(t, err)
	assert.True(t, ebberrors.IsNotOwner(err))

	_, _, err = s.MarkRunning(ctx, j.ID, "w1")
	require.NoError(t, err)
	_, _, err = s.Complete(ctx, j.ID, "w2")
	require.Error(t, err)
	assert.True(t, ebberrors.IsNotOwner(err))
}

func TestEventsSince_ReplaysTenantHistoryInOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := submit(t, s, "acme", "u1", "export", job.TierNormal)
	submit(t, s, "globex", "u9", "export", job.TierNormal)

	_, _, err := s.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	// Other tenant's job stays pending; acme's was the only normal claimable
	// first because both share a base weight but acme's is older.
	_, _, err = s.MarkRunning(ctx, j.ID, "w1")
	require.NoError(t, err)
	_, err = s.RecordProgress(ctx, j.ID, 50, "halfway")
	require.NoError(t, err)
	_, _, err = s.Complete(ctx, j.ID, "w1")
	require.NoError(t, err)

	events, err := s.EventsSince(ctx, "acme", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for _, e := range events {
		assert.Equal(t, "acme", e.ScopeTenant)
	}
	for i := 1; i < len(events); i++ {
		assert.True(t, events[i].OccurredAt.After(events[i-1].OccurredAt),
			"events must be strictly ordered")
	}

	// A reconnecting consumer resumes from its cursor without duplicates.
	cursor := events[2].OccurredAt
	tail, err := s.EventsSince(ctx, "acme", cursor, 0)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, job.EventProgress, tail[0].Type)
	assert.Equal(t, job.StateCompleted, tail[1].ToState)
}

func TestResubmitDeadLetter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := submit(t, s, "acme", "u1", "export", job.TierNormal)
	_, _, err := s.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	_, _, err = s.MarkRunning(ctx, j.ID, "w1")
	require.NoError(t, err)
	_, _, err = s.DeadLetter(ctx, j.ID, "w1",
		job.ErrInfo{Kind: job.ErrKindTerminal, Message: "forbidden"})
	require.NoError(t, err)

	fresh, evt, err := s.ResubmitDeadLetter(ctx, j.ID)
	require.NoError(t, err)
	require.NotNil(t, evt)
	assert.NotEqual(t, j.ID, fresh.ID)
	assert.Equal(t, job.StatePending, fresh.Status)
	assert.Equal(t, 0, fresh.RetryCount)
	assert.Equal(t, j.Kind, fresh.Kind)

	// The consumed entry leaves the listing and cannot be resubmitted twice.
	letters, err := s.ListDeadLetters(ctx, "acme", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, letters)
	_, _, err = s.ResubmitDeadLetter(ctx, j.ID)
	require.Error(t, err)
	assert.True(t, ebberrors.IsJobNotFound(err))
}

func TestTenantStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := submit(t, s, "acme", "u1", "export", job.TierUrgent)
	submit(t, s, "acme", "u1", "export", job.TierNormal)
	submit(t, s, "globex", "u9", "export", job.TierNormal)

	_, _, err := s.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	_, _, err = s.MarkRunning(ctx, a.ID, "w1")
	require.NoError(t, err)
	_, _, err = s.Complete(ctx, a.ID, "w1")
	require.NoError(t, err)

	stats, err := s.TenantStats(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(2), stats.Total())
}
