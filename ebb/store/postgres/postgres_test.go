package postgres_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	ebberrors "github.com/oduya/ebb/ebb/errors"
	"github.com/oduya/ebb/ebb/job"
	"github.com/oduya/ebb/ebb/priority"
	"github.com/oduya/ebb/ebb/store"
	"github.com/oduya/ebb/ebb/store/postgres"
)

func setupStore(t *testing.T) *postgres.Store {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "ebb",
			"POSTGRES_PASSWORD": "ebb",
			"POSTGRES_DB":       "ebb_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(time.Minute),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start postgres container")

	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mappedPort, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://ebb:ebb@%s:%s/ebb_test?sslmode=disable",
		host, mappedPort.Port())

	require.NoError(t, postgres.Migrate(dsn, "migrations"))

	s, err := postgres.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func submitTier(t *testing.T, s *postgres.Store, tenant string, tier job.Tier, base float64) *job.Job {
	t.Helper()
	j, _, created, err := s.Submit(context.Background(), store.SubmitParams{
		ScopeTenant:  tenant,
		ScopeUser:    "u1",
		Kind:         "export",
		Tier:         tier,
		Payload:      json.RawMessage(`{"n":1}`),
		MaxRetries:   3,
		BasePriority: base,
	})
	require.NoError(t, err)
	require.True(t, created)
	return j
}

func TestPostgresStore_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	s := setupStore(t)
	ctx := context.Background()

	t.Run("idempotent submission", func(t *testing.T) {
		p := store.SubmitParams{
			ScopeTenant:    "idem",
			ScopeUser:      "u1",
			Kind:           "export",
			Tier:           job.TierNormal,
			Payload:        json.RawMessage(`{"n":1}`),
			IdempotencyKey: "req-1",
			BasePriority:   100,
		}
		first, evt, created, err := s.Submit(ctx, p)
		require.NoError(t, err)
		require.True(t, created)
		require.NotNil(t, evt)

		second, evt, created, err := s.Submit(ctx, p)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Nil(t, evt)
		assert.Equal(t, first.ID, second.ID)

		// Keep the job out of later claim-order subtests.
		_, _, err = s.Cancel(ctx, first.ID)
		require.NoError(t, err)
	})

	t.Run("claim order and lifecycle", func(t *testing.T) {
		low := submitTier(t, s, "order", job.TierLow, 10)
		urgent := submitTier(t, s, "order", job.TierUrgent, 1000)
		normal := submitTier(t, s, "order", job.TierNormal, 100)

		for i, want := range []string{urgent.ID, normal.ID, low.ID} {
			j, evt, err := s.ClaimNext(ctx, "w1")
			require.NoError(t, err)
			require.NotNil(t, j, "claim %d", i)
			assert.Equal(t, want, j.ID, "claim %d", i)
			assert.Equal(t, job.StateClaimed, evt.ToState)

			_, _, err = s.MarkRunning(ctx, j.ID, "w1")
			require.NoError(t, err)
			done, _, err := s.Complete(ctx, j.ID, "w1")
			require.NoError(t, err)
			assert.Equal(t, job.StateCompleted, done.Status)
			assert.Equal(t, 100, done.Progress)
			assert.Nil(t, done.ClaimedBy)
		}

		j, _, err := s.ClaimNext(ctx, "w1")
		require.NoError(t, err)
		assert.Nil(t, j)
	})

	t.Run("skip locked keeps concurrent claims disjoint", func(t *testing.T) {
		const jobs = 12
		for i := 0; i < jobs; i++ {
			submitTier(t, s, "race", job.TierNormal, 100)
		}

		var mu sync.Mutex
		var ids []string
		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
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
			}(fmt.Sprintf("w%d", w))
		}
		wg.Wait()

		require.Len(t, ids, jobs)
		seen := make(map[string]bool, jobs)
		for _, id := range ids {
			assert.False(t, seen[id], "job %s claimed twice", id)
			seen[id] = true
		}
	})

	t.Run("requeue then dead-letter with attempt history", func(t *testing.T) {
		j := submitTier(t, s, "dlq", job.TierNormal, 100)

		_, _, err := s.ClaimNext(ctx, "w1")
		require.NoError(t, err)
		_, _, err = s.MarkRunning(ctx, j.ID, "w1")
		require.NoError(t, err)

		requeued, events, err := s.Requeue(ctx, j.ID, "w1",
			time.Now().Add(-time.Second), true,
			job.ErrInfo{Kind: job.ErrKindTransient, Message: "timeout"})
		require.NoError(t, err)
		assert.Equal(t, 1, requeued.RetryCount)
		require.NotNil(t, requeued.LastError)
		assert.Equal(t, job.ErrKindTransient, requeued.LastError.Kind)
		require.Len(t, events, 2)
		assert.Equal(t, job.EventError, events[0].Type)

		released, err := s.ReleaseScheduled(ctx, time.Now(), 100)
		require.NoError(t, err)
		require.Len(t, released, 1)

		_, _, err = s.ClaimNext(ctx, "w1")
		require.NoError(t, err)
		_, _, err = s.MarkRunning(ctx, j.ID, "w1")
		require.NoError(t, err)
		dead, _, err := s.DeadLetter(ctx, j.ID, "w1",
			job.ErrInfo{Kind: job.ErrKindTerminal, Message: "forbidden"})
		require.NoError(t, err)
		assert.Equal(t, job.StateDeadLettered, dead.Status)

		letters, err := s.ListDeadLetters(ctx, "dlq", 0, 10)
		require.NoError(t, err)
		require.Len(t, letters, 1)
		require.Len(t, letters[0].Attempts, 2)
		assert.Equal(t, job.ErrKindTransient, letters[0].Attempts[0].Kind)
		assert.Equal(t, job.ErrKindTerminal, letters[0].Attempts[1].Kind)

		fresh, _, err := s.ResubmitDeadLetter(ctx, j.ID)
		require.NoError(t, err)
		assert.NotEqual(t, j.ID, fresh.ID)
		assert.Equal(t, 0, fresh.RetryCount)

		letters, err = s.ListDeadLetters(ctx, "dlq", 0, 10)
		require.NoError(t, err)
		assert.Empty(t, letters)

		_, _, err = s.Cancel(ctx, fresh.ID)
		require.NoError(t, err)
	})

	t.Run("ownership and transition guards", func(t *testing.T) {
		j := submitTier(t, s, "guards", job.TierNormal, 100)
		_, _, err := s.ClaimNext(ctx, "w1")
		require.NoError(t, err)

		_, _, err = s.MarkRunning(ctx, j.ID, "w2")
		assert.True(t, ebberrors.IsNotOwner(err))

		_, _, err = s.Complete(ctx, j.ID, "w1")
		assert.True(t, ebberrors.IsInvalidTransition(err), "claimed cannot jump to completed")

		_, _, err = s.MarkRunning(ctx, j.ID, "w1")
		require.NoError(t, err)
		_, _, err = s.Cancel(ctx, j.ID)
		require.NoError(t, err)
		_, _, err = s.Complete(ctx, j.ID, "w1")
		assert.True(t, ebberrors.IsInvalidTransition(err))
	})

	t.Run("refresh priorities escalates aged low jobs once", func(t *testing.T) {
		w := priority.Weights{
			UrgentBase:    1000,
			NormalBase:    100,
			LowBase:       10,
			NormalBoost:   50,
			NormalAfter:   15 * time.Minute,
			LowBoost:      20,
			LowAfter:      30 * time.Minute,
			EscalateAfter: time.Hour,
		}
		j := submitTier(t, s, "aging", job.TierLow, 10)

		events, err := s.RefreshPriorities(ctx, w, time.Now())
		require.NoError(t, err)
		assert.Empty(t, events)

		// Pretend the job has waited two hours.
		future := time.Now().Add(2 * time.Hour)
		events, err = s.RefreshPriorities(ctx, w, future)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, j.ID, events[0].JobID)

		got, err := s.GetJob(ctx, j.ID)
		require.NoError(t, err)
		assert.True(t, got.Escalated)
		assert.Equal(t, float64(150), got.EffectivePriority)

		events, err = s.RefreshPriorities(ctx, w, future.Add(time.Hour))
		require.NoError(t, err)
		assert.Empty(t, events)

		_, _, err = s.Cancel(ctx, j.ID)
		require.NoError(t, err)
	})

	t.Run("event replay is ordered and tenant scoped", func(t *testing.T) {
		j := submitTier(t, s, "replay", job.TierNormal, 100)
		_, _, err := s.ClaimNext(ctx, "w1")
		require.NoError(t, err)
		_, _, err = s.MarkRunning(ctx, j.ID, "w1")
		require.NoError(t, err)
		_, err = s.RecordProgress(ctx, j.ID, 40, "crunching")
		require.NoError(t, err)
		_, _, err = s.Complete(ctx, j.ID, "w1")
		require.NoError(t, err)

		events, err := s.EventsSince(ctx, "replay", time.Time{}, 0)
		require.NoError(t, err)
		require.Len(t, events, 5)
		for i := 1; i < len(events); i++ {
			assert.False(t, events[i].OccurredAt.Before(events[i-1].OccurredAt))
		}

		tail, err := s.EventsSince(ctx, "replay", events[2].OccurredAt, 0)
		require.NoError(t, err)
		require.Len(t, tail, 2)
		assert.Equal(t, job.EventProgress, tail[0].Type)
		assert.Equal(t, job.StateCompleted, tail[1].ToState)
	})

	t.Run("tenant stats", func(t *testing.T) {
		submitTier(t, s, "stats", job.TierNormal, 100)
		submitTier(t, s, "stats", job.TierLow, 10)

		stats, err := s.TenantStats(ctx, "stats")
		require.NoError(t, err)
		assert.Equal(t, int64(2), stats.Pending)
		assert.Equal(t, int64(2), stats.Total())
	})
}
