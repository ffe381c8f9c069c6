package jobs_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"outreach-platform/internal/jobs"
	"outreach-platform/internal/testutil"
)

func TestPostgresStore_Integration(t *testing.T) {
	db := testutil.Postgres(t)
	s := jobs.NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	const n = 20
	batch := make([]jobs.Job, 0, n)
	for i := 0; i < n; i++ {
		batch = append(batch, jobs.Job{Kind: jobs.KindCall, MaxAttempts: 2, Payload: jobs.Payload{RunID: "run-it", Seq: 1}})
	}
	_, err := s.Enqueue(ctx, batch...)
	require.NoError(t, err)

	t.Run("claims are exclusive", func(t *testing.T) {
		var (
			mu   sync.Mutex
			seen = map[string]bool{}
			wg   sync.WaitGroup
		)
		for w := 0; w < 6; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					j, err := s.Claim(ctx, jobs.KindCall, "it", now.Add(time.Second), time.Minute)
					if errors.Is(err, jobs.ErrNoJob) {
						return
					}
					if err != nil {
						t.Errorf("claim: %v", err)
						return
					}
					mu.Lock()
					if seen[j.ID] {
						t.Errorf("job %s claimed twice", j.ID)
					}
					seen[j.ID] = true
					mu.Unlock()
					if _, err := s.Retry(ctx, j.Claim(), "timeout", now.Add(time.Hour), now); err != nil {
						t.Errorf("retry: %v", err)
					}
				}
			}()
		}
		wg.Wait()
		require.Len(t, seen, n)
	})

	t.Run("retry dead-letters at budget", func(t *testing.T) {
		later := now.Add(2 * time.Hour)
		j, err := s.Claim(ctx, jobs.KindCall, "it", later, time.Minute)
		require.NoError(t, err)
		out, err := s.Retry(ctx, j.Claim(), "timeout", later, later)
		require.NoError(t, err)
		require.Equal(t, jobs.StatusDeadLettered, out.Status)
		require.Equal(t, 2, out.Attempts)

		failed, err := s.ListFailed(ctx, jobs.FailedFilter{RunID: "run-it"})
		require.NoError(t, err)
		require.Len(t, failed, 1)

		rq, err := s.Requeue(ctx, out.ID, later)
		require.NoError(t, err)
		require.Equal(t, jobs.StatusQueued, rq.Status)
		require.Equal(t, 2, rq.Attempts)
		require.Equal(t, 1, rq.Requeues)
	})

	t.Run("dedupe while open", func(t *testing.T) {
		tts := jobs.Job{Kind: jobs.KindTTS, MaxAttempts: 3, DedupeKey: "tts:it", Payload: jobs.Payload{Fingerprint: "it"}}
		a, err := s.Enqueue(ctx, tts)
		require.NoError(t, err)
		b, err := s.Enqueue(ctx, tts)
		require.NoError(t, err)
		require.Equal(t, a[0].ID, b[0].ID)

		open, err := s.HasOpenDependents(ctx, "it")
		require.NoError(t, err)
		require.True(t, open)
	})
}
