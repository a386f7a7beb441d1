package integration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/forsitet/fwbot/internal/domain"
	"github.com/forsitet/fwbot/internal/queue"
	"github.com/forsitet/fwbot/internal/repo/postgres"
	"github.com/forsitet/fwbot/internal/service"
)

func TestConcurrentRunnersProcessEachTaskOnce(t *testing.T) {
	db := openTestDB(t)
	store := postgres.NewStore(db)
	s := seedProject(t, store, "a", "b")
	ctx := context.Background()

	root := createPR(t, store, domain.PullRequest{RepositoryID: s.repo.ID, Number: 10, TargetID: s.branches["a"].ID, Head: "h"})
	const tasks = 30
	for i := 0; i < tasks; i++ {
		_, err := store.EnqueueUpdate(ctx, root.ID, root.ID)
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := make(map[int64]int)
	handler := func(ctx context.Context, st *postgres.Store, id int64) error {
		if _, err := st.GetUpdateTask(ctx, id); err != nil {
			return err
		}
		mu.Lock()
		seen[id]++
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		return nil
	}
	opts := queue.Options{BatchSize: tasks, Workers: 4}
	runners := []*queue.Runner[*postgres.Store]{
		queue.NewRunner[*postgres.Store](postgres.NewUpdateBacklog(db), handler, opts, discardLogger()),
		queue.NewRunner[*postgres.Store](postgres.NewUpdateBacklog(db), handler, opts, discardLogger()),
	}

	for pass := 0; pass < 10; pass++ {
		g, gctx := errgroup.WithContext(ctx)
		for _, r := range runners {
			g.Go(func() error {
				_, err := r.RunOnce(gctx)
				return err
			})
		}
		require.NoError(t, g.Wait())

		counts, err := store.QueueCounts(ctx)
		require.NoError(t, err)
		if counts.Update == 0 {
			break
		}
	}

	require.Len(t, seen, tasks)
	for id, n := range seen {
		require.Equal(t, 1, n, "task %d", id)
	}
}

func TestForwardPortFailureIsRescheduled(t *testing.T) {
	db := openTestDB(t)
	store := postgres.NewStore(db)
	s := seedProject(t, store, "a", "b")
	ctx := context.Background()

	pr := createPR(t, store, domain.PullRequest{RepositoryID: s.repo.ID, Number: 10, TargetID: s.branches["a"].ID, Head: "h", State: domain.PRStateMerged})
	batch := domain.Batch{TargetID: s.branches["a"].ID, Active: true, PRIDs: []int64{pr.ID}}
	require.NoError(t, store.CreateBatch(ctx, &batch))
	taskID, err := store.EnqueueForwardPort(ctx, batch.ID, domain.TaskSourceMerge)
	require.NoError(t, err)

	// ahead of the database clock so the new task is due
	now := time.Now().Add(time.Minute)
	retry := queue.RetryPolicy{Initial: time.Minute, Max: time.Hour}
	runner := queue.NewRunner[*postgres.Store](
		postgres.NewForwardPortBacklog(db, retry, func() time.Time { return now }),
		func(context.Context, *postgres.Store, int64) error { return errors.New("hosting unavailable") },
		queue.Options{BatchSize: 10, Workers: 2},
		discardLogger(),
	)

	stats, err := runner.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, queue.Stats{Failed: 1}, stats)

	task, err := store.GetForwardPortTask(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, 1, task.Attempts)
	require.WithinDuration(t, now.Add(retry.Delay(1)), task.RetryAfter, time.Second)

	// not eligible again before its retry time
	stats, err = runner.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, queue.Stats{}, stats)

	now = now.Add(2 * time.Hour)
	stats, err = runner.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, queue.Stats{Failed: 1}, stats)

	task, err = store.GetForwardPortTask(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, 2, task.Attempts)
}

func TestFailedUpdateIsDropped(t *testing.T) {
	db := openTestDB(t)
	store := postgres.NewStore(db)
	s := seedProject(t, store, "a")
	ctx := context.Background()

	root := createPR(t, store, domain.PullRequest{RepositoryID: s.repo.ID, Number: 10, TargetID: s.branches["a"].ID, Head: "h"})
	_, err := store.EnqueueUpdate(ctx, root.ID, root.ID)
	require.NoError(t, err)

	runner := queue.NewRunner[*postgres.Store](
		postgres.NewUpdateBacklog(db),
		func(context.Context, *postgres.Store, int64) error { return errors.New("descendant vanished") },
		queue.Options{},
		discardLogger(),
	)
	stats, err := runner.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Failed)

	counts, err := store.QueueCounts(ctx)
	require.NoError(t, err)
	require.Zero(t, counts.Update)
}

func TestRacingUpdateIsKept(t *testing.T) {
	db := openTestDB(t)
	store := postgres.NewStore(db)
	s := seedProject(t, store, "a")
	ctx := context.Background()

	root := createPR(t, store, domain.PullRequest{RepositoryID: s.repo.ID, Number: 10, TargetID: s.branches["a"].ID, Head: "h"})
	_, err := store.EnqueueUpdate(ctx, root.ID, root.ID)
	require.NoError(t, err)

	calls := 0
	runner := queue.NewRunner[*postgres.Store](
		postgres.NewUpdateBacklog(db).RetryOn(service.IsRace),
		func(context.Context, *postgres.Store, int64) error {
			calls++
			if calls == 1 {
				return fmt.Errorf("lock pull_request %d: %w", root.ID, domain.ErrLocked)
			}
			return nil
		},
		queue.Options{},
		discardLogger(),
	)

	stats, err := runner.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Failed)
	counts, err := store.QueueCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), counts.Update)

	stats, err = runner.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Completed)
	counts, err = store.QueueCounts(ctx)
	require.NoError(t, err)
	require.Zero(t, counts.Update)
}
