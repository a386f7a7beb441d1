package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// memBacklog is an in-memory backlog with the same skip-on-contention
// contract as the database backlogs.
type memBacklog struct {
	mu      sync.Mutex
	items   []int64
	held    map[int64]bool
	retries map[int64]int
	retry   bool
}

func newMemBacklog(n int, retry bool) *memBacklog {
	b := &memBacklog{held: make(map[int64]bool), retries: make(map[int64]int), retry: retry}
	for i := 1; i <= n; i++ {
		b.items = append(b.items, int64(i))
	}
	return b
}

func (b *memBacklog) Kind() string { return "memory" }

func (b *memBacklog) Pending(_ context.Context, limit int) ([]int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) < limit {
		limit = len(b.items)
	}
	return append([]int64(nil), b.items[:limit]...), nil
}

func (b *memBacklog) Acquire(_ context.Context, id int64) (Lease[*memStore], bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.held[id] || !b.contains(id) {
		return nil, false, nil
	}
	b.held[id] = true
	return &memLease{b: b, id: id}, true, nil
}

func (b *memBacklog) contains(id int64) bool {
	for _, it := range b.items {
		if it == id {
			return true
		}
	}
	return false
}

func (b *memBacklog) remove(id int64) {
	for i, it := range b.items {
		if it == id {
			b.items = append(b.items[:i], b.items[i+1:]...)
			return
		}
	}
}

type memStore struct{ id int64 }

type memLease struct {
	b  *memBacklog
	id int64
}

func (l *memLease) ID() int64 { return l.id }

func (l *memLease) Store() *memStore { return &memStore{id: l.id} }

func (l *memLease) Release() {
	l.b.mu.Lock()
	defer l.b.mu.Unlock()
	delete(l.b.held, l.id)
}

func (l *memLease) Complete(context.Context) error {
	l.b.mu.Lock()
	defer l.b.mu.Unlock()
	l.b.remove(l.id)
	return nil
}

func (l *memLease) Fail(context.Context, error) error {
	l.b.mu.Lock()
	defer l.b.mu.Unlock()
	if l.b.retry {
		l.b.retries[l.id]++
		return nil
	}
	l.b.remove(l.id)
	return nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunnerProcessesEveryItemOnce(t *testing.T) {
	const n, workers, runners = 200, 8, 3
	b := newMemBacklog(n, false)

	var mu sync.Mutex
	seen := make(map[int64]int)
	handler := func(_ context.Context, s *memStore, id int64) error {
		mu.Lock()
		seen[s.id]++
		mu.Unlock()
		time.Sleep(time.Millisecond)
		return nil
	}

	// several runners share the backlog like several processes would
	var wg sync.WaitGroup
	errs := make(chan error, runners)
	for i := 0; i < runners; i++ {
		r := NewRunner[*memStore](b, handler, Options{BatchSize: 16, Workers: workers}, discard())
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				b.mu.Lock()
				left := len(b.items)
				b.mu.Unlock()
				if left == 0 {
					return
				}
				if _, err := r.RunOnce(context.Background()); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Len(t, seen, n)
	for id, count := range seen {
		require.Equal(t, 1, count, "item %d", id)
	}
}

func TestRunnerSkipsHeldItems(t *testing.T) {
	b := newMemBacklog(3, false)
	b.held[2] = true

	var handled []int64
	r := NewRunner[*memStore](b, func(_ context.Context, _ *memStore, id int64) error {
		handled = append(handled, id)
		return nil
	}, Options{BatchSize: 10, Workers: 1}, discard())

	stats, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, Stats{Completed: 2, Skipped: 1}, stats)
	require.Equal(t, []int64{1, 3}, handled)
	require.Equal(t, []int64{2}, b.items)
}

func TestRunnerFailureRetriesOrAbandons(t *testing.T) {
	failing := func(context.Context, *memStore, int64) error { return errors.New("boom") }

	retrying := newMemBacklog(2, true)
	stats, err := NewRunner[*memStore](retrying, failing, Options{}, discard()).RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.Failed)
	require.Len(t, retrying.items, 2)
	require.Equal(t, 1, retrying.retries[1])

	abandoning := newMemBacklog(2, false)
	_, err = NewRunner[*memStore](abandoning, failing, Options{}, discard()).RunOnce(context.Background())
	require.NoError(t, err)
	require.Empty(t, abandoning.items)
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{Initial: time.Minute, Max: 10 * time.Minute}
	require.Equal(t, time.Minute, p.Delay(0))
	require.Equal(t, time.Minute, p.Delay(1))
	require.Equal(t, 2*time.Minute, p.Delay(2))
	require.Equal(t, 4*time.Minute, p.Delay(3))
	require.Equal(t, 10*time.Minute, p.Delay(20))
}
