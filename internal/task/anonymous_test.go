package task

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedAnonymous(t *testing.T, store *MockStore, tasks ...*Task) {
	t.Helper()
	for _, task := range tasks {
		task.IsAnonymous = true
	}
	_, err := store.BulkInsert(context.Background(), tasks)
	require.NoError(t, err)
}

func newTestAnonymous(t *testing.T, store *MockStore, registry Registry) *AnonymousDispatcher {
	t.Helper()
	sentinel := NewSentinel(filepath.Join(t.TempDir(), "sync", "farm.sentinel"))
	a := NewAnonymousDispatcher(store, registry, sentinel, 2, setupTestLogger())
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestAnonymousDispatcher_DrainProcessesEverything(t *testing.T) {
	t.Parallel()

	store := NewMockStore()
	seedAnonymous(t, store,
		&Task{Type: "Write", Target: "1"},
		&Task{Type: "Write", Target: "2"},
		&Task{Type: "Write", Target: "3"},
		&Task{Type: "Write", Target: "4"},
		&Task{Type: "Write", Target: "5"},
	)

	rec := &recorder{}
	a := newTestAnonymous(t, store, newTestRegistry(rec))

	assert.True(t, a.Notify(context.Background()))
	assert.Equal(t, 5, rec.Len(), "drains past the batch size")
	assert.Empty(t, store.Tasks())
	assert.EqualValues(t, 1, a.Drains())
}

func TestAnonymousDispatcher_FailedTaskIsMarked(t *testing.T) {
	t.Parallel()

	store := NewMockStore()
	seedAnonymous(t, store,
		&Task{Type: "Unknown", Target: "x"},
		&Task{Type: "Write", Target: "ok"},
	)

	a := newTestAnonymous(t, store, newTestRegistry(&recorder{}))
	n, err := a.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	tasks := store.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, "Unknown", tasks[0].Type)
	assert.Contains(t, tasks[0].ErrorMessage, "unknown task type")
}

func TestAnonymousDispatcher_DrainStopsWithoutProgress(t *testing.T) {
	t.Parallel()

	store := NewMockStore()
	seedAnonymous(t, store, &Task{Type: "Unknown"})
	store.MarkAnonymousTaskErrorFn = func(context.Context, int64, string) error {
		return errors.New("read-only database")
	}

	a := newTestAnonymous(t, store, newTestRegistry(&recorder{}))
	_, err := a.Drain(context.Background())
	assert.ErrorIs(t, err, errNoProgress)
}

func TestAnonymousDispatcher_SingleFlight(t *testing.T) {
	t.Parallel()

	store := NewMockStore()
	seedAnonymous(t, store, &Task{Type: "Write"})

	rec := &recorder{}
	a := newTestAnonymous(t, store, newTestRegistry(rec))

	a.Pause()
	assert.False(t, a.Notify(context.Background()), "busy guard drops the request")
	assert.EqualValues(t, 1, a.Dropped())
	assert.Zero(t, rec.Len())

	a.Resume()
	assert.True(t, a.Notify(context.Background()))
	assert.Equal(t, 1, rec.Len())
}

func TestAnonymousDispatcher_SentinelWakesDrain(t *testing.T) {
	t.Parallel()

	store := NewMockStore()
	rec := &recorder{}
	registry := newTestRegistry(rec)
	a := newTestAnonymous(t, store, registry)

	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, a.Start(context.Background()), "second start is a no-op")
	require.FileExists(t, a.sentinel.Path())

	// wait for the startup drain so the notification below is not dropped
	require.Eventually(t, func() bool {
		if !a.guard.TryLock() {
			return false
		}
		defer a.guard.Unlock()
		return a.Drains() >= 1
	}, 5*time.Second, 10*time.Millisecond)

	p := NewProducer(store, nil, registry, a.sentinel, ProducerConfig{
		AnonymousEnabled: true,
	}, setupTestLogger())
	require.True(t, p.CreateTask(&Task{Type: "Write", Target: "from-peer"}))
	require.NoError(t, p.Flush(context.Background()))

	require.Eventually(t, func() bool {
		return rec.Len() == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "from-peer", rec.Calls()[0].Target)

	require.Eventually(t, func() bool {
		return len(store.Tasks()) == 0
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
}

func TestAnonymousDispatcher_ResumeDrainsBacklog(t *testing.T) {
	t.Parallel()

	store := NewMockStore()
	rec := &recorder{}
	a := newTestAnonymous(t, store, newTestRegistry(rec))

	a.Pause()
	require.NoError(t, a.Start(context.Background()))
	seedAnonymous(t, store, &Task{Type: "Write", Target: "queued"})
	assert.Zero(t, rec.Len())

	a.Resume()
	require.Eventually(t, func() bool {
		return rec.Len() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAnonymousDispatcher_EventDuringFinalQueryReruns(t *testing.T) {
	t.Parallel()

	store := NewMockStore()
	seedAnonymous(t, store, &Task{Type: "Write", Target: "first"})

	rec := &recorder{}
	a := newTestAnonymous(t, store, newTestRegistry(rec))
	a.watchEnabled.Store(true)

	// A peer flush lands after the drain's last empty query, and its
	// sentinel event arrives while the first event is still handled.
	var raced atomic.Bool
	store.QueryPendingAnonymousFn = func(ctx context.Context, limit int) ([]Row, error) {
		rows, err := store.DefaultQueryPendingAnonymous(limit)
		if err == nil && len(rows) == 0 && raced.CompareAndSwap(false, true) {
			seedAnonymous(t, store, &Task{Type: "Write", Target: "second"})
			a.handleEvent(ctx)
		}
		return rows, err
	}

	a.handleEvent(context.Background())

	assert.EqualValues(t, 1, a.Dropped())
	require.Equal(t, 2, rec.Len())
	assert.Equal(t, "second", rec.Calls()[1].Target)
	assert.Empty(t, store.Tasks())
	assert.True(t, a.watchEnabled.Load(), "watch is re-enabled")
}
