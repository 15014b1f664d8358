package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// countingWorker records how often each hook ran
type countingWorker struct {
	processed    atomic.Int32
	maintained   atomic.Int32
	finished     atomic.Int32
	initialized  atomic.Int32
	processFn    func(ctx context.Context, n int32) error
	initFn       func(ctx context.Context) error
	lastIdentity atomic.Value
}

func (w *countingWorker) Process(ctx context.Context) error {
	n := w.processed.Add(1)
	w.lastIdentity.Store(IdentityFromContext(ctx))
	if w.processFn != nil {
		return w.processFn(ctx, n)
	}
	return nil
}

func (w *countingWorker) Maintenance(ctx context.Context) error {
	w.maintained.Add(1)
	return nil
}

func (w *countingWorker) Finish(ctx context.Context) error {
	w.finished.Add(1)
	return nil
}

func (w *countingWorker) Init(ctx context.Context) error {
	w.initialized.Add(1)
	if w.initFn != nil {
		return w.initFn(ctx)
	}
	return nil
}

func fastConfig() Config {
	return Config{Interval: 5 * time.Millisecond, Identity: "test-identity"}
}

func waitDone(t *testing.T, r *Runner) {
	t.Helper()
	done := r.Done()
	require.NotNil(t, done)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for runner to stop")
	}
}

func TestRunner_EnsureRunningIsIdempotent(t *testing.T) {
	t.Parallel()

	w := &countingWorker{}
	r := NewRunner("idempotent", w, fastConfig(), setupTestLogger())

	for i := 0; i < 5; i++ {
		require.NoError(t, r.EnsureRunning(context.Background()))
	}

	assert.Eventually(t, func() bool { return w.processed.Load() >= 3 },
		time.Second, time.Millisecond)
	assert.Equal(t, int32(1), w.initialized.Load())
	assert.Equal(t, StateRunning, r.State())
	assert.Equal(t, "test-identity", w.lastIdentity.Load())

	require.NoError(t, r.Shutdown(context.Background()))
	assert.Equal(t, StateStopped, r.State())
}

func TestRunner_FailedInitRollsBack(t *testing.T) {
	t.Parallel()

	var fail atomic.Bool
	fail.Store(true)
	w := &countingWorker{
		initFn: func(ctx context.Context) error {
			if fail.Load() {
				return errors.New("watch unavailable")
			}
			return nil
		},
	}
	r := NewRunner("rollback", w, fastConfig(), setupTestLogger())

	err := r.EnsureRunning(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "watch unavailable")
	assert.Equal(t, StateNotStarted, r.State())
	assert.Nil(t, r.Done())

	fail.Store(false)
	require.NoError(t, r.EnsureRunning(context.Background()))
	assert.Eventually(t, func() bool { return w.processed.Load() > 0 },
		time.Second, time.Millisecond)
	assert.Equal(t, int32(2), w.initialized.Load())

	require.NoError(t, r.Shutdown(context.Background()))
}

func TestRunner_StopExecution(t *testing.T) {
	t.Parallel()

	t.Run("condition never true keeps running", func(t *testing.T) {
		t.Parallel()

		w := &countingWorker{}
		r := NewRunner("never", w, fastConfig(), setupTestLogger())
		require.NoError(t, r.EnsureRunning(context.Background()))

		r.StopExecution(func() bool { return false })
		before := w.processed.Load()

		assert.Eventually(t, func() bool { return w.processed.Load() >= before+5 },
			time.Second, time.Millisecond)
		assert.Equal(t, StateRunning, r.State())
		assert.Equal(t, int32(0), w.finished.Load())

		require.NoError(t, r.Shutdown(context.Background()))
	})

	t.Run("condition true stops before next process", func(t *testing.T) {
		t.Parallel()

		w := &countingWorker{}
		r := NewRunner("always", w, Config{Interval: time.Hour}, setupTestLogger())
		require.NoError(t, r.EnsureRunning(context.Background()))
		assert.Eventually(t, func() bool { return w.processed.Load() == 1 },
			time.Second, time.Millisecond)

		r.StopExecution(func() bool { return true })
		waitDone(t, r)

		assert.Equal(t, int32(1), w.processed.Load())
		assert.Equal(t, int32(1), w.finished.Load())
		assert.Equal(t, StateStopped, r.State())
	})

	t.Run("condition becomes true later", func(t *testing.T) {
		t.Parallel()

		var drained atomic.Bool
		w := &countingWorker{
			processFn: func(ctx context.Context, n int32) error {
				if n >= 3 {
					drained.Store(true)
				}
				return nil
			},
		}
		r := NewRunner("later", w, fastConfig(), setupTestLogger())
		require.NoError(t, r.EnsureRunning(context.Background()))

		r.StopExecution(drained.Load)
		waitDone(t, r)

		assert.GreaterOrEqual(t, w.processed.Load(), int32(3))
		assert.Equal(t, int32(1), w.finished.Load())
	})

	t.Run("stop on a runner that never started is a no-op", func(t *testing.T) {
		t.Parallel()

		r := NewRunner("idle", &countingWorker{}, fastConfig(), setupTestLogger())
		r.StopExecution(nil)
		assert.Equal(t, StateNotStarted, r.State())
	})
}

func TestRunner_SurvivesProcessFailures(t *testing.T) {
	t.Parallel()

	w := &countingWorker{
		processFn: func(ctx context.Context, n int32) error {
			switch n {
			case 1:
				return errors.New("store unreachable")
			case 2:
				panic("executor blew up")
			}
			return nil
		},
	}
	r := NewRunner("resilient", w, fastConfig(), setupTestLogger())
	require.NoError(t, r.EnsureRunning(context.Background()))

	assert.Eventually(t, func() bool { return w.processed.Load() >= 4 },
		time.Second, time.Millisecond)
	assert.Equal(t, StateRunning, r.State())

	require.NoError(t, r.Shutdown(context.Background()))
}

func TestRunner_ErrStopStopsRunner(t *testing.T) {
	t.Parallel()

	w := &countingWorker{
		processFn: func(ctx context.Context, n int32) error {
			return ErrStop
		},
	}
	r := NewRunner("self-stop", w, fastConfig(), setupTestLogger())
	require.NoError(t, r.EnsureRunning(context.Background()))
	waitDone(t, r)

	assert.Equal(t, int32(1), w.processed.Load())
	assert.Equal(t, StateStopped, r.State())

	// a stopped runner can be started again
	require.NoError(t, r.EnsureRunning(context.Background()))
	waitDone(t, r)
	assert.Equal(t, int32(2), w.processed.Load())
}

func TestRunner_MaintenanceRunsLessOften(t *testing.T) {
	t.Parallel()

	w := &countingWorker{}
	r := NewRunner("maintenance", w, Config{
		Interval:            2 * time.Millisecond,
		MaintenanceInterval: 40 * time.Millisecond,
	}, setupTestLogger())
	require.NoError(t, r.EnsureRunning(context.Background()))

	assert.Eventually(t, func() bool { return w.maintained.Load() >= 2 },
		2*time.Second, time.Millisecond)
	require.NoError(t, r.Shutdown(context.Background()))

	assert.Greater(t, w.processed.Load(), w.maintained.Load())
}

func TestRunner_PauseSkipsProcessing(t *testing.T) {
	t.Parallel()

	w := &countingWorker{}
	r := NewRunner("pause", w, fastConfig(), setupTestLogger())
	r.Pause()
	require.NoError(t, r.EnsureRunning(context.Background()))

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), w.processed.Load())
	assert.True(t, r.Paused())
	assert.Equal(t, StateRunning, r.State())

	r.Resume()
	assert.Eventually(t, func() bool { return w.processed.Load() > 0 },
		time.Second, time.Millisecond)

	require.NoError(t, r.Shutdown(context.Background()))
}

func TestRunner_PauseWaitsForInFlightStep(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	w := &countingWorker{
		processFn: func(ctx context.Context, n int32) error {
			once.Do(func() {
				close(entered)
				<-release
			})
			return nil
		},
	}
	r := NewRunner("pause-wait", w, fastConfig(), setupTestLogger())
	require.NoError(t, r.EnsureRunning(context.Background()))
	<-entered

	paused := make(chan struct{})
	go func() {
		r.Pause()
		close(paused)
	}()

	select {
	case <-paused:
		t.Fatal("Pause returned while a step was still running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case <-paused:
	case <-time.After(time.Second):
		t.Fatal("Pause did not return after the step completed")
	}

	require.NoError(t, r.Shutdown(context.Background()))
}

func TestRunner_FinishRunsOnce(t *testing.T) {
	t.Parallel()

	w := &countingWorker{}
	r := NewRunner("finish-once", w, fastConfig(), setupTestLogger())
	require.NoError(t, r.EnsureRunning(context.Background()))

	r.StopExecution(nil)
	require.NoError(t, r.Shutdown(context.Background()))
	require.NoError(t, r.Shutdown(context.Background()))

	assert.Equal(t, int32(1), w.finished.Load())
	assert.ErrorIs(t, r.EnsureRunning(context.Background()), ErrRunnerClosed)
}

func TestRegistry_OneRunnerPerKind(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(setupTestLogger())
	var builds atomic.Int32

	var wg sync.WaitGroup
	runners := make([]*Runner, 20)
	for i := range runners {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			runners[i] = registry.Runner("producer", func() (Worker, Config) {
				builds.Add(1)
				return &countingWorker{}, fastConfig()
			})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), builds.Load())
	for _, r := range runners {
		assert.Same(t, runners[0], r)
	}

	found, ok := registry.Lookup("producer")
	assert.True(t, ok)
	assert.Same(t, runners[0], found)

	_, ok = registry.Lookup("dispatcher")
	assert.False(t, ok)
}

func TestRegistry_StatusesAndShutdown(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(setupTestLogger())
	a := registry.Runner("b-dispatcher", func() (Worker, Config) { return &countingWorker{}, fastConfig() })
	b := registry.Runner("a-producer", func() (Worker, Config) { return &countingWorker{}, fastConfig() })
	require.NoError(t, a.EnsureRunning(context.Background()))
	b.Pause()

	statuses := registry.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, Status{Kind: "a-producer", State: "not_started", Paused: true}, statuses[0])
	assert.Equal(t, Status{Kind: "b-dispatcher", State: "running", Paused: false}, statuses[1])

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, registry.Shutdown(ctx))
	assert.Equal(t, StateStopped, a.State())
	assert.Equal(t, StateStopped, b.State())
}
