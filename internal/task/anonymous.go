package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/phrazzld/farmsync/internal/worker"
)

// errNoProgress stops a drain whose failed rows could not be marked.
var errNoProgress = errors.New("anonymous drain made no progress")

// AnonymousDispatcher drains anonymous tasks when the sentinel file changes.
// It is used when no farm membership is registered, so there is no server
// binding to poll.
type AnonymousDispatcher struct {
	store     Store
	exec      *executor
	sentinel  *Sentinel
	batchSize int
	logger    *slog.Logger

	// watchEnabled is cleared while an event is being handled so the second
	// event of a single write is ignored
	watchEnabled atomic.Bool

	// guard lets one drain run at a time; a busy guard drops the request
	guard sync.Mutex
	again atomic.Bool

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	drains  atomic.Int64
	dropped atomic.Int64
}

// NewAnonymousDispatcher creates a dispatcher watching sentinel.
func NewAnonymousDispatcher(
	store Store,
	registry Registry,
	sentinel *Sentinel,
	batchSize int,
	logger *slog.Logger,
) *AnonymousDispatcher {
	if batchSize <= 0 {
		batchSize = DefaultDispatcherConfig().BatchSize
	}
	logger = logger.With("component", "anonymous_dispatcher")

	return &AnonymousDispatcher{
		store: store,
		exec: &executor{
			store:    store,
			registry: registry,
			logger:   logger,
		},
		sentinel:  sentinel,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Start begins watching the sentinel and drains any backlog left from before
// the watch existed. Calling Start twice is a no-op.
func (a *AnonymousDispatcher) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.watcher != nil {
		return nil
	}
	if err := a.sentinel.Ensure(); err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create sentinel watcher: %w", err)
	}
	// Watch the directory: editors and some writers replace the file.
	if err := w.Add(filepath.Dir(a.sentinel.Path())); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch sentinel directory: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	runCtx = worker.WithIdentity(runCtx, worker.SystemIdentity)

	a.watcher = w
	a.ctx = runCtx
	a.cancel = cancel
	a.watchEnabled.Store(true)

	a.wg.Add(2)
	go a.watch(runCtx, w)
	go func() {
		defer a.wg.Done()
		a.Notify(runCtx)
	}()

	a.logger.Info("anonymous dispatcher watching sentinel", "path", a.sentinel.Path())
	return nil
}

func (a *AnonymousDispatcher) watch(ctx context.Context, w *fsnotify.Watcher) {
	defer a.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != a.sentinel.Path() {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Chmod) {
				continue
			}
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				a.handleEvent(ctx)
			}()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			a.logger.Error("sentinel watcher error", "error", err)
		}
	}
}

// handleEvent drains for one sentinel event. An event arriving while another
// is handled is dropped but marks a rerun, so a write committed after the
// last empty query is still drained once the watch is re-enabled.
func (a *AnonymousDispatcher) handleEvent(ctx context.Context) {
	for {
		if !a.watchEnabled.CompareAndSwap(true, false) {
			a.again.Store(true)
			a.dropped.Add(1)
			return
		}
		drained := a.Notify(ctx)
		a.watchEnabled.Store(true)

		if !drained || !a.again.Load() || ctx.Err() != nil {
			return
		}
	}
}

// Notify drains pending anonymous tasks unless a drain is already running,
// in which case the request is dropped and the running drain makes one more
// pass before it returns. It reports whether it drained.
func (a *AnonymousDispatcher) Notify(ctx context.Context) bool {
	if !a.guard.TryLock() {
		a.dropped.Add(1)
		a.again.Store(true)
		a.logger.Debug("drain already in progress, notification dropped")
		return false
	}
	defer a.guard.Unlock()

	defer func() {
		if p := recover(); p != nil {
			a.logger.Error("anonymous drain panicked", "panic", p)
		}
	}()

	a.drains.Add(1)
	for {
		a.again.Store(false)
		n, err := a.Drain(ctx)
		if err != nil {
			a.logger.Error("anonymous drain failed", "processed", n, "error", err)
			return true
		}
		if n > 0 {
			a.logger.Debug("anonymous tasks processed", "count", n)
		}
		if !a.again.Load() || ctx.Err() != nil {
			return true
		}
	}
}

// Drain processes bounded batches until the store reports no pending
// anonymous tasks. Callers must hold the guard; use Notify instead.
func (a *AnonymousDispatcher) Drain(ctx context.Context) (int, error) {
	total := 0
	seen := make(map[int64]struct{})

	for ctx.Err() == nil {
		rows, err := a.store.QueryPendingAnonymous(ctx, a.batchSize)
		if err != nil {
			return total, fmt.Errorf("failed to query anonymous tasks: %w", err)
		}
		if len(rows) == 0 {
			return total, nil
		}

		fresh := 0
		for _, row := range rows {
			if _, ok := seen[row.ID]; !ok {
				seen[row.ID] = struct{}{}
				fresh++
			}
		}
		if fresh == 0 {
			return total, errNoProgress
		}

		processed := a.exec.run(ctx, rows)
		if len(processed) > 0 {
			if err := a.store.DeleteAnonymousTasks(ctx, processed); err != nil {
				return total, fmt.Errorf("failed to delete anonymous tasks: %w", err)
			}
		}
		total += len(processed)
	}

	return total, ctx.Err()
}

// Pause waits for an in-flight drain and blocks new ones until Resume.
func (a *AnonymousDispatcher) Pause() {
	a.guard.Lock()
}

// Resume releases Pause and drains anything that arrived meanwhile.
func (a *AnonymousDispatcher) Resume() {
	a.guard.Unlock()

	a.mu.Lock()
	ctx := a.ctx
	a.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.Notify(ctx)
	}()
}

// Drains returns how many drains have run.
func (a *AnonymousDispatcher) Drains() int64 {
	return a.drains.Load()
}

// Dropped returns how many notifications were dropped.
func (a *AnonymousDispatcher) Dropped() int64 {
	return a.dropped.Load()
}

// Close stops watching and waits for in-flight drains.
func (a *AnonymousDispatcher) Close() error {
	a.mu.Lock()
	w, cancel := a.watcher, a.cancel
	a.watcher = nil
	a.mu.Unlock()

	if w == nil {
		return nil
	}
	cancel()
	err := w.Close()
	a.wg.Wait()
	return err
}
