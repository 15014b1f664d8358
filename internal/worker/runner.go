package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// ErrRunnerClosed is returned by EnsureRunning after Shutdown has been called.
var ErrRunnerClosed = errors.New("worker runner is shut down")

// Runner drives a single Worker on its own goroutine.
type Runner struct {
	kind   string
	worker Worker
	config Config
	logger *slog.Logger

	// mu guards the fields below it
	mu       sync.Mutex
	started  bool
	closed   bool
	cancel   context.CancelFunc
	done     chan struct{}
	stopReq  bool
	stopCond func() bool

	// wake interrupts the inter-tick sleep so a stop request is seen promptly
	wake chan struct{}

	// stepMu is held while process or maintenance runs
	stepMu sync.Mutex

	state  atomic.Int32
	paused atomic.Bool
}

// NewRunner creates a Runner for the given worker. The loop is not started
// until EnsureRunning is called.
func NewRunner(kind string, w Worker, config Config, logger *slog.Logger) *Runner {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
		logger.Warn("invalid worker interval specified, using default",
			"worker_kind", kind,
			"default_interval", config.Interval)
	}
	if config.Identity == "" {
		config.Identity = SystemIdentity
	}

	return &Runner{
		kind:   kind,
		worker: w,
		config: config,
		logger: logger.With("component", "worker", "worker_kind", kind),
		wake:   make(chan struct{}, 1),
	}
}

// Kind returns the worker kind this runner was registered under.
func (r *Runner) Kind() string {
	return r.kind
}

// State returns the current lifecycle state.
func (r *Runner) State() State {
	return State(r.state.Load())
}

// EnsureRunning starts the background loop if it is not already running.
// It is safe to call from many goroutines; only the first call starts the
// loop. If the worker's Init fails, the runner stays startable.
func (r *Runner) EnsureRunning(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRunnerClosed
	}
	if r.started {
		return nil
	}
	r.started = true

	if init, ok := r.worker.(Initializer); ok {
		if err := r.safeCall(ctx, "init", init.Init); err != nil {
			r.started = false
			return fmt.Errorf("failed to start %s worker: %w", r.kind, err)
		}
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	loopCtx = WithIdentity(loopCtx, r.config.Identity)

	r.cancel = cancel
	r.done = make(chan struct{})
	r.stopReq = false
	r.stopCond = nil
	r.state.Store(int32(StateRunning))

	go r.loop(loopCtx, r.done)

	r.logger.Debug("worker started",
		"interval", r.config.Interval,
		"maintenance_interval", r.config.MaintenanceInterval)
	return nil
}

// StopExecution asks the loop to stop. When condition is non-nil the request
// is honored only at a check point where condition returns true; until then
// the worker keeps running. In-flight steps are never interrupted.
func (r *Runner) StopExecution(condition func() bool) {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.stopReq = true
	r.stopCond = condition
	r.state.Store(int32(StateStopRequested))
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Pause stops Process and Maintenance from being invoked on later ticks and
// waits for an in-flight step to complete. The loop itself keeps running.
func (r *Runner) Pause() {
	r.paused.Store(true)
	r.stepMu.Lock()
	defer r.stepMu.Unlock()
}

// Resume re-enables Process and Maintenance.
func (r *Runner) Resume() {
	r.paused.Store(false)
}

// Paused reports whether processing is paused.
func (r *Runner) Paused() bool {
	return r.paused.Load()
}

// Done returns a channel closed when the current run ends. It returns nil if
// the runner has never been started.
func (r *Runner) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Shutdown is the process-wide shutdown notification. It cancels the loop,
// waits for Finish to run, and prevents any later restart.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	if cancel == nil {
		r.state.Store(int32(StateStopped))
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s worker to finish: %w", r.kind, ctx.Err())
	}
}

func (r *Runner) loop(ctx context.Context, done chan struct{}) {
	var finished atomic.Bool
	defer close(done)
	defer r.finish(ctx, &finished)

	lastMaintenance := time.Now()

	for {
		if r.shouldStop(ctx) {
			return
		}

		start := time.Now()
		if !r.paused.Load() {
			if stop := r.step(ctx, &lastMaintenance); stop {
				return
			}
		}

		if r.shouldStop(ctx) {
			return
		}

		wait := r.config.Interval - time.Since(start)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-r.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// step runs the maintenance and process steps of one tick. It reports true
// when a stop check point fired between the two.
func (r *Runner) step(ctx context.Context, lastMaintenance *time.Time) bool {
	r.stepMu.Lock()
	defer r.stepMu.Unlock()

	if r.paused.Load() {
		return false
	}

	if m, ok := r.worker.(Maintainer); ok && r.config.MaintenanceInterval > 0 &&
		time.Since(*lastMaintenance) >= r.config.MaintenanceInterval {
		if r.shouldStop(ctx) {
			return true
		}
		*lastMaintenance = time.Now()
		if err := r.safeCall(ctx, "maintenance", m.Maintenance); errors.Is(err, ErrStop) {
			r.StopExecution(nil)
		}
	}

	if r.shouldStop(ctx) {
		return true
	}
	if err := r.safeCall(ctx, "process", r.worker.Process); errors.Is(err, ErrStop) {
		r.StopExecution(nil)
	}
	return false
}

func (r *Runner) shouldStop(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}

	r.mu.Lock()
	requested, condition := r.stopReq, r.stopCond
	r.mu.Unlock()

	if !requested {
		return false
	}
	if condition == nil || condition() {
		return true
	}

	r.state.CompareAndSwap(int32(StateStopRequested), int32(StateRunning))
	return false
}

func (r *Runner) finish(ctx context.Context, finished *atomic.Bool) {
	if !finished.CompareAndSwap(false, true) {
		return
	}
	r.state.Store(int32(StateFinishing))

	if f, ok := r.worker.(Finisher); ok {
		_ = r.safeCall(context.WithoutCancel(ctx), "finish", f.Finish)
	}

	r.mu.Lock()
	r.started = false
	r.stopReq = false
	r.stopCond = nil
	r.cancel = nil
	r.mu.Unlock()

	r.state.Store(int32(StateStopped))
	r.logger.Debug("worker stopped")
}

// safeCall runs fn and converts a panic into an error so the loop survives.
func (r *Runner) safeCall(ctx context.Context, step string, fn func(context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s step panicked: %v", step, p)
			r.logger.Error("worker step panicked",
				"step", step,
				"panic", p,
				"stack", string(debug.Stack()))
		}
	}()

	err = fn(ctx)
	if err != nil && !errors.Is(err, ErrStop) {
		r.logger.Error("worker step failed", "step", step, "error", err)
	}
	return err
}
