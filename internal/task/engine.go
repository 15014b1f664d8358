package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/phrazzld/farmsync/internal/worker"
)

// Worker kinds registered by the engine.
const (
	KindProducer   = "farm_task_producer"
	KindDispatcher = "farm_task_dispatcher"
)

// Mode is the propagation mode selected from configuration.
type Mode string

// Propagation modes.
const (
	ModeFarm      Mode = "farm"
	ModeAnonymous Mode = "anonymous"
	ModeDisabled  Mode = "disabled"
)

// EngineConfig holds configuration for the synchronization engine.
type EngineConfig struct {
	ServerID         string
	FarmEnabled      bool
	AnonymousEnabled bool
	OriginMachine    string

	ProducerInterval    time.Duration
	DispatcherInterval  time.Duration
	MaintenanceInterval time.Duration

	BatchSize   int
	OrphanGrace time.Duration

	// SentinelPath is required when AnonymousEnabled is set.
	SentinelPath string
}

// DefaultEngineConfig returns an EngineConfig with reasonable defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		ProducerInterval:    500 * time.Millisecond,
		DispatcherInterval:  time.Second,
		MaintenanceInterval: 5 * time.Minute,
		BatchSize:           50,
		OrphanGrace:         10 * time.Minute,
	}
}

// Dependencies are the external collaborators of the engine.
type Dependencies struct {
	Store    Store
	Servers  ServerDirectory
	Registry Registry
	License  LicenseGate
}

// Engine wires the producer, the dispatchers and the startup cleaner onto a
// single worker registry.
type Engine struct {
	config  EngineConfig
	deps    Dependencies
	workers *worker.Registry
	logger  *slog.Logger

	producer   *Producer
	dispatcher *Dispatcher
	anonymous  *AnonymousDispatcher
	sentinel   *Sentinel

	startedAt time.Time
	closed    atomic.Bool
}

// NewEngine validates config and builds the engine's components.
func NewEngine(config EngineConfig, deps Dependencies, logger *slog.Logger) (*Engine, error) {
	if deps.Store == nil || deps.Registry == nil {
		return nil, errors.New("engine requires a store and a registry")
	}
	if config.FarmEnabled && config.ServerID == "" {
		return nil, errors.New("farm mode requires a server id")
	}
	if config.FarmEnabled && deps.Servers == nil {
		return nil, errors.New("farm mode requires a server directory")
	}
	if config.AnonymousEnabled && config.SentinelPath == "" {
		return nil, errors.New("anonymous mode requires a sentinel path")
	}
	if deps.License == nil {
		deps.License = LicenseGateFunc(func(context.Context) bool { return true })
	}

	defaults := DefaultEngineConfig()
	if config.ProducerInterval <= 0 {
		config.ProducerInterval = defaults.ProducerInterval
	}
	if config.DispatcherInterval <= 0 {
		config.DispatcherInterval = defaults.DispatcherInterval
	}
	if config.MaintenanceInterval <= 0 {
		config.MaintenanceInterval = defaults.MaintenanceInterval
	}

	e := &Engine{
		config:  config,
		deps:    deps,
		workers: worker.NewRegistry(logger),
		logger:  logger.With("component", "farm_engine"),
	}

	var signal Signaler
	if config.AnonymousEnabled {
		e.sentinel = NewSentinel(config.SentinelPath)
		e.anonymous = NewAnonymousDispatcher(deps.Store, deps.Registry, e.sentinel, config.BatchSize, logger)
		signal = e.sentinel
	}

	e.producer = NewProducer(deps.Store, deps.Servers, deps.Registry, signal, ProducerConfig{
		ServerID:         config.ServerID,
		FarmEnabled:      config.FarmEnabled,
		AnonymousEnabled: config.AnonymousEnabled,
		OriginMachine:    config.OriginMachine,
	}, logger)

	if config.FarmEnabled {
		e.dispatcher = NewDispatcher(deps.Store, deps.Servers, deps.Registry, deps.License, DispatcherConfig{
			ServerID:    config.ServerID,
			BatchSize:   config.BatchSize,
			OrphanGrace: config.OrphanGrace,
		}, logger)
	}

	return e, nil
}

// Mode reports the configured propagation mode.
func (e *Engine) Mode() Mode {
	switch {
	case e.config.FarmEnabled:
		return ModeFarm
	case e.config.AnonymousEnabled:
		return ModeAnonymous
	default:
		return ModeDisabled
	}
}

// Workers exposes the engine's worker registry.
func (e *Engine) Workers() *worker.Registry {
	return e.workers
}

// Producer returns the engine's producer.
func (e *Engine) Producer() *Producer {
	return e.producer
}

func (e *Engine) producerRunner() *worker.Runner {
	return e.workers.Runner(KindProducer, func() (worker.Worker, worker.Config) {
		return e.producer, worker.Config{Interval: e.config.ProducerInterval}
	})
}

func (e *Engine) dispatcherRunner() *worker.Runner {
	return e.workers.Runner(KindDispatcher, func() (worker.Worker, worker.Config) {
		return e.dispatcher, worker.Config{
			Interval:            e.config.DispatcherInterval,
			MaintenanceInterval: e.config.MaintenanceInterval,
		}
	})
}

// CreateTask buffers t for propagation and makes sure the producer runs.
// It returns false once Shutdown has begun.
func (e *Engine) CreateTask(ctx context.Context, t *Task) bool {
	if e.closed.Load() {
		e.logger.Debug("task declined, engine is shutting down", "task_type", t.Type)
		return false
	}
	if !e.producer.CreateTask(t) {
		return false
	}
	if err := e.producerRunner().EnsureRunning(ctx); err != nil {
		e.logger.Error("failed to start task producer", "error", err)
		return !errors.Is(err, worker.ErrRunnerClosed)
	}
	return true
}

// Start launches the dispatchers. The stale task cleaner runs first, with the
// dispatcher paused, so no stale memory-only task is executed. The returned
// channel is closed when the cleanup has finished.
func (e *Engine) Start(ctx context.Context) (<-chan struct{}, error) {
	e.startedAt = time.Now().UTC()

	cleaned := make(chan struct{})
	var waits []<-chan struct{}

	if e.dispatcher != nil {
		runner := e.dispatcherRunner()
		runner.Pause()
		if err := runner.EnsureRunning(ctx); err != nil {
			runner.Resume()
			return nil, fmt.Errorf("failed to start task dispatcher: %w", err)
		}
		cleaner := NewStaleTaskCleaner(e.deps.Store, runner, e.config.ServerID, e.startedAt, e.logger)
		waits = append(waits, e.startCleaner(ctx, cleaner, runner))
	}

	if e.anonymous != nil {
		e.anonymous.Pause()
		if err := e.anonymous.Start(ctx); err != nil {
			e.anonymous.Resume()
			return nil, fmt.Errorf("failed to start anonymous dispatcher: %w", err)
		}
		cleaner := NewStaleTaskCleaner(e.deps.Store, nil, "", e.startedAt, e.logger)
		waits = append(waits, e.startCleaner(ctx, cleaner, e.anonymous))
	}

	go func() {
		defer close(cleaned)
		for _, w := range waits {
			<-w
		}
	}()

	e.logger.Info("farm task engine started",
		"mode", e.Mode(),
		"server_id", e.config.ServerID)
	return cleaned, nil
}

// startCleaner runs cleaner while held stays paused from Start, then releases it.
func (e *Engine) startCleaner(ctx context.Context, cleaner *StaleTaskCleaner, held Pauser) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer held.Resume()
		<-cleaner.Start(ctx)
	}()
	return done
}

// Shutdown lets the producer flush its buffer, then stops every worker and
// the anonymous watcher.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.closed.Store(true)
	var errs []error

	if r, ok := e.workers.Lookup(KindProducer); ok {
		r.StopExecution(func() bool { return e.producer.Pending() == 0 })
		if done := r.Done(); done != nil {
			select {
			case <-done:
			case <-ctx.Done():
				errs = append(errs, fmt.Errorf("waiting for producer to flush: %w", ctx.Err()))
			}
		}
	}

	if err := e.workers.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	if e.anonymous != nil {
		if err := e.anonymous.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close sentinel watcher: %w", err))
		}
	}

	e.logger.Info("farm task engine stopped")
	return errors.Join(errs...)
}

// Status is a point-in-time view of the engine.
type Status struct {
	Mode            Mode            `json:"mode"`
	ServerID        string          `json:"server_id,omitempty"`
	PendingCreated  int             `json:"pending_created"`
	Workers         []worker.Status `json:"workers"`
	AnonymousDrains int64           `json:"anonymous_drains,omitempty"`
}

// Status reports the engine's mode and worker states.
func (e *Engine) Status() Status {
	s := Status{
		Mode:           e.Mode(),
		ServerID:       e.config.ServerID,
		PendingCreated: e.producer.Pending(),
		Workers:        e.workers.Statuses(),
	}
	if e.anonymous != nil {
		s.AnonymousDrains = e.anonymous.Drains()
	}
	return s
}
