package task

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/phrazzld/farmsync/internal/worker"
)

// ProducerConfig holds configuration for the task producer.
type ProducerConfig struct {
	// ServerID is this instance's farm identity; bindings are not created for it.
	ServerID string

	// FarmEnabled turns on fan-out to registered servers.
	FarmEnabled bool

	// AnonymousEnabled turns on anonymous tasks when no servers are registered.
	AnonymousEnabled bool

	// OriginMachine is stored on each task for diagnostics.
	OriginMachine string
}

// Producer buffers created tasks and persists them on each tick.
type Producer struct {
	store    Store
	servers  ServerDirectory
	registry Registry
	signal   Signaler
	config   ProducerConfig
	logger   *slog.Logger
	now      func() time.Time

	// mu guards pending
	mu      sync.Mutex
	pending []*Task
}

// NewProducer creates a Producer. servers may be nil when the farm is
// disabled, and signal may be nil when anonymous propagation is disabled.
func NewProducer(
	store Store,
	servers ServerDirectory,
	registry Registry,
	signal Signaler,
	config ProducerConfig,
	logger *slog.Logger,
) *Producer {
	return &Producer{
		store:    store,
		servers:  servers,
		registry: registry,
		signal:   signal,
		config:   config,
		logger:   logger.With("component", "task_producer"),
		now:      time.Now,
	}
}

// Propagating reports whether created tasks go anywhere at all.
func (p *Producer) Propagating() bool {
	return p.config.FarmEnabled || p.config.AnonymousEnabled
}

// CreateTask validates t and buffers it for the next flush. It returns false
// when nothing propagates tasks or the registry declines the task. It never
// waits on the store.
func (p *Producer) CreateTask(t *Task) bool {
	if t == nil || t.Type == "" || !p.Propagating() {
		return false
	}
	if !p.registry.CanCreate(t) {
		p.logger.Debug("task creation declined", "task_type", t.Type)
		return false
	}
	if p.registry.OptimizeStrategy(t.Type) == OptimizeGroupAndMerge &&
		(strings.Contains(t.Target, Separator) || strings.Contains(t.TextPayload, Separator)) {
		p.logger.Warn("task contains the reserved separator and cannot be merged",
			"task_type", t.Type)
		return false
	}

	if t.CreatedAt.IsZero() {
		t.CreatedAt = p.now().UTC()
	}
	if t.OriginMachine == "" {
		t.OriginMachine = p.config.OriginMachine
	}
	t.IsMemoryOnly = p.registry.IsMemoryTask(t.Type)

	p.Enqueue(t)
	return true
}

// Enqueue appends t to the pending buffer.
func (p *Producer) Enqueue(t *Task) {
	p.mu.Lock()
	p.pending = append(p.pending, t)
	p.mu.Unlock()
}

// Pending returns the number of buffered tasks.
func (p *Producer) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Producer) drain() []*Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	batch := p.pending
	p.pending = nil
	return batch
}

// Process implements worker.Worker.
func (p *Producer) Process(ctx context.Context) error {
	if !p.Propagating() {
		p.drain()
		return worker.ErrStop
	}
	return p.Flush(ctx)
}

// Finish flushes whatever is still buffered when the worker shuts down.
func (p *Producer) Finish(ctx context.Context) error {
	if p.Pending() == 0 || !p.Propagating() {
		return nil
	}
	return p.Flush(ctx)
}

// Flush drains the buffer, optimizes it, persists it and fans it out. A batch
// that fails to persist is dropped, not re-queued.
func (p *Producer) Flush(ctx context.Context) error {
	batch := p.drain()
	if len(batch) == 0 {
		return nil
	}

	multi, err := p.farmMode(ctx)
	if err != nil {
		p.logger.Error("dropping task batch, server list unavailable",
			"batch_size", len(batch), "error", err)
		return fmt.Errorf("failed to list farm servers: %w", err)
	}
	if !multi && !p.config.AnonymousEnabled {
		p.logger.Warn("dropping task batch, no farm servers registered",
			"batch_size", len(batch))
		return nil
	}

	tasks := Optimize(batch, p.registry)
	for _, t := range tasks {
		t.IsAnonymous = !multi
	}

	persisted, err := p.store.BulkInsert(ctx, tasks)
	if err != nil {
		p.logger.Error("dropping task batch, store unavailable",
			"batch_size", len(batch), "error", err)
		return fmt.Errorf("failed to persist task batch: %w", err)
	}

	logger := p.logger.With(
		"batch_id", persisted.ID,
		"created", len(batch),
		"persisted", persisted.Count,
	)

	if multi {
		if err := p.store.InsertServerBindings(ctx, persisted, p.config.ServerID); err != nil {
			logger.Error("failed to bind task batch to servers", "error", err)
			return fmt.Errorf("failed to bind task batch: %w", err)
		}
		logger.Debug("task batch sent to farm servers")
		return nil
	}

	if p.signal != nil {
		if err := p.signal.Touch(); err != nil {
			logger.Error("failed to signal anonymous dispatcher", "error", err)
			return fmt.Errorf("failed to signal anonymous dispatcher: %w", err)
		}
	}
	logger.Debug("anonymous task batch persisted")
	return nil
}

// farmMode reports whether tasks fan out to registered servers.
func (p *Producer) farmMode(ctx context.Context) (bool, error) {
	if !p.config.FarmEnabled || p.servers == nil {
		return false, nil
	}
	ids, err := p.servers.EnabledServerIDs(ctx)
	if err != nil {
		return false, err
	}
	return len(ids) > 0, nil
}
