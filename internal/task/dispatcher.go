package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/phrazzld/farmsync/internal/worker"
)

// DispatcherConfig holds configuration for the per-server dispatcher.
type DispatcherConfig struct {
	// ServerID is the farm identity whose bindings are drained.
	ServerID string

	// BatchSize bounds the rows fetched per tick.
	BatchSize int

	// OrphanGrace keeps freshly inserted tasks safe from the orphan purge
	// while their bindings are still being written.
	OrphanGrace time.Duration

	// LicenseWarningInterval rate-limits the invalid-license warning.
	LicenseWarningInterval time.Duration
}

// DefaultDispatcherConfig returns a DispatcherConfig with reasonable defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		BatchSize:              50,
		OrphanGrace:            10 * time.Minute,
		LicenseWarningInterval: 10 * time.Minute,
	}
}

// Dispatcher polls the bindings addressed to this server and executes them.
type Dispatcher struct {
	store   Store
	servers ServerDirectory
	license LicenseGate
	exec    *executor
	config  DispatcherConfig
	logger  *slog.Logger
	warn    *rate.Sometimes
	now     func() time.Time
}

// NewDispatcher creates a Dispatcher for config.ServerID.
func NewDispatcher(
	store Store,
	servers ServerDirectory,
	registry Registry,
	license LicenseGate,
	config DispatcherConfig,
	logger *slog.Logger,
) *Dispatcher {
	defaults := DefaultDispatcherConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.OrphanGrace <= 0 {
		config.OrphanGrace = defaults.OrphanGrace
	}
	if config.LicenseWarningInterval <= 0 {
		config.LicenseWarningInterval = defaults.LicenseWarningInterval
	}

	logger = logger.With("component", "task_dispatcher", "server_id", config.ServerID)

	return &Dispatcher{
		store:   store,
		servers: servers,
		license: license,
		exec: &executor{
			store:    store,
			registry: registry,
			logger:   logger,
		},
		config: config,
		logger: logger,
		warn:   &rate.Sometimes{Interval: config.LicenseWarningInterval},
		now:    time.Now,
	}
}

// Process implements worker.Worker. It drains one batch and stops the worker
// once this server is no longer a farm member.
func (d *Dispatcher) Process(ctx context.Context) error {
	if _, err := d.ProcessBatch(ctx); err != nil {
		return err
	}

	if !d.isFarmMember(ctx) {
		d.logger.Info("server is no longer a farm member, stopping dispatcher")
		return worker.ErrStop
	}
	return nil
}

// ProcessBatch fetches and executes one batch, returning how many rows
// succeeded.
func (d *Dispatcher) ProcessBatch(ctx context.Context) (int, error) {
	hasPending, err := d.store.HasPendingForServer(ctx, d.config.ServerID)
	if err != nil {
		d.logger.Debug("pending task check failed, skipping tick", "error", err)
		return 0, nil
	}
	if !hasPending {
		return 0, nil
	}

	var types []string
	if !d.license.IsFarmLicenseValid(ctx) {
		types = SystemTaskTypes()
		d.warn.Do(func() {
			d.logger.Warn("farm license is not valid, only system tasks are processed")
		})
	}

	rows, err := d.store.QueryPendingForServer(ctx, d.config.ServerID, d.config.BatchSize, types)
	if err != nil {
		return 0, fmt.Errorf("failed to query pending tasks: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	processed := d.exec.run(ctx, rows)
	if len(processed) > 0 {
		if err := d.store.DeleteBindings(ctx, d.config.ServerID, processed); err != nil {
			return 0, fmt.Errorf("failed to delete processed bindings: %w", err)
		}
	}

	d.logger.Debug("task batch processed",
		"fetched", len(rows),
		"succeeded", len(processed),
		"failed", len(rows)-len(processed))
	return len(processed), nil
}

// Maintenance purges orphaned tasks and records a heartbeat for this server.
func (d *Dispatcher) Maintenance(ctx context.Context) error {
	removed, err := d.store.DeleteOrphaned(ctx, d.now().UTC().Add(-d.config.OrphanGrace))
	if err != nil {
		return fmt.Errorf("failed to delete orphaned tasks: %w", err)
	}
	if removed > 0 {
		d.logger.Info("orphaned tasks deleted", "count", removed)
	}

	if d.servers != nil {
		if err := d.servers.TouchServer(ctx, d.config.ServerID); err != nil {
			return fmt.Errorf("failed to record server heartbeat: %w", err)
		}
	}
	return nil
}

// isFarmMember errs on the side of membership when the directory is
// unreachable so a transient failure does not stop the dispatcher.
func (d *Dispatcher) isFarmMember(ctx context.Context) bool {
	if d.servers == nil {
		return true
	}
	ids, err := d.servers.EnabledServerIDs(ctx)
	if err != nil {
		return true
	}
	for _, id := range ids {
		if id == d.config.ServerID {
			return true
		}
	}
	return false
}
