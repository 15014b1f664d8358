package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Pauser is implemented by the dispatchers the cleaner must hold off.
// *worker.Runner and *AnonymousDispatcher satisfy it.
type Pauser interface {
	Pause()
	Resume()
}

// StaleTaskCleaner deletes memory-only tasks created before this process
// started; the in-memory state they would update does not exist yet.
type StaleTaskCleaner struct {
	store        Store
	pauser       Pauser
	serverID     string
	processStart time.Time
	logger       *slog.Logger
}

// NewStaleTaskCleaner creates a cleaner scoped to serverID, or to anonymous
// tasks when serverID is empty. pauser may be nil.
func NewStaleTaskCleaner(
	store Store,
	pauser Pauser,
	serverID string,
	processStart time.Time,
	logger *slog.Logger,
) *StaleTaskCleaner {
	return &StaleTaskCleaner{
		store:        store,
		pauser:       pauser,
		serverID:     serverID,
		processStart: processStart,
		logger:       logger.With("component", "stale_task_cleaner", "server_id", serverID),
	}
}

// Clean runs the deletion while the dispatcher is paused. The pause is
// always released.
func (c *StaleTaskCleaner) Clean(ctx context.Context) (removed int64, err error) {
	if c.pauser != nil {
		c.pauser.Pause()
		defer c.pauser.Resume()
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("stale task cleanup panicked: %v", p)
		}
	}()

	removed, err = c.store.DeleteStaleMemoryTasks(ctx, c.serverID, c.processStart)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale memory tasks: %w", err)
	}
	return removed, nil
}

// Start runs Clean on its own goroutine. The returned channel is closed when
// it completes.
func (c *StaleTaskCleaner) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})

	go func() {
		defer close(done)

		removed, err := c.Clean(ctx)
		if err != nil {
			c.logger.Error("stale task cleanup failed", "error", err)
			return
		}
		if removed > 0 {
			c.logger.Info("stale memory tasks deleted",
				"count", removed,
				"created_before", c.processStart)
		}
	}()

	return done
}
