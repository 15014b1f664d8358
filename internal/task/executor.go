package task

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/phrazzld/farmsync/internal/redact"
	"github.com/phrazzld/farmsync/internal/worker"
)

// executor runs fetched rows through the registry and records failures. It is
// shared by the polling and the anonymous dispatchers.
type executor struct {
	store    Store
	registry Registry
	logger   *slog.Logger
}

// run attempts every row and returns the IDs of rows that succeeded. Failed
// rows are marked with an error so later polls skip them.
func (e *executor) run(ctx context.Context, rows []Row) []int64 {
	processed := make([]int64, 0, len(rows))

	for _, row := range rows {
		if ctx.Err() != nil {
			break
		}

		if err := e.executeRow(ctx, row); err != nil {
			e.markFailed(ctx, row, err)
			continue
		}
		processed = append(processed, row.ID)
	}

	return processed
}

func (e *executor) executeRow(ctx context.Context, row Row) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task executor panicked: %v", p)
			e.logger.Error("task executor panicked",
				"task_id", row.ID,
				"task_type", row.Type,
				"identity", worker.IdentityFromContext(ctx),
				"panic", p,
				"stack", string(debug.Stack()))
		}
	}()

	segments := []Segment{{Target: row.Target, Payload: row.TextPayload}}
	if e.registry.OptimizeStrategy(row.Type) == OptimizeGroupAndMerge {
		segments, err = Split(row.Target, row.TextPayload)
		if err != nil {
			return err
		}
	}

	binary := e.binaryFor(row)
	for _, s := range segments {
		if err := e.registry.Execute(ctx, row.Type, s.Target, s.Payload, binary); err != nil {
			return fmt.Errorf("failed to execute %s task: %w", row.Type, err)
		}
	}

	return nil
}

func (e *executor) binaryFor(row Row) *LazyBinary {
	if !row.HasBinary {
		return StaticBinary(nil)
	}
	id := row.ID
	return NewLazyBinary(func(ctx context.Context) ([]byte, error) {
		return e.store.LoadBinaryPayload(ctx, id)
	})
}

func (e *executor) markFailed(ctx context.Context, row Row, execErr error) {
	msg := redact.Message(execErr)
	logger := e.logger.With(
		"task_id", row.ID,
		"task_type", row.Type,
		"server_id", row.ServerID,
		"identity", worker.IdentityFromContext(ctx),
	)
	logger.Warn("task execution failed", "error", msg)

	var err error
	if row.ServerID == "" {
		err = e.store.MarkAnonymousTaskError(ctx, row.ID, msg)
	} else {
		err = e.store.MarkBindingError(ctx, row.ID, row.ServerID, msg)
	}
	if err != nil {
		logger.Error("failed to record task error", "error", err)
	}
}
