package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/farmsync/internal/store"
	"github.com/phrazzld/farmsync/internal/task"
)

// maxInList bounds the IDs bound into a single IN clause.
const maxInList = 500

// Store implements task.Store, store.ServerStore and store.StatusReader.
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Store over db.
func New(db *sql.DB, dialect Dialect, logger *slog.Logger) *Store {
	return &Store{
		db:      db,
		dialect: dialect,
		logger:  logger.With("component", "farm_store", "dialect", dialect.Name),
		now:     time.Now,
	}
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) exec(ctx context.Context, q store.DBTX, query string, args ...any) (sql.Result, error) {
	res, err := q.ExecContext(ctx, s.dialect.Rebind(query), args...)
	return res, s.dialect.mapError(err)
}

func (s *Store) query(ctx context.Context, q store.DBTX, query string, args ...any) (*sql.Rows, error) {
	rows, err := q.QueryContext(ctx, s.dialect.Rebind(query), args...)
	return rows, s.dialect.mapError(err)
}

func (s *Store) queryRow(ctx context.Context, q store.DBTX, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.dialect.Rebind(query), args...)
}

// BulkInsert persists tasks in one transaction. Every row is tagged with the
// returned batch identifier and IDs are assigned in slice order.
func (s *Store) BulkInsert(ctx context.Context, tasks []*task.Task) (task.Batch, error) {
	batch := task.Batch{ID: uuid.New(), Count: len(tasks)}
	if len(tasks) == 0 {
		return batch, nil
	}

	const insert = `
		INSERT INTO farm_tasks (
			batch_id, task_type, task_target, task_data, task_binary,
			is_anonymous, is_memory_only, origin_machine, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`

	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, s.dialect.Rebind(insert))
		if err != nil {
			return s.dialect.mapError(err)
		}
		defer func() { _ = stmt.Close() }()

		for _, t := range tasks {
			var binary any
			if len(t.BinaryPayload) > 0 {
				binary = t.BinaryPayload
			}
			createdAt := t.CreatedAt
			if createdAt.IsZero() {
				createdAt = s.now()
			}

			var id int64
			err := stmt.QueryRowContext(ctx,
				batch.ID.String(),
				t.Type,
				t.Target,
				t.TextPayload,
				binary,
				t.IsAnonymous,
				t.IsMemoryOnly,
				t.OriginMachine,
				createdAt.UTC(),
			).Scan(&id)
			if err != nil {
				return s.dialect.mapError(err)
			}
			t.ID = id
		}
		return nil
	})
	if err != nil {
		s.logger.Error("failed to insert task batch",
			"batch_id", batch.ID,
			"count", batch.Count,
			"error", err)
		return task.Batch{}, store.NewStoreError("farm_task", "insert", "failed to insert task batch", err)
	}
	return batch, nil
}

// InsertServerBindings fans the batch out to every enabled server except
// currentServerID in a single statement.
func (s *Store) InsertServerBindings(ctx context.Context, batch task.Batch, currentServerID string) error {
	if batch.Count == 0 {
		return nil
	}

	return store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		var rows int
		err := s.queryRow(ctx, tx,
			`SELECT COUNT(*) FROM farm_tasks WHERE batch_id = ?`,
			batch.ID.String(),
		).Scan(&rows)
		if err != nil {
			return fmt.Errorf("failed to count batch rows: %w", s.dialect.mapError(err))
		}
		if rows != batch.Count {
			return fmt.Errorf("%w: batch %s has %d rows, expected %d",
				store.ErrBatchMismatch, batch.ID, rows, batch.Count)
		}

		_, err = s.exec(ctx, tx, `
			INSERT INTO farm_task_servers (task_id, server_id)
			SELECT t.id, s.id
			FROM farm_tasks t
			CROSS JOIN farm_servers s
			WHERE t.batch_id = ? AND s.enabled = ? AND s.id <> ?`,
			batch.ID.String(), true, currentServerID,
		)
		if err != nil {
			return fmt.Errorf("failed to insert task bindings: %w", err)
		}
		return nil
	})
}

// HasPendingForServer reports whether an error-free binding exists.
func (s *Store) HasPendingForServer(ctx context.Context, serverID string) (bool, error) {
	var found int
	err := s.queryRow(ctx, s.db, `
		SELECT 1 FROM farm_task_servers
		WHERE server_id = ? AND error_message IS NULL
		LIMIT 1`,
		serverID,
	).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, s.dialect.mapError(err)
	}
	return true, nil
}

const rowColumns = `
	t.id, t.task_type, t.task_target, t.task_data,
	CASE WHEN t.task_binary IS NULL THEN 0 ELSE 1 END,
	t.is_anonymous, t.is_memory_only, t.origin_machine, t.created_at`

// QueryPendingForServer returns up to limit error-free bindings for serverID
// in task ID order, optionally restricted to types.
func (s *Store) QueryPendingForServer(
	ctx context.Context,
	serverID string,
	limit int,
	types []string,
) ([]task.Row, error) {
	query := `SELECT ` + rowColumns + `, b.server_id
		FROM farm_task_servers b
		JOIN farm_tasks t ON t.id = b.task_id
		WHERE b.server_id = ? AND b.error_message IS NULL`
	args := []any{serverID}

	if len(types) > 0 {
		query += ` AND t.task_type IN (` + placeholders(len(types)) + `)`
		for _, t := range types {
			args = append(args, t)
		}
	}
	query += ` ORDER BY t.id LIMIT ?`
	args = append(args, limit)

	return s.scanRows(ctx, query, args, true)
}

// QueryPendingAnonymous returns up to limit error-free anonymous tasks.
func (s *Store) QueryPendingAnonymous(ctx context.Context, limit int) ([]task.Row, error) {
	query := `SELECT ` + rowColumns + `
		FROM farm_tasks t
		WHERE t.is_anonymous = ? AND t.error_message IS NULL
		ORDER BY t.id LIMIT ?`

	return s.scanRows(ctx, query, []any{true, limit}, false)
}

func (s *Store) scanRows(ctx context.Context, query string, args []any, bound bool) ([]task.Row, error) {
	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []task.Row
	for rows.Next() {
		var (
			r         task.Row
			hasBinary int
			origin    sql.NullString
		)
		dest := []any{
			&r.ID, &r.Type, &r.Target, &r.TextPayload, &hasBinary,
			&r.IsAnonymous, &r.IsMemoryOnly, &origin, &r.CreatedAt,
		}
		if bound {
			dest = append(dest, &r.ServerID)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", s.dialect.mapError(err))
		}
		r.HasBinary = hasBinary != 0
		r.OriginMachine = origin.String
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate task rows: %w", s.dialect.mapError(err))
	}
	return out, nil
}

// LoadBinaryPayload reads the binary payload of one task.
func (s *Store) LoadBinaryPayload(ctx context.Context, taskID int64) ([]byte, error) {
	var data []byte
	err := s.queryRow(ctx, s.db, `SELECT task_binary FROM farm_tasks WHERE id = ?`, taskID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: farm task %d", store.ErrNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load binary payload: %w", s.dialect.mapError(err))
	}
	return data, nil
}

// DeleteBindings removes serverID's bindings for taskIDs.
func (s *Store) DeleteBindings(ctx context.Context, serverID string, taskIDs []int64) error {
	return s.deleteInChunks(ctx, taskIDs, func(chunk []int64) (string, []any) {
		args := append([]any{serverID}, int64Args(chunk)...)
		return `DELETE FROM farm_task_servers
			WHERE server_id = ? AND task_id IN (` + placeholders(len(chunk)) + `)`, args
	})
}

// DeleteAnonymousTasks removes anonymous tasks by ID.
func (s *Store) DeleteAnonymousTasks(ctx context.Context, taskIDs []int64) error {
	return s.deleteInChunks(ctx, taskIDs, func(chunk []int64) (string, []any) {
		args := append([]any{true}, int64Args(chunk)...)
		return `DELETE FROM farm_tasks
			WHERE is_anonymous = ? AND id IN (` + placeholders(len(chunk)) + `)`, args
	})
}

func (s *Store) deleteInChunks(
	ctx context.Context,
	ids []int64,
	build func(chunk []int64) (string, []any),
) error {
	for start := 0; start < len(ids); start += maxInList {
		end := min(start+maxInList, len(ids))
		query, args := build(ids[start:end])
		if _, err := s.exec(ctx, s.db, query, args...); err != nil {
			return store.NewStoreError("farm_task", "delete", "failed to delete processed tasks", err)
		}
	}
	return nil
}

// MarkBindingError records message on one binding so later polls skip it.
func (s *Store) MarkBindingError(ctx context.Context, taskID int64, serverID, message string) error {
	_, err := s.exec(ctx, s.db, `
		UPDATE farm_task_servers SET error_message = ?
		WHERE task_id = ? AND server_id = ?`,
		message, taskID, serverID,
	)
	if err != nil {
		return store.NewStoreError("farm_task_server", "update", "failed to record binding error", err)
	}
	return nil
}

// MarkAnonymousTaskError records message on an anonymous task.
func (s *Store) MarkAnonymousTaskError(ctx context.Context, taskID int64, message string) error {
	_, err := s.exec(ctx, s.db, `
		UPDATE farm_tasks SET error_message = ?
		WHERE id = ? AND is_anonymous = ?`,
		message, taskID, true,
	)
	if err != nil {
		return store.NewStoreError("farm_task", "update", "failed to record task error", err)
	}
	return nil
}

// DeleteOrphaned removes bound tasks created before the cutoff whose
// bindings are all gone.
func (s *Store) DeleteOrphaned(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.exec(ctx, s.db, `
		DELETE FROM farm_tasks
		WHERE is_anonymous = ? AND created_at < ?
		AND NOT EXISTS (
			SELECT 1 FROM farm_task_servers b WHERE b.task_id = farm_tasks.id
		)`,
		false, before.UTC(),
	)
	if err != nil {
		return 0, store.NewStoreError("farm_task", "delete", "failed to delete orphaned tasks", err)
	}
	return res.RowsAffected()
}

// DeleteStaleMemoryTasks removes memory-only work created before the cutoff:
// serverID's bindings, or anonymous tasks when serverID is empty.
func (s *Store) DeleteStaleMemoryTasks(ctx context.Context, serverID string, before time.Time) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if serverID == "" {
		res, err = s.exec(ctx, s.db, `
			DELETE FROM farm_tasks
			WHERE is_anonymous = ? AND is_memory_only = ? AND created_at < ?`,
			true, true, before.UTC(),
		)
	} else {
		res, err = s.exec(ctx, s.db, `
			DELETE FROM farm_task_servers
			WHERE server_id = ? AND task_id IN (
				SELECT id FROM farm_tasks WHERE is_memory_only = ? AND created_at < ?
			)`,
			serverID, true, before.UTC(),
		)
	}
	if err != nil {
		return 0, store.NewStoreError("farm_task", "delete", "failed to delete stale memory tasks", err)
	}
	return res.RowsAffected()
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

var (
	_ task.Store           = (*Store)(nil)
	_ task.ServerDirectory = (*Store)(nil)
	_ store.ServerStore    = (*Store)(nil)
	_ store.StatusReader   = (*Store)(nil)
)
