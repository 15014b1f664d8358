package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/farmsync/internal/platform/migrate"
	"github.com/phrazzld/farmsync/internal/store"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "nested", "farm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	require.NoError(t, err)
	return n > 0
}

func TestOpen_AppliesPragmas(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	var mode string
	require.NoError(t, db.QueryRow(`PRAGMA journal_mode`).Scan(&mode))
	assert.Equal(t, "wal", mode)

	var fk int
	require.NoError(t, db.QueryRow(`PRAGMA foreign_keys`).Scan(&fk))
	assert.Equal(t, 1, fk)

	assert.Equal(t, 1, db.Stats().MaxOpenConnections)
}

func TestOpen_EmptyPath(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), "")
	assert.Error(t, err)

	_, err = Open(context.Background(), "sqlite://")
	assert.Error(t, err)
}

func TestMigrate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	logger := setupTestLogger()
	db := openTestDB(t)

	require.NoError(t, Migrate(ctx, db, migrate.CommandUp, logger))
	for _, table := range []string{"farm_servers", "farm_tasks", "farm_task_servers", migrate.TableName} {
		assert.True(t, tableExists(t, db, table), table)
	}

	// Up is idempotent.
	require.NoError(t, Migrate(ctx, db, migrate.CommandUp, logger))
	require.NoError(t, Migrate(ctx, db, migrate.CommandStatus, logger))
	require.NoError(t, Migrate(ctx, db, migrate.CommandVersion, logger))

	require.NoError(t, Migrate(ctx, db, migrate.CommandReset, logger))
	assert.False(t, tableExists(t, db, "farm_tasks"))

	require.NoError(t, Migrate(ctx, db, migrate.CommandUp, logger))
	require.NoError(t, Migrate(ctx, db, migrate.CommandDown, logger))
	assert.False(t, tableExists(t, db, "farm_servers"))

	err := Migrate(ctx, db, "sideways", logger)
	assert.ErrorIs(t, err, migrate.ErrUnknownCommand)
}

func TestMapError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)
	require.NoError(t, Migrate(ctx, db, migrate.CommandUp, setupTestLogger()))

	insertServer := `INSERT INTO farm_servers (id, name, enabled, registered_at, last_seen_at)
		VALUES ('a', '', 1, '2024-01-01 00:00:00', '2024-01-01 00:00:00')`
	_, err := db.ExecContext(ctx, insertServer)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, insertServer)
	require.Error(t, err)
	assert.ErrorIs(t, MapError(err), store.ErrDuplicate)

	_, err = db.ExecContext(ctx, `INSERT INTO farm_task_servers (task_id, server_id) VALUES (424242, 'a')`)
	require.Error(t, err)
	assert.ErrorIs(t, MapError(err), store.ErrInvalidEntity, "foreign key violations are invalid entities")

	assert.ErrorIs(t, MapError(sql.ErrNoRows), store.ErrNotFound)
	assert.NoError(t, MapError(nil))

	other := errors.New("something else")
	assert.Same(t, other, MapError(other))
}
