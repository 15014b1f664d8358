package main

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// setupTestEnv points the configuration at a fresh SQLite file and returns
// the directory holding it.
func setupTestEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	t.Setenv("FARMSYNC_CONFIG", "")
	t.Setenv("FARMSYNC_SERVER_HTTP_ADDR", "127.0.0.1:0")
	t.Setenv("FARMSYNC_DATABASE_DRIVER", "sqlite")
	t.Setenv("FARMSYNC_DATABASE_URL", filepath.Join(dir, "farmsync.db"))
	t.Setenv("FARMSYNC_FARM_SENTINEL_PATH", filepath.Join(dir, "farm.signal"))
	t.Setenv("FARMSYNC_FARM_FILES_ROOT", filepath.Join(dir, "files"))
	t.Setenv("FARMSYNC_FARM_PRODUCER_INTERVAL", "10ms")
	t.Setenv("FARMSYNC_FARM_DISPATCHER_INTERVAL", "20ms")
	return dir
}
