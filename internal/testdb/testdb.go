package testdb

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/phrazzld/farmsync/internal/platform/migrate"
	"github.com/phrazzld/farmsync/internal/platform/postgres"
	"github.com/phrazzld/farmsync/internal/platform/sqlite"
	"github.com/phrazzld/farmsync/internal/platform/sqlstore"
)

// EnvDatabaseURL names the PostgreSQL database used by integration tests.
// Its tables are truncated after every test.
const EnvDatabaseURL = "FARMSYNC_TEST_DATABASE_URL"

// Opener returns a migrated store with the given servers registered.
type Opener func(t *testing.T, servers ...string) *sqlstore.Store

// IsIntegrationTestEnvironment reports whether a PostgreSQL test database is
// configured.
func IsIntegrationTestEnvironment() bool {
	return os.Getenv(EnvDatabaseURL) != ""
}

// isCIEnvironment reports whether the tests run under a CI system.
func isCIEnvironment() bool {
	for _, name := range []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI", "JENKINS_URL", "CIRCLECI"} {
		if os.Getenv(name) != "" {
			return true
		}
	}
	return false
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// SQLite opens a migrated store in a fresh file under t.TempDir.
func SQLite(t *testing.T, servers ...string) *sqlstore.Store {
	t.Helper()
	ctx := context.Background()
	logger := quietLogger()

	db, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "farm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, sqlite.Migrate(ctx, db, migrate.CommandUp, logger))
	return register(t, sqlite.NewStore(db, logger), servers)
}

// Postgres opens a migrated store on the integration database, skipping the
// test when none is configured. Tests using it must not run in parallel.
func Postgres(t *testing.T, servers ...string) *sqlstore.Store {
	t.Helper()
	dsn := os.Getenv(EnvDatabaseURL)
	if dsn == "" {
		if isCIEnvironment() {
			t.Logf("%s is not set in CI, PostgreSQL coverage is missing", EnvDatabaseURL)
		}
		t.Skipf("%s not set, skipping PostgreSQL test", EnvDatabaseURL)
	}

	ctx := context.Background()
	logger := quietLogger()

	db, err := postgres.Open(ctx, dsn, postgres.PoolConfig{MaxOpenConns: 5, MaxIdleConns: 2})
	require.NoError(t, err, "failed to connect to %s", migrate.MaskDatabaseURL(dsn))
	require.NoError(t, postgres.Migrate(ctx, db, migrate.CommandUp, logger))

	truncate := func() {
		_, err := db.ExecContext(ctx, `TRUNCATE farm_task_servers, farm_tasks, farm_servers RESTART IDENTITY CASCADE`)
		require.NoError(t, err)
	}
	truncate()
	t.Cleanup(func() {
		truncate()
		_ = db.Close()
	})

	return register(t, postgres.NewStore(db, logger), servers)
}

// Backends returns an opener per available backend, keyed by dialect name.
func Backends() map[string]Opener {
	backends := map[string]Opener{"sqlite": SQLite}
	if IsIntegrationTestEnvironment() {
		backends["postgres"] = Postgres
	}
	return backends
}

func register(t *testing.T, s *sqlstore.Store, servers []string) *sqlstore.Store {
	t.Helper()
	for _, id := range servers {
		require.NoError(t, s.RegisterServer(context.Background(), id, "server "+id))
	}
	return s
}
