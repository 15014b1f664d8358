package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/phrazzld/farmsync/internal/config"
	"github.com/phrazzld/farmsync/internal/platform/migrate"
	"github.com/phrazzld/farmsync/internal/platform/postgres"
	"github.com/phrazzld/farmsync/internal/platform/sqlite"
	"github.com/phrazzld/farmsync/internal/platform/sqlstore"
)

// database bundles an open connection with the dialect-specific pieces.
type database struct {
	db      *sql.DB
	store   *sqlstore.Store
	migrate func(ctx context.Context, db *sql.DB, command string, logger *slog.Logger) error
}

// openDatabase connects to the configured backend.
func openDatabase(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*database, error) {
	var (
		d   database
		err error
	)

	switch cfg.Driver {
	case "postgres":
		logger.Info("connecting to database", "driver", cfg.Driver, "url", migrate.MaskDatabaseURL(cfg.URL))
		d.db, err = postgres.Open(ctx, cfg.URL, postgres.DefaultPoolConfig())
		if err != nil {
			return nil, err
		}
		d.store = postgres.NewStore(d.db, logger)
		d.migrate = postgres.Migrate
	case "sqlite":
		logger.Info("opening database", "driver", cfg.Driver, "path", cfg.URL)
		d.db, err = sqlite.Open(ctx, cfg.URL)
		if err != nil {
			return nil, err
		}
		d.store = sqlite.NewStore(d.db, logger)
		d.migrate = sqlite.Migrate
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	return &d, nil
}

func (d *database) close(logger *slog.Logger) {
	if err := d.db.Close(); err != nil {
		logger.Error("error closing database connection", "error", err)
	}
}
