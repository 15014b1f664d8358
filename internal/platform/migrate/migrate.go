// Package migrate applies the embedded goose migrations of a SQL backend.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
)

// TableName is the goose version table shared by every backend.
const TableName = "schema_migrations"

// Supported commands.
const (
	CommandUp      = "up"
	CommandDown    = "down"
	CommandReset   = "reset"
	CommandStatus  = "status"
	CommandVersion = "version"
)

// Commands lists the accepted command names.
func Commands() []string {
	return []string{CommandUp, CommandDown, CommandReset, CommandStatus, CommandVersion}
}

// ErrUnknownCommand is returned for a command outside Commands.
var ErrUnknownCommand = errors.New("unknown migration command")

// Run executes command against db using the migrations in fsys.
func Run(
	ctx context.Context,
	db *sql.DB,
	dialect database.Dialect,
	fsys fs.FS,
	command string,
	logger *slog.Logger,
) error {
	log := logger.With("component", "migrations", "command", command, "dialect", dialect)
	start := time.Now()

	versions, err := database.NewStore(dialect, TableName)
	if err != nil {
		return fmt.Errorf("failed to create migration store: %w", err)
	}
	provider, err := goose.NewProvider("", db, fsys, goose.WithStore(versions))
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}

	before, err := provider.GetDBVersion(ctx)
	if err != nil {
		log.Warn("failed to retrieve current migration version", "error", err)
	}

	var results []*goose.MigrationResult
	switch command {
	case CommandUp:
		results, err = provider.Up(ctx)
	case CommandDown:
		var res *goose.MigrationResult
		res, err = provider.Down(ctx)
		if res != nil {
			results = append(results, res)
		}
	case CommandReset:
		results, err = provider.DownTo(ctx, 0)
	case CommandStatus:
		return logStatus(ctx, provider, log)
	case CommandVersion:
		log.Info("current migration version", "version", before)
		return nil
	default:
		return fmt.Errorf("%w: %s (expected one of %v)", ErrUnknownCommand, command, Commands())
	}

	for _, r := range results {
		log.Info("migration applied",
			"version", r.Source.Version,
			"direction", r.Direction,
			"duration_ms", r.Duration.Milliseconds())
	}
	if err != nil {
		log.Error("migration command failed", "error", err)
		return fmt.Errorf("migration command '%s' failed: %w", command, err)
	}

	after, _ := provider.GetDBVersion(ctx)
	log.Info("migration command completed",
		"previous_version", before,
		"new_version", after,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

func logStatus(ctx context.Context, provider *goose.Provider, log *slog.Logger) error {
	statuses, err := provider.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to read migration status: %w", err)
	}
	for _, s := range statuses {
		log.Info("migration status",
			"version", s.Source.Version,
			"path", s.Source.Path,
			"state", s.State,
			"applied_at", s.AppliedAt)
	}
	return nil
}

// MaskDatabaseURL hides the password of a database URL for logging.
func MaskDatabaseURL(dbURL string) string {
	parsed, err := url.Parse(dbURL)
	if err != nil {
		return "invalid-url"
	}
	if parsed.User != nil {
		if _, ok := parsed.User.Password(); ok {
			parsed.User = url.UserPassword(parsed.User.Username(), "****")
		}
		return parsed.String()
	}
	return dbURL
}
