package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/phrazzld/farmsync/internal/platform/migrate"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate [" + strings.Join(migrate.Commands(), "|") + "]",
		Short: "Manage the task store schema",
		Long: `Runs a schema migration command against the configured database.
With no argument the schema is migrated up.`,
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: migrate.Commands(),
		RunE: func(cmd *cobra.Command, args []string) error {
			command := migrate.CommandUp
			if len(args) == 1 {
				command = args[0]
			}

			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}

			db, err := openDatabase(cmd.Context(), cfg.Database, logger)
			if err != nil {
				return err
			}
			defer db.close(logger)

			if err := db.migrate(cmd.Context(), db.db, command, logger); err != nil {
				return fmt.Errorf("migrate %s failed: %w", command, err)
			}
			return nil
		},
	}
}
