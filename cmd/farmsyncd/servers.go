package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/phrazzld/farmsync/internal/platform/migrate"
)

func newServersCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "Manage farm membership",
	}
	cmd.AddCommand(
		newServersRegisterCmd(opts),
		newServersToggleCmd(opts, "enable", true),
		newServersToggleCmd(opts, "disable", false),
		newServersListCmd(opts),
	)
	return cmd
}

// withStore opens and migrates the configured database for a one-shot command.
func withStore(ctx context.Context, opts *rootOptions, fn func(db *database) error) error {
	cfg, logger, err := opts.load()
	if err != nil {
		return err
	}

	db, err := openDatabase(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer db.close(logger)

	if err := db.migrate(ctx, db.db, migrate.CommandUp, logger); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return fn(db)
}

func newServersRegisterCmd(opts *rootOptions) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "register <server-id>",
		Short: "Add a server to the farm, or re-enable it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if name == "" {
				name = id
			}
			return withStore(cmd.Context(), opts, func(db *database) error {
				if err := db.store.RegisterServer(cmd.Context(), id, name); err != nil {
					return err
				}
				cmd.Printf("registered %s\n", id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Display name (default the server id)")
	return cmd
}

func newServersToggleCmd(opts *rootOptions, verb string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <server-id>",
		Short: fmt.Sprintf("%s task delivery to a registered server", verb),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts, func(db *database) error {
				if err := db.store.SetServerEnabled(cmd.Context(), args[0], enabled); err != nil {
					return err
				}
				cmd.Printf("%sd %s\n", verb, args[0])
				return nil
			})
		},
	}
}

func newServersListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List farm servers and their pending bindings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), opts, func(db *database) error {
				servers, err := db.store.ListServers(cmd.Context())
				if err != nil {
					return err
				}
				counts, err := db.store.PendingCounts(cmd.Context())
				if err != nil {
					return err
				}
				pending := make(map[string][2]int64, len(counts))
				for _, c := range counts {
					pending[c.ServerID] = [2]int64{c.Pending, c.Failed}
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tENABLED\tPENDING\tFAILED\tLAST SEEN")
				for _, s := range servers {
					p := pending[s.ID]
					fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%d\t%s\n",
						s.ID, s.Name, s.Enabled, p[0], p[1], s.LastSeenAt.UTC().Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}
}
