// Package main implements farmsyncd, the daemon that propagates farm tasks
// between the members of a web farm, and its operator subcommands.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/phrazzld/farmsync/internal/config"
	"github.com/phrazzld/farmsync/internal/platform/logger"
)

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
	logOutput  io.Writer
}

// load reads the configuration and sets up the logger it names. --log-level
// overrides the configured level.
func (o *rootOptions) load() (*config.Config, *slog.Logger, error) {
	path := o.configPath
	if path == "" {
		path = os.Getenv(config.ConfigPathEnv)
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if o.logLevel != "" {
		cfg.Server.LogLevel = o.logLevel
	}

	l, err := logger.Setup(logger.LoggerConfig{Level: cfg.Server.LogLevel, Output: o.logOutput})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up logger: %w", err)
	}
	return cfg, l, nil
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &rootOptions{logOutput: out}

	cmd := &cobra.Command{
		Use:   "farmsyncd",
		Short: "Propagate farm tasks between web farm members",
		Long: `farmsyncd persists tasks created on one farm member and executes them on
every other enabled member, or on this machine alone in anonymous mode.`,
		SilenceUsage: true,
	}
	cmd.SetOut(out)
	cmd.SetErr(out)

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "",
		"Config file path (default from "+config.ConfigPathEnv+" or ./farmsync.yaml)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override server.log_level")

	cmd.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newServersCmd(opts),
		newLicenseCmd(),
	)
	return cmd
}

func main() {
	if err := newRootCmd(os.Stdout).ExecuteContext(context.Background()); err != nil {
		slog.Error("farmsyncd command failed", "error", err)
		os.Exit(1)
	}
}
