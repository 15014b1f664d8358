package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/phrazzld/farmsync/internal/api"
	"github.com/phrazzld/farmsync/internal/api/middleware"
	"github.com/phrazzld/farmsync/internal/config"
	"github.com/phrazzld/farmsync/internal/handlers"
	"github.com/phrazzld/farmsync/internal/license"
	"github.com/phrazzld/farmsync/internal/platform/migrate"
	"github.com/phrazzld/farmsync/internal/task"
)

// shutdownTimeout bounds the producer flush and HTTP drain on exit.
const shutdownTimeout = 10 * time.Second

// application holds the daemon's long-lived dependencies.
type application struct {
	config *config.Config
	logger *slog.Logger
	db     *database

	registry *task.TypeRegistry
	cache    *handlers.Cache
	engine   *task.Engine
	router   http.Handler
}

// newApplication migrates the schema, registers this server when farm mode is
// on and builds the engine and HTTP router. The engine is not started.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *database) (*application, error) {
	app := &application{
		config: cfg,
		logger: logger,
		db:     db,
		cache:  handlers.NewCache(),
	}

	if err := db.migrate(ctx, db.db, migrate.CommandUp, logger); err != nil {
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	if cfg.Farm.Enabled {
		if err := db.store.RegisterServer(ctx, cfg.Farm.ServerID, cfg.Farm.ServerName); err != nil {
			return nil, fmt.Errorf("failed to register farm server: %w", err)
		}
	}

	app.registry = task.NewTypeRegistry()
	if err := handlers.Register(app.registry, handlers.Config{
		FilesRoot: cfg.Farm.FilesRoot,
		Cache:     app.cache,
	}, logger); err != nil {
		return nil, fmt.Errorf("failed to register task handlers: %w", err)
	}

	gate, err := license.FromConfig(cfg.License.Token, cfg.License.Secret, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to set up license check: %w", err)
	}

	app.engine, err = task.NewEngine(task.EngineConfig{
		ServerID:            cfg.Farm.ServerID,
		FarmEnabled:         cfg.Farm.Enabled,
		AnonymousEnabled:    cfg.Farm.AnonymousEnabled,
		OriginMachine:       cfg.Farm.ServerName,
		ProducerInterval:    cfg.Farm.ProducerInterval,
		DispatcherInterval:  cfg.Farm.DispatcherInterval,
		MaintenanceInterval: cfg.Farm.MaintenanceInterval,
		BatchSize:           cfg.Farm.BatchSize,
		OrphanGrace:         cfg.Farm.OrphanGrace,
		SentinelPath:        cfg.Farm.SentinelPath,
	}, task.Dependencies{
		Store:    db.store,
		Servers:  db.store,
		Registry: app.registry,
		License:  gate,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create task engine: %w", err)
	}

	auth := middleware.NewTokenAuth(cfg.Server.APIToken)
	if !auth.Enabled() {
		logger.Warn("server.api_token is empty, task enqueue endpoint is unauthenticated",
			"http_addr", cfg.Server.HTTPAddr)
	}
	handler := api.NewFarmHandler(app.engine, db.store, db.store, logger).WithCache(app.cache)
	app.router = api.NewRouter(handler, auth, logger)

	logger.Info("application initialized",
		"mode", app.engine.Mode(),
		"task_types", len(app.registry.Types()))
	return app, nil
}

// Run starts the engine and serves HTTP until ctx is done, then shuts both
// down gracefully.
func (app *application) Run(ctx context.Context) error {
	cleaned, err := app.engine.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start task engine: %w", err)
	}

	ln, err := net.Listen("tcp", app.config.Server.HTTPAddr)
	if err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(fmt.Errorf("failed to listen on %s: %w", app.config.Server.HTTPAddr, err),
			app.engine.Shutdown(shutdownCtx))
	}

	server := &http.Server{
		Handler:           app.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		app.logger.Info("http server listening", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		select {
		case <-cleaned:
			app.logger.Info("stale task cleanup finished, dispatching")
		case <-gctx.Done():
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		app.logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http server shutdown failed: %w", err))
		}
		if err := app.engine.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("task engine shutdown failed: %w", err))
		}
		return errors.Join(errs...)
	})

	err = g.Wait()
	app.logger.Info("shutdown completed")
	return err
}
