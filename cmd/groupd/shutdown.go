package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/avauthz/groupd/internal/config"
	"github.com/avauthz/groupd/internal/observability"
)

// run starts the service and blocks until shutdown.
func run(app *application, configPath string, logger observability.Logger) {
	app.startMetricsServer(logger)
	watcher := startConfigWatcher(app, configPath, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.server.Start(context.Background())
	}()

	waitForShutdown(app, watcher, errCh, logger)
}

// startConfigWatcher starts the configuration watcher. Reloads apply the
// engine tunables live; everything else requires a restart.
func startConfigWatcher(
	app *application,
	configPath string,
	logger observability.Logger,
) *config.Watcher {
	if configPath == "" {
		return nil
	}

	watcher, err := config.NewWatcher(configPath, func(newCfg *config.Config) {
		logger.Info("configuration changed, applying engine tunables",
			observability.Int("cycleCheckCeiling", newCfg.Engine.CycleCheckCeiling),
			observability.Int("traversalCeiling", newCfg.Engine.TraversalCeiling),
		)
		app.tunables.Apply(newCfg.Engine)
	}, config.WithWatcherLogger(logger))

	if err != nil {
		logger.Warn("failed to create config watcher", observability.Error(err))
		return nil
	}

	if err := watcher.Start(context.Background()); err != nil {
		logger.Warn("failed to start config watcher", observability.Error(err))
	}

	return watcher
}

// waitForShutdown waits for a shutdown signal or server failure and
// performs graceful shutdown.
func waitForShutdown(
	app *application,
	watcher *config.Watcher,
	errCh <-chan error,
	logger observability.Logger,
) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", observability.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", observability.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		app.config.ShutdownTimeout.Duration())
	defer cancel()

	if watcher != nil {
		_ = watcher.Stop()
	}

	if app.metricsServer != nil {
		if err := app.metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to stop metrics server gracefully", observability.Error(err))
		}
	}

	if err := app.server.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop server gracefully", observability.Error(err))
	}

	// Closing the dispatcher drains queued plugin events.
	if err := app.plugins.Close(); err != nil {
		logger.Error("failed to close plugin dispatcher", observability.Error(err))
	}

	if err := app.closures.Close(); err != nil {
		logger.Error("failed to close closure coordinator", observability.Error(err))
	}

	if app.shared != nil {
		if err := app.shared.Close(); err != nil {
			logger.Error("failed to close shared closure cache", observability.Error(err))
		}
	}

	if err := app.tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown tracer", observability.Error(err))
	}

	logger.Info("groupd stopped")
}
