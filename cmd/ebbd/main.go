// Command ebbd runs the job engine as a single process: it applies the
// database migrations, serves the HTTP API and consumes jobs.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/oduya/ebb/ebb"
	"github.com/oduya/ebb/ebb/config"
	"github.com/oduya/ebb/ebb/job"
	"github.com/oduya/ebb/ebb/server"
	"github.com/oduya/ebb/ebb/store/postgres"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("ebbd exited", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	cfg.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.StoreDriver == config.DriverPostgres {
		if err := postgres.Migrate(cfg.PostgresDSN, cfg.MigrationsDir); err != nil {
			return err
		}
		logger.Info("migrations applied", zap.String("dir", cfg.MigrationsDir))
	}

	client, err := ebb.NewClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	registerHandlers(client)

	httpSrv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           server.New(client).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("api listening", zap.String("addr", cfg.APIAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		logger.Info("consumer started", zap.Int("max_workers", cfg.MaxWorkers))
		if err := client.Consume(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		stop()
		logger.Error("fatal component failure", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	return client.Shutdown(shutdownCtx)
}

// registerHandlers wires the built-in job kinds. Deployments embedding
// the engine as a library register their own handlers instead.
func registerHandlers(client *ebb.Client) {
	client.Handle("noop", func(ctx context.Context, _ *job.Job) error { return nil })
}
