package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/ent0n29/glasslive/internal/app"
	"github.com/ent0n29/glasslive/internal/config"
)

func main() {
	_ = godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "glasslive: logger init failed: %v\n", err)
		os.Exit(1)
	}

	os.Exit(finish(logger, run(logger)))
}

// finish logs a fatal run error and flushes the logger before the process
// exits.
func finish(logger *zap.Logger, err error) int {
	code := 0
	if err != nil {
		logger.Error("glasslive exited", zap.Error(err))
		code = 1
	}
	_ = logger.Sync()
	return code
}

func run(logger *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	built, err := app.Build(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			logger.Warn("cleanup failed", zap.Error(err))
		}
	}()

	built.Sessions.StartJanitor(ctx, 5*time.Second)

	httpServer := &http.Server{
		Addr:              cfg.Server.BindAddr,
		Handler:           otelhttp.NewHandler(built.API.Router(), "glasslive"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			zap.String("addr", cfg.Server.BindAddr),
			zap.String("provider", cfg.Provider.ID),
			zap.String("history", cfg.History.Driver))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}

	logger.Info("shutdown complete")
	return nil
}
