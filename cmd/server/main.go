package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/S1riyS/naivefs/internal/app"
	"github.com/S1riyS/naivefs/internal/config"
	"github.com/S1riyS/naivefs/internal/handler"
	"github.com/S1riyS/naivefs/internal/middleware"
	"github.com/S1riyS/naivefs/pkg/logging"
	"github.com/S1riyS/naivefs/pkg/logging/slogext"
)

func main() {
	cfg := config.MustLoad(config.Path())

	prettyLogger := app.SetupPrettySlog(cfg.App.LogLevel)

	// Root context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.MakeContextWithLogger(ctx, prettyLogger)

	if err := run(ctx, cfg, prettyLogger); err != nil {
		prettyLogger.Error("Server stopped with error", slogext.Err(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// Dependencies
	a := app.New(cfg, logger)
	h := handler.NewHandler(a.Service)

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.App.Port),
		Handler:      middleware.RequestIDMiddleware(middleware.LoggerMiddleware(logger)(mux)),
		ReadTimeout:  cfg.App.DefaultTimeout,
		WriteTimeout: cfg.App.DefaultTimeout,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting server",
			slog.String("addr", srv.Addr),
			slog.String("data_dir", cfg.Storage.DataDir),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("Shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
		defer cancel()
		shutdownCtx = logging.MakeContextWithLogger(shutdownCtx, logger)

		err := srv.Shutdown(shutdownCtx)
		return errors.Join(err, a.Service.Close(shutdownCtx))
	})

	return g.Wait()
}
