package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"shopassist/bootstrap"
	"shopassist/config"
)

func main() {
	cfg, err := config.Load()
	logger := bootstrap.NewLogger(cfg.Logging)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	flush := bootstrap.InitSentry(cfg, logger)
	defer flush()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	app, err := bootstrap.New(ctx, cfg, logger)
	cancel()
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	if cfg.IsDevelopment() {
		logger.Info("running in development mode", "mpesa_environment", cfg.Mpesa.Environment)
	}

	server := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      app.Handler(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info("server starting", "port", cfg.HTTP.Port, "archive", app.Ledger != nil, "events", app.Events != nil)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	shutdownTimeout := cfg.HTTP.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()

	if err := server.Shutdown(sctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	logger.Info("server exited")
}
