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

	"github.com/astrimbu/pulse/internal/api"
	"github.com/astrimbu/pulse/internal/config"
	"github.com/astrimbu/pulse/internal/logger"
	"github.com/astrimbu/pulse/internal/pump"
	"github.com/astrimbu/pulse/internal/schedule"
	"github.com/astrimbu/pulse/internal/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg := config.Parse()

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	logger.Init(cfg.LogFormat, level)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	eventLoc, err := cfg.EventLocation()
	if err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(2)
	}

	// Open database
	store, err := storage.Open(ctx, cfg.DBPath, storage.Options{
		ReadOnly:      cfg.ReadOnly,
		OpenTimeout:   cfg.DBOpenTimeout,
		EventLocation: eventLoc,
	})
	if err != nil {
		logger.Error("Failed to open database", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer store.Close()
	logger.Info("Using SQLite database", "path", cfg.DBPath, "read_only", cfg.ReadOnly)

	// Create pump controller
	pumps, err := pump.New(pump.Config{
		Command:         cfg.Pump.Command,
		Timeout:         cfg.Pump.Timeout,
		MaxDuration:     cfg.Pump.MaxDuration,
		BreakerFailures: cfg.Pump.BreakerFailures,
		BreakerOpenFor:  cfg.Pump.BreakerOpenFor,
	}, pump.ExecRunner{Dir: cfg.Pump.WorkDir})
	if err != nil {
		logger.Error("Failed to create pump controller", "error", err)
		os.Exit(1)
	}

	// Start watering schedules
	sched, err := schedule.New(pumps, scheduleEntries(cfg.Schedules))
	if err != nil {
		logger.Error("Failed to create schedules", "error", err)
		os.Exit(1)
	}
	sched.Start(ctx)

	handlers := api.NewHandlers(store, pumps)
	handler := api.NewServer(handlers, api.ServerOptions{
		RequestTimeout: cfg.RequestTimeout,
		StaticDir:      cfg.StaticDir,
	})

	// Start HTTP server. No write timeout: a pump trigger answers only
	// after the watering run ends.
	addr := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting server", "url", "http://localhost"+addr)
		logger.Info("Pump controller", "command", cfg.Pump.Command, "max_duration", cfg.Pump.MaxDuration)
		if cfg.StaticDir != "" {
			logger.Info("Serving static files", "dir", cfg.StaticDir)
		}

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal or server failure
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error("Server failed", "error", err)
			sched.Stop()
			store.Close()
			os.Exit(1)
		}
	}

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}
	sched.Stop()

	logger.Info("Server stopped")
}

func scheduleEntries(in []config.Schedule) []schedule.Entry {
	entries := make([]schedule.Entry, 0, len(in))
	for _, s := range in {
		entries = append(entries, schedule.Entry{
			Plant:    s.Plant,
			Spec:     s.Cron,
			Duration: time.Duration(s.DurationMs) * time.Millisecond,
		})
	}
	return entries
}
