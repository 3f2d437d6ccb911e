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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/smartystudio/smarty-google-feed-generator/app/api"
	"github.com/smartystudio/smarty-google-feed-generator/app/cache"
	"github.com/smartystudio/smarty-google-feed-generator/app/cfg"
	"github.com/smartystudio/smarty-google-feed-generator/app/database"
	"github.com/smartystudio/smarty-google-feed-generator/app/events"
	"github.com/smartystudio/smarty-google-feed-generator/app/feed"
	"github.com/smartystudio/smarty-google-feed-generator/app/invalidation"
	"github.com/smartystudio/smarty-google-feed-generator/app/logging"
	"github.com/smartystudio/smarty-google-feed-generator/app/metrics"
	"github.com/smartystudio/smarty-google-feed-generator/app/storage"
	"github.com/smartystudio/smarty-google-feed-generator/app/tasks"
)

func main() {
	appCfg, err := cfg.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if appCfg == nil {
		// Help was shown
		return
	}

	logCloser, err := logging.Setup(logging.Options{
		Format: appCfg.LogFormat,
		File:   appCfg.LogFile,
		Debug:  appCfg.Debug,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logCloser.Close()

	if err := run(appCfg); err != nil {
		slog.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}

func run(appCfg *cfg.Cfg) error {
	slog.Info("Starting Smarty Google Feed Generator", "version", appCfg.Version)

	db, err := database.NewConnection(appCfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	version, dirty, err := database.RunMigrations(db)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Info("Database ready", "path", appCfg.DBPath, "schema_version", version, "dirty", dirty)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	feedCache, cacheCloser, err := cache.Open(ctx, appCfg.CacheDriver, db, appCfg.RedisAddr)
	if err != nil {
		return fmt.Errorf("failed to open feed cache: %w", err)
	}
	defer cacheCloser.Close()
	slog.Info("Feed cache ready", "driver", appCfg.CacheDriver)

	definitions := feed.NewDefinitions(appCfg.FeedsDir)
	if err := definitions.Run(); err != nil {
		return fmt.Errorf("failed to load feed definitions: %w", err)
	}
	for _, def := range definitions.All() {
		slog.Info("Feed definition", "feed", def.Name, "kind", def.Kind, "path", def.Path,
			"enabled", def.Enabled, "scheduled", def.Scheduled)
	}

	products := database.NewProductRepository(db)
	reviews := database.NewReviewRepository(db)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	generator := feed.NewGenerator(feed.GeneratorOptions{
		Products:        products,
		Reviews:         reviews,
		Mapper:          feed.NewMapper(appCfg.Currency, products),
		Cache:           feedCache,
		Blobs:           storage.NewFileStore(appCfg.OutputDir),
		Definitions:     definitions,
		TTL:             appCfg.CacheTTL,
		UpstreamTimeout: appCfg.UpstreamTimeout,
		Metrics:         metrics.NewCollector(registry),
	})
	coordinator := invalidation.NewCoordinator(generator, products, reviews)

	scheduler, err := tasks.NewScheduler(generator, definitions, coordinator, appCfg.Schedule, appCfg.WorkerCount)
	if err != nil {
		return err
	}
	slog.Info("Starting background scheduler", "workers", appCfg.WorkerCount, "schedule", appCfg.Schedule)
	scheduler.Start()
	defer scheduler.Stop()
	slog.Info("Next scheduled regeneration", "at", scheduler.NextRun())

	if appCfg.NatsURL != "" {
		subscriber, err := events.NewNatsSubscriber(appCfg.NatsURL, appCfg.NatsSubject, coordinator, appCfg.UpstreamTimeout*3)
		if err != nil {
			return err
		}
		if err := subscriber.Start(ctx); err != nil {
			return err
		}
		defer subscriber.Close()
		slog.Info("Listening for catalog events", "url", appCfg.NatsURL, "subject", appCfg.NatsSubject+".>")
	}

	handler := api.NewHandler(definitions, generator, coordinator, scheduler, appCfg.Version)
	server := api.NewServer(handler, api.ServerOptions{
		APIAccessKey: appCfg.APIAccessKey,
		RateLimit:    appCfg.RateLimit,
		Gatherer:     registry,
	})

	httpServer := &http.Server{
		Addr:         ":" + appCfg.Port,
		Handler:      server,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErrChan := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "port", appCfg.Port)
		for _, def := range definitions.Enabled() {
			slog.Info("Feed endpoint", "feed", def.Name, "url", appCfg.SelfURL(def.Path))
		}
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	slog.Info("Server started, press Ctrl+C to shut down")

	var runErr error
wait:
	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				slog.Info("Reloading feed definitions")
				if err := scheduler.EnqueueTask(tasks.NewReloadDefinitionsTask(definitions)); err != nil {
					slog.Error("Failed to enqueue definitions reload", "error", err)
				}
				continue
			}
			slog.Info("Received signal", "signal", sig)
			break wait
		case err := <-serverErrChan:
			runErr = err
			break wait
		}
	}

	slog.Info("Shutting down server gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	} else {
		slog.Info("HTTP server stopped")
	}

	stop()
	return runErr
}
