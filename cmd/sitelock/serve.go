package main

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/daimoniac/sitelock/internal/api"
	"github.com/daimoniac/sitelock/internal/exceptions"
	"github.com/daimoniac/sitelock/internal/kvstore"
	"github.com/daimoniac/sitelock/internal/observability"
	"github.com/daimoniac/sitelock/internal/queue"
	"github.com/daimoniac/sitelock/internal/scheduler"
	"github.com/daimoniac/sitelock/internal/status"
	"github.com/daimoniac/sitelock/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync loop, the API and the observability endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.RequireDirectory(); err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel)
	logger.Info("starting sitelock",
		"directory_url", cfg.Directory.URL,
		"settings_path", cfg.SettingsPath,
		"log_level", cfg.Observability.LogLevel)

	_ = observability.GetMetrics()
	logger.Debug("metrics initialized",
		"metrics_port", cfg.Observability.MetricsPort)

	healthChecker := observability.NewHealthChecker(logger)
	healthChecker.RegisterComponent("config")
	healthChecker.RegisterComponent("queue")
	healthChecker.RegisterComponent("worker")
	healthChecker.UpdateComponentHealth("config", observability.StatusHealthy, "")

	obsServer := observability.NewServer(
		cfg.Observability.MetricsPort,
		cfg.Observability.HealthCheckPort,
		logger,
		healthChecker,
	)

	go func() {
		if err := obsServer.Start(ctx); err != nil {
			logger.Error("observability server error",
				"error", err.Error())
		}
	}()

	logger.Debug("observability server started",
		"metrics_port", cfg.Observability.MetricsPort,
		"health_port", cfg.Observability.HealthCheckPort)

	eng, err := openEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	if pinger, ok := eng.store.(*kvstore.SQLiteStore); ok {
		healthChecker.RegisterComponent("database")
		go healthChecker.StartPeriodicChecks(ctx, 30*time.Second, map[string]observability.HealthCheckFunc{
			"database": pinger.Ping,
		})
	}
	observability.RegisterCacheCollector(eng.cache, logger)

	clock := clockwork.NewRealClock()

	g, err := eng.newGuard()
	if err != nil {
		return err
	}

	rec, dir, err := eng.newReconciler()
	if err != nil {
		return err
	}
	rec.SetReevaluator(g)

	logger.Debug("initializing sync scheduler",
		"interval", cfg.Sync.Interval,
		"failure_threshold", cfg.Sync.FailureThreshold,
		"max_interval", cfg.Sync.MaxInterval)
	sched := scheduler.New(rec, scheduler.Config{
		Interval:          cfg.Sync.Interval,
		FailureThreshold:  cfg.Sync.FailureThreshold,
		BackoffMultiplier: cfg.Sync.BackoffMultiplier,
		MaxInterval:       cfg.Sync.MaxInterval,
	}, logger, scheduler.WithClock(clock))

	reporter := status.NewReporter(eng.cache, logger,
		status.WithScheduler(sched),
		status.WithHealth(healthChecker),
		status.WithClock(clock))
	sched.OnOutcome(reporter.ObserveOutcome)

	logger.Debug("initializing update queue",
		"buffer_size", cfg.Queue.BufferSize)
	taskQueue := queue.NewInMemoryQueue(cfg.Queue.BufferSize)
	healthChecker.UpdateComponentHealth("queue", observability.StatusHealthy, "")

	workerConfig := worker.DefaultConfig()
	workerConfig.RetryAttempts = cfg.Worker.RetryAttempts
	workerConfig.RetryBackoff = cfg.Worker.RetryBackoff
	workerConfig.Concurrency = cfg.Worker.Concurrency
	updateWorker := worker.NewUpdateWorker(taskQueue, dir, eng.cache, workerConfig, logger, worker.WithClock(clock))
	healthChecker.UpdateComponentHealth("worker", observability.StatusHealthy, "")

	v, err := eng.newVerifier()
	if err != nil {
		return err
	}
	logger.Debug("verifier initialized", "mode", cfg.Verifier.Mode)

	manager := exceptions.NewManager(eng.cache, v, logger,
		exceptions.WithClock(clock),
		exceptions.WithTTL(cfg.Bypass.TTL),
		exceptions.WithQueue(taskQueue),
		exceptions.WithTabs(g.Tabs()))

	var apiServer *api.APIServer
	if cfg.API.Enabled {
		logger.Debug("initializing API server",
			"port", cfg.API.Port,
			"read_only", cfg.API.ReadOnly)
		apiServer = api.NewAPIServer(&cfg.API, api.Dependencies{
			Cache:      eng.cache,
			Guard:      g,
			Exceptions: manager,
			Syncer:     sched,
			Status:     reporter,
			Clock:      clock,
		}, logger)
	}

	var wg sync.WaitGroup
	errChan := make(chan error, 3)

	if sqliteStore, ok := eng.store.(*kvstore.SQLiteStore); ok && cfg.Store.PollInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Debug("watching store for external changes",
				"interval", cfg.Store.PollInterval)
			sqliteStore.WatchExternal(ctx, cfg.Store.PollInterval, logger)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		eng.cache.Watch(ctx, func(key string) {
			logger.Info("external cache change", "key", key)
			sched.Trigger(scheduler.ReasonExternal)
		})
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Debug("starting sync scheduler")
		if err := sched.Start(ctx); err != nil && err != context.Canceled {
			logger.Error("sync scheduler error",
				"error", err.Error())
			errChan <- fmt.Errorf("sync scheduler error: %w", err)
		}
		logger.Debug("sync scheduler stopped")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Debug("starting update worker")
		if err := updateWorker.Start(ctx); err != nil && err != context.Canceled {
			logger.Error("update worker error",
				"error", err.Error())
			errChan <- fmt.Errorf("update worker error: %w", err)
		}
		logger.Debug("update worker stopped")
	}()

	if apiServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("API server listening",
				"port", cfg.API.Port)
			if err := apiServer.Start(ctx); err != nil && err != context.Canceled {
				logger.Error("API server error",
					"error", err.Error())
				errChan <- fmt.Errorf("API server error: %w", err)
			}
			logger.Debug("API server stopped")
		}()
	}

	logger.Info("all components started successfully")

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errChan:
		logger.Error("component error, initiating shutdown",
			"error", err.Error())
		cancel()
	}

	logger.Info("shutting down gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all components stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout exceeded, forcing exit")
	}

	queueDepth, _ := taskQueue.GetQueueDepth(shutdownCtx)
	if queueDepth > 0 {
		logger.Warn("directory updates not delivered at shutdown",
			"remaining_tasks", queueDepth)
	}
	_ = taskQueue.Close()

	if err := obsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down observability server",
			"error", err.Error())
	}

	logger.Info("shutdown complete")
	return nil
}
