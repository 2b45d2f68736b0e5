package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"market-task-orchestrator/internal/api"
	"market-task-orchestrator/internal/archive"
	"market-task-orchestrator/internal/calendar"
	"market-task-orchestrator/internal/logging"
	"market-task-orchestrator/internal/scheduler"
	"market-task-orchestrator/internal/store"
	"market-task-orchestrator/internal/tasks"
	"market-task-orchestrator/internal/taskstore"
	"market-task-orchestrator/internal/telemetry"
	"market-task-orchestrator/internal/worker"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the HTTP API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loc, err := cfg.Location()
	if err != nil {
		return fmt.Errorf("scheduler timezone: %w", err)
	}
	cal, err := calendar.NewWeekday(cfg.Holidays)
	if err != nil {
		return err
	}
	catalog, err := scheduler.LoadCatalog(cfg.JobsFile)
	if err != nil {
		return err
	}

	client := taskstore.NewClient(cfg)
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	ts := taskstore.New(client, cfg.TaskTTL, log)

	var recorders []tasks.Recorder
	var history *store.Store
	if cfg.PostgresDSN != "" {
		history, err = store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer history.Close()
		if err := history.RunMigrations(ctx); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		recorders = append(recorders, history)
	} else {
		log.Info("POSTGRES_DSN not set, run history disabled")
	}
	arch, err := archive.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init archive: %w", err)
	}
	if arch != nil {
		recorders = append(recorders, arch)
	}

	manager := tasks.NewManager(ts,
		tasks.WithLogger(log),
		tasks.WithStaleThreshold(cfg.StaleThreshold),
		tasks.WithRecorders(recorders...),
	)

	registry := worker.NewRegistry()
	deps := worker.Deps{
		Manager:      manager,
		Retention:    cfg.HistoryRetention,
		BatchWorkers: cfg.BatchMaxWorkers,
		Logger:       log,
	}
	if history != nil {
		deps.History = history
	}
	worker.RegisterBuiltins(registry, deps)
	for _, def := range catalog.All() {
		if _, ok := registry.Lookup(def.ID); !ok {
			log.Warn("catalogue job has no worker, triggers will be rejected", zap.String("code", def.ID))
		}
	}

	sched := scheduler.New(catalog, registry, manager, client,
		scheduler.WithLocation(loc),
		scheduler.WithCalendar(cal),
		scheduler.WithLogger(log),
		scheduler.WithTriggerLockTTL(cfg.TriggerLockTTL),
	)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	apiOpts := []api.Option{api.WithLogger(log)}
	if history != nil {
		apiOpts = append(apiOpts, api.WithHistory(history))
	}
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.New(manager, sched, ts, apiOpts...).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	servers := []*http.Server{httpServer}
	if cfg.MetricsAddr != "" {
		servers = append(servers, &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           telemetry.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			log.Info("listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
		}(srv)
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case runErr = <-errCh:
		log.Error("server failed", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	select {
	case <-sched.Stop().Done():
	case <-shutdownCtx.Done():
		log.Warn("cron fires still in progress at shutdown")
	}

	// Tasks still running are left to the stale sweep of the next process.
	done := make(chan struct{})
	go func() {
		manager.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn("tasks still running at shutdown")
	}
	return runErr
}
