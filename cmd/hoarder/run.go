package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hoarderhq/hoarder/internal/api"
	"github.com/hoarderhq/hoarder/internal/config"
	"github.com/hoarderhq/hoarder/internal/scheduler"
	"github.com/hoarderhq/hoarder/internal/shutdown"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var runNow bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the backup daemon",
		Long: `Run hoarder as a daemon. Backup cycles start on HOARDER_SCHEDULE, on
SIGHUP or SIGUSR1, and on POST /backup when HOARDER_LISTEN_ADDR is set.
SIGINT or SIGTERM stop new cycles and wait for running jobs to restore
their containers.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runDaemon(cfg, runNow)
		},
	}

	cmd.Flags().BoolVar(&runNow, "now", false, "Run a backup cycle immediately after startup")

	return cmd
}

func runDaemon(cfg config.Config, runNow bool) error {
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a, err := newApp(cfg, logger, reg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close resources")
		}
	}()

	pingCtx, pingCancel := context.WithTimeout(ctx, cfg.RuntimeTimeout)
	if err := a.runtime.Ping(pingCtx); err != nil {
		logger.Warn().Err(err).Msg("container runtime unreachable at startup; cycles will retry")
	}
	pingCancel()

	a.sweepStaging(ctx)

	var sched *scheduler.Scheduler
	shutdownCfg := shutdown.DefaultConfig()
	shutdownCfg.Timeout = cfg.ShutdownTimeout
	shutdownMgr := shutdown.NewManager(shutdownCfg, a.coord, func() { sched.CancelCycles() }, logger)

	sched, err = a.newScheduler(cfg.Schedule, shutdownMgr)
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	var server *api.Server
	var serverErr <-chan error
	if cfg.ListenAddr != "" {
		apiCfg := api.DefaultConfig()
		apiCfg.Version = Version
		apiCfg.Commit = Commit
		apiCfg.BuildDate = BuildDate
		deps := api.Deps{
			Runtime:     a.runtime,
			Coordinator: a.coord,
			Scheduler:   sched,
			Shutdown:    shutdownMgr,
			Gatherer:    reg,
		}
		if a.history != nil {
			deps.History = a.history
		}
		server = api.NewServer(cfg.ListenAddr, api.NewRouter(apiCfg, deps, logger), logger)
		serverErr = server.Start()
	}

	triggers := make(chan os.Signal, 1)
	signal.Notify(triggers, syscall.SIGHUP, syscall.SIGUSR1)
	defer signal.Stop(triggers)
	go sched.HandleSignals(ctx, triggers)

	if runNow {
		if err := sched.Trigger(ctx, scheduler.TriggerStartup, nil); err != nil {
			logger.Warn().Err(err).Msg("startup cycle not run")
		}
	}

	logger.Info().
		Str("host", cfg.Host).
		Str("schedule", cfg.Schedule).
		Str("listen_addr", cfg.ListenAddr).
		Bool("dry_run", cfg.DryRun).
		Msg("hoarder daemon started")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err, ok := <-serverErr:
		if ok && err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}
	stop()

	// Jobs past staging finish their backup and restore their containers;
	// the shutdown manager bounds how long that may take.
	shutdownErr := shutdownMgr.Shutdown(context.Background())
	cronCtx := sched.Stop()
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer waitCancel()
	select {
	case <-cronCtx.Done():
	case <-waitCtx.Done():
	}
	if err := sched.Wait(waitCtx); err != nil {
		logger.Warn().Err(err).Msg("background cycles still running at exit")
	}

	if server != nil {
		httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer httpCancel()
		if err := server.Shutdown(httpCtx); err != nil {
			logger.Warn().Err(err).Msg("HTTP server shutdown failed")
		}
	}

	if errors.Is(shutdownErr, shutdown.ErrJobsStillRunning) {
		logger.Error().Bool("escalate", true).Msg("exiting with backup jobs still running")
	}
	logger.Info().Msg("hoarder daemon stopped")
	return errors.Join(runErr, shutdownErr)
}
