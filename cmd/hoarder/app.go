package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hoarderhq/hoarder/internal/config"
	"github.com/hoarderhq/hoarder/internal/coordinator"
	"github.com/hoarderhq/hoarder/internal/discovery"
	"github.com/hoarderhq/hoarder/internal/history"
	"github.com/hoarderhq/hoarder/internal/hooks"
	"github.com/hoarderhq/hoarder/internal/httpclient"
	"github.com/hoarderhq/hoarder/internal/metrics"
	"github.com/hoarderhq/hoarder/internal/models"
	"github.com/hoarderhq/hoarder/internal/report"
	"github.com/hoarderhq/hoarder/internal/restic"
	"github.com/hoarderhq/hoarder/internal/runtime"
	"github.com/hoarderhq/hoarder/internal/scheduler"
	"github.com/hoarderhq/hoarder/internal/staging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// app holds the wired components shared by the daemon and the one-shot
// commands.
type app struct {
	cfg        config.Config
	logger     zerolog.Logger
	runtime    *runtime.DockerClient
	repo       *restic.Restic
	stager     *staging.Manager
	history    *history.Store
	locks      *coordinator.LockTable
	coord      *coordinator.Coordinator
	discoverer *discovery.Discoverer
	dispatcher *report.Dispatcher
	metrics    *metrics.PrometheusMetrics
	closers    []func() error
}

// newRepository builds the restic client for the configured runner mode.
func newRepository(cfg config.Config, logger zerolog.Logger) *restic.Restic {
	var runner restic.Runner
	if cfg.ResticMode == config.ResticModeDocker {
		runner = restic.NewDockerRunner(cfg.DockerBinary, cfg.ResticImage, cfg.RepositoryMount(), cfg.ResticRoot, logger)
	} else {
		runner = restic.NewLocalRunner(cfg.ResticBinary, logger)
	}

	env := config.ForwardedEnv()
	if len(env) > 0 {
		logger.Debug().Strs("keys", config.ForwardedKeys(env)).Msg("forwarding environment to restic")
	}
	return restic.NewRestic(runner, restic.Config{
		Repository:   cfg.Repository,
		PasswordFile: cfg.PasswordFile,
		Host:         cfg.Host,
		Env:          env,
		DryRun:       cfg.DryRun,
	}, logger)
}

// openHistory opens the history database, or returns nil when disabled.
func openHistory(cfg config.Config, logger zerolog.Logger) (*history.Store, error) {
	if cfg.HistoryPath == "" {
		return nil, nil
	}
	return history.Open(cfg.HistoryPath, logger)
}

// newApp wires every component. reg enables Prometheus metrics when non-nil.
func newApp(cfg config.Config, logger zerolog.Logger, reg prometheus.Registerer) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.runtime, err = runtime.NewDockerClient(cfg.DockerHost, cfg.RuntimeTimeout, logger)
	if err != nil {
		return nil, fmt.Errorf("create runtime client: %w", err)
	}
	a.closers = append(a.closers, a.runtime.Close)

	a.repo = newRepository(cfg, logger)

	strategy, err := staging.ParseStrategy(cfg.StagingMode)
	if err != nil {
		return nil, err
	}
	var snapshotter staging.Snapshotter
	if cfg.Snapshotter == "btrfs" {
		snapshotter = staging.NewBtrfsSnapshotter("btrfs", logger)
	}
	stagingOpts := staging.Options{
		Root:         cfg.IntermediatePath,
		Strategy:     strategy,
		SourcePrefix: cfg.SourcePrefix,
		MinFreeBytes: cfg.MinFreeBytes,
	}
	if cfg.ResticMode == config.ResticModeDocker {
		stagingOpts.RepositoryRoot = cfg.ResticRoot
	}
	a.stager, err = staging.NewManager(stagingOpts, snapshotter, logger)
	if err != nil {
		return nil, fmt.Errorf("create staging manager: %w", err)
	}

	a.history, err = openHistory(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	var lockStore coordinator.LockStore
	if a.history != nil {
		lockStore = a.history
		a.closers = append(a.closers, a.history.Close)
	}
	a.locks = coordinator.NewLockTable(lockStore)
	restored, err := a.locks.Load()
	if err != nil {
		return nil, fmt.Errorf("load fatal locks: %w", err)
	}
	if restored > 0 {
		logger.Error().
			Int("count", restored).
			Bool("escalate", true).
			Msg("fatal container locks restored; run 'hoarder unlock' after inspecting the containers")
	}

	hookClient, err := httpclient.New(httpclient.Options{Proxy: &cfg.HookProxy})
	if err != nil {
		return nil, fmt.Errorf("create hook client: %w", err)
	}
	if cfg.HookProxy.HasProxy() {
		logger.Info().Str("proxy", httpclient.Describe(&cfg.HookProxy)).Msg("webhooks use a proxy")
	}
	notifier := hooks.NewNotifier(cfg.Hooks, hookClient, logger)
	observers := []coordinator.Observer{notifier}

	if reg != nil {
		a.metrics, err = metrics.NewPrometheusMetrics(reg)
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		observers = append(observers, a.metrics)
		a.metrics.SetFatalLocks(countFatal(a.locks.List()))
	}

	opts, err := coordinatorOptions(cfg)
	if err != nil {
		return nil, err
	}
	a.coord = coordinator.New(a.runtime, a.repo, a.stager, a.locks, opts, logger, observers...)

	a.discoverer = discovery.New(a.runtime, discovery.Options{
		LabelDiscovery: cfg.LabelDiscovery,
		LabelPrefix:    cfg.LabelPrefix,
		TargetsFile:    cfg.TargetsFile,
	}, logger)

	if err := a.buildDispatcher(notifier); err != nil {
		return nil, err
	}
	return a, nil
}

func coordinatorOptions(cfg config.Config) (coordinator.Options, error) {
	policy, err := coordinator.ParsePartialPolicy(cfg.PartialPolicy)
	if err != nil {
		return coordinator.Options{}, err
	}
	opts := coordinator.DefaultOptions()
	opts.Concurrency = cfg.Concurrency
	opts.StopTimeout = cfg.StopTimeout
	opts.RepositoryTimeout = cfg.RepositoryTimeout
	opts.VerifyTimeout = cfg.VerifyTimeout
	opts.VerifyInterval = cfg.VerifyInterval
	opts.PartialPolicy = policy
	opts.Retry = coordinator.RetryPolicy{
		MaxRetries:      uint64(cfg.RetryMax),
		InitialInterval: cfg.RetryInitial,
		MaxInterval:     cfg.RetryMaxInterval,
	}
	return opts, nil
}

func (a *app) buildDispatcher(notifier *hooks.Notifier) error {
	a.dispatcher = report.NewDispatcher(a.logger)
	a.dispatcher.Add("log", report.LogSink(a.logger))
	a.dispatcher.Add("hooks", notifier)

	if a.cfg.RedisURL != "" {
		pub, err := report.NewRedisPublisher(a.cfg.RedisURL, a.cfg.RedisChannel)
		if err != nil {
			return fmt.Errorf("create redis publisher: %w", err)
		}
		a.closers = append(a.closers, pub.Close)
		a.dispatcher.Add("redis", pub)
	}

	if a.metrics != nil {
		a.dispatcher.Add("metrics", report.SinkFunc(func(_ context.Context, cycle *models.CycleReport) error {
			a.metrics.RecordCycle(cycle)
			a.metrics.SetFatalLocks(countFatal(a.locks.List()))
			return nil
		}))
	}

	if a.history != nil && a.cfg.HistoryRetention > 0 {
		a.dispatcher.Add("history-retention", report.SinkFunc(func(ctx context.Context, _ *models.CycleReport) error {
			_, err := a.history.PruneOldEntries(ctx, a.cfg.HistoryRetention)
			return err
		}))
	}
	return nil
}

// newScheduler creates the scheduler over the app's components. gate may
// be nil.
func (a *app) newScheduler(schedule string, gate scheduler.Gate) (*scheduler.Scheduler, error) {
	opts := []scheduler.Option{scheduler.WithDispatcher(a.dispatcher)}
	if a.history != nil {
		opts = append(opts, scheduler.WithRecorder(a.history))
	}
	if gate != nil {
		opts = append(opts, scheduler.WithGate(gate))
	}
	return scheduler.New(scheduler.Config{Schedule: schedule}, a.discoverer, a.coord, a.logger, opts...)
}

// sweepStaging removes staging namespaces left by a previous process. The
// namespaces of fatal jobs are kept for inspection.
func (a *app) sweepStaging(ctx context.Context) {
	keep := make(map[uuid.UUID]bool)
	for _, l := range a.locks.List() {
		if l.Fatal {
			keep[l.JobID] = true
		}
	}
	if _, err := a.stager.Sweep(ctx, keep); err != nil {
		a.logger.Warn().Err(err).Msg("failed to sweep staging root")
	}
}

// Close releases the app's connections in reverse order.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func countFatal(locks []coordinator.LockInfo) int {
	n := 0
	for _, l := range locks {
		if l.Fatal {
			n++
		}
	}
	return n
}
