// Package scheduler starts backup cycles from a cron schedule, POSIX signals
// and on-demand requests. At most one cycle runs at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hoarderhq/hoarder/internal/discovery"
	"github.com/hoarderhq/hoarder/internal/models"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Cycle triggers.
const (
	TriggerSchedule = "schedule"
	TriggerSignal   = "signal"
	TriggerManual   = "manual"
	TriggerStartup  = "startup"
)

var (
	// ErrCycleRunning is returned when a cycle is requested while another
	// one is in progress.
	ErrCycleRunning = errors.New("a backup cycle is already running")
	// ErrNotAccepting is returned once shutdown has started.
	ErrNotAccepting = errors.New("not accepting new backup cycles")
)

// TargetSource discovers the protected targets of a cycle.
type TargetSource interface {
	Discover(ctx context.Context) ([]models.ProtectedTarget, error)
}

// CycleRunner runs one cycle over the given targets.
type CycleRunner interface {
	RunCycle(ctx context.Context, trigger string, targets []models.ProtectedTarget) *models.CycleReport
}

// CycleRecorder persists finished cycles.
type CycleRecorder interface {
	SaveCycle(ctx context.Context, cycle *models.CycleReport) error
}

// CycleDispatcher delivers finished cycles to the report sinks.
type CycleDispatcher interface {
	Dispatch(ctx context.Context, cycle *models.CycleReport) error
}

// Gate tells whether new cycles may start.
type Gate interface {
	IsAcceptingJobs() bool
}

// Config holds the scheduler configuration.
type Config struct {
	// Schedule is a standard cron expression or descriptor (@daily,
	// @every 6h). Empty disables scheduled cycles.
	Schedule string
}

// Scheduler owns the cron schedule and serializes cycles.
type Scheduler struct {
	config     Config
	source     TargetSource
	runner     CycleRunner
	recorder   CycleRecorder
	dispatcher CycleDispatcher
	gate       Gate
	cron       *cron.Cron
	entry      cron.EntryID
	logger     zerolog.Logger

	// ctx is the parent of every cycle; cancel aborts running cycles.
	ctx    context.Context
	cancel context.CancelFunc

	busy    atomic.Bool
	wg      sync.WaitGroup
	mu      sync.RWMutex
	started bool
}

// Option configures optional collaborators.
type Option func(*Scheduler)

// WithRecorder persists every finished cycle.
func WithRecorder(r CycleRecorder) Option {
	return func(s *Scheduler) { s.recorder = r }
}

// WithDispatcher delivers every finished cycle.
func WithDispatcher(d CycleDispatcher) Option {
	return func(s *Scheduler) { s.dispatcher = d }
}

// WithGate stops new cycles once the gate closes.
func WithGate(g Gate) Option {
	return func(s *Scheduler) { s.gate = g }
}

// New creates a scheduler. The schedule is validated here.
func New(config Config, source TargetSource, runner CycleRunner, logger zerolog.Logger, opts ...Option) (*Scheduler, error) {
	if config.Schedule != "" {
		if _, err := cron.ParseStandard(config.Schedule); err != nil {
			return nil, fmt.Errorf("parse schedule %q: %w", config.Schedule, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		config: config,
		source: source,
		runner: runner,
		cron:   cron.New(),
		logger: logger.With().Str("component", "scheduler").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start starts the cron schedule.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already running")
	}

	if s.config.Schedule != "" {
		entry, err := s.cron.AddFunc(s.config.Schedule, func() {
			if _, err := s.RunCycle(s.ctx, TriggerSchedule, nil); err != nil {
				s.logger.Warn().Err(err).Msg("scheduled cycle not run")
			}
		})
		if err != nil {
			return fmt.Errorf("add cron entry: %w", err)
		}
		s.entry = entry
	}
	s.cron.Start()
	s.started = true

	event := s.logger.Info().Str("schedule", s.config.Schedule)
	if next, ok := s.nextRunLocked(); ok {
		event = event.Time("next_run", next)
	}
	event.Msg("backup scheduler started")
	return nil
}

// Stop stops the cron schedule. Running cycles are not interrupted; use
// CancelCycles for that. The returned context is done when scheduled
// cycles have returned.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	s.started = false
	s.logger.Info().Msg("stopping backup scheduler")
	return s.cron.Stop()
}

// CancelCycles cancels the context of every running and future cycle.
func (s *Scheduler) CancelCycles() {
	s.cancel()
}

// NextRun returns the next scheduled cycle time.
func (s *Scheduler) NextRun() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextRunLocked()
}

func (s *Scheduler) nextRunLocked() (time.Time, bool) {
	if s.entry == 0 {
		return time.Time{}, false
	}
	entry := s.cron.Entry(s.entry)
	if !entry.Valid() || entry.Next.IsZero() {
		return time.Time{}, false
	}
	return entry.Next, true
}

// Busy reports whether a cycle is running.
func (s *Scheduler) Busy() bool {
	return s.busy.Load()
}

// Trigger starts a cycle in the background for the named targets, or all
// targets when names is empty. Unknown names are rejected before starting.
func (s *Scheduler) Trigger(ctx context.Context, trigger string, names []string) error {
	if err := s.admit(); err != nil {
		return err
	}
	targets, err := s.targets(ctx, names)
	if err != nil {
		s.busy.Store(false)
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.busy.Store(false)
		s.run(s.ctx, trigger, targets)
	}()
	return nil
}

// RunCycle runs a cycle synchronously and returns its report.
func (s *Scheduler) RunCycle(ctx context.Context, trigger string, names []string) (*models.CycleReport, error) {
	if err := s.admit(); err != nil {
		return nil, err
	}
	defer s.busy.Store(false)

	targets, err := s.targets(ctx, names)
	if err != nil {
		return nil, err
	}

	// The cycle stops on either the caller's cancellation or CancelCycles.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	return s.run(runCtx, trigger, targets), nil
}

// HandleSignals starts a cycle for every signal received on ch until ctx
// is done.
func (s *Scheduler) HandleSignals(ctx context.Context, ch <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-ch:
			logger := s.logger.With().Str("signal", sig.String()).Logger()
			if err := s.Trigger(ctx, TriggerSignal, nil); err != nil {
				logger.Warn().Err(err).Msg("signal ignored")
				continue
			}
			logger.Info().Msg("backup cycle triggered by signal")
		}
	}
}

// Wait blocks until background cycles have returned or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) admit() error {
	if s.gate != nil && !s.gate.IsAcceptingJobs() {
		return ErrNotAccepting
	}
	if s.ctx.Err() != nil {
		return ErrNotAccepting
	}
	if !s.busy.CompareAndSwap(false, true) {
		return ErrCycleRunning
	}
	return nil
}

func (s *Scheduler) targets(ctx context.Context, names []string) ([]models.ProtectedTarget, error) {
	targets, err := s.source.Discover(ctx)
	if err != nil {
		if targets == nil {
			return nil, fmt.Errorf("discover targets: %w", err)
		}
		s.logger.Warn().Err(err).Int("targets", len(targets)).Msg("some targets could not be resolved")
	}
	return discovery.Select(targets, names)
}

func (s *Scheduler) run(ctx context.Context, trigger string, targets []models.ProtectedTarget) *models.CycleReport {
	cycle := s.runner.RunCycle(ctx, trigger, targets)

	// Reports are delivered even when the cycle was cancelled.
	reportCtx := context.WithoutCancel(ctx)
	if s.recorder != nil {
		if err := s.recorder.SaveCycle(reportCtx, cycle); err != nil {
			s.logger.Error().Err(err).Str("cycle_id", cycle.ID.String()).Msg("failed to record cycle")
		}
	}
	if s.dispatcher != nil {
		if err := s.dispatcher.Dispatch(reportCtx, cycle); err != nil {
			s.logger.Warn().Err(err).Str("cycle_id", cycle.ID.String()).Msg("cycle report not delivered to every sink")
		}
	}
	return cycle
}
