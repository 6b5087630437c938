// Package shutdown coordinates the graceful shutdown of the hoarder daemon so
// that no container is left quiesced.
package shutdown

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrJobsStillRunning is returned when the timeout expires with jobs running.
var ErrJobsStillRunning = errors.New("backup jobs still running at shutdown timeout")

// State represents the current shutdown state.
type State string

const (
	// StateRunning indicates the daemon is running normally.
	StateRunning State = "running"
	// StateDraining indicates no new cycles start and running jobs may finish.
	StateDraining State = "draining"
	// StateCancelling indicates running jobs were cancelled and are restoring
	// their containers.
	StateCancelling State = "cancelling"
	// StateComplete indicates shutdown is complete.
	StateComplete State = "complete"
)

// JobTracker reports the running backup jobs.
type JobTracker interface {
	RunningJobIDs() []uuid.UUID
}

// Status represents the current shutdown status.
type Status struct {
	State            State         `json:"state"`
	StartedAt        *time.Time    `json:"started_at,omitempty"`
	TimeRemaining    time.Duration `json:"time_remaining,omitempty"`
	RunningJobs      int           `json:"running_jobs"`
	AcceptingNewJobs bool          `json:"accepting_new_jobs"`
	Message          string        `json:"message,omitempty"`
}

// Config holds configuration for the shutdown manager.
type Config struct {
	// Timeout is the maximum time to wait for running jobs.
	Timeout time.Duration

	// GracePeriod is the part of Timeout during which jobs may finish
	// uncancelled. Afterwards the cancel function is called.
	GracePeriod time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:     10 * time.Minute,
		GracePeriod: 30 * time.Second,
	}
}

// Manager coordinates graceful shutdown.
type Manager struct {
	config        Config
	tracker       JobTracker
	cancel        func()
	logger        zerolog.Logger
	pollInterval  time.Duration
	mu            sync.RWMutex
	state         State
	startedAt     *time.Time
	acceptingJobs atomic.Bool
	doneCh        chan struct{}
	shutdownOnce  sync.Once
	shutdownErr   error
}

// NewManager creates a new shutdown manager. cancel aborts running cycles;
// it may be nil.
func NewManager(config Config, tracker JobTracker, cancel func(), logger zerolog.Logger) *Manager {
	if config.GracePeriod > config.Timeout {
		config.GracePeriod = config.Timeout
	}
	m := &Manager{
		config:       config,
		tracker:      tracker,
		cancel:       cancel,
		logger:       logger.With().Str("component", "shutdown_manager").Logger(),
		pollInterval: time.Second,
		state:        StateRunning,
		doneCh:       make(chan struct{}),
	}
	m.acceptingJobs.Store(true)
	return m
}

// IsAcceptingJobs returns true if new cycles may start.
func (m *Manager) IsAcceptingJobs() bool {
	return m.acceptingJobs.Load()
}

// GetState returns the current shutdown state.
func (m *Manager) GetState() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// GetStatus returns the current shutdown status.
func (m *Manager) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := Status{
		State:            m.state,
		StartedAt:        m.startedAt,
		AcceptingNewJobs: m.acceptingJobs.Load(),
	}
	if m.tracker != nil {
		status.RunningJobs = len(m.tracker.RunningJobIDs())
	}
	if m.startedAt != nil {
		if remaining := m.config.Timeout - time.Since(*m.startedAt); remaining > 0 {
			status.TimeRemaining = remaining
		}
	}

	switch m.state {
	case StateRunning:
		status.Message = "Running normally"
	case StateDraining:
		status.Message = "Not starting new cycles, waiting for running jobs"
	case StateCancelling:
		status.Message = "Running jobs cancelled, waiting for containers to be restored"
	case StateComplete:
		status.Message = "Shutdown complete"
	}
	return status
}

// Shutdown stops new cycles and blocks until running jobs finish or the
// timeout expires. Only the first call does the work.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdownOnce.Do(func() {
		m.doShutdown(ctx)
	})
	<-m.doneCh
	return m.shutdownErr
}

func (m *Manager) doShutdown(ctx context.Context) {
	m.logger.Info().
		Dur("timeout", m.config.Timeout).
		Dur("grace_period", m.config.GracePeriod).
		Msg("initiating graceful shutdown")

	now := time.Now()
	m.mu.Lock()
	m.startedAt = &now
	m.state = StateDraining
	m.mu.Unlock()

	m.acceptingJobs.Store(false)
	m.logger.Info().Msg("stopped accepting new backup cycles")

	deadline := now.Add(m.config.Timeout)

	// Phase 1: let running jobs finish uncancelled.
	graceCtx, graceCancel := context.WithTimeout(ctx, m.config.GracePeriod)
	finished := m.waitForJobs(graceCtx)
	graceCancel()

	// Phase 2: cancel what is left. Jobs past staging still run their
	// backup and restore their containers.
	if !finished {
		m.mu.Lock()
		m.state = StateCancelling
		m.mu.Unlock()

		if m.cancel != nil {
			m.logger.Warn().Msg("cancelling running backup jobs")
			m.cancel()
		}

		waitCtx, waitCancel := context.WithDeadline(ctx, deadline)
		finished = m.waitForJobs(waitCtx)
		waitCancel()
	}

	if finished {
		m.logger.Info().Dur("duration", time.Since(now)).Msg("graceful shutdown complete")
	} else {
		running := 0
		if m.tracker != nil {
			running = len(m.tracker.RunningJobIDs())
		}
		m.logger.Error().
			Int("running_jobs", running).
			Dur("duration", time.Since(now)).
			Msg("shutdown timeout reached, containers may be left quiesced")
		m.shutdownErr = ErrJobsStillRunning
	}

	m.mu.Lock()
	m.state = StateComplete
	m.mu.Unlock()
	close(m.doneCh)
}

// waitForJobs polls the tracker until no job runs or ctx is done. It
// reports whether all jobs finished.
func (m *Manager) waitForJobs(ctx context.Context) bool {
	if m.tracker == nil {
		return true
	}

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		ids := m.tracker.RunningJobIDs()
		if len(ids) == 0 {
			m.logger.Info().Msg("all backup jobs finished")
			return true
		}

		m.logger.Info().
			Int("running_jobs", len(ids)).
			Msg("waiting for running backup jobs")

		select {
		case <-ctx.Done():
			return len(m.tracker.RunningJobIDs()) == 0
		case <-ticker.C:
		}
	}
}

// Done returns a channel that is closed when shutdown is complete.
func (m *Manager) Done() <-chan struct{} {
	return m.doneCh
}
