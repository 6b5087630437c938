// Package coordinator drives protected containers through the backup state
// machine.
package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hoarderhq/hoarder/internal/models"
	"github.com/hoarderhq/hoarder/internal/restic"
	"github.com/hoarderhq/hoarder/internal/runtime"
	"github.com/hoarderhq/hoarder/internal/staging"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// PartialPolicy decides what happens to the remaining paths when some
// paths of a target are missing at staging time.
type PartialPolicy string

const (
	// PartialRetain backs up the paths that were found.
	PartialRetain PartialPolicy = "retain"
	// PartialDiscard skips the backup of the whole target.
	PartialDiscard PartialPolicy = "discard"
)

// ParsePartialPolicy parses a partial policy name.
func ParsePartialPolicy(s string) (PartialPolicy, error) {
	switch PartialPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PartialRetain:
		return PartialRetain, nil
	case PartialDiscard:
		return PartialDiscard, nil
	default:
		return "", fmt.Errorf("unknown partial policy %q", s)
	}
}

// Options configures a Coordinator.
type Options struct {
	Concurrency       int
	StopTimeout       time.Duration
	RepositoryTimeout time.Duration
	VerifyTimeout     time.Duration
	VerifyInterval    time.Duration
	Retry             RetryPolicy
	PartialPolicy     PartialPolicy
	// LogsTail is the number of container log lines attached to failed reports.
	LogsTail int
}

// DefaultOptions returns the default coordinator options.
func DefaultOptions() Options {
	return Options{
		Concurrency:       2,
		StopTimeout:       30 * time.Second,
		RepositoryTimeout: 6 * time.Hour,
		VerifyTimeout:     10 * time.Second,
		VerifyInterval:    500 * time.Millisecond,
		Retry:             DefaultRetryPolicy(),
		PartialPolicy:     PartialRetain,
		LogsTail:          50,
	}
}

// Observer is notified about finished and escalated jobs.
type Observer interface {
	JobFinished(ctx context.Context, report models.JobReport)
	JobEscalated(ctx context.Context, report models.JobReport)
}

// Coordinator runs backup jobs against protected targets.
type Coordinator struct {
	runtime   runtime.Client
	repo      restic.Repository
	stager    *staging.Manager
	locks     *LockTable
	opts      Options
	observers []Observer
	logger    zerolog.Logger

	inflight sync.WaitGroup
	mu       sync.RWMutex
	active   map[uuid.UUID]*models.BackupJob
	last     *models.CycleReport
}

// New creates a Coordinator.
func New(rt runtime.Client, repo restic.Repository, stager *staging.Manager, locks *LockTable, opts Options, logger zerolog.Logger, observers ...Observer) *Coordinator {
	def := DefaultOptions()
	if opts.Concurrency <= 0 {
		opts.Concurrency = def.Concurrency
	}
	if opts.VerifyInterval <= 0 {
		opts.VerifyInterval = def.VerifyInterval
	}
	if opts.VerifyTimeout <= 0 {
		opts.VerifyTimeout = def.VerifyTimeout
	}
	if opts.RepositoryTimeout <= 0 {
		opts.RepositoryTimeout = def.RepositoryTimeout
	}
	if opts.PartialPolicy == "" {
		opts.PartialPolicy = PartialRetain
	}
	if locks == nil {
		locks = NewLockTable(nil)
	}
	return &Coordinator{
		runtime:   rt,
		repo:      repo,
		stager:    stager,
		locks:     locks,
		opts:      opts,
		observers: observers,
		logger:    logger.With().Str("component", "coordinator").Logger(),
		active:    make(map[uuid.UUID]*models.BackupJob),
	}
}

// Locks returns the coordinator's lock table.
func (c *Coordinator) Locks() *LockTable {
	return c.locks
}

// ListLocks returns all held container locks.
func (c *Coordinator) ListLocks() []LockInfo {
	return c.locks.List()
}

// Unlock removes a container lock on operator request.
func (c *Coordinator) Unlock(containerID string) (LockInfo, error) {
	info, err := c.locks.Override(containerID)
	if err != nil {
		return info, err
	}
	c.logger.Warn().
		Str("container_id", containerID).
		Str("job_id", info.JobID.String()).
		Bool("fatal", info.Fatal).
		Msg("container lock overridden by operator")
	return info, nil
}

// LastCycle returns the most recent cycle report, or nil.
func (c *Coordinator) LastCycle() *models.CycleReport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// RunningJobIDs returns the IDs of jobs currently running.
func (c *Coordinator) RunningJobIDs() []uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	return ids
}

// Wait blocks until in-flight jobs finish or ctx is done.
func (c *Coordinator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunCycle processes targets on a bounded worker pool and returns the cycle
// report. Jobs for different containers run concurrently; states within a
// job run strictly in sequence.
func (c *Coordinator) RunCycle(ctx context.Context, trigger string, targets []models.ProtectedTarget) *models.CycleReport {
	cycle := &models.CycleReport{
		ID:        uuid.New(),
		Trigger:   trigger,
		StartedAt: time.Now(),
		Jobs:      make([]models.JobReport, len(targets)),
	}
	logger := c.logger.With().Str("cycle_id", cycle.ID.String()).Str("trigger", trigger).Logger()
	logger.Info().Int("targets", len(targets)).Int("concurrency", c.opts.Concurrency).Msg("starting backup cycle")

	var g errgroup.Group
	g.SetLimit(c.opts.Concurrency)
	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			cycle.Jobs[i] = c.RunJob(ctx, target)
			return nil
		})
	}
	_ = g.Wait()

	cycle.Elapsed = time.Since(cycle.StartedAt)
	counts := cycle.Counts()
	logger.Info().
		Int("completed", counts.Completed).
		Int("failed", counts.Failed).
		Int("fatal", counts.Fatal).
		Dur("elapsed", cycle.Elapsed).
		Msg("backup cycle finished")

	c.mu.Lock()
	c.last = cycle
	c.mu.Unlock()
	return cycle
}

// RunJob runs a single target through the state machine.
func (c *Coordinator) RunJob(ctx context.Context, target models.ProtectedTarget) models.JobReport {
	c.inflight.Add(1)
	defer c.inflight.Done()

	job := models.NewBackupJob(target)
	c.mu.Lock()
	c.active[job.ID] = job
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.active, job.ID)
		c.mu.Unlock()
	}()

	r := &jobRun{
		c:   c,
		job: job,
		logger: c.logger.With().
			Str("job_id", job.ID.String()).
			Str("target", target.Name).
			Str("container_id", target.ContainerID).
			Str("policy", string(target.Policy)).
			Logger(),
	}
	r.execute(ctx)

	report := job.Report()
	c.logReport(r.logger, report)

	notifyCtx := context.WithoutCancel(ctx)
	if report.Escalated() {
		r.logger.Error().
			Bool("escalate", true).
			Str("reason", string(report.Reason)).
			Str("error", report.Error).
			Str("logs_tail", report.LogsTail).
			Msg("container could not be restored, lock held until operator override")
		for _, o := range c.observers {
			o.JobEscalated(notifyCtx, report)
		}
	}
	for _, o := range c.observers {
		o.JobFinished(notifyCtx, report)
	}
	return report
}

func (c *Coordinator) logReport(logger zerolog.Logger, report models.JobReport) {
	var event *zerolog.Event
	switch {
	case report.State == models.JobStateCompleted:
		event = logger.Info()
	case report.Reason == models.ReasonLockHeld:
		event = logger.Warn()
	default:
		event = logger.Error()
	}
	event.
		Str("state", string(report.State)).
		Str("state_reached", string(report.StateReached)).
		Str("reason", string(report.Reason)).
		Str("error", report.Error).
		Int("snapshots", len(report.Snapshots)).
		Strs("missing_paths", report.MissingPaths).
		Int("attempts", report.Attempts).
		Bool("degraded", report.Degraded).
		Dur("elapsed", report.Elapsed).
		Msg("backup job finished")
}
