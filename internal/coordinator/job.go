package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hoarderhq/hoarder/internal/models"
	"github.com/hoarderhq/hoarder/internal/restic"
	"github.com/hoarderhq/hoarder/internal/runtime"
	"github.com/hoarderhq/hoarder/internal/staging"
	"github.com/rs/zerolog"
)

var (
	errNoMount           = errors.New("path is not a mount of the container")
	errContainerInactive = errors.New("container is not running")
)

// jobRun carries the transient state of one job through the state machine.
type jobRun struct {
	c      *Coordinator
	job    *models.BackupJob
	logger zerolog.Logger

	info   *runtime.ContainerInfo
	area   *staging.Area
	locked []string
	// restore is set once the container's run state may have been changed.
	restore bool
	fatal   bool
}

func (r *jobRun) execute(ctx context.Context) {
	defer r.finalize(ctx)

	if !r.pending(ctx) {
		return
	}
	quiesced := r.prepare() && r.quiesce(ctx)
	if quiesced && r.stage(ctx) {
		r.backup(ctx)
	}
	// A failed quiescence leaves the container as it is, unless its run
	// state was already changed.
	if !quiesced && !r.restore {
		return
	}
	if !r.restoreContainer(ctx) {
		return
	}
	if err := ctx.Err(); err != nil {
		r.job.Fail(models.ReasonCancelled, models.ErrorClassRuntime, err)
		return
	}
	r.verify(ctx)
}

func (r *jobRun) enter(state models.JobState) {
	r.job.Enter(state)
	r.logger.Debug().Str("state", string(state)).Msg("job state changed")
}

// pending validates the target, takes the container lock and inspects the
// container. It returns false when the job must end without touching the
// container.
func (r *jobRun) pending(ctx context.Context) bool {
	target := r.job.Target

	if err := target.Validate(); err != nil {
		r.job.Fail(models.ReasonPolicyRejected, models.ErrorClassRuntime, err)
		return false
	}

	if !r.lock(target.ContainerID) {
		r.job.Fail(models.ReasonLockHeld, models.ErrorClassLock, fmt.Errorf("%w: %s", ErrLockHeld, target.ContainerID))
		return false
	}

	info, err := r.inspect(ctx, target.ContainerID)
	if err != nil {
		switch {
		case errors.Is(err, runtime.ErrContainerNotFound):
			r.job.Fail(models.ReasonContainerNotFound, models.ErrorClassRuntime, err)
		case ctx.Err() != nil:
			r.job.Fail(models.ReasonCancelled, models.ErrorClassRuntime, err)
		default:
			r.job.Fail(models.ReasonRuntimeUnavailable, models.ErrorClassRuntime, err)
		}
		return false
	}
	r.info = info

	// Lock the canonical ID too, so a name and an ID for the same container
	// cannot run concurrently.
	if info.ID != "" && info.ID != target.ContainerID && !r.lock(info.ID) {
		r.job.Fail(models.ReasonLockHeld, models.ErrorClassLock, fmt.Errorf("%w: %s", ErrLockHeld, info.ID))
		return false
	}

	if target.Policy == models.QuiesceNone {
		var sources []string
		for _, p := range target.Paths {
			if m, ok := info.MountFor(p); ok {
				sources = append(sources, m.Source)
			}
		}
		if err := r.c.stager.CheckSnapshots(ctx, sources); err != nil {
			r.job.Fail(models.ReasonPolicyRejected, models.ErrorClassStaging, err)
			return false
		}
	}

	r.job.WasRunning = info.State.Running && !info.State.Paused
	r.job.WasPaused = info.State.Paused

	if err := ctx.Err(); err != nil {
		r.job.Fail(models.ReasonCancelled, models.ErrorClassRuntime, err)
		return false
	}
	return true
}

func (r *jobRun) lock(containerID string) bool {
	if !r.c.locks.TryAcquire(containerID, r.job.Target.Name, r.job.ID) {
		return false
	}
	r.locked = append(r.locked, containerID)
	return true
}

// inspect retries while the runtime socket is unreachable.
func (r *jobRun) inspect(ctx context.Context, id string) (*runtime.ContainerInfo, error) {
	var info *runtime.ContainerInfo
	op := func() error {
		var err error
		info, err = r.c.runtime.Inspect(ctx, id)
		if err != nil && !errors.Is(err, runtime.ErrRuntimeUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Warn().Err(err).Dur("retry_in", wait).Msg("container runtime unavailable, retrying")
	}
	if err := backoff.RetryNotify(op, r.c.opts.Retry.backOff(ctx), notify); err != nil {
		return nil, err
	}
	return info, nil
}

func (r *jobRun) containerID() string {
	if r.info != nil && r.info.ID != "" {
		return r.info.ID
	}
	return r.job.Target.ContainerID
}

// prepare creates the job's staging namespace.
func (r *jobRun) prepare() bool {
	area, err := r.c.stager.Create(r.job.ID)
	if err != nil {
		r.job.Fail(models.ReasonStagingError, models.ErrorClassStaging, err)
		return false
	}
	r.area = area
	r.job.StagingPath = area.Dir
	return true
}

// quiesce runs dump commands against the live container and then pauses or
// stops it per policy. A `none` target without dumps skips the state.
func (r *jobRun) quiesce(ctx context.Context) bool {
	policy := r.job.Target.Policy
	if !policy.Quiesces() && len(r.job.Target.Dumps) == 0 {
		return true
	}
	r.enter(models.JobStateQuiescing)

	for _, d := range r.job.Target.Dumps {
		if err := r.dump(ctx, d); err != nil {
			if ctx.Err() != nil {
				r.job.Fail(models.ReasonCancelled, models.ErrorClassRuntime, err)
			} else {
				r.job.Fail(models.ReasonQuiesceError, models.ErrorClassRuntime, err)
			}
			return false
		}
	}

	if err := ctx.Err(); err != nil {
		r.job.Fail(models.ReasonCancelled, models.ErrorClassRuntime, err)
		return false
	}

	if !policy.Quiesces() || !r.job.WasRunning {
		return true
	}

	var err error
	id := r.containerID()
	switch policy {
	case models.QuiescePause:
		err = r.c.runtime.Pause(ctx, id)
	case models.QuiesceStop:
		err = r.c.runtime.Stop(ctx, id, r.c.opts.StopTimeout)
	}
	if err == nil {
		r.job.Quiesced = true
		r.restore = true
		r.logger.Info().Str("action", string(policy)).Msg("container quiesced")
		return true
	}

	if errors.Is(err, runtime.ErrContainerNotFound) {
		r.job.Fail(models.ReasonContainerNotFound, models.ErrorClassRuntime, err)
		return false
	}
	r.job.Fail(models.ReasonQuiesceError, models.ErrorClassRuntime, err)

	// A failed stop may still have stopped the container. The run state is
	// checked again so that it is revived if it changed.
	info, ierr := r.c.runtime.Inspect(context.WithoutCancel(ctx), id)
	if ierr != nil || !info.State.Running || info.State.Paused {
		r.logger.Warn().Err(err).Msg("quiesce failed with container run state changed, restoring")
		r.restore = true
	}
	return false
}

// dump runs d inside the live container and captures stdout into the
// staging area.
func (r *jobRun) dump(ctx context.Context, d models.DumpCommand) error {
	name := d.FileName()
	if !r.job.WasRunning {
		o := r.job.Outcome(name)
		o.Missing = true
		o.Error = errContainerInactive.Error()
		r.logger.Warn().Str("dump", d.Name).Msg("skipping dump, container is not running")
		r.job.Fail(models.ReasonStagingError, models.ErrorClassStaging, fmt.Errorf("dump %s: %w", d.Name, errContainerInactive))
		return nil
	}

	f, entry, err := r.c.stager.CreateFile(r.area, name)
	if err != nil {
		return fmt.Errorf("dump %s: %w", d.Name, err)
	}
	execErr := r.c.runtime.Exec(ctx, r.containerID(), d.Command, f)
	closeErr := f.Close()
	if err := errors.Join(execErr, closeErr); err != nil {
		r.job.Outcome(name).Error = err.Error()
		return fmt.Errorf("dump %s: %w", d.Name, err)
	}
	r.job.Outcome(name).StagedPath = entry.Staged
	r.logger.Debug().Str("dump", d.Name).Str("file", entry.Staged).Msg("dump captured")
	return nil
}

// stage materializes every configured path. It returns false when the
// backup must be skipped.
func (r *jobRun) stage(ctx context.Context) bool {
	r.enter(models.JobStateStaging)
	target := r.job.Target

	missing := 0
	for _, p := range target.Paths {
		if err := ctx.Err(); err != nil {
			r.job.Fail(models.ReasonCancelled, models.ErrorClassStaging, err)
			return false
		}

		m, ok := r.info.MountFor(p)
		if !ok {
			missing++
			o := r.job.Outcome(p)
			o.Missing = true
			o.Error = errNoMount.Error()
			r.job.Fail(models.ReasonStagingError, models.ErrorClassStaging, fmt.Errorf("%w: %s", errNoMount, p))
			continue
		}

		entry, err := r.c.stager.Stage(ctx, r.area, p, m.Source, target.Policy)
		o := r.job.Outcome(p)
		o.Source = entry.Source
		switch {
		case err == nil:
			o.StagedPath = entry.Staged
		case errors.Is(err, staging.ErrPathMissing):
			missing++
			o.Missing = true
			o.Error = err.Error()
			r.job.Fail(models.ReasonStagingError, models.ErrorClassStaging, err)
		case ctx.Err() != nil:
			r.job.Fail(models.ReasonCancelled, models.ErrorClassStaging, err)
			return false
		default:
			o.Error = err.Error()
			r.job.Fail(models.ReasonStagingError, models.ErrorClassStaging, err)
			return false
		}
	}

	if missing > 0 {
		r.logger.Warn().Strs("missing_paths", r.job.MissingPaths()).Str("partial_policy", string(r.c.opts.PartialPolicy)).Msg("paths missing at staging time")
		if r.c.opts.PartialPolicy == PartialDiscard {
			return false
		}
	}
	if len(r.area.RepositoryPaths()) == 0 {
		return false
	}
	return true
}

// backup sends every staged entry to the repository. It runs detached from
// cancellation so an acknowledged snapshot is never abandoned halfway.
func (r *jobRun) backup(ctx context.Context) {
	r.enter(models.JobStateBackingUp)
	bctx := context.WithoutCancel(ctx)
	target := r.job.Target
	tags := target.BackupTags()

	for _, entry := range r.area.Entries {
		if entry.Missing {
			continue
		}
		record, err := r.backupEntry(bctx, entry, tags, target.Excludes)
		if record != nil {
			record.Path = entry.Path
			r.job.Snapshots = append(r.job.Snapshots, *record)
			r.job.Outcome(entry.Path).SnapshotID = record.SnapshotID
		}
		if err == nil {
			continue
		}

		r.job.Outcome(entry.Path).Error = err.Error()
		r.job.Fail(models.ReasonRepositoryError, models.ErrorClassRepository, fmt.Errorf("backup %s: %w", entry.Path, err))
		if !errors.Is(err, restic.ErrPartialPathMissing) {
			return
		}
	}
}

func (r *jobRun) backupEntry(ctx context.Context, entry staging.Entry, tags, excludes []string) (*models.SnapshotRecord, error) {
	var (
		record  *models.SnapshotRecord
		partial error
	)
	op := func() error {
		r.job.Attempts++
		actx, cancel := context.WithTimeout(ctx, r.c.opts.RepositoryTimeout)
		defer cancel()

		rec, err := r.c.repo.Backup(actx, []string{entry.RepositoryPath}, tags, excludes)
		switch {
		case err == nil:
			record = rec
			return nil
		case errors.Is(err, restic.ErrPartialPathMissing):
			record, partial = rec, err
			return nil
		case restic.Retryable(err):
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Warn().Err(err).Str("path", entry.Path).Dur("retry_in", wait).Msg("repository busy, retrying backup")
	}
	if err := backoff.RetryNotify(op, r.c.opts.Retry.backOff(ctx), notify); err != nil {
		return nil, err
	}
	r.logger.Info().
		Str("path", entry.Path).
		Str("snapshot_id", record.ShortID).
		Int64("size_bytes", record.SizeBytes).
		Msg("snapshot created")
	return record, partial
}

// restoreContainer revives a quiesced container. It is never retried: a
// failure is fatal and pins the container lock.
func (r *jobRun) restoreContainer(ctx context.Context) bool {
	r.enter(models.JobStateRestoring)
	if !r.restore {
		return true
	}
	rctx := context.WithoutCancel(ctx)
	id := r.containerID()

	var err error
	switch r.job.Target.Policy {
	case models.QuiescePause:
		err = r.c.runtime.Unpause(rctx, id)
	default:
		err = r.c.runtime.Start(rctx, id)
	}
	if err == nil {
		r.logger.Info().Msg("container restored")
		return true
	}

	r.fatal = true
	r.job.Fail(models.ReasonRestoreFailed, models.ErrorClassRestoreFatal, err)
	for _, cid := range r.locked {
		if merr := r.c.locks.MarkFatal(cid, r.job.ID, err.Error()); merr != nil {
			r.logger.Error().Err(merr).Str("lock", cid).Msg("failed to persist fatal lock")
		}
	}
	r.attachLogs(rctx)
	return false
}

// verify waits for the container to run again, and to pass its
// healthcheck if it has one.
func (r *jobRun) verify(ctx context.Context) {
	r.enter(models.JobStateVerifying)
	if !r.job.WasRunning {
		return
	}

	vctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.c.opts.VerifyTimeout)
	defer cancel()
	ticker := time.NewTicker(r.c.opts.VerifyInterval)
	defer ticker.Stop()

	var (
		last    runtime.ContainerState
		lastErr error
	)
	for {
		info, err := r.c.runtime.Inspect(vctx, r.containerID())
		if err == nil {
			last = info.State
			if last.Running && !last.Paused && (!info.HasHealthcheck || last.Healthy()) {
				return
			}
		} else {
			lastErr = err
		}

		select {
		case <-vctx.Done():
			err := fmt.Errorf("container not ready after %s (status %q, health %q)", r.c.opts.VerifyTimeout, last.Status, last.Health)
			if lastErr != nil {
				err = fmt.Errorf("%w: %w", err, lastErr)
			}
			r.job.Fail(models.ReasonVerifyTimeout, models.ErrorClassRuntime, err)
			r.job.Degraded = last.Running
			r.attachLogs(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
		}
	}
}

func (r *jobRun) attachLogs(ctx context.Context) {
	if r.c.opts.LogsTail <= 0 {
		return
	}
	var buf bytes.Buffer
	opts := runtime.LogsOptions{Tail: strconv.Itoa(r.c.opts.LogsTail)}
	if err := r.c.runtime.Logs(ctx, r.containerID(), opts, &buf); err != nil {
		r.logger.Warn().Err(err).Msg("failed to read container logs")
		return
	}
	r.job.LogsTail = buf.String()
}

// finalize runs on every exit path: staging cleanup, lock release, terminal
// state.
func (r *jobRun) finalize(ctx context.Context) {
	if r.area != nil {
		if err := r.c.stager.Cleanup(context.WithoutCancel(ctx), r.area); err != nil {
			r.job.Fail(models.ReasonStagingError, models.ErrorClassStaging, err)
		}
	}
	if !r.fatal {
		for _, id := range r.locked {
			r.c.locks.Release(id, r.job.ID)
		}
	}
	r.job.Finish()
}
