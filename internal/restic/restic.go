// Package restic provides the repository client used to store and manage
// hoarder snapshots.
package restic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hoarderhq/hoarder/internal/models"
	"github.com/rs/zerolog"
)

// Snapshot represents a restic snapshot.
type Snapshot struct {
	ID       string    `json:"id"`
	ShortID  string    `json:"short_id"`
	Time     time.Time `json:"time"`
	Hostname string    `json:"hostname"`
	Username string    `json:"username"`
	Paths    []string  `json:"paths"`
	Tags     []string  `json:"tags,omitempty"`
}

// SnapshotFilter narrows a snapshot listing.
type SnapshotFilter struct {
	Host  string
	Tags  []string
	Paths []string
}

// RestoreOptions configures a restore operation.
type RestoreOptions struct {
	TargetPath string
	Include    []string
	Exclude    []string
	DryRun     bool
}

// Retention is a forget policy. Zero values are ignored.
type Retention struct {
	KeepLast    int
	KeepHourly  int
	KeepDaily   int
	KeepWeekly  int
	KeepMonthly int
	KeepYearly  int
	Tags        []string
}

// Empty reports whether no keep rule is set.
func (r Retention) Empty() bool {
	return r.KeepLast == 0 && r.KeepHourly == 0 && r.KeepDaily == 0 &&
		r.KeepWeekly == 0 && r.KeepMonthly == 0 && r.KeepYearly == 0
}

// ForgetResult contains the results of a forget operation.
type ForgetResult struct {
	SnapshotsRemoved int      `json:"snapshots_removed"`
	SnapshotsKept    int      `json:"snapshots_kept"`
	RemovedIDs       []string `json:"removed_ids,omitempty"`
}

// CheckOptions configures the repository check operation.
type CheckOptions struct {
	// ReadDataSubset reads only a subset of pack files (e.g. "2.5%" or "5G").
	ReadDataSubset string
}

// RepoStats contains repository statistics.
type RepoStats struct {
	TotalSize      int64 `json:"total_size"`
	TotalFileCount int   `json:"total_file_count"`
	SnapshotsCount int   `json:"snapshots_count"`
}

// Repository is the capability interface to the backup repository. It never
// retries internally.
type Repository interface {
	Init(ctx context.Context) error
	Backup(ctx context.Context, paths, tags, excludes []string) (*models.SnapshotRecord, error)
	Snapshots(ctx context.Context, filter SnapshotFilter) ([]Snapshot, error)
	Restore(ctx context.Context, snapshotID string, opts RestoreOptions) error
	Forget(ctx context.Context, retention Retention, prune bool) (*ForgetResult, error)
	Prune(ctx context.Context) error
	Check(ctx context.Context, opts CheckOptions) error
	Stats(ctx context.Context) (*RepoStats, error)
}

// Restic wraps the restic CLI.
type Restic struct {
	runner Runner
	cfg    Config
	logger zerolog.Logger
}

// NewRestic creates a repository client executing through runner.
func NewRestic(runner Runner, cfg Config, logger zerolog.Logger) *Restic {
	return &Restic{
		runner: runner,
		cfg:    cfg,
		logger: logger.With().Str("component", "restic").Logger(),
	}
}

// Init initializes the repository. An already initialized repository is not an error.
func (r *Restic) Init(ctx context.Context) error {
	r.logger.Info().Str("repository", r.cfg.Repository).Msg("initializing repository")

	_, err := r.run(ctx, []string{"init", "--repo", r.cfg.Repository, "--json"})
	if err != nil {
		if strings.Contains(err.Error(), "already exists") ||
			strings.Contains(err.Error(), "already initialized") {
			r.logger.Debug().Msg("repository already initialized")
			return nil
		}
		return fmt.Errorf("init repository: %w", err)
	}

	r.logger.Info().Msg("repository initialized")
	return nil
}

// Backup stores paths in a new snapshot. When restic reports that some
// source files could not be read the snapshot is still returned together
// with ErrPartialPathMissing.
func (r *Restic) Backup(ctx context.Context, paths, tags, excludes []string) (*models.SnapshotRecord, error) {
	if len(paths) == 0 {
		return nil, errors.New("no paths specified for backup")
	}

	r.logger.Info().
		Strs("paths", paths).
		Strs("excludes", excludes).
		Strs("tags", tags).
		Bool("dry_run", r.cfg.DryRun).
		Msg("starting backup")

	start := time.Now()

	args := []string{"backup", "--repo", r.cfg.Repository, "--json"}
	if r.cfg.Host != "" {
		args = append(args, "--host", r.cfg.Host)
	}
	if r.cfg.DryRun {
		args = append(args, "--dry-run")
	}
	for _, tag := range tags {
		args = append(args, "--tag", tag)
	}
	for _, exclude := range excludes {
		args = append(args, "--exclude", exclude)
	}
	args = append(args, paths...)

	res, runErr := r.exec(ctx, args)
	if runErr != nil && !errors.Is(runErr, ErrPartialPathMissing) {
		return nil, fmt.Errorf("backup failed: %w", runErr)
	}

	record, err := parseBackupOutput(res.Stdout)
	if err != nil {
		if runErr != nil {
			return nil, fmt.Errorf("backup failed: %w", runErr)
		}
		return nil, fmt.Errorf("parse backup output: %w", err)
	}

	record.Paths = paths
	record.Tags = tags
	record.Host = r.cfg.Host
	record.DryRun = r.cfg.DryRun
	record.Duration = time.Since(start)
	record.CreatedAt = start

	r.logger.Info().
		Str("snapshot_id", record.SnapshotID).
		Int("files_new", record.FilesNew).
		Int("files_changed", record.FilesChanged).
		Int64("size_bytes", record.SizeBytes).
		Dur("duration", record.Duration).
		Msg("backup completed")

	if runErr != nil {
		return record, fmt.Errorf("backup incomplete: %w", runErr)
	}
	return record, nil
}

// Snapshots lists the snapshots matching filter.
func (r *Restic) Snapshots(ctx context.Context, filter SnapshotFilter) ([]Snapshot, error) {
	r.logger.Debug().Msg("listing snapshots")

	args := []string{"snapshots", "--repo", r.cfg.Repository, "--json"}
	if filter.Host != "" {
		args = append(args, "--host", filter.Host)
	}
	if len(filter.Tags) > 0 {
		args = append(args, "--tag", strings.Join(filter.Tags, ","))
	}
	for _, p := range filter.Paths {
		args = append(args, "--path", p)
	}

	output, err := r.run(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	var snapshots []Snapshot
	if err := json.Unmarshal(output, &snapshots); err != nil {
		return nil, fmt.Errorf("parse snapshots: %w", err)
	}

	r.logger.Debug().Int("count", len(snapshots)).Msg("snapshots listed")
	return snapshots, nil
}

// Restore restores a snapshot to opts.TargetPath.
func (r *Restic) Restore(ctx context.Context, snapshotID string, opts RestoreOptions) error {
	if opts.TargetPath == "" {
		return errors.New("restore target path is required")
	}

	r.logger.Info().
		Str("snapshot_id", snapshotID).
		Str("target_path", opts.TargetPath).
		Strs("include", opts.Include).
		Strs("exclude", opts.Exclude).
		Bool("dry_run", opts.DryRun).
		Msg("starting restore")

	args := []string{"restore", "--repo", r.cfg.Repository, "--target", opts.TargetPath, "--json"}
	if opts.DryRun {
		args = append(args, "--dry-run")
	}
	for _, include := range opts.Include {
		args = append(args, "--include", include)
	}
	for _, exclude := range opts.Exclude {
		args = append(args, "--exclude", exclude)
	}
	args = append(args, snapshotID)

	if _, err := r.run(ctx, args); err != nil {
		return fmt.Errorf("restore failed: %w", err)
	}

	r.logger.Info().Str("snapshot_id", snapshotID).Msg("restore completed")
	return nil
}

// Forget removes snapshots according to retention, optionally pruning
// unreferenced data in the same run.
func (r *Restic) Forget(ctx context.Context, retention Retention, prune bool) (*ForgetResult, error) {
	if retention.Empty() {
		return nil, errors.New("retention policy requires at least one keep rule")
	}

	r.logger.Info().
		Int("keep_last", retention.KeepLast).
		Int("keep_daily", retention.KeepDaily).
		Int("keep_weekly", retention.KeepWeekly).
		Int("keep_monthly", retention.KeepMonthly).
		Bool("prune", prune).
		Msg("starting forget")

	args := buildRetentionArgs(r.cfg.Repository, retention)
	if r.cfg.Host != "" {
		args = append(args, "--host", r.cfg.Host)
	}
	if prune {
		args = append(args, "--prune")
	}

	output, err := r.run(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("forget failed: %w", err)
	}

	result, err := parseForgetOutput(output)
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to parse forget output")
		result = &ForgetResult{}
	}

	r.logger.Info().
		Int("snapshots_removed", result.SnapshotsRemoved).
		Int("snapshots_kept", result.SnapshotsKept).
		Msg("forget completed")
	return result, nil
}

// Prune removes unreferenced data from the repository.
func (r *Restic) Prune(ctx context.Context) error {
	r.logger.Info().Msg("starting prune")
	if _, err := r.run(ctx, []string{"prune", "--repo", r.cfg.Repository}); err != nil {
		return fmt.Errorf("prune failed: %w", err)
	}
	r.logger.Info().Msg("prune completed")
	return nil
}

// Check verifies the repository integrity.
func (r *Restic) Check(ctx context.Context, opts CheckOptions) error {
	r.logger.Debug().Str("read_data_subset", opts.ReadDataSubset).Msg("checking repository integrity")

	args := []string{"check", "--repo", r.cfg.Repository}
	if opts.ReadDataSubset != "" {
		args = append(args, "--read-data-subset", opts.ReadDataSubset)
	}
	if _, err := r.run(ctx, args); err != nil {
		return fmt.Errorf("check failed: %w", err)
	}

	r.logger.Debug().Msg("repository check passed")
	return nil
}

// Stats returns statistics about the repository.
func (r *Restic) Stats(ctx context.Context) (*RepoStats, error) {
	output, err := r.run(ctx, []string{"stats", "--repo", r.cfg.Repository, "--json"})
	if err != nil {
		return nil, fmt.Errorf("stats failed: %w", err)
	}

	var stats RepoStats
	if err := json.Unmarshal(output, &stats); err != nil {
		return nil, fmt.Errorf("parse stats: %w", err)
	}
	return &stats, nil
}

// run executes a restic command and returns its stdout.
func (r *Restic) run(ctx context.Context, args []string) ([]byte, error) {
	res, err := r.exec(ctx, args)
	if err != nil {
		return nil, err
	}
	return res.Stdout, nil
}

// exec executes a restic command and classifies failures. The result is
// returned even on error so partial output can be inspected.
func (r *Restic) exec(ctx context.Context, args []string) (*Result, error) {
	res, err := r.runner.Run(ctx, r.cfg, args)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &Result{}, fmt.Errorf("%w: %w", ErrRepositoryTimedOut, err)
		}
		return &Result{}, fmt.Errorf("run restic: %w", err)
	}
	if res.ExitCode != 0 {
		stderr := string(res.Stderr)
		if strings.TrimSpace(stderr) == "" {
			stderr = string(res.Stdout)
		}
		return res, classify(ctx, res.ExitCode, stderr, nil)
	}
	return res, nil
}

func buildRetentionArgs(repository string, retention Retention) []string {
	args := []string{"forget", "--repo", repository, "--json", "--group-by", "host,tags"}
	add := func(flag string, n int) {
		if n > 0 {
			args = append(args, flag, strconv.Itoa(n))
		}
	}
	add("--keep-last", retention.KeepLast)
	add("--keep-hourly", retention.KeepHourly)
	add("--keep-daily", retention.KeepDaily)
	add("--keep-weekly", retention.KeepWeekly)
	add("--keep-monthly", retention.KeepMonthly)
	add("--keep-yearly", retention.KeepYearly)
	for _, tag := range retention.Tags {
		args = append(args, "--tag", tag)
	}
	return args
}

// backupSummary is the summary message of restic backup --json.
type backupSummary struct {
	MessageType  string `json:"message_type"`
	SnapshotID   string `json:"snapshot_id"`
	FilesNew     int    `json:"files_new"`
	FilesChanged int    `json:"files_changed"`
	DataAdded    int64  `json:"data_added"`
}

// parseBackupOutput finds the summary line in restic's JSON stream.
func parseBackupOutput(output []byte) (*models.SnapshotRecord, error) {
	for _, line := range bytes.Split(output, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var msg struct {
			MessageType string `json:"message_type"`
		}
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.MessageType != "summary" {
			continue
		}

		var summary backupSummary
		if err := json.Unmarshal(line, &summary); err != nil {
			return nil, fmt.Errorf("parse summary: %w", err)
		}
		record := &models.SnapshotRecord{
			SnapshotID:   summary.SnapshotID,
			FilesNew:     summary.FilesNew,
			FilesChanged: summary.FilesChanged,
			SizeBytes:    summary.DataAdded,
		}
		if len(summary.SnapshotID) >= 8 {
			record.ShortID = summary.SnapshotID[:8]
		}
		return record, nil
	}
	return nil, errors.New("no backup summary found in output")
}

type forgetGroupOutput struct {
	Keep   []Snapshot `json:"keep"`
	Remove []Snapshot `json:"remove"`
}

func parseForgetOutput(output []byte) (*ForgetResult, error) {
	var groups []forgetGroupOutput
	if err := json.Unmarshal(bytes.TrimSpace(output), &groups); err != nil {
		return nil, fmt.Errorf("parse forget output: %w", err)
	}

	result := &ForgetResult{}
	for _, g := range groups {
		result.SnapshotsKept += len(g.Keep)
		result.SnapshotsRemoved += len(g.Remove)
		for _, s := range g.Remove {
			result.RemovedIDs = append(result.RemovedIDs, s.ID)
		}
	}
	return result, nil
}
