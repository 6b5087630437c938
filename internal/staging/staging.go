// Package staging manages the intermediate root through which container data
// is handed to the repository client.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/hoarderhq/hoarder/internal/models"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
)

var (
	// ErrPathMissing is returned when a source path does not exist.
	ErrPathMissing = errors.New("source path missing")
	// ErrNamespaceExists is returned when a job's staging namespace already exists.
	ErrNamespaceExists = errors.New("staging namespace already exists")
	// ErrSnapshotUnsupported is returned when a path cannot be snapshotted
	// crash-consistently.
	ErrSnapshotUnsupported = errors.New("crash-consistent snapshot not supported")
	// ErrInsufficientSpace is returned when the staging root lacks room for a copy.
	ErrInsufficientSpace = errors.New("insufficient free space in staging root")
)

// Subdirectories of a staging area. Mount paths and dump files are kept
// apart so a dump name can never collide with a path entry.
const (
	PathsDir = "paths"
	DumpsDir = "dumps"
)

// Strategy selects how quiesced data is materialized.
type Strategy string

const (
	// StrategyDirect hands the host source path to the repository client.
	StrategyDirect Strategy = "direct"
	// StrategyLink builds a hard-link tree, copying across devices.
	StrategyLink Strategy = "link"
	// StrategyCopy copies the full tree.
	StrategyCopy Strategy = "copy"
)

// ParseStrategy parses a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyLink:
		return StrategyLink, nil
	case StrategyDirect:
		return StrategyDirect, nil
	case StrategyCopy:
		return StrategyCopy, nil
	default:
		return "", fmt.Errorf("unknown staging strategy %q", s)
	}
}

// Options configures a Manager.
type Options struct {
	// Root is the intermediate root as seen by this process.
	Root     string
	Strategy Strategy
	// SourcePrefix is prepended to host paths reported by the runtime, for
	// when the host filesystem is mounted into the hoarder container.
	SourcePrefix string
	// RepositoryRoot, when set, is where Root is visible to the repository
	// client (the restic sidecar's bind target).
	RepositoryRoot string
	MinFreeBytes   uint64
}

// Entry is one materialized item in a staging area.
type Entry struct {
	// Path is the container-side destination or the dump file name.
	Path   string
	Source string
	Staged string
	// RepositoryPath is the path handed to the repository client.
	RepositoryPath string
	Missing        bool
	Snapshot       bool
}

// Area is the exclusive staging namespace of one job.
type Area struct {
	JobID   uuid.UUID
	Dir     string
	Entries []Entry

	mu        sync.Mutex
	snapshots []string
}

// RepositoryPaths returns the paths to back up, skipping missing entries.
func (a *Area) RepositoryPaths() []string {
	var paths []string
	for _, e := range a.Entries {
		if !e.Missing {
			paths = append(paths, e.RepositoryPath)
		}
	}
	return paths
}

// Manager owns the staging root.
type Manager struct {
	opts        Options
	snapshotter Snapshotter
	freeSpace   func(ctx context.Context, path string) (uint64, error)
	logger      zerolog.Logger
}

// NewManager creates the staging root if needed and returns a Manager.
func NewManager(opts Options, snapshotter Snapshotter, logger zerolog.Logger) (*Manager, error) {
	if opts.Root == "" {
		return nil, errors.New("staging root is required")
	}
	if opts.Strategy == "" {
		opts.Strategy = StrategyLink
	}
	if opts.Strategy == StrategyDirect && opts.RepositoryRoot != "" {
		return nil, errors.New("direct staging cannot be combined with a containerized repository client")
	}
	if snapshotter == nil {
		snapshotter = NoSnapshotter{}
	}
	if err := os.MkdirAll(opts.Root, 0o700); err != nil {
		return nil, fmt.Errorf("create staging root: %w", err)
	}
	return &Manager{
		opts:        opts,
		snapshotter: snapshotter,
		freeSpace:   diskFree,
		logger:      logger.With().Str("component", "staging").Logger(),
	}, nil
}

// Strategy returns the configured strategy.
func (m *Manager) Strategy() Strategy {
	return m.opts.Strategy
}

// HostPath maps a runtime-reported host path to the path visible to this process.
func (m *Manager) HostPath(source string) string {
	if m.opts.SourcePrefix == "" {
		return source
	}
	return filepath.Join(m.opts.SourcePrefix, source)
}

// repositoryPath maps a path visible to this process to the repository client's view.
func (m *Manager) repositoryPath(p string) string {
	if m.opts.RepositoryRoot == "" {
		return p
	}
	rel, err := filepath.Rel(m.opts.Root, p)
	if err != nil || strings.HasPrefix(rel, "..") {
		return p
	}
	return filepath.Join(m.opts.RepositoryRoot, rel)
}

// Create makes the fresh namespace for a job. A namespace is never reused.
func (m *Manager) Create(jobID uuid.UUID) (*Area, error) {
	dir := filepath.Join(m.opts.Root, jobID.String())
	if err := os.Mkdir(dir, 0o700); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrNamespaceExists, dir)
		}
		return nil, fmt.Errorf("create staging namespace: %w", err)
	}
	for _, sub := range []string{PathsDir, DumpsDir} {
		if err := os.Mkdir(filepath.Join(dir, sub), 0o700); err != nil {
			_ = os.RemoveAll(dir)
			return nil, fmt.Errorf("create staging namespace: %w", err)
		}
	}
	m.logger.Debug().Str("job_id", jobID.String()).Str("dir", dir).Msg("staging namespace created")
	return &Area{JobID: jobID, Dir: dir}, nil
}

// CheckSnapshots verifies that every source can be snapshotted
// crash-consistently. It must pass before a `none` policy job touches its
// container.
func (m *Manager) CheckSnapshots(ctx context.Context, sources []string) error {
	for _, src := range sources {
		ok, err := m.snapshotter.Supported(ctx, m.HostPath(src))
		if err != nil {
			return fmt.Errorf("probe snapshot support for %s: %w", src, err)
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrSnapshotUnsupported, src)
		}
	}
	return nil
}

// Stage materializes source (a host path reported by the runtime) for the
// container-side path p. A missing source yields a Missing entry and
// ErrPathMissing; the area stays usable for other paths.
func (m *Manager) Stage(ctx context.Context, area *Area, p, source string, policy models.QuiescePolicy) (Entry, error) {
	entry := Entry{Path: p, Source: m.HostPath(source)}
	logger := m.logger.With().
		Str("job_id", area.JobID.String()).
		Str("path", p).
		Str("source", entry.Source).
		Logger()

	if err := ctx.Err(); err != nil {
		return entry, err
	}

	if _, err := os.Lstat(entry.Source); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			entry.Missing = true
			area.Entries = append(area.Entries, entry)
			logger.Warn().Msg("source path missing")
			return entry, fmt.Errorf("%w: %s", ErrPathMissing, p)
		}
		return entry, fmt.Errorf("stat %s: %w", entry.Source, err)
	}

	dst := filepath.Join(area.Dir, PathsDir, models.EntryName(p))

	switch {
	case policy == models.QuiesceNone:
		if err := m.snapshotter.Snapshot(ctx, entry.Source, dst); err != nil {
			return entry, fmt.Errorf("snapshot %s: %w", p, err)
		}
		area.mu.Lock()
		area.snapshots = append(area.snapshots, dst)
		area.mu.Unlock()
		entry.Staged = dst
		entry.Snapshot = true
	case m.opts.Strategy == StrategyDirect:
		entry.Staged = entry.Source
	case m.opts.Strategy == StrategyCopy:
		if err := m.checkSpace(ctx, entry.Source); err != nil {
			return entry, err
		}
		if err := copyTree(entry.Source, dst); err != nil {
			return entry, fmt.Errorf("copy %s: %w", p, err)
		}
		entry.Staged = dst
	default:
		copied, err := linkTree(entry.Source, dst)
		if err != nil {
			return entry, fmt.Errorf("link %s: %w", p, err)
		}
		if copied > 0 {
			logger.Debug().Int("copied_files", copied).Msg("cross-device files copied instead of linked")
		}
		entry.Staged = dst
	}

	entry.RepositoryPath = m.repositoryPath(entry.Staged)
	area.Entries = append(area.Entries, entry)
	logger.Debug().Str("staged", entry.Staged).Msg("path staged")
	return entry, nil
}

// CreateFile creates a dump file named name in the area.
func (m *Manager) CreateFile(area *Area, name string) (*os.File, Entry, error) {
	if strings.ContainsAny(name, `/\`) || name == "" || name == "." || name == ".." {
		return nil, Entry{}, fmt.Errorf("invalid staging file name %q", name)
	}
	dst := filepath.Join(area.Dir, DumpsDir, name)
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, Entry{}, fmt.Errorf("create staging file: %w", err)
	}
	entry := Entry{Path: name, Staged: dst, RepositoryPath: m.repositoryPath(dst)}
	area.Entries = append(area.Entries, entry)
	return f, entry, nil
}

// Cleanup releases snapshots and removes the area. It is safe to call more
// than once.
func (m *Manager) Cleanup(ctx context.Context, area *Area) error {
	if area == nil {
		return nil
	}

	area.mu.Lock()
	snapshots := area.snapshots
	area.snapshots = nil
	area.mu.Unlock()

	var errs []error
	for _, s := range snapshots {
		if err := m.snapshotter.Delete(ctx, s); err != nil {
			errs = append(errs, fmt.Errorf("delete snapshot %s: %w", s, err))
		}
	}
	if err := os.RemoveAll(area.Dir); err != nil {
		errs = append(errs, fmt.Errorf("remove staging namespace: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		m.logger.Error().Err(err).Str("job_id", area.JobID.String()).Msg("staging cleanup failed")
		return err
	}
	m.logger.Debug().Str("job_id", area.JobID.String()).Msg("staging namespace removed")
	return nil
}

// Sweep removes namespaces left behind by a previous process, skipping the
// ones in keep. It returns the number of namespaces removed.
func (m *Manager) Sweep(ctx context.Context, keep map[uuid.UUID]bool) (int, error) {
	entries, err := os.ReadDir(m.opts.Root)
	if err != nil {
		return 0, fmt.Errorf("read staging root: %w", err)
	}

	removed := 0
	for _, e := range entries {
		id, err := uuid.Parse(e.Name())
		if err != nil || !e.IsDir() || keep[id] {
			continue
		}
		area := &Area{JobID: id, Dir: filepath.Join(m.opts.Root, e.Name())}
		if subs, err := os.ReadDir(filepath.Join(area.Dir, PathsDir)); err == nil {
			for _, s := range subs {
				p := filepath.Join(area.Dir, PathsDir, s.Name())
				if ok, _ := m.snapshotter.Supported(ctx, p); ok {
					area.snapshots = append(area.snapshots, p)
				}
			}
		}
		if err := m.Cleanup(ctx, area); err != nil {
			m.logger.Warn().Err(err).Str("dir", area.Dir).Msg("failed to remove stale staging namespace")
			continue
		}
		removed++
	}
	if removed > 0 {
		m.logger.Info().Int("count", removed).Msg("removed stale staging namespaces")
	}
	return removed, nil
}

// checkSpace fails when copying src would leave less than MinFreeBytes free.
func (m *Manager) checkSpace(ctx context.Context, src string) error {
	free, err := m.freeSpace(ctx, m.opts.Root)
	if err != nil {
		m.logger.Warn().Err(err).Msg("free space check unavailable")
		return nil
	}
	need, err := treeSize(src)
	if err != nil {
		return fmt.Errorf("measure %s: %w", src, err)
	}
	if free < need+m.opts.MinFreeBytes {
		return fmt.Errorf("%w: need %d bytes (+%d reserved), %d free", ErrInsufficientSpace, need, m.opts.MinFreeBytes, free)
	}
	return nil
}

func diskFree(ctx context.Context, path string) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}
