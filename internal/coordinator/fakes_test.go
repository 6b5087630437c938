package coordinator

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hoarderhq/hoarder/internal/models"
	"github.com/hoarderhq/hoarder/internal/restic"
	"github.com/hoarderhq/hoarder/internal/runtime"
	"github.com/hoarderhq/hoarder/internal/staging"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeRuntime is an in-memory container runtime.
type fakeRuntime struct {
	mu         sync.Mutex
	containers map[string]*runtime.ContainerInfo
	calls      []string

	pauseErr   error
	stopErr    error
	startErr   error
	unpauseErr error
	// stopLeavesStopped stops the container even when stopErr is returned.
	stopLeavesStopped bool
	// startHealth is the health status a started container reports.
	startHealth string
	execOutput  string
	execErr     error
	logs        string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{containers: make(map[string]*runtime.ContainerInfo)}
}

func (f *fakeRuntime) add(info *runtime.ContainerInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[info.ID] = info
	if info.Name != "" {
		f.containers[info.Name] = info
	}
}

func (f *fakeRuntime) record(call, id string) {
	f.calls = append(f.calls, call+" "+id)
}

func (f *fakeRuntime) callsOf(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if len(c) > len(call) && c[:len(call)+1] == call+" " {
			n++
		}
	}
	return n
}

func (f *fakeRuntime) state(id string) runtime.ContainerState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.containers[id].State
}

func (f *fakeRuntime) get(id string) (*runtime.ContainerInfo, error) {
	c, ok := f.containers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", runtime.ErrContainerNotFound, id)
	}
	return c, nil
}

func (f *fakeRuntime) Ping(context.Context) error { return nil }

func (f *fakeRuntime) ListContainers(context.Context, runtime.ListFilter) ([]runtime.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []runtime.Container
	for id, c := range f.containers {
		if id == c.ID {
			out = append(out, runtime.Container{ID: c.ID, Name: c.Name, State: c.State.Status, Labels: c.Labels})
		}
	}
	return out, nil
}

func (f *fakeRuntime) Inspect(_ context.Context, id string) (*runtime.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("inspect", id)
	c, err := f.get(id)
	if err != nil {
		return nil, err
	}
	cp := *c
	return &cp, nil
}

func (f *fakeRuntime) Pause(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("pause", id)
	c, err := f.get(id)
	if err != nil {
		return err
	}
	if f.pauseErr != nil {
		return f.pauseErr
	}
	c.State.Paused = true
	c.State.Status = "paused"
	return nil
}

func (f *fakeRuntime) Unpause(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("unpause", id)
	c, err := f.get(id)
	if err != nil {
		return err
	}
	if f.unpauseErr != nil {
		return f.unpauseErr
	}
	c.State.Paused = false
	c.State.Status = "running"
	return nil
}

func (f *fakeRuntime) Stop(_ context.Context, id string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop", id)
	c, err := f.get(id)
	if err != nil {
		return err
	}
	if f.stopErr != nil && !f.stopLeavesStopped {
		return f.stopErr
	}
	c.State.Running = false
	c.State.Status = "exited"
	return f.stopErr
}

func (f *fakeRuntime) Start(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("start", id)
	c, err := f.get(id)
	if err != nil {
		return err
	}
	if f.startErr != nil {
		return f.startErr
	}
	c.State.Running = true
	c.State.Status = "running"
	c.State.Health = f.startHealth
	return nil
}

func (f *fakeRuntime) Logs(_ context.Context, id string, _ runtime.LogsOptions, w io.Writer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("logs", id)
	_, err := io.WriteString(w, f.logs)
	return err
}

func (f *fakeRuntime) Exec(_ context.Context, id string, _ []string, w io.Writer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("exec", id)
	if f.execErr != nil {
		return f.execErr
	}
	_, err := io.WriteString(w, f.execOutput)
	return err
}

// fakeRepo is an in-memory repository client.
type fakeRepo struct {
	mu      sync.Mutex
	backups [][]string
	tags    [][]string
	// backupFn overrides the default successful backup.
	backupFn func(ctx context.Context, paths []string) (*models.SnapshotRecord, error)
	seq      int
}

func (f *fakeRepo) Init(context.Context) error { return nil }

func (f *fakeRepo) Backup(ctx context.Context, paths, tags, _ []string) (*models.SnapshotRecord, error) {
	f.mu.Lock()
	f.backups = append(f.backups, paths)
	f.tags = append(f.tags, tags)
	f.seq++
	seq := f.seq
	fn := f.backupFn
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, paths)
	}
	id := fmt.Sprintf("%064x", seq)
	return &models.SnapshotRecord{SnapshotID: id, ShortID: id[:8], Paths: paths, Tags: tags, CreatedAt: time.Now()}, nil
}

func (f *fakeRepo) backupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.backups)
}

func (f *fakeRepo) Snapshots(context.Context, restic.SnapshotFilter) ([]restic.Snapshot, error) {
	return nil, nil
}

func (f *fakeRepo) Restore(context.Context, string, restic.RestoreOptions) error { return nil }

func (f *fakeRepo) Forget(context.Context, restic.Retention, bool) (*restic.ForgetResult, error) {
	return &restic.ForgetResult{}, nil
}

func (f *fakeRepo) Prune(context.Context) error { return nil }

func (f *fakeRepo) Check(context.Context, restic.CheckOptions) error { return nil }

func (f *fakeRepo) Stats(context.Context) (*restic.RepoStats, error) { return &restic.RepoStats{}, nil }

// recordingObserver collects reports.
type recordingObserver struct {
	mu        sync.Mutex
	finished  []models.JobReport
	escalated []models.JobReport
	onFinish  func(models.JobReport)
}

func (o *recordingObserver) JobFinished(_ context.Context, r models.JobReport) {
	o.mu.Lock()
	o.finished = append(o.finished, r)
	fn := o.onFinish
	o.mu.Unlock()
	if fn != nil {
		fn(r)
	}
}

func (o *recordingObserver) JobEscalated(_ context.Context, r models.JobReport) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.escalated = append(o.escalated, r)
}

// harness wires a coordinator to fakes and a real staging manager.
type harness struct {
	rt       *fakeRuntime
	repo     *fakeRepo
	observer *recordingObserver
	root     string
	opts     Options
	snap     staging.Snapshotter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	opts := DefaultOptions()
	opts.VerifyTimeout = 200 * time.Millisecond
	opts.VerifyInterval = 5 * time.Millisecond
	opts.Retry = RetryPolicy{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
	return &harness{
		rt:       newFakeRuntime(),
		repo:     &fakeRepo{},
		observer: &recordingObserver{},
		root:     filepath.Join(t.TempDir(), "intermediate"),
		opts:     opts,
	}
}

func (h *harness) coordinator(t *testing.T) *Coordinator {
	t.Helper()
	stager, err := staging.NewManager(staging.Options{Root: h.root}, h.snap, zerolog.Nop())
	require.NoError(t, err)
	return New(h.rt, h.repo, stager, NewLockTable(nil), h.opts, zerolog.Nop(), h.observer)
}

// volume creates a host directory with some content for a mount source.
func volume(t *testing.T, name string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), name, "_data")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("hello"), 0o644))
	return dir
}

// runningContainer registers a running container with one mount per path.
func (h *harness) runningContainer(t *testing.T, id string, paths ...string) *runtime.ContainerInfo {
	t.Helper()
	info := &runtime.ContainerInfo{
		ID:    id,
		Name:  id,
		State: runtime.ContainerState{Status: "running", Running: true},
	}
	for _, p := range paths {
		info.Mounts = append(info.Mounts, runtime.Mount{
			Type:        "volume",
			Source:      volume(t, models.EntryName(p)),
			Destination: p,
		})
	}
	h.rt.add(info)
	return info
}

// stagingLeftovers returns the entries remaining under the staging root.
func (h *harness) stagingLeftovers(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(h.root)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func webTarget() models.ProtectedTarget {
	return models.ProtectedTarget{
		Name:        "web-1",
		ContainerID: "web-1",
		Paths:       []string{"/usr/share/nginx/html"},
		Policy:      models.QuiesceStop,
	}
}

// dirSnapshotter supports every source and materializes a snapshot as an
// empty directory.
type dirSnapshotter struct{}

func (dirSnapshotter) Supported(context.Context, string) (bool, error) { return true, nil }

func (dirSnapshotter) Snapshot(_ context.Context, _, dst string) error {
	return os.Mkdir(dst, 0o700)
}

func (dirSnapshotter) Delete(_ context.Context, path string) error {
	return os.RemoveAll(path)
}
