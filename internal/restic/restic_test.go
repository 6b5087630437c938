package restic

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// TestHelperProcess is used by tests to mock exec.Command via the test
// binary re-invocation pattern. When GO_WANT_HELPER_PROCESS is set, the test
// binary acts as the restic (or docker) executable.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	var args []string
	for i, arg := range os.Args {
		if arg == "--" {
			args = os.Args[i+1:]
			break
		}
	}

	if argsFile := os.Getenv("GO_HELPER_ARGS_FILE"); argsFile != "" {
		_ = os.WriteFile(argsFile, []byte(strings.Join(args, "\n")), 0644)
	}
	if envFile := os.Getenv("GO_HELPER_ENV_FILE"); envFile != "" {
		_ = os.WriteFile(envFile, []byte(strings.Join(os.Environ(), "\n")), 0644)
	}
	if stderrMsg := os.Getenv("GO_HELPER_STDERR"); stderrMsg != "" {
		fmt.Fprint(os.Stderr, stderrMsg)
	}
	if response := os.Getenv("GO_HELPER_RESPONSE"); response != "" {
		fmt.Fprint(os.Stdout, response)
	}

	code, _ := strconv.Atoi(os.Getenv("GO_HELPER_EXIT_CODE"))
	os.Exit(code)
}

type fakeBinary struct {
	path     string
	argsFile string
	envFile  string
}

// args returns the arguments of the last invocation.
func (f fakeBinary) args(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(f.argsFile)
	if err != nil {
		t.Fatalf("read args: %v", err)
	}
	return strings.Split(string(data), "\n")
}

// env returns the environment of the last invocation.
func (f fakeBinary) env(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(f.envFile)
	if err != nil {
		t.Fatalf("read env: %v", err)
	}
	return strings.Split(string(data), "\n")
}

// newFakeBinary writes a wrapper script that re-invokes the test binary as
// TestHelperProcess with the given canned response.
func newFakeBinary(t *testing.T, response, stderrMsg string, exitCode int) fakeBinary {
	t.Helper()
	dir := t.TempDir()
	testBinary, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}

	fb := fakeBinary{
		path:     filepath.Join(dir, "restic"),
		argsFile: filepath.Join(dir, "args.txt"),
		envFile:  filepath.Join(dir, "env.txt"),
	}
	script := fmt.Sprintf(`#!/bin/sh
export GO_WANT_HELPER_PROCESS=1
export GO_HELPER_RESPONSE='%s'
export GO_HELPER_EXIT_CODE='%d'
export GO_HELPER_STDERR='%s'
export GO_HELPER_ARGS_FILE='%s'
export GO_HELPER_ENV_FILE='%s'
exec "%s" -test.run=TestHelperProcess -- "$@"
`, strings.ReplaceAll(response, "'", "'\\''"),
		exitCode,
		strings.ReplaceAll(stderrMsg, "'", "'\\''"),
		fb.argsFile,
		fb.envFile,
		testBinary)

	if err := os.WriteFile(fb.path, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	return fb
}

func testConfig() Config {
	return Config{
		Repository:   "/tmp/test-repo",
		PasswordFile: "/run/secrets/restic",
		Host:         "nas",
		Env:          map[string]string{"AWS_ACCESS_KEY_ID": "AKIAEXAMPLE"},
	}
}

func newTestRestic(t *testing.T, response string) (*Restic, fakeBinary) {
	t.Helper()
	fb := newFakeBinary(t, response, "", 0)
	return NewRestic(NewLocalRunner(fb.path, zerolog.Nop()), testConfig(), zerolog.Nop()), fb
}

func newTestResticError(t *testing.T, stderrMsg string, exitCode int) (*Restic, fakeBinary) {
	t.Helper()
	fb := newFakeBinary(t, "", stderrMsg, exitCode)
	return NewRestic(NewLocalRunner(fb.path, zerolog.Nop()), testConfig(), zerolog.Nop()), fb
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

const backupOutput = `{"message_type":"status","percent_done":0.5}
{"message_type":"status","percent_done":1}
{"message_type":"summary","files_new":10,"files_changed":5,"files_unmodified":100,"data_added":1048576,"total_duration":2.5,"snapshot_id":"abc12345def67890"}`

func TestRestic_Init(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		r, fb := newTestRestic(t, `{"id":"abc123"}`)
		if err := r.Init(context.Background()); err != nil {
			t.Fatalf("Init() error = %v", err)
		}
		if got := fb.args(t); got[0] != "init" {
			t.Errorf("expected init subcommand, got %v", got)
		}
	})

	t.Run("already initialized", func(t *testing.T) {
		r, _ := newTestResticError(t, "Fatal: create key in repository at /tmp/test-repo failed: repository master key and config already initialized", 1)
		if err := r.Init(context.Background()); err != nil {
			t.Fatalf("Init() should succeed for already initialized repo, got error = %v", err)
		}
	})

	t.Run("error", func(t *testing.T) {
		r, _ := newTestResticError(t, "Fatal: permission denied", 1)
		if err := r.Init(context.Background()); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestRestic_Backup(t *testing.T) {
	r, fb := newTestRestic(t, backupOutput)

	record, err := r.Backup(context.Background(),
		[]string{"/backup/web-1/data"},
		[]string{"hoarder", "web-1"},
		[]string{"*.tmp"},
	)
	if err != nil {
		t.Fatalf("Backup() error = %v", err)
	}

	if record.SnapshotID != "abc12345def67890" {
		t.Errorf("SnapshotID = %q", record.SnapshotID)
	}
	if record.ShortID != "abc12345" {
		t.Errorf("ShortID = %q", record.ShortID)
	}
	if record.FilesNew != 10 || record.FilesChanged != 5 {
		t.Errorf("unexpected file counts %d/%d", record.FilesNew, record.FilesChanged)
	}
	if record.SizeBytes != 1048576 {
		t.Errorf("SizeBytes = %d", record.SizeBytes)
	}
	if record.Host != "nas" {
		t.Errorf("Host = %q", record.Host)
	}
	if len(record.Tags) != 2 || record.Tags[1] != "web-1" {
		t.Errorf("Tags = %v", record.Tags)
	}

	args := fb.args(t)
	for _, want := range []string{"backup", "--json", "--host", "nas", "--tag", "hoarder", "web-1", "--exclude", "*.tmp", "/backup/web-1/data"} {
		if !contains(args, want) {
			t.Errorf("expected arg %q in %v", want, args)
		}
	}
	if contains(args, "--dry-run") {
		t.Error("did not expect --dry-run")
	}

	env := fb.env(t)
	if !contains(env, "RESTIC_PASSWORD_FILE=/run/secrets/restic") {
		t.Error("expected RESTIC_PASSWORD_FILE in environment")
	}
	if !contains(env, "AWS_ACCESS_KEY_ID=AKIAEXAMPLE") {
		t.Error("expected forwarded AWS_ACCESS_KEY_ID in environment")
	}
}

func TestRestic_BackupDryRun(t *testing.T) {
	fb := newFakeBinary(t, `{"message_type":"summary","files_new":3,"data_added":0}`, "", 0)
	cfg := testConfig()
	cfg.DryRun = true
	r := NewRestic(NewLocalRunner(fb.path, zerolog.Nop()), cfg, zerolog.Nop())

	record, err := r.Backup(context.Background(), []string{"/data"}, nil, nil)
	if err != nil {
		t.Fatalf("Backup() error = %v", err)
	}
	if !record.DryRun {
		t.Error("expected dry-run record")
	}
	if !contains(fb.args(t), "--dry-run") {
		t.Error("expected --dry-run flag")
	}
}

func TestRestic_BackupNoPaths(t *testing.T) {
	r, _ := newTestRestic(t, "")
	if _, err := r.Backup(context.Background(), nil, nil, nil); err == nil {
		t.Fatal("expected error for empty paths")
	}
}

func TestRestic_BackupPartial(t *testing.T) {
	fb := newFakeBinary(t, backupOutput, "error: open /data/locked.db: permission denied", 3)
	r := NewRestic(NewLocalRunner(fb.path, zerolog.Nop()), testConfig(), zerolog.Nop())

	record, err := r.Backup(context.Background(), []string{"/data"}, nil, nil)
	if !errors.Is(err, ErrPartialPathMissing) {
		t.Fatalf("expected ErrPartialPathMissing, got %v", err)
	}
	if record == nil || record.SnapshotID != "abc12345def67890" {
		t.Fatalf("expected snapshot record alongside partial error, got %+v", record)
	}
}

func TestRestic_BackupErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		stderr    string
		exitCode  int
		want      error
		retryable bool
	}{
		{
			name:      "locked by exit code",
			stderr:    "Fatal: unable to create lock in backend",
			exitCode:  11,
			want:      ErrRepositoryLocked,
			retryable: true,
		},
		{
			name:      "locked by message",
			stderr:    "unable to create lock in backend: repository is already locked by PID 1234 on nas",
			exitCode:  1,
			want:      ErrRepositoryLocked,
			retryable: true,
		},
		{
			name:     "wrong password",
			stderr:   "Fatal: wrong password or no key found",
			exitCode: 12,
			want:     ErrAuthenticationFailed,
		},
		{
			name:     "not initialized",
			stderr:   "Fatal: repository does not exist: unable to open config file",
			exitCode: 10,
			want:     ErrRepositoryNotInitialized,
		},
		{
			name:      "unreachable",
			stderr:    "Fatal: unable to open repository at s3:https://s3.example.com/bucket: dial tcp: lookup s3.example.com: no such host",
			exitCode:  1,
			want:      ErrRepositoryUnreachable,
			retryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestResticError(t, tt.stderr, tt.exitCode)

			_, err := r.Backup(context.Background(), []string{"/data"}, nil, nil)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if Retryable(err) != tt.retryable {
				t.Errorf("Retryable() = %v, want %v", Retryable(err), tt.retryable)
			}
		})
	}
}

func TestRestic_Timeout(t *testing.T) {
	fb := newFakeBinary(t, "", "", 0)
	r := NewRestic(NewLocalRunner(fb.path, zerolog.Nop()), testConfig(), zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	_, err := r.Backup(ctx, []string{"/data"}, nil, nil)
	if !errors.Is(err, ErrRepositoryTimedOut) {
		t.Fatalf("expected ErrRepositoryTimedOut, got %v", err)
	}
}

func TestRestic_Snapshots(t *testing.T) {
	r, fb := newTestRestic(t, `[{"id":"abc12345def67890","short_id":"abc12345","time":"2024-01-15T10:30:00Z","hostname":"nas","paths":["/backup/web-1/data"],"tags":["hoarder","web-1"]}]`)

	snapshots, err := r.Snapshots(context.Background(), SnapshotFilter{Host: "nas", Tags: []string{"hoarder", "web-1"}})
	if err != nil {
		t.Fatalf("Snapshots() error = %v", err)
	}
	if len(snapshots) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(snapshots))
	}
	if snapshots[0].ShortID != "abc12345" || snapshots[0].Hostname != "nas" {
		t.Errorf("unexpected snapshot %+v", snapshots[0])
	}
	args := fb.args(t)
	if !contains(args, "hoarder,web-1") {
		t.Errorf("expected joined tag filter in %v", args)
	}
}

func TestRestic_SnapshotsInvalidJSON(t *testing.T) {
	r, _ := newTestRestic(t, "not json")
	if _, err := r.Snapshots(context.Background(), SnapshotFilter{}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestRestic_Restore(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		r, fb := newTestRestic(t, `{"message_type":"summary"}`)
		err := r.Restore(context.Background(), "abc123", RestoreOptions{TargetPath: "/restore", Include: []string{"/data"}})
		if err != nil {
			t.Fatalf("Restore() error = %v", err)
		}
		args := fb.args(t)
		if args[len(args)-1] != "abc123" {
			t.Errorf("expected snapshot id last, got %v", args)
		}
		if !contains(args, "/restore") || !contains(args, "--include") {
			t.Errorf("unexpected args %v", args)
		}
	})

	t.Run("missing target", func(t *testing.T) {
		r, _ := newTestRestic(t, "")
		if err := r.Restore(context.Background(), "abc123", RestoreOptions{}); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("snapshot not found", func(t *testing.T) {
		r, _ := newTestResticError(t, "Fatal: invalid id \"zzz\": no matching ID found for prefix \"zzz\"", 1)
		err := r.Restore(context.Background(), "zzz", RestoreOptions{TargetPath: "/restore"})
		if !errors.Is(err, ErrSnapshotNotFound) {
			t.Fatalf("expected ErrSnapshotNotFound, got %v", err)
		}
	})
}

func TestRestic_Forget(t *testing.T) {
	output := `[{"tags":["hoarder"],"host":"nas","keep":[{"id":"k1"},{"id":"k2"}],"remove":[{"id":"r1"}]}]`
	r, fb := newTestRestic(t, output)

	result, err := r.Forget(context.Background(), Retention{KeepDaily: 7, KeepWeekly: 4}, true)
	if err != nil {
		t.Fatalf("Forget() error = %v", err)
	}
	if result.SnapshotsKept != 2 || result.SnapshotsRemoved != 1 {
		t.Errorf("unexpected result %+v", result)
	}
	if len(result.RemovedIDs) != 1 || result.RemovedIDs[0] != "r1" {
		t.Errorf("RemovedIDs = %v", result.RemovedIDs)
	}

	args := fb.args(t)
	for _, want := range []string{"forget", "--keep-daily", "7", "--keep-weekly", "4", "--prune", "--host", "nas"} {
		if !contains(args, want) {
			t.Errorf("expected arg %q in %v", want, args)
		}
	}
	if contains(args, "--keep-last") {
		t.Error("did not expect --keep-last for zero value")
	}
}

func TestRestic_ForgetEmptyRetention(t *testing.T) {
	r, _ := newTestRestic(t, "")
	if _, err := r.Forget(context.Background(), Retention{}, false); err == nil {
		t.Fatal("expected error for empty retention")
	}
}

func TestRestic_PruneAndCheck(t *testing.T) {
	r, fb := newTestRestic(t, "")
	if err := r.Prune(context.Background()); err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if fb.args(t)[0] != "prune" {
		t.Errorf("expected prune, got %v", fb.args(t))
	}

	if err := r.Check(context.Background(), CheckOptions{ReadDataSubset: "5%"}); err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !contains(fb.args(t), "--read-data-subset") {
		t.Errorf("expected --read-data-subset in %v", fb.args(t))
	}
}

func TestRestic_Stats(t *testing.T) {
	r, _ := newTestRestic(t, `{"total_size":2048,"total_file_count":12,"snapshots_count":3}`)
	stats, err := r.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.TotalSize != 2048 || stats.SnapshotsCount != 3 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestDockerRunner(t *testing.T) {
	fb := newFakeBinary(t, backupOutput, "", 0)
	runner := NewDockerRunner(fb.path, "restic/restic:0.17.3", "/mnt/hoarder", "/backup", zerolog.Nop())
	r := NewRestic(runner, testConfig(), zerolog.Nop())

	if _, err := r.Backup(context.Background(), []string{"/backup/web-1/data"}, []string{"hoarder"}, nil); err != nil {
		t.Fatalf("Backup() error = %v", err)
	}

	args := fb.args(t)
	for _, want := range []string{
		"run", "--rm",
		"/mnt/hoarder:/backup:ro",
		"/run/secrets/restic:/restic_password:ro",
		"RESTIC_PASSWORD_FILE=/restic_password",
		"RESTIC_HOST=nas",
		"AWS_ACCESS_KEY_ID",
		"restic/restic:0.17.3",
		"backup",
		"/backup/web-1/data",
	} {
		if !contains(args, want) {
			t.Errorf("expected arg %q in %v", want, args)
		}
	}
	for _, a := range args {
		if strings.Contains(a, "AKIAEXAMPLE") {
			t.Error("credential value must not appear in docker arguments")
		}
	}
	if !contains(fb.env(t), "AWS_ACCESS_KEY_ID=AKIAEXAMPLE") {
		t.Error("expected credential to be passed through the docker client environment")
	}
}

func TestDockerRunner_RestoreMountsReadWrite(t *testing.T) {
	runner := NewDockerRunner("docker", "restic/restic", "/mnt/hoarder", "/backup", zerolog.Nop())
	args := runner.dockerArgs(testConfig(), []string{"restore", "--target", "/backup/restore", "abc"})
	if !contains(args, "/mnt/hoarder:/backup:rw") {
		t.Errorf("expected read-write mount for restore, got %v", args)
	}
}
