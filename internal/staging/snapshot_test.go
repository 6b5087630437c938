package staging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

// fakeBtrfsBinary creates a shell script that logs its arguments and exits
// with exitCode.
func fakeBtrfsBinary(t *testing.T, exitCode int) (string, string) {
	t.Helper()
	dir := t.TempDir()
	logFile := filepath.Join(dir, "calls.txt")

	script := filepath.Join(dir, "btrfs")
	content := fmt.Sprintf("#!/bin/sh\necho \"$@\" >> '%s'\nexit %d\n", logFile, exitCode)
	if err := os.WriteFile(script, []byte(content), 0755); err != nil {
		t.Fatal(err)
	}
	return script, logFile
}

func readCalls(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestBtrfsSnapshotter(t *testing.T) {
	binary, logFile := fakeBtrfsBinary(t, 0)
	b := NewBtrfsSnapshotter(binary, zerolog.Nop())
	ctx := context.Background()

	ok, err := b.Supported(ctx, "/srv/data")
	if err != nil || !ok {
		t.Fatalf("Supported() = %v, %v", ok, err)
	}
	if err := b.Snapshot(ctx, "/srv/data", "/staging/job/data"); err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if err := b.Delete(ctx, "/staging/job/data"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	want := "subvolume show /srv/data\nsubvolume snapshot -r /srv/data /staging/job/data\nsubvolume delete /staging/job/data\n"
	if got := readCalls(t, logFile); got != want {
		t.Errorf("calls = %q, want %q", got, want)
	}
}

func TestBtrfsSnapshotter_NotSubvolume(t *testing.T) {
	binary, _ := fakeBtrfsBinary(t, 1)
	b := NewBtrfsSnapshotter(binary, zerolog.Nop())

	ok, err := b.Supported(context.Background(), "/srv/data")
	if err != nil {
		t.Fatalf("Supported() error = %v", err)
	}
	if ok {
		t.Error("expected plain directory to be unsupported")
	}
	if err := b.Snapshot(context.Background(), "/srv/data", "/staging/x"); err == nil {
		t.Error("expected snapshot error")
	}
}

func TestBtrfsSnapshotter_MissingBinary(t *testing.T) {
	b := NewBtrfsSnapshotter(filepath.Join(t.TempDir(), "nope"), zerolog.Nop())
	ok, err := b.Supported(context.Background(), "/srv/data")
	if err != nil || ok {
		t.Errorf("Supported() = %v, %v; want false, nil", ok, err)
	}
}

func TestNoSnapshotter(t *testing.T) {
	var s NoSnapshotter
	ok, _ := s.Supported(context.Background(), "/")
	if ok {
		t.Error("expected no support")
	}
	if err := s.Snapshot(context.Background(), "/a", "/b"); err != ErrSnapshotUnsupported {
		t.Errorf("Snapshot() = %v", err)
	}
}
