package staging

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// Snapshotter takes crash-consistent point-in-time copies of live data.
type Snapshotter interface {
	Supported(ctx context.Context, path string) (bool, error)
	Snapshot(ctx context.Context, src, dst string) error
	Delete(ctx context.Context, path string) error
}

// NoSnapshotter supports no path.
type NoSnapshotter struct{}

func (NoSnapshotter) Supported(context.Context, string) (bool, error) { return false, nil }

func (NoSnapshotter) Snapshot(context.Context, string, string) error { return ErrSnapshotUnsupported }

func (NoSnapshotter) Delete(context.Context, string) error { return nil }

// BtrfsSnapshotter uses read-only btrfs subvolume snapshots. Sources must be
// subvolumes on the same filesystem as the staging root.
type BtrfsSnapshotter struct {
	binary string
	logger zerolog.Logger
}

// NewBtrfsSnapshotter creates a snapshotter using the btrfs CLI.
func NewBtrfsSnapshotter(binary string, logger zerolog.Logger) *BtrfsSnapshotter {
	if binary == "" {
		binary = "btrfs"
	}
	return &BtrfsSnapshotter{
		binary: binary,
		logger: logger.With().Str("component", "btrfs").Logger(),
	}
}

// Supported reports whether path is a btrfs subvolume.
func (b *BtrfsSnapshotter) Supported(ctx context.Context, path string) (bool, error) {
	if _, err := exec.LookPath(b.binary); err != nil {
		return false, nil
	}
	if _, err := b.run(ctx, "subvolume", "show", path); err != nil {
		b.logger.Debug().Err(err).Str("path", path).Msg("not a btrfs subvolume")
		return false, nil
	}
	return true, nil
}

// Snapshot creates a read-only snapshot of src at dst.
func (b *BtrfsSnapshotter) Snapshot(ctx context.Context, src, dst string) error {
	b.logger.Debug().Str("src", src).Str("dst", dst).Msg("creating snapshot")
	if _, err := b.run(ctx, "subvolume", "snapshot", "-r", src, dst); err != nil {
		return fmt.Errorf("btrfs snapshot: %w", err)
	}
	return nil
}

// Delete removes a snapshot.
func (b *BtrfsSnapshotter) Delete(ctx context.Context, path string) error {
	b.logger.Debug().Str("path", path).Msg("deleting snapshot")
	if _, err := b.run(ctx, "subvolume", "delete", path); err != nil {
		return fmt.Errorf("btrfs delete: %w", err)
	}
	return nil
}

func (b *BtrfsSnapshotter) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, b.binary, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		errMsg := stderr.String()
		if errMsg == "" {
			errMsg = stdout.String()
		}
		return nil, fmt.Errorf("%w: %s", err, strings.TrimSpace(errMsg))
	}
	return stdout.Bytes(), nil
}
