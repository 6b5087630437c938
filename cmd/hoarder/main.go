// Package main is the entrypoint for the hoarder backup orchestrator.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/hoarderhq/hoarder/internal/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "hoarder",
		Short: "hoarder - consistent restic backups of container volumes",
		Long: `hoarder backs up the volumes and bind mounts of running containers with
restic. Each container is quiesced (paused or stopped) only for as long as
it takes to stage its data, and is always brought back afterwards.

Configuration is read from HOARDER_* environment variables.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		newVersionCmd(),
		newRunCmd(),
		newBackupCmd(),
		newTargetsCmd(),
		newSnapshotsCmd(),
		newRestoreCmd(),
		newPruneCmd(),
		newInitCmd(),
		newCheckCmd(),
		newUnlockCmd(),
		newHistoryCmd(),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hoarder %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Built:      %s\n", BuildDate)
			fmt.Printf("  Go version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

// newLogger builds the process logger from the log level and format keys.
func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	logger := zerolog.New(os.Stderr).With().Timestamp().Str("version", Version).Logger().Level(level)
	if cfg.LogFormat == "console" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return logger
}
