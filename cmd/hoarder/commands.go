package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/hoarderhq/hoarder/internal/config"
	"github.com/hoarderhq/hoarder/internal/history"
	"github.com/hoarderhq/hoarder/internal/httpclient"
	"github.com/hoarderhq/hoarder/internal/models"
	"github.com/hoarderhq/hoarder/internal/restic"
	"github.com/hoarderhq/hoarder/internal/scheduler"
	"github.com/spf13/cobra"
)

// errCycleFailed makes the process exit non-zero after a cycle with failed jobs.
var errCycleFailed = errors.New("backup cycle finished with failed jobs")

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func loadConfig(repositoryOnly bool) (config.Config, error) {
	cfg := config.Load()
	validate := cfg.Validate
	if repositoryOnly {
		validate = cfg.ValidateRepository
	}
	if err := validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newBackupCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "backup [target...]",
		Short: "Run one backup cycle now",
		Long: `Run one backup cycle over all discovered targets, or over the named
targets only, and exit. The exit status is non-zero when a job failed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(false)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(cfg, logger, nil)
			if err != nil {
				return err
			}
			defer a.Close()
			a.sweepStaging(ctx)

			sched, err := a.newScheduler("", nil)
			if err != nil {
				return err
			}
			cycle, err := sched.RunCycle(ctx, scheduler.TriggerManual, args)
			if err != nil {
				return err
			}

			if asJSON {
				if err := printJSON(cmd.OutOrStdout(), cycle); err != nil {
					return err
				}
			} else {
				printCycle(cmd.OutOrStdout(), cycle)
			}
			counts := cycle.Counts()
			if counts.Failed > 0 || counts.Fatal > 0 {
				return errCycleFailed
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the cycle report as JSON")

	return cmd
}

func printCycle(w io.Writer, cycle *models.CycleReport) {
	counts := cycle.Counts()
	fmt.Fprintf(w, "Cycle %s (%s) finished in %s: %d completed, %d failed, %d fatal\n",
		cycle.ID, cycle.Trigger, cycle.Elapsed.Round(time.Second), counts.Completed, counts.Failed, counts.Fatal)

	if len(cycle.Jobs) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TARGET\tSTATE\tREASON\tSNAPSHOTS\tELAPSED")
	for _, job := range cycle.Jobs {
		state := string(job.State)
		if job.Degraded {
			state += " (degraded)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			job.Target, state, job.Reason, len(job.Snapshots), job.Elapsed.Round(time.Second))
	}
	_ = tw.Flush()

	for _, job := range cycle.Jobs {
		if job.Error != "" {
			fmt.Fprintf(w, "  %s: %s\n", job.Target, job.Error)
		}
	}
}

func newTargetsCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "targets",
		Short: "List the protected targets discovered now",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			logger := newLogger(cfg)

			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(cfg, logger, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			targets, discoverErr := a.discoverer.Discover(ctx)
			if targets == nil && discoverErr != nil {
				return discoverErr
			}

			if asJSON {
				if err := printJSON(cmd.OutOrStdout(), targets); err != nil {
					return err
				}
			} else {
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tCONTAINER\tPOLICY\tPATHS\tDUMPS")
				for _, t := range targets {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n",
						t.Name, shortID(t.ContainerID), t.Policy, strings.Join(t.Paths, ","), len(t.Dumps))
				}
				_ = tw.Flush()
			}
			if discoverErr != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", discoverErr)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print targets as JSON")

	return cmd
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func newSnapshotsCmd() *cobra.Command {
	var (
		tags    []string
		paths   []string
		anyHost bool
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "List snapshots in the repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(true)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			filter := restic.SnapshotFilter{Tags: tags, Paths: paths}
			if !anyHost {
				filter.Host = cfg.Host
			}
			snapshots, err := newRepository(cfg, newLogger(cfg)).Snapshots(ctx, filter)
			if err != nil {
				return err
			}

			if asJSON {
				return printJSON(cmd.OutOrStdout(), snapshots)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTIME\tHOST\tTAGS\tPATHS")
			for _, s := range snapshots {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					s.ShortID, s.Time.Local().Format("2006-01-02 15:04:05"), s.Hostname,
					strings.Join(s.Tags, ","), strings.Join(s.Paths, ","))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Only list snapshots with these tags")
	cmd.Flags().StringSliceVar(&paths, "path", nil, "Only list snapshots containing these paths")
	cmd.Flags().BoolVar(&anyHost, "all-hosts", false, "List snapshots of every host")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print snapshots as JSON")

	return cmd
}

func newRestoreCmd() *cobra.Command {
	var opts restic.RestoreOptions

	cmd := &cobra.Command{
		Use:   "restore <snapshot-id>",
		Short: "Restore a snapshot to a directory",
		Long: `Restore a snapshot to a directory. Containers are not touched; stop the
container and copy the restored data into its volume yourself.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(true)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			repo := newRepository(cfg, newLogger(cfg))
			if err := repo.Restore(ctx, args[0], opts); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored snapshot %s to %s\n", args[0], opts.TargetPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.TargetPath, "target", "", "Directory to restore into (required)")
	cmd.Flags().StringSliceVar(&opts.Include, "include", nil, "Only restore matching paths")
	cmd.Flags().StringSliceVar(&opts.Exclude, "exclude", nil, "Skip matching paths")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "Show what would be restored")
	_ = cmd.MarkFlagRequired("target")

	return cmd
}

func newPruneCmd() *cobra.Command {
	var (
		retention restic.Retention
		noPrune   bool
	)

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Forget snapshots outside the retention policy and prune the repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			if retention.Empty() {
				return errors.New("at least one --keep-* flag is required")
			}
			cfg, err := loadConfig(true)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			repo := newRepository(cfg, newLogger(cfg))
			result, err := repo.Forget(ctx, retention, !noPrune)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d snapshots, kept %d\n",
				result.SnapshotsRemoved, result.SnapshotsKept)
			return nil
		},
	}

	cmd.Flags().IntVar(&retention.KeepLast, "keep-last", 0, "Keep the last n snapshots")
	cmd.Flags().IntVar(&retention.KeepHourly, "keep-hourly", 0, "Keep the last n hourly snapshots")
	cmd.Flags().IntVar(&retention.KeepDaily, "keep-daily", 0, "Keep the last n daily snapshots")
	cmd.Flags().IntVar(&retention.KeepWeekly, "keep-weekly", 0, "Keep the last n weekly snapshots")
	cmd.Flags().IntVar(&retention.KeepMonthly, "keep-monthly", 0, "Keep the last n monthly snapshots")
	cmd.Flags().IntVar(&retention.KeepYearly, "keep-yearly", 0, "Keep the last n yearly snapshots")
	cmd.Flags().StringSliceVar(&retention.Tags, "tag", nil, "Only consider snapshots with these tags")
	cmd.Flags().BoolVar(&noPrune, "no-prune", false, "Forget snapshots without pruning data")

	return cmd
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize the repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(true)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			if err := newRepository(cfg, newLogger(cfg)).Init(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Repository initialized")
			return nil
		},
	}
}

func newCheckCmd() *cobra.Command {
	var opts restic.CheckOptions

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check repository integrity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(true)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			repo := newRepository(cfg, newLogger(cfg))
			if err := repo.Check(ctx, opts); err != nil {
				return err
			}
			stats, err := repo.Stats(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Repository OK: %d snapshots, %d files, %d bytes\n",
				stats.SnapshotsCount, stats.TotalFileCount, stats.TotalSize)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.ReadDataSubset, "read-data-subset", "", "Also read a subset of pack files (e.g. 5% or 1G)")

	return cmd
}

func newUnlockCmd() *cobra.Command {
	var (
		addr    string
		offline bool
	)

	cmd := &cobra.Command{
		Use:   "unlock <container>",
		Short: "Remove a container lock after inspecting the container",
		Long: `Remove the lock of a container, typically one held after a failed
restore. By default the running daemon is asked through its HTTP API.
With --offline the lock is deleted from the history database while the
daemon is stopped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if offline {
				return unlockOffline(cmd.OutOrStdout(), cfg, args[0])
			}
			if addr == "" {
				addr = cfg.ListenAddr
			}
			if addr == "" {
				return errors.New("no daemon address: set --addr or HOARDER_LISTEN_ADDR, or use --offline")
			}
			return unlockRemote(cmd.Context(), cmd.OutOrStdout(), addr, args[0])
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Daemon address (default HOARDER_LISTEN_ADDR)")
	cmd.Flags().BoolVar(&offline, "offline", false, "Edit the history database directly")

	return cmd
}

// daemonURL turns a listen address such as ":8080" into a base URL.
func daemonURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/")
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

func unlockRemote(ctx context.Context, w io.Writer, addr, container string) error {
	endpoint := daemonURL(addr) + "/locks/" + url.PathEscape(container)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := httpclient.NewSimple(10 * time.Second).Do(req)
	if err != nil {
		return fmt.Errorf("contact daemon: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		fmt.Fprintf(w, "Lock on %s removed\n", container)
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("no lock held for container %s", container)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

func unlockOffline(w io.Writer, cfg config.Config, container string) error {
	if cfg.HistoryPath == "" {
		return errors.New("HOARDER_HISTORY_PATH is not set; fatal locks are only persisted there")
	}
	store, err := history.Open(cfg.HistoryPath, newLogger(cfg))
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.DeleteLock(container); err != nil {
		return err
	}
	fmt.Fprintf(w, "Lock on %s removed from %s\n", container, cfg.HistoryPath)
	return nil
}

func newHistoryCmd() *cobra.Command {
	var (
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "history [target]",
		Short: "Show the last cycle, or the recent jobs of a target",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if cfg.HistoryPath == "" {
				return errors.New("HOARDER_HISTORY_PATH is not set")
			}
			store, err := history.Open(cfg.HistoryPath, newLogger(cfg))
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			if len(args) == 0 {
				cycle, err := store.LastCycle(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), cycle)
				}
				printCycle(cmd.OutOrStdout(), cycle)
				return nil
			}

			jobs, err := store.TargetJobs(ctx, args[0], limit)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), jobs)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STARTED\tSTATE\tREASON\tSNAPSHOTS\tELAPSED")
			for _, job := range jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
					job.StartedAt.Local().Format("2006-01-02 15:04:05"), job.State, job.Reason,
					len(job.Snapshots), job.Elapsed.Round(time.Second))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Number of jobs to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")

	return cmd
}
