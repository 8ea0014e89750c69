package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/qmoi-io/qmoi-heal/internal/health"
	"github.com/qmoi-io/qmoi-heal/internal/scheduler"
	"github.com/qmoi-io/qmoi-heal/internal/watch"
)

// notReadyAfter is the number of consecutive failed syncs that fails /readyz.
const notReadyAfter = 3

var (
	flagDaemonInterval      time.Duration
	flagDaemonMaxIterations int
	flagDaemonDir           string
	flagDaemonHealthAddr    string
	flagDaemonWatch         []string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the periodic sync loop with a health endpoint",
	Long: `Run qmoi-heal as a long-lived process. Three things run concurrently:
  1. Sync loop: sync --apply on a fixed interval with jitter; ticks never overlap
  2. Health server: /healthz, /readyz, /metrics and optionally /files/
  3. File watcher (when watch paths are configured): a burst of changes
     requests an early sync

/readyz fails once the loop has failed 3 times in a row. SIGINT or SIGTERM
stops everything gracefully.`,
	Args: exactArgs(0),
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().DurationVar(&flagDaemonInterval, "interval", 0, "Sync interval (default: daemon.sync_interval)")
	daemonCmd.Flags().IntVar(&flagDaemonMaxIterations, "max-iterations", 0, "Stop after this many syncs (0 runs until stopped)")
	daemonCmd.Flags().StringVar(&flagDaemonDir, "dir", "", "Repository directory (default: repo.dir)")
	daemonCmd.Flags().StringVar(&flagDaemonHealthAddr, "health-addr", "", "Health listen address, empty string disables (default: daemon.health_addr)")
	daemonCmd.Flags().StringSliceVar(&flagDaemonWatch, "watch", nil, "Paths whose changes trigger an early sync (default: daemon.watch_paths)")
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	d := a.cfg.Daemon
	if flagDaemonInterval > 0 {
		d.SyncInterval = flagDaemonInterval
	}
	if cmd.Flags().Changed("health-addr") {
		d.HealthAddr = flagDaemonHealthAddr
	}
	if len(flagDaemonWatch) > 0 {
		d.WatchPaths = flagDaemonWatch
	}
	dir := a.repoDir(flagDaemonDir)
	opts := a.syncOptions(true)

	loop, err := scheduler.New(scheduler.Config{
		Name:           "sync",
		Interval:       d.SyncInterval,
		Jitter:         d.Jitter,
		MaxIterations:  flagDaemonMaxIterations,
		RunImmediately: true,
	}, func(ctx context.Context) error {
		_, err := a.runSync(ctx, dir, opts)
		return err
	}, slog.Default())
	if err != nil {
		return err
	}

	a.log.Info("daemon starting", "version", rootCmd.Version, "dir", dir, "interval", d.SyncInterval, "health_addr", d.HealthAddr)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		err := loop.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if d.HealthAddr != "" {
		srv := health.NewServer(health.Options{
			Addr:      d.HealthAddr,
			Version:   rootCmd.Version,
			StaticDir: d.StaticDir,
			Ready:     func() error { return readiness(loop.Stats()) },
		}, slog.Default())
		g.Go(func() error { return srv.Run(ctx) })
	}

	if len(d.WatchPaths) > 0 {
		w, err := watch.New(d.WatchPaths, watch.DefaultDebounce, loop.Kick, slog.Default())
		if err != nil {
			a.log.Warn("file watcher disabled", "error", err)
		} else {
			g.Go(func() error { return w.Run(ctx) })
		}
	}

	err = g.Wait()
	s := loop.Stats()
	a.log.Info("daemon stopped", "runs", s.Runs, "failures", s.Failures)
	return err
}

// readiness fails before the first sync and after notReadyAfter consecutive failures.
func readiness(s scheduler.Stats) error {
	if s.Runs == 0 {
		return errors.New("first sync has not finished")
	}
	if s.ConsecutiveFailures >= notReadyAfter {
		return fmt.Errorf("%d consecutive sync failures, last: %s", s.ConsecutiveFailures, s.LastError)
	}
	return nil
}
