package cmd

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/qmoi-io/qmoi-heal/internal/config"
	"github.com/qmoi-io/qmoi-heal/internal/diagnostics"
	"github.com/qmoi-io/qmoi-heal/internal/heal"
	"github.com/qmoi-io/qmoi-heal/internal/journal"
	"github.com/qmoi-io/qmoi-heal/internal/logging"
	"github.com/qmoi-io/qmoi-heal/internal/notify"
	"github.com/qmoi-io/qmoi-heal/internal/remediation"
	"github.com/qmoi-io/qmoi-heal/internal/retry"
	"github.com/qmoi-io/qmoi-heal/internal/runner"
)

// app holds what every command builds from config: a run ID, the journal,
// a subprocess runner and the configured components.
type app struct {
	cfg     *config.Config
	runID   string
	journal journal.Recorder
	closer  func() error
	runner  runner.Runner
	log     *slog.Logger
}

// configPath returns --config, falling back to the installed location.
func configPath() string {
	if flagConfig != "" {
		return flagConfig
	}
	return config.DefaultPath
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		logging.Setup(flagLogLevel, flagLogFormat)
		return nil, err
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	if flagLogFormat != "" {
		cfg.Logging.Format = flagLogFormat
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	a := &app{
		cfg:     cfg,
		runID:   uuid.NewString(),
		journal: journal.Discard,
		closer:  func() error { return nil },
		runner:  runner.NewLocal(runner.DefaultTimeout),
	}
	a.log = slog.Default().With("component", "cmd", "command", cmd.Name(), "run_id", a.runID)

	j, err := journal.OpenDir(cfg.Paths.LogDir)
	if err != nil {
		a.log.Warn("journal unavailable, continuing without it", "error", err)
	} else {
		a.journal = j
		a.closer = j.Close
	}
	return a, nil
}

func (a *app) Close() {
	if err := a.closer(); err != nil {
		a.log.Warn("close journal", "error", err)
	}
}

func (a *app) policy() (retry.Policy, error) {
	return retry.ParsePolicy(a.cfg.Retry.Backoff, a.cfg.Retry.BaseDelay, a.cfg.Retry.MaxDelay)
}

func (a *app) executor() *retry.Executor {
	return retry.New(slog.Default(), a.journal, a.runID)
}

func (a *app) dispatcher() *notify.Dispatcher {
	return notify.NewDispatcher(notify.DefaultChannelTimeout, a.journal, a.runID, notify.FromConfig(a.cfg, os.Stdout)...)
}

func (a *app) collector(dir string) *diagnostics.Collector {
	probes := diagnostics.DefaultProbes(a.runner, diagnostics.Options{
		Dir:           dir,
		MinFreeDiskMB: a.cfg.Diagnostics.MinFreeDiskMB,
		ProbeURL:      a.cfg.Diagnostics.ProbeURL,
		Tools:         a.cfg.Diagnostics.Tools,
	})
	return diagnostics.NewCollector(a.cfg.Diagnostics.ProbeTimeout, probes...)
}

func (a *app) healer(dir string, dryRun bool) *heal.Healer {
	cb := remediation.NewCircuitBreaker(a.cfg.Remediation.MaxPerHour, a.cfg.Remediation.Cooldown)
	a.seedBreaker(cb)
	return heal.New(heal.Options{
		Executor:   a.executor(),
		Collector:  a.collector(dir),
		Remediator: remediation.NewRemediator(cb, dryRun || a.cfg.Remediation.DryRun, a.journal, a.runID),
		Dispatcher: a.dispatcher(),
		Journal:    a.journal,
		RunID:      a.runID,
		ReportDir:  a.cfg.Paths.ReportDir,
	})
}

// seedBreaker loads earlier remediation runs from the journal so the
// breaker's limits apply across invocations.
func (a *app) seedBreaker(cb *remediation.CircuitBreaker) {
	entries, err := journal.Read(filepath.Join(a.cfg.Paths.LogDir, journal.FileName))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		a.log.Warn("circuit breaker starts empty, journal unreadable", "error", err)
	}
	if n := cb.Seed(entries); n > 0 {
		a.log.Debug("circuit breaker seeded from journal", "runs", n)
	}
}

// repoDir resolves --dir against the configured checkout.
func (a *app) repoDir(flagDir string) string {
	dir := a.cfg.Repo.Dir
	if flagDir != "" {
		dir = flagDir
	}
	if abs, err := filepath.Abs(dir); err == nil {
		return abs
	}
	return dir
}

// notifyFailure sends an error message on every configured channel.
func (a *app) notifyFailure(ctx context.Context, subject string, err error) {
	a.dispatcher().Dispatch(context.WithoutCancel(ctx), notify.Message{
		Severity: notify.SeverityError,
		Subject:  subject,
		Body:     err.Error(),
		Fields:   map[string]string{"run_id": a.runID},
	})
}
