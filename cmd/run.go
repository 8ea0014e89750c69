package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/qmoi-io/qmoi-heal/internal/heal"
	"github.com/qmoi-io/qmoi-heal/internal/remediation"
	"github.com/qmoi-io/qmoi-heal/internal/retry"
	"github.com/qmoi-io/qmoi-heal/internal/runner"
)

var (
	flagRunName     string
	flagRunDir      string
	flagRunAttempts int
	flagRunPreset   string
	flagRunTimeout  time.Duration
	flagRunCleanup  []string
	flagRunDryRun   bool
)

var runCmd = &cobra.Command{
	Use:   "run [flags] -- <command> [args...]",
	Short: "Run a command with retry, diagnostics and remediation",
	Long: `Run a command as a named operation. Failed attempts are retried with the
configured backoff. When every attempt fails, a diagnostic snapshot is taken,
the remediation preset (npm, pip, git) is applied strategy by strategy until
the command succeeds again, and the outcome is sent to the notification channels.

Examples:
  qmoi-heal run --preset npm -- npm ci
  qmoi-heal run --name build --attempts 5 -- make build`,
	Args: minArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&flagRunName, "name", "", "Operation name (default: the command)")
	runCmd.Flags().StringVar(&flagRunDir, "dir", "", "Working directory (default: repo.dir)")
	runCmd.Flags().IntVar(&flagRunAttempts, "attempts", 0, "Max attempts (default: retry.max_attempts)")
	runCmd.Flags().StringVar(&flagRunPreset, "preset", "none", "Remediation preset: "+strings.Join(remediation.PresetNames(), ", ")+", none")
	runCmd.Flags().DurationVar(&flagRunTimeout, "timeout", runner.DefaultTimeout, "Timeout per attempt")
	runCmd.Flags().StringSliceVar(&flagRunCleanup, "cleanup", nil, "Paths (relative to --dir) removed between failed attempts")
	runCmd.Flags().BoolVar(&flagRunDryRun, "dry-run", false, "Report remediation strategies without applying them")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	dir := a.repoDir(flagRunDir)
	a.runner = runner.NewLocal(flagRunTimeout)

	strategies, err := remediation.Preset(flagRunPreset, a.runner, dir)
	if err != nil {
		return usageError(cmd, err)
	}
	policy, err := a.policy()
	if err != nil {
		return err
	}

	name := flagRunName
	if name == "" {
		name = strings.Join(args, " ")
	}
	op := retry.Operation{
		Name:        name,
		Action:      retry.Command(a.runner, dir, args[0], args[1:]...),
		MaxAttempts: attemptsOr(flagRunAttempts, a.cfg.Retry.MaxAttempts),
		Backoff:     policy,
		Cleanup:     cleanupPaths(dir, flagRunCleanup),
	}

	out, err := a.healer(dir, flagRunDryRun).Heal(cmd.Context(), op, strategies)
	printHealOutcome(cmd, out)
	return err
}

func attemptsOr(flag, cfg int) int {
	if flag > 0 {
		return flag
	}
	return cfg
}

func cleanupPaths(dir string, paths []string) func(ctx context.Context) error {
	if len(paths) == 0 {
		return nil
	}
	return func(ctx context.Context) error {
		var errs []error
		for _, p := range paths {
			if err := remediation.RemoveDir(filepath.Join(dir, p))(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}

func printHealOutcome(cmd *cobra.Command, out heal.Outcome) {
	w := cmd.OutOrStdout()
	status := "failed"
	switch {
	case out.Healed:
		status = "healed"
	case out.Succeeded:
		status = "succeeded"
	}
	fmt.Fprintf(w, "%s: %s (attempts %s)\n", out.Operation, status, out.Retry.Summary())
	if out.Remediation != nil {
		for _, r := range out.Remediation.Results {
			state := "failed"
			switch {
			case r.DryRun:
				state = "would apply"
			case r.Validated:
				state = "healed"
			}
			fmt.Fprintf(w, "  strategy %-22s %s\n", r.Name, state)
		}
		if out.Remediation.Skipped != "" {
			fmt.Fprintf(w, "  remediation skipped: %s\n", out.Remediation.Skipped)
		}
	}
	for _, p := range out.Reports {
		fmt.Fprintf(w, "  report: %s\n", p)
	}
}
