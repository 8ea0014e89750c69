package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/qmoi-io/qmoi-heal/internal/faults"
	"github.com/qmoi-io/qmoi-heal/internal/gitsync"
	"github.com/qmoi-io/qmoi-heal/internal/notify"
	"github.com/qmoi-io/qmoi-heal/internal/report"
)

var (
	flagSyncApply      bool
	flagSyncForce      bool
	flagSyncRemote     string
	flagSyncBranch     string
	flagSyncDir        string
	flagSyncAutoCommit bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Bring the checkout in line with its remote branch",
	Long: `Fetch the remote branch and classify the checkout as UpToDate, Behind,
Ahead or Diverged.

Without --apply only the state is printed and reports/sync.json written.
With --apply:
  Behind    local changes are stashed, the remote is rebased onto (falling
            back to a merge preferring the remote side) and the stash restored
  Ahead     local commits are pushed
  Diverged  a qmoi-sync-backup/ branch is created and the remote merged into
            it in a separate worktree; the checked-out branch is not touched

With --auto-commit, configured fixers run and files under the allow-list are
committed and pushed. --force pushes with a lease on the fetched remote head
and requires repo.allow_force.`,
	Args: exactArgs(0),
	RunE: runSync,
}

func init() {
	syncCmd.Flags().BoolVar(&flagSyncApply, "apply", false, "Integrate, commit and push (default: inspect only)")
	syncCmd.Flags().BoolVar(&flagSyncForce, "force", false, "Force push with --force-with-lease (requires repo.allow_force)")
	syncCmd.Flags().StringVar(&flagSyncRemote, "remote", "", "Remote name (default: repo.remote)")
	syncCmd.Flags().StringVar(&flagSyncBranch, "branch", "", "Branch name (default: repo.branch)")
	syncCmd.Flags().StringVar(&flagSyncDir, "dir", "", "Repository directory (default: repo.dir)")
	syncCmd.Flags().BoolVar(&flagSyncAutoCommit, "auto-commit", false, "Run fixers and commit allow-listed changes (default: repo.auto_commit)")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if flagSyncForce && !a.cfg.Repo.AllowForce {
		return faults.ConfigMissing("QMOI_ALLOW_FORCE", "--force requires repo.allow_force to be enabled")
	}
	opts := a.syncOptions(flagSyncApply)
	opts.Force = flagSyncForce
	if flagSyncRemote != "" {
		opts.Remote = flagSyncRemote
	}
	if flagSyncBranch != "" {
		opts.Branch = flagSyncBranch
	}
	if cmd.Flags().Changed("auto-commit") {
		opts.AutoCommit = flagSyncAutoCommit
	}

	res, err := a.runSync(cmd.Context(), a.repoDir(flagSyncDir), opts)
	printSyncResult(cmd, res)
	return err
}

func (a *app) syncOptions(apply bool) gitsync.Options {
	return gitsync.Options{
		Remote:      a.cfg.Repo.Remote,
		Branch:      a.cfg.Repo.Branch,
		Apply:       apply,
		AutoCommit:  a.cfg.Repo.AutoCommit,
		AllowPaths:  a.cfg.Repo.AllowPaths,
		ConfigFiles: a.cfg.Repo.ConfigFiles,
		Fixers:      a.cfg.Repo.Fixers,
	}
}

// runSync runs one sync, writes reports/sync.json and notifies on conflicts
// and failures.
func (a *app) runSync(ctx context.Context, dir string, opts gitsync.Options) (gitsync.Result, error) {
	res, err := gitsync.NewSyncer(a.runner, dir, opts, a.journal, a.runID).Run(ctx)
	if path, werr := report.Write(a.cfg.Paths.ReportDir, "sync", res); werr != nil {
		a.log.Warn("sync report not written", "error", werr)
	} else {
		a.log.Debug("sync report written", "path", path)
	}
	if err == nil || errors.Is(err, context.Canceled) {
		return res, err
	}

	msg := notify.Message{
		Severity: notify.SeverityError,
		Subject:  fmt.Sprintf("sync %s/%s failed (%s)", opts.Remote, opts.Branch, res.State),
		Body:     err.Error(),
		Fields:   map[string]string{"run_id": a.runID, "state": string(res.State)},
	}
	if errors.Is(err, faults.ErrConflict) {
		msg.Subject = fmt.Sprintf("sync %s/%s needs manual resolution", opts.Remote, opts.Branch)
		if res.BackupBranch != "" {
			msg.Fields["backup_branch"] = res.BackupBranch
		}
	}
	a.dispatcher().Dispatch(context.WithoutCancel(ctx), msg)
	return res, err
}

func printSyncResult(cmd *cobra.Command, res gitsync.Result) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "State:   %s\n", res.State)
	fmt.Fprintf(w, "Local:   %s\n", short(res.LocalHead))
	fmt.Fprintf(w, "Remote:  %s/%s %s\n", res.Remote, res.Branch, short(res.RemoteHead))
	if res.MergeBase != "" {
		fmt.Fprintf(w, "Base:    %s\n", short(res.MergeBase))
	}
	if res.BackupBranch != "" {
		fmt.Fprintf(w, "Backup:  %s\n", res.BackupBranch)
	}
	if !res.Applied {
		fmt.Fprintln(w, "(inspect only; use --apply to integrate and push)")
		return
	}
	for _, action := range res.Actions {
		fmt.Fprintf(w, "  - %s\n", action)
	}
	fmt.Fprintf(w, "Committed: %s  Pushed: %s\n", boolStatus(res.Committed), boolStatus(res.Pushed))
}

func short(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	if sha == "" {
		return "n/a"
	}
	return sha
}
