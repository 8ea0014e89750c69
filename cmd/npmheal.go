package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/qmoi-io/qmoi-heal/internal/faults"
	"github.com/qmoi-io/qmoi-heal/internal/remediation"
	"github.com/qmoi-io/qmoi-heal/internal/retry"
	"github.com/qmoi-io/qmoi-heal/internal/runner"
)

// npmTimeout bounds one install attempt.
const npmTimeout = 10 * time.Minute

var (
	flagNPMDir      string
	flagNPMAttempts int
	flagNPMDryRun   bool
)

var npmHealCmd = &cobra.Command{
	Use:   "npm-heal",
	Short: "Install npm dependencies, escalating through repair strategies",
	Long: `Install npm dependencies with retry. node_modules is removed between failed
attempts. When every attempt fails the npm strategy chain runs in order:
clear-npm-cache, legacy-peer-deps, reinstall and atomic-reinstall. The
atomic reinstall builds node_modules in a temporary directory and only
replaces the live one once the install succeeded.`,
	Args: exactArgs(0),
	RunE: runNPMHeal,
}

func init() {
	npmHealCmd.Flags().StringVar(&flagNPMDir, "dir", "", "Project directory containing package.json (default: repo.dir)")
	npmHealCmd.Flags().IntVar(&flagNPMAttempts, "attempts", 0, "Max attempts (default: retry.max_attempts)")
	npmHealCmd.Flags().BoolVar(&flagNPMDryRun, "dry-run", false, "Report remediation strategies without applying them")
	rootCmd.AddCommand(npmHealCmd)
}

func runNPMHeal(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	dir := a.repoDir(flagNPMDir)
	if _, err := os.Stat(filepath.Join(dir, "package.json")); err != nil {
		return faults.ConfigMissing("package.json", "no package.json in "+dir)
	}
	a.runner = runner.NewLocal(npmTimeout)

	policy, err := a.policy()
	if err != nil {
		return err
	}
	installArgs := remediation.NPMInstallArgs(dir)
	op := retry.Operation{
		Name:        "npm " + strings.Join(installArgs, " "),
		Action:      retry.Command(a.runner, dir, "npm", installArgs...),
		MaxAttempts: attemptsOr(flagNPMAttempts, a.cfg.Retry.MaxAttempts),
		Backoff:     policy,
		Cleanup:     remediation.RemoveDir(filepath.Join(dir, "node_modules")),
	}

	out, err := a.healer(dir, flagNPMDryRun).Heal(cmd.Context(), op, remediation.NPM(a.runner, dir))
	printHealOutcome(cmd, out)
	return err
}
