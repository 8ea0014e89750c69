package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/qmoi-io/qmoi-heal/internal/deploy"
	"github.com/qmoi-io/qmoi-heal/internal/report"
	"github.com/qmoi-io/qmoi-heal/internal/runner"
)

var (
	flagDeployPlatform string
	flagDeployDir      string
	flagDeployAttempts int
	flagDeployTimeout  time.Duration
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Deploy through a cloud hosting CLI with retry",
	Long: `Run the platform's deploy CLI in the project directory, retrying failed
attempts with the configured backoff. Supported platforms: ` + strings.Join(deploy.Platforms(), ", ") + `.

Credentials are read by the CLIs themselves (VERCEL_TOKEN, NETLIFY_AUTH_TOKEN,
RAILWAY_TOKEN, FLY_API_TOKEN). The result, including the deployment URL when
the CLI prints one, is written to reports/deploy-<platform>.json.`,
	Args: exactArgs(0),
	RunE: runDeploy,
}

func init() {
	deployCmd.Flags().StringVar(&flagDeployPlatform, "platform", "", "Platform: "+strings.Join(deploy.Platforms(), ", "))
	deployCmd.Flags().StringVar(&flagDeployDir, "dir", "", "Project directory (default: repo.dir)")
	deployCmd.Flags().IntVar(&flagDeployAttempts, "attempts", 0, "Max attempts (default: retry.max_attempts)")
	deployCmd.Flags().DurationVar(&flagDeployTimeout, "timeout", 15*time.Minute, "Timeout per attempt")
	rootCmd.AddCommand(deployCmd)
}

func runDeploy(cmd *cobra.Command, args []string) error {
	platform, err := deploy.Lookup(flagDeployPlatform)
	if err != nil {
		return err
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	policy, err := a.policy()
	if err != nil {
		return err
	}
	a.runner = runner.NewLocal(flagDeployTimeout)
	dir := a.repoDir(flagDeployDir)

	res, err := deploy.NewDeployer(a.runner, a.executor(), a.journal, a.runID).
		Deploy(cmd.Context(), platform, dir, attemptsOr(flagDeployAttempts, a.cfg.Retry.MaxAttempts), policy)
	if path, werr := report.Write(a.cfg.Paths.ReportDir, "deploy-"+platform.Name, res); werr != nil {
		a.log.Warn("deploy report not written", "error", werr)
	} else {
		a.log.Debug("deploy report written", "path", path)
	}

	w := cmd.OutOrStdout()
	if err != nil {
		fmt.Fprintf(w, "Deploy to %s failed after %d attempt(s)\n", platform.Name, len(res.Attempts))
		a.notifyFailure(cmd.Context(), "deploy to "+platform.Name+" failed", err)
		return err
	}
	fmt.Fprintf(w, "Deployed to %s in %d attempt(s)\n", platform.Name, len(res.Attempts))
	if res.URL != "" {
		fmt.Fprintf(w, "URL: %s\n", res.URL)
	}
	return nil
}
