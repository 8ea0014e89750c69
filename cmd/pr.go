package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/qmoi-io/qmoi-heal/internal/forge"
	"github.com/qmoi-io/qmoi-heal/internal/report"
	"github.com/qmoi-io/qmoi-heal/internal/retry"
)

var (
	flagPRHead  string
	flagPRBase  string
	flagPRTitle string
	flagPRBody  string
	flagPRDraft bool
)

var prCmd = &cobra.Command{
	Use:   "pr",
	Short: "Open a GitHub pull request, reusing an open one",
	Long: `Open a pull request from --head into --base in GITHUB_REPOSITORY. When an
open pull request for the same head already exists it is returned instead.
The result is written to reports/pr.json.

Requires GITHUB_TOKEN and GITHUB_REPOSITORY (owner/name).`,
	Args: exactArgs(0),
	RunE: runPR,
}

func init() {
	prCmd.Flags().StringVar(&flagPRHead, "head", "", "Source branch (required)")
	prCmd.Flags().StringVar(&flagPRBase, "base", "", "Target branch (default: repo.branch)")
	prCmd.Flags().StringVar(&flagPRTitle, "title", "", "Title (default: Merge <head> into <base>)")
	prCmd.Flags().StringVar(&flagPRBody, "body", "", "Description")
	prCmd.Flags().BoolVar(&flagPRDraft, "draft", false, "Open as draft")
	rootCmd.AddCommand(prCmd)
}

func runPR(cmd *cobra.Command, args []string) error {
	if flagPRHead == "" {
		return usageError(cmd, fmt.Errorf("--head is required"))
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.cfg.RequireGitHub(); err != nil {
		return err
	}
	gh, err := forge.NewGitHub(a.cfg.Forge.GitHubAPI, a.cfg.Forge.GitHubRepo, a.cfg.Forge.GitHubToken)
	if err != nil {
		return err
	}
	policy, err := a.policy()
	if err != nil {
		return err
	}

	base := flagPRBase
	if base == "" {
		base = a.cfg.Repo.Branch
	}
	req := forge.PRRequest{Head: flagPRHead, Base: base, Title: flagPRTitle, Body: flagPRBody, Draft: flagPRDraft}

	var pr forge.PullRequest
	_, err = a.executor().Run(cmd.Context(), retry.Operation{
		Name: "create-pr",
		Action: func(ctx context.Context) (string, error) {
			var err error
			pr, err = gh.EnsurePR(ctx, req)
			return pr.URL, err
		},
		MaxAttempts: a.cfg.Retry.MaxAttempts,
		Backoff:     policy,
	})
	if err != nil {
		a.notifyFailure(cmd.Context(), fmt.Sprintf("pull request %s -> %s failed", req.Head, req.Base), err)
		return err
	}

	if _, werr := report.Write(a.cfg.Paths.ReportDir, "pr", pr); werr != nil {
		a.log.Warn("pr report not written", "error", werr)
	}
	verb := "Created"
	if pr.Reused {
		verb = "Reusing open"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s pull request #%d: %s\n", verb, pr.Number, pr.URL)
	return nil
}
