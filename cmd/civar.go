package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/qmoi-io/qmoi-heal/internal/forge"
	"github.com/qmoi-io/qmoi-heal/internal/retry"
)

var (
	flagCIVarKey       string
	flagCIVarValue     string
	flagCIVarMasked    bool
	flagCIVarProtected bool
	flagCIVarScope     string
	flagCIVarFile      bool
)

var ciVarCmd = &cobra.Command{
	Use:   "ci-var",
	Short: "Create or update a GitLab CI/CD variable",
	Long: `Set a project-level CI/CD variable. The variable is updated in place and
created when the project does not have it yet.

Requires GITLAB_TOKEN and GITLAB_PROJECT_ID; GITLAB_URL defaults to https://gitlab.com.`,
	Args: exactArgs(0),
	RunE: runCIVar,
}

func init() {
	ciVarCmd.Flags().StringVar(&flagCIVarKey, "key", "", "Variable key (required)")
	ciVarCmd.Flags().StringVar(&flagCIVarValue, "value", "", "Variable value")
	ciVarCmd.Flags().BoolVar(&flagCIVarMasked, "masked", false, "Mask the value in job logs")
	ciVarCmd.Flags().BoolVar(&flagCIVarProtected, "protected", false, "Expose only to protected branches and tags")
	ciVarCmd.Flags().StringVar(&flagCIVarScope, "scope", "", "Environment scope (default: *)")
	ciVarCmd.Flags().BoolVar(&flagCIVarFile, "file", false, "Store as a file-type variable")
	rootCmd.AddCommand(ciVarCmd)
}

func runCIVar(cmd *cobra.Command, args []string) error {
	if flagCIVarKey == "" {
		return usageError(cmd, fmt.Errorf("--key is required"))
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.cfg.RequireGitLab(); err != nil {
		return err
	}
	gl, err := forge.NewGitLab(a.cfg.Forge.GitLabURL, a.cfg.Forge.GitLabProjectID, a.cfg.Forge.GitLabToken)
	if err != nil {
		return err
	}
	policy, err := a.policy()
	if err != nil {
		return err
	}

	v := forge.Variable{
		Key:              flagCIVarKey,
		Value:            flagCIVarValue,
		Masked:           flagCIVarMasked,
		Protected:        flagCIVarProtected,
		EnvironmentScope: flagCIVarScope,
		VariableType:     "env_var",
	}
	if flagCIVarFile {
		v.VariableType = "file"
	}

	var action string
	_, err = a.executor().Run(cmd.Context(), retry.Operation{
		Name: "ci-var",
		Action: func(ctx context.Context) (string, error) {
			var err error
			action, err = gl.UpsertVariable(ctx, v)
			return action, err
		},
		MaxAttempts: a.cfg.Retry.MaxAttempts,
		Backoff:     policy,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Variable %s %s\n", v.Key, action)
	return nil
}
