package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/qmoi-io/qmoi-heal/internal/install"
	"github.com/qmoi-io/qmoi-heal/internal/logging"
	"github.com/qmoi-io/qmoi-heal/internal/runner"
)

var flagPurge bool

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the qmoi-heal system service",
	Long: `Stop and remove the qmoi-heal system service.

By default, the config directory is preserved.
Use --purge to also remove it.`,
	Args: exactArgs(0),
	RunE: runUninstall,
}

func init() {
	uninstallCmd.Flags().BoolVar(&flagPurge, "purge", false, "Also remove config files")
	rootCmd.AddCommand(uninstallCmd)
}

func runUninstall(cmd *cobra.Command, args []string) error {
	logging.Setup(flagLogLevel, flagLogFormat)

	inst, err := install.New(runner.NewLocal(runner.DefaultTimeout))
	if err != nil {
		return err
	}
	inst.ConfigFile = configPath()

	if err := inst.Uninstall(cmd.Context(), flagPurge); err != nil {
		return fmt.Errorf("uninstall failed: %w", err)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintln(w, "qmoi-heal service removed.")
	if flagPurge {
		fmt.Fprintln(w, "Config files purged.")
	} else {
		fmt.Fprintf(w, "Config preserved at %s (use --purge to remove)\n", filepath.Dir(inst.ConfigFile))
	}
	return nil
}
