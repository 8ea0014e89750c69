package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/qmoi-io/qmoi-heal/internal/install"
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install qmoi-heal as a system service",
	Long: `Install qmoi-heal as a systemd service (Linux) or launchd daemon (macOS).

This command:
  1. Writes the effective configuration (without credentials) to --config
  2. Creates and enables a system service running 'qmoi-heal daemon'
  3. Starts the service immediately

Credentials (GITHUB_TOKEN, GITLAB_TOKEN, SMTP_PASSWORD, QMOI_WEBHOOK_SIGNING_KEY)
belong in qmoi-heal.env next to the config file; the systemd unit loads it.`,
	Args: exactArgs(0),
	RunE: runInstall,
}

func init() {
	rootCmd.AddCommand(installCmd)
}

func runInstall(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	inst, err := install.New(a.runner)
	if err != nil {
		return err
	}
	inst.ConfigFile = configPath()
	a.cfg.Repo.Dir = a.repoDir("")

	fmt.Fprintln(cmd.OutOrStdout(), "Installing qmoi-heal...")
	if err := inst.Install(cmd.Context(), a.cfg); err != nil {
		return fmt.Errorf("install failed: %w", err)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintln(w, "qmoi-heal installed and running.")
	fmt.Fprintf(w, "  Config:  %s\n", inst.ConfigFile)
	fmt.Fprintf(w, "  Repo:    %s\n", a.cfg.Repo.Dir)
	fmt.Fprintf(w, "  Service: %s\n", inst.Status(cmd.Context()).UnitPath)
	fmt.Fprintln(w, "\nCheck status with: qmoi-heal status")
	return nil
}
