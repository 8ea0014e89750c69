package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/qmoi-io/qmoi-heal/internal/gitsync"
	"github.com/qmoi-io/qmoi-heal/internal/install"
	"github.com/qmoi-io/qmoi-heal/internal/journal"
	"github.com/qmoi-io/qmoi-heal/internal/report"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show service, journal and last sync status",
	Long: `Display the state of the qmoi-heal service, verify the journal's hash
chain and summarise the last sync report.

Exits 1 when the service is not running or the journal chain is broken.`,
	Args: exactArgs(0),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

var (
	okColor   = color.New(color.FgGreen).SprintFunc()
	badColor  = color.New(color.FgRed, color.Bold).SprintFunc()
	warnColor = color.New(color.FgYellow).SprintFunc()
)

func runStatus(cmd *cobra.Command, args []string) error {
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
	s := inst.Status(cmd.Context())

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Platform:   %s\n", s.Platform)
	fmt.Fprintf(w, "Binary:     %s\n", valueOrNA(s.BinaryPath))
	fmt.Fprintf(w, "Config:     %s\n", s.ConfigPath)
	fmt.Fprintf(w, "Service:    %s\n", valueOrNA(s.UnitPath))
	fmt.Fprintf(w, "Installed:  %s\n", boolStatus(s.Installed))
	fmt.Fprintf(w, "Running:    %s\n", boolStatus(s.Running))

	chainOK := printJournalStatus(w, filepath.Join(a.cfg.Paths.LogDir, journal.FileName))
	printSyncStatus(w, a.cfg.Paths.ReportDir)

	fmt.Fprintf(w, "\nVersion:    %s\n", rootCmd.Version)

	// Exit code 1 if not running or the journal was tampered with (useful for scripts)
	if !s.Running || !chainOK {
		return &exitError{code: 1}
	}
	return nil
}

func printJournalStatus(w io.Writer, path string) bool {
	n, err := journal.Verify(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		fmt.Fprintf(w, "Journal:    %s\n", warnColor("none yet"))
		return true
	case err != nil:
		fmt.Fprintf(w, "Journal:    %s (%d entries verified: %v)\n", badColor("BROKEN"), n, err)
		return false
	default:
		fmt.Fprintf(w, "Journal:    %s (%d entries)\n", okColor("intact"), n)
		return true
	}
}

func printSyncStatus(w io.Writer, reportDir string) {
	var res gitsync.Result
	if err := report.Read(reportDir, "sync", &res); err != nil {
		fmt.Fprintf(w, "Last sync:  %s\n", warnColor("n/a"))
		return
	}
	state := okColor(string(res.State))
	switch {
	case res.Error != "":
		state = badColor(string(res.State) + " (failed)")
	case res.State == gitsync.Diverged || res.State == gitsync.Behind:
		state = warnColor(string(res.State))
	}
	fmt.Fprintf(w, "Last sync:  %s at %s (%s ago)\n", state, res.StartedAt.Local().Format(time.DateTime), time.Since(res.StartedAt).Round(time.Second))
	if res.BackupBranch != "" {
		fmt.Fprintf(w, "Backup:     %s\n", res.BackupBranch)
	}
	if res.Error != "" {
		fmt.Fprintf(w, "Error:      %s\n", res.Error)
	}
}

func boolStatus(b bool) string {
	if b {
		return okColor("yes")
	}
	return badColor("no")
}

func valueOrNA(s string) string {
	if s == "" {
		return "n/a"
	}
	return s
}
