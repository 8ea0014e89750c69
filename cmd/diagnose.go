package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/qmoi-io/qmoi-heal/internal/journal"
	"github.com/qmoi-io/qmoi-heal/internal/metrics"
	"github.com/qmoi-io/qmoi-heal/internal/report"
)

var (
	flagDiagnoseOut string
	flagDiagnoseDir string
)

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Capture a diagnostic snapshot of this host",
	Long: `Run every diagnostic probe concurrently (disk, memory, load, tool versions,
network reachability, Go runtime) and print the results. A probe that fails
or times out reports "unavailable"; the snapshot itself never fails.

The snapshot is journaled and written to reports/diagnostics.json, or to
--out when given.`,
	Args: exactArgs(0),
	RunE: runDiagnose,
}

func init() {
	diagnoseCmd.Flags().StringVar(&flagDiagnoseOut, "out", "", "Write the snapshot JSON to this file")
	diagnoseCmd.Flags().StringVar(&flagDiagnoseDir, "dir", "", "Directory whose filesystem is probed (default: repo.dir)")
	rootCmd.AddCommand(diagnoseCmd)
}

func runDiagnose(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	snap := a.collector(a.repoDir(flagDiagnoseDir)).Collect(cmd.Context())
	if err := a.journal.Record(journal.Entry{
		Timestamp: snap.TakenAt().UTC(),
		RunID:     a.runID,
		Event:     journal.EventSnapshot,
		Operation: "diagnose",
		Outcome:   metrics.OutcomeSuccess,
		Data:      snap.Values(),
	}); err != nil {
		a.log.Warn("journal write failed", "error", err)
	}

	dir, name := a.cfg.Paths.ReportDir, "diagnostics"
	if flagDiagnoseOut != "" {
		dir = filepath.Dir(flagDiagnoseOut)
		name = strings.TrimSuffix(filepath.Base(flagDiagnoseOut), ".json")
	}
	path, err := report.Write(dir, name, snap)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Snapshot taken at %s\n", snap.TakenAt().UTC().Format("2006-01-02 15:04:05 UTC"))
	for _, probe := range snap.Names() {
		v, _ := snap.Get(probe)
		fmt.Fprintf(w, "  %-18s %s\n", probe, v)
	}
	if degraded := snap.Degraded(); len(degraded) > 0 {
		fmt.Fprintf(w, "Unavailable: %s\n", strings.Join(degraded, ", "))
	}
	fmt.Fprintf(w, "Written to %s\n", path)
	return nil
}
