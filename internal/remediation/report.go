package remediation

import (
	"log/slog"

	"github.com/qmoi-io/qmoi-heal/internal/report"
)

// WriteReport stores o as reports/remediation-<operation>.json.
func WriteReport(dir string, o Outcome) (string, error) {
	path, err := report.Write(dir, "remediation-"+o.Operation, o)
	if err != nil {
		return "", err
	}
	slog.Debug("remediation report written", "path", path, "healed", o.Healed)
	return path, nil
}
