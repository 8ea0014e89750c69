// qmoi-heal runs operational commands with retry, diagnostics and
// escalating remediation, keeps a git checkout in sync with its remote and
// reports what happened to the configured notification channels.
//
// Usage:
//
//	qmoi-heal run --preset npm -- npm ci     # self-healing command
//	qmoi-heal sync --apply                   # reconcile with the remote branch
//	qmoi-heal daemon --interval 10m          # periodic sync with /healthz
//	qmoi-heal install                        # systemd / launchd service
package main

import (
	"os"

	"github.com/qmoi-io/qmoi-heal/cmd"
)

var version = "dev"

func main() {
	os.Exit(cmd.Execute(version))
}
