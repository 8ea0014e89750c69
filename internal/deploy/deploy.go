// Package deploy wraps cloud hosting CLIs with the retry executor.
package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/qmoi-io/qmoi-heal/internal/faults"
	"github.com/qmoi-io/qmoi-heal/internal/journal"
	"github.com/qmoi-io/qmoi-heal/internal/metrics"
	"github.com/qmoi-io/qmoi-heal/internal/retry"
	"github.com/qmoi-io/qmoi-heal/internal/runner"
)

// Platform is a deploy target driven by its own CLI.
type Platform struct {
	Name    string
	Command []string
	// TokenEnv names the variable the CLI reads its credentials from.
	TokenEnv string
	// Scratch is removed between failed attempts, relative to the project dir.
	Scratch []string
}

var platforms = map[string]Platform{
	"vercel": {
		Name:     "vercel",
		Command:  []string{"npx", "vercel", "--prod", "--yes"},
		TokenEnv: "VERCEL_TOKEN",
		Scratch:  []string{".vercel/output"},
	},
	"netlify": {
		Name:     "netlify",
		Command:  []string{"npx", "netlify", "deploy", "--prod"},
		TokenEnv: "NETLIFY_AUTH_TOKEN",
		Scratch:  []string{".netlify/functions-serve"},
	},
	"railway": {
		Name:     "railway",
		Command:  []string{"railway", "up", "--detach"},
		TokenEnv: "RAILWAY_TOKEN",
	},
	"fly": {
		Name:     "fly",
		Command:  []string{"flyctl", "deploy", "--remote-only"},
		TokenEnv: "FLY_API_TOKEN",
	},
}

// Platforms returns the supported platform names, sorted.
func Platforms() []string {
	names := make([]string, 0, len(platforms))
	for n := range platforms {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the named platform.
func Lookup(name string) (Platform, error) {
	p, ok := platforms[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Platform{}, faults.ConfigMissing("platform", fmt.Sprintf("unknown platform %q (supported: %s)", name, strings.Join(Platforms(), ", ")))
	}
	return p, nil
}

// Result is the outcome of one deploy.
type Result struct {
	Platform  string          `json:"platform"`
	Dir       string          `json:"dir"`
	URL       string          `json:"url,omitempty"`
	Succeeded bool            `json:"succeeded"`
	Attempts  []retry.Attempt `json:"attempts"`
	StartedAt time.Time       `json:"started_at"`
	Duration  time.Duration   `json:"duration_ns"`
	Error     string          `json:"error,omitempty"`
}

// Deployer runs platform CLIs.
type Deployer struct {
	r       runner.Runner
	exec    *retry.Executor
	journal journal.Recorder
	runID   string
	log     *slog.Logger
	getenv  func(string) string
}

// NewDeployer creates a Deployer. rec may be nil.
func NewDeployer(r runner.Runner, exec *retry.Executor, rec journal.Recorder, runID string) *Deployer {
	if rec == nil {
		rec = journal.Discard
	}
	return &Deployer{
		r:       r,
		exec:    exec,
		journal: rec,
		runID:   runID,
		log:     slog.Default().With("component", "deploy"),
		getenv:  os.Getenv,
	}
}

// Deploy runs the platform CLI in dir with up to maxAttempts tries.
func (d *Deployer) Deploy(ctx context.Context, p Platform, dir string, maxAttempts int, backoff retry.Policy) (Result, error) {
	start := time.Now()
	res := Result{Platform: p.Name, Dir: dir, StartedAt: start.UTC()}

	if p.TokenEnv != "" && d.getenv(p.TokenEnv) == "" {
		d.log.Warn("no token in environment, relying on CLI login", "platform", p.Name, "env", p.TokenEnv)
	}

	op := retry.Operation{
		Name:        "deploy-" + p.Name,
		Action:      retry.Command(d.r, dir, p.Command[0], p.Command[1:]...),
		MaxAttempts: maxAttempts,
		Backoff:     backoff,
	}
	if len(p.Scratch) > 0 {
		op.Cleanup = func(ctx context.Context) error {
			for _, s := range p.Scratch {
				if err := os.RemoveAll(filepath.Join(dir, s)); err != nil {
					return err
				}
			}
			return nil
		}
	}

	rr, err := d.exec.Run(ctx, op)
	res.Attempts = rr.Attempts
	res.Succeeded = rr.Succeeded
	res.Duration = time.Since(start)
	if n := len(rr.Attempts); n > 0 && rr.Succeeded {
		res.URL = DeployURL(rr.Attempts[n-1].Output)
	}
	if err != nil {
		res.Error = err.Error()
	}

	d.record(res)
	if err != nil {
		return res, fmt.Errorf("deploy to %s: %w", p.Name, err)
	}
	d.log.Info("deploy succeeded", "platform", p.Name, "url", res.URL, "attempts", len(res.Attempts))
	return res, nil
}

func (d *Deployer) record(res Result) {
	outcome := metrics.OutcomeSuccess
	if !res.Succeeded {
		outcome = metrics.OutcomeFailure
	}
	data := map[string]string{"dir": res.Dir, "attempts": fmt.Sprint(len(res.Attempts))}
	if res.URL != "" {
		data["url"] = res.URL
	}
	if err := d.journal.Record(journal.Entry{
		RunID:     d.runID,
		Event:     journal.EventDeploy,
		Operation: "deploy-" + res.Platform,
		Outcome:   outcome,
		Detail:    res.Error,
		Data:      data,
	}); err != nil {
		d.log.Warn("journal write failed", "error", err)
	}
}

var urlPattern = regexp.MustCompile(`https://[^\s"'<>]+`)

// DeployURL returns the last https URL printed by a deploy CLI, or "".
func DeployURL(output string) string {
	matches := urlPattern.FindAllString(output, -1)
	if len(matches) == 0 {
		return ""
	}
	return strings.TrimRight(matches[len(matches)-1], ".,)")
}
