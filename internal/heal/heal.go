// Package heal composes the retry executor, diagnostic collector,
// remediation chain and notification sink into one self-heal run.
package heal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/qmoi-io/qmoi-heal/internal/diagnostics"
	"github.com/qmoi-io/qmoi-heal/internal/journal"
	"github.com/qmoi-io/qmoi-heal/internal/metrics"
	"github.com/qmoi-io/qmoi-heal/internal/notify"
	"github.com/qmoi-io/qmoi-heal/internal/remediation"
	"github.com/qmoi-io/qmoi-heal/internal/report"
	"github.com/qmoi-io/qmoi-heal/internal/retry"
)

// Options wires a Healer. Collector, Remediator, Dispatcher and Journal may be nil.
type Options struct {
	Executor   *retry.Executor
	Collector  *diagnostics.Collector
	Remediator *remediation.Remediator
	Dispatcher *notify.Dispatcher
	Journal    journal.Recorder
	RunID      string
	// ReportDir receives heal-, diagnostics- and remediation- reports when set.
	ReportDir string
}

// Healer runs operations through the full self-heal cycle.
type Healer struct {
	opts Options
	log  *slog.Logger
}

// Outcome is the result of one Heal call.
type Outcome struct {
	RunID       string                `json:"run_id"`
	Operation   string                `json:"operation"`
	StartedAt   time.Time             `json:"started_at"`
	Duration    time.Duration         `json:"duration_ns"`
	Succeeded   bool                  `json:"succeeded"`
	Healed      bool                  `json:"healed"`
	Retry       retry.Result          `json:"retry"`
	Snapshot    *diagnostics.Snapshot `json:"snapshot,omitempty"`
	Remediation *remediation.Outcome  `json:"remediation,omitempty"`
	Delivery    *notify.Delivery      `json:"delivery,omitempty"`
	Reports     []string              `json:"reports,omitempty"`
	Error       string                `json:"error,omitempty"`
}

// New creates a Healer.
func New(opts Options) *Healer {
	if opts.Journal == nil {
		opts.Journal = journal.Discard
	}
	return &Healer{opts: opts, log: slog.Default().With("component", "heal", "run_id", opts.RunID)}
}

// Heal runs op. When every attempt fails transiently it captures a diagnostic
// snapshot, runs strategies with op.Action as the validation step and notifies
// the terminal outcome. Errors that stop retrying early (missing configuration,
// conflicts, cancellation) skip remediation.
func (h *Healer) Heal(ctx context.Context, op retry.Operation, strategies []remediation.Strategy) (Outcome, error) {
	out := Outcome{RunID: h.opts.RunID, Operation: op.Name, StartedAt: time.Now().UTC()}

	res, err := h.opts.Executor.Run(ctx, op)
	out.Retry = res
	if err == nil {
		out.Succeeded = true
		if len(res.Attempts) > 1 {
			h.notify(ctx, &out, notify.SeverityInfo, fmt.Sprintf("%s succeeded after %d attempts", op.Name, len(res.Attempts)), res.Summary())
		}
		h.finish(&out, nil)
		return out, nil
	}

	if !retry.IsExhausted(err) {
		h.log.Error("operation failed without remediation", "operation", op.Name, "error", err)
		if ctx.Err() == nil {
			h.notify(ctx, &out, notify.SeverityError, op.Name+" failed", err.Error())
		}
		h.finish(&out, err)
		return out, err
	}

	snap := h.snapshot(ctx, op.Name)
	out.Snapshot = snap

	if h.opts.Remediator == nil {
		h.notify(ctx, &out, notify.SeverityError, op.Name+" failed", failureBody(err, snap, nil))
		h.finish(&out, err)
		return out, err
	}

	chain := remediation.Chain{
		Operation:  op.Name,
		Strategies: strategies,
		Validate: func(ctx context.Context) error {
			_, err := op.Action(ctx)
			return err
		},
	}
	rem, remErr := h.opts.Remediator.Run(ctx, chain)
	out.Remediation = &rem
	if h.opts.ReportDir != "" && len(rem.Results) > 0 {
		if path, werr := remediation.WriteReport(h.opts.ReportDir, rem); werr != nil {
			h.log.Warn("remediation report not written", "error", werr)
		} else {
			out.Reports = append(out.Reports, path)
		}
	}

	if remErr == nil && rem.Healed {
		out.Succeeded = true
		out.Healed = true
		h.notify(ctx, &out, notify.SeverityWarning, fmt.Sprintf("%s healed by %s", op.Name, rem.HealedBy), failureBody(err, snap, &rem))
		h.finish(&out, nil)
		return out, nil
	}
	if remErr == nil {
		// Dry run: nothing was applied.
		h.notify(ctx, &out, notify.SeverityWarning, op.Name+" failed (dry run)", failureBody(err, snap, &rem))
		h.finish(&out, err)
		return out, err
	}

	final := errors.Join(err, remErr)
	h.notify(ctx, &out, notify.SeverityError, op.Name+" failed", failureBody(err, snap, &rem))
	h.finish(&out, final)
	return out, final
}

func (h *Healer) snapshot(ctx context.Context, op string) *diagnostics.Snapshot {
	if h.opts.Collector == nil {
		return nil
	}
	snap := h.opts.Collector.Collect(ctx)
	if err := h.opts.Journal.Record(journal.Entry{
		Timestamp: snap.TakenAt().UTC(),
		RunID:     h.opts.RunID,
		Event:     journal.EventSnapshot,
		Operation: op,
		Outcome:   metrics.OutcomeFailure,
		Data:      snap.Values(),
	}); err != nil {
		h.log.Warn("journal write failed", "error", err)
	}
	return &snap
}

func (h *Healer) notify(ctx context.Context, out *Outcome, sev notify.Severity, subject, body string) {
	if h.opts.Dispatcher == nil {
		return
	}
	d := h.opts.Dispatcher.Dispatch(ctx, notify.Message{
		Severity: sev,
		Subject:  subject,
		Body:     body,
		Fields:   map[string]string{"run_id": h.opts.RunID, "operation": out.Operation},
	})
	out.Delivery = &d
}

func (h *Healer) finish(out *Outcome, err error) {
	out.Duration = time.Since(out.StartedAt)
	if err != nil {
		out.Error = err.Error()
	}
	if h.opts.ReportDir == "" {
		return
	}
	if out.Snapshot != nil {
		if path, werr := report.Write(h.opts.ReportDir, "diagnostics-"+out.Operation, out.Snapshot); werr == nil {
			out.Reports = append(out.Reports, path)
		}
	}
	path, werr := report.Write(h.opts.ReportDir, "heal-"+out.Operation, out)
	if werr != nil {
		h.log.Warn("heal report not written", "error", werr)
		return
	}
	out.Reports = append(out.Reports, path)
}

func failureBody(err error, snap *diagnostics.Snapshot, rem *remediation.Outcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "error: %v\n", err)
	if snap != nil {
		for _, name := range snap.Names() {
			v, _ := snap.Get(name)
			fmt.Fprintf(&b, "%s: %s\n", name, v)
		}
	}
	if rem != nil {
		for _, r := range rem.Results {
			status := "failed"
			switch {
			case r.DryRun:
				status = "dry-run"
			case r.Validated:
				status = "healed"
			}
			fmt.Fprintf(&b, "strategy %s: %s", r.Name, status)
			if r.Error != "" {
				fmt.Fprintf(&b, " (%s)", r.Error)
			}
			b.WriteByte('\n')
		}
		if rem.Skipped != "" {
			fmt.Fprintf(&b, "remediation skipped: %s\n", rem.Skipped)
		}
	}
	return strings.TrimSpace(b.String())
}
