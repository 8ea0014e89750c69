package remediation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/qmoi-io/qmoi-heal/internal/faults"
	"github.com/qmoi-io/qmoi-heal/internal/journal"
	"github.com/qmoi-io/qmoi-heal/internal/metrics"
)

// Remediator runs strategy chains with rate limiting and optional dry-run.
type Remediator struct {
	circuitBreaker *CircuitBreaker
	dryRun         bool
	journal        journal.Recorder
	runID          string
	log            *slog.Logger
}

// NewRemediator creates a new remediator. cb and rec may be nil.
func NewRemediator(cb *CircuitBreaker, dryRun bool, rec journal.Recorder, runID string) *Remediator {
	if rec == nil {
		rec = journal.Discard
	}
	return &Remediator{
		circuitBreaker: cb,
		dryRun:         dryRun,
		journal:        rec,
		runID:          runID,
		log:            slog.Default().With("component", "remediator"),
	}
}

// Run tries each strategy in order and stops at the first one after which
// Validate passes. An empty chain, a tripped breaker or a chain in which every
// strategy failed returns an error matching faults.ErrNoRemediation.
func (r *Remediator) Run(ctx context.Context, chain Chain) (Outcome, error) {
	out := Outcome{
		Operation: chain.Operation,
		RunID:     r.runID,
		StartedAt: time.Now().UTC(),
		DryRun:    r.dryRun,
	}

	if len(chain.Strategies) == 0 {
		out.Skipped = "no strategies"
		return out, faults.NoRemediation(chain.Operation, "strategy chain is empty")
	}
	if r.circuitBreaker != nil {
		if r.circuitBreaker.IsOpen() {
			r.log.Warn("circuit breaker open, skipping remediation", "operation", chain.Operation)
			out.Skipped = "circuit breaker open"
			return out, faults.NoRemediation(chain.Operation, "circuit breaker open")
		}
		if r.circuitBreaker.IsOnCooldown(chain.Operation) {
			r.log.Info("operation on cooldown, skipping remediation", "operation", chain.Operation)
			out.Skipped = "cooldown"
			return out, faults.NoRemediation(chain.Operation, "remediated recently, on cooldown")
		}
	}

	if r.dryRun {
		for _, s := range chain.Strategies {
			r.log.Info("[DRY RUN] would apply", "operation", chain.Operation, "strategy", s.Name)
			out.Results = append(out.Results, StrategyResult{Name: s.Name, DryRun: true})
		}
		return out, nil
	}

	var lastErr error
	for _, s := range chain.Strategies {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res := r.apply(ctx, chain, s)
		out.Results = append(out.Results, res)
		r.record(chain.Operation, res)

		if res.Validated {
			out.Healed = true
			out.HealedBy = s.Name
			if r.circuitBreaker != nil {
				r.circuitBreaker.Record(chain.Operation)
			}
			r.log.Info("remediated", "operation", chain.Operation, "strategy", s.Name)
			return out, nil
		}
		lastErr = res.Err
	}

	if r.circuitBreaker != nil {
		r.circuitBreaker.Record(chain.Operation)
	}
	r.log.Error("all remediation strategies failed", "operation", chain.Operation, "tried", len(out.Results))
	return out, &faults.Error{
		Kind:   faults.KindNoRemediation,
		Op:     chain.Operation,
		Detail: fmt.Sprintf("all %d strategies failed", len(out.Results)),
		Err:    lastErr,
	}
}

func (r *Remediator) apply(ctx context.Context, chain Chain, s Strategy) StrategyResult {
	res := StrategyResult{Name: s.Name}
	start := time.Now()

	r.log.Info("applying strategy", "operation", chain.Operation, "strategy", s.Name)
	if err := s.Apply(ctx); err != nil {
		res.Err = fmt.Errorf("apply %s: %w", s.Name, err)
		res.Error = res.Err.Error()
		r.log.Warn("strategy failed", "strategy", s.Name, "error", err)
		metrics.RemediationsTotal.WithLabelValues(chain.Operation, s.Name, metrics.OutcomeFailure).Inc()
		res.Duration = time.Since(start)
		return res
	}
	res.Applied = true

	if chain.Validate != nil {
		if err := chain.Validate(ctx); err != nil {
			res.Err = fmt.Errorf("validate after %s: %w", s.Name, err)
			res.Error = res.Err.Error()
			r.log.Warn("operation still failing after strategy", "strategy", s.Name, "error", err)
			metrics.RemediationsTotal.WithLabelValues(chain.Operation, s.Name, metrics.OutcomeFailure).Inc()
			res.Duration = time.Since(start)
			return res
		}
	}
	res.Validated = true
	metrics.RemediationsTotal.WithLabelValues(chain.Operation, s.Name, metrics.OutcomeSuccess).Inc()
	res.Duration = time.Since(start)
	return res
}

func (r *Remediator) record(operation string, res StrategyResult) {
	outcome := metrics.OutcomeFailure
	if res.Validated {
		outcome = metrics.OutcomeSuccess
	}
	if err := r.journal.Record(journal.Entry{
		RunID:     r.runID,
		Event:     journal.EventRemediation,
		Operation: operation,
		Outcome:   outcome,
		Detail:    res.Error,
		Data: map[string]string{
			"strategy": res.Name,
			"applied":  fmt.Sprint(res.Applied),
			"duration": res.Duration.String(),
		},
	}); err != nil {
		r.log.Warn("journal write failed", "error", err)
	}
}
