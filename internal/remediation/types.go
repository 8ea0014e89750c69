package remediation

import (
	"context"
	"time"
)

// Strategy is a named repair action. Apply should be idempotent.
type Strategy struct {
	Name  string
	Apply func(ctx context.Context) error
}

// Chain is an ordered list of strategies for one operation. Validate reports
// whether the operation succeeds again after a strategy was applied; when nil,
// a successful Apply counts as healed.
type Chain struct {
	Operation  string
	Strategies []Strategy
	Validate   func(ctx context.Context) error
}

// StrategyResult records the outcome of one strategy.
type StrategyResult struct {
	Name      string        `json:"name"`
	Applied   bool          `json:"applied"`
	Validated bool          `json:"validated"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
	DryRun    bool          `json:"dry_run"`
	Err       error         `json:"-"`
}

// Outcome is the result of running a chain.
type Outcome struct {
	Operation string           `json:"operation"`
	RunID     string           `json:"run_id,omitempty"`
	StartedAt time.Time        `json:"started_at"`
	Healed    bool             `json:"healed"`
	HealedBy  string           `json:"healed_by,omitempty"`
	DryRun    bool             `json:"dry_run"`
	Skipped   string           `json:"skipped,omitempty"`
	Results   []StrategyResult `json:"results"`
}
