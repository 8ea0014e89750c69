// Package retry runs named operations with bounded attempts and backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/qmoi-io/qmoi-heal/internal/faults"
	"github.com/qmoi-io/qmoi-heal/internal/journal"
	"github.com/qmoi-io/qmoi-heal/internal/metrics"
	"github.com/qmoi-io/qmoi-heal/internal/runner"
)

// maxOutput bounds the output kept per attempt.
const maxOutput = 4096

// Action is one attempt of an operation. The returned output is kept in the attempt record.
type Action func(ctx context.Context) (string, error)

// Operation describes what to run and how often.
type Operation struct {
	Name        string
	Action      Action
	MaxAttempts int
	Backoff     Policy
	// Cleanup runs after a failed attempt that will be retried.
	Cleanup func(ctx context.Context) error
}

// Attempt records one try.
type Attempt struct {
	Number     int           `json:"number"`
	Succeeded  bool          `json:"succeeded"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration_ns"`
	Output     string        `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
	CleanupErr string        `json:"cleanup_error,omitempty"`
	Err        error         `json:"-"`
}

// Result is the outcome of Executor.Run.
type Result struct {
	Operation string    `json:"operation"`
	Succeeded bool      `json:"succeeded"`
	Attempts  []Attempt `json:"attempts"`
	LastErr   error     `json:"-"`
}

// Failed returns the number of failed attempts.
func (r Result) Failed() int {
	n := 0
	for _, a := range r.Attempts {
		if !a.Succeeded {
			n++
		}
	}
	return n
}

// Executor runs operations. The zero value is not usable; use New.
type Executor struct {
	log     *slog.Logger
	journal journal.Recorder
	runID   string

	// Sleep and Now are replaceable in tests.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// New returns an Executor. rec may be nil.
func New(log *slog.Logger, rec journal.Recorder, runID string) *Executor {
	if log == nil {
		log = slog.Default()
	}
	if rec == nil {
		rec = journal.Discard
	}
	return &Executor{
		log:     log.With("component", "retry"),
		journal: rec,
		runID:   runID,
		Sleep:   Sleep,
		Now:     time.Now,
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func validate(op Operation) error {
	if op.Name == "" {
		return faults.ConfigMissing("operation.name", "must not be empty")
	}
	if op.Action == nil {
		return faults.ConfigMissing(op.Name+".action", "must not be nil")
	}
	if op.MaxAttempts < 1 {
		return faults.ConfigMissing(op.Name+".max_attempts", fmt.Sprintf("must be >= 1, got %d", op.MaxAttempts))
	}
	if op.Backoff != nil && op.Backoff.Delay(0) < 0 {
		return faults.ConfigMissing(op.Name+".backoff", "base delay must be >= 0")
	}
	return nil
}

// Run executes op until it succeeds, a non-retryable error occurs, ctx is done,
// or MaxAttempts is reached. The returned Result always holds every attempt made.
// On exhaustion the error matches faults.ErrRetryExhausted and wraps the last error.
func (e *Executor) Run(ctx context.Context, op Operation) (Result, error) {
	res := Result{Operation: op.Name}
	if err := validate(op); err != nil {
		res.LastErr = err
		return res, err
	}
	backoff := op.Backoff
	if backoff == nil {
		backoff = DefaultPolicy
	}
	log := e.log.With("operation", op.Name)

	for i := 0; i < op.MaxAttempts; i++ {
		if err := ctx.Err(); err != nil {
			if res.LastErr == nil {
				res.LastErr = err
			}
			return res, fmt.Errorf("%s: %w", op.Name, err)
		}

		start := e.Now()
		out, err := op.Action(ctx)
		a := Attempt{
			Number:    i + 1,
			Succeeded: err == nil,
			StartedAt: start,
			Duration:  e.Now().Sub(start),
			Output:    truncate(out),
			Err:       err,
		}
		if err != nil {
			a.Error = err.Error()
		}

		metrics.AttemptsTotal.WithLabelValues(op.Name, metrics.OutcomeOf(err)).Inc()
		metrics.AttemptDuration.WithLabelValues(op.Name).Observe(a.Duration.Seconds())

		if err == nil {
			res.Attempts = append(res.Attempts, a)
			res.Succeeded = true
			res.LastErr = nil
			e.record(op.Name, a)
			log.Info("operation succeeded", "attempt", a.Number, "duration", a.Duration)
			return res, nil
		}
		res.LastErr = err

		if !faults.Retryable(err) {
			res.Attempts = append(res.Attempts, a)
			e.record(op.Name, a)
			log.Error("operation failed, not retryable", "attempt", a.Number, "error", err)
			return res, err
		}
		if i == op.MaxAttempts-1 {
			res.Attempts = append(res.Attempts, a)
			e.record(op.Name, a)
			log.Error("operation failed", "attempt", a.Number, "of", op.MaxAttempts, "error", err)
			break
		}

		if op.Cleanup != nil {
			if cerr := op.Cleanup(ctx); cerr != nil {
				a.CleanupErr = cerr.Error()
				log.Warn("cleanup failed", "attempt", a.Number, "error", cerr)
			}
		}
		res.Attempts = append(res.Attempts, a)
		e.record(op.Name, a)

		delay := backoff.Delay(i)
		log.Warn("attempt failed, retrying", "attempt", a.Number, "of", op.MaxAttempts, "delay", delay, "error", err)
		if serr := e.Sleep(ctx, delay); serr != nil {
			return res, fmt.Errorf("%s: %w", op.Name, serr)
		}
	}

	exhausted := faults.Exhausted(op.Name, len(res.Attempts), res.LastErr)
	if err := e.journal.Record(journal.Entry{
		RunID:     e.runID,
		Event:     journal.EventExhausted,
		Operation: op.Name,
		Outcome:   metrics.OutcomeFailure,
		Detail:    exhausted.Error(),
	}); err != nil {
		log.Warn("journal write failed", "error", err)
	}
	return res, exhausted
}

func (e *Executor) record(op string, a Attempt) {
	entry := journal.Entry{
		Timestamp: a.StartedAt.UTC(),
		RunID:     e.runID,
		Event:     journal.EventAttempt,
		Operation: op,
		Attempt:   a.Number,
		Outcome:   metrics.OutcomeSuccess,
		Data:      map[string]string{"duration": a.Duration.String()},
	}
	if !a.Succeeded {
		entry.Outcome = metrics.OutcomeFailure
		entry.Detail = a.Error
	}
	if a.CleanupErr != "" {
		entry.Data["cleanup_error"] = a.CleanupErr
	}
	if err := e.journal.Record(entry); err != nil {
		e.log.Warn("journal write failed", "operation", op, "error", err)
	}
}

// Command returns an Action that runs name with args in dir and yields its
// combined output.
func Command(r runner.Runner, dir, name string, args ...string) Action {
	return func(ctx context.Context) (string, error) {
		res, err := r.Run(ctx, dir, name, args...)
		return res.Combined(), err
	}
}

// Summary formats attempt outcomes compactly, e.g. "1:failure 2:success".
func (r Result) Summary() string {
	s := ""
	for i, a := range r.Attempts {
		if i > 0 {
			s += " "
		}
		outcome := metrics.OutcomeFailure
		if a.Succeeded {
			outcome = metrics.OutcomeSuccess
		}
		s += strconv.Itoa(a.Number) + ":" + outcome
	}
	return s
}

// IsExhausted reports whether err came from running out of attempts.
func IsExhausted(err error) bool {
	return errors.Is(err, faults.ErrRetryExhausted)
}

// truncate keeps the last maxOutput bytes, starting on a rune boundary.
func truncate(s string) string {
	if len(s) <= maxOutput {
		return s
	}
	i := len(s) - maxOutput
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}
