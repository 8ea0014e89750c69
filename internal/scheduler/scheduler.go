// Package scheduler runs a task on a fixed interval until its context ends.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/qmoi-io/qmoi-heal/internal/metrics"
)

// Task is one unit of scheduled work.
type Task func(ctx context.Context) error

// Config controls a Loop.
type Config struct {
	Name     string
	Interval time.Duration
	// Jitter adds a random offset in [-Jitter, +Jitter] to each wait.
	Jitter time.Duration
	// MaxIterations stops the loop after that many ticks. Zero runs forever.
	MaxIterations int
	// RunImmediately runs the first tick without waiting for the interval.
	RunImmediately bool
}

// Loop runs a Task on a schedule. Ticks never overlap: a tick requested
// while one is running is coalesced into the next.
type Loop struct {
	cfg  Config
	task Task
	log  *slog.Logger
	kick chan struct{}

	mu          sync.Mutex
	runs        int
	failures    int
	consecutive int
	lastErr     error
	lastRun     time.Time

	// after is replaced in tests.
	after func(time.Duration) <-chan time.Time
	rand  func() float64
}

// Stats is a point-in-time view of the loop counters.
type Stats struct {
	Runs                int
	Failures            int
	ConsecutiveFailures int
	LastError           string
	LastRun             time.Time
}

// New creates a Loop. Interval must be positive.
func New(cfg Config, task Task, log *slog.Logger) (*Loop, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("scheduler %q: interval must be positive, got %s", cfg.Name, cfg.Interval)
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.Name == "" {
		cfg.Name = "task"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		cfg:   cfg,
		task:  task,
		log:   log.With("component", "scheduler", "task", cfg.Name),
		kick:  make(chan struct{}, 1),
		after: time.After,
		rand:  rand.Float64,
	}, nil
}

// Kick requests an early tick. It never blocks.
func (l *Loop) Kick() {
	select {
	case l.kick <- struct{}{}:
	default:
	}
}

// Stats returns the current counters.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Stats{
		Runs:                l.runs,
		Failures:            l.failures,
		ConsecutiveFailures: l.consecutive,
		LastRun:             l.lastRun,
	}
	if l.lastErr != nil {
		s.LastError = l.lastErr.Error()
	}
	return s
}

// Run blocks until ctx is cancelled or MaxIterations ticks have run.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info("scheduler started", "interval", l.cfg.Interval, "jitter", l.cfg.Jitter, "max_iterations", l.cfg.MaxIterations)

	first := l.cfg.RunImmediately
	for n := 0; l.cfg.MaxIterations == 0 || n < l.cfg.MaxIterations; n++ {
		if !first {
			wait := l.next()
			l.log.Debug("next tick", "in", wait)
			select {
			case <-ctx.Done():
				l.log.Info("scheduler stopped")
				return ctx.Err()
			case <-l.after(wait):
			case <-l.kick:
				l.log.Info("early tick requested")
			}
		}
		first = false
		l.tick(ctx)
		if ctx.Err() != nil {
			l.log.Info("scheduler stopped")
			return ctx.Err()
		}
	}
	l.log.Info("scheduler finished", "runs", l.Stats().Runs)
	return nil
}

func (l *Loop) tick(ctx context.Context) {
	start := time.Now()
	err := l.safeRun(ctx)

	l.mu.Lock()
	l.runs++
	l.lastRun = start
	l.lastErr = err
	if err != nil {
		l.failures++
		l.consecutive++
	} else {
		l.consecutive = 0
	}
	consecutive := l.consecutive
	l.mu.Unlock()

	metrics.SchedulerFailures.Set(float64(consecutive))
	metrics.LastRunTimestamp.WithLabelValues(l.cfg.Name).SetToCurrentTime()

	if err != nil {
		l.log.Warn("tick failed", "error", err, "consecutive_failures", consecutive, "duration", time.Since(start))
		return
	}
	l.log.Info("tick completed", "duration", time.Since(start))
}

func (l *Loop) safeRun(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return l.task(ctx)
}

// next returns the interval plus jitter, never negative.
func (l *Loop) next() time.Duration {
	d := l.cfg.Interval
	if l.cfg.Jitter > 0 {
		d += time.Duration((l.rand()*2 - 1) * float64(l.cfg.Jitter))
	}
	if d < 0 {
		return 0
	}
	return d
}
