// Package diagnostics captures a snapshot of the host before remediation runs.
package diagnostics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultProbeTimeout bounds each probe.
const DefaultProbeTimeout = 10 * time.Second

// Probe captures one named value.
type Probe interface {
	Name() string
	Probe(ctx context.Context) (string, error)
}

type funcProbe struct {
	name string
	fn   func(ctx context.Context) (string, error)
}

func (p funcProbe) Name() string                              { return p.name }
func (p funcProbe) Probe(ctx context.Context) (string, error) { return p.fn(ctx) }

// ProbeFunc adapts fn to a Probe named name.
func ProbeFunc(name string, fn func(ctx context.Context) (string, error)) Probe {
	return funcProbe{name: name, fn: fn}
}

// Collector runs probes concurrently.
type Collector struct {
	probes  []Probe
	timeout time.Duration
	now     func() time.Time
	log     *slog.Logger
}

// NewCollector returns a collector with the given per-probe timeout
// (DefaultProbeTimeout when zero).
func NewCollector(timeout time.Duration, probes ...Probe) *Collector {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Collector{
		probes:  probes,
		timeout: timeout,
		now:     time.Now,
		log:     slog.Default().With("component", "diagnostics"),
	}
}

// Collect runs every probe and never fails: a probe that errors, panics or
// exceeds its timeout is recorded as Unavailable.
func (c *Collector) Collect(ctx context.Context) Snapshot {
	takenAt := c.now()
	values := make(map[string]string, len(c.probes))
	var mu sync.Mutex

	var g errgroup.Group
	for _, p := range c.probes {
		g.Go(func() error {
			v := c.run(ctx, p)
			mu.Lock()
			values[p.Name()] = v
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	snap := NewSnapshot(takenAt, values)
	if degraded := snap.Degraded(); len(degraded) > 0 {
		c.log.Warn("diagnostic probes unavailable", "probes", degraded)
	}
	return snap
}

func (c *Collector) run(ctx context.Context, p Probe) (value string) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type result struct {
		v   string
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := p.Probe(ctx)
		done <- result{v: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			c.log.Debug("probe failed", "probe", p.Name(), "error", r.err)
			return Unavailable
		}
		return r.v
	case <-ctx.Done():
		c.log.Debug("probe timed out", "probe", p.Name(), "timeout", c.timeout)
		return Unavailable
	}
}
