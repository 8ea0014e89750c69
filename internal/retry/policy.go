package retry

import (
	"fmt"
	"time"

	"github.com/qmoi-io/qmoi-heal/internal/faults"
)

// Policy returns the delay to wait after the failed attempt with 0-based index i.
type Policy interface {
	Delay(i int) time.Duration
	String() string
}

// DefaultBase is the base delay of DefaultPolicy.
const DefaultBase = 5 * time.Second

// DefaultPolicy waits 5s, 10s, 15s, ...
var DefaultPolicy Policy = Linear(DefaultBase)

type fixed struct{ d time.Duration }

// Fixed waits d between every attempt.
func Fixed(d time.Duration) Policy { return fixed{d} }

func (p fixed) Delay(int) time.Duration { return p.d }
func (p fixed) String() string          { return fmt.Sprintf("fixed(%s)", p.d) }

type linear struct{ base time.Duration }

// Linear waits base*(i+1).
func Linear(base time.Duration) Policy { return linear{base} }

func (p linear) Delay(i int) time.Duration { return p.base * time.Duration(i+1) }
func (p linear) String() string            { return fmt.Sprintf("linear(%s)", p.base) }

type exponential struct{ base, max time.Duration }

// Exponential waits base*2^i, capped at max when max > 0.
func Exponential(base, max time.Duration) Policy { return exponential{base, max} }

func (p exponential) Delay(i int) time.Duration {
	d := p.base
	for range i {
		d *= 2
		if p.max > 0 && d >= p.max {
			return p.max
		}
	}
	if p.max > 0 && d > p.max {
		return p.max
	}
	return d
}

func (p exponential) String() string {
	return fmt.Sprintf("exponential(%s, max %s)", p.base, p.max)
}

// ParsePolicy builds a policy by name: "linear", "fixed" or "exponential".
func ParsePolicy(name string, base, max time.Duration) (Policy, error) {
	if base < 0 {
		return nil, faults.ConfigMissing("retry.base_delay", "must be >= 0")
	}
	switch name {
	case "", "linear":
		return Linear(base), nil
	case "fixed":
		return Fixed(base), nil
	case "exponential":
		return Exponential(base, max), nil
	default:
		return nil, faults.ConfigMissing("retry.backoff", fmt.Sprintf("unknown policy %q", name))
	}
}
