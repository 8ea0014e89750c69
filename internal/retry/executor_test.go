package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qmoi-io/qmoi-heal/internal/faults"
	"github.com/qmoi-io/qmoi-heal/internal/journal"
)

type memJournal struct{ entries []journal.Entry }

func (m *memJournal) Record(e journal.Entry) error {
	m.entries = append(m.entries, e)
	return nil
}

func newTestExecutor(rec journal.Recorder) (*Executor, *[]time.Duration) {
	e := New(slog.New(slog.NewTextHandler(io.Discard, nil)), rec, "test-run")
	var slept []time.Duration
	e.Sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return e, &slept
}

func TestInstallDependenciesSucceedsOnThirdAttempt(t *testing.T) {
	rec := &memJournal{}
	e, slept := newTestExecutor(rec)

	calls := 0
	res, err := e.Run(context.Background(), Operation{
		Name:        "install dependencies",
		MaxAttempts: 3,
		Backoff:     Linear(5 * time.Second),
		Action: func(ctx context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", faults.Transient("npm ci", errors.New("ETIMEDOUT"))
			}
			return "added 120 packages", nil
		},
	})

	require.NoError(t, err)
	assert.True(t, res.Succeeded)
	require.Len(t, res.Attempts, 3)
	assert.False(t, res.Attempts[0].Succeeded)
	assert.False(t, res.Attempts[1].Succeeded)
	assert.True(t, res.Attempts[2].Succeeded)
	assert.Equal(t, "added 120 packages", res.Attempts[2].Output)
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, *slept)
	assert.Equal(t, "1:failure 2:failure 3:success", res.Summary())
	assert.Len(t, rec.entries, 3)
}

func TestAttemptBounds(t *testing.T) {
	for n := 1; n <= 5; n++ {
		for succeedAt := 0; succeedAt <= n+1; succeedAt++ {
			t.Run(fmt.Sprintf("max=%d/succeed=%d", n, succeedAt), func(t *testing.T) {
				e, _ := newTestExecutor(nil)
				calls := 0
				res, _ := e.Run(context.Background(), Operation{
					Name:        "op",
					MaxAttempts: n,
					Backoff:     Fixed(0),
					Action: func(ctx context.Context) (string, error) {
						calls++
						if calls == succeedAt {
							return "", nil
						}
						return "", errors.New("boom")
					},
				})
				assert.GreaterOrEqual(t, len(res.Attempts), 1)
				assert.LessOrEqual(t, len(res.Attempts), n)
				assert.Equal(t, calls, len(res.Attempts))
			})
		}
	}
}

func TestExhaustedWrapsLastError(t *testing.T) {
	e, _ := newTestExecutor(nil)
	last := errors.New("registry unreachable")
	calls := 0

	res, err := e.Run(context.Background(), Operation{
		Name:        "install",
		MaxAttempts: 2,
		Action: func(ctx context.Context) (string, error) {
			calls++
			if calls == 2 {
				return "", last
			}
			return "", errors.New("first")
		},
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, faults.ErrRetryExhausted))
	assert.True(t, errors.Is(err, last))
	assert.True(t, IsExhausted(err))
	assert.False(t, res.Succeeded)
	assert.Equal(t, last, res.LastErr)
	assert.Contains(t, err.Error(), "failed after 2 attempts")
}

func TestNonRetryableStopsImmediately(t *testing.T) {
	e, slept := newTestExecutor(nil)
	calls := 0

	_, err := e.Run(context.Background(), Operation{
		Name:        "pr",
		MaxAttempts: 5,
		Action: func(ctx context.Context) (string, error) {
			calls++
			return "", faults.ConfigMissing("GITHUB_TOKEN", "required")
		},
	})

	assert.Equal(t, 1, calls)
	assert.Empty(t, *slept)
	assert.True(t, errors.Is(err, faults.ErrConfigurationMissing))
	assert.False(t, errors.Is(err, faults.ErrRetryExhausted))
}

func TestCleanupRunsBetweenAttempts(t *testing.T) {
	e, _ := newTestExecutor(nil)
	cleanups := 0

	res, err := e.Run(context.Background(), Operation{
		Name:        "install",
		MaxAttempts: 3,
		Backoff:     Fixed(0),
		Action: func(ctx context.Context) (string, error) {
			return "", errors.New("partial install")
		},
		Cleanup: func(ctx context.Context) error {
			cleanups++
			if cleanups == 1 {
				return errors.New("rm failed")
			}
			return nil
		},
	})

	require.Error(t, err)
	// No cleanup after the final attempt.
	assert.Equal(t, 2, cleanups)
	assert.Equal(t, "rm failed", res.Attempts[0].CleanupErr)
	assert.Empty(t, res.Attempts[1].CleanupErr)
}

func TestValidationRejectsBadOperations(t *testing.T) {
	e, _ := newTestExecutor(nil)
	called := false
	action := func(ctx context.Context) (string, error) {
		called = true
		return "", nil
	}

	tests := []struct {
		name string
		op   Operation
	}{
		{"zero attempts", Operation{Name: "x", Action: action, MaxAttempts: 0}},
		{"negative delay", Operation{Name: "x", Action: action, MaxAttempts: 1, Backoff: Fixed(-time.Second)}},
		{"nil action", Operation{Name: "x", MaxAttempts: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Run(context.Background(), tt.op)
			assert.True(t, errors.Is(err, faults.ErrConfigurationMissing), "got %v", err)
		})
	}
	assert.False(t, called)
}

func TestContextCancelStopsBackoff(t *testing.T) {
	e := New(slog.New(slog.NewTextHandler(io.Discard, nil)), nil, "r")
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	done := make(chan error, 1)
	go func() {
		_, err := e.Run(ctx, Operation{
			Name:        "slow",
			MaxAttempts: 3,
			Backoff:     Fixed(time.Hour),
			Action: func(ctx context.Context) (string, error) {
				calls++
				return "", errors.New("fail")
			},
		})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestPolicies(t *testing.T) {
	tests := []struct {
		policy Policy
		want   []time.Duration
	}{
		{Fixed(2 * time.Second), []time.Duration{2 * time.Second, 2 * time.Second, 2 * time.Second}},
		{Linear(5 * time.Second), []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second}},
		{Exponential(time.Second, 3*time.Second), []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			for i, want := range tt.want {
				assert.Equal(t, want, tt.policy.Delay(i), "attempt %d", i)
			}
		})
	}
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("", 5*time.Second, 0)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, p.Delay(1))

	_, err = ParsePolicy("jitter", time.Second, 0)
	assert.True(t, errors.Is(err, faults.ErrConfigurationMissing))
}

func TestTruncateKeepsValidUTF8(t *testing.T) {
	short := "npm ERR! 404"
	assert.Equal(t, short, truncate(short))

	// "é" is two bytes, so the byte cut lands on its second byte.
	s := strings.Repeat("é", maxOutput) + "!"
	got := truncate(s)
	assert.True(t, utf8.ValidString(got), "truncated output is not valid UTF-8")
	assert.LessOrEqual(t, len(got), maxOutput)
	assert.True(t, strings.HasSuffix(s, got))
}
