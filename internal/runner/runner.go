// Package runner executes external commands with an explicit timeout on every call.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout bounds a subprocess when the caller does not set one.
const DefaultTimeout = 2 * time.Minute

// waitDelay bounds how long Run waits for output pipes after the process is killed.
const waitDelay = 2 * time.Second

const maxStdoutTail = 2048

// Result holds the output of a finished command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Combined returns stdout followed by stderr, trimmed.
func (r Result) Combined() string {
	return strings.TrimSpace(strings.TrimSpace(r.Stdout) + "\n" + strings.TrimSpace(r.Stderr))
}

// Runner abstracts command execution so callers can be tested without a shell.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) (Result, error)
}

// Func adapts a plain function to Runner.
type Func func(ctx context.Context, dir, name string, args ...string) (Result, error)

// Run calls f.
func (f Func) Run(ctx context.Context, dir, name string, args ...string) (Result, error) {
	return f(ctx, dir, name, args...)
}

// Local runs commands on this host.
type Local struct {
	Timeout time.Duration
	// Env is appended to the parent environment.
	Env []string
}

// NewLocal returns a Local runner with the given timeout (DefaultTimeout when zero).
func NewLocal(timeout time.Duration) *Local {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Local{Timeout: timeout}
}

// Run executes name with args in dir. A non-zero exit is returned as an error
// that carries the command line and trimmed stderr; the Result is always filled.
func (l *Local) Run(ctx context.Context, dir, name string, args ...string) (Result, error) {
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	killProcessGroup(cmd)
	cmd.WaitDelay = waitDelay
	if len(l.Env) > 0 {
		cmd.Env = append(os.Environ(), l.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
		if ctx.Err() == context.DeadlineExceeded {
			return res, fmt.Errorf("%s: timed out after %s", commandLine(name, args), timeout)
		}
		return res, fmt.Errorf("%s: %w: %s", commandLine(name, args), err, failureOutput(res))
	}
	return res, nil
}

// failureOutput is the trimmed stderr, or the tail of stdout when stderr is
// empty (git reports merge conflicts on stdout).
func failureOutput(res Result) string {
	if out := strings.TrimSpace(res.Stderr); out != "" {
		return out
	}
	out := strings.TrimSpace(res.Stdout)
	if len(out) <= maxStdoutTail {
		return out
	}
	out = out[len(out)-maxStdoutTail:]
	// Start on a full line when one is available.
	if i := strings.IndexByte(out, '\n'); i >= 0 && i < len(out)-1 {
		out = out[i+1:]
	}
	return strings.ToValidUTF8(out, "")
}

// Shell runs a command string through /bin/sh -c.
func Shell(ctx context.Context, r Runner, dir, command string) (Result, error) {
	return r.Run(ctx, dir, "/bin/sh", "-c", command)
}

func commandLine(name string, args []string) string {
	if len(args) == 0 {
		return name
	}
	return name + " " + strings.Join(args, " ")
}
