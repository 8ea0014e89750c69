package remediation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/qmoi-io/qmoi-heal/internal/runner"
)

// StaleLockAge is how old .git/index.lock must be before it is removed.
const StaleLockAge = 2 * time.Minute

var presets = map[string]func(r runner.Runner, dir string) []Strategy{
	"npm": NPM,
	"pip": Pip,
	"git": Git,
}

// Preset returns the strategy set registered under name. "none" and "" give
// an empty chain.
func Preset(name string, r runner.Runner, dir string) ([]Strategy, error) {
	if name == "" || name == "none" {
		return nil, nil
	}
	build, ok := presets[name]
	if !ok {
		return nil, fmt.Errorf("unknown remediation preset %q (valid: %s)", name, strings.Join(PresetNames(), ", "))
	}
	return build(r, dir), nil
}

// PresetNames lists the registered presets.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for n := range presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NPM escalates from the cheapest fix to a full atomic reinstall.
func NPM(r runner.Runner, dir string) []Strategy {
	return []Strategy{
		{Name: "clear-npm-cache", Apply: run(r, dir, "npm", "cache", "clean", "--force")},
		{Name: "legacy-peer-deps", Apply: run(r, dir, "npm", "install", "--legacy-peer-deps")},
		{Name: "reinstall", Apply: func(ctx context.Context) error {
			if err := RemoveDir(filepath.Join(dir, "node_modules"))(ctx); err != nil {
				return err
			}
			_, err := r.Run(ctx, dir, "npm", NPMInstallArgs(dir)...)
			return err
		}},
		{Name: "atomic-reinstall", Apply: func(ctx context.Context) error {
			return AtomicSwap(ctx, filepath.Join(dir, "node_modules"), func(ctx context.Context, ws string) error {
				for _, f := range []string{"package.json", "package-lock.json", ".npmrc"} {
					if err := copyFile(filepath.Join(dir, f), filepath.Join(ws, f)); err != nil && !errors.Is(err, os.ErrNotExist) {
						return err
					}
				}
				_, err := r.Run(ctx, ws, "npm", NPMInstallArgs(ws)...)
				return err
			})
		}},
	}
}

// NPMInstallArgs returns "ci" when dir has a lockfile and "install" otherwise.
func NPMInstallArgs(dir string) []string {
	if _, err := os.Stat(filepath.Join(dir, "package-lock.json")); err == nil {
		return []string{"ci"}
	}
	return []string{"install"}
}

// Pip repairs a Python environment driven by requirements.txt.
func Pip(r runner.Runner, dir string) []Strategy {
	return []Strategy{
		{Name: "upgrade-pip", Apply: run(r, dir, "python3", "-m", "pip", "install", "--upgrade", "pip")},
		{Name: "reinstall-requirements", Apply: run(r, dir, "python3", "-m", "pip", "install", "--force-reinstall", "-r", "requirements.txt")},
	}
}

// Git clears repository states that block fetch, rebase and commit.
func Git(r runner.Runner, dir string) []Strategy {
	return []Strategy{
		{Name: "remove-stale-index-lock", Apply: func(ctx context.Context) error {
			return RemoveStaleLock(filepath.Join(dir, ".git", "index.lock"), StaleLockAge)
		}},
		{Name: "unshallow", Apply: func(ctx context.Context) error {
			res, err := r.Run(ctx, dir, "git", "rev-parse", "--is-shallow-repository")
			if err != nil {
				return err
			}
			if strings.TrimSpace(res.Stdout) != "true" {
				return nil
			}
			_, err = r.Run(ctx, dir, "git", "fetch", "--unshallow")
			return err
		}},
	}
}

// RemoveStaleLock removes the lock file at path if it is older than maxAge.
// A missing lock is not an error; a fresh one is, since a git process may own it.
func RemoveStaleLock(path string, maxAge time.Duration) error {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if age := time.Since(info.ModTime()); age < maxAge {
		return fmt.Errorf("%s is only %s old, another git process may hold it", path, age.Round(time.Second))
	}
	return os.Remove(path)
}

// RemoveDir returns a cleanup step that deletes path, for use as an
// Operation cleanup after a partial install.
func RemoveDir(path string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("remove %s: %w", path, err)
		}
		return nil
	}
}

func run(r runner.Runner, dir, name string, args ...string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := r.Run(ctx, dir, name, args...)
		return err
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
