package gitsync

import (
	"context"
	"fmt"
	"strings"

	"github.com/qmoi-io/qmoi-heal/internal/runner"
)

// Git runs git subcommands in one checkout.
type Git struct {
	r   runner.Runner
	dir string
}

// NewGit creates a Git for the repository at dir.
func NewGit(r runner.Runner, dir string) *Git {
	return &Git{r: r, dir: dir}
}

// In returns a Git for another working tree of the same repository.
func (g *Git) In(dir string) *Git {
	return &Git{r: g.r, dir: dir}
}

func (g *Git) Dir() string { return g.dir }

func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	res, err := g.r.Run(ctx, g.dir, "git", args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Fetch updates the remote-tracking ref for branch.
func (g *Git) Fetch(ctx context.Context, remote, branch string) error {
	_, err := g.run(ctx, "fetch", "--prune", remote, branch)
	return err
}

// RevParse resolves ref to a commit SHA.
func (g *Git) RevParse(ctx context.Context, ref string) (string, error) {
	out, err := g.run(ctx, "rev-parse", "--verify", ref+"^{commit}")
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", ref, err)
	}
	return out, nil
}

// MergeBase returns the best common ancestor of a and b.
func (g *Git) MergeBase(ctx context.Context, a, b string) (string, error) {
	out, err := g.run(ctx, "merge-base", a, b)
	if err != nil {
		return "", fmt.Errorf("merge-base %s %s: %w", a, b, err)
	}
	return out, nil
}

// CurrentBranch returns the checked-out branch name.
func (g *Git) CurrentBranch(ctx context.Context) (string, error) {
	return g.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// IsDirty reports uncommitted changes, untracked files included.
func (g *Git) IsDirty(ctx context.Context) (bool, error) {
	out, err := g.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// StashPush stashes all changes, untracked files included.
func (g *Git) StashPush(ctx context.Context, message string) error {
	_, err := g.run(ctx, "stash", "push", "--include-untracked", "-m", message)
	return err
}

func (g *Git) StashPop(ctx context.Context) error {
	_, err := g.run(ctx, "stash", "pop")
	return err
}

func (g *Git) Rebase(ctx context.Context, upstream string) error {
	_, err := g.run(ctx, "rebase", upstream)
	return err
}

func (g *Git) RebaseAbort(ctx context.Context) error {
	_, err := g.run(ctx, "rebase", "--abort")
	return err
}

// Merge merges ref without opening an editor. strategyOption is passed as -X when set.
func (g *Git) Merge(ctx context.Context, ref, strategyOption string) error {
	args := []string{"merge", "--no-edit"}
	if strategyOption != "" {
		args = append(args, "-X", strategyOption)
	}
	_, err := g.run(ctx, append(args, ref)...)
	return err
}

func (g *Git) MergeAbort(ctx context.Context) error {
	_, err := g.run(ctx, "merge", "--abort")
	return err
}

// CreateBranch creates name at commit without checking it out.
func (g *Git) CreateBranch(ctx context.Context, name, commit string) error {
	_, err := g.run(ctx, "branch", name, commit)
	return err
}

// WorktreeAdd checks out branch into a new working tree at path.
func (g *Git) WorktreeAdd(ctx context.Context, path, branch string) error {
	_, err := g.run(ctx, "worktree", "add", path, branch)
	return err
}

func (g *Git) WorktreeRemove(ctx context.Context, path string) error {
	_, err := g.run(ctx, "worktree", "remove", "--force", path)
	return err
}

// Add stages paths, deletions included.
func (g *Git) Add(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	_, err := g.run(ctx, append([]string{"add", "-A", "--"}, paths...)...)
	return err
}

// HasStagedChanges reports whether the index differs from HEAD.
func (g *Git) HasStagedChanges(ctx context.Context) (bool, error) {
	res, err := g.r.Run(ctx, g.dir, "git", "diff", "--cached", "--quiet")
	if err == nil {
		return false, nil
	}
	if res.ExitCode == 1 {
		return true, nil
	}
	return false, err
}

func (g *Git) Commit(ctx context.Context, message string) error {
	_, err := g.run(ctx, "commit", "-m", message)
	return err
}

// Push pushes branch. With a non-empty leaseSHA the push is forced, but only
// if the remote branch still points at leaseSHA.
func (g *Git) Push(ctx context.Context, remote, branch, leaseSHA string) error {
	args := []string{"push", remote, "HEAD:refs/heads/" + branch}
	if leaseSHA != "" {
		args = []string{"push", "--force-with-lease=" + branch + ":" + leaseSHA, remote, "HEAD:refs/heads/" + branch}
	}
	_, err := g.run(ctx, args...)
	return err
}
