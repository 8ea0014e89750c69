package gitsync

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qmoi-io/qmoi-heal/internal/faults"
	"github.com/qmoi-io/qmoi-heal/internal/runner"
)

// gitEnv isolates git from the user's configuration.
func gitEnv(t *testing.T, home string) {
	t.Helper()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("GIT_CONFIG_NOSYSTEM", "1")
	t.Setenv("GIT_AUTHOR_NAME", "qmoi test")
	t.Setenv("GIT_AUTHOR_EMAIL", "test@qmoi.invalid")
	t.Setenv("GIT_COMMITTER_NAME", "qmoi test")
	t.Setenv("GIT_COMMITTER_EMAIL", "test@qmoi.invalid")
}

func git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %s: %s", strings.Join(args, " "), out)
	return strings.TrimSpace(string(out))
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func commitFile(t *testing.T, dir, name, content string) {
	t.Helper()
	writeFile(t, dir, name, content)
	git(t, dir, "add", name)
	git(t, dir, "commit", "-q", "-m", "edit "+name)
}

// realRepos creates a bare remote on main and two clones of it: upstream
// (another contributor) and local (the checkout being synced).
func realRepos(t *testing.T) (remote, upstream, local string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	root := t.TempDir()
	gitEnv(t, root)

	remote = filepath.Join(root, "remote.git")
	git(t, root, "init", "-q", "--bare", remote)
	git(t, remote, "symbolic-ref", "HEAD", "refs/heads/main")

	seed := filepath.Join(root, "seed")
	git(t, root, "init", "-q", seed)
	git(t, seed, "checkout", "-q", "-b", "main")
	commitFile(t, seed, "app.txt", "v1\n")
	git(t, seed, "remote", "add", "origin", remote)
	git(t, seed, "push", "-q", "origin", "main")

	upstream = filepath.Join(root, "upstream")
	local = filepath.Join(root, "local")
	git(t, root, "clone", "-q", remote, upstream)
	git(t, root, "clone", "-q", remote, local)
	return remote, upstream, local
}

func syncLocal(t *testing.T, dir string, opts Options) (Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	opts.Apply = true
	return NewSyncer(runner.NewLocal(20*time.Second), dir, opts, nil, "test-run").Run(ctx)
}

func TestRealGitBehindWithDirtyTree(t *testing.T) {
	remote, upstream, local := realRepos(t)
	commitFile(t, upstream, "remote.txt", "from upstream\n")
	git(t, upstream, "push", "-q", "origin", "main")
	writeFile(t, local, "app.txt", "v1\nlocal edit\n")
	writeFile(t, local, "scratch.txt", "untracked\n")

	res, err := syncLocal(t, local, Options{})
	require.NoError(t, err)

	assert.Equal(t, Behind, res.State)
	assert.Equal(t, git(t, remote, "rev-parse", "main"), git(t, local, "rev-parse", "HEAD"))
	assert.FileExists(t, filepath.Join(local, "remote.txt"))
	data, _ := os.ReadFile(filepath.Join(local, "app.txt"))
	assert.Equal(t, "v1\nlocal edit\n", string(data))
	assert.FileExists(t, filepath.Join(local, "scratch.txt"))
	assert.Empty(t, git(t, local, "stash", "list"))
}

func TestRealGitDivergedMergesOnBackupBranch(t *testing.T) {
	remote, upstream, local := realRepos(t)
	commitFile(t, upstream, "remote.txt", "from upstream\n")
	git(t, upstream, "push", "-q", "origin", "main")
	commitFile(t, local, "local.txt", "local work\n")
	before := git(t, local, "rev-parse", "HEAD")

	res, err := syncLocal(t, local, Options{})
	require.NoError(t, err)

	assert.Equal(t, Diverged, res.State)
	require.NotEmpty(t, res.BackupBranch)
	assert.Equal(t, before, git(t, local, "rev-parse", "HEAD"), "checked-out branch must not move")
	assert.Equal(t, "main", git(t, local, "rev-parse", "--abbrev-ref", "HEAD"))

	// the backup branch contains both histories
	git(t, local, "merge-base", "--is-ancestor", before, res.BackupBranch)
	git(t, local, "merge-base", "--is-ancestor", git(t, remote, "rev-parse", "main"), res.BackupBranch)

	assert.Len(t, strings.Split(git(t, local, "worktree", "list"), "\n"), 1, "temporary worktree left behind")
}

func TestRealGitDivergedConflict(t *testing.T) {
	_, upstream, local := realRepos(t)
	commitFile(t, upstream, "app.txt", "upstream line\n")
	git(t, upstream, "push", "-q", "origin", "main")
	commitFile(t, local, "app.txt", "local line\n")
	before := git(t, local, "rev-parse", "HEAD")

	res, err := syncLocal(t, local, Options{})
	require.Error(t, err)

	assert.ErrorIs(t, err, faults.ErrConflict)
	assert.Contains(t, err.Error(), "app.txt", "conflict detail from git's stdout")
	assert.Contains(t, err.Error(), res.BackupBranch)
	assert.Equal(t, before, git(t, local, "rev-parse", "HEAD"))
	assert.Equal(t, before, git(t, local, "rev-parse", res.BackupBranch), "aborted merge must leave the backup at the local head")
	assert.Len(t, strings.Split(git(t, local, "worktree", "list"), "\n"), 1)
}

func TestRealGitAheadForcePushWithLease(t *testing.T) {
	remote, upstream, local := realRepos(t)
	commitFile(t, local, "local.txt", "local work\n")

	res, err := syncLocal(t, local, Options{Force: true})
	require.NoError(t, err)
	assert.Equal(t, Ahead, res.State)
	assert.True(t, res.Pushed)
	assert.Equal(t, git(t, local, "rev-parse", "HEAD"), git(t, remote, "rev-parse", "main"))

	// A push from someone else after our fetch makes the lease stale.
	commitFile(t, local, "second.txt", "more\n")
	s := NewSyncer(runner.NewLocal(20*time.Second), local, Options{Apply: true, Force: true}, nil, "test-run")
	git(t, upstream, "pull", "-q", "origin", "main")
	commitFile(t, upstream, "theirs.txt", "racing push\n")
	git(t, upstream, "push", "-q", "origin", "main")
	theirs := git(t, remote, "rev-parse", "main")

	res = Result{RemoteHead: git(t, local, "rev-parse", "origin/main")}
	err = s.push(context.Background(), &res)
	require.Error(t, err, "lease on a stale remote head must refuse the push")
	assert.Equal(t, theirs, git(t, remote, "rev-parse", "main"))
}
