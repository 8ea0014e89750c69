package gitsync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qmoi-io/qmoi-heal/internal/faults"
	"github.com/qmoi-io/qmoi-heal/internal/runner"
)

// fakeRepo simulates just enough of git for the state machine.
type fakeRepo struct {
	mu sync.Mutex

	dir        string
	head       string
	remoteHead string
	base       string
	dirty      bool
	staged     bool
	stashes    int
	branches   map[string]string
	worktrees  map[string]string

	failRebase      bool
	failMerge       bool
	failBackupMerge bool
	failPush        bool

	calls []string
}

func newFakeRepo(t *testing.T, head, remote, base string) *fakeRepo {
	return &fakeRepo{
		dir:        t.TempDir(),
		head:       head,
		remoteHead: remote,
		base:       base,
		branches:   map[string]string{},
		worktrees:  map[string]string{},
	}
}

var mutating = []string{"stash", "rebase", "merge", "branch", "worktree", "add", "commit", "push", "reset", "checkout"}

func (f *fakeRepo) mutatingCalls() []string {
	var out []string
	for _, c := range f.calls {
		fields := strings.Fields(c)
		if len(fields) > 1 && fields[0] == "git" && slices.Contains(mutating, fields[1]) {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeRepo) Run(ctx context.Context, dir, name string, args ...string) (runner.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	line := strings.Join(append([]string{name}, args...), " ")
	f.calls = append(f.calls, line)
	fail := func() (runner.Result, error) {
		return runner.Result{ExitCode: 1}, errors.New(line + ": exit status 1")
	}
	ok := func(out string) (runner.Result, error) { return runner.Result{Stdout: out + "\n"}, nil }

	if name != "git" {
		return ok("")
	}
	wtBranch, inWorktree := f.worktrees[dir]

	switch args[0] {
	case "fetch":
		return ok("")
	case "rev-parse":
		switch {
		case args[len(args)-1] == "HEAD^{commit}" && inWorktree:
			return ok(f.branches[wtBranch])
		case args[len(args)-1] == "HEAD^{commit}":
			return ok(f.head)
		case strings.HasPrefix(args[len(args)-1], "origin/"):
			return ok(f.remoteHead)
		}
		return fail()
	case "merge-base":
		return ok(f.base)
	case "status":
		if f.dirty {
			return ok(" M src/app.js")
		}
		return ok("")
	case "stash":
		if args[1] == "push" {
			if f.dirty {
				f.stashes++
				f.dirty = false
			}
			return ok("")
		}
		if f.stashes == 0 {
			return fail()
		}
		f.stashes--
		f.dirty = true
		return ok("")
	case "rebase":
		if args[1] == "--abort" {
			return ok("")
		}
		if f.failRebase {
			return fail()
		}
		f.head = f.remoteHead
		return ok("")
	case "merge":
		if args[1] == "--abort" {
			return ok("")
		}
		if inWorktree {
			if f.failBackupMerge {
				return fail()
			}
			f.branches[wtBranch] = "merged-" + f.remoteHead
			return ok("")
		}
		if f.failMerge {
			return fail()
		}
		f.head = f.remoteHead
		return ok("")
	case "branch":
		f.branches[args[1]] = args[2]
		return ok("")
	case "worktree":
		if args[1] == "add" {
			f.worktrees[args[2]] = args[3]
		} else {
			delete(f.worktrees, args[len(args)-1])
		}
		return ok("")
	case "add":
		if f.dirty {
			f.staged = true
		}
		return ok("")
	case "diff":
		if f.staged {
			return fail()
		}
		return ok("")
	case "commit":
		f.head = "local-commit"
		f.staged = false
		f.dirty = false
		return ok("")
	case "push":
		if f.failPush {
			return fail()
		}
		f.remoteHead = f.head
		return ok("")
	}
	return fail()
}

func newTestSyncer(repo *fakeRepo, opts Options) *Syncer {
	s := NewSyncer(repo, repo.dir, opts, nil, "run-1")
	s.now = func() time.Time { return time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC) }
	s.newID = func() string { return "0123456789abcdef" }
	return s
}

func TestClassify(t *testing.T) {
	tests := []struct {
		local, remote, base string
		want                State
	}{
		{"a", "a", "a", UpToDate},
		{"a", "b", "a", Behind},
		{"b", "a", "a", Ahead},
		{"b", "c", "a", Diverged},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.local, tt.remote, tt.base))
	}
}

func TestUpToDateMakesNoMutations(t *testing.T) {
	repo := newFakeRepo(t, "c1", "c1", "c1")
	repo.dirty = true
	s := newTestSyncer(repo, Options{Apply: true})

	res, err := s.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, UpToDate, res.State)
	assert.Empty(t, repo.mutatingCalls())
	assert.False(t, res.Pushed)
}

func TestInspectOnlyWithoutApply(t *testing.T) {
	repo := newFakeRepo(t, "c1", "c2", "c1")
	s := newTestSyncer(repo, Options{})

	res, err := s.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, Behind, res.State)
	assert.Empty(t, repo.mutatingCalls())
	assert.Equal(t, "c1", repo.head)
}

func TestBehindCleanTreeEndsSynced(t *testing.T) {
	repo := newFakeRepo(t, "c1", "c2", "c1")
	s := newTestSyncer(repo, Options{Apply: true})

	res, err := s.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, Behind, res.State)
	assert.Equal(t, repo.remoteHead, repo.head)
	assert.Equal(t, "c2", res.FinalHead)
	assert.Zero(t, repo.stashes)
	assert.NotContains(t, strings.Join(repo.calls, "\n"), "stash push")
}

func TestBehindDirtyTreeStashesAndRestores(t *testing.T) {
	repo := newFakeRepo(t, "c1", "c2", "c1")
	repo.dirty = true
	s := newTestSyncer(repo, Options{Apply: true})

	res, err := s.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "c2", repo.head)
	assert.Zero(t, repo.stashes)
	assert.True(t, repo.dirty, "local changes should be restored")
	assert.Contains(t, res.Actions, "stash")
	assert.Contains(t, res.Actions, "stash pop")
}

func TestBehindRebaseFailureFallsBackToMerge(t *testing.T) {
	repo := newFakeRepo(t, "c1", "c2", "c1")
	repo.dirty = true
	repo.failRebase = true
	s := newTestSyncer(repo, Options{Apply: true})

	res, err := s.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "c2", repo.head)
	assert.Zero(t, repo.stashes)
	assert.Contains(t, res.Actions, "rebase --abort")
	assert.Contains(t, res.Actions, "merge -X theirs origin/main")
}

func TestBehindMergeFailureIsConflictAndPopsStash(t *testing.T) {
	repo := newFakeRepo(t, "c1", "c2", "c1")
	repo.dirty = true
	repo.failRebase = true
	repo.failMerge = true
	s := newTestSyncer(repo, Options{Apply: true})

	_, err := s.Run(context.Background())

	assert.True(t, errors.Is(err, faults.ErrConflict), "got %v", err)
	assert.Zero(t, repo.stashes, "stash must be popped on the failure path too")
	assert.Equal(t, "c1", repo.head)
}

func TestDivergedNeverMovesOriginalHead(t *testing.T) {
	repo := newFakeRepo(t, "local", "remote", "base")
	s := newTestSyncer(repo, Options{Apply: true, AutoCommit: true, Force: true})

	res, err := s.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, Diverged, res.State)
	assert.Equal(t, "local", repo.head)
	assert.Equal(t, "remote", repo.remoteHead, "nothing may be pushed")
	assert.Equal(t, "qmoi-sync-backup/main-20260504-030201-01234567", res.BackupBranch)
	assert.Equal(t, "merged-remote", repo.branches[res.BackupBranch])
	assert.Empty(t, repo.worktrees, "worktree should be removed")
	for _, c := range repo.calls {
		assert.NotContains(t, c, "git push")
		assert.NotContains(t, c, "git rebase")
		assert.NotContains(t, c, "git commit")
	}
}

func TestDivergedMergeFailureReportsBackupBranch(t *testing.T) {
	repo := newFakeRepo(t, "local", "remote", "base")
	repo.failBackupMerge = true
	s := newTestSyncer(repo, Options{Apply: true})

	res, err := s.Run(context.Background())

	require.Error(t, err)
	assert.True(t, errors.Is(err, faults.ErrConflict))
	assert.Contains(t, err.Error(), res.BackupBranch)
	assert.Equal(t, "local", repo.head)
	assert.Equal(t, "local", repo.branches[res.BackupBranch])
	assert.Empty(t, repo.worktrees)
}

func TestAheadPushesWithoutForce(t *testing.T) {
	repo := newFakeRepo(t, "c2", "c1", "c1")
	s := newTestSyncer(repo, Options{Apply: true})

	res, err := s.Run(context.Background())

	require.NoError(t, err)
	assert.True(t, res.Pushed)
	assert.Contains(t, repo.calls, "git push origin HEAD:refs/heads/main")
}

func TestForcePushUsesLease(t *testing.T) {
	repo := newFakeRepo(t, "c2", "c1", "c1")
	s := newTestSyncer(repo, Options{Apply: true, Force: true})

	_, err := s.Run(context.Background())

	require.NoError(t, err)
	assert.Contains(t, repo.calls, "git push --force-with-lease=main:c1 origin HEAD:refs/heads/main")
}

func TestPushRejectionIsTransient(t *testing.T) {
	repo := newFakeRepo(t, "c2", "c1", "c1")
	repo.failPush = true
	s := newTestSyncer(repo, Options{Apply: true})

	_, err := s.Run(context.Background())
	assert.Equal(t, faults.KindTransient, faults.KindOf(err))
	assert.True(t, faults.Retryable(err))
}

func TestAutoCommitStagesAllowListOnly(t *testing.T) {
	repo := newFakeRepo(t, "c1", "c1", "c1")
	repo.dirty = true
	os.MkdirAll(filepath.Join(repo.dir, "src"), 0755)
	os.WriteFile(filepath.Join(repo.dir, "package.json"), []byte("{}"), 0644)

	s := newTestSyncer(repo, Options{
		Apply:       true,
		AutoCommit:  true,
		AllowPaths:  []string{"src", "docs", "../escape", "/etc"},
		ConfigFiles: []string{"package.json", "go.mod"},
		Fixers:      []string{"npx prettier --write"},
	})

	res, err := s.Run(context.Background())

	require.NoError(t, err)
	assert.Contains(t, repo.calls, "git add -A -- src package.json")
	assert.Contains(t, repo.calls, `/bin/sh -c npx prettier --write "$@" qmoi-fixer src package.json`)
	assert.True(t, res.Committed)
	assert.True(t, res.Pushed)
	assert.Equal(t, "local-commit", repo.remoteHead)
}

func TestNoCommitWhenNothingStaged(t *testing.T) {
	repo := newFakeRepo(t, "c1", "c1", "c1")
	os.MkdirAll(filepath.Join(repo.dir, "src"), 0755)
	s := newTestSyncer(repo, Options{Apply: true, AutoCommit: true, AllowPaths: []string{"src"}})

	res, err := s.Run(context.Background())

	require.NoError(t, err)
	assert.False(t, res.Committed)
	assert.False(t, res.Pushed)
	for _, c := range repo.calls {
		assert.NotContains(t, c, "git commit")
	}
}

func TestFetchFailureIsTransient(t *testing.T) {
	r := runner.Func(func(ctx context.Context, dir, name string, args ...string) (runner.Result, error) {
		return runner.Result{ExitCode: 128}, errors.New("could not resolve host")
	})
	s := NewSyncer(r, t.TempDir(), Options{}, nil, "r")

	_, err := s.Run(context.Background())
	assert.Equal(t, faults.KindTransient, faults.KindOf(err))
}
