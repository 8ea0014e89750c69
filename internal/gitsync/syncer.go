package gitsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/qmoi-io/qmoi-heal/internal/faults"
	"github.com/qmoi-io/qmoi-heal/internal/journal"
	"github.com/qmoi-io/qmoi-heal/internal/metrics"
	"github.com/qmoi-io/qmoi-heal/internal/remediation"
	"github.com/qmoi-io/qmoi-heal/internal/runner"
)

// BackupPrefix namespaces branches created for diverged histories.
const BackupPrefix = "qmoi-sync-backup/"

// Options controls one sync run.
type Options struct {
	Remote string
	Branch string
	// Apply enables mutations; without it Run only inspects.
	Apply bool
	// Force pushes with a lease on the fetched remote head.
	Force      bool
	AutoCommit bool
	// AllowPaths and ConfigFiles bound what is staged and what fixers touch.
	AllowPaths    []string
	ConfigFiles   []string
	Fixers        []string
	CommitMessage string
}

// Result describes what a sync run saw and did.
type Result struct {
	State        State         `json:"state"`
	Remote       string        `json:"remote"`
	Branch       string        `json:"branch"`
	LocalHead    string        `json:"local_head"`
	RemoteHead   string        `json:"remote_head"`
	MergeBase    string        `json:"merge_base"`
	FinalHead    string        `json:"final_head,omitempty"`
	Applied      bool          `json:"applied"`
	Actions      []string      `json:"actions"`
	BackupBranch string        `json:"backup_branch,omitempty"`
	Committed    bool          `json:"committed"`
	Pushed       bool          `json:"pushed"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration_ns"`
	Error        string        `json:"error,omitempty"`
}

func (r *Result) action(format string, args ...any) {
	r.Actions = append(r.Actions, fmt.Sprintf(format, args...))
}

// Syncer runs the sync state machine against one checkout. It assumes
// exclusive access to the checkout for the duration of Run.
type Syncer struct {
	git     *Git
	r       runner.Runner
	opts    Options
	journal journal.Recorder
	runID   string
	log     *slog.Logger

	now   func() time.Time
	newID func() string
}

// NewSyncer creates a syncer for the repository at dir. rec may be nil.
func NewSyncer(r runner.Runner, dir string, opts Options, rec journal.Recorder, runID string) *Syncer {
	if opts.Remote == "" {
		opts.Remote = "origin"
	}
	if opts.Branch == "" {
		opts.Branch = "main"
	}
	if opts.CommitMessage == "" {
		opts.CommitMessage = "chore(sync): automated commit by qmoi-heal"
	}
	if rec == nil {
		rec = journal.Discard
	}
	return &Syncer{
		git:     NewGit(r, dir),
		r:       r,
		opts:    opts,
		journal: rec,
		runID:   runID,
		log:     slog.Default().With("component", "gitsync", "branch", opts.Branch),
		now:     time.Now,
		newID:   func() string { return uuid.NewString() },
	}
}

// Run fetches, classifies and, with Apply set, integrates, commits and pushes.
// A diverged history is merged on a backup branch only; a failed merge there
// returns an error matching faults.ErrConflict naming the backup branch.
func (s *Syncer) Run(ctx context.Context) (res Result, err error) {
	res = Result{
		Remote:    s.opts.Remote,
		Branch:    s.opts.Branch,
		Applied:   s.opts.Apply,
		StartedAt: s.now().UTC(),
	}
	defer func() {
		res.Duration = s.now().Sub(res.StartedAt)
		if err != nil {
			res.Error = err.Error()
		}
		s.finish(res, err)
	}()

	if s.opts.Apply {
		lock := filepath.Join(s.git.Dir(), ".git", "index.lock")
		if lerr := remediation.RemoveStaleLock(lock, remediation.StaleLockAge); lerr != nil {
			s.log.Warn("index lock present", "error", lerr)
		}
	}

	remoteRef := s.opts.Remote + "/" + s.opts.Branch
	if err := s.git.Fetch(ctx, s.opts.Remote, s.opts.Branch); err != nil {
		return res, faults.Transient("fetch", err)
	}
	if res.LocalHead, err = s.git.RevParse(ctx, "HEAD"); err != nil {
		return res, err
	}
	if res.RemoteHead, err = s.git.RevParse(ctx, remoteRef); err != nil {
		return res, err
	}
	if res.MergeBase, err = s.git.MergeBase(ctx, "HEAD", remoteRef); err != nil {
		return res, err
	}
	res.State = Classify(res.LocalHead, res.RemoteHead, res.MergeBase)
	res.FinalHead = res.LocalHead
	s.log.Info("repository state", "state", res.State, "local", short(res.LocalHead), "remote", short(res.RemoteHead))

	if !s.opts.Apply {
		return res, nil
	}

	switch res.State {
	case Behind:
		if err := s.integrate(ctx, &res, remoteRef); err != nil {
			return res, err
		}
	case Diverged:
		return res, s.backupMerge(ctx, &res, remoteRef)
	}

	if s.opts.AutoCommit {
		if err := s.commit(ctx, &res); err != nil {
			return res, err
		}
	}

	if res.Committed || res.State == Ahead {
		if err := s.push(ctx, &res); err != nil {
			return res, err
		}
	}

	if head, herr := s.git.RevParse(ctx, "HEAD"); herr == nil {
		res.FinalHead = head
	}
	return res, nil
}

// integrate brings a behind branch up to the remote: rebase, then merge
// preferring the remote side. Local changes are stashed first and always
// restored.
func (s *Syncer) integrate(ctx context.Context, res *Result, remoteRef string) (err error) {
	dirty, err := s.git.IsDirty(ctx)
	if err != nil {
		return err
	}
	if dirty {
		if err := s.git.StashPush(ctx, "qmoi-heal sync "+s.runID); err != nil {
			return fmt.Errorf("stash local changes: %w", err)
		}
		res.action("stash")
		defer func() {
			if perr := s.git.StashPop(ctx); perr != nil {
				s.log.Error("stash pop failed, changes remain in the stash list", "error", perr)
				err = errors.Join(err, faults.Conflict("stash pop", "git stash list", perr))
				return
			}
			res.action("stash pop")
		}()
	}

	rerr := s.git.Rebase(ctx, remoteRef)
	if rerr == nil {
		res.action("rebase %s", remoteRef)
		return nil
	}
	s.log.Warn("rebase failed, falling back to merge", "error", rerr)
	_ = s.git.RebaseAbort(ctx)
	res.action("rebase --abort")

	merr := s.git.Merge(ctx, remoteRef, "theirs")
	if merr == nil {
		res.action("merge -X theirs %s", remoteRef)
		return nil
	}
	_ = s.git.MergeAbort(ctx)
	res.action("merge --abort")
	return faults.Conflict("integrate "+remoteRef, s.git.Dir(), errors.Join(rerr, merr))
}

// backupMerge creates a backup branch at HEAD and merges the remote into it
// in a temporary worktree. The original branch head is never moved.
func (s *Syncer) backupMerge(ctx context.Context, res *Result, remoteRef string) error {
	id := s.newID()
	if len(id) > 8 {
		id = id[:8]
	}
	backup := fmt.Sprintf("%s%s-%s-%s", BackupPrefix, s.opts.Branch, s.now().UTC().Format("20060102-150405"), id)
	res.BackupBranch = backup

	if err := s.git.CreateBranch(ctx, backup, res.LocalHead); err != nil {
		return fmt.Errorf("create backup branch %s: %w", backup, err)
	}
	res.action("branch %s", backup)

	tmp, err := os.MkdirTemp("", "qmoi-sync-")
	if err != nil {
		return fmt.Errorf("create worktree dir: %w", err)
	}
	defer os.RemoveAll(tmp)
	wt := filepath.Join(tmp, "worktree")

	if err := s.git.WorktreeAdd(ctx, wt, backup); err != nil {
		return fmt.Errorf("add worktree for %s: %w", backup, err)
	}
	defer func() {
		if err := s.git.WorktreeRemove(context.WithoutCancel(ctx), wt); err != nil {
			s.log.Warn("worktree cleanup failed", "path", wt, "error", err)
		}
	}()

	bg := s.git.In(wt)
	if err := bg.Merge(ctx, remoteRef, ""); err != nil {
		_ = bg.MergeAbort(ctx)
		res.action("merge --abort (on %s)", backup)
		s.log.Error("diverged history needs manual resolution", "backup_branch", backup)
		return faults.Conflict("merge "+remoteRef, "branch "+backup, err)
	}
	res.action("merge %s (on %s)", remoteRef, backup)
	s.log.Warn("diverged history merged on backup branch, review and fast-forward manually",
		"backup_branch", backup)
	return nil
}

func (s *Syncer) commit(ctx context.Context, res *Result) error {
	paths := s.stagePaths()
	if len(paths) == 0 {
		s.log.Debug("nothing in the allow-list exists, skipping commit")
		return nil
	}

	for _, fixer := range s.opts.Fixers {
		// The allow-listed paths are passed as positional arguments ("$@").
		args := append([]string{"-c", fixer + ` "$@"`, "qmoi-fixer"}, paths...)
		if _, err := s.r.Run(ctx, s.git.Dir(), "/bin/sh", args...); err != nil {
			s.log.Warn("fixer failed", "fixer", fixer, "error", err)
			continue
		}
		res.action("fixer %s", fixer)
	}

	if err := s.git.Add(ctx, paths...); err != nil {
		return fmt.Errorf("stage changes: %w", err)
	}
	staged, err := s.git.HasStagedChanges(ctx)
	if err != nil {
		return fmt.Errorf("check staged changes: %w", err)
	}
	if !staged {
		s.log.Info("no staged changes, nothing to commit")
		return nil
	}
	if err := s.git.Commit(ctx, s.opts.CommitMessage); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	res.Committed = true
	res.action("commit")
	return nil
}

// stagePaths returns the allow-listed paths and config files that exist.
func (s *Syncer) stagePaths() []string {
	var out []string
	seen := map[string]bool{}
	for _, p := range append(append([]string{}, s.opts.AllowPaths...), s.opts.ConfigFiles...) {
		p = filepath.Clean(strings.TrimSpace(p))
		if p == "." || p == "" || strings.HasPrefix(p, "..") || filepath.IsAbs(p) || seen[p] {
			continue
		}
		if _, err := os.Lstat(filepath.Join(s.git.Dir(), p)); err != nil {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

func (s *Syncer) push(ctx context.Context, res *Result) error {
	lease := ""
	if s.opts.Force {
		lease = res.RemoteHead
	}
	if err := s.git.Push(ctx, s.opts.Remote, s.opts.Branch, lease); err != nil {
		return faults.Transient("push", err)
	}
	res.Pushed = true
	if lease != "" {
		res.action("push --force-with-lease=%s:%s", s.opts.Branch, short(lease))
	} else {
		res.action("push")
	}
	return nil
}

func (s *Syncer) finish(res Result, err error) {
	metrics.SyncRunsTotal.WithLabelValues(string(res.State), metrics.OutcomeOf(err)).Inc()
	metrics.LastRunTimestamp.WithLabelValues("sync").SetToCurrentTime()

	data := map[string]string{
		"state":  string(res.State),
		"local":  res.LocalHead,
		"remote": res.RemoteHead,
		"base":   res.MergeBase,
		"apply":  fmt.Sprint(res.Applied),
	}
	if res.BackupBranch != "" {
		data["backup_branch"] = res.BackupBranch
	}
	if len(res.Actions) > 0 {
		data["actions"] = strings.Join(res.Actions, "; ")
	}
	if jerr := s.journal.Record(journal.Entry{
		RunID:     s.runID,
		Event:     journal.EventSync,
		Operation: "sync " + s.opts.Remote + "/" + s.opts.Branch,
		Outcome:   metrics.OutcomeOf(err),
		Detail:    res.Error,
		Data:      data,
	}); jerr != nil {
		s.log.Warn("journal write failed", "error", jerr)
	}
}

func short(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
