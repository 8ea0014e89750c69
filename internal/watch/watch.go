// Package watch turns file-system changes into debounced trigger calls.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is used when no debounce interval is given.
const DefaultDebounce = 2 * time.Second

// Watcher calls OnChange once per burst of changes under its paths.
type Watcher struct {
	paths    []string
	debounce time.Duration
	onChange func()
	log      *slog.Logger
	w        *fsnotify.Watcher
}

// New watches each path (a directory, or a file through its directory).
// Paths that do not exist are skipped with a warning.
func New(paths []string, debounce time.Duration, onChange func(), log *slog.Logger) (*Watcher, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("watch: no paths given")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if log == nil {
		log = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	w := &Watcher{
		debounce: debounce,
		onChange: onChange,
		log:      log.With("component", "watch"),
		w:        fw,
	}
	for _, p := range paths {
		dir := p
		if info, err := os.Stat(p); err != nil {
			w.log.Warn("skipping watch path", "path", p, "error", err)
			continue
		} else if !info.IsDir() {
			dir = filepath.Dir(p)
		}
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		w.paths = append(w.paths, filepath.Clean(p))
	}
	if len(w.paths) == 0 {
		fw.Close()
		return nil, fmt.Errorf("watch: none of %v exist", paths)
	}
	return w, nil
}

// Paths returns the paths being watched.
func (w *Watcher) Paths() []string { return append([]string(nil), w.paths...) }

// Run processes events until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.w.Close()
	w.log.Info("watching for changes", "paths", w.paths, "debounce", w.debounce)

	var timer *time.Timer
	var timerCh <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.w.Events:
			if !ok {
				return nil
			}
			if !w.relevant(ev) {
				continue
			}
			w.log.Debug("change detected", "path", ev.Name, "op", ev.Op.String())
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			timerCh = timer.C

		case err, ok := <-w.w.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher error", "error", err)

		case <-timerCh:
			timerCh = nil
			w.onChange()
		}
	}
}

// relevant filters out chmod-only events, VCS metadata and editor swap files,
// and events for files next to a watched file.
func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod {
		return false
	}
	name := filepath.Clean(ev.Name)
	base := filepath.Base(name)
	if strings.HasSuffix(base, ".swp") || strings.HasSuffix(base, "~") || strings.HasPrefix(base, ".#") {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(name), "/") {
		if part == ".git" {
			return false
		}
	}
	for _, p := range w.paths {
		if name == p || filepath.Dir(name) == p {
			return true
		}
	}
	return false
}
