package notify

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LogFileName is the logfile channel's file inside the log directory.
const LogFileName = "notifications.log"

// LogFile appends one timestamp-prefixed line per message.
type LogFile struct {
	mu   sync.Mutex
	path string
}

func NewLogFile(path string) *LogFile { return &LogFile{path: path} }

func (l *LogFile) Name() string { return "logfile" }

func (l *LogFile) Send(_ context.Context, msg Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", l.path, err)
	}
	defer f.Close()

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	line := ts.UTC().Format(time.RFC3339) + " " + strings.ReplaceAll(Format(msg), "\n", " | ") + "\n"
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("write %s: %w", l.path, err)
	}
	return nil
}
