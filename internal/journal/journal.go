// Package journal keeps the append-only, hash-chained record of heal runs.
package journal

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileName is the journal's name inside the log directory.
const FileName = "qmoi-heal.journal"

// Event names.
const (
	EventAttempt      = "ATTEMPT"
	EventExhausted    = "EXHAUSTED"
	EventSnapshot     = "SNAPSHOT"
	EventRemediation  = "REMEDIATION"
	EventNotification = "NOTIFICATION"
	EventSync         = "SYNC"
	EventDeploy       = "DEPLOY"
)

// Entry is one journal line.
type Entry struct {
	Timestamp time.Time         `json:"timestamp"`
	RunID     string            `json:"run_id"`
	Event     string            `json:"event"`
	Operation string            `json:"operation,omitempty"`
	Outcome   string            `json:"outcome,omitempty"`
	Attempt   int               `json:"attempt,omitempty"`
	Detail    string            `json:"detail,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
	Hash      string            `json:"hash"`
}

// Recorder is what components depend on; *Journal and Discard satisfy it.
type Recorder interface {
	Record(Entry) error
}

type discard struct{}

func (discard) Record(Entry) error { return nil }

// Discard drops every entry.
var Discard Recorder = discard{}

// Journal appends entries to a JSON-lines file. Each entry's hash covers the
// previous entry's hash and the entry itself, so edits break the chain.
type Journal struct {
	mu       sync.Mutex
	file     *os.File
	prevHash string
	now      func() time.Time
}

// Open opens (or creates) the journal at path. The directory is created with
// 0700 and the file with 0600. The chain continues from the last existing entry.
func Open(path string) (*Journal, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("journal: create dir %s: %w", dir, err)
	}

	prevHash, err := lastHash(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	return &Journal{file: f, prevHash: prevHash, now: time.Now}, nil
}

// OpenDir opens FileName inside dir.
func OpenDir(dir string) (*Journal, error) {
	return Open(filepath.Join(dir, FileName))
}

// Record appends e, filling Timestamp when unset.
func (j *Journal) Record(e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = j.now().UTC()
	}
	hash, err := chainHash(j.prevHash, e)
	if err != nil {
		return err
	}
	e.Hash = hash

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("journal: marshal: %w", err)
	}
	line = append(line, '\n')
	if _, err := j.file.Write(line); err != nil {
		return fmt.Errorf("journal: write: %w", err)
	}
	j.prevHash = hash
	return nil
}

// Close closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

// Read returns all entries in the journal at path.
func Read(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for n := 1; sc.Scan(); n++ {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return entries, fmt.Errorf("journal: line %d: %w", n, err)
		}
		entries = append(entries, e)
	}
	return entries, sc.Err()
}

// Verify checks the hash chain of the journal at path and returns the number
// of entries. The error names the first entry whose hash does not match.
func Verify(path string) (int, error) {
	entries, err := Read(path)
	if err != nil {
		return len(entries), err
	}
	prev := ""
	for i, e := range entries {
		want, err := chainHash(prev, e)
		if err != nil {
			return i, err
		}
		if e.Hash != want {
			return i, fmt.Errorf("journal: entry %d: hash mismatch", i+1)
		}
		prev = e.Hash
	}
	return len(entries), nil
}

// chainHash is SHA256(prev + json(entry without hash)).
func chainHash(prev string, e Entry) (string, error) {
	e.Hash = ""
	raw, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("journal: marshal: %w", err)
	}
	h := sha256.Sum256(append([]byte(prev), raw...))
	return hex.EncodeToString(h[:]), nil
}

func lastHash(path string) (string, error) {
	entries, err := Read(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil && len(entries) == 0 {
		return "", err
	}
	if len(entries) == 0 {
		return "", nil
	}
	return entries[len(entries)-1].Hash, nil
}
