// Package report writes per-run JSON report files.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Write marshals v as indented JSON to dir/<name>.json. The file is written
// to a temporary sibling and renamed into place, so readers never see a
// partial report. An existing report of the same name is replaced.
func Write(dir, name string, v any) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create report dir %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report %s: %w", name, err)
	}
	data = append(data, '\n')

	path := filepath.Join(dir, Slug(name)+".json")
	tmp, err := os.CreateTemp(dir, "."+Slug(name)+"-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp report: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write report: %w", err)
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return "", fmt.Errorf("chmod report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close report: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("rename report: %w", err)
	}
	return path, nil
}

// Read loads dir/<name>.json into v.
func Read(dir, name string, v any) error {
	data, err := os.ReadFile(filepath.Join(dir, Slug(name)+".json"))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Slug lowercases name and replaces anything outside [a-z0-9-_] with '-'.
func Slug(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	s := strings.Trim(b.String(), "-")
	if s == "" {
		return "report"
	}
	return s
}
