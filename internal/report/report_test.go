package report

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteReplacesAtomically(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reports")

	type payload struct {
		Run int `json:"run"`
	}

	path, err := Write(dir, "sync", payload{Run: 1})
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(path) != "sync.json" {
		t.Errorf("path = %s", path)
	}
	if _, err := Write(dir, "sync", payload{Run: 2}); err != nil {
		t.Fatal(err)
	}

	var got payload
	if err := Read(dir, "sync", &got); err != nil {
		t.Fatal(err)
	}
	if got.Run != 2 {
		t.Errorf("report should be overwritten, run = %d", got.Run)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %d entries", len(entries))
	}
}

func TestSlug(t *testing.T) {
	tests := map[string]string{
		"install dependencies": "install-dependencies",
		"Deploy/Vercel":        "deploy-vercel",
		"  ":                   "report",
		"npm_heal-2":           "npm_heal-2",
	}
	for in, want := range tests {
		if got := Slug(in); got != want {
			t.Errorf("Slug(%q) = %q, want %q", in, got, want)
		}
	}
}
