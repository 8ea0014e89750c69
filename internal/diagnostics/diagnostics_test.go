package diagnostics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/qmoi-io/qmoi-heal/internal/runner"
)

func loadTestData(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile("testdata/" + name)
	if err != nil {
		t.Fatalf("failed to load test data %s: %v", name, err)
	}
	return string(data)
}

func TestCollectWithFailingNetworkProbe(t *testing.T) {
	c := NewCollector(time.Second,
		ProbeFunc("disk_free", func(ctx context.Context) (string, error) { return "1024MB free", nil }),
		ProbeFunc("memory", func(ctx context.Context) (string, error) { return "8000MB available", nil }),
		ProbeFunc("network", func(ctx context.Context) (string, error) { return "", errors.New("dial tcp: no route to host") }),
	)

	snap := c.Collect(context.Background())

	if snap.Len() != 3 {
		t.Fatalf("snapshot has %d probes, want 3", snap.Len())
	}
	if v, _ := snap.Get("network"); v != Unavailable {
		t.Errorf("network = %q, want %q", v, Unavailable)
	}
	if v, _ := snap.Get("disk_free"); v != "1024MB free" {
		t.Errorf("disk_free = %q", v)
	}
	if d := snap.Degraded(); len(d) != 1 || d[0] != "network" {
		t.Errorf("degraded = %v", d)
	}
}

func TestCollectRecoversPanicAndTimeout(t *testing.T) {
	c := NewCollector(50*time.Millisecond,
		ProbeFunc("panics", func(ctx context.Context) (string, error) { panic("nil map") }),
		ProbeFunc("hangs", func(ctx context.Context) (string, error) {
			time.Sleep(2 * time.Second)
			return "late", nil
		}),
		ProbeFunc("ok", func(ctx context.Context) (string, error) { return "fine", nil }),
	)

	start := time.Now()
	snap := c.Collect(context.Background())
	if time.Since(start) > time.Second {
		t.Error("collection should not wait for a hung probe")
	}
	for _, name := range []string{"panics", "hangs"} {
		if v, _ := snap.Get(name); v != Unavailable {
			t.Errorf("%s = %q, want unavailable", name, v)
		}
	}
	if v, _ := snap.Get("ok"); v != "fine" {
		t.Errorf("ok = %q", v)
	}
}

func TestSnapshotIsImmutable(t *testing.T) {
	src := map[string]string{"a": "1"}
	snap := NewSnapshot(time.Now(), src)

	src["a"] = "changed"
	vals := snap.Values()
	vals["a"] = "also changed"
	vals["b"] = "new"

	if v, _ := snap.Get("a"); v != "1" {
		t.Errorf("snapshot mutated: a = %q", v)
	}
	if snap.Len() != 1 {
		t.Errorf("snapshot grew to %d", snap.Len())
	}
}

func TestSnapshotJSON(t *testing.T) {
	snap := NewSnapshot(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), map[string]string{"load_avg": "0.1 0.2 0.3"})
	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"load_avg":"0.1 0.2 0.3"`) || !strings.Contains(string(data), "2026-01-02T03:04:05Z") {
		t.Errorf("json = %s", data)
	}

	var back Snapshot
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if v, _ := back.Get("load_avg"); v != "0.1 0.2 0.3" {
		t.Errorf("round trip lost value: %q", v)
	}
}

func TestParseDf(t *testing.T) {
	disks := ParseDf(loadTestData(t, "df-pk.txt"))
	if len(disks) != 1 {
		t.Fatalf("expected 1 disk, got %d", len(disks))
	}
	d := disks[0]
	if d.Mount != "/" || d.Filesystem != "/dev/sda2" {
		t.Errorf("disk = %+v", d)
	}
	if d.AvailKB != 431867856 || d.UsePercent != "6%" {
		t.Errorf("avail = %d use = %s", d.AvailKB, d.UsePercent)
	}
}

func TestParseDf_Empty(t *testing.T) {
	if disks := ParseDf(""); disks != nil {
		t.Errorf("expected nil, got %+v", disks)
	}
}

func TestDiskFreeFlagsLow(t *testing.T) {
	df := loadTestData(t, "df-pk.txt")
	r := runner.Func(func(ctx context.Context, dir, name string, args ...string) (runner.Result, error) {
		return runner.Result{Stdout: df}, nil
	})

	v, err := DiskFree(r, ".", 1_000_000).Probe(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(v, "421745MB free") || !strings.HasSuffix(v, " low") {
		t.Errorf("disk_free = %q", v)
	}

	v, _ = DiskFree(r, ".", 512).Probe(context.Background())
	if strings.HasSuffix(v, " low") {
		t.Errorf("plenty of space flagged low: %q", v)
	}
}

func TestParseMeminfo(t *testing.T) {
	total, avail, ok := ParseMeminfo(loadTestData(t, "meminfo.txt"))
	if !ok || total != 16384000 || avail != 8192000 {
		t.Errorf("total=%d avail=%d ok=%v", total, avail, ok)
	}
}

func TestParseMeminfo_NoAvailable(t *testing.T) {
	_, avail, ok := ParseMeminfo(loadTestData(t, "meminfo-no-available.txt"))
	// Free + Buffers + Cached
	if !ok || avail != 8192000 {
		t.Errorf("estimated avail = %d, want 8192000", avail)
	}
}

func TestParseMeminfo_NoTotal(t *testing.T) {
	if _, _, ok := ParseMeminfo("MemFree: 100 kB\n"); ok {
		t.Error("expected !ok without MemTotal")
	}
}

func TestMemoryProbe(t *testing.T) {
	v, err := Memory("testdata/meminfo.txt").Probe(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v != "8000MB available of 16000MB (50.0% used)" {
		t.Errorf("memory = %q", v)
	}
	if _, err := Memory("testdata/missing").Probe(context.Background()); err == nil {
		t.Error("missing file should error")
	}
}

func TestNetworkProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("method = %s, want HEAD", r.Method)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	v, err := Network(srv.Client(), srv.URL).Probe(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(v, "reachable=true status=204") {
		t.Errorf("network = %q", v)
	}

	if _, err := Network(nil, "").Probe(context.Background()); err == nil {
		t.Error("empty url should error")
	}
}

func TestToolVersion(t *testing.T) {
	var gotArgs []string
	r := runner.Func(func(ctx context.Context, dir, name string, args ...string) (runner.Result, error) {
		gotArgs = append([]string{name}, args...)
		return runner.Result{Stdout: "go version go1.25.0 linux/amd64\n"}, nil
	})
	p := ToolVersion(r, "go")
	if p.Name() != "version_go" {
		t.Errorf("name = %s", p.Name())
	}
	v, _ := p.Probe(context.Background())
	if v != "go version go1.25.0 linux/amd64" {
		t.Errorf("version = %q", v)
	}
	if strings.Join(gotArgs, " ") != "go version" {
		t.Errorf("args = %v", gotArgs)
	}
}

func TestDefaultProbesNames(t *testing.T) {
	probes := DefaultProbes(runner.Func(nil), Options{Tools: []string{"git", "npm"}})
	seen := map[string]bool{}
	for _, p := range probes {
		seen[p.Name()] = true
	}
	for _, want := range []string{"disk_free", "memory", "load_avg", "network", "go_runtime", "version_git", "version_npm"} {
		if !seen[want] {
			t.Errorf("missing probe %s", want)
		}
	}
}
