package diagnostics

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/qmoi-io/qmoi-heal/internal/runner"
)

// DiskUsage is one row of `df -Pk`.
type DiskUsage struct {
	Filesystem string
	TotalKB    int64
	UsedKB     int64
	AvailKB    int64
	UsePercent string
	Mount      string
}

// ParseDf parses POSIX `df -Pk` output. Malformed rows are skipped.
func ParseDf(output string) []DiskUsage {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) < 2 {
		return nil
	}

	var disks []DiskUsage
	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}
		total, err1 := strconv.ParseInt(fields[1], 10, 64)
		used, err2 := strconv.ParseInt(fields[2], 10, 64)
		avail, err3 := strconv.ParseInt(fields[3], 10, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		disks = append(disks, DiskUsage{
			Filesystem: fields[0],
			TotalKB:    total,
			UsedKB:     used,
			AvailKB:    avail,
			UsePercent: fields[4],
			Mount:      strings.Join(fields[5:], " "),
		})
	}
	return disks
}

// DiskFree reports free space on the filesystem holding dir, flagged "low"
// below minFreeMB.
func DiskFree(r runner.Runner, dir string, minFreeMB int) Probe {
	return ProbeFunc("disk_free", func(ctx context.Context) (string, error) {
		res, err := r.Run(ctx, "", "df", "-Pk", dir)
		if err != nil {
			return "", err
		}
		disks := ParseDf(res.Stdout)
		if len(disks) == 0 {
			return "", fmt.Errorf("df: no filesystems in output")
		}
		d := disks[0]
		freeMB := d.AvailKB / 1024
		v := fmt.Sprintf("%dMB free (%s used) on %s", freeMB, d.UsePercent, d.Mount)
		if minFreeMB > 0 && freeMB < int64(minFreeMB) {
			v += " low"
		}
		return v, nil
	})
}

var meminfoLine = regexp.MustCompile(`^(\w+):\s+(\d+)\s+kB`)

// ParseMeminfo returns total and available memory in kB. Without
// MemAvailable, available is estimated from free, buffers and cache.
func ParseMeminfo(content string) (totalKB, availKB int64, ok bool) {
	values := make(map[string]int64)
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		m := meminfoLine.FindStringSubmatch(sc.Text())
		if len(m) == 3 {
			if kb, err := strconv.ParseInt(m[2], 10, 64); err == nil {
				values[m[1]] = kb
			}
		}
	}

	total, hasTotal := values["MemTotal"]
	if !hasTotal {
		return 0, 0, false
	}
	avail, hasAvail := values["MemAvailable"]
	if !hasAvail {
		avail = values["MemFree"] + values["Buffers"] + values["Cached"]
	}
	return total, avail, true
}

// Memory reads a meminfo file (normally /proc/meminfo).
func Memory(path string) Probe {
	return ProbeFunc("memory", func(ctx context.Context) (string, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		total, avail, ok := ParseMeminfo(string(data))
		if !ok {
			return "", fmt.Errorf("%s: no MemTotal", path)
		}
		pct := 0.0
		if total > 0 {
			pct = float64(total-avail) / float64(total) * 100
		}
		return fmt.Sprintf("%dMB available of %dMB (%.1f%% used)", avail/1024, total/1024, pct), nil
	})
}

// LoadAvg reads the 1, 5 and 15 minute load averages (normally /proc/loadavg).
func LoadAvg(path string) Probe {
	return ProbeFunc("load_avg", func(ctx context.Context) (string, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		fields := strings.Fields(string(data))
		if len(fields) < 3 {
			return "", fmt.Errorf("%s: unexpected format", path)
		}
		return strings.Join(fields[:3], " "), nil
	})
}

// ToolVersion reports the first line of `<tool> --version` (`go version` for go).
func ToolVersion(r runner.Runner, tool string) Probe {
	return ProbeFunc("version_"+tool, func(ctx context.Context) (string, error) {
		args := []string{"--version"}
		if tool == "go" {
			args = []string{"version"}
		}
		res, err := r.Run(ctx, "", tool, args...)
		if err != nil {
			return "", err
		}
		out := strings.TrimSpace(res.Stdout)
		if out == "" {
			out = strings.TrimSpace(res.Stderr)
		}
		first, _, _ := strings.Cut(out, "\n")
		return first, nil
	})
}

// Network sends HEAD to url. Any HTTP response counts as reachable.
func Network(client *http.Client, url string) Probe {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return ProbeFunc("network", func(ctx context.Context) (string, error) {
		if url == "" {
			return "", fmt.Errorf("no probe url configured")
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return "", err
		}
		start := time.Now()
		resp, err := client.Do(req)
		if err != nil {
			return "", err
		}
		resp.Body.Close()
		return fmt.Sprintf("reachable=true status=%d latency=%s", resp.StatusCode, time.Since(start).Round(time.Millisecond)), nil
	})
}

// GoRuntime describes the binary's platform.
func GoRuntime() Probe {
	return ProbeFunc("go_runtime", func(ctx context.Context) (string, error) {
		return fmt.Sprintf("%s/%s cpus=%d %s", runtime.GOOS, runtime.GOARCH, runtime.NumCPU(), runtime.Version()), nil
	})
}

// Options selects the default probe set.
type Options struct {
	Dir           string
	MinFreeDiskMB int
	ProbeURL      string
	Tools         []string
	HTTPClient    *http.Client
}

// DefaultProbes returns the built-in probes.
func DefaultProbes(r runner.Runner, opts Options) []Probe {
	dir := opts.Dir
	if dir == "" {
		dir = "."
	}
	probes := []Probe{
		DiskFree(r, dir, opts.MinFreeDiskMB),
		Memory("/proc/meminfo"),
		LoadAvg("/proc/loadavg"),
		Network(opts.HTTPClient, opts.ProbeURL),
		GoRuntime(),
	}
	for _, tool := range opts.Tools {
		probes = append(probes, ToolVersion(r, tool))
	}
	return probes
}
