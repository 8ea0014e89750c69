// Package install registers the qmoi-heal daemon as a systemd or launchd service.
package install

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"github.com/qmoi-io/qmoi-heal/internal/config"
	"github.com/qmoi-io/qmoi-heal/internal/runner"
)

const (
	// ServiceName is the service name for systemd/launchd.
	ServiceName = "qmoi-heal"
	// EnvFileName holds secrets next to the config file; the unit loads it.
	EnvFileName = "qmoi-heal.env"
)

// ServiceStatus holds the current state of the installed service.
type ServiceStatus struct {
	Installed  bool
	Running    bool
	BinaryPath string
	ConfigPath string
	UnitPath   string
	Platform   string
}

// Installer writes the config file and service definition and drives the
// platform service manager. Paths are fields so tests can redirect them.
type Installer struct {
	ConfigFile string
	UnitPath   string
	PlistPath  string
	GOOS       string
	BinaryPath string

	r runner.Runner
}

// New returns an Installer with the platform default paths.
func New(r runner.Runner) (*Installer, error) {
	bin, err := BinaryPath()
	if err != nil {
		return nil, err
	}
	return &Installer{
		ConfigFile: config.DefaultPath,
		UnitPath:   systemdUnitPath,
		PlistPath:  launchdPlistPath(),
		GOOS:       runtime.GOOS,
		BinaryPath: bin,
		r:          r,
	}, nil
}

// BinaryPath returns the absolute path of the currently running binary.
func BinaryPath() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable path: %w", err)
	}
	return filepath.EvalSymlinks(exe)
}

func (i *Installer) configDir() string { return filepath.Dir(i.ConfigFile) }

// WriteConfig writes cfg as YAML with credentials removed. Credentials belong
// in the env file next to it, which the service loads at start.
func (i *Installer) WriteConfig(cfg *config.Config) error {
	if err := os.MkdirAll(i.configDir(), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	c := *cfg
	c.Forge.GitHubToken = ""
	c.Forge.GitLabToken = ""
	c.Notify.Email.Password = ""
	c.Notify.Webhook.SigningKey = ""

	out, err := yaml.Marshal(&c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	out = append([]byte("# Written by qmoi-heal install. Secrets go in "+EnvFileName+".\n"), out...)

	if err := os.WriteFile(i.ConfigFile, out, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// ConfigExists checks if the config file exists.
func (i *Installer) ConfigExists() bool {
	_, err := os.Stat(i.ConfigFile)
	return err == nil
}

// Install writes the config and registers and starts the service.
func (i *Installer) Install(ctx context.Context, cfg *config.Config) error {
	if err := i.WriteConfig(cfg); err != nil {
		return err
	}
	switch i.GOOS {
	case "linux":
		return i.installSystemd(ctx, cfg)
	case "darwin":
		return i.installLaunchd(ctx, cfg)
	default:
		return fmt.Errorf("unsupported platform: %s", i.GOOS)
	}
}

// Uninstall removes the service. If purge is true, also removes the config directory.
func (i *Installer) Uninstall(ctx context.Context, purge bool) error {
	switch i.GOOS {
	case "linux":
		i.uninstallSystemd(ctx)
	case "darwin":
		i.uninstallLaunchd(ctx)
	default:
		return fmt.Errorf("unsupported platform: %s", i.GOOS)
	}
	if purge {
		return os.RemoveAll(i.configDir())
	}
	return nil
}

// Status returns the current service status.
func (i *Installer) Status(ctx context.Context) ServiceStatus {
	s := ServiceStatus{
		Platform:   i.GOOS,
		ConfigPath: i.ConfigFile,
		BinaryPath: i.BinaryPath,
		Installed:  i.ConfigExists(),
	}
	switch i.GOOS {
	case "linux":
		s.UnitPath = i.UnitPath
		s.Running = i.ok(ctx, "systemctl", "is-active", "--quiet", ServiceName)
	case "darwin":
		s.UnitPath = i.PlistPath
		s.Running = i.ok(ctx, "launchctl", "list", launchdLabel)
	}
	return s
}

func (i *Installer) run(ctx context.Context, name string, args ...string) error {
	_, err := i.r.Run(ctx, "", name, args...)
	return err
}

func (i *Installer) ok(ctx context.Context, name string, args ...string) bool {
	return i.run(ctx, name, args...) == nil
}

func absDir(dir string) string {
	if abs, err := filepath.Abs(dir); err == nil {
		return abs
	}
	return dir
}
