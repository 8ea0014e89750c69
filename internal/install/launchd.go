package install

import (
	"context"
	"fmt"
	"html"
	"os"
	"path/filepath"

	"github.com/qmoi-io/qmoi-heal/internal/config"
)

const (
	launchdLabel = "io.qmoi.qmoi-heal"
)

// launchdPlistPath returns the plist path. Uses system-wide location if running as root,
// user-level otherwise.
func launchdPlistPath() string {
	if os.Getuid() == 0 {
		return "/Library/LaunchDaemons/" + launchdLabel + ".plist"
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist")
}

// LaunchdPlist generates the launchd plist file content.
func LaunchdPlist(binPath, configFile string, cfg *config.Config) string {
	logDir := filepath.Join(absDir(cfg.Repo.Dir), cfg.Paths.LogDir)
	if filepath.IsAbs(cfg.Paths.LogDir) {
		logDir = cfg.Paths.LogDir
	}
	esc := html.EscapeString
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>%s</string>
    <key>ProgramArguments</key>
    <array>
        <string>%s</string>
        <string>daemon</string>
        <string>--config</string>
        <string>%s</string>
    </array>
    <key>WorkingDirectory</key>
    <string>%s</string>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>%s</string>
    <key>StandardErrorPath</key>
    <string>%s</string>
    <key>EnvironmentVariables</key>
    <dict>
        <key>QMOI_LOG_LEVEL</key>
        <string>%s</string>
    </dict>
</dict>
</plist>
`, launchdLabel, esc(binPath), esc(configFile), esc(absDir(cfg.Repo.Dir)),
		esc(filepath.Join(logDir, "qmoi-heal.out.log")), esc(filepath.Join(logDir, "qmoi-heal.err.log")),
		esc(cfg.Logging.Level))
}

func (i *Installer) installLaunchd(ctx context.Context, cfg *config.Config) error {
	plist := LaunchdPlist(i.BinaryPath, i.ConfigFile, cfg)

	if err := os.MkdirAll(filepath.Dir(i.PlistPath), 0755); err != nil {
		return fmt.Errorf("create plist dir: %w", err)
	}
	if err := os.WriteFile(i.PlistPath, []byte(plist), 0644); err != nil {
		return fmt.Errorf("write plist: %w", err)
	}
	if err := i.run(ctx, "launchctl", "load", "-w", i.PlistPath); err != nil {
		return fmt.Errorf("launchctl load: %w", err)
	}
	return nil
}

func (i *Installer) uninstallLaunchd(ctx context.Context) {
	_ = i.run(ctx, "launchctl", "unload", i.PlistPath)
	_ = os.Remove(i.PlistPath)
}
