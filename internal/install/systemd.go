package install

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/qmoi-io/qmoi-heal/internal/config"
)

const (
	systemdUnitPath = "/etc/systemd/system/qmoi-heal.service"
)

// SystemdUnit generates the systemd unit file content.
func SystemdUnit(binPath, configFile string, cfg *config.Config) string {
	configDir := filepath.Dir(configFile)
	repoDir := absDir(cfg.Repo.Dir)
	return fmt.Sprintf(`[Unit]
Description=qmoi-heal self-heal and repository sync daemon
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=%s daemon --config %s
WorkingDirectory=%s
EnvironmentFile=-%s
Restart=always
RestartSec=10
Environment=QMOI_LOG_LEVEL=%s

# Security hardening
NoNewPrivileges=true
ProtectSystem=strict
ProtectHome=read-only
ReadWritePaths=%s %s
PrivateTmp=true

[Install]
WantedBy=multi-user.target
`, binPath, configFile, repoDir, filepath.Join(configDir, EnvFileName), cfg.Logging.Level, repoDir, configDir)
}

func (i *Installer) installSystemd(ctx context.Context, cfg *config.Config) error {
	unit := SystemdUnit(i.BinaryPath, i.ConfigFile, cfg)

	if err := os.WriteFile(i.UnitPath, []byte(unit), 0644); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}
	if err := i.run(ctx, "systemctl", "daemon-reload"); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}
	if err := i.run(ctx, "systemctl", "enable", "--now", ServiceName); err != nil {
		return fmt.Errorf("enable service: %w", err)
	}
	return nil
}

func (i *Installer) uninstallSystemd(ctx context.Context) {
	_ = i.run(ctx, "systemctl", "disable", "--now", ServiceName)
	_ = os.Remove(i.UnitPath)
	_ = i.run(ctx, "systemctl", "daemon-reload")
}
