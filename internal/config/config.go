// Package config handles configuration for qmoi-heal.
//
// Precedence, lowest first: built-in defaults, the YAML config file, a .env file
// in the working directory, process environment. Command flags are applied by cmd/.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/qmoi-io/qmoi-heal/internal/faults"
)

// DefaultPath is where install writes the config file.
const DefaultPath = "/etc/qmoi-heal/config.yaml"

// Config holds all qmoi-heal configuration.
type Config struct {
	Logging     LoggingConfig     `yaml:"logging"`
	Paths       PathsConfig       `yaml:"paths"`
	Repo        RepoConfig        `yaml:"repo"`
	Retry       RetryConfig       `yaml:"retry"`
	Remediation RemediationConfig `yaml:"remediation"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Notify      NotifyConfig      `yaml:"notify"`
	Daemon      DaemonConfig      `yaml:"daemon"`
	Forge       ForgeConfig       `yaml:"forge"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text", "json"
}

type PathsConfig struct {
	LogDir    string `yaml:"log_dir"`
	ReportDir string `yaml:"report_dir"`
}

// RepoConfig drives the sync state machine.
type RepoConfig struct {
	Dir        string `yaml:"dir"`
	Remote     string `yaml:"remote"`
	Branch     string `yaml:"branch"`
	AutoCommit bool   `yaml:"auto_commit"`
	// AllowForce permits a lease-guarded force push when --force is given.
	AllowForce  bool     `yaml:"allow_force"`
	AllowPaths  []string `yaml:"allow_paths"`
	ConfigFiles []string `yaml:"config_files"`
	Fixers      []string `yaml:"fixers"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     string        `yaml:"backoff"` // "linear", "fixed", "exponential"
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

type RemediationConfig struct {
	MaxPerHour int           `yaml:"max_per_hour"`
	Cooldown   time.Duration `yaml:"cooldown"`
	DryRun     bool          `yaml:"dry_run"`
}

type DiagnosticsConfig struct {
	ProbeURL      string        `yaml:"probe_url"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	MinFreeDiskMB int           `yaml:"min_free_disk_mb"`
	Tools         []string      `yaml:"tools"`
}

type NotifyConfig struct {
	Console    bool             `yaml:"console"`
	LogFile    bool             `yaml:"log_file"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Email      EmailConfig      `yaml:"email"`
	Kubernetes KubernetesConfig `yaml:"kubernetes"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
}

type WebhookConfig struct {
	URL    string `yaml:"url"`
	Format string `yaml:"format"` // "generic", "slack", "discord"
	// SigningKey is a hex or base64 Ed25519 seed; requests are signed when set.
	SigningKey string `yaml:"signing_key"`
}

type EmailConfig struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

type KubernetesConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Namespace  string `yaml:"namespace"`
	Kubeconfig string `yaml:"kubeconfig"`
}

type WebSocketConfig struct {
	URL string `yaml:"url"`
}

type DaemonConfig struct {
	SyncInterval time.Duration `yaml:"sync_interval"`
	Jitter       time.Duration `yaml:"jitter"`
	HealthAddr   string        `yaml:"health_addr"`
	WatchPaths   []string      `yaml:"watch_paths"`
	StaticDir    string        `yaml:"static_dir"`
}

type ForgeConfig struct {
	GitHubToken     string `yaml:"github_token"`
	GitHubRepo      string `yaml:"github_repo"` // owner/name
	GitHubAPI       string `yaml:"github_api"`
	GitLabToken     string `yaml:"gitlab_token"`
	GitLabProjectID string `yaml:"gitlab_project_id"`
	GitLabURL       string `yaml:"gitlab_url"`
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Paths:   PathsConfig{LogDir: "logs", ReportDir: "reports"},
		Repo: RepoConfig{
			Dir:         ".",
			Remote:      "origin",
			Branch:      "main",
			AllowPaths:  []string{"src", "scripts", "docs"},
			ConfigFiles: []string{"package.json", "package-lock.json", "requirements.txt", "go.mod", "go.sum", ".gitignore"},
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			Backoff:     "linear",
			BaseDelay:   5 * time.Second,
			MaxDelay:    2 * time.Minute,
		},
		Remediation: RemediationConfig{
			MaxPerHour: 10,
			Cooldown:   10 * time.Minute,
		},
		Diagnostics: DiagnosticsConfig{
			ProbeURL:      "https://github.com",
			ProbeTimeout:  10 * time.Second,
			MinFreeDiskMB: 512,
			Tools:         []string{"git", "node", "npm", "python3", "go"},
		},
		Notify: NotifyConfig{
			Console: true,
			LogFile: true,
			Webhook: WebhookConfig{Format: "generic"},
			Email:   EmailConfig{Port: 587},
			Kubernetes: KubernetesConfig{
				Namespace: "default",
			},
		},
		Daemon: DaemonConfig{
			SyncInterval: 15 * time.Minute,
			Jitter:       30 * time.Second,
			HealthAddr:   ":8089",
		},
		Forge: ForgeConfig{
			GitHubAPI: "https://api.github.com",
			GitLabURL: "https://gitlab.com",
		},
	}
}

// Load builds the configuration. A missing file at path is not an error; an
// unreadable or malformed one is. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	// .env never overrides variables already set in the process environment.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("ignoring unreadable .env", "error", err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables. Values that do not parse are
// reported as ConfigurationMissing naming the variable.
func applyEnv(cfg *Config) error {
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	envString("QMOI_LOG_LEVEL", &cfg.Logging.Level)
	envString("QMOI_LOG_FORMAT", &cfg.Logging.Format)
	envString("QMOI_LOG_DIR", &cfg.Paths.LogDir)
	envString("QMOI_REPORT_DIR", &cfg.Paths.ReportDir)

	envString("QMOI_REPO_DIR", &cfg.Repo.Dir)
	envString("QMOI_REMOTE", &cfg.Repo.Remote)
	envString("QMOI_BRANCH", &cfg.Repo.Branch)
	check(envBool("QMOI_AUTO_COMMIT", &cfg.Repo.AutoCommit))
	check(envBool("QMOI_ALLOW_FORCE", &cfg.Repo.AllowForce))
	envList("QMOI_ALLOW_PATHS", &cfg.Repo.AllowPaths)
	envList("QMOI_FIXERS", &cfg.Repo.Fixers)

	check(envInt("QMOI_MAX_ATTEMPTS", &cfg.Retry.MaxAttempts))
	envString("QMOI_BACKOFF", &cfg.Retry.Backoff)
	check(envDuration("QMOI_BACKOFF_BASE", &cfg.Retry.BaseDelay))

	check(envBool("QMOI_DRY_RUN", &cfg.Remediation.DryRun))

	envString("QMOI_PROBE_URL", &cfg.Diagnostics.ProbeURL)
	check(envInt("QMOI_DISK_MIN_FREE_MB", &cfg.Diagnostics.MinFreeDiskMB))

	envString("QMOI_WEBHOOK_URL", &cfg.Notify.Webhook.URL)
	envString("QMOI_WEBHOOK_FORMAT", &cfg.Notify.Webhook.Format)
	envString("QMOI_WEBHOOK_SIGNING_KEY", &cfg.Notify.Webhook.SigningKey)
	envString("QMOI_WS_URL", &cfg.Notify.WebSocket.URL)
	envString("SMTP_HOST", &cfg.Notify.Email.Host)
	check(envInt("SMTP_PORT", &cfg.Notify.Email.Port))
	envString("SMTP_USER", &cfg.Notify.Email.Username)
	envString("SMTP_PASSWORD", &cfg.Notify.Email.Password)
	envString("SMTP_FROM", &cfg.Notify.Email.From)
	envList("SMTP_TO", &cfg.Notify.Email.To)
	if v, ok := os.LookupEnv("QMOI_K8S_NAMESPACE"); ok && v != "" {
		cfg.Notify.Kubernetes.Enabled = true
		cfg.Notify.Kubernetes.Namespace = v
	}

	check(envDuration("QMOI_SYNC_INTERVAL", &cfg.Daemon.SyncInterval))
	envString("QMOI_HEALTH_ADDR", &cfg.Daemon.HealthAddr)
	envList("QMOI_WATCH_PATHS", &cfg.Daemon.WatchPaths)
	envString("QMOI_STATIC_DIR", &cfg.Daemon.StaticDir)

	envString("GITHUB_TOKEN", &cfg.Forge.GitHubToken)
	envString("GITHUB_REPOSITORY", &cfg.Forge.GitHubRepo)
	envString("GITLAB_TOKEN", &cfg.Forge.GitLabToken)
	envString("GITLAB_PROJECT_ID", &cfg.Forge.GitLabProjectID)
	envString("GITLAB_URL", &cfg.Forge.GitLabURL)
	return errors.Join(errs...)
}

// Validate checks values that every command depends on.
func (c *Config) Validate() error {
	if c.Retry.MaxAttempts < 1 {
		return faults.ConfigMissing("retry.max_attempts", fmt.Sprintf("must be >= 1, got %d", c.Retry.MaxAttempts))
	}
	if c.Retry.BaseDelay < 0 {
		return faults.ConfigMissing("retry.base_delay", "must be >= 0")
	}
	switch c.Retry.Backoff {
	case "linear", "fixed", "exponential":
	default:
		return faults.ConfigMissing("retry.backoff", fmt.Sprintf("unknown policy %q (valid: linear, fixed, exponential)", c.Retry.Backoff))
	}
	if c.Repo.Branch == "" {
		return faults.ConfigMissing("QMOI_BRANCH", "target branch must not be empty")
	}
	if c.Repo.Remote == "" {
		return faults.ConfigMissing("QMOI_REMOTE", "remote name must not be empty")
	}
	return nil
}

// RequireGitHub reports the first missing setting needed for pull requests.
func (c *Config) RequireGitHub() error {
	if c.Forge.GitHubToken == "" {
		return faults.ConfigMissing("GITHUB_TOKEN", "a token that can create pull requests is required")
	}
	if !strings.Contains(c.Forge.GitHubRepo, "/") {
		return faults.ConfigMissing("GITHUB_REPOSITORY", "expected owner/name")
	}
	return nil
}

// RequireGitLab reports the first missing setting needed for CI variables.
func (c *Config) RequireGitLab() error {
	if c.Forge.GitLabToken == "" {
		return faults.ConfigMissing("GITLAB_TOKEN", "a token with api scope is required")
	}
	if c.Forge.GitLabProjectID == "" {
		return faults.ConfigMissing("GITLAB_PROJECT_ID", "numeric id or url-encoded path")
	}
	return nil
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envBool(key string, dst *bool) error {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return faults.ConfigMissing(key, fmt.Sprintf("invalid boolean %q", v))
	}
	*dst = b
	return nil
}

func envInt(key string, dst *int) error {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return faults.ConfigMissing(key, fmt.Sprintf("invalid integer %q", v))
	}
	*dst = n
	return nil
}

// envDuration accepts Go durations ("90s") or a bare number of seconds.
func envDuration(key string, dst *time.Duration) error {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	v = strings.TrimSpace(v)
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(n) * time.Second
		return nil
	}
	return faults.ConfigMissing(key, fmt.Sprintf("invalid duration %q", v))
}

func envList(key string, dst *[]string) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}
