package notify

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/qmoi-io/qmoi-heal/internal/config"
	"github.com/qmoi-io/qmoi-heal/internal/signing"
)

// FromConfig builds the enabled channels. A channel that cannot be
// constructed is logged and left out; the rest still work.
func FromConfig(cfg *config.Config, console io.Writer) []Channel {
	n := cfg.Notify
	var channels []Channel

	if n.Console {
		channels = append(channels, NewConsole(console))
	}
	if n.LogFile {
		channels = append(channels, NewLogFile(filepath.Join(cfg.Paths.LogDir, LogFileName)))
	}
	if n.Webhook.URL != "" {
		if wh, err := webhookFromConfig(n.Webhook); err != nil {
			slog.Warn("webhook notifications disabled", "error", err)
		} else {
			channels = append(channels, wh)
		}
	}
	if n.Email.Host != "" && len(n.Email.To) > 0 {
		channels = append(channels, NewEmail(n.Email.Host, n.Email.Port, n.Email.Username, n.Email.Password, n.Email.From, n.Email.To))
	}
	if n.Kubernetes.Enabled {
		k, err := NewKubernetesFromConfig(n.Kubernetes.Kubeconfig, n.Kubernetes.Namespace)
		if err != nil {
			slog.Warn("kubernetes notifications disabled", "error", err)
		} else {
			channels = append(channels, k)
		}
	}
	if n.WebSocket.URL != "" {
		channels = append(channels, NewWebSocket(n.WebSocket.URL))
	}
	return channels
}

func webhookFromConfig(c config.WebhookConfig) (*Webhook, error) {
	wh := NewWebhook(c.URL, c.Format)
	if c.SigningKey == "" {
		return wh, nil
	}
	key, err := signing.ParsePrivateKey(c.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}
	return wh.SignWith(signing.NewSigner(key)), nil
}
