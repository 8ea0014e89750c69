package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/qmoi-io/qmoi-heal/internal/signing"
)

// Webhook posts a JSON payload. Format selects the body shape: "slack"
// ({"text"}), "discord" ({"content"}) or "generic" (the full message).
type Webhook struct {
	url        string
	format     string
	httpClient *http.Client
	signer     *signing.Signer
}

// NewWebhook creates a webhook channel.
func NewWebhook(url, format string) *Webhook {
	if format == "" {
		format = "generic"
	}
	return &Webhook{
		url:    url,
		format: strings.ToLower(format),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (w *Webhook) Name() string { return "webhook" }

// SignWith makes every request carry an Ed25519 signature from s.
func (w *Webhook) SignWith(s *signing.Signer) *Webhook {
	w.signer = s
	return w
}

type genericPayload struct {
	Severity  Severity          `json:"severity"`
	Subject   string            `json:"subject"`
	Body      string            `json:"body"`
	Host      string            `json:"host,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

func (w *Webhook) payload(msg Message) any {
	switch w.format {
	case "slack":
		return map[string]string{"text": fmt.Sprintf("*[%s] %s*\n%s", strings.ToUpper(string(msg.Severity)), msg.Subject, msg.Body)}
	case "discord":
		return map[string]string{"content": fmt.Sprintf("**[%s] %s**\n%s", strings.ToUpper(string(msg.Severity)), msg.Subject, msg.Body)}
	default:
		host, _ := os.Hostname()
		return genericPayload{
			Severity:  msg.Severity,
			Subject:   msg.Subject,
			Body:      msg.Body,
			Host:      host,
			Fields:    msg.Fields,
			Timestamp: msg.Timestamp,
		}
	}
}

func (w *Webhook) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(w.payload(msg))
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.signer != nil {
		w.signer.Sign(req.Header, body)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("webhook failed (HTTP %d): %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return nil
}
