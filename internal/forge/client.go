// Package forge talks to the GitHub and GitLab REST APIs.
package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/qmoi-io/qmoi-heal/internal/faults"
)

// DefaultTimeout bounds every API request.
const DefaultTimeout = 30 * time.Second

// APIError is a non-2xx API response.
type APIError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s (HTTP %d): %s", e.Method, e.URL, e.Status, e.Body)
}

type client struct {
	http     *http.Client
	tokenKey string
	auth     func(*http.Request)
	log      *slog.Logger
}

func newClient(tokenKey string, auth func(*http.Request), component string) *client {
	return &client{
		http:     &http.Client{Timeout: DefaultTimeout},
		tokenKey: tokenKey,
		auth:     auth,
		log:      slog.Default().With("component", component),
	}
}

// do sends in as JSON (when non-nil) and decodes a 2xx body into out
// (when non-nil). Failures are classified for the retry executor.
func (c *client) do(ctx context.Context, method, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "qmoi-heal")
	c.auth(req)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return faults.Transient(method+" "+url, err)
	}
	defer resp.Body.Close()
	c.log.Debug("api request", "method", method, "url", url, "status", resp.StatusCode, "duration", time.Since(start))

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.classify(&APIError{Method: method, URL: url, Status: resp.StatusCode, Body: string(bytes.TrimSpace(respBody))})
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response from %s: %w", url, err)
		}
	}
	return nil
}

func (c *client) classify(e *APIError) error {
	switch {
	case e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden:
		return &faults.Error{Kind: faults.KindConfigurationMissing, Op: c.tokenKey, Detail: "token rejected", Err: e}
	case e.Status == http.StatusConflict || e.Status == http.StatusUnprocessableEntity:
		return &faults.Error{Kind: faults.KindConflict, Op: e.Method + " " + e.URL, Detail: "request rejected", Err: e}
	default:
		return faults.Transient(e.Method+" "+e.URL, e)
	}
}

// IsStatus reports whether err carries an API response with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}
