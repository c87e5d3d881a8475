package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RemoteConfig configures the HTTP client for the browser automation service.
type RemoteConfig struct {
	// BaseURL is the automation service endpoint.
	BaseURL string

	// Timeout bounds one driver call end to end. Zero means 3 minutes.
	Timeout time.Duration
}

// RemoteDriver implements BrowserDriver against a browser automation service
// reached over HTTP. The service holds the actual browser processes; each
// call addresses one of its sessions by token.
type RemoteDriver struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

var _ BrowserDriver = (*RemoteDriver)(nil)

// NewRemoteDriver creates a RemoteDriver.
// If logger is nil, a default logger will be used.
func NewRemoteDriver(cfg RemoteConfig, logger *slog.Logger) (*RemoteDriver, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("driver base URL cannot be empty")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid driver base URL: %w", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &RemoteDriver{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger.With(slog.String("component", "remote_driver")),
	}, nil
}

// Login implements BrowserDriver.Login.
func (d *RemoteDriver) Login(ctx context.Context, sessionToken string, creds Credentials) (bool, error) {
	var out struct {
		LoggedIn bool   `json:"logged_in"`
		Reason   string `json:"reason,omitempty"`
	}
	err := d.post(ctx, sessionToken, "login", map[string]string{
		"email":    creds.Email,
		"password": creds.Password,
	}, &out)
	if err != nil {
		return false, err
	}
	if !out.LoggedIn {
		d.logger.WarnContext(ctx, "login rejected",
			slog.String("session_token", sessionToken),
			slog.String("reason", out.Reason))
	}
	return out.LoggedIn, nil
}

// ApplyToJob implements BrowserDriver.ApplyToJob.
func (d *RemoteDriver) ApplyToJob(ctx context.Context, sessionToken string, jobRef string) (*ApplyResult, error) {
	var out ApplyResult
	err := d.post(ctx, sessionToken, "apply", map[string]string{"job_ref": jobRef}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ScrapeJobs implements BrowserDriver.ScrapeJobs.
func (d *RemoteDriver) ScrapeJobs(ctx context.Context, sessionToken string, searchRef string) (*ScrapeResult, error) {
	var out ScrapeResult
	err := d.post(ctx, sessionToken, "scrape", map[string]string{"search_ref": searchRef}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateProfile implements BrowserDriver.UpdateProfile.
func (d *RemoteDriver) UpdateProfile(ctx context.Context, sessionToken string, payload []byte) error {
	var body json.RawMessage = payload
	if len(payload) == 0 {
		body = json.RawMessage(`{}`)
	}
	return d.post(ctx, sessionToken, "profile", body, nil)
}

// post sends one command to the automation service and decodes the response
// into out when out is non-nil. Non-2xx responses become errors carrying the
// status code and response text so health classification can inspect them.
func (d *RemoteDriver) post(ctx context.Context, sessionToken, action string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", action, err)
	}

	endpoint := fmt.Sprintf("%s/sessions/%s/%s", d.baseURL, url.PathEscape(sessionToken), action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", action, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", action, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	d.logger.DebugContext(ctx, "driver call completed",
		slog.String("action", action),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)))

	// Cap the error body read; driver services can return full page dumps.
	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text := strings.TrimSpace(string(raw))
		if text == "" {
			text = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("%s failed with status %d: %s", action, resp.StatusCode, text)
	}
	if readErr != nil {
		return fmt.Errorf("failed to read %s response: %w", action, readErr)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", action, err)
	}
	return nil
}
