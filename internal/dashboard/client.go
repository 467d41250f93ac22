// Package dashboard pushes detection state to the operator dashboard. The
// dashboard is a hosted pin-based service: each write is a GET against its
// update endpoint with the device token and one value per pin. Pushes are
// fire-and-forget; callers log failures and move on.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeout bounds one dashboard push.
const DefaultTimeout = 10 * time.Second

// Config holds the configuration for the dashboard client. An empty Token
// disables the client: every push becomes a logged no-op, so deployments
// without a dashboard run unchanged.
type Config struct {
	Logger    *slog.Logger
	BaseURL   string
	Token     string
	StatusPin string
	CountPin  string
	Timeout   time.Duration
	// HTTPClient overrides the underlying client, used by tests.
	HTTPClient *http.Client
}

// Client writes severity status and larva counts to the dashboard pins.
type Client struct {
	logger     *slog.Logger
	httpClient *http.Client
	baseURL    string
	token      string
	statusPin  string
	countPin   string
}

// NewClient creates a new dashboard client.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("dashboard config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Token != "" && cfg.BaseURL == "" {
		return nil, errors.New("base url cannot be empty")
	}

	statusPin := cfg.StatusPin
	if statusPin == "" {
		statusPin = "v1"
	}
	countPin := cfg.CountPin
	if countPin == "" {
		countPin = "v2"
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		logger:     cfg.Logger.With("component", "dashboard"),
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		token:      cfg.Token,
		statusPin:  statusPin,
		countPin:   countPin,
	}, nil
}

// Enabled reports whether a device token is configured.
func (c *Client) Enabled() bool {
	return c.token != ""
}

// UpdateAll writes the severity status and larva count in one batch push.
func (c *Client) UpdateAll(ctx context.Context, deviceCode, status string, larvaCount int) error {
	if !c.Enabled() {
		c.logger.Debug("dashboard disabled, skipping update", "device_code", deviceCode)
		return nil
	}

	values := url.Values{}
	values.Set("token", c.token)
	values.Set(c.statusPin, status)
	values.Set(c.countPin, strconv.Itoa(larvaCount))

	if err := c.get(ctx, c.baseURL+"/external/api/batch/update?"+values.Encode()); err != nil {
		return err
	}

	c.logger.Debug("dashboard updated",
		"device_code", deviceCode,
		"status", status,
		"larva_count", larvaCount,
	)
	return nil
}

// UpdateStatus writes free-form status text to the status pin, used for
// error states the count pins cannot express.
func (c *Client) UpdateStatus(ctx context.Context, deviceCode, statusText string) error {
	if !c.Enabled() {
		c.logger.Debug("dashboard disabled, skipping status", "device_code", deviceCode)
		return nil
	}

	values := url.Values{}
	values.Set("token", c.token)
	values.Set(c.statusPin, statusText)

	if err := c.get(ctx, c.baseURL+"/external/api/update?"+values.Encode()); err != nil {
		return err
	}

	c.logger.Debug("dashboard status updated",
		"device_code", deviceCode,
		"status", statusText,
	)
	return nil
}

func (c *Client) get(ctx context.Context, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build dashboard request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("dashboard request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("dashboard returned status %d", resp.StatusCode)
	}
	return nil
}
