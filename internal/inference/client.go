// Package inference submits preprocessed frames to the hosted detection API
// and derives the aggregate counts the decision policy consumes.
package inference

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout bounds one detection call.
const DefaultTimeout = 30 * time.Second

// DefaultTargetClass is the detection class counted as larvae. The field
// models were trained with this label.
const DefaultTargetClass = "jentik"

// maxResponseBytes caps how much of a provider response is read.
const maxResponseBytes = 10 << 20

// Config holds the configuration for the inference client.
type Config struct {
	Logger       *slog.Logger
	APIURL       string
	APIKey       string
	ModelID      string
	ModelVersion string
	// TargetClass is the class label counted as larvae; defaults to
	// DefaultTargetClass.
	TargetClass string
	Timeout     time.Duration
	// HTTPClient overrides the underlying client, used by tests.
	HTTPClient *http.Client
}

// Client calls the hosted detection endpoint. The provider expects the frame
// base64-encoded in a form-encoded POST body, with the key in the query.
type Client struct {
	logger      *slog.Logger
	httpClient  *http.Client
	endpoint    string
	targetClass string
}

// NewClient creates a new inference client.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("inference config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.APIURL == "" {
		return nil, errors.New("api url cannot be empty")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("api key cannot be empty")
	}
	if cfg.ModelID == "" || cfg.ModelVersion == "" {
		return nil, errors.New("model id and version cannot be empty")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	targetClass := cfg.TargetClass
	if targetClass == "" {
		targetClass = DefaultTargetClass
	}

	endpoint := fmt.Sprintf("%s/%s/%s?api_key=%s",
		strings.TrimSuffix(cfg.APIURL, "/"),
		cfg.ModelID,
		cfg.ModelVersion,
		url.QueryEscape(cfg.APIKey),
	)

	return &Client{
		logger:      cfg.Logger.With("component", "inference"),
		httpClient:  httpClient,
		endpoint:    endpoint,
		targetClass: targetClass,
	}, nil
}

// Infer submits one frame and returns the provider's raw JSON response.
func (c *Client) Infer(ctx context.Context, imageData []byte) ([]byte, error) {
	body := base64.StdEncoding.EncodeToString(imageData)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build inference request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inference request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read inference response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("inference provider returned status %d: %s",
			resp.StatusCode, truncate(raw, 200))
	}

	c.logger.Debug("inference call completed",
		"bytes", len(imageData),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return raw, nil
}

// ParsePrediction derives the aggregate counts from a raw provider response
// using the configured target class.
func (c *Client) ParsePrediction(raw []byte) (*Summary, error) {
	return ParsePrediction(raw, c.targetClass)
}

func truncate(data []byte, limit int) string {
	if len(data) <= limit {
		return string(data)
	}
	return string(data[:limit]) + "..."
}
