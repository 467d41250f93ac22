// Package simulator provides a synthetic field device for development and
// load testing. The device speaks the backend's public HTTP API: it uploads
// generated camera frames, polls the control mailbox and acknowledges manual
// commands the way real hardware would.
package simulator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"github.com/hanchipham/MosquitoBackend/internal/control"
	"github.com/hanchipham/MosquitoBackend/internal/store"
)

const (
	defaultFrameWidth  = 640
	defaultFrameHeight = 480
	defaultHTTPTimeout = 30 * time.Second
)

var (
	errLoggerRequired     = errors.New("logger is required")
	errAPIURLRequired     = errors.New("api url is required")
	errDeviceCodeRequired = errors.New("device code is required")
	errPasswordRequired   = errors.New("password is required")
	errInvalidFailureRate = errors.New("failure rate must be between 0 and 1")
)

// UploadAck is the immediate acknowledgment returned for an uploaded frame.
type UploadAck struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Action  string `json:"action"`
	Status  string `json:"status"`
}

// ControlState is the arbitration outcome returned by a control poll. Manual
// states carry the pending command, automatic states carry the action derived
// from inference.
type ControlState struct {
	Mode    control.Mode         `json:"mode"`
	Command store.ControlCommand `json:"command"`
	Action  store.ControlCommand `json:"action"`
	Status  string               `json:"status"`
	Message string               `json:"message"`
}

// DeviceConfig holds the configuration for a simulated device.
type DeviceConfig struct {
	// Logger is the structured logger
	Logger *slog.Logger
	// APIURL is the base URL of the backend, e.g. http://localhost:8000
	APIURL string
	// DeviceCode identifies the provisioned device to act as
	DeviceCode string
	// Password is the device credential used for basic auth
	Password string
	// FrameWidth and FrameHeight size the generated frames; zero means the
	// default camera resolution
	FrameWidth  int
	FrameHeight int
	// FailureRate is the probability a manual command is reported as FAILED
	// instead of EXECUTED; zero makes every command succeed
	FailureRate float64
	// HTTPClient overrides the default HTTP client, mainly for tests
	HTTPClient *http.Client
}

// Device is a simulated camera device.
type Device struct {
	logger      *slog.Logger
	httpClient  *http.Client
	apiURL      string
	deviceCode  string
	password    string
	frameWidth  int
	frameHeight int
	failureRate float64
}

// NewDevice creates a simulated device with the given configuration.
func NewDevice(cfg *DeviceConfig) (*Device, error) {
	if cfg == nil {
		return nil, errors.New("device config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errLoggerRequired
	}
	if cfg.APIURL == "" {
		return nil, errAPIURLRequired
	}
	if cfg.DeviceCode == "" {
		return nil, errDeviceCodeRequired
	}
	if cfg.Password == "" {
		return nil, errPasswordRequired
	}
	if cfg.FailureRate < 0 || cfg.FailureRate > 1 {
		return nil, errInvalidFailureRate
	}

	width := cfg.FrameWidth
	if width <= 0 {
		width = defaultFrameWidth
	}
	height := cfg.FrameHeight
	if height <= 0 {
		height = defaultFrameHeight
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	return &Device{
		logger:      cfg.Logger.With("component", "device", "device_code", cfg.DeviceCode),
		httpClient:  httpClient,
		apiURL:      strings.TrimRight(cfg.APIURL, "/"),
		deviceCode:  cfg.DeviceCode,
		password:    cfg.Password,
		frameWidth:  width,
		frameHeight: height,
		failureRate: cfg.FailureRate,
	}, nil
}

// CaptureFrame returns a synthetic JPEG frame at the configured resolution.
func (d *Device) CaptureFrame() []byte {
	return gofakeit.ImageJpeg(d.frameWidth, d.frameHeight)
}

// Upload submits one frame to the ingestion endpoint and returns the
// immediate acknowledgment.
func (d *Device) Upload(ctx context.Context, frame []byte) (*UploadAck, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("image", "frame.jpg")
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(frame); err != nil {
		return nil, err
	}
	if err := writer.WriteField("captured_at", time.Now().Format(time.RFC3339)); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.apiURL+"/api/upload", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.SetBasicAuth(d.deviceCode, d.password)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upload rejected: %s", responseError(resp))
	}

	var ack UploadAck
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return nil, fmt.Errorf("decode upload ack: %w", err)
	}
	return &ack, nil
}

// PollControl asks the backend who is driving the device and with what.
func (d *Device) PollControl(ctx context.Context) (*ControlState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.controlURL("control"), nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(d.deviceCode, d.password)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("control poll rejected: %s", responseError(resp))
	}

	var state ControlState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return nil, fmt.Errorf("decode control state: %w", err)
	}
	return &state, nil
}

// ReportOutcome reports a manual command's execution result back to the
// mailbox.
func (d *Device) ReportOutcome(ctx context.Context, executed bool, message string) error {
	endpoint := "control/failed"
	if executed {
		endpoint = "control/executed"
	}

	form := url.Values{}
	if message != "" {
		form.Set("message", message)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.controlURL(endpoint),
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(d.deviceCode, d.password)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("outcome report rejected: %s", responseError(resp))
	}
	return nil
}

// Cycle runs one duty cycle: capture and upload a frame, poll the control
// mailbox, and execute whatever command is pending.
func (d *Device) Cycle(ctx context.Context) error {
	ack, err := d.Upload(ctx, d.CaptureFrame())
	if err != nil {
		return fmt.Errorf("upload frame: %w", err)
	}
	d.logger.Debug("frame acknowledged", "action", ack.Action, "status", ack.Status)

	state, err := d.PollControl(ctx)
	if err != nil {
		return fmt.Errorf("poll control: %w", err)
	}

	if state.Mode == control.ModeManual && state.Status == string(store.ControlStatusPending) {
		return d.executeCommand(ctx, state.Command)
	}

	d.logger.Debug("automatic control", "action", state.Action)
	return nil
}

// executeCommand pretends to drive the servo and reports the outcome. The
// configured failure rate exercises the FAILED reporting path.
func (d *Device) executeCommand(ctx context.Context, command store.ControlCommand) error {
	if rand.Float64() < d.failureRate { // #nosec G404 - weak random is acceptable for simulation
		d.logger.Warn("simulating command failure", "command", command)
		return d.ReportOutcome(ctx, false, fmt.Sprintf("simulated %s failure", command))
	}

	d.logger.Info("executing manual command", "command", command)
	return d.ReportOutcome(ctx, true, "")
}

func (d *Device) controlURL(endpoint string) string {
	return fmt.Sprintf("%s/api/device/%s/%s", d.apiURL, d.deviceCode, endpoint)
}

// responseError summarizes a non-OK response for error messages.
func responseError(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	detail := strings.TrimSpace(string(body))
	if detail == "" {
		return fmt.Sprintf("status %d", resp.StatusCode)
	}
	return fmt.Sprintf("status %d: %s", resp.StatusCode, detail)
}
