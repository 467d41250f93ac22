package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hanchipham/MosquitoBackend/internal/control"
	"github.com/hanchipham/MosquitoBackend/internal/pipeline"
	"github.com/hanchipham/MosquitoBackend/internal/policy"
	"github.com/hanchipham/MosquitoBackend/internal/store"
)

// errorResponse is the body of every non-2xx reply.
type errorResponse struct {
	Detail string `json:"detail"`
}

// uploadResponse acknowledges a frame before inference has run: the device is
// told to sleep and the zero counts are placeholders until a later poll.
type uploadResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	Action       string `json:"action"`
	Status       string `json:"status"`
	DeviceCode   string `json:"device_code"`
	TotalLarvae  int    `json:"total_larvae"`
	TotalObjects int    `json:"total_objects"`
}

// deviceInfoResponse is the provisioned device record.
type deviceInfoResponse struct {
	ID          string    `json:"id"`
	DeviceCode  string    `json:"device_code"`
	Location    string    `json:"location"`
	Description string    `json:"description"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
}

// commandResponse reports a mailbox write back to the caller.
type commandResponse struct {
	Success    bool                 `json:"success"`
	DeviceCode string               `json:"device_code"`
	Command    store.ControlCommand `json:"command"`
	Status     store.ControlStatus  `json:"status"`
	Message    string               `json:"message"`
	Timestamp  time.Time            `json:"timestamp"`
}

// controlStatusResponse is the raw mailbox state. The pointer fields are null
// in the NOT_SET shape, where no row exists.
type controlStatusResponse struct {
	DeviceCode string                `json:"device_code"`
	Command    *store.ControlCommand `json:"command"`
	Status     store.ControlStatus   `json:"status"`
	Message    string                `json:"message"`
	CreatedAt  *time.Time            `json:"created_at"`
	UpdatedAt  *time.Time            `json:"updated_at"`
}

// resetResponse reports a mailbox reset.
type resetResponse struct {
	Success    bool   `json:"success"`
	DeviceCode string `json:"device_code"`
	Existed    bool   `json:"existed"`
	Message    string `json:"message"`
}

// healthResponse is the liveness probe body.
type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// handleUpload accepts a multipart frame, stores the original and the
// preprocessed copy, publishes an inference job and acknowledges immediately.
// The device never waits on inference.
func (s *Server) handleUpload(c echo.Context) error {
	device := currentDevice(c)
	ctx := c.Request().Context()

	fileHeader, err := c.FormFile("image")
	if err != nil {
		s.countUpload("rejected")
		return c.JSON(http.StatusBadRequest, errorResponse{Detail: "image file is required"})
	}

	src, err := fileHeader.Open()
	if err != nil {
		s.countUpload("rejected")
		return c.JSON(http.StatusBadRequest, errorResponse{Detail: "image file is required"})
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		s.logger.Error("failed to read upload", "device_code", device.DeviceCode, "error", err)
		s.countUpload("error")
		return c.JSON(http.StatusInternalServerError, errorResponse{Detail: "Upload failed"})
	}

	capturedAt := s.parseCapturedAt(c.FormValue("captured_at"))

	original, err := s.imaging.SaveOriginal(data, device.DeviceCode)
	if err != nil {
		s.logger.Warn("rejected upload", "device_code", device.DeviceCode, "error", err)
		s.countUpload("rejected")
		return c.JSON(http.StatusBadRequest, errorResponse{Detail: "invalid image data"})
	}

	originalRow := &store.Image{
		DeviceID:   device.ID,
		DeviceCode: device.DeviceCode,
		ImageType:  store.ImageTypeOriginal,
		ImagePath:  original.Path,
		Width:      original.Width,
		Height:     original.Height,
		Checksum:   original.Checksum,
		CapturedAt: capturedAt,
	}
	if err := s.store.CreateImage(ctx, originalRow); err != nil {
		return s.uploadError(c, device.DeviceCode, "failed to record original image", err)
	}

	preprocessed, err := s.imaging.Preprocess(data, device.DeviceCode)
	if err != nil {
		return s.uploadError(c, device.DeviceCode, "failed to preprocess image", err)
	}

	preprocessedRow := &store.Image{
		DeviceID:   device.ID,
		DeviceCode: device.DeviceCode,
		ImageType:  store.ImageTypePreprocessed,
		ImagePath:  preprocessed.Path,
		Width:      preprocessed.Width,
		Height:     preprocessed.Height,
		Checksum:   preprocessed.Checksum,
		CapturedAt: capturedAt,
	}
	if err := s.store.CreateImage(ctx, preprocessedRow); err != nil {
		return s.uploadError(c, device.DeviceCode, "failed to record preprocessed image", err)
	}

	job := &pipeline.Job{
		ImageID:    preprocessedRow.ID,
		ImagePath:  preprocessed.Path,
		DeviceID:   device.ID,
		DeviceCode: device.DeviceCode,
		EnqueuedAt: s.now(),
	}
	payload, err := job.Encode()
	if err != nil {
		return s.uploadError(c, device.DeviceCode, "failed to encode job", err)
	}
	if err := s.queue.Push(ctx, payload); err != nil {
		return s.uploadError(c, device.DeviceCode, "failed to publish job", err)
	}

	if s.metrics != nil {
		s.metrics.UploadBytes.Observe(float64(len(data)))
	}
	s.countUpload("accepted")
	s.logger.Info("frame accepted",
		"device_code", device.DeviceCode,
		"image_id", preprocessedRow.ID,
		"bytes", len(data),
	)

	return c.JSON(http.StatusOK, uploadResponse{
		Success:      true,
		Message:      "Image uploaded successfully, processing in background",
		Action:       string(policy.ActionSleep),
		Status:       "PROCESSING",
		DeviceCode:   device.DeviceCode,
		TotalLarvae:  0,
		TotalObjects: 0,
	})
}

// handleDeviceInfo returns the authenticated device's record.
func (s *Server) handleDeviceInfo(c echo.Context) error {
	device := currentDevice(c)
	return c.JSON(http.StatusOK, deviceInfoResponse{
		ID:          device.ID,
		DeviceCode:  device.DeviceCode,
		Location:    device.Location,
		Description: device.Description,
		IsActive:    device.IsActive,
		CreatedAt:   device.CreatedAt,
	})
}

// handleHealth is the unauthenticated liveness probe.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:    "healthy",
		Timestamp: s.now(),
	})
}

// handlePollControl answers a device poll. The automatic action comes from
// the latest successful inference result through the decision policy, with
// STOP_SERVO as the safe default; a pending manual command overrides it.
func (s *Server) handlePollControl(c echo.Context) error {
	device := currentDevice(c)
	ctx := c.Request().Context()

	action := store.ControlStopServo
	latest, err := s.store.LatestSuccessfulResult(ctx, device.DeviceCode)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// No inference yet; stay in the safe state.
	case err != nil:
		return s.internalError(c, device.DeviceCode, "failed to load latest result", err)
	default:
		if _, decided := s.thresholds.Decide(latest.TotalLarvae); decided == policy.ActionActivate {
			action = store.ControlActivateServo
		}
	}

	resp, err := s.control.PollResponse(ctx, device.DeviceCode, action)
	if err != nil {
		return s.internalError(c, device.DeviceCode, "failed to build poll response", err)
	}
	return c.JSON(http.StatusOK, resp)
}

// handleActivateServo places ACTIVATE_SERVO in the mailbox. The endpoint is
// the command; there is no command field to parse.
func (s *Server) handleActivateServo(c echo.Context) error {
	return s.setManualCommand(c, store.ControlActivateServo, "Servo activation requested")
}

// handleStopServo places STOP_SERVO in the mailbox.
func (s *Server) handleStopServo(c echo.Context) error {
	return s.setManualCommand(c, store.ControlStopServo, "Servo stop requested")
}

func (s *Server) setManualCommand(c echo.Context, command store.ControlCommand, defaultMessage string) error {
	device := currentDevice(c)

	message := c.FormValue("message")
	if message == "" {
		message = defaultMessage
	}

	ctrl, err := s.control.Set(c.Request().Context(), device.DeviceCode, command, message)
	if errors.Is(err, control.ErrDeviceNotFound) {
		return c.JSON(http.StatusNotFound, errorResponse{Detail: "Device not found"})
	}
	if err != nil {
		return s.internalError(c, device.DeviceCode, "failed to set control", err)
	}

	return c.JSON(http.StatusOK, commandResponse{
		Success:    true,
		DeviceCode: device.DeviceCode,
		Command:    ctrl.ControlCommand,
		Status:     ctrl.Status,
		Message:    ctrl.Message,
		Timestamp:  ctrl.UpdatedAt,
	})
}

// handleControlExecuted records that the device carried out the pending
// command. The endpoint is the status.
func (s *Server) handleControlExecuted(c echo.Context) error {
	return s.reportOutcome(c, store.ControlStatusExecuted, "Command executed successfully")
}

// handleControlFailed records that execution failed on the device.
func (s *Server) handleControlFailed(c echo.Context) error {
	return s.reportOutcome(c, store.ControlStatusFailed, "Command execution failed")
}

func (s *Server) reportOutcome(c echo.Context, status store.ControlStatus, defaultMessage string) error {
	device := currentDevice(c)

	message := c.FormValue("message")
	if message == "" {
		message = defaultMessage
	}

	ctrl, err := s.control.UpdateStatus(c.Request().Context(), device.DeviceCode, status, message)
	if err != nil {
		return s.internalError(c, device.DeviceCode, "failed to update control status", err)
	}
	if ctrl == nil {
		return c.JSON(http.StatusNotFound, errorResponse{Detail: "No control found for this device"})
	}

	return c.JSON(http.StatusOK, commandResponse{
		Success:    true,
		DeviceCode: device.DeviceCode,
		Command:    ctrl.ControlCommand,
		Status:     ctrl.Status,
		Message:    ctrl.Message,
		Timestamp:  ctrl.UpdatedAt,
	})
}

// handleControlStatus returns the raw mailbox state without arbitration.
func (s *Server) handleControlStatus(c echo.Context) error {
	device := currentDevice(c)

	ctrl, err := s.control.Get(c.Request().Context(), device.DeviceCode)
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusOK, controlStatusResponse{
			DeviceCode: device.DeviceCode,
			Status:     store.ControlStatusNotSet,
			Message:    "No control configured for this device",
		})
	}
	if err != nil {
		return s.internalError(c, device.DeviceCode, "failed to load control", err)
	}

	return c.JSON(http.StatusOK, controlStatusResponse{
		DeviceCode: ctrl.DeviceCode,
		Command:    &ctrl.ControlCommand,
		Status:     ctrl.Status,
		Message:    ctrl.Message,
		CreatedAt:  &ctrl.CreatedAt,
		UpdatedAt:  &ctrl.UpdatedAt,
	})
}

// handleControlReset deletes the mailbox row, reverting the device to
// automatic control on its next poll.
func (s *Server) handleControlReset(c echo.Context) error {
	device := currentDevice(c)

	existed, err := s.control.Reset(c.Request().Context(), device.DeviceCode)
	if err != nil {
		return s.internalError(c, device.DeviceCode, "failed to reset control", err)
	}

	message := "Control reset"
	if !existed {
		message = "No control configured for this device"
	}
	return c.JSON(http.StatusOK, resetResponse{
		Success:    true,
		DeviceCode: device.DeviceCode,
		Existed:    existed,
		Message:    message,
	})
}

func (s *Server) uploadError(c echo.Context, deviceCode, msg string, err error) error {
	s.logger.Error(msg, "device_code", deviceCode, "error", err)
	s.countUpload("error")
	return c.JSON(http.StatusInternalServerError, errorResponse{Detail: "Upload failed"})
}

func (s *Server) internalError(c echo.Context, deviceCode, msg string, err error) error {
	s.logger.Error(msg, "device_code", deviceCode, "error", err)
	return c.JSON(http.StatusInternalServerError, errorResponse{Detail: "Internal server error"})
}

// parseCapturedAt parses the optional capture timestamp, falling back to the
// server clock on absence or malformed input. A bad clock on a field device
// must not block an upload.
func (s *Server) parseCapturedAt(raw string) time.Time {
	if raw == "" {
		return s.now()
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return s.now()
	}
	return t
}
