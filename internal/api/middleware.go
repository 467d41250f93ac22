package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hanchipham/MosquitoBackend/internal/auth"
	"github.com/hanchipham/MosquitoBackend/internal/store"
)

// deviceContextKey is where the authenticated device is stashed on the
// request context.
const deviceContextKey = "device"

// currentDevice returns the device set by the auth middleware, or nil on
// routes that were never authenticated.
func currentDevice(c echo.Context) *store.Device {
	device, _ := c.Get(deviceContextKey).(*store.Device)
	return device
}

// deviceAuth authenticates the request with HTTP Basic credentials. Unknown
// devices and wrong passwords are indistinguishable to the caller; valid
// credentials on a deactivated device are rejected with 403.
func (s *Server) deviceAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		deviceCode, password, ok := c.Request().BasicAuth()
		if !ok {
			s.countAuthFailure()
			c.Response().Header().Set(echo.HeaderWWWAuthenticate, `Basic realm="device"`)
			return c.JSON(http.StatusUnauthorized, errorResponse{Detail: "Not authenticated"})
		}

		device, err := s.auth.Authenticate(c.Request().Context(), deviceCode, password)
		switch {
		case errors.Is(err, auth.ErrInvalidCredentials):
			s.countAuthFailure()
			c.Response().Header().Set(echo.HeaderWWWAuthenticate, `Basic realm="device"`)
			return c.JSON(http.StatusUnauthorized, errorResponse{Detail: "Invalid device credentials"})
		case errors.Is(err, store.ErrNotFound):
			s.countAuthFailure()
			return c.JSON(http.StatusNotFound, errorResponse{Detail: "Device not found"})
		case errors.Is(err, auth.ErrDeviceInactive):
			s.countAuthFailure()
			return c.JSON(http.StatusForbidden, errorResponse{Detail: "Device is not active"})
		case err != nil:
			s.logger.Error("authentication lookup failed", "device_code", deviceCode, "error", err)
			return c.JSON(http.StatusInternalServerError, errorResponse{Detail: "Authentication failed"})
		}

		c.Set(deviceContextKey, device)
		return next(c)
	}
}

// requireDeviceMatch rejects requests whose device_code path segment does not
// belong to the authenticated device. Devices only ever act on themselves.
func (s *Server) requireDeviceMatch(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		device := currentDevice(c)
		if device == nil || c.Param("device_code") != device.DeviceCode {
			return c.JSON(http.StatusForbidden, errorResponse{Detail: "Access denied"})
		}
		return next(c)
	}
}

// requestMetrics records one counter and one duration sample per request,
// labeled with the route template to keep cardinality bounded.
func (s *Server) requestMetrics(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.metrics == nil {
			return next(c)
		}

		start := time.Now()
		err := next(c)
		if err != nil {
			// Commit the error response so the recorded status is real.
			c.Error(err)
		}

		method := c.Request().Method
		path := c.Path()
		status := strconv.Itoa(c.Response().Status)
		s.metrics.RequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
		s.metrics.RequestsTotal.WithLabelValues(method, path, status).Inc()
		return err
	}
}

func (s *Server) countAuthFailure() {
	if s.metrics != nil {
		s.metrics.AuthFailuresTotal.Inc()
	}
}

func (s *Server) countUpload(status string) {
	if s.metrics != nil {
		s.metrics.UploadsTotal.WithLabelValues(status).Inc()
	}
}
