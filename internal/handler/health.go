package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"tokenproxy/internal/metrics"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves the optional liveness endpoint.
type HealthHandler struct {
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(v Version) *HealthHandler {
	return &HealthHandler{version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	c.Set(metrics.RouteKey, metrics.RouteHealth)
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"version": string(h.version),
	})
}
