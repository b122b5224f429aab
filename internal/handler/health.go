package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"convex-gateway/internal/config"
	"convex-gateway/internal/supervisor"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg        *config.Config
	supervisor *supervisor.Supervisor
	version    Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, sup *supervisor.Supervisor, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, supervisor: sup, version: v}
}

// Healthz returns a simple OK response for liveness probes. It reports the
// gateway's own liveness; a sleeping backend is healthy by design.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns gateway and backend status information.
func (h *HealthHandler) Status(c echo.Context) error {
	backend := h.supervisor.State()
	healthy := "false"
	if backend == "running" || backend == "external" {
		if h.supervisor.Healthy(c.Request().Context()) {
			healthy = "true"
		}
	}

	return c.JSON(http.StatusOK, map[string]string{
		"status":          "ok",
		"version":         string(h.version),
		"backend_url":     h.cfg.Backend.BaseURL(),
		"backend_state":   backend,
		"backend_healthy": healthy,
	})
}
