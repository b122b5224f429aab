package handler

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
// Anything not registered here falls through to Echo's 404.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, health *HealthHandler, requests *RequestsHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)
	e.GET("/proxy/requests", requests.Recent)

	e.Any("/api", proxy.Handle)
	e.Any("/api/*", proxy.Handle)
}
