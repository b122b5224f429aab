package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"convex-gateway/internal/model"
	"convex-gateway/internal/service"
	"convex-gateway/internal/supervisor"
)

// ProxyHandler forwards API requests to the Convex backend.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle proxies the request to the backend and streams the response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:    req.Context(),
		Method: req.Method,
		Path:   req.URL.Path,
		Query:  req.URL.Query(),
		Header: req.Header,
		Body:   req.Body,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Copy filtered response headers
	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)

	// Stream the backend body directly to the client. If io.Copy fails
	// mid-stream (e.g. client disconnect, backend crash), the HTTP status
	// code has already been sent, so the client receives a truncated
	// response with the original status. This is an inherent trade-off of
	// streaming proxies — we log the error for observability.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", req.URL.Path,
		)
	}

	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", err,
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, supervisor.ErrBackendUnavailable) {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"error": "backend is unavailable, retry shortly",
		})
	}

	if errors.Is(err, supervisor.ErrWakeTimeout) {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"error": "backend failed to start in time",
		})
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "backend request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "backend connection failed",
		})
	}

	// The generic branch carries the failure's message.
	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": err.Error(),
	})
}
