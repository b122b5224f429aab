package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"convex-gateway/internal/store"
)

// defaultRequestsLimit bounds /proxy/requests responses when no limit is given.
const defaultRequestsLimit = 50

// RequestsHandler serves the proxied-request audit log.
type RequestsHandler struct {
	store  store.Store
	logger *slog.Logger
}

// NewRequestsHandler creates a RequestsHandler. The store may be nil when
// auditing is disabled; the endpoint then reports 404.
func NewRequestsHandler(st store.Store, logger *slog.Logger) *RequestsHandler {
	return &RequestsHandler{
		store:  st,
		logger: logger.With("component", "requests_handler"),
	}
}

// Recent returns the most recent proxied requests, newest first.
// An optional ?limit=N query parameter caps the result.
func (h *RequestsHandler) Recent(c echo.Context) error {
	if h.store == nil {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "request auditing is disabled",
		})
	}

	limit := defaultRequestsLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": "limit must be a positive integer",
			})
		}
		limit = n
	}

	entries, err := h.store.Recent(c.Request().Context(), limit)
	if err != nil {
		h.logger.Error("reading audit log", "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to read audit log",
		})
	}
	if entries == nil {
		entries = []store.Entry{}
	}

	return c.JSON(http.StatusOK, entries)
}
