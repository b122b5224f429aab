package middleware

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"convex-gateway/internal/store"
)

// recordTimeout bounds how long a single audit write may take.
const recordTimeout = 5 * time.Second

// auditQueueSize bounds how many entries may wait for the writer goroutine.
const auditQueueSize = 256

// AuditRecorder returns an Echo middleware that records proxied /api requests
// into the audit store. Entries are handed to a single writer goroutine so
// recording never blocks or fails a request; when the queue is full the
// entry is dropped and a warning logged.
func AuditRecorder(st store.Store, logger *slog.Logger) echo.MiddlewareFunc {
	log := logger.With("component", "audit_recorder")

	queue := make(chan store.Entry, auditQueueSize)
	go func() {
		for entry := range queue {
			ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
			if err := st.Record(ctx, entry); err != nil {
				log.Error("recording audit entry", "err", err, "path", entry.Path)
			}
			cancel()
		}
	}()

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			if path != "/api" && !strings.HasPrefix(path, "/api/") {
				return next(c)
			}

			start := time.Now()
			err := next(c)

			// Same status resolution as the metrics middleware: an
			// *echo.HTTPError has not been written yet when next returns.
			statusCode := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					statusCode = he.Code
				}
			}

			entry := store.Entry{
				ID:         uuid.New().String(),
				Method:     c.Request().Method,
				Path:       path,
				Status:     statusCode,
				DurationMs: time.Since(start).Milliseconds(),
				BytesOut:   c.Response().Size,
				RemoteIP:   c.RealIP(),
				CreatedAt:  start,
			}

			select {
			case queue <- entry:
			default:
				log.Warn("audit queue full, dropping entry", "path", entry.Path)
			}

			return err
		}
	}
}
