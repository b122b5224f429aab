// Package store records proxied requests for later inspection via the
// /proxy/requests endpoint.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"convex-gateway/internal/config"
)

// Entry is one recorded proxied request.
type Entry struct {
	ID         string    `json:"id"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Status     int       `json:"status"`
	DurationMs int64     `json:"duration_ms"`
	BytesOut   int64     `json:"bytes_out"`
	RemoteIP   string    `json:"remote_ip"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store persists audit entries. Implementations must be safe for concurrent use.
type Store interface {
	// Record saves an entry, evicting the oldest ones beyond the configured cap.
	Record(ctx context.Context, e Entry) error
	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

// New creates the Store selected by audit.driver.
func New(cfg *config.Config) (Store, error) {
	switch strings.ToLower(cfg.Audit.Driver) {
	case "memory":
		return NewMemoryStore(cfg.Audit.MaxEntries), nil
	case "sqlite":
		return NewSQLiteStore(cfg.Audit.DSN, cfg.Audit.MaxEntries)
	default:
		return nil, fmt.Errorf("store: unknown audit driver %q", cfg.Audit.Driver)
	}
}
