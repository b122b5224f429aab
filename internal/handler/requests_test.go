package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"convex-gateway/internal/store"
)

func seedStore(t *testing.T, n int) *store.MemoryStore {
	t.Helper()
	st := store.NewMemoryStore(100)
	for i := 0; i < n; i++ {
		err := st.Record(context.Background(), store.Entry{
			ID:        string(rune('a' + i)),
			Method:    http.MethodGet,
			Path:      "/api/query",
			Status:    http.StatusOK,
			CreatedAt: time.Now(),
		})
		if err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	return st
}

func TestRequestsHandler_Recent(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewRequestsHandler(seedStore(t, 3), logger)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/proxy/requests", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Recent(c); err != nil {
		t.Fatalf("Recent() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var entries []store.Entry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("len(entries) = %d, want 3", len(entries))
	}
}

func TestRequestsHandler_Recent_Limit(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewRequestsHandler(seedStore(t, 5), logger)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/proxy/requests?limit=2", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Recent(c); err != nil {
		t.Fatalf("Recent() error = %v", err)
	}

	var entries []store.Entry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("len(entries) = %d, want 2", len(entries))
	}
}

func TestRequestsHandler_Recent_BadLimit(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewRequestsHandler(seedStore(t, 1), logger)

	for _, raw := range []string{"0", "-1", "abc"} {
		e := echo.New()
		req := httptest.NewRequest(http.MethodGet, "/proxy/requests?limit="+raw, http.NoBody)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		if err := h.Recent(c); err != nil {
			t.Fatalf("Recent() error = %v", err)
		}
		if rec.Code != http.StatusBadRequest {
			t.Errorf("limit=%q: status = %d, want %d", raw, rec.Code, http.StatusBadRequest)
		}
	}
}

func TestRequestsHandler_Recent_AuditDisabled(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewRequestsHandler(nil, logger)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/proxy/requests", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Recent(c); err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestRequestsHandler_Recent_EmptyStore(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewRequestsHandler(store.NewMemoryStore(10), logger)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/proxy/requests", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Recent(c); err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if got := rec.Body.String(); got != "[]\n" {
		t.Errorf("body = %q, want empty JSON array", got)
	}
}
