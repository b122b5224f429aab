package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestSecurityHeaders_AddsHeaders(t *testing.T) {
	e := echo.New()
	e.Use(SecurityHeaders())
	e.GET("/test", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if v := rec.Header().Get("X-Content-Type-Options"); v != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want %q", v, "nosniff")
	}
	if v := rec.Header().Get("X-Frame-Options"); v != "DENY" {
		t.Errorf("X-Frame-Options = %q, want %q", v, "DENY")
	}
}

func TestSecurityHeaders_PresentOnStreamedResponses(t *testing.T) {
	e := echo.New()
	e.Use(SecurityHeaders())
	// Commit the header block inside the handler, the way the proxy
	// handler does before streaming a backend body.
	e.GET("/api/query", func(c echo.Context) error {
		c.Response().WriteHeader(http.StatusOK)
		_, err := c.Response().Write([]byte(`{"status":"success"}`))
		return err
	})

	req := httptest.NewRequest(http.MethodGet, "/api/query", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if v := rec.Header().Get("X-Content-Type-Options"); v != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want %q", v, "nosniff")
	}
	if v := rec.Header().Get("X-Frame-Options"); v != "DENY" {
		t.Errorf("X-Frame-Options = %q, want %q", v, "DENY")
	}
}

func TestSecurityHeaders_StripsHopByHop(t *testing.T) {
	e := echo.New()
	e.Use(SecurityHeaders())

	var gotConnection, gotUpgrade string
	e.GET("/test", func(c echo.Context) error {
		gotConnection = c.Request().Header.Get("Connection")
		gotUpgrade = c.Request().Header.Get("Upgrade")
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Upgrade", "websocket")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if gotConnection != "" {
		t.Errorf("Connection header = %q, want stripped", gotConnection)
	}
	if gotUpgrade != "" {
		t.Errorf("Upgrade header = %q, want stripped", gotUpgrade)
	}
}
