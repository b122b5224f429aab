// Package service implements the core forwarding logic.
package service

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"convex-gateway/internal/client"
	"convex-gateway/internal/config"
	"convex-gateway/internal/model"
	"convex-gateway/internal/supervisor"
)

// forwardableRequestHeaders are the only plain request headers forwarded to
// the backend; Convex-* and X-Convex-* headers are forwarded separately.
var forwardableRequestHeaders = []string{
	"Accept",
	"Accept-Encoding",
	"Accept-Language",
	"Authorization",
	"Content-Type",
	"Content-Length",
	"Origin",
}

// forwardableResponseHeaders are the only response headers forwarded to the
// client. The Access-Control-* family is matched by prefix because the
// backend answers CORS preflights itself.
var forwardableResponseHeaders = map[string]bool{
	"Content-Type":     true,
	"Content-Length":   true,
	"Content-Encoding": true,
	"Cache-Control":    true,
	"Date":             true,
	"X-Request-Id":     true,
}

const userAgent = "convex-gateway/1.0"

// ProxyService forwards API requests to the supervised Convex backend.
type ProxyService struct {
	client     *client.BackendClient
	supervisor *supervisor.Supervisor
	logger     *slog.Logger
	baseURL    *url.URL
}

// NewProxyService creates a ProxyService.
func NewProxyService(c *client.BackendClient, sup *supervisor.Supervisor, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	u, err := url.Parse(cfg.Backend.BaseURL())
	if err != nil {
		return nil, fmt.Errorf("parse backend base URL: %w", err)
	}

	return &ProxyService{
		client:     c,
		supervisor: sup,
		logger:     logger.With("component", "proxy_service"),
		baseURL:    u,
	}, nil
}

// Forward wakes the backend if needed, sends a ProxyRequest to it and returns
// the response. The caller is responsible for closing the response body.
//
// The request always goes out over plain HTTP to the backend port, regardless
// of the scheme the client connected with.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	if err := s.supervisor.Ensure(pr.Ctx); err != nil {
		return nil, fmt.Errorf("wake backend: %w", err)
	}

	backendURL := s.buildBackendURL(pr.Path, pr.Query)
	header := s.filterRequestHeaders(pr.Header)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
	)

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, backendURL, header, pr.Body)
	if err != nil {
		return nil, fmt.Errorf("forward to backend: %w", err)
	}

	s.supervisor.Touch()
	resp.Header = s.filterResponseHeaders(resp.Header)
	return resp, nil
}

func (s *ProxyService) buildBackendURL(path string, query url.Values) string {
	u := *s.baseURL
	u.Path = path
	u.RawQuery = query.Encode()
	return u.String()
}

func (s *ProxyService) filterRequestHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for _, key := range forwardableRequestHeaders {
		if vals := src.Values(key); len(vals) > 0 {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	// Forward Convex client/protocol headers
	for key, vals := range src {
		lower := strings.ToLower(key)
		if strings.HasPrefix(lower, "convex-") || strings.HasPrefix(lower, "x-convex-") {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	dst.Set("User-Agent", userAgent)
	return dst
}

func (s *ProxyService) filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for key, vals := range src {
		canonical := http.CanonicalHeaderKey(key)
		if forwardableResponseHeaders[canonical] || strings.HasPrefix(canonical, "Access-Control-") {
			dst[key] = vals
		}
	}
	return dst
}
