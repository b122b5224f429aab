// Package tunnel optionally exposes the gateway through an ngrok tunnel,
// giving the locally supervised backend a public edge address.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"golang.ngrok.com/ngrok"
	ngrokcfg "golang.ngrok.com/ngrok/config"
)

// Tunnel serves an HTTP handler over an ngrok listener.
type Tunnel struct {
	handler http.Handler
	logger  *slog.Logger

	authToken string
	domain    string

	ln ngrok.Tunnel
}

// New creates a Tunnel. AuthToken may be empty when NGROK_AUTHTOKEN is set in
// the environment.
func New(handler http.Handler, authToken, domain string, logger *slog.Logger) *Tunnel {
	return &Tunnel{
		handler:   handler,
		logger:    logger.With("component", "tunnel"),
		authToken: authToken,
		domain:    domain,
	}
}

// Start opens the tunnel and begins serving on it in the background.
func (t *Tunnel) Start(ctx context.Context) error {
	var endpointOpts []ngrokcfg.HTTPEndpointOption
	if t.domain != "" {
		endpointOpts = append(endpointOpts, ngrokcfg.WithDomain(t.domain))
	}

	connectOpts := []ngrok.ConnectOption{ngrok.WithAuthtokenFromEnv()}
	if t.authToken != "" {
		connectOpts = []ngrok.ConnectOption{ngrok.WithAuthtoken(t.authToken)}
	}

	ln, err := ngrok.Listen(ctx, ngrokcfg.HTTPEndpoint(endpointOpts...), connectOpts...)
	if err != nil {
		return fmt.Errorf("tunnel: listen: %w", err)
	}
	t.ln = ln

	t.logger.Info("tunnel listening", "url", ln.URL())

	go func() {
		if err := http.Serve(ln, t.handler); err != nil && !errors.Is(err, net.ErrClosed) {
			t.logger.Error("tunnel serve", "err", err)
		}
	}()

	return nil
}

// URL returns the public tunnel URL, or empty before Start.
func (t *Tunnel) URL() string {
	if t.ln == nil {
		return ""
	}
	return t.ln.URL()
}

// Stop closes the tunnel listener.
func (t *Tunnel) Stop() error {
	if t.ln == nil {
		return nil
	}
	return t.ln.Close()
}
