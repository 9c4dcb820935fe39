// Package proxy runs a loopback HTTP server that forwards requests to the
// reporting API through the gateway, so embedded map views and scripts can
// call the API without ever holding a token.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/streetfix/streetfix-client/internal/gateway"
	"github.com/streetfix/streetfix-client/internal/session"
)

// SessionPath serves the current identity as JSON.
const SessionPath = "/_streetfix/session"

// Proxy represents the local forwarder.
type Proxy struct {
	mux      *http.ServeMux
	server   *http.Server
	addr     atomic.Pointer[string]
	gateway  *gateway.Gateway
	sessions *session.Manager
}

// Compile-time check that Proxy implements http.Handler
var _ http.Handler = (*Proxy)(nil)

// New creates a forwarder over gw. Every path except SessionPath is forwarded.
func New(gw *gateway.Gateway, sessions *session.Manager) (*Proxy, error) {
	if gw == nil {
		return nil, fmt.Errorf("missing gateway")
	}
	if sessions == nil {
		return nil, fmt.Errorf("missing session manager")
	}

	p := &Proxy{
		mux:      http.NewServeMux(),
		gateway:  gw,
		sessions: sessions,
	}

	logger := slog.Default()

	p.mux.Handle("GET "+SessionPath, applyMiddlewares(http.HandlerFunc(p.serveSession),
		Logging(logger),
		Recovery,
	))
	p.mux.Handle("/", applyMiddlewares(http.HandlerFunc(p.forward),
		Logging(logger),
		Recovery,
	))

	return p, nil
}

// ServeHTTP implements http.Handler interface
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mux.ServeHTTP(w, r)
}

// Start starts the HTTP server in the background and returns immediately.
// Only requests addressed to a loopback host are served.
// Returns a channel for runtime errors and a startup error if any.
//
// Startup errors (port in use, permission denied) are returned immediately.
// Runtime errors (network failures during operation) are sent to the error channel.
//
// The caller is responsible for calling Shutdown() to stop the server.
func (p *Proxy) Start(ctx context.Context, address string) (<-chan error, error) {
	// Startup phase: Create listener synchronously to catch port-in-use errors immediately
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	bound := listener.Addr().String()
	p.addr.Store(&bound)
	p.server = &http.Server{
		Handler:      LoopbackOnly(p),
		ReadTimeout:  2 * time.Minute, // Inbound: photo and voice uploads from the embedded views
		WriteTimeout: 2 * time.Minute, // Inbound: bounded by the gateway timeout in practice
		IdleTimeout:  90 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)

	go func() {
		err := p.server.Serve(listener)
		// Only report error if not from graceful shutdown
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	return errCh, nil
}

// Addr returns the bound listen address, or "" before Start.
func (p *Proxy) Addr() string {
	if addr := p.addr.Load(); addr != nil {
		return *addr
	}
	return ""
}

// Shutdown performs graceful shutdown of the HTTP server.
// Returns error if shutdown fails or times out.
func (p *Proxy) Shutdown(ctx context.Context) error {
	if p.server == nil {
		return nil
	}

	if err := p.server.Shutdown(ctx); err != nil {
		// Graceful shutdown failed - force close
		_ = p.server.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	return nil
}
