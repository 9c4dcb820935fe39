package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/streetfix/streetfix-client/internal/gateway"
	"github.com/streetfix/streetfix-client/internal/proxy"
	"github.com/streetfix/streetfix-client/internal/session"
	"github.com/streetfix/streetfix-client/internal/tokenstore"
)

// App wires the token store, gateway and session manager, and runs the local
// forwarder when asked to.
type App struct {
	cfg      *Config
	store    tokenstore.Store
	gateway  *gateway.Gateway
	sessions *session.Manager
	proxy    *proxy.Proxy
	closers  []io.Closer
}

// New creates a new App instance. No network I/O is performed.
func New(cfg *Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	store, closer, err := cfg.Auth.NewTokenStore()
	if err != nil {
		return nil, fmt.Errorf("failed to create token store: %w", err)
	}

	a := &App{cfg: cfg, store: store}
	if closer != nil {
		a.closers = append(a.closers, closer)
	}

	a.gateway, err = gateway.New(store,
		gateway.WithBaseURL(cfg.API.BaseURL),
		gateway.WithTimeout(cfg.API.Timeout),
		gateway.WithRefreshPath(cfg.API.RefreshPath),
		gateway.WithLogger(slog.Default()),
	)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("failed to create gateway: %w", err)
	}

	a.sessions, err = session.NewManager(a.gateway, slog.Default())
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("failed to create session manager: %w", err)
	}

	a.proxy, err = proxy.New(a.gateway, a.sessions)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("failed to create proxy: %w", err)
	}

	return a, nil
}

// Gateway returns the authenticated request gateway.
func (a *App) Gateway() *gateway.Gateway {
	return a.gateway
}

// Sessions returns the session manager.
func (a *App) Sessions() *session.Manager {
	return a.sessions
}

// Close releases connections held by the token store.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Start runs the local forwarder and blocks until shutdown is triggered.
// Uses errgroup for runtime error monitoring and shutdown function collection for coordinated cleanup.
func (a *App) Start(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	address := a.cfg.Server.Host + ":" + strconv.FormatUint(uint64(a.cfg.Server.Port), 10)
	var shutdownFuncs []func(context.Context) error

	if id := a.sessions.Bootstrap(gCtx); id != nil {
		slog.InfoContext(gCtx, "session loaded", "user_id", id.UserID)
	} else {
		slog.WarnContext(gCtx, "no active session, requests will be forwarded unauthenticated until sign-in")
	}

	// Startup phase: Start services
	slog.InfoContext(gCtx, "starting proxy server", "address", address)
	proxyErrCh, err := a.proxy.Start(gCtx, address)
	if err != nil {
		return fmt.Errorf("proxy startup failed: %w", err)
	}
	shutdownFuncs = append(shutdownFuncs, a.proxy.Shutdown)

	// Monitor runtime errors - errgroup cancels context on first error
	g.Go(func() error {
		select {
		case err := <-proxyErrCh:
			if err != nil {
				slog.ErrorContext(gCtx, "proxy runtime error", "error", err)
				return fmt.Errorf("proxy: %w", err)
			}
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	slog.InfoContext(gCtx, "application ready", "address", a.proxy.Addr())

	runtimeErr := g.Wait()

	slog.InfoContext(gCtx, "shutting down services")

	// Shutdown phase: Stop all services
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Shutdown.Timeout)
	defer cancel()

	var errs []error
	if runtimeErr != nil {
		errs = append(errs, fmt.Errorf("runtime: %w", runtimeErr))
	}

	for i := len(shutdownFuncs) - 1; i >= 0; i-- {
		if err := shutdownFuncs[i](shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "service shutdown failed", "error", err)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	slog.Info("application stopped")
	return nil
}
