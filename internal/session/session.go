// Package session is the explicit auth context handed to every screen or
// command: it signs users in and out and exposes the identity decoded from
// the current access token.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/streetfix/streetfix-client/internal/gateway"
	"github.com/streetfix/streetfix-client/internal/identity"
	"github.com/streetfix/streetfix-client/internal/tokenstore"
)

const (
	signInPath        = "/account.sign.in"
	deleteAccountPath = "/account.delete"
)

// ErrSignInRejected is returned when the API answers sign-in without a token.
var ErrSignInRejected = errors.New("sign-in rejected")

// Manager holds the current identity. Identity changes only through SignIn,
// SignOut, DeleteAccount, RefreshIdentity and gateway session events.
type Manager struct {
	gateway *gateway.Gateway
	store   tokenstore.Store
	logger  *slog.Logger
	now     func() time.Time

	current atomic.Pointer[identity.Identity]
}

// NewManager creates a Manager and subscribes it to the gateway's session
// events, so a teardown empties the identity before ErrSessionExpired reaches
// the caller.
func NewManager(gw *gateway.Gateway, logger *slog.Logger) (*Manager, error) {
	if gw == nil {
		return nil, fmt.Errorf("missing gateway")
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		gateway: gw,
		store:   gw.Store(),
		logger:  logger,
		now:     time.Now,
	}
	gw.AddSessionListener(m.Observe)
	return m, nil
}

// CurrentIdentity returns the signed-in identity, or nil when signed out or
// when the access token it came from has expired.
func (m *Manager) CurrentIdentity() *identity.Identity {
	id := m.current.Load()
	if id == nil || id.ExpiredAt(m.now()) {
		return nil
	}
	return id
}

// Observe updates the identity from a gateway session event. An empty pair
// means the session was torn down.
func (m *Manager) Observe(pair tokenstore.TokenPair) {
	m.setFromToken(pair.Access)
}

func (m *Manager) setFromToken(access string) *identity.Identity {
	if access == "" || identity.IsExpiredAt(access, m.now()) {
		m.current.Store(nil)
		return nil
	}
	id := identity.Derive(access)
	m.current.Store(id)
	return id
}

// Bootstrap loads the stored session on start. An expired access token leaves
// the user signed out; no refresh is attempted until an authenticated call needs one.
func (m *Manager) Bootstrap(ctx context.Context) *identity.Identity {
	return m.RefreshIdentity(ctx)
}

// RefreshIdentity recomputes the identity from the stored access token.
// Unreadable storage counts as signed out.
func (m *Manager) RefreshIdentity(ctx context.Context) *identity.Identity {
	pair, err := m.store.Load(ctx)
	if err != nil {
		m.logger.WarnContext(ctx, "token store unavailable, treating as signed out", "error", err)
		m.current.Store(nil)
		return nil
	}
	return m.setFromToken(pair.Access)
}

type signInResponse struct {
	Token        string          `json:"token"`
	RefreshToken string          `json:"refreshToken"`
	Result       json.RawMessage `json:"result,omitempty"`
}

// SignIn exchanges credentials for a token pair and persists it. Sign-in
// fails if the pair cannot be persisted.
func (m *Manager) SignIn(ctx context.Context, userID, password string) (*identity.Identity, error) {
	resp, err := m.gateway.Do(ctx, signInPath,
		gateway.WithAnonymous(),
		gateway.WithForm(url.Values{"user_id": {userID}, "password": {password}}),
	)
	if err != nil {
		return nil, fmt.Errorf("signing in: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out signInResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding sign-in response: %w", err)
	}
	if out.Token == "" {
		if len(out.Result) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrSignInRejected, out.Result)
		}
		return nil, ErrSignInRejected
	}

	// Replace, never merge: a stale refresh token must not survive a new sign-in
	if err := m.store.Clear(ctx); err != nil {
		return nil, fmt.Errorf("clearing previous session: %w", err)
	}
	if err := m.store.Save(ctx, tokenstore.TokenPair{Access: out.Token, Refresh: out.RefreshToken}); err != nil {
		if clearErr := m.store.Clear(context.WithoutCancel(ctx)); clearErr != nil {
			m.logger.ErrorContext(ctx, "failed to clear partially saved session", "error", clearErr)
		}
		m.current.Store(nil)
		return nil, fmt.Errorf("persisting session: %w", err)
	}

	id := m.setFromToken(out.Token)
	m.logger.InfoContext(ctx, "signed in", "user_id", userID)
	return id, nil
}

// SignOut clears the stored session. Signing out twice is not an error.
func (m *Manager) SignOut(ctx context.Context) error {
	m.current.Store(nil)
	if err := m.store.Clear(ctx); err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}
	m.logger.InfoContext(ctx, "signed out")
	return nil
}

// DeleteAccount deletes the signed-in account on the server and tears the
// local session down.
func (m *Manager) DeleteAccount(ctx context.Context) error {
	resp, err := m.gateway.Do(ctx, deleteAccountPath, gateway.WithMethod(http.MethodPost))
	if err != nil {
		return fmt.Errorf("deleting account: %w", err)
	}
	_ = resp.Body.Close()

	return m.SignOut(ctx)
}
