package tokenstore

import (
	"context"
	"errors"
	"fmt"
)

// Keys under which the two tokens are persisted.
const (
	AccessTokenKey  = "access_token"
	RefreshTokenKey = "refresh_token"
)

var (
	// ErrStorageUnavailable wraps failures of the underlying persistence.
	// Read paths treat it as "not authenticated", write paths as a hard failure.
	ErrStorageUnavailable = errors.New("token storage unavailable")

	// ErrReadOnly is returned by backends that cannot persist tokens.
	ErrReadOnly = errors.New("token storage is read-only")
)

// TokenPair is the current authentication material. An empty field means the
// token is absent.
type TokenPair struct {
	Access  string `json:"access_token,omitempty"`
	Refresh string `json:"refresh_token,omitempty"`
}

// IsZero reports whether neither token is present.
func (p TokenPair) IsZero() bool {
	return p.Access == "" && p.Refresh == ""
}

// merge returns p with the non-empty fields of update applied.
func (p TokenPair) merge(update TokenPair) TokenPair {
	if update.Access != "" {
		p.Access = update.Access
	}
	if update.Refresh != "" {
		p.Refresh = update.Refresh
	}
	return p
}

// Store reads and writes the token pair to persistent storage.
type Store interface {
	// Save persists the non-empty fields of pair. Empty fields are left untouched.
	// No validation of token contents is performed.
	Save(ctx context.Context, pair TokenPair) error

	// Load returns the persisted pair. Missing tokens come back as empty fields.
	Load(ctx context.Context) (TokenPair, error)

	// Clear deletes both tokens. Clearing an empty store succeeds.
	Clear(ctx context.Context) error
}

// unavailable wraps err so that it matches ErrStorageUnavailable.
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}
