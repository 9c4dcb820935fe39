package tokenstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// KeyringStore provides OS-native secure credential storage for the token pair.
// Uses macOS Keychain, Windows Credential Manager, or Linux Secret Service.
// Each token is its own keyring item, named "<user>/<key>".
type KeyringStore struct {
	service string
	user    string
}

// Compile-time check to ensure KeyringStore implements Store
var _ Store = (*KeyringStore)(nil)

// NewKeyringStore creates a KeyringStore for the OS-native credential storage
// using the given service and user identifiers.
func NewKeyringStore(service, user string) (*KeyringStore, error) {
	if service == "" {
		return nil, fmt.Errorf("service cannot be empty")
	}
	if user == "" {
		return nil, fmt.Errorf("user cannot be empty")
	}

	return &KeyringStore{
		service: service,
		user:    user,
	}, nil
}

func (k *KeyringStore) item(key string) string {
	return k.user + "/" + key
}

// Save writes the provided tokens to the keyring, overwriting existing values.
func (k *KeyringStore) Save(ctx context.Context, pair TokenPair) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if pair.Access != "" {
		if err := keyring.Set(k.service, k.item(AccessTokenKey), pair.Access); err != nil {
			return unavailable("keyring set "+AccessTokenKey, err)
		}
	}
	if pair.Refresh != "" {
		if err := keyring.Set(k.service, k.item(RefreshTokenKey), pair.Refresh); err != nil {
			return unavailable("keyring set "+RefreshTokenKey, err)
		}
	}
	return nil
}

// Load returns the tokens from the system keyring. Missing items are not an error.
func (k *KeyringStore) Load(ctx context.Context) (TokenPair, error) {
	if err := ctx.Err(); err != nil {
		return TokenPair{}, err
	}

	access, err := k.get(AccessTokenKey)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := k.get(RefreshTokenKey)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{Access: access, Refresh: refresh}, nil
}

func (k *KeyringStore) get(key string) (string, error) {
	value, err := keyring.Get(k.service, k.item(key))
	if errors.Is(err, keyring.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", unavailable("keyring get "+key, err)
	}
	return value, nil
}

// Clear removes both items from the keyring.
func (k *KeyringStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, key := range []string{AccessTokenKey, RefreshTokenKey} {
		err := keyring.Delete(k.service, k.item(key))
		if err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return unavailable("keyring delete "+key, err)
		}
	}
	return nil
}
