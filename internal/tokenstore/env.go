package tokenstore

import (
	"context"
	"fmt"
	"os"
)

// EnvStore provides read-only access to a static access token stored in an
// environment variable. There is never a refresh token, so sessions backed by
// it cannot be refreshed or torn down.
type EnvStore struct {
	envKey string
}

// Compile-time check to ensure EnvStore implements Store
var _ Store = (*EnvStore)(nil)

// NewEnvStore creates an EnvStore for the given environment variable.
// Returns error if the variable name is empty or not set in the environment.
func NewEnvStore(envKey string) (*EnvStore, error) {
	if envKey == "" {
		return nil, fmt.Errorf("environment key cannot be empty")
	}

	if _, exists := os.LookupEnv(envKey); !exists {
		return nil, fmt.Errorf("environment variable %s not set", envKey)
	}

	return &EnvStore{
		envKey: envKey,
	}, nil
}

// Load returns the access token from the environment variable.
func (e *EnvStore) Load(ctx context.Context) (TokenPair, error) {
	if err := ctx.Err(); err != nil {
		return TokenPair{}, err
	}

	return TokenPair{Access: os.Getenv(e.envKey)}, nil
}

// Save is not supported for environment variables.
func (e *EnvStore) Save(ctx context.Context, _ TokenPair) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return unavailable("env "+e.envKey, ErrReadOnly)
}

// Clear is not supported for environment variables.
func (e *EnvStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return unavailable("env "+e.envKey, ErrReadOnly)
}
