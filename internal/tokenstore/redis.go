package tokenstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the token pair in Redis so several processes can share one
// session. Values are sealed before they leave the process.
type RedisStore struct {
	client redis.UniversalClient
	sealer Sealer
	prefix string
}

// Compile-time check to ensure RedisStore implements Store
var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore whose keys are "<prefix>:access_token" and
// "<prefix>:refresh_token".
func NewRedisStore(client redis.UniversalClient, sealer Sealer, prefix string) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("missing redis client")
	}
	if sealer == nil {
		return nil, fmt.Errorf("missing sealer")
	}
	if prefix == "" {
		return nil, fmt.Errorf("key prefix cannot be empty")
	}

	return &RedisStore{
		client: client,
		sealer: sealer,
		prefix: prefix,
	}, nil
}

func (r *RedisStore) key(name string) string {
	return r.prefix + ":" + name
}

// Save writes the provided tokens in a single MULTI/EXEC transaction.
func (r *RedisStore) Save(ctx context.Context, pair TokenPair) error {
	values := make(map[string]string, 2)
	for name, value := range map[string]string{AccessTokenKey: pair.Access, RefreshTokenKey: pair.Refresh} {
		if value == "" {
			continue
		}
		sealed, err := r.sealer.Seal([]byte(value))
		if err != nil {
			return unavailable("seal "+name, err)
		}
		values[r.key(name)] = string(sealed)
	}
	if len(values) == 0 {
		return nil
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for key, value := range values {
			pipe.Set(ctx, key, value, 0)
		}
		return nil
	})
	if err != nil {
		return unavailable("redis set", err)
	}
	return nil
}

// Load fetches and unseals both tokens.
func (r *RedisStore) Load(ctx context.Context) (TokenPair, error) {
	values, err := r.client.MGet(ctx, r.key(AccessTokenKey), r.key(RefreshTokenKey)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return TokenPair{}, unavailable("redis mget", err)
	}

	var tokens [2]string
	for i, value := range values {
		if i >= len(tokens) {
			break
		}
		raw, ok := value.(string)
		if !ok || raw == "" {
			continue
		}
		plaintext, err := r.sealer.Open([]byte(raw))
		if err != nil {
			return TokenPair{}, unavailable("open", err)
		}
		tokens[i] = string(plaintext)
	}
	return TokenPair{Access: tokens[0], Refresh: tokens[1]}, nil
}

// Clear deletes both keys. Deleting missing keys is not an error.
func (r *RedisStore) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key(AccessTokenKey), r.key(RefreshTokenKey)).Err(); err != nil {
		return unavailable("redis del", err)
	}
	return nil
}
