package app

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"

	"github.com/streetfix/streetfix-client/internal/gateway"
	"github.com/streetfix/streetfix-client/internal/sealed"
	"github.com/streetfix/streetfix-client/internal/tokenstore"
)

// LogFormat represents the logging output format.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
	LogFormatOTel LogFormat = "otel"
	LogFormatOTLP LogFormat = "otlp"
)

// TokenStorageType represents the different storage types supported for stored tokens.
type TokenStorageType string

const (
	TokenStorageTypeFile    TokenStorageType = "file"
	TokenStorageTypeEnv     TokenStorageType = "env"
	TokenStorageTypeKeyring TokenStorageType = "keyring"
	TokenStorageTypeRedis   TokenStorageType = "redis"
	TokenStorageTypeMemory  TokenStorageType = "memory"
)

// Default configuration values
const (
	DefaultConfigLogFormat       = LogFormatText
	DefaultConfigServerHost      = "127.0.0.1"
	DefaultConfigServerPort      = 4000
	DefaultConfigShutdownTimeout = 5 * time.Second
	DefaultConfigAPITimeout      = gateway.DefaultTimeout
	DefaultConfigAPIRefreshPath  = gateway.DefaultRefreshPath
	DefaultConfigAuthStorage     = TokenStorageTypeKeyring
	DefaultConfigRedisPrefix     = "streetfix"

	keyringService = "streetfix-client"
	configDirName  = "streetfix"
)

// ServerConfig holds settings of the local authenticated forwarder.
type ServerConfig struct {
	Host string `json:"host" validate:"hostname_rfc1123|ip"`
	Port uint16 `json:"port"` // Port range 0-65535 handled by uint16 type
}

// ShutdownConfig holds shutdown behavior configuration.
type ShutdownConfig struct {
	// Timeout for graceful shutdown.
	Timeout time.Duration `json:"timeout"`
}

// APIConfig holds reporting API settings.
type APIConfig struct {
	// BaseURL is joined to relative request paths. Empty means paths are used as-is.
	BaseURL     string        `json:"base_url" validate:"omitempty,url"`
	Timeout     time.Duration `json:"timeout" validate:"gte=0"`
	RefreshPath string        `json:"refresh_path"`
}

// RedisConfig holds settings for Redis-backed token storage.
type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty" validate:"gte=0"`
	Prefix   string `json:"prefix,omitempty"`
}

// AuthConfig describes how to construct the token store.
type AuthConfig struct {
	Storage TokenStorageType `json:"storage" validate:"required,oneof=file env keyring redis memory"`

	// Storage-specific settings (mutually exclusive based on Storage type)
	File        string      `json:"file,omitempty"`         // For file storage: path to the encrypted token file
	EnvKey      string      `json:"env_key,omitempty"`      // For env storage: environment variable holding a static access token
	KeyringUser string      `json:"keyring_user,omitempty"` // For keyring storage: user identifier
	Redis       RedisConfig `json:"redis"`                  // For redis storage

	// Encryption for file and redis storage: a passphrase, or else an age identity file
	Passphrase   string `json:"passphrase,omitempty"`
	IdentityFile string `json:"identity_file,omitempty"`
}

// NewTokenStore creates a Store from the authentication configuration.
// The returned closer is non-nil when the store holds a connection.
func (a *AuthConfig) NewTokenStore() (tokenstore.Store, io.Closer, error) {
	switch a.Storage {
	case TokenStorageTypeFile:
		s, err := a.newSealer()
		if err != nil {
			return nil, nil, err
		}
		store, err := tokenstore.NewFileStore(a.File, s)
		return store, nil, err
	case TokenStorageTypeEnv:
		store, err := tokenstore.NewEnvStore(a.EnvKey)
		return store, nil, err
	case TokenStorageTypeKeyring:
		store, err := tokenstore.NewKeyringStore(keyringService, a.KeyringUser)
		return store, nil, err
	case TokenStorageTypeRedis:
		s, err := a.newSealer()
		if err != nil {
			return nil, nil, err
		}
		client := redis.NewClient(&redis.Options{
			Addr:     a.Redis.Addr,
			Password: a.Redis.Password,
			DB:       a.Redis.DB,
		})
		store, err := tokenstore.NewRedisStore(client, s, a.Redis.Prefix)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return store, client, nil
	case TokenStorageTypeMemory:
		return tokenstore.NewMemoryStore(tokenstore.TokenPair{}), nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage type: %s", a.Storage)
	}
}

func (a *AuthConfig) newSealer() (*sealed.Sealer, error) {
	if a.Passphrase != "" {
		return sealed.NewPassphraseSealer(a.Passphrase, 0)
	}
	identity, err := sealed.LoadOrCreateIdentity(a.IdentityFile)
	if err != nil {
		return nil, fmt.Errorf("loading encryption identity: %w", err)
	}
	return sealed.NewSealer(identity)
}

// Config holds the application's configuration.
type Config struct {
	// LogLevel for logging output (defaults to Info if unset).
	LogLevel  slog.Level     `json:"log_level"`
	LogFormat LogFormat      `json:"log_format" validate:"oneof=text json otel otlp"`
	Server    ServerConfig   `json:"server"`
	Shutdown  ShutdownConfig `json:"shutdown"`
	API       APIConfig      `json:"api"`
	Auth      AuthConfig     `json:"auth"`
}

// Default creates a new Config with default values applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset config fields with sensible defaults.
func (c *Config) ApplyDefaults() error {
	if c.LogFormat == "" {
		c.LogFormat = DefaultConfigLogFormat
	}
	if c.Server.Host == "" {
		c.Server.Host = DefaultConfigServerHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultConfigServerPort
	}
	if c.Shutdown.Timeout == 0 {
		c.Shutdown.Timeout = DefaultConfigShutdownTimeout
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultConfigAPITimeout
	}
	if c.API.RefreshPath == "" {
		c.API.RefreshPath = DefaultConfigAPIRefreshPath
	}
	if c.Auth.Storage == "" {
		c.Auth.Storage = DefaultConfigAuthStorage
	}

	// Dynamic defaults based on storage type
	switch c.Auth.Storage {
	case TokenStorageTypeFile, TokenStorageTypeRedis:
		if c.Auth.Storage == TokenStorageTypeFile && c.Auth.File == "" {
			dir, err := os.UserConfigDir()
			if err != nil {
				return fmt.Errorf("auth.file required (auto-detect failed: %w)", err)
			}
			c.Auth.File = filepath.Join(dir, configDirName, "tokens")
		}
		if c.Auth.Storage == TokenStorageTypeRedis && c.Auth.Redis.Prefix == "" {
			c.Auth.Redis.Prefix = DefaultConfigRedisPrefix
		}
		if c.Auth.Passphrase == "" && c.Auth.IdentityFile == "" {
			dir, err := os.UserConfigDir()
			if err != nil {
				return fmt.Errorf("auth.identity_file required (auto-detect failed: %w)", err)
			}
			c.Auth.IdentityFile = filepath.Join(dir, configDirName, "identity")
		}
	case TokenStorageTypeKeyring:
		if c.Auth.KeyringUser == "" {
			currentUser, err := user.Current()
			if err != nil {
				return fmt.Errorf("auth.keyring_user required (auto-detect failed: %w)", err)
			}
			c.Auth.KeyringUser = currentUser.Username
		}
	case TokenStorageTypeEnv, TokenStorageTypeMemory:
		// env_key must be explicitly configured (no sensible default)
	}

	return nil
}

// Validate validates the configuration using struct tags and enum values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	switch c.Auth.Storage {
	case TokenStorageTypeFile:
		if c.Auth.File == "" {
			return errors.New("file path required for file storage")
		}
	case TokenStorageTypeEnv:
		if c.Auth.EnvKey == "" {
			return errors.New("env_key required for env storage")
		}
	case TokenStorageTypeKeyring:
		if c.Auth.KeyringUser == "" {
			return errors.New("keyring_user required for keyring storage")
		}
	case TokenStorageTypeRedis:
		if c.Auth.Redis.Addr == "" {
			return errors.New("redis.addr required for redis storage")
		}
		if c.Auth.Redis.Prefix == "" {
			return errors.New("redis.prefix required for redis storage")
		}
	}

	// Sealed backends need key material
	if c.Auth.Storage == TokenStorageTypeFile || c.Auth.Storage == TokenStorageTypeRedis {
		if c.Auth.Passphrase == "" && c.Auth.IdentityFile == "" {
			return errors.New("passphrase or identity_file required for encrypted storage")
		}
	}

	return nil
}
