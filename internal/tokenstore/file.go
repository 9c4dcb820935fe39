package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Sealer encrypts and decrypts persisted token material.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
}

// FileStore provides encrypted, atomic file-based token storage with secure permissions.
// Writes use temp file + rename for crash safety.
type FileStore struct {
	filePath string
	sealer   Sealer

	// mu serializes read-modify-write cycles of Save within this process
	mu sync.Mutex
}

// Compile-time check to ensure FileStore implements Store
var _ Store = (*FileStore)(nil)

// NewFileStore creates a FileStore for the given path, creating parent directories
// with 0700 permissions if they don't exist.
func NewFileStore(filePath string, sealer Sealer) (*FileStore, error) {
	if filePath == "" {
		return nil, fmt.Errorf("file path cannot be empty")
	}
	if sealer == nil {
		return nil, fmt.Errorf("missing sealer")
	}

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	return &FileStore{
		filePath: filePath,
		sealer:   sealer,
	}, nil
}

// Load decrypts and returns the stored pair. A missing file is an empty pair.
// Returns error if the file has insecure permissions or cannot be decrypted.
func (f *FileStore) Load(ctx context.Context) (TokenPair, error) {
	if err := ctx.Err(); err != nil {
		return TokenPair{}, err
	}

	return f.read()
}

func (f *FileStore) read() (TokenPair, error) {
	// Check file permissions before reading
	info, err := os.Stat(f.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return TokenPair{}, nil
	}
	if err != nil {
		return TokenPair{}, unavailable("stat", err)
	}
	if info.Mode().Perm() != 0600 {
		return TokenPair{}, unavailable("stat", fmt.Errorf("insecure permissions on %s: %04o (expected 0600)", f.filePath, info.Mode().Perm()))
	}

	data, err := os.ReadFile(f.filePath)
	if err != nil {
		return TokenPair{}, unavailable("read", err)
	}
	if len(data) == 0 {
		return TokenPair{}, nil
	}

	plaintext, err := f.sealer.Open(data)
	if err != nil {
		return TokenPair{}, unavailable("open", err)
	}

	var pair TokenPair
	if err := json.Unmarshal(plaintext, &pair); err != nil {
		return TokenPair{}, unavailable("decode", err)
	}
	return pair, nil
}

// Save merges pair into the stored tokens and rewrites the file atomically.
func (f *FileStore) Save(ctx context.Context, pair TokenPair) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	current, err := f.read()
	if err != nil {
		return err
	}
	return f.write(ctx, current.merge(pair))
}

// write atomically saves the pair using temp file + rename for crash safety.
// Sets file permissions to 0600 (owner read/write only).
func (f *FileStore) write(ctx context.Context, pair TokenPair) error {
	plaintext, err := json.Marshal(pair)
	if err != nil {
		return unavailable("encode", err)
	}
	ciphertext, err := f.sealer.Seal(plaintext)
	if err != nil {
		return unavailable("seal", err)
	}

	// Create secure temp file in same directory for atomic rename
	dir := filepath.Dir(f.filePath)
	tempFile, err := os.CreateTemp(dir, "*.tmp")
	if err != nil {
		return unavailable("create temp", err)
	}
	tempName := tempFile.Name()
	// Cleanup deferred for all exit paths
	defer func() { _ = os.Remove(tempName) }()
	defer func() { _ = tempFile.Close() }()

	if _, err := tempFile.Write(ciphertext); err != nil {
		return unavailable("write", err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := tempFile.Close(); err != nil {
		return unavailable("close", err)
	}

	// Atomic rename to final location
	if err := os.Rename(tempName, f.filePath); err != nil {
		return unavailable("rename", err)
	}

	// Set secure file permissions (0600 = rw-------)
	if err := os.Chmod(f.filePath, 0600); err != nil {
		return unavailable("chmod", err)
	}

	return nil
}

// Clear removes the token file.
func (f *FileStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.filePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return unavailable("remove", err)
	}
	return nil
}
