// Package sealed encrypts small secrets at rest with age.
//
// Sealed output is ASCII-armored so it can live in text files or string-typed
// stores. A Sealer is built either from an X25519 identity (kept in a 0600 key
// file, see LoadOrCreateIdentity) or from a passphrase (scrypt).
package sealed

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"
)

// Sealer encrypts to a single recipient and decrypts with the matching identity.
type Sealer struct {
	recipient age.Recipient
	identity  age.Identity
}

// NewSealer creates a Sealer for the given X25519 identity.
func NewSealer(identity *age.X25519Identity) (*Sealer, error) {
	if identity == nil {
		return nil, errors.New("missing age identity")
	}
	return &Sealer{
		recipient: identity.Recipient(),
		identity:  identity,
	}, nil
}

// NewPassphraseSealer creates a Sealer that derives its key from passphrase with scrypt.
// workFactor is the scrypt log2(N); zero keeps the age default.
func NewPassphraseSealer(passphrase string, workFactor int) (*Sealer, error) {
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt recipient: %w", err)
	}
	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt identity: %w", err)
	}
	if workFactor > 0 {
		recipient.SetWorkFactor(workFactor)
	}
	return &Sealer{
		recipient: recipient,
		identity:  identity,
	}, nil
}

// Seal encrypts plaintext and returns armored ciphertext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	var buf bytes.Buffer
	armorWriter := armor.NewWriter(&buf)

	writer, err := age.Encrypt(armorWriter, s.recipient)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	if err := armorWriter.Close(); err != nil {
		return nil, fmt.Errorf("finalizing armor: %w", err)
	}

	return buf.Bytes(), nil
}

// Open decrypts armored ciphertext produced by Seal.
func (s *Sealer) Open(ciphertext []byte) ([]byte, error) {
	reader, err := age.Decrypt(armor.NewReader(bytes.NewReader(ciphertext)), s.identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}

	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted plaintext: %w", err)
	}
	return plaintext, nil
}

// LoadOrCreateIdentity reads the X25519 identity stored at path, generating and
// persisting a new one (0600) when the file does not exist yet.
func LoadOrCreateIdentity(path string) (*age.X25519Identity, error) {
	if path == "" {
		return nil, errors.New("identity path cannot be empty")
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		identity, err := age.ParseX25519Identity(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("parsing identity %s: %w", path, err)
		}
		return identity, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("reading identity %s: %w", path, err)
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age identity: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	// O_EXCL so two processes racing on first use do not overwrite each other's key
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if errors.Is(err, os.ErrExist) {
		return LoadOrCreateIdentity(path)
	}
	if err != nil {
		return nil, fmt.Errorf("creating identity %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.WriteString(identity.String() + "\n"); err != nil {
		return nil, fmt.Errorf("writing identity %s: %w", path, err)
	}
	return identity, nil
}
