// Package tokenstore persists the access/refresh token pair used to authenticate
// against the reporting API.
//
// Backends trade off security and deployment shape:
//   - Keyring: OS-native credential storage (macOS Keychain, Windows Credential Manager, Secret Service)
//   - File: age-encrypted file with atomic writes and 0600 permissions
//   - Redis: age-sealed values shared between processes, pair updates in one transaction
//   - Env: read-only static access token from an environment variable
//   - Memory: process-local, for tests and ephemeral sessions
//
// Absence of tokens is a normal state (signed out) and never an error. Every
// backend failure is reported wrapped in ErrStorageUnavailable.
package tokenstore
