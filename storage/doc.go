// Package storage provides interfaces and utilities for OAuth client, grant,
// token, and settings persistence.
//
// The storage package defines the core storage interfaces used throughout the
// connect library:
//   - ClientStore: Manages registered OAuth clients
//   - FlowStore: Manages pending authorization requests and issued codes
//   - TokenStore: Manages access and refresh tokens
//   - SettingsStore: Persists ability overrides and the consent allow-list
//
// Token and code secrets are stored hashed (SHA-256); client secrets are
// stored as bcrypt hashes. Single-use artifacts (codes, refresh tokens) are
// consumed through atomic conditional updates so that two concurrent
// redemptions yield exactly one success.
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/postgres: PostgreSQL storage for production
package storage
