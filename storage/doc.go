// Package storage provides interfaces and record types for OAuth client,
// authorization code, and refresh token persistence.
//
// The storage package defines the core storage interfaces used throughout the library:
//   - ClientStore: Manages registered OAuth clients (tombstoned on revocation)
//   - CodeStore: Manages single-use authorization codes with atomic consumption
//   - RefreshTokenStore: Manages refresh token rotation families
//
// Codes and refresh tokens are keyed by SHA-256 digest so persisted data
// never contains redeemable credential values.
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/mock: Mock storage for unit testing
//   - storage/valkey: Valkey/Redis-compatible distributed storage for production
package storage
