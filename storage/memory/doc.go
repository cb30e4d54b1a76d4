// Package memory provides an in-memory implementation of the OAuth
// storage interfaces.
//
// This package implements ClientStore, CodeStore, and RefreshTokenStore
// using Go's built-in maps with mutex protection for thread safety. It is
// suitable for development, testing, and single-instance deployments
// where persistence is not required.
//
// Features:
//   - Thread-safe operations using sync.RWMutex
//   - Atomic code consumption and refresh token rotation under one lock
//   - Family and client indexes for single-pass revocation cascades
//   - Automatic cleanup of expired codes and tokens, with retention of
//     revoked refresh tokens for reuse detection
//   - Optional OpenTelemetry tracing and metrics
//
// For production deployments requiring persistence or multi-instance
// deployments, use the storage/valkey package instead.
//
// Example usage:
//
//	store := memory.NewStore()
//	defer store.Stop()
//
//	srv, _ := server.New(store, resolver, codec, config, logger)
package memory
