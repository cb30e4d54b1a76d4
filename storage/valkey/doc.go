// Package valkey provides a Valkey storage backend for the OAuth server.
//
// Valkey is a high-performance key-value store that is wire-compatible with
// Redis. This package implements all storage interfaces, making it suitable
// for production deployments that require:
//
//   - Distributed storage for horizontal scaling
//   - Persistence across server restarts
//   - Automatic TTL-based expiration
//   - High availability with clustering
//
// # Implemented Interfaces
//
// The Store type implements all required storage interfaces:
//
//   - [storage.ClientStore]: client registrations and per-IP tracking
//   - [storage.CodeStore]: single-use authorization codes
//   - [storage.RefreshTokenStore]: refresh token rotation and family revocation
//
// # Key Schema
//
// All keys use a configurable prefix (default "oauth:") to avoid conflicts
// with other applications sharing the same Valkey instance:
//
//	{prefix}client:{clientID}         -> JSON(Client), no TTL
//	{prefix}client:ip:{ip}            -> SET of live clientIDs
//	{prefix}client:codes:{clientID}   -> SET of code digests
//	{prefix}client:tokens:{clientID}  -> SET of refresh token IDs
//	{prefix}code:{digest}             -> JSON(AuthorizationCode), TTL = expiry
//	{prefix}refresh:{tokenID}         -> JSON(RefreshToken), TTL = expiry or retention
//	{prefix}family:{familyID}         -> SET of refresh token IDs
//
// Raw codes and tokens are never stored; records are keyed by SHA-256 digest.
//
// # Atomic Operations
//
// Single-use consumption of authorization codes and refresh token rotation
// must be atomic to prevent replay and reuse races. Both run as Lua scripts
// so that only one concurrent request can succeed, providing the same
// guarantees as the in-memory implementation with distributed storage.
//
// # Revoked Token Retention
//
// Revoked refresh token records are re-written with a retention TTL
// (default 90 days) instead of being deleted. A later presentation of a
// rotated token then finds the revoked record and triggers family
// revocation rather than an indistinct "not found".
//
// # Configuration
//
// Basic usage:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "oauth:",
//	})
//
// With TLS:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:  "valkey.example.com:6379",
//	    Password: os.Getenv("VALKEY_PASSWORD"),
//	    TLS:      &tls.Config{MinVersion: tls.VersionTLS12},
//	})
package valkey
