// Package security provides security-related functionality for the OAuth
// server: audit logging, rate limiting, client IP extraction, security
// headers, request IDs, and expiry helpers.
//
// # Audit Logging
//
// The Auditor emits structured security events (token issuance, reuse
// detection, family revocation, registration outcomes) through slog. It
// is fire-and-forget and nil-safe: a nil *Auditor silently drops events,
// so call sites never branch on its presence. Credential values never
// reach the Auditor; callers pass truncated digests from HashForLogging.
//
// # Rate Limiting
//
// Two limiters are provided, both LRU-bounded to survive distributed
// attacks without unbounded memory growth:
//
//   - RateLimiter: a per-IP token bucket (x/time/rate) fronting the
//     discovery and authorization endpoints.
//   - RegistrationRateLimiter: a dual-window counter (per-minute AND
//     per-hour) for dynamic client registration. Its Allow method
//     returns (bool, error); callers treat any error as denial.
//
// # Expiry
//
// IsExpired and friends compare epoch seconds with a small clock-skew
// grace period. Comparisons never involve wall-clock fields, so they are
// immune to the host's local timezone.
package security
