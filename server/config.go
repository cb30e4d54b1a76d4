package server

import (
	"log/slog"
	"time"
)

// Default configuration values
const (
	// DefaultAuthorizationCodeTTL is how long authorization codes are valid
	DefaultAuthorizationCodeTTL = 5 * time.Minute

	// DefaultAccessTokenTTL is how long access tokens are valid
	DefaultAccessTokenTTL = time.Hour

	// DefaultRefreshTokenTTL is how long refresh tokens are valid
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour

	// DefaultMaxClientsPerIP limits client registrations per IP address
	DefaultMaxClientsPerIP = 10

	// DefaultClockSkewGracePeriod is the grace period for expiry checks
	DefaultClockSkewGracePeriod = 5 * time.Second
)

// DefaultSupportedScopes are the scopes granted when none are configured.
var DefaultSupportedScopes = []string{"read", "write", "admin"}

// DefaultOpenRegistrationPatterns are the redirect URI patterns for which
// unauthenticated dynamic registration is allowed. Everything else requires
// the admin credential. Loopback redirect URIs are additionally allowed by
// isLoopbackRedirect, independent of this list.
var DefaultOpenRegistrationPatterns = []string{
	`^https://claude\.ai/`,
	`^https://claude\.com/`,
	`^https://chatgpt\.com/`,
	`^https://chat\.openai\.com/`,
	`^https://platform\.openai\.com/`,
}

// Config holds OAuth server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL, required).
	// Used as the JWT issuer claim and in discovery documents.
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid.
	// Default: 5 minutes
	AuthorizationCodeTTL time.Duration

	// AccessTokenTTL is how long access tokens are valid.
	// Default: 1 hour
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is how long refresh tokens are valid.
	// Default: 7 days
	RefreshTokenTTL time.Duration

	// ClockSkewGracePeriod is the grace period for token expiration checks.
	// Prevents false expiration errors due to time synchronization issues.
	// Default: 5 seconds
	ClockSkewGracePeriod time.Duration

	// SupportedScopes lists the scopes the server will grant.
	// Default: read, write, admin
	SupportedScopes []string

	// OpenRegistrationPatterns are regular expressions matched against
	// redirect URIs during dynamic registration. A registration whose
	// redirect URIs ALL match (or are loopback) proceeds without the
	// admin credential. Default: DefaultOpenRegistrationPatterns
	OpenRegistrationPatterns []string

	// AdminCredential authorizes protected-mode registration for redirect
	// URIs outside the open patterns. Compared in constant time. When
	// empty, protected-mode registration is disabled entirely.
	AdminCredential string

	// MaxClientsPerIP limits client registrations per IP address.
	// Prevents DoS via mass client registration. Default: 10
	MaxClientsPerIP int

	// RefreshReuseGraceWindow bounds a window after rotation during which
	// re-presenting the rotated token is rejected WITHOUT revoking the
	// whole family, tolerating network retries by legitimate clients.
	// Default: 0 (strict - any reuse revokes the family)
	RefreshReuseGraceWindow time.Duration

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// WARNING: Only enable behind a trusted reverse proxy.
	// Default: false
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this
	// server, used with TrustProxy to extract the client IP from
	// X-Forwarded-For. Default: 1
	TrustedProxyCount int
}

// applySecureDefaults applies secure-by-default configuration values
// and logs warnings for risky settings.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = DefaultClockSkewGracePeriod
	}
	if len(config.SupportedScopes) == 0 {
		config.SupportedScopes = DefaultSupportedScopes
	}
	if config.OpenRegistrationPatterns == nil {
		config.OpenRegistrationPatterns = DefaultOpenRegistrationPatterns
	}
	if config.MaxClientsPerIP == 0 {
		config.MaxClientsPerIP = DefaultMaxClientsPerIP
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}

	logSecurityWarnings(config, logger)
	return config
}

// logSecurityWarnings logs warnings for risky configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.AdminCredential == "" {
		logger.Warn("Admin credential not configured; protected-mode client registration is disabled",
			"recommendation", "set AdminCredential to allow registration of arbitrary redirect URIs")
	}
	if config.TrustProxy {
		logger.Warn("Trusting proxy headers for client IP extraction",
			"risk", "IP spoofing if the proxy chain is misconfigured",
			"config", "TrustedProxyCount should match your proxy chain length")
	}
	if config.RefreshReuseGraceWindow > 0 {
		logger.Warn("Refresh token reuse grace window enabled",
			"window", config.RefreshReuseGraceWindow,
			"risk", "a stolen rotated token escapes family revocation inside the window")
	}
}
