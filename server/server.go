package server

import (
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/toolgate/oauth/apikey"
	"github.com/toolgate/oauth/instrumentation"
	"github.com/toolgate/oauth/security"
	"github.com/toolgate/oauth/storage"
	"github.com/toolgate/oauth/token"
)

// Credential prefixes. Prefixes make leaked credentials identifiable in
// logs and secret scanners without revealing anything about their contents.
const (
	AuthorizationCodePrefix = "auth_"
	RefreshTokenPrefix      = "rt_"
	ClientIDPrefix          = "client_"
)

// RegistrationLimiter bounds dynamic client registration per IP.
// Implementations must be safe for concurrent use. A non-nil error from
// Allow is treated as a denial (fail closed).
type RegistrationLimiter interface {
	Allow(ip string) (bool, error)
}

// Server implements the OAuth 2.1 authorization server logic.
// It coordinates flows across the store, the API key resolver, and the
// token codec; the root package adapts it to HTTP.
type Server struct {
	store    storage.Store
	resolver apikey.Resolver
	codec    *token.Codec

	Auditor             *security.Auditor
	RegistrationLimiter RegistrationLimiter
	Logger              *slog.Logger
	Config              *Config

	instrumentation *instrumentation.Instrumentation

	openRegistration []compiledPattern
}

// New creates a new OAuth server
func New(
	store storage.Store,
	resolver apikey.Resolver,
	codec *token.Codec,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if resolver == nil {
		return nil, fmt.Errorf("api key resolver is required")
	}
	if codec == nil {
		return nil, fmt.Errorf("token codec is required")
	}
	if config == nil {
		config = &Config{}
	}
	if config.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	patterns, err := compileRegistrationPatterns(config.OpenRegistrationPatterns)
	if err != nil {
		return nil, err
	}

	return &Server{
		store:            store,
		resolver:         resolver,
		codec:            codec,
		Config:           config,
		Logger:           logger,
		openRegistration: patterns,
	}, nil
}

// SetAuditor sets the security auditor. The auditor is optional; all audit
// calls are nil-safe.
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetRegistrationLimiter sets the per-IP registration rate limiter.
func (s *Server) SetRegistrationLimiter(rl RegistrationLimiter) {
	s.RegistrationLimiter = rl
}

// SetInstrumentation sets the OpenTelemetry instrumentation.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
}

// metrics returns the metrics holder, or nil when instrumentation is unset.
func (s *Server) metrics() *instrumentation.Metrics {
	if s.instrumentation == nil {
		return nil
	}
	return s.instrumentation.Metrics()
}

// generateRandomToken generates a cryptographically secure random token.
// This is an alias for oauth2.GenerateVerifier() which produces a URL-safe,
// base64-encoded random string suitable for codes, tokens, and client IDs.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}

// newAuthorizationCode mints a prefixed opaque authorization code.
func newAuthorizationCode() string {
	return AuthorizationCodePrefix + generateRandomToken()
}

// newRefreshToken mints a prefixed opaque refresh token.
func newRefreshToken() string {
	return RefreshTokenPrefix + generateRandomToken()
}

// newClientID mints a prefixed opaque client identifier.
func newClientID() string {
	return ClientIDPrefix + generateRandomToken()
}
