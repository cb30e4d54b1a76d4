package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/toolgate/oauth/storage"
)

// Client type constants
const (
	// ClientTypeConfidential represents a confidential OAuth client
	ClientTypeConfidential = "confidential"

	// ClientTypePublic represents a public OAuth client
	ClientTypePublic = "public"
)

// Token endpoint authentication method constants (RFC 7591)
const (
	// TokenEndpointAuthMethodNone represents no authentication (public clients)
	TokenEndpointAuthMethodNone = "none"

	// TokenEndpointAuthMethodBasic represents HTTP Basic authentication
	TokenEndpointAuthMethodBasic = "client_secret_basic"

	// TokenEndpointAuthMethodPost represents POST form parameters
	TokenEndpointAuthMethodPost = "client_secret_post"
)

// Registration mode names used in audit events.
const (
	registrationModeOpen      = "open"
	registrationModeProtected = "protected"
)

// supportedGrantTypes are the grant types clients may register for.
var supportedGrantTypes = []string{"authorization_code", "refresh_token", "client_credentials"}

// defaultGrantTypes are assigned when a registration names none.
var defaultGrantTypes = []string{"authorization_code", "refresh_token"}

// RegistrationRequest carries the client metadata from a dynamic
// registration request (RFC 7591).
type RegistrationRequest struct {
	ClientName              string
	RedirectURIs            []string
	TokenEndpointAuthMethod string
	GrantTypes              []string
	Scopes                  []string

	// AdminCredential authorizes protected-mode registration. Empty for
	// open-mode registrations.
	AdminCredential string
}

// RegisterClient registers a new OAuth client (RFC 7591 dynamic
// registration).
//
// Registration runs in one of two modes. Open mode applies when every
// redirect URI matches the configured allow-list (or is loopback): the
// per-IP registration limiter is consulted first and the per-IP client cap
// enforced. Protected mode applies to all other redirect URIs and requires
// the admin credential, compared in constant time.
//
// The plaintext client secret is returned exactly once for confidential
// clients; only the bcrypt hash is stored.
func (s *Server) RegisterClient(ctx context.Context, req *RegistrationRequest, clientIP string) (*storage.Client, string, error) {
	if req == nil || len(req.RedirectURIs) == 0 {
		return nil, "", flowError(ErrorCodeInvalidRedirectURI, "at least one redirect_uri is required")
	}

	open := true
	for _, uri := range req.RedirectURIs {
		if !s.matchesOpenRegistration(uri) {
			open = false
			break
		}
	}

	if open {
		if err := s.checkOpenRegistrationLimits(ctx, clientIP); err != nil {
			return nil, "", err
		}
	} else {
		if !s.authorizeProtectedRegistration(req.AdminCredential) {
			s.Auditor.LogClientRegistrationRejected(clientIP, "admin_credential_required")
			return nil, "", flowError(ErrorCodeUnauthorized, "registration of this redirect_uri requires the admin credential")
		}
	}

	// Validation before any write.
	for _, uri := range req.RedirectURIs {
		if err := validateRedirectURIFormat(uri); err != nil {
			s.Auditor.LogClientRegistrationRejected(clientIP, "invalid_redirect_uri")
			return nil, "", flowError(ErrorCodeInvalidRedirectURI, err.Error())
		}
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = defaultGrantTypes
	}
	if !scopeSubset(grantTypes, supportedGrantTypes) {
		s.Auditor.LogClientRegistrationRejected(clientIP, "unsupported_grant_type")
		return nil, "", flowError(ErrorCodeInvalidRequest, "unsupported grant type requested")
	}

	scopes := req.Scopes
	if len(scopes) == 0 {
		scopes = s.Config.SupportedScopes
	}
	if !scopeSubset(scopes, s.Config.SupportedScopes) {
		s.Auditor.LogClientRegistrationRejected(clientIP, "unsupported_scope")
		return nil, "", flowError(ErrorCodeInvalidScope, "requested scopes exceed server support")
	}

	clientType, authMethod := resolveClientTypeAndAuthMethod(req.TokenEndpointAuthMethod)
	clientSecret, clientSecretHash, err := generateClientSecret(clientType)
	if err != nil {
		return nil, "", err
	}

	mode := registrationModeProtected
	if open {
		mode = registrationModeOpen
	}

	client := &storage.Client{
		ClientID:                newClientID(),
		ClientSecretHash:        clientSecretHash,
		ClientType:              clientType,
		RedirectURIs:            req.RedirectURIs,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              grantTypes,
		ResponseTypes:           []string{"code"},
		ClientName:              req.ClientName,
		Scopes:                  scopes,
		RegistrationIP:          clientIP,
		CreatedAt:               time.Now().UTC(),
	}

	if err := s.store.SaveClient(ctx, client); err != nil {
		return nil, "", fmt.Errorf("failed to save client: %w", err)
	}

	s.Auditor.LogClientRegistered(client.ClientID, clientType, clientIP, mode)
	if m := s.metrics(); m != nil {
		m.RecordClientRegistered(ctx, clientType, mode)
	}
	s.Logger.Info("Registered client",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"client_type", clientType,
		"mode", mode)

	return client, clientSecret, nil
}

// checkOpenRegistrationLimits applies the registration rate limiter and the
// per-IP client cap. Limiter errors deny the request (fail closed).
func (s *Server) checkOpenRegistrationLimits(ctx context.Context, clientIP string) error {
	if s.RegistrationLimiter != nil {
		allowed, err := s.RegistrationLimiter.Allow(clientIP)
		if err != nil {
			s.Logger.Error("Registration limiter failed, denying request", "error", err)
			allowed = false
		}
		if !allowed {
			s.Auditor.LogRateLimitExceeded(clientIP, "registration")
			if m := s.metrics(); m != nil {
				m.RecordRateLimitExceeded(ctx, "registration")
			}
			return flowError(ErrorCodeRateLimited, "too many registration attempts")
		}
	}

	count, err := s.store.CountClientsForIP(ctx, clientIP)
	if err != nil {
		return fmt.Errorf("failed to check client count: %w", err)
	}
	if count >= s.Config.MaxClientsPerIP {
		s.Auditor.LogClientRegistrationRejected(clientIP, "max_clients_per_ip")
		return flowError(ErrorCodeRateLimited, "too many clients registered from this address")
	}
	return nil
}

// authorizeProtectedRegistration compares the presented admin credential in
// constant time. An unconfigured credential disables protected mode.
func (s *Server) authorizeProtectedRegistration(presented string) bool {
	if s.Config.AdminCredential == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(s.Config.AdminCredential), []byte(presented)) == 1
}

// resolveClientTypeAndAuthMethod maps the registration auth method to a
// client type. "none" yields a public client; everything else is
// confidential with client_secret_basic as the default method.
func resolveClientTypeAndAuthMethod(authMethod string) (clientType, resolvedMethod string) {
	switch authMethod {
	case TokenEndpointAuthMethodNone:
		return ClientTypePublic, TokenEndpointAuthMethodNone
	case TokenEndpointAuthMethodPost:
		return ClientTypeConfidential, TokenEndpointAuthMethodPost
	default:
		return ClientTypeConfidential, TokenEndpointAuthMethodBasic
	}
}

// generateClientSecret mints a secret for confidential clients and returns
// it with its bcrypt hash. Public clients get neither.
func generateClientSecret(clientType string) (secret, hash string, err error) {
	if clientType != ClientTypeConfidential {
		return "", "", nil
	}
	secret = generateRandomToken()
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return secret, string(h), nil
}

// RevokeClient tombstones a client and revokes all of its refresh tokens.
// Outstanding authorization codes are left in place: the tombstone makes
// exchanging them fail invalid_client, which names the real failure
// instead of the invalid_grant a deleted code would produce. Refreshes
// fail invalid_grant and introspection reports tokens inactive.
func (s *Server) RevokeClient(ctx context.Context, clientID string) error {
	if _, err := s.store.GetClient(ctx, clientID); err != nil {
		if err == storage.ErrClientNotFound {
			return flowError(ErrorCodeInvalidClient, "unknown client")
		}
		return fmt.Errorf("failed to load client: %w", err)
	}

	if err := s.store.RevokeClient(ctx, clientID); err != nil {
		return fmt.Errorf("failed to revoke client: %w", err)
	}

	tokensRevoked, err := s.store.RevokeClientRefreshTokens(ctx, clientID)
	if err != nil {
		return fmt.Errorf("failed to revoke client tokens: %w", err)
	}

	s.Auditor.LogClientRevoked(clientID, tokensRevoked)
	s.Logger.Info("Revoked client",
		"client_id", clientID,
		"tokens_revoked", tokensRevoked)

	return nil
}

// AuthenticateClient verifies a client's credentials for endpoints that
// require client authentication, such as introspection. Public clients
// authenticate by identity alone; confidential clients must present
// their secret.
func (s *Server) AuthenticateClient(ctx context.Context, clientID, clientSecret string) (*storage.Client, error) {
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil || client.Revoked {
		_ = authenticateClient(nil, clientSecret)
		return nil, flowError(ErrorCodeInvalidClient, "client authentication failed")
	}
	if client.ClientType == ClientTypeConfidential {
		if err := authenticateClient(client, clientSecret); err != nil {
			return nil, flowError(ErrorCodeInvalidClient, "client authentication failed")
		}
	}
	return client, nil
}

// Pre-computed bcrypt hash compared when a client is unknown or has no
// secret, keeping authentication timing independent of client existence.
const dummySecretHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// authenticateClient verifies a confidential client's secret against its
// bcrypt hash. The dummy hash is compared when no real hash exists so the
// timing profile stays flat.
func authenticateClient(client *storage.Client, clientSecret string) error {
	hashToCompare := dummySecretHash
	if client != nil && client.ClientSecretHash != "" {
		hashToCompare = client.ClientSecretHash
	}

	err := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(clientSecret))
	if err != nil || client == nil || client.ClientSecretHash == "" {
		return fmt.Errorf("invalid client credentials")
	}
	return nil
}
