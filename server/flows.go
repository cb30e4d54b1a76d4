package server

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/toolgate/oauth/internal/util"
	"github.com/toolgate/oauth/security"
	"github.com/toolgate/oauth/storage"
	"github.com/toolgate/oauth/token"
)

// AuthorizeRequest carries the parameters of an authorization request
// (RFC 6749 §4.1.1) plus the API key identifying the subject.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string

	// APIKey is the raw key presented by the user agent. It is resolved
	// to a subject grant and never persisted.
	APIKey string
}

// Authorize validates an authorization request, resolves the API key to a
// subject grant, clips the requested scope to what both the client and the
// grant allow, and mints a single-use authorization code.
//
// Error semantics matter to the HTTP adapter: client and redirect URI
// failures must NOT redirect (the redirect target is untrusted), every
// later failure is returned to the client via the validated redirect URI.
func (s *Server) Authorize(ctx context.Context, req *AuthorizeRequest, clientIP string) (string, error) {
	client, err := s.store.GetClient(ctx, req.ClientID)
	if err != nil {
		s.Auditor.LogAuthFailure("", req.ClientID, clientIP, "unknown_client")
		return "", flowError(ErrorCodeInvalidClient, "unknown client")
	}
	if client.Revoked {
		s.Auditor.LogAuthFailure("", req.ClientID, clientIP, "revoked_client")
		return "", flowError(ErrorCodeInvalidClient, "client has been revoked")
	}

	if err := validateRedirectURI(client, req.RedirectURI); err != nil {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventInvalidRedirect,
			ClientID:  req.ClientID,
			IPAddress: clientIP,
			Details:   map[string]any{"redirect_uri": req.RedirectURI},
		})
		return "", flowError(ErrorCodeInvalidRedirectURI, "redirect_uri is not registered for this client")
	}

	// From here on the redirect URI is trusted; errors are redirectable.
	if req.ResponseType != "code" {
		return "", flowError(ErrorCodeUnsupportedResponseType, "only the code response type is supported")
	}

	if err := validateCodeChallenge(req.CodeChallenge, req.CodeChallengeMethod); err != nil {
		if m := s.metrics(); m != nil {
			m.RecordPKCEValidationFailed(ctx, req.CodeChallengeMethod)
		}
		return "", flowError(ErrorCodeInvalidRequest, err.Error())
	}

	grant, err := s.resolver.Resolve(ctx, req.APIKey)
	if err != nil {
		s.Auditor.LogAuthFailure("", req.ClientID, clientIP, "api_key_rejected")
		return "", flowError(ErrorCodeAccessDenied, "the presented API key was not accepted")
	}

	scope, err := s.clipScope(req.Scope, client, grant.Scopes)
	if err != nil {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventScopeEscalationAttempt,
			KeyID:     grant.KeyID,
			ClientID:  req.ClientID,
			IPAddress: clientIP,
			Details:   map[string]any{"requested": req.Scope},
		})
		return "", err
	}

	now := time.Now().UTC()
	raw := newAuthorizationCode()
	code := &storage.AuthorizationCode{
		Code:                raw,
		CodeDigest:          storage.TokenDigest(raw),
		ClientID:            client.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		KeyID:               grant.KeyID,
		ProjectID:           grant.ProjectID,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.Config.AuthorizationCodeTTL),
	}
	if err := s.store.SaveAuthorizationCode(ctx, code); err != nil {
		return "", fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.Auditor.LogEvent(security.Event{
		Type:      security.EventAuthorizationCodeIssued,
		KeyID:     grant.KeyID,
		ClientID:  client.ClientID,
		IPAddress: clientIP,
		Details:   map[string]any{"scope": scope},
	})
	if m := s.metrics(); m != nil {
		m.RecordCodeIssued(ctx, client.ClientID)
	}
	s.Logger.Info("Issued authorization code",
		"client_id", client.ClientID,
		"key_id", grant.KeyID,
		"scope", scope)

	return raw, nil
}

// clipScope computes requested ∩ client.Scopes ∩ grantScopes. An empty
// request falls back to the grant's scopes; an empty result is
// invalid_scope. The subject grant is the permission ceiling: a client can
// never mint a token broader than the API key behind it.
func (s *Server) clipScope(requested string, client *storage.Client, grantScopes []string) (string, error) {
	clientScopes := client.Scopes
	if len(clientScopes) == 0 {
		clientScopes = s.Config.SupportedScopes
	}

	requestedScopes := splitScope(requested)
	if len(requestedScopes) == 0 {
		requestedScopes = grantScopes
	}

	clipped := scopeIntersect(scopeIntersect(requestedScopes, clientScopes), grantScopes)
	if len(clipped) == 0 {
		return "", flowError(ErrorCodeInvalidScope, "no requested scope is grantable")
	}
	return joinScope(clipped), nil
}

// exchangeCode implements the authorization_code grant (RFC 6749 §4.1.3,
// OAuth 2.1 single-use + PKCE semantics).
func (s *Server) exchangeCode(ctx context.Context, g AuthorizationCodeGrant, clientIP string) (*TokenResponse, error) {
	record, err := s.store.ConsumeAuthorizationCode(ctx, g.Code)
	if err == storage.ErrCodeConsumed {
		// Replay. The code leaked or the client is compromised: revoke
		// everything this code's client+subject pair was issued.
		s.handleCodeReplay(ctx, record, clientIP)
		return nil, invalidGrant()
	}
	if err != nil {
		if err == storage.ErrCodeNotFound {
			s.Auditor.LogAuthFailure("", g.ClientID, clientIP, "unknown_or_expired_code")
			return nil, invalidGrant()
		}
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	if g.ClientID != record.ClientID {
		s.Auditor.LogAuthFailure(record.KeyID, g.ClientID, clientIP, "code_client_mismatch")
		return nil, invalidGrant()
	}

	client, err := s.store.GetClient(ctx, record.ClientID)
	if err != nil || client.Revoked {
		s.Auditor.LogAuthFailure(record.KeyID, record.ClientID, clientIP, "client_unavailable")
		return nil, flowError(ErrorCodeInvalidClient, "unknown or revoked client")
	}
	if client.ClientType == ClientTypeConfidential {
		if err := authenticateClient(client, g.ClientSecret); err != nil {
			s.Auditor.LogAuthFailure(record.KeyID, record.ClientID, clientIP, "client_authentication_failed")
			return nil, flowError(ErrorCodeInvalidClient, "client authentication failed")
		}
	}

	if g.RedirectURI != record.RedirectURI {
		s.Auditor.LogAuthFailure(record.KeyID, record.ClientID, clientIP, "redirect_uri_mismatch")
		return nil, invalidGrant()
	}

	// PKCE failures are indistinguishable from a missing or expired code.
	if err := validatePKCE(record.CodeChallenge, record.CodeChallengeMethod, g.CodeVerifier); err != nil {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventPKCEValidationFailed,
			KeyID:     record.KeyID,
			ClientID:  record.ClientID,
			IPAddress: clientIP,
		})
		if m := s.metrics(); m != nil {
			m.RecordPKCEValidationFailed(ctx, record.CodeChallengeMethod)
		}
		return nil, invalidGrant()
	}

	accessToken, err := s.issueAccessToken(record.KeyID, record.ClientID, record.Scope, record.ProjectID)
	if err != nil {
		return nil, err
	}

	rawRefresh, err := s.mintRefreshToken(ctx, record.ClientID, record.KeyID, record.ProjectID, record.Scope, uuid.NewString(), 0)
	if err != nil {
		return nil, err
	}

	s.Auditor.LogTokenIssued(record.KeyID, record.ClientID, clientIP, record.Scope, GrantTypeAuthorizationCode)
	if m := s.metrics(); m != nil {
		m.RecordTokenIssued(ctx, record.ClientID, GrantTypeAuthorizationCode)
	}

	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.Config.AccessTokenTTL.Seconds()),
		Scope:        record.Scope,
		RefreshToken: rawRefresh,
	}, nil
}

// handleCodeReplay runs the cascade for a replayed authorization code:
// every outstanding code and refresh token the code's client holds for the
// code's subject is revoked. Other subjects on the same client are
// untouched, so replaying a leaked code cannot shed everyone else's
// sessions on a shared client. The caller answers with a generic
// invalid_grant.
func (s *Server) handleCodeReplay(ctx context.Context, record *storage.AuthorizationCode, clientIP string) {
	if record == nil {
		return
	}

	codesDeleted, err := s.store.DeleteSubjectAuthorizationCodes(ctx, record.ClientID, record.KeyID)
	if err != nil {
		s.Logger.Error("Failed to delete codes after replay", "error", err, "client_id", record.ClientID)
	}
	tokensRevoked, err := s.store.RevokeSubjectRefreshTokens(ctx, record.ClientID, record.KeyID)
	if err != nil {
		s.Logger.Error("Failed to revoke tokens after replay", "error", err, "client_id", record.ClientID)
	}

	s.Auditor.LogCodeReuseDetected(record.ClientID, clientIP, record.CodeDigest)
	if m := s.metrics(); m != nil {
		m.RecordCodeReuseDetected(ctx)
	}
	s.Logger.Warn("Authorization code replay detected",
		"client_id", record.ClientID,
		"key_id", record.KeyID,
		"digest_prefix", util.SafeTruncate(record.CodeDigest, 8),
		"codes_deleted", codesDeleted,
		"tokens_revoked", tokensRevoked)
}

// refreshToken implements the refresh_token grant with OAuth 2.1 rotation
// and family-wide reuse detection.
func (s *Server) refreshToken(ctx context.Context, g RefreshTokenGrant, clientIP string) (*TokenResponse, error) {
	record, err := s.store.GetRefreshToken(ctx, g.RefreshToken)
	if err != nil {
		if err == storage.ErrRefreshTokenNotFound {
			s.Auditor.LogAuthFailure("", g.ClientID, clientIP, "unknown_or_expired_refresh_token")
			return nil, invalidGrant()
		}
		return nil, fmt.Errorf("failed to load refresh token: %w", err)
	}

	if record.Revoked {
		return nil, s.handleRefreshReuse(ctx, record, clientIP)
	}

	if g.ClientID != record.ClientID {
		s.Auditor.LogAuthFailure(record.KeyID, g.ClientID, clientIP, "refresh_client_mismatch")
		return nil, invalidGrant()
	}

	client, err := s.store.GetClient(ctx, record.ClientID)
	if err != nil || client.Revoked {
		s.Auditor.LogAuthFailure(record.KeyID, record.ClientID, clientIP, "client_unavailable")
		return nil, invalidGrant()
	}
	if client.ClientType == ClientTypeConfidential {
		if err := authenticateClient(client, g.ClientSecret); err != nil {
			s.Auditor.LogAuthFailure(record.KeyID, record.ClientID, clientIP, "client_authentication_failed")
			return nil, flowError(ErrorCodeInvalidClient, "client authentication failed")
		}
	}

	scope := record.Scope
	if g.Scope != "" {
		requested := splitScope(g.Scope)
		if !scopeSubset(requested, splitScope(record.Scope)) {
			return nil, flowError(ErrorCodeInvalidScope, "requested scope exceeds the refresh token's scope")
		}
		scope = joinScope(requested)
	}

	now := time.Now().UTC()
	rawNext := newRefreshToken()
	next := &storage.RefreshToken{
		TokenID:    storage.TokenDigest(rawNext),
		ClientID:   record.ClientID,
		KeyID:      record.KeyID,
		ProjectID:  record.ProjectID,
		Scope:      scope,
		FamilyID:   record.FamilyID,
		Generation: record.Generation + 1,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.Config.RefreshTokenTTL),
	}

	old, err := s.store.RotateRefreshToken(ctx, g.RefreshToken, next)
	if err != nil {
		if err == storage.ErrRefreshTokenRevoked {
			// Lost a race against another presentation of the same token.
			return nil, s.handleRefreshReuse(ctx, old, clientIP)
		}
		if err == storage.ErrRefreshTokenNotFound {
			return nil, invalidGrant()
		}
		return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	accessToken, err := s.issueAccessToken(old.KeyID, old.ClientID, scope, old.ProjectID)
	if err != nil {
		return nil, err
	}

	s.Auditor.LogTokenRefreshed(record.ClientID, clientIP, record.FamilyID, next.Generation)
	if m := s.metrics(); m != nil {
		m.RecordTokenRefreshed(ctx, record.ClientID)
	}
	s.Logger.Info("Rotated refresh token",
		"client_id", record.ClientID,
		"family_id", record.FamilyID,
		"generation", next.Generation)

	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.Config.AccessTokenTTL.Seconds()),
		Scope:        scope,
		RefreshToken: rawNext,
	}, nil
}

// handleRefreshReuse runs reuse handling for a revoked refresh token.
// Reuse inside the configured grace window after a rotation fails the
// request without revoking the family, tolerating client retries. Outside
// it (or for admin-revoked tokens) the entire family is revoked: the token
// has been presented by two parties and one of them is not the client.
func (s *Server) handleRefreshReuse(ctx context.Context, record *storage.RefreshToken, clientIP string) error {
	if record == nil {
		return invalidGrant()
	}

	rotated := record.SupersededBy != ""
	withinGrace := rotated &&
		s.Config.RefreshReuseGraceWindow > 0 &&
		!record.RevokedAt.IsZero() &&
		time.Since(record.RevokedAt) <= s.Config.RefreshReuseGraceWindow

	s.Auditor.LogRefreshReuseDetected(record.ClientID, clientIP, record.FamilyID, record.Generation)
	if m := s.metrics(); m != nil {
		m.RecordRefreshReuseDetected(ctx)
	}

	if withinGrace {
		s.Logger.Warn("Refresh token reuse within grace window, family retained",
			"client_id", record.ClientID,
			"family_id", record.FamilyID,
			"generation", record.Generation)
		return invalidGrant()
	}

	revoked, err := s.store.RevokeRefreshTokenFamily(ctx, record.FamilyID)
	if err != nil {
		s.Logger.Error("Failed to revoke token family after reuse",
			"error", err, "family_id", record.FamilyID)
	}

	s.Auditor.LogFamilyRevoked(record.ClientID, record.FamilyID, "refresh_token_reuse", revoked)
	if m := s.metrics(); m != nil {
		m.RecordFamilyRevoked(ctx, "refresh_token_reuse")
	}
	s.Logger.Warn("Refresh token reuse detected, family revoked",
		"client_id", record.ClientID,
		"family_id", record.FamilyID,
		"generation", record.Generation,
		"revoked", revoked)

	return invalidGrant()
}

// clientCredentials implements the client_credentials grant (RFC 6749
// §4.4). Confidential clients only; no refresh token is issued - the
// client can always authenticate again.
func (s *Server) clientCredentials(ctx context.Context, g ClientCredentialsGrant, clientIP string) (*TokenResponse, error) {
	client, err := s.store.GetClient(ctx, g.ClientID)
	if err != nil {
		// Burn a comparison anyway so unknown clients are not
		// distinguishable by timing.
		_ = authenticateClient(nil, g.ClientSecret)
		s.Auditor.LogAuthFailure("", g.ClientID, clientIP, "unknown_client")
		return nil, flowError(ErrorCodeInvalidClient, "client authentication failed")
	}
	if client.Revoked {
		_ = authenticateClient(nil, g.ClientSecret)
		s.Auditor.LogAuthFailure("", g.ClientID, clientIP, "revoked_client")
		return nil, flowError(ErrorCodeInvalidClient, "client authentication failed")
	}
	if client.ClientType != ClientTypeConfidential {
		s.Auditor.LogAuthFailure("", g.ClientID, clientIP, "public_client_credentials")
		return nil, flowError(ErrorCodeUnauthorizedClient, "public clients may not use the client_credentials grant")
	}
	if err := authenticateClient(client, g.ClientSecret); err != nil {
		s.Auditor.LogAuthFailure("", g.ClientID, clientIP, "client_authentication_failed")
		return nil, flowError(ErrorCodeInvalidClient, "client authentication failed")
	}

	clientScopes := client.Scopes
	if len(clientScopes) == 0 {
		clientScopes = s.Config.SupportedScopes
	}
	requested := splitScope(g.Scope)
	if len(requested) == 0 {
		requested = clientScopes
	}
	clipped := scopeIntersect(requested, clientScopes)
	if len(clipped) == 0 {
		return nil, flowError(ErrorCodeInvalidScope, "no requested scope is grantable")
	}
	scope := joinScope(clipped)

	accessToken, err := s.issueAccessToken(client.ClientID, client.ClientID, scope, "")
	if err != nil {
		return nil, err
	}

	s.Auditor.LogTokenIssued("", client.ClientID, clientIP, scope, GrantTypeClientCredentials)
	if m := s.metrics(); m != nil {
		m.RecordTokenIssued(ctx, client.ClientID, GrantTypeClientCredentials)
	}

	return &TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.Config.AccessTokenTTL.Seconds()),
		Scope:       scope,
	}, nil
}

// issueAccessToken mints a signed access JWT.
func (s *Server) issueAccessToken(subject, clientID, scope, projectID string) (string, error) {
	accessToken, err := s.codec.Issue(token.Claims{
		Subject:   subject,
		ClientID:  clientID,
		Scope:     scope,
		ProjectID: projectID,
	}, s.Config.AccessTokenTTL)
	if err != nil {
		return "", fmt.Errorf("failed to issue access token: %w", err)
	}
	return accessToken, nil
}

// mintRefreshToken creates and stores a refresh token, returning the raw
// value. Generation 0 starts a new family.
func (s *Server) mintRefreshToken(ctx context.Context, clientID, keyID, projectID, scope, familyID string, generation int) (string, error) {
	now := time.Now().UTC()
	raw := newRefreshToken()
	rt := &storage.RefreshToken{
		TokenID:    storage.TokenDigest(raw),
		ClientID:   clientID,
		KeyID:      keyID,
		ProjectID:  projectID,
		Scope:      scope,
		FamilyID:   familyID,
		Generation: generation,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.Config.RefreshTokenTTL),
	}
	if err := s.store.SaveRefreshToken(ctx, rt); err != nil {
		return "", fmt.Errorf("failed to save refresh token: %w", err)
	}
	return raw, nil
}

// RevokeToken implements RFC 7009 semantics for refresh tokens: the
// presented token's whole family is revoked. Unknown tokens and access
// tokens (self-contained JWTs) are a successful no-op so callers cannot
// probe for valid values.
func (s *Server) RevokeToken(ctx context.Context, raw, clientID, clientIP string) error {
	record, err := s.store.GetRefreshToken(ctx, raw)
	if err != nil {
		if err == storage.ErrRefreshTokenNotFound {
			return nil
		}
		return fmt.Errorf("failed to load refresh token: %w", err)
	}

	// Token binding: a client may only revoke its own tokens. Mismatches
	// are a silent no-op for the same probing reason.
	if clientID != "" && record.ClientID != clientID {
		return nil
	}

	revoked, err := s.store.RevokeRefreshTokenFamily(ctx, record.FamilyID)
	if err != nil {
		return fmt.Errorf("failed to revoke token family: %w", err)
	}

	s.Auditor.LogTokenRevoked(record.ClientID, clientIP, record.FamilyID, revoked)
	if m := s.metrics(); m != nil {
		m.RecordTokenRevoked(ctx, record.ClientID)
	}
	s.Logger.Info("Revoked refresh token family",
		"client_id", record.ClientID,
		"family_id", record.FamilyID,
		"revoked", revoked)

	return nil
}

// IntrospectToken implements RFC 7662 for access tokens. A token is active
// only while its signature and lifetime validate AND its client still
// exists un-revoked - revoking a client deterministically kills its
// outstanding tokens at the introspection surface.
func (s *Server) IntrospectToken(ctx context.Context, raw string) (*token.Claims, bool) {
	claims, err := s.codec.Validate(raw)
	if err != nil {
		return nil, false
	}

	client, err := s.store.GetClient(ctx, claims.ClientID)
	if err != nil || client.Revoked {
		return nil, false
	}

	return claims, true
}
