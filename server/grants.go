package server

import (
	"context"
	"fmt"
)

// Wire grant type values (RFC 6749).
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
)

// GrantRequest is a closed union over the token endpoint's grant variants.
// The HTTP adapter parses the wire request into exactly one variant;
// Token dispatches over them exhaustively.
type GrantRequest interface {
	grantType() string
}

// AuthorizationCodeGrant exchanges a single-use authorization code.
type AuthorizationCodeGrant struct {
	Code         string
	RedirectURI  string
	CodeVerifier string
	ClientID     string
	ClientSecret string
}

func (AuthorizationCodeGrant) grantType() string { return GrantTypeAuthorizationCode }

// RefreshTokenGrant rotates a refresh token.
type RefreshTokenGrant struct {
	RefreshToken string
	ClientID     string
	ClientSecret string

	// Scope optionally narrows the token's scope. It must be a subset of
	// the scope carried by the presented refresh token.
	Scope string
}

func (RefreshTokenGrant) grantType() string { return GrantTypeRefreshToken }

// ClientCredentialsGrant issues a token for the client itself.
type ClientCredentialsGrant struct {
	ClientID     string
	ClientSecret string
	Scope        string
}

func (ClientCredentialsGrant) grantType() string { return GrantTypeClientCredentials }

// ParseGrantRequest maps a wire grant_type value to its variant. Unknown
// values fail with unsupported_grant_type before any parameter is read.
func ParseGrantRequest(grantType string, params map[string]string) (GrantRequest, error) {
	switch grantType {
	case GrantTypeAuthorizationCode:
		return AuthorizationCodeGrant{
			Code:         params["code"],
			RedirectURI:  params["redirect_uri"],
			CodeVerifier: params["code_verifier"],
			ClientID:     params["client_id"],
			ClientSecret: params["client_secret"],
		}, nil
	case GrantTypeRefreshToken:
		return RefreshTokenGrant{
			RefreshToken: params["refresh_token"],
			ClientID:     params["client_id"],
			ClientSecret: params["client_secret"],
			Scope:        params["scope"],
		}, nil
	case GrantTypeClientCredentials:
		return ClientCredentialsGrant{
			ClientID:     params["client_id"],
			ClientSecret: params["client_secret"],
			Scope:        params["scope"],
		}, nil
	default:
		return nil, flowError(ErrorCodeUnsupportedGrantType,
			fmt.Sprintf("grant type %q is not supported", grantType))
	}
}

// TokenResponse is the successful token endpoint result.
type TokenResponse struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64
	Scope        string
	RefreshToken string
}

// Token dispatches a grant request to its flow. The type switch is
// exhaustive over the closed union; an unknown implementation is a
// programming error and fails as unsupported_grant_type.
func (s *Server) Token(ctx context.Context, req GrantRequest, clientIP string) (*TokenResponse, error) {
	switch g := req.(type) {
	case AuthorizationCodeGrant:
		return s.exchangeCode(ctx, g, clientIP)
	case RefreshTokenGrant:
		return s.refreshToken(ctx, g, clientIP)
	case ClientCredentialsGrant:
		return s.clientCredentials(ctx, g, clientIP)
	default:
		return nil, flowError(ErrorCodeUnsupportedGrantType, "unknown grant request type")
	}
}
