package server

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/toolgate/oauth/apikey"
	"github.com/toolgate/oauth/storage"
)

func futureExpiry() time.Time {
	return time.Now().UTC().Add(time.Hour)
}

// authorizeTestCode runs a valid authorization request for the client and
// returns the raw code. The PKCE challenge is the RFC 7636 vector so the
// matching verifier is rfc7636Verifier.
func authorizeTestCode(t *testing.T, srv *Server, client *storage.Client) string {
	t.Helper()
	code, err := srv.Authorize(context.Background(), &AuthorizeRequest{
		ClientID:            client.ClientID,
		RedirectURI:         client.RedirectURIs[0],
		ResponseType:        "code",
		Scope:               "read write",
		CodeChallenge:       rfc7636Challenge,
		CodeChallengeMethod: PKCEMethodS256,
		APIKey:              testAPIKey,
	}, "192.0.2.1")
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	return code
}

func exchangeTestCode(t *testing.T, srv *Server, client *storage.Client, code string) *TokenResponse {
	t.Helper()
	resp, err := srv.Token(context.Background(), AuthorizationCodeGrant{
		Code:         code,
		RedirectURI:  client.RedirectURIs[0],
		CodeVerifier: rfc7636Verifier,
		ClientID:     client.ClientID,
	}, "192.0.2.1")
	if err != nil {
		t.Fatalf("code exchange failed: %v", err)
	}
	return resp
}

func TestAuthorize(t *testing.T) {
	srv, store, _ := newTestServer(t, nil)
	client := saveTestClient(t, store, publicTestClient("client_authz"))

	code := authorizeTestCode(t, srv, client)
	if !strings.HasPrefix(code, AuthorizationCodePrefix) {
		t.Errorf("code missing prefix: %q", code)
	}

	// Inspect the stored record.
	record, err := store.ConsumeAuthorizationCode(context.Background(), code)
	if err != nil {
		t.Fatalf("issued code not redeemable: %v", err)
	}
	if record.KeyID != testKeyID {
		t.Errorf("KeyID = %q, want %q", record.KeyID, testKeyID)
	}
	if record.ProjectID != "proj_1" {
		t.Errorf("ProjectID = %q", record.ProjectID)
	}
	if record.Scope != "read write" {
		t.Errorf("Scope = %q, want read write", record.Scope)
	}
	if record.CodeChallenge != rfc7636Challenge {
		t.Errorf("challenge not carried into the record")
	}
	ttl := time.Until(record.ExpiresAt)
	if ttl <= 0 || ttl > DefaultAuthorizationCodeTTL {
		t.Errorf("code TTL = %v, want (0, %v]", ttl, DefaultAuthorizationCodeTTL)
	}
}

func TestAuthorizeScopeClipping(t *testing.T) {
	srv, store, _ := newTestServer(t, nil)
	// Client allows read only; grant allows read and write.
	client := publicTestClient("client_clip")
	client.Scopes = []string{"read"}
	saveTestClient(t, store, client)

	tests := []struct {
		name      string
		requested string
		wantScope string
		wantCode  string
	}{
		{name: "clipped to client ceiling", requested: "read write admin", wantScope: "read"},
		{name: "empty request falls back to grant", requested: "", wantScope: "read"},
		{name: "disjoint request", requested: "admin", wantCode: ErrorCodeInvalidScope},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, err := srv.Authorize(context.Background(), &AuthorizeRequest{
				ClientID:            client.ClientID,
				RedirectURI:         client.RedirectURIs[0],
				ResponseType:        "code",
				Scope:               tt.requested,
				CodeChallenge:       rfc7636Challenge,
				CodeChallengeMethod: PKCEMethodS256,
				APIKey:              testAPIKey,
			}, "192.0.2.1")
			if tt.wantCode != "" {
				assertFlowError(t, err, tt.wantCode)
				return
			}
			if err != nil {
				t.Fatalf("Authorize failed: %v", err)
			}
			record, err := store.ConsumeAuthorizationCode(context.Background(), code)
			if err != nil {
				t.Fatalf("consume failed: %v", err)
			}
			if record.Scope != tt.wantScope {
				t.Errorf("scope = %q, want %q", record.Scope, tt.wantScope)
			}
		})
	}
}

func TestAuthorizeFailures(t *testing.T) {
	srv, store, _ := newTestServer(t, nil)
	client := saveTestClient(t, store, publicTestClient("client_fail"))

	revoked := publicTestClient("client_revoked")
	saveTestClient(t, store, revoked)
	if err := store.RevokeClient(context.Background(), revoked.ClientID); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}

	base := func() *AuthorizeRequest {
		return &AuthorizeRequest{
			ClientID:            client.ClientID,
			RedirectURI:         client.RedirectURIs[0],
			ResponseType:        "code",
			Scope:               "read",
			CodeChallenge:       rfc7636Challenge,
			CodeChallengeMethod: PKCEMethodS256,
			APIKey:              testAPIKey,
		}
	}

	tests := []struct {
		name     string
		mutate   func(*AuthorizeRequest)
		wantCode string
	}{
		{
			name:     "unknown client",
			mutate:   func(r *AuthorizeRequest) { r.ClientID = "client_missing" },
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name:     "revoked client",
			mutate:   func(r *AuthorizeRequest) { r.ClientID = revoked.ClientID; r.RedirectURI = revoked.RedirectURIs[0] },
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name:     "unregistered redirect URI",
			mutate:   func(r *AuthorizeRequest) { r.RedirectURI = "https://evil.example.com/cb" },
			wantCode: ErrorCodeInvalidRedirectURI,
		},
		{
			name:     "implicit response type",
			mutate:   func(r *AuthorizeRequest) { r.ResponseType = "token" },
			wantCode: ErrorCodeUnsupportedResponseType,
		},
		{
			name:     "missing code challenge",
			mutate:   func(r *AuthorizeRequest) { r.CodeChallenge = "" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "plain challenge method",
			mutate:   func(r *AuthorizeRequest) { r.CodeChallengeMethod = "plain" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "unknown API key",
			mutate:   func(r *AuthorizeRequest) { r.APIKey = "sk_bogus" },
			wantCode: ErrorCodeAccessDenied,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base()
			tt.mutate(req)
			_, err := srv.Authorize(context.Background(), req, "192.0.2.1")
			assertFlowError(t, err, tt.wantCode)
		})
	}
}

func TestExchangeCode(t *testing.T) {
	srv, store, _ := newTestServer(t, nil)
	client := saveTestClient(t, store, publicTestClient("client_exchange"))

	code := authorizeTestCode(t, srv, client)
	resp := exchangeTestCode(t, srv, client, code)

	if resp.TokenType != "Bearer" {
		t.Errorf("token type = %q", resp.TokenType)
	}
	if resp.ExpiresIn != int64(DefaultAccessTokenTTL.Seconds()) {
		t.Errorf("expires_in = %d", resp.ExpiresIn)
	}
	if resp.Scope != "read write" {
		t.Errorf("scope = %q", resp.Scope)
	}
	if !strings.HasPrefix(resp.RefreshToken, RefreshTokenPrefix) {
		t.Errorf("refresh token missing prefix: %q", resp.RefreshToken)
	}

	claims, err := srv.codec.Validate(resp.AccessToken)
	if err != nil {
		t.Fatalf("access token does not validate: %v", err)
	}
	if claims.Subject != testKeyID {
		t.Errorf("subject = %q, want %q", claims.Subject, testKeyID)
	}
	if claims.ClientID != client.ClientID {
		t.Errorf("client_id claim = %q", claims.ClientID)
	}
	if claims.Scope != "read write" {
		t.Errorf("scope claim = %q", claims.Scope)
	}
	if claims.ProjectID != "proj_1" {
		t.Errorf("project_id claim = %q", claims.ProjectID)
	}

	rt, err := store.GetRefreshToken(context.Background(), resp.RefreshToken)
	if err != nil {
		t.Fatalf("refresh token not stored: %v", err)
	}
	if rt.Generation != 0 || rt.FamilyID == "" {
		t.Errorf("generation = %d, family = %q; want generation 0 with a family", rt.Generation, rt.FamilyID)
	}
}

func TestExchangeCodeFailures(t *testing.T) {
	srv, store, _ := newTestServer(t, nil)
	client := saveTestClient(t, store, publicTestClient("client_exfail"))
	other := saveTestClient(t, store, publicTestClient("client_other"))

	tests := []struct {
		name   string
		mutate func(*AuthorizationCodeGrant)
	}{
		{
			name:   "unknown code",
			mutate: func(g *AuthorizationCodeGrant) { g.Code = "auth_unknown" },
		},
		{
			name:   "wrong verifier",
			mutate: func(g *AuthorizationCodeGrant) { g.CodeVerifier = strings.Repeat("x", 43) },
		},
		{
			name:   "missing verifier",
			mutate: func(g *AuthorizationCodeGrant) { g.CodeVerifier = "" },
		},
		{
			name:   "redirect URI mismatch",
			mutate: func(g *AuthorizationCodeGrant) { g.RedirectURI = "https://app.example.com/other" },
		},
		{
			name:   "client binding mismatch",
			mutate: func(g *AuthorizationCodeGrant) { g.ClientID = other.ClientID },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := authorizeTestCode(t, srv, client)
			g := AuthorizationCodeGrant{
				Code:         code,
				RedirectURI:  client.RedirectURIs[0],
				CodeVerifier: rfc7636Verifier,
				ClientID:     client.ClientID,
			}
			tt.mutate(&g)
			_, err := srv.Token(context.Background(), g, "192.0.2.1")
			// All of these are indistinguishable on the wire.
			assertFlowError(t, err, ErrorCodeInvalidGrant)
		})
	}
}

func TestExchangeCodeReplayCascade(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	client := saveTestClient(t, srv.store, publicTestClient("client_replay"))

	code := authorizeTestCode(t, srv, client)
	resp := exchangeTestCode(t, srv, client, code)

	// Replaying the consumed code fails generically.
	_, err := srv.Token(context.Background(), AuthorizationCodeGrant{
		Code:         code,
		RedirectURI:  client.RedirectURIs[0],
		CodeVerifier: rfc7636Verifier,
		ClientID:     client.ClientID,
	}, "192.0.2.1")
	assertFlowError(t, err, ErrorCodeInvalidGrant)

	// The cascade revoked everything the client held for the replaying
	// subject, including the refresh token from the legitimate exchange.
	_, err = srv.Token(context.Background(), RefreshTokenGrant{
		RefreshToken: resp.RefreshToken,
		ClientID:     client.ClientID,
	}, "192.0.2.1")
	assertFlowError(t, err, ErrorCodeInvalidGrant)
}

func TestExchangeCodeReplaySubjectScoped(t *testing.T) {
	srv, store, resolver := newTestServer(t, nil)
	client := saveTestClient(t, store, publicTestClient("client_shared"))
	ctx := context.Background()

	const otherAPIKey = "sk_test_5151"
	resolver.Add(otherAPIKey, &apikey.Grant{
		KeyID:     "key_test_2",
		ProjectID: "proj_2",
		Scopes:    []string{"read", "write"},
	})

	code := authorizeTestCode(t, srv, client)
	first := exchangeTestCode(t, srv, client, code)

	// A second subject completes the flow on the same client.
	otherCode, err := srv.Authorize(ctx, &AuthorizeRequest{
		ClientID:            client.ClientID,
		RedirectURI:         client.RedirectURIs[0],
		ResponseType:        "code",
		Scope:               "read write",
		CodeChallenge:       rfc7636Challenge,
		CodeChallengeMethod: PKCEMethodS256,
		APIKey:              otherAPIKey,
	}, "192.0.2.2")
	if err != nil {
		t.Fatalf("Authorize failed for second subject: %v", err)
	}
	second := exchangeTestCode(t, srv, client, otherCode)

	// The first subject replays their consumed code.
	_, err = srv.Token(ctx, AuthorizationCodeGrant{
		Code:         code,
		RedirectURI:  client.RedirectURIs[0],
		CodeVerifier: rfc7636Verifier,
		ClientID:     client.ClientID,
	}, "192.0.2.1")
	assertFlowError(t, err, ErrorCodeInvalidGrant)

	// The cascade stays inside the replaying subject: their family is
	// revoked, the other subject keeps refreshing.
	_, err = srv.Token(ctx, RefreshTokenGrant{
		RefreshToken: first.RefreshToken,
		ClientID:     client.ClientID,
	}, "192.0.2.1")
	assertFlowError(t, err, ErrorCodeInvalidGrant)

	if _, err := srv.Token(ctx, RefreshTokenGrant{
		RefreshToken: second.RefreshToken,
		ClientID:     client.ClientID,
	}, "192.0.2.2"); err != nil {
		t.Fatalf("second subject's refresh failed after first subject's replay: %v", err)
	}
}

func TestExchangeExpiredCode(t *testing.T) {
	srv, store, _ := newTestServer(t, nil)
	client := saveTestClient(t, store, publicTestClient("client_expired"))

	code := &storage.AuthorizationCode{
		Code:                "auth_expired_code",
		ClientID:            client.ClientID,
		RedirectURI:         client.RedirectURIs[0],
		Scope:               "read",
		CodeChallenge:       rfc7636Challenge,
		CodeChallengeMethod: PKCEMethodS256,
		CreatedAt:           time.Now().UTC().Add(-10 * time.Minute),
		ExpiresAt:           time.Now().UTC().Add(-5 * time.Minute),
	}
	if err := store.SaveAuthorizationCode(context.Background(), code); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	_, err := srv.Token(context.Background(), AuthorizationCodeGrant{
		Code:         "auth_expired_code",
		RedirectURI:  client.RedirectURIs[0],
		CodeVerifier: rfc7636Verifier,
		ClientID:     client.ClientID,
	}, "192.0.2.1")
	assertFlowError(t, err, ErrorCodeInvalidGrant)
}

func TestRefreshTokenRotation(t *testing.T) {
	srv, store, _ := newTestServer(t, nil)
	client := saveTestClient(t, store, publicTestClient("client_rotate"))
	ctx := context.Background()

	resp := exchangeTestCode(t, srv, client, authorizeTestCode(t, srv, client))

	rotated, err := srv.Token(ctx, RefreshTokenGrant{
		RefreshToken: resp.RefreshToken,
		ClientID:     client.ClientID,
	}, "192.0.2.1")
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if rotated.RefreshToken == resp.RefreshToken {
		t.Fatal("refresh token was not rotated")
	}
	if rotated.Scope != resp.Scope {
		t.Errorf("scope changed across rotation: %q -> %q", resp.Scope, rotated.Scope)
	}
	if _, err := srv.codec.Validate(rotated.AccessToken); err != nil {
		t.Errorf("rotated access token invalid: %v", err)
	}

	next, err := store.GetRefreshToken(ctx, rotated.RefreshToken)
	if err != nil {
		t.Fatalf("successor not stored: %v", err)
	}
	if next.Generation != 1 {
		t.Errorf("generation = %d, want 1", next.Generation)
	}

	// Strict mode: presenting the rotated-away token revokes the family.
	_, err = srv.Token(ctx, RefreshTokenGrant{
		RefreshToken: resp.RefreshToken,
		ClientID:     client.ClientID,
	}, "192.0.2.1")
	assertFlowError(t, err, ErrorCodeInvalidGrant)

	_, err = srv.Token(ctx, RefreshTokenGrant{
		RefreshToken: rotated.RefreshToken,
		ClientID:     client.ClientID,
	}, "192.0.2.1")
	assertFlowError(t, err, ErrorCodeInvalidGrant)
}

func TestRefreshReuseGraceWindow(t *testing.T) {
	srv, store, _ := newTestServer(t, &Config{
		Issuer:                  testIssuer,
		RefreshReuseGraceWindow: time.Minute,
	})
	client := saveTestClient(t, store, publicTestClient("client_grace"))
	ctx := context.Background()

	resp := exchangeTestCode(t, srv, client, authorizeTestCode(t, srv, client))

	rotated, err := srv.Token(ctx, RefreshTokenGrant{
		RefreshToken: resp.RefreshToken,
		ClientID:     client.ClientID,
	}, "192.0.2.1")
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	// Re-presenting the old token inside the window still fails, but the
	// family survives.
	_, err = srv.Token(ctx, RefreshTokenGrant{
		RefreshToken: resp.RefreshToken,
		ClientID:     client.ClientID,
	}, "192.0.2.1")
	assertFlowError(t, err, ErrorCodeInvalidGrant)

	if _, err := srv.Token(ctx, RefreshTokenGrant{
		RefreshToken: rotated.RefreshToken,
		ClientID:     client.ClientID,
	}, "192.0.2.1"); err != nil {
		t.Fatalf("family revoked despite grace window: %v", err)
	}
}

func TestRefreshScopeNarrowing(t *testing.T) {
	srv, store, _ := newTestServer(t, nil)
	client := saveTestClient(t, store, publicTestClient("client_narrow"))
	ctx := context.Background()

	resp := exchangeTestCode(t, srv, client, authorizeTestCode(t, srv, client))

	narrowed, err := srv.Token(ctx, RefreshTokenGrant{
		RefreshToken: resp.RefreshToken,
		ClientID:     client.ClientID,
		Scope:        "read",
	}, "192.0.2.1")
	if err != nil {
		t.Fatalf("narrowing refresh failed: %v", err)
	}
	if narrowed.Scope != "read" {
		t.Errorf("scope = %q, want read", narrowed.Scope)
	}

	// Widening past the token's scope is rejected.
	_, err = srv.Token(ctx, RefreshTokenGrant{
		RefreshToken: narrowed.RefreshToken,
		ClientID:     client.ClientID,
		Scope:        "read write admin",
	}, "192.0.2.1")
	assertFlowError(t, err, ErrorCodeInvalidScope)
}

func TestRefreshTokenClientBinding(t *testing.T) {
	srv, store, _ := newTestServer(t, nil)
	client := saveTestClient(t, store, publicTestClient("client_bind"))
	other := saveTestClient(t, store, publicTestClient("client_bind_other"))

	resp := exchangeTestCode(t, srv, client, authorizeTestCode(t, srv, client))

	_, err := srv.Token(context.Background(), RefreshTokenGrant{
		RefreshToken: resp.RefreshToken,
		ClientID:     other.ClientID,
	}, "192.0.2.1")
	assertFlowError(t, err, ErrorCodeInvalidGrant)
}

func TestClientCredentials(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	ctx := context.Background()

	confidential, secret, err := srv.RegisterClient(ctx, &RegistrationRequest{
		ClientName:   "service",
		RedirectURIs: []string{"http://localhost:9000/cb"},
	}, "192.0.2.1")
	if err != nil {
		t.Fatalf("registration failed: %v", err)
	}

	resp, err := srv.Token(ctx, ClientCredentialsGrant{
		ClientID:     confidential.ClientID,
		ClientSecret: secret,
		Scope:        "read",
	}, "192.0.2.1")
	if err != nil {
		t.Fatalf("client_credentials failed: %v", err)
	}
	if resp.RefreshToken != "" {
		t.Error("client_credentials must not issue a refresh token")
	}
	if resp.Scope != "read" {
		t.Errorf("scope = %q", resp.Scope)
	}
	claims, err := srv.codec.Validate(resp.AccessToken)
	if err != nil {
		t.Fatalf("access token invalid: %v", err)
	}
	if claims.Subject != confidential.ClientID {
		t.Errorf("subject = %q, want the client itself", claims.Subject)
	}

	// Wrong secret.
	_, err = srv.Token(ctx, ClientCredentialsGrant{
		ClientID:     confidential.ClientID,
		ClientSecret: "wrong",
	}, "192.0.2.1")
	assertFlowError(t, err, ErrorCodeInvalidClient)

	// Unknown client.
	_, err = srv.Token(ctx, ClientCredentialsGrant{
		ClientID:     "client_missing",
		ClientSecret: "whatever",
	}, "192.0.2.1")
	assertFlowError(t, err, ErrorCodeInvalidClient)

	// Public clients cannot use the grant.
	public := saveTestClient(t, srv.store, publicTestClient("client_cc_public"))
	_, err = srv.Token(ctx, ClientCredentialsGrant{
		ClientID: public.ClientID,
	}, "192.0.2.1")
	assertFlowError(t, err, ErrorCodeUnauthorizedClient)
}

func TestRevokeToken(t *testing.T) {
	srv, store, _ := newTestServer(t, nil)
	client := saveTestClient(t, store, publicTestClient("client_revoke"))
	ctx := context.Background()

	resp := exchangeTestCode(t, srv, client, authorizeTestCode(t, srv, client))

	// Unknown tokens are a silent no-op.
	if err := srv.RevokeToken(ctx, "rt_unknown", client.ClientID, "192.0.2.1"); err != nil {
		t.Errorf("unknown token revocation errored: %v", err)
	}

	// A different client cannot revoke the token: silent no-op, token
	// still usable.
	if err := srv.RevokeToken(ctx, resp.RefreshToken, "client_other", "192.0.2.1"); err != nil {
		t.Errorf("cross-client revocation errored: %v", err)
	}
	rotated, err := srv.Token(ctx, RefreshTokenGrant{
		RefreshToken: resp.RefreshToken,
		ClientID:     client.ClientID,
	}, "192.0.2.1")
	if err != nil {
		t.Fatalf("token unusable after cross-client no-op: %v", err)
	}

	// The owner revokes the family.
	if err := srv.RevokeToken(ctx, rotated.RefreshToken, client.ClientID, "192.0.2.1"); err != nil {
		t.Fatalf("revocation failed: %v", err)
	}
	_, err = srv.Token(ctx, RefreshTokenGrant{
		RefreshToken: rotated.RefreshToken,
		ClientID:     client.ClientID,
	}, "192.0.2.1")
	assertFlowError(t, err, ErrorCodeInvalidGrant)
}

func TestIntrospectToken(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	client := saveTestClient(t, srv.store, publicTestClient("client_introspect"))
	ctx := context.Background()

	resp := exchangeTestCode(t, srv, client, authorizeTestCode(t, srv, client))

	claims, active := srv.IntrospectToken(ctx, resp.AccessToken)
	if !active {
		t.Fatal("freshly issued token reported inactive")
	}
	if claims.ClientID != client.ClientID || claims.Subject != testKeyID {
		t.Errorf("claims = %+v", claims)
	}

	if _, active := srv.IntrospectToken(ctx, "not-a-jwt"); active {
		t.Error("garbage token reported active")
	}

	// Revoking the client deactivates its outstanding tokens.
	if err := srv.RevokeClient(ctx, client.ClientID); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if _, active := srv.IntrospectToken(ctx, resp.AccessToken); active {
		t.Error("token of a revoked client reported active")
	}
}
