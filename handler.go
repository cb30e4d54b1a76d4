package oauth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/toolgate/oauth/instrumentation"
	"github.com/toolgate/oauth/security"
	"github.com/toolgate/oauth/server"
)

const (
	tokenTypeBearer = "Bearer"

	contentTypeJSON = "application/json"
)

// Well-known and endpoint paths.
const (
	PathAuthorizationServerMetadata = "/.well-known/oauth-authorization-server"
	PathProtectedResourceMetadata   = "/.well-known/oauth-protected-resource"
	PathRegister                    = "/oauth/register"
	PathAuthorize                   = "/oauth/authorize"
	PathToken                       = "/oauth/token"
	PathRevoke                      = "/oauth/revoke"
	PathIntrospect                  = "/oauth/introspect"
)

// Handler adapts a server.Server to HTTP. It owns the wire concerns:
// parameter parsing, error-to-status mapping, security headers, CORS,
// and per-IP rate limiting on the discovery endpoints.
type Handler struct {
	server *server.Server
	config *HandlerConfig
	logger *slog.Logger

	discoveryLimiter *security.RateLimiter
	instrumentation  *instrumentation.Instrumentation
}

// NewHandler creates an HTTP handler over an OAuth server. Call Close to
// stop the discovery rate limiter's background goroutine.
func NewHandler(srv *server.Server, config *HandlerConfig, logger *slog.Logger) *Handler {
	if config == nil {
		config = &HandlerConfig{}
	}
	config.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		server: srv,
		config: config,
		logger: logger,
		discoveryLimiter: security.NewRateLimiter(
			config.DiscoveryRequestsPerSecond,
			config.DiscoveryBurst,
			logger,
		),
	}
}

// SetInstrumentation sets the OpenTelemetry instrumentation.
func (h *Handler) SetInstrumentation(inst *instrumentation.Instrumentation) {
	h.instrumentation = inst
}

// Close stops the discovery rate limiter. Safe to call multiple times.
func (h *Handler) Close() {
	h.discoveryLimiter.Stop()
}

// Routes registers all OAuth endpoints on the mux, wrapped in the
// request ID middleware.
func (h *Handler) Routes(mux *http.ServeMux) {
	register := func(path string, fn http.HandlerFunc) {
		mux.Handle(path, security.RequestIDMiddleware(fn))
	}

	register(PathAuthorizationServerMetadata, h.ServeAuthorizationServerMetadata)
	register(PathProtectedResourceMetadata, h.ServeProtectedResourceMetadata)
	for _, rc := range h.config.ProtectedResources {
		if rc.Path != "" && rc.Path != "/" {
			register(PathProtectedResourceMetadata+rc.Path, h.ServeProtectedResourceMetadata)
		}
	}
	register(PathRegister, h.ServeClientRegistration)
	register(PathAuthorize, h.ServeAuthorization)
	register(PathToken, h.ServeToken)
	register(PathRevoke, h.ServeTokenRevocation)
	register(PathIntrospect, h.ServeTokenIntrospection)
}

// clientIP extracts the request's client IP honoring the proxy trust
// configuration.
func (h *Handler) clientIP(r *http.Request) string {
	cfg := h.server.Config
	return security.GetClientIP(r, cfg.TrustProxy, cfg.TrustedProxyCount)
}

// issuer returns the issuer URL without a trailing slash, for building
// endpoint URLs.
func (h *Handler) issuer() string {
	return strings.TrimSuffix(h.server.Config.Issuer, "/")
}

// preflight answers OPTIONS requests; returns true when the request was
// handled.
func (h *Handler) preflight(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodOptions {
		return false
	}
	h.setCORSHeaders(w, r)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusNoContent)
	return true
}

// requireMethod filters the request method; returns false (and answers
// 405) on mismatch.
func (h *Handler) requireMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	h.writeError(w, NewOAuthError(ErrorCodeInvalidRequest, "method not allowed", http.StatusMethodNotAllowed))
	return false
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, oe *OAuthError) {
	if oe.Status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	if oe.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", tokenTypeBearer)
	}
	h.writeJSON(w, oe.Status, ErrorResponse{
		Error:            oe.Code,
		ErrorDescription: oe.Description,
	})
}

// handleError maps a flow error to the wire. Non-OAuth errors are logged
// and answered as an opaque server_error.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	oe := asOAuthError(err)
	if oe.Status == http.StatusInternalServerError {
		h.logger.Error("Request failed",
			"error", err,
			"path", r.URL.Path,
			"request_id", security.GetRequestID(r.Context()))
	}
	h.writeError(w, oe)
}

func (h *Handler) recordHTTPMetrics(ctx context.Context, endpoint, method string, status int, start time.Time) {
	if h.instrumentation == nil {
		return
	}
	durationMs := time.Since(start).Seconds() * 1000
	h.instrumentation.Metrics().RecordHTTPRequest(ctx, method, endpoint, status, durationMs)
}

// checkDiscoveryRateLimit applies the per-IP limit on the .well-known
// endpoints; returns false after answering 429.
func (h *Handler) checkDiscoveryRateLimit(w http.ResponseWriter, r *http.Request) bool {
	ip := h.clientIP(r)
	if h.discoveryLimiter.Allow(ip) {
		return true
	}
	if h.server.Auditor != nil {
		h.server.Auditor.LogRateLimitExceeded(ip, "discovery")
	}
	h.writeError(w, NewOAuthError(ErrorCodeRateLimitExceeded, "too many requests", http.StatusTooManyRequests))
	return false
}

// ServeAuthorizationServerMetadata serves the RFC 8414 discovery
// document.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if h.preflight(w, r) {
		return
	}
	if !h.requireMethod(w, r, http.MethodGet) {
		return
	}
	if !h.checkDiscoveryRateLimit(w, r) {
		return
	}

	h.setCORSHeaders(w, r)
	issuer := h.issuer()
	h.writeJSON(w, http.StatusOK, AuthorizationServerMetadata{
		Issuer:                issuer,
		AuthorizationEndpoint: issuer + PathAuthorize,
		TokenEndpoint:         issuer + PathToken,
		RegistrationEndpoint:  issuer + PathRegister,
		RevocationEndpoint:    issuer + PathRevoke,
		IntrospectionEndpoint: issuer + PathIntrospect,
		ScopesSupported:       h.server.Config.SupportedScopes,
		ResponseTypesSupported: []string{"code"},
		GrantTypesSupported: []string{
			server.GrantTypeAuthorizationCode,
			server.GrantTypeRefreshToken,
			server.GrantTypeClientCredentials,
		},
		TokenEndpointAuthMethodsSupported: []string{
			server.TokenEndpointAuthMethodNone,
			server.TokenEndpointAuthMethodBasic,
			server.TokenEndpointAuthMethodPost,
		},
		CodeChallengeMethodsSupported: []string{server.PKCEMethodS256},
	})
	h.recordHTTPMetrics(r.Context(), PathAuthorizationServerMetadata, r.Method, http.StatusOK, start)
}

// ServeProtectedResourceMetadata serves the RFC 9728 document, for the
// base path and any configured path suffix.
func (h *Handler) ServeProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if h.preflight(w, r) {
		return
	}
	if !h.requireMethod(w, r, http.MethodGet) {
		return
	}
	if !h.checkDiscoveryRateLimit(w, r) {
		return
	}

	resourcePath := strings.TrimPrefix(r.URL.Path, PathProtectedResourceMetadata)
	rc := h.findResourceConfig(resourcePath)

	issuer := h.issuer()
	doc := ProtectedResourceMetadata{
		Resource:               issuer + resourcePath,
		AuthorizationServers:   []string{issuer},
		BearerMethodsSupported: []string{"header"},
		ScopesSupported:        h.server.Config.SupportedScopes,
	}
	if rc != nil {
		if rc.Resource != "" {
			doc.Resource = rc.Resource
		}
		if len(rc.ScopesSupported) > 0 {
			doc.ScopesSupported = rc.ScopesSupported
		}
	}

	h.setCORSHeaders(w, r)
	h.writeJSON(w, http.StatusOK, doc)
	h.recordHTTPMetrics(r.Context(), PathProtectedResourceMetadata, r.Method, http.StatusOK, start)
}

func (h *Handler) findResourceConfig(resourcePath string) *ProtectedResourceConfig {
	for i := range h.config.ProtectedResources {
		if h.config.ProtectedResources[i].Path == resourcePath {
			return &h.config.ProtectedResources[i]
		}
	}
	return nil
}

// ServeClientRegistration handles RFC 7591 dynamic client registration.
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if h.preflight(w, r) {
		return
	}
	if !h.requireMethod(w, r, http.MethodPost) {
		return
	}
	h.setCORSHeaders(w, r)

	var req ClientRegistrationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		h.writeError(w, NewOAuthError(ErrorCodeInvalidRequest, "invalid registration request body", http.StatusBadRequest))
		return
	}

	clientIP := h.clientIP(r)
	client, clientSecret, err := h.server.RegisterClient(r.Context(), &server.RegistrationRequest{
		ClientName:              req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
		GrantTypes:              req.GrantTypes,
		Scopes:                  strings.Fields(req.Scope),
		AdminCredential:         bearerToken(r),
	}, clientIP)
	if err != nil {
		h.handleError(w, r, err)
		h.recordHTTPMetrics(r.Context(), PathRegister, r.Method, asOAuthError(err).Status, start)
		return
	}

	h.writeJSON(w, http.StatusCreated, ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            clientSecret,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		ClientSecretExpiresAt:   0,
		ClientName:              client.ClientName,
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		Scope:                   strings.Join(client.Scopes, " "),
	})
	h.recordHTTPMetrics(r.Context(), PathRegister, r.Method, http.StatusCreated, start)
}

// ServeAuthorization handles the authorization endpoint. Parameters come
// from the query string (GET) or form body (POST); the API key comes
// from the X-API-Key header, a bearer Authorization header, or the
// api_key parameter.
//
// Errors redirect to the client's redirect_uri per RFC 6749 §4.1.2.1,
// EXCEPT when the client or redirect URI itself is invalid: redirecting
// then would hand the code or error to an attacker-controlled URL, so
// those answer 400/401 JSON directly.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if h.preflight(w, r) {
		return
	}
	if !h.requireMethod(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, NewOAuthError(ErrorCodeInvalidRequest, "malformed request parameters", http.StatusBadRequest))
		return
	}
	h.setCORSHeaders(w, r)

	req := &server.AuthorizeRequest{
		ClientID:            r.FormValue("client_id"),
		RedirectURI:         r.FormValue("redirect_uri"),
		ResponseType:        r.FormValue("response_type"),
		Scope:               r.FormValue("scope"),
		State:               r.FormValue("state"),
		CodeChallenge:       r.FormValue("code_challenge"),
		CodeChallengeMethod: r.FormValue("code_challenge_method"),
		APIKey:              h.extractAPIKey(r),
	}

	code, err := h.server.Authorize(r.Context(), req, h.clientIP(r))
	if err != nil {
		oe := asOAuthError(err)
		if oe.Code == ErrorCodeInvalidClient || oe.Code == ErrorCodeInvalidRedirectURI || oe.Status == http.StatusInternalServerError {
			h.handleError(w, r, err)
		} else {
			h.redirectError(w, r, req.RedirectURI, req.State, oe)
		}
		h.recordHTTPMetrics(r.Context(), PathAuthorize, r.Method, oe.Status, start)
		return
	}

	redirect, err := url.Parse(req.RedirectURI)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	q := redirect.Query()
	q.Set("code", code)
	if req.State != "" {
		q.Set("state", req.State)
	}
	redirect.RawQuery = q.Encode()

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	http.Redirect(w, r, redirect.String(), http.StatusFound)
	h.recordHTTPMetrics(r.Context(), PathAuthorize, r.Method, http.StatusFound, start)
}

// redirectError sends an RFC 6749 error redirect. Only called once the
// redirect URI has been validated against the client's registration.
func (h *Handler) redirectError(w http.ResponseWriter, r *http.Request, redirectURI, state string, oe *OAuthError) {
	redirect, err := url.Parse(redirectURI)
	if err != nil {
		h.writeError(w, oe)
		return
	}
	q := redirect.Query()
	q.Set("error", oe.Code)
	if oe.Description != "" {
		q.Set("error_description", oe.Description)
	}
	if state != "" {
		q.Set("state", state)
	}
	redirect.RawQuery = q.Encode()

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

// extractAPIKey pulls the API key from the request. Header forms win
// over the form parameter.
func (h *Handler) extractAPIKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if key := bearerToken(r); key != "" {
		return key
	}
	return r.FormValue("api_key")
}

// bearerToken extracts a bearer credential from the Authorization
// header, or "" when absent.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}

// ServeToken handles the token endpoint for all supported grant types.
// Bodies may be form-encoded or JSON; client credentials may come via
// HTTP Basic auth or body parameters.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if h.preflight(w, r) {
		return
	}
	if !h.requireMethod(w, r, http.MethodPost) {
		return
	}
	h.setCORSHeaders(w, r)

	params, err := h.parseTokenParams(r)
	if err != nil {
		h.writeError(w, NewOAuthError(ErrorCodeInvalidRequest, "malformed token request body", http.StatusBadRequest))
		return
	}
	if id, secret, ok := r.BasicAuth(); ok {
		params["client_id"] = id
		params["client_secret"] = secret
	}

	grant, err := server.ParseGrantRequest(params["grant_type"], params)
	if err != nil {
		h.handleError(w, r, err)
		h.recordHTTPMetrics(r.Context(), PathToken, r.Method, asOAuthError(err).Status, start)
		return
	}

	resp, err := h.server.Token(r.Context(), grant, h.clientIP(r))
	if err != nil {
		h.handleError(w, r, err)
		h.recordHTTPMetrics(r.Context(), PathToken, r.Method, asOAuthError(err).Status, start)
		return
	}

	h.writeJSON(w, http.StatusOK, TokenEndpointResponse{
		AccessToken:  resp.AccessToken,
		TokenType:    resp.TokenType,
		ExpiresIn:    resp.ExpiresIn,
		Scope:        resp.Scope,
		RefreshToken: resp.RefreshToken,
	})
	h.recordHTTPMetrics(r.Context(), PathToken, r.Method, http.StatusOK, start)
}

// parseTokenParams reads the token endpoint parameters from a form or
// JSON body.
func (h *Handler) parseTokenParams(r *http.Request) (map[string]string, error) {
	params := make(map[string]string)

	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, contentTypeJSON) {
		var body map[string]string
		if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 64<<10)).Decode(&body); err != nil {
			return nil, err
		}
		for k, v := range body {
			params[k] = v
		}
		return params, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	for k := range r.PostForm {
		params[k] = r.PostForm.Get(k)
	}
	return params, nil
}

// ServeTokenRevocation handles RFC 7009 token revocation. Per the RFC,
// unknown tokens still answer 200: revocation must not be a probe for
// valid token values.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if h.preflight(w, r) {
		return
	}
	if !h.requireMethod(w, r, http.MethodPost) {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, NewOAuthError(ErrorCodeInvalidRequest, "malformed request body", http.StatusBadRequest))
		return
	}
	h.setCORSHeaders(w, r)

	token := r.PostForm.Get("token")
	if token == "" {
		h.writeError(w, NewOAuthError(ErrorCodeInvalidRequest, "token parameter is required", http.StatusBadRequest))
		return
	}

	clientID := r.PostForm.Get("client_id")
	if id, _, ok := r.BasicAuth(); ok {
		clientID = id
	}

	if err := h.server.RevokeToken(r.Context(), token, clientID, h.clientIP(r)); err != nil {
		h.handleError(w, r, err)
		h.recordHTTPMetrics(r.Context(), PathRevoke, r.Method, asOAuthError(err).Status, start)
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.WriteHeader(http.StatusOK)
	h.recordHTTPMetrics(r.Context(), PathRevoke, r.Method, http.StatusOK, start)
}

// ServeTokenIntrospection handles RFC 7662 token introspection. The
// caller must authenticate as a registered client; inactive tokens
// answer {"active": false} with no further detail.
func (h *Handler) ServeTokenIntrospection(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if h.preflight(w, r) {
		return
	}
	if !h.requireMethod(w, r, http.MethodPost) {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, NewOAuthError(ErrorCodeInvalidRequest, "malformed request body", http.StatusBadRequest))
		return
	}
	h.setCORSHeaders(w, r)

	clientID := r.PostForm.Get("client_id")
	clientSecret := r.PostForm.Get("client_secret")
	if id, secret, ok := r.BasicAuth(); ok {
		clientID, clientSecret = id, secret
	}
	if _, err := h.server.AuthenticateClient(r.Context(), clientID, clientSecret); err != nil {
		h.handleError(w, r, err)
		h.recordHTTPMetrics(r.Context(), PathIntrospect, r.Method, asOAuthError(err).Status, start)
		return
	}

	token := r.PostForm.Get("token")
	claims, active := h.server.IntrospectToken(r.Context(), token)
	if !active {
		h.writeJSON(w, http.StatusOK, IntrospectionResponse{Active: false})
		h.recordHTTPMetrics(r.Context(), PathIntrospect, r.Method, http.StatusOK, start)
		return
	}

	h.writeJSON(w, http.StatusOK, IntrospectionResponse{
		Active:    true,
		Scope:     claims.Scope,
		ClientID:  claims.ClientID,
		Subject:   claims.Subject,
		TokenType: tokenTypeBearer,
		ExpiresAt: claims.ExpiresAt.Unix(),
		IssuedAt:  claims.IssuedAt.Unix(),
		Issuer:    h.issuer(),
		TokenID:   claims.TokenID,
	})
	h.recordHTTPMetrics(r.Context(), PathIntrospect, r.Method, http.StatusOK, start)
}

// setCORSHeaders applies the configured CORS policy. The specific origin
// is echoed back rather than "*"; Vary: Origin keeps caches honest.
func (h *Handler) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	if len(h.config.CORS.AllowedOrigins) == 0 {
		return
	}
	origin := r.Header.Get("Origin")
	if origin == "" || !h.isAllowedOrigin(origin) {
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Add("Vary", "Origin")
	if h.config.CORS.AllowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key")
	w.Header().Set("Access-Control-Max-Age", strconv.Itoa(h.config.CORS.MaxAge))
}

func (h *Handler) isAllowedOrigin(origin string) bool {
	for _, allowed := range h.config.CORS.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
