package oauth

// Default HTTP-layer settings.
const (
	// DefaultDiscoveryRequestsPerSecond is the per-IP rate limit applied
	// to the discovery (.well-known) endpoints.
	DefaultDiscoveryRequestsPerSecond = 10

	// DefaultDiscoveryBurst is the burst allowance for the discovery
	// rate limiter.
	DefaultDiscoveryBurst = 20

	// defaultCORSMaxAge is the preflight cache duration in seconds.
	defaultCORSMaxAge = 3600

	// retryAfterSeconds is sent with 429 responses.
	retryAfterSeconds = "60"
)

// CORSConfig configures cross-origin access for browser-based clients.
type CORSConfig struct {
	// AllowedOrigins lists origins permitted to call the OAuth endpoints
	// from a browser. Exact match, except the "*" wildcard. Empty
	// disables CORS headers entirely.
	AllowedOrigins []string

	// AllowCredentials sets Access-Control-Allow-Credentials, required
	// when browser clients send Bearer tokens.
	AllowCredentials bool

	// MaxAge is the preflight cache duration in seconds.
	// Default: 3600
	MaxAge int
}

// ProtectedResourceConfig describes one protected resource served under
// /.well-known/oauth-protected-resource (RFC 9728). Path-specific entries
// are additionally served under the path suffix variant.
type ProtectedResourceConfig struct {
	// Path is the resource's URL path (e.g. "/api"). Empty for the base
	// document.
	Path string

	// Resource is the resource identifier. Defaults to issuer + Path.
	Resource string

	// ScopesSupported lists the scopes this resource understands.
	// Defaults to the server's supported scopes.
	ScopesSupported []string
}

// HandlerConfig configures the HTTP adapter. The zero value is usable;
// the OAuth flow semantics themselves live in server.Config.
type HandlerConfig struct {
	// CORS configures cross-origin access for browser-based clients.
	CORS CORSConfig

	// ProtectedResources configures the RFC 9728 metadata documents.
	ProtectedResources []ProtectedResourceConfig

	// DiscoveryRequestsPerSecond and DiscoveryBurst bound per-IP traffic
	// on the .well-known endpoints. Defaults: 10 rps, burst 20.
	DiscoveryRequestsPerSecond int
	DiscoveryBurst             int
}

func (c *HandlerConfig) applyDefaults() {
	if c.DiscoveryRequestsPerSecond <= 0 {
		c.DiscoveryRequestsPerSecond = DefaultDiscoveryRequestsPerSecond
	}
	if c.DiscoveryBurst <= 0 {
		c.DiscoveryBurst = DefaultDiscoveryBurst
	}
	if c.CORS.MaxAge <= 0 {
		c.CORS.MaxAge = defaultCORSMaxAge
	}
}
