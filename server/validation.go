package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/toolgate/oauth/storage"
)

// PKCE validation constants (RFC 7636)
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	PKCEMethodS256        = "S256"

	// MinCodeChallengeLength and MaxCodeChallengeLength bound the stored
	// challenge. A Base64url-encoded SHA-256 digest is exactly 43
	// characters; the range tolerates other encodings of the same hash.
	MinCodeChallengeLength = 43
	MaxCodeChallengeLength = 128
)

// URI scheme constants
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

// compiledPattern pairs a registration allow-list regexp with its source
// for error messages.
type compiledPattern struct {
	source string
	re     *regexp.Regexp
}

// compileRegistrationPatterns compiles the open-registration allow-list.
// Invalid patterns fail server construction rather than silently allowing
// or denying registrations.
func compileRegistrationPatterns(patterns []string) ([]compiledPattern, error) {
	compiled := make([]compiledPattern, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid open registration pattern %q: %w", p, err)
		}
		compiled = append(compiled, compiledPattern{source: p, re: re})
	}
	return compiled, nil
}

// matchesOpenRegistration reports whether a redirect URI qualifies for
// unauthenticated registration: it matches an allow-list pattern or is a
// loopback URI.
func (s *Server) matchesOpenRegistration(redirectURI string) bool {
	if isLoopbackRedirect(redirectURI) {
		return true
	}
	for _, p := range s.openRegistration {
		if p.re.MatchString(redirectURI) {
			return true
		}
	}
	return false
}

// isLoopbackRedirect reports whether a redirect URI points at a loopback
// host. Loopback URIs may use plain HTTP and register without the admin
// credential (RFC 8252 native app pattern).
func isLoopbackRedirect(redirectURI string) bool {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return false
	}
	if parsed.Scheme != SchemeHTTP && parsed.Scheme != SchemeHTTPS {
		return false
	}
	return isLoopbackHostname(parsed.Hostname())
}

// isLoopbackHostname checks if a hostname refers to the local machine.
// This includes the entire 127.0.0.0/8 range per RFC 1122, IPv6 loopback
// (::1), and the localhost hostname.
func isLoopbackHostname(hostname string) bool {
	if hostname == "localhost" {
		return true
	}

	cleanHostname := hostname
	if len(hostname) > 2 && hostname[0] == '[' && hostname[len(hostname)-1] == ']' {
		cleanHostname = hostname[1 : len(hostname)-1]
	}

	if ip := net.ParseIP(cleanHostname); ip != nil {
		return ip.IsLoopback()
	}

	return false
}

// validateRedirectURIFormat performs structural validation on a redirect
// URI at registration time: absolute, HTTPS (loopback HTTP exception),
// no fragments.
func validateRedirectURIFormat(redirectURI string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect_uri format: %w", err)
	}

	if !parsed.IsAbs() || parsed.Host == "" {
		return fmt.Errorf("redirect_uri must be an absolute URI with a host")
	}

	// OAuth 2.0 Security BCP Section 4.1.3: redirect_uri MUST NOT contain fragments
	if parsed.Fragment != "" {
		return fmt.Errorf("redirect_uri must not contain fragments")
	}

	scheme := strings.ToLower(parsed.Scheme)
	switch scheme {
	case SchemeHTTPS:
		return nil
	case SchemeHTTP:
		if isLoopbackHostname(parsed.Hostname()) {
			return nil
		}
		return fmt.Errorf("redirect_uri must use HTTPS (plain HTTP is only allowed for loopback hosts)")
	default:
		return fmt.Errorf("redirect_uri scheme %q is not allowed (must be https, or http for loopback)", scheme)
	}
}

// validateRedirectURI checks that a redirect URI exactly matches one of the
// client's registered URIs. No normalization: exact string match only.
func validateRedirectURI(client *storage.Client, redirectURI string) error {
	for _, uri := range client.RedirectURIs {
		if uri == redirectURI {
			return nil
		}
	}
	return fmt.Errorf("redirect URI not registered for client")
}

// validateCodeChallenge performs structural checks on a code challenge at
// authorization time. Only the S256 method is accepted.
func validateCodeChallenge(challenge, method string) error {
	if challenge == "" {
		return fmt.Errorf("code_challenge is required")
	}
	if method != PKCEMethodS256 {
		return fmt.Errorf("unsupported code_challenge_method: only S256 is supported")
	}
	if len(challenge) < MinCodeChallengeLength || len(challenge) > MaxCodeChallengeLength {
		return fmt.Errorf("code_challenge must be %d-%d characters", MinCodeChallengeLength, MaxCodeChallengeLength)
	}
	return nil
}

// validatePKCE validates the PKCE code verifier against the stored
// challenge per RFC 7636. The comparison is constant time.
func validatePKCE(challenge, method, verifier string) error {
	if verifier == "" {
		return fmt.Errorf("code_verifier is required")
	}

	// RFC 7636: code_verifier must be 43-128 characters
	if len(verifier) < MinCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at least %d characters (RFC 7636)", MinCodeVerifierLength)
	}
	if len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters (RFC 7636)", MaxCodeVerifierLength)
	}

	// RFC 7636: code_verifier can only contain [A-Z] / [a-z] / [0-9] / "-" / "." / "_" / "~".
	// Rejecting everything else keeps null bytes and control characters out.
	for _, ch := range verifier {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
		}
	}

	if method != PKCEMethodS256 {
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}

	hash := sha256.Sum256([]byte(verifier))
	computedChallenge := base64.RawURLEncoding.EncodeToString(hash[:])

	// Constant-time comparison to prevent timing attacks
	if subtle.ConstantTimeCompare([]byte(computedChallenge), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}

	return nil
}

// scopeSubset reports whether every requested scope appears in allowed.
func scopeSubset(requested, allowed []string) bool {
	for _, r := range requested {
		found := false
		for _, a := range allowed {
			if r == a {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// scopeIntersect returns the scopes present in both lists, preserving the
// order of the first list.
func scopeIntersect(a, b []string) []string {
	var out []string
	for _, s := range a {
		for _, t := range b {
			if s == t {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

// splitScope splits a space-delimited scope string into fields.
func splitScope(scope string) []string {
	return strings.Fields(scope)
}

// joinScope joins scopes back into the wire format.
func joinScope(scopes []string) string {
	return strings.Join(scopes, " ")
}
