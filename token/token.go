package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
)

const (
	// DefaultLeeway is the clock-skew tolerance applied when validating
	// exp and nbf. Bounded and small: it covers NTP drift between the
	// issuing and validating hosts without meaningfully extending token
	// lifetime.
	DefaultLeeway = 5 * time.Second

	// MinHMACKeySize is the minimum HMAC key length in bytes. Shorter
	// keys make HS256 tokens brute-forceable offline.
	MinHMACKeySize = 32
)

// Typed validation errors. Callers match with errors.Is.
var (
	// ErrTokenMalformed is returned when the input is not a parseable JWS.
	ErrTokenMalformed = errors.New("token malformed")

	// ErrTokenSignatureInvalid is returned when the signature does not
	// verify or the algorithm is not in the allowed set.
	ErrTokenSignatureInvalid = errors.New("token signature invalid")

	// ErrTokenExpired is returned when exp is in the past beyond the
	// configured leeway.
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenInvalid is returned for claim-level failures other than
	// expiry, such as an issuer mismatch or nbf in the future.
	ErrTokenInvalid = errors.New("token invalid")
)

// Claims is the validated content of an access token.
type Claims struct {
	// Subject identifies the token subject. For tokens minted from an
	// API-key authorization this is the key ID.
	Subject string

	ClientID  string
	Scope     string
	ProjectID string

	// TokenID is the jti claim, unique per issued token.
	TokenID string

	IssuedAt  time.Time
	ExpiresAt time.Time
}

// customClaims is the wire form of the non-standard claims.
type customClaims struct {
	ClientID  string `json:"client_id"`
	Scope     string `json:"scope"`
	ProjectID string `json:"project_id,omitempty"`
}

// Config configures a Codec.
type Config struct {
	// Algorithm is the JWS signature algorithm. Default HS256. Any
	// go-jose signature algorithm is accepted; asymmetric algorithms
	// take the private key in Key and the public key in VerificationKey.
	Algorithm jose.SignatureAlgorithm

	// Key is the signing key. For HMAC algorithms this is a []byte of at
	// least MinHMACKeySize bytes.
	Key any

	// VerificationKey is the key used to verify signatures. Defaults to
	// Key, which is correct for HMAC.
	VerificationKey any

	// Issuer is written to iss and enforced on validation.
	Issuer string

	// Leeway is the clock-skew tolerance for exp/nbf checks.
	// Default DefaultLeeway.
	Leeway time.Duration
}

// Codec signs and validates self-contained access tokens. Validation is
// stateless: no store lookups, signature and time checks only.
type Codec struct {
	alg       jose.SignatureAlgorithm
	signer    jose.Signer
	verifyKey any
	issuer    string
	leeway    time.Duration
}

// New creates a Codec. HMAC keys shorter than MinHMACKeySize are
// rejected.
func New(cfg Config) (*Codec, error) {
	alg := cfg.Algorithm
	if alg == "" {
		alg = jose.HS256
	}

	if cfg.Key == nil {
		return nil, fmt.Errorf("signing key is required")
	}
	if isHMAC(alg) {
		key, ok := cfg.Key.([]byte)
		if !ok {
			return nil, fmt.Errorf("HMAC algorithm %s requires a []byte key", alg)
		}
		if len(key) < MinHMACKeySize {
			return nil, fmt.Errorf("HMAC key must be at least %d bytes, got %d", MinHMACKeySize, len(key))
		}
	}

	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: alg, Key: cfg.Key},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}

	verifyKey := cfg.VerificationKey
	if verifyKey == nil {
		verifyKey = cfg.Key
	}

	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = DefaultLeeway
	}

	return &Codec{
		alg:       alg,
		signer:    signer,
		verifyKey: verifyKey,
		issuer:    cfg.Issuer,
		leeway:    leeway,
	}, nil
}

// Issue signs a token for the given claims with the given lifetime.
// iat, nbf and exp are epoch-UTC; jti is a fresh UUID unless
// claims.TokenID is already set.
func (c *Codec) Issue(claims Claims, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", fmt.Errorf("token ttl must be positive, got %s", ttl)
	}

	now := time.Now().UTC()
	jti := claims.TokenID
	if jti == "" {
		jti = uuid.NewString()
	}

	std := jwt.Claims{
		Issuer:    c.issuer,
		Subject:   claims.Subject,
		ID:        jti,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		Expiry:    jwt.NewNumericDate(now.Add(ttl)),
	}

	custom := customClaims{
		ClientID:  claims.ClientID,
		Scope:     claims.Scope,
		ProjectID: claims.ProjectID,
	}

	raw, err := jwt.Signed(c.signer).Claims(std).Claims(custom).Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return raw, nil
}

// Validate parses and verifies a raw token and returns its claims.
// Returns ErrTokenMalformed, ErrTokenSignatureInvalid, ErrTokenExpired,
// or ErrTokenInvalid.
func (c *Codec) Validate(raw string) (*Claims, error) {
	parsed, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{c.alg})
	if err != nil {
		// go-jose reports a disallowed algorithm at parse time; that is
		// a signature-class failure, not a syntax one.
		if strings.Contains(err.Error(), "algorithm") {
			return nil, fmt.Errorf("%w: %v", ErrTokenSignatureInvalid, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}

	var std jwt.Claims
	var custom customClaims
	if err := parsed.Claims(c.verifyKey, &std, &custom); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenSignatureInvalid, err)
	}

	err = std.ValidateWithLeeway(jwt.Expected{
		Issuer: c.issuer,
		Time:   time.Now().UTC(),
	}, c.leeway)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrExpired):
		return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
	default:
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	out := &Claims{
		Subject:   std.Subject,
		ClientID:  custom.ClientID,
		Scope:     custom.Scope,
		ProjectID: custom.ProjectID,
		TokenID:   std.ID,
	}
	if std.IssuedAt != nil {
		out.IssuedAt = std.IssuedAt.Time().UTC()
	}
	if std.Expiry != nil {
		out.ExpiresAt = std.Expiry.Time().UTC()
	}

	return out, nil
}

func isHMAC(alg jose.SignatureAlgorithm) bool {
	switch alg {
	case jose.HS256, jose.HS384, jose.HS512:
		return true
	}
	return false
}
