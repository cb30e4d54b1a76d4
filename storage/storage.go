package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Sentinel errors returned by storage implementations.
var (
	// ErrClientNotFound is returned when a client ID is not registered.
	ErrClientNotFound = errors.New("client not found")

	// ErrCodeNotFound is returned when an authorization code does not
	// exist or has expired. Callers must not distinguish the two cases
	// in responses.
	ErrCodeNotFound = errors.New("authorization code not found")

	// ErrCodeConsumed is returned by ConsumeAuthorizationCode when the
	// code was already redeemed. The record is returned alongside the
	// error so the caller can run its replay cascade.
	ErrCodeConsumed = errors.New("authorization code already consumed")

	// ErrRefreshTokenNotFound is returned when a refresh token does not
	// exist or has expired.
	ErrRefreshTokenNotFound = errors.New("refresh token not found")

	// ErrRefreshTokenRevoked is returned when a presented refresh token
	// exists but was revoked or rotated away. The record is returned
	// alongside the error so the caller can inspect the family.
	ErrRefreshTokenRevoked = errors.New("refresh token revoked")
)

// Client is a registered OAuth client.
//
// Revoked clients are tombstoned, not deleted: outstanding tokens still
// reference the record, and introspection must keep answering
// deterministically for them.
type Client struct {
	ClientID                string
	ClientSecretHash        string // bcrypt hash; empty for public clients
	ClientType              string // "public" or "confidential"
	RedirectURIs            []string
	TokenEndpointAuthMethod string
	GrantTypes              []string
	ResponseTypes           []string
	ClientName              string
	Scopes                  []string
	RegistrationIP          string
	CreatedAt               time.Time
	Revoked                 bool
	RevokedAt               time.Time
}

// AuthorizationCode is a single-use grant minted by the authorization
// endpoint. The raw code value is only held in the Code field between
// issuance and the redirect; implementations key the record by its
// SHA-256 digest so a store dump contains nothing redeemable.
type AuthorizationCode struct {
	Code                string // raw value; empty on records read back from storage
	CodeDigest          string
	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string

	// Subject grant inherited from the API key presented at authorization.
	KeyID     string
	ProjectID string

	CreatedAt time.Time
	ExpiresAt time.Time
	Consumed  bool
}

// RefreshToken is one generation of a rotation family. Records are keyed
// by TokenID, the SHA-256 digest of the raw token value; the raw value is
// never persisted.
//
// Revoked generations are retained until family retention expires:
// presenting one is the reuse signal that triggers family revocation.
type RefreshToken struct {
	TokenID  string // SHA-256 digest of the raw token
	ClientID string

	// Subject grant carried forward from the originating authorization.
	KeyID     string
	ProjectID string

	Scope      string
	FamilyID   string
	Generation int

	CreatedAt time.Time
	ExpiresAt time.Time

	Revoked      bool
	RevokedAt    time.Time
	SupersededBy string // TokenID of the successor generation, set on rotation
}

// ClientStore manages registered OAuth clients.
type ClientStore interface {
	// SaveClient persists a client registration.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID. Tombstoned clients are
	// returned with Revoked set; callers decide how to treat them.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// RevokeClient tombstones a client. The record survives so token
	// introspection keeps answering for it.
	RevokeClient(ctx context.Context, clientID string) error

	// CountClientsForIP returns the number of live registrations made
	// from the given IP, for per-IP registration caps.
	CountClientsForIP(ctx context.Context, ip string) (int, error)
}

// CodeStore manages authorization codes.
type CodeStore interface {
	// SaveAuthorizationCode persists a freshly issued code. The record's
	// Code field carries the raw value; the implementation stores it
	// digest-keyed and drops the raw value.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeAuthorizationCode atomically marks the code as consumed and
	// returns the record.
	//
	// SECURITY: This operation MUST be atomic - under concurrent
	// redemption of the same code exactly one caller succeeds. Any other
	// caller receives ErrCodeConsumed together with the stored record so
	// it can revoke everything issued from the code. Missing and expired
	// codes both return ErrCodeNotFound only.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// DeleteSubjectAuthorizationCodes removes all outstanding codes a
	// client holds for one subject in a single indexed pass. Used by the
	// code replay cascade, which must not touch other subjects sharing
	// the client.
	DeleteSubjectAuthorizationCodes(ctx context.Context, clientID, keyID string) (int, error)
}

// RefreshTokenStore manages refresh tokens and their rotation families.
type RefreshTokenStore interface {
	// SaveRefreshToken persists a new refresh token record.
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken retrieves the record for a raw refresh token.
	// Revoked records are returned with Revoked set (reuse detection
	// needs them); missing and expired tokens return
	// ErrRefreshTokenNotFound.
	GetRefreshToken(ctx context.Context, raw string) (*RefreshToken, error)

	// RotateRefreshToken atomically revokes the presented token, links
	// it forward via SupersededBy, and persists its successor.
	//
	// SECURITY: This operation MUST be atomic - under concurrent
	// rotation of the same token exactly one caller wins. Losers receive
	// ErrRefreshTokenRevoked with the stored record, which the caller
	// treats as a reuse signal. Missing tokens return
	// ErrRefreshTokenNotFound.
	RotateRefreshToken(ctx context.Context, raw string, next *RefreshToken) (*RefreshToken, error)

	// RevokeRefreshTokenFamily revokes every generation of a family in a
	// single indexed pass and returns the number of tokens revoked.
	RevokeRefreshTokenFamily(ctx context.Context, familyID string) (int, error)

	// RevokeClientRefreshTokens revokes all refresh tokens issued to a
	// client. Used by the client revocation cascade.
	RevokeClientRefreshTokens(ctx context.Context, clientID string) (int, error)

	// RevokeSubjectRefreshTokens revokes a client's refresh tokens held
	// for one subject. Used by the code replay cascade.
	RevokeSubjectRefreshTokens(ctx context.Context, clientID, keyID string) (int, error)
}

// Store combines all storage interfaces. Backends implement the full set;
// consumers may depend on the narrower interfaces.
type Store interface {
	ClientStore
	CodeStore
	RefreshTokenStore
}

// TokenDigest returns the hex SHA-256 digest of a raw credential value.
// Codes and refresh tokens are keyed by this digest so that persisted
// data never contains redeemable secrets.
func TokenDigest(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
