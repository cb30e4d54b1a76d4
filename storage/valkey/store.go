package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/toolgate/oauth/security"
	"github.com/toolgate/oauth/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "oauth:"

	// DefaultRevokedTokenRetentionDays is the default retention period for
	// revoked refresh token records. Revoked records must outlive their
	// natural expiry so reuse of a rotated token is still detectable.
	DefaultRevokedTokenRetentionDays = 90

	// digestLogLength is the number of characters to include when logging digests
	digestLogLength = 8

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxTokenLength is the maximum allowed length for raw token strings.
	// This prevents DoS attacks via excessively large tokens.
	MaxTokenLength = 512

	// MaxIDLength is the maximum allowed length for identifiers (clientID, familyID)
	MaxIDLength = 256
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "oauth:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// RevokedTokenRetentionDays is the retention period for revoked refresh
	// token records, used for reuse detection and forensics. Default: 90 days
	RevokedTokenRetentionDays int
}

// Store is a Valkey-backed implementation of all storage interfaces.
// It implements ClientStore, CodeStore, and RefreshTokenStore.
type Store struct {
	client                valkeygo.Client
	prefix                string
	logger                *slog.Logger
	revokedTokenRetention time.Duration
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.ClientStore       = (*Store)(nil)
	_ storage.CodeStore         = (*Store)(nil)
	_ storage.RefreshTokenStore = (*Store)(nil)
	_ storage.Store             = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	retentionDays := cfg.RevokedTokenRetentionDays
	if retentionDays <= 0 {
		retentionDays = DefaultRevokedTokenRetentionDays
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}

	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client:                client,
		prefix:                prefix,
		logger:                logger,
		revokedTokenRetention: time.Duration(retentionDays) * 24 * time.Hour,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// validateStringLength checks if a string exceeds the maximum allowed length
func validateStringLength(value string, maxLen int, fieldName string) error {
	if len(value) > maxLen {
		return fmt.Errorf("%s exceeds maximum length of %d bytes", fieldName, maxLen)
	}
	return nil
}

// ============================================================
// Key Helpers
// ============================================================

// clientKey returns the key for a client record: {prefix}client:{clientID}
func (s *Store) clientKey(clientID string) string {
	return fmt.Sprintf("%sclient:%s", s.prefix, clientID)
}

// clientIPKey returns the key for the per-IP client set: {prefix}client:ip:{ip}
func (s *Store) clientIPKey(ip string) string {
	return fmt.Sprintf("%sclient:ip:%s", s.prefix, ip)
}

// clientCodesKey returns the key for a client's code index: {prefix}client:codes:{clientID}
func (s *Store) clientCodesKey(clientID string) string {
	return fmt.Sprintf("%sclient:codes:%s", s.prefix, clientID)
}

// clientTokensKey returns the key for a client's refresh token index: {prefix}client:tokens:{clientID}
func (s *Store) clientTokensKey(clientID string) string {
	return fmt.Sprintf("%sclient:tokens:%s", s.prefix, clientID)
}

// codeKey returns the key for an authorization code: {prefix}code:{digest}
func (s *Store) codeKey(digest string) string {
	return fmt.Sprintf("%scode:%s", s.prefix, digest)
}

// refreshTokenKey returns the key for a refresh token record: {prefix}refresh:{tokenID}
func (s *Store) refreshTokenKey(tokenID string) string {
	return fmt.Sprintf("%srefresh:%s", s.prefix, tokenID)
}

// familyKey returns the key for a token family index: {prefix}family:{familyID}
func (s *Store) familyKey(familyID string) string {
	return fmt.Sprintf("%sfamily:%s", s.prefix, familyID)
}

// ============================================================
// JSON Serialization Helpers
// ============================================================

// clientJSON is the JSON representation of an OAuth client
type clientJSON struct {
	ClientID                string   `json:"client_id"`
	ClientSecretHash        string   `json:"client_secret_hash,omitempty"`
	ClientType              string   `json:"client_type"`
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	Scopes                  []string `json:"scopes,omitempty"`
	RegistrationIP          string   `json:"registration_ip,omitempty"`
	CreatedAt               int64    `json:"created_at"`
	Revoked                 bool     `json:"revoked,omitempty"`
	RevokedAt               int64    `json:"revoked_at,omitempty"`
}

func toClientJSON(client *storage.Client) *clientJSON {
	j := &clientJSON{
		ClientID:                client.ClientID,
		ClientSecretHash:        client.ClientSecretHash,
		ClientType:              client.ClientType,
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		ClientName:              client.ClientName,
		Scopes:                  client.Scopes,
		RegistrationIP:          client.RegistrationIP,
		CreatedAt:               client.CreatedAt.Unix(),
		Revoked:                 client.Revoked,
	}
	if !client.RevokedAt.IsZero() {
		j.RevokedAt = client.RevokedAt.Unix()
	}
	return j
}

func fromClientJSON(j *clientJSON) *storage.Client {
	if j == nil {
		return nil
	}
	client := &storage.Client{
		ClientID:                j.ClientID,
		ClientSecretHash:        j.ClientSecretHash,
		ClientType:              j.ClientType,
		RedirectURIs:            j.RedirectURIs,
		TokenEndpointAuthMethod: j.TokenEndpointAuthMethod,
		GrantTypes:              j.GrantTypes,
		ResponseTypes:           j.ResponseTypes,
		ClientName:              j.ClientName,
		Scopes:                  j.Scopes,
		RegistrationIP:          j.RegistrationIP,
		CreatedAt:               time.Unix(j.CreatedAt, 0).UTC(),
		Revoked:                 j.Revoked,
	}
	if j.RevokedAt > 0 {
		client.RevokedAt = time.Unix(j.RevokedAt, 0).UTC()
	}
	return client
}

// authorizationCodeJSON is the JSON representation of an authorization code.
// The raw code is never stored; records are keyed and identified by digest.
type authorizationCodeJSON struct {
	CodeDigest          string `json:"code_digest"`
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	KeyID               string `json:"key_id,omitempty"`
	ProjectID           string `json:"project_id,omitempty"`
	CreatedAt           int64  `json:"created_at"`
	ExpiresAt           int64  `json:"expires_at"`
	Consumed            bool   `json:"consumed"`
}

func toAuthorizationCodeJSON(code *storage.AuthorizationCode) *authorizationCodeJSON {
	return &authorizationCodeJSON{
		CodeDigest:          code.CodeDigest,
		ClientID:            code.ClientID,
		RedirectURI:         code.RedirectURI,
		Scope:               code.Scope,
		CodeChallenge:       code.CodeChallenge,
		CodeChallengeMethod: code.CodeChallengeMethod,
		KeyID:               code.KeyID,
		ProjectID:           code.ProjectID,
		CreatedAt:           code.CreatedAt.Unix(),
		ExpiresAt:           code.ExpiresAt.Unix(),
		Consumed:            code.Consumed,
	}
}

func fromAuthorizationCodeJSON(j *authorizationCodeJSON) *storage.AuthorizationCode {
	if j == nil {
		return nil
	}
	return &storage.AuthorizationCode{
		CodeDigest:          j.CodeDigest,
		ClientID:            j.ClientID,
		RedirectURI:         j.RedirectURI,
		Scope:               j.Scope,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		KeyID:               j.KeyID,
		ProjectID:           j.ProjectID,
		CreatedAt:           time.Unix(j.CreatedAt, 0).UTC(),
		ExpiresAt:           time.Unix(j.ExpiresAt, 0).UTC(),
		Consumed:            j.Consumed,
	}
}

// refreshTokenJSON is the JSON representation of a refresh token record
type refreshTokenJSON struct {
	TokenID      string `json:"token_id"`
	ClientID     string `json:"client_id"`
	KeyID        string `json:"key_id,omitempty"`
	ProjectID    string `json:"project_id,omitempty"`
	Scope        string `json:"scope"`
	FamilyID     string `json:"family_id"`
	Generation   int    `json:"generation"`
	CreatedAt    int64  `json:"created_at"`
	ExpiresAt    int64  `json:"expires_at"`
	Revoked      bool   `json:"revoked,omitempty"`
	RevokedAt    int64  `json:"revoked_at,omitempty"`
	SupersededBy string `json:"superseded_by,omitempty"`
}

func toRefreshTokenJSON(token *storage.RefreshToken) *refreshTokenJSON {
	j := &refreshTokenJSON{
		TokenID:      token.TokenID,
		ClientID:     token.ClientID,
		KeyID:        token.KeyID,
		ProjectID:    token.ProjectID,
		Scope:        token.Scope,
		FamilyID:     token.FamilyID,
		Generation:   token.Generation,
		CreatedAt:    token.CreatedAt.Unix(),
		ExpiresAt:    token.ExpiresAt.Unix(),
		Revoked:      token.Revoked,
		SupersededBy: token.SupersededBy,
	}
	if !token.RevokedAt.IsZero() {
		j.RevokedAt = token.RevokedAt.Unix()
	}
	return j
}

func fromRefreshTokenJSON(j *refreshTokenJSON) *storage.RefreshToken {
	if j == nil {
		return nil
	}
	token := &storage.RefreshToken{
		TokenID:      j.TokenID,
		ClientID:     j.ClientID,
		KeyID:        j.KeyID,
		ProjectID:    j.ProjectID,
		Scope:        j.Scope,
		FamilyID:     j.FamilyID,
		Generation:   j.Generation,
		CreatedAt:    time.Unix(j.CreatedAt, 0).UTC(),
		ExpiresAt:    time.Unix(j.ExpiresAt, 0).UTC(),
		Revoked:      j.Revoked,
		SupersededBy: j.SupersededBy,
	}
	if j.RevokedAt > 0 {
		token.RevokedAt = time.Unix(j.RevokedAt, 0).UTC()
	}
	return token
}

// ============================================================
// Helper methods
// ============================================================

// getAndUnmarshal is a generic helper for fetching a key from Valkey,
// unmarshalling the JSON data, and converting to the target type.
func getAndUnmarshal[J any, T any](
	ctx context.Context,
	s *Store,
	key string,
	notFoundErr error,
	fromJSON func(*J) *T,
) (*T, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, notFoundErr
		}
		return nil, fmt.Errorf("failed to get data: %w", err)
	}

	var j J
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}

	return fromJSON(&j), nil
}

// calculateTTL calculates the TTL for a key based on expiry time, extended
// by the clock skew grace period so the record survives through the same
// window the expiry checks tolerate. Returns 0 if already expired.
func calculateTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return 0
	}
	return ttl + security.DefaultClockSkewGracePeriod
}

// isNilError checks if the error indicates a nil/not-found result from Valkey.
// Uses the valkey-go library's built-in nil detection for robustness.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
