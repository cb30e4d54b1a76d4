package token

import (
	"errors"
	"strings"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	return []byte("0123456789abcdef0123456789abcdef") // 32 bytes
}

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	codec, err := New(Config{
		Key:    testKey(t),
		Issuer: "https://auth.example.com",
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return codec
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:   "valid HS256 config",
			config: Config{Key: []byte("0123456789abcdef0123456789abcdef"), Issuer: "https://auth.example.com"},
		},
		{
			name:    "HMAC key too short",
			config:  Config{Key: []byte("short"), Issuer: "https://auth.example.com"},
			wantErr: true,
		},
		{
			name:    "missing key",
			config:  Config{Issuer: "https://auth.example.com"},
			wantErr: true,
		},
		{
			name:    "missing issuer",
			config:  Config{Key: []byte("0123456789abcdef0123456789abcdef")},
			wantErr: true,
		},
		{
			name:    "HMAC algorithm with non-byte key",
			config:  Config{Algorithm: jose.HS256, Key: "not-bytes", Issuer: "https://auth.example.com"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestIssueAndValidate(t *testing.T) {
	codec := newTestCodec(t)

	raw, err := codec.Issue(Claims{
		Subject:   "key_abc",
		ClientID:  "client_123",
		Scope:     "read write",
		ProjectID: "proj_42",
	}, time.Hour)
	if err != nil {
		t.Fatalf("Issue() failed: %v", err)
	}

	claims, err := codec.Validate(raw)
	if err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}

	if claims.Subject != "key_abc" {
		t.Errorf("Subject = %q, want %q", claims.Subject, "key_abc")
	}
	if claims.ClientID != "client_123" {
		t.Errorf("ClientID = %q, want %q", claims.ClientID, "client_123")
	}
	if claims.Scope != "read write" {
		t.Errorf("Scope = %q, want %q", claims.Scope, "read write")
	}
	if claims.ProjectID != "proj_42" {
		t.Errorf("ProjectID = %q, want %q", claims.ProjectID, "proj_42")
	}
	if claims.TokenID == "" {
		t.Error("TokenID should be populated")
	}
	if claims.ExpiresAt.Before(time.Now()) {
		t.Error("ExpiresAt should be in the future")
	}
}

func TestIssueUniqueTokenIDs(t *testing.T) {
	codec := newTestCodec(t)

	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		raw, err := codec.Issue(Claims{ClientID: "client_123", Scope: "read"}, time.Hour)
		if err != nil {
			t.Fatalf("Issue() failed: %v", err)
		}
		claims, err := codec.Validate(raw)
		if err != nil {
			t.Fatalf("Validate() failed: %v", err)
		}
		if seen[claims.TokenID] {
			t.Fatalf("duplicate jti %q", claims.TokenID)
		}
		seen[claims.TokenID] = true
	}
}

func TestIssueRejectsNonPositiveTTL(t *testing.T) {
	codec := newTestCodec(t)

	if _, err := codec.Issue(Claims{ClientID: "client_123"}, 0); err == nil {
		t.Error("Issue() with zero ttl should fail")
	}
	if _, err := codec.Issue(Claims{ClientID: "client_123"}, -time.Minute); err == nil {
		t.Error("Issue() with negative ttl should fail")
	}
}

func TestValidateMalformed(t *testing.T) {
	codec := newTestCodec(t)

	tests := []struct {
		name string
		raw  string
	}{
		{"empty string", ""},
		{"not a jwt", "garbage"},
		{"two segments", "abc.def"},
		{"invalid base64", "!!!.!!!.!!!"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.Validate(tt.raw)
			if !errors.Is(err, ErrTokenMalformed) {
				t.Errorf("Validate(%q) error = %v, want ErrTokenMalformed", tt.raw, err)
			}
		})
	}
}

func TestValidateWrongKey(t *testing.T) {
	codec := newTestCodec(t)

	other, err := New(Config{
		Key:    []byte("ffffffffffffffffffffffffffffffff"),
		Issuer: "https://auth.example.com",
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	raw, err := other.Issue(Claims{ClientID: "client_123", Scope: "read"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue() failed: %v", err)
	}

	_, err = codec.Validate(raw)
	if !errors.Is(err, ErrTokenSignatureInvalid) {
		t.Errorf("Validate() error = %v, want ErrTokenSignatureInvalid", err)
	}
}

func TestValidateWrongIssuer(t *testing.T) {
	codec := newTestCodec(t)

	other, err := New(Config{
		Key:    testKey(t),
		Issuer: "https://other.example.com",
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	raw, err := other.Issue(Claims{ClientID: "client_123"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue() failed: %v", err)
	}

	_, err = codec.Validate(raw)
	if !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("Validate() error = %v, want ErrTokenInvalid", err)
	}
}

// signRaw mints a token with arbitrary time claims, bypassing Issue's
// ttl guard, to exercise expiry handling.
func signRaw(t *testing.T, key []byte, issuer string, iat, exp time.Time) string {
	t.Helper()

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: key},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		t.Fatalf("NewSigner() failed: %v", err)
	}

	std := jwt.Claims{
		Issuer:   issuer,
		ID:       "test-jti",
		IssuedAt: jwt.NewNumericDate(iat),
		Expiry:   jwt.NewNumericDate(exp),
	}
	custom := customClaims{ClientID: "client_123", Scope: "read"}

	raw, err := jwt.Signed(signer).Claims(std).Claims(custom).Serialize()
	if err != nil {
		t.Fatalf("Serialize() failed: %v", err)
	}
	return raw
}

func TestValidateExpired(t *testing.T) {
	codec := newTestCodec(t)

	now := time.Now().UTC()
	raw := signRaw(t, testKey(t), "https://auth.example.com", now.Add(-2*time.Hour), now.Add(-time.Hour))

	_, err := codec.Validate(raw)
	if !errors.Is(err, ErrTokenExpired) {
		t.Errorf("Validate() error = %v, want ErrTokenExpired", err)
	}
}

func TestValidateLeewayToleratesRecentExpiry(t *testing.T) {
	codec := newTestCodec(t)

	// Expired 2 seconds ago, inside the 5 second default leeway.
	now := time.Now().UTC()
	raw := signRaw(t, testKey(t), "https://auth.example.com", now.Add(-time.Hour), now.Add(-2*time.Second))

	if _, err := codec.Validate(raw); err != nil {
		t.Errorf("Validate() inside leeway failed: %v", err)
	}
}

func TestValidateDisallowedAlgorithm(t *testing.T) {
	codec := newTestCodec(t)

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS512, Key: append(testKey(t), testKey(t)...)}, // HS512 needs a 64-byte key
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		t.Fatalf("NewSigner() failed: %v", err)
	}
	raw, err := jwt.Signed(signer).Claims(jwt.Claims{Issuer: "https://auth.example.com"}).Serialize()
	if err != nil {
		t.Fatalf("Serialize() failed: %v", err)
	}

	_, err = codec.Validate(raw)
	if err == nil {
		t.Fatal("Validate() should reject a token signed with a disallowed algorithm")
	}
	if errors.Is(err, ErrTokenExpired) {
		t.Errorf("algorithm rejection should not surface as expiry: %v", err)
	}
}

func TestClaimsAreEpochUTC(t *testing.T) {
	codec := newTestCodec(t)

	raw, err := codec.Issue(Claims{ClientID: "client_123"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue() failed: %v", err)
	}
	claims, err := codec.Validate(raw)
	if err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}

	if loc := claims.IssuedAt.Location(); loc != time.UTC {
		t.Errorf("IssuedAt location = %v, want UTC", loc)
	}
	if loc := claims.ExpiresAt.Location(); loc != time.UTC {
		t.Errorf("ExpiresAt location = %v, want UTC", loc)
	}

	got := claims.ExpiresAt.Sub(claims.IssuedAt)
	if got != time.Hour {
		t.Errorf("exp-iat = %v, want %v", got, time.Hour)
	}
}

func TestTokenHasThreeSegments(t *testing.T) {
	codec := newTestCodec(t)

	raw, err := codec.Issue(Claims{ClientID: "client_123"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue() failed: %v", err)
	}
	if got := len(strings.Split(raw, ".")); got != 3 {
		t.Errorf("token has %d segments, want 3", got)
	}
}
