package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/toolgate/oauth/internal/util"
	"github.com/toolgate/oauth/security"
	"github.com/toolgate/oauth/storage"
)

// luaRotateRefreshToken atomically rotates a refresh token: the presented
// token is marked revoked and linked to its successor, and the successor is
// saved, all in one script. Only ONE concurrent request can succeed; every
// other presentation of the old token observes the revoked record, which is
// the reuse-detection signal.
//
// KEYS[1] = presented token key (e.g., "oauth:refresh:<digest>")
// KEYS[2] = successor token key
// KEYS[3] = family index key
// KEYS[4] = client token index key
// ARGV[1] = current Unix timestamp in seconds
// ARGV[2] = successor record JSON
// ARGV[3] = successor TTL in seconds
// ARGV[4] = revoked record retention in seconds
// ARGV[5] = successor token ID
// ARGV[6] = clock skew grace period in seconds
//
// Returns:
//   - Updated old-record JSON (revoked, superseded_by set) on success
//   - "NOT_FOUND" if the key doesn't exist or the live record has expired
//   - "REVOKED:<json>" if the token was already rotated or revoked
const luaRotateRefreshToken = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local tok = cjson.decode(data)
local now = tonumber(ARGV[1])

if tok.revoked then
    return 'REVOKED:' .. data
end

local expiresAt = tonumber(tok.expires_at)
if expiresAt and now > expiresAt + tonumber(ARGV[6]) then
    redis.call('DEL', KEYS[1])
    return 'NOT_FOUND'
end

tok.revoked = true
tok.revoked_at = now
tok.superseded_by = ARGV[5]
local updated = cjson.encode(tok)

redis.call('SET', KEYS[1], updated, 'EX', ARGV[4])
redis.call('SET', KEYS[2], ARGV[2], 'EX', ARGV[3])
redis.call('SADD', KEYS[3], ARGV[5])
redis.call('EXPIRE', KEYS[3], tonumber(ARGV[3]) + tonumber(ARGV[4]))
redis.call('SADD', KEYS[4], ARGV[5])
redis.call('EXPIRE', KEYS[4], tonumber(ARGV[3]) + tonumber(ARGV[4]))

return updated
`

// SaveRefreshToken stores a refresh token record keyed by its digest and
// indexes it by family and client for revocation cascades.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if token == nil || token.TokenID == "" {
		return fmt.Errorf("refresh token and token ID are required")
	}
	if token.FamilyID == "" {
		return fmt.Errorf("refresh token family ID is required")
	}
	if err := validateStringLength(token.FamilyID, MaxIDLength, "family ID"); err != nil {
		return err
	}

	ttl := calculateTTL(token.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("refresh token is already expired")
	}

	data, err := json.Marshal(toRefreshTokenJSON(token))
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}

	key := s.refreshTokenKey(token.TokenID)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}

	// Indexes must outlive both the token TTL and the revoked retention
	// window so reuse detection can still walk the family.
	indexTTL := int64((ttl + s.revokedTokenRetention).Seconds())
	for _, indexKey := range []string{s.familyKey(token.FamilyID), s.clientTokensKey(token.ClientID)} {
		if err := s.client.Do(ctx,
			s.client.B().Sadd().Key(indexKey).Member(token.TokenID).Build(),
		).Error(); err != nil {
			return fmt.Errorf("failed to index refresh token: %w", err)
		}
		if err := s.client.Do(ctx,
			s.client.B().Expire().Key(indexKey).Seconds(indexTTL).Build(),
		).Error(); err != nil {
			return fmt.Errorf("failed to set token index expiry: %w", err)
		}
	}

	s.logger.Debug("Saved refresh token",
		"token_prefix", util.SafeTruncate(token.TokenID, digestLogLength),
		"family_id", token.FamilyID,
		"generation", token.Generation)
	return nil
}

// GetRefreshToken retrieves the record for a raw refresh token. Revoked
// records are returned with the Revoked flag set; live records past their
// expiry are deleted and reported as not found.
func (s *Store) GetRefreshToken(ctx context.Context, raw string) (*storage.RefreshToken, error) {
	if err := validateStringLength(raw, MaxTokenLength, "refresh token"); err != nil {
		return nil, err
	}

	key := s.refreshTokenKey(storage.TokenDigest(raw))
	token, err := getAndUnmarshal(ctx, s, key, storage.ErrRefreshTokenNotFound, fromRefreshTokenJSON)
	if err != nil {
		return nil, err
	}

	if !token.Revoked && security.IsExpired(token.ExpiresAt) {
		if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
			return nil, fmt.Errorf("failed to delete expired refresh token: %w", err)
		}
		return nil, storage.ErrRefreshTokenNotFound
	}

	return token, nil
}

// RotateRefreshToken atomically revokes the presented token, links it to
// its successor, and saves the successor. On success the revoked old record
// is returned. If the token was already rotated the old record is returned
// with ErrRefreshTokenRevoked so the caller can run reuse handling.
//
// SECURITY: This operation MUST be atomic - it runs as a Lua script so only
// ONE concurrent presentation of a token can win the rotation.
func (s *Store) RotateRefreshToken(ctx context.Context, raw string, next *storage.RefreshToken) (*storage.RefreshToken, error) {
	if err := validateStringLength(raw, MaxTokenLength, "refresh token"); err != nil {
		return nil, err
	}
	if next == nil || next.TokenID == "" {
		return nil, fmt.Errorf("successor refresh token and token ID are required")
	}

	nextTTL := calculateTTL(next.ExpiresAt)
	if nextTTL <= 0 {
		return nil, fmt.Errorf("successor refresh token is already expired")
	}

	nextData, err := json.Marshal(toRefreshTokenJSON(next))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal successor token: %w", err)
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRotateRefreshToken).
			Numkeys(4).
			Key(
				s.refreshTokenKey(storage.TokenDigest(raw)),
				s.refreshTokenKey(next.TokenID),
				s.familyKey(next.FamilyID),
				s.clientTokensKey(next.ClientID),
			).
			Arg(fmt.Sprintf("%d", time.Now().Unix())).
			Arg(string(nextData)).
			Arg(fmt.Sprintf("%d", int64(nextTTL.Seconds()))).
			Arg(fmt.Sprintf("%d", int64(s.revokedTokenRetention.Seconds()))).
			Arg(next.TokenID).
			Arg(fmt.Sprintf("%d", int64(security.DefaultClockSkewGracePeriod/time.Second))).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic token rotation: %w", err)
	}

	switch {
	case result == "NOT_FOUND":
		return nil, storage.ErrRefreshTokenNotFound
	case strings.HasPrefix(result, "REVOKED:"):
		// Return the revoked record for reuse detection.
		tokenData := strings.TrimPrefix(result, "REVOKED:")
		var j refreshTokenJSON
		if err := json.Unmarshal([]byte(tokenData), &j); err != nil {
			return nil, fmt.Errorf("%w: failed to parse revoked token", storage.ErrRefreshTokenRevoked)
		}
		return fromRefreshTokenJSON(&j), storage.ErrRefreshTokenRevoked
	}

	var j refreshTokenJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to parse rotated token: %w", err)
	}

	s.logger.Debug("Rotated refresh token",
		"family_id", next.FamilyID,
		"generation", next.Generation)

	return fromRefreshTokenJSON(&j), nil
}

// RevokeRefreshTokenFamily revokes every live token in a family and returns
// how many were newly revoked. Revoked records are retained with the
// configured retention TTL for reuse detection.
func (s *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID string) (int, error) {
	return s.revokeIndexedTokens(ctx, s.familyKey(familyID), "")
}

// RevokeClientRefreshTokens revokes every live refresh token belonging to a
// client and returns how many were newly revoked. Used when a client is
// revoked.
func (s *Store) RevokeClientRefreshTokens(ctx context.Context, clientID string) (int, error) {
	return s.revokeIndexedTokens(ctx, s.clientTokensKey(clientID), "")
}

// RevokeSubjectRefreshTokens revokes a client's live refresh tokens held
// for one subject. Tokens of other subjects on the same client survive.
// Used by the code replay cascade.
func (s *Store) RevokeSubjectRefreshTokens(ctx context.Context, clientID, keyID string) (int, error) {
	return s.revokeIndexedTokens(ctx, s.clientTokensKey(clientID), keyID)
}

// revokeIndexedTokens marks every live token listed in an index set as
// revoked, keeping the records with the retention TTL. A non-empty keyID
// restricts the pass to that subject's tokens.
func (s *Store) revokeIndexedTokens(ctx context.Context, indexKey, keyID string) (int, error) {
	tokenIDs, err := s.client.Do(ctx,
		s.client.B().Smembers().Key(indexKey).Build(),
	).AsStrSlice()
	if err != nil {
		if isNilError(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to list indexed tokens: %w", err)
	}

	now := time.Now().UTC()

	revoked := 0
	for _, tokenID := range tokenIDs {
		key := s.refreshTokenKey(tokenID)

		token, err := getAndUnmarshal(ctx, s, key, storage.ErrRefreshTokenNotFound, fromRefreshTokenJSON)
		if err != nil {
			if err == storage.ErrRefreshTokenNotFound {
				continue
			}
			return revoked, err
		}
		if token.Revoked {
			continue
		}
		if keyID != "" && token.KeyID != keyID {
			continue
		}

		token.Revoked = true
		token.RevokedAt = now

		data, err := json.Marshal(toRefreshTokenJSON(token))
		if err != nil {
			return revoked, fmt.Errorf("failed to marshal refresh token: %w", err)
		}

		if err := s.client.Do(ctx,
			s.client.B().Set().Key(key).Value(string(data)).Ex(s.revokedTokenRetention).Build(),
		).Error(); err != nil {
			return revoked, fmt.Errorf("failed to revoke refresh token: %w", err)
		}
		revoked++
	}

	return revoked, nil
}
