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

// luaConsumeAuthorizationCode atomically consumes a single-use authorization
// code. Only ONE concurrent request can succeed; all others observe the
// consumed record, which the caller uses for replay detection and cascade
// revocation.
//
// KEYS[1] = code key (e.g., "oauth:code:<digest>")
// ARGV[1] = current Unix timestamp in seconds
// ARGV[2] = clock skew grace period in seconds
//
// Returns:
//   - Updated JSON data (consumed=true) if the code was live
//   - "NOT_FOUND" if the key doesn't exist or the record has expired
//     (expired records are deleted; missing and expired are indistinguishable)
//   - "ALREADY_USED:<json>" if the code was already consumed
const luaConsumeAuthorizationCode = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local code = cjson.decode(data)

local now = tonumber(ARGV[1])
local expiresAt = tonumber(code.expires_at)
if expiresAt and now > expiresAt + tonumber(ARGV[2]) then
    redis.call('DEL', KEYS[1])
    return 'NOT_FOUND'
end

if code.consumed then
    return 'ALREADY_USED:' .. data
end

code.consumed = true
local updated = cjson.encode(code)
redis.call('SET', KEYS[1], updated, 'KEEPTTL')

return updated
`

// SaveAuthorizationCode stores a single-use authorization code. The record
// is keyed by digest and carries a TTL matching its expiry; the raw code is
// never written to Valkey.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil {
		return fmt.Errorf("authorization code is required")
	}
	if err := validateStringLength(code.Code, MaxTokenLength, "authorization code"); err != nil {
		return err
	}

	record := *code
	if record.CodeDigest == "" {
		if record.Code == "" {
			return fmt.Errorf("authorization code value is required")
		}
		record.CodeDigest = storage.TokenDigest(record.Code)
	}
	record.Code = ""

	ttl := calculateTTL(record.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization code is already expired")
	}

	data, err := json.Marshal(toAuthorizationCodeJSON(&record))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	key := s.codeKey(record.CodeDigest)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	// Index the digest for the replay cascade. The index outlives the
	// code slightly; stale members are tolerated on delete.
	indexKey := s.clientCodesKey(record.ClientID)
	if err := s.client.Do(ctx,
		s.client.B().Sadd().Key(indexKey).Member(record.CodeDigest).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to index authorization code: %w", err)
	}
	if err := s.client.Do(ctx,
		s.client.B().Expire().Key(indexKey).Seconds(int64(ttl.Seconds())+60).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to set code index expiry: %w", err)
	}

	s.logger.Debug("Saved authorization code",
		"digest_prefix", util.SafeTruncate(record.CodeDigest, digestLogLength))
	return nil
}

// ConsumeAuthorizationCode atomically marks a code as consumed and returns
// its record. On replay the consumed record is returned together with
// ErrCodeConsumed so the caller can revoke everything the code touched.
//
// SECURITY: This operation MUST be atomic - it runs as a Lua script so only
// ONE concurrent request can observe the code as unconsumed.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	if err := validateStringLength(code, MaxTokenLength, "authorization code"); err != nil {
		return nil, err
	}

	key := s.codeKey(storage.TokenDigest(code))

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaConsumeAuthorizationCode).
			Numkeys(1).
			Key(key).
			Arg(fmt.Sprintf("%d", time.Now().Unix())).
			Arg(fmt.Sprintf("%d", int64(security.DefaultClockSkewGracePeriod/time.Second))).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic code consume: %w", err)
	}

	switch {
	case result == "NOT_FOUND":
		return nil, storage.ErrCodeNotFound
	case strings.HasPrefix(result, "ALREADY_USED:"):
		// Return the consumed record for reuse detection.
		codeData := strings.TrimPrefix(result, "ALREADY_USED:")
		var j authorizationCodeJSON
		if err := json.Unmarshal([]byte(codeData), &j); err != nil {
			return nil, fmt.Errorf("%w: failed to parse consumed code", storage.ErrCodeConsumed)
		}
		return fromAuthorizationCodeJSON(&j), storage.ErrCodeConsumed
	}

	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to parse authorization code: %w", err)
	}

	s.logger.Debug("Consumed authorization code",
		"digest_prefix", util.SafeTruncate(j.CodeDigest, digestLogLength))

	return fromAuthorizationCodeJSON(&j), nil
}

// DeleteSubjectAuthorizationCodes removes a client's outstanding codes for
// one subject and returns how many were deleted. Codes other subjects hold
// on the same client are untouched. Used by the code replay cascade.
func (s *Store) DeleteSubjectAuthorizationCodes(ctx context.Context, clientID, keyID string) (int, error) {
	indexKey := s.clientCodesKey(clientID)

	digests, err := s.client.Do(ctx,
		s.client.B().Smembers().Key(indexKey).Build(),
	).AsStrSlice()
	if err != nil {
		if isNilError(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to list client codes: %w", err)
	}

	deleted := 0
	for _, digest := range digests {
		code, err := getAndUnmarshal(ctx, s, s.codeKey(digest), storage.ErrCodeNotFound, fromAuthorizationCodeJSON)
		if err != nil {
			if err == storage.ErrCodeNotFound {
				// Stale index member, the code key already expired.
				continue
			}
			return deleted, err
		}
		if code.KeyID != keyID {
			continue
		}

		if err := s.client.Do(ctx,
			s.client.B().Del().Key(s.codeKey(digest)).Build(),
		).Error(); err != nil {
			return deleted, fmt.Errorf("failed to delete authorization code: %w", err)
		}
		if err := s.client.Do(ctx,
			s.client.B().Srem().Key(indexKey).Member(digest).Build(),
		).Error(); err != nil {
			return deleted, fmt.Errorf("failed to unindex authorization code: %w", err)
		}
		deleted++
	}

	s.logger.Info("Deleted subject authorization codes",
		"client_id", clientID,
		"key_id", keyID,
		"deleted", deleted)
	return deleted, nil
}
