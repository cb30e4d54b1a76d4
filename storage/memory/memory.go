package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/toolgate/oauth/instrumentation"
	"github.com/toolgate/oauth/security"
	"github.com/toolgate/oauth/storage"
)

const (
	// DefaultCleanupInterval is how often the background sweep runs.
	DefaultCleanupInterval = 5 * time.Minute

	// DefaultRevokedTokenRetention is how long revoked refresh token
	// records are kept after revocation. Reuse detection needs the
	// records: a presented token that maps to a retained revoked record
	// is a theft signal, one that maps to nothing is indistinguishable
	// from garbage.
	DefaultRevokedTokenRetention = 90 * 24 * time.Hour
)

// Store is an in-memory implementation of all storage interfaces.
type Store struct {
	mu sync.RWMutex

	// Client storage
	clients      map[string]*storage.Client // client ID -> client
	clientsPerIP map[string]int             // registration IP -> live client count

	// Authorization codes, keyed by SHA-256 digest of the raw code
	codes       map[string]*storage.AuthorizationCode
	clientCodes map[string]map[string]struct{} // client ID -> code digests

	// Refresh tokens, keyed by TokenID (digest of the raw token)
	refreshTokens map[string]*storage.RefreshToken
	familyTokens  map[string]map[string]struct{} // family ID -> token IDs
	clientTokens  map[string]map[string]struct{} // client ID -> token IDs

	logger                *slog.Logger
	revokedTokenRetention time.Duration

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for gauge callbacks (lock-free reads during
	// metric collection)
	clientsCount       atomic.Int64
	codesCount         atomic.Int64
	refreshTokensCount atomic.Int64

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// Compile-time interface checks
var (
	_ storage.ClientStore       = (*Store)(nil)
	_ storage.CodeStore         = (*Store)(nil)
	_ storage.RefreshTokenStore = (*Store)(nil)
	_ storage.Store             = (*Store)(nil)
)

// NewStore creates a new in-memory store and starts its background
// cleanup goroutine. Call Stop when done.
func NewStore() *Store {
	s := &Store{
		clients:               make(map[string]*storage.Client),
		clientsPerIP:          make(map[string]int),
		codes:                 make(map[string]*storage.AuthorizationCode),
		clientCodes:           make(map[string]map[string]struct{}),
		refreshTokens:         make(map[string]*storage.RefreshToken),
		familyTokens:          make(map[string]map[string]struct{}),
		clientTokens:          make(map[string]map[string]struct{}),
		logger:                slog.Default(),
		revokedTokenRetention: DefaultRevokedTokenRetention,
		cleanupInterval:       DefaultCleanupInterval,
		stopCleanup:           make(chan struct{}),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetRevokedTokenRetention overrides how long revoked refresh token
// records are kept for reuse detection.
func (s *Store) SetRevokedTokenRetention(d time.Duration) {
	if d > 0 {
		s.revokedTokenRetention = d
	}
}

// SetInstrumentation enables OpenTelemetry tracing and metrics for the
// store. Gauge callbacks report current map sizes without taking the
// store lock.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst == nil {
		s.tracer = nil
		return
	}
	s.tracer = inst.Tracer("storage")

	if err := inst.RegisterStorageSizeCallbacks(
		func() int64 { return s.clientsCount.Load() },
		func() int64 { return s.codesCount.Load() },
		func() int64 { return s.refreshTokensCount.Load() },
	); err != nil {
		s.logger.Warn("Failed to register storage gauge callbacks", "error", err)
	}
}

// Stop terminates the background cleanup goroutine. Safe to call
// multiple times.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// startStorageSpan starts a tracing span for a storage operation (no-op
// without instrumentation).
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(attribute.String("operation", operation)))
}

// recordStorageOperation finishes span bookkeeping and records the
// operation metric.
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if err != nil {
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else if span != nil {
		span.SetStatus(codes.Ok, "")
	}

	if s.instrumentation == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, float64(time.Since(startTime).Milliseconds()))
}

// ============================================================
// ClientStore
// ============================================================

// SaveClient persists a client registration.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	startTime := time.Now()
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()

	var err error
	defer func() { s.recordStorageOperation(ctx, span, "save_client", err, startTime) }()

	if client == nil || client.ClientID == "" {
		err = fmt.Errorf("client and client ID are required")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.clients[client.ClientID]
	cp := *client
	s.clients[client.ClientID] = &cp

	if !existed {
		s.clientsCount.Add(1)
		if client.RegistrationIP != "" {
			s.clientsPerIP[client.RegistrationIP]++
		}
	}

	return nil
}

// GetClient retrieves a client by ID. Tombstoned clients are returned
// with Revoked set.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	startTime := time.Now()
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()

	var err error
	defer func() { s.recordStorageOperation(ctx, span, "get_client", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		err = storage.ErrClientNotFound
		return nil, err
	}

	cp := *client
	return &cp, nil
}

// RevokeClient tombstones a client. The record survives for token
// introspection; only its live-registration IP count is released.
func (s *Store) RevokeClient(ctx context.Context, clientID string) error {
	startTime := time.Now()
	ctx, span := s.startStorageSpan(ctx, "revoke_client")
	defer span.End()

	var err error
	defer func() { s.recordStorageOperation(ctx, span, "revoke_client", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[clientID]
	if !ok {
		err = storage.ErrClientNotFound
		return err
	}
	if client.Revoked {
		return nil
	}

	client.Revoked = true
	client.RevokedAt = time.Now().UTC()

	if client.RegistrationIP != "" {
		if s.clientsPerIP[client.RegistrationIP] > 1 {
			s.clientsPerIP[client.RegistrationIP]--
		} else {
			delete(s.clientsPerIP, client.RegistrationIP)
		}
	}

	return nil
}

// CountClientsForIP returns the number of live registrations made from
// the given IP.
func (s *Store) CountClientsForIP(ctx context.Context, ip string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientsPerIP[ip], nil
}

// ============================================================
// CodeStore
// ============================================================

// SaveAuthorizationCode stores a freshly issued code keyed by digest.
// The raw value is dropped before the record is retained.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	startTime := time.Now()
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()

	var err error
	defer func() { s.recordStorageOperation(ctx, span, "save_authorization_code", err, startTime) }()

	if code == nil || (code.Code == "" && code.CodeDigest == "") {
		err = fmt.Errorf("authorization code value is required")
		return err
	}
	if code.ClientID == "" {
		err = fmt.Errorf("authorization code client ID is required")
		return err
	}

	digest := code.CodeDigest
	if digest == "" {
		digest = storage.TokenDigest(code.Code)
	}

	cp := *code
	cp.Code = "" // never persist the raw value
	cp.CodeDigest = digest

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.codes[digest]; !exists {
		s.codesCount.Add(1)
	}
	s.codes[digest] = &cp

	if s.clientCodes[cp.ClientID] == nil {
		s.clientCodes[cp.ClientID] = make(map[string]struct{})
	}
	s.clientCodes[cp.ClientID][digest] = struct{}{}

	return nil
}

// ConsumeAuthorizationCode atomically flips the consumed flag. Exactly
// one caller succeeds per code; later callers get ErrCodeConsumed with
// the record. The consumed record is retained until its TTL sweep so
// replays within the code lifetime remain detectable.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	startTime := time.Now()
	ctx, span := s.startStorageSpan(ctx, "consume_authorization_code")
	defer span.End()

	var err error
	defer func() { s.recordStorageOperation(ctx, span, "consume_authorization_code", err, startTime) }()

	digest := storage.TokenDigest(code)

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.codes[digest]
	if !ok {
		err = storage.ErrCodeNotFound
		return nil, err
	}

	if security.IsExpired(record.ExpiresAt) {
		s.deleteCodeLocked(digest, record)
		err = storage.ErrCodeNotFound
		return nil, err
	}

	if record.Consumed {
		cp := *record
		err = storage.ErrCodeConsumed
		return &cp, err
	}

	record.Consumed = true
	cp := *record
	return &cp, nil
}

// DeleteSubjectAuthorizationCodes removes a client's codes for one
// subject in one indexed pass. Codes other subjects hold on the same
// client are untouched.
func (s *Store) DeleteSubjectAuthorizationCodes(ctx context.Context, clientID, keyID string) (int, error) {
	startTime := time.Now()
	ctx, span := s.startStorageSpan(ctx, "delete_subject_authorization_codes")
	defer span.End()

	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "delete_subject_authorization_codes", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for digest := range s.clientCodes[clientID] {
		record, ok := s.codes[digest]
		if !ok || record.KeyID != keyID {
			continue
		}
		s.deleteCodeLocked(digest, record)
		deleted++
	}

	return deleted, nil
}

// deleteCodeLocked removes a code and its index entry.
// Must be called with the mutex held.
func (s *Store) deleteCodeLocked(digest string, record *storage.AuthorizationCode) {
	delete(s.codes, digest)
	s.codesCount.Add(-1)
	if set := s.clientCodes[record.ClientID]; set != nil {
		delete(set, digest)
		if len(set) == 0 {
			delete(s.clientCodes, record.ClientID)
		}
	}
}

// ============================================================
// RefreshTokenStore
// ============================================================

// SaveRefreshToken persists a new refresh token record.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	startTime := time.Now()
	ctx, span := s.startStorageSpan(ctx, "save_refresh_token")
	defer span.End()

	var err error
	defer func() { s.recordStorageOperation(ctx, span, "save_refresh_token", err, startTime) }()

	if token == nil || token.TokenID == "" {
		err = fmt.Errorf("refresh token ID is required")
		return err
	}
	if token.FamilyID == "" {
		err = fmt.Errorf("refresh token family ID is required")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveRefreshTokenLocked(token)
	return nil
}

// saveRefreshTokenLocked stores a copy of the token and maintains the
// family and client indexes. Must be called with the mutex held.
func (s *Store) saveRefreshTokenLocked(token *storage.RefreshToken) {
	if _, exists := s.refreshTokens[token.TokenID]; !exists {
		s.refreshTokensCount.Add(1)
	}
	cp := *token
	s.refreshTokens[token.TokenID] = &cp

	if s.familyTokens[cp.FamilyID] == nil {
		s.familyTokens[cp.FamilyID] = make(map[string]struct{})
	}
	s.familyTokens[cp.FamilyID][cp.TokenID] = struct{}{}

	if s.clientTokens[cp.ClientID] == nil {
		s.clientTokens[cp.ClientID] = make(map[string]struct{})
	}
	s.clientTokens[cp.ClientID][cp.TokenID] = struct{}{}
}

// GetRefreshToken retrieves the record for a raw refresh token. Revoked
// records are returned with Revoked set; expired records are lazily
// evicted and reported as not found.
func (s *Store) GetRefreshToken(ctx context.Context, raw string) (*storage.RefreshToken, error) {
	startTime := time.Now()
	ctx, span := s.startStorageSpan(ctx, "get_refresh_token")
	defer span.End()

	var err error
	defer func() { s.recordStorageOperation(ctx, span, "get_refresh_token", err, startTime) }()

	tokenID := storage.TokenDigest(raw)

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.refreshTokens[tokenID]
	if !ok {
		err = storage.ErrRefreshTokenNotFound
		return nil, err
	}

	if !record.Revoked && security.IsExpired(record.ExpiresAt) {
		s.deleteRefreshTokenLocked(tokenID, record)
		err = storage.ErrRefreshTokenNotFound
		return nil, err
	}

	cp := *record
	return &cp, nil
}

// RotateRefreshToken atomically revokes the presented token and persists
// its successor. The map mutation happens under one lock acquisition, so
// concurrent rotations of the same token serialize and exactly one wins.
func (s *Store) RotateRefreshToken(ctx context.Context, raw string, next *storage.RefreshToken) (*storage.RefreshToken, error) {
	startTime := time.Now()
	ctx, span := s.startStorageSpan(ctx, "rotate_refresh_token")
	defer span.End()

	var err error
	defer func() { s.recordStorageOperation(ctx, span, "rotate_refresh_token", err, startTime) }()

	if next == nil || next.TokenID == "" {
		err = fmt.Errorf("successor refresh token is required")
		return nil, err
	}

	tokenID := storage.TokenDigest(raw)

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.refreshTokens[tokenID]
	if !ok {
		err = storage.ErrRefreshTokenNotFound
		return nil, err
	}

	if !record.Revoked && security.IsExpired(record.ExpiresAt) {
		s.deleteRefreshTokenLocked(tokenID, record)
		err = storage.ErrRefreshTokenNotFound
		return nil, err
	}

	if record.Revoked {
		cp := *record
		err = storage.ErrRefreshTokenRevoked
		return &cp, err
	}

	record.Revoked = true
	record.RevokedAt = time.Now().UTC()
	record.SupersededBy = next.TokenID

	s.saveRefreshTokenLocked(next)

	cp := *record
	return &cp, nil
}

// RevokeRefreshTokenFamily revokes every live generation of a family.
func (s *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID string) (int, error) {
	startTime := time.Now()
	ctx, span := s.startStorageSpan(ctx, "revoke_refresh_token_family")
	defer span.End()

	var err error
	defer func() { s.recordStorageOperation(ctx, span, "revoke_refresh_token_family", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	revoked := 0
	for tokenID := range s.familyTokens[familyID] {
		record, ok := s.refreshTokens[tokenID]
		if !ok || record.Revoked {
			continue
		}
		record.Revoked = true
		record.RevokedAt = now
		revoked++
	}

	return revoked, nil
}

// RevokeClientRefreshTokens revokes all live refresh tokens of a client.
func (s *Store) RevokeClientRefreshTokens(ctx context.Context, clientID string) (int, error) {
	startTime := time.Now()
	ctx, span := s.startStorageSpan(ctx, "revoke_client_refresh_tokens")
	defer span.End()

	var err error
	defer func() { s.recordStorageOperation(ctx, span, "revoke_client_refresh_tokens", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	revoked := 0
	for tokenID := range s.clientTokens[clientID] {
		record, ok := s.refreshTokens[tokenID]
		if !ok || record.Revoked {
			continue
		}
		record.Revoked = true
		record.RevokedAt = now
		revoked++
	}

	return revoked, nil
}

// RevokeSubjectRefreshTokens revokes a client's live refresh tokens held
// for one subject. Tokens of other subjects on the same client survive.
func (s *Store) RevokeSubjectRefreshTokens(ctx context.Context, clientID, keyID string) (int, error) {
	startTime := time.Now()
	ctx, span := s.startStorageSpan(ctx, "revoke_subject_refresh_tokens")
	defer span.End()

	var err error
	defer func() { s.recordStorageOperation(ctx, span, "revoke_subject_refresh_tokens", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	revoked := 0
	for tokenID := range s.clientTokens[clientID] {
		record, ok := s.refreshTokens[tokenID]
		if !ok || record.Revoked || record.KeyID != keyID {
			continue
		}
		record.Revoked = true
		record.RevokedAt = now
		revoked++
	}

	return revoked, nil
}

// deleteRefreshTokenLocked removes a token and its index entries.
// Must be called with the mutex held.
func (s *Store) deleteRefreshTokenLocked(tokenID string, record *storage.RefreshToken) {
	delete(s.refreshTokens, tokenID)
	s.refreshTokensCount.Add(-1)

	if set := s.familyTokens[record.FamilyID]; set != nil {
		delete(set, tokenID)
		if len(set) == 0 {
			delete(s.familyTokens, record.FamilyID)
		}
	}
	if set := s.clientTokens[record.ClientID]; set != nil {
		delete(set, tokenID)
		if len(set) == 0 {
			delete(s.clientTokens, record.ClientID)
		}
	}
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// Cleanup sweeps expired authorization codes, expired live refresh
// tokens, and revoked refresh tokens past the retention period.
func (s *Store) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	codesRemoved := 0
	tokensRemoved := 0

	for digest, record := range s.codes {
		if security.IsExpired(record.ExpiresAt) {
			s.deleteCodeLocked(digest, record)
			codesRemoved++
		}
	}

	for tokenID, record := range s.refreshTokens {
		switch {
		case record.Revoked:
			if now.Sub(record.RevokedAt) > s.revokedTokenRetention {
				s.deleteRefreshTokenLocked(tokenID, record)
				tokensRemoved++
			}
		case security.IsExpired(record.ExpiresAt):
			s.deleteRefreshTokenLocked(tokenID, record)
			tokensRemoved++
		}
	}

	if codesRemoved > 0 || tokensRemoved > 0 {
		s.logger.Debug("Storage cleanup completed",
			"codes_removed", codesRemoved,
			"refresh_tokens_removed", tokensRemoved)
	}
}
