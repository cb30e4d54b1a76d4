package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection.
// All methods are safe on a nil receiver so call sites never need a nil
// check; auditing is strictly fire-and-forget and never blocks a flow.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event.
type Event struct {
	Type      string
	KeyID     string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event. Credential material must never be
// passed in; callers hash it with HashForLogging first.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"key_id", event.KeyID,
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogTokenIssued logs issuance of an access token (with or without a
// refresh token).
func (a *Auditor) LogTokenIssued(keyID, clientID, ipAddress, scope, grantType string) {
	a.LogEvent(Event{
		Type:      EventTokenIssued,
		KeyID:     keyID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"scope":      scope,
			"grant_type": grantType,
		},
	})
}

// LogTokenRefreshed logs a successful refresh token rotation.
func (a *Auditor) LogTokenRefreshed(clientID, ipAddress, familyID string, generation int) {
	a.LogEvent(Event{
		Type:      EventTokenRefreshed,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"family_id":  familyID,
			"generation": generation,
		},
	})
}

// LogTokenRevoked logs an explicit token revocation.
func (a *Auditor) LogTokenRevoked(clientID, ipAddress, familyID string, revokedCount int) {
	a.LogEvent(Event{
		Type:      EventTokenRevoked,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"family_id":     familyID,
			"revoked_count": revokedCount,
		},
	})
}

// LogCodeReuseDetected logs a replayed authorization code. This is a
// critical signal: the code has leaked or the client is compromised.
func (a *Auditor) LogCodeReuseDetected(clientID, ipAddress, codeDigest string) {
	a.LogEvent(Event{
		Type:      EventCodeReuseDetected,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"code_digest": codeDigest,
			"severity":    "critical",
		},
	})
}

// LogRefreshReuseDetected logs presentation of an already-rotated or
// revoked refresh token.
func (a *Auditor) LogRefreshReuseDetected(clientID, ipAddress, familyID string, generation int) {
	a.LogEvent(Event{
		Type:      EventRefreshReuseDetected,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"family_id":  familyID,
			"generation": generation,
			"severity":   "critical",
		},
	})
}

// LogFamilyRevoked logs revocation of a refresh token family.
func (a *Auditor) LogFamilyRevoked(clientID, familyID, reason string, revokedCount int) {
	a.LogEvent(Event{
		Type:     EventFamilyRevoked,
		ClientID: clientID,
		Details: map[string]any{
			"family_id":     familyID,
			"reason":        reason,
			"revoked_count": revokedCount,
		},
	})
}

// LogClientRegistered logs registration of a new OAuth client.
func (a *Auditor) LogClientRegistered(clientID, clientType, ipAddress, mode string) {
	a.LogEvent(Event{
		Type:      EventClientRegistered,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"client_type": clientType,
			"mode":        mode,
		},
	})
}

// LogClientRegistrationRejected logs a rejected registration attempt.
func (a *Auditor) LogClientRegistrationRejected(ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventClientRegistrationRejected,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogClientRevoked logs a client tombstoning and its cascade.
func (a *Auditor) LogClientRevoked(clientID string, tokensRevoked int) {
	a.LogEvent(Event{
		Type:     EventClientRevoked,
		ClientID: clientID,
		Details: map[string]any{
			"tokens_revoked": tokensRevoked,
		},
	})
}

// LogAuthFailure logs an authentication failure.
func (a *Auditor) LogAuthFailure(keyID, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		KeyID:     keyID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation.
func (a *Auditor) LogRateLimitExceeded(ipAddress, limiterType string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		IPAddress: ipAddress,
		Details: map[string]any{
			"limiter": limiterType,
		},
	})
}

// HashForLogging creates a truncated SHA-256 digest of sensitive data
// for logging. Raw tokens, codes, and API keys must never reach a log
// line in any other form.
func HashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
