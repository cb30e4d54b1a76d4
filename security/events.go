package security

// Event type constants for security audit logging.
// These constants ensure consistency across the codebase and prevent typos
// when logging security-relevant events.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when a new access token is issued to a client
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is rotated and a new access token issued
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked by the client
	EventTokenRevoked = "token_revoked"

	// EventFamilyRevoked is logged when an entire refresh token family is revoked
	EventFamilyRevoked = "token_family_revoked" //nolint:gosec // G101: event type name, not a credential

	// Authorization flow events

	// EventAuthorizationCodeIssued is logged when an authorization code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventCodeReuseDetected is logged when an authorization code is replayed (attack)
	EventCodeReuseDetected = "authorization_code_reuse_detected"

	// EventRefreshReuseDetected is logged when a rotated or revoked refresh token is presented (theft)
	EventRefreshReuseDetected = "refresh_token_reuse_detected"

	// Client registration events

	// EventClientRegistered is logged when a new OAuth client is registered
	EventClientRegistered = "client_registered"

	// EventClientRegistrationRejected is logged when client registration is rejected
	EventClientRegistrationRejected = "client_registration_rejected"

	// EventClientRevoked is logged when a client is tombstoned and its tokens cascaded
	EventClientRevoked = "client_revoked"

	// Security violation events

	// EventAuthFailure is logged when authentication fails (bad secret, unknown key, etc.)
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventPKCEValidationFailed is logged when PKCE code_verifier validation fails
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventInvalidRedirect is logged when an unregistered redirect URI is presented
	EventInvalidRedirect = "invalid_redirect"

	// EventScopeEscalationAttempt is logged when a client requests scopes beyond its ceiling
	EventScopeEscalationAttempt = "scope_escalation_attempt"
)
