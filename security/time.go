package security

import "time"

const (
	// DefaultClockSkewGracePeriod is the default grace period for expiry
	// checks. It prevents false expiration errors from time
	// synchronization drift between hosts. 5 seconds covers typical NTP
	// drift; the cost is that a credential can be used up to 5 seconds
	// past its true expiry.
	DefaultClockSkewGracePeriod = 5 * time.Second
)

// IsExpired checks whether a credential is expired, with the default
// clock skew grace period.
func IsExpired(expiresAt time.Time) bool {
	return IsExpiredWithGracePeriod(expiresAt, DefaultClockSkewGracePeriod)
}

// IsExpiredWithGracePeriod checks whether a credential is expired, with a
// custom clock skew grace period.
//
// The comparison is done on epoch seconds, never on wall-clock fields.
// Timezone-dependent comparisons once produced credentials that expired
// hours early (or late) on hosts whose local zone differed from the
// issuer's; epoch comparison is immune to the host zone.
func IsExpiredWithGracePeriod(expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false // No expiration
	}

	now := time.Now().Unix()
	deadline := expiresAt.Unix() + int64(gracePeriod/time.Second)
	return now > deadline
}

// IsExpiringSoon checks whether a credential will expire within the
// given threshold.
func IsExpiringSoon(expiresAt time.Time, threshold time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}

	return time.Now().Unix()+int64(threshold/time.Second) > expiresAt.Unix()
}
