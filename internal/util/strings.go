package util

// SafeTruncate truncates a string to maxLen bytes without panicking.
// Log statements use it to show only a prefix of sensitive values such
// as token digests and client identifiers.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
