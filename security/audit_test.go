package security

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func newCapturingAuditor(t *testing.T, enabled bool) (*Auditor, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	return NewAuditor(logger, enabled), &buf
}

func TestAuditorNilReceiver(t *testing.T) {
	var a *Auditor

	// All methods must be safe on a nil receiver.
	a.LogEvent(Event{Type: EventTokenIssued})
	a.LogTokenIssued("key", "client", "ip", "read", "authorization_code")
	a.LogTokenRefreshed("client", "ip", "family", 1)
	a.LogCodeReuseDetected("client", "ip", "digest")
	a.LogRefreshReuseDetected("client", "ip", "family", 2)
	a.LogFamilyRevoked("client", "family", "reuse", 3)
	a.LogClientRegistered("client", "public", "ip", "open")
	a.LogClientRegistrationRejected("ip", "rate_limited")
	a.LogClientRevoked("client", 2)
	a.LogAuthFailure("key", "client", "ip", "bad_secret")
	a.LogRateLimitExceeded("ip", "registration")
}

func TestAuditorDisabled(t *testing.T) {
	a, buf := newCapturingAuditor(t, false)

	a.LogTokenIssued("key_1", "client_1", "192.0.2.1", "read", "authorization_code")

	if buf.Len() != 0 {
		t.Errorf("disabled auditor should not log, got %q", buf.String())
	}
}

func TestAuditorLogsEvent(t *testing.T) {
	a, buf := newCapturingAuditor(t, true)

	a.LogRefreshReuseDetected("client_1", "192.0.2.1", "family_abc", 3)

	out := buf.String()
	if !strings.Contains(out, EventRefreshReuseDetected) {
		t.Errorf("log output missing event type: %q", out)
	}
	if !strings.Contains(out, "family_abc") {
		t.Errorf("log output missing family id: %q", out)
	}
	if !strings.Contains(out, "critical") {
		t.Errorf("reuse detection should be marked critical: %q", out)
	}
}

func TestHashForLogging(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"token value", "rt_supersecretvalue"},
		{"api key", "sk-live-0123456789"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HashForLogging(tt.input)
			if got == tt.input {
				t.Error("hash must differ from input")
			}
			if len(got) != 16 {
				t.Errorf("hash length = %d, want 16", len(got))
			}
			if strings.Contains(got, tt.input) {
				t.Error("hash must not contain the raw value")
			}
			// Deterministic
			if again := HashForLogging(tt.input); again != got {
				t.Errorf("hash not deterministic: %q vs %q", got, again)
			}
		})
	}
}

func TestHashForLoggingEmpty(t *testing.T) {
	if got := HashForLogging(""); got != "<empty>" {
		t.Errorf("HashForLogging(\"\") = %q, want <empty>", got)
	}
}

func TestHashForLoggingDistinctInputs(t *testing.T) {
	if HashForLogging("token-a") == HashForLogging("token-b") {
		t.Error("distinct inputs should hash differently")
	}
}
