package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name              string
		remoteAddr        string
		xForwardedFor     string
		xRealIP           string
		trustProxy        bool
		trustedProxyCount int
		want              string
	}{
		{
			name:       "direct connection",
			remoteAddr: "192.0.2.1:12345",
			want:       "192.0.2.1",
		},
		{
			name:          "proxy headers ignored when proxy untrusted",
			remoteAddr:    "192.0.2.1:12345",
			xForwardedFor: "198.51.100.7",
			want:          "192.0.2.1",
		},
		{
			name:          "single trusted proxy",
			remoteAddr:    "10.0.0.1:443",
			xForwardedFor: "198.51.100.7",
			trustProxy:    true,
			want:          "198.51.100.7",
		},
		{
			name:              "two trusted proxies",
			remoteAddr:        "10.0.0.1:443",
			xForwardedFor:     "198.51.100.7, 10.0.0.2",
			trustProxy:        true,
			trustedProxyCount: 1,
			want:              "198.51.100.7",
		},
		{
			name:              "spoofed leading entry with proxy chain",
			remoteAddr:        "10.0.0.1:443",
			xForwardedFor:     "6.6.6.6, 198.51.100.7, 10.0.0.2",
			trustProxy:        true,
			trustedProxyCount: 2,
			want:              "6.6.6.6",
		},
		{
			name:       "x-real-ip fallback",
			remoteAddr: "10.0.0.1:443",
			xRealIP:    "198.51.100.9",
			trustProxy: true,
			want:       "198.51.100.9",
		},
		{
			name:          "invalid forwarded value falls back to remote addr",
			remoteAddr:    "192.0.2.5:80",
			xForwardedFor: "not-an-ip",
			trustProxy:    true,
			want:          "192.0.2.5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xForwardedFor != "" {
				r.Header.Set("X-Forwarded-For", tt.xForwardedFor)
			}
			if tt.xRealIP != "" {
				r.Header.Set("X-Real-IP", tt.xRealIP)
			}

			got := GetClientIP(r, tt.trustProxy, tt.trustedProxyCount)
			if got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
