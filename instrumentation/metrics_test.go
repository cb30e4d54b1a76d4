package instrumentation

import (
	"context"
	"testing"
)

func TestMetricsRecordHTTPRequest(t *testing.T) {
	ctx := context.Background()
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	metrics := inst.Metrics()

	tests := []struct {
		name       string
		method     string
		endpoint   string
		statusCode int
		durationMs float64
	}{
		{"successful GET", "GET", "/oauth/authorize", 302, 123.45},
		{"successful POST", "POST", "/oauth/token", 200, 234.56},
		{"bad request", "POST", "/oauth/token", 400, 45.67},
		{"rate limited", "POST", "/oauth/register", 429, 1.23},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics.RecordHTTPRequest(ctx, tt.method, tt.endpoint, tt.statusCode, tt.durationMs)
		})
	}
}

func TestMetricsInstrumentsCreated(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	m := inst.Metrics()
	if m.HTTPRequestsTotal == nil || m.HTTPRequestDuration == nil {
		t.Error("HTTP instruments not created")
	}
	if m.CodeIssued == nil || m.TokenIssued == nil || m.TokenRefreshed == nil {
		t.Error("flow instruments not created")
	}
	if m.CodeReuseDetected == nil || m.RefreshReuseDetected == nil {
		t.Error("reuse detection instruments not created")
	}
	if m.StorageOperationTotal == nil || m.StorageOperationDuration == nil {
		t.Error("storage instruments not created")
	}
	if m.StorageClientsCount == nil || m.StorageCodesCount == nil || m.StorageRefreshTokensCount == nil {
		t.Error("storage gauges not created")
	}
}
