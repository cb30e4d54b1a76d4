// Package instrumentation provides OpenTelemetry (OTEL) instrumentation for
// the OAuth server.
//
// This package enables observability across all layers through:
//   - Metrics: counters, histograms, and gauges for OAuth operations
//   - Traces: distributed tracing for request flows across components
//
// # Quick Start
//
//	import "github.com/toolgate/oauth/instrumentation"
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "my-oauth-service",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	srv.SetInstrumentation(inst)
//	store.SetInstrumentation(inst)
//
// # Exporters
//
// New wires no-op providers; the embedding application attaches real
// exporters (Prometheus, OTLP) by building its own providers from the OTEL
// SDK and reading instruments off MeterProvider and TracerProvider.
//
// # Privacy
//
// Client IP addresses may be PII under GDPR and similar regulations. Set
// Config.LogClientIPs to false to omit IP attributes from traces and
// metrics; call sites check ShouldLogClientIPs before attaching them.
//
// # Scopes
//
// Meters and tracers are namespaced per layer: "http", "server",
// "storage", "security". The full instrumentation scope name is
// "github.com/toolgate/oauth/{scope}".
package instrumentation
