// Package observability provides logging, metrics and tracing for the broker.
//
// # Logging
//
// NewLogger returns a *slog.Logger. JSON output suits production; text
// output uses tint, colorized only when writing to a terminal. Both formats redact
// values under sensitive keys (private_key, secret, password, token) and
// copy request_id, origin and channel from the context onto every record:
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "debug", Format: "text"})
//	ctx = observability.AddRequestID(ctx, "r1")
//	logger.InfoContext(ctx, "routing request", "action", "connect")
//
// # Metrics
//
// Metrics are registered on the supplied prometheus.Registerer so tests can
// use an isolated registry:
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.RequestFinished("connect", "approved")
//
// # Tracing
//
// NewTracer exports spans over OTLP/gRPC when an endpoint is configured and
// is a no-op otherwise. The router opens one span per action and one per
// decision.
package observability
