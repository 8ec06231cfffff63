// Package httpmw provides the generic HTTP middleware around the gateway
// pipeline.
//
// httpserver.NewHandler composes them outermost first: security headers,
// panic recovery, request ID, client IP extraction, OTEL tracing, metrics,
// structured logging, then the pipeline stages. CORS and CaptureBody are
// placed by the pipeline package between its own stages.
//
// Each middleware is an independent function that can be tested, reordered,
// or removed individually. User-supplied data (query params, user-agent,
// headers) is intentionally excluded from logs to prevent PII leaks and
// log injection.
package httpmw
