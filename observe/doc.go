// Package observe provides observability primitives for memoized computations.
//
// It is a pure instrumentation library: it builds OpenTelemetry tracer and
// meter providers, a zerolog-backed structured logger, and a Middleware that
// wraps a computation with a span, metrics and a log line. The cache package
// consumes it; nothing here knows about backplanes or freshness.
package observe
