// Package telemetry provides structured logging (zerolog), Prometheus
// metrics, OpenTelemetry tracing, and an in-process event publisher for the
// driftline reconciliation engine.
//
// The event publisher is the bridge to the external notification sink:
// circuit breaker transitions and high/critical drift detections are
// published here and delivered to whatever subscribers the embedding
// application registers.
package telemetry
