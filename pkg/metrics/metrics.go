// Package metrics records payment-flow counters and latencies.
package metrics

import "time"

// Event names recorded by the payment client
const (
	EventPassThrough        = "pass_through"
	EventChallenge          = "challenge"
	EventSettlementSuccess  = "settlement_success"
	EventSettlementFailure  = "settlement_failure"
	EventRetryLimitExceeded = "retry_limit_exceeded"
	EventTelemetryDropped   = "telemetry_dropped"

	OperationSettle = "settle"
)

type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}
