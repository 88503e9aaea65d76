package aitutor

import "time"

// Metrics defines the interface for tracking dispatch, quota and feedback activity.
type Metrics interface {
	// RecordReservation records a reservation attempt and whether it was admitted.
	RecordReservation(feature Feature, tier string, admitted bool)

	// RecordRelease records a reservation being given back.
	RecordRelease(feature Feature)

	// RecordDispatch records the terminal state of a request.
	RecordDispatch(feature Feature, state RequestState, code ErrorCode)

	// RecordProviderLatency records the duration of a provider call.
	RecordProviderLatency(feature Feature, streaming bool, duration time.Duration)

	// RecordStreamChunks records how many chunks a stream delivered.
	RecordStreamChunks(feature Feature, chunks int)

	// RecordFeedback records a feedback submission outcome.
	RecordFeedback(feature Feature, accepted bool)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordReservation(feature Feature, tier string, admitted bool)              {}
func (n *NoopMetrics) RecordRelease(feature Feature)                                             {}
func (n *NoopMetrics) RecordDispatch(feature Feature, state RequestState, code ErrorCode)        {}
func (n *NoopMetrics) RecordProviderLatency(feature Feature, streaming bool, d time.Duration)    {}
func (n *NoopMetrics) RecordStreamChunks(feature Feature, chunks int)                            {}
func (n *NoopMetrics) RecordFeedback(feature Feature, accepted bool)                             {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                              {}
