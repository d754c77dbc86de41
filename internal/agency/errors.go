package agency

import "errors"

var (
	// ErrAuth means credentials or tokens were rejected upstream. Fatal for
	// the sync cycle; surfaced for operator attention, never retried blindly.
	ErrAuth = errors.New("agency authentication failed")

	// ErrRateLimited is the local backpressure signal: no token was
	// available in this agency's bucket. The caller reschedules; it is not
	// an alert and never busy-waits.
	ErrRateLimited = errors.New("agency rate limited locally")

	// ErrCircuitOpen means the breaker rejected the call without a network
	// attempt. Backpressure, not an alert.
	ErrCircuitOpen = errors.New("agency circuit open")

	// ErrUpstream is a transient agency-side failure, retried with backoff
	// up to a cap before surfacing.
	ErrUpstream = errors.New("agency upstream error")

	// ErrTimeout is a bounded-timeout expiry on the network call. Counts as
	// a circuit breaker failure.
	ErrTimeout = errors.New("agency request timed out")
)
