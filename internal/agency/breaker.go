package agency

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker's externally visible state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// Breaker is the per-agency failure-aware gate around outbound calls. It is
// owned by exactly one connector and never shared across agencies, so a
// failing agency degrades only its own throughput.
//
// closed: calls pass; consecutive failures up to the threshold trip it open.
// open: calls fail immediately with ErrCircuitOpen until the cooldown since
// openedAt elapses, then exactly one probe is let through (half_open).
// half_open: probe success resets to closed; probe failure reopens with the
// cooldown doubled up to a cap, so a still-unhealthy agency is not flapped
// against.
type Breaker struct {
	mu sync.Mutex

	state               BreakerState
	consecutiveFailures int
	openedAt            time.Time
	probeInFlight       bool

	threshold       int
	cooldown        time.Duration
	currentCooldown time.Duration
	maxCooldown     time.Duration

	now func() time.Time
}

func NewBreaker(cfg CircuitBreakerConfig) *Breaker {
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}
	cooldown := time.Duration(cfg.CooldownSeconds) * time.Second
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	maxCooldown := time.Duration(cfg.MaxCooldownSeconds) * time.Second
	if maxCooldown < cooldown {
		maxCooldown = 10 * cooldown
	}
	return &Breaker{
		state:           BreakerClosed,
		threshold:       threshold,
		cooldown:        cooldown,
		currentCooldown: cooldown,
		maxCooldown:     maxCooldown,
		now:             time.Now,
	}
}

// Allow reports whether a call may proceed. In the open state it transitions
// to half_open once the cooldown has elapsed, admitting a single probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.currentCooldown {
			return ErrCircuitOpen
		}
		b.state = BreakerHalfOpen
		b.probeInFlight = true
		return nil
	case BreakerHalfOpen:
		if b.probeInFlight {
			return ErrCircuitOpen
		}
		b.probeInFlight = true
		return nil
	}
	return nil
}

// RecordSuccess closes the breaker and resets the failure count and cooldown.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = BreakerClosed
	b.consecutiveFailures = 0
	b.currentCooldown = b.cooldown
	b.probeInFlight = false
}

// RecordFailure counts a failed call. A failed half_open probe reopens with
// an exponentially grown cooldown; in closed state the threshold trips it.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.probeInFlight = false
		b.currentCooldown *= 2
		if b.currentCooldown > b.maxCooldown {
			b.currentCooldown = b.maxCooldown
		}
		b.trip()
	case BreakerClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.threshold {
			b.trip()
		}
	case BreakerOpen:
		// Late failure from a call admitted before the trip; nothing to do.
	}
}

func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.openedAt = b.now()
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ConsecutiveFailures returns the closed-state failure count.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}
