package agency

import (
	"errors"
	"testing"
	"time"
)

func newTestBreaker(cfg CircuitBreakerConfig) (*Breaker, *time.Time) {
	b := NewBreaker(cfg)
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 3, CooldownSeconds: 30})

	for i := 0; i < 2; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("Allow before threshold: %v", err)
		}
		b.RecordFailure()
	}
	if b.State() != BreakerClosed {
		t.Fatalf("state = %s, want closed below threshold", b.State())
	}

	if err := b.Allow(); err != nil {
		t.Fatalf("Allow: %v", err)
	}
	b.RecordFailure()

	if b.State() != BreakerOpen {
		t.Fatalf("state = %s, want open at threshold", b.State())
	}
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow while open = %v, want ErrCircuitOpen", err)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 3, CooldownSeconds: 30})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	if b.State() != BreakerClosed {
		t.Fatalf("state = %s, success must reset the consecutive count", b.State())
	}
	if got := b.ConsecutiveFailures(); got != 2 {
		t.Fatalf("ConsecutiveFailures = %d, want 2", got)
	}
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	b, now := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 1, CooldownSeconds: 30})

	b.RecordFailure()
	if b.State() != BreakerOpen {
		t.Fatalf("state = %s, want open", b.State())
	}

	// Still inside the cooldown.
	*now = now.Add(29 * time.Second)
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow during cooldown = %v, want ErrCircuitOpen", err)
	}

	// Cooldown elapsed: exactly one probe passes.
	*now = now.Add(2 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe Allow: %v", err)
	}
	if b.State() != BreakerHalfOpen {
		t.Fatalf("state = %s, want half_open", b.State())
	}
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("second concurrent probe = %v, want ErrCircuitOpen", err)
	}

	b.RecordSuccess()
	if b.State() != BreakerClosed {
		t.Fatalf("state = %s, probe success must close", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow after close: %v", err)
	}
}

func TestBreakerFailedProbeDoublesCooldown(t *testing.T) {
	b, now := newTestBreaker(CircuitBreakerConfig{
		FailureThreshold:   1,
		CooldownSeconds:    30,
		MaxCooldownSeconds: 90,
	})

	b.RecordFailure() // open, cooldown 30s

	*now = now.Add(31 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe Allow: %v", err)
	}
	b.RecordFailure() // reopen, cooldown now 60s

	*now = now.Add(31 * time.Second)
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatal("30s after reopen must still be open under the doubled cooldown")
	}

	*now = now.Add(30 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe after doubled cooldown: %v", err)
	}
	b.RecordFailure() // cooldown capped at 90s, not 120s

	*now = now.Add(91 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe after capped cooldown: %v", err)
	}

	b.RecordSuccess()
	// After recovery the cooldown resets to its base value.
	b.RecordFailure()
	*now = now.Add(31 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe after reset cooldown: %v", err)
	}
}

func TestBreakerDefaults(t *testing.T) {
	b := NewBreaker(CircuitBreakerConfig{})

	if b.threshold != 5 {
		t.Errorf("threshold = %d, want 5", b.threshold)
	}
	if b.cooldown != 30*time.Second {
		t.Errorf("cooldown = %s, want 30s", b.cooldown)
	}
	if b.maxCooldown != 300*time.Second {
		t.Errorf("maxCooldown = %s, want 5m", b.maxCooldown)
	}
}
