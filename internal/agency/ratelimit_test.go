package agency

import "testing"

func TestLimiterRegistryBudget(t *testing.T) {
	registry := NewLimiterRegistry()
	registry.Register("a1", RateLimitConfig{RequestsPerWindow: 3, WindowSeconds: 60})

	for i := 0; i < 3; i++ {
		if !registry.TryAcquire("a1") {
			t.Fatalf("acquire %d should succeed within budget", i+1)
		}
	}
	if registry.TryAcquire("a1") {
		t.Fatal("acquire beyond budget should fail")
	}
}

func TestLimiterRegistryIsolation(t *testing.T) {
	registry := NewLimiterRegistry()
	registry.Register("a1", RateLimitConfig{RequestsPerWindow: 1, WindowSeconds: 60})
	registry.Register("a2", RateLimitConfig{RequestsPerWindow: 1, WindowSeconds: 60})

	if !registry.TryAcquire("a1") {
		t.Fatal("a1 first acquire should succeed")
	}
	if registry.TryAcquire("a1") {
		t.Fatal("a1 budget exhausted")
	}
	// Exhausting a1 must not affect a2.
	if !registry.TryAcquire("a2") {
		t.Fatal("a2 budget must be independent of a1")
	}
}

func TestLimiterRegistryUnknownAgencyAllowed(t *testing.T) {
	registry := NewLimiterRegistry()
	if !registry.TryAcquire("never-registered") {
		t.Fatal("unregistered agency should pass through")
	}
}
