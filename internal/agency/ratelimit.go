package agency

import (
	"sync"

	"golang.org/x/time/rate"
)

// LimiterRegistry holds one token bucket per agency. Buckets are fully
// independent: acquiring (or exhausting) one agency's budget never touches
// another's, so a slow agency cannot starve the rest of the pipeline.
type LimiterRegistry struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewLimiterRegistry() *LimiterRegistry {
	return &LimiterRegistry{limiters: make(map[string]*rate.Limiter)}
}

// Register creates the bucket for an agency from its configured budget.
// Capacity equals the per-window request count; refill is spread evenly
// across the window.
func (r *LimiterRegistry) Register(agencyID string, cfg RateLimitConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	perSecond := float64(cfg.RequestsPerWindow) / float64(cfg.WindowSeconds)
	r.limiters[agencyID] = rate.NewLimiter(rate.Limit(perSecond), cfg.RequestsPerWindow)
}

// TryAcquire takes one token from the agency's bucket without blocking.
// Callers that fail must back off and reschedule, never spin. An unknown
// agency is allowed through; budgets are opt-in per config.
func (r *LimiterRegistry) TryAcquire(agencyID string) bool {
	r.mu.Lock()
	limiter, ok := r.limiters[agencyID]
	r.mu.Unlock()

	if !ok {
		return true
	}
	return limiter.Allow()
}
