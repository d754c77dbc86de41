package agency

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"
)

// Registry owns one connector per configured agency plus the shared limiter
// registry (shared map, independent buckets).
type Registry struct {
	connectors map[string]*Connector
	limiters   *LimiterRegistry
}

// NewRegistry builds connectors for every enabled agency config. Each agency
// gets its own breaker and auth strategy; disabled agencies are skipped.
func NewRegistry(configs []Config, logger zerolog.Logger) (*Registry, error) {
	registry := &Registry{
		connectors: make(map[string]*Connector),
		limiters:   NewLimiterRegistry(),
	}

	for _, cfg := range configs {
		if !cfg.Enabled {
			logger.Info().Str("agency_id", cfg.ID).Msg("agency disabled, skipping")
			continue
		}

		auth, err := NewAuthStrategy(cfg, nil)
		if err != nil {
			return nil, fmt.Errorf("agency %s: %w", cfg.ID, err)
		}

		registry.limiters.Register(cfg.ID, cfg.RateLimit)
		breaker := NewBreaker(cfg.CircuitBreaker)
		registry.connectors[cfg.ID] = NewConnector(cfg, auth, registry.limiters, breaker, logger)
	}

	return registry, nil
}

// Get returns the connector for an agency, or nil if not configured.
func (r *Registry) Get(agencyID string) *Connector {
	return r.connectors[agencyID]
}

// All returns every connector ordered by agency ID.
func (r *Registry) All() []*Connector {
	out := make([]*Connector, 0, len(r.connectors))
	for _, c := range r.connectors {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgencyID() < out[j].AgencyID() })
	return out
}
