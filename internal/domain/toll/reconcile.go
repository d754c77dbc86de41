package toll

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tollworks/tollsync/internal/ids"
)

// MatchingConfig bounds the cross-source candidate search.
type MatchingConfig struct {
	// Window is the maximum distance between two observations of the same
	// crossing. Candidates outside ±Window never merge.
	Window time.Duration
	// Precedence breaks ties and resolves value conflicts between channels.
	Precedence TrustPrecedence
}

func DefaultMatchingConfig() MatchingConfig {
	return MatchingConfig{
		Window:     5 * time.Minute,
		Precedence: DefaultTrustPrecedence(),
	}
}

// ReconcileResult reports whether the incoming event created a new canonical
// record or merged into an existing one.
type ReconcileResult struct {
	Event   *TollEvent
	Created bool
	Merged  bool
	// AmountDiscrepancy is set when the merge saw conflicting rated amounts.
	AmountDiscrepancy bool
}

// Reconciler assigns at most one canonical TollEvent per real-world crossing.
// It is retry-safe: the decision is a pure function of current store state
// plus the incoming event, so a caller retrying after ErrStoreConflict
// converges on the same outcome.
type Reconciler struct {
	store    Store
	registry VehicleRegistry
	cfg      MatchingConfig
	logger   zerolog.Logger
}

func NewReconciler(store Store, registry VehicleRegistry, cfg MatchingConfig, logger zerolog.Logger) *Reconciler {
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	if len(cfg.Precedence) == 0 {
		cfg.Precedence = DefaultTrustPrecedence()
	}
	return &Reconciler{store: store, registry: registry, cfg: cfg, logger: logger}
}

// Reconcile runs the dedup/matching algorithm:
//
//  1. lookup by (agencyID, externalEventID) — retransmission from the same
//     channel updates mutable fields only, never creates a second record
//  2. provenance lookup on the same pair — a redelivered observation that
//     already merged into a canonical event returns that event unchanged
//  3. candidate search on plate within ±Window
//  4. deterministic tie-break: smallest time delta, then trust precedence
//  5. merge into the best candidate or create a new pending event
//
// Transient store conflicts surface as ErrStoreConflict for the caller to
// retry with the same normalized event.
func (r *Reconciler) Reconcile(ctx context.Context, event NormalizedEvent) (*ReconcileResult, error) {
	if err := validateNormalized(event); err != nil {
		return nil, err
	}

	existing, err := r.store.GetByAgencyExternalID(ctx, event.AgencyID, event.ExternalEventID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("primary key lookup: %w", err)
	}
	if existing != nil {
		return r.applyRetransmission(ctx, existing, event)
	}

	// An observation that merged into another channel's canonical event has
	// no toll_events row of its own, only a provenance row. A redelivery
	// must find that row and stop, not re-run the merge.
	prior, err := r.store.GetProvenanceByExternalID(ctx, event.AgencyID, event.ExternalEventID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("provenance lookup: %w", err)
	}
	if prior != nil {
		merged, err := r.store.GetByID(ctx, prior.EventID)
		if err != nil {
			return nil, fmt.Errorf("load merged event: %w", err)
		}
		return &ReconcileResult{Event: merged, Merged: true}, nil
	}

	candidate, err := r.findCandidate(ctx, event)
	if err != nil {
		return nil, err
	}
	if candidate != nil {
		return r.mergeIntoCandidate(ctx, candidate, event)
	}

	return r.createEvent(ctx, event)
}

// applyRetransmission handles a re-delivery of an already-seen event from the
// same channel. Only mutable fields move; identity and amounts stay.
func (r *Reconciler) applyRetransmission(ctx context.Context, existing *TollEvent, event NormalizedEvent) (*ReconcileResult, error) {
	changed := false
	if uri := strings.TrimSpace(event.EvidenceURI); uri != "" && uri != existing.EvidenceURI {
		existing.EvidenceURI = uri
		changed = true
	}

	if !changed {
		return &ReconcileResult{Event: existing, Merged: true}, nil
	}

	updated, err := r.store.Upsert(ctx, existing)
	if err != nil {
		return nil, err
	}
	return &ReconcileResult{Event: updated, Merged: true}, nil
}

// findCandidate searches for a canonical event for the same physical
// crossing reported through a different channel.
func (r *Reconciler) findCandidate(ctx context.Context, event NormalizedEvent) (*TollEvent, error) {
	from := event.EventTimestamp.Add(-r.cfg.Window)
	to := event.EventTimestamp.Add(r.cfg.Window)

	candidates, err := r.store.FindCandidates(ctx, event.Plate, event.PlateState, from, to)
	if err != nil {
		return nil, fmt.Errorf("candidate search: %w", err)
	}

	filtered := candidates[:0]
	for i := range candidates {
		if locationCompatible(&candidates[i], event) {
			filtered = append(filtered, candidates[i])
		}
	}
	if len(filtered) == 0 {
		return nil, nil
	}

	// Deterministic total order: smallest time delta first, trust precedence
	// second, then ID so repeated runs over the same input agree.
	sort.Slice(filtered, func(i, j int) bool {
		di := absDuration(filtered[i].EventTimestamp.Sub(event.EventTimestamp))
		dj := absDuration(filtered[j].EventTimestamp.Sub(event.EventTimestamp))
		if di != dj {
			return di < dj
		}
		ri := r.cfg.Precedence.Rank(filtered[i].Source)
		rj := r.cfg.Precedence.Rank(filtered[j].Source)
		if ri != rj {
			return ri < rj
		}
		return filtered[i].ID < filtered[j].ID
	})

	best := filtered[0]
	return &best, nil
}

func (r *Reconciler) mergeIntoCandidate(ctx context.Context, candidate *TollEvent, event NormalizedEvent) (*ReconcileResult, error) {
	outcome := MergeObservation(candidate, event, r.cfg.Precedence)

	merged := candidate
	if outcome.Changed {
		updated, err := r.store.Upsert(ctx, candidate)
		if err != nil {
			return nil, err
		}
		merged = updated
	}

	record := ProvenanceRecord{
		EventID:         merged.ID,
		AgencyID:        event.AgencyID,
		ExternalEventID: event.ExternalEventID,
		Source:          event.Source,
		RatedAmount:     event.RatedAmount,
		Discrepancy:     outcome.AmountDiscrepancy,
		RecordedAt:      time.Now().UTC(),
	}
	if err := r.store.AddProvenance(ctx, record); err != nil {
		return nil, fmt.Errorf("record provenance: %w", err)
	}

	if outcome.AmountDiscrepancy {
		r.logger.Warn().
			Str("event_id", merged.ID).
			Str("agency_id", event.AgencyID).
			Str("source", string(event.Source)).
			Int64("winning_amount", merged.RatedAmount).
			Int64("losing_amount", outcome.LosingAmount).
			Msg("rated amount discrepancy between sources")
	}

	return &ReconcileResult{Event: merged, Merged: true, AmountDiscrepancy: outcome.AmountDiscrepancy}, nil
}

func (r *Reconciler) createEvent(ctx context.Context, event NormalizedEvent) (*ReconcileResult, error) {
	id, err := ids.NewULID()
	if err != nil {
		return nil, fmt.Errorf("generate event id: %w", err)
	}

	record := &TollEvent{
		ID:              id,
		AgencyID:        event.AgencyID,
		ExternalEventID: event.ExternalEventID,
		Plate:           event.Plate,
		PlateState:      event.PlateState,
		EventTimestamp:  event.EventTimestamp,
		GantryID:        event.GantryID,
		Location:        event.Location,
		VehicleClass:    event.VehicleClass,
		RawAmount:       event.RawAmount,
		RatedAmount:     event.RatedAmount,
		Fees:            event.Fees,
		Currency:        event.Currency,
		EvidenceURI:     event.EvidenceURI,
		Source:          event.Source,
		Status:          StatusPending,
	}

	ref, err := r.registry.ResolveVehicle(ctx, event.Plate, event.PlateState)
	switch {
	case err == nil && ref != nil:
		record.UserID = &ref.UserID
		record.VehicleID = &ref.VehicleID
	case errors.Is(err, ErrVehicleNotFound):
		// Plates can be mistyped, mis-read, or not yet linked to an
		// account. Keep the event and flag it instead of dropping it.
		record.NeedsReview = true
	case err != nil:
		return nil, fmt.Errorf("resolve vehicle: %w", err)
	}

	created, err := r.store.Upsert(ctx, record)
	if err != nil {
		return nil, err
	}
	return &ReconcileResult{Event: created, Created: true}, nil
}

func validateNormalized(event NormalizedEvent) error {
	if event.AgencyID == "" || event.ExternalEventID == "" {
		return fmt.Errorf("reconcile: missing event identity")
	}
	if event.Plate == "" {
		return fmt.Errorf("reconcile: missing plate")
	}
	if event.EventTimestamp.IsZero() {
		return fmt.Errorf("reconcile: missing event timestamp")
	}
	return nil
}

// locationCompatible reports whether two observations could be the same
// crossing. Location data is only discriminating when both sides carry it.
func locationCompatible(candidate *TollEvent, event NormalizedEvent) bool {
	if candidate.GantryID != "" && event.GantryID != "" {
		return strings.EqualFold(candidate.GantryID, event.GantryID)
	}
	if candidate.Location != "" && event.Location != "" {
		return strings.EqualFold(candidate.Location, event.Location)
	}
	return true
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
