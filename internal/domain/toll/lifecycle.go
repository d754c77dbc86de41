package toll

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// validTransitions is the full lifecycle state machine:
//
//	pending --finalize--> posted --dispute--> disputed
//	disputed --reject--> posted
//	disputed --uphold--> voided
//
// posted and voided are the only states reachable without an active dispute.
var validTransitions = map[Status][]Status{
	StatusPending:  {StatusPosted},
	StatusPosted:   {StatusDisputed},
	StatusDisputed: {StatusPosted, StatusVoided},
	StatusVoided:   {},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// LifecycleHandler applies validated status transitions to canonical events.
// A request against an event not in the expected source state fails with
// InvalidTransitionError; a delayed resolution message can never corrupt a
// record that has since been re-disputed.
type LifecycleHandler struct {
	store  Store
	logger zerolog.Logger
}

func NewLifecycleHandler(store Store, logger zerolog.Logger) *LifecycleHandler {
	return &LifecycleHandler{store: store, logger: logger}
}

// Finalize promotes a pending event to posted once its reconciliation window
// has elapsed and no further duplicate arrivals are expected.
func (h *LifecycleHandler) Finalize(ctx context.Context, eventID string) (*TollEvent, error) {
	return h.transition(ctx, eventID, StatusPending, StatusPosted)
}

// FileDispute marks a posted event as disputed.
func (h *LifecycleHandler) FileDispute(ctx context.Context, eventID string) (*TollEvent, error) {
	return h.transition(ctx, eventID, StatusPosted, StatusDisputed)
}

// ResolveDispute settles a dispute: upheld voids the event, rejected returns
// it to posted.
func (h *LifecycleHandler) ResolveDispute(ctx context.Context, eventID string, upheld bool) (*TollEvent, error) {
	target := StatusPosted
	if upheld {
		target = StatusVoided
	}
	return h.transition(ctx, eventID, StatusDisputed, target)
}

func (h *LifecycleHandler) transition(ctx context.Context, eventID string, expected, target Status) (*TollEvent, error) {
	event, err := h.store.GetByID(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("load event %s: %w", eventID, err)
	}

	if event.Status != expected || !CanTransition(event.Status, target) {
		h.logger.Warn().
			Str("event_id", eventID).
			Str("from", string(event.Status)).
			Str("to", string(target)).
			Msg("rejected lifecycle transition")
		return nil, &InvalidTransitionError{EventID: eventID, From: event.Status, To: target}
	}

	event.Status = target
	event.UpdatedAt = time.Now().UTC()

	updated, err := h.store.Upsert(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("apply transition %s -> %s: %w", expected, target, err)
	}

	h.logger.Info().
		Str("event_id", eventID).
		Str("from", string(expected)).
		Str("to", string(target)).
		Msg("lifecycle transition applied")
	return updated, nil
}
