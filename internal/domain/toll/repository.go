package toll

import (
	"context"
	"time"
)

// Store is the narrow access contract the pipeline requires from the
// reconciliation store. Uniqueness on (agency_id, external_event_id) and the
// version-conditioned Upsert are the store's responsibility; the matcher
// relies on both.
type Store interface {
	GetByID(ctx context.Context, id string) (*TollEvent, error)
	GetByAgencyExternalID(ctx context.Context, agencyID, externalEventID string) (*TollEvent, error)

	// FindCandidates returns events for the same plate whose timestamp falls
	// within [from, to], across all agencies and sources.
	FindCandidates(ctx context.Context, plate, plateState string, from, to time.Time) ([]TollEvent, error)

	// Upsert inserts a new event (Version 0) or updates an existing one
	// conditioned on the read Version. A lost insert race on
	// (agency_id, external_event_id) or a stale version returns
	// ErrStoreConflict.
	Upsert(ctx context.Context, event *TollEvent) (*TollEvent, error)

	// AddProvenance records a corroborating observation exactly once:
	// a second insert for the same (agency_id, external_event_id) is a
	// no-op, so redeliveries never duplicate rows.
	AddProvenance(ctx context.Context, record ProvenanceRecord) error
	ListProvenance(ctx context.Context, eventID string) ([]ProvenanceRecord, error)

	// GetProvenanceByExternalID finds the provenance row a channel's
	// observation left behind when it merged into a canonical event.
	// Returns ErrNotFound when the observation was never merged.
	GetProvenanceByExternalID(ctx context.Context, agencyID, externalEventID string) (*ProvenanceRecord, error)

	// ListPendingBefore returns pending events whose timestamp is older than
	// cutoff, for finalization into posted.
	ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]TollEvent, error)

	// ListNeedingReview returns events whose plate matched no registered
	// vehicle, for manual reconciliation.
	ListNeedingReview(ctx context.Context, limit int) ([]TollEvent, error)

	GetCursor(ctx context.Context, agencyID string) (string, error)
	AdvanceCursor(ctx context.Context, agencyID, cursor string) error

	RecordSyncRun(ctx context.Context, run SyncRun) error
}

// VehicleRegistry resolves a plate to an account. External collaborator.
type VehicleRegistry interface {
	ResolveVehicle(ctx context.Context, plate, plateState string) (*VehicleRef, error)
}

// QuarantineSink records payloads that fail normalization for later manual
// inspection. External collaborator.
type QuarantineSink interface {
	Record(ctx context.Context, nerr *NormalizationError) error
}
