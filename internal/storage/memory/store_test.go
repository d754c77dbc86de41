package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tollworks/tollsync/internal/domain/toll"
)

func newEvent(id, agencyID, externalID string) *toll.TollEvent {
	return &toll.TollEvent{
		ID:              id,
		AgencyID:        agencyID,
		ExternalEventID: externalID,
		Plate:           "ABC123",
		PlateState:      "CA",
		EventTimestamp:  time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC),
		RatedAmount:     500,
		Currency:        "USD",
		Source:          toll.SourceAgencyFeed,
		Status:          toll.StatusPending,
	}
}

func TestUpsertInsertAssignsVersion(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	created, err := store.Upsert(ctx, newEvent("id-1", "A1", "E1"))
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if created.Version != 1 {
		t.Errorf("Version = %d, want 1", created.Version)
	}
	if created.CreatedAt.IsZero() || created.UpdatedAt.IsZero() {
		t.Error("timestamps not set on insert")
	}
}

func TestUpsertDuplicateExternalIDConflicts(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	if _, err := store.Upsert(ctx, newEvent("id-1", "A1", "E1")); err != nil {
		t.Fatalf("first Upsert: %v", err)
	}

	// A second insert for the same (agency, external) pair lost the race.
	_, err := store.Upsert(ctx, newEvent("id-2", "A1", "E1"))
	if !errors.Is(err, toll.ErrStoreConflict) {
		t.Fatalf("err = %v, want ErrStoreConflict", err)
	}

	// Same external ID under a different agency is a different record.
	if _, err := store.Upsert(ctx, newEvent("id-3", "A2", "E1")); err != nil {
		t.Fatalf("cross-agency Upsert: %v", err)
	}
}

func TestUpsertStaleVersionConflicts(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	created, err := store.Upsert(ctx, newEvent("id-1", "A1", "E1"))
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	first := *created
	first.Location = "writer one"
	updated, err := store.Upsert(ctx, &first)
	if err != nil {
		t.Fatalf("first update: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("Version = %d, want 2", updated.Version)
	}

	// A concurrent writer holding the original version must lose.
	second := *created
	second.Location = "writer two"
	if _, err := store.Upsert(ctx, &second); !errors.Is(err, toll.ErrStoreConflict) {
		t.Fatalf("stale update err = %v, want ErrStoreConflict", err)
	}

	current, err := store.GetByID(ctx, "id-1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if current.Location != "writer one" {
		t.Errorf("Location = %q, stale writer must not win", current.Location)
	}
}

func TestFindCandidatesWindow(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	inWindow := newEvent("id-1", "A1", "E1")
	inWindow.EventTimestamp = base
	outOfWindow := newEvent("id-2", "A1", "E2")
	outOfWindow.EventTimestamp = base.Add(10 * time.Minute)
	otherPlate := newEvent("id-3", "A1", "E3")
	otherPlate.Plate = "XYZ789"
	otherPlate.EventTimestamp = base

	for _, e := range []*toll.TollEvent{inWindow, outOfWindow, otherPlate} {
		if _, err := store.Upsert(ctx, e); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	got, err := store.FindCandidates(ctx, "ABC123", "CA", base.Add(-5*time.Minute), base.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("FindCandidates: %v", err)
	}
	if len(got) != 1 || got[0].ID != "id-1" {
		t.Fatalf("candidates = %+v, want only id-1", got)
	}
}

func TestFindCandidatesPlateStateWildcard(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	withState := newEvent("id-1", "A1", "E1")
	stateless := newEvent("id-2", "A2", "E2")
	stateless.PlateState = ""
	otherState := newEvent("id-3", "A3", "E3")
	otherState.PlateState = "NV"

	for _, e := range []*toll.TollEvent{withState, stateless, otherState} {
		if _, err := store.Upsert(ctx, e); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	from, to := base.Add(-5*time.Minute), base.Add(5*time.Minute)

	// A stateless record matches any queried state.
	got, err := store.FindCandidates(ctx, "ABC123", "CA", from, to)
	if err != nil {
		t.Fatalf("FindCandidates: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("candidates for CA = %d, want 2 (exact + stateless)", len(got))
	}

	// A stateless query matches every state.
	got, err = store.FindCandidates(ctx, "ABC123", "", from, to)
	if err != nil {
		t.Fatalf("FindCandidates: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("candidates for any state = %d, want 3", len(got))
	}
}

func TestAddProvenanceIsIdempotentPerObservation(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	if _, err := store.Upsert(ctx, newEvent("id-1", "A1", "E1")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	record := toll.ProvenanceRecord{
		EventID:         "id-1",
		AgencyID:        "A2",
		ExternalEventID: "PP-1",
		Source:          toll.SourcePlatePay,
		RatedAmount:     475,
		Discrepancy:     true,
	}
	for i := 0; i < 3; i++ {
		if err := store.AddProvenance(ctx, record); err != nil {
			t.Fatalf("AddProvenance %d: %v", i+1, err)
		}
	}

	records, err := store.ListProvenance(ctx, "id-1")
	if err != nil {
		t.Fatalf("ListProvenance: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("provenance len = %d, want 1", len(records))
	}

	found, err := store.GetProvenanceByExternalID(ctx, "A2", "PP-1")
	if err != nil {
		t.Fatalf("GetProvenanceByExternalID: %v", err)
	}
	if found.EventID != "id-1" {
		t.Errorf("EventID = %q, want id-1", found.EventID)
	}

	if _, err := store.GetProvenanceByExternalID(ctx, "A2", "missing"); !errors.Is(err, toll.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
