// Package memory provides an in-memory toll.Store for tests. It mirrors the
// Postgres store's concurrency semantics: unique (agency_id, external_event_id)
// and version-conditioned updates returning ErrStoreConflict.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tollworks/tollsync/internal/domain/toll"
)

type Store struct {
	mu sync.Mutex

	events         map[string]*toll.TollEvent
	byExternal     map[string]string // "agency|external" -> event ID
	provenance     map[string][]toll.ProvenanceRecord
	provByExternal map[string]toll.ProvenanceRecord // "agency|external" -> record
	cursors        map[string]string
	runs           []toll.SyncRun
}

var _ toll.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		events:         make(map[string]*toll.TollEvent),
		byExternal:     make(map[string]string),
		provenance:     make(map[string][]toll.ProvenanceRecord),
		provByExternal: make(map[string]toll.ProvenanceRecord),
		cursors:        make(map[string]string),
	}
}

func externalKey(agencyID, externalEventID string) string {
	return agencyID + "|" + externalEventID
}

func (s *Store) GetByID(_ context.Context, id string) (*toll.TollEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.events[id]
	if !ok {
		return nil, toll.ErrNotFound
	}
	copied := *event
	return &copied, nil
}

func (s *Store) GetByAgencyExternalID(_ context.Context, agencyID, externalEventID string) (*toll.TollEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byExternal[externalKey(agencyID, externalEventID)]
	if !ok {
		return nil, toll.ErrNotFound
	}
	copied := *s.events[id]
	return &copied, nil
}

func (s *Store) FindCandidates(_ context.Context, plate, plateState string, from, to time.Time) ([]toll.TollEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []toll.TollEvent
	for _, event := range s.events {
		if event.Plate != plate {
			continue
		}
		// An empty plate state on either side is a wildcard, matching the
		// Postgres query.
		if plateState != "" && event.PlateState != "" && event.PlateState != plateState {
			continue
		}
		if event.EventTimestamp.Before(from) || event.EventTimestamp.After(to) {
			continue
		}
		out = append(out, *event)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Upsert(_ context.Context, event *toll.TollEvent) (*toll.TollEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	key := externalKey(event.AgencyID, event.ExternalEventID)

	if event.Version == 0 {
		if _, exists := s.byExternal[key]; exists {
			return nil, toll.ErrStoreConflict
		}
		inserted := *event
		inserted.Version = 1
		inserted.CreatedAt = now
		inserted.UpdatedAt = now
		s.events[inserted.ID] = &inserted
		s.byExternal[key] = inserted.ID
		copied := inserted
		return &copied, nil
	}

	current, ok := s.events[event.ID]
	if !ok {
		return nil, toll.ErrNotFound
	}
	if current.Version != event.Version {
		return nil, toll.ErrStoreConflict
	}

	updated := *event
	updated.Version = current.Version + 1
	updated.CreatedAt = current.CreatedAt
	updated.UpdatedAt = now
	s.events[updated.ID] = &updated
	copied := updated
	return &copied, nil
}

func (s *Store) AddProvenance(_ context.Context, record toll.ProvenanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := externalKey(record.AgencyID, record.ExternalEventID)
	if _, exists := s.provByExternal[key]; exists {
		// Redelivered observation: the merge was already applied.
		return nil
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	s.provenance[record.EventID] = append(s.provenance[record.EventID], record)
	s.provByExternal[key] = record
	return nil
}

func (s *Store) ListProvenance(_ context.Context, eventID string) ([]toll.ProvenanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]toll.ProvenanceRecord(nil), s.provenance[eventID]...), nil
}

func (s *Store) GetProvenanceByExternalID(_ context.Context, agencyID, externalEventID string) (*toll.ProvenanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.provByExternal[externalKey(agencyID, externalEventID)]
	if !ok {
		return nil, toll.ErrNotFound
	}
	copied := record
	return &copied, nil
}

func (s *Store) ListPendingBefore(_ context.Context, cutoff time.Time, limit int) ([]toll.TollEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []toll.TollEvent
	for _, event := range s.events {
		if event.Status == toll.StatusPending && event.EventTimestamp.Before(cutoff) {
			out = append(out, *event)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventTimestamp.Before(out[j].EventTimestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListNeedingReview(_ context.Context, limit int) ([]toll.TollEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []toll.TollEvent
	for _, event := range s.events {
		if event.NeedsReview {
			out = append(out, *event)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetCursor(_ context.Context, agencyID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[agencyID], nil
}

func (s *Store) AdvanceCursor(_ context.Context, agencyID, cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[agencyID] = cursor
	return nil
}

func (s *Store) RecordSyncRun(_ context.Context, run toll.SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
	return nil
}

// SyncRuns returns every recorded run, for assertions.
func (s *Store) SyncRuns() []toll.SyncRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]toll.SyncRun(nil), s.runs...)
}

// Events returns a snapshot of all stored events ordered by ID, for
// assertions.
func (s *Store) Events() []toll.TollEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]toll.TollEvent, 0, len(s.events))
	for _, event := range s.events {
		out = append(out, *event)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
