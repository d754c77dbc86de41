package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tollworks/tollsync/internal/domain/toll"
)

// Store implements toll.Store on Postgres. The (agency_id, external_event_id)
// uniqueness constraint lives in the table itself, so a race between two
// concurrent deliveries of the same retransmission collapses to one row; the
// version column backs the conditional Upsert.
type Store struct {
	pool *pgxpool.Pool
}

var _ toll.Store = (*Store)(nil)

func NewStore(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("postgres store: pool is nil")
	}
	return &Store{pool: pool}, nil
}

const tollEventColumns = `
id, agency_id, external_event_id, user_id, vehicle_id, plate, plate_state,
event_timestamp, gantry_id, location, vehicle_class, raw_amount, rated_amount,
fees, currency, evidence_uri, source, status, needs_review, version,
created_at, updated_at`

func (s *Store) GetByID(ctx context.Context, id string) (*toll.TollEvent, error) {
	row := s.pool.QueryRow(ctx, `SELECT`+tollEventColumns+` FROM toll_events WHERE id = $1`, id)
	return scanTollEvent(row)
}

func (s *Store) GetByAgencyExternalID(ctx context.Context, agencyID, externalEventID string) (*toll.TollEvent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT`+tollEventColumns+` FROM toll_events WHERE agency_id = $1 AND external_event_id = $2`,
		agencyID, externalEventID)
	return scanTollEvent(row)
}

func (s *Store) FindCandidates(ctx context.Context, plate, plateState string, from, to time.Time) ([]toll.TollEvent, error) {
	rows, err := s.pool.Query(ctx, `
SELECT`+tollEventColumns+`
  FROM toll_events
 WHERE plate = $1
   AND ($2 = '' OR plate_state = '' OR plate_state = $2)
   AND event_timestamp BETWEEN $3 AND $4
 ORDER BY event_timestamp ASC, id ASC`,
		plate, plateState, from, to)
	if err != nil {
		return nil, fmt.Errorf("find candidates: %w", err)
	}
	defer rows.Close()

	var out []toll.TollEvent
	for rows.Next() {
		event, err := scanTollEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *event)
	}
	return out, rows.Err()
}

func (s *Store) Upsert(ctx context.Context, event *toll.TollEvent) (*toll.TollEvent, error) {
	if event.Version == 0 {
		return s.insert(ctx, event)
	}
	return s.update(ctx, event)
}

func (s *Store) insert(ctx context.Context, event *toll.TollEvent) (*toll.TollEvent, error) {
	row := s.pool.QueryRow(ctx, `
INSERT INTO toll_events (
  id, agency_id, external_event_id, user_id, vehicle_id, plate, plate_state,
  event_timestamp, gantry_id, location, vehicle_class, raw_amount, rated_amount,
  fees, currency, evidence_uri, source, status, needs_review, version,
  created_at, updated_at
) VALUES (
  $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
  $18, $19, 1, now(), now()
)
ON CONFLICT (agency_id, external_event_id) DO NOTHING
RETURNING`+tollEventColumns,
		event.ID, event.AgencyID, event.ExternalEventID, event.UserID, event.VehicleID,
		event.Plate, event.PlateState, event.EventTimestamp, event.GantryID, event.Location,
		event.VehicleClass, event.RawAmount, event.RatedAmount, event.Fees, event.Currency,
		event.EvidenceURI, event.Source, event.Status, event.NeedsReview)

	created, err := scanTollEvent(row)
	if errors.Is(err, toll.ErrNotFound) {
		// The conflict target already has a row: a concurrent delivery won
		// the insert race. Caller re-runs reconciliation against it.
		return nil, toll.ErrStoreConflict
	}
	if err != nil {
		return nil, fmt.Errorf("insert toll event: %w", err)
	}
	return created, nil
}

func (s *Store) update(ctx context.Context, event *toll.TollEvent) (*toll.TollEvent, error) {
	row := s.pool.QueryRow(ctx, `
UPDATE toll_events SET
  user_id = $3, vehicle_id = $4, gantry_id = $5, location = $6,
  vehicle_class = $7, raw_amount = $8, rated_amount = $9, fees = $10,
  currency = $11, evidence_uri = $12, source = $13, status = $14,
  needs_review = $15, version = version + 1, updated_at = now()
 WHERE id = $1 AND version = $2
RETURNING`+tollEventColumns,
		event.ID, event.Version, event.UserID, event.VehicleID, event.GantryID,
		event.Location, event.VehicleClass, event.RawAmount, event.RatedAmount,
		event.Fees, event.Currency, event.EvidenceURI, event.Source, event.Status,
		event.NeedsReview)

	updated, err := scanTollEvent(row)
	if errors.Is(err, toll.ErrNotFound) {
		// Row exists under a different version, or was deleted. Either way
		// the read this write was based on is stale.
		return nil, toll.ErrStoreConflict
	}
	if err != nil {
		return nil, fmt.Errorf("update toll event: %w", err)
	}
	return updated, nil
}

func (s *Store) AddProvenance(ctx context.Context, record toll.ProvenanceRecord) error {
	id := record.ID
	if id == "" {
		id = uuid.NewString()
	}
	recordedAt := record.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}
	// A redelivered observation hits the unique (agency_id,
	// external_event_id) index; the merge it corroborates was already
	// applied, so the insert becomes a no-op.
	_, err := s.pool.Exec(ctx, `
INSERT INTO event_provenance (
  id, event_id, agency_id, external_event_id, source, rated_amount,
  discrepancy, payload, recorded_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (agency_id, external_event_id) DO NOTHING`,
		id, record.EventID, record.AgencyID, record.ExternalEventID,
		record.Source, record.RatedAmount, record.Discrepancy, record.Payload, recordedAt)
	if err != nil {
		return fmt.Errorf("insert provenance: %w", err)
	}
	return nil
}

func (s *Store) GetProvenanceByExternalID(ctx context.Context, agencyID, externalEventID string) (*toll.ProvenanceRecord, error) {
	var rec toll.ProvenanceRecord
	err := s.pool.QueryRow(ctx, `
SELECT id, event_id, agency_id, external_event_id, source, rated_amount,
       discrepancy, payload, recorded_at
  FROM event_provenance
 WHERE agency_id = $1 AND external_event_id = $2`,
		agencyID, externalEventID).Scan(
		&rec.ID, &rec.EventID, &rec.AgencyID, &rec.ExternalEventID,
		&rec.Source, &rec.RatedAmount, &rec.Discrepancy, &rec.Payload, &rec.RecordedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, toll.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get provenance: %w", err)
	}
	return &rec, nil
}

func (s *Store) ListProvenance(ctx context.Context, eventID string) ([]toll.ProvenanceRecord, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, event_id, agency_id, external_event_id, source, rated_amount,
       discrepancy, payload, recorded_at
  FROM event_provenance
 WHERE event_id = $1
 ORDER BY recorded_at ASC`, eventID)
	if err != nil {
		return nil, fmt.Errorf("list provenance: %w", err)
	}
	defer rows.Close()

	var out []toll.ProvenanceRecord
	for rows.Next() {
		var rec toll.ProvenanceRecord
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.AgencyID, &rec.ExternalEventID,
			&rec.Source, &rec.RatedAmount, &rec.Discrepancy, &rec.Payload, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan provenance: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]toll.TollEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
SELECT`+tollEventColumns+`
  FROM toll_events
 WHERE status = 'pending' AND event_timestamp < $1
 ORDER BY event_timestamp ASC
 LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var out []toll.TollEvent
	for rows.Next() {
		event, err := scanTollEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *event)
	}
	return out, rows.Err()
}

func (s *Store) ListNeedingReview(ctx context.Context, limit int) ([]toll.TollEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
SELECT`+tollEventColumns+`
  FROM toll_events
 WHERE needs_review
 ORDER BY created_at ASC
 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list needing review: %w", err)
	}
	defer rows.Close()

	var out []toll.TollEvent
	for rows.Next() {
		event, err := scanTollEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *event)
	}
	return out, rows.Err()
}

func (s *Store) GetCursor(ctx context.Context, agencyID string) (string, error) {
	var cursor string
	err := s.pool.QueryRow(ctx,
		`SELECT cursor FROM agency_cursors WHERE agency_id = $1`, agencyID).Scan(&cursor)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get cursor: %w", err)
	}
	return cursor, nil
}

func (s *Store) AdvanceCursor(ctx context.Context, agencyID, cursor string) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO agency_cursors (agency_id, cursor, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (agency_id) DO UPDATE SET cursor = EXCLUDED.cursor, updated_at = now()`,
		agencyID, cursor)
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}

func (s *Store) RecordSyncRun(ctx context.Context, run toll.SyncRun) error {
	id := run.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO sync_runs (
  id, agency_id, started_at, finished_at, events_fetched, events_created,
  events_merged, events_quarantined, error_message
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		id, run.AgencyID, run.StartedAt, run.FinishedAt, run.EventsFetched,
		run.EventsCreated, run.EventsMerged, run.EventsQuarantined, run.Error)
	if err != nil {
		return fmt.Errorf("record sync run: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTollEvent(row rowScanner) (*toll.TollEvent, error) {
	var event toll.TollEvent
	err := row.Scan(
		&event.ID, &event.AgencyID, &event.ExternalEventID, &event.UserID,
		&event.VehicleID, &event.Plate, &event.PlateState, &event.EventTimestamp,
		&event.GantryID, &event.Location, &event.VehicleClass, &event.RawAmount,
		&event.RatedAmount, &event.Fees, &event.Currency, &event.EvidenceURI,
		&event.Source, &event.Status, &event.NeedsReview, &event.Version,
		&event.CreatedAt, &event.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, toll.ErrNotFound
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, toll.ErrStoreConflict
		}
		return nil, fmt.Errorf("scan toll event: %w", err)
	}
	return &event, nil
}
