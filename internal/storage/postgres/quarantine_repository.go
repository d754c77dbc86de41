package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tollworks/tollsync/internal/domain/toll"
)

// Quarantine implements toll.QuarantineSink on Postgres. Malformed payloads
// land here for manual inspection instead of being dropped.
type Quarantine struct {
	pool *pgxpool.Pool
}

var _ toll.QuarantineSink = (*Quarantine)(nil)

func NewQuarantine(pool *pgxpool.Pool) (*Quarantine, error) {
	if pool == nil {
		return nil, fmt.Errorf("quarantine: pool is nil")
	}
	return &Quarantine{pool: pool}, nil
}

func (q *Quarantine) Record(ctx context.Context, nerr *toll.NormalizationError) error {
	if nerr == nil {
		return nil
	}
	_, err := q.pool.Exec(ctx, `
INSERT INTO quarantined_events (id, agency_id, field, reason, payload, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.NewString(), nerr.AgencyID, nerr.Field, nerr.Reason, nerr.Payload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record quarantined event: %w", err)
	}
	return nil
}

// DeleteOlderThan prunes inspected quarantine rows past the retention window.
func (q *Quarantine) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := q.pool.Exec(ctx,
		`DELETE FROM quarantined_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup quarantine: %w", err)
	}
	return tag.RowsAffected(), nil
}
