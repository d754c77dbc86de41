package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tollworks/tollsync/internal/domain/toll"
)

// VehicleRegistry resolves plates against the registered_vehicles table.
// Plate matching is exact on (plate, plate_state); a plate registered without
// a jurisdiction matches observations from any state.
type VehicleRegistry struct {
	pool *pgxpool.Pool
}

var _ toll.VehicleRegistry = (*VehicleRegistry)(nil)

func NewVehicleRegistry(pool *pgxpool.Pool) (*VehicleRegistry, error) {
	if pool == nil {
		return nil, fmt.Errorf("vehicle registry: pool is nil")
	}
	return &VehicleRegistry{pool: pool}, nil
}

func (r *VehicleRegistry) ResolveVehicle(ctx context.Context, plate, plateState string) (*toll.VehicleRef, error) {
	const query = `
SELECT id, user_id FROM registered_vehicles
WHERE plate = $1 AND (plate_state = $2 OR plate_state = '') AND active
ORDER BY plate_state DESC
LIMIT 1`

	var ref toll.VehicleRef
	err := r.pool.QueryRow(ctx, query, plate, plateState).Scan(&ref.VehicleID, &ref.UserID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, toll.ErrVehicleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve vehicle %s/%s: %w", plate, plateState, err)
	}
	return &ref, nil
}
