// README: Worker availability in Postgres; location and assignment columns are written separately.
package location

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dispatchd/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const availabilityColumns = `worker_id, lat, lng, location_updated_at, online, available, assigned_request_id,
	vehicle_class, category, push_token`

// Register upserts the profile columns; position and assignment are left untouched.
func (s *Store) Register(ctx context.Context, p Profile) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO worker_availability (worker_id, vehicle_class, category, push_token, online, available)
		VALUES ($1, $2, $3, $4, false, false)
		ON CONFLICT (worker_id) DO UPDATE
		SET vehicle_class = EXCLUDED.vehicle_class,
		    category = EXCLUDED.category,
		    push_token = EXCLUDED.push_token
	`, string(p.WorkerID), p.VehicleClass, p.Category, p.PushToken)
	return err
}

// SetAvailability toggles the online flag. Going online fails with ErrWorkerBusy while assigned;
// going offline always succeeds and keeps the worker out of dispatch after a release.
func (s *Store) SetAvailability(ctx context.Context, id types.ID, available bool) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE worker_availability
		SET online = $2, available = $2
		WHERE worker_id = $1 AND (NOT $2 OR assigned_request_id IS NULL)
	`, string(id), available)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.missingOrBusy(ctx, id)
}

// UpdatePosition writes the location columns only when at is newer than the stored sample.
func (s *Store) UpdatePosition(ctx context.Context, id types.ID, p types.Point, at time.Time) (bool, error) {
	var available bool
	err := s.db.QueryRow(ctx, `
		UPDATE worker_availability
		SET lat = $2, lng = $3, location_updated_at = $4
		WHERE worker_id = $1 AND (location_updated_at IS NULL OR location_updated_at < $4)
		RETURNING available
	`, string(id), p.Lat, p.Lng, at).Scan(&available)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return false, getErr
		}
		return false, ErrStaleSample
	}
	return available, err
}

// Reserve claims an available, unassigned worker for requestID.
func (s *Store) Reserve(ctx context.Context, workerID, requestID types.ID) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE worker_availability
		SET assigned_request_id = $2, available = false
		WHERE worker_id = $1 AND online AND available AND assigned_request_id IS NULL
	`, string(workerID), string(requestID))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Release clears the reservation only if it still points at requestID. The worker is
// available again only if it is still online.
func (s *Store) Release(ctx context.Context, workerID, requestID types.ID) error {
	_, err := s.db.Exec(ctx, `
		UPDATE worker_availability
		SET assigned_request_id = NULL, available = online
		WHERE worker_id = $1 AND assigned_request_id = $2
	`, string(workerID), string(requestID))
	return err
}

func (s *Store) Get(ctx context.Context, id types.ID) (WorkerAvailability, error) {
	row := s.db.QueryRow(ctx, `SELECT `+availabilityColumns+` FROM worker_availability WHERE worker_id = $1`, string(id))
	w, err := scanAvailability(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return WorkerAvailability{}, ErrWorkerNotFound
	}
	return w, err
}

func (s *Store) GetMany(ctx context.Context, ids []types.ID) (map[types.ID]WorkerAvailability, error) {
	out := make(map[types.ID]WorkerAvailability, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = string(id)
	}
	rows, err := s.db.Query(ctx, `SELECT `+availabilityColumns+` FROM worker_availability WHERE worker_id = ANY($1)`, raw)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		w, err := scanAvailability(rows)
		if err != nil {
			return nil, err
		}
		out[w.WorkerID] = w
	}
	return out, rows.Err()
}

// AudienceTokens lists push tokens of workers, optionally narrowed to one vehicle class.
func (s *Store) AudienceTokens(ctx context.Context, vehicleClass string) ([]WorkerToken, error) {
	rows, err := s.db.Query(ctx, `
		SELECT worker_id, push_token FROM worker_availability
		WHERE push_token <> '' AND ($1 = '' OR vehicle_class = $1)
		ORDER BY worker_id
	`, vehicleClass)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []WorkerToken
	for rows.Next() {
		var t WorkerToken
		if err := rows.Scan(&t.WorkerID, &t.PushToken); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) AppendSnapshot(ctx context.Context, snap Snapshot) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO location_snapshots (worker_id, lat, lng, recorded_at)
		VALUES ($1, $2, $3, $4)
	`, string(snap.WorkerID), snap.Position.Lat, snap.Position.Lng, snap.RecordedAt)
	return err
}

func (s *Store) missingOrBusy(ctx context.Context, id types.ID) error {
	w, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if w.AssignedRequestID != nil {
		return ErrWorkerBusy
	}
	return nil
}

func scanAvailability(row pgx.Row) (WorkerAvailability, error) {
	var w WorkerAvailability
	var lat, lng sql.NullFloat64
	var updatedAt sql.NullTime
	var assignedID sql.NullString
	err := row.Scan(&w.WorkerID, &lat, &lng, &updatedAt, &w.Online, &w.Available, &assignedID,
		&w.VehicleClass, &w.Category, &w.PushToken)
	if err != nil {
		return WorkerAvailability{}, err
	}
	if lat.Valid && lng.Valid {
		w.Position = types.Point{Lat: lat.Float64, Lng: lng.Float64}
	}
	if updatedAt.Valid {
		w.LocationUpdatedAt = updatedAt.Time
	}
	if assignedID.Valid {
		w.AssignedRequestID = types.ID(assignedID.String).Ptr()
	}
	return w, nil
}
