// README: Rate profile store backed by PostgreSQL, plus a static in-memory source.
package pricing

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const profileColumns = `vehicle_class, base_fare, included_km, per_km_rate, per_min_rate, waiting_rate,
       night_surcharge_pct, peak_surcharge_pct, min_fare, fuel_coefficient, avg_mileage_km_per_l,
       toll_charge, toll_threshold_km, rental_per_hour, rental_per_km, currency, active`

func (s *Store) Active(ctx context.Context, vehicleClass string) (RateProfile, error) {
	row := s.db.QueryRow(ctx, `SELECT `+profileColumns+` FROM rate_profiles WHERE vehicle_class = $1 AND active`, vehicleClass)
	p, err := scanProfile(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return RateProfile{}, ErrNoRateProfile
	}
	return p, err
}

func (s *Store) List(ctx context.Context) ([]RateProfile, error) {
	rows, err := s.db.Query(ctx, `SELECT `+profileColumns+` FROM rate_profiles ORDER BY vehicle_class`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RateProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) Upsert(ctx context.Context, p RateProfile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx, `
        INSERT INTO rate_profiles (`+profileColumns+`, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, NOW())
        ON CONFLICT (vehicle_class) DO UPDATE SET
            base_fare = EXCLUDED.base_fare,
            included_km = EXCLUDED.included_km,
            per_km_rate = EXCLUDED.per_km_rate,
            per_min_rate = EXCLUDED.per_min_rate,
            waiting_rate = EXCLUDED.waiting_rate,
            night_surcharge_pct = EXCLUDED.night_surcharge_pct,
            peak_surcharge_pct = EXCLUDED.peak_surcharge_pct,
            min_fare = EXCLUDED.min_fare,
            fuel_coefficient = EXCLUDED.fuel_coefficient,
            avg_mileage_km_per_l = EXCLUDED.avg_mileage_km_per_l,
            toll_charge = EXCLUDED.toll_charge,
            toll_threshold_km = EXCLUDED.toll_threshold_km,
            rental_per_hour = EXCLUDED.rental_per_hour,
            rental_per_km = EXCLUDED.rental_per_km,
            currency = EXCLUDED.currency,
            active = EXCLUDED.active,
            updated_at = NOW()`,
		p.VehicleClass, p.BaseFare, p.IncludedKm, p.PerKmRate, p.PerMinRate, p.WaitingRate,
		p.NightSurchargePct, p.PeakSurchargePct, p.MinFare, p.FuelCoefficient, p.AvgMileageKmPerL,
		p.TollCharge, p.TollThresholdKm, p.RentalPerHour, p.RentalPerKm, p.Currency, p.Active,
	)
	return err
}

func scanProfile(row pgx.Row) (RateProfile, error) {
	var p RateProfile
	err := row.Scan(
		&p.VehicleClass, &p.BaseFare, &p.IncludedKm, &p.PerKmRate, &p.PerMinRate, &p.WaitingRate,
		&p.NightSurchargePct, &p.PeakSurchargePct, &p.MinFare, &p.FuelCoefficient, &p.AvgMileageKmPerL,
		&p.TollCharge, &p.TollThresholdKm, &p.RentalPerHour, &p.RentalPerKm, &p.Currency, &p.Active,
	)
	return p, err
}

// StaticProfiles is an in-memory profile source.
type StaticProfiles struct {
	mu       sync.RWMutex
	profiles map[string]RateProfile
}

func NewStaticProfiles(profiles ...RateProfile) *StaticProfiles {
	s := &StaticProfiles{profiles: make(map[string]RateProfile)}
	for _, p := range profiles {
		s.profiles[p.VehicleClass] = p
	}
	return s
}

func (s *StaticProfiles) Active(_ context.Context, vehicleClass string) (RateProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[vehicleClass]
	if !ok || !p.Active {
		return RateProfile{}, ErrNoRateProfile
	}
	return p, nil
}

func (s *StaticProfiles) Upsert(_ context.Context, p RateProfile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.profiles[p.VehicleClass] = p
	s.mu.Unlock()
	return nil
}
