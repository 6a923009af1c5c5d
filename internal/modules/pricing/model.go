// README: Rate profiles, route metrics, conditions and fare breakdowns.
package pricing

import "errors"

var (
	ErrNoRateProfile = errors.New("no active rate profile for vehicle class")
	ErrBadRequest    = errors.New("bad pricing request")
)

type DemandLevel string

const (
	DemandLow     DemandLevel = "low"
	DemandNormal  DemandLevel = "normal"
	DemandHigh    DemandLevel = "high"
	DemandExtreme DemandLevel = "extreme"
)

// RateProfile holds the per-vehicle-class parameters of one calculation.
type RateProfile struct {
	VehicleClass      string  `json:"vehicle_class" yaml:"vehicle_class"`
	BaseFare          float64 `json:"base_fare" yaml:"base_fare"`
	IncludedKm        float64 `json:"included_km" yaml:"included_km"`
	PerKmRate         float64 `json:"per_km_rate" yaml:"per_km_rate"`
	PerMinRate        float64 `json:"per_min_rate" yaml:"per_min_rate"`
	WaitingRate       float64 `json:"waiting_rate" yaml:"waiting_rate"`
	NightSurchargePct float64 `json:"night_surcharge_pct" yaml:"night_surcharge_pct"`
	PeakSurchargePct  float64 `json:"peak_surcharge_pct" yaml:"peak_surcharge_pct"`
	MinFare           float64 `json:"min_fare" yaml:"min_fare"`
	FuelCoefficient   float64 `json:"fuel_coefficient" yaml:"fuel_coefficient"`
	AvgMileageKmPerL  float64 `json:"avg_mileage_km_per_l" yaml:"avg_mileage_km_per_l"`
	TollCharge        float64 `json:"toll_charge" yaml:"toll_charge"`
	TollThresholdKm   float64 `json:"toll_threshold_km" yaml:"toll_threshold_km"`
	RentalPerHour     float64 `json:"rental_per_hour" yaml:"rental_per_hour"`
	RentalPerKm       float64 `json:"rental_per_km" yaml:"rental_per_km"`
	Currency          string  `json:"currency" yaml:"currency"`
	Active            bool    `json:"active" yaml:"active"`
}

func (p RateProfile) Validate() error {
	if p.VehicleClass == "" || p.Currency == "" {
		return ErrBadRequest
	}
	for _, v := range []float64{p.BaseFare, p.IncludedKm, p.PerKmRate, p.PerMinRate, p.WaitingRate,
		p.NightSurchargePct, p.PeakSurchargePct, p.MinFare, p.FuelCoefficient, p.AvgMileageKmPerL,
		p.TollCharge, p.TollThresholdKm, p.RentalPerHour, p.RentalPerKm} {
		if v < 0 {
			return ErrBadRequest
		}
	}
	return nil
}

type RouteMetrics struct {
	DistanceKm  float64 `json:"distance_km"`
	DurationMin float64 `json:"duration_min"`
	WaitingMin  float64 `json:"waiting_min"`
}

func (m RouteMetrics) normalized() RouteMetrics {
	return RouteMetrics{
		DistanceKm:  max(0, m.DistanceKm),
		DurationMin: max(0, m.DurationMin),
		WaitingMin:  max(0, m.WaitingMin),
	}
}

type Conditions struct {
	IsNight   bool        `json:"is_night"`
	IsPeak    bool        `json:"is_peak"`
	IsRaining bool        `json:"is_raining"`
	Demand    DemandLevel `json:"demand"`
	HasTolls  bool        `json:"has_tolls"`
}

type LongHaulTier struct {
	FromKm   float64
	Discount float64
}

// SurgePolicy holds the bumps added to the 1.0 base multiplier.
type SurgePolicy struct {
	PeakBump    float64
	NightBump   float64
	RainBump    float64
	DemandBumps map[DemandLevel]float64
	// LongHaul tiers must be ascending by FromKm.
	LongHaul []LongHaulTier
	Min      float64
	Max      float64
}

func DefaultSurgePolicy() SurgePolicy {
	return SurgePolicy{
		PeakBump:  0.25,
		NightBump: 0.15,
		RainBump:  0.2,
		DemandBumps: map[DemandLevel]float64{
			DemandHigh:    0.3,
			DemandExtreme: 0.6,
		},
		LongHaul: []LongHaulTier{{FromKm: 25, Discount: 0.1}, {FromKm: 50, Discount: 0.2}},
		Min:      1.0,
		Max:      3.0,
	}
}

// FareBreakdown lists every fare term, each rounded to cents.
type FareBreakdown struct {
	VehicleClass    string  `json:"vehicle_class"`
	Currency        string  `json:"currency"`
	Rental          bool    `json:"rental,omitempty"`
	DistanceKm      float64 `json:"distance_km"`
	DurationMin     float64 `json:"duration_min"`
	WaitingMin      float64 `json:"waiting_min"`
	BaseFare        float64 `json:"base_fare"`
	DistanceCost    float64 `json:"distance_cost"`
	TimeCost        float64 `json:"time_cost"`
	WaitingCost     float64 `json:"waiting_cost"`
	NightSurcharge  float64 `json:"night_surcharge"`
	FuelSurcharge   float64 `json:"fuel_surcharge"`
	TollCharge      float64 `json:"toll_charge"`
	Subtotal        float64 `json:"subtotal"`
	SurgeMultiplier float64 `json:"surge_multiplier"`
	Total           float64 `json:"total"`
	MinFareApplied  bool    `json:"min_fare_applied,omitempty"`
	// LongHaulFloor is set when the total was raised to the fare at a tier boundary.
	LongHaulFloor bool `json:"long_haul_floor,omitempty"`
}

// Quote is a priced estimate together with the inputs that produced it.
type Quote struct {
	Breakdown   FareBreakdown `json:"breakdown"`
	Profile     RateProfile   `json:"profile"`
	Conditions  Conditions    `json:"conditions"`
	Route       RouteMetrics  `json:"route"`
	RouteSource string        `json:"route_source"`
}

const (
	RouteSourceDirections   = "directions"
	RouteSourceStraightLine = "straight_line"
)
