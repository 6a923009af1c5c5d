// README: Directions and weather results plus provider error kinds.
package maps

import "errors"

var (
	ErrNoRoute         = errors.New("no route found")
	ErrUpstreamTimeout = errors.New("upstream service timeout")
)

type Route struct {
	DistanceKm         float64 `json:"distance_km"`
	DurationMin        float64 `json:"duration_min"`
	TrafficDurationMin float64 `json:"traffic_duration_min"`
	HasTolls           bool    `json:"has_tolls"`
}

// EffectiveMinutes prefers the traffic-adjusted duration when the provider has one.
func (r Route) EffectiveMinutes() float64 {
	if r.TrafficDurationMin > 0 {
		return r.TrafficDurationMin
	}
	return r.DurationMin
}

type Weather struct {
	Raining bool   `json:"raining"`
	Summary string `json:"summary"`
}

// permanentError marks provider failures that retrying cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error { return &permanentError{err: err} }
