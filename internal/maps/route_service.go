package maps

import (
	"context"
	"fmt"
	"strings"

	gmaps "googlemaps.github.io/maps"

	"dispatchd/internal/clock"
	"dispatchd/internal/types"
)

type directionsClient interface {
	Directions(ctx context.Context, r *gmaps.DirectionsRequest) ([]gmaps.Route, []gmaps.GeocodedWaypoint, error)
}

// RouteService fetches driving routes with live-traffic durations from Google Maps.
type RouteService struct {
	client directionsClient
	retry  retryPolicy
}

// NewRouteService creates a new RouteService with the given API Key.
func NewRouteService(apiKey string, clk clock.Clock) (*RouteService, error) {
	client, err := gmaps.NewClient(gmaps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &RouteService{client: client, retry: defaultRetry(clk)}, nil
}

// Route returns distance and duration for driving from origin to destination.
func (s *RouteService) Route(ctx context.Context, origin, destination types.Point) (Route, error) {
	req := &gmaps.DirectionsRequest{
		Origin:        latLng(origin),
		Destination:   latLng(destination),
		Mode:          gmaps.TravelModeDriving,
		DepartureTime: "now",
		TrafficModel:  gmaps.TrafficModelBestGuess,
	}

	var out Route
	err := s.retry.do(ctx, func(ctx context.Context) error {
		routes, _, err := s.client.Directions(ctx, req)
		if err != nil {
			if isPermanentMapsError(err) {
				return permanent(fmt.Errorf("maps api error: %w", err))
			}
			return fmt.Errorf("maps api error: %w", err)
		}
		if len(routes) == 0 || len(routes[0].Legs) == 0 {
			return permanent(ErrNoRoute)
		}
		out = summarize(routes[0])
		return nil
	})
	return out, err
}

func summarize(r gmaps.Route) Route {
	var out Route
	for _, leg := range r.Legs {
		out.DistanceKm += float64(leg.Distance.Meters) / 1000
		out.DurationMin += leg.Duration.Minutes()
		out.TrafficDurationMin += leg.DurationInTraffic.Minutes()
	}
	for _, w := range r.Warnings {
		if strings.Contains(strings.ToLower(w), "toll") {
			out.HasTolls = true
		}
	}
	return out
}

func isPermanentMapsError(err error) bool {
	msg := err.Error()
	for _, s := range []string{"ZERO_RESULTS", "NOT_FOUND", "INVALID_REQUEST", "REQUEST_DENIED", "MAX_ROUTE_LENGTH_EXCEEDED"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func latLng(p types.Point) string {
	return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lng)
}
