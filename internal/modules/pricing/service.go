// README: Pricing service: profile lookup, route/conditions gathering and quoting.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"dispatchd/internal/clock"
	"dispatchd/internal/config"
	"dispatchd/internal/logging"
	"dispatchd/internal/maps"
	"dispatchd/internal/observability"
	"dispatchd/internal/types"
)

type ProfileSource interface {
	Active(ctx context.Context, vehicleClass string) (RateProfile, error)
}

type DemandEstimator interface {
	Demand(ctx context.Context, p types.Point) (DemandLevel, error)
}

type ServiceDeps struct {
	Profiles ProfileSource
	Routes   maps.RouteFinder
	Weather  maps.WeatherReporter
	Demand   DemandEstimator
	Clock    clock.Clock
	Logger   *slog.Logger
}

type Service struct {
	profiles ProfileSource
	routes   maps.RouteFinder
	weather  maps.WeatherReporter
	demand   DemandEstimator
	calc     Calculator
	clock    clock.Clock
	logger   *slog.Logger
	loc      *time.Location
	cfg      config.PricingConfig
	peak     []hourWindow
}

type hourWindow struct{ from, to int }

func NewService(deps ServiceDeps, cfg config.PricingConfig) (*Service, error) {
	loc, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("pricing time zone: %w", err)
	}
	peak, err := parseWindows(cfg.PeakWindows)
	if err != nil {
		return nil, err
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	return &Service{
		profiles: deps.Profiles,
		routes:   deps.Routes,
		weather:  deps.Weather,
		demand:   deps.Demand,
		calc:     NewCalculator(PolicyFromConfig(cfg)),
		clock:    deps.Clock,
		logger:   logging.OrDiscard(deps.Logger),
		loc:      loc,
		cfg:      cfg,
		peak:     peak,
	}, nil
}

// SetDemandEstimator wires the estimator once the location index exists.
func (s *Service) SetDemandEstimator(d DemandEstimator) { s.demand = d }

func PolicyFromConfig(cfg config.PricingConfig) SurgePolicy {
	p := DefaultSurgePolicy()
	p.PeakBump = cfg.PeakBump
	p.NightBump = cfg.NightBump
	p.RainBump = cfg.RainBump
	p.DemandBumps = map[DemandLevel]float64{DemandHigh: cfg.HighBump, DemandExtreme: cfg.ExtremeBump}
	p.LongHaul = nil
	for i := range cfg.LongHaulKm {
		if i < len(cfg.LongHaulCuts) {
			p.LongHaul = append(p.LongHaul, LongHaulTier{FromKm: cfg.LongHaulKm[i], Discount: cfg.LongHaulCuts[i]})
		}
	}
	return p
}

type EstimateCommand struct {
	Pickup       types.Point
	Drop         types.Point
	VehicleClass string
	RequestTime  time.Time
	WaitingMin   float64
	Rental       bool
	// RentalMinutes is the booked duration; rentals price this instead of the route time.
	RentalMinutes float64
}

func (s *Service) Estimate(ctx context.Context, cmd EstimateCommand) (Quote, error) {
	if cmd.VehicleClass == "" || !cmd.Pickup.Valid() || !cmd.Drop.Valid() || cmd.WaitingMin < 0 || cmd.RentalMinutes < 0 {
		return Quote{}, ErrBadRequest
	}
	profile, err := s.profiles.Active(ctx, cmd.VehicleClass)
	if err != nil {
		if errors.Is(err, ErrNoRateProfile) {
			observability.Quotes.WithLabelValues(cmd.VehicleClass, "no_profile").Inc()
		}
		return Quote{}, err
	}
	if cmd.RequestTime.IsZero() {
		cmd.RequestTime = s.clock.Now()
	}

	route, source, hasTolls := s.route(ctx, cmd.Pickup, cmd.Drop)
	route.WaitingMin = cmd.WaitingMin
	cond := Conditions{
		IsNight:   s.isNight(cmd.RequestTime),
		IsPeak:    s.isPeak(cmd.RequestTime),
		IsRaining: s.isRaining(ctx, cmd.Pickup),
		Demand:    s.demandAt(ctx, cmd.Pickup),
		HasTolls:  hasTolls,
	}

	q := Quote{Profile: profile, Conditions: cond, Route: route, RouteSource: source}
	if cmd.Rental {
		if cmd.RentalMinutes > 0 {
			q.Route.DurationMin = cmd.RentalMinutes
		}
		q.Breakdown = s.calc.QuoteRental(q.Route, profile)
	} else {
		q.Breakdown = s.calc.Quote(route, profile, cond)
	}
	observability.Quotes.WithLabelValues(cmd.VehicleClass, "ok").Inc()
	return q, nil
}

// Reconcile reprices a finished trip with the actual metrics and the quote-time profile and conditions.
func (s *Service) Reconcile(q Quote, actual RouteMetrics) FareBreakdown {
	if q.Breakdown.Rental {
		return s.calc.QuoteRental(actual, q.Profile)
	}
	return s.calc.Quote(actual, q.Profile, q.Conditions)
}

func (s *Service) route(ctx context.Context, a, b types.Point) (RouteMetrics, string, bool) {
	if s.routes != nil {
		r, err := s.routes.Route(ctx, a, b)
		if err == nil {
			return RouteMetrics{DistanceKm: r.DistanceKm, DurationMin: r.EffectiveMinutes()}, RouteSourceDirections, r.HasTolls
		}
		s.logger.Warn("directions unavailable, using straight-line estimate", "err", err)
	}
	km := a.DistanceKm(b) * s.cfg.RoadFactor
	minutes := 0.0
	if s.cfg.FallbackKmh > 0 {
		minutes = km / s.cfg.FallbackKmh * 60
	}
	return RouteMetrics{DistanceKm: types.RoundCents(km), DurationMin: types.RoundCents(minutes)}, RouteSourceStraightLine, false
}

func (s *Service) isRaining(ctx context.Context, p types.Point) bool {
	if s.weather == nil {
		return false
	}
	w, err := s.weather.Conditions(ctx, p)
	if err != nil {
		s.logger.Warn("weather unavailable, assuming dry", "err", err)
		return false
	}
	return w.Raining
}

func (s *Service) demandAt(ctx context.Context, p types.Point) DemandLevel {
	if s.demand == nil {
		return DemandNormal
	}
	d, err := s.demand.Demand(ctx, p)
	if err != nil {
		s.logger.Warn("demand estimate failed", "err", err)
		return DemandNormal
	}
	return d
}

func (s *Service) isNight(t time.Time) bool {
	h := t.In(s.loc).Hour()
	start, end := s.cfg.NightStart, s.cfg.NightEnd
	if start == end {
		return false
	}
	if start > end {
		return h >= start || h < end
	}
	return h >= start && h < end
}

func (s *Service) isPeak(t time.Time) bool {
	h := t.In(s.loc).Hour()
	for _, w := range s.peak {
		if h >= w.from && h < w.to {
			return true
		}
	}
	return false
}

// parseWindows reads "HH-HH" hour ranges, end exclusive.
func parseWindows(raw []string) ([]hourWindow, error) {
	out := make([]hourWindow, 0, len(raw))
	for _, r := range raw {
		from, to, ok := strings.Cut(r, "-")
		if !ok {
			return nil, fmt.Errorf("invalid peak window %q", r)
		}
		f, err1 := strconv.Atoi(strings.TrimSpace(from))
		t, err2 := strconv.Atoi(strings.TrimSpace(to))
		if err1 != nil || err2 != nil || f < 0 || t > 24 || f >= t {
			return nil, fmt.Errorf("invalid peak window %q", r)
		}
		out = append(out, hourWindow{from: f, to: t})
	}
	return out, nil
}
