// README: Candidate finder: expanding-radius GEO search joined with availability and presence.
package matching

import (
	"context"
	"log/slog"

	"dispatchd/internal/clock"
	"dispatchd/internal/config"
	"dispatchd/internal/logging"
	"dispatchd/internal/modules/location"
	"dispatchd/internal/modules/pricing"
	"dispatchd/internal/observability"
	"dispatchd/internal/types"
)

type Index interface {
	Nearby(ctx context.Context, p types.Point, radiusKm float64, limit int) ([]location.Nearby, error)
}

type Availability interface {
	GetMany(ctx context.Context, ids []types.ID) (map[types.ID]location.WorkerAvailability, error)
}

// Presence reports which workers hold a live session.
type Presence interface {
	Online(ctx context.Context, ids []types.ID) (map[types.ID]bool, error)
}

type Finder struct {
	index    Index
	avail    Availability
	presence Presence
	clock    clock.Clock
	cfg      config.MatchingConfig
	logger   *slog.Logger
}

func NewFinder(index Index, avail Availability, clk clock.Clock, cfg config.MatchingConfig, logger *slog.Logger) *Finder {
	if clk == nil {
		clk = clock.Real{}
	}
	if len(cfg.RadiiKm) == 0 {
		cfg.RadiiKm = []float64{2, 4, 6}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	return &Finder{index: index, avail: avail, clock: clk, cfg: cfg, logger: logging.OrDiscard(logger)}
}

// WithPresence restricts candidates to workers with a live session.
func (f *Finder) WithPresence(p Presence) *Finder {
	f.presence = p
	return f
}

// Find tries each radius in turn, sleeping AttemptDelay between attempts, and returns
// the first non-empty candidate set nearest first. It makes at most MaxAttempts attempts.
func (f *Finder) Find(ctx context.Context, q Query) (Result, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = f.cfg.MaxCandidates
	}
	start := max(0, min(q.StartAttempt, f.cfg.MaxAttempts-1))
	exclude := make(map[types.ID]struct{}, len(q.Exclude))
	for _, id := range q.Exclude {
		exclude[id] = struct{}{}
	}

	for attempt := start; attempt < f.cfg.MaxAttempts; attempt++ {
		if attempt > start {
			if err := f.clock.Sleep(ctx, f.cfg.AttemptDelay); err != nil {
				return Result{}, err
			}
		}
		radius := f.radius(attempt)
		cands, err := f.search(ctx, q, radius, exclude, limit)
		if err != nil {
			observability.CandidateSearches.WithLabelValues("error").Inc()
			return Result{}, err
		}
		f.logger.Debug("candidate search attempt", "attempt", attempt, "radius_km", radius, "found", len(cands))
		if len(cands) > 0 {
			if limit > 0 && len(cands) > limit {
				cands = cands[:limit]
			}
			observability.CandidateSearches.WithLabelValues("found").Inc()
			return Result{Candidates: cands, RadiusKm: radius, Attempt: attempt}, nil
		}
	}
	observability.CandidateSearches.WithLabelValues("empty").Inc()
	return Result{}, ErrNoCandidates
}

// Demand maps available supply inside the first radius to a demand level.
func (f *Finder) Demand(ctx context.Context, p types.Point) (pricing.DemandLevel, error) {
	enough := max(f.cfg.DemandExtremeBelow, f.cfg.DemandHighBelow, f.cfg.DemandLowAbove+1)
	cands, err := f.search(ctx, Query{Origin: p}, f.radius(0), nil, enough)
	if err != nil {
		return pricing.DemandNormal, err
	}
	n := len(cands)
	switch {
	case n < f.cfg.DemandExtremeBelow:
		return pricing.DemandExtreme, nil
	case n < f.cfg.DemandHighBelow:
		return pricing.DemandHigh, nil
	case f.cfg.DemandLowAbove > 0 && n > f.cfg.DemandLowAbove:
		return pricing.DemandLow, nil
	default:
		return pricing.DemandNormal, nil
	}
}

func (f *Finder) radius(attempt int) float64 {
	if attempt < len(f.cfg.RadiiKm) {
		return f.cfg.RadiiKm[attempt]
	}
	return f.cfg.RadiiKm[len(f.cfg.RadiiKm)-1]
}

// search returns eligible workers inside radiusKm, nearest first. GEO hits are fetched in
// growing pages until want eligible workers are found or the radius holds no more hits;
// want <= 0 reads the whole radius.
func (f *Finder) search(ctx context.Context, q Query, radiusKm float64, exclude map[types.ID]struct{}, want int) ([]Candidate, error) {
	fetch := 0
	if want > 0 {
		fetch = max(nearbyFetchFloor, want*4)
	}
	for {
		hits, err := f.index.Nearby(ctx, q.Origin, radiusKm, fetch)
		if err != nil {
			return nil, err
		}
		out, err := f.eligible(ctx, q, hits, exclude)
		if err != nil {
			return nil, err
		}
		if fetch == 0 || len(out) >= want || len(hits) < fetch {
			return out, nil
		}
		fetch *= 4
		if fetch > nearbyFetchCeiling {
			fetch = 0
		}
	}
}

func (f *Finder) eligible(ctx context.Context, q Query, hits []location.Nearby, exclude map[types.ID]struct{}) ([]Candidate, error) {
	ids := make([]types.ID, 0, len(hits))
	for _, h := range hits {
		if _, skip := exclude[h.WorkerID]; !skip {
			ids = append(ids, h.WorkerID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := f.avail.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	var live map[types.ID]bool
	if f.presence != nil {
		if live, err = f.presence.Online(ctx, ids); err != nil {
			return nil, err
		}
	}

	out := make([]Candidate, 0, len(ids))
	for _, h := range hits {
		if _, skip := exclude[h.WorkerID]; skip {
			continue
		}
		w, ok := rows[h.WorkerID]
		if !ok || !w.Available || w.AssignedRequestID != nil {
			continue
		}
		if q.VehicleClass != "" && w.VehicleClass != q.VehicleClass {
			continue
		}
		if q.Category != "" && w.Category != q.Category {
			continue
		}
		if live != nil && !live[h.WorkerID] {
			continue
		}
		out = append(out, Candidate{
			WorkerID:     w.WorkerID,
			DistanceKm:   h.DistanceKm,
			VehicleClass: w.VehicleClass,
			Category:     w.Category,
			PushToken:    w.PushToken,
		})
	}
	return out, nil
}
