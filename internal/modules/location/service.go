// README: Location service: online/offline, debounced position ingestion and history snapshots.
package location

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"dispatchd/internal/clock"
	"dispatchd/internal/config"
	"dispatchd/internal/logging"
	"dispatchd/internal/observability"
	"dispatchd/internal/types"
)

type GeoIndex interface {
	Track(ctx context.Context, id types.ID, p types.Point) error
	Untrack(ctx context.Context, id types.ID) error
	Nearby(ctx context.Context, p types.Point, radiusKm float64, limit int) ([]Nearby, error)
}

type AvailabilityStore interface {
	Register(ctx context.Context, p Profile) error
	SetAvailability(ctx context.Context, id types.ID, available bool) error
	UpdatePosition(ctx context.Context, id types.ID, p types.Point, at time.Time) (bool, error)
	Get(ctx context.Context, id types.ID) (WorkerAvailability, error)
	AppendSnapshot(ctx context.Context, snap Snapshot) error
}

type Service struct {
	geo    GeoIndex
	store  AvailabilityStore
	clock  clock.Clock
	cfg    config.LocationConfig
	logger *slog.Logger

	mu       sync.Mutex
	last     map[types.ID]Update
	lastSnap map[types.ID]time.Time
}

func NewService(geo GeoIndex, store AvailabilityStore, clk clock.Clock, cfg config.LocationConfig, logger *slog.Logger) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Service{
		geo:      geo,
		store:    store,
		clock:    clk,
		cfg:      cfg,
		logger:   logging.OrDiscard(logger),
		last:     make(map[types.ID]Update),
		lastSnap: make(map[types.ID]time.Time),
	}
}

type OnlineCommand struct {
	Profile
	Position *types.Point
}

// GoOnline registers the worker, marks it available and indexes its last known position.
func (s *Service) GoOnline(ctx context.Context, cmd OnlineCommand) (WorkerAvailability, error) {
	if cmd.WorkerID == "" || cmd.VehicleClass == "" {
		return WorkerAvailability{}, ErrBadSample
	}
	if err := s.store.Register(ctx, cmd.Profile); err != nil {
		return WorkerAvailability{}, err
	}
	if err := s.store.SetAvailability(ctx, cmd.WorkerID, true); err != nil {
		return WorkerAvailability{}, err
	}
	if cmd.Position != nil {
		if _, err := s.Ingest(ctx, Update{WorkerID: cmd.WorkerID, Position: *cmd.Position}); err != nil && !errors.Is(err, ErrStaleSample) {
			return WorkerAvailability{}, err
		}
	}
	w, err := s.store.Get(ctx, cmd.WorkerID)
	if err != nil {
		return WorkerAvailability{}, err
	}
	if w.HasPosition() {
		if err := s.geo.Track(ctx, w.WorkerID, w.Position); err != nil {
			return w, err
		}
	}
	return w, nil
}

// GoOffline clears availability, drops the worker from the index and forgets its debounce state.
func (s *Service) GoOffline(ctx context.Context, id types.ID) error {
	if err := s.store.SetAvailability(ctx, id, false); err != nil {
		return err
	}
	s.forget(id)
	return s.geo.Untrack(ctx, id)
}

func (s *Service) forget(id types.ID) {
	s.mu.Lock()
	delete(s.last, id)
	delete(s.lastSnap, id)
	s.mu.Unlock()
}

// tracked reports how many workers hold debounce state.
func (s *Service) tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.last)
}

// Ingest applies one sample. Samples arriving faster than the debounce interval are
// dropped unless the worker moved more than MinMoveMeters; older samples are dropped.
func (s *Service) Ingest(ctx context.Context, u Update) (IngestResult, error) {
	if u.WorkerID == "" || !u.Position.Valid() {
		observability.LocationUpdates.WithLabelValues("invalid").Inc()
		return "", ErrBadSample
	}
	if u.RecordedAt.IsZero() {
		u.RecordedAt = s.clock.Now()
	}

	s.mu.Lock()
	prev, seen := s.last[u.WorkerID]
	if seen {
		if !u.RecordedAt.After(prev.RecordedAt) {
			s.mu.Unlock()
			observability.LocationUpdates.WithLabelValues(string(IngestStale)).Inc()
			return IngestStale, nil
		}
		movedM := prev.Position.DistanceKm(u.Position) * 1000
		if u.RecordedAt.Sub(prev.RecordedAt) < s.cfg.Debounce && movedM <= s.cfg.MinMoveMeters {
			s.mu.Unlock()
			observability.LocationUpdates.WithLabelValues(string(IngestDebounced)).Inc()
			return IngestDebounced, nil
		}
	}
	s.last[u.WorkerID] = u
	s.mu.Unlock()

	available, err := s.store.UpdatePosition(ctx, u.WorkerID, u.Position, u.RecordedAt)
	if errors.Is(err, ErrStaleSample) {
		observability.LocationUpdates.WithLabelValues(string(IngestStale)).Inc()
		return IngestStale, nil
	}
	if err != nil {
		return "", err
	}
	if available {
		if err := s.geo.Track(ctx, u.WorkerID, u.Position); err != nil {
			return "", err
		}
	}
	s.maybeSnapshot(ctx, u)
	observability.LocationUpdates.WithLabelValues(string(IngestApplied)).Inc()
	return IngestApplied, nil
}

func (s *Service) maybeSnapshot(ctx context.Context, u Update) {
	s.mu.Lock()
	lastAt, ok := s.lastSnap[u.WorkerID]
	due := !ok || u.RecordedAt.Sub(lastAt) >= s.cfg.SnapshotInterval
	if due {
		s.lastSnap[u.WorkerID] = u.RecordedAt
	}
	s.mu.Unlock()
	if !due {
		return
	}
	snap := Snapshot{WorkerID: u.WorkerID, Position: u.Position, RecordedAt: u.RecordedAt}
	if err := s.store.AppendSnapshot(ctx, snap); err != nil {
		s.logger.Warn("location snapshot failed", "worker_id", u.WorkerID, "err", err)
	}
}
