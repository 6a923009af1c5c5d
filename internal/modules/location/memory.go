// README: In-memory worker index and availability store for tests and single-node runs.
package location

import (
	"context"
	"sort"
	"sync"
	"time"

	"dispatchd/internal/types"
)

// MemoryStore implements both the GEO index and the availability store.
type MemoryStore struct {
	mu        sync.Mutex
	workers   map[types.ID]WorkerAvailability
	tracked   map[types.ID]types.Point
	snapshots []Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workers: make(map[types.ID]WorkerAvailability),
		tracked: make(map[types.ID]types.Point),
	}
}

func (m *MemoryStore) Track(_ context.Context, id types.ID, p types.Point) error {
	m.mu.Lock()
	m.tracked[id] = p
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Untrack(_ context.Context, id types.ID) error {
	m.mu.Lock()
	delete(m.tracked, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Nearby(_ context.Context, p types.Point, radiusKm float64, limit int) ([]Nearby, error) {
	m.mu.Lock()
	out := withinRadius(m.tracked, p, radiusKm)
	m.mu.Unlock()
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Register(_ context.Context, p Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.workers[p.WorkerID]
	w.WorkerID = p.WorkerID
	w.VehicleClass = p.VehicleClass
	w.Category = p.Category
	w.PushToken = p.PushToken
	m.workers[p.WorkerID] = w
	return nil
}

func (m *MemoryStore) SetAvailability(_ context.Context, id types.ID, available bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return ErrWorkerNotFound
	}
	if available && w.AssignedRequestID != nil {
		return ErrWorkerBusy
	}
	w.Online = available
	w.Available = available
	m.workers[id] = w
	return nil
}

func (m *MemoryStore) UpdatePosition(_ context.Context, id types.ID, p types.Point, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return false, ErrWorkerNotFound
	}
	if !w.LocationUpdatedAt.IsZero() && !at.After(w.LocationUpdatedAt) {
		return false, ErrStaleSample
	}
	w.Position = p
	w.LocationUpdatedAt = at
	m.workers[id] = w
	return w.Available, nil
}

func (m *MemoryStore) Reserve(_ context.Context, workerID, requestID types.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[workerID]
	if !ok || !w.Online || !w.Available || w.AssignedRequestID != nil {
		return false, nil
	}
	w.AssignedRequestID = requestID.Ptr()
	w.Available = false
	m.workers[workerID] = w
	return true, nil
}

func (m *MemoryStore) Release(_ context.Context, workerID, requestID types.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[workerID]
	if !ok || w.AssignedRequestID == nil || *w.AssignedRequestID != requestID {
		return nil
	}
	w.AssignedRequestID = nil
	w.Available = w.Online
	m.workers[workerID] = w
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id types.ID) (WorkerAvailability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return WorkerAvailability{}, ErrWorkerNotFound
	}
	return w, nil
}

func (m *MemoryStore) GetMany(_ context.Context, ids []types.ID) (map[types.ID]WorkerAvailability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[types.ID]WorkerAvailability, len(ids))
	for _, id := range ids {
		if w, ok := m.workers[id]; ok {
			out[id] = w
		}
	}
	return out, nil
}

func (m *MemoryStore) AudienceTokens(_ context.Context, vehicleClass string) ([]WorkerToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []WorkerToken
	for id, w := range m.workers {
		if w.PushToken == "" || (vehicleClass != "" && w.VehicleClass != vehicleClass) {
			continue
		}
		out = append(out, WorkerToken{WorkerID: id, PushToken: w.PushToken})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

func (m *MemoryStore) AppendSnapshot(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	snap.ID = int64(len(m.snapshots) + 1)
	m.snapshots = append(m.snapshots, snap)
	m.mu.Unlock()
	return nil
}

// Snapshots returns a copy of the recorded history.
func (m *MemoryStore) Snapshots() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Snapshot(nil), m.snapshots...)
}
