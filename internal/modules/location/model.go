// README: Worker availability rows, location samples and history snapshots.
package location

import (
	"errors"
	"time"

	"dispatchd/internal/types"
)

var (
	ErrWorkerNotFound = errors.New("worker not found")
	ErrWorkerBusy     = errors.New("worker has an active assignment")
	ErrStaleSample    = errors.New("location sample older than the stored position")
	ErrBadSample      = errors.New("invalid location sample")
)

// WorkerAvailability is the dispatchable state of one worker. Online is the worker's own
// toggle; Available is Online with no assignment.
type WorkerAvailability struct {
	WorkerID          types.ID    `json:"worker_id"`
	Position          types.Point `json:"position"`
	LocationUpdatedAt time.Time   `json:"location_updated_at"`
	Online            bool        `json:"online"`
	Available         bool        `json:"available"`
	AssignedRequestID *types.ID   `json:"assigned_request_id,omitempty"`
	VehicleClass      string      `json:"vehicle_class"`
	Category          string      `json:"category"`
	PushToken         string      `json:"-"`
}

func (w WorkerAvailability) HasPosition() bool {
	return !w.LocationUpdatedAt.IsZero() && w.Position.Valid()
}

// Profile is the registration data a worker supplies when going online.
type Profile struct {
	WorkerID     types.ID
	VehicleClass string
	Category     string
	PushToken    string
}

// Update is one location sample, also the Kafka message body.
type Update struct {
	WorkerID   types.ID    `json:"worker_id"`
	Position   types.Point `json:"position"`
	RecordedAt time.Time   `json:"recorded_at"`
}

type Nearby struct {
	WorkerID   types.ID
	DistanceKm float64
}

type Snapshot struct {
	ID         int64
	WorkerID   types.ID
	Position   types.Point
	RecordedAt time.Time
}

// WorkerToken pairs a worker with its push token for audience fan-out.
type WorkerToken struct {
	WorkerID  types.ID
	PushToken string
}

type IngestResult string

const (
	IngestApplied   IngestResult = "applied"
	IngestDebounced IngestResult = "debounced"
	IngestStale     IngestResult = "stale"
)
