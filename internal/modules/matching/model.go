// README: Candidate search query, results and finder errors.
package matching

import (
	"errors"

	"dispatchd/internal/types"
)

var ErrNoCandidates = errors.New("no candidates found")

// Candidate is an available worker inside the search radius.
type Candidate struct {
	WorkerID     types.ID
	DistanceKm   float64
	VehicleClass string
	Category     string
	PushToken    string
}

type Query struct {
	Origin       types.Point
	VehicleClass string
	// Category is optional; empty matches every category.
	Category string
	Exclude  []types.ID
	// StartAttempt skips the first radii; later dispatch rounds start wider.
	StartAttempt int
	Limit        int
}

type Result struct {
	Candidates []Candidate
	RadiusKm   float64
	Attempt    int
}

// GEO hits are read in pages starting at nearbyFetchFloor; past nearbyFetchCeiling the
// whole radius is read in one query.
const (
	nearbyFetchFloor   = 50
	nearbyFetchCeiling = 5000
)
