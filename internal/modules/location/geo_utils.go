// README: Radius filtering and nearest-first ordering for the in-memory index.
package location

import (
	"cmp"
	"slices"

	"dispatchd/internal/types"
)

// withinRadius returns entries no farther than radiusKm from origin, nearest first.
func withinRadius(points map[types.ID]types.Point, origin types.Point, radiusKm float64) []Nearby {
	out := make([]Nearby, 0, len(points))
	for id, p := range points {
		if d := origin.DistanceKm(p); d <= radiusKm {
			out = append(out, Nearby{WorkerID: id, DistanceKm: d})
		}
	}
	sortByDistance(out, func(n Nearby) float64 { return n.DistanceKm })
	return out
}

// sortByDistance orders items by dist, breaking ties by insertion order.
func sortByDistance[T any](items []T, dist func(T) float64) {
	slices.SortStableFunc(items, func(a, b T) int { return cmp.Compare(dist(a), dist(b)) })
}
