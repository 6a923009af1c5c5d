package location

import (
	"context"
	"testing"

	"dispatchd/internal/testutil"
	"dispatchd/internal/types"
)

func TestRedisGeo_NearbyOrdersByDistance(t *testing.T) {
	_, client := testutil.Redis(t)
	geo := NewRedisGeo(client)
	ctx := context.Background()

	origin := types.Point{Lat: 25.0330, Lng: 121.5654}
	points := map[types.ID]types.Point{
		"near": {Lat: 25.0340, Lng: 121.5660},
		"mid":  {Lat: 25.0450, Lng: 121.5654},
		"far":  {Lat: 25.1330, Lng: 121.5654},
	}
	for id, p := range points {
		if err := geo.Track(ctx, id, p); err != nil {
			t.Fatalf("track %s: %v", id, err)
		}
	}

	got, err := geo.Nearby(ctx, origin, 3, 10)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if len(got) != 2 || got[0].WorkerID != "near" || got[1].WorkerID != "mid" {
		t.Fatalf("unexpected result %+v", got)
	}
	if got[0].DistanceKm > got[1].DistanceKm {
		t.Fatalf("expected ascending distance, got %+v", got)
	}

	if err := geo.Untrack(ctx, "near"); err != nil {
		t.Fatalf("untrack: %v", err)
	}
	got, _ = geo.Nearby(ctx, origin, 3, 10)
	if len(got) != 1 || got[0].WorkerID != "mid" {
		t.Fatalf("expected only mid after untrack, got %+v", got)
	}
}

func TestRedisGeo_NearbyLimit(t *testing.T) {
	_, client := testutil.Redis(t)
	geo := NewRedisGeo(client)
	ctx := context.Background()
	origin := types.Point{Lat: 25.0330, Lng: 121.5654}
	for i, id := range []types.ID{"a", "b", "c"} {
		_ = geo.Track(ctx, id, types.Point{Lat: origin.Lat + float64(i+1)*0.001, Lng: origin.Lng})
	}
	got, err := geo.Nearby(ctx, origin, 5, 2)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if len(got) != 2 || got[0].WorkerID != "a" || got[1].WorkerID != "b" {
		t.Fatalf("unexpected result %+v", got)
	}
}

func TestMemoryStore_NearbyMatchesRadius(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	origin := types.Point{Lat: 25.0330, Lng: 121.5654}
	_ = m.Track(ctx, "b", types.Point{Lat: 25.0450, Lng: 121.5654})
	_ = m.Track(ctx, "a", types.Point{Lat: 25.0340, Lng: 121.5660})
	_ = m.Track(ctx, "z", types.Point{Lat: 25.2, Lng: 121.5654})

	got, _ := m.Nearby(ctx, origin, 3, 0)
	if len(got) != 2 || got[0].WorkerID != "a" || got[1].WorkerID != "b" {
		t.Fatalf("unexpected result %+v", got)
	}
}
