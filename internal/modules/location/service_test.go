package location

import (
	"context"
	"errors"
	"testing"
	"time"

	"dispatchd/internal/clock"
	"dispatchd/internal/config"
	"dispatchd/internal/types"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *MemoryStore, *clock.Fake) {
	t.Helper()
	store := NewMemoryStore()
	clk := clock.NewFake(t0)
	cfg := config.LocationConfig{Debounce: 3 * time.Second, MinMoveMeters: 25, SnapshotInterval: time.Minute}
	return NewService(store, store, clk, cfg, nil), store, clk
}

func goOnline(t *testing.T, svc *Service, id types.ID, p types.Point) {
	t.Helper()
	_, err := svc.GoOnline(context.Background(), OnlineCommand{
		Profile:  Profile{WorkerID: id, VehicleClass: "sedan", PushToken: "tok-" + string(id)},
		Position: &p,
	})
	if err != nil {
		t.Fatalf("go online: %v", err)
	}
}

func TestService_GoOnlineTracksPosition(t *testing.T) {
	svc, store, _ := newTestService(t)
	p := types.Point{Lat: 25.033, Lng: 121.565}
	goOnline(t, svc, "w1", p)

	w, err := store.Get(context.Background(), "w1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !w.Available || w.Position != p {
		t.Fatalf("unexpected availability %+v", w)
	}
	near, _ := store.Nearby(context.Background(), p, 1, 0)
	if len(near) != 1 {
		t.Fatalf("expected worker in index, got %+v", near)
	}

	if err := svc.GoOffline(context.Background(), "w1"); err != nil {
		t.Fatalf("go offline: %v", err)
	}
	near, _ = store.Nearby(context.Background(), p, 1, 0)
	if len(near) != 0 {
		t.Fatalf("expected worker removed from index, got %+v", near)
	}
}

func TestService_GoOnlineRejectsBusyWorker(t *testing.T) {
	svc, store, _ := newTestService(t)
	goOnline(t, svc, "w1", types.Point{Lat: 25.033, Lng: 121.565})
	if ok, _ := store.Reserve(context.Background(), "w1", "r1"); !ok {
		t.Fatal("expected reservation")
	}
	_, err := svc.GoOnline(context.Background(), OnlineCommand{Profile: Profile{WorkerID: "w1", VehicleClass: "sedan"}})
	if !errors.Is(err, ErrWorkerBusy) {
		t.Fatalf("expected ErrWorkerBusy, got %v", err)
	}
}

func TestService_OfflineDuringTripStaysOfflineAfterRelease(t *testing.T) {
	svc, store, clk := newTestService(t)
	ctx := context.Background()
	p := types.Point{Lat: 25.033, Lng: 121.565}
	goOnline(t, svc, "w1", p)
	if ok, _ := store.Reserve(ctx, "w1", "r1"); !ok {
		t.Fatal("expected reservation")
	}
	if err := svc.GoOffline(ctx, "w1"); err != nil {
		t.Fatalf("go offline: %v", err)
	}
	if err := store.Release(ctx, "w1", "r1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	w, _ := store.Get(ctx, "w1")
	if w.Online || w.Available || w.AssignedRequestID != nil {
		t.Fatalf("offline worker came back after release: %+v", w)
	}

	clk.Advance(10 * time.Second)
	if _, err := svc.Ingest(ctx, Update{WorkerID: "w1", Position: types.Point{Lat: 25.034, Lng: 121.565}}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if near, _ := store.Nearby(ctx, p, 1, 0); len(near) != 0 {
		t.Fatalf("offline worker re-indexed: %+v", near)
	}
}

func TestService_ReleaseRestoresOnlineWorker(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	goOnline(t, svc, "w1", types.Point{Lat: 25.033, Lng: 121.565})
	if ok, _ := store.Reserve(ctx, "w1", "r1"); !ok {
		t.Fatal("expected reservation")
	}
	if err := store.Release(ctx, "w1", "r1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if w, _ := store.Get(ctx, "w1"); !w.Online || !w.Available {
		t.Fatalf("online worker not restored: %+v", w)
	}
}

func TestService_GoOfflineForgetsDebounceState(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	goOnline(t, svc, "w1", types.Point{Lat: 25.033, Lng: 121.565})
	goOnline(t, svc, "w2", types.Point{Lat: 25.040, Lng: 121.565})
	if n := svc.tracked(); n != 2 {
		t.Fatalf("tracked %d workers, want 2", n)
	}
	if err := svc.GoOffline(ctx, "w1"); err != nil {
		t.Fatalf("go offline: %v", err)
	}
	if n := svc.tracked(); n != 1 {
		t.Fatalf("tracked %d workers after offline, want 1", n)
	}
	svc.mu.Lock()
	_, snap := svc.lastSnap["w1"]
	svc.mu.Unlock()
	if snap {
		t.Fatal("snapshot state kept for offline worker")
	}
}

func TestService_IngestDebounce(t *testing.T) {
	svc, store, clk := newTestService(t)
	ctx := context.Background()
	start := types.Point{Lat: 25.0330, Lng: 121.5650}
	goOnline(t, svc, "w1", start)

	tests := []struct {
		name    string
		advance time.Duration
		pos     types.Point
		want    IngestResult
	}{
		{name: "too soon and barely moved", advance: time.Second, pos: types.Point{Lat: 25.03301, Lng: 121.5650}, want: IngestDebounced},
		{name: "too soon but moved far", advance: time.Second, pos: types.Point{Lat: 25.0340, Lng: 121.5650}, want: IngestApplied},
		{name: "interval elapsed", advance: 4 * time.Second, pos: types.Point{Lat: 25.03401, Lng: 121.5650}, want: IngestApplied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk.Advance(tt.advance)
			got, err := svc.Ingest(ctx, Update{WorkerID: "w1", Position: tt.pos})
			if err != nil {
				t.Fatalf("ingest: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %s, want %s", got, tt.want)
			}
		})
	}

	w, _ := store.Get(ctx, "w1")
	if w.Position != (types.Point{Lat: 25.03401, Lng: 121.5650}) {
		t.Fatalf("unexpected stored position %+v", w.Position)
	}
}

func TestService_IngestDropsOutOfOrder(t *testing.T) {
	svc, store, clk := newTestService(t)
	ctx := context.Background()
	goOnline(t, svc, "w1", types.Point{Lat: 25.033, Lng: 121.565})
	clk.Advance(10 * time.Second)

	newer := Update{WorkerID: "w1", Position: types.Point{Lat: 25.040, Lng: 121.565}, RecordedAt: clk.Now()}
	older := Update{WorkerID: "w1", Position: types.Point{Lat: 25.050, Lng: 121.565}, RecordedAt: clk.Now().Add(-5 * time.Second)}

	if res, err := svc.Ingest(ctx, newer); err != nil || res != IngestApplied {
		t.Fatalf("newer sample: %s %v", res, err)
	}
	if res, err := svc.Ingest(ctx, older); err != nil || res != IngestStale {
		t.Fatalf("older sample: %s %v", res, err)
	}
	w, _ := store.Get(ctx, "w1")
	if w.Position != newer.Position {
		t.Fatalf("stale sample overwrote position: %+v", w.Position)
	}
}

func TestService_IngestValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.Ingest(context.Background(), Update{WorkerID: "w1"}); !errors.Is(err, ErrBadSample) {
		t.Fatalf("expected ErrBadSample, got %v", err)
	}
	_, err := svc.Ingest(context.Background(), Update{WorkerID: "ghost", Position: types.Point{Lat: 25, Lng: 121}})
	if !errors.Is(err, ErrWorkerNotFound) {
		t.Fatalf("expected ErrWorkerNotFound, got %v", err)
	}
}

func TestService_AssignedWorkerNotReindexed(t *testing.T) {
	svc, store, clk := newTestService(t)
	ctx := context.Background()
	p := types.Point{Lat: 25.033, Lng: 121.565}
	goOnline(t, svc, "w1", p)
	_, _ = store.Reserve(ctx, "w1", "r1")
	_ = store.Untrack(ctx, "w1")

	clk.Advance(10 * time.Second)
	if _, err := svc.Ingest(ctx, Update{WorkerID: "w1", Position: types.Point{Lat: 25.04, Lng: 121.565}}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if near, _ := store.Nearby(ctx, p, 5, 0); len(near) != 0 {
		t.Fatalf("assigned worker should not be indexed, got %+v", near)
	}
}

func TestService_SnapshotInterval(t *testing.T) {
	svc, store, clk := newTestService(t)
	ctx := context.Background()
	goOnline(t, svc, "w1", types.Point{Lat: 25.033, Lng: 121.565})

	for i := 1; i <= 6; i++ {
		clk.Advance(15 * time.Second)
		_, _ = svc.Ingest(ctx, Update{WorkerID: "w1", Position: types.Point{Lat: 25.033 + float64(i)*0.001, Lng: 121.565}})
	}
	// online at t0, then samples at +15s..+90s: snapshots at t0 and +60s.
	if got := len(store.Snapshots()); got != 2 {
		t.Fatalf("expected 2 snapshots, got %d", got)
	}
}
