package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"dispatchd/internal/clock"
	"dispatchd/internal/config"
	"dispatchd/internal/modules/location"
	"dispatchd/internal/modules/matching"
	"dispatchd/internal/modules/pricing"
	"dispatchd/internal/types"
)

var origin = types.Point{Lat: 25.0330, Lng: 121.5654}

type stubPricer struct {
	err error
}

func (p stubPricer) Estimate(_ context.Context, cmd pricing.EstimateCommand) (pricing.Quote, error) {
	if p.err != nil {
		return pricing.Quote{}, p.err
	}
	return pricing.Quote{
		Breakdown: pricing.FareBreakdown{
			VehicleClass: cmd.VehicleClass,
			Currency:     "TWD",
			DistanceKm:   5,
			DurationMin:  12,
			Total:        197,
		},
		Route:       pricing.RouteMetrics{DistanceKm: 5, DurationMin: 12},
		RouteSource: pricing.RouteSourceStraightLine,
	}, nil
}

// Reconcile charges 85 flag fall plus 15 per km.
func (stubPricer) Reconcile(q pricing.Quote, actual pricing.RouteMetrics) pricing.FareBreakdown {
	b := q.Breakdown
	b.DistanceKm = actual.DistanceKm
	b.DurationMin = actual.DurationMin
	b.Total = 85 + 15*actual.DistanceKm
	return b
}

type notice struct {
	kind    string
	worker  types.ID
	event   string
	data    map[string]string
	outcome OfferOutcome
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []notice
	// onOffer runs after an offer is recorded, outside the lock.
	onOffer     func(r *Request, o OfferAttempt)
	unreachable map[types.ID]bool
}

func (n *recordingNotifier) Offer(_ context.Context, r *Request, o OfferAttempt, _ matching.Candidate) error {
	n.mu.Lock()
	n.notices = append(n.notices, notice{kind: "offer", worker: o.WorkerID, outcome: o.Outcome})
	hook := n.onOffer
	fail := n.unreachable[o.WorkerID]
	n.mu.Unlock()
	if fail {
		return errors.New("worker unreachable")
	}
	if hook != nil {
		hook(r, o)
	}
	return nil
}

func (n *recordingNotifier) OfferClosed(_ context.Context, _ *Request, o OfferAttempt) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice{kind: "offer_closed", worker: o.WorkerID, outcome: o.Outcome})
	return nil
}

func (n *recordingNotifier) Requester(_ context.Context, _ *Request, event string, data map[string]string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice{kind: "requester", event: event, data: data})
	return nil
}

func (n *recordingNotifier) Worker(_ context.Context, _ *Request, workerID types.ID, event string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice{kind: "worker", worker: workerID, event: event})
	return nil
}

func (n *recordingNotifier) of(kind string) []notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notice
	for _, x := range n.notices {
		if x.kind == kind {
			out = append(out, x)
		}
	}
	return out
}

func (n *recordingNotifier) requesterEvent(event string) (notice, bool) {
	for _, x := range n.of("requester") {
		if x.event == event {
			return x, true
		}
	}
	return notice{}, false
}

func (n *recordingNotifier) offeredWorkers() []types.ID {
	var out []types.ID
	for _, x := range n.of("offer") {
		out = append(out, x.worker)
	}
	return out
}

type testEnv struct {
	svc      *Service
	repo     *MemoryStore
	workers  *location.MemoryStore
	notifier *recordingNotifier
	clock    *clock.Fake
}

func testDispatchConfig() config.DispatchConfig {
	return config.DispatchConfig{
		MaxRounds:       3,
		RoundTimeout:    20 * time.Second,
		OfferTTL:        20 * time.Second,
		PollInterval:    500 * time.Millisecond,
		Workers:         1,
		QueueSize:       64,
		OTPTTL:          10 * time.Minute,
		ExhaustedPolicy: PolicyKeepPending,
	}
}

func testMatchingConfig() config.MatchingConfig {
	return config.MatchingConfig{
		RadiiKm:       []float64{2, 4, 6},
		MaxAttempts:   3,
		AttemptDelay:  3 * time.Second,
		MaxCandidates: 5,
	}
}

func newEnv(t *testing.T, cfg config.DispatchConfig) *testEnv {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC))
	workers := location.NewMemoryStore()
	env := &testEnv{
		repo:     NewMemoryStore(),
		workers:  workers,
		notifier: &recordingNotifier{},
		clock:    clk,
	}
	env.svc = NewService(ServiceDeps{
		Repo:     env.repo,
		Pricing:  stubPricer{},
		Finder:   matching.NewFinder(workers, workers, clk, testMatchingConfig(), nil),
		Workers:  workers,
		Notifier: env.notifier,
		Clock:    clk,
	}, cfg).WithOTP(func() (string, error) { return "1234", nil }, bcrypt.MinCost)
	return env
}

// addWorker puts an available sedan driver distKm north of origin.
func (e *testEnv) addWorker(t *testing.T, id types.ID, distKm float64) {
	t.Helper()
	ctx := context.Background()
	p := types.Point{Lat: origin.Lat + distKm/111.0, Lng: origin.Lng}
	if err := e.workers.Register(ctx, location.Profile{WorkerID: id, VehicleClass: "sedan", PushToken: "tok-" + string(id)}); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	if err := e.workers.SetAvailability(ctx, id, true); err != nil {
		t.Fatalf("available %s: %v", id, err)
	}
	if _, err := e.workers.UpdatePosition(ctx, id, p, e.clock.Now()); err != nil {
		t.Fatalf("position %s: %v", id, err)
	}
	if err := e.workers.Track(ctx, id, p); err != nil {
		t.Fatalf("track %s: %v", id, err)
	}
}

func (e *testEnv) create(t *testing.T, requester types.ID) *Request {
	t.Helper()
	r, err := e.svc.Create(context.Background(), CreateCommand{
		RequesterID:    requester,
		RequesterToken: "req-token",
		Pickup:         types.Place{Point: origin, Address: "Taipei 101"},
		Drop:           types.Place{Point: types.Point{Lat: 25.0478, Lng: 121.5170}, Address: "Taipei Main Station"},
		VehicleClass:   "sedan",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return r
}

// offer opens round 1 of r to the given workers without running the orchestrator.
func (e *testEnv) offer(t *testing.T, r *Request, workers ...types.ID) *Request {
	t.Helper()
	ctx := context.Background()
	now := e.clock.Now()
	offers := make([]OfferAttempt, len(workers))
	for i, w := range workers {
		offers[i] = OfferAttempt{
			ID:        types.NewID(),
			RequestID: r.ID,
			WorkerID:  w,
			Round:     1,
			RadiusKm:  2,
			SentAt:    now,
			ExpiresAt: now.Add(e.svc.cfg.OfferTTL),
			Outcome:   OfferPending,
		}
	}
	if err := e.repo.CreateOffers(ctx, offers); err != nil {
		t.Fatalf("create offers: %v", err)
	}
	offered, err := e.svc.apply(ctx, r, StatusOffered, ActorSystem, nil, "", func(u *Update) {
		u.DispatchRound = types.Ptr(1)
	})
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	return offered
}

// assigned creates a request and has w accept it.
func (e *testEnv) assigned(t *testing.T, requester, w types.ID) *Request {
	t.Helper()
	r := e.offer(t, e.create(t, requester), w)
	res, err := e.svc.RespondToOffer(context.Background(), RespondCommand{RequestID: r.ID, WorkerID: w, Action: ActionAccept})
	if err != nil || res.Outcome != OutcomeAssigned {
		t.Fatalf("accept: outcome=%q err=%v", res.Outcome, err)
	}
	return e.get(t, r.ID)
}

func (e *testEnv) get(t *testing.T, id types.ID) *Request {
	t.Helper()
	r, err := e.repo.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return r
}

func (e *testEnv) worker(t *testing.T, id types.ID) location.WorkerAvailability {
	t.Helper()
	w, err := e.workers.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("worker %s: %v", id, err)
	}
	return w
}

func (e *testEnv) offerOutcome(t *testing.T, requestID, workerID types.ID) OfferOutcome {
	t.Helper()
	o, err := e.repo.LatestOffer(context.Background(), requestID, workerID)
	if err != nil {
		t.Fatalf("latest offer %s: %v", workerID, err)
	}
	return o.Outcome
}

func statuses(events []Event) []Status {
	out := make([]Status, len(events))
	for i, e := range events {
		out[i] = e.ToStatus
	}
	return out
}
