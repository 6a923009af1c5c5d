package dispatch

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"dispatchd/internal/modules/location"
	"dispatchd/internal/modules/pricing"
	"dispatchd/internal/types"
)

func TestCreate_Validation(t *testing.T) {
	env := newEnv(t, testDispatchConfig())
	valid := func() CreateCommand {
		return CreateCommand{
			RequesterID:  "u1",
			Pickup:       types.Place{Point: origin},
			Drop:         types.Place{Point: types.Point{Lat: 25.0478, Lng: 121.5170}},
			VehicleClass: "sedan",
		}
	}
	tests := []struct {
		name  string
		edit  func(*CreateCommand)
		field string
	}{
		{"missing requester", func(c *CreateCommand) { c.RequesterID = "" }, "requester_id"},
		{"unknown kind", func(c *CreateCommand) { c.Kind = "freight" }, "kind"},
		{"null island pickup", func(c *CreateCommand) { c.Pickup = types.Place{} }, "pickup"},
		{"drop out of range", func(c *CreateCommand) { c.Drop.Lat = 91 }, "drop"},
		{"missing vehicle class", func(c *CreateCommand) { c.VehicleClass = "" }, "vehicle_class"},
		{"negative waiting", func(c *CreateCommand) { c.WaitingMin = -1 }, "duration"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := valid()
			tt.edit(&cmd)
			_, err := env.svc.Create(context.Background(), cmd)
			var ve *ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Fatalf("expected validation error on %s, got %v", tt.field, err)
			}
		})
	}
}

func TestCreate_QuotesAndQueuesDispatch(t *testing.T) {
	env := newEnv(t, testDispatchConfig())
	r := env.create(t, "u1")

	if r.Status != StatusSearching {
		t.Fatalf("expected searching, got %s", r.Status)
	}
	if r.Kind != KindRide || r.PaymentStatus != PaymentPendingExternal {
		t.Fatalf("unexpected defaults: kind=%s payment=%s", r.Kind, r.PaymentStatus)
	}
	if r.Quote.Breakdown.Total != 197 {
		t.Fatalf("expected quoted total 197, got %.2f", r.Quote.Breakdown.Total)
	}
	if got := len(env.svc.tasks); got != 1 {
		t.Fatalf("expected one queued dispatch, got %d", got)
	}
	events, err := env.svc.Events(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if got, want := statuses(events), []Status{StatusPending, StatusSearching}; !slices.Equal(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if events[0].FromStatus != StatusNone || events[0].ActorType != ActorUser {
		t.Fatalf("unexpected creation event %+v", events[0])
	}
}

func TestCreate_OneActiveRequestPerRequester(t *testing.T) {
	env := newEnv(t, testDispatchConfig())
	first := env.create(t, "u1")

	_, err := env.svc.Create(context.Background(), CreateCommand{
		RequesterID:  "u1",
		Pickup:       types.Place{Point: origin},
		Drop:         types.Place{Point: types.Point{Lat: 25.05, Lng: 121.52}},
		VehicleClass: "sedan",
	})
	if !errors.Is(err, ErrActiveRequest) {
		t.Fatalf("expected ErrActiveRequest, got %v", err)
	}

	if _, err := env.svc.Cancel(context.Background(), CancelCommand{
		RequestID: first.ID, Actor: ActorUser, ActorID: types.Ptr(types.ID("u1")), Reason: "changed plans",
	}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	env.create(t, "u1")
}

func TestCreate_PricingErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no rate profile", pricing.ErrNoRateProfile, pricing.ErrNoRateProfile},
		{"bad quote input", pricing.ErrBadRequest, ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newEnv(t, testDispatchConfig())
			env.svc.pricing = stubPricer{err: tt.err}
			_, err := env.svc.Create(context.Background(), CreateCommand{
				RequesterID:  "u1",
				Pickup:       types.Place{Point: origin},
				Drop:         types.Place{Point: types.Point{Lat: 25.05, Lng: 121.52}},
				VehicleClass: "truck",
			})
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestRespondToOffer_AcceptAssignsAndWithdrawsOthers(t *testing.T) {
	env := newEnv(t, testDispatchConfig())
	env.addWorker(t, "w1", 0.5)
	env.addWorker(t, "w2", 1.0)
	r := env.offer(t, env.create(t, "u1"), "w1", "w2")

	res, err := env.svc.RespondToOffer(context.Background(), RespondCommand{RequestID: r.ID, WorkerID: "w1", Action: ActionAccept})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if res.Outcome != OutcomeAssigned {
		t.Fatalf("expected assigned, got %s", res.Outcome)
	}

	got := env.get(t, r.ID)
	if got.Status != StatusAssigned || !got.AssignedTo("w1") || got.AssignedAt == nil {
		t.Fatalf("unexpected request %+v", got)
	}
	if w := env.worker(t, "w1"); w.AssignedRequestID == nil || *w.AssignedRequestID != r.ID || w.Available {
		t.Fatalf("w1 not reserved: %+v", w)
	}
	if o := env.offerOutcome(t, r.ID, "w1"); o != OfferAccepted {
		t.Fatalf("w1 offer = %s", o)
	}
	if o := env.offerOutcome(t, r.ID, "w2"); o != OfferWithdrawn {
		t.Fatalf("w2 offer = %s", o)
	}

	n, ok := env.notifier.requesterEvent(EventAssigned)
	if !ok || n.data["otp"] != "1234" || n.data["worker_id"] != "w1" {
		t.Fatalf("assigned notice missing or incomplete: %+v", n)
	}
	closed := env.notifier.of("offer_closed")
	if len(closed) != 1 || closed[0].worker != "w2" || closed[0].outcome != OfferWithdrawn {
		t.Fatalf("expected one withdrawn notice for w2, got %+v", closed)
	}
}

func TestRespondToOffer_SecondAcceptIsWithdrawn(t *testing.T) {
	env := newEnv(t, testDispatchConfig())
	env.addWorker(t, "w1", 0.5)
	env.addWorker(t, "w2", 1.0)
	r := env.offer(t, env.create(t, "u1"), "w1", "w2")
	ctx := context.Background()

	if _, err := env.svc.RespondToOffer(ctx, RespondCommand{RequestID: r.ID, WorkerID: "w1", Action: ActionAccept}); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	res, err := env.svc.RespondToOffer(ctx, RespondCommand{RequestID: r.ID, WorkerID: "w2", Action: ActionAccept})
	if err != nil {
		t.Fatalf("second accept: %v", err)
	}
	if res.Outcome != OutcomeOfferWithdrawn {
		t.Fatalf("expected offer_withdrawn, got %s", res.Outcome)
	}
	if w := env.worker(t, "w2"); w.AssignedRequestID != nil || !w.Available {
		t.Fatalf("w2 should stay free: %+v", w)
	}
	if err := env.svc.Accept(ctx, r.ID, "w2"); !errors.Is(err, ErrAssignmentConflict) {
		t.Fatalf("expected ErrAssignmentConflict from Accept, got %v", err)
	}
	if got := env.get(t, r.ID); !got.AssignedTo("w1") {
		t.Fatalf("assignment changed: %+v", got.WorkerID)
	}
}

func TestRespondToOffer_Reject(t *testing.T) {
	env := newEnv(t, testDispatchConfig())
	env.addWorker(t, "w1", 0.5)
	r := env.offer(t, env.create(t, "u1"), "w1")
	ctx := context.Background()

	res, err := env.svc.RespondToOffer(ctx, RespondCommand{RequestID: r.ID, WorkerID: "w1", Action: ActionReject})
	if err != nil || res.Outcome != OutcomeRejected {
		t.Fatalf("reject: outcome=%s err=%v", res.Outcome, err)
	}
	got := env.get(t, r.ID)
	if got.Status != StatusOffered || !slices.Contains(got.RejectedBy, "w1") {
		t.Fatalf("unexpected request after reject: status=%s rejected_by=%v", got.Status, got.RejectedBy)
	}

	// the offer is closed; a late accept does not assign
	res, err = env.svc.RespondToOffer(ctx, RespondCommand{RequestID: r.ID, WorkerID: "w1", Action: ActionAccept})
	if err != nil || res.Outcome != OutcomeRejected {
		t.Fatalf("accept after reject: outcome=%s err=%v", res.Outcome, err)
	}
	if env.get(t, r.ID).WorkerID != nil {
		t.Fatal("rejected worker was assigned")
	}
}

func TestRespondToOffer_ExpiredOffer(t *testing.T) {
	env := newEnv(t, testDispatchConfig())
	env.addWorker(t, "w1", 0.5)
	r := env.offer(t, env.create(t, "u1"), "w1")
	env.clock.Advance(21 * time.Second)

	res, err := env.svc.RespondToOffer(context.Background(), RespondCommand{RequestID: r.ID, WorkerID: "w1", Action: ActionAccept})
	if err != nil || res.Outcome != OutcomeExpired {
		t.Fatalf("expected expired, got outcome=%s err=%v", res.Outcome, err)
	}
	if o := env.offerOutcome(t, r.ID, "w1"); o != OfferExpired {
		t.Fatalf("offer = %s", o)
	}
	if w := env.worker(t, "w1"); w.AssignedRequestID != nil {
		t.Fatalf("expired offer reserved the worker: %+v", w)
	}
}

func TestRespondToOffer_BadInput(t *testing.T) {
	env := newEnv(t, testDispatchConfig())
	env.addWorker(t, "w1", 0.5)
	r := env.offer(t, env.create(t, "u1"), "w1")
	ctx := context.Background()

	if _, err := env.svc.RespondToOffer(ctx, RespondCommand{RequestID: r.ID, WorkerID: "w1", Action: "maybe"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if _, err := env.svc.RespondToOffer(ctx, RespondCommand{RequestID: r.ID, WorkerID: "w9", Action: ActionAccept}); !errors.Is(err, ErrOfferNotFound) {
		t.Fatalf("expected ErrOfferNotFound, got %v", err)
	}
	if _, err := env.svc.RespondToOffer(ctx, RespondCommand{RequestID: "missing", WorkerID: "w1", Action: ActionAccept}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTripLifecycle(t *testing.T) {
	env := newEnv(t, testDispatchConfig())
	env.addWorker(t, "w1", 0.5)
	r := env.assigned(t, "u1", "w1")
	ctx := context.Background()
	act := WorkerActionCommand{RequestID: r.ID, WorkerID: "w1"}

	if _, err := env.svc.Arrive(ctx, WorkerActionCommand{RequestID: r.ID, WorkerID: "w2"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for another worker, got %v", err)
	}
	if _, err := env.svc.VerifyOTP(ctx, VerifyOTPCommand{RequestID: r.ID, WorkerID: "w1", Code: "1234"}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition before arrival, got %v", err)
	}
	if _, err := env.svc.Arrive(ctx, act); err != nil {
		t.Fatalf("arrive: %v", err)
	}
	if _, err := env.svc.Start(ctx, act); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected start before otp to fail, got %v", err)
	}
	if _, err := env.svc.VerifyOTP(ctx, VerifyOTPCommand{RequestID: r.ID, WorkerID: "w1", Code: "0000"}); !errors.Is(err, ErrOTPMismatch) {
		t.Fatalf("expected ErrOTPMismatch, got %v", err)
	}
	if got := env.get(t, r.ID).Status; got != StatusArrived {
		t.Fatalf("wrong code changed status to %s", got)
	}
	if _, err := env.svc.VerifyOTP(ctx, VerifyOTPCommand{RequestID: r.ID, WorkerID: "w1", Code: "1234"}); err != nil {
		t.Fatalf("verify otp: %v", err)
	}
	if _, err := env.svc.Start(ctx, act); err != nil {
		t.Fatalf("start: %v", err)
	}

	done, err := env.svc.Complete(ctx, CompleteCommand{RequestID: r.ID, WorkerID: "w1", DistanceKm: 8})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != StatusCompleted || done.CompletedAt == nil {
		t.Fatalf("unexpected completed request %+v", done)
	}
	if done.FinalFare == nil || done.FinalFare.Total != 205 || done.FinalFare.DurationMin != 12 {
		t.Fatalf("final fare = %+v, want total 205 on quoted duration", done.FinalFare)
	}
	if done.PaymentStatus != PaymentAwaitingSettlement {
		t.Fatalf("payment status = %s", done.PaymentStatus)
	}
	if w := env.worker(t, "w1"); w.AssignedRequestID != nil || !w.Available {
		t.Fatalf("worker not released: %+v", w)
	}

	events, err := env.svc.Events(ctx, r.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	want := []Status{StatusPending, StatusSearching, StatusOffered, StatusAssigned, StatusArrived, StatusOTPVerified, StatusInProgress, StatusCompleted}
	if got := statuses(events); !slices.Equal(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for _, ev := range []string{EventAssigned, EventArrived, EventOTPVerified, EventStarted, EventCompleted} {
		if _, ok := env.notifier.requesterEvent(ev); !ok {
			t.Fatalf("requester not told %s", ev)
		}
	}
}

func TestVerifyOTP_ExpiryAndResend(t *testing.T) {
	env := newEnv(t, testDispatchConfig())
	env.addWorker(t, "w1", 0.5)
	r := env.assigned(t, "u1", "w1")
	ctx := context.Background()
	if _, err := env.svc.Arrive(ctx, WorkerActionCommand{RequestID: r.ID, WorkerID: "w1"}); err != nil {
		t.Fatalf("arrive: %v", err)
	}
	env.clock.Advance(11 * time.Minute)

	if _, err := env.svc.VerifyOTP(ctx, VerifyOTPCommand{RequestID: r.ID, WorkerID: "w1", Code: "1234"}); !errors.Is(err, ErrOTPExpired) {
		t.Fatalf("expected ErrOTPExpired, got %v", err)
	}
	if err := env.svc.ResendOTP(ctx, r.ID, "someone-else"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	env.svc.otp = func() (string, error) { return "5678", nil }
	if err := env.svc.ResendOTP(ctx, r.ID, "u1"); err != nil {
		t.Fatalf("resend: %v", err)
	}
	n, ok := env.notifier.requesterEvent(EventOTP)
	if !ok || n.data["otp"] != "5678" {
		t.Fatalf("resend notice = %+v", n)
	}
	if _, err := env.svc.VerifyOTP(ctx, VerifyOTPCommand{RequestID: r.ID, WorkerID: "w1", Code: "1234"}); !errors.Is(err, ErrOTPMismatch) {
		t.Fatalf("old code should no longer match, got %v", err)
	}
	got, err := env.svc.VerifyOTP(ctx, VerifyOTPCommand{RequestID: r.ID, WorkerID: "w1", Code: "5678"})
	if err != nil {
		t.Fatalf("verify new code: %v", err)
	}
	if got.Status != StatusOTPVerified {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestVerifyOTP_LocksAfterRepeatedWrongCodes(t *testing.T) {
	cfg := testDispatchConfig()
	cfg.OTPMaxAttempts = 3
	env := newEnv(t, cfg)
	env.addWorker(t, "w1", 0.5)
	r := env.assigned(t, "u1", "w1")
	ctx := context.Background()
	if _, err := env.svc.Arrive(ctx, WorkerActionCommand{RequestID: r.ID, WorkerID: "w1"}); err != nil {
		t.Fatalf("arrive: %v", err)
	}

	for i, guess := range []string{"0000", "0001", "0002"} {
		if _, err := env.svc.VerifyOTP(ctx, VerifyOTPCommand{RequestID: r.ID, WorkerID: "w1", Code: guess}); !errors.Is(err, ErrOTPMismatch) {
			t.Fatalf("guess %d: expected ErrOTPMismatch, got %v", i, err)
		}
	}
	// the right code is refused once locked
	if _, err := env.svc.VerifyOTP(ctx, VerifyOTPCommand{RequestID: r.ID, WorkerID: "w1", Code: "1234"}); !errors.Is(err, ErrOTPLocked) {
		t.Fatalf("expected ErrOTPLocked, got %v", err)
	}
	if got := env.get(t, r.ID); got.Status != StatusArrived || got.OTPAttempts != 3 {
		t.Fatalf("locked request = %s attempts=%d", got.Status, got.OTPAttempts)
	}

	env.svc.otp = func() (string, error) { return "9090", nil }
	if err := env.svc.ResendOTP(ctx, r.ID, "u1"); err != nil {
		t.Fatalf("resend: %v", err)
	}
	got, err := env.svc.VerifyOTP(ctx, VerifyOTPCommand{RequestID: r.ID, WorkerID: "w1", Code: "9090"})
	if err != nil {
		t.Fatalf("verify after resend: %v", err)
	}
	if got.Status != StatusOTPVerified {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestCancel_AssignedReleasesWorker(t *testing.T) {
	env := newEnv(t, testDispatchConfig())
	env.addWorker(t, "w1", 0.5)
	r := env.assigned(t, "u1", "w1")
	ctx := context.Background()

	if _, err := env.svc.Cancel(ctx, CancelCommand{RequestID: r.ID, Actor: ActorUser, ActorID: types.Ptr(types.ID("u2")), Reason: "x"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for another requester, got %v", err)
	}
	if _, err := env.svc.Cancel(ctx, CancelCommand{RequestID: r.ID, Actor: ActorDriver, ActorID: types.Ptr(types.ID("w9")), Reason: "x"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for an unassigned driver, got %v", err)
	}

	got, err := env.svc.Cancel(ctx, CancelCommand{RequestID: r.ID, Actor: ActorUser, ActorID: types.Ptr(types.ID("u1")), Reason: "changed plans"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != StatusCancelled || got.Cancellation == nil || got.Cancellation.Actor != ActorUser || got.Cancellation.Reason != "changed plans" {
		t.Fatalf("unexpected cancelled request %+v", got)
	}
	if w := env.worker(t, "w1"); w.AssignedRequestID != nil || !w.Available {
		t.Fatalf("worker not released: %+v", w)
	}
	notices := env.notifier.of("worker")
	if len(notices) != 1 || notices[0].worker != "w1" || notices[0].event != EventCancelled {
		t.Fatalf("worker notices = %+v", notices)
	}

	if _, err := env.svc.Cancel(ctx, CancelCommand{RequestID: r.ID, Actor: ActorAdmin, Reason: "again"}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on a terminal request, got %v", err)
	}
}

func TestCancel_OfferedWithdrawsOffers(t *testing.T) {
	env := newEnv(t, testDispatchConfig())
	env.addWorker(t, "w1", 0.5)
	env.addWorker(t, "w2", 1.0)
	r := env.offer(t, env.create(t, "u1"), "w1", "w2")

	got, err := env.svc.Cancel(context.Background(), CancelCommand{RequestID: r.ID, Actor: ActorAdmin, ActorID: types.Ptr(types.ID("ops")), Reason: "fraud check"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Fatalf("status = %s", got.Status)
	}
	for _, w := range []types.ID{"w1", "w2"} {
		if o := env.offerOutcome(t, r.ID, w); o != OfferWithdrawn {
			t.Fatalf("%s offer = %s", w, o)
		}
	}
	if n, ok := env.notifier.requesterEvent(EventCancelled); !ok || n.data["reason"] != "fraud check" {
		t.Fatalf("requester cancel notice = %+v", n)
	}
}

func TestCancel_Validation(t *testing.T) {
	env := newEnv(t, testDispatchConfig())
	r := env.create(t, "u1")
	ctx := context.Background()

	if _, err := env.svc.Cancel(ctx, CancelCommand{RequestID: r.ID, Actor: "robot", Reason: "x"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for actor, got %v", err)
	}
	if _, err := env.svc.Cancel(ctx, CancelCommand{RequestID: r.ID, Actor: ActorAdmin}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for reason, got %v", err)
	}
}

func TestReassign_Redispatch(t *testing.T) {
	env := newEnv(t, testDispatchConfig())
	env.addWorker(t, "w1", 0.5)
	r := env.assigned(t, "u1", "w1")
	queued := len(env.svc.tasks)

	got, err := env.svc.Reassign(context.Background(), ReassignCommand{RequestID: r.ID, AdminID: "ops"})
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if got.Status != StatusSearching || got.WorkerID != nil || got.DispatchRound != 0 {
		t.Fatalf("unexpected request after reassign %+v", got)
	}
	if !env.get(t, r.ID).DispatchStartedAt.Equal(env.clock.Now()) {
		t.Fatal("dispatch clock not restarted")
	}
	if !slices.Contains(env.get(t, r.ID).RejectedBy, "w1") {
		t.Fatal("previous worker should be excluded from the next search")
	}
	if w := env.worker(t, "w1"); w.AssignedRequestID != nil {
		t.Fatalf("previous worker not released: %+v", w)
	}
	if len(env.svc.tasks) != queued+1 {
		t.Fatal("request not queued for dispatch")
	}
	notices := env.notifier.of("worker")
	if len(notices) != 1 || notices[0].event != EventReassigned {
		t.Fatalf("worker notices = %+v", notices)
	}
}

func TestReassign_NamedWorker(t *testing.T) {
	env := newEnv(t, testDispatchConfig())
	env.addWorker(t, "w1", 0.5)
	env.addWorker(t, "w2", 3.0)
	r := env.assigned(t, "u1", "w1")

	got, err := env.svc.Reassign(context.Background(), ReassignCommand{RequestID: r.ID, WorkerID: types.Ptr(types.ID("w2")), AdminID: "ops"})
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if got.Status != StatusAssigned || !got.AssignedTo("w2") {
		t.Fatalf("unexpected request %+v", got)
	}
	if w := env.worker(t, "w1"); w.AssignedRequestID != nil || !w.Available {
		t.Fatalf("w1 not released: %+v", w)
	}
	if w := env.worker(t, "w2"); w.AssignedRequestID == nil || *w.AssignedRequestID != r.ID {
		t.Fatalf("w2 not reserved: %+v", w)
	}
	events, _ := env.svc.Events(context.Background(), r.ID)
	last := events[len(events)-1]
	if last.ToStatus != StatusAssigned || last.ActorType != ActorAdmin {
		t.Fatalf("last event = %+v", last)
	}
}

func TestReassign_BusyWorker(t *testing.T) {
	env := newEnv(t, testDispatchConfig())
	env.addWorker(t, "w1", 0.5)
	env.addWorker(t, "w2", 1.0)
	env.assigned(t, "u1", "w2")
	r := env.create(t, "u2")

	_, err := env.svc.Reassign(context.Background(), ReassignCommand{RequestID: r.ID, WorkerID: types.Ptr(types.ID("w2")), AdminID: "ops"})
	if !errors.Is(err, location.ErrWorkerBusy) {
		t.Fatalf("expected ErrWorkerBusy, got %v", err)
	}
	if got := env.get(t, r.ID); got.Status != StatusSearching || got.WorkerID != nil {
		t.Fatalf("request changed: %+v", got)
	}
}

func TestReassign_TerminalRequest(t *testing.T) {
	env := newEnv(t, testDispatchConfig())
	r := env.create(t, "u1")
	ctx := context.Background()
	if _, err := env.svc.Cancel(ctx, CancelCommand{RequestID: r.ID, Actor: ActorAdmin, Reason: "test"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := env.svc.Reassign(ctx, ReassignCommand{RequestID: r.ID, AdminID: "ops"}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}
