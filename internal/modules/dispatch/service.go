// README: Dispatch service implements the request state machine and the single-assignment protocol.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/crypto/bcrypt"

	"dispatchd/internal/clock"
	"dispatchd/internal/config"
	"dispatchd/internal/logging"
	"dispatchd/internal/modules/location"
	"dispatchd/internal/modules/matching"
	"dispatchd/internal/modules/pricing"
	"dispatchd/internal/observability"
	"dispatchd/internal/types"
)

type Pricer interface {
	Estimate(ctx context.Context, cmd pricing.EstimateCommand) (pricing.Quote, error)
	Reconcile(q pricing.Quote, actual pricing.RouteMetrics) pricing.FareBreakdown
}

type CandidateFinder interface {
	Find(ctx context.Context, q matching.Query) (matching.Result, error)
}

// Workers owns the assignment columns of worker availability.
type Workers interface {
	Reserve(ctx context.Context, workerID, requestID types.ID) (bool, error)
	Release(ctx context.Context, workerID, requestID types.ID) error
}

type ServiceDeps struct {
	Repo     Repository
	Pricing  Pricer
	Finder   CandidateFinder
	Workers  Workers
	Notifier Notifier
	Clock    clock.Clock
	Logger   *slog.Logger
}

type Service struct {
	repo     Repository
	pricing  Pricer
	finder   CandidateFinder
	workers  Workers
	notifier Notifier
	clock    clock.Clock
	logger   *slog.Logger
	cfg      config.DispatchConfig

	otp     OTPGenerator
	otpCost int
	tasks   chan types.ID
}

func NewService(deps ServiceDeps, cfg config.DispatchConfig) *Service {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Notifier == nil {
		deps.Notifier = noopNotifier{}
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 3
	}
	if cfg.RoundTimeout <= 0 {
		cfg.RoundTimeout = 20 * time.Second
	}
	if cfg.OfferTTL <= 0 {
		cfg.OfferTTL = cfg.RoundTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.OTPTTL <= 0 {
		cfg.OTPTTL = 10 * time.Minute
	}
	if cfg.OTPMaxAttempts <= 0 {
		cfg.OTPMaxAttempts = 5
	}
	return &Service{
		repo:     deps.Repo,
		pricing:  deps.Pricing,
		finder:   deps.Finder,
		workers:  deps.Workers,
		notifier: deps.Notifier,
		clock:    deps.Clock,
		logger:   logging.OrDiscard(deps.Logger),
		cfg:      cfg,
		otp:      randomOTP,
		otpCost:  bcrypt.DefaultCost,
		tasks:    make(chan types.ID, cfg.QueueSize),
	}
}

// WithOTP replaces the pickup code generator and bcrypt cost.
func (s *Service) WithOTP(gen OTPGenerator, cost int) *Service {
	s.otp = gen
	s.otpCost = cost
	return s
}

type CreateCommand struct {
	RequesterID    types.ID
	RequesterToken string
	Kind           Kind
	Pickup         types.Place
	Drop           types.Place
	VehicleClass   string
	Category       string
	WaitingMin     float64
	// RentalMinutes > 0 prices the request on the rental schedule.
	RentalMinutes float64
}

func (c *CreateCommand) validate() error {
	if c.RequesterID == "" {
		return invalid("requester_id", "required")
	}
	if c.Kind == "" {
		c.Kind = KindRide
	}
	if c.Kind != KindRide && c.Kind != KindParcel {
		return invalid("kind", "must be ride or parcel")
	}
	if !c.Pickup.Valid() {
		return invalid("pickup", "invalid coordinates")
	}
	if !c.Drop.Valid() {
		return invalid("drop", "invalid coordinates")
	}
	if c.VehicleClass == "" {
		return invalid("vehicle_class", "required")
	}
	if c.WaitingMin < 0 || c.RentalMinutes < 0 {
		return invalid("duration", "must not be negative")
	}
	return nil
}

// Create quotes and persists a request, moves it to searching and queues its dispatch.
func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*Request, error) {
	if err := cmd.validate(); err != nil {
		return nil, err
	}
	active, err := s.repo.HasActiveByRequester(ctx, cmd.RequesterID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, ErrActiveRequest
	}

	now := s.clock.Now()
	quote, err := s.pricing.Estimate(ctx, pricing.EstimateCommand{
		Pickup:        cmd.Pickup.Point,
		Drop:          cmd.Drop.Point,
		VehicleClass:  cmd.VehicleClass,
		RequestTime:   now,
		WaitingMin:    cmd.WaitingMin,
		Rental:        cmd.RentalMinutes > 0,
		RentalMinutes: cmd.RentalMinutes,
	})
	if errors.Is(err, pricing.ErrBadRequest) {
		return nil, invalid("quote", err.Error())
	}
	if err != nil {
		return nil, fmt.Errorf("quote: %w", err)
	}

	r := &Request{
		ID:             types.NewID(),
		RequesterID:    cmd.RequesterID,
		RequesterToken: cmd.RequesterToken,
		Kind:           cmd.Kind,
		Pickup:         cmd.Pickup,
		Drop:           cmd.Drop,
		VehicleClass:   cmd.VehicleClass,
		Category:       cmd.Category,
		Status:         StatusPending,
		Quote:          quote,
		PaymentStatus:  PaymentPendingExternal,
		CreatedAt:      now,
	}
	if err := s.repo.Create(ctx, r); err != nil {
		return nil, err
	}
	s.recordEvent(ctx, r.ID, StatusNone, StatusPending, ActorUser, &cmd.RequesterID, "", now)
	observability.RequestsCreated.WithLabelValues(string(r.Kind), r.VehicleClass).Inc()

	r, err = s.apply(ctx, r, StatusSearching, ActorSystem, nil, "", nil)
	if err != nil {
		return nil, err
	}
	if err := s.Enqueue(r.ID); err != nil {
		s.logger.Warn("dispatch not queued", "request_id", r.ID, "err", err)
	}
	return r, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Request, error) {
	return s.repo.Get(ctx, id)
}

// Events returns the transition history of a request.
func (s *Service) Events(ctx context.Context, id types.ID) ([]Event, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.Events(ctx, id)
}

const (
	ActionAccept = "accept"
	ActionReject = "reject"

	OutcomeAssigned       = "assigned"
	OutcomeRejected       = "rejected"
	OutcomeExpired        = "expired"
	OutcomeOfferWithdrawn = "offer_withdrawn"
)

type RespondCommand struct {
	RequestID types.ID
	WorkerID  types.ID
	Action    string
}

type RespondResult struct {
	RequestID types.ID `json:"request_id"`
	Outcome   string   `json:"outcome"`
}

// RespondToOffer applies a worker's accept or reject. Losing the accept race is a normal
// outcome (offer_withdrawn), not an error.
func (s *Service) RespondToOffer(ctx context.Context, cmd RespondCommand) (RespondResult, error) {
	if cmd.RequestID == "" || cmd.WorkerID == "" {
		return RespondResult{}, invalid("request", "request_id and worker_id are required")
	}
	if cmd.Action != ActionAccept && cmd.Action != ActionReject {
		return RespondResult{}, invalid("action", "must be accept or reject")
	}
	res := RespondResult{RequestID: cmd.RequestID}
	r, err := s.repo.Get(ctx, cmd.RequestID)
	if err != nil {
		return res, err
	}
	offer, err := s.repo.LatestOffer(ctx, r.ID, cmd.WorkerID)
	if err != nil {
		return res, err
	}
	if outcome, closed := s.closedOffer(ctx, r, offer); closed {
		res.Outcome = outcome
		return res, nil
	}

	if cmd.Action == ActionReject {
		res.Outcome, err = s.reject(ctx, r, offer)
		return res, err
	}
	err = s.accept(ctx, r, offer)
	switch {
	case err == nil:
		res.Outcome = OutcomeAssigned
	case errors.Is(err, ErrAssignmentConflict):
		res.Outcome, err = OutcomeOfferWithdrawn, nil
	}
	return res, err
}

// Accept is RespondToOffer(accept) that reports a lost race as ErrAssignmentConflict.
func (s *Service) Accept(ctx context.Context, requestID, workerID types.ID) error {
	r, err := s.repo.Get(ctx, requestID)
	if err != nil {
		return err
	}
	offer, err := s.repo.LatestOffer(ctx, requestID, workerID)
	if err != nil {
		return err
	}
	if outcome, closed := s.closedOffer(ctx, r, offer); closed {
		if outcome == OutcomeAssigned {
			return nil
		}
		return fmt.Errorf("%w: offer %s", ErrAssignmentConflict, outcome)
	}
	return s.accept(ctx, r, offer)
}

// closedOffer reports the outcome of an offer that can no longer be answered, expiring it
// first when its deadline has passed.
func (s *Service) closedOffer(ctx context.Context, r *Request, o OfferAttempt) (string, bool) {
	switch o.Outcome {
	case OfferAccepted:
		return OutcomeAssigned, true
	case OfferRejected:
		return OutcomeRejected, true
	case OfferExpired:
		return OutcomeExpired, true
	case OfferWithdrawn:
		return OutcomeOfferWithdrawn, true
	}
	now := s.clock.Now()
	if !now.Before(o.ExpiresAt) {
		if ok, err := s.repo.ResolveOffer(ctx, o.ID, OfferExpired, now); err != nil {
			s.logger.Warn("expire offer failed", "offer_id", o.ID, "err", err)
		} else if ok {
			o.Outcome = OfferExpired
			s.notifyOfferClosed(ctx, r, o)
		}
		return OutcomeExpired, true
	}
	return "", false
}

func (s *Service) reject(ctx context.Context, r *Request, o OfferAttempt) (string, error) {
	ok, err := s.repo.ResolveOffer(ctx, o.ID, OfferRejected, s.clock.Now())
	if err != nil {
		return "", err
	}
	if !ok {
		latest, err := s.repo.LatestOffer(ctx, r.ID, o.WorkerID)
		if err != nil {
			return "", err
		}
		outcome, _ := s.closedOffer(ctx, r, latest)
		return outcome, nil
	}
	if err := s.repo.AddRejection(ctx, r.ID, o.WorkerID); err != nil {
		return "", err
	}
	return OutcomeRejected, nil
}

func (s *Service) accept(ctx context.Context, r *Request, o OfferAttempt) error {
	if !r.Status.Searchable() {
		if r.AssignedTo(o.WorkerID) {
			return nil
		}
		s.withdrawOffer(ctx, r, o)
		return ErrAssignmentConflict
	}
	err := s.commitAssignment(ctx, r, o.WorkerID, ActorDriver, &o.WorkerID)
	if errors.Is(err, ErrAssignmentConflict) {
		s.withdrawOffer(ctx, r, o)
		return err
	}
	if err != nil {
		return err
	}
	if _, err := s.repo.ResolveOffer(ctx, o.ID, OfferAccepted, s.clock.Now()); err != nil {
		s.logger.Warn("mark offer accepted failed", "offer_id", o.ID, "err", err)
	}
	s.withdrawPendingOffers(ctx, r)
	return nil
}

// commitAssignment reserves the worker, then commits the request. A lost commit releases
// the reservation and yields ErrAssignmentConflict. Callers close the remaining offers.
func (s *Service) commitAssignment(ctx context.Context, r *Request, workerID types.ID, actor string, actorID *types.ID) error {
	reserved, err := s.workers.Reserve(ctx, workerID, r.ID)
	if err != nil {
		return err
	}
	if !reserved {
		return fmt.Errorf("%w: %s", location.ErrWorkerBusy, workerID)
	}

	code, err := s.otp()
	if err != nil {
		s.release(ctx, workerID, r.ID)
		return err
	}
	hash, err := hashOTP(code, s.otpCost)
	if err != nil {
		s.release(ctx, workerID, r.ID)
		return err
	}
	now := s.clock.Now()
	ok, err := s.repo.Assign(ctx, Assignment{
		RequestID:    r.ID,
		WorkerID:     workerID,
		OTPHash:      hash,
		OTPExpiresAt: now.Add(s.cfg.OTPTTL),
		At:           now,
	})
	if err != nil {
		s.release(ctx, workerID, r.ID)
		return err
	}
	if !ok {
		s.release(ctx, workerID, r.ID)
		observability.AssignmentConflicts.Inc()
		s.logger.Info("assignment lost", "request_id", r.ID, "worker_id", workerID)
		return ErrAssignmentConflict
	}

	s.recordEvent(ctx, r.ID, r.Status, StatusAssigned, actor, actorID, "", now)
	observability.Transitions.WithLabelValues(string(r.Status), string(StatusAssigned)).Inc()
	observability.TimeToAssign.Observe(now.Sub(r.CreatedAt).Seconds())
	s.logger.Info("request assigned", "request_id", r.ID, "worker_id", workerID)

	assigned, err := s.repo.Get(ctx, r.ID)
	if err != nil {
		return err
	}
	s.notifyRequester(ctx, assigned, EventAssigned, map[string]string{"worker_id": string(workerID), pickupCodeKey: code})
	return nil
}

type WorkerActionCommand struct {
	RequestID types.ID
	WorkerID  types.ID
}

func (s *Service) Arrive(ctx context.Context, cmd WorkerActionCommand) (*Request, error) {
	r, err := s.assignedRequest(ctx, cmd.RequestID, cmd.WorkerID)
	if err != nil {
		return nil, err
	}
	r, err = s.apply(ctx, r, StatusArrived, ActorDriver, &cmd.WorkerID, "", nil)
	if err != nil {
		return nil, err
	}
	s.notifyRequester(ctx, r, EventArrived, nil)
	return r, nil
}

type VerifyOTPCommand struct {
	RequestID types.ID
	WorkerID  types.ID
	Code      string
}

// VerifyOTP checks the requester's pickup code. A wrong or expired code leaves the status
// unchanged. After OTPMaxAttempts wrong codes the request is locked until a new code is issued.
func (s *Service) VerifyOTP(ctx context.Context, cmd VerifyOTPCommand) (*Request, error) {
	if cmd.Code == "" {
		return nil, invalid("code", "required")
	}
	r, err := s.assignedRequest(ctx, cmd.RequestID, cmd.WorkerID)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusArrived {
		return nil, fmt.Errorf("%w: otp can only be verified after arrival", ErrInvalidTransition)
	}
	if r.OTPExpiresAt == nil || !s.clock.Now().Before(*r.OTPExpiresAt) {
		return nil, ErrOTPExpired
	}
	if r.OTPAttempts >= s.cfg.OTPMaxAttempts {
		return nil, ErrOTPLocked
	}
	if !otpMatches(r.OTPHash, cmd.Code) {
		n, err := s.repo.RecordOTPFailure(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		s.logger.Info("wrong pickup code", "request_id", r.ID, "worker_id", cmd.WorkerID, "attempts", n)
		return nil, ErrOTPMismatch
	}
	r, err = s.apply(ctx, r, StatusOTPVerified, ActorDriver, &cmd.WorkerID, "", nil)
	if err != nil {
		return nil, err
	}
	s.notifyRequester(ctx, r, EventOTPVerified, nil)
	return r, nil
}

// ResendOTP issues a fresh pickup code to the requester with a new expiry.
func (s *Service) ResendOTP(ctx context.Context, requestID, requesterID types.ID) error {
	r, err := s.repo.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if r.RequesterID != requesterID {
		return ErrForbidden
	}
	if r.Status != StatusAssigned && r.Status != StatusArrived {
		return fmt.Errorf("%w: no pickup code for status %s", ErrInvalidTransition, r.Status)
	}
	code, err := s.otp()
	if err != nil {
		return err
	}
	hash, err := hashOTP(code, s.otpCost)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	ok, err := s.repo.Update(ctx, Update{
		ID: r.ID, From: r.Status, To: r.Status, Version: r.StatusVersion, At: now,
		OTPHash:      types.Ptr(hash),
		OTPExpiresAt: types.Ptr(now.Add(s.cfg.OTPTTL)),
	})
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	r.StatusVersion++
	s.notifyRequester(ctx, r, EventOTP, map[string]string{pickupCodeKey: code})
	return nil
}

func (s *Service) Start(ctx context.Context, cmd WorkerActionCommand) (*Request, error) {
	r, err := s.assignedRequest(ctx, cmd.RequestID, cmd.WorkerID)
	if err != nil {
		return nil, err
	}
	r, err = s.apply(ctx, r, StatusInProgress, ActorDriver, &cmd.WorkerID, "", nil)
	if err != nil {
		return nil, err
	}
	s.notifyRequester(ctx, r, EventStarted, nil)
	return r, nil
}

type CompleteCommand struct {
	RequestID types.ID
	WorkerID  types.ID
	// Actual trip metrics; zero values fall back to the quoted route.
	DistanceKm  float64
	DurationMin float64
	WaitingMin  float64
}

// Complete reprices the trip from actual metrics, hands payment off and frees the worker.
func (s *Service) Complete(ctx context.Context, cmd CompleteCommand) (*Request, error) {
	if cmd.DistanceKm < 0 || cmd.DurationMin < 0 || cmd.WaitingMin < 0 {
		return nil, invalid("metrics", "must not be negative")
	}
	r, err := s.assignedRequest(ctx, cmd.RequestID, cmd.WorkerID)
	if err != nil {
		return nil, err
	}
	actual := r.Quote.Route
	if cmd.DistanceKm > 0 {
		actual.DistanceKm = cmd.DistanceKm
	}
	if cmd.DurationMin > 0 {
		actual.DurationMin = cmd.DurationMin
	}
	if cmd.WaitingMin > 0 {
		actual.WaitingMin = cmd.WaitingMin
	}
	final := s.pricing.Reconcile(r.Quote, actual)
	r, err = s.apply(ctx, r, StatusCompleted, ActorDriver, &cmd.WorkerID, "", func(u *Update) {
		u.FinalFare = &final
		u.PaymentStatus = types.Ptr(PaymentAwaitingSettlement)
	})
	if err != nil {
		return nil, err
	}
	s.release(ctx, cmd.WorkerID, r.ID)
	s.notifyRequester(ctx, r, EventCompleted, map[string]string{
		"fare":     fmt.Sprintf("%.2f", final.Total),
		"currency": final.Currency,
	})
	return r, nil
}

type CancelCommand struct {
	RequestID types.ID
	Actor     string
	ActorID   *types.ID
	Reason    string
}

// Cancel terminates any non-terminal request, releasing its worker and withdrawing offers.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (*Request, error) {
	switch cmd.Actor {
	case ActorUser, ActorDriver, ActorSystem, ActorAdmin:
	default:
		return nil, invalid("actor", "must be user, driver, system or admin")
	}
	if cmd.Reason == "" {
		return nil, invalid("reason", "required")
	}
	r, err := s.repo.Get(ctx, cmd.RequestID)
	if err != nil {
		return nil, err
	}
	switch cmd.Actor {
	case ActorUser:
		if cmd.ActorID == nil || *cmd.ActorID != r.RequesterID {
			return nil, ErrForbidden
		}
	case ActorDriver:
		if cmd.ActorID == nil || !r.AssignedTo(*cmd.ActorID) {
			return nil, ErrForbidden
		}
	}
	return s.terminate(ctx, r, StatusCancelled, cmd.Actor, cmd.ActorID, cmd.Reason)
}

const terminateAttempts = 3

// terminate moves r to cancelled or expired, retrying when the orchestrator changed the
// status underneath.
func (s *Service) terminate(ctx context.Context, r *Request, to Status, actor string, actorID *types.ID, reason string) (*Request, error) {
	var err error
	for attempt := 0; attempt < terminateAttempts; attempt++ {
		if r.Status.Terminal() {
			return nil, fmt.Errorf("%w: request is %s", ErrInvalidTransition, r.Status)
		}
		prev := r
		var done *Request
		done, err = s.apply(ctx, r, to, actor, actorID, reason, func(u *Update) {
			u.Cancellation = &Cancellation{Actor: actor, ActorID: actorID, Reason: reason}
		})
		if err == nil {
			s.afterTermination(ctx, prev, done, actor)
			return done, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
		if r, err = s.repo.Get(ctx, r.ID); err != nil {
			return nil, err
		}
	}
	return nil, err
}

func (s *Service) afterTermination(ctx context.Context, prev, done *Request, actor string) {
	if prev.WorkerID != nil {
		s.release(ctx, *prev.WorkerID, prev.ID)
		if actor != ActorDriver {
			s.notifyWorker(ctx, done, *prev.WorkerID, EventCancelled)
		}
	}
	s.withdrawPendingOffers(ctx, done)
	if actor != ActorUser {
		reason := ""
		if done.Cancellation != nil {
			reason = done.Cancellation.Reason
		}
		s.notifyRequester(ctx, done, EventCancelled, map[string]string{"reason": reason})
	}
}

type ReassignCommand struct {
	RequestID types.ID
	// WorkerID assigns a named worker directly; nil re-runs dispatch.
	WorkerID *types.ID
	AdminID  types.ID
}

// Reassign releases the current worker and either re-dispatches or assigns a named worker.
func (s *Service) Reassign(ctx context.Context, cmd ReassignCommand) (*Request, error) {
	r, err := s.repo.Get(ctx, cmd.RequestID)
	if err != nil {
		return nil, err
	}
	actorID := &cmd.AdminID
	now := s.clock.Now()
	restart := func(u *Update) {
		u.ClearWorker = true
		u.DispatchRound = types.Ptr(0)
		u.DispatchStartedAt = types.Ptr(now)
		u.SearchOutcome = types.Ptr("")
	}

	switch r.Status {
	case StatusAssigned:
		prev := *r.WorkerID
		if cmd.WorkerID != nil && *cmd.WorkerID == prev {
			return r, nil
		}
		if r, err = s.apply(ctx, r, StatusSearching, ActorAdmin, actorID, ReasonReassigned, restart); err != nil {
			return nil, err
		}
		s.release(ctx, prev, r.ID)
		if err := s.repo.AddRejection(ctx, r.ID, prev); err != nil {
			s.logger.Warn("record reassigned worker failed", "request_id", r.ID, "err", err)
		}
		s.notifyWorker(ctx, r, prev, EventReassigned)
	case StatusPending:
		if r, err = s.apply(ctx, r, StatusSearching, ActorAdmin, actorID, ReasonReassigned, restart); err != nil {
			return nil, err
		}
	case StatusSearching, StatusOffered:
	default:
		return nil, fmt.Errorf("%w: cannot reassign a %s request", ErrInvalidTransition, r.Status)
	}

	if cmd.WorkerID == nil {
		if err := s.Enqueue(r.ID); err != nil {
			return nil, err
		}
		return r, nil
	}
	if err := s.commitAssignment(ctx, r, *cmd.WorkerID, ActorAdmin, actorID); err != nil {
		if !errors.Is(err, ErrAssignmentConflict) {
			// the request stays searching; hand it back to the orchestrator
			_ = s.Enqueue(r.ID)
		}
		return nil, err
	}
	s.withdrawPendingOffers(ctx, r)
	return s.repo.Get(ctx, r.ID)
}

// assignedRequest loads a request and checks workerID holds it.
func (s *Service) assignedRequest(ctx context.Context, requestID, workerID types.ID) (*Request, error) {
	if requestID == "" || workerID == "" {
		return nil, invalid("request", "request_id and worker_id are required")
	}
	r, err := s.repo.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !r.AssignedTo(workerID) {
		return nil, ErrForbidden
	}
	return r, nil
}

// apply performs one guarded transition, records it and returns the stored request.
func (s *Service) apply(ctx context.Context, r *Request, to Status, actor string, actorID *types.ID, reason string, mutate func(*Update)) (*Request, error) {
	if !CanTransition(r.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}
	u := Update{ID: r.ID, From: r.Status, To: to, Version: r.StatusVersion, At: s.clock.Now()}
	if mutate != nil {
		mutate(&u)
	}
	ok, err := s.repo.Update(ctx, u)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}
	s.recordEvent(ctx, r.ID, r.Status, to, actor, actorID, reason, u.At)
	observability.Transitions.WithLabelValues(string(r.Status), string(to)).Inc()
	return s.repo.Get(ctx, r.ID)
}

func (s *Service) recordEvent(ctx context.Context, id types.ID, from, to Status, actor string, actorID *types.ID, reason string, at time.Time) {
	err := s.repo.AppendEvent(ctx, Event{
		RequestID:  id,
		FromStatus: from,
		ToStatus:   to,
		ActorType:  actor,
		ActorID:    actorID,
		Reason:     reason,
		CreatedAt:  at,
	})
	if err != nil {
		s.logger.Warn("append request event failed", "request_id", id, "to", to, "err", err)
	}
}

func (s *Service) release(ctx context.Context, workerID, requestID types.ID) {
	if err := s.workers.Release(context.WithoutCancel(ctx), workerID, requestID); err != nil {
		s.logger.Error("release worker failed", "worker_id", workerID, "request_id", requestID, "err", err)
	}
}

func (s *Service) withdrawOffer(ctx context.Context, r *Request, o OfferAttempt) {
	ok, err := s.repo.ResolveOffer(ctx, o.ID, OfferWithdrawn, s.clock.Now())
	if err != nil {
		s.logger.Warn("withdraw offer failed", "offer_id", o.ID, "err", err)
		return
	}
	if ok {
		o.Outcome = OfferWithdrawn
	}
	s.notifyOfferClosed(ctx, r, o)
}

func (s *Service) withdrawPendingOffers(ctx context.Context, r *Request) {
	closed, err := s.repo.ResolvePendingOffers(ctx, r.ID, OfferWithdrawn, s.clock.Now())
	if err != nil {
		s.logger.Warn("withdraw pending offers failed", "request_id", r.ID, "err", err)
		return
	}
	for _, o := range closed {
		s.notifyOfferClosed(ctx, r, o)
	}
}

func (s *Service) notifyOfferClosed(ctx context.Context, r *Request, o OfferAttempt) {
	if o.Outcome == OfferPending {
		o.Outcome = OfferWithdrawn
	}
	if err := s.notifier.OfferClosed(ctx, r, o); err != nil {
		s.logger.Warn("offer closed notice failed", "request_id", r.ID, "worker_id", o.WorkerID, "err", err)
	}
}

func (s *Service) notifyRequester(ctx context.Context, r *Request, event string, data map[string]string) {
	if err := s.notifier.Requester(ctx, r, event, data); err != nil {
		s.logger.Warn("requester notice failed", "request_id", r.ID, "event", event, "err", err)
	}
}

func (s *Service) notifyWorker(ctx context.Context, r *Request, workerID types.ID, event string) {
	if err := s.notifier.Worker(ctx, r, workerID, event); err != nil {
		s.logger.Warn("worker notice failed", "request_id", r.ID, "worker_id", workerID, "event", event, "err", err)
	}
}

func excludedWorkers(r *Request, offers []OfferAttempt) []types.ID {
	out := slices.Clone(r.RejectedBy)
	for _, o := range offers {
		if !slices.Contains(out, o.WorkerID) {
			out = append(out, o.WorkerID)
		}
	}
	return out
}
