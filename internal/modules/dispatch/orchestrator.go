// README: Dispatch rounds: find candidates, offer in parallel, wait, expire and widen.
package dispatch

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"dispatchd/internal/modules/matching"
	"dispatchd/internal/observability"
	"dispatchd/internal/types"
)

const (
	PolicyKeepPending = "keep_pending"
	PolicyCancel      = "cancel"
)

type DispatchResult struct {
	RequestID types.ID  `json:"request_id"`
	Status    Status    `json:"status"`
	Outcome   string    `json:"outcome,omitempty"`
	Rounds    int       `json:"rounds"`
	WorkerID  *types.ID `json:"worker_id,omitempty"`
}

func resultOf(r *Request) DispatchResult {
	res := DispatchResult{RequestID: r.ID, Status: r.Status, Rounds: r.DispatchRound, WorkerID: r.WorkerID}
	switch {
	case r.WorkerID != nil:
		res.Outcome = OutcomeAssigned
	case r.SearchOutcome != "":
		res.Outcome = r.SearchOutcome
	case r.Cancellation != nil:
		res.Outcome = r.Cancellation.Reason
	}
	return res
}

// Enqueue hands a request to the dispatch worker pool without blocking.
func (s *Service) Enqueue(id types.ID) error {
	select {
	case s.tasks <- id:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run dispatches queued requests on Workers goroutines until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	done := make(chan struct{})
	for i := 0; i < s.cfg.Workers; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-s.tasks:
					res, err := s.Dispatch(ctx, id)
					if err != nil {
						if ctx.Err() == nil {
							s.logger.Error("dispatch failed", "request_id", id, "err", err)
						}
						continue
					}
					s.logger.Info("dispatch finished", "request_id", id, "status", res.Status, "outcome", res.Outcome, "rounds", res.Rounds)
				}
			}
		}()
	}
	for i := 0; i < s.cfg.Workers; i++ {
		<-done
	}
}

// Dispatch runs offer rounds for a searching request until it is assigned, leaves the
// searchable states, or rounds run out.
func (s *Service) Dispatch(ctx context.Context, id types.ID) (DispatchResult, error) {
	r, err := s.repo.Get(ctx, id)
	if err != nil {
		return DispatchResult{RequestID: id}, err
	}
	if r.Status != StatusSearching {
		return resultOf(r), nil
	}

	for round := r.DispatchRound + 1; round <= s.cfg.MaxRounds; round++ {
		var state roundState
		r, state, err = s.runRound(ctx, r, round)
		if err != nil {
			return DispatchResult{RequestID: id}, err
		}
		if state == roundDone {
			return resultOf(r), nil
		}
		if state == roundNoCandidates {
			break
		}
	}
	if r, err = s.repo.Get(ctx, id); err != nil {
		return DispatchResult{RequestID: id}, err
	}
	return s.exhausted(ctx, r)
}

type roundState int

const (
	roundNext roundState = iota
	roundDone
	roundNoCandidates
)

// runRound offers the request to one candidate set. roundDone means the request left the
// search loop (assigned, cancelled or otherwise moved by another actor).
func (s *Service) runRound(ctx context.Context, r *Request, round int) (*Request, roundState, error) {
	offers, err := s.repo.Offers(ctx, r.ID)
	if err != nil {
		return r, roundNext, err
	}
	found, err := s.finder.Find(ctx, matching.Query{
		Origin:       r.Pickup.Point,
		VehicleClass: r.VehicleClass,
		Category:     r.Category,
		Exclude:      excludedWorkers(r, offers),
		StartAttempt: round - 1,
	})
	if errors.Is(err, matching.ErrNoCandidates) {
		observability.DispatchRounds.WithLabelValues("no_candidates").Inc()
		return r, roundNoCandidates, nil
	}
	if err != nil {
		return r, roundNext, err
	}

	// the request may have moved while the finder was searching
	if r, err = s.repo.Get(ctx, r.ID); err != nil {
		return r, roundNext, err
	}
	if r.Status != StatusSearching {
		return r, roundDone, nil
	}

	now := s.clock.Now()
	roundOffers := make([]OfferAttempt, len(found.Candidates))
	for i, c := range found.Candidates {
		roundOffers[i] = OfferAttempt{
			ID:         types.NewID(),
			RequestID:  r.ID,
			WorkerID:   c.WorkerID,
			Round:      round,
			Attempt:    found.Attempt,
			RadiusKm:   found.RadiusKm,
			DistanceKm: c.DistanceKm,
			SentAt:     now,
			ExpiresAt:  now.Add(s.cfg.OfferTTL),
			Outcome:    OfferPending,
		}
	}
	if err := s.repo.CreateOffers(ctx, roundOffers); err != nil {
		return r, roundNext, err
	}
	offered, err := s.apply(ctx, r, StatusOffered, ActorSystem, nil, "", func(u *Update) {
		u.DispatchRound = types.Ptr(round)
	})
	if errors.Is(err, ErrConflict) {
		cur, state, err := s.reload(ctx, r.ID)
		if err == nil && cur.Status == StatusSearching {
			s.withdrawPendingOffers(ctx, cur)
		}
		return cur, state, err
	}
	if err != nil {
		return r, roundNext, err
	}
	r = offered
	s.logger.Info("offers sent", "request_id", r.ID, "round", round, "radius_km", found.RadiusKm, "candidates", len(roundOffers))
	s.sendOffers(ctx, r, roundOffers, found.Candidates)

	decided, err := s.awaitDecision(ctx, r, now.Add(s.cfg.RoundTimeout))
	if err != nil {
		return r, roundNext, err
	}
	if decided != nil {
		observability.DispatchRounds.WithLabelValues("decided").Inc()
		return decided, roundDone, nil
	}

	expired, err := s.repo.ResolvePendingOffers(ctx, r.ID, OfferExpired, s.clock.Now())
	if err != nil {
		return r, roundNext, err
	}
	for _, o := range expired {
		s.notifyOfferClosed(ctx, r, o)
	}
	if r, err = s.repo.Get(ctx, r.ID); err != nil {
		return r, roundNext, err
	}
	if r.Status != StatusOffered {
		return r, roundDone, nil
	}
	next, err := s.apply(ctx, r, StatusSearching, ActorSystem, nil, "", nil)
	if errors.Is(err, ErrConflict) {
		return s.reload(ctx, r.ID)
	}
	if err != nil {
		return r, roundNext, err
	}
	observability.DispatchRounds.WithLabelValues("timeout").Inc()
	return next, roundNext, nil
}

// reload returns the current request; the round is done unless it is still searchable.
func (s *Service) reload(ctx context.Context, id types.ID) (*Request, roundState, error) {
	r, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, roundNext, err
	}
	if r.Status.Searchable() {
		return r, roundNext, nil
	}
	return r, roundDone, nil
}

func (s *Service) sendOffers(ctx context.Context, r *Request, offers []OfferAttempt, candidates []matching.Candidate) {
	g, gctx := errgroup.WithContext(ctx)
	for i := range offers {
		o, c := offers[i], candidates[i]
		g.Go(func() error {
			if err := s.notifier.Offer(gctx, r, o, c); err != nil {
				s.logger.Warn("offer delivery failed", "request_id", r.ID, "worker_id", o.WorkerID, "err", err)
				// an unreachable worker cannot answer; close the offer so the round can end early
				if _, rerr := s.repo.ResolveOffer(ctx, o.ID, OfferWithdrawn, s.clock.Now()); rerr != nil {
					s.logger.Warn("withdraw undelivered offer failed", "offer_id", o.ID, "err", rerr)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}

// awaitDecision polls until the request leaves offered, every offer of the round is
// answered, or the deadline passes. It returns the request when it was decided.
func (s *Service) awaitDecision(ctx context.Context, r *Request, deadline time.Time) (*Request, error) {
	for {
		cur, err := s.repo.Get(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		if cur.Status != StatusOffered {
			return cur, nil
		}
		open, err := s.openOffers(ctx, r.ID, cur.DispatchRound)
		if err != nil {
			return nil, err
		}
		now := s.clock.Now()
		if open == 0 || !now.Before(deadline) {
			return nil, nil
		}
		if err := s.clock.Sleep(ctx, min(s.cfg.PollInterval, deadline.Sub(now))); err != nil {
			return nil, err
		}
	}
}

func (s *Service) openOffers(ctx context.Context, id types.ID, round int) (int, error) {
	offers, err := s.repo.Offers(ctx, id)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range offers {
		if o.Round == round && o.Outcome == OfferPending {
			n++
		}
	}
	return n, nil
}

// exhausted applies the no-driver policy to a request still searching.
func (s *Service) exhausted(ctx context.Context, r *Request) (DispatchResult, error) {
	if r.Status != StatusSearching {
		return resultOf(r), nil
	}
	observability.DispatchRounds.WithLabelValues("exhausted").Inc()
	s.logger.Info("no driver found", "request_id", r.ID, "rounds", r.DispatchRound, "policy", s.cfg.ExhaustedPolicy)

	if s.cfg.ExhaustedPolicy == PolicyCancel {
		done, err := s.terminate(ctx, r, StatusCancelled, ActorSystem, nil, ReasonNoDriverFound)
		if err != nil {
			return DispatchResult{RequestID: r.ID}, err
		}
		res := resultOf(done)
		res.Outcome = OutcomeNoDriverFound
		return res, nil
	}

	pending, err := s.apply(ctx, r, StatusPending, ActorSystem, nil, ReasonNoDriverFound, func(u *Update) {
		u.SearchOutcome = types.Ptr(OutcomeNoDriverFound)
	})
	if errors.Is(err, ErrConflict) {
		cur, gerr := s.repo.Get(ctx, r.ID)
		if gerr != nil {
			return DispatchResult{RequestID: r.ID}, gerr
		}
		return resultOf(cur), nil
	}
	if err != nil {
		return DispatchResult{RequestID: r.ID}, err
	}
	s.notifyRequester(ctx, pending, EventNoDriverFound, nil)
	return resultOf(pending), nil
}
