// README: In-memory repository with the same compare-and-swap semantics as the Postgres store.
package dispatch

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"dispatchd/internal/types"
)

type MemoryStore struct {
	mu       sync.Mutex
	requests map[types.ID]*Request
	events   map[types.ID][]Event
	offers   map[types.ID]*OfferAttempt
	eventSeq int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[types.ID]*Request),
		events:   make(map[types.ID][]Event),
		offers:   make(map[types.ID]*OfferAttempt),
	}
}

func (m *MemoryStore) Create(_ context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := cloneRequest(r)
	c.UpdatedAt = c.CreatedAt
	c.DispatchStartedAt = c.CreatedAt
	m.requests[r.ID] = c
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id types.ID) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRequest(r), nil
}

func (m *MemoryStore) HasActiveByRequester(_ context.Context, requesterID types.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.requests {
		if r.RequesterID == requesterID && slices.Contains(activeStatuses, r.Status) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) Update(_ context.Context, u Update) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[u.ID]
	if !ok || r.Status != u.From || r.StatusVersion != u.Version {
		return false, nil
	}
	r.Status = u.To
	r.StatusVersion++
	r.UpdatedAt = u.At
	switch {
	case u.ClearWorker:
		r.WorkerID = nil
	case u.WorkerID != nil:
		r.WorkerID = u.WorkerID.Ptr()
	}
	if u.DispatchRound != nil {
		r.DispatchRound = *u.DispatchRound
	}
	if u.DispatchStartedAt != nil {
		r.DispatchStartedAt = *u.DispatchStartedAt
	}
	if u.SearchOutcome != nil {
		r.SearchOutcome = *u.SearchOutcome
	}
	if u.OTPHash != nil {
		r.OTPHash = *u.OTPHash
		r.OTPAttempts = 0
	}
	if u.OTPExpiresAt != nil {
		r.OTPExpiresAt = types.Ptr(*u.OTPExpiresAt)
	}
	if u.FinalFare != nil {
		r.FinalFare = types.Ptr(*u.FinalFare)
	}
	if u.PaymentStatus != nil {
		r.PaymentStatus = *u.PaymentStatus
	}
	if u.Cancellation != nil {
		c := *u.Cancellation
		c.At = u.At
		r.Cancellation = &c
	}
	if u.From != u.To {
		at := types.Ptr(u.At)
		switch u.To {
		case StatusAssigned:
			r.AssignedAt = at
		case StatusArrived:
			r.ArrivedAt = at
		case StatusInProgress:
			r.StartedAt = at
		case StatusCompleted:
			r.CompletedAt = at
		case StatusCancelled, StatusExpired:
			r.CancelledAt = at
		}
	}
	return true, nil
}

func (m *MemoryStore) Assign(_ context.Context, a Assignment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[a.RequestID]
	if !ok || !r.Status.Searchable() || r.WorkerID != nil {
		return false, nil
	}
	r.Status = StatusAssigned
	r.StatusVersion++
	r.WorkerID = a.WorkerID.Ptr()
	r.AssignedAt = types.Ptr(a.At)
	r.UpdatedAt = a.At
	r.OTPHash = a.OTPHash
	r.OTPExpiresAt = types.Ptr(a.OTPExpiresAt)
	r.OTPAttempts = 0
	r.SearchOutcome = ""
	return true, nil
}

func (m *MemoryStore) RecordOTPFailure(_ context.Context, requestID types.ID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok {
		return 0, ErrNotFound
	}
	r.OTPAttempts++
	return r.OTPAttempts, nil
}

func (m *MemoryStore) AddRejection(_ context.Context, requestID, workerID types.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok {
		return ErrNotFound
	}
	if !slices.Contains(r.RejectedBy, workerID) {
		r.RejectedBy = append(r.RejectedBy, workerID)
	}
	return nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventSeq++
	e.ID = m.eventSeq
	m.events[e.RequestID] = append(m.events[e.RequestID], e)
	return nil
}

func (m *MemoryStore) Events(_ context.Context, requestID types.ID) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.events[requestID]), nil
}

func (m *MemoryStore) Stale(_ context.Context, statuses []Status, cutoff time.Time, limit int) ([]*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Request
	for _, r := range m.requests {
		if slices.Contains(statuses, r.Status) && r.DispatchStartedAt.Before(cutoff) {
			out = append(out, cloneRequest(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DispatchStartedAt.Before(out[j].DispatchStartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CreateOffers(_ context.Context, offers []OfferAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range offers {
		dup := false
		for _, existing := range m.offers {
			if existing.RequestID == o.RequestID && existing.WorkerID == o.WorkerID && existing.Round == o.Round {
				dup = true
				break
			}
		}
		if !dup {
			c := o
			m.offers[o.ID] = &c
		}
	}
	return nil
}

func (m *MemoryStore) Offers(_ context.Context, requestID types.ID) ([]OfferAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offersFor(requestID), nil
}

func (m *MemoryStore) LatestOffer(_ context.Context, requestID, workerID types.ID) (OfferAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *OfferAttempt
	for _, o := range m.offers {
		if o.RequestID == requestID && o.WorkerID == workerID && (best == nil || o.Round > best.Round) {
			best = o
		}
	}
	if best == nil {
		return OfferAttempt{}, ErrOfferNotFound
	}
	return *best, nil
}

func (m *MemoryStore) ResolveOffer(_ context.Context, offerID types.ID, outcome OfferOutcome, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[offerID]
	if !ok || o.Outcome != OfferPending {
		return false, nil
	}
	o.Outcome = outcome
	o.RespondedAt = types.Ptr(at)
	return true, nil
}

func (m *MemoryStore) ResolvePendingOffers(_ context.Context, requestID types.ID, outcome OfferOutcome, at time.Time) ([]OfferAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var moved []OfferAttempt
	for _, o := range m.offers {
		if o.RequestID == requestID && o.Outcome == OfferPending {
			o.Outcome = outcome
			o.RespondedAt = types.Ptr(at)
			moved = append(moved, *o)
		}
	}
	sortOffers(moved)
	return moved, nil
}

func (m *MemoryStore) PurgeOffersBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, o := range m.offers {
		if o.Outcome != OfferPending && o.SentAt.Before(cutoff) {
			delete(m.offers, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) offersFor(requestID types.ID) []OfferAttempt {
	var out []OfferAttempt
	for _, o := range m.offers {
		if o.RequestID == requestID {
			out = append(out, *o)
		}
	}
	sortOffers(out)
	return out
}

func sortOffers(offers []OfferAttempt) {
	sort.Slice(offers, func(i, j int) bool {
		if offers[i].Round != offers[j].Round {
			return offers[i].Round < offers[j].Round
		}
		return offers[i].DistanceKm < offers[j].DistanceKm
	})
}

func cloneRequest(r *Request) *Request {
	c := *r
	c.RejectedBy = slices.Clone(r.RejectedBy)
	if r.WorkerID != nil {
		c.WorkerID = r.WorkerID.Ptr()
	}
	return &c
}
