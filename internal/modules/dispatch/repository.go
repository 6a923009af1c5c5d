package dispatch

import (
	"context"
	"time"

	"dispatchd/internal/modules/pricing"
	"dispatchd/internal/types"
)

// Update is a compare-and-swap on (status, status_version). Nil fields are left unchanged.
type Update struct {
	ID      types.ID
	From    Status
	To      Status
	Version int
	At      time.Time

	WorkerID          *types.ID
	ClearWorker       bool
	DispatchRound     *int
	DispatchStartedAt *time.Time
	SearchOutcome     *string
	OTPHash           *string
	OTPExpiresAt      *time.Time
	FinalFare         *pricing.FareBreakdown
	PaymentStatus     *PaymentStatus
	Cancellation      *Cancellation
}

// Assignment commits a worker to a request still searching or offered with no worker.
type Assignment struct {
	RequestID    types.ID
	WorkerID     types.ID
	OTPHash      string
	OTPExpiresAt time.Time
	At           time.Time
}

type Repository interface {
	Create(ctx context.Context, r *Request) error
	Get(ctx context.Context, id types.ID) (*Request, error)
	HasActiveByRequester(ctx context.Context, requesterID types.ID) (bool, error)
	Update(ctx context.Context, u Update) (bool, error)
	Assign(ctx context.Context, a Assignment) (bool, error)
	AddRejection(ctx context.Context, requestID, workerID types.ID) error
	// RecordOTPFailure counts one wrong pickup code and returns the new count.
	// Issuing a new code resets the count.
	RecordOTPFailure(ctx context.Context, requestID types.ID) (int, error)
	AppendEvent(ctx context.Context, e Event) error
	Events(ctx context.Context, requestID types.ID) ([]Event, error)
	// Stale lists requests in statuses whose dispatch started before cutoff, oldest first.
	Stale(ctx context.Context, statuses []Status, cutoff time.Time, limit int) ([]*Request, error)

	// CreateOffers ignores offers that already exist for (request, worker, round).
	CreateOffers(ctx context.Context, offers []OfferAttempt) error
	Offers(ctx context.Context, requestID types.ID) ([]OfferAttempt, error)
	// LatestOffer returns the worker's offer from the highest round.
	LatestOffer(ctx context.Context, requestID, workerID types.ID) (OfferAttempt, error)
	// ResolveOffer moves one pending offer to outcome.
	ResolveOffer(ctx context.Context, offerID types.ID, outcome OfferOutcome, at time.Time) (bool, error)
	// ResolvePendingOffers moves every pending offer of the request and returns the moved rows.
	ResolvePendingOffers(ctx context.Context, requestID types.ID, outcome OfferOutcome, at time.Time) ([]OfferAttempt, error)
	PurgeOffersBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
