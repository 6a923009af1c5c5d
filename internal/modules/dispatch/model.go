// README: Request aggregate, status machine and offer attempts.
package dispatch

import (
	"errors"
	"fmt"
	"time"

	"dispatchd/internal/modules/pricing"
	"dispatchd/internal/types"
)

type Status string

const (
	StatusNone        Status = "none"
	StatusPending     Status = "pending"
	StatusSearching   Status = "searching"
	StatusOffered     Status = "offered"
	StatusAssigned    Status = "assigned"
	StatusArrived     Status = "arrived"
	StatusOTPVerified Status = "otp_verified"
	StatusInProgress  Status = "in_progress"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
	StatusExpired     Status = "expired"
)

// AllowedTransitions is the request lifecycle as code.
var AllowedTransitions = map[Status][]Status{
	StatusPending:     {StatusSearching, StatusCancelled, StatusExpired},
	StatusSearching:   {StatusOffered, StatusAssigned, StatusPending, StatusCancelled, StatusExpired},
	StatusOffered:     {StatusAssigned, StatusSearching, StatusCancelled, StatusExpired},
	StatusAssigned:    {StatusArrived, StatusSearching, StatusCancelled},
	StatusArrived:     {StatusOTPVerified, StatusCancelled},
	StatusOTPVerified: {StatusInProgress, StatusCancelled},
	StatusInProgress:  {StatusCompleted, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusExpired
}

// Searchable statuses are the ones an accept may commit from.
func (s Status) Searchable() bool {
	return s == StatusSearching || s == StatusOffered
}

// activeStatuses block a requester from opening another request.
var activeStatuses = []Status{
	StatusPending, StatusSearching, StatusOffered, StatusAssigned,
	StatusArrived, StatusOTPVerified, StatusInProgress,
}

type Kind string

const (
	KindRide   Kind = "ride"
	KindParcel Kind = "parcel"
)

type PaymentStatus string

const (
	PaymentPendingExternal    PaymentStatus = "pending_external"
	PaymentAwaitingSettlement PaymentStatus = "awaiting_settlement"
)

const (
	ActorUser   = "user"
	ActorDriver = "driver"
	ActorSystem = "system"
	ActorAdmin  = "admin"
)

const (
	ReasonNoDriverFound = "no_driver_found"
	ReasonInactivity    = "auto_cancelled_inactivity"
	ReasonReassigned    = "reassigned"
)

const OutcomeNoDriverFound = "no_driver_found"

type Cancellation struct {
	Actor   string    `json:"actor"`
	ActorID *types.ID `json:"actor_id,omitempty"`
	Reason  string    `json:"reason"`
	At      time.Time `json:"at"`
}

type Request struct {
	ID             types.ID    `json:"id"`
	RequesterID    types.ID    `json:"requester_id"`
	RequesterToken string      `json:"-"`
	WorkerID       *types.ID   `json:"worker_id,omitempty"`
	Kind           Kind        `json:"kind"`
	Pickup         types.Place `json:"pickup"`
	Drop           types.Place `json:"drop"`
	VehicleClass   string      `json:"vehicle_class"`
	Category       string      `json:"category,omitempty"`
	Status         Status      `json:"status"`
	StatusVersion  int         `json:"-"`

	Quote         pricing.Quote          `json:"quote"`
	FinalFare     *pricing.FareBreakdown `json:"final_fare,omitempty"`
	PaymentStatus PaymentStatus          `json:"payment_status"`

	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	DispatchStartedAt time.Time  `json:"-"`
	AssignedAt        *time.Time `json:"assigned_at,omitempty"`
	ArrivedAt         *time.Time `json:"arrived_at,omitempty"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	CancelledAt       *time.Time `json:"cancelled_at,omitempty"`

	OTPHash      string     `json:"-"`
	OTPExpiresAt *time.Time `json:"-"`
	// OTPAttempts counts wrong codes since the current code was issued.
	OTPAttempts int `json:"-"`

	Cancellation  *Cancellation `json:"cancellation,omitempty"`
	RejectedBy    []types.ID    `json:"-"`
	DispatchRound int           `json:"-"`
	SearchOutcome string        `json:"search_outcome,omitempty"`
}

func (r *Request) AssignedTo(workerID types.ID) bool {
	return r.WorkerID != nil && *r.WorkerID == workerID
}

type Event struct {
	ID         int64
	RequestID  types.ID
	FromStatus Status
	ToStatus   Status
	ActorType  string
	ActorID    *types.ID
	Reason     string
	CreatedAt  time.Time
}

type OfferOutcome string

const (
	OfferPending   OfferOutcome = "pending"
	OfferAccepted  OfferOutcome = "accepted"
	OfferRejected  OfferOutcome = "rejected"
	OfferExpired   OfferOutcome = "expired"
	OfferWithdrawn OfferOutcome = "withdrawn"
)

// OfferAttempt is one offer of one request to one worker in one round.
type OfferAttempt struct {
	ID          types.ID     `json:"id"`
	RequestID   types.ID     `json:"request_id"`
	WorkerID    types.ID     `json:"worker_id"`
	Round       int          `json:"round"`
	Attempt     int          `json:"attempt"`
	RadiusKm    float64      `json:"radius_km"`
	DistanceKm  float64      `json:"distance_km"`
	SentAt      time.Time    `json:"sent_at"`
	ExpiresAt   time.Time    `json:"expires_at"`
	Outcome     OfferOutcome `json:"outcome"`
	RespondedAt *time.Time   `json:"responded_at,omitempty"`
}

var (
	ErrValidation         = errors.New("validation failed")
	ErrNotFound           = errors.New("request not found")
	ErrOfferNotFound      = errors.New("offer not found")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrAssignmentConflict = errors.New("request already assigned")
	ErrConflict           = errors.New("request state changed concurrently")
	ErrActiveRequest      = errors.New("requester has an active request")
	ErrForbidden          = errors.New("actor may not act on this request")
	ErrOTPMismatch        = errors.New("otp does not match")
	ErrOTPExpired         = errors.New("otp expired")
	ErrOTPLocked          = errors.New("too many wrong otp attempts, request a new code")
	ErrQueueFull          = errors.New("dispatch queue full")
)

// ValidationError names the offending field; it matches ErrValidation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
