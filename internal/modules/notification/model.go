// README: Notification messages, recipients, delivery jobs, logs and broadcasts.
package notification

import (
	"errors"
	"fmt"
	"time"

	"dispatchd/internal/types"
)

var (
	ErrNoSession      = errors.New("no live session")
	ErrNotFound       = errors.New("notification record not found")
	ErrBadBroadcast   = errors.New("invalid broadcast")
	ErrEmptyRecipient = errors.New("recipient has no token")
)

// DirectBroadcast is the broadcast id used for one-off transactional notifications.
const DirectBroadcast = "direct"

// Message types carried in Message.Type.
const (
	TypeOffer         = "offer"
	TypeOfferWithdraw = "offer_withdrawn"
	TypeStatus        = "request_status"
	TypePickupCode    = "pickup_code"
	TypeBroadcast     = "broadcast"
)

type Message struct {
	Type  string            `json:"type"`
	Title string            `json:"title,omitempty"`
	Body  string            `json:"body,omitempty"`
	Data  map[string]string `json:"data,omitempty"`
}

type Recipient struct {
	UserID types.ID `json:"user_id"`
	Token  string   `json:"token"`
}

// DeliveryError classifies a send failure. Permanent failures are never retried.
type DeliveryError struct {
	Err       error
	Permanent bool
}

func (e *DeliveryError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("%s delivery error: %v", kind, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func Permanent(err error) error { return &DeliveryError{Err: err, Permanent: true} }
func Transient(err error) error { return &DeliveryError{Err: err} }

func IsPermanent(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Permanent
}

// Job is one batch of recipients for a single (broadcast, notification) pair.
type Job struct {
	ID             string      `json:"id"`
	BroadcastID    string      `json:"broadcast_id"`
	NotificationID string      `json:"notification_id"`
	Batch          int         `json:"batch"`
	Pass           int         `json:"pass"`
	Recipients     []Recipient `json:"recipients"`
	EnqueuedAt     time.Time   `json:"enqueued_at"`

	receipt string
}

type JobHandle struct {
	ID        string `json:"id"`
	Batch     int    `json:"batch"`
	Size      int    `json:"size"`
	Duplicate bool   `json:"duplicate"`
}

type DeliveryStatus string

const (
	DeliverySending DeliveryStatus = "sending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// DeliveryKey identifies one recipient of one notification.
type DeliveryKey struct {
	BroadcastID    string
	NotificationID string
	Token          string
}

type DeliveryLog struct {
	DeliveryKey
	JobID     string
	UserID    types.ID
	Status    DeliveryStatus
	Error     string
	Permanent bool
	Exhausted bool
	Attempts  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

type BroadcastStatus string

const (
	BroadcastScheduled BroadcastStatus = "scheduled"
	BroadcastEnqueued  BroadcastStatus = "enqueued"
)

// Broadcast is an admin message to a worker audience: "workers" or "vehicle_class:<class>".
type Broadcast struct {
	ID          types.ID        `json:"id"`
	Title       string          `json:"title"`
	Body        string          `json:"body"`
	Audience    string          `json:"audience"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	Status      BroadcastStatus `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
}
