// README: Offer, withdrawal and status notices routed through the notification subsystem.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"dispatchd/internal/logging"
	"dispatchd/internal/modules/location"
	"dispatchd/internal/modules/matching"
	"dispatchd/internal/modules/notification"
	"dispatchd/internal/types"
)

// Notifier tells workers and requesters about lifecycle changes. Failures are logged by
// callers and never roll back a committed transition.
type Notifier interface {
	Offer(ctx context.Context, r *Request, o OfferAttempt, c matching.Candidate) error
	// OfferClosed tells a worker that an offer expired or was withdrawn.
	OfferClosed(ctx context.Context, r *Request, o OfferAttempt) error
	Requester(ctx context.Context, r *Request, event string, data map[string]string) error
	Worker(ctx context.Context, r *Request, workerID types.ID, event string) error
}

const (
	EventAssigned      = "assigned"
	EventArrived       = "arrived"
	EventOTPVerified   = "otp_verified"
	EventOTP           = "otp"
	EventStarted       = "started"
	EventCompleted     = "completed"
	EventCancelled     = "cancelled"
	EventNoDriverFound = "no_driver_found"
	EventReassigned    = "reassigned"
)

// pickupCodeKey carries the plaintext pickup code in requester event data.
const pickupCodeKey = "otp"

type noopNotifier struct{}

func (noopNotifier) Offer(context.Context, *Request, OfferAttempt, matching.Candidate) error {
	return nil
}
func (noopNotifier) OfferClosed(context.Context, *Request, OfferAttempt) error { return nil }
func (noopNotifier) Requester(context.Context, *Request, string, map[string]string) error {
	return nil
}
func (noopNotifier) Worker(context.Context, *Request, types.ID, string) error { return nil }

type WorkerDirectory interface {
	Get(ctx context.Context, id types.ID) (location.WorkerAvailability, error)
}

// DeliveryNotifier sends offers directly with bounded retries and everything else through
// the deduplicating delivery queue.
type DeliveryNotifier struct {
	offers    notification.Gateway
	deliverer notification.Enqueuer
	workers   WorkerDirectory
	logger    *slog.Logger
}

func NewDeliveryNotifier(offers notification.Gateway, deliverer notification.Enqueuer, workers WorkerDirectory, logger *slog.Logger) *DeliveryNotifier {
	return &DeliveryNotifier{offers: offers, deliverer: deliverer, workers: workers, logger: logging.OrDiscard(logger)}
}

func (n *DeliveryNotifier) Offer(ctx context.Context, r *Request, o OfferAttempt, c matching.Candidate) error {
	msg := notification.Message{
		Type:  notification.TypeOffer,
		Title: "New " + string(r.Kind) + " request",
		Body:  fmt.Sprintf("Pickup %.1f km away", c.DistanceKm),
		Data: map[string]string{
			"request_id":     string(r.ID),
			"offer_id":       string(o.ID),
			"expires_at":     o.ExpiresAt.UTC().Format(time.RFC3339),
			"pickup_address": r.Pickup.Address,
			"drop_address":   r.Drop.Address,
			"fare":           strconv.FormatFloat(r.Quote.Breakdown.Total, 'f', 2, 64),
			"currency":       r.Quote.Breakdown.Currency,
			"vehicle_class":  r.VehicleClass,
		},
	}
	return n.offers.Send(ctx, notification.Recipient{UserID: c.WorkerID, Token: c.PushToken}, msg)
}

func (n *DeliveryNotifier) OfferClosed(ctx context.Context, r *Request, o OfferAttempt) error {
	token, err := n.workerToken(ctx, o.WorkerID)
	if err != nil {
		return err
	}
	_, err = n.deliverer.Enqueue(ctx, notification.EnqueueCommand{
		NotificationID: fmt.Sprintf("offer:%s:%s", o.ID, o.Outcome),
		Payload: notification.Message{
			Type: notification.TypeOfferWithdraw,
			Data: map[string]string{"request_id": string(r.ID), "offer_id": string(o.ID), "reason": string(o.Outcome)},
		},
		Recipients: []notification.Recipient{{UserID: o.WorkerID, Token: token}},
	})
	return err
}

// Requester queues a status notice. A pickup code in data is sent directly and never
// reaches the stored payload.
func (n *DeliveryNotifier) Requester(ctx context.Context, r *Request, event string, data map[string]string) error {
	payload := map[string]string{"request_id": string(r.ID), "status": string(r.Status), "event": event}
	var code string
	for k, v := range data {
		if k == pickupCodeKey {
			code = v
			continue
		}
		payload[k] = v
	}
	var errs []error
	if event != EventOTP {
		_, err := n.deliverer.Enqueue(ctx, notification.EnqueueCommand{
			NotificationID: fmt.Sprintf("request:%s:%s:%d", r.ID, event, r.StatusVersion),
			Payload:        notification.Message{Type: notification.TypeStatus, Title: requesterTitle(event), Data: payload},
			Recipients:     []notification.Recipient{{UserID: r.RequesterID, Token: r.RequesterToken}},
		})
		errs = append(errs, err)
	}
	if code != "" {
		errs = append(errs, n.sendPickupCode(ctx, r, code))
	}
	return errors.Join(errs...)
}

func (n *DeliveryNotifier) sendPickupCode(ctx context.Context, r *Request, code string) error {
	return n.offers.Send(ctx, notification.Recipient{UserID: r.RequesterID, Token: r.RequesterToken}, notification.Message{
		Type:  notification.TypePickupCode,
		Title: "Your pickup code",
		Data:  map[string]string{"request_id": string(r.ID), pickupCodeKey: code},
	})
}

func (n *DeliveryNotifier) Worker(ctx context.Context, r *Request, workerID types.ID, event string) error {
	token, err := n.workerToken(ctx, workerID)
	if err != nil {
		return err
	}
	_, err = n.deliverer.Enqueue(ctx, notification.EnqueueCommand{
		NotificationID: fmt.Sprintf("request:%s:worker:%s:%d", r.ID, event, r.StatusVersion),
		Payload: notification.Message{
			Type: notification.TypeStatus,
			Data: map[string]string{"request_id": string(r.ID), "status": string(r.Status), "event": event},
		},
		Recipients: []notification.Recipient{{UserID: workerID, Token: token}},
	})
	return err
}

func (n *DeliveryNotifier) workerToken(ctx context.Context, id types.ID) (string, error) {
	if n.workers == nil {
		return "", nil
	}
	w, err := n.workers.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return w.PushToken, nil
}

func requesterTitle(event string) string {
	switch event {
	case EventAssigned:
		return "Driver assigned"
	case EventArrived:
		return "Your driver has arrived"
	case EventCompleted:
		return "Trip completed"
	case EventCancelled:
		return "Request cancelled"
	case EventNoDriverFound:
		return "No driver available yet, we will keep trying"
	default:
		return ""
	}
}
