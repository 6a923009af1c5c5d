// README: Firebase Cloud Messaging push gateway with a client-side rate limit.
package notification

import (
	"context"

	"firebase.google.com/go/v4/messaging"
	"golang.org/x/time/rate"
)

type messagingClient interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

type FCMGateway struct {
	client  messagingClient
	limiter *rate.Limiter
}

// NewFCMGateway limits sends to perSecond (burst of the same size); perSecond <= 0 disables the limit.
func NewFCMGateway(client messagingClient, perSecond float64) *FCMGateway {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if perSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(perSecond), max(1, int(perSecond)))
	}
	return &FCMGateway{client: client, limiter: limiter}
}

func (g *FCMGateway) Send(ctx context.Context, r Recipient, m Message) error {
	if r.Token == "" {
		return Permanent(ErrEmptyRecipient)
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return Transient(err)
	}
	data := make(map[string]string, len(m.Data)+1)
	for k, v := range m.Data {
		data[k] = v
	}
	data["type"] = m.Type

	msg := &messaging.Message{
		Token: r.Token,
		Data:  data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{ContentAvailable: true, Sound: "default"},
			},
		},
	}
	if m.Title != "" || m.Body != "" {
		msg.Notification = &messaging.Notification{Title: m.Title, Body: m.Body}
	}
	if _, err := g.client.Send(ctx, msg); err != nil {
		return classifyFCMError(err)
	}
	return nil
}

func classifyFCMError(err error) error {
	if messaging.IsUnregistered(err) || messaging.IsInvalidArgument(err) || messaging.IsSenderIDMismatch(err) {
		return Permanent(err)
	}
	return Transient(err)
}
