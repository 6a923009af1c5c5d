// README: Channel routing: live socket first, push otherwise.
package notification

import (
	"context"
	"errors"
	"log/slog"

	"dispatchd/internal/logging"
	"dispatchd/internal/observability"
)

type Router struct {
	socket Gateway
	push   Gateway
	logger *slog.Logger
}

// NewRouter accepts a nil socket gateway for push-only deployments.
func NewRouter(socket, push Gateway, logger *slog.Logger) *Router {
	return &Router{socket: socket, push: push, logger: logging.OrDiscard(logger)}
}

func (r *Router) Send(ctx context.Context, to Recipient, m Message) error {
	var socketErr error
	if r.socket != nil && to.UserID != "" {
		socketErr = r.socket.Send(ctx, to, m)
		if socketErr == nil {
			observability.Deliveries.WithLabelValues("socket", "sent").Inc()
			return nil
		}
		if !errors.Is(socketErr, ErrNoSession) {
			r.logger.Warn("socket send failed, falling back to push", "user_id", to.UserID, "err", socketErr)
		}
	}
	if r.push != nil && to.Token != "" {
		return r.push.Send(ctx, to, m)
	}
	if socketErr != nil {
		// the worker may reconnect before the next pass
		return Transient(socketErr)
	}
	if to.Token == "" {
		return Permanent(ErrEmptyRecipient)
	}
	return Permanent(ErrNoSession)
}
