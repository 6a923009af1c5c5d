// README: Direct offer sends with bounded exponential backoff.
package notification

import (
	"context"
	"log/slog"
	"time"

	"dispatchd/internal/clock"
	"dispatchd/internal/logging"
)

type OfferSender struct {
	gateway  Gateway
	clock    clock.Clock
	attempts int
	backoff  time.Duration
	logger   *slog.Logger
}

func NewOfferSender(gateway Gateway, clk clock.Clock, attempts int, backoff time.Duration, logger *slog.Logger) *OfferSender {
	if clk == nil {
		clk = clock.Real{}
	}
	if attempts <= 0 {
		attempts = 3
	}
	return &OfferSender{gateway: gateway, clock: clk, attempts: attempts, backoff: backoff, logger: logging.OrDiscard(logger)}
}

// Send tries up to the configured attempts, doubling the delay after each transient
// failure. A permanent failure returns immediately.
func (s *OfferSender) Send(ctx context.Context, r Recipient, m Message) error {
	delay := s.backoff
	var err error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if err = s.gateway.Send(ctx, r, m); err == nil {
			return nil
		}
		if IsPermanent(err) || attempt == s.attempts {
			break
		}
		s.logger.Debug("offer send retry", "user_id", r.UserID, "attempt", attempt, "err", err)
		if sleepErr := s.clock.Sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
		delay *= 2
	}
	return err
}
