// README: Sweeper terminates requests stuck before assignment.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"dispatchd/internal/clock"
	"dispatchd/internal/config"
	"dispatchd/internal/logging"
	"dispatchd/internal/observability"
)

var sweepable = []Status{StatusPending, StatusSearching, StatusOffered}

type Sweeper struct {
	svc    *Service
	cfg    config.SweeperConfig
	clock  clock.Clock
	logger *slog.Logger
}

func NewSweeper(svc *Service, cfg config.SweeperConfig, clk clock.Clock, logger *slog.Logger) *Sweeper {
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	return &Sweeper{svc: svc, cfg: cfg, clock: clk, logger: logging.OrDiscard(logger)}
}

// SweepOnce terminates every unassigned request whose dispatch started more than Timeout ago.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	stale, err := s.svc.repo.Stale(ctx, sweepable, s.clock.Now().Add(-s.cfg.Timeout), s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	target, reason := StatusCancelled, ReasonInactivity
	if s.cfg.MarkExpired {
		target = StatusExpired
	}
	swept := 0
	for _, r := range stale {
		if _, err := s.svc.terminate(ctx, r, target, ActorSystem, nil, reason); err != nil {
			if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrConflict) {
				// assigned or terminated since the scan
				continue
			}
			return swept, err
		}
		swept++
		observability.SweptRequests.WithLabelValues(string(target)).Inc()
		s.logger.Info("request swept", "request_id", r.ID, "status", target, "age", s.clock.Now().Sub(r.CreatedAt))
	}
	return swept, nil
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("sweep failed", "err", err)
			}
		}
	}
}

// OfferRetention purges answered offer attempts for the retention janitor.
type OfferRetention struct {
	repo Repository
}

func NewOfferRetention(repo Repository) OfferRetention {
	return OfferRetention{repo: repo}
}

func (o OfferRetention) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return o.repo.PurgeOffersBefore(ctx, cutoff)
}
