// README: Scheduled broadcasts and delivery-log retention.
package notification

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"dispatchd/internal/clock"
	"dispatchd/internal/logging"
	"dispatchd/internal/modules/location"
	"dispatchd/internal/types"
)

const (
	AudienceWorkers      = "workers"
	audienceClassPrefix  = "vehicle_class:"
	dueBroadcastsPerTick = 50
)

type AudienceSource interface {
	AudienceTokens(ctx context.Context, vehicleClass string) ([]location.WorkerToken, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, cmd EnqueueCommand) ([]JobHandle, error)
}

// ParseAudience returns the vehicle class filter of an audience ("" for all workers).
func ParseAudience(audience string) (string, error) {
	switch {
	case audience == AudienceWorkers:
		return "", nil
	case strings.HasPrefix(audience, audienceClassPrefix) && len(audience) > len(audienceClassPrefix):
		return strings.TrimPrefix(audience, audienceClassPrefix), nil
	default:
		return "", fmt.Errorf("%w: unknown audience %q", ErrBadBroadcast, audience)
	}
}

type Scheduler struct {
	store    BroadcastStore
	audience AudienceSource
	enqueuer Enqueuer
	clock    clock.Clock
	interval time.Duration
	logger   *slog.Logger
}

func NewScheduler(store BroadcastStore, audience AudienceSource, enqueuer Enqueuer, clk clock.Clock, interval time.Duration, logger *slog.Logger) *Scheduler {
	if clk == nil {
		clk = clock.Real{}
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{store: store, audience: audience, enqueuer: enqueuer, clock: clk, interval: interval, logger: logging.OrDiscard(logger)}
}

type CreateBroadcastCommand struct {
	Title       string
	Body        string
	Audience    string
	ScheduledAt time.Time
}

// Create stores a broadcast; a zero ScheduledAt means now.
func (s *Scheduler) Create(ctx context.Context, cmd CreateBroadcastCommand) (Broadcast, error) {
	if strings.TrimSpace(cmd.Title) == "" && strings.TrimSpace(cmd.Body) == "" {
		return Broadcast{}, fmt.Errorf("%w: title or body is required", ErrBadBroadcast)
	}
	if _, err := ParseAudience(cmd.Audience); err != nil {
		return Broadcast{}, err
	}
	now := s.clock.Now()
	if cmd.ScheduledAt.IsZero() {
		cmd.ScheduledAt = now
	}
	b := Broadcast{
		ID:          types.NewID(),
		Title:       cmd.Title,
		Body:        cmd.Body,
		Audience:    cmd.Audience,
		ScheduledAt: cmd.ScheduledAt,
		Status:      BroadcastScheduled,
		CreatedAt:   now,
	}
	if err := s.store.CreateBroadcast(ctx, b); err != nil {
		return Broadcast{}, err
	}
	return b, nil
}

// RunOnce enqueues every due broadcast. Job ids are deterministic, so a crash between
// enqueue and the status update cannot send twice.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	due, err := s.store.DueBroadcasts(ctx, s.clock.Now(), dueBroadcastsPerTick)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, b := range due {
		if err := s.enqueue(ctx, b); err != nil {
			s.logger.Error("broadcast enqueue failed", "broadcast_id", b.ID, "err", err)
			continue
		}
		ok, err := s.store.MarkBroadcastEnqueued(ctx, b.ID)
		if err != nil {
			return sent, err
		}
		if ok {
			sent++
		}
	}
	return sent, nil
}

func (s *Scheduler) enqueue(ctx context.Context, b Broadcast) error {
	class, err := ParseAudience(b.Audience)
	if err != nil {
		return err
	}
	tokens, err := s.audience.AudienceTokens(ctx, class)
	if err != nil {
		return err
	}
	recipients := make([]Recipient, len(tokens))
	for i, t := range tokens {
		recipients[i] = Recipient{UserID: t.WorkerID, Token: t.PushToken}
	}
	_, err = s.enqueuer.Enqueue(ctx, EnqueueCommand{
		BroadcastID:    string(b.ID),
		NotificationID: "broadcast",
		Payload:        Message{Type: TypeBroadcast, Title: b.Title, Body: b.Body, Data: map[string]string{"broadcast_id": string(b.ID)}},
		Recipients:     recipients,
	})
	return err
}

func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("broadcast scheduler tick failed", "err", err)
			} else if n > 0 {
				s.logger.Info("broadcasts enqueued", "count", n)
			}
		}
	}
}

// Purger deletes rows last touched before cutoff.
type Purger interface {
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type Janitor struct {
	purgers   map[string]Purger
	retention time.Duration
	clock     clock.Clock
	logger    *slog.Logger
}

func NewJanitor(purgers map[string]Purger, retention time.Duration, clk clock.Clock, logger *slog.Logger) *Janitor {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Janitor{purgers: purgers, retention: retention, clock: clk, logger: logging.OrDiscard(logger)}
}

func (j *Janitor) RunOnce(ctx context.Context) (int64, error) {
	cutoff := j.clock.Now().Add(-j.retention)
	var total int64
	for name, p := range j.purgers {
		n, err := p.PurgeBefore(ctx, cutoff)
		if err != nil {
			return total, fmt.Errorf("purge %s: %w", name, err)
		}
		total += n
	}
	return total, nil
}

func (j *Janitor) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := j.RunOnce(ctx); err != nil {
				j.logger.Error("retention purge failed", "err", err)
			} else if n > 0 {
				j.logger.Info("retention purge", "rows", n)
			}
		}
	}
}
