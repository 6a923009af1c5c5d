// README: Batched, deduplicated, at-least-once notification delivery.
package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"dispatchd/internal/clock"
	"dispatchd/internal/config"
	"dispatchd/internal/logging"
	"dispatchd/internal/observability"
)

// Gateway sends one message to one recipient.
type Gateway interface {
	Send(ctx context.Context, r Recipient, m Message) error
}

// jobNamespace seeds the deterministic job ids.
var jobNamespace = uuid.MustParse("8f1d3c52-6a1e-4c1b-9f57-2b0c7d7e5a10")

// sendingLease is how long a row may stay in "sending" before another worker may reclaim it.
const sendingLease = 5 * time.Minute

const retryScanLimit = 5000

type Deliverer struct {
	queue   Queue
	store   Store
	gateway Gateway
	clock   clock.Clock
	cfg     config.NotificationConfig
	logger  *slog.Logger
}

func NewDeliverer(queue Queue, store Store, gateway Gateway, clk clock.Clock, cfg config.NotificationConfig, logger *slog.Logger) *Deliverer {
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.MaxPasses <= 0 {
		cfg.MaxPasses = 3
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Minute
	}
	return &Deliverer{queue: queue, store: store, gateway: gateway, clock: clk, cfg: cfg, logger: logging.OrDiscard(logger)}
}

type EnqueueCommand struct {
	BroadcastID    string
	NotificationID string
	Payload        Message
	Recipients     []Recipient
}

// JobID is stable for a given notification, broadcast, batch and pass.
func JobID(notificationID, broadcastID string, batch, pass int) string {
	return uuid.NewSHA1(jobNamespace, []byte(fmt.Sprintf("%s|%s|%d|%d", notificationID, broadcastID, batch, pass))).String()
}

// Enqueue persists the payload and queues the recipients in fixed-size batches.
// Enqueuing the same command twice queues nothing new.
func (d *Deliverer) Enqueue(ctx context.Context, cmd EnqueueCommand) ([]JobHandle, error) {
	if cmd.NotificationID == "" {
		return nil, errors.New("notification id is required")
	}
	if cmd.BroadcastID == "" {
		cmd.BroadcastID = DirectBroadcast
	}
	if err := d.store.SavePayload(ctx, cmd.BroadcastID, cmd.NotificationID, cmd.Payload); err != nil {
		return nil, fmt.Errorf("save payload: %w", err)
	}
	return d.enqueueBatches(ctx, cmd.BroadcastID, cmd.NotificationID, cmd.Recipients, 0)
}

func (d *Deliverer) enqueueBatches(ctx context.Context, broadcastID, notificationID string, recipients []Recipient, pass int) ([]JobHandle, error) {
	handles := make([]JobHandle, 0, len(recipients)/d.cfg.BatchSize+1)
	for batch, start := 0, 0; start < len(recipients); batch, start = batch+1, start+d.cfg.BatchSize {
		end := min(start+d.cfg.BatchSize, len(recipients))
		job := Job{
			ID:             JobID(notificationID, broadcastID, batch, pass),
			BroadcastID:    broadcastID,
			NotificationID: notificationID,
			Batch:          batch,
			Pass:           pass,
			Recipients:     recipients[start:end],
			EnqueuedAt:     d.clock.Now(),
		}
		added, err := d.queue.Push(ctx, job)
		if err != nil {
			return handles, fmt.Errorf("push job %s: %w", job.ID, err)
		}
		handles = append(handles, JobHandle{ID: job.ID, Batch: batch, Size: end - start, Duplicate: !added})
	}
	return handles, nil
}

// Run starts Workers consumers and blocks until ctx is cancelled.
func (d *Deliverer) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := d.queue.Pop(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					d.logger.Error("delivery queue pop failed", "err", err)
					if d.clock.Sleep(ctx, time.Second) != nil {
						return
					}
					continue
				}
				err = d.Process(ctx, job)
				switch {
				case errors.Is(err, ErrNotFound):
					d.logger.Warn("delivery payload gone, dropping job", "job_id", job.ID)
				case err != nil:
					// left claimed; RequeueExpired hands it out again
					d.logger.Error("delivery job failed", "job_id", job.ID, "err", err)
					continue
				}
				if err := d.queue.Ack(context.WithoutCancel(ctx), job); err != nil {
					d.logger.Warn("delivery ack failed", "job_id", job.ID, "err", err)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Process sends one job with at most Concurrency sends in flight.
// Per-recipient failures are recorded, not returned.
func (d *Deliverer) Process(ctx context.Context, job Job) error {
	msg, err := d.store.Payload(ctx, job.BroadcastID, job.NotificationID)
	if err != nil {
		return fmt.Errorf("load payload: %w", err)
	}
	// one recipient's store error must not cancel its siblings
	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)
	for _, r := range job.Recipients {
		g.Go(func() error {
			return d.deliver(ctx, job, r, msg)
		})
	}
	return g.Wait()
}

// userKeyPrefix keys delivery rows of recipients reachable only by socket.
const userKeyPrefix = "user:"

func deliveryToken(r Recipient) string {
	if r.Token != "" {
		return r.Token
	}
	if r.UserID == "" {
		return ""
	}
	return userKeyPrefix + string(r.UserID)
}

func recipientFromLog(l DeliveryLog) Recipient {
	if strings.HasPrefix(l.Token, userKeyPrefix) {
		return Recipient{UserID: l.UserID}
	}
	return Recipient{UserID: l.UserID, Token: l.Token}
}

func (d *Deliverer) deliver(ctx context.Context, job Job, r Recipient, msg Message) error {
	token := deliveryToken(r)
	if token == "" {
		return nil
	}
	key := DeliveryKey{BroadcastID: job.BroadcastID, NotificationID: job.NotificationID, Token: token}
	if r.Token != "" {
		dead, err := d.store.IsDead(ctx, r.Token)
		if err != nil {
			return err
		}
		if dead {
			observability.Deliveries.WithLabelValues("push", "dead_token").Inc()
			return nil
		}
	}
	ok, err := d.store.Reserve(ctx, key, r.UserID, job.ID, d.cfg.MaxPasses, d.clock.Now().Add(-sendingLease))
	if err != nil {
		return err
	}
	if !ok {
		observability.Deliveries.WithLabelValues("push", "skipped").Inc()
		return nil
	}

	// the row is reserved; record the outcome even if ctx ends mid-send
	mctx := context.WithoutCancel(ctx)
	sendErr := d.gateway.Send(ctx, r, msg)
	if sendErr == nil {
		observability.Deliveries.WithLabelValues("push", "sent").Inc()
		return d.store.MarkSent(mctx, key)
	}
	permanent := IsPermanent(sendErr)
	if permanent {
		observability.Deliveries.WithLabelValues("push", "permanent").Inc()
		if r.Token != "" {
			if err := d.store.MarkDead(mctx, r.Token, sendErr.Error()); err != nil {
				d.logger.Warn("mark dead token failed", "err", err)
			}
		}
	} else {
		observability.Deliveries.WithLabelValues("push", "failed").Inc()
	}
	d.logger.Debug("delivery failed", "job_id", job.ID, "user_id", r.UserID, "permanent", permanent, "err", sendErr)
	return d.store.MarkFailed(mctx, key, sendErr.Error(), permanent)
}

type RetryReport struct {
	Reclaimed int
	Requeued  int
	Exhausted int
	Jobs      int
}

// RetryPass hands out jobs whose claim expired, re-queues failed transient rows and rows
// stuck in "sending" past the lease that still have attempts left, and marks the rest
// exhausted.
func (d *Deliverer) RetryPass(ctx context.Context) (RetryReport, error) {
	var rep RetryReport
	reclaimed, err := d.queue.RequeueExpired(ctx)
	if err != nil {
		return rep, fmt.Errorf("requeue expired claims: %w", err)
	}
	rep.Reclaimed = reclaimed
	rows, err := d.store.RetryCandidates(ctx, d.clock.Now().Add(-sendingLease), retryScanLimit)
	if err != nil {
		return rep, err
	}

	type group struct {
		broadcast, notification string
		pass                    int
	}
	pending := make(map[group][]Recipient)
	var order []group
	for _, l := range rows {
		if l.Attempts >= d.cfg.MaxPasses {
			if err := d.store.MarkExhausted(ctx, l.DeliveryKey); err != nil {
				return rep, err
			}
			rep.Exhausted++
			observability.DeliveryExhausted.Inc()
			d.logger.Warn("delivery attempts exhausted",
				"broadcast_id", l.BroadcastID, "notification_id", l.NotificationID,
				"user_id", l.UserID, "attempts", l.Attempts, "status", l.Status, "last_error", l.Error)
			continue
		}
		g := group{broadcast: l.BroadcastID, notification: l.NotificationID, pass: l.Attempts}
		if _, seen := pending[g]; !seen {
			order = append(order, g)
		}
		pending[g] = append(pending[g], recipientFromLog(l))
	}

	for _, g := range order {
		handles, err := d.enqueueBatches(ctx, g.broadcast, g.notification, pending[g], g.pass)
		if err != nil {
			return rep, err
		}
		rep.Jobs += len(handles)
		rep.Requeued += len(pending[g])
	}
	return rep, nil
}

// RunRetries calls RetryPass every RetryInterval until ctx is cancelled.
func (d *Deliverer) RunRetries(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rep, err := d.RetryPass(ctx)
			if err != nil {
				d.logger.Error("delivery retry pass failed", "err", err)
				continue
			}
			if rep.Reclaimed > 0 || rep.Requeued > 0 || rep.Exhausted > 0 {
				d.logger.Info("delivery retry pass",
					"reclaimed", rep.Reclaimed, "requeued", rep.Requeued, "exhausted", rep.Exhausted, "jobs", rep.Jobs)
			}
		}
	}
}
