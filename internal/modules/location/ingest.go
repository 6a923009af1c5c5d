// README: Kafka location pipeline: publisher for API writes and a consumer feeding Ingest.
package location

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"dispatchd/internal/clock"
	"dispatchd/internal/logging"
)

const (
	consumerBaseBackoff = time.Second
	consumerMaxBackoff  = 30 * time.Second
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Ingester interface {
	Ingest(ctx context.Context, u Update) (IngestResult, error)
}

type Publisher struct {
	writer messageWriter
}

func NewPublisher(w messageWriter) *Publisher {
	return &Publisher{writer: w}
}

// Publish keys the message by worker so samples of one worker stay ordered.
func (p *Publisher) Publish(ctx context.Context, u Update) error {
	b, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(u.WorkerID), Value: b})
}

type Consumer struct {
	reader messageReader
	svc    Ingester
	clock  clock.Clock
	logger *slog.Logger
}

func NewConsumer(r messageReader, svc Ingester, clk clock.Clock, logger *slog.Logger) *Consumer {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Consumer{reader: r, svc: svc, clock: clk, logger: logging.OrDiscard(logger)}
}

// Run consumes until ctx is cancelled. Read failures back off exponentially;
// undecodable or invalid samples are committed and skipped.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := consumerBaseBackoff
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("kafka fetch failed", "err", err, "backoff", backoff)
			if err := c.clock.Sleep(ctx, backoff); err != nil {
				return err
			}
			backoff = min(backoff*2, consumerMaxBackoff)
			continue
		}
		backoff = consumerBaseBackoff

		c.handle(ctx, m)
		if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.logger.Warn("kafka commit failed", "offset", m.Offset, "err", err)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, m kafka.Message) {
	var u Update
	if err := json.Unmarshal(m.Value, &u); err != nil {
		c.logger.Warn("invalid location message", "offset", m.Offset, "err", err)
		return
	}
	if _, err := c.svc.Ingest(ctx, u); err != nil {
		if errors.Is(err, ErrBadSample) || errors.Is(err, ErrWorkerNotFound) {
			c.logger.Warn("location sample rejected", "worker_id", u.WorkerID, "err", err)
			return
		}
		c.logger.Error("location ingest failed", "worker_id", u.WorkerID, "err", err)
	}
}
