// README: Delivery logs, payloads, dead tokens and broadcasts in Postgres.
package notification

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dispatchd/internal/types"
)

type Store interface {
	SavePayload(ctx context.Context, broadcastID, notificationID string, msg Message) error
	Payload(ctx context.Context, broadcastID, notificationID string) (Message, error)
	IsDead(ctx context.Context, token string) (bool, error)
	MarkDead(ctx context.Context, token, reason string) error
	// Reserve claims one recipient row for sending. It returns false when the row was already
	// delivered, is in flight, failed permanently or used up its attempts.
	Reserve(ctx context.Context, key DeliveryKey, userID types.ID, jobID string, maxAttempts int, staleBefore time.Time) (bool, error)
	MarkSent(ctx context.Context, key DeliveryKey) error
	MarkFailed(ctx context.Context, key DeliveryKey, errMsg string, permanent bool) error
	// RetryCandidates lists failed rows that are neither permanent nor exhausted, and
	// rows left in "sending" since before staleBefore.
	RetryCandidates(ctx context.Context, staleBefore time.Time, limit int) ([]DeliveryLog, error)
	// MarkExhausted closes a row that used up its attempts, including one abandoned mid-send.
	MarkExhausted(ctx context.Context, key DeliveryKey) error
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type BroadcastStore interface {
	CreateBroadcast(ctx context.Context, b Broadcast) error
	DueBroadcasts(ctx context.Context, now time.Time, limit int) ([]Broadcast, error)
	// MarkBroadcastEnqueued moves a scheduled broadcast to enqueued exactly once.
	MarkBroadcastEnqueued(ctx context.Context, id types.ID) (bool, error)
}

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) SavePayload(ctx context.Context, broadcastID, notificationID string, msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO notification_payloads (broadcast_id, notification_id, payload, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (broadcast_id, notification_id) DO NOTHING
	`, broadcastID, notificationID, b)
	return err
}

func (s *PGStore) Payload(ctx context.Context, broadcastID, notificationID string) (Message, error) {
	var raw []byte
	err := s.db.QueryRow(ctx, `
		SELECT payload FROM notification_payloads WHERE broadcast_id = $1 AND notification_id = $2
	`, broadcastID, notificationID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, err
	}
	var msg Message
	err = json.Unmarshal(raw, &msg)
	return msg, err
}

func (s *PGStore) IsDead(ctx context.Context, token string) (bool, error) {
	var dead bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM dead_tokens WHERE token = $1)`, token).Scan(&dead)
	return dead, err
}

func (s *PGStore) MarkDead(ctx context.Context, token, reason string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO dead_tokens (token, reason, created_at) VALUES ($1, $2, NOW())
		ON CONFLICT (token) DO NOTHING
	`, token, reason)
	return err
}

func (s *PGStore) Reserve(ctx context.Context, key DeliveryKey, userID types.ID, jobID string, maxAttempts int, staleBefore time.Time) (bool, error) {
	var attempts int
	err := s.db.QueryRow(ctx, `
		INSERT INTO delivery_logs (
			broadcast_id, notification_id, token, user_id, job_id, status, attempts, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, 'sending', 1, NOW(), NOW())
		ON CONFLICT (broadcast_id, notification_id, token) DO UPDATE
		SET status = 'sending',
		    attempts = delivery_logs.attempts + 1,
		    job_id = EXCLUDED.job_id,
		    updated_at = NOW()
		WHERE delivery_logs.attempts < $6
		  AND NOT delivery_logs.permanent
		  AND NOT delivery_logs.exhausted
		  AND (delivery_logs.status = 'failed'
		       OR (delivery_logs.status = 'sending' AND delivery_logs.updated_at < $7))
		RETURNING attempts
	`, key.BroadcastID, key.NotificationID, key.Token, string(userID), jobID, maxAttempts, staleBefore).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *PGStore) MarkSent(ctx context.Context, key DeliveryKey) error {
	_, err := s.db.Exec(ctx, `
		UPDATE delivery_logs SET status = 'sent', error = '', updated_at = NOW()
		WHERE broadcast_id = $1 AND notification_id = $2 AND token = $3
	`, key.BroadcastID, key.NotificationID, key.Token)
	return err
}

func (s *PGStore) MarkFailed(ctx context.Context, key DeliveryKey, errMsg string, permanent bool) error {
	_, err := s.db.Exec(ctx, `
		UPDATE delivery_logs SET status = 'failed', error = $4, permanent = $5, updated_at = NOW()
		WHERE broadcast_id = $1 AND notification_id = $2 AND token = $3
	`, key.BroadcastID, key.NotificationID, key.Token, errMsg, permanent)
	return err
}

func (s *PGStore) RetryCandidates(ctx context.Context, staleBefore time.Time, limit int) ([]DeliveryLog, error) {
	rows, err := s.db.Query(ctx, `
		SELECT broadcast_id, notification_id, token, job_id, user_id, status, error,
		       permanent, exhausted, attempts, created_at, updated_at
		FROM delivery_logs
		WHERE NOT permanent AND NOT exhausted
		  AND (status = 'failed' OR (status = 'sending' AND updated_at < $1))
		ORDER BY broadcast_id, notification_id, token
		LIMIT $2
	`, staleBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DeliveryLog
	for rows.Next() {
		var l DeliveryLog
		if err := rows.Scan(&l.BroadcastID, &l.NotificationID, &l.Token, &l.JobID, &l.UserID, &l.Status,
			&l.Error, &l.Permanent, &l.Exhausted, &l.Attempts, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *PGStore) MarkExhausted(ctx context.Context, key DeliveryKey) error {
	_, err := s.db.Exec(ctx, `
		UPDATE delivery_logs
		SET exhausted = true,
		    status = 'failed',
		    error = COALESCE(NULLIF(error, ''), 'delivery lease expired'),
		    updated_at = NOW()
		WHERE broadcast_id = $1 AND notification_id = $2 AND token = $3
	`, key.BroadcastID, key.NotificationID, key.Token)
	return err
}

func (s *PGStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM delivery_logs WHERE updated_at < $1 AND status <> 'sending'`, cutoff)
	if err != nil {
		return 0, err
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM notification_payloads WHERE created_at < $1`, cutoff); err != nil {
		return tag.RowsAffected(), err
	}
	return tag.RowsAffected(), nil
}

func (s *PGStore) CreateBroadcast(ctx context.Context, b Broadcast) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO broadcasts (id, title, body, audience, scheduled_at, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, string(b.ID), b.Title, b.Body, b.Audience, b.ScheduledAt, string(b.Status), b.CreatedAt)
	return err
}

func (s *PGStore) DueBroadcasts(ctx context.Context, now time.Time, limit int) ([]Broadcast, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, title, body, audience, scheduled_at, status, created_at
		FROM broadcasts
		WHERE status = 'scheduled' AND scheduled_at <= $1
		ORDER BY scheduled_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Broadcast
	for rows.Next() {
		var b Broadcast
		if err := rows.Scan(&b.ID, &b.Title, &b.Body, &b.Audience, &b.ScheduledAt, &b.Status, &b.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PGStore) MarkBroadcastEnqueued(ctx context.Context, id types.ID) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE broadcasts SET status = 'enqueued' WHERE id = $1 AND status = 'scheduled'
	`, string(id))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
