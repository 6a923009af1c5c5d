// README: Request, event and offer persistence in Postgres; status changes are compare-and-swap.
package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dispatchd/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const requestColumns = `id, requester_id, requester_token, worker_id, kind,
	pickup_lat, pickup_lng, pickup_address, drop_lat, drop_lng, drop_address,
	vehicle_class, category, status, status_version, quote, final_fare, payment_status,
	created_at, updated_at, dispatch_started_at, assigned_at, arrived_at, started_at, completed_at, cancelled_at,
	otp_hash, otp_expires_at, otp_attempts, cancel_actor, cancel_actor_id, cancel_reason,
	rejected_by, dispatch_round, search_outcome`

func (s *Store) Create(ctx context.Context, r *Request) error {
	quote, err := json.Marshal(r.Quote)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO requests (
			id, requester_id, requester_token, kind,
			pickup_lat, pickup_lng, pickup_address, drop_lat, drop_lng, drop_address,
			vehicle_class, category, status, status_version, quote, payment_status,
			created_at, updated_at, dispatch_started_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16,
			$17, $17, $17
		)`,
		string(r.ID), string(r.RequesterID), r.RequesterToken, string(r.Kind),
		r.Pickup.Lat, r.Pickup.Lng, r.Pickup.Address, r.Drop.Lat, r.Drop.Lng, r.Drop.Address,
		r.VehicleClass, r.Category, string(r.Status), r.StatusVersion, quote, string(r.PaymentStatus),
		r.CreatedAt,
	)
	return err
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Request, error) {
	row := s.db.QueryRow(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = $1`, string(id))
	r, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *Store) HasActiveByRequester(ctx context.Context, requesterID types.ID) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM requests WHERE requester_id = $1 AND status = ANY($2)
		)`, string(requesterID), statusStrings(activeStatuses),
	).Scan(&exists)
	return exists, err
}

func (s *Store) Update(ctx context.Context, u Update) (bool, error) {
	var finalFare []byte
	if u.FinalFare != nil {
		b, err := json.Marshal(u.FinalFare)
		if err != nil {
			return false, err
		}
		finalFare = b
	}
	var payment, cancelActor, cancelReason *string
	var cancelActorID *string
	if u.PaymentStatus != nil {
		v := string(*u.PaymentStatus)
		payment = &v
	}
	if u.Cancellation != nil {
		cancelActor = &u.Cancellation.Actor
		cancelReason = &u.Cancellation.Reason
		cancelActorID = idString(u.Cancellation.ActorID)
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE requests
		SET status = $1,
		    status_version = status_version + 1,
		    updated_at = $2,
		    worker_id = CASE WHEN $3 THEN NULL ELSE COALESCE($4, worker_id) END,
		    dispatch_round = COALESCE($5, dispatch_round),
		    dispatch_started_at = COALESCE($6, dispatch_started_at),
		    search_outcome = COALESCE($7, search_outcome),
		    otp_hash = COALESCE($8, otp_hash),
		    otp_expires_at = COALESCE($9, otp_expires_at),
		    otp_attempts = CASE WHEN $8::text IS NULL THEN otp_attempts ELSE 0 END,
		    final_fare = COALESCE($10, final_fare),
		    payment_status = COALESCE($11, payment_status),
		    cancel_actor = COALESCE($12, cancel_actor),
		    cancel_actor_id = COALESCE($13, cancel_actor_id),
		    cancel_reason = COALESCE($14, cancel_reason),
		    assigned_at = CASE WHEN $1 = 'assigned' AND $1 <> $15 THEN $2 ELSE assigned_at END,
		    arrived_at = CASE WHEN $1 = 'arrived' AND $1 <> $15 THEN $2 ELSE arrived_at END,
		    started_at = CASE WHEN $1 = 'in_progress' AND $1 <> $15 THEN $2 ELSE started_at END,
		    completed_at = CASE WHEN $1 = 'completed' AND $1 <> $15 THEN $2 ELSE completed_at END,
		    cancelled_at = CASE WHEN $1 IN ('cancelled', 'expired') AND $1 <> $15 THEN $2 ELSE cancelled_at END
		WHERE id = $16 AND status = $15 AND status_version = $17`,
		string(u.To), u.At,
		u.ClearWorker, idString(u.WorkerID),
		u.DispatchRound, u.DispatchStartedAt, u.SearchOutcome,
		u.OTPHash, u.OTPExpiresAt, finalFare, payment,
		cancelActor, cancelActorID, cancelReason,
		string(u.From), string(u.ID), u.Version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Assign is the single-assignment write. It does not check status_version so an accept can
// land while the orchestrator flips the request between searching and offered.
func (s *Store) Assign(ctx context.Context, a Assignment) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE requests
		SET status = 'assigned',
		    status_version = status_version + 1,
		    worker_id = $2,
		    assigned_at = $3,
		    updated_at = $3,
		    otp_hash = $4,
		    otp_expires_at = $5,
		    otp_attempts = 0,
		    search_outcome = ''
		WHERE id = $1 AND status IN ('searching', 'offered') AND worker_id IS NULL`,
		string(a.RequestID), string(a.WorkerID), a.At, a.OTPHash, a.OTPExpiresAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) RecordOTPFailure(ctx context.Context, requestID types.ID) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		UPDATE requests SET otp_attempts = otp_attempts + 1 WHERE id = $1 RETURNING otp_attempts
	`, string(requestID)).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	return n, err
}

func (s *Store) AddRejection(ctx context.Context, requestID, workerID types.ID) error {
	_, err := s.db.Exec(ctx, `
		UPDATE requests
		SET rejected_by = array_append(rejected_by, $2)
		WHERE id = $1 AND NOT ($2 = ANY(rejected_by))`,
		string(requestID), string(workerID),
	)
	return err
}

func (s *Store) AppendEvent(ctx context.Context, e Event) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO request_events (
			request_id, from_status, to_status, actor_type, actor_id, reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(e.RequestID), string(e.FromStatus), string(e.ToStatus),
		e.ActorType, idString(e.ActorID), e.Reason, e.CreatedAt,
	)
	return err
}

func (s *Store) Events(ctx context.Context, requestID types.ID) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, request_id, from_status, to_status, actor_type, actor_id, reason, created_at
		FROM request_events WHERE request_id = $1 ORDER BY id`, string(requestID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		var actorID sql.NullString
		if err := rows.Scan(&e.ID, &e.RequestID, &e.FromStatus, &e.ToStatus, &e.ActorType, &actorID, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		if actorID.Valid {
			e.ActorID = types.ID(actorID.String).Ptr()
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Stale(ctx context.Context, statuses []Status, cutoff time.Time, limit int) ([]*Request, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+requestColumns+` FROM requests
		WHERE status = ANY($1) AND dispatch_started_at < $2
		ORDER BY dispatch_started_at
		LIMIT $3`, statusStrings(statuses), cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const offerColumns = `id, request_id, worker_id, round, attempt, radius_km, distance_km,
	sent_at, expires_at, outcome, responded_at`

func (s *Store) CreateOffers(ctx context.Context, offers []OfferAttempt) error {
	if len(offers) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, o := range offers {
		batch.Queue(`
			INSERT INTO offer_attempts (`+offerColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULL)
			ON CONFLICT (request_id, worker_id, round) DO NOTHING`,
			string(o.ID), string(o.RequestID), string(o.WorkerID), o.Round, o.Attempt, o.RadiusKm, o.DistanceKm,
			o.SentAt, o.ExpiresAt, string(o.Outcome),
		)
	}
	return s.db.SendBatch(ctx, batch).Close()
}

func (s *Store) Offers(ctx context.Context, requestID types.ID) ([]OfferAttempt, error) {
	rows, err := s.db.Query(ctx, `SELECT `+offerColumns+` FROM offer_attempts WHERE request_id = $1 ORDER BY round, distance_km`, string(requestID))
	if err != nil {
		return nil, err
	}
	return collectOffers(rows)
}

func (s *Store) LatestOffer(ctx context.Context, requestID, workerID types.ID) (OfferAttempt, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+offerColumns+` FROM offer_attempts
		WHERE request_id = $1 AND worker_id = $2
		ORDER BY round DESC LIMIT 1`, string(requestID), string(workerID))
	if err != nil {
		return OfferAttempt{}, err
	}
	offers, err := collectOffers(rows)
	if err != nil {
		return OfferAttempt{}, err
	}
	if len(offers) == 0 {
		return OfferAttempt{}, ErrOfferNotFound
	}
	return offers[0], nil
}

func (s *Store) ResolveOffer(ctx context.Context, offerID types.ID, outcome OfferOutcome, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE offer_attempts SET outcome = $2, responded_at = $3
		WHERE id = $1 AND outcome = 'pending'`, string(offerID), string(outcome), at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ResolvePendingOffers(ctx context.Context, requestID types.ID, outcome OfferOutcome, at time.Time) ([]OfferAttempt, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE offer_attempts SET outcome = $2, responded_at = $3
		WHERE request_id = $1 AND outcome = 'pending'
		RETURNING `+offerColumns, string(requestID), string(outcome), at)
	if err != nil {
		return nil, err
	}
	return collectOffers(rows)
}

func (s *Store) PurgeOffersBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM offer_attempts WHERE outcome <> 'pending' AND sent_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func collectOffers(rows pgx.Rows) ([]OfferAttempt, error) {
	defer rows.Close()
	var out []OfferAttempt
	for rows.Next() {
		var o OfferAttempt
		var respondedAt sql.NullTime
		if err := rows.Scan(&o.ID, &o.RequestID, &o.WorkerID, &o.Round, &o.Attempt, &o.RadiusKm, &o.DistanceKm,
			&o.SentAt, &o.ExpiresAt, &o.Outcome, &respondedAt); err != nil {
			return nil, err
		}
		o.RespondedAt = toTimePtr(respondedAt)
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanRequest(row pgx.Row) (*Request, error) {
	var r Request
	var workerID, cancelActor, cancelActorID, cancelReason sql.NullString
	var quote, finalFare []byte
	var assignedAt, arrivedAt, startedAt, completedAt, cancelledAt, otpExpiresAt sql.NullTime
	var rejected []string

	err := row.Scan(
		&r.ID, &r.RequesterID, &r.RequesterToken, &workerID, &r.Kind,
		&r.Pickup.Lat, &r.Pickup.Lng, &r.Pickup.Address, &r.Drop.Lat, &r.Drop.Lng, &r.Drop.Address,
		&r.VehicleClass, &r.Category, &r.Status, &r.StatusVersion, &quote, &finalFare, &r.PaymentStatus,
		&r.CreatedAt, &r.UpdatedAt, &r.DispatchStartedAt, &assignedAt, &arrivedAt, &startedAt, &completedAt, &cancelledAt,
		&r.OTPHash, &otpExpiresAt, &r.OTPAttempts, &cancelActor, &cancelActorID, &cancelReason,
		&rejected, &r.DispatchRound, &r.SearchOutcome,
	)
	if err != nil {
		return nil, err
	}
	if workerID.Valid {
		r.WorkerID = types.ID(workerID.String).Ptr()
	}
	if err := json.Unmarshal(quote, &r.Quote); err != nil {
		return nil, err
	}
	if len(finalFare) > 0 {
		if err := json.Unmarshal(finalFare, &r.FinalFare); err != nil {
			return nil, err
		}
	}
	r.AssignedAt = toTimePtr(assignedAt)
	r.ArrivedAt = toTimePtr(arrivedAt)
	r.StartedAt = toTimePtr(startedAt)
	r.CompletedAt = toTimePtr(completedAt)
	r.CancelledAt = toTimePtr(cancelledAt)
	r.OTPExpiresAt = toTimePtr(otpExpiresAt)
	if cancelActor.Valid {
		r.Cancellation = &Cancellation{Actor: cancelActor.String, Reason: cancelReason.String}
		if cancelActorID.Valid {
			r.Cancellation.ActorID = types.ID(cancelActorID.String).Ptr()
		}
		if r.CancelledAt != nil {
			r.Cancellation.At = *r.CancelledAt
		}
	}
	for _, id := range rejected {
		r.RejectedBy = append(r.RejectedBy, types.ID(id))
	}
	return &r, nil
}

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func idString(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func toTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
