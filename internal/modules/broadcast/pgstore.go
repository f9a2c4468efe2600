// README: Broadcast store backed by PostgreSQL (pgx). Conditional updates arbitrate every race.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"medidrop/internal/modules/location"
	"medidrop/internal/modules/order"
	"medidrop/internal/types"
)

// DB abstracts the pgx pool for testing with pgxmock.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PGStore struct {
	db DB
}

func NewPGStore(db DB) *PGStore {
	return &PGStore{db: db}
}

// queueEntry is the jsonb shape of one remaining candidate.
type queueEntry struct {
	ID         types.ID `json:"id"`
	Lat        float64  `json:"lat"`
	Lng        float64  `json:"lng"`
	DistanceKm float64  `json:"distance_km"`
}

const broadcastColumns = `
	id, kind, order_id, origin_id, origin_lat, origin_lng, status, phase,
	attempt, radius_km, phase_timeout_at, timeout_at, notified_ids, remaining,
	accepted_by_id, accepted_at, failure_reason, version, created_at, updated_at`

const requestColumns = `
	id, broadcast_id, candidate_id, status, distance_km, candidate_lat, candidate_lng,
	expires_at, responded_at, rejection_reason, created_at`

func (s *PGStore) Create(ctx context.Context, b *Broadcast, reqs []CandidateRequest) error {
	notified, remaining, err := encodeQueues(b)
	if err != nil {
		return err
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return transient("begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO broadcasts (`+broadcastColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		string(b.ID), string(b.Kind), string(b.OrderID), string(b.OriginID),
		b.Origin.Lat, b.Origin.Lng, string(b.Status), string(b.Phase),
		b.Attempt, b.RadiusKm, b.PhaseTimeoutAt, b.TimeoutAt, notified, remaining,
		idPtr(b.AcceptedByID), b.AcceptedAt, b.FailureReason, b.Version, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return transient("insert broadcast", err)
	}
	if err := insertRequests(ctx, tx, reqs); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return transient("commit", err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, id types.ID) (*Broadcast, error) {
	row := s.db.QueryRow(ctx, `SELECT `+broadcastColumns+` FROM broadcasts WHERE id = $1`, string(id))
	b, err := scanBroadcast(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, transient("get", err)
	}
	return b, nil
}

func (s *PGStore) GetRequest(ctx context.Context, id types.ID) (*CandidateRequest, error) {
	row := s.db.QueryRow(ctx, `SELECT `+requestColumns+` FROM candidate_requests WHERE id = $1`, string(id))
	r, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, transient("get request", err)
	}
	return r, nil
}

func (s *PGStore) FindPendingRequest(ctx context.Context, broadcastID, candidateID types.ID) (*CandidateRequest, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+requestColumns+`
		FROM candidate_requests
		WHERE broadcast_id = $1 AND candidate_id = $2
		ORDER BY (status = 'pending') DESC, created_at DESC
		LIMIT 1`, string(broadcastID), string(candidateID))
	r, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, transient("find request", err)
	}
	return r, nil
}

func (s *PGStore) ListRequests(ctx context.Context, broadcastID types.ID) ([]CandidateRequest, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+requestColumns+`
		FROM candidate_requests
		WHERE broadcast_id = $1
		ORDER BY created_at, id`, string(broadcastID))
	if err != nil {
		return nil, transient("list requests", err)
	}
	defer rows.Close()

	out := []CandidateRequest{}
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, transient("scan request", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, transient("list requests", err)
	}
	return out, nil
}

func (s *PGStore) ListDue(ctx context.Context, now time.Time, limit int) ([]types.ID, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id
		FROM broadcasts
		WHERE status = 'searching'
		  AND (phase_timeout_at <= $1 OR timeout_at <= $1)
		ORDER BY LEAST(phase_timeout_at, timeout_at), id
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, transient("list due", err)
	}
	defer rows.Close()

	var ids []types.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, transient("scan due", err)
		}
		ids = append(ids, types.ID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, transient("list due", err)
	}
	return ids, nil
}

func (s *PGStore) Apply(ctx context.Context, t Transition) error {
	b := t.Next
	notified, remaining, err := encodeQueues(&b)
	if err != nil {
		return err
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return transient("begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE broadcasts
		SET status = $1, phase = $2, attempt = $3, radius_km = $4,
		    phase_timeout_at = $5, notified_ids = $6, remaining = $7,
		    failure_reason = $8, version = version + 1, updated_at = $9
		WHERE id = $10 AND version = $11 AND status = 'searching'`,
		string(b.Status), string(b.Phase), b.Attempt, b.RadiusKm,
		b.PhaseTimeoutAt, notified, remaining,
		b.FailureReason, t.Now, string(b.ID), t.PrevVersion,
	)
	if err != nil {
		return transient("advance", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrConflict
	}
	if t.ExpirePending {
		if _, err := tx.Exec(ctx, `
			UPDATE candidate_requests SET status = 'expired'
			WHERE broadcast_id = $1 AND status = 'pending'`, string(b.ID)); err != nil {
			return transient("expire requests", err)
		}
	}
	if err := insertRequests(ctx, tx, t.Requests); err != nil {
		return err
	}
	if b.Status == StatusFailed {
		if err := order.MarkUnresolvedTx(ctx, tx, b.Kind.Role(), b.OrderID); err != nil {
			return transient("mark order", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return transient("commit", err)
	}
	return nil
}

// Accept runs the winner write in one transaction. The order column is
// claimed first; it is the arbiter when several broadcast paths race.
func (s *PGStore) Accept(ctx context.Context, a Acceptance) (*Broadcast, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, transient("begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	won, err := order.AssignWinnerTx(ctx, tx, a.Role, a.OrderID, a.CandidateID, a.Pickup, a.Now)
	if err != nil {
		return nil, transient("assign winner", err)
	}
	if !won {
		return nil, ErrAlreadyResolved
	}

	tag, err := tx.Exec(ctx, `
		UPDATE broadcasts
		SET status = 'accepted', accepted_by_id = $1, accepted_at = $2,
		    version = version + 1, updated_at = $2
		WHERE id = $3 AND status = 'searching' AND accepted_by_id IS NULL`,
		string(a.CandidateID), a.Now, string(a.BroadcastID),
	)
	if err != nil {
		return nil, transient("accept broadcast", err)
	}
	if tag.RowsAffected() != 1 {
		return nil, ErrAlreadyResolved
	}

	tag, err = tx.Exec(ctx, `
		UPDATE candidate_requests SET status = 'accepted', responded_at = $1
		WHERE id = $2 AND status = 'pending'`,
		a.Now, string(a.RequestID),
	)
	if err != nil {
		return nil, transient("accept request", err)
	}
	if tag.RowsAffected() != 1 {
		return nil, ErrAlreadyResolved
	}

	if _, err := tx.Exec(ctx, `
		UPDATE candidate_requests
		SET status = 'rejected', rejection_reason = $1, responded_at = $2
		WHERE broadcast_id = $3 AND status = 'pending' AND id <> $4`,
		ReasonCancelled, a.Now, string(a.BroadcastID), string(a.RequestID),
	); err != nil {
		return nil, transient("cancel requests", err)
	}

	from, to := order.StatusPending, order.StatusVendorAssigned
	if a.Role == order.RoleDeliveryPartner {
		from, to = order.StatusVendorAssigned, order.StatusPartnerAssigned
	}
	winner := a.CandidateID
	if err := order.AppendEventTx(ctx, tx, &order.Event{
		OrderID:    a.OrderID,
		FromStatus: from,
		ToStatus:   to,
		ActorType:  string(a.Role),
		ActorID:    &winner,
		CreatedAt:  a.Now,
	}); err != nil {
		return nil, transient("order event", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, transient("commit", err)
	}
	return s.Get(ctx, a.BroadcastID)
}

func (s *PGStore) Reject(ctx context.Context, requestID types.ID, reason string, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE candidate_requests
		SET status = 'rejected', rejection_reason = $1, responded_at = $2
		WHERE id = $3 AND status = 'pending'`,
		reason, now, string(requestID),
	)
	if err != nil {
		return false, transient("reject", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) Expedite(ctx context.Context, broadcastID types.ID, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE broadcasts
		SET phase_timeout_at = $1, version = version + 1, updated_at = $1
		WHERE id = $2 AND status = 'searching' AND phase_timeout_at > $1
		  AND NOT EXISTS (
		      SELECT 1 FROM candidate_requests
		      WHERE broadcast_id = $2 AND status = 'pending')`,
		now, string(broadcastID),
	)
	if err != nil {
		return false, transient("expedite", err)
	}
	return tag.RowsAffected() == 1, nil
}

func insertRequests(ctx context.Context, tx pgx.Tx, reqs []CandidateRequest) error {
	for _, r := range reqs {
		_, err := tx.Exec(ctx, `
			INSERT INTO candidate_requests (`+requestColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			string(r.ID), string(r.BroadcastID), string(r.CandidateID), string(r.Status),
			r.DistanceKm, r.Position.Lat, r.Position.Lng,
			r.ExpiresAt, r.RespondedAt, r.RejectionReason, r.CreatedAt,
		)
		if err != nil {
			return transient("insert request", err)
		}
	}
	return nil
}

func scanBroadcast(row pgx.Row) (*Broadcast, error) {
	var (
		b                      Broadcast
		kind, status, phase    string
		notifiedRaw, remainRaw []byte
		acceptedBy             *string
	)
	err := row.Scan(
		&b.ID, &kind, &b.OrderID, &b.OriginID, &b.Origin.Lat, &b.Origin.Lng, &status, &phase,
		&b.Attempt, &b.RadiusKm, &b.PhaseTimeoutAt, &b.TimeoutAt, &notifiedRaw, &remainRaw,
		&acceptedBy, &b.AcceptedAt, &b.FailureReason, &b.Version, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.Kind = Kind(kind)
	b.Status = Status(status)
	b.Phase = Phase(phase)
	if acceptedBy != nil {
		id := types.ID(*acceptedBy)
		b.AcceptedByID = &id
	}

	b.NotifiedIDs = []types.ID{}
	if len(notifiedRaw) > 0 {
		if err := json.Unmarshal(notifiedRaw, &b.NotifiedIDs); err != nil {
			return nil, fmt.Errorf("decode notified_ids: %w", err)
		}
	}
	var queue []queueEntry
	if len(remainRaw) > 0 {
		if err := json.Unmarshal(remainRaw, &queue); err != nil {
			return nil, fmt.Errorf("decode remaining: %w", err)
		}
	}
	b.Remaining = make([]location.Ranked, 0, len(queue))
	for _, q := range queue {
		b.Remaining = append(b.Remaining, location.Ranked{
			ID:         q.ID,
			Position:   types.Point{Lat: q.Lat, Lng: q.Lng},
			DistanceKm: q.DistanceKm,
		})
	}
	return &b, nil
}

func scanRequest(row pgx.Row) (*CandidateRequest, error) {
	var (
		r      CandidateRequest
		status string
	)
	err := row.Scan(
		&r.ID, &r.BroadcastID, &r.CandidateID, &status, &r.DistanceKm,
		&r.Position.Lat, &r.Position.Lng, &r.ExpiresAt, &r.RespondedAt,
		&r.RejectionReason, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Status = RequestStatus(status)
	return &r, nil
}

func encodeQueues(b *Broadcast) (notified, remaining []byte, err error) {
	ids := b.NotifiedIDs
	if ids == nil {
		ids = []types.ID{}
	}
	notified, err = json.Marshal(ids)
	if err != nil {
		return nil, nil, fmt.Errorf("broadcast: encode notified_ids: %w", err)
	}
	queue := make([]queueEntry, 0, len(b.Remaining))
	for _, r := range b.Remaining {
		queue = append(queue, queueEntry{ID: r.ID, Lat: r.Position.Lat, Lng: r.Position.Lng, DistanceKm: r.DistanceKm})
	}
	remaining, err = json.Marshal(queue)
	if err != nil {
		return nil, nil, fmt.Errorf("broadcast: encode remaining: %w", err)
	}
	return notified, remaining, nil
}

func transient(op string, err error) error {
	return fmt.Errorf("broadcast: %s: %w: %w", op, ErrTransientStore, err)
}

func idPtr(id *types.ID) *string {
	if id == nil {
		return nil
	}
	s := string(*id)
	return &s
}
