// README: Order store backed by PostgreSQL, including the winner-assignment arbiter.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"medidrop/internal/types"
)

// Execer is satisfied by pgxpool.Pool, pgx.Tx and pgxmock.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// DB abstracts the pgx query interface for testing.
type DB interface {
	Execer
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db DB
}

func NewStore(db DB) *Store {
	return &Store{db: db}
}

func (s *Store) Create(ctx context.Context, o *Order) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO orders (
			id, patient_id, kind, status, status_version,
			dropoff_lat, dropoff_lng, summary, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		string(o.ID),
		string(o.PatientID),
		string(o.Kind),
		string(o.Status),
		o.StatusVersion,
		o.Dropoff.Lat, o.Dropoff.Lng,
		o.Summary,
		o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("order: create: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Order, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, patient_id, kind, status, status_version,
		       dropoff_lat, dropoff_lng, pickup_lat, pickup_lng,
		       vendor_id, delivery_partner_id, summary,
		       created_at, vendor_assigned_at, partner_assigned_at, delivered_at, cancelled_at
		FROM orders
		WHERE id = $1`, string(id),
	)

	var o Order
	var kind, status string
	var pickupLat, pickupLng *float64
	var vendorID, partnerID *string

	err := row.Scan(
		&o.ID, &o.PatientID, &kind, &status, &o.StatusVersion,
		&o.Dropoff.Lat, &o.Dropoff.Lng, &pickupLat, &pickupLng,
		&vendorID, &partnerID, &o.Summary,
		&o.CreatedAt, &o.VendorAssignedAt, &o.PartnerAssignedAt, &o.DeliveredAt, &o.CancelledAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("order: get: %w", err)
	}

	o.Kind = Kind(kind)
	o.Status = Status(status)
	if pickupLat != nil && pickupLng != nil {
		o.Pickup = &types.Point{Lat: *pickupLat, Lng: *pickupLng}
	}
	o.VendorID = toIDPtr(vendorID)
	o.DeliveryPartnerID = toIDPtr(partnerID)
	return &o, nil
}

// UpdateStatus applies an optimistic status change; it reports false when the
// row moved on since it was read.
func (s *Store) UpdateStatus(ctx context.Context, id types.ID, from, to Status, version int) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE orders
		SET status = $1,
		    status_version = status_version + 1,
		    delivered_at = CASE WHEN $1 = 'delivered' THEN NOW() ELSE delivered_at END,
		    cancelled_at = CASE WHEN $1 = 'cancelled' THEN NOW() ELSE cancelled_at END
		WHERE id = $2 AND status = $3 AND status_version = $4`,
		string(to),
		string(id),
		string(from),
		version,
	)
	if err != nil {
		return false, fmt.Errorf("order: update status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) AppendEvent(ctx context.Context, e *Event) error {
	return AppendEventTx(ctx, s.db, e)
}

// AppendEventTx writes an audit row through ex, which may be a transaction.
func AppendEventTx(ctx context.Context, ex Execer, e *Event) error {
	_, err := ex.Exec(ctx, `
		INSERT INTO order_state_events (
			order_id, from_status, to_status, actor_type, actor_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		string(e.OrderID),
		string(e.FromStatus),
		string(e.ToStatus),
		e.ActorType,
		toStringPtr(e.ActorID),
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("order: append event: %w", err)
	}
	return nil
}

// AssignWinnerTx writes the winning candidate onto the order. The update only
// matches while the role's column is still NULL, so of two racing callers at
// most one sees true. pickup is recorded for vendor wins.
func AssignWinnerTx(ctx context.Context, ex Execer, role Role, orderID, candidateID types.ID, pickup *types.Point, now time.Time) (bool, error) {
	var (
		tag pgconn.CommandTag
		err error
	)
	switch role {
	case RoleVendor:
		var lat, lng *float64
		if pickup != nil {
			lat, lng = &pickup.Lat, &pickup.Lng
		}
		tag, err = ex.Exec(ctx, `
			UPDATE orders
			SET vendor_id = $1, pickup_lat = $2, pickup_lng = $3,
			    status = 'vendor_assigned', status_version = status_version + 1,
			    vendor_assigned_at = $4
			WHERE id = $5 AND vendor_id IS NULL AND status = 'pending'`,
			string(candidateID), lat, lng, now, string(orderID),
		)
	case RoleDeliveryPartner:
		tag, err = ex.Exec(ctx, `
			UPDATE orders
			SET delivery_partner_id = $1,
			    status = 'partner_assigned', status_version = status_version + 1,
			    partner_assigned_at = $2
			WHERE id = $3 AND delivery_partner_id IS NULL AND status = 'vendor_assigned'`,
			string(candidateID), now, string(orderID),
		)
	default:
		return false, fmt.Errorf("order: unknown role %q: %w", role, ErrBadRequest)
	}
	if err != nil {
		return false, fmt.Errorf("order: assign %s: %w", role, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkUnresolvedTx records that no candidate took the order for role. A
// cancelled or already-assigned order is left untouched.
func MarkUnresolvedTx(ctx context.Context, ex Execer, role Role, orderID types.ID) error {
	var err error
	switch role {
	case RoleVendor:
		_, err = ex.Exec(ctx, `
			UPDATE orders SET status = 'unmatched', status_version = status_version + 1
			WHERE id = $1 AND status = 'pending' AND vendor_id IS NULL`, string(orderID))
	case RoleDeliveryPartner:
		_, err = ex.Exec(ctx, `
			UPDATE orders SET status = 'undeliverable', status_version = status_version + 1
			WHERE id = $1 AND status = 'vendor_assigned' AND delivery_partner_id IS NULL`, string(orderID))
	default:
		return fmt.Errorf("order: unknown role %q: %w", role, ErrBadRequest)
	}
	if err != nil {
		return fmt.Errorf("order: mark unresolved: %w", err)
	}
	return nil
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func toIDPtr(v *string) *types.ID {
	if v == nil {
		return nil
	}
	id := types.ID(*v)
	return &id
}
