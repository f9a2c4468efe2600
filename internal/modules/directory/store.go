// README: Directory store backed by Postgres; the source of truth for eligibility.
package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"medidrop/internal/modules/location"
	"medidrop/internal/modules/order"
	"medidrop/internal/types"
)

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db DB
}

func NewStore(db DB) *Store {
	return &Store{db: db}
}

func (s *Store) Upsert(ctx context.Context, c *Candidate) error {
	var lat, lng *float64
	if c.Position != nil {
		lat, lng = &c.Position.Lat, &c.Position.Lng
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO candidates (id, pool, verified, available, lat, lng, device_token)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET pool = EXCLUDED.pool, verified = EXCLUDED.verified, available = EXCLUDED.available,
		    lat = EXCLUDED.lat, lng = EXCLUDED.lng, device_token = EXCLUDED.device_token`,
		string(c.ID), string(c.Pool), c.Verified, c.Available, lat, lng, c.DeviceToken,
	)
	if err != nil {
		return fmt.Errorf("directory: upsert: %w", err)
	}
	return nil
}

func (s *Store) UpdateLocation(ctx context.Context, id types.ID, p types.Point) (*Candidate, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE candidates SET lat = $1, lng = $2
		WHERE id = $3
		RETURNING id, pool, verified, available, lat, lng`,
		p.Lat, p.Lng, string(id),
	)
	return scanCandidate(row, "update location")
}

func (s *Store) SetAvailability(ctx context.Context, id types.ID, available bool) (*Candidate, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE candidates SET available = $1
		WHERE id = $2
		RETURNING id, pool, verified, available, lat, lng`,
		available, string(id),
	)
	return scanCandidate(row, "set availability")
}

// Eligible keeps the ids that are verified, available and located, in pool.
func (s *Store) Eligible(ctx context.Context, pool order.Role, ids []types.ID) ([]location.Candidate, error) {
	if len(ids) == 0 {
		return []location.Candidate{}, nil
	}
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = string(id)
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, lat, lng
		FROM candidates
		WHERE id = ANY($1) AND pool = $2
		  AND verified AND available
		  AND lat IS NOT NULL AND lng IS NOT NULL`,
		raw, string(pool),
	)
	if err != nil {
		return nil, fmt.Errorf("directory: eligible: %w", err)
	}
	defer rows.Close()

	byID := make(map[types.ID]types.Point, len(ids))
	for rows.Next() {
		var id string
		var p types.Point
		if err := rows.Scan(&id, &p.Lat, &p.Lng); err != nil {
			return nil, fmt.Errorf("directory: scan eligible: %w", err)
		}
		byID[types.ID(id)] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("directory: eligible: %w", err)
	}

	out := make([]location.Candidate, 0, len(byID))
	for _, id := range ids {
		if p, ok := byID[id]; ok {
			out = append(out, location.Candidate{ID: id, Position: p})
		}
	}
	return out, nil
}

func (s *Store) TouchLastActive(ctx context.Context, id types.ID, at time.Time) error {
	_, err := s.db.Exec(ctx, `UPDATE candidates SET last_active_at = $1 WHERE id = $2`, at, string(id))
	if err != nil {
		return fmt.Errorf("directory: touch last active: %w", err)
	}
	return nil
}

func (s *Store) DeviceToken(ctx context.Context, id types.ID) (string, error) {
	var token string
	err := s.db.QueryRow(ctx, `SELECT device_token FROM candidates WHERE id = $1`, string(id)).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("directory: device token: %w", err)
	}
	return token, nil
}

func scanCandidate(row pgx.Row, op string) (*Candidate, error) {
	var (
		id, pool string
		c        Candidate
		lat, lng *float64
	)
	err := row.Scan(&id, &pool, &c.Verified, &c.Available, &lat, &lng)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("directory: %s: %w", op, err)
	}
	c.ID = types.ID(id)
	c.Pool = order.Role(pool)
	if lat != nil && lng != nil {
		c.Position = &types.Point{Lat: *lat, Lng: *lng}
	}
	return &c, nil
}
