// README: Directory service keeps the GEO index in step with Postgres and answers radius searches.
package directory

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"medidrop/internal/modules/location"
	"medidrop/internal/modules/order"
	"medidrop/internal/types"
)

type Repository interface {
	Upsert(ctx context.Context, c *Candidate) error
	UpdateLocation(ctx context.Context, id types.ID, p types.Point) (*Candidate, error)
	SetAvailability(ctx context.Context, id types.ID, available bool) (*Candidate, error)
	Eligible(ctx context.Context, pool order.Role, ids []types.ID) ([]location.Candidate, error)
	TouchLastActive(ctx context.Context, id types.ID, at time.Time) error
	DeviceToken(ctx context.Context, id types.ID) (string, error)
}

type Service struct {
	store  Repository
	geo    *GeoIndex
	logger *zap.Logger
}

func NewService(store Repository, geo *GeoIndex, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, geo: geo, logger: logger}
}

// Register creates or replaces a directory row and indexes it when searchable.
func (s *Service) Register(ctx context.Context, c Candidate) error {
	if c.ID == "" || !validPool(c.Pool) {
		return ErrBadRequest
	}
	if err := s.store.Upsert(ctx, &c); err != nil {
		return err
	}
	return s.reindex(ctx, &c)
}

func (s *Service) UpdateLocation(ctx context.Context, id types.ID, p types.Point) error {
	if id == "" || p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 {
		return ErrBadRequest
	}
	c, err := s.store.UpdateLocation(ctx, id, p)
	if err != nil {
		return err
	}
	return s.reindex(ctx, c)
}

func (s *Service) SetAvailability(ctx context.Context, id types.ID, available bool) error {
	if id == "" {
		return ErrBadRequest
	}
	c, err := s.store.SetAvailability(ctx, id, available)
	if err != nil {
		return err
	}
	return s.reindex(ctx, c)
}

// Nearby lists eligible candidates of pool within radiusKm of origin. The GEO
// index narrows the search; Postgres has the final say on eligibility.
func (s *Service) Nearby(ctx context.Context, pool order.Role, origin types.Point, radiusKm float64) ([]location.Candidate, error) {
	ids, err := s.geo.Within(ctx, pool, origin, radiusKm)
	if err != nil {
		return nil, fmt.Errorf("directory: geo search: %w", err)
	}
	return s.store.Eligible(ctx, pool, ids)
}

func (s *Service) TouchLastActive(ctx context.Context, id types.ID, at time.Time) error {
	return s.store.TouchLastActive(ctx, id, at)
}

func (s *Service) DeviceToken(ctx context.Context, id types.ID) (string, error) {
	return s.store.DeviceToken(ctx, id)
}

func (s *Service) reindex(ctx context.Context, c *Candidate) error {
	if c.Searchable() {
		if err := s.geo.Add(ctx, c.Pool, c.ID, *c.Position); err != nil {
			return fmt.Errorf("directory: geo add: %w", err)
		}
		return nil
	}
	if err := s.geo.Remove(ctx, c.Pool, c.ID); err != nil {
		return fmt.Errorf("directory: geo remove: %w", err)
	}
	s.logger.Debug("candidate left index", zap.String("candidate_id", string(c.ID)))
	return nil
}
