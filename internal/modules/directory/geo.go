// README: Candidate GEO index backed by Redis, one sorted set per pool.
package directory

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"medidrop/internal/modules/order"
	"medidrop/internal/types"
)

const geoKeyPrefix = "directory:%s"

type GeoIndex struct {
	redis *redis.Client
}

func NewGeoIndex(redis *redis.Client) *GeoIndex {
	return &GeoIndex{redis: redis}
}

func (g *GeoIndex) Add(ctx context.Context, pool order.Role, id types.ID, p types.Point) error {
	return g.redis.GeoAdd(ctx, geoKey(pool), &redis.GeoLocation{
		Name:      string(id),
		Longitude: p.Lng,
		Latitude:  p.Lat,
	}).Err()
}

func (g *GeoIndex) Remove(ctx context.Context, pool order.Role, id types.ID) error {
	return g.redis.ZRem(ctx, geoKey(pool), string(id)).Err()
}

// Within returns member IDs within radiusKm of p, closest first.
func (g *GeoIndex) Within(ctx context.Context, pool order.Role, p types.Point, radiusKm float64) ([]types.ID, error) {
	results, err := g.redis.GeoRadius(ctx, geoKey(pool), p.Lng, p.Lat, &redis.GeoRadiusQuery{
		Radius: radiusKm,
		Unit:   "km",
		Sort:   "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]types.ID, len(results))
	for i, r := range results {
		ids[i] = types.ID(r.Name)
	}
	return ids, nil
}

func geoKey(pool order.Role) string {
	return fmt.Sprintf(geoKeyPrefix, string(pool))
}
