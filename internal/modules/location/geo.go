// README: Worker GEO index backed by a Redis sorted set.
package location

import (
	"context"

	"github.com/redis/go-redis/v9"

	"dispatchd/internal/types"
)

const workerGeoKey = "location:workers"

type RedisGeo struct {
	redis *redis.Client
	key   string
}

func NewRedisGeo(client *redis.Client) *RedisGeo {
	return &RedisGeo{redis: client, key: workerGeoKey}
}

func (g *RedisGeo) Track(ctx context.Context, id types.ID, p types.Point) error {
	return g.redis.GeoAdd(ctx, g.key, &redis.GeoLocation{
		Name:      string(id),
		Longitude: p.Lng,
		Latitude:  p.Lat,
	}).Err()
}

func (g *RedisGeo) Untrack(ctx context.Context, id types.ID) error {
	return g.redis.ZRem(ctx, g.key, string(id)).Err()
}

// Nearby returns tracked workers within radiusKm, nearest first.
func (g *RedisGeo) Nearby(ctx context.Context, p types.Point, radiusKm float64, limit int) ([]Nearby, error) {
	res, err := g.redis.GeoRadius(ctx, g.key, p.Lng, p.Lat, &redis.GeoRadiusQuery{
		Radius:   radiusKm,
		Unit:     "km",
		WithDist: true,
		Count:    limit,
		Sort:     "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Nearby, len(res))
	for i, r := range res {
		out[i] = Nearby{WorkerID: types.ID(r.Name), DistanceKm: r.Dist}
	}
	return out, nil
}
