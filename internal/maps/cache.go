// README: TTL caches for provider lookups (Redis for production, memory for tests and local runs).
package maps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"dispatchd/internal/clock"
	"dispatchd/internal/types"
)

type Cache interface {
	// Get decodes the cached value into dst and reports whether it was present.
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, v any, ttl time.Duration) error
}

type RedisCache struct {
	redis  *redis.Client
	prefix string
}

func NewRedisCache(rdb *redis.Client, prefix string) *RedisCache {
	return &RedisCache{redis: rdb, prefix: prefix}
}

func (c *RedisCache) Get(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := c.redis.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.redis.Set(ctx, c.prefix+key, raw, ttl).Err()
}

type memItem struct {
	raw       []byte
	expiresAt time.Time
}

// MemoryCache evicts lazily on read and on Purge.
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]memItem
	clock clock.Clock
}

func NewMemoryCache(clk clock.Clock) *MemoryCache {
	if clk == nil {
		clk = clock.Real{}
	}
	return &MemoryCache{items: make(map[string]memItem), clock: clk}
}

func (c *MemoryCache) Get(_ context.Context, key string, dst any) (bool, error) {
	c.mu.Lock()
	it, ok := c.items[key]
	if ok && !c.clock.Now().Before(it.expiresAt) {
		delete(c.items, key)
		ok = false
	}
	c.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(it.raw, dst)
}

func (c *MemoryCache) Set(_ context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.items[key] = memItem{raw: raw, expiresAt: c.clock.Now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// Purge drops expired entries and returns how many were removed.
func (c *MemoryCache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	n := 0
	for k, it := range c.items {
		if !now.Before(it.expiresAt) {
			delete(c.items, k)
			n++
		}
	}
	return n
}

func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

type RouteFinder interface {
	Route(ctx context.Context, origin, destination types.Point) (Route, error)
}

type WeatherReporter interface {
	Conditions(ctx context.Context, p types.Point) (Weather, error)
}

// CachedRoutes memoizes routes keyed on ~10 m rounded endpoints.
type CachedRoutes struct {
	next  RouteFinder
	cache Cache
	ttl   time.Duration
}

func NewCachedRoutes(next RouteFinder, cache Cache, ttl time.Duration) *CachedRoutes {
	return &CachedRoutes{next: next, cache: cache, ttl: ttl}
}

func (c *CachedRoutes) Route(ctx context.Context, origin, destination types.Point) (Route, error) {
	key := fmt.Sprintf("route:%.4f,%.4f:%.4f,%.4f", origin.Lat, origin.Lng, destination.Lat, destination.Lng)
	var r Route
	if ok, err := c.cache.Get(ctx, key, &r); err == nil && ok {
		return r, nil
	}
	r, err := c.next.Route(ctx, origin, destination)
	if err != nil {
		return Route{}, err
	}
	_ = c.cache.Set(ctx, key, r, c.ttl)
	return r, nil
}

// CachedWeather memoizes conditions keyed on ~1 km rounded points.
type CachedWeather struct {
	next  WeatherReporter
	cache Cache
	ttl   time.Duration
}

func NewCachedWeather(next WeatherReporter, cache Cache, ttl time.Duration) *CachedWeather {
	return &CachedWeather{next: next, cache: cache, ttl: ttl}
}

func (c *CachedWeather) Conditions(ctx context.Context, p types.Point) (Weather, error) {
	key := fmt.Sprintf("weather:%.2f,%.2f", p.Lat, p.Lng)
	var w Weather
	if ok, err := c.cache.Get(ctx, key, &w); err == nil && ok {
		return w, nil
	}
	w, err := c.next.Conditions(ctx, p)
	if err != nil {
		return Weather{}, err
	}
	_ = c.cache.Set(ctx, key, w, c.ttl)
	return w, nil
}
