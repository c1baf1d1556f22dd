// Package cache stores person service page bodies in Redis.
//
// Pages are only cached for seeded requests: a seeded request always returns
// the same synthetic records, so a cached page is interchangeable with a
// fresh one. Unseeded requests return new data on every call and bypass the
// cache entirely.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	manager := cache.NewManager(redisClient, 24*time.Hour)
//
//	key := cache.CacheKey{
//		Endpoint:    "/api/v1/persons",
//		QueryParams: url.Values{"_page": {"2"}, "_quantity": {"100"}, "_seed": {"42"}},
//	}
//
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch from the service, then manager.Set(ctx, key, cache.NewEntry(body))
//	}
//
// # Metrics
//
//   - persons_etl_cache_hits_total
//   - persons_etl_cache_misses_total
//   - persons_etl_cache_errors_total{operation}
package cache
