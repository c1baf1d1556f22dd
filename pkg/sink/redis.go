package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKeyPrefix namespaces payload keys.
const RedisKeyPrefix = "persons-etl:payload:"

// RedisSink stores payloads as Redis strings.
type RedisSink struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSink creates a Redis sink. ttl <= 0 keeps payloads without expiry.
func NewRedisSink(client *redis.Client, ttl time.Duration) *RedisSink {
	if client == nil {
		panic("redis client cannot be nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &RedisSink{client: client, ttl: ttl}
}

// Key returns the Redis key for a location.
func (r *RedisSink) Key(location string) (string, error) {
	loc, err := cleanLocation(location)
	if err != nil {
		return "", err
	}
	return RedisKeyPrefix + loc, nil
}

// Write implements Sink.
func (r *RedisSink) Write(ctx context.Context, location string, data []byte) (err error) {
	defer func() { observe("redis", len(data), err) }()

	key, err := r.Key(location)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Read returns a stored payload.
func (r *RedisSink) Read(ctx context.Context, location string) ([]byte, error) {
	key, err := r.Key(location)
	if err != nil {
		return nil, err
	}
	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return data, nil
}
