package memory

import (
	"context"
	"errors"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements Backend using Redis string values
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration // zero keeps values forever
}

// NewRedisStore creates a new Redis-backed store
func NewRedisStore(ctx context.Context, redisURL, prefix string, ttl time.Duration) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to parse Redis URL")
	}

	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, goerr.Wrap(err, "failed to connect to Redis", goerr.V("addr", opt.Addr))
	}

	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}, nil
}

func (r *RedisStore) key(key string) string {
	return r.prefix + key
}

// Get loads a value from Redis
func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, goerr.Wrap(ErrKeyNotFound, "redis get", goerr.V("key", key))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load from Redis", goerr.V("key", key))
	}
	return data, nil
}

// Set saves a value, refreshing the TTL when one is configured
func (r *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, r.key(key), value, r.ttl).Err(); err != nil {
		return goerr.Wrap(err, "failed to save to Redis", goerr.V("key", key))
	}
	return nil
}

// Delete removes a value from Redis
func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return goerr.Wrap(err, "failed to delete from Redis", goerr.V("key", key))
	}
	return nil
}

// Close closes the Redis connection
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// Ping verifies the Redis connection is alive
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
