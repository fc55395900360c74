// Package core provides the shared interfaces, error taxonomy,
// configuration and Redis plumbing used by every orchestration component.
//
// The Redis client in this file wraps go-redis with database isolation and
// key namespacing so the cache, the rate limiter and the delivery queue
// never collide:
//
//   - DB 0: pub/sub broadcast + payload cache ("flowhook:cache")
//   - DB 1: rate limiting ("flowhook:ratelimit")
//   - DB 2: delivery queue ("flowhook:queue")
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Standard Redis DB allocation.
const (
	// RedisDBCache is for the inbound payload cache and pub/sub.
	RedisDBCache = 0

	// RedisDBRateLimiting is for per-webhook rate-limit buckets.
	RedisDBRateLimiting = 1

	// RedisDBDeliveryQueue is for the outbound delivery queue.
	RedisDBDeliveryQueue = 2
)

// RedisClient provides a namespaced Redis interface with DB isolation.
type RedisClient struct {
	client    *redis.Client
	dbID      int
	namespace string
	logger    Logger
}

// RedisClientOptions configures the Redis client.
type RedisClientOptions struct {
	RedisURL  string
	DB        int    // Redis DB number for isolation (0-15)
	Namespace string // Key namespace, e.g. "flowhook:ratelimit"
	Logger    Logger // Optional
}

// NewRedisClient creates a connected Redis client with the given options.
func NewRedisClient(opts RedisClientOptions) (*RedisClient, error) {
	if opts.RedisURL == "" {
		return nil, fmt.Errorf("redis URL is required: %w", ErrMissingConfiguration)
	}

	redisOpt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", ErrInvalidConfiguration)
	}
	if opts.DB >= 0 && opts.DB <= 15 {
		redisOpt.DB = opts.DB
	}

	client := redis.NewClient(redisOpt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis DB %d: %w", opts.DB, ErrConnectionFailed)
	}

	rc := &RedisClient{
		client:    client,
		dbID:      opts.DB,
		namespace: opts.Namespace,
		logger:    opts.Logger,
	}
	if rc.logger != nil {
		rc.logger.Info("Redis client connected", map[string]interface{}{
			"db":        opts.DB,
			"namespace": opts.Namespace,
		})
	}
	return rc, nil
}

// NewRedisClientFromExisting wraps an already-connected go-redis client.
// Used by tests backed by miniredis.
func NewRedisClientFromExisting(client *redis.Client, namespace string, logger Logger) *RedisClient {
	return &RedisClient{client: client, namespace: namespace, logger: logger}
}

// Close closes the Redis connection.
func (r *RedisClient) Close() error {
	if r.logger != nil {
		r.logger.Info("Closing Redis client connection", map[string]interface{}{
			"db":        r.dbID,
			"namespace": r.namespace,
		})
	}
	return r.client.Close()
}

// Underlying exposes the raw go-redis client for pub/sub subscriptions.
func (r *RedisClient) Underlying() *redis.Client {
	return r.client
}

func (r *RedisClient) formatKey(key string) string {
	if r.namespace != "" {
		return fmt.Sprintf("%s:%s", r.namespace, key)
	}
	return key
}

// --- Key/value operations (payload cache) ---

func (r *RedisClient) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, r.formatKey(key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

func (r *RedisClient) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.client.Set(ctx, r.formatKey(key), value, ttl).Err()
}

func (r *RedisClient) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.formatKey(key)).Err()
}

func (r *RedisClient) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.formatKey(key)).Result()
	return n > 0, err
}

// --- Rate limiting operations ---

// Incr increments a counter and returns the new value.
func (r *RedisClient) Incr(ctx context.Context, key string) (int64, error) {
	return r.client.Incr(ctx, r.formatKey(key)).Result()
}

// Expire sets a TTL on a key.
func (r *RedisClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, r.formatKey(key), ttl).Err()
}

// TTL returns the remaining TTL of a key.
func (r *RedisClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	return r.client.TTL(ctx, r.formatKey(key)).Result()
}

// --- Pub/sub operations (event broadcast) ---

// Publish sends a message on a channel and returns the subscriber count.
func (r *RedisClient) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	return r.client.Publish(ctx, channel, payload).Result()
}

// Subscribe opens a subscription on the named channels.
func (r *RedisClient) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return r.client.Subscribe(ctx, channels...)
}

// --- Sorted set operations (priority delivery queue) ---

// ZAdd adds members to a sorted set.
func (r *RedisClient) ZAdd(ctx context.Context, key string, members ...*redis.Z) error {
	return r.client.ZAdd(ctx, r.formatKey(key), members...).Err()
}

// ZPopReady atomically claims up to count members whose score is <= max,
// returning the claimed members. Uses ZRANGEBYSCORE + ZREM in a
// transaction so two workers never claim the same job.
func (r *RedisClient) ZPopReady(ctx context.Context, key string, max float64, count int) ([]string, error) {
	formatted := r.formatKey(key)
	var claimed []string
	txf := func(tx *redis.Tx) error {
		members, err := tx.ZRangeByScore(ctx, formatted, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   fmt.Sprintf("%f", max),
			Count: int64(count),
		}).Result()
		if err != nil {
			return err
		}
		if len(members) == 0 {
			claimed = nil
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			args := make([]interface{}, len(members))
			for i, m := range members {
				args[i] = m
			}
			pipe.ZRem(ctx, formatted, args...)
			return nil
		})
		if err == nil {
			claimed = members
		}
		return err
	}
	if err := r.client.Watch(ctx, txf, formatted); err != nil {
		if err == redis.TxFailedErr {
			// Another worker raced us; treat as empty claim.
			return nil, nil
		}
		return nil, err
	}
	return claimed, nil
}

// ZCard returns the cardinality of a sorted set.
func (r *RedisClient) ZCard(ctx context.Context, key string) (int64, error) {
	return r.client.ZCard(ctx, r.formatKey(key)).Result()
}

// --- Health check ---

// HealthCheck verifies Redis connectivity.
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Compile-time interface compliance check: the cache-namespaced client
// satisfies core.Cache.
var _ Cache = (*RedisClient)(nil)
