package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	dedupeKeyPrefix = "idem"
	claimKeyPrefix  = "dispatch"
)

// RedisDeduper stores processed idempotency keys in Redis so all instances
// can avoid reprocessing the same request.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(userID, key string) string {
	return fmt.Sprintf("%s:%s:%s", userID, dedupeKeyPrefix, key)
}

// Add records the key if it does not already exist. It returns true when the
// key was newly added.
func (r *RedisDeduper) Add(ctx context.Context, userID, key string) (bool, error) {
	return r.client.SetNX(ctx, r.key(userID, key), 1, r.ttl).Result()
}

// Remove deletes a previously recorded key. It is used when downstream
// processing fails so the caller may retry the request.
func (r *RedisDeduper) Remove(ctx context.Context, userID, key string) error {
	return r.client.Del(ctx, r.key(userID, key)).Err()
}

// RedisClaims hands out short-lived exclusive claims on a task and platform
// pair so only one request creates the remote object.
type RedisClaims struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisClaims(client *redis.Client, ttl time.Duration) *RedisClaims {
	return &RedisClaims{client: client, ttl: ttl}
}

func claimKey(taskID, platform string) string {
	return fmt.Sprintf("%s:%s:%s", claimKeyPrefix, taskID, platform)
}

// Claim returns true when the caller now owns the pair.
func (r *RedisClaims) Claim(ctx context.Context, taskID, platform string) (bool, error) {
	return r.client.SetNX(ctx, claimKey(taskID, platform), 1, r.ttl).Result()
}

// Release drops a claim so a later sync may retry the create.
func (r *RedisClaims) Release(ctx context.Context, taskID, platform string) error {
	return r.client.Del(ctx, claimKey(taskID, platform)).Err()
}
