// Package coordination provides Redis-backed leader election so only one
// manager replica drives the cleanup loop at a time.
package coordination

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Coordinator is the distributed lease backend used for leader election.
type Coordinator interface {
	// AcquireLease takes the lease iff no one holds it.
	AcquireLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// RenewLease extends the lease iff value still matches the holder.
	RenewLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// ReleaseLease deletes the lease iff value still matches the holder.
	ReleaseLease(ctx context.Context, key, value string) error
	// IncrementEpoch returns the next monotonic fencing epoch.
	IncrementEpoch(ctx context.Context, key string) (int64, error)
	Close() error
}

// Compare-and-expire / compare-and-delete: renewing or releasing someone
// else's lease must be impossible, so the value check and the write happen
// in one script.
var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
  return 0
end`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end`)
)

// RedisCoordinator implements Coordinator over a single Redis instance.
type RedisCoordinator struct {
	client *redis.Client
}

func NewRedisCoordinator(addr, password string, db int) (*RedisCoordinator, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisCoordinator{client: client}, nil
}

func (r *RedisCoordinator) AcquireLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

func (r *RedisCoordinator) RenewLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, r.client, []string{key}, value, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *RedisCoordinator) ReleaseLease(ctx context.Context, key, value string) error {
	return releaseScript.Run(ctx, r.client, []string{key}, value).Err()
}

func (r *RedisCoordinator) IncrementEpoch(ctx context.Context, key string) (int64, error) {
	return r.client.Incr(ctx, key).Result()
}

func (r *RedisCoordinator) Close() error {
	return r.client.Close()
}
