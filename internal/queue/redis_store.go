package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"github.com/karen-arwen/orion/config"
)

// Key layout shared with external operators and dashboards:
//
//	queue:{tenant}:jobs     sorted set of job ids scored by eligibility
//	lock:{tenant}:{jobId}   TTL'd lease value, owner = worker id
//	jobcancel:{jobId}       TTL'd cancellation marker

// renewScript extends a lease only while the caller still owns it.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript drops a lease only if the caller owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisStore implements Store on a shared Redis instance.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Close closes the underlying connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func queueKey(tenantID string) string {
	return fmt.Sprintf("queue:%s:jobs", tenantID)
}

func lockKey(tenantID, jobID string) string {
	return fmt.Sprintf("lock:%s:%s", tenantID, jobID)
}

func cancelKey(jobID string) string {
	return fmt.Sprintf("jobcancel:%s", jobID)
}

// Add inserts a member into the tenant's sorted set.
func (s *RedisStore) Add(ctx context.Context, tenantID, jobID string, score float64) error {
	return s.client.ZAdd(ctx, queueKey(tenantID), &redis.Z{Score: score, Member: jobID}).Err()
}

// Ready returns up to limit members with score <= maxScore, lowest first.
func (s *RedisStore) Ready(ctx context.Context, tenantID string, maxScore float64, limit int) ([]string, error) {
	return s.client.ZRangeByScore(ctx, queueKey(tenantID), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%f", maxScore),
		Count: int64(limit),
	}).Result()
}

// Remove deletes a member from the tenant's set.
func (s *RedisStore) Remove(ctx context.Context, tenantID, jobID string) error {
	return s.client.ZRem(ctx, queueKey(tenantID), jobID).Err()
}

// AcquireLock takes the lease with SET NX, or refreshes it when the owner
// already holds it.
func (s *RedisStore) AcquireLock(ctx context.Context, tenantID, jobID, owner string, ttl time.Duration) (bool, error) {
	key := lockKey(tenantID, jobID)
	ok, err := s.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	// Re-entrant for the current owner: refresh instead of failing.
	return s.RenewLock(ctx, tenantID, jobID, owner, ttl)
}

// RenewLock extends the lease only while owner still holds it.
func (s *RedisStore) RenewLock(ctx context.Context, tenantID, jobID, owner string, ttl time.Duration) (bool, error) {
	res, err := renewScript.Run(ctx, s.client, []string{lockKey(tenantID, jobID)}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// ReleaseLock drops the lease if owner holds it.
func (s *RedisStore) ReleaseLock(ctx context.Context, tenantID, jobID, owner string) error {
	return releaseScript.Run(ctx, s.client, []string{lockKey(tenantID, jobID)}, owner).Err()
}

// MarkCanceled sets the cancellation marker.
func (s *RedisStore) MarkCanceled(ctx context.Context, jobID string, ttl time.Duration) error {
	return s.client.Set(ctx, cancelKey(jobID), "1", ttl).Err()
}

// IsCanceled reads the cancellation marker.
func (s *RedisStore) IsCanceled(ctx context.Context, jobID string) (bool, error) {
	_, err := s.client.Get(ctx, cancelKey(jobID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
