package alert

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisWindow keeps one sorted set per key, scored by observation time,
// so the rolling counters survive restarts and are shared when several
// evaluator replicas point at the same redis.
type RedisWindow struct {
	client    redis.UniversalClient
	retention time.Duration
	prefix    string
}

// NewRedisWindow creates a redis-backed window. Keys expire after the
// retention period with no new observations.
func NewRedisWindow(client redis.UniversalClient, retention time.Duration) *RedisWindow {
	if retention <= 0 {
		retention = time.Hour
	}
	return &RedisWindow{
		client:    client,
		retention: retention,
		prefix:    "chronicle:alert:",
	}
}

func (w *RedisWindow) Record(ctx context.Context, key string, at time.Time) error {
	rkey := w.prefix + key
	horizon := at.Add(-w.retention)

	pipe := w.client.TxPipeline()
	pipe.ZAdd(ctx, rkey, redis.Z{
		Score:  float64(at.UnixNano()),
		Member: uuid.NewString(),
	})
	pipe.ZRemRangeByScore(ctx, rkey, "0", strconv.FormatInt(horizon.UnixNano(), 10))
	pipe.Expire(ctx, rkey, w.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record alert observation: %w", err)
	}
	return nil
}

func (w *RedisWindow) Count(ctx context.Context, key string, since time.Time) (int, error) {
	rkey := w.prefix + key
	n, err := w.client.ZCount(ctx, rkey,
		strconv.FormatInt(since.UnixNano(), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("count alert observations: %w", err)
	}
	return int(n), nil
}
