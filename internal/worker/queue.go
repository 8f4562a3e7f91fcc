// Package worker drains the Redis persistence queues into PostgreSQL.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// PollTimeout must be >= 1s to satisfy Redis.
const PollTimeout = 1 * time.Second

// popJob blocks up to PollTimeout for the next raw job on queue.
// ok is false on timeout or shutdown.
func popJob(ctx context.Context, rdb *redis.Client, queue string) (raw string, ok bool, err error) {
	result, err := rdb.BLPop(ctx, PollTimeout, queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || ctx.Err() != nil {
			return "", false, nil
		}
		return "", false, err
	}
	if len(result) < 2 {
		return "", false, nil
	}
	return result[1], true, nil
}

// sleepCtx waits d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
