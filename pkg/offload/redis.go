package offload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"lfingest/pkg/config"
	"lfingest/pkg/log"

	"github.com/redis/go-redis/v9"
)

const (
	redisPollInterval = time.Second
	redisPromoteBatch = 100
)

// RedisQueue is a Queue shared by every ingestd instance through Redis.
// Ready jobs live in a list, delayed retries in a sorted set scored by due
// time, and a per-file key with a TTL deduplicates enqueues.
type RedisQueue struct {
	rdb    redis.Cmdable
	prefix string
	jobTTL time.Duration
}

// NewRedisClient creates a client from configuration and checks the connection.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// NewRedisQueue creates a queue under prefix.
func NewRedisQueue(rdb redis.Cmdable, prefix string, jobTTL time.Duration) *RedisQueue {
	return &RedisQueue{rdb: rdb, prefix: prefix, jobTTL: jobTTL}
}

func (q *RedisQueue) readyKey() string { return q.prefix + ":ready" }
func (q *RedisQueue) delayedKey() string { return q.prefix + ":delayed" }
func (q *RedisQueue) jobKey(fileID string) string { return q.prefix + ":job:" + fileID }

// Enqueue implements Queue.
func (q *RedisQueue) Enqueue(ctx context.Context, fileID string) error {
	added, err := q.rdb.SetNX(ctx, q.jobKey(fileID), 1, q.jobTTL).Result()
	if err != nil {
		return fmt.Errorf("redis dedupe %s: %w", fileID, err)
	}
	if !added {
		return nil
	}

	payload, err := json.Marshal(Job{FileID: fileID})
	if err != nil {
		return err
	}
	if err := q.rdb.LPush(ctx, q.readyKey(), payload).Err(); err != nil {
		q.rdb.Del(ctx, q.jobKey(fileID))
		return fmt.Errorf("redis push %s: %w", fileID, err)
	}
	return nil
}

// Dequeue implements Queue.
func (q *RedisQueue) Dequeue(ctx context.Context) (Job, error) {
	for {
		if err := q.promoteDue(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("Failed to promote delayed offload jobs")
		}

		result, err := q.rdb.BRPop(ctx, redisPollInterval, q.readyKey()).Result()
		switch {
		case ctx.Err() != nil:
			return Job{}, ctx.Err()
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			return Job{}, fmt.Errorf("redis pop: %w", err)
		}

		var job Job
		if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
			log.Error().Err(err).Str("payload", result[1]).Msg("Dropping malformed offload job")
			continue
		}
		return job, nil
	}
}

// Retry implements Queue.
func (q *RedisQueue) Retry(ctx context.Context, job Job, delay time.Duration) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}

	due := time.Now().Add(delay).UnixMilli()
	if err := q.rdb.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(due), Member: string(payload)}).Err(); err != nil {
		return fmt.Errorf("redis delay %s: %w", job.FileID, err)
	}
	return q.rdb.Expire(ctx, q.jobKey(job.FileID), q.jobTTL+delay).Err()
}

// Done implements Queue.
func (q *RedisQueue) Done(ctx context.Context, fileID string) error {
	return q.rdb.Del(ctx, q.jobKey(fileID)).Err()
}

// promoteDue moves due delayed jobs to the ready list. ZRem decides which
// instance owns a job when several promote at once.
func (q *RedisQueue) promoteDue(ctx context.Context) error {
	members, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(time.Now().UnixMilli(), 10),
		Count: redisPromoteBatch,
	}).Result()
	if err != nil {
		return err
	}

	for _, member := range members {
		removed, err := q.rdb.ZRem(ctx, q.delayedKey(), member).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		if err := q.rdb.LPush(ctx, q.readyKey(), member).Err(); err != nil {
			return err
		}
	}
	return nil
}
