package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const jobTTL = 24 * time.Hour

// RedisQueue keeps job bodies under <key>:job:<id> and the pending ids in the
// list <key>.
type RedisQueue struct {
	redis *redis.Client
	key   string
	poll  time.Duration
}

func NewRedisQueue(redisURL, key string) (*RedisQueue, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisQueueFromClient(client, key), nil
}

// NewRedisQueueFromClient wraps an existing client.
func NewRedisQueueFromClient(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = "rootfs:builds"
	}
	return &RedisQueue{redis: client, key: key, poll: DefaultPollInterval}
}

// SetPollInterval changes how long Dequeue blocks.
func (q *RedisQueue) SetPollInterval(d time.Duration) {
	q.poll = d
}

func (q *RedisQueue) jobKey(id string) string {
	return fmt.Sprintf("%s:job:%s", q.key, id)
}

func (q *RedisQueue) Enqueue(ctx context.Context, job *Job) error {
	job.CreatedAt = time.Now().Unix()
	job.Status = StatusPending

	if err := q.save(ctx, job); err != nil {
		return err
	}
	return q.redis.RPush(ctx, q.key, job.ID).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context, workerID string) (*Job, error) {
	result, err := q.redis.BLPop(ctx, q.poll, q.key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	job, err := q.Get(ctx, result[1])
	if err != nil {
		return nil, err
	}
	job.Status = StatusProcessing
	job.WorkerID = workerID
	job.StartedAt = time.Now().Unix()
	if err := q.save(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (q *RedisQueue) Complete(ctx context.Context, id, digest string) error {
	return q.finish(ctx, id, func(job *Job) {
		job.Status = StatusCompleted
		job.Digest = digest
	})
}

func (q *RedisQueue) Fail(ctx context.Context, id, msg string) error {
	return q.finish(ctx, id, func(job *Job) {
		job.Status = StatusFailed
		job.Error = msg
	})
}

func (q *RedisQueue) finish(ctx context.Context, id string, apply func(*Job)) error {
	job, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	apply(job)
	job.CompletedAt = time.Now().Unix()
	return q.save(ctx, job)
}

func (q *RedisQueue) Get(ctx context.Context, id string) (*Job, error) {
	data, err := q.redis.Get(ctx, q.jobKey(id)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.redis.LLen(ctx, q.key).Result()
}

func (q *RedisQueue) Close() error {
	return q.redis.Close()
}

func (q *RedisQueue) save(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.redis.Set(ctx, q.jobKey(job.ID), data, jobTTL).Err()
}
