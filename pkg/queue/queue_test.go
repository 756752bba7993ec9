package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func redisQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := NewRedisQueueFromClient(client, "test:builds")
	q.SetPollInterval(time.Second)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func memQueue(t *testing.T) *MemQueue {
	q := NewMemQueue(4)
	q.SetPollInterval(50 * time.Millisecond)
	return q
}

func exerciseQueue(t *testing.T, q Queue) {
	ctx := context.Background()

	for _, id := range []string{"b1", "b2"} {
		if err := q.Enqueue(ctx, &Job{ID: id, Spec: "FROM base\n", Name: "java-17"}); err != nil {
			t.Fatalf("Enqueue(%s) returned error: %v", id, err)
		}
	}
	if n, err := q.Len(ctx); err != nil || n != 2 {
		t.Fatalf("Len = %d, %v; want 2", n, err)
	}

	job, err := q.Dequeue(ctx, "worker-1")
	if err != nil {
		t.Fatalf("Dequeue returned error: %v", err)
	}
	if job == nil || job.ID != "b1" || job.Status != StatusProcessing || job.WorkerID != "worker-1" {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.Spec != "FROM base\n" || job.Name != "java-17" {
		t.Fatalf("job payload lost: %+v", job)
	}

	if err := q.Complete(ctx, "b1", "sha256:abc"); err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	got, err := q.Get(ctx, "b1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got.Status != StatusCompleted || got.Digest != "sha256:abc" || got.CompletedAt == 0 {
		t.Fatalf("unexpected completed job %+v", got)
	}

	if _, err := q.Dequeue(ctx, "worker-2"); err != nil {
		t.Fatalf("Dequeue returned error: %v", err)
	}
	if err := q.Fail(ctx, "b2", "step 0 (InstallPackages): unknown package"); err != nil {
		t.Fatalf("Fail returned error: %v", err)
	}
	if got, _ := q.Get(ctx, "b2"); got.Status != StatusFailed || got.Error == "" {
		t.Fatalf("unexpected failed job %+v", got)
	}

	job, err = q.Dequeue(ctx, "worker-1")
	if err != nil || job != nil {
		t.Fatalf("empty queue should return nil, nil; got %+v, %v", job, err)
	}
	if _, err := q.Get(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestRedisQueue(t *testing.T) {
	exerciseQueue(t, redisQueue(t))
}

func TestMemQueue(t *testing.T) {
	exerciseQueue(t, memQueue(t))
}

func TestMemQueueDequeueHonoursContext(t *testing.T) {
	q := NewMemQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Dequeue(ctx, "w"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestMemQueueFullKeepsNoJob(t *testing.T) {
	ctx := context.Background()
	q := NewMemQueue(1)
	if err := q.Enqueue(ctx, &Job{ID: "b1"}); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	if err := q.Enqueue(ctx, &Job{ID: "b2"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if _, err := q.Get(ctx, "b2"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("rejected job should not be stored, got %v", err)
	}
}
