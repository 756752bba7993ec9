package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemQueue is an in-process Queue for single-node deployments and tests.
type MemQueue struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	pending chan string
	poll    time.Duration
}

// NewMemQueue buffers up to capacity pending jobs.
func NewMemQueue(capacity int) *MemQueue {
	if capacity <= 0 {
		capacity = 64
	}
	return &MemQueue{
		jobs:    make(map[string]*Job),
		pending: make(chan string, capacity),
		poll:    DefaultPollInterval,
	}
}

func (q *MemQueue) SetPollInterval(d time.Duration) {
	q.poll = d
}

func (q *MemQueue) Enqueue(ctx context.Context, job *Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	job.CreatedAt = time.Now().Unix()
	job.Status = StatusPending
	copied := *job

	// Dequeue takes mu before reading the job, so it cannot observe the id
	// before the job is stored.
	q.mu.Lock()
	defer q.mu.Unlock()
	select {
	case q.pending <- job.ID:
		q.jobs[job.ID] = &copied
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *MemQueue) Dequeue(ctx context.Context, workerID string) (*Job, error) {
	timer := time.NewTimer(q.poll)
	defer timer.Stop()

	select {
	case id := <-q.pending:
		q.mu.Lock()
		defer q.mu.Unlock()
		job, ok := q.jobs[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		job.Status = StatusProcessing
		job.WorkerID = workerID
		job.StartedAt = time.Now().Unix()
		copied := *job
		return &copied, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemQueue) Complete(_ context.Context, id, digest string) error {
	return q.finish(id, func(job *Job) {
		job.Status = StatusCompleted
		job.Digest = digest
	})
}

func (q *MemQueue) Fail(_ context.Context, id, msg string) error {
	return q.finish(id, func(job *Job) {
		job.Status = StatusFailed
		job.Error = msg
	})
}

func (q *MemQueue) finish(id string, apply func(*Job)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	apply(job)
	job.CompletedAt = time.Now().Unix()
	return nil
}

func (q *MemQueue) Get(_ context.Context, id string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	copied := *job
	return &copied, nil
}

func (q *MemQueue) Len(context.Context) (int64, error) {
	return int64(len(q.pending)), nil
}

func (q *MemQueue) Close() error {
	return nil
}
