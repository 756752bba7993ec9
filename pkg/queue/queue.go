// Package queue hands build jobs from the HTTP front end to build workers.
package queue

import (
	"context"
	"errors"
	"time"
)

type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// ErrJobNotFound is returned for unknown job ids.
var ErrJobNotFound = errors.New("job not found")

// ErrQueueFull is returned by bounded queues that cannot take another job.
var ErrQueueFull = errors.New("queue full")

// Job is one requested rootfs build. ID is the build record id.
type Job struct {
	ID           string    `json:"id"`
	Spec         string    `json:"spec"`
	SpecName     string    `json:"spec_name,omitempty"`
	BaseOverride string    `json:"base_override,omitempty"`
	Name         string    `json:"name,omitempty"`
	Status       JobStatus `json:"status"`
	WorkerID     string    `json:"worker_id,omitempty"`
	CreatedAt    int64     `json:"created_at"`
	StartedAt    int64     `json:"started_at,omitempty"`
	CompletedAt  int64     `json:"completed_at,omitempty"`
	Digest       string    `json:"digest,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// Queue is a FIFO of build jobs.
type Queue interface {
	Enqueue(ctx context.Context, job *Job) error
	// Dequeue waits up to the queue's poll interval for a job. It returns
	// nil, nil when none arrived.
	Dequeue(ctx context.Context, workerID string) (*Job, error)
	Complete(ctx context.Context, id, digest string) error
	Fail(ctx context.Context, id, msg string) error
	Get(ctx context.Context, id string) (*Job, error)
	Len(ctx context.Context) (int64, error)
	Close() error
}

const DefaultPollInterval = 5 * time.Second
