package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vyvo/compute/rootfs/pkg/builder"
	"github.com/vyvo/compute/rootfs/pkg/buildspec"
	"github.com/vyvo/compute/rootfs/pkg/pipeline"
	"github.com/vyvo/compute/rootfs/pkg/queue"
	"github.com/vyvo/compute/rootfs/pkg/registry"
)

// work consumes jobs until ctx is done. Builds run one at a time per worker.
func (s *server) work(ctx context.Context, workerID string) {
	for {
		job, err := s.queue.Dequeue(ctx, workerID)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.log.Warn("dequeue failed", zap.String("worker", workerID), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if job == nil {
			continue
		}
		s.runBuild(ctx, workerID, job)
	}
}

func (s *server) runBuild(parent context.Context, workerID string, job *queue.Job) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	s.mu.Lock()
	if s.cancelled[job.ID] {
		delete(s.cancelled, job.ID)
		s.mu.Unlock()
		s.finishFailed(job.ID, -1, "cancelled before start")
		return
	}
	s.running[job.ID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, job.ID)
		s.mu.Unlock()
	}()

	build := s.adoptBuild(job)
	s.appendLog(job.ID, fmt.Sprintf("picked up by %s", workerID))

	spec, err := buildspec.Parse(strings.NewReader(job.Spec))
	if err != nil {
		s.finishFailed(job.ID, -1, err.Error())
		return
	}
	spec.Name = build.SpecName
	if build.BaseImage == "" {
		if _, err := s.memStore.Update(job.ID, func(b *builder.Build) { b.BaseImage = spec.BaseImage }); err != nil {
			s.log.Warn("memory status error", zap.String("build", job.ID), zap.Error(err))
		}
	}

	step := -1
	observer := func(ev pipeline.Event) {
		if ev.Step >= 0 {
			step = ev.Step
		}
		if ev.Message != "" {
			s.appendLog(job.ID, fmt.Sprintf("[%s] %s", ev.State, ev.Message))
		}
		if !ev.State.Terminal() {
			s.updateStatus(job.ID, builder.Status(ev.State), step, "")
		}
	}

	art, err := s.pipeline.Build(ctx, spec, pipeline.Options{
		Name:         job.Name,
		BaseOverride: job.BaseOverride,
		Observer:     observer,
	})
	if err != nil {
		var specErr *buildspec.SpecError
		if errors.As(err, &specErr) {
			step = -1
		}
		s.finishFailed(job.ID, step, err.Error())
		return
	}

	if _, err := s.memStore.Update(job.ID, func(b *builder.Build) {
		b.Status = builder.StatusPublished
		b.Step = -1
		b.Digest = art.Digest
		b.FinishedAt = time.Now().UTC()
	}); err != nil {
		s.log.Warn("memory status error", zap.String("build", job.ID), zap.Error(err))
	}
	s.persist(job.ID)
	s.appendLog(job.ID, fmt.Sprintf("build published as %s", art.Digest))
	s.memStore.CloseSubscribers(job.ID)

	if err := s.queue.Complete(parent, job.ID, art.Digest); err != nil {
		s.log.Warn("queue complete failed", zap.String("build", job.ID), zap.Error(err))
	}
	if job.Name != "" {
		if prev, ok := s.images.Get(job.Name); ok && prev.Digest != art.Digest {
			s.appendLog(job.ID, fmt.Sprintf("%s moved from %s", job.Name, prev.Digest))
		}
		s.images.Set(registry.FromArtifact(job.Name, art))
		if err := s.notifier.Published(parent, job.Name, art); err != nil {
			s.log.Warn("publish notice failed", zap.String("build", job.ID), zap.Error(err))
		}
	}
}

// adoptBuild returns the record of the build job belongs to. A job accepted
// by another replica, or by this one before a restart, has no record in
// memory; it is loaded from Postgres when configured, else rebuilt from the
// job.
func (s *server) adoptBuild(job *queue.Job) builder.Build {
	if build, err := s.memStore.Get(job.ID); err == nil {
		return build
	}
	now := time.Now().UTC()
	build := builder.Build{
		ID:        job.ID,
		SpecName:  job.SpecName,
		Name:      job.Name,
		BaseImage: job.BaseOverride,
		Status:    builder.StatusQueued,
		Step:      -1,
		CreatedAt: time.Unix(job.CreatedAt, 0).UTC(),
		UpdatedAt: now,
	}
	if s.pgStore != nil {
		stored, err := s.pgStore.Get(job.ID)
		switch {
		case err == nil:
			build = stored
		case !errors.Is(err, builder.ErrBuildNotFound):
			s.log.Warn("load build record failed", zap.String("build", job.ID), zap.Error(err))
		}
	}
	if build.SpecName == "" {
		build.SpecName = "adhoc"
	}
	s.log.Info("adopted build from queue", zap.String("build", job.ID))
	return s.memStore.Create(build)
}

func (s *server) updateStatus(id string, status builder.Status, step int, errMsg string) {
	if _, err := s.memStore.SetStatus(id, status, step, time.Now().UTC(), errMsg); err != nil {
		s.log.Warn("memory status error", zap.String("build", id), zap.Error(err))
		return
	}
	s.persist(id)
}

func (s *server) persist(id string) {
	if s.pgStore == nil {
		return
	}
	build, err := s.memStore.Get(id)
	if err != nil {
		return
	}
	if err := s.pgStore.Save(build); err != nil {
		s.log.Warn("postgres status error", zap.String("build", id), zap.Error(err))
	}
}

// finishFailed marks the build failed, closes its log streams and records
// the failure on the queue.
func (s *server) finishFailed(id string, step int, message string) {
	s.failBuild(id, step, message)
	if err := s.queue.Fail(context.Background(), id, message); err != nil {
		s.log.Warn("queue fail failed", zap.String("build", id), zap.Error(err))
	}
}

func (s *server) failBuild(id string, step int, message string) {
	s.appendLog(id, message)
	s.updateStatus(id, builder.StatusFailed, step, message)
	s.memStore.CloseSubscribers(id)
}

func (s *server) appendLog(id string, line string) {
	s.memStore.AppendLog(id, line)
	if s.pgStore != nil {
		if err := s.pgStore.AppendLog(id, line); err != nil {
			s.log.Warn("persist log error", zap.String("build", id), zap.Error(err))
		}
	}
}
