package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vyvo/compute/rootfs/pkg/artifact"
	"github.com/vyvo/compute/rootfs/pkg/auth"
	"github.com/vyvo/compute/rootfs/pkg/builder"
	"github.com/vyvo/compute/rootfs/pkg/buildspec"
	"github.com/vyvo/compute/rootfs/pkg/notify"
	"github.com/vyvo/compute/rootfs/pkg/pipeline"
	"github.com/vyvo/compute/rootfs/pkg/queue"
	"github.com/vyvo/compute/rootfs/pkg/registry"
)

type server struct {
	pipeline *pipeline.Pipeline
	queue    queue.Queue
	memStore *builder.MemStore
	pgStore  *builder.PostgresStore
	images   *registry.Registry
	notifier *notify.Client
	keys     auth.Keys
	log      *zap.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
	// cancelled holds builds cancelled while still queued.
	cancelled map[string]bool
}

func newServer(p *pipeline.Pipeline, q queue.Queue, log *zap.Logger) *server {
	return &server{
		pipeline:  p,
		queue:     q,
		memStore:  builder.NewMemStore(),
		images:    registry.New(),
		log:       log,
		running:   map[string]context.CancelFunc{},
		cancelled: map[string]bool{},
	}
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	depth, err := s.queue.Len(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, map[string]any{"status": "ok", "queued": depth}, http.StatusOK)
}

func (s *server) handleCreateBuild(w http.ResponseWriter, r *http.Request) {
	var payload builder.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if strings.TrimSpace(payload.Spec) == "" {
		respondError(w, http.StatusBadRequest, "spec is required")
		return
	}
	spec, err := buildspec.Parse(strings.NewReader(payload.Spec))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	specName := payload.SpecName
	if specName == "" {
		specName = payload.Name
	}
	if specName == "" {
		specName = "adhoc"
	}
	base := spec.BaseImage
	if payload.Base != "" {
		base = payload.Base
	}
	build := builder.Build{
		ID:        id,
		SpecName:  specName,
		Name:      payload.Name,
		BaseImage: base,
		Status:    builder.StatusQueued,
		Step:      -1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.memStore.Create(build)
	if s.pgStore != nil {
		if err := s.pgStore.Create(build); err != nil {
			s.log.Warn("persist build failed", zap.String("build", id), zap.Error(err))
		}
	}
	job := &queue.Job{ID: id, Spec: payload.Spec, SpecName: specName, BaseOverride: payload.Base, Name: payload.Name}
	if err := s.queue.Enqueue(r.Context(), job); err != nil {
		s.failBuild(id, -1, fmt.Sprintf("enqueue failed: %v", err))
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.appendLog(id, fmt.Sprintf("queued build of %s", specName))
	respondJSON(w, map[string]any{"build": build}, http.StatusAccepted)
}

func (s *server) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	if s.pgStore != nil {
		builds, err := s.pgStore.List()
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		respondJSON(w, map[string]any{"builds": builds}, http.StatusOK)
		return
	}
	builds := s.memStore.List()
	for i := range builds {
		builds[i] = s.syncFromQueue(r.Context(), builds[i])
	}
	respondJSON(w, map[string]any{"builds": builds}, http.StatusOK)
}

func (s *server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "buildID")
	var (
		build builder.Build
		err   error
	)
	if s.pgStore != nil {
		build, err = s.pgStore.Get(id)
	} else {
		build, err = s.memStore.Get(id)
		build = s.syncFromQueue(r.Context(), build)
	}
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, map[string]any{"build": build}, http.StatusOK)
}

// syncFromQueue folds the state recorded on the shared queue into a build
// this process accepted but another worker is running.
func (s *server) syncFromQueue(ctx context.Context, build builder.Build) builder.Build {
	if build.ID == "" || build.Status.Finished() {
		return build
	}
	s.mu.Lock()
	_, local := s.running[build.ID]
	s.mu.Unlock()
	if local {
		return build
	}
	job, err := s.queue.Get(ctx, build.ID)
	if err != nil {
		return build
	}

	var apply func(*builder.Build)
	switch job.Status {
	case queue.StatusCompleted:
		apply = func(b *builder.Build) {
			b.Status = builder.StatusPublished
			b.Step = -1
			b.Digest = job.Digest
			b.FinishedAt = time.Unix(job.CompletedAt, 0).UTC()
		}
	case queue.StatusFailed:
		apply = func(b *builder.Build) {
			b.Status = builder.StatusFailed
			b.Error = job.Error
			b.FinishedAt = time.Unix(job.CompletedAt, 0).UTC()
		}
	case queue.StatusProcessing:
		if build.Status != builder.StatusQueued {
			return build
		}
		apply = func(b *builder.Build) { b.Status = builder.StatusExecuting }
	default:
		return build
	}
	updated, err := s.memStore.Update(build.ID, apply)
	if err != nil {
		return updated
	}
	if updated.Status.Finished() {
		s.appendLog(build.ID, fmt.Sprintf("finished on %s: %s", job.WorkerID, updated.Status))
		s.memStore.CloseSubscribers(build.ID)
	}
	return updated
}

func (s *server) handleCancelBuild(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "buildID")
	build, err := s.memStore.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	if build.Status.Finished() {
		respondError(w, http.StatusConflict, "build already finished")
		return
	}

	s.mu.Lock()
	cancel, running := s.running[id]
	if !running {
		s.cancelled[id] = true
	}
	s.mu.Unlock()

	if running {
		cancel()
	}
	s.appendLog(id, "cancellation requested")
	respondJSON(w, map[string]any{"status": "cancelling"}, http.StatusAccepted)
}

// storedLogLimit bounds log replay from Postgres.
const storedLogLimit = 10000

// buildLogs returns the recorded log lines of a build. Builds this process
// never saw are read from Postgres when configured.
func (s *server) buildLogs(id string) ([]string, error) {
	lines, err := s.memStore.Logs(id)
	if errors.Is(err, builder.ErrBuildNotFound) && s.pgStore != nil {
		if _, err := s.pgStore.Get(id); err != nil {
			return nil, err
		}
		return s.pgStore.ListLogs(id, storedLogLimit)
	}
	return lines, err
}

func replay(lines []string) <-chan string {
	ch := make(chan string, len(lines))
	for _, line := range lines {
		ch <- line
	}
	close(ch)
	return ch
}

// handleStreamLogs streams build logs as server-sent events. With
// ?follow=false the recorded lines are returned as JSON instead.
func (s *server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "buildID")
	if r.URL.Query().Get("follow") == "false" {
		lines, err := s.buildLogs(id)
		if err != nil {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondJSON(w, map[string]any{"logs": lines}, http.StatusOK)
		return
	}

	ch, err := s.memStore.Subscribe(id)
	if errors.Is(err, builder.ErrBuildNotFound) && s.pgStore != nil {
		var lines []string
		if lines, err = s.buildLogs(id); err == nil {
			ch = replay(lines)
		}
	}
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	done := r.Context().Done()

	for {
		select {
		case <-done:
			return
		case msg, ok := <-ch:
			if !ok {
				fmt.Fprintf(w, "data: %s\n\n", "[stream closed]")
				flusher.Flush()
				return
			}
			for _, line := range strings.Split(msg, "\n") {
				fmt.Fprintf(w, "data: %s\n", line)
			}
			fmt.Fprint(w, "\n")
			flusher.Flush()
		}
	}
}

func (s *server) handleListImages(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]any{"images": s.images.List()}, http.StatusOK)
}

func (s *server) handleGetImage(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	art, err := s.pipeline.Store.Resolve(r.Context(), name)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if art.Name != "" {
		s.images.Set(registry.FromArtifact(art.Name, art))
	}
	respondJSON(w, map[string]any{"image": art}, http.StatusOK)
}

func (s *server) cancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.running {
		cancel()
	}
}

func respondJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, map[string]string{"error": message}, status)
}
