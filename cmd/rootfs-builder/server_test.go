package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/vyvo/compute/rootfs/pkg/artifact"
	"github.com/vyvo/compute/rootfs/pkg/auth"
	"github.com/vyvo/compute/rootfs/pkg/baseimage"
	"github.com/vyvo/compute/rootfs/pkg/builder"
	"github.com/vyvo/compute/rootfs/pkg/layer"
	"github.com/vyvo/compute/rootfs/pkg/pipeline"
	"github.com/vyvo/compute/rootfs/pkg/pkgrepo"
	"github.com/vyvo/compute/rootfs/pkg/queue"
	"github.com/vyvo/compute/rootfs/pkg/runner"
)

const goSpec = `FROM firecracker-base:1
ENV GOROOT=/usr/lib/go
ENV PATH=$GOROOT/bin:$PATH
VERIFY true
`

func testPipeline(t *testing.T) *pipeline.Pipeline {
	t.Helper()
	base := afero.NewMemMapFs()
	if err := afero.WriteFile(base, "/bin/true", []byte("true"), 0o755); err != nil {
		t.Fatalf("seed base: %v", err)
	}
	img, err := baseimage.NewImage("firecracker-base:1", base, map[string]string{"PATH": "/usr/bin:/bin"}, nil)
	if err != nil {
		t.Fatalf("NewImage returned error: %v", err)
	}
	run := runner.Func(func(_ context.Context, stack *layer.Stack, req runner.Request) (runner.Result, error) {
		for _, dir := range strings.Split(req.Env["PATH"], ":") {
			if stack.Exists(path.Join(dir, req.Argv[0])) {
				return runner.Result{}, nil
			}
		}
		return runner.Result{ExitCode: runner.ExitNotFound}, nil
	})
	p := &pipeline.Pipeline{
		Images: baseimage.ResolverFunc(func(_ context.Context, ref string) (*baseimage.Image, error) {
			if ref != img.Ref {
				return nil, baseimage.ErrImageNotFound
			}
			return img, nil
		}),
		Packages: pkgrepo.NewInstaller(pkgrepo.StaticSource{}),
		Runner:   run,
		Store:    artifact.NewFSStore(afero.NewMemMapFs()),
		WorkDir:  t.TempDir(),
	}
	return p
}

func testServer(t *testing.T) (*server, *queue.MemQueue) {
	t.Helper()
	q := queue.NewMemQueue(8)
	q.SetPollInterval(10 * time.Millisecond)
	return newServer(testPipeline(t), q, zap.NewNop()), q
}

func do(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, &buf))
	return rec
}

func createBuild(t *testing.T, s *server, req builder.CreateRequest) builder.Build {
	t.Helper()
	rec := do(t, s.routes(), http.MethodPost, "/api/builds", req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create returned %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Build builder.Build `json:"build"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	return out.Build
}

func runNext(t *testing.T, s *server, q *queue.MemQueue) {
	t.Helper()
	job, err := q.Dequeue(context.Background(), "worker-test")
	if err != nil || job == nil {
		t.Fatalf("expected a queued job, got %v, %v", job, err)
	}
	s.runBuild(context.Background(), "worker-test", job)
}

func getBuild(t *testing.T, s *server, id string) builder.Build {
	t.Helper()
	rec := do(t, s.routes(), http.MethodGet, "/api/builds/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get returned %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Build builder.Build `json:"build"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode build: %v", err)
	}
	return out.Build
}

func TestBuildIsPublishedAndServed(t *testing.T) {
	s, q := testServer(t)
	created := createBuild(t, s, builder.CreateRequest{Spec: goSpec, Name: "go-1.22", SpecName: "languages/go"})
	if created.Status != builder.StatusQueued {
		t.Fatalf("unexpected initial status %s", created.Status)
	}

	runNext(t, s, q)

	build := getBuild(t, s, created.ID)
	if build.Status != builder.StatusPublished || !strings.HasPrefix(build.Digest, "sha256:") {
		t.Fatalf("unexpected build %+v", build)
	}

	rec := do(t, s.routes(), http.MethodGet, "/api/images/go-1.22", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("image lookup returned %d: %s", rec.Code, rec.Body.String())
	}
	var img struct {
		Image artifact.ImageArtifact `json:"image"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&img); err != nil {
		t.Fatalf("decode image: %v", err)
	}
	if img.Image.Digest != build.Digest || img.Image.Env["PATH"] != "/usr/lib/go/bin:/usr/bin:/bin" {
		t.Fatalf("unexpected image %+v", img.Image)
	}

	logs := do(t, s.routes(), http.MethodGet, "/api/builds/"+created.ID+"/logs", nil).Body.String()
	if !strings.Contains(logs, "build published as") || !strings.Contains(logs, "[stream closed]") {
		t.Fatalf("unexpected log stream %q", logs)
	}

	rec = do(t, s.routes(), http.MethodGet, "/api/builds/"+created.ID+"/logs?follow=false", nil)
	var stored struct {
		Logs []string `json:"logs"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&stored); err != nil {
		t.Fatalf("decode logs: %v", err)
	}
	if rec.Code != http.StatusOK || len(stored.Logs) == 0 || stored.Logs[0] != "queued build of languages/go" {
		t.Fatalf("unexpected stored logs %d %v", rec.Code, stored.Logs)
	}

	if job, _ := q.Get(context.Background(), created.ID); job.Status != queue.StatusCompleted {
		t.Fatalf("queue job not completed: %+v", job)
	}
}

func TestFailedVerificationIsReported(t *testing.T) {
	s, q := testServer(t)
	created := createBuild(t, s, builder.CreateRequest{Spec: strings.Replace(goSpec, "VERIFY true", "VERIFY go version", 1), Name: "go-1.22"})
	runNext(t, s, q)

	build := getBuild(t, s, created.ID)
	if build.Status != builder.StatusFailed || !strings.Contains(build.Error, "verification") {
		t.Fatalf("unexpected build %+v", build)
	}
	if rec := do(t, s.routes(), http.MethodGet, "/api/images/go-1.22", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("failed build must not publish, lookup returned %d", rec.Code)
	}
}

func TestCancelQueuedBuild(t *testing.T) {
	s, q := testServer(t)
	created := createBuild(t, s, builder.CreateRequest{Spec: goSpec})

	if rec := do(t, s.routes(), http.MethodDelete, "/api/builds/"+created.ID, nil); rec.Code != http.StatusAccepted {
		t.Fatalf("cancel returned %d", rec.Code)
	}
	runNext(t, s, q)

	build := getBuild(t, s, created.ID)
	if build.Status != builder.StatusFailed || build.Error != "cancelled before start" {
		t.Fatalf("unexpected build %+v", build)
	}
	if rec := do(t, s.routes(), http.MethodDelete, "/api/builds/"+created.ID, nil); rec.Code != http.StatusConflict {
		t.Fatalf("cancelling a finished build returned %d", rec.Code)
	}
}

func TestCreateRejectsBadSpecs(t *testing.T) {
	s, _ := testServer(t)
	for _, spec := range []string{"", "FROM a\nFROM b\n", "BOGUS x\n"} {
		rec := do(t, s.routes(), http.MethodPost, "/api/builds", builder.CreateRequest{Spec: spec})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("spec %q returned %d", spec, rec.Code)
		}
	}
	if rec := do(t, s.routes(), http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz returned %d", rec.Code)
	}
}

func TestMutatingRoutesRequireKey(t *testing.T) {
	s, _ := testServer(t)
	s.keys = auth.Keys{"secret"}

	if rec := do(t, s.routes(), http.MethodPost, "/api/builds", builder.CreateRequest{Spec: goSpec}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated create returned %d", rec.Code)
	}
	body, _ := json.Marshal(builder.CreateRequest{Spec: goSpec})
	req := httptest.NewRequest(http.MethodPost, "/api/builds", bytes.NewReader(body))
	req.Header.Set("Authorization", "Key secret")
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("authenticated create returned %d: %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, s.routes(), http.MethodGet, "/api/builds", nil); rec.Code != http.StatusOK {
		t.Fatalf("listing should stay open, got %d", rec.Code)
	}
}

func TestRepublishLogsMovedName(t *testing.T) {
	s, q := testServer(t)
	createBuild(t, s, builder.CreateRequest{Spec: goSpec, Name: "go-1.22"})
	runNext(t, s, q)
	second := createBuild(t, s, builder.CreateRequest{Spec: strings.Replace(goSpec, "/usr/lib/go", "/opt/go", 1), Name: "go-1.22"})
	runNext(t, s, q)

	logs, err := s.memStore.Logs(second.ID)
	if err != nil {
		t.Fatalf("Logs returned error: %v", err)
	}
	if !strings.Contains(strings.Join(logs, "\n"), "go-1.22 moved from sha256:") {
		t.Fatalf("expected a moved-name log line, got %v", logs)
	}
}

func TestReplicasShareRedisQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	sharedQueue := func() *queue.RedisQueue {
		q := queue.NewRedisQueueFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:builds")
		q.SetPollInterval(time.Second)
		t.Cleanup(func() { _ = q.Close() })
		return q
	}
	frontQueue, backQueue := sharedQueue(), sharedQueue()
	front := newServer(testPipeline(t), frontQueue, zap.NewNop())
	back := newServer(testPipeline(t), backQueue, zap.NewNop())

	created := createBuild(t, front, builder.CreateRequest{Spec: goSpec, Name: "go-1.22", SpecName: "languages/go"})

	job, err := backQueue.Dequeue(context.Background(), "back-1")
	if err != nil || job == nil {
		t.Fatalf("expected the back replica to receive the job, got %v, %v", job, err)
	}
	back.runBuild(context.Background(), "back-1", job)

	adopted, err := back.memStore.Get(created.ID)
	if err != nil {
		t.Fatalf("back replica has no record: %v", err)
	}
	if adopted.Status != builder.StatusPublished || adopted.SpecName != "languages/go" || adopted.BaseImage != "firecracker-base:1" {
		t.Fatalf("unexpected adopted build %+v", adopted)
	}
	if stored, _ := backQueue.Get(context.Background(), created.ID); stored.Status != queue.StatusCompleted {
		t.Fatalf("queue job not completed: %+v", stored)
	}

	build := getBuild(t, front, created.ID)
	if build.Status != builder.StatusPublished || build.Digest != adopted.Digest {
		t.Fatalf("front replica did not see the outcome: %+v", build)
	}
}
