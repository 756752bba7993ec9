package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/vyvo/compute/rootfs/pkg/auth"
	"github.com/vyvo/compute/rootfs/pkg/builder"
	"github.com/vyvo/compute/rootfs/pkg/config"
	"github.com/vyvo/compute/rootfs/pkg/logger"
	"github.com/vyvo/compute/rootfs/pkg/notify"
	"github.com/vyvo/compute/rootfs/pkg/pipeline"
	"github.com/vyvo/compute/rootfs/pkg/queue"
	"github.com/vyvo/compute/rootfs/pkg/telemetry"
)

func main() {
	cfg, err := config.LoadBuilder()
	if err != nil {
		fmt.Fprintf(os.Stderr, "rootfs-builder: %v\n", err)
		os.Exit(2)
	}
	log := logger.Must(cfg.Log)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var traceOut io.Writer
	if cfg.Trace {
		traceOut = os.Stderr
	}
	shutdownTracer := telemetry.InitTracer(ctx, "rootfs-builder", traceOut, log)
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	p, storeCloser, err := pipeline.FromConfig(cfg, log)
	if err != nil {
		log.Fatal("pipeline init failed", zap.Error(err))
	}
	defer storeCloser.Close()

	var q queue.Queue
	if cfg.RedisURL != "" {
		rq, err := queue.NewRedisQueue(cfg.RedisURL, cfg.QueueKey)
		if err != nil {
			log.Fatal("redis queue init failed", zap.Error(err))
		}
		q = rq
	} else {
		q = queue.NewMemQueue(256)
	}
	defer q.Close()

	srv := newServer(p, q, log)
	srv.notifier = notify.NewClient(cfg.NotifyURL)
	srv.keys = auth.Keys(cfg.APIKeys)

	if cfg.DatabaseURL != "" {
		pg, err := builder.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			log.Fatal("builder postgres init failed", zap.Error(err))
		}
		srv.pgStore = pg
		defer func() {
			if err := pg.Close(); err != nil {
				log.Warn("builder postgres close error", zap.Error(err))
			}
		}()
	}

	var workers sync.WaitGroup
	for i := 0; i < cfg.Workers; i++ {
		workers.Add(1)
		go func(id string) {
			defer workers.Done()
			srv.work(ctx, id)
		}(fmt.Sprintf("worker-%d", i+1))
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown failed", zap.Error(err))
		}
	}()

	log.Info("rootfs builder listening", zap.String("addr", cfg.ListenAddr), zap.Int("workers", cfg.Workers))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("rootfs builder failed", zap.Error(err))
	}
	srv.cancelAll()
	workers.Wait()
	log.Info("rootfs builder stopped")
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.With(s.keys.Middleware).Post("/builds", s.handleCreateBuild)
		r.Get("/builds", s.handleListBuilds)
		r.Route("/builds/{buildID}", func(r chi.Router) {
			r.Get("/", s.handleGetBuild)
			r.With(s.keys.Middleware).Delete("/", s.handleCancelBuild)
			r.Get("/logs", s.handleStreamLogs)
		})
		r.Get("/images", s.handleListImages)
		r.Get("/images/{name}", s.handleGetImage)
	})
	return r
}
