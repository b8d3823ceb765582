// Package admin serves the operator API: worker inspection and control, health and metrics.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jpillora/requestlog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"idia-astro/go-remotemon/pkg/shared/defs"
	"idia-astro/go-remotemon/services/gateway/internal/httpHelpers"
	"idia-astro/go-remotemon/services/gateway/internal/metrics"
	"idia-astro/go-remotemon/services/gateway/internal/workerPool"
)

// HealthService is the name the gateway reports under in the gRPC health service
const HealthService = "remotemon.Gateway"

// Workers is the pool as seen by the admin API
type Workers interface {
	List() []defs.WorkerListItem
	Status(id string) (defs.WorkerStatus, error)
	Kill(id string) error
}

type Options struct {
	// Addr is the HTTP listen address
	Addr string
	// GrpcAddr is the gRPC health listen address, empty disables it
	GrpcAddr string
	Workers  Workers
	// LogRequests wraps the router with a request logger
	LogRequests bool
}

type Server struct {
	opts   Options
	logger *slog.Logger

	http   *http.Server
	grpc   *grpc.Server
	health *health.Server

	mu       sync.Mutex
	httpAddr net.Addr
	grpcAddr net.Addr
}

func New(opts Options) *Server {
	s := &Server{
		opts:   opts,
		logger: slog.With("component", "admin"),
	}

	h := http.Handler(s.Router())
	if opts.LogRequests {
		h = requestlog.Wrap(h)
	}
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if opts.GrpcAddr != "" {
		s.grpc = grpc.NewServer()
		s.health = health.NewServer()
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		s.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
		healthpb.RegisterHealthServer(s.grpc, s.health)
	}
	return s
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpHelpers.WriteOutput(w, map[string]any{"status": "ok"})
	})

	r.Handle("/metrics", metrics.Handler())

	// List all workers
	r.Get("/workers", func(w http.ResponseWriter, r *http.Request) {
		httpHelpers.WriteOutput(w, s.opts.Workers.List())
	})

	// Get details of a specific worker
	r.Get("/worker/{id}", func(w http.ResponseWriter, r *http.Request) {
		workerId := chi.URLParam(r, "id")
		status, err := s.opts.Workers.Status(workerId)
		if err != nil {
			httpHelpers.WriteError(w, http.StatusNotFound, "Worker not found")
			return
		}
		httpHelpers.WriteOutput(w, status)
	})

	// Stop a specific worker
	r.Delete("/worker/{id}", func(w http.ResponseWriter, r *http.Request) {
		workerId := chi.URLParam(r, "id")

		start := time.Now()
		err := s.opts.Workers.Kill(workerId)
		elapsed := time.Since(start)

		switch {
		case errors.Is(err, workerPool.ErrUnknownWorker):
			httpHelpers.WriteError(w, http.StatusNotFound, "Worker not found")
			return
		case errors.Is(err, workerPool.ErrWorkerNotStarted):
			httpHelpers.WriteError(w, http.StatusConflict, "Worker is still starting")
			return
		case err != nil:
			s.logger.Error("Error stopping worker", "workerId", workerId, "error", err)
			httpHelpers.WriteError(w, http.StatusInternalServerError, "Error stopping worker")
			return
		}

		httpHelpers.WriteTimings(w, httpHelpers.Timings{"stop-time": elapsed})
		httpHelpers.WriteOutput(w, map[string]any{"msg": "Worker stopped"})
	})

	return r
}

// Start listens on the configured addresses and serves in the background
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.httpAddr = l.Addr()
	s.mu.Unlock()

	go func() {
		s.logger.Info("Admin API listening", "address", l.Addr().String())
		if err := s.http.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Admin API stopped", "error", err)
		}
	}()

	if s.grpc == nil {
		return nil
	}
	gl, err := net.Listen("tcp", s.opts.GrpcAddr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.grpcAddr = gl.Addr()
	s.mu.Unlock()

	go func() {
		s.logger.Info("gRPC health listening", "address", gl.Addr().String())
		if err := s.grpc.Serve(gl); err != nil {
			s.logger.Error("gRPC health stopped", "error", err)
		}
	}()
	return nil
}

// Addr is the bound HTTP address once Start returned
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.httpAddr
}

func (s *Server) GrpcAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grpcAddr
}

// Shutdown reports NOT_SERVING, then stops both servers
func (s *Server) Shutdown(ctx context.Context) error {
	if s.grpc != nil {
		s.health.Shutdown()
		stopped := make(chan struct{})
		go func() {
			s.grpc.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			// open Watch streams keep GracefulStop waiting
			s.grpc.Stop()
		}
	}
	return s.http.Shutdown(ctx)
}
