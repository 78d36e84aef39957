package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/veridata/dnipipe/pkg/config"
	"github.com/veridata/dnipipe/pkg/events"
	"github.com/veridata/dnipipe/pkg/health"
	"github.com/veridata/dnipipe/pkg/log"
	"github.com/veridata/dnipipe/pkg/metrics"
	"github.com/veridata/dnipipe/pkg/processor"
	"github.com/veridata/dnipipe/pkg/recovery"
	"github.com/veridata/dnipipe/pkg/report"
	"github.com/veridata/dnipipe/pkg/retry"
	"github.com/veridata/dnipipe/pkg/session"
	"github.com/veridata/dnipipe/pkg/storage"
)

// workersPerSession is the fixed worker pair every session runs: one
// Sunedu worker and one Minedu worker.
const workersPerSession = 2

// Deps carries everything the server needs. All dependencies flow through
// construction; the server owns none of their lifecycles.
type Deps struct {
	Config   *config.Config
	Store    storage.Store
	Sessions *session.Manager
	Recovery *recovery.Service
	Retry    *retry.Service
	Reporter *report.Reporter
	Broker   *events.Broker

	// Per-stage processors and driver factories.
	SuneduProcessor processor.Processor
	SuneduDrivers   processor.DriverFactory
	MineduProcessor processor.Processor
	MineduDrivers   processor.DriverFactory

	Version string
}

// Server is the HTTP control plane.
type Server struct {
	deps Deps
	mux  *http.ServeMux
	http *http.Server
}

// NewServer wires all routes.
func NewServer(deps Deps) *Server {
	mux := http.NewServeMux()
	s := &Server{deps: deps, mux: mux}

	hh := health.NewHandler(deps.Store, deps.Version)
	mux.HandleFunc("/health", hh.Health)
	mux.HandleFunc("/ready", hh.Ready)
	mux.Handle("/metrics", metrics.Handler())

	// Global, not tenant-scoped.
	mux.HandleFunc("GET /api/server/stats", s.instrument("server_stats", s.handleServerStats))

	// Tenant-scoped control plane.
	mux.HandleFunc("POST /api/upload", s.instrument("upload", s.withSession(s.handleUpload)))
	mux.HandleFunc("GET /api/status", s.instrument("status", s.withSession(s.handleStatus)))
	mux.HandleFunc("GET /api/records", s.instrument("records", s.withSession(s.handleRecords)))
	mux.HandleFunc("GET /api/batches", s.instrument("batches", s.withSession(s.handleBatches)))
	mux.HandleFunc("GET /api/export", s.instrument("export", s.withSession(s.handleExport)))
	mux.HandleFunc("POST /api/workers/start", s.instrument("workers_start", s.withSession(s.handleWorkersStart)))
	mux.HandleFunc("POST /api/workers/stop", s.instrument("workers_stop", s.withSession(s.handleWorkersStop)))
	mux.HandleFunc("POST /api/workers/pause", s.instrument("workers_pause", s.withSession(s.handleWorkersPause)))
	mux.HandleFunc("POST /api/workers/resume", s.instrument("workers_resume", s.withSession(s.handleWorkersResume)))
	mux.HandleFunc("GET /api/workers/status", s.instrument("workers_status", s.withSession(s.handleWorkersStatus)))
	mux.HandleFunc("POST /api/retry", s.instrument("retry", s.withSession(s.handleRetry)))
	mux.HandleFunc("POST /api/recover", s.instrument("recover", s.withSession(s.handleRecover)))
	mux.HandleFunc("POST /api/clean", s.instrument("clean", s.withSession(s.handleClean)))
	mux.HandleFunc("GET /api/events", s.withSession(s.handleEvents))

	return s
}

// Handler exposes the mux, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		// No WriteTimeout: /api/events streams indefinitely.
		IdleTimeout: 60 * time.Second,
	}
	lg := log.WithComponent("api")
	lg.Info().Str("addr", addr).Msg("http api listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) capacityError() string {
	stats := s.deps.Sessions.Stats()
	return fmt.Sprintf("server capacity reached (%d/%d workers active), try again later",
		stats.TotalWorkers, stats.MaxWorkers)
}
