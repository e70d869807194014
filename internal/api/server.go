package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/openbuilders/payout-orchestrator/internal/health"
	"github.com/openbuilders/payout-orchestrator/internal/monitor"
	"github.com/openbuilders/payout-orchestrator/internal/scheduler"
	"github.com/openbuilders/payout-orchestrator/internal/types"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// APIHandler is a custom handler type that returns data or an error
type APIHandler func(w http.ResponseWriter, r *http.Request) (interface{}, error)

type Scheduler interface {
	Submit(context.Context, types.BatchDefinition) (uuid.UUID, error)
	Status(context.Context, uuid.UUID) ([]types.JobStatus, error)
	History(context.Context, uuid.UUID) (types.BatchHistory, error)
	Cancel(context.Context, uuid.UUID) (scheduler.CancelResult, error)
}

type Compliance interface {
	List(context.Context, types.ComplianceFilter) ([]types.ComplianceError, error)
	SelectForReport(context.Context, []uuid.UUID) ([]types.ComplianceError, error)
	Occurrences(context.Context, uuid.UUID) ([]types.Occurrence, error)
}

type Monitor interface {
	Recent(limit int) []monitor.Entry
}

type HealthChecker interface {
	GetHealthStatus() health.HealthStatus
}

type Server struct {
	config     *Config
	scheduler  Scheduler
	compliance Compliance
	monitor    Monitor
	health     HealthChecker
	httpServer *http.Server
	log        *slog.Logger
}

type Config struct {
	ListenAddr   string
	ListenPort   int
	MetricsPort  int
	ProbesPort   int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	ID           string
}

func NewServer(config *Config, scheduler Scheduler, compliance Compliance,
	monitor Monitor, health HealthChecker) *Server {

	return &Server{
		config:     config,
		scheduler:  scheduler,
		compliance: compliance,
		monitor:    monitor,
		health:     health,
		log:        slog.With("pod", config.ID, "component", "web-server"),
		httpServer: &http.Server{
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
			IdleTimeout:  config.IdleTimeout,
		},
	}
}

// Router builds the public API routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(WithRequestLog(s.log))

	r.Route("/batches", func(r chi.Router) {
		r.Post("/", WithJSONResponse(s.SubmitHandler))
		r.Get("/{id}", WithJSONResponse(s.StatusHandler))
		r.Get("/{id}/history", WithJSONResponse(s.HistoryHandler))
		r.Post("/{id}/cancel", WithJSONResponse(s.CancelHandler))
	})

	r.Get("/monitor/failures", WithJSONResponse(s.FailuresHandler))

	r.Route("/compliance", func(r chi.Router) {
		r.Get("/errors", WithJSONResponse(s.ListErrorsHandler))
		r.Get("/errors/{id}/occurrences", WithJSONResponse(s.OccurrencesHandler))
		r.Post("/report", WithJSONResponse(s.ReportHandler))
	})

	return http.TimeoutHandler(r, s.config.WriteTimeout, "Timeout")
}

// ProbesRouter serves the liveness and readiness probes.
func (s *Server) ProbesRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", WithJSONResponse(s.HealthHandler))
	r.Get("/ready", WithJSONResponse(s.ReadinessHandler))

	return r
}

func (s *Server) startProbesAndMetrics() []*http.Server {
	metrics := chi.NewRouter()
	metrics.Handle("/metrics", promhttp.Handler())

	servers := []*http.Server{
		{Addr: fmt.Sprintf(":%d", s.config.MetricsPort), Handler: metrics},
		{Addr: fmt.Sprintf(":%d", s.config.ProbesPort), Handler: s.ProbesRouter()},
	}

	for _, srv := range servers {
		srv := srv
		go func() {
			s.log.Info("Serving probes and metrics", "addr", srv.Addr)

			err := srv.ListenAndServe()
			if err != nil && err != http.ErrServerClosed {
				s.log.Error("Probes or metrics HTTP listener failed", "error", err)
			}
		}()
	}

	return servers
}

func (s *Server) Start(ctx context.Context, stop <-chan os.Signal) {
	auxiliary := s.startProbesAndMetrics()

	s.httpServer.Handler = s.Router()

	go s.run(ctx)

	<-stop

	s.log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	for _, srv := range append(auxiliary, s.httpServer) {
		if err := srv.Shutdown(ctx); err != nil {
			s.log.Error("Server forced to shutdown", "error", err)
		}
	}

	s.log.Info("Server exiting")
}

func (s *Server) run(ctx context.Context) {
	s.log.Info("Starting server", "port", s.config.ListenPort)

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp",
		fmt.Sprintf("%s:%d", s.config.ListenAddr, s.config.ListenPort))
	if err != nil {
		s.log.Error("Error creating listener", "error", err)
		return
	}
	defer listener.Close()

	if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
		s.log.Error("Could not start server", "error", err)
	}
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) (
	interface{}, error) {

	return "ok", nil
}

// ReadinessHandler reports the dependency checks. Unready pods answer 503.
func (s *Server) ReadinessHandler(w http.ResponseWriter, r *http.Request) (
	interface{}, error) {

	status := s.health.GetHealthStatus()
	if !status.Healthy {
		return nil, &APIError{Code: NotReady, Message: "dependencies unhealthy"}
	}

	return status, nil
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, &APIError{Code: InvalidID, Message: "id must be a UUID"}
	}

	return id, nil
}
