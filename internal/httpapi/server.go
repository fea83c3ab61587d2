package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/zaclake/book-writer-automated-platform-sub007/internal/jobs"
	"github.com/zaclake/book-writer-automated-platform-sub007/internal/service"
	"github.com/zaclake/book-writer-automated-platform-sub007/pkg/icron"
	"github.com/zaclake/book-writer-automated-platform-sub007/pkg/log"
)

type jobDefaultsStore interface {
	JobDefaults() jobs.Config
	UpdateJobDefaults(next jobs.Config) (jobs.Config, error)
}

type retentionSchedule interface {
	NextRun(now time.Time) (*icron.TriggerInfo, error)
}

type Server struct {
	orch      *service.Orchestrator
	defaults  jobDefaultsStore
	retention retentionSchedule

	requestTimeout time.Duration
	heartbeat      time.Duration

	router chi.Router
	server *http.Server
}

type Option func(*Server)

func WithJobDefaultsStore(store jobDefaultsStore) Option {
	return func(s *Server) {
		s.defaults = store
	}
}

func WithRetention(r retentionSchedule) Option {
	return func(s *Server) {
		s.retention = r
	}
}

// WithRequestTimeout bounds non-streaming requests.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.requestTimeout = d
		}
	}
}

// WithHeartbeat sets the keep-alive interval of event streams.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

func NewServer(orch *service.Orchestrator, opts ...Option) *Server {
	s := &Server{
		orch:           orch,
		requestTimeout: 60 * time.Second,
		heartbeat:      15 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info("HTTP server listening on %s", addr)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(api chi.Router) {
		// Event streams outlive the request timeout.
		api.Get("/jobs/{id}/events", s.handleJobEvents)

		api.Group(func(g chi.Router) {
			g.Use(chiMiddleware.Timeout(s.requestTimeout))
			g.Post("/jobs", s.handleSubmitJob)
			g.Get("/jobs", s.handleListJobs)
			g.Get("/jobs/{id}", s.handleGetJob)
			g.Post("/jobs/{id}/control", s.handleControlJob)
			g.Get("/jobs/{id}/report", s.handleJobReport)
			g.Get("/settings/job-defaults", s.handleGetJobDefaults)
			g.Put("/settings/job-defaults", s.handleUpdateJobDefaults)
		})
	})
	s.router = r
}

// requestLogger logs one line per request through pkg/log.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug("%s %s -> %d (%d bytes) in %s [%s]",
			r.Method, r.URL.Path, ww.Status(), ww.BytesWritten(),
			time.Since(start).Round(time.Microsecond), chiMiddleware.GetReqID(r.Context()))
	})
}
