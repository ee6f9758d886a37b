// Package httpapi implements the transport layer (A4): a chi router exposing
// the v1 REST surface plus a per-job WebSocket progress stream. It owns no
// business logic — every handler translates a request into a call on the
// dispatcher, registry, cache, or breaker registry and lets model.StatusFor
// turn the resulting error into the right status code, grounded on the
// teacher's single responseRecorder-plus-handler-table shape in api.go.
package httpapi

import (
	"net/http"
	"os/exec"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/auditforge/auditforge/internal/breaker"
	"github.com/auditforge/auditforge/internal/broadcaster"
	"github.com/auditforge/auditforge/internal/browserpool"
	"github.com/auditforge/auditforge/internal/cache"
	"github.com/auditforge/auditforge/internal/dispatcher"
	"github.com/auditforge/auditforge/internal/queue"
	"github.com/auditforge/auditforge/internal/registry"
	"github.com/auditforge/auditforge/internal/singleflight"
)

// Server wires A4's handlers to the components it fronts.
type Server struct {
	dispatcher  *dispatcher.Dispatcher
	registry    *registry.Registry
	cache       *cache.Store
	queue       *queue.Store
	breakers    *breaker.Registry
	pool        *browserpool.Pool
	locks       *singleflight.Group
	broadcaster *broadcaster.Broadcaster

	analyzerBin    string
	defaultTimeout time.Duration

	log      zerolog.Logger
	upgrader websocket.Upgrader
	limiters *ipLimiters
}

type Config struct {
	Dispatcher     *dispatcher.Dispatcher
	Registry       *registry.Registry
	Cache          *cache.Store
	Queue          *queue.Store
	Breakers       *breaker.Registry
	Pool           *browserpool.Pool
	Locks          *singleflight.Group
	Broadcaster    *broadcaster.Broadcaster
	AnalyzerBin    string
	DefaultTimeout time.Duration
	Log            zerolog.Logger
}

func New(cfg Config) *Server {
	return &Server{
		dispatcher:     cfg.Dispatcher,
		registry:       cfg.Registry,
		cache:          cfg.Cache,
		queue:          cfg.Queue,
		breakers:       cfg.Breakers,
		pool:           cfg.Pool,
		locks:          cfg.Locks,
		broadcaster:    cfg.Broadcaster,
		analyzerBin:    cfg.AnalyzerBin,
		defaultTimeout: cfg.DefaultTimeout,
		log:            cfg.Log.With().Str("component", "httpapi").Logger(),
		upgrader:       websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		limiters:       newIPLimiters(),
	}
}

// Routes builds the full v1 router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		MaxAge:           300,
	}))
	r.Use(s.rateLimit)

	r.Get("/v1/health", s.handleHealth)

	r.Post("/v1/audit", s.handleSubmit)
	r.Get("/v1/audit/{id}", s.handleGetOrStream)
	r.Delete("/v1/audit/{id}", s.handleCancel)

	r.Get("/v1/audits/running", s.handleListRunning)
	r.Get("/v1/audits/stats", s.handleAuditsStats)

	r.Get("/v1/cache/stats", s.handleCacheStats)
	r.Post("/v1/cache/cleanup", s.handleCacheCleanup)
	r.Delete("/v1/cache", s.handleCacheClear)

	return r
}

func (s *Server) analyzerAvailable() bool {
	if s.analyzerBin == "" {
		return false
	}
	_, err := exec.LookPath(s.analyzerBin)
	return err == nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
		observeRequestDuration(chi.RouteContext(r.Context()).RoutePattern(), r.Method, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
