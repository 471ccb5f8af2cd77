// Package server exposes the HTTP API: review submission and queues,
// study statistics, AI problem recommendations, and on-demand parameter
// optimization. Handlers always act as the authenticated caller; no
// endpoint accepts a user id for data it returns.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"codetop/internal/fsrs"
	"codetop/internal/idempotency"
	"codetop/internal/recommend"
)

// ReviewService is the scheduling surface the handlers call.
type ReviewService interface {
	SubmitReview(ctx context.Context, req fsrs.SubmitRequest) (fsrs.SubmitResult, error)
	ReviewQueue(ctx context.Context, userID int64, limit int) (fsrs.QueueResponse, error)
	Stats(ctx context.Context, userID int64) (fsrs.ReviewStats, error)
}

// ParameterOptimizer triggers a parameter fit for one user.
type ParameterOptimizer interface {
	Optimize(ctx context.Context, userID int64) (fsrs.OptimizeResult, error)
}

// Recommender produces the AI recommendation slate.
type Recommender interface {
	Recommend(ctx context.Context, q recommend.Query) (*recommend.Response, error)
}

// Config holds the listener settings.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string
}

// Deps are the collaborators the handlers delegate to. Metrics, when
// set, is mounted at /metrics; production passes the promhttp handler.
type Deps struct {
	Reviews     ReviewService
	Optimizer   ParameterOptimizer
	Recommender Recommender
	Deduper     *idempotency.Deduper
	Auth        Authenticator
	Metrics     http.Handler
	Ready       func(ctx context.Context) error
	Logger      *zap.Logger
}

// Server is the HTTP front end.
type Server struct {
	cfg         Config
	httpSrv     *http.Server
	log         *zap.Logger
	reviews     ReviewService
	optimizer   ParameterOptimizer
	recommender Recommender
	deduper     *idempotency.Deduper
	auth        Authenticator
	ready       func(ctx context.Context) error
}

// New wires the router. The chi middleware stack runs outermost first:
// trace id, access log, panic recovery, then CORS.
func New(cfg Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}

	s := &Server{
		cfg:         cfg,
		log:         deps.Logger,
		reviews:     deps.Reviews,
		optimizer:   deps.Optimizer,
		recommender: deps.Recommender,
		deduper:     deps.Deduper,
		auth:        deps.Auth,
		ready:       deps.Ready,
	}

	r := chi.NewRouter()
	r.Use(s.traceMiddleware)
	r.Use(s.logMiddleware)
	r.Use(s.recoverMiddleware)
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", headerRequestID},
			ExposedHeaders: []string{headerChainID, headerProviderChain, headerFallbackReason, headerCacheHit, headerTraceID},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", s.handleHealthz)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(s.requireAuth)
		api.Post("/review/submit", s.handleSubmitReview)
		api.Get("/review/queue", s.handleReviewQueue)
		api.Get("/review/stats", s.handleReviewStats)
		api.Get("/problems/ai-recommendations", s.handleRecommendations)
		api.Post("/users/{userID}/optimize-parameters", s.handleOptimize)
	})

	s.httpSrv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start blocks serving requests until Shutdown.
func (s *Server) Start() error {
	s.log.Info("http server listening", zap.String("addr", s.cfg.Addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests, bounded by the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

// ----------------------------------------------------------------------------
// Middleware
// ----------------------------------------------------------------------------

// traceMiddleware assigns every request a trace id, honoring one the
// client already carries, and echoes it on the response.
func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		trace := r.Header.Get(headerTraceID)
		if trace == "" {
			trace = uuid.NewString()
		}
		w.Header().Set(headerTraceID, trace)
		next.ServeHTTP(w, r.WithContext(withTrace(r.Context(), trace)))
	})
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("trace_id", traceFrom(r.Context())))
	})
}

// recoverMiddleware turns a handler panic into a 500 instead of tearing
// down the connection.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("handler panic",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.String("trace_id", traceFrom(r.Context())))
				writeErrorMessage(w, r, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.auth.Authenticate(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
	})
}
