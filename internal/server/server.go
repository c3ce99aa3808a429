// Package server exposes the workflow engine over HTTP: JSON request and
// response endpoints for the chat client, NDJSON token streams, an SSE feed
// of live thread events and the operational endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/stagegate/internal/engine"
	"github.com/rendis/stagegate/internal/expressions"
	"github.com/rendis/stagegate/internal/logging"
	"github.com/rendis/stagegate/internal/metrics"
	"github.com/rendis/stagegate/internal/streaming"
)

// DefaultCORSOrigin is the origin of the bundled chat UI.
const DefaultCORSOrigin = "http://localhost:8501"

// Config holds the HTTP server settings.
type Config struct {
	Addr        string
	CORSOrigins []string
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration
}

// Server is the HTTP front end of an Engine.
type Server struct {
	handler *handlerSwapper
	engine  *engine.Engine
	hub     streaming.EventHub
	jq      *expressions.GoJQEngine
	cfg     Config
	logger  *slog.Logger
}

// New builds a Server and its routes.
func New(cfg Config, eng *engine.Engine, hub streaming.EventHub, logger *slog.Logger) *Server {
	if hub == nil {
		hub = streaming.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{DefaultCORSOrigin}
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{
		engine: eng,
		hub:    hub,
		jq:     expressions.NewGoJQEngine(),
		cfg:    cfg,
		logger: logger,
	}
	s.handler = newHandlerSwapper(s.routes(s.cfg.CORSOrigins))
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// SetCORSOrigins rebuilds the routes with new allowed origins. In-flight
// requests finish on the old router.
func (s *Server) SetCORSOrigins(origins []string) {
	if len(origins) == 0 {
		origins = []string{DefaultCORSOrigin}
	}
	s.handler.Swap(s.routes(origins))
	s.logger.Info("cors origins updated", "origins", origins)
}

func (s *Server) routes(origins []string) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(s.requestContext)
	router.Use(middleware.RealIP)
	router.Use(s.requestLogger)
	router.Use(middleware.Recoverer)
	router.Use(metrics.Middleware)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Route("/workflow", func(r chi.Router) {
		r.Post("/start", s.handleStart)
		r.Post("/start/stream", s.handleStartStream)
		r.Post("/resume", s.handleResume)
		r.Post("/architect_review", s.handleResume)
		r.Post("/chat", s.handleChatStream)
		r.Post("/chat/stream", s.handleChatStream)
		r.Get("/", s.handleListThreads)
		r.Get("/{id}", s.handleGetThread)
		r.Get("/{id}/events", s.handleThreadEvents)
		r.Get("/{id}/diagram", s.handleThreadDiagram)
		r.Delete("/{id}", s.handleEvict)
	})
	router.Get("/sse/workflow/{id}", s.handleSSEThread)
	router.Get("/sse/events", s.handleSSEGlobal)
	router.Get("/pipeline", s.handlePipeline)
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return router
}

// requestContext copies chi's request id into the logging context.
func (s *Server) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			w.Header().Set("X-Request-Id", id)
			r = r.WithContext(logging.WithRequestID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.DebugContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
		)
	})
}

// ListenAndServe serves until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	s.logger.Info("http server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}
