// Package server exposes the HTTP surface: health, metrics, manual
// ingestion triggers, and run ledger queries.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/agridata/mandisync/internal/config"
	"github.com/agridata/mandisync/internal/ingest"
	"github.com/agridata/mandisync/internal/monitoring"
	"github.com/agridata/mandisync/internal/store"
)

// Server serves the pipeline's HTTP endpoints.
type Server struct {
	cfg        config.Config
	store      store.Store
	scheduler  *ingest.Scheduler
	collector  *monitoring.Collector
	log        *zap.Logger
	httpServer *http.Server
}

// New wires the HTTP server. The scheduler handles manual triggers so they
// share the single-run guard with scheduled ones.
func New(cfg config.Config, st store.Store, scheduler *ingest.Scheduler, log *zap.Logger) *Server {
	return &Server{
		cfg:       cfg,
		store:     st,
		scheduler: scheduler,
		collector: monitoring.NewCollector(st),
		log:       log.Named("server"),
	}
}

// Handler returns the configured router. Exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{"GET", "HEAD", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Post("/ingest/trigger", s.handleTrigger)
	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Get("/{id}", s.handleGetRun)
	})

	return r
}

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return eris.Wrap(err, "server: listen")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return eris.Wrap(err, "server: shutdown")
	}
	s.log.Info("http server stopped")
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}
