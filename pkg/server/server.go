package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/ha1tch/ledgersync/pkg/config"
	"github.com/ha1tch/ledgersync/pkg/conn"
	"github.com/ha1tch/ledgersync/pkg/models"
	"github.com/ha1tch/ledgersync/pkg/pipeline"
)

// Scheduler queues sync cycles for the trigger endpoints
type Scheduler interface {
	Trigger(stream models.Stream, force bool) (string, error)
	TriggerAll() string
	Status() []pipeline.Status
}

// SlotReporter reports connection slot states
type SlotReporter interface {
	Status() []conn.SlotStatus
}

// Server represents the HTTP trigger server
type Server struct {
	config    *config.Config
	scheduler Scheduler
	slots     SlotReporter
	metrics   http.Handler
	logger    zerolog.Logger
	router    *chi.Mux
}

// New creates a new server instance. metrics may be nil.
func New(
	cfg *config.Config,
	scheduler Scheduler,
	slots SlotReporter,
	metrics http.Handler,
	logger zerolog.Logger,
) *Server {
	s := &Server{
		config:    cfg,
		scheduler: scheduler,
		slots:     slots,
		metrics:   metrics,
		logger:    logger.With().Str("component", "server").Logger(),
		router:    chi.NewRouter(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/version", s.handleVersion)
	s.router.Get("/status", s.handleStatus)
	if s.metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.metrics)
	}

	s.router.Route("/sync", func(r chi.Router) {
		r.Post("/all", s.handleSyncAll)
		r.Post("/{stream}", s.handleSync)
	})
}

// requestLogger logs each request through zerolog
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("Request served")
	})
}

// Handler returns the HTTP handler (useful for testing)
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("Starting server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info().Msg("Shutting down server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
