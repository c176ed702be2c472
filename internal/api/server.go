// Package api exposes the pipeline over HTTP: a health check and an
// endpoint that triggers a run for a given day. It runs locally behind
// net/http and can be fronted by any reverse proxy.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"carbonetl/internal/pipeline"
)

// RunFunc runs the pipeline for one input. *pipeline.Runner.Run satisfies it.
type RunFunc func(ctx context.Context, input pipeline.RunInput) (pipeline.RunResult, error)

// Server holds the dependencies of the trigger API.
type Server struct {
	Logger       *slog.Logger
	Run          RunFunc
	HealthProbes []HealthProbe
	// RunTimeout bounds a triggered run. Zero leaves it unbounded.
	RunTimeout time.Duration

	router *chi.Mux
}

// NewServer creates a Server and mounts its routes.
func NewServer(run RunFunc, logger *slog.Logger, probes ...HealthProbe) (*Server, error) {
	if run == nil {
		return nil, errors.New("run function must not be nil")
	}
	if logger == nil {
		return nil, errors.New("logger must not be nil")
	}

	s := &Server{
		Logger:       logger,
		Run:          run,
		HealthProbes: probes,
		router:       chi.NewRouter(),
	}
	s.mountRoutes()
	return s, nil
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) mountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(RequestIDMiddleware)
	s.router.Use(RequestLogger(s.Logger))

	s.router.Get("/health", s.HandleHealth)
	s.router.Route("/v1", func(r chi.Router) {
		r.Post("/runs", s.HandleCreateRun)
	})
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.Logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.Logger.Info("http server stopped")
	return nil
}
