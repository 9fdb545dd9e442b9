// Package api implements the HTTP surface of the dependency validator: the
// status panel, its JSON API and the event stream.
package api

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httplog/v3"

	"github.com/ptrus/dep-validator/config"
	"github.com/ptrus/dep-validator/db"
	"github.com/ptrus/dep-validator/metrics"
	"github.com/ptrus/dep-validator/session"
)

// Snapshot reads the latest loaded inputs and statuses.
type Snapshot interface {
	ListRepositories(ctx context.Context) ([]db.RepoView, error)
	ListManifests(ctx context.Context) ([]db.ManifestView, error)
}

// MetricsSource reports the current engine metrics.
type MetricsSource interface {
	Snapshot(ctx context.Context) ([]metrics.Point, error)
}

// Server is the API server.
type Server struct {
	cfg       *config.Config
	snapshot  Snapshot
	session   *session.Session
	hub       *Hub
	metrics   MetricsSource
	logger    *slog.Logger
	templates *template.Template
}

// New creates a new API server. A nil metrics source disables /api/metrics.
func New(cfg *config.Config, snapshot Snapshot, sess *session.Session, hub *Hub, m MetricsSource, logger *slog.Logger) *Server {
	// Parse the panel fragment templates once at initialization
	templates := template.Must(template.New("repo-rows").Funcs(templateFuncs).Parse(repoRowsTemplate))
	template.Must(templates.New("manifest-cards").Parse(manifestCardsTemplate))

	return &Server{
		cfg:       cfg,
		snapshot:  snapshot,
		session:   sess,
		hub:       hub,
		metrics:   m,
		logger:    logger,
		templates: templates,
	}
}

// Handler returns the router serving every route.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Setup CORS only if origins are explicitly configured.
	// Empty list means same-origin only (no CORS).
	if len(s.cfg.Server.AllowedOrigins) > 0 {
		s.logger.Info("enabling CORS", "allowed_origins", s.cfg.Server.AllowedOrigins)
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.Server.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST"},
			AllowedHeaders:   []string{"Content-Type"},
			AllowCredentials: false,
		}))
	}

	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
	)

	// The event stream outlives any request timeout.
	r.Get("/ws", s.hub.HandleWS)

	r.Group(func(r chi.Router) {
		r.Use(
			httplog.RequestLogger(s.logger, &httplog.Options{}),
			middleware.Timeout(10*time.Second),
		)

		r.Get("/", s.serveIndex)
		r.Get("/htmx/repos", s.handleRepoRows)
		r.Get("/htmx/manifests", s.handleManifestCards)

		r.Route("/api", func(r chi.Router) {
			r.Get("/repos", s.handleListRepos)
			r.Get("/manifests", s.handleListManifests)
			r.Post("/folder", s.handleSelectFolder)
			r.Post("/validate/repos", s.handleValidateAllRepos)
			r.Post("/validate/repos/{name}", s.handleValidateRepo)
			r.Post("/validate/manifests", s.handleValidateAllManifests)
			r.Post("/validate/manifest", s.handleValidateManifest)
			if s.metrics != nil {
				r.Get("/metrics", s.handleMetrics)
			}
		})

		// Health check.
		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
		})
	})

	return r
}

// Run starts the HTTP server.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("starting server", "addr", s.cfg.Server.ListenAddr)

	// Run server in goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for context cancellation or error
	select {
	case <-ctx.Done():
		s.logger.Info("shutting down server...")
		s.hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}
