package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/nextcloud/app-api-sub001/pkg/events"
	"github.com/nextcloud/app-api-sub001/pkg/log"
	"github.com/nextcloud/app-api-sub001/pkg/manager"
	"github.com/nextcloud/app-api-sub001/pkg/metrics"
	"github.com/nextcloud/app-api-sub001/pkg/proxy"
)

// shutdownTimeout bounds graceful shutdown of a listener
const shutdownTimeout = 10 * time.Second

// Options configure the API server
type Options struct {
	// AdminToken protects the /api routes. Empty disables the check.
	AdminToken string
	// Version is reported by /health
	Version string
}

// Server implements the AppAPI HTTP API
type Server struct {
	manager *manager.Manager
	proxy   *proxy.Proxy
	broker  *events.Broker
	opts    Options
	logger  zerolog.Logger
	router  chi.Router
}

// NewServer creates a new API server. proxy and broker may be nil, which
// leaves /exapps and /api/events unmounted.
func NewServer(mgr *manager.Manager, px *proxy.Proxy, broker *events.Broker, opts Options) *Server {
	s := &Server{
		manager: mgr,
		proxy:   px,
		broker:  broker,
		opts:    opts,
		logger:  log.WithComponent("api"),
	}
	if opts.Version != "" {
		metrics.SetVersion(opts.Version)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.logger))
	r.Use(countRequests)

	r.Get("/health", metrics.HealthHandler())
	r.Get("/ready", s.readyHandler)
	r.Get("/live", metrics.LivenessHandler())
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		// Signed by the ExApp itself, not by an admin
		r.Put("/exapps/{appid}/status", s.setInitStatus)

		r.Group(func(r chi.Router) {
			r.Use(requireAdmin(s.opts.AdminToken))

			r.Route("/daemons", func(r chi.Router) {
				r.Post("/", s.registerDaemon)
				r.Get("/", s.listDaemons)
				r.Get("/{name}", s.getDaemon)
				r.Delete("/{name}", s.unregisterDaemon)
				r.Get("/{name}/healthcheck", s.healthcheckDaemon)
				r.Post("/{name}/registries", s.addRegistryMapping)
				r.Delete("/{name}/registries", s.removeRegistryMapping)
			})

			r.Route("/exapps", func(r chi.Router) {
				r.Post("/", s.deployExApp)
				r.Get("/", s.listExApps)
				r.Get("/{appid}", s.getExApp)
				r.Put("/{appid}", s.updateExApp)
				r.Delete("/{appid}", s.removeExApp)
				r.Get("/{appid}/info", s.exAppInfo)
				r.Get("/{appid}/scopes", s.exAppScopes)
				r.Post("/{appid}/enable", s.enableExApp)
				r.Post("/{appid}/disable", s.disableExApp)
			})

			if s.broker != nil {
				r.Get("/events", s.streamEvents)
			}
		})
	})

	if s.proxy != nil {
		r.Mount("/exapps", s.proxy.Routes())
	}
	return r
}

// Handler returns the HTTP handler of the full API
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on addr until ctx is cancelled
func (s *Server) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.logger.Info().Str("addr", addr).Msg("API server listening")
	return s.serve(ctx, lis, s.router)
}

// ServeUnix serves the read-only API on a unix socket until ctx is cancelled
func (s *Server) ServeUnix(ctx context.Context, path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}
	lis, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0660); err != nil {
		_ = lis.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}
	s.logger.Info().Str("socket", path).Msg("Read-only API listening on unix socket")
	return s.serve(ctx, lis, ReadOnly(s.router))
}

func (s *Server) serve(ctx context.Context, lis net.Listener, handler http.Handler) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	}
}
