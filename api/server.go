package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/b0bbywan/go-odio-portal/backend"
	"github.com/b0bbywan/go-odio-portal/config"
	"github.com/b0bbywan/go-odio-portal/logger"
)

type Server struct {
	mux         *http.ServeMux
	config      *config.ApiConfig
	broadcaster *backend.Broadcaster
}

func NewServer(ctx context.Context, cfg *config.ApiConfig, b *backend.Backend) *Server {
	if cfg == nil || !cfg.Enabled {
		return nil
	}

	var broadcaster *backend.Broadcaster
	if b != nil {
		broadcaster = b.NewBroadcaster(ctx)
	}

	server := &Server{
		mux:         http.NewServeMux(),
		config:      cfg,
		broadcaster: broadcaster,
	}
	server.register(b)
	return server
}

func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.mux
	if s.config.CORS != nil {
		handler = corsMiddleware(s.config.CORS)(handler)
	}
	return handler
}

func (s *Server) Run(ctx context.Context) error {
	handler := s.Handler()

	servers := make([]*http.Server, len(s.config.Listens))
	for i, addr := range s.config.Listens {
		servers[i] = &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			// Request contexts derive from ctx so SSE streams end on shutdown
			// instead of holding it for the whole grace period.
			BaseContext: func(_ net.Listener) context.Context { return ctx },
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			logger.Info("[api] http server running on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	// One failing listener takes the others down with it.
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Info("[api] server %s shutdown error: %v", srv.Addr, err)
			}
		}
		return nil
	})

	return g.Wait()
}

func (s *Server) register(b *backend.Backend) {
	if b == nil {
		return
	}

	// 404 on root for security
	s.mux.HandleFunc("/", http.NotFound)

	s.registerServerRoutes(b)

	if b.Broker != nil {
		s.registerBrokerRoutes(b.Broker)
	}
}

func corsMiddleware(cfg *config.CORSConfig) func(http.Handler) http.Handler {
	wildcard := slices.Contains(cfg.Origins, "*")
	logger.Info("[api] CORS enabled, origins: %v", cfg.Origins)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" {
				if wildcard {
					w.Header().Set("Access-Control-Allow-Origin", "*")
				} else if slices.Contains(cfg.Origins, origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Add("Vary", "Origin")
				}
			}

			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
