// Package proxy is the HTTP front door: it accepts requests in any of the
// three wire dialects, classifies them into a routing category, dispatches
// through the manager, and renders the reply buffered or as SSE.
package proxy

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/switchyard/internal/tracing"
)

// Server binds the proxy handler to an address with graceful shutdown.
type Server struct {
	router  chi.Router
	addr    string
	httpSrv *http.Server
}

// NewServer mounts the dialect endpoints on a chi router. Zero-value
// timeouts leave the corresponding http.Server field unset.
func NewServer(h *Handler, addr string, readTimeout, writeTimeout, idleTimeout time.Duration, tracingEnabled bool) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if tracingEnabled {
		r.Use(tracing.HTTPMiddleware)
	}
	if h.authEnabled {
		r.Use(h.requireBearer)
	}

	r.Post("/v1/chat/completions", h.HandleChat)
	r.Post("/v1/responses", h.HandleResponses)
	r.Post("/v1/messages", h.HandleMessages)
	r.Get("/v1/models", h.HandleModels)
	r.Get("/health", h.HandleHealth)
	r.Get("/health/ready", h.HandleReady)

	srv := &Server{router: r, addr: addr}
	srv.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	return srv
}

// Router exposes the chi router for tests and additional mounting.
func (s *Server) Router() chi.Router { return s.router }

// Start blocks serving HTTP until shutdown or a fatal error.
func (s *Server) Start() error {
	log.Info().Str("addr", s.addr).Msg("proxy server starting")
	return s.httpSrv.ListenAndServe()
}

// StartTLS blocks serving HTTPS with the given certificate pair.
func (s *Server) StartTLS(certFile, keyFile string) error {
	log.Info().Str("addr", s.addr).Msg("proxy server starting (TLS)")
	if err := s.httpSrv.ListenAndServeTLS(certFile, keyFile); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("proxy server (TLS): %w", err)
	}
	return nil
}

// Shutdown stops the server, waiting for in-flight requests up to the
// context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
