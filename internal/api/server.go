package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Server wraps the HTTP server lifecycle.
type Server struct {
	handler http.Handler
	server  *http.Server
}

// NewServer builds the server around a configured router.
func NewServer(router http.Handler) *Server {
	return &Server{handler: router}
}

// ListenAndServe starts serving on addr and blocks until shutdown.
func (s *Server) ListenAndServe(host string, port int) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	log.Printf("[Server] Listening on %s", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.handler }
