// Package api provides the REST and WebSocket API of the gateway.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"opclink/config"
	"opclink/logging"
	"opclink/tagman"
)

// Server is the REST API server.
type Server struct {
	handlers *handlers
	handler  http.Handler
	config   *config.WebConfig

	server   *http.Server
	listener net.Listener
	running  bool
	mu       sync.RWMutex
}

// NewServer creates an API server for backend. Users in cfg enable
// authentication; without users the API is open.
func NewServer(backend Backend, cfg *config.WebConfig) *Server {
	users := make(webUsers, len(cfg.Users))
	copy(users, cfg.Users)

	h := &handlers{
		backend:  backend,
		sessions: newSessionStore(cfg.SessionSecret),
		users:    users,
		hub:      newStreamHub(),
	}
	return &Server{
		handlers: h,
		handler:  newRouter(h),
		config:   cfg,
	}
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.server = srv
	s.listener = ln
	s.running = true

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logging.DebugError("api", "serve", err)
			s.mu.Lock()
			if s.server == srv {
				s.running = false
			}
			s.mu.Unlock()
		}
	}()

	logging.DebugLog("api", "listening on %s", ln.Addr())
	return nil
}

// Stop disconnects stream clients and shuts the HTTP server down.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.server == nil {
		return nil
	}

	s.handlers.hub.close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.running = false
	s.server = nil
	s.listener = nil
	return err
}

// Address returns the server's base URL. Once started it reflects the
// bound port.
func (s *Server) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return "http://" + s.listener.Addr().String()
	}
	return fmt.Sprintf("http://%s:%d", s.config.Host, s.config.Port)
}

// BroadcastChanges streams value changes to WebSocket clients.
func (s *Server) BroadcastChanges(changes []tagman.ValueChange) {
	s.handlers.hub.broadcastChanges(changes)
}

// BroadcastStatus streams server status snapshots to WebSocket clients.
func (s *Server) BroadcastStatus(infos []tagman.ServerInfo) {
	s.handlers.hub.broadcastStatus(infos)
}

// StreamClients returns the number of connected WebSocket clients.
func (s *Server) StreamClients() int {
	return s.handlers.hub.clientCount()
}
