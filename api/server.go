// Package api provides a REST API server for device data.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"filedaq/config"
	"filedaq/devman"
	"filedaq/logging"
)

// Server is the REST API server.
type Server struct {
	manager  *devman.Manager
	config   *config.WebConfig
	gatherer prometheus.Gatherer
	hub      *eventHub
	log      zerolog.Logger

	server   *http.Server
	listener net.Listener
	running  bool
	mu       sync.RWMutex
}

// NewServer creates a new REST API server. gatherer backs /metrics and may
// be nil to leave the endpoint out.
func NewServer(manager *devman.Manager, cfg *config.WebConfig, gatherer prometheus.Gatherer) *Server {
	if !cfg.Metrics {
		gatherer = nil
	}
	return &Server{
		manager:  manager,
		config:   cfg,
		gatherer: gatherer,
		hub:      newEventHub(),
		log:      logging.For("api"),
	}
}

// Handler returns the HTTP handler serving the API routes.
func (s *Server) Handler() http.Handler {
	return newRouter(&handlers{manager: s.manager, hub: s.hub}, s.gatherer)
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

	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.server = srv
	s.listener = ln

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("api server stopped")
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	s.running = true
	s.log.Info().Str("address", s.address()).Bool("metrics", s.gatherer != nil).Msg("api server started")
	return nil
}

// Stop halts the HTTP server and disconnects event stream clients.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.server == nil {
		return nil
	}

	s.hub.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.running = false
	s.server = nil
	s.listener = nil
	s.hub = newEventHub()
	return err
}

// Address returns the server address. Once started it reflects the bound
// port, which matters when the configured port is 0.
func (s *Server) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.address()
}

func (s *Server) address() string {
	if s.listener != nil {
		return "http://" + s.listener.Addr().String()
	}
	return fmt.Sprintf("http://%s:%d", s.config.Host, s.config.Port)
}

// BroadcastChanges forwards value changes to connected event stream clients.
func (s *Server) BroadcastChanges(changes []devman.ValueChange) {
	s.mu.RLock()
	hub := s.hub
	s.mu.RUnlock()
	for _, c := range changes {
		hub.Broadcast(sseEvent{
			Type:     eventValueChange,
			Device:   c.Device,
			Variable: c.Variable,
			Data:     c,
		})
	}
}

// BroadcastHealth forwards an accessibility change to event stream clients.
func (s *Server) BroadcastHealth(h devman.Health) {
	s.mu.RLock()
	hub := s.hub
	s.mu.RUnlock()
	hub.Broadcast(sseEvent{Type: eventHealth, Device: h.Device, Data: h})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	writeStatusJSON(w, http.StatusOK, v)
}

func writeStatusJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeStatusJSON(w, status, map[string]string{"error": message})
}
