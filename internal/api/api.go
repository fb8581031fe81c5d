// Package api is the daemon's HTTP surface: the panel-facing REST routes
// under /api/v1 and the websocket upgrade at the root path.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/argon-foss/krypton/internal/logger"
	"github.com/argon-foss/krypton/internal/server"
	"github.com/argon-foss/krypton/internal/store"
)

// maxRequestBodySize caps request bodies so a misbehaving client cannot
// exhaust memory through the JSON decoder.
const maxRequestBodySize = 1 << 20 // 1MB

// Lifecycle is the slice of the server manager the handlers drive.
type Lifecycle interface {
	Create(ctx context.Context, req server.CreateRequest) (*store.Server, error)
	Update(ctx context.Context, id string, req server.UpdateRequest) (*store.Server, error)
	Reinstall(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]store.Server, error)
	GetDetail(ctx context.Context, id string) (*server.Detail, error)
	ShipCargo(ctx context.Context, id string, files []store.CargoFile) error
	Power(ctx context.Context, id string, action server.PowerAction) (store.State, error)
}

// EnginePinger reports container engine reachability for the state endpoint.
type EnginePinger interface {
	Ping(ctx context.Context) error
}

// Options wires a Server.
type Options struct {
	// Host and Port form the listen address.
	Host string
	Port int
	// Key is the panel-issued X-API-Key value required on /api/v1/servers*.
	Key string
	// Version is reported by GET /api/v1/state.
	Version string

	Lifecycle Lifecycle
	Engine    EnginePinger
	// Sessions handles the websocket upgrade at GET /.
	Sessions http.Handler
}

// Server is the daemon's HTTP server.
type Server struct {
	host      string
	port      int
	key       string
	version   string
	lifecycle Lifecycle
	engine    EnginePinger
	sessions  http.Handler

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

// NewServer creates the HTTP server. Call Start to begin serving.
func NewServer(opts Options) *Server {
	return &Server{
		host:      opts.Host,
		port:      opts.Port,
		key:       opts.Key,
		version:   opts.Version,
		lifecycle: opts.Lifecycle,
		engine:    opts.Engine,
		sessions:  opts.Sessions,
	}
}

// Handler builds the route tree. Exposed separately so tests can drive the
// routes through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger)
	r.Use(s.recoverer)

	if s.sessions != nil {
		r.Get("/", s.sessions.ServeHTTP)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/state", s.handleState)
		r.Route("/servers", func(r chi.Router) {
			r.Use(s.requireAPIKey)
			r.Post("/", s.handleCreateServer)
			r.Get("/", s.handleListServers)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetServer)
				r.Patch("/", s.handleUpdateServer)
				r.Delete("/", s.handleDeleteServer)
				r.Post("/reinstall", s.handleReinstall)
				r.Post("/cargo/ship", s.handleShipCargo)
				r.Post("/power/{action}", s.handlePowerAction)
			})
		})
	})
	return r
}

// Start binds the listen address and serves in a goroutine.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = listener
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("API server error")
		}
	}()

	logger.Info().Str("addr", listener.Addr().String()).Msg("API server started")
	return nil
}

// Addr returns the bound address, empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop drains in-flight requests and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// stateResponse is the JSON body of GET /api/v1/state.
type stateResponse struct {
	Version string `json:"version"`
	Engine  string `json:"engine"`
	Servers int    `json:"servers"`
}

// handleState reports daemon version, engine reachability, and the managed
// server count.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	engine := "connected"
	if err := s.engine.Ping(ctx); err != nil {
		engine = "unreachable"
	}

	count := 0
	if records, err := s.lifecycle.List(ctx); err == nil {
		count = len(records)
	}

	s.writeJSON(w, http.StatusOK, stateResponse{
		Version: s.version,
		Engine:  engine,
		Servers: count,
	})
}

// errorResponse is the JSON body of every failed request.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes a JSON error body.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Error: message})
}

// writeOperationError maps manager errors onto HTTP statuses: missing
// records are 404, id mismatches are 400, everything else is a 500 carrying
// the error message.
func (s *Server) writeOperationError(w http.ResponseWriter, r *http.Request, err error) {
	var mismatch *server.IDMismatchError
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "server not found")
	case errors.As(err, &mismatch):
		s.writeError(w, http.StatusBadRequest, mismatch.Error())
	default:
		logger.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

var _ Lifecycle = (*server.Manager)(nil)
