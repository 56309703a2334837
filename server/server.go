// Package server implements the ads HTTP server: REST API, auth, metrics and
// real-time task events over SSE and WebSocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Andy963/ads/config"
	"github.com/Andy963/ads/events"
	"github.com/Andy963/ads/server/api"
	"github.com/Andy963/ads/server/ws"
	"github.com/Andy963/ads/task"
)

// Server is the ads HTTP server.
type Server struct {
	cfg     config.Config
	mux     *http.ServeMux
	httpSrv *http.Server
	logger  *slog.Logger

	tasks    task.Store
	queue    api.QueueController
	agents   api.AgentDirectory
	bus      events.Bus
	gatherer prometheus.Gatherer
	hub      *ws.Hub
	handlers *api.Handlers

	mu          sync.Mutex
	unsubscribe func()

	// JWT secret caching
	secretOnce      sync.Once
	generatedSecret string

	startTime time.Time
	version   string
}

// New creates a new Server with the given config and logger.
func New(cfg config.Config, ver string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		logger:    logger,
		gatherer:  prometheus.DefaultGatherer,
		hub:       ws.NewHub(logger, cfg.Server.AllowedOrigins),
		startTime: time.Now(),
		version:   ver,
	}
	if !s.authEnabled() {
		logger.Warn("no admin password configured, API authentication is disabled")
	}
	return s
}

// SetTaskStore attaches a task store to the server.
func (s *Server) SetTaskStore(store task.Store) {
	s.tasks = store
}

// SetQueue attaches the scheduler. Without one, queue operations answer 409.
func (s *Server) SetQueue(q api.QueueController) {
	s.queue = q
}

// SetAgents attaches the agent directory.
func (s *Server) SetAgents(d api.AgentDirectory) {
	s.agents = d
}

// SetBus attaches the event bus. Its events are pushed to SSE and WebSocket
// clients once the server starts.
func (s *Server) SetBus(bus events.Bus) {
	s.bus = bus
}

// SetGatherer replaces the Prometheus registry served on /metrics.
func (s *Server) SetGatherer(g prometheus.Gatherer) {
	s.gatherer = g
}

// Hub returns the real-time hub.
func (s *Server) Hub() *ws.Hub {
	return s.hub
}

// Start registers routes, connects the hub to the bus and listens until Stop
// is called.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr())
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	s.registerRoutes()
	if err := s.connectHub(); err != nil {
		_ = ln.Close()
		return err
	}

	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()
	s.logger.Info("server listening", slog.String("addr", ln.Addr().String()))
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) addr() string {
	if s.cfg.Server.Addr == "" {
		return ":9090"
	}
	return s.cfg.Server.Addr
}

func (s *Server) connectHub() error {
	if s.bus == nil {
		return nil
	}
	unsub, err := s.bus.Subscribe(context.Background(), s.hub.Handle)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.unsubscribe = unsub
	s.mu.Unlock()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	unsub, srv := s.unsubscribe, s.httpSrv
	s.unsubscribe = nil
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	h := &api.Handlers{
		Tasks:   s.tasks,
		Queue:   s.queue,
		Agents:  s.agents,
		Bus:     s.bus,
		Logger:  s.logger,
		Version: s.version,
	}
	s.handlers = h

	// Public routes (no auth required)
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	// Streams accept the token as a query parameter.
	s.mux.Handle("GET /events", s.authMiddleware(http.HandlerFunc(s.hub.ServeSSE)))
	s.mux.Handle("GET /ws", s.authMiddleware(http.HandlerFunc(s.hub.ServeWS)))

	// Protected API, wrapped in auth middleware.
	apiMux := http.NewServeMux()
	h.RegisterRoutes(apiMux)
	apiMux.HandleFunc("GET /api/auth/me", s.handleMe)

	s.mux.Handle("/api/", s.authMiddleware(apiMux))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
		"clients": s.hub.Clients(),
	}
	if s.queue != nil {
		resp["queue"] = s.queue.State()
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
