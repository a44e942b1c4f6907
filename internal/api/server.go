// Package api provides the fabric's operability surface: a minimal
// HTTP status/inspection API and an optional WebSocket stream of
// SYSTEM_ALERT / decision_made events, mirroring the teacher's
// mux+cors+websocket server shape adapted to a narrower, read-only
// surface (spec.md names no write-side HTTP API — every mutating
// operation is a Go call, not a network endpoint).
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/atlas-desktop/coordination-fabric/internal/coordinator"
	"github.com/atlas-desktop/coordination-fabric/internal/events"
	"github.com/atlas-desktop/coordination-fabric/internal/metrics"
	"github.com/atlas-desktop/coordination-fabric/internal/soldier"
)

// ServerConfig configures the HTTP server's listener and timeouts.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultServerConfig returns the teacher's own server timeout defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:         "0.0.0.0",
		Port:         8080,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
}

// Server is the fabric's HTTP/WebSocket operability surface.
type Server struct {
	logger *zap.Logger
	config ServerConfig

	router     *mux.Router
	httpServer *http.Server

	bus         *events.Bus
	coordinator *coordinator.Coordinator
	soldier     *soldier.Soldier
	metrics     *metrics.Registry

	hub *Hub
}

// NewServer constructs a Server wired to the fabric's running
// components. bus, soldier, coordinator, and metricsReg may be nil in a
// partial deployment without panicking: /stats omits the missing
// components, /soldier/status answers 503 with no soldier, and /metrics
// is not routed at all (404) with no registry.
func NewServer(logger *zap.Logger, config ServerConfig, bus *events.Bus, coord *coordinator.Coordinator, sol *soldier.Soldier, metricsReg *metrics.Registry) *Server {
	s := &Server{
		logger:      logger.With(zap.String("component", "api_server")),
		config:      config,
		router:      mux.NewRouter(),
		bus:         bus,
		coordinator: coord,
		soldier:     sol,
		metrics:     metricsReg,
		hub:         NewHub(logger.With(zap.String("component", "api_websocket_hub"))),
	}
	s.setupRoutes()
	return s
}

// Router exposes the underlying mux.Router, primarily for tests that
// want to drive requests without binding a real listener.
func (s *Server) Router() *mux.Router {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	s.router.HandleFunc("/stats", s.handleStats).Methods("GET")
	s.router.HandleFunc("/soldier/status", s.handleSoldierStatus).Methods("GET")
	s.router.HandleFunc("/ws", s.handleWebSocket)

	if s.metrics != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registerer(), promhttp.HandlerOpts{})).Methods("GET")
	}
}

// Start launches the hub and HTTP server. It blocks until the server
// stops (matching http.Server.ListenAndServe's contract).
func (s *Server) Start() error {
	go s.hub.Run()

	if s.bus != nil {
		s.bus.Subscribe(events.EventTypeSystemAlert, "api_websocket_hub", s.hub.broadcastEvent)
		s.bus.Subscribe(events.EventTypeDecisionMade, "api_websocket_hub", s.hub.broadcastEvent)
	}

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("starting api server", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server and closes all WebSocket connections.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Close()
	if s.bus != nil {
		s.bus.Unsubscribe(events.EventTypeSystemAlert, "api_websocket_hub")
		s.bus.Unsubscribe(events.EventTypeDecisionMade, "api_websocket_hub")
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	payload := map[string]interface{}{}

	if s.bus != nil {
		payload["event_bus"] = s.bus.GetStats()
	}
	if s.coordinator != nil {
		payload["coordinator"] = s.coordinator.Statistics()
	}
	if s.soldier != nil {
		payload["soldier"] = s.soldier.Statistics()
	}

	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleSoldierStatus(w http.ResponseWriter, r *http.Request) {
	if s.soldier == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"error": "soldier not configured"})
		return
	}
	writeJSON(w, http.StatusOK, s.soldier.Statistics())
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
