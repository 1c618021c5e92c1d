// Package api provides the HTTP and WebSocket server exposing the engine's
// state feed and its control commands.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/meridianfx/trading-engine/internal/correlation"
	"github.com/meridianfx/trading-engine/internal/engine"
	"github.com/meridianfx/trading-engine/internal/events"
	"github.com/meridianfx/trading-engine/internal/ledger"
	"github.com/meridianfx/trading-engine/internal/lifecycle"
	"github.com/meridianfx/trading-engine/internal/metrics"
	"github.com/meridianfx/trading-engine/internal/strategy"
)

// Config configures the HTTP server.
type Config struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DefaultConfig returns server defaults.
func DefaultConfig() Config {
	return Config{
		Host:         "0.0.0.0",
		Port:         8080,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
}

// Server is the HTTP/WebSocket API server.
type Server struct {
	logger     *zap.Logger
	config     Config
	router     *mux.Router
	httpServer *http.Server
	hub        *Hub

	engine      *engine.Engine
	ledger      *ledger.Ledger
	lifecycle   *lifecycle.Manager
	correlation *correlation.Manager
	catalog     *strategy.Catalog
	bus         *events.Bus
	metrics     *metrics.Metrics
}

// Deps bundles the components the API reads from and commands.
type Deps struct {
	Engine      *engine.Engine
	Ledger      *ledger.Ledger
	Lifecycle   *lifecycle.Manager
	Correlation *correlation.Manager
	Catalog     *strategy.Catalog
	Bus         *events.Bus
	Metrics     *metrics.Metrics
}

// NewServer creates the API server and subscribes the WebSocket hub to the
// event bus.
func NewServer(logger *zap.Logger, config Config, deps Deps) *Server {
	s := &Server{
		logger:      logger.Named("api"),
		config:      config,
		router:      mux.NewRouter(),
		hub:         NewHub(logger),
		engine:      deps.Engine,
		ledger:      deps.Ledger,
		lifecycle:   deps.Lifecycle,
		correlation: deps.Correlation,
		catalog:     deps.Catalog,
		bus:         deps.Bus,
		metrics:     deps.Metrics,
	}

	deps.Bus.SubscribeAll(s.hub.BroadcastEvent)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")

	// State feed
	s.router.HandleFunc("/api/v1/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/api/v1/positions", s.handlePositions).Methods("GET")
	s.router.HandleFunc("/api/v1/ledger", s.handleLedger).Methods("GET")
	s.router.HandleFunc("/api/v1/events", s.handleEvents).Methods("GET")
	s.router.HandleFunc("/api/v1/strategies", s.handleStrategies).Methods("GET")
	s.router.HandleFunc("/api/v1/correlations", s.handleCorrelations).Methods("GET")

	// Commands
	s.router.HandleFunc("/api/v1/trading/start", s.handleStartTrading).Methods("POST")
	s.router.HandleFunc("/api/v1/trading/stop", s.handleStopTrading).Methods("POST")
	s.router.HandleFunc("/api/v1/instruments/{symbol}/toggle", s.handleToggleInstrument).Methods("POST")
	s.router.HandleFunc("/api/v1/halt", s.handleHalt).Methods("POST")
	s.router.HandleFunc("/api/v1/resume", s.handleResume).Methods("POST")

	// Observability
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Router exposes the configured routes for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start runs the hub and the HTTP server. It blocks until the listener
// fails or Stop drains it.
func (s *Server) Start() error {
	go s.hub.Run()

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("API server listening", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions := s.lifecycle.Positions()
	writeJSON(w, http.StatusOK, map[string]any{
		"positions": positions,
		"count":     len(positions),
	})
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ledger.Snapshot())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	history := s.bus.History(limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"events": history,
		"count":  len(history),
	})
}

func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"strategies": s.catalog.List(),
	})
}

func (s *Server) handleCorrelations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": s.correlation.Entries(),
	})
}

type startTradingRequest struct {
	Instruments []string         `json:"instruments,omitempty"`
	RiskLevel   engine.RiskLevel `json:"riskLevel,omitempty"`
}

func (s *Server) handleStartTrading(w http.ResponseWriter, r *http.Request) {
	var req startTradingRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	if err := s.engine.StartTrading(req.Instruments, req.RiskLevel); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleStopTrading(w http.ResponseWriter, r *http.Request) {
	s.engine.StopTrading()
	writeJSON(w, http.StatusOK, s.engine.Status())
}

type toggleRequest struct {
	Active bool `json:"active"`
}

func (s *Server) handleToggleInstrument(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	var req toggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.engine.ToggleInstrument(symbol, req.Active); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol": symbol,
		"active": req.Active,
	})
}

type haltRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	var req haltRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "operator halt"
	}

	s.ledger.Halt(req.Reason)
	writeJSON(w, http.StatusOK, s.ledger.Snapshot())
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.ledger.Resume(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, s.ledger.Snapshot())
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWS(w, r)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
