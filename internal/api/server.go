// Package api exposes the portfolio engine over HTTP and WebSocket:
// REST endpoints for status, history, and manual cycle triggers, plus
// an event stream mirroring the internal bus.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/meridian-quant/portfolio-backend/internal/broker"
	"github.com/meridian-quant/portfolio-backend/internal/events"
	"github.com/meridian-quant/portfolio-backend/internal/orchestrator"
	"github.com/meridian-quant/portfolio-backend/pkg/types"
)

// Orchestrator is the control surface the API needs from the cycle loop.
type Orchestrator interface {
	Status() orchestrator.Status
	RunCycle(ctx context.Context) types.CycleResult
}

// HistorySource serves recorded trades, rebalances, and value points.
type HistorySource interface {
	Report() types.Report
	Trades(limit int) []types.TradeRecord
	Rebalances(limit int) []types.RebalanceRecord
	Values(limit int) []types.ValuePoint
}

// Deps collects the components the server fronts.
type Deps struct {
	Orchestrator Orchestrator
	History      HistorySource
	Broker       broker.Broker
	Bus          *events.Bus
	Metrics      http.Handler
}

// Server is the HTTP and WebSocket front end.
type Server struct {
	mu     sync.RWMutex
	logger *zap.Logger
	config *types.ServerConfig

	router     *mux.Router
	handler    http.Handler
	httpServer *http.Server
	upgrader   websocket.Upgrader

	clients map[string]*Client

	orch           Orchestrator
	history        HistorySource
	broker         broker.Broker
	bus            *events.Bus
	busSub         *events.Subscription
	metricsHandler http.Handler
}

// NewServer wires the routes and subscribes to the event bus.
func NewServer(logger *zap.Logger, config *types.ServerConfig, deps Deps) *Server {
	s := &Server{
		logger: logger.Named("api"),
		config: config,
		router: mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients:        make(map[string]*Client),
		orch:           deps.Orchestrator,
		history:        deps.History,
		broker:         deps.Broker,
		bus:            deps.Bus,
		metricsHandler: deps.Metrics,
	}

	s.setupRoutes()

	if s.bus != nil {
		s.busSub = s.bus.SubscribeAll(func(event events.Event) error {
			s.broadcastEvent(event)
			return nil
		})
	}

	if config.EnableCORS {
		c := cors.New(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: true,
		})
		s.handler = c.Handler(s.router)
	} else {
		s.handler = s.router
	}

	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	s.router.HandleFunc("/api/v1/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/api/v1/report", s.handleReport).Methods("GET")
	s.router.HandleFunc("/api/v1/portfolio", s.handlePortfolio).Methods("GET")
	s.router.HandleFunc("/api/v1/trades", s.handleTrades).Methods("GET")
	s.router.HandleFunc("/api/v1/rebalances", s.handleRebalances).Methods("GET")
	s.router.HandleFunc("/api/v1/values", s.handleValues).Methods("GET")
	s.router.HandleFunc("/api/v1/regime", s.handleRegime).Methods("GET")
	s.router.HandleFunc("/api/v1/cycle", s.handleCycle).Methods("POST")

	if s.metricsHandler != nil {
		s.router.Handle("/metrics", s.metricsHandler).Methods("GET")
	}

	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Handler returns the fully wrapped HTTP handler. Tests serve it with
// httptest instead of binding a port.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds the listener and blocks until the server exits.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("api server starting", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop detaches from the bus, closes WebSocket clients, and shuts the
// listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.bus != nil && s.busSub != nil {
		s.bus.Unsubscribe(s.busSub)
	}

	s.mu.Lock()
	for id, client := range s.clients {
		client.Conn.Close()
		delete(s.clients, id)
	}
	s.mu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("api server stopping")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.orch.Status())
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.history.Report())
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	portfolio, err := s.broker.GetPortfolio(r.Context())
	if err != nil {
		s.logger.Error("fetching portfolio", zap.Error(err))
		http.Error(w, "failed to fetch portfolio", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, portfolio)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 50)
	s.writeJSON(w, http.StatusOK, s.history.Trades(limit))
}

func (s *Server) handleRebalances(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 50)
	s.writeJSON(w, http.StatusOK, s.history.Rebalances(limit))
}

func (s *Server) handleValues(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 200)
	s.writeJSON(w, http.StatusOK, s.history.Values(limit))
}

func (s *Server) handleRegime(w http.ResponseWriter, r *http.Request) {
	status := s.orch.Status()
	s.writeJSON(w, http.StatusOK, status.Regime)
}

// handleCycle triggers a rebalance cycle and waits for the result.
func (s *Server) handleCycle(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("manual cycle requested", zap.String("remote", r.RemoteAddr))
	result := s.orch.RunCycle(r.Context())
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response", zap.Error(err))
	}
}

func parseLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return fallback
	}
	return limit
}
