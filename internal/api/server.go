package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/valuekit-desktop/screening-backend/internal/backtester"
	"github.com/valuekit-desktop/screening-backend/internal/fmp"
	"github.com/valuekit-desktop/screening-backend/internal/jobs"
	"github.com/valuekit-desktop/screening-backend/internal/screening"
	"github.com/valuekit-desktop/screening-backend/pkg/types"
)

// Server is the HTTP/WebSocket API server.
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	config     *types.ServerConfig
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	hub        *Hub

	market    fmp.MarketDataProvider
	newEngine func() *backtester.Engine
	screener  *screening.Screener
	queue     *jobs.Queue

	backtests map[string]*backtestState
}

// backtestState tracks one synchronously started backtest run.
type backtestState struct {
	ID      string
	Config  *types.BacktestConfig
	Engine  *backtester.Engine
	Status  string
	Started time.Time
	Result  *types.BacktestResult
}

// NewServer creates the API server. newEngine builds a fresh engine per
// run since an engine only drives one backtest at a time.
func NewServer(
	logger *zap.Logger,
	config *types.ServerConfig,
	market fmp.MarketDataProvider,
	newEngine func() *backtester.Engine,
	screener *screening.Screener,
	queue *jobs.Queue,
) *Server {
	server := &Server{
		logger:    logger,
		config:    config,
		router:    mux.NewRouter(),
		hub:       NewHub(logger),
		market:    market,
		newEngine: newEngine,
		screener:  screener,
		queue:     queue,
		backtests: make(map[string]*backtestState),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// The desktop frontend connects from a file origin.
				return true
			},
		},
	}
	server.setupRoutes()
	return server
}

// Hub exposes the WebSocket hub for broadcasters outside the package.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Router exposes the HTTP router, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Market data
	s.router.HandleFunc("/api/v1/prices/{ticker}", s.handleGetPrice).Methods("GET")
	s.router.HandleFunc("/api/v1/history/{ticker}", s.handleGetHistory).Methods("GET")

	// Screening (synchronous)
	s.router.HandleFunc("/api/v1/screening/run", s.handleRunScreening).Methods("POST")

	// Backtests (asynchronous, progress over WebSocket)
	s.router.HandleFunc("/api/v1/backtest/run", s.handleRunBacktest).Methods("POST")
	s.router.HandleFunc("/api/v1/backtest/{id}", s.handleGetBacktest).Methods("GET")
	s.router.HandleFunc("/api/v1/backtest/{id}/trades", s.handleGetBacktestTrades).Methods("GET")
	s.router.HandleFunc("/api/v1/backtest/{id}/cancel", s.handleCancelBacktest).Methods("POST")

	// Job queue
	s.router.HandleFunc("/api/v1/jobs", s.handleSubmitJob).Methods("POST")
	s.router.HandleFunc("/api/v1/jobs", s.handleListJobs).Methods("GET")
	s.router.HandleFunc("/api/v1/jobs/{id}", s.handleGetJob).Methods("GET")
	s.router.HandleFunc("/api/v1/jobs/{id}/cancel", s.handleCancelJob).Methods("POST")

	// WebSocket
	s.router.HandleFunc(s.config.WebSocketPath, s.handleWebSocket)
}

// Start runs the hub and the HTTP server. Blocks until the server exits.
func (s *Server) Start() error {
	go s.hub.Run()

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("starting API server", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"clients": s.hub.ClientCount(),
		"time":    time.Now().Unix(),
	})
}

func (s *Server) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	ticker := mux.Vars(r)["ticker"]

	price, err := s.market.GetCurrentPrice(r.Context(), ticker)
	if err != nil {
		if errors.Is(err, types.ErrNotAvailable) {
			writeError(w, http.StatusNotFound, "no quote for ticker")
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ticker": ticker,
		"price":  price,
	})
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	ticker := mux.Vars(r)["ticker"]

	to := time.Now()
	from := to.AddDate(-1, 0, 0)
	if v := r.URL.Query().Get("from"); v != "" {
		if t, err := time.Parse("2006-01-02", v); err == nil {
			from = t
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if t, err := time.Parse("2006-01-02", v); err == nil {
			to = t
		}
	}

	bars, err := s.market.GetDailyBars(r.Context(), ticker, from, to)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ticker": ticker,
		"bars":   bars,
		"count":  len(bars),
	})
}

func (s *Server) handleRunScreening(w http.ResponseWriter, r *http.Request) {
	var config types.ScreeningConfig
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if config.Strategy == (types.StrategyParameters{}) {
		config.Strategy = types.DefaultStrategyParameters()
	}

	result, err := s.screener.Run(r.Context(), config, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRunBacktest(w http.ResponseWriter, r *http.Request) {
	var config types.BacktestConfig
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if config.ID == "" {
		config.ID = uuid.New().String()
	}
	if config.Strategy == (types.StrategyParameters{}) {
		config.Strategy = types.DefaultStrategyParameters()
	}
	if err := config.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	engine := s.newEngine()
	state := &backtestState{
		ID:      config.ID,
		Config:  &config,
		Engine:  engine,
		Status:  "running",
		Started: time.Now(),
	}

	s.mu.Lock()
	s.backtests[config.ID] = state
	s.mu.Unlock()

	go func() {
		for progress := range engine.ProgressChan() {
			s.hub.BroadcastBacktestProgress(progress)
		}
	}()

	go func() {
		result, err := engine.Run(context.Background(), &config)

		s.mu.Lock()
		switch {
		case errors.Is(err, backtester.ErrCancelled):
			state.Status = "cancelled"
		case err != nil:
			state.Status = "failed"
			s.logger.Error("backtest failed", zap.String("id", config.ID), zap.Error(err))
		default:
			state.Status = "completed"
			state.Result = result
		}
		status := state.Status
		s.mu.Unlock()

		s.hub.BroadcastBacktestComplete(config.ID, status)
	}()

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":      config.ID,
		"status":  "running",
		"started": state.Started.Unix(),
	})
}

func (s *Server) handleGetBacktest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.RLock()
	state, ok := s.backtests[id]
	s.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, "backtest not found")
		return
	}

	response := map[string]interface{}{
		"id":      state.ID,
		"status":  state.Status,
		"started": state.Started.Unix(),
	}
	if state.Result != nil {
		response["result"] = state.Result
	}
	if state.Status == "running" {
		response["progress"] = state.Engine.GetProgress()
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetBacktestTrades(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.RLock()
	state, ok := s.backtests[id]
	s.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, "backtest not found")
		return
	}
	if state.Result == nil {
		writeError(w, http.StatusBadRequest, "backtest not complete")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":     id,
		"trades": state.Result.Trades,
		"count":  len(state.Result.Trades),
	})
}

func (s *Server) handleCancelBacktest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.RLock()
	state, ok := s.backtests[id]
	s.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, "backtest not found")
		return
	}
	if state.Status != "running" {
		writeError(w, http.StatusBadRequest, "backtest not running")
		return
	}

	state.Engine.Cancel()

	s.mu.Lock()
	state.Status = "cancelled"
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":     id,
		"status": "cancelled",
	})
}

// submitJobRequest is the POST /jobs payload. Params carries the
// kind-specific configuration verbatim.
type submitJobRequest struct {
	Kind   types.JobKind   `json:"kind"`
	Params json.RawMessage `json:"params"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Kind != types.JobKindBacktest && req.Kind != types.JobKindScreening {
		writeError(w, http.StatusBadRequest, "unknown job kind")
		return
	}
	if len(req.Params) == 0 {
		writeError(w, http.StatusBadRequest, "missing job params")
		return
	}

	id, err := s.queue.Submit(r.Context(), req.Kind, string(req.Params))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":     id,
		"status": types.JobPending,
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}

	list, err := s.queue.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  list,
		"count": len(list),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	job, err := s.queue.Get(r.Context(), id)
	if errors.Is(err, jobs.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	err := s.queue.Cancel(r.Context(), id)
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
		return
	case errors.Is(err, jobs.ErrNotCancelable):
		writeError(w, http.StatusConflict, "job is not pending")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":     id,
		"status": types.JobCancelled,
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), s.hub, conn)
	s.hub.register <- client
	s.logger.Info("websocket client connected", zap.String("id", client.id))

	go client.WritePump()
	go client.ReadPump()
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
