package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"matchboard/internal/broker"
	"matchboard/internal/logx"
	"matchboard/internal/matcher"
	"matchboard/internal/metrics"
	"matchboard/pkg/interfaces"
	"matchboard/pkg/types"
)

// Registry is the slice of websocket.Registry the API reports on.
type Registry interface {
	GetStats() map[string]int
	RoomSize(roomID string) int
}

// Pool exposes waiting pool counts for the health endpoint.
type Pool interface {
	Stats() matcher.Stats
}

// Dependencies are the components the API fronts. Pool, Registry, Gateway,
// Rooms and Metrics are optional.
type Dependencies struct {
	Broker    interfaces.Broker
	Directory interfaces.SessionDirectory
	Registry  Registry
	Pool      Pool
	Metrics   *metrics.Metrics
	Gateway   http.HandlerFunc
	Rooms     http.HandlerFunc
}

// Config tunes the HTTP surface.
type Config struct {
	AllowedOrigins []string
	PublishTimeout time.Duration
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// No matchmaking logic lives here; submissions and cancels go through the broker like socket frames do
type Server struct {
	deps    Dependencies
	config  Config
	router  *mux.Router
	handler http.Handler
	started time.Time
	logger  zerolog.Logger
}

// NewServer wires routes and the CORS layer.
func NewServer(deps Dependencies, config Config) *Server {
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 5 * time.Second
	}
	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = []string{"*"}
	}

	s := &Server{
		deps:    deps,
		config:  config,
		router:  mux.NewRouter(),
		started: time.Now(),
		logger:  logx.Component("api"),
	}
	s.setupRoutes()

	s.handler = cors.New(cors.Options{
		AllowedOrigins: config.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         86400,
	}).Handler(s.router)
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(jsonMiddleware)
	api.HandleFunc("/match", s.submitMatch).Methods(http.MethodPost)
	api.HandleFunc("/match/{token}", s.cancelMatch).Methods(http.MethodDelete)
	api.HandleFunc("/participants/{id}/session", s.participantSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", s.sessionMembers).Methods(http.MethodGet)

	s.router.Handle("/health", jsonMiddleware(http.HandlerFunc(s.healthCheck))).Methods(http.MethodGet)
	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)
	}
	if s.deps.Gateway != nil {
		s.router.HandleFunc("/ws", s.deps.Gateway)
	}
	if s.deps.Rooms != nil {
		s.router.HandleFunc("/rooms", s.deps.Rooms)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Request/Response types for JSON serialization
type SubmitMatchRequest struct {
	RequesterID      string `json:"requester_id"`
	Category         string `json:"category"`
	Difficulty       string `json:"difficulty"`
	CorrelationToken string `json:"correlation_token,omitempty"`
}

type SubmitMatchResponse struct {
	CorrelationToken string           `json:"correlation_token"`
	Category         string           `json:"category"`
	Difficulty       types.Difficulty `json:"difficulty"`
}

type ParticipantSessionResponse struct {
	ParticipantID string `json:"participant_id"`
	SessionID     string `json:"session_id"`
}

type SessionResponse struct {
	SessionID       string   `json:"session_id"`
	Members         []string `json:"members"`
	ConnectionCount int      `json:"connection_count"`
}

type HealthResponse struct {
	Status      string                 `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Directory   string                 `json:"directory"`
	Broker      string                 `json:"broker"`
	Pool        *matcher.Stats         `json:"pool,omitempty"`
	Connections map[string]int         `json:"connections,omitempty"`
	System      map[string]interface{} `json:"system"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// POST /api/match submits a request on behalf of a correlation token. The
// outcome is delivered to the gateway socket registered under that token.
func (s *Server) submitMatch(w http.ResponseWriter, r *http.Request) {
	var req SubmitMatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	difficulty, err := types.ParseDifficulty(req.Difficulty)
	if err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.CorrelationToken == "" {
		req.CorrelationToken = uuid.NewString()
	}
	msg := &types.MatchRequested{
		RequesterID:      req.RequesterID,
		Category:         req.Category,
		Difficulty:       difficulty,
		CorrelationToken: req.CorrelationToken,
	}
	if err := msg.Validate(); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.publish(r.Context(), msg); err != nil {
		s.sendError(w, "Failed to queue match request", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(SubmitMatchResponse{
		CorrelationToken: msg.CorrelationToken,
		Category:         msg.Category,
		Difficulty:       msg.Difficulty,
	})
}

// DELETE /api/match/{token} withdraws whatever is pooled under the token.
func (s *Server) cancelMatch(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	if !types.IsValidToken(token) {
		s.sendError(w, types.ErrInvalidToken.Error(), http.StatusBadRequest)
		return
	}

	if err := s.publish(r.Context(), &types.CancelRequested{CorrelationToken: token}); err != nil {
		s.sendError(w, "Failed to queue cancel request", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"correlation_token": token})
}

// GET /api/participants/{id}/session
func (s *Server) participantSession(w http.ResponseWriter, r *http.Request) {
	participant := mux.Vars(r)["id"]
	if !types.IsValidUserID(participant) {
		s.sendError(w, types.ErrInvalidUserID.Error(), http.StatusBadRequest)
		return
	}

	sessionID, err := s.deps.Directory.LookupSession(r.Context(), participant)
	if err != nil {
		if errors.Is(err, interfaces.ErrSessionNotFound) {
			s.sendError(w, "Participant has no session", http.StatusNotFound)
			return
		}
		s.logger.Error().Err(err).Str("participant", participant).Msg("lookup failed")
		s.sendError(w, "Failed to look up session", http.StatusInternalServerError)
		return
	}

	_ = json.NewEncoder(w).Encode(ParticipantSessionResponse{ParticipantID: participant, SessionID: sessionID})
}

// GET /api/sessions/{id} lists members and live room sockets.
func (s *Server) sessionMembers(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	if !types.IsValidSessionID(sessionID) {
		s.sendError(w, types.ErrInvalidSessionID.Error(), http.StatusBadRequest)
		return
	}

	members, err := s.deps.Directory.Members(r.Context(), sessionID)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", sessionID).Msg("members lookup failed")
		s.sendError(w, "Failed to get session", http.StatusInternalServerError)
		return
	}
	if len(members) == 0 {
		s.sendError(w, "Session not found", http.StatusNotFound)
		return
	}

	resp := SessionResponse{SessionID: sessionID, Members: members}
	if s.deps.Registry != nil {
		resp.ConnectionCount = s.deps.Registry.RoomSize(sessionID)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// GET /health reports directory and broker reachability plus pool counts.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Directory: "healthy",
		Broker:    "healthy",
		System: map[string]interface{}{
			"goroutines":     runtime.NumGoroutine(),
			"uptime_seconds": int(time.Since(s.started).Seconds()),
		},
	}

	if err := s.deps.Directory.HealthCheck(ctx); err != nil {
		response.Status = "unhealthy"
		response.Directory = "error: " + err.Error()
	}
	if err := s.deps.Broker.HealthCheck(ctx); err != nil {
		response.Status = "unhealthy"
		response.Broker = "error: " + err.Error()
	}
	if s.deps.Pool != nil {
		stats := s.deps.Pool.Stats()
		response.Pool = &stats
	}
	if s.deps.Registry != nil {
		response.Connections = s.deps.Registry.GetStats()
	}

	if response.Status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(response)
}

func (s *Server) publish(ctx context.Context, msg types.Message) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.PublishTimeout)
	defer cancel()

	if _, err := broker.PublishMessage(ctx, s.deps.Broker, msg); err != nil {
		s.logger.Error().Err(err).Str("type", string(msg.MessageType())).Msg("failed to publish")
		return err
	}
	return nil
}

// FUNCTIONAL DISCOVERY: Consistent error response format
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
