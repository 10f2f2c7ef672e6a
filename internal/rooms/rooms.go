// Package rooms tracks live sockets per session room, relays the room's
// question between members and reports when a room empties.
package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"matchboard/internal/broker"
	"matchboard/internal/logx"
	"matchboard/internal/metrics"
	"matchboard/internal/websocket"
	"matchboard/pkg/interfaces"
	"matchboard/pkg/types"
)

// Room frame types.
const (
	FrameSendQuestion    = "SEND_QUESTION"
	FrameRequestQuestion = "REQUEST_QUESTION"
	FrameReceiveQuestion = "RECEIVE_QUESTION"
	FramePeerJoined      = "PEER_JOINED"
	FramePeerLeft        = "PEER_LEFT"
)

// Frame is exchanged on a room socket. The question is opaque to the server.
type Frame struct {
	Type     string          `json:"type"`
	Question json.RawMessage `json:"question,omitempty"`
	User     string          `json:"user,omitempty"`
}

// Config tunes room presence.
type Config struct {
	PublishTimeout  time.Duration
	PublishAttempts int
	RetryBackoff    time.Duration
}

// DefaultConfig returns the room defaults.
func DefaultConfig() Config {
	return Config{
		PublishTimeout:  5 * time.Second,
		PublishAttempts: 3,
		RetryBackoff:    200 * time.Millisecond,
	}
}

// Hub serves /rooms sockets.
// ARCHITECTURAL DISCOVERY: The hub lock spans registry membership and the
// stored question so a room that empties and refills never inherits a stale
// question or loses a fresh one
type Hub struct {
	registry  *websocket.Registry
	broker    interfaces.Broker
	directory interfaces.SessionDirectory
	config    Config
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	mu        sync.Mutex
	questions map[string]json.RawMessage
}

// NewHub creates a room hub.
func NewHub(registry *websocket.Registry, b interfaces.Broker, directory interfaces.SessionDirectory, config Config, m *metrics.Metrics) *Hub {
	defaults := DefaultConfig()
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = defaults.PublishTimeout
	}
	if config.PublishAttempts <= 0 {
		config.PublishAttempts = defaults.PublishAttempts
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = defaults.RetryBackoff
	}
	return &Hub{
		registry:  registry,
		broker:    b,
		directory: directory,
		config:    config,
		metrics:   m,
		logger:    logx.Component("rooms"),
		questions: make(map[string]json.RawMessage),
	}
}

// HandleRoom serves /rooms?room=<sessionID>&user=<participantID>. Only
// members recorded in the session directory may join, and only while the
// session is still their current one.
func (h *Hub) HandleRoom(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room")
	userID := r.URL.Query().Get("user")
	if !types.IsValidSessionID(roomID) {
		http.Error(w, types.ErrInvalidSessionID.Error(), http.StatusBadRequest)
		return
	}
	if !types.IsValidUserID(userID) {
		http.Error(w, types.ErrInvalidUserID.Error(), http.StatusBadRequest)
		return
	}

	members, err := h.directory.Members(r.Context(), roomID)
	if err != nil {
		h.logger.Error().Err(err).Str("room", roomID).Msg("membership check failed")
		http.Error(w, "session directory unavailable", http.StatusServiceUnavailable)
		return
	}
	if len(members) == 0 {
		http.Error(w, "session not found or ended", http.StatusNotFound)
		return
	}
	if !slices.Contains(members, userID) {
		http.Error(w, "not a member of this session", http.StatusForbidden)
		return
	}
	// a member who has since paired into another session keeps its old reverse
	// entry until that room empties
	current, err := h.directory.LookupSession(r.Context(), userID)
	if err != nil && !errors.Is(err, interfaces.ErrSessionNotFound) {
		h.logger.Error().Err(err).Str("room", roomID).Msg("membership check failed")
		http.Error(w, "session directory unavailable", http.StatusServiceUnavailable)
		return
	}
	if current != roomID {
		http.Error(w, "participant has moved to another session", http.StatusForbidden)
		return
	}

	ws, err := websocket.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := websocket.NewConnection(ws)
	_ = conn.SetCredentials(userID, "", roomID)

	h.mu.Lock()
	size, err := h.registry.JoinRoom(conn)
	h.mu.Unlock()
	if err != nil {
		h.logger.Error().Err(err).Str("room", roomID).Msg("failed to join room")
		_ = conn.Close()
		return
	}

	h.logger.Info().Str("room", roomID).Str("user", userID).Int("size", size).Msg("socket joined room")
	h.broadcast(conn, Frame{Type: FramePeerJoined, User: userID})

	go h.serve(conn)
}

func (h *Hub) serve(conn *websocket.Connection) {
	roomID := conn.GetRoomID()
	if err := conn.Serve(func(data []byte) { h.handleFrame(conn, data) }); err != nil {
		h.logger.Debug().Err(err).Str("room", roomID).Msg("room socket closed unexpectedly")
	}

	h.mu.Lock()
	emptied := h.registry.LeaveRoom(conn)
	if emptied {
		delete(h.questions, roomID)
	}
	h.mu.Unlock()

	if !emptied {
		h.broadcast(conn, Frame{Type: FramePeerLeft, User: conn.GetUserID()})
		return
	}
	h.logger.Info().Str("room", roomID).Msg("room emptied")
	h.publishEmptied(roomID)
}

func (h *Hub) handleFrame(conn *websocket.Connection, data []byte) {
	roomID := conn.GetRoomID()

	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		h.logger.Debug().Err(err).Str("room", roomID).Msg("unparseable room frame ignored")
		return
	}

	switch frame.Type {
	case FrameSendQuestion:
		if len(frame.Question) == 0 {
			return
		}
		h.mu.Lock()
		h.questions[roomID] = frame.Question
		h.mu.Unlock()

	case FrameRequestQuestion:
		h.mu.Lock()
		question, ok := h.questions[roomID]
		h.mu.Unlock()
		if !ok {
			return
		}
		if err := conn.WriteJSON(Frame{Type: FrameReceiveQuestion, Question: question}); err != nil {
			h.logger.Debug().Err(err).Str("room", roomID).Msg("failed to send question")
		}

	default:
		h.logger.Debug().Str("room", roomID).Str("type", frame.Type).Msg("unknown room frame ignored")
	}
}

// broadcast writes frame to every socket in from's room except from.
func (h *Hub) broadcast(from *websocket.Connection, frame Frame) {
	for _, conn := range h.registry.GetRoomConnections(from.GetRoomID()) {
		if conn == from {
			continue
		}
		if err := conn.WriteJSON(frame); err != nil && !errors.Is(err, websocket.ErrConnectionClosed) {
			h.logger.Debug().Err(err).Str("room", from.GetRoomID()).Msg("failed to broadcast room frame")
		}
	}
}

// publishEmptied announces one emptying event. A failed publish is retried a
// few times; after that the directory entry outlives the room until the
// participants are paired again.
func (h *Hub) publishEmptied(roomID string) {
	msg := &types.RoomEmptied{SessionID: roomID}

	for attempt := 1; attempt <= h.config.PublishAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), h.config.PublishTimeout)
		_, err := broker.PublishMessage(ctx, h.broker, msg)
		cancel()
		if err == nil {
			h.metrics.RoomEmptied()
			return
		}
		h.logger.Warn().Err(err).Str("room", roomID).Int("attempt", attempt).Msg("failed to publish room emptied")
		if attempt < h.config.PublishAttempts {
			time.Sleep(h.config.RetryBackoff)
		}
	}
	h.logger.Error().Str("room", roomID).Msg("room emptied was never published")
}

// RoomSize returns the number of live sockets in a room.
func (h *Hub) RoomSize(roomID string) int {
	return h.registry.RoomSize(roomID)
}
