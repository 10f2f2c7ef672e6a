package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"matchboard/internal/broker"
	"matchboard/internal/logx"
	"matchboard/internal/metrics"
	"matchboard/pkg/interfaces"
	"matchboard/pkg/types"
)

// Upgrader is shared by every socket endpoint in the process.
var Upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// FUNCTIONAL DISCOVERY: Origin policy is enforced by the CORS layer in front
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// Limiter decides whether a client may send another frame.
type Limiter interface {
	Allow(key string) bool
}

// HandlerConfig tunes the gateway handler.
type HandlerConfig struct {
	PublishTimeout time.Duration
}

// DefaultHandlerConfig returns the gateway defaults.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{PublishTimeout: 5 * time.Second}
}

// Handler is the client gateway. It turns socket frames into broker
// messages; outcomes travel back through the router.
// ARCHITECTURAL DISCOVERY: The gateway never talks to the matcher directly,
// so it runs unchanged whether the coordinator is in-process or remote
type Handler struct {
	registry *Registry
	broker   interfaces.Broker
	limiter  Limiter
	config   HandlerConfig
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewHandler creates a gateway handler. A nil limiter admits every frame.
func NewHandler(registry *Registry, b interfaces.Broker, limiter Limiter, config HandlerConfig, m *metrics.Metrics) *Handler {
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = DefaultHandlerConfig().PublishTimeout
	}
	return &Handler{
		registry: registry,
		broker:   b,
		limiter:  limiter,
		config:   config,
		metrics:  m,
		logger:   logx.Component("gateway"),
	}
}

// HandleWebSocket serves /ws?token=<token>&user=<requesterID>. Without a
// token the gateway mints one and returns it in the welcome frame.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = uuid.NewString()
	}
	if !types.IsValidToken(token) {
		http.Error(w, ErrInvalidToken.Error(), http.StatusBadRequest)
		return
	}
	userID := r.URL.Query().Get("user")
	if userID != "" && !types.IsValidUserID(userID) {
		http.Error(w, types.ErrInvalidUserID.Error(), http.StatusBadRequest)
		return
	}

	// FUNCTIONAL DISCOVERY: Upgrade after validation so bad requests get a proper HTTP error
	ws, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := NewConnection(ws)
	_ = conn.SetCredentials(userID, token, "")
	if err := h.registry.RegisterConnection(conn); err != nil {
		h.logger.Error().Err(err).Msg("failed to register connection")
		_ = conn.Close()
		return
	}

	if err := conn.WriteJSON(ServerFrame{Type: FrameWelcome, Token: token}); err != nil {
		h.logger.Debug().Err(err).Str("token", token).Msg("failed to send welcome frame")
	}

	go h.serve(conn)
}

func (h *Handler) serve(conn *Connection) {
	submitted := false
	err := conn.Serve(func(data []byte) {
		if h.handleFrame(conn, data) {
			submitted = true
		}
	})
	if err != nil {
		h.logger.Debug().Err(err).Str("token", conn.GetToken()).Msg("socket closed unexpectedly")
	}

	// A socket superseded by a reconnect under the same token no longer owns
	// the request, so only the current owner withdraws it.
	if h.registry.UnregisterConnection(conn) && submitted {
		h.withdraw(conn.GetToken())
	}
}

// handleFrame processes one client frame and reports whether it queued a
// match request.
func (h *Handler) handleFrame(conn *Connection, data []byte) bool {
	token := conn.GetToken()

	var frame ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		h.metrics.GatewayFrame("unknown", "invalid")
		h.reply(conn, errorFrame(ErrInvalidJSON))
		return false
	}

	if h.limiter != nil && !h.limiter.Allow(token) {
		h.metrics.GatewayFrame(frame.Type, "rate_limited")
		h.reply(conn, errorFrame(ErrRateLimited))
		return false
	}

	switch frame.Type {
	case FrameMatchRequest:
		requesterID := frame.RequesterID
		if requesterID == "" {
			requesterID = conn.GetUserID()
		}
		msg := &types.MatchRequested{
			RequesterID:      requesterID,
			Category:         frame.Category,
			Difficulty:       frame.Difficulty,
			CorrelationToken: token,
		}
		if err := msg.Validate(); err != nil {
			h.metrics.GatewayFrame(frame.Type, "invalid")
			h.reply(conn, errorFrame(err))
			return false
		}
		if err := h.publish(msg); err != nil {
			h.metrics.GatewayFrame(frame.Type, "error")
			h.reply(conn, errorFrame(ErrPublishFailed))
			return false
		}
		conn.SetUserID(requesterID)
		h.metrics.GatewayFrame(frame.Type, "accepted")
		h.reply(conn, ServerFrame{
			Type:       FrameRequestQueued,
			Token:      token,
			Category:   msg.Category,
			Difficulty: msg.Difficulty,
		})
		return true

	case FrameCancelRequest:
		if err := h.publish(&types.CancelRequested{CorrelationToken: token}); err != nil {
			h.metrics.GatewayFrame(frame.Type, "error")
			h.reply(conn, errorFrame(ErrPublishFailed))
			return false
		}
		// the cancel_success frame comes back through the router
		h.metrics.GatewayFrame(frame.Type, "accepted")
		return false

	default:
		h.metrics.GatewayFrame("unknown", "invalid")
		h.reply(conn, errorFrame(ErrUnknownFrame))
		return false
	}
}

// withdraw cancels whatever the token still has pooled. A cancel for a
// request that already left the pool is a no-op at the coordinator.
func (h *Handler) withdraw(token string) {
	if err := h.publish(&types.CancelRequested{CorrelationToken: token}); err != nil {
		h.logger.Warn().Err(err).Str("token", token).Msg("failed to withdraw request of disconnected client")
		return
	}
	h.logger.Debug().Str("token", token).Msg("client disconnected, request withdrawn")
}

func (h *Handler) publish(msg types.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.config.PublishTimeout)
	defer cancel()

	if _, err := broker.PublishMessage(ctx, h.broker, msg); err != nil {
		h.logger.Error().Err(err).Str("type", string(msg.MessageType())).Msg("failed to publish client request")
		return err
	}
	return nil
}

func (h *Handler) reply(conn *Connection, frame ServerFrame) {
	if err := conn.WriteJSON(frame); err != nil && !errors.Is(err, ErrConnectionClosed) {
		h.logger.Debug().Err(err).Str("token", conn.GetToken()).Msg("failed to write frame")
	}
}
