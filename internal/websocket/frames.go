package websocket

import "matchboard/pkg/types"

// Gateway frame types. Client frames arrive on /ws, server frames are
// written back to the socket registered under the correlation token.
const (
	FrameMatchRequest  = "match_request"
	FrameCancelRequest = "cancel_request"

	FrameWelcome        = "welcome"
	FrameRequestQueued  = "request_queued"
	FrameMatchFound     = "match_found"
	FrameMatchTimeout   = "match_timeout"
	FrameCancelSuccess  = "cancel_success"
	FrameHandoffExpired = "handoff_expired"
	FrameError          = "error"
)

// ClientFrame is what a client sends over the gateway socket.
type ClientFrame struct {
	Type        string           `json:"type"`
	RequesterID string           `json:"requester_id,omitempty"`
	Category    string           `json:"category,omitempty"`
	Difficulty  types.Difficulty `json:"difficulty,omitempty"`
}

// ServerFrame is what the gateway writes to a client.
type ServerFrame struct {
	Type       string           `json:"type"`
	Token      string           `json:"token,omitempty"`
	SessionID  string           `json:"session_id,omitempty"`
	Partner    string           `json:"partner,omitempty"`
	Category   string           `json:"category,omitempty"`
	Difficulty types.Difficulty `json:"difficulty,omitempty"`
	Question   *types.Question  `json:"question,omitempty"`
	Message    string           `json:"message,omitempty"`
}

func errorFrame(err error) ServerFrame {
	return ServerFrame{Type: FrameError, Message: err.Error()}
}
