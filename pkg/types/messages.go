package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType is the discriminator carried by every broker envelope.
type MessageType string

// ARCHITECTURAL DISCOVERY: Message type constants are the closed set of variants
// that may cross the broker; anything else is rejected at decode time
const (
	MessageTypeMatchRequested   MessageType = "match_requested"
	MessageTypeCancelRequested  MessageType = "cancel_requested"
	MessageTypePaired           MessageType = "paired"
	MessageTypeUnmatched        MessageType = "unmatched"
	MessageTypeCancelled        MessageType = "cancelled"
	MessageTypeSessionReady     MessageType = "session_ready"
	MessageTypeSessionAnnounced MessageType = "session_announced"
	MessageTypeHandoffExpired   MessageType = "handoff_expired"
	MessageTypeRoomEmptied      MessageType = "room_emptied"
)

// Routing keys. Each route carries the variants listed next to it.
const (
	RouteMatchRequest = "match.request" // MatchRequested
	RouteMatchCancel  = "match.cancel"  // CancelRequested
	RouteMatchPaired  = "match.paired"  // Paired
	RouteMatchResult  = "match.result"  // Unmatched, Cancelled, HandoffExpired, SessionAnnounced
	RouteSessionReady = "session.ready" // SessionReady
	RouteRoomEmptied  = "room.emptied"  // RoomEmptied
)

// Routes lists every routing key in declaration order.
var Routes = []string{
	RouteMatchRequest,
	RouteMatchCancel,
	RouteMatchPaired,
	RouteMatchResult,
	RouteSessionReady,
	RouteRoomEmptied,
}

// RouteFor returns the routing key a message type is published on.
func RouteFor(t MessageType) (string, error) {
	switch t {
	case MessageTypeMatchRequested:
		return RouteMatchRequest, nil
	case MessageTypeCancelRequested:
		return RouteMatchCancel, nil
	case MessageTypePaired:
		return RouteMatchPaired, nil
	case MessageTypeUnmatched, MessageTypeCancelled, MessageTypeHandoffExpired, MessageTypeSessionAnnounced:
		return RouteMatchResult, nil
	case MessageTypeSessionReady:
		return RouteSessionReady, nil
	case MessageTypeRoomEmptied:
		return RouteRoomEmptied, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMessageType, t)
	}
}

// Message is implemented by every payload variant.
type Message interface {
	MessageType() MessageType
	Validate() error
}

// Envelope wraps a payload for transport. The ID is the de-duplication key
// used by consumers when the broker redelivers.
type Envelope struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope validates msg and wraps it with a fresh id.
func NewEnvelope(msg Message) (*Envelope, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", msg.MessageType(), err)
	}
	if len(payload) > maxPayloadBytes {
		return nil, ErrContentTooLarge
	}

	return &Envelope{
		ID:        uuid.NewString(),
		Type:      msg.MessageType(),
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}, nil
}

// Validate checks envelope framing only; payloads are checked by Decode.
func (e *Envelope) Validate() error {
	if e == nil || e.ID == "" || e.Type == "" || len(e.Payload) == 0 {
		return ErrInvalidEnvelope
	}
	if len(e.Payload) > maxPayloadBytes {
		return ErrContentTooLarge
	}
	return nil
}

// Decode unmarshals the payload into its concrete variant and validates it.
func (e *Envelope) Decode() (Message, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	var msg Message
	switch e.Type {
	case MessageTypeMatchRequested:
		msg = &MatchRequested{}
	case MessageTypeCancelRequested:
		msg = &CancelRequested{}
	case MessageTypePaired:
		msg = &Paired{}
	case MessageTypeUnmatched:
		msg = &Unmatched{}
	case MessageTypeCancelled:
		msg = &Cancelled{}
	case MessageTypeSessionReady:
		msg = &SessionReady{}
	case MessageTypeSessionAnnounced:
		msg = &SessionAnnounced{}
	case MessageTypeHandoffExpired:
		msg = &HandoffExpired{}
	case MessageTypeRoomEmptied:
		msg = &RoomEmptied{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidMessageType, e.Type)
	}

	if err := json.Unmarshal(e.Payload, msg); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", e.Type, err)
	}
	return msg, nil
}

// DecodeEnvelope parses raw transport bytes into an envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to parse envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// MatchRequested asks the coordinator to pool a new request.
type MatchRequested struct {
	RequesterID      string     `json:"requester_id"`
	Category         string     `json:"category"`
	Difficulty       Difficulty `json:"difficulty"`
	CorrelationToken string     `json:"correlation_token"`
}

func (m *MatchRequested) MessageType() MessageType { return MessageTypeMatchRequested }

func (m *MatchRequested) Validate() error {
	if !IsValidUserID(m.RequesterID) {
		return ErrInvalidUserID
	}
	if !IsValidCategory(m.Category) {
		return ErrInvalidCategory
	}
	if !m.Difficulty.Valid() {
		return ErrInvalidDifficulty
	}
	if !IsValidToken(m.CorrelationToken) {
		return ErrInvalidToken
	}
	return nil
}

// CancelRequested withdraws whatever request is pooled under the token.
type CancelRequested struct {
	CorrelationToken string `json:"correlation_token"`
}

func (m *CancelRequested) MessageType() MessageType { return MessageTypeCancelRequested }

func (m *CancelRequested) Validate() error {
	if !IsValidToken(m.CorrelationToken) {
		return ErrInvalidToken
	}
	return nil
}

// Paired hands a matched pair to the content allocator.
type Paired struct {
	SessionID  string      `json:"session_id"`
	A          Participant `json:"a"`
	B          Participant `json:"b"`
	Category   string      `json:"category"`
	Difficulty Difficulty  `json:"difficulty"`
}

func (m *Paired) MessageType() MessageType { return MessageTypePaired }

func (m *Paired) Validate() error {
	return validatePair(m.SessionID, m.A, m.B, m.Category, m.Difficulty)
}

// Unmatched tells a requester that the waiting window passed without a partner.
type Unmatched struct {
	RequestID  string      `json:"request_id"`
	Requester  Participant `json:"requester"`
	Category   string      `json:"category"`
	Difficulty Difficulty  `json:"difficulty"`
}

func (m *Unmatched) MessageType() MessageType { return MessageTypeUnmatched }

func (m *Unmatched) Validate() error {
	if m.RequestID == "" {
		return ErrInvalidRequestID
	}
	return validateParticipant(m.Requester)
}

// Cancelled confirms that a pooled request was withdrawn.
type Cancelled struct {
	RequestID string      `json:"request_id"`
	Requester Participant `json:"requester"`
}

func (m *Cancelled) MessageType() MessageType { return MessageTypeCancelled }

func (m *Cancelled) Validate() error {
	if m.RequestID == "" {
		return ErrInvalidRequestID
	}
	return validateParticipant(m.Requester)
}

// SessionReady is published by the allocator once content is attached.
type SessionReady struct {
	SessionID  string      `json:"session_id"`
	A          Participant `json:"a"`
	B          Participant `json:"b"`
	Category   string      `json:"category"`
	Difficulty Difficulty  `json:"difficulty"`
	Content    Question    `json:"content"`
}

func (m *SessionReady) MessageType() MessageType { return MessageTypeSessionReady }

func (m *SessionReady) Validate() error {
	return validatePair(m.SessionID, m.A, m.B, m.Category, m.Difficulty)
}

// SessionAnnounced tells both requesters where their session lives.
type SessionAnnounced struct {
	SessionID  string      `json:"session_id"`
	A          Participant `json:"a"`
	B          Participant `json:"b"`
	Category   string      `json:"category"`
	Difficulty Difficulty  `json:"difficulty"`
	Content    Question    `json:"content"`
}

func (m *SessionAnnounced) MessageType() MessageType { return MessageTypeSessionAnnounced }

func (m *SessionAnnounced) Validate() error {
	return validatePair(m.SessionID, m.A, m.B, m.Category, m.Difficulty)
}

// HandoffExpired tells both requesters that no content arrived in time.
type HandoffExpired struct {
	SessionID string      `json:"session_id"`
	A         Participant `json:"a"`
	B         Participant `json:"b"`
}

func (m *HandoffExpired) MessageType() MessageType { return MessageTypeHandoffExpired }

func (m *HandoffExpired) Validate() error {
	if !IsValidSessionID(m.SessionID) {
		return ErrInvalidSessionID
	}
	if err := validateParticipant(m.A); err != nil {
		return err
	}
	return validateParticipant(m.B)
}

// RoomEmptied is published when the last socket leaves a session room.
type RoomEmptied struct {
	SessionID string `json:"session_id"`
}

func (m *RoomEmptied) MessageType() MessageType { return MessageTypeRoomEmptied }

func (m *RoomEmptied) Validate() error {
	if !IsValidSessionID(m.SessionID) {
		return ErrInvalidSessionID
	}
	return nil
}

func validatePair(sessionID string, a, b Participant, category string, difficulty Difficulty) error {
	if !IsValidSessionID(sessionID) {
		return ErrInvalidSessionID
	}
	if err := validateParticipant(a); err != nil {
		return err
	}
	if err := validateParticipant(b); err != nil {
		return err
	}
	if a.RequesterID == b.RequesterID {
		return ErrSameParticipant
	}
	if !IsValidCategory(category) {
		return ErrInvalidCategory
	}
	if !difficulty.Valid() {
		return ErrInvalidDifficulty
	}
	return nil
}

func validateParticipant(p Participant) error {
	if !IsValidUserID(p.RequesterID) {
		return ErrInvalidUserID
	}
	if !IsValidToken(p.CorrelationToken) {
		return ErrInvalidToken
	}
	return nil
}
