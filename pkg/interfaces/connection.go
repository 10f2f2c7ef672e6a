package interfaces

// Connection represents a WebSocket client connection interface
// ARCHITECTURAL DISCOVERY: Pure abstraction without implementation details
// ensures clean boundaries between WebSocket infrastructure and business logic
type Connection interface {
	// WriteJSON sends a JSON message to the client (thread-safe)
	WriteJSON(v interface{}) error

	Close() error

	// GetUserID returns the requester or room member behind the socket
	GetUserID() string

	// GetToken returns the correlation token outcomes are addressed to
	GetToken() string

	// GetRoomID returns the session room the socket joined, empty on the gateway
	GetRoomID() string

	IsAuthenticated() bool

	SetCredentials(userID, token, roomID string) error
}
