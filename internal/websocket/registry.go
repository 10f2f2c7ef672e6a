package websocket

import (
	"sync"

	"matchboard/internal/logx"
)

// Registry tracks live sockets. Gateway sockets are keyed by correlation
// token so outcomes can be delivered to whoever is waiting on them; room
// sockets are grouped by session room.
type Registry struct {
	mu     sync.RWMutex // TECHNICAL DISCOVERY: RWMutex optimizes for read-heavy lookup patterns
	tokens map[string]*Connection
	rooms  map[string]map[*Connection]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tokens: make(map[string]*Connection),
		rooms:  make(map[string]map[*Connection]struct{}),
	}
}

// RegisterConnection makes conn the delivery target for its token.
// ARCHITECTURAL DISCOVERY: Connection replacement pattern; a reconnect under
// the same token supersedes the old socket, which is closed asynchronously
func (r *Registry) RegisterConnection(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if !conn.IsAuthenticated() {
		return ErrConnectionNotAuthenticated
	}
	token := conn.GetToken()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.tokens[token]; ok && existing != conn {
		go func() {
			if err := existing.Close(); err != nil {
				logger := logx.Component("websocket")
				logger.Debug().Err(err).Str("token", token).Msg("failed to close superseded connection")
			}
		}()
	}
	r.tokens[token] = conn
	return nil
}

// UnregisterConnection removes conn if it is still the socket registered
// for its token. It reports whether anything was removed, so a socket that
// was superseded by a reconnect can tell it no longer owns the token.
func (r *Registry) UnregisterConnection(conn *Connection) bool {
	if conn == nil {
		return false
	}
	token := conn.GetToken()

	r.mu.Lock()
	defer r.mu.Unlock()

	if registered, ok := r.tokens[token]; !ok || registered != conn {
		return false
	}
	delete(r.tokens, token)
	return true
}

// GetTokenConnection returns the socket waiting on token.
func (r *Registry) GetTokenConnection(token string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.tokens[token]
	return conn, ok
}

// JoinRoom adds conn to its room and returns the new socket count.
func (r *Registry) JoinRoom(conn *Connection) (int, error) {
	if conn == nil {
		return 0, ErrNilConnection
	}
	if !conn.IsAuthenticated() || conn.GetRoomID() == "" {
		return 0, ErrConnectionNotAuthenticated
	}
	roomID := conn.GetRoomID()

	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[*Connection]struct{})
		r.rooms[roomID] = members
	}
	members[conn] = struct{}{}
	return len(members), nil
}

// LeaveRoom removes conn from its room. It returns true for exactly one
// caller per emptying event: the one whose removal took the room to zero.
func (r *Registry) LeaveRoom(conn *Connection) bool {
	if conn == nil {
		return false
	}
	roomID := conn.GetRoomID()

	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	if _, present := members[conn]; !present {
		return false
	}
	delete(members, conn)
	if len(members) > 0 {
		return false
	}
	delete(r.rooms, roomID)
	return true
}

// GetRoomConnections returns a snapshot of the sockets in a room.
func (r *Registry) GetRoomConnections(roomID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[roomID]
	connections := make([]*Connection, 0, len(members))
	for conn := range members {
		connections = append(connections, conn)
	}
	return connections
}

// RoomSize returns the number of live sockets in a room.
func (r *Registry) RoomSize(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomID])
}

// GetStats returns registry counts for health reporting.
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	roomSockets := 0
	for _, members := range r.rooms {
		roomSockets += len(members)
	}
	return map[string]int{
		"gateway_connections": len(r.tokens),
		"active_rooms":        len(r.rooms),
		"room_connections":    roomSockets,
	}
}

// CloseAll closes every tracked socket and returns how many were closed.
// Entries are removed by each socket's own serve loop as it exits.
func (r *Registry) CloseAll() int {
	r.mu.RLock()
	seen := make(map[*Connection]struct{}, len(r.tokens))
	for _, conn := range r.tokens {
		seen[conn] = struct{}{}
	}
	for _, members := range r.rooms {
		for conn := range members {
			seen[conn] = struct{}{}
		}
	}
	r.mu.RUnlock()

	for conn := range seen {
		_ = conn.Close()
	}
	return len(seen)
}
