package websocket

import (
	"sync"
	"testing"
	"time"
)

func authenticated(t *testing.T, userID, token, roomID string) *Connection {
	t.Helper()
	conn, _ := newSocketPair(t)
	if err := conn.SetCredentials(userID, token, roomID); err != nil {
		t.Fatalf("SetCredentials: %v", err)
	}
	return conn
}

func TestRegistry_RegisterRequiresAuthentication(t *testing.T) {
	r := NewRegistry()

	if err := r.RegisterConnection(nil); err != ErrNilConnection {
		t.Errorf("Expected ErrNilConnection, got %v", err)
	}

	conn, _ := newSocketPair(t)
	if err := r.RegisterConnection(conn); err != ErrConnectionNotAuthenticated {
		t.Errorf("Expected ErrConnectionNotAuthenticated, got %v", err)
	}
}

func TestRegistry_TokenLookup(t *testing.T) {
	r := NewRegistry()
	conn := authenticated(t, "alice", "tok-a", "")

	if err := r.RegisterConnection(conn); err != nil {
		t.Fatalf("RegisterConnection: %v", err)
	}
	got, ok := r.GetTokenConnection("tok-a")
	if !ok || got != conn {
		t.Fatal("Expected registered connection for tok-a")
	}
	if _, ok := r.GetTokenConnection("tok-b"); ok {
		t.Error("Unexpected connection for unknown token")
	}

	if !r.UnregisterConnection(conn) {
		t.Error("Expected first unregister to remove the connection")
	}
	if r.UnregisterConnection(conn) {
		t.Error("Expected second unregister to be a no-op")
	}
	if _, ok := r.GetTokenConnection("tok-a"); ok {
		t.Error("Connection should be gone after unregister")
	}
}

func TestRegistry_ReconnectSupersedesOldSocket(t *testing.T) {
	r := NewRegistry()
	old := authenticated(t, "alice", "tok-a", "")
	fresh := authenticated(t, "alice", "tok-a", "")

	_ = r.RegisterConnection(old)
	_ = r.RegisterConnection(fresh)

	select {
	case <-old.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("superseded connection was not closed")
	}

	if r.UnregisterConnection(old) {
		t.Error("Old connection must not unregister its replacement")
	}
	if got, _ := r.GetTokenConnection("tok-a"); got != fresh {
		t.Error("Expected the newer connection to stay registered")
	}
}

func TestRegistry_RoomEmptiesExactlyOnce(t *testing.T) {
	r := NewRegistry()
	const room = "room-1"
	a := authenticated(t, "alice", "", room)
	b := authenticated(t, "bob", "", room)

	if n, err := r.JoinRoom(a); err != nil || n != 1 {
		t.Fatalf("JoinRoom a: n=%d err=%v", n, err)
	}
	if n, err := r.JoinRoom(b); err != nil || n != 2 {
		t.Fatalf("JoinRoom b: n=%d err=%v", n, err)
	}
	if r.RoomSize(room) != 2 || len(r.GetRoomConnections(room)) != 2 {
		t.Errorf("Expected two sockets in room, got %d", r.RoomSize(room))
	}

	if r.LeaveRoom(a) {
		t.Error("Room is not empty after first leave")
	}
	if !r.LeaveRoom(b) {
		t.Error("Last leave should report the room emptied")
	}
	if r.LeaveRoom(b) {
		t.Error("Repeated leave must not report a second emptying")
	}
	if r.RoomSize(room) != 0 {
		t.Errorf("Expected empty room, got %d", r.RoomSize(room))
	}

	// rejoining starts a new emptying event
	_, _ = r.JoinRoom(a)
	if !r.LeaveRoom(a) {
		t.Error("Expected the rejoined room to empty again")
	}
}

func TestRegistry_JoinRoomRequiresRoom(t *testing.T) {
	r := NewRegistry()
	conn := authenticated(t, "alice", "tok-a", "")
	if _, err := r.JoinRoom(conn); err != ErrConnectionNotAuthenticated {
		t.Errorf("Expected ErrConnectionNotAuthenticated, got %v", err)
	}
}

func TestRegistry_ConcurrentLeavesReportOneEmptying(t *testing.T) {
	r := NewRegistry()
	const room = "room-2"
	conns := make([]*Connection, 8)
	for i := range conns {
		conns[i] = authenticated(t, "user", "", room)
		_, _ = r.JoinRoom(conns[i])
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		emptied int
	)
	for _, c := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			if r.LeaveRoom(c) {
				mu.Lock()
				emptied++
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()

	if emptied != 1 {
		t.Errorf("Expected exactly one emptying event, got %d", emptied)
	}
}

func TestRegistry_Stats(t *testing.T) {
	r := NewRegistry()
	_ = r.RegisterConnection(authenticated(t, "alice", "tok-a", ""))
	_, _ = r.JoinRoom(authenticated(t, "bob", "", "room-1"))
	_, _ = r.JoinRoom(authenticated(t, "carol", "", "room-1"))

	stats := r.GetStats()
	if stats["gateway_connections"] != 1 || stats["active_rooms"] != 1 || stats["room_connections"] != 2 {
		t.Errorf("unexpected stats %v", stats)
	}
}

func TestRegistry_CloseAll(t *testing.T) {
	r := NewRegistry()
	gateway := authenticated(t, "alice", "tok-a", "")
	room := authenticated(t, "bob", "", "room-1")
	_ = r.RegisterConnection(gateway)
	_, _ = r.JoinRoom(room)

	if n := r.CloseAll(); n != 2 {
		t.Errorf("Expected 2 sockets closed, got %d", n)
	}
	for _, conn := range []*Connection{gateway, room} {
		select {
		case <-conn.Done():
		case <-time.After(time.Second):
			t.Errorf("connection for %s was not closed", conn.GetUserID())
		}
	}
}
