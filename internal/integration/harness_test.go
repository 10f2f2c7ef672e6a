package integration

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"matchboard/internal/allocator"
	"matchboard/internal/broker"
	"matchboard/internal/coordinator"
	"matchboard/internal/database"
	"matchboard/internal/lifecycle"
	"matchboard/internal/metrics"
	"matchboard/internal/rooms"
	"matchboard/internal/router"
	"matchboard/internal/session"
	"matchboard/internal/websocket"
	dbconfig "matchboard/pkg/database"
	"matchboard/pkg/types"
)

const testWindow = 300 * time.Millisecond

// stack is every component of one matchboard process over the in-memory
// broker and a SQLite directory in a temp dir.
type stack struct {
	directory   *session.Directory
	coordinator *coordinator.Coordinator
	metrics     *metrics.Metrics
	registry    *websocket.Registry
	wsURL       string
}

func newStack(t *testing.T) *stack {
	t.Helper()

	dbConfig := dbconfig.DefaultConfig()
	dbConfig.DatabasePath = filepath.Join(t.TempDir(), "matchboard.db")
	store, err := database.NewManager(dbConfig)
	if err != nil {
		t.Fatalf("Failed to create database manager: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Logf("Failed to close database manager: %v", err)
		}
	})

	m := metrics.New()
	directory := session.NewDirectory(store, session.DefaultRetryPolicy(), m)

	b := broker.NewMemoryBroker(broker.DefaultMemoryConfig(), m)
	t.Cleanup(func() { _ = b.Close() })

	config := coordinator.DefaultConfig()
	config.Window = testWindow
	config.ContentTimeout = 2 * time.Second
	coord, err := coordinator.New(config, b, directory, m)
	if err != nil {
		t.Fatalf("Failed to create coordinator: %v", err)
	}
	t.Cleanup(coord.Close)

	registry := websocket.NewRegistry()
	resultRouter := router.NewRouter(registry, b, "", m)
	alloc := allocator.New(b, allocator.DefaultCatalog(), m)
	manager := lifecycle.New(b, directory, m)

	var bindings []broker.Binding
	bindings = append(bindings, coordinator.Bindings()...)
	bindings = append(bindings, allocator.Bindings()...)
	bindings = append(bindings, lifecycle.Bindings()...)
	bindings = append(bindings, resultRouter.Bindings()...)
	if err := broker.DeclareAll(context.Background(), b, bindings); err != nil {
		t.Fatalf("Failed to declare bindings: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coord.Run(ctx) })
	g.Go(func() error { return alloc.Run(ctx) })
	g.Go(func() error { return manager.Run(ctx) })
	g.Go(func() error { return resultRouter.Run(ctx) })
	t.Cleanup(func() {
		cancel()
		if err := g.Wait(); err != nil {
			t.Errorf("consumer error: %v", err)
		}
	})

	gateway := websocket.NewHandler(registry, b, router.NewRateLimiter(600, 50), websocket.DefaultHandlerConfig(), m)
	hub := rooms.NewHub(registry, b, directory, rooms.DefaultConfig(), m)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gateway.HandleWebSocket)
	mux.HandleFunc("/rooms", hub.HandleRoom)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &stack{
		directory:   directory,
		coordinator: coord,
		metrics:     m,
		registry:    registry,
		wsURL:       "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

// client is one requester's gateway socket.
type client struct {
	t    *testing.T
	user string
	conn *gws.Conn
}

func (s *stack) connect(t *testing.T, user string) *client {
	t.Helper()
	conn, _, err := gws.DefaultDialer.Dial(s.wsURL+"/ws?token=tok-"+user+"&user="+user, nil)
	if err != nil {
		t.Fatalf("Failed to dial gateway as %s: %v", user, err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	c := &client{t: t, user: user, conn: conn}
	if welcome := c.read(); welcome.Type != websocket.FrameWelcome {
		t.Fatalf("Expected welcome frame, got %+v", welcome)
	}
	return c
}

func (c *client) request(category string, difficulty types.Difficulty) {
	c.t.Helper()
	err := c.conn.WriteJSON(websocket.ClientFrame{
		Type:        websocket.FrameMatchRequest,
		RequesterID: c.user,
		Category:    category,
		Difficulty:  difficulty,
	})
	if err != nil {
		c.t.Fatalf("Failed to send request for %s: %v", c.user, err)
	}
	if queued := c.read(); queued.Type != websocket.FrameRequestQueued {
		c.t.Fatalf("Expected request_queued for %s, got %+v", c.user, queued)
	}
}

func (c *client) read() websocket.ServerFrame {
	c.t.Helper()
	return c.readWithin(2 * time.Second)
}

func (c *client) readWithin(d time.Duration) websocket.ServerFrame {
	c.t.Helper()
	if err := c.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		c.t.Fatalf("set deadline: %v", err)
	}
	var frame websocket.ServerFrame
	if err := c.conn.ReadJSON(&frame); err != nil {
		c.t.Fatalf("Failed to read frame for %s: %v", c.user, err)
	}
	return frame
}

// expectSilence fails if any frame arrives within d.
func (c *client) expectSilence(d time.Duration) {
	c.t.Helper()
	if err := c.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		c.t.Fatalf("set deadline: %v", err)
	}
	var frame websocket.ServerFrame
	if err := c.conn.ReadJSON(&frame); err == nil {
		c.t.Fatalf("Expected no frame for %s, got %+v", c.user, frame)
	}
}

func (s *stack) joinRoom(t *testing.T, roomID, user string) *gws.Conn {
	t.Helper()
	conn, _, err := gws.DefaultDialer.Dial(s.wsURL+"/rooms?room="+roomID+"&user="+user, nil)
	if err != nil {
		t.Fatalf("Failed to join room as %s: %v", user, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitUntil(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
