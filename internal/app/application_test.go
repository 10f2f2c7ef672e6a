package app

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"matchboard/internal/broker"
	"matchboard/internal/config"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T, driver string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Log.Level = "error"
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = freePort(t)
	cfg.Directory.Driver = driver
	cfg.Directory.Path = filepath.Join(t.TempDir(), "data", "matchboard."+driver)
	return cfg
}

func startApp(t *testing.T, cfg *config.Config) *Application {
	t.Helper()
	application, err := NewApplication(cfg)
	if err != nil {
		t.Fatalf("NewApplication: %v", err)
	}
	if err := application.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := application.Stop(ctx); err != nil {
			t.Errorf("Stop: %v", err)
		}
	})
	return application
}

func TestApplication_RejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.HTTP.Port = -1

	application, err := NewApplication(cfg)
	if err == nil {
		t.Error("Constructor should reject invalid configuration")
	}
	if application != nil {
		t.Error("Constructor should not return application with invalid config")
	}
}

func TestApplication_RejectsMissingCatalog(t *testing.T) {
	cfg := testConfig(t, "leveldb")
	cfg.Allocator.CatalogPath = filepath.Join(t.TempDir(), "missing.json")

	if _, err := NewApplication(cfg); err == nil {
		t.Error("Expected error for unreadable catalog")
	}
}

func TestApplication_OpenBrokerUnknownDriver(t *testing.T) {
	_, err := openBroker(&config.BrokerConfig{Driver: "kafka"}, nil)
	if !errors.Is(err, broker.ErrUnknownDriver) {
		t.Errorf("Expected ErrUnknownDriver, got %v", err)
	}
}

func TestApplication_BindingsCoverEveryConsumer(t *testing.T) {
	application, err := NewApplication(testConfig(t, "leveldb"))
	if err != nil {
		t.Fatalf("NewApplication: %v", err)
	}
	defer application.Stop(context.Background())

	groups := make(map[string]bool)
	for _, binding := range application.Bindings() {
		groups[binding.Route+"/"+binding.Group] = true
	}
	for _, want := range []string{
		"match.request/coordinator",
		"match.cancel/coordinator",
		"session.ready/coordinator",
		"match.paired/allocator",
		"room.emptied/lifecycle",
		"match.result/gateway",
	} {
		if !groups[want] {
			t.Errorf("missing binding %s", want)
		}
	}
}

func TestApplication_StartServesHealth(t *testing.T) {
	for _, driver := range []string{"sqlite", "leveldb"} {
		t.Run(driver, func(t *testing.T) {
			application := startApp(t, testConfig(t, driver))

			resp, err := http.Get("http://" + application.GetAddr() + "/health")
			if err != nil {
				t.Fatalf("GET /health: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Errorf("Expected 200, got %d", resp.StatusCode)
			}

			var body struct {
				Status    string `json:"status"`
				Directory string `json:"directory"`
				Broker    string `json:"broker"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Status != "healthy" || body.Directory != "healthy" || body.Broker != "healthy" {
				t.Errorf("unexpected health %+v", body)
			}
		})
	}
}

func TestApplication_PairsThroughAPI(t *testing.T) {
	application := startApp(t, testConfig(t, "leveldb"))
	base := "http://" + application.GetAddr()

	submit := func(user, token string) {
		body := `{"requester_id":"` + user + `","category":"Arrays","difficulty":"Easy","correlation_token":"` + token + `"}`
		resp, err := http.Post(base+"/api/match", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("POST /api/match: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("Expected 202, got %d", resp.StatusCode)
		}
	}
	submit("alice", "tok-a")
	submit("bob", "tok-b")

	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := http.Get(base + "/api/participants/alice/session")
		if err != nil {
			t.Fatalf("GET session: %v", err)
		}
		var body struct {
			SessionID string `json:"session_id"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusOK {
			got, err := application.Directory().LookupSession(context.Background(), "bob")
			if err != nil || got != body.SessionID {
				t.Errorf("bob should share alice's session, got %q %v", got, err)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("alice never got a session, last status %d", resp.StatusCode)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestApplication_StartFailsOnBusyPort(t *testing.T) {
	cfg := testConfig(t, "leveldb")
	l, err := net.Listen("tcp", cfg.Address())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	application, err := NewApplication(cfg)
	if err != nil {
		t.Fatalf("NewApplication: %v", err)
	}
	defer application.Stop(context.Background())

	if err := application.Start(context.Background()); err == nil {
		t.Error("Expected Start to fail on a busy port")
	}
}
