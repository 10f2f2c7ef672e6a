// Package app assembles the coordinator, its consumers and the HTTP surface
// into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"matchboard/internal/allocator"
	"matchboard/internal/api"
	"matchboard/internal/broker"
	"matchboard/internal/config"
	"matchboard/internal/coordinator"
	"matchboard/internal/database"
	"matchboard/internal/lifecycle"
	"matchboard/internal/logx"
	"matchboard/internal/metrics"
	"matchboard/internal/rooms"
	"matchboard/internal/router"
	"matchboard/internal/session"
	"matchboard/internal/websocket"
	dbconfig "matchboard/pkg/database"
	"matchboard/pkg/interfaces"
)

const limiterCleanupInterval = time.Minute

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config      *config.Config
	metrics     *metrics.Metrics
	store       interfaces.DirectoryStore
	directory   *session.Directory
	broker      interfaces.Broker
	coordinator *coordinator.Coordinator
	allocator   *allocator.Allocator
	lifecycle   *lifecycle.Manager
	registry    *websocket.Registry
	limiter     *router.RateLimiter
	router      *router.Router
	rooms       *rooms.Hub
	apiServer   *api.Server
	httpServer  *http.Server
	logger      zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	group    *errgroup.Group
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Store → Directory → Broker → Coordinator → Allocator → Lifecycle → Gateway/Rooms → API → HTTP
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	// Validate configuration before component initialization
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logx.Setup(cfg.Log.Level, cfg.Log.Pretty)
	app := &Application{
		config:  cfg,
		metrics: metrics.New(),
		logger:  logx.Component("app"),
	}

	// STEP 1: Durable session directory (foundation layer)
	store, err := openStore(cfg.Directory)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize directory store: %w", err)
	}
	app.store = store
	app.directory = session.NewDirectory(store, session.RetryPolicy{
		Attempts:       cfg.Directory.RetryAttempts,
		InitialBackoff: cfg.Directory.RetryInitialBackoff,
		MaxBackoff:     cfg.Directory.RetryMaxBackoff,
	}, app.metrics)

	// STEP 2: Broker every component talks through
	b, err := openBroker(cfg.Broker, app.metrics)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize broker: %w", err)
	}
	app.broker = b

	// STEP 3: Coordinator owns the waiting pool and the handoffs
	app.coordinator, err = coordinator.New(coordinator.Config{
		Window:         cfg.Matching.Window,
		ContentTimeout: cfg.Matching.ContentTimeout,
		PublishTimeout: cfg.Matching.PublishTimeout,
		DedupeTTL:      broker.DefaultDedupeTTL,
	}, b, app.directory, app.metrics)
	if err != nil {
		app.closeBackends()
		return nil, fmt.Errorf("failed to initialize coordinator: %w", err)
	}

	// STEP 4: Content allocator and room lifecycle consumers
	catalog := allocator.DefaultCatalog()
	if cfg.Allocator.CatalogPath != "" {
		catalog, err = allocator.LoadCatalog(cfg.Allocator.CatalogPath)
		if err != nil {
			app.coordinator.Close()
			app.closeBackends()
			return nil, fmt.Errorf("failed to load question catalog: %w", err)
		}
	}
	app.allocator = allocator.New(b, catalog, app.metrics)
	app.lifecycle = lifecycle.New(b, app.directory, app.metrics)

	// STEP 5: Client gateway, result router and room presence share one registry
	app.registry = websocket.NewRegistry()
	app.limiter = router.NewRateLimiter(cfg.WebSocket.FramesPerMinute, cfg.WebSocket.Burst)
	app.router = router.NewRouter(app.registry, b, cfg.Broker.ResultGroup, app.metrics)
	app.rooms = rooms.NewHub(app.registry, b, app.directory, rooms.Config{
		PublishTimeout: cfg.Matching.PublishTimeout,
	}, app.metrics)
	gateway := websocket.NewHandler(app.registry, b, app.limiter, websocket.HandlerConfig{
		PublishTimeout: cfg.Matching.PublishTimeout,
	}, app.metrics)

	// STEP 6: HTTP API fronting everything above
	app.apiServer = api.NewServer(api.Dependencies{
		Broker:    b,
		Directory: app.directory,
		Registry:  app.registry,
		Pool:      app.coordinator.Matcher(),
		Metrics:   app.metrics,
		Gateway:   gateway.HandleWebSocket,
		Rooms:     app.rooms.HandleRoom,
	}, api.Config{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		PublishTimeout: cfg.Matching.PublishTimeout,
	})

	app.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      app.apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	return app, nil
}

func openStore(cfg *config.DirectoryConfig) (interfaces.DirectoryStore, error) {
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	switch cfg.Driver {
	case "leveldb":
		return database.OpenLevelDBStore(cfg.Path, cfg.LevelDBSync)
	case "sqlite":
		dbConfig := dbconfig.DefaultConfig()
		dbConfig.DatabasePath = cfg.Path
		dbConfig.WriteTimeout = cfg.WriteTimeout
		return database.NewManager(dbConfig)
	default:
		return nil, fmt.Errorf("unknown directory driver %q", cfg.Driver)
	}
}

func openBroker(cfg *config.BrokerConfig, m *metrics.Metrics) (interfaces.Broker, error) {
	switch cfg.Driver {
	case "redis":
		redisConfig := broker.DefaultRedisConfig()
		redisConfig.Addr = cfg.RedisAddr
		redisConfig.Password = cfg.RedisPassword
		redisConfig.DB = cfg.RedisDB
		redisConfig.StreamPrefix = cfg.RedisStreamPrefix + ":"
		redisConfig.MaxDeliver = int64(cfg.MaxDeliveries)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return broker.NewRedisBroker(ctx, redisConfig, m)

	case "nats":
		natsConfig := broker.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.StreamName = cfg.NATSStream
		natsConfig.SubjectPrefix = cfg.NATSSubjectPrefix
		natsConfig.MaxDeliver = cfg.MaxDeliveries
		return broker.NewNATSBroker(natsConfig, m)

	case "memory":
		return broker.NewMemoryBroker(broker.MemoryConfig{
			QueueSize:       cfg.QueueSize,
			RedeliveryDelay: cfg.RedeliveryDelay,
			MaxRedeliveries: cfg.MaxDeliveries,
		}, m), nil

	default:
		return nil, fmt.Errorf("%w: %q", broker.ErrUnknownDriver, cfg.Driver)
	}
}

// Bindings lists every (route, group) the process consumes.
func (app *Application) Bindings() []broker.Binding {
	var bindings []broker.Binding
	bindings = append(bindings, coordinator.Bindings()...)
	bindings = append(bindings, allocator.Bindings()...)
	bindings = append(bindings, lifecycle.Bindings()...)
	bindings = append(bindings, app.router.Bindings()...)
	return bindings
}

// Start begins application execution
// Consumers are declared and running before the HTTP server accepts
// connections, so nothing a client publishes lands on an unbound route
func (app *Application) Start(ctx context.Context) error {
	app.logger.Info().Str("addr", app.httpServer.Addr).Msg("starting matchboard")

	// STEP 1: Declare every consumer group
	if err := broker.DeclareAll(ctx, app.broker, app.Bindings()); err != nil {
		return fmt.Errorf("failed to declare bindings: %w", err)
	}

	// STEP 2: Start consumers (background message processing)
	runCtx, cancel := context.WithCancel(context.Background())
	group, runCtx := errgroup.WithContext(runCtx)
	group.Go(func() error { return app.coordinator.Run(runCtx) })
	group.Go(func() error { return app.allocator.Run(runCtx) })
	group.Go(func() error { return app.lifecycle.Run(runCtx) })
	group.Go(func() error { return app.router.Run(runCtx) })
	group.Go(func() error {
		app.limiter.RunCleanup(runCtx, limiterCleanupInterval)
		return nil
	})

	// STEP 3: Start HTTP server (accepts connections)
	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		cancel()
		_ = group.Wait()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}

	app.mu.Lock()
	app.listener = listener
	app.cancel = cancel
	app.group = group
	app.mu.Unlock()

	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	// Verify server is ready before returning
	select {
	case err := <-serverErrCh:
		cancel()
		_ = group.Wait()
		return err
	case <-time.After(100 * time.Millisecond):
		app.logger.Info().Str("addr", listener.Addr().String()).Msg("matchboard started")
		return nil
	case <-ctx.Done():
		_ = app.httpServer.Close()
		cancel()
		_ = group.Wait()
		return ctx.Err()
	}
}

// Stop gracefully shuts down the application
// Reverse dependency order: HTTP → Consumers → Coordinator timers → Broker → Store
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info().Msg("shutting down matchboard")
	var errs []error

	// STEP 1: Stop accepting new connections
	if err := app.httpServer.Shutdown(ctx); err != nil {
		app.logger.Error().Err(err).Msg("HTTP server shutdown error")
		errs = append(errs, err)
	}
	// Shutdown leaves hijacked sockets open
	if n := app.registry.CloseAll(); n > 0 {
		app.logger.Info().Int("sockets", n).Msg("closed live sockets")
	}

	// STEP 2: Stop message processing
	app.mu.Lock()
	cancel, group := app.cancel, app.group
	app.mu.Unlock()
	if cancel != nil {
		cancel()
		if err := group.Wait(); err != nil {
			app.logger.Error().Err(err).Msg("consumer shutdown error")
			errs = append(errs, err)
		}
	}

	// STEP 3: Stop pool and handoff timers, then release backends
	app.coordinator.Close()
	if err := app.closeBackends(); err != nil {
		errs = append(errs, err)
	}

	app.logger.Info().Msg("matchboard shutdown complete")
	return errors.Join(errs...)
}

func (app *Application) closeBackends() error {
	var errs []error
	if err := app.broker.Close(); err != nil && !errors.Is(err, interfaces.ErrBrokerClosed) {
		app.logger.Error().Err(err).Msg("broker shutdown error")
		errs = append(errs, err)
	}
	if err := app.store.Close(); err != nil {
		app.logger.Error().Err(err).Msg("directory store shutdown error")
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// GetAddr returns the bound listener address once started, the configured
// one before
func (app *Application) GetAddr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Directory exposes the session directory for embedding and tests.
func (app *Application) Directory() *session.Directory {
	return app.directory
}
