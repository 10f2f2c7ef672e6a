package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

const envPrefix = "MATCHBOARD_"

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	Matching  *MatchingConfig  `json:"matching"`
	Directory *DirectoryConfig `json:"directory"`
	Broker    *BrokerConfig    `json:"broker"`
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Allocator *AllocatorConfig `json:"allocator"`
	Log       *LogConfig       `json:"log"`
}

// MatchingConfig tunes the waiting pool and the content handoff.
type MatchingConfig struct {
	Window         time.Duration `json:"window"`
	ContentTimeout time.Duration `json:"content_timeout"`
	PublishTimeout time.Duration `json:"publish_timeout"`
}

// DirectoryConfig selects and tunes the session directory store.
type DirectoryConfig struct {
	Driver              string        `json:"driver"` // sqlite or leveldb
	Path                string        `json:"path"`
	LevelDBSync         bool          `json:"leveldb_sync"`
	WriteTimeout        time.Duration `json:"write_timeout"`
	RetryAttempts       int           `json:"retry_attempts"`
	RetryInitialBackoff time.Duration `json:"retry_initial_backoff"`
	RetryMaxBackoff     time.Duration `json:"retry_max_backoff"`
}

// BrokerConfig selects and tunes the message broker.
type BrokerConfig struct {
	Driver            string        `json:"driver"` // memory, redis or nats
	QueueSize         int           `json:"queue_size"`
	MaxDeliveries     int           `json:"max_deliveries"`
	RedeliveryDelay   time.Duration `json:"redelivery_delay"`
	ResultGroup       string        `json:"result_group"`
	RedisAddr         string        `json:"redis_addr"`
	RedisPassword     string        `json:"redis_password"`
	RedisDB           int           `json:"redis_db"`
	RedisStreamPrefix string        `json:"redis_stream_prefix"`
	NATSURL           string        `json:"nats_url"`
	NATSStream        string        `json:"nats_stream"`
	NATSSubjectPrefix string        `json:"nats_subject_prefix"`
}

// FUNCTIONAL DISCOVERY: HTTP configuration balances performance and reliability
type HTTPConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	AllowedOrigins  []string      `json:"allowed_origins"`
}

// WebSocketConfig limits client frames on the gateway.
type WebSocketConfig struct {
	FramesPerMinute int `json:"frames_per_minute"`
	Burst           int `json:"burst"`
}

// AllocatorConfig points at an optional question catalog file.
type AllocatorConfig struct {
	CatalogPath string `json:"catalog_path"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Pretty bool   `json:"pretty"`
}

// DefaultConfig runs everything in one process: memory broker, SQLite
// directory, 30 second waiting window.
func DefaultConfig() *Config {
	return &Config{
		Matching: &MatchingConfig{
			Window:         30 * time.Second,
			ContentTimeout: 15 * time.Second,
			PublishTimeout: 5 * time.Second,
		},
		Directory: &DirectoryConfig{
			Driver:              "sqlite",
			Path:                "./data/matchboard.db",
			WriteTimeout:        30 * time.Second,
			RetryAttempts:       5,
			RetryInitialBackoff: 50 * time.Millisecond,
			RetryMaxBackoff:     2 * time.Second,
		},
		Broker: &BrokerConfig{
			Driver:            "memory",
			QueueSize:         1000,
			MaxDeliveries:     5,
			RedeliveryDelay:   100 * time.Millisecond,
			ResultGroup:       "gateway",
			RedisAddr:         "localhost:6379",
			RedisStreamPrefix: "matchboard",
			NATSURL:           "nats://localhost:4222",
			NATSStream:        "MATCHBOARD",
			NATSSubjectPrefix: "matchboard",
		},
		HTTP: &HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		WebSocket: &WebSocketConfig{
			FramesPerMinute: 30,
			Burst:           5,
		},
		Allocator: &AllocatorConfig{},
		Log: &LogConfig{
			Level: "info",
		},
	}
}

// FUNCTIONAL DISCOVERY: Comprehensive validation prevents invalid system configurations
func (c *Config) Validate() error {
	if c.Matching == nil || c.Directory == nil || c.Broker == nil || c.HTTP == nil ||
		c.WebSocket == nil || c.Allocator == nil || c.Log == nil {
		return fmt.Errorf("every configuration section is required")
	}

	if c.Matching.Window <= 0 {
		return fmt.Errorf("matching window must be positive")
	}
	if c.Matching.ContentTimeout <= 0 {
		return fmt.Errorf("content timeout must be positive")
	}
	if c.Matching.PublishTimeout <= 0 {
		return fmt.Errorf("publish timeout must be positive")
	}

	switch c.Directory.Driver {
	case "sqlite", "leveldb":
	default:
		return fmt.Errorf("directory driver must be sqlite or leveldb, got %q", c.Directory.Driver)
	}
	if c.Directory.Path == "" {
		return fmt.Errorf("directory path cannot be empty")
	}
	if c.Directory.WriteTimeout <= 0 {
		return fmt.Errorf("directory write timeout must be positive")
	}
	if c.Directory.RetryAttempts <= 0 {
		return fmt.Errorf("directory retry attempts must be positive")
	}
	if c.Directory.RetryInitialBackoff <= 0 || c.Directory.RetryMaxBackoff < c.Directory.RetryInitialBackoff {
		return fmt.Errorf("directory retry backoff must be positive and max must not be below initial")
	}

	switch c.Broker.Driver {
	case "memory":
		if c.Broker.QueueSize <= 0 {
			return fmt.Errorf("broker queue size must be positive")
		}
	case "redis":
		if c.Broker.RedisAddr == "" {
			return fmt.Errorf("redis address cannot be empty")
		}
	case "nats":
		if c.Broker.NATSURL == "" || c.Broker.NATSStream == "" {
			return fmt.Errorf("nats url and stream cannot be empty")
		}
	default:
		return fmt.Errorf("broker driver must be memory, redis or nats, got %q", c.Broker.Driver)
	}
	if c.Broker.MaxDeliveries <= 0 {
		return fmt.Errorf("broker max deliveries must be positive")
	}
	if c.Broker.ResultGroup == "" {
		return fmt.Errorf("broker result group cannot be empty")
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 || c.HTTP.ShutdownTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}

	if c.WebSocket.FramesPerMinute <= 0 || c.WebSocket.Burst <= 0 {
		return fmt.Errorf("websocket rate limit must be positive")
	}

	return nil
}

// Address returns host:port for the HTTP listener.
func (c *Config) Address() string {
	return c.HTTP.Host + ":" + strconv.Itoa(c.HTTP.Port)
}

// LoadFromEnv applies MATCHBOARD_* variables on top of the defaults, for
// example MATCHBOARD_BROKER_DRIVER=redis or MATCHBOARD_MATCHING_WINDOW=45s.
func LoadFromEnv() (*Config, error) {
	config := DefaultConfig()
	if err := applyEnv(config); err != nil {
		return nil, err
	}
	return config, nil
}

func applyEnv(config *Config) error {
	for _, key := range settingKeys() {
		value, ok := os.LookupEnv(envPrefix + key)
		if !ok || value == "" {
			continue
		}
		if err := settings[key](config, value); err != nil {
			return fmt.Errorf("invalid %s%s: %w", envPrefix, key, err)
		}
	}
	return nil
}

// LoadFromFile reads a JSON file of sections, for example
// {"broker": {"driver": "nats"}, "matching": {"window": "45s"}}, on top of
// the defaults. Durations are Go duration strings.
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, path); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

func applyFile(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var sections map[string]map[string]json.RawMessage
	if err := json.Unmarshal(data, &sections); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	for section, values := range sections {
		for name, raw := range values {
			key := strings.ToUpper(section + "_" + name)
			apply, ok := settings[key]
			if !ok {
				return fmt.Errorf("unknown setting %s.%s in %s", section, name, path)
			}
			if err := apply(config, rawToString(raw)); err != nil {
				return fmt.Errorf("invalid %s.%s in %s: %w", section, name, path, err)
			}
		}
	}
	return nil
}

// rawToString renders a JSON scalar or string list in the same text form an
// environment variable would carry.
func rawToString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.Join(list, ",")
	}
	return strings.TrimSpace(string(raw))
}

// LoadConfigWithPrecedence layers file over environment over defaults and
// validates the result. An empty path skips the file.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	config := DefaultConfig()
	if err := applyEnv(config); err != nil {
		return nil, err
	}
	if path != "" {
		if err := applyFile(config, path); err != nil {
			return nil, err
		}
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

type setter func(c *Config, value string) error

// settings maps SECTION_NAME keys to their setters. The same table serves
// environment variables and file entries.
var settings = map[string]setter{
	"MATCHING_WINDOW":          durationSetting(func(c *Config) *time.Duration { return &c.Matching.Window }),
	"MATCHING_CONTENT_TIMEOUT": durationSetting(func(c *Config) *time.Duration { return &c.Matching.ContentTimeout }),
	"MATCHING_PUBLISH_TIMEOUT": durationSetting(func(c *Config) *time.Duration { return &c.Matching.PublishTimeout }),

	"DIRECTORY_DRIVER":                stringSetting(func(c *Config) *string { return &c.Directory.Driver }),
	"DIRECTORY_PATH":                  stringSetting(func(c *Config) *string { return &c.Directory.Path }),
	"DIRECTORY_LEVELDB_SYNC":          boolSetting(func(c *Config) *bool { return &c.Directory.LevelDBSync }),
	"DIRECTORY_WRITE_TIMEOUT":         durationSetting(func(c *Config) *time.Duration { return &c.Directory.WriteTimeout }),
	"DIRECTORY_RETRY_ATTEMPTS":        intSetting(func(c *Config) *int { return &c.Directory.RetryAttempts }),
	"DIRECTORY_RETRY_INITIAL_BACKOFF": durationSetting(func(c *Config) *time.Duration { return &c.Directory.RetryInitialBackoff }),
	"DIRECTORY_RETRY_MAX_BACKOFF":     durationSetting(func(c *Config) *time.Duration { return &c.Directory.RetryMaxBackoff }),

	"BROKER_DRIVER":              stringSetting(func(c *Config) *string { return &c.Broker.Driver }),
	"BROKER_QUEUE_SIZE":          intSetting(func(c *Config) *int { return &c.Broker.QueueSize }),
	"BROKER_MAX_DELIVERIES":      intSetting(func(c *Config) *int { return &c.Broker.MaxDeliveries }),
	"BROKER_REDELIVERY_DELAY":    durationSetting(func(c *Config) *time.Duration { return &c.Broker.RedeliveryDelay }),
	"BROKER_RESULT_GROUP":        stringSetting(func(c *Config) *string { return &c.Broker.ResultGroup }),
	"BROKER_REDIS_ADDR":          stringSetting(func(c *Config) *string { return &c.Broker.RedisAddr }),
	"BROKER_REDIS_PASSWORD":      stringSetting(func(c *Config) *string { return &c.Broker.RedisPassword }),
	"BROKER_REDIS_DB":            intSetting(func(c *Config) *int { return &c.Broker.RedisDB }),
	"BROKER_REDIS_STREAM_PREFIX": stringSetting(func(c *Config) *string { return &c.Broker.RedisStreamPrefix }),
	"BROKER_NATS_URL":            stringSetting(func(c *Config) *string { return &c.Broker.NATSURL }),
	"BROKER_NATS_STREAM":         stringSetting(func(c *Config) *string { return &c.Broker.NATSStream }),
	"BROKER_NATS_SUBJECT_PREFIX": stringSetting(func(c *Config) *string { return &c.Broker.NATSSubjectPrefix }),

	"HTTP_HOST":             stringSetting(func(c *Config) *string { return &c.HTTP.Host }),
	"HTTP_PORT":             intSetting(func(c *Config) *int { return &c.HTTP.Port }),
	"HTTP_READ_TIMEOUT":     durationSetting(func(c *Config) *time.Duration { return &c.HTTP.ReadTimeout }),
	"HTTP_WRITE_TIMEOUT":    durationSetting(func(c *Config) *time.Duration { return &c.HTTP.WriteTimeout }),
	"HTTP_SHUTDOWN_TIMEOUT": durationSetting(func(c *Config) *time.Duration { return &c.HTTP.ShutdownTimeout }),
	"HTTP_ALLOWED_ORIGINS":  listSetting(func(c *Config) *[]string { return &c.HTTP.AllowedOrigins }),

	"WEBSOCKET_FRAMES_PER_MINUTE": intSetting(func(c *Config) *int { return &c.WebSocket.FramesPerMinute }),
	"WEBSOCKET_BURST":             intSetting(func(c *Config) *int { return &c.WebSocket.Burst }),

	"ALLOCATOR_CATALOG_PATH": stringSetting(func(c *Config) *string { return &c.Allocator.CatalogPath }),

	"LOG_LEVEL":  stringSetting(func(c *Config) *string { return &c.Log.Level }),
	"LOG_PRETTY": boolSetting(func(c *Config) *bool { return &c.Log.Pretty }),
}

func settingKeys() []string {
	keys := make([]string, 0, len(settings))
	for key := range settings {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func stringSetting(field func(*Config) *string) setter {
	return func(c *Config, value string) error {
		*field(c) = value
		return nil
	}
}

func intSetting(field func(*Config) *int) setter {
	return func(c *Config, value string) error {
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func boolSetting(field func(*Config) *bool) setter {
	return func(c *Config, value string) error {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func durationSetting(field func(*Config) *time.Duration) setter {
	return func(c *Config, value string) error {
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

func listSetting(field func(*Config) *[]string) setter {
	return func(c *Config, value string) error {
		var out []string
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		*field(c) = out
		return nil
	}
}
