package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/gray-logic-runtime/internal/service"
)

// DefaultPath is used when GRAYLOGIC_CONFIG is not set.
const DefaultPath = "configs/config.yaml"

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the root configuration structure for the Gray Logic runtime.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site        SiteConfig               `yaml:"site"`
	Logging     LoggingConfig            `yaml:"logging"`
	Hub         HubConfig                `yaml:"hub"`
	Bus         BusConfig                `yaml:"bus"`
	Scheduler   SchedulerConfig          `yaml:"scheduler"`
	State       StateConfig              `yaml:"state"`
	Watcher     WatcherConfig            `yaml:"watcher"`
	Coordinator CoordinatorConfig        `yaml:"coordinator"`
	Services    map[string]ServiceConfig `yaml:"services"`
	Transport   TransportConfig          `yaml:"transport"`
	History     HistoryConfig            `yaml:"history"`
	InfluxDB    InfluxDBConfig           `yaml:"influxdb"`
	API         APIConfig                `yaml:"api"`
	Apps        AppsConfig               `yaml:"apps"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// HubConfig contains event hub settings.
type HubConfig struct {
	BufferSize     int           `yaml:"buffer_size"`
	OverflowPolicy string        `yaml:"overflow_policy"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

// BusConfig contains dispatch engine settings.
type BusConfig struct {
	Workers      int           `yaml:"workers"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// SchedulerConfig contains scheduler settings.
type SchedulerConfig struct {
	TickResolution    time.Duration `yaml:"tick_resolution"`
	Workers           int           `yaml:"workers"`
	DefaultJobTimeout time.Duration `yaml:"default_job_timeout"`
	HistorySize       int           `yaml:"history_size"`

	// DSTFallBack is "once" or "twice".
	DSTFallBack string `yaml:"dst_fall_back"`
}

// StateConfig contains state cache settings.
type StateConfig struct {
	ResyncRetry time.Duration `yaml:"resync_retry"`
}

// WatcherConfig is the global restart policy.
type WatcherConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
	StableAfter    time.Duration `yaml:"stable_after"`
}

// CoordinatorConfig contains lifecycle defaults applied to every service.
type CoordinatorConfig struct {
	ReadyTimeout   time.Duration `yaml:"ready_timeout"`
	GracePeriod    time.Duration `yaml:"grace_period"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

// ServiceConfig overrides the registration of one managed service.
// Nil and zero fields keep the built-in value.
type ServiceConfig struct {
	Enabled      *bool          `yaml:"enabled"`
	DependsOn    []string       `yaml:"depends_on"`
	Essential    *bool          `yaml:"essential"`
	ReadyTimeout time.Duration  `yaml:"ready_timeout"`
	GracePeriod  time.Duration  `yaml:"grace_period"`
	Restart      *WatcherConfig `yaml:"restart"`
}

// TransportConfig contains settings for the home-automation transport.
type TransportConfig struct {
	MQTT MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`

	// TopicPrefix is the root of every topic the runtime reads or writes.
	TopicPrefix string `yaml:"topic_prefix"`

	// SnapshotSettle is how long FetchStates collects retained state messages.
	SnapshotSettle time.Duration `yaml:"snapshot_settle"`

	Retry MQTTRetryConfig `yaml:"retry"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// MQTTRetryConfig bounds retries of individual transport calls.
type MQTTRetryConfig struct {
	MaxTries        uint          `yaml:"max_tries"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// HistoryConfig selects the execution and crash history backend.
type HistoryConfig struct {
	// Backend is "none", "sqlite" or "badger".
	Backend   string        `yaml:"backend"`
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// APIConfig contains observability HTTP server settings.
type APIConfig struct {
	Enabled   bool             `yaml:"enabled"`
	Host      string           `yaml:"host"`
	Port      int              `yaml:"port"`
	Timeouts  APITimeoutConfig `yaml:"timeouts"`
	WebSocket WebSocketConfig  `yaml:"websocket"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains envelope feed settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
	SendBuffer     int `yaml:"send_buffer"`
}

// AppsConfig contains application host settings and the scenes run by the
// built-in automation app.
type AppsConfig struct {
	TerminateTimeout time.Duration `yaml:"terminate_timeout"`
	Scenes           []SceneConfig `yaml:"scenes"`
}

// SceneConfig describes one scene: a list of service calls and the
// triggers that activate it.
type SceneConfig struct {
	ID       string               `yaml:"id"`
	Name     string               `yaml:"name"`
	Enabled  *bool                `yaml:"enabled"`
	Actions  []SceneActionConfig  `yaml:"actions"`
	Triggers []SceneTriggerConfig `yaml:"triggers"`
}

// SceneActionConfig is one service call. Service is "domain.service".
type SceneActionConfig struct {
	Service         string         `yaml:"service"`
	Data            map[string]any `yaml:"data"`
	Delay           time.Duration  `yaml:"delay"`
	Parallel        bool           `yaml:"parallel"`
	ContinueOnError bool           `yaml:"continue_on_error"`
}

// SceneTriggerConfig activates a scene. Exactly one of Event, Cron or
// Entity is set; To narrows an entity trigger to one target value.
type SceneTriggerConfig struct {
	Event    string        `yaml:"event"`
	Cron     string        `yaml:"cron"`
	Entity   string        `yaml:"entity"`
	To       string        `yaml:"to"`
	Debounce time.Duration `yaml:"debounce"`
}

// Path returns the configuration file path from GRAYLOGIC_CONFIG or DefaultPath.
func Path() string {
	if v := os.Getenv("GRAYLOGIC_CONFIG"); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
// For example: GRAYLOGIC_MQTT_HOST, GRAYLOGIC_API_PORT
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Site: SiteConfig{
			ID:       "site-001",
			Name:     "Gray Logic",
			Timezone: "UTC",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Hub: HubConfig{
			BufferSize:     256,
			OverflowPolicy: "block",
			PublishTimeout: 2 * time.Second,
		},
		Bus: BusConfig{
			Workers:      16,
			DrainTimeout: 5 * time.Second,
		},
		Scheduler: SchedulerConfig{
			TickResolution: time.Second,
			Workers:        8,
			HistorySize:    500,
			DSTFallBack:    "once",
		},
		State: StateConfig{
			ResyncRetry: 10 * time.Second,
		},
		Watcher: WatcherConfig{
			MaxAttempts:    5,
			InitialBackoff: time.Second,
			MaxBackoff:     time.Minute,
			Multiplier:     2,
			StableAfter:    5 * time.Minute,
		},
		Coordinator: CoordinatorConfig{
			ReadyTimeout:   30 * time.Second,
			GracePeriod:    10 * time.Second,
			PublishTimeout: 2 * time.Second,
		},
		Transport: TransportConfig{
			MQTT: MQTTConfig{
				Broker: MQTTBrokerConfig{
					Host:     "localhost",
					Port:     1883,
					ClientID: "graylogic-runtime",
				},
				QoS: 1,
				Reconnect: MQTTReconnectConfig{
					InitialDelay: time.Second,
					MaxDelay:     time.Minute,
				},
				TopicPrefix:    "graylogic",
				SnapshotSettle: 2 * time.Second,
				Retry: MQTTRetryConfig{
					MaxTries:        3,
					InitialInterval: 200 * time.Millisecond,
					MaxInterval:     5 * time.Second,
				},
			},
		},
		History: HistoryConfig{
			Backend:   "none",
			Path:      "./data/history.db",
			Retention: 7 * 24 * time.Hour,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
			WebSocket: WebSocketConfig{
				MaxMessageSize: 8192,
				PingInterval:   30,
				PongTimeout:    10,
				SendBuffer:     64,
			},
		},
		Apps: AppsConfig{
			TerminateTimeout: 5 * time.Second,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Site
	if v := os.Getenv("GRAYLOGIC_SITE_ID"); v != "" {
		cfg.Site.ID = v
	}
	if v := os.Getenv("GRAYLOGIC_SITE_TIMEZONE"); v != "" {
		cfg.Site.Timezone = v
	}

	// Logging
	if v := os.Getenv("GRAYLOGIC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// MQTT
	if v := os.Getenv("GRAYLOGIC_MQTT_HOST"); v != "" {
		cfg.Transport.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_USERNAME"); v != "" {
		cfg.Transport.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_PASSWORD"); v != "" {
		cfg.Transport.MQTT.Auth.Password = v
	}

	// History
	if v := os.Getenv("GRAYLOGIC_HISTORY_PATH"); v != "" {
		cfg.History.Path = v
	}

	// API
	if v := os.Getenv("GRAYLOGIC_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// InfluxDB
	if v := os.Getenv("GRAYLOGIC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}
	if _, err := time.LoadLocation(c.Site.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("site.timezone %q is not a known zone", c.Site.Timezone))
	}

	if !slices.Contains([]string{"debug", "info", "warn", "warning", "error"}, strings.ToLower(c.Logging.Level)) {
		errs = append(errs, "logging.level must be debug, info, warn or error")
	}

	if c.Hub.BufferSize < 1 {
		errs = append(errs, "hub.buffer_size must be positive")
	}
	switch c.Hub.OverflowPolicy {
	case "block":
		if c.Hub.PublishTimeout <= 0 {
			errs = append(errs, "hub.publish_timeout must be positive with the block policy")
		}
	case "drop_oldest":
	default:
		errs = append(errs, "hub.overflow_policy must be block or drop_oldest")
	}

	if c.Bus.Workers < 1 {
		errs = append(errs, "bus.workers must be positive")
	}

	if c.Scheduler.Workers < 1 {
		errs = append(errs, "scheduler.workers must be positive")
	}
	if c.Scheduler.TickResolution <= 0 {
		errs = append(errs, "scheduler.tick_resolution must be positive")
	}
	if c.Scheduler.DSTFallBack != "once" && c.Scheduler.DSTFallBack != "twice" {
		errs = append(errs, "scheduler.dst_fall_back must be once or twice")
	}

	errs = append(errs, c.Watcher.validate("watcher")...)
	for name, svc := range c.Services {
		if svc.Restart != nil {
			errs = append(errs, svc.Restart.validate("services."+name+".restart")...)
		}
	}

	mqtt := c.Transport.MQTT
	if mqtt.QoS < 0 || mqtt.QoS > 2 {
		errs = append(errs, "transport.mqtt.qos must be 0, 1, or 2")
	}
	if mqtt.Enabled && mqtt.Broker.Host == "" {
		errs = append(errs, "transport.mqtt.broker.host is required")
	}
	if mqtt.TopicPrefix == "" || strings.ContainsAny(mqtt.TopicPrefix, "+#") {
		errs = append(errs, "transport.mqtt.topic_prefix must be a non-empty topic without wildcards")
	}

	switch c.History.Backend {
	case "none":
	case "sqlite", "badger":
		if c.History.Path == "" {
			errs = append(errs, "history.path is required for the "+c.History.Backend+" backend")
		}
	default:
		errs = append(errs, "history.backend must be none, sqlite or badger")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.Apps.TerminateTimeout < 0 {
		errs = append(errs, "apps.terminate_timeout must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}

	return nil
}

func (w WatcherConfig) validate(section string) []string {
	var errs []string
	if w.MaxAttempts < 0 {
		errs = append(errs, section+".max_attempts must not be negative")
	}
	if w.InitialBackoff <= 0 || w.MaxBackoff < w.InitialBackoff {
		errs = append(errs, section+" backoff bounds must be positive and ordered")
	}
	if w.Multiplier < 1 {
		errs = append(errs, section+".multiplier must be at least 1")
	}
	return errs
}

// Policy converts the section to a restart policy.
func (w WatcherConfig) Policy() service.RestartPolicy {
	return service.RestartPolicy{
		MaxAttempts:    w.MaxAttempts,
		InitialBackoff: w.InitialBackoff,
		MaxBackoff:     w.MaxBackoff,
		Multiplier:     w.Multiplier,
		StableAfter:    w.StableAfter,
	}
}

// RestartPolicy returns the global restart policy.
func (c *Config) RestartPolicy() service.RestartPolicy {
	return c.Watcher.Policy()
}

// LogLevel returns the configured log level name.
func (c *Config) LogLevel() string {
	return c.Logging.Level
}

// Location loads the site timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Site.Timezone)
}

// Service returns the override for name, or the zero value.
func (c *Config) Service(name string) ServiceConfig {
	return c.Services[name]
}

// ServiceEnabled reports whether name should be registered. Services are
// enabled unless explicitly disabled.
func (c *Config) ServiceEnabled(name string) bool {
	svc, ok := c.Services[name]
	return !ok || svc.Enabled == nil || *svc.Enabled
}

// SameTopology reports whether two configurations describe the same service
// graph. The graph cannot be changed by a reload.
func SameTopology(a, b *Config) bool {
	names := make(map[string]struct{})
	for n := range a.Services {
		names[n] = struct{}{}
	}
	for n := range b.Services {
		names[n] = struct{}{}
	}
	for n := range names {
		sa, sb := a.Services[n], b.Services[n]
		if a.ServiceEnabled(n) != b.ServiceEnabled(n) {
			return false
		}
		if !slices.Equal(sa.DependsOn, sb.DependsOn) {
			return false
		}
		ea := sa.Essential != nil && *sa.Essential
		eb := sb.Essential != nil && *sb.Essential
		if ea != eb {
			return false
		}
	}
	return a.Transport.MQTT.Enabled == b.Transport.MQTT.Enabled &&
		a.History.Backend == b.History.Backend &&
		a.InfluxDB.Enabled == b.InfluxDB.Enabled &&
		a.API.Enabled == b.API.Enabled
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
