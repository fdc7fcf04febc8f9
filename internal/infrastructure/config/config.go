package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Bus driver names accepted in bus.driver.
const (
	BusDriverNone   = "none"
	BusDriverMemory = "memory"
	BusDriverMQTT   = "mqtt"
	BusDriverRedis  = "redis"
	BusDriverGCP    = "gcp"
)

// Store backends accepted in store.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// maxSlotPoolSize bounds the slot pool to single-letter slot names.
const maxSlotPoolSize = 26

// Config is the root configuration structure for the relay.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Instance  InstanceConfig  `yaml:"instance"`
	Store     string          `yaml:"store"`
	Database  DatabaseConfig  `yaml:"database"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Bus       BusConfig       `yaml:"bus"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Redis     RedisConfig     `yaml:"redis"`
	GCP       GCPConfig       `yaml:"gcp"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Link      LinkConfig      `yaml:"link"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// InstanceConfig identifies this relay process among its peers.
type InstanceConfig struct {
	// ID is the instance identifier recorded in session and slot tables.
	// Left empty, one is derived from the hostname at startup.
	ID string `yaml:"id"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// PostgresConfig contains settings for the shared Postgres store.
type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int    `yaml:"max_conns"`
}

// BusConfig selects and tunes the cross-instance bus.
type BusConfig struct {
	Driver string `yaml:"driver"`

	// ChannelPrefix is prepended to every slot name ("homecast" -> "homecast-a").
	ChannelPrefix string `yaml:"channel_prefix"`

	// SlotPoolSize is the fixed number of slots shared by all instances.
	SlotPoolSize int `yaml:"slot_pool_size"`

	// SlotHeartbeat is the slot heartbeat interval in seconds.
	SlotHeartbeat int `yaml:"slot_heartbeat"`

	// SlotStaleAfter is the number of seconds after which an unrefreshed
	// slot claim may be taken over by another instance.
	SlotStaleAfter int `yaml:"slot_stale_after"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
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
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// RedisConfig contains Redis pub/sub settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// GCPConfig contains Google Cloud Pub/Sub settings.
type GCPConfig struct {
	ProjectID string `yaml:"project_id"`

	// EmulatorHost points the client at a Pub/Sub emulator (host:port).
	EmulatorHost string `yaml:"emulator_host"`

	// AckDeadline is the subscription ack deadline in seconds.
	AckDeadline int `yaml:"ack_deadline"`

	// Retention is the subscription message retention in seconds.
	Retention int `yaml:"retention"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains listener WebSocket settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// LinkConfig contains Device Link settings.
type LinkConfig struct {
	// HeartbeatInterval is the device ping interval in seconds.
	HeartbeatInterval int `yaml:"heartbeat_interval"`

	// RequestTimeout is the default command timeout in seconds.
	RequestTimeout int `yaml:"request_timeout"`

	// PingTimeout is the default ping timeout in seconds.
	PingTimeout int `yaml:"ping_timeout"`

	// RemoteSubTimeout bounds a routed request on the owning instance, in seconds.
	RemoteSubTimeout int `yaml:"remote_sub_timeout"`

	// RemotePingTimeout bounds a ping served for another instance, in seconds.
	RemotePingTimeout int `yaml:"remote_ping_timeout"`

	// MaxMessageSize is the device socket read limit in bytes.
	MaxMessageSize int `yaml:"max_message_size"`

	// LargeFrameBytes is the frame size from which decoding moves to the worker pool.
	LargeFrameBytes int `yaml:"large_frame_bytes"`

	// DecodeWorkers bounds concurrent large-frame decodes.
	DecodeWorkers int `yaml:"decode_workers"`

	// MaxRetries is how often a routed request is resent after the owner
	// vanished. 0 uses the router default, negative disables retries.
	MaxRetries int `yaml:"max_retries"`
}

// BroadcastConfig contains Broadcast Buffer settings.
type BroadcastConfig struct {
	FlushDelayMS      int `yaml:"flush_delay_ms"`
	MaxBuffer         int `yaml:"max_buffer"`
	FanoutConcurrency int `yaml:"fanout_concurrency"`
}

// SessionsConfig contains session keeper settings.
type SessionsConfig struct {
	// StaleAfter is the number of seconds without heartbeat after which a
	// device or listener session no longer counts as live.
	StaleAfter int `yaml:"stale_after"`

	// CleanupInterval is the keeper period in seconds.
	CleanupInterval int `yaml:"cleanup_interval"`
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

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings.
type JWTConfig struct {
	Secret string `yaml:"secret"`

	// DeviceTokenTTL is the device credential lifetime in hours.
	DeviceTokenTTL int `yaml:"device_token_ttl"`

	// ListenerTokenTTL is the listener credential lifetime in minutes.
	ListenerTokenTTL int `yaml:"listener_token_ttl"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: RELAY_SECTION_KEY
// For example: RELAY_DATABASE_PATH, RELAY_BUS_DRIVER
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

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

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Store: StoreSQLite,
		Database: DatabaseConfig{
			Path:        "./data/relay.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Postgres: PostgresConfig{
			MaxConns: 10,
		},
		Bus: BusConfig{
			Driver:         BusDriverNone,
			ChannelPrefix:  "homecast",
			SlotPoolSize:   10,
			SlotHeartbeat:  60,
			SlotStaleAfter: 300,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "homecast-relay",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		GCP: GCPConfig{
			AckDeadline: 30,
			Retention:   600,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 45,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Link: LinkConfig{
			HeartbeatInterval: 30,
			RequestTimeout:    30,
			PingTimeout:       10,
			RemoteSubTimeout:  25,
			RemotePingTimeout: 8,
			MaxMessageSize:    16 << 20,
			LargeFrameBytes:   64 << 10,
			DecodeWorkers:     4,
			MaxRetries:        1,
		},
		Broadcast: BroadcastConfig{
			FlushDelayMS:      200,
			MaxBuffer:         50,
			FanoutConcurrency: 8,
		},
		Sessions: SessionsConfig{
			StaleAfter:      300,
			CleanupInterval: 60,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				DeviceTokenTTL:   24 * 30,
				ListenerTokenTTL: 60,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: RELAY_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RELAY_INSTANCE_ID"); v != "" {
		cfg.Instance.ID = v
	}

	// Storage
	if v := os.Getenv("RELAY_STORE"); v != "" {
		cfg.Store = v
	}
	if v := os.Getenv("RELAY_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("RELAY_POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}

	// Bus
	if v := os.Getenv("RELAY_BUS_DRIVER"); v != "" {
		cfg.Bus.Driver = v
	}
	if v := os.Getenv("RELAY_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("RELAY_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("RELAY_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}
	if v := os.Getenv("RELAY_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("RELAY_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("RELAY_GCP_PROJECT_ID"); v != "" {
		cfg.GCP.ProjectID = v
	}
	if v := os.Getenv("PUBSUB_EMULATOR_HOST"); v != "" {
		cfg.GCP.EmulatorHost = v
	}

	// API
	if v := os.Getenv("RELAY_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("RELAY_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// InfluxDB
	if v := os.Getenv("RELAY_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Security - JWT secret (always override in production)
	if v := os.Getenv("RELAY_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Storage validation
	switch c.Store {
	case StoreSQLite:
		if c.Database.Path == "" {
			errs = append(errs, "database.path is required")
		}
	case StorePostgres:
		if c.Postgres.DSN == "" {
			errs = append(errs, "postgres.dsn is required when store is postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("store must be %q or %q", StoreSQLite, StorePostgres))
	}

	// Bus validation
	switch c.Bus.Driver {
	case BusDriverNone, BusDriverMemory:
	case BusDriverMQTT:
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, "mqtt.qos must be 0, 1, or 2")
		}
	case BusDriverRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, "redis.addr is required when bus.driver is redis")
		}
	case BusDriverGCP:
		if c.GCP.ProjectID == "" {
			errs = append(errs, "gcp.project_id is required when bus.driver is gcp")
		}
	default:
		errs = append(errs, "bus.driver must be one of none, memory, mqtt, redis, gcp")
	}
	if c.Bus.Driver != BusDriverNone {
		if c.Bus.ChannelPrefix == "" {
			errs = append(errs, "bus.channel_prefix is required")
		}
		if c.Bus.SlotPoolSize < 1 || c.Bus.SlotPoolSize > maxSlotPoolSize {
			errs = append(errs, fmt.Sprintf("bus.slot_pool_size must be between 1 and %d", maxSlotPoolSize))
		}
		if c.Bus.SlotStaleAfter <= c.Bus.SlotHeartbeat {
			errs = append(errs, "bus.slot_stale_after must exceed bus.slot_heartbeat")
		}
	}

	// API validation
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	// A command reply has to fit inside the HTTP write deadline.
	if c.API.Timeouts.Write > 0 && c.API.Timeouts.Write <= c.Link.RequestTimeout {
		errs = append(errs, "api.timeouts.write must exceed link.request_timeout")
	}

	// Link validation
	if c.Link.RequestTimeout <= 0 {
		errs = append(errs, "link.request_timeout must be positive")
	}
	if c.Link.RemoteSubTimeout >= c.Link.RequestTimeout {
		errs = append(errs, "link.remote_sub_timeout must be shorter than link.request_timeout")
	}
	if c.Link.RemotePingTimeout >= c.Link.PingTimeout {
		errs = append(errs, "link.remote_ping_timeout must be shorter than link.ping_timeout")
	}

	// Sessions validation
	if c.Sessions.StaleAfter <= 0 {
		errs = append(errs, "sessions.stale_after must be positive")
	}
	if c.Sessions.CleanupInterval <= 0 {
		errs = append(errs, "sessions.cleanup_interval must be positive")
	}

	// Broadcast validation
	if c.Broadcast.MaxBuffer < 1 {
		errs = append(errs, "broadcast.max_buffer must be at least 1")
	}

	// Security validation - JWT secret is REQUIRED.
	// Device and listener credentials are both signed with it.
	const minJWTSecretLength = 32
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set RELAY_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// LocalOnly reports whether cross-instance routing is disabled.
func (c *Config) LocalOnly() bool {
	return c.Bus.Driver == BusDriverNone
}

// SlotNames returns the fixed slot pool ("a", "b", ...).
func (c *Config) SlotNames() []string {
	names := make([]string, 0, c.Bus.SlotPoolSize)
	for i := 0; i < c.Bus.SlotPoolSize && i < maxSlotPoolSize; i++ {
		names = append(names, string(rune('a'+i)))
	}
	return names
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

// GetSlotHeartbeat returns the slot heartbeat interval.
func (c *Config) GetSlotHeartbeat() time.Duration {
	return time.Duration(c.Bus.SlotHeartbeat) * time.Second
}

// GetSlotStaleAfter returns the slot staleness threshold.
func (c *Config) GetSlotStaleAfter() time.Duration {
	return time.Duration(c.Bus.SlotStaleAfter) * time.Second
}

// GetRequestTimeout returns the default command timeout.
func (c *Config) GetRequestTimeout() time.Duration {
	return time.Duration(c.Link.RequestTimeout) * time.Second
}

// GetPingTimeout returns the default ping timeout.
func (c *Config) GetPingTimeout() time.Duration {
	return time.Duration(c.Link.PingTimeout) * time.Second
}

// GetRemoteSubTimeout returns the timeout applied on the owning instance.
func (c *Config) GetRemoteSubTimeout() time.Duration {
	return time.Duration(c.Link.RemoteSubTimeout) * time.Second
}

// GetRemotePingTimeout returns the ping timeout applied on the owning
// instance.
func (c *Config) GetRemotePingTimeout() time.Duration {
	return time.Duration(c.Link.RemotePingTimeout) * time.Second
}

// GetLinkHeartbeat returns the device ping interval.
func (c *Config) GetLinkHeartbeat() time.Duration {
	return time.Duration(c.Link.HeartbeatInterval) * time.Second
}

// GetFlushDelay returns the broadcast debounce window.
func (c *Config) GetFlushDelay() time.Duration {
	return time.Duration(c.Broadcast.FlushDelayMS) * time.Millisecond
}

// GetSessionStaleAfter returns the session staleness threshold.
func (c *Config) GetSessionStaleAfter() time.Duration {
	return time.Duration(c.Sessions.StaleAfter) * time.Second
}

// GetSessionCleanupInterval returns the session keeper period.
func (c *Config) GetSessionCleanupInterval() time.Duration {
	return time.Duration(c.Sessions.CleanupInterval) * time.Second
}
