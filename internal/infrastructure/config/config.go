package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the greenhouse controller.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Greenhouse GreenhouseConfig `yaml:"greenhouse"`
	Database   DatabaseConfig   `yaml:"database"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	API        APIConfig        `yaml:"api"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	Automation AutomationConfig `yaml:"automation"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Logging    LoggingConfig    `yaml:"logging"`
	Security   SecurityConfig   `yaml:"security"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Retention  RetentionConfig  `yaml:"retention"`
	Weather    WeatherConfig    `yaml:"weather"`
}

// GreenhouseConfig identifies the installation.
type GreenhouseConfig struct {
	ID              string `yaml:"id"`
	Name            string `yaml:"name"`
	DefaultDeviceID string `yaml:"default_device_id"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	// Driver selects the database/sql driver: "sqlite3" (mattn, cgo) or "sqlite" (modernc, pure Go).
	Driver      string `yaml:"driver"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings for the device bridge.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
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

// APIConfig contains HTTP server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`

	// DashboardDir is an optional dashboard build served at "/".
	DashboardDir string `yaml:"dashboard_dir"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains real-time channel settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
	SendBuffer     int    `yaml:"send_buffer"`
}

// AutomationConfig contains rule engine settings.
type AutomationConfig struct {
	// TickInterval is the clock tick period in seconds. Time rules have minute resolution.
	TickInterval int `yaml:"tick_interval"`

	// Timezone is the IANA zone used to evaluate schedules ("Local" uses the host zone).
	Timezone string `yaml:"timezone"`
}

// RateLimitConfig contains per-connection fixed-window limiter settings.
type RateLimitConfig struct {
	Enabled       bool `yaml:"enabled"`
	MaxEvents     int  `yaml:"max_events"`
	WindowSeconds int  `yaml:"window_seconds"`
	SweepInterval int  `yaml:"sweep_interval"`
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

// SecurityConfig contains connection admission settings.
type SecurityConfig struct {
	// DeviceToken is the shared secret presented by controllers in device:register.
	DeviceToken string `yaml:"device_token"`

	// DeviceTokenHash is an Argon2id PHC hash of the device token, accepted
	// in place of the plaintext DeviceToken.
	DeviceTokenHash string `yaml:"device_token_hash"`

	JWT JWTConfig `yaml:"jwt"`

	// RequireObserverToken rejects WebSocket upgrades without a valid observer JWT.
	RequireObserverToken bool `yaml:"require_observer_token"`
}

// JWTConfig contains JWT token settings.
type JWTConfig struct {
	Secret   string `yaml:"secret"`
	TokenTTL int    `yaml:"token_ttl"`
}

// MetricsConfig contains Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// RetentionConfig contains history pruning settings.
type RetentionConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Days          int           `yaml:"days"`
	SweepInterval int           `yaml:"sweep_interval"`
	Archive       ArchiveConfig `yaml:"archive"`
}

// ArchiveConfig contains S3 archive settings for expired rows.
type ArchiveConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`

	// Static credentials. When empty the default AWS credential chain is used.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// WeatherConfig contains the outdoor humidity lookup used by storm alerts.
type WeatherConfig struct {
	Enabled   bool    `yaml:"enabled"`
	City      string  `yaml:"city"`
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
	BaseURL   string  `yaml:"base_url"`
	CacheTTL  int     `yaml:"cache_ttl"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GREENHOUSE_SECTION_KEY
// For example: GREENHOUSE_DATABASE_PATH, GREENHOUSE_DEVICE_TOKEN
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
		Greenhouse: GreenhouseConfig{
			ID:              "greenhouse-01",
			Name:            "Greenhouse",
			DefaultDeviceID: "ESP32_GREENHOUSE_01",
		},
		Database: DatabaseConfig{
			Driver:      "sqlite3",
			Path:        "./data/greenhouse.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "greenhouse-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 3000,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    60,
			SendBuffer:     256,
		},
		Automation: AutomationConfig{
			TickInterval: 60,
			Timezone:     "Local",
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			MaxEvents:     120,
			WindowSeconds: 60,
			SweepInterval: 120,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				TokenTTL: 1440,
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Retention: RetentionConfig{
			Enabled:       true,
			Days:          30,
			SweepInterval: 86400,
			Archive: ArchiveConfig{
				Prefix: "greenhouse",
			},
		},
		Weather: WeatherConfig{
			City:      "La Plata",
			Latitude:  -34.9214,
			Longitude: -57.9544,
			BaseURL:   "https://api.open-meteo.com/v1/forecast",
			CacheTTL:  300,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GREENHOUSE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("GREENHOUSE_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}

	if v := os.Getenv("GREENHOUSE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GREENHOUSE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GREENHOUSE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("GREENHOUSE_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("GREENHOUSE_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	if v := os.Getenv("GREENHOUSE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("GREENHOUSE_DEVICE_TOKEN"); v != "" {
		cfg.Security.DeviceToken = v
	}
	if v := os.Getenv("GREENHOUSE_DEVICE_TOKEN_HASH"); v != "" {
		cfg.Security.DeviceTokenHash = v
	}
	if v := os.Getenv("GREENHOUSE_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}

	if v := os.Getenv("GREENHOUSE_ARCHIVE_BUCKET"); v != "" {
		cfg.Retention.Archive.Bucket = v
	}
	if v := os.Getenv("GREENHOUSE_ARCHIVE_ACCESS_KEY_ID"); v != "" {
		cfg.Retention.Archive.AccessKeyID = v
	}
	if v := os.Getenv("GREENHOUSE_ARCHIVE_SECRET_ACCESS_KEY"); v != "" {
		cfg.Retention.Archive.SecretAccessKey = v
	}
}

// Validate checks the configuration for errors and security issues.
func (c *Config) Validate() error {
	var errs []string

	if c.Greenhouse.ID == "" {
		errs = append(errs, "greenhouse.id is required")
	}

	switch c.Database.Driver {
	case "sqlite3", "sqlite":
	default:
		errs = append(errs, "database.driver must be sqlite3 or sqlite")
	}
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.Automation.TickInterval < 1 {
		errs = append(errs, "automation.tick_interval must be positive")
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Sprintf("automation.timezone is invalid: %v", err))
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.MaxEvents < 1 {
			errs = append(errs, "rate_limit.max_events must be positive")
		}
		if c.RateLimit.WindowSeconds < 1 {
			errs = append(errs, "rate_limit.window_seconds must be positive")
		}
	}

	// A controller that cannot authenticate would never join the device subgroup.
	const minJWTSecretLength = 32
	if c.Security.DeviceToken == "" && c.Security.DeviceTokenHash == "" && c.Security.JWT.Secret == "" {
		errs = append(errs, "security.device_token or security.jwt.secret is required (set GREENHOUSE_DEVICE_TOKEN)")
	}
	if c.Security.JWT.Secret != "" && len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
	}
	if c.Security.RequireObserverToken && c.Security.JWT.Secret == "" {
		errs = append(errs, "security.require_observer_token needs security.jwt.secret")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if c.Retention.Enabled && c.Retention.Days < 1 {
		errs = append(errs, "retention.days must be positive")
	}
	if c.Retention.Archive.Enabled && c.Retention.Archive.Bucket == "" {
		errs = append(errs, "retention.archive.bucket is required when archive is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Location returns the time zone used for schedule evaluation.
func (c *Config) Location() (*time.Location, error) {
	switch c.Automation.Timezone {
	case "", "Local":
		return time.Local, nil
	default:
		return time.LoadLocation(c.Automation.Timezone)
	}
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

// TickInterval returns the automation clock period.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Automation.TickInterval) * time.Second
}

// RateWindow returns the rate guard window length.
func (c *Config) RateWindow() time.Duration {
	return time.Duration(c.RateLimit.WindowSeconds) * time.Second
}

// RateSweepInterval returns how often idle rate guard entries are purged.
func (c *Config) RateSweepInterval() time.Duration {
	return time.Duration(c.RateLimit.SweepInterval) * time.Second
}
