package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for SiteLink Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	API      APIConfig      `yaml:"api"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Registry RegistryConfig `yaml:"registry"`
	Logging  LoggingConfig  `yaml:"logging"`
	Security SecurityConfig `yaml:"security"`
}

// DatabaseConfig contains SQLite database settings for the module registry.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// ReadOnly is set when the module service owns the registry schema. The
	// core then opens the file read-only and never migrates it.
	ReadOnly bool `yaml:"read_only"`
}

// MQTTConfig contains the settings for both broker legs.
//
// The plain leg talks to the broker's unencrypted listener and the secure leg
// to its TLS listener. Both are always configured; each reconnects on its own.
type MQTTConfig struct {
	Plain  BrokerConfig `yaml:"plain"`
	Secure BrokerConfig `yaml:"secure"`
	QoS    int          `yaml:"qos"`
}

// Broker protocols. The "s" variants are transport-secured.
const (
	ProtocolMQTT  = "mqtt"
	ProtocolMQTTS = "mqtts"
	ProtocolWS    = "ws"
	ProtocolWSS   = "wss"
)

// BrokerConfig contains the connection details for one broker endpoint.
type BrokerConfig struct {
	Host     string         `yaml:"host"`
	Port     int            `yaml:"port"`
	Protocol string         `yaml:"protocol"`
	ClientID string         `yaml:"client_id"`
	Auth     MQTTAuthConfig `yaml:"auth"`

	// KeepAlive is the MQTT keepalive interval.
	KeepAlive time.Duration `yaml:"keepalive"`

	// ReconnectPeriod is the delay between reconnect attempts.
	ReconnectPeriod time.Duration `yaml:"reconnect_period"`

	// ConnectTimeout bounds a single connect handshake.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	CleanSession bool `yaml:"clean_session"`

	// CAFile is an optional PEM bundle used to verify the broker certificate.
	CAFile string `yaml:"ca_file,omitempty"`
}

// Secure reports whether the endpoint uses a TLS transport.
func (b BrokerConfig) Secure() bool {
	return b.Protocol == ProtocolMQTTS || b.Protocol == ProtocolWSS
}

// Address returns host:port for logging.
func (b BrokerConfig) Address() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
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

// RealtimeConfig contains the real-time WebSocket server settings.
type RealtimeConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Path is the URL prefix under which namespaces are served
	// (e.g. /realtime, /realtime/mqtt, /realtime/tenant).
	Path string `yaml:"path"`

	// AllowedOrigins restricts WebSocket upgrades by Origin header.
	// Empty or "*" allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`

	PingInterval   time.Duration `yaml:"ping_interval"`
	PingTimeout    time.Duration `yaml:"ping_timeout"`
	MaxMessageSize int           `yaml:"max_message_size"`

	// ConnectRate is the number of handshakes per second allowed per client IP.
	// Zero disables handshake rate limiting.
	ConnectRate  float64 `yaml:"connect_rate"`
	ConnectBurst int     `yaml:"connect_burst"`
}

// RegistryConfig controls how the module registry is watched.
type RegistryConfig struct {
	// ResyncInterval is how often the registry is re-read to pick up new modules.
	// Zero disables the periodic resync.
	ResyncInterval time.Duration `yaml:"resync_interval"`
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
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: SITELINK_SECTION_KEY
// For example: SITELINK_DATABASE_PATH, SITELINK_MQTT_PLAIN_HOST
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

// defaultBroker returns the shared defaults for a broker leg.
func defaultBroker(protocol string, port int, clientID string) BrokerConfig {
	return BrokerConfig{
		Host:            "localhost",
		Port:            port,
		Protocol:        protocol,
		ClientID:        clientID,
		KeepAlive:       60 * time.Second,
		ReconnectPeriod: 5 * time.Second,
		ConnectTimeout:  30 * time.Second,
		CleanSession:    true,
	}
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:        "./data/sitelink.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Plain:  defaultBroker(ProtocolMQTT, 1883, "sitelink-core-plain"),
			Secure: defaultBroker(ProtocolMQTTS, 8883, "sitelink-core-secure"),
			QoS:    1,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		Realtime: RealtimeConfig{
			Host:           "0.0.0.0",
			Port:           8081,
			Path:           "/realtime",
			PingInterval:   25 * time.Second,
			PingTimeout:    60 * time.Second,
			MaxMessageSize: 8192,
			ConnectRate:    5,
			ConnectBurst:   10,
		},
		Registry: RegistryConfig{
			ResyncInterval: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 15,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: SITELINK_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("SITELINK_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("SITELINK_DATABASE_READ_ONLY"); v != "" {
		if ro, err := strconv.ParseBool(v); err == nil {
			cfg.Database.ReadOnly = ro
		}
	}

	// MQTT legs
	applyBrokerEnv(&cfg.MQTT.Plain, "SITELINK_MQTT_PLAIN")
	applyBrokerEnv(&cfg.MQTT.Secure, "SITELINK_MQTT_SECURE")

	// API
	if v := os.Getenv("SITELINK_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// Realtime
	if v := os.Getenv("SITELINK_REALTIME_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Realtime.Port = port
		}
	}
	if v := os.Getenv("SITELINK_REALTIME_CORS_ORIGIN"); v != "" {
		cfg.Realtime.AllowedOrigins = strings.Split(v, ",")
	}

	// Security - JWT secret (always override in production)
	if v := os.Getenv("SITELINK_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// applyBrokerEnv overrides one leg from PREFIX_HOST, PREFIX_PORT, PREFIX_USERNAME,
// PREFIX_PASSWORD, PREFIX_CLIENT_ID and PREFIX_CA_FILE.
func applyBrokerEnv(b *BrokerConfig, prefix string) {
	if v := os.Getenv(prefix + "_HOST"); v != "" {
		b.Host = v
	}
	if v := os.Getenv(prefix + "_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			b.Port = port
		}
	}
	if v := os.Getenv(prefix + "_USERNAME"); v != "" {
		b.Auth.Username = v
	}
	if v := os.Getenv(prefix + "_PASSWORD"); v != "" {
		b.Auth.Password = v
	}
	if v := os.Getenv(prefix + "_CLIENT_ID"); v != "" {
		b.ClientID = v
	}
	if v := os.Getenv(prefix + "_CA_FILE"); v != "" {
		b.CAFile = v
	}
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	errs = append(errs, c.MQTT.Plain.validate("mqtt.plain")...)
	errs = append(errs, c.MQTT.Secure.validate("mqtt.secure")...)
	if c.MQTT.Plain.ClientID != "" && c.MQTT.Plain.ClientID == c.MQTT.Secure.ClientID &&
		c.MQTT.Plain.Host == c.MQTT.Secure.Host {
		errs = append(errs, "mqtt.plain.client_id and mqtt.secure.client_id must differ on the same broker")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if c.Realtime.Port < 1 || c.Realtime.Port > 65535 {
		errs = append(errs, "realtime.port must be between 1 and 65535")
	}
	if c.Realtime.PingInterval <= 0 || c.Realtime.PingTimeout <= 0 {
		errs = append(errs, "realtime.ping_interval and realtime.ping_timeout must be positive")
	}

	// The same secret verifies real-time handshakes and API bearer tokens.
	const minJWTSecretLength = 32
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set SITELINK_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// validate returns the problems with one broker leg, prefixed with its YAML path.
func (b BrokerConfig) validate(path string) []string {
	var errs []string
	if b.Host == "" {
		errs = append(errs, path+".host is required")
	}
	if b.Port < 1 || b.Port > 65535 {
		errs = append(errs, path+".port must be between 1 and 65535")
	}
	switch b.Protocol {
	case ProtocolMQTT, ProtocolMQTTS, ProtocolWS, ProtocolWSS:
	default:
		errs = append(errs, path+".protocol must be one of mqtt, mqtts, ws, wss")
	}
	if b.ClientID == "" {
		errs = append(errs, path+".client_id is required")
	}
	if b.ConnectTimeout <= 0 {
		errs = append(errs, path+".connect_timeout must be positive")
	}
	if b.ReconnectPeriod <= 0 {
		errs = append(errs, path+".reconnect_period must be positive")
	}
	return errs
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
