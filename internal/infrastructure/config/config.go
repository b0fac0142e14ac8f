package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the DCC flasher.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Serial    SerialConfig    `yaml:"serial"`
	Flasher   FlasherConfig   `yaml:"flasher"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Cache     CacheConfig     `yaml:"cache"`
	Remote    RemoteConfig    `yaml:"remote"`
	S3        S3Config        `yaml:"s3"`
}

// DatabaseConfig contains SQLite settings for the transfer history.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
// Events are mirrored to the broker only when Enabled is set.
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
}

// APIConfig contains HTTP control API settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
// Cross-origin requests are rejected unless their origin is listed; "*"
// allows every origin.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains WebSocket event stream settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings for transfer metrics.
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

// SecurityConfig contains control API security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains bearer token settings.
// An empty secret leaves the control API unauthenticated, which is only
// acceptable when it is bound to localhost.
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// DiscoveryConfig groups the two device discovery sources.
type DiscoveryConfig struct {
	USB  USBDiscoveryConfig  `yaml:"usb"`
	MDNS MDNSDiscoveryConfig `yaml:"mdns"`
}

// USBDiscoveryConfig configures the serial port poller and classifier.
type USBDiscoveryConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`

	// AllowList holds the vendor/product pairs of known USB-serial adapters.
	// Ports with other IDs are listed as filtered.
	AllowList []USBIDConfig `yaml:"allow_list"`

	// DriverURL is shown when no known adapter is present. Empty disables
	// the hint; the default depends on the host platform.
	DriverURL string `yaml:"driver_url"`

	// WatchDir is watched for hotplug events that trigger an immediate re-poll.
	WatchDir string `yaml:"watch_dir"`
}

// USBIDConfig is one vendor/product pair, written as hex in YAML (0x1a86).
type USBIDConfig struct {
	VID uint16 `yaml:"vid"`
	PID uint16 `yaml:"pid"`
}

// MDNSDiscoveryConfig configures network device browsing.
type MDNSDiscoveryConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Service    string `yaml:"service"`
	Domain     string `yaml:"domain"`
	NamePrefix string `yaml:"name_prefix"`
}

// SerialConfig configures the segmented transfer console.
type SerialConfig struct {
	BaudRate          int           `yaml:"baud_rate"`
	LineTimeout       time.Duration `yaml:"line_timeout"`
	DebugModeReply    string        `yaml:"debug_mode_reply"`
	TransferModeReply string        `yaml:"transfer_mode_reply"`
}

// FlasherConfig configures the ROM bootloader flashing tool.
type FlasherConfig struct {
	Binary   string   `yaml:"binary"`
	Args     []string `yaml:"args"`
	BaudRate int      `yaml:"baud_rate"`
	Chip     string   `yaml:"chip"`
}

// CatalogConfig configures the firmware index.
type CatalogConfig struct {
	IndexURL string `yaml:"index_url"`
	Timeout  int    `yaml:"timeout"`
}

// CacheConfig configures the artifact download cache.
type CacheConfig struct {
	// Dir is the parent directory for the per-run cache directory.
	// Empty uses the system temp directory.
	Dir            string   `yaml:"dir"`
	AllowedSchemes []string `yaml:"allowed_schemes"`
}

// RemoteConfig configures HTTP access to network devices.
type RemoteConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Timeout  int    `yaml:"timeout"`
	LogPort  int    `yaml:"log_port"`
}

// S3Config contains credentials for s3:// artifact URIs.
type S3Config struct {
	Enabled     bool   `yaml:"enabled"`
	EndpointURL string `yaml:"endpoint_url"`
	Region      string `yaml:"region"`
	AccessKey   string `yaml:"access_key"`
	SecretKey   string `yaml:"secret_key"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: DCCFLASHER_SECTION_KEY
// For example: DCCFLASHER_DATABASE_PATH, DCCFLASHER_API_PORT
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

// Default returns the built-in configuration with environment overrides applied.
// It is used when no config file exists.
func Default() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	return cfg
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:        "./data/dccflasher.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "dccflasher",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8470,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 0, // uploads stream progress; no write deadline
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Discovery: DiscoveryConfig{
			USB: USBDiscoveryConfig{
				PollInterval: time.Second,
				AllowList: []USBIDConfig{
					{VID: 0x1A86, PID: 0x7523}, // CH341
					{VID: 0x10C4, PID: 0xEA60}, // CP2102
				},
				DriverURL: defaultDriverURL(runtime.GOOS),
				WatchDir:  "/dev",
			},
			MDNS: MDNSDiscoveryConfig{
				Enabled:    true,
				Service:    "_http._tcp",
				Domain:     "local.",
				NamePrefix: "ly-dcc-",
			},
		},
		Serial: SerialConfig{
			BaudRate:          115200,
			LineTimeout:       2 * time.Second,
			DebugModeReply:    "Debug mode activated",
			TransferModeReply: "Transfer active",
		},
		Flasher: FlasherConfig{
			Binary:   "esptool.py",
			BaudRate: 460800,
			Chip:     "auto",
		},
		Catalog: CatalogConfig{
			IndexURL: "https://raw.githubusercontent.com/littleyoda/littleyoda-DCC-Decoder/flashinfo/flash.json",
			Timeout:  30,
		},
		Cache: CacheConfig{
			AllowedSchemes: []string{"https"},
		},
		Remote: RemoteConfig{
			Username: "admin",
			Password: "admin",
			Timeout:  120,
			LogPort:  5514,
		},
	}
}

// defaultDriverURL returns the CH341 driver download page for platforms
// that do not ship the driver.
func defaultDriverURL(goos string) string {
	switch goos {
	case "darwin":
		return "http://www.wch.cn/downloads/CH341SER_MAC_ZIP.html"
	case "windows":
		return "http://www.wch.cn/downloads/CH341SER_ZIP.html"
	default:
		return ""
	}
}

// applyEnvOverrides copies non-empty DCCFLASHER_* variables over the
// loaded values. Secrets are expected here rather than in the file.
func applyEnvOverrides(cfg *Config) {
	overrides := []struct {
		env string
		dst *string
	}{
		{"DCCFLASHER_DATABASE_PATH", &cfg.Database.Path},
		{"DCCFLASHER_MQTT_HOST", &cfg.MQTT.Broker.Host},
		{"DCCFLASHER_MQTT_USERNAME", &cfg.MQTT.Auth.Username},
		{"DCCFLASHER_MQTT_PASSWORD", &cfg.MQTT.Auth.Password},
		{"DCCFLASHER_API_HOST", &cfg.API.Host},
		{"DCCFLASHER_INFLUXDB_TOKEN", &cfg.InfluxDB.Token},
		{"DCCFLASHER_JWT_SECRET", &cfg.Security.JWT.Secret},
		{"DCCFLASHER_CATALOG_URL", &cfg.Catalog.IndexURL},
		{"DCCFLASHER_ESPTOOL", &cfg.Flasher.Binary},
		{"DCCFLASHER_S3_ACCESS_KEY", &cfg.S3.AccessKey},
		{"DCCFLASHER_S3_SECRET_KEY", &cfg.S3.SecretKey},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.dst = v
		}
	}

	// Unparseable ports are ignored and left to Validate.
	if port, err := strconv.Atoi(os.Getenv("DCCFLASHER_API_PORT")); err == nil {
		cfg.API.Port = port
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	const minJWTSecretLength = 32
	if c.Security.JWT.Secret != "" && len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
	}

	if c.Discovery.USB.PollInterval <= 0 {
		errs = append(errs, "discovery.usb.poll_interval must be positive")
	}
	if c.Discovery.MDNS.Enabled && c.Discovery.MDNS.Service == "" {
		errs = append(errs, "discovery.mdns.service is required when mdns is enabled")
	}

	if c.Serial.BaudRate <= 0 {
		errs = append(errs, "serial.baud_rate must be positive")
	}
	if c.Serial.LineTimeout <= 0 {
		errs = append(errs, "serial.line_timeout must be positive")
	}
	if c.Serial.DebugModeReply == "" || c.Serial.TransferModeReply == "" {
		errs = append(errs, "serial.debug_mode_reply and serial.transfer_mode_reply are required")
	}

	if c.Flasher.Binary == "" {
		errs = append(errs, "flasher.binary is required")
	}

	for _, scheme := range c.Cache.AllowedSchemes {
		switch strings.ToLower(scheme) {
		case "http", "https":
		case "s3":
			if !c.S3.Enabled {
				errs = append(errs, "cache.allowed_schemes lists s3 but s3.enabled is false")
			}
		default:
			errs = append(errs, fmt.Sprintf("cache.allowed_schemes: unsupported scheme %q", scheme))
		}
	}

	if c.Remote.LogPort < 0 || c.Remote.LogPort > 65535 {
		errs = append(errs, "remote.log_port must be between 0 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// ReadDuration is the server read and read-header timeout.
func (t APITimeoutConfig) ReadDuration() time.Duration { return seconds(t.Read) }

// WriteDuration is the server write timeout; zero disables it.
func (t APITimeoutConfig) WriteDuration() time.Duration { return seconds(t.Write) }

func (t APITimeoutConfig) IdleDuration() time.Duration { return seconds(t.Idle) }

// RequestTimeout bounds one HTTP exchange with a network device.
func (r RemoteConfig) RequestTimeout() time.Duration { return seconds(r.Timeout) }

// RequestTimeout bounds one catalog index fetch.
func (c CatalogConfig) RequestTimeout() time.Duration { return seconds(c.Timeout) }
