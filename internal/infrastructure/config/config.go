package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Connection modes for an account.
const (
	ModeLocal = "local"
	ModeCloud = "cloud"
	ModeMixed = "mixed"
)

// minJWTSecretLength matches auth.MinSecretLength.
const minJWTSecretLength = 32

// Config is the root configuration structure for the Sonoff daemon.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Account  AccountConfig  `yaml:"account"`
	Local    LocalConfig    `yaml:"local"`
	Cloud    CloudConfig    `yaml:"cloud"`
	Devices  []DeviceConfig `yaml:"devices"`
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	API      APIConfig      `yaml:"api"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// AccountConfig identifies the eWeLink account and how it is reached.
type AccountConfig struct {
	// Mode is one of "local", "cloud" or "mixed". Fixed for the process lifetime.
	Mode   string `yaml:"mode"`
	Region string `yaml:"region"`
	AppID  string `yaml:"app_id"`

	// APIKey is attached to every cloud socket message.
	APIKey string `yaml:"api_key"`

	// AccessToken is obtained out of band (the login flow is not handled here).
	AccessToken string `yaml:"access_token"`
}

// LocalConfig contains LAN transport and discovery settings.
type LocalConfig struct {
	Port           int             `yaml:"port"`
	RequestTimeout int             `yaml:"request_timeout"`
	Discovery      DiscoveryConfig `yaml:"discovery"`
}

// DiscoveryConfig contains mDNS browse settings.
type DiscoveryConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Service   string `yaml:"service"`
	Domain    string `yaml:"domain"`
	Interface string `yaml:"interface"`
}

// CloudConfig contains cloud REST and socket settings.
type CloudConfig struct {
	// RESTURL defaults to https://<region>-apia.coolkit.cc when empty.
	RESTURL string `yaml:"rest_url"`

	// DispatchURL defaults to https://<region>-dispa.coolkit.cc/dispatch/app when empty.
	DispatchURL string `yaml:"dispatch_url"`

	// WebSocketURL skips the dispatch lookup when set.
	WebSocketURL string `yaml:"websocket_url"`

	PollInterval      int `yaml:"poll_interval"`
	ReconnectInterval int `yaml:"reconnect_interval"`
	PingInterval      int `yaml:"ping_interval"`
	RequestTimeout    int `yaml:"request_timeout"`
}

// DeviceConfig pre-registers a device so it can be addressed before the first cloud poll.
type DeviceConfig struct {
	ID        string `yaml:"id"`
	DeviceKey string `yaml:"device_key"`
	UIID      int    `yaml:"uiid"`
	IPAddress string `yaml:"ip_address"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
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

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	Auth     APIAuthConfig    `yaml:"auth"`
}

// APIAuthConfig controls bearer-token checks on the API.
type APIAuthConfig struct {
	Enabled   bool   `yaml:"enabled"`
	JWTSecret string `yaml:"jwt_secret"`

	// TokenTTL is the lifetime in hours of tokens minted by `sonoffd token`.
	// Zero mints tokens without expiry.
	TokenTTL int `yaml:"token_ttl"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
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

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: SONOFF_SECTION_KEY
// For example: SONOFF_ACCOUNT_MODE, SONOFF_DATABASE_PATH
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
		Account: AccountConfig{
			Mode:   ModeMixed,
			Region: "eu",
		},
		Local: LocalConfig{
			Port:           8081,
			RequestTimeout: 5,
			Discovery: DiscoveryConfig{
				Enabled: true,
				Service: "_ewelink._tcp",
				Domain:  "local.",
			},
		},
		Cloud: CloudConfig{
			PollInterval:      300,
			ReconnectInterval: 30,
			PingInterval:      120,
			RequestTimeout:    10,
		},
		Database: DatabaseConfig{
			Path:        "./data/sonoff.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "sonoffd",
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
			Port:    8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
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
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SONOFF_ACCOUNT_MODE"); v != "" {
		cfg.Account.Mode = v
	}
	if v := os.Getenv("SONOFF_ACCOUNT_REGION"); v != "" {
		cfg.Account.Region = v
	}
	if v := os.Getenv("SONOFF_ACCOUNT_APP_ID"); v != "" {
		cfg.Account.AppID = v
	}
	if v := os.Getenv("SONOFF_ACCOUNT_API_KEY"); v != "" {
		cfg.Account.APIKey = v
	}
	// Tokens should come from the environment rather than the YAML file.
	if v := os.Getenv("SONOFF_ACCOUNT_ACCESS_TOKEN"); v != "" {
		cfg.Account.AccessToken = v
	}

	if v := os.Getenv("SONOFF_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("SONOFF_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("SONOFF_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("SONOFF_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("SONOFF_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("SONOFF_API_JWT_SECRET"); v != "" {
		cfg.API.Auth.JWTSecret = v
	}

	if v := os.Getenv("SONOFF_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	switch c.Account.Mode {
	case ModeLocal, ModeCloud, ModeMixed:
	default:
		errs = append(errs, "account.mode must be local, cloud, or mixed")
	}

	if c.Account.Mode != ModeLocal {
		if c.Account.Region == "" && c.Cloud.RESTURL == "" {
			errs = append(errs, "account.region or cloud.rest_url is required for cloud access")
		}
		if c.Account.AccessToken == "" {
			errs = append(errs, "account.access_token is required for cloud access (set SONOFF_ACCOUNT_ACCESS_TOKEN)")
		}
		if c.Account.APIKey == "" {
			errs = append(errs, "account.api_key is required for cloud access")
		}
	}

	if c.Local.Port < 1 || c.Local.Port > 65535 {
		errs = append(errs, "local.port must be between 1 and 65535")
	}
	if c.Cloud.PollInterval < 0 {
		errs = append(errs, "cloud.poll_interval must not be negative")
	}

	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.ID == "" {
			errs = append(errs, fmt.Sprintf("devices[%d].id is required", i))
			continue
		}
		if seen[d.ID] {
			errs = append(errs, fmt.Sprintf("devices[%d].id %q is duplicated", i, d.ID))
		}
		seen[d.ID] = true
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if c.API.Auth.Enabled && len(c.API.Auth.JWTSecret) < minJWTSecretLength {
		errs = append(errs, fmt.Sprintf("api.auth.jwt_secret must be at least %d characters (set SONOFF_API_JWT_SECRET)", minJWTSecretLength))
	}
	if c.API.Auth.TokenTTL < 0 {
		errs = append(errs, "api.auth.token_ttl must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// RESTBaseURL returns the cloud REST base URL, derived from the region when not set.
func (c *Config) RESTBaseURL() string {
	if c.Cloud.RESTURL != "" {
		return strings.TrimRight(c.Cloud.RESTURL, "/")
	}
	return fmt.Sprintf("https://%s-apia.coolkit.cc", c.Account.Region)
}

// DispatchEndpoint returns the URL used to look up the cloud socket host.
func (c *Config) DispatchEndpoint() string {
	if c.Cloud.DispatchURL != "" {
		return c.Cloud.DispatchURL
	}
	return fmt.Sprintf("https://%s-dispa.coolkit.cc/dispatch/app", c.Account.Region)
}

// GetLocalTimeout returns the LAN request timeout as a Duration.
func (c *Config) GetLocalTimeout() time.Duration {
	return time.Duration(c.Local.RequestTimeout) * time.Second
}

// GetCloudTimeout returns the cloud REST request timeout as a Duration.
func (c *Config) GetCloudTimeout() time.Duration {
	return time.Duration(c.Cloud.RequestTimeout) * time.Second
}

// GetPollInterval returns the cloud poll interval. Zero disables polling.
func (c *Config) GetPollInterval() time.Duration {
	return time.Duration(c.Cloud.PollInterval) * time.Second
}

// GetReconnectInterval returns the delay between cloud socket dial attempts.
func (c *Config) GetReconnectInterval() time.Duration {
	return time.Duration(c.Cloud.ReconnectInterval) * time.Second
}

// GetPingInterval returns the cloud socket keepalive interval.
func (c *Config) GetPingInterval() time.Duration {
	return time.Duration(c.Cloud.PingInterval) * time.Second
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetTokenTTL returns the lifetime of minted API tokens as a Duration.
func (c *Config) GetTokenTTL() time.Duration {
	return time.Duration(c.API.Auth.TokenTTL) * time.Hour
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
