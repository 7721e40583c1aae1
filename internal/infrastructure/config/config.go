package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the PetTracer bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	PetTracer PetTracerConfig `yaml:"pettracer"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// PetTracerConfig contains portal account and connection settings.
type PetTracerConfig struct {
	// Email and Password are the portal account credentials.
	// Prefer setting these via PETTRACER_EMAIL / PETTRACER_PASSWORD.
	Email    string `yaml:"email"`
	Password string `yaml:"password"`

	// APIBaseURL is the portal REST API root.
	// Default: "https://portal.pettracer.com/api"
	APIBaseURL string `yaml:"api_base_url"`

	// WebSocketHost is the realtime endpoint host.
	// Default: "pt.pettracer.com"
	WebSocketHost string `yaml:"websocket_host"`

	// PollInterval is the REST polling fallback period in seconds.
	// Default: 60.
	PollInterval int `yaml:"poll_interval"`

	// Reconnect controls the realtime session backoff.
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig contains realtime reconnection settings in seconds.
type ReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
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
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains the diagnostics HTTP API settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
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
// Environment variables follow the pattern: PETTRACER_SECTION_KEY
// For example: PETTRACER_EMAIL, PETTRACER_MQTT_HOST
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
		PetTracer: PetTracerConfig{
			APIBaseURL:    "https://portal.pettracer.com/api",
			WebSocketHost: "pt.pettracer.com",
			PollInterval:  60,
			Reconnect: ReconnectConfig{
				InitialDelay: 5,
				MaxDelay:     300,
			},
		},
		MQTT: MQTTConfig{
			Enabled: true,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "pettracer-bridge",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: PETTRACER_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Portal account
	if v := os.Getenv("PETTRACER_EMAIL"); v != "" {
		cfg.PetTracer.Email = v
	}
	if v := os.Getenv("PETTRACER_PASSWORD"); v != "" {
		cfg.PetTracer.Password = v
	}
	if v := os.Getenv("PETTRACER_API_BASE_URL"); v != "" {
		cfg.PetTracer.APIBaseURL = v
	}
	if v := os.Getenv("PETTRACER_WEBSOCKET_HOST"); v != "" {
		cfg.PetTracer.WebSocketHost = v
	}

	// MQTT
	if v := os.Getenv("PETTRACER_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("PETTRACER_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("PETTRACER_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("PETTRACER_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("PETTRACER_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	// Account validation - the bridge is useless without credentials.
	if c.PetTracer.Email == "" {
		errs = append(errs, "pettracer.email is required (set PETTRACER_EMAIL environment variable)")
	}
	if c.PetTracer.Password == "" {
		errs = append(errs, "pettracer.password is required (set PETTRACER_PASSWORD environment variable)")
	}
	if c.PetTracer.APIBaseURL == "" {
		errs = append(errs, "pettracer.api_base_url is required")
	}
	if c.PetTracer.WebSocketHost == "" {
		errs = append(errs, "pettracer.websocket_host is required")
	}
	if c.PetTracer.PollInterval < 1 {
		errs = append(errs, "pettracer.poll_interval must be at least 1 second")
	}
	if c.PetTracer.Reconnect.InitialDelay < 1 {
		errs = append(errs, "pettracer.reconnect.initial_delay must be at least 1 second")
	}
	if c.PetTracer.Reconnect.MaxDelay < c.PetTracer.Reconnect.InitialDelay {
		errs = append(errs, "pettracer.reconnect.max_delay must be >= initial_delay")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// API validation
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetPollInterval returns the REST polling fallback period as a Duration.
func (c *Config) GetPollInterval() time.Duration {
	return time.Duration(c.PetTracer.PollInterval) * time.Second
}

// GetReconnectInitialDelay returns the realtime reconnect initial delay as a Duration.
func (c *Config) GetReconnectInitialDelay() time.Duration {
	return time.Duration(c.PetTracer.Reconnect.InitialDelay) * time.Second
}

// GetReconnectMaxDelay returns the realtime reconnect delay cap as a Duration.
func (c *Config) GetReconnectMaxDelay() time.Duration {
	return time.Duration(c.PetTracer.Reconnect.MaxDelay) * time.Second
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
