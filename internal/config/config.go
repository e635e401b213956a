// Package config provides configuration management for trafficweave.
// It loads configuration from YAML files and environment variables using Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultConfigPath is the configuration file used when --config is not given.
const DefaultConfigPath = "config/config.yaml"

// Environment names.
const (
	EnvDevelopment = "development"
	EnvTest        = "test"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Config represents the complete configuration for trafficweave.
//
// Configuration can be loaded from:
//   - YAML file (config/config.yaml)
//   - Environment variables (prefixed with TRAFFICWEAVE_)
//   - Command-line flags (through cobra)
//
// Example:
//
//	cfg, err := config.Load("config/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
type Config struct {
	Environment   string              `mapstructure:"environment"`
	Server        ServerConfig        `mapstructure:"server"`
	TLS           TLSConfig           `mapstructure:"tls"`
	CSE           CSEConfig           `mapstructure:"cse"`
	Redis         RedisConfig         `mapstructure:"redis"`
	MQTT          MQTTConfig          `mapstructure:"mqtt"`
	Bridge        BridgeConfig        `mapstructure:"bridge"`
	WebSocket     WebSocketConfig     `mapstructure:"websocket"`
	Security      SecurityConfig      `mapstructure:"security"`
	Validation    ValidationConfig    `mapstructure:"validation"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// ServerConfig contains HTTP server configuration for the dashboard API.
type ServerConfig struct {
	// Host is the network interface to bind to (e.g., "0.0.0.0", "localhost")
	Host string `mapstructure:"host"`

	// Port is the HTTP server port (default: 8080)
	Port int `mapstructure:"port"`

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes of the response.
	// It does not apply to hijacked websocket connections.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// IdleTimeout is the maximum duration to wait for the next request when keep-alives are enabled
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// MaxHeaderBytes is the maximum size of request headers
	MaxHeaderBytes int `mapstructure:"max_header_bytes"`

	// GinMode sets the Gin framework mode ("debug", "release", "test")
	GinMode string `mapstructure:"gin_mode"`
}

// TLSConfig contains TLS configuration for the dashboard API.
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`

	// MinVersion is the minimum TLS version ("1.2", "1.3")
	MinVersion string `mapstructure:"min_version"`
}

// CSEConfig describes the oneM2M broker and the names the dashboard
// provisions there.
type CSEConfig struct {
	// URL is the broker base URL.
	URL string `mapstructure:"url"`

	// Originator is the X-M2M-Origin credential of the dashboard.
	Originator string `mapstructure:"originator"`

	// BaseRI is the resource id of the CSE base.
	BaseRI string `mapstructure:"base_ri"`

	// DashboardID prefixes provisioned resource names. Empty derives it
	// from the originator.
	DashboardID string `mapstructure:"dashboard_id"`

	// PeerOriginators are granted access through the dashboard ACP.
	PeerOriginators []string `mapstructure:"peer_originators"`

	AppID               string `mapstructure:"app_id"`
	DeviceAPI           string `mapstructure:"device_api"`
	IntersectionTag     string `mapstructure:"intersection_tag"`
	ContainerDefinition string `mapstructure:"container_definition"`

	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	PollTimeout    time.Duration `mapstructure:"poll_timeout"`
	PollDelay      time.Duration `mapstructure:"poll_delay"`

	// Concurrency bounds provisioning fan-out.
	Concurrency int `mapstructure:"concurrency"`

	// AutoConnect provisions on serve start.
	AutoConnect bool `mapstructure:"auto_connect"`
}

// RedisConfig contains Redis client configuration for event fan-out and
// distributed rate limiting.
type RedisConfig struct {
	// Enabled turns on the Redis event publisher and rate limiter.
	Enabled bool `mapstructure:"enabled"`

	// Mode specifies Redis deployment mode: "standalone", "sentinel", "cluster"
	Mode string `mapstructure:"mode"`

	// Addresses contains Redis server addresses
	// For standalone: ["localhost:6379"]
	// For sentinel: ["sentinel1:26379", "sentinel2:26379"]
	// For cluster: ["node1:6379", "node2:6379", ...]
	Addresses []string `mapstructure:"addresses"`

	// MasterName is required for Sentinel mode (e.g., "mymaster")
	MasterName string `mapstructure:"master_name"`

	// Password for Redis authentication (optional)
	Password string `mapstructure:"password"`

	// DB is the Redis database number (0-15, only for standalone/sentinel)
	DB int `mapstructure:"db"`

	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// Channel is the pub/sub channel intersection events go to.
	Channel string `mapstructure:"channel"`

	// Stream optionally appends events to a capped stream.
	Stream string `mapstructure:"stream"`

	// StreamMaxLen caps the stream length.
	StreamMaxLen int64 `mapstructure:"stream_max_len"`
}

// MQTTConfig contains the MQTT publisher configuration.
type MQTTConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Broker         string        `mapstructure:"broker"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	QoS            int           `mapstructure:"qos"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

// BridgeConfig configures the device bridge shim and the forwarding of
// light states to bridges.
type BridgeConfig struct {
	Server     BridgeServerConfig     `mapstructure:"server"`
	Forwarding BridgeForwardingConfig `mapstructure:"forwarding"`
}

// BridgeServerConfig configures the `bridge` command.
type BridgeServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// StateFile is where the last light pair is persisted.
	StateFile string `mapstructure:"state_file"`
}

// BridgeForwardingConfig configures pushing light states to bridges.
type BridgeForwardingConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Targets maps intersections to bridge URLs.
	Targets []BridgeTarget `mapstructure:"targets"`

	// DefaultURL receives intersections without a target.
	DefaultURL string `mapstructure:"default_url"`

	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// BridgeTarget routes one intersection, by name or resource id, to a bridge.
type BridgeTarget struct {
	Intersection string `mapstructure:"intersection"`
	URL          string `mapstructure:"url"`
}

// TargetMap returns the targets keyed by intersection.
func (b BridgeForwardingConfig) TargetMap() map[string]string {
	targets := make(map[string]string, len(b.Targets))
	for _, t := range b.Targets {
		targets[t.Intersection] = t.URL
	}
	return targets
}

// WebSocketConfig configures the live stream endpoint.
type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongTimeout    time.Duration `mapstructure:"pong_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`

	// SendBuffer is the per-client queue length. Slow clients that fill it
	// are dropped.
	SendBuffer int `mapstructure:"send_buffer"`
}

// SecurityConfig contains security-related configuration.
type SecurityConfig struct {
	// EnableCORS enables CORS support for browser dashboards
	EnableCORS bool `mapstructure:"enable_cors"`

	// AllowedOrigins is a list of allowed CORS and websocket origins
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// AllowedMethods is a list of allowed HTTP methods
	AllowedMethods []string `mapstructure:"allowed_methods"`

	// AllowedHeaders is a list of allowed HTTP headers
	AllowedHeaders []string `mapstructure:"allowed_headers"`

	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig contains Redis-backed rate limits. It needs redis.enabled.
type RateLimitConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// PerClient limits every client across the API.
	PerClient LimitConfig `mapstructure:"per_client"`

	// LightChange limits the light change endpoint, which writes to the broker.
	LightChange LimitConfig `mapstructure:"light_change"`
}

// LimitConfig is a token bucket.
type LimitConfig struct {
	RequestsPerSecond int `mapstructure:"requests_per_second"`
	BurstSize         int `mapstructure:"burst_size"`
}

// ValidationConfig contains OpenAPI request/response validation configuration.
type ValidationConfig struct {
	// Enabled enables OpenAPI request validation
	Enabled bool `mapstructure:"enabled"`

	// ValidateResponse enables OpenAPI response validation (use only in development/testing)
	ValidateResponse bool `mapstructure:"validate_response"`

	// SpecPath is the path to a custom OpenAPI specification file
	// If empty, the embedded spec will be used
	SpecPath string `mapstructure:"spec_path"`
}

// ObservabilityConfig contains logging and metrics configuration.
type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LoggingConfig contains structured logging configuration.
type LoggingConfig struct {
	// Level sets the log level ("debug", "info", "warn", "error", "fatal")
	Level string `mapstructure:"level"`

	// Format sets the log format ("json", "console")
	Format string `mapstructure:"format"`

	// OutputPaths is a list of output destinations (e.g., ["stdout", "/var/log/app.log"])
	OutputPaths []string `mapstructure:"output_paths"`

	// Development enables development mode (more verbose, console format)
	Development bool `mapstructure:"development"`
}

// MetricsConfig contains Prometheus metrics configuration.
type MetricsConfig struct {
	// Enabled enables Prometheus metrics collection
	Enabled bool `mapstructure:"enabled"`

	// Path is the HTTP path for metrics endpoint (default: "/metrics")
	Path string `mapstructure:"path"`

	// Namespace is the Prometheus metrics namespace
	Namespace string `mapstructure:"namespace"`
}

// Load loads configuration from the specified file path and environment variables.
// Environment variables override file values and should be prefixed with TRAFFICWEAVE_
// (e.g., TRAFFICWEAVE_CSE_URL=http://broker:8081).
//
// A missing configuration file is not an error; defaults and the
// environment then provide every value.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/trafficweave")
	}

	v.SetEnvPrefix("TRAFFICWEAVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", EnvDevelopment)

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.max_header_bytes", 1048576) // 1MB
	v.SetDefault("server.gin_mode", "release")

	v.SetDefault("tls.enabled", false)
	v.SetDefault("tls.min_version", "1.3")

	// Broker defaults match a local ACME CSE.
	v.SetDefault("cse.url", "http://localhost:8081")
	v.SetDefault("cse.originator", "Cdashboard")
	v.SetDefault("cse.base_ri", "id-in")
	v.SetDefault("cse.app_id", "Ntrafficdashboard")
	v.SetDefault("cse.device_api", "NtrafficAPI")
	v.SetDefault("cse.intersection_tag", "traffic:trfint")
	v.SetDefault("cse.container_definition", "edu.psu.cse.traffic.trafficLightIntersection")
	v.SetDefault("cse.request_timeout", "10s")
	v.SetDefault("cse.poll_timeout", "2m")
	v.SetDefault("cse.poll_delay", "50ms")
	v.SetDefault("cse.concurrency", 8)
	v.SetDefault("cse.auto_connect", false)

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.mode", "standalone")
	v.SetDefault("redis.addresses", []string{"localhost:6379"})
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")
	v.SetDefault("redis.channel", "trafficweave:events")
	v.SetDefault("redis.stream_max_len", 1000)

	// MQTT defaults
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "trafficweave")
	v.SetDefault("mqtt.topic_prefix", "trafficweave")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.publish_timeout", "5s")

	// Bridge defaults
	v.SetDefault("bridge.server.host", "0.0.0.0")
	v.SetDefault("bridge.server.port", 5000)
	v.SetDefault("bridge.server.state_file", "lights.txt")
	v.SetDefault("bridge.forwarding.enabled", false)
	v.SetDefault("bridge.forwarding.timeout", "5s")
	v.SetDefault("bridge.forwarding.max_retries", 3)

	// WebSocket defaults
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_timeout", "60s")
	v.SetDefault("websocket.write_timeout", "10s")
	v.SetDefault("websocket.max_message_size", 4096)
	v.SetDefault("websocket.send_buffer", 64)

	// Security defaults
	v.SetDefault("security.enable_cors", false)
	v.SetDefault("security.allowed_methods", []string{"GET", "POST", "PUT", "DELETE"})
	v.SetDefault("security.allowed_headers", []string{"Content-Type", "Authorization"})
	v.SetDefault("security.rate_limit.enabled", false)
	v.SetDefault("security.rate_limit.per_client.requests_per_second", 50)
	v.SetDefault("security.rate_limit.per_client.burst_size", 100)
	v.SetDefault("security.rate_limit.light_change.requests_per_second", 5)
	v.SetDefault("security.rate_limit.light_change.burst_size", 10)

	// Validation defaults
	v.SetDefault("validation.enabled", true)
	v.SetDefault("validation.validate_response", false)
	v.SetDefault("validation.spec_path", "")

	// Logging defaults
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")
	v.SetDefault("observability.logging.output_paths", []string{"stdout"})
	v.SetDefault("observability.logging.development", false)

	// Metrics defaults
	v.SetDefault("observability.metrics.enabled", true)
	v.SetDefault("observability.metrics.path", "/metrics")
	v.SetDefault("observability.metrics.namespace", "trafficweave")
}

// Validate validates the configuration and returns an error if any values are invalid.
// This should be called after Load() to ensure the configuration is valid before use.
func (c *Config) Validate() error {
	validators := []func() error{
		c.validateEnvironment,
		c.validateServer,
		c.validateTLS,
		c.validateCSE,
		c.validateRedis,
		c.validateMQTT,
		c.validateBridge,
		c.validateWebSocket,
		c.validateSecurity,
		c.validateObservability,
	}
	for _, validate := range validators {
		if err := validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateEnvironment() error {
	switch c.Environment {
	case EnvDevelopment, EnvTest, EnvStaging, EnvProduction:
		return nil
	default:
		return fmt.Errorf("invalid environment: %s (must be development, test, staging, or production)", c.Environment)
	}
}

// validateServer validates the server configuration.
func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}

	if c.Server.GinMode != "debug" && c.Server.GinMode != "release" && c.Server.GinMode != "test" {
		return fmt.Errorf("invalid gin_mode: %s (must be debug, release, or test)", c.Server.GinMode)
	}

	return nil
}

// validateTLS validates the TLS configuration.
func (c *Config) validateTLS() error {
	if !c.TLS.Enabled {
		return nil
	}

	if c.TLS.CertFile == "" {
		return fmt.Errorf("tls cert_file is required when TLS is enabled")
	}
	if c.TLS.KeyFile == "" {
		return fmt.Errorf("tls key_file is required when TLS is enabled")
	}
	if _, err := os.Stat(c.TLS.CertFile); os.IsNotExist(err) {
		return fmt.Errorf("tls cert_file does not exist: %s", c.TLS.CertFile)
	}
	if _, err := os.Stat(c.TLS.KeyFile); os.IsNotExist(err) {
		return fmt.Errorf("tls key_file does not exist: %s", c.TLS.KeyFile)
	}

	if c.TLS.MinVersion != "1.2" && c.TLS.MinVersion != "1.3" {
		return fmt.Errorf("invalid tls min_version: %s (must be 1.2 or 1.3)", c.TLS.MinVersion)
	}

	return nil
}

// validateCSE validates the broker configuration.
func (c *Config) validateCSE() error {
	if err := validateURL("cse url", c.CSE.URL); err != nil {
		return err
	}
	if c.CSE.Originator == "" {
		return fmt.Errorf("cse originator cannot be empty")
	}
	if c.CSE.BaseRI == "" {
		return fmt.Errorf("cse base_ri cannot be empty")
	}
	if c.CSE.RequestTimeout <= 0 {
		return fmt.Errorf("invalid cse request_timeout: %s (must be > 0)", c.CSE.RequestTimeout)
	}
	if c.CSE.PollTimeout <= 0 {
		return fmt.Errorf("invalid cse poll_timeout: %s (must be > 0)", c.CSE.PollTimeout)
	}
	if c.CSE.PollDelay < 0 {
		return fmt.Errorf("invalid cse poll_delay: %s (must be >= 0)", c.CSE.PollDelay)
	}
	if c.CSE.Concurrency < 1 {
		return fmt.Errorf("invalid cse concurrency: %d (must be > 0)", c.CSE.Concurrency)
	}
	return nil
}

// validateRedis validates the Redis configuration.
func (c *Config) validateRedis() error {
	if !c.Redis.Enabled {
		return nil
	}

	if c.Redis.Mode != "standalone" && c.Redis.Mode != "sentinel" && c.Redis.Mode != "cluster" {
		return fmt.Errorf("invalid redis mode: %s (must be standalone, sentinel, or cluster)", c.Redis.Mode)
	}

	if len(c.Redis.Addresses) == 0 {
		return fmt.Errorf("redis addresses cannot be empty")
	}

	if c.Redis.Mode == "sentinel" && c.Redis.MasterName == "" {
		return fmt.Errorf("redis master_name is required for sentinel mode")
	}

	if c.Redis.DB < 0 || c.Redis.DB > 15 {
		return fmt.Errorf("invalid redis db: %d (must be 0-15)", c.Redis.DB)
	}

	if c.Redis.Channel == "" {
		return fmt.Errorf("redis channel cannot be empty")
	}

	return nil
}

// validateMQTT validates the MQTT configuration.
func (c *Config) validateMQTT() error {
	if !c.MQTT.Enabled {
		return nil
	}
	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt broker is required when mqtt is enabled")
	}
	if c.MQTT.ClientID == "" {
		return fmt.Errorf("mqtt client_id is required when mqtt is enabled")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("invalid mqtt qos: %d (must be 0-2)", c.MQTT.QoS)
	}
	return nil
}

// validateBridge validates the bridge configuration.
func (c *Config) validateBridge() error {
	if c.Bridge.Server.Port < 1 || c.Bridge.Server.Port > 65535 {
		return fmt.Errorf("invalid bridge server port: %d (must be 1-65535)", c.Bridge.Server.Port)
	}
	if c.Bridge.Server.StateFile == "" {
		return fmt.Errorf("bridge state_file cannot be empty")
	}

	fwd := c.Bridge.Forwarding
	if !fwd.Enabled {
		return nil
	}
	if len(fwd.Targets) == 0 && fwd.DefaultURL == "" {
		return fmt.Errorf("bridge forwarding needs targets or a default_url")
	}
	for _, t := range fwd.Targets {
		if t.Intersection == "" {
			return fmt.Errorf("bridge forwarding target has no intersection")
		}
		if err := validateURL("bridge target url", t.URL); err != nil {
			return err
		}
	}
	if fwd.DefaultURL != "" {
		if err := validateURL("bridge default_url", fwd.DefaultURL); err != nil {
			return err
		}
	}
	if fwd.MaxRetries < 1 {
		return fmt.Errorf("invalid bridge max_retries: %d (must be > 0)", fwd.MaxRetries)
	}
	return nil
}

// validateWebSocket validates the stream configuration.
func (c *Config) validateWebSocket() error {
	ws := c.WebSocket
	if ws.PingInterval <= 0 || ws.PongTimeout <= 0 {
		return fmt.Errorf("websocket ping_interval and pong_timeout must be > 0")
	}
	if ws.PingInterval >= ws.PongTimeout {
		return fmt.Errorf("websocket ping_interval (%s) must be shorter than pong_timeout (%s)", ws.PingInterval, ws.PongTimeout)
	}
	if ws.SendBuffer < 1 {
		return fmt.Errorf("invalid websocket send_buffer: %d (must be > 0)", ws.SendBuffer)
	}
	return nil
}

// validateSecurity validates the security configuration.
func (c *Config) validateSecurity() error {
	rl := c.Security.RateLimit
	if !rl.Enabled {
		return nil
	}
	if !c.Redis.Enabled {
		return fmt.Errorf("rate limiting requires redis to be enabled")
	}
	if rl.PerClient.RequestsPerSecond < 0 || rl.LightChange.RequestsPerSecond < 0 {
		return fmt.Errorf("rate limit requests_per_second cannot be negative")
	}
	return nil
}

// validateObservability validates the observability configuration.
func (c *Config) validateObservability() error {
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[c.Observability.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s", c.Observability.Logging.Level)
	}

	if c.Observability.Logging.Format != "json" && c.Observability.Logging.Format != "console" {
		return fmt.Errorf("invalid logging format: %s (must be json or console)", c.Observability.Logging.Format)
	}

	if c.Observability.Metrics.Enabled && c.Observability.Metrics.Path == "" {
		return fmt.Errorf("metrics path cannot be empty when metrics are enabled")
	}

	return nil
}

func validateURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid %s: %q", field, raw)
	}
	return nil
}
