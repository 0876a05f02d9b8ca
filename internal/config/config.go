// Package config provides configuration management for the gateway.
// Configuration is loaded from a YAML file with ${VAR:-default} environment
// substitution; a small set of gateway-wide settings can additionally be
// overridden through GATEWAY_* environment variables.
package config

import (
	"os"
	"strconv"
	"time"
)

// Default values applied by Normalize when the configuration omits them.
const (
	DefaultPort             = 8000
	DefaultOpsPort          = 9000
	DefaultServiceTimeout   = 15 * time.Second
	DefaultMaxRetries       = 3
	DefaultFailureThreshold = 5
	DefaultOpenDuration     = 60 * time.Second
	DefaultCacheTTL         = 60 * time.Second
	DefaultHealthInterval   = 10 * time.Second
	DefaultHealthTimeout    = 5 * time.Second
	DefaultHealthFailures   = 3
	DefaultShutdownTimeout  = 30 * time.Second
)

// DefaultTracingSamplingRate samples every request when tracing is on.
const DefaultTracingSamplingRate = 1.0

// GatewayConfig is the root configuration for the gateway process.
type GatewayConfig struct {
	Gateway        ServerConfig     `yaml:"gateway" json:"gateway"`
	Log            LogConfig        `yaml:"log" json:"log"`
	Cache          CacheConfig      `yaml:"cache" json:"cache"`
	Pool           PoolConfig       `yaml:"pool" json:"pool"`
	Health         HealthConfig     `yaml:"health" json:"health"`
	CircuitBreaker CircuitConfig    `yaml:"circuitBreaker" json:"circuitBreaker"`
	Retry          RetryConfig      `yaml:"retry" json:"retry"`
	Tracing        TracingConfig    `yaml:"tracing" json:"tracing"`
	RateLimit      *RateLimitConfig `yaml:"rateLimit,omitempty" json:"rateLimit,omitempty"`
	CORS           *CORSConfig      `yaml:"cors,omitempty" json:"cors,omitempty"`
	Services       []Service        `yaml:"services" json:"services"`
}

// ServerConfig holds the listener settings for the gateway itself.
type ServerConfig struct {
	Host            string   `yaml:"host" json:"host"`
	Port            int      `yaml:"port" json:"port"`
	OpsPort         int      `yaml:"opsPort" json:"opsPort"`
	ReadTimeout     Duration `yaml:"readTimeout" json:"readTimeout"`
	WriteTimeout    Duration `yaml:"writeTimeout" json:"writeTimeout"`
	IdleTimeout     Duration `yaml:"idleTimeout" json:"idleTimeout"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout" json:"shutdownTimeout"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// CacheConfig holds response cache settings. The primary store is Redis;
// a bounded in-memory store serves as the fallback tier.
type CacheConfig struct {
	Enabled    bool     `yaml:"enabled" json:"enabled"`
	RedisURL   string   `yaml:"redisUrl" json:"redisUrl"`
	KeyPrefix  string   `yaml:"keyPrefix" json:"keyPrefix"`
	DefaultTTL Duration `yaml:"defaultTtl" json:"defaultTtl"`
	TTLJitter  float64  `yaml:"ttlJitter" json:"ttlJitter"`
	MaxEntries int      `yaml:"maxEntries" json:"maxEntries"`
}

// PoolConfig holds outbound connection pool settings.
type PoolConfig struct {
	MaxIdleConns        int      `yaml:"maxIdleConns" json:"maxIdleConns"`
	MaxIdleConnsPerHost int      `yaml:"maxIdleConnsPerHost" json:"maxIdleConnsPerHost"`
	MaxConnsPerHost     int      `yaml:"maxConnsPerHost" json:"maxConnsPerHost"`
	MaxConns            int      `yaml:"maxConns" json:"maxConns"`
	KeepAliveTimeout    Duration `yaml:"keepAliveTimeout" json:"keepAliveTimeout"`
}

// HealthConfig holds backend health monitoring settings.
type HealthConfig struct {
	Interval         Duration `yaml:"interval" json:"interval"`
	Timeout          Duration `yaml:"timeout" json:"timeout"`
	Path             string   `yaml:"path" json:"path"`
	FailureThreshold int      `yaml:"failureThreshold" json:"failureThreshold"`
}

// CircuitConfig holds gateway-wide circuit breaker defaults. Individual
// services may override both values.
type CircuitConfig struct {
	FailureThreshold int      `yaml:"failureThreshold" json:"failureThreshold"`
	OpenDuration     Duration `yaml:"openDuration" json:"openDuration"`
}

// RetryConfig holds backoff parameters shared by all retried calls.
type RetryConfig struct {
	InitialBackoff Duration `yaml:"initialBackoff" json:"initialBackoff"`
	MaxBackoff     Duration `yaml:"maxBackoff" json:"maxBackoff"`
	JitterFactor   float64  `yaml:"jitterFactor" json:"jitterFactor"`
}

// TracingConfig holds distributed tracing settings. Spans export to an
// OTLP gRPC collector when an endpoint is set.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	ServiceName  string  `yaml:"serviceName" json:"serviceName"`
	OTLPEndpoint string  `yaml:"otlpEndpoint" json:"otlpEndpoint"`
	SamplingRate float64 `yaml:"samplingRate" json:"samplingRate"`
}

// RateLimitConfig holds inbound rate limiting settings.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled" json:"enabled"`
	RequestsPerSecond float64 `yaml:"requestsPerSecond" json:"requestsPerSecond"`
	Burst             int     `yaml:"burst" json:"burst"`
}

// CORSConfig holds CORS settings for inbound requests.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowedOrigins" json:"allowedOrigins"`
	AllowedMethods []string `yaml:"allowedMethods" json:"allowedMethods"`
	AllowedHeaders []string `yaml:"allowedHeaders" json:"allowedHeaders"`
}

// Service describes one routed backend service.
type Service struct {
	Name      string   `yaml:"name" json:"name"`
	BasePath  string   `yaml:"basePath" json:"basePath"`
	Instances []string `yaml:"instances" json:"instances"`
	Enabled   *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	Timeout                 Duration `yaml:"timeout" json:"timeout"`
	MaxRetries              *int     `yaml:"maxRetries,omitempty" json:"maxRetries,omitempty"`
	CircuitFailureThreshold int      `yaml:"circuitFailureThreshold" json:"circuitFailureThreshold"`
	CircuitOpenDuration     Duration `yaml:"circuitOpenDuration" json:"circuitOpenDuration"`

	Cacheable bool     `yaml:"cacheable" json:"cacheable"`
	CacheTTL  Duration `yaml:"cacheTtl" json:"cacheTtl"`
}

// IsEnabled reports whether the service starts enabled. Services are enabled
// unless the configuration says otherwise.
func (s *Service) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// GetMaxRetries returns the effective retry count for the service.
func (s *Service) GetMaxRetries() int {
	if s.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *s.MaxRetries
}

// DefaultConfig returns a GatewayConfig with default values and no services.
func DefaultConfig() *GatewayConfig {
	cfg := &GatewayConfig{}
	cfg.Normalize()
	return cfg
}

// Normalize fills in defaults for any omitted settings. It is idempotent and
// must be called after loading, before validation.
func (c *GatewayConfig) Normalize() {
	if c.Gateway.Host == "" {
		c.Gateway.Host = "0.0.0.0"
	}
	if c.Gateway.Port == 0 {
		c.Gateway.Port = DefaultPort
	}
	if c.Gateway.OpsPort == 0 {
		c.Gateway.OpsPort = DefaultOpsPort
	}
	if c.Gateway.ReadTimeout == 0 {
		c.Gateway.ReadTimeout = Duration(30 * time.Second)
	}
	if c.Gateway.WriteTimeout == 0 {
		c.Gateway.WriteTimeout = Duration(30 * time.Second)
	}
	if c.Gateway.IdleTimeout == 0 {
		c.Gateway.IdleTimeout = Duration(120 * time.Second)
	}
	if c.Gateway.ShutdownTimeout == 0 {
		c.Gateway.ShutdownTimeout = Duration(DefaultShutdownTimeout)
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}

	if c.Cache.DefaultTTL == 0 {
		c.Cache.DefaultTTL = Duration(DefaultCacheTTL)
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 10000
	}
	if c.Cache.KeyPrefix == "" {
		c.Cache.KeyPrefix = "gw:"
	}

	if c.Pool.MaxIdleConns == 0 {
		c.Pool.MaxIdleConns = 100
	}
	if c.Pool.MaxIdleConnsPerHost == 0 {
		c.Pool.MaxIdleConnsPerHost = 10
	}
	if c.Pool.MaxConnsPerHost == 0 {
		c.Pool.MaxConnsPerHost = 50
	}
	if c.Pool.MaxConns == 0 {
		c.Pool.MaxConns = 500
	}
	if c.Pool.KeepAliveTimeout == 0 {
		c.Pool.KeepAliveTimeout = Duration(90 * time.Second)
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "gateway"
	}
	if c.Tracing.SamplingRate == 0 {
		c.Tracing.SamplingRate = DefaultTracingSamplingRate
	}

	if c.Health.Interval == 0 {
		c.Health.Interval = Duration(DefaultHealthInterval)
	}
	if c.Health.Timeout == 0 {
		c.Health.Timeout = Duration(DefaultHealthTimeout)
	}
	if c.Health.Path == "" {
		c.Health.Path = "/health"
	}
	if c.Health.FailureThreshold == 0 {
		c.Health.FailureThreshold = DefaultHealthFailures
	}

	if c.CircuitBreaker.FailureThreshold == 0 {
		c.CircuitBreaker.FailureThreshold = DefaultFailureThreshold
	}
	if c.CircuitBreaker.OpenDuration == 0 {
		c.CircuitBreaker.OpenDuration = Duration(DefaultOpenDuration)
	}

	if c.Retry.InitialBackoff == 0 {
		c.Retry.InitialBackoff = Duration(100 * time.Millisecond)
	}
	if c.Retry.MaxBackoff == 0 {
		c.Retry.MaxBackoff = Duration(5 * time.Second)
	}
	if c.Retry.JitterFactor == 0 {
		c.Retry.JitterFactor = 0.25
	}

	for i := range c.Services {
		svc := &c.Services[i]
		if svc.Timeout == 0 {
			svc.Timeout = Duration(DefaultServiceTimeout)
		}
		if svc.CircuitFailureThreshold == 0 {
			svc.CircuitFailureThreshold = c.CircuitBreaker.FailureThreshold
		}
		if svc.CircuitOpenDuration == 0 {
			svc.CircuitOpenDuration = c.CircuitBreaker.OpenDuration
		}
		if svc.Cacheable && svc.CacheTTL == 0 {
			svc.CacheTTL = c.Cache.DefaultTTL
		}
	}
}

// ApplyEnv overrides gateway-wide settings from GATEWAY_* environment
// variables. Per-service settings are file-only.
func (c *GatewayConfig) ApplyEnv() {
	if v := os.Getenv("GATEWAY_HOST"); v != "" {
		c.Gateway.Host = v
	}
	if v := os.Getenv("GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Gateway.Port = port
		}
	}
	if v := os.Getenv("GATEWAY_OPS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Gateway.OpsPort = port
		}
	}
	if v := os.Getenv("GATEWAY_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("GATEWAY_REDIS_URL"); v != "" {
		c.Cache.RedisURL = v
	}
	if v := os.Getenv("GATEWAY_CACHE_TTL"); v != "" {
		if ttl, err := time.ParseDuration(v); err == nil {
			c.Cache.DefaultTTL = Duration(ttl)
		}
	}
	if v := os.Getenv("GATEWAY_HEALTH_INTERVAL"); v != "" {
		if interval, err := time.ParseDuration(v); err == nil {
			c.Health.Interval = Duration(interval)
		}
	}
}
