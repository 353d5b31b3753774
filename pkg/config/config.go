package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		Path             string        `yaml:"path"`
		HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
		PingInterval     time.Duration `yaml:"ping_interval"`
		PongTimeout      time.Duration `yaml:"pong_timeout"`
		WriteTimeout     time.Duration `yaml:"write_timeout"`
		SendQueueSize    int           `yaml:"send_queue_size"`
		HubQueueSize     int           `yaml:"hub_queue_size"`
		AllowedOrigins   []string      `yaml:"allowed_origins"`
	} `yaml:"signal"`

	Calls struct {
		MinRecordDuration  time.Duration `yaml:"min_record_duration"`
		EndedRetention     time.Duration `yaml:"ended_retention"`
		SweepInterval      time.Duration `yaml:"sweep_interval"`
		RecordWriteTimeout time.Duration `yaml:"record_write_timeout"`
	} `yaml:"calls"`

	Directory struct {
		LookupTimeout time.Duration `yaml:"lookup_timeout"`
	} `yaml:"directory"`

	Monitoring struct {
		PrometheusEnabled bool          `yaml:"prometheus_enabled"`
		MetricsInterval   time.Duration `yaml:"metrics_interval"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled   bool   `yaml:"enabled"`
		Address   string `yaml:"address"`
		Password  string `yaml:"password"`
		DB        int    `yaml:"db"`
		PoolSize  int    `yaml:"pool_size"`
		KeyPrefix string `yaml:"key_prefix"`
	} `yaml:"redis"`

	Cluster struct {
		Enabled bool   `yaml:"enabled"`
		Channel string `yaml:"channel"`
	} `yaml:"cluster"`

	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
		Issuer    string `yaml:"issuer"`
		// ServiceTokenTTL bounds tokens minted for internal API callers.
		ServiceTokenTTL time.Duration `yaml:"service_token_ttl"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxConcurrent       int     `yaml:"max_concurrent_connections"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Reliability struct {
		Retry struct {
			MaxAttempts  int           `yaml:"max_attempts"`
			InitialDelay time.Duration `yaml:"initial_delay"`
			MaxDelay     time.Duration `yaml:"max_delay"`
			Multiplier   float64       `yaml:"multiplier"`
		} `yaml:"retry"`

		CircuitBreaker struct {
			FailureThreshold    int           `yaml:"failure_threshold"`
			SuccessThreshold    int           `yaml:"success_threshold"`
			Timeout             time.Duration `yaml:"timeout"`
			MaxRequestsHalfOpen int           `yaml:"max_requests_half_open"`
		} `yaml:"circuit_breaker"`
	} `yaml:"reliability"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 || c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server timeouts must be > 0")
	}

	if c.Signal.Path == "" {
		return fmt.Errorf("signal.path must not be empty")
	}
	if c.Signal.HandshakeTimeout <= 0 {
		return fmt.Errorf("signal.handshake_timeout must be > 0")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be greater than signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.SendQueueSize <= 0 {
		return fmt.Errorf("signal.send_queue_size must be > 0")
	}
	if c.Signal.HubQueueSize <= 0 {
		return fmt.Errorf("signal.hub_queue_size must be > 0")
	}

	if c.Calls.MinRecordDuration < 0 {
		return fmt.Errorf("calls.min_record_duration must be >= 0")
	}
	if c.Calls.EndedRetention <= 0 {
		return fmt.Errorf("calls.ended_retention must be > 0")
	}
	if c.Calls.SweepInterval <= 0 {
		return fmt.Errorf("calls.sweep_interval must be > 0")
	}
	if c.Calls.RecordWriteTimeout <= 0 {
		return fmt.Errorf("calls.record_write_timeout must be > 0")
	}

	if c.Directory.LookupTimeout <= 0 {
		return fmt.Errorf("directory.lookup_timeout must be > 0")
	}

	if c.Monitoring.MetricsInterval <= 0 {
		return fmt.Errorf("monitoring.metrics_interval must be > 0")
	}

	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}
	if c.Cluster.Enabled {
		if !c.Redis.Enabled {
			return fmt.Errorf("cluster.enabled requires redis.enabled=true")
		}
		if c.Cluster.Channel == "" {
			return fmt.Errorf("cluster.channel must not be empty when cluster.enabled=true")
		}
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.ServiceTokenTTL <= 0 {
		return fmt.Errorf("auth.service_token_ttl must be > 0")
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
	}
	if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
		return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0")
	}

	if c.Reliability.Retry.MaxAttempts < 0 {
		return fmt.Errorf("reliability.retry.max_attempts must be >= 0")
	}
	if c.Reliability.Retry.Multiplier < 1 {
		return fmt.Errorf("reliability.retry.multiplier must be >= 1")
	}
	if c.Reliability.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("reliability.circuit_breaker.failure_threshold must be > 0")
	}
	if c.Reliability.CircuitBreaker.Timeout <= 0 {
		return fmt.Errorf("reliability.circuit_breaker.timeout must be > 0")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
// A missing file yields the defaults.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.Path = "/ws"
	cfg.Signal.HandshakeTimeout = 10 * time.Second
	cfg.Signal.PingInterval = 25 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.SendQueueSize = 256
	cfg.Signal.HubQueueSize = 1024
	cfg.Signal.AllowedOrigins = []string{"*"}

	cfg.Calls.MinRecordDuration = 2 * time.Second
	cfg.Calls.EndedRetention = 10 * time.Minute
	cfg.Calls.SweepInterval = time.Minute
	cfg.Calls.RecordWriteTimeout = 30 * time.Second

	cfg.Directory.LookupTimeout = 3 * time.Second

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsInterval = 15 * time.Second

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "chatrelay"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.KeyPrefix = "chatrelay:"

	cfg.Cluster.Enabled = false
	cfg.Cluster.Channel = "chatrelay:events"

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.Issuer = "chatrelay"
	cfg.Auth.ServiceTokenTTL = time.Hour

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 30
	cfg.RateLimiting.WebSocket.Burst = 60
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	cfg.Reliability.Retry.MaxAttempts = 5
	cfg.Reliability.Retry.InitialDelay = 200 * time.Millisecond
	cfg.Reliability.Retry.MaxDelay = 10 * time.Second
	cfg.Reliability.Retry.Multiplier = 2.0
	cfg.Reliability.CircuitBreaker.FailureThreshold = 5
	cfg.Reliability.CircuitBreaker.SuccessThreshold = 2
	cfg.Reliability.CircuitBreaker.Timeout = 30 * time.Second
	cfg.Reliability.CircuitBreaker.MaxRequestsHalfOpen = 3

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CHATRELAY_SERVER_ADDRESS"); v != "" {
		c.Server.Address = v
	}
	if v := os.Getenv("CHATRELAY_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CHATRELAY_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("CHATRELAY_REDIS_ADDRESS"); v != "" {
		c.Redis.Address = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("CHATRELAY_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("CHATRELAY_CLUSTER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Cluster.Enabled = b
		}
	}
	if v := os.Getenv("CHATRELAY_JAEGER_URL"); v != "" {
		c.Tracing.JaegerURL = v
		c.Tracing.Enabled = true
	}
}
