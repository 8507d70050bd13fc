package config

import (
	"fmt"
	"os"
	"time"

	"classmesh/pkg/validation"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		PingInterval    time.Duration `yaml:"ping_interval"`
	} `yaml:"server"`

	Signaling struct {
		Backend        string `yaml:"backend"` // memory | redis
		RootCollection string `yaml:"root_collection"`
		Redis          struct {
			Address  string `yaml:"address"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			PoolSize int    `yaml:"pool_size"`
			Prefix   string `yaml:"prefix"`
			// FallbackToMemory serves an in-process store when Redis is
			// unreachable at startup.
			FallbackToMemory bool `yaml:"fallback_to_memory"`
		} `yaml:"redis"`
		WritesPerSecond float64 `yaml:"writes_per_second"`
		WriteBurst      int     `yaml:"write_burst"`
	} `yaml:"signaling"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		Bandwidth struct {
			VideoMaxKbps int      `yaml:"video_max_kbps"`
			AudioKbps    int      `yaml:"audio_kbps"`
			VideoCodecs  []string `yaml:"video_codecs"`
			AudioCodecs  []string `yaml:"audio_codecs"`
		} `yaml:"bandwidth"`
	} `yaml:"webrtc"`

	Session struct {
		ConnectTimeout        time.Duration `yaml:"connect_timeout"`
		ReconnectWindow       time.Duration `yaml:"reconnect_window"`
		RestartAttempts       int           `yaml:"restart_attempts"`
		ICERetryAttempts      int           `yaml:"ice_retry_attempts"`
		ICERetryDelay         time.Duration `yaml:"ice_retry_delay"`
		QualitySampleInterval time.Duration `yaml:"quality_sample_interval"`
	} `yaml:"session"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`
		HTTP    struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`
	} `yaml:"rate_limiting"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}
	if c.Server.PingInterval <= 0 {
		return fmt.Errorf("server.ping_interval must be > 0")
	}

	// Signaling
	switch c.Signaling.Backend {
	case "memory":
	case "redis":
		if c.Signaling.Redis.Address == "" {
			return fmt.Errorf("signaling.redis.address must not be empty when signaling.backend=redis")
		}
		if c.Signaling.Redis.PoolSize <= 0 {
			return fmt.Errorf("signaling.redis.pool_size must be > 0 when signaling.backend=redis")
		}
	default:
		return fmt.Errorf("signaling.backend must be memory or redis, got %q", c.Signaling.Backend)
	}
	if err := validation.ValidateCollectionName(c.Signaling.RootCollection); err != nil {
		return fmt.Errorf("signaling.root_collection: %w", err)
	}
	if c.Signaling.WritesPerSecond < 0 {
		return fmt.Errorf("signaling.writes_per_second must be >= 0")
	}
	if c.Signaling.WritesPerSecond > 0 && c.Signaling.WriteBurst <= 0 {
		return fmt.Errorf("signaling.write_burst must be > 0 when writes_per_second is set")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}
	if c.WebRTC.Bandwidth.VideoMaxKbps < 0 || c.WebRTC.Bandwidth.AudioKbps < 0 {
		return fmt.Errorf("webrtc.bandwidth values must be >= 0")
	}

	// Session
	if c.Session.ConnectTimeout <= 0 {
		return fmt.Errorf("session.connect_timeout must be > 0")
	}
	if c.Session.ReconnectWindow <= 0 {
		return fmt.Errorf("session.reconnect_window must be > 0")
	}
	if c.Session.RestartAttempts < 0 {
		return fmt.Errorf("session.restart_attempts must be >= 0")
	}
	if c.Session.ICERetryAttempts < 0 {
		return fmt.Errorf("session.ice_retry_attempts must be >= 0")
	}
	if c.Session.ICERetryDelay <= 0 {
		return fmt.Errorf("session.ice_retry_delay must be > 0")
	}
	if c.Session.QualitySampleInterval <= 0 {
		return fmt.Errorf("session.quality_sample_interval must be > 0")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
	}
	if c.RateLimiting.HTTP.MaxConcurrent < 0 {
		return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second
	cfg.Server.PingInterval = 30 * time.Second

	cfg.Signaling.Backend = "memory"
	cfg.Signaling.RootCollection = "classrooms"
	cfg.Signaling.Redis.Address = "localhost:6379"
	cfg.Signaling.Redis.PoolSize = 10
	cfg.Signaling.Redis.Prefix = "classmesh:"
	cfg.Signaling.WritesPerSecond = 50
	cfg.Signaling.WriteBurst = 100

	cfg.WebRTC.ICEServers = []ICEServer{
		{URLs: []string{"stun:stun1.l.google.com:19302", "stun:stun2.l.google.com:19302"}},
	}
	cfg.WebRTC.Bandwidth.VideoMaxKbps = 3500
	cfg.WebRTC.Bandwidth.AudioKbps = 128
	cfg.WebRTC.Bandwidth.VideoCodecs = []string{"VP9", "H264", "VP8"}
	cfg.WebRTC.Bandwidth.AudioCodecs = []string{"opus", "G722", "PCMU", "PCMA"}

	cfg.Session.ConnectTimeout = 15 * time.Second
	cfg.Session.ReconnectWindow = 30 * time.Second
	cfg.Session.RestartAttempts = 1
	cfg.Session.ICERetryAttempts = 1
	cfg.Session.ICERetryDelay = time.Second
	cfg.Session.QualitySampleInterval = 5 * time.Second

	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 20
	cfg.RateLimiting.HTTP.Burst = 40
	cfg.RateLimiting.HTTP.MaxConcurrent = 100

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("CLASSMESH_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if backend := os.Getenv("CLASSMESH_SIGNALING_BACKEND"); backend != "" {
		c.Signaling.Backend = backend
	}
	if addr := os.Getenv("CLASSMESH_REDIS_ADDRESS"); addr != "" {
		c.Signaling.Redis.Address = addr
	}
	if password := os.Getenv("CLASSMESH_REDIS_PASSWORD"); password != "" {
		c.Signaling.Redis.Password = password
	}
	if level := os.Getenv("CLASSMESH_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}
