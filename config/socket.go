package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SocketConfig holds WebSocket server configuration.
type SocketConfig struct {
	Addr              string `json:"addr" yaml:"addr"`
	MaxConnections    int    `json:"max_connections" yaml:"max_connections"`
	HeartbeatInterval int    `json:"heartbeat_interval_seconds" yaml:"heartbeat_interval_seconds"`
	StaleFactor       int    `json:"stale_factor" yaml:"stale_factor"`
	WriteTimeout      int    `json:"write_timeout_seconds" yaml:"write_timeout_seconds"`
	ReadBufferSize    int    `json:"read_buffer_size" yaml:"read_buffer_size"`
	WriteBufferSize   int    `json:"write_buffer_size" yaml:"write_buffer_size"`
	QueueCapacity     int    `json:"queue_capacity" yaml:"queue_capacity"`
	BatchSize         int    `json:"batch_size" yaml:"batch_size"`
	BatchTimeoutMs    int    `json:"batch_timeout_ms" yaml:"batch_timeout_ms"`
	ReportInterval    int    `json:"report_interval_seconds" yaml:"report_interval_seconds"`
	BroadcastMetrics  bool   `json:"broadcast_metrics" yaml:"broadcast_metrics"`
	Compression       bool   `json:"compression" yaml:"compression"`
	ServerVersion     string `json:"server_version" yaml:"server_version"`
	NodeID            int64  `json:"node_id" yaml:"node_id"`
	LogLevel          string `json:"log_level" yaml:"log_level"`
	LogFormat         string `json:"log_format" yaml:"log_format"`

	// Sources names the upstream event sources to start: redis, nats, kafka.
	Sources []string `json:"sources" yaml:"sources"`
}

// KnownSources lists the accepted values for SocketConfig.Sources.
var KnownSources = []string{"redis", "nats", "kafka"}

// DefaultConfig returns the default WebSocket configuration.
func DefaultConfig() *SocketConfig {
	return &SocketConfig{
		Addr:              ":8080",
		MaxConnections:    1000,
		HeartbeatInterval: 30,
		StaleFactor:       3,
		WriteTimeout:      10,
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		QueueCapacity:     10000,
		BatchSize:         10,
		BatchTimeoutMs:    100,
		ReportInterval:    60,
		BroadcastMetrics:  true,
		Compression:       false,
		ServerVersion:     "1.0.0",
		NodeID:            1,
		LogLevel:          "info",
		LogFormat:         "json",
	}
}

// Load builds a configuration from defaults, an optional YAML file and
// SOCKET_* environment variables, in that order.
func Load(path string) (*SocketConfig, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that every limit and interval is usable.
func (c *SocketConfig) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"max_connections", c.MaxConnections},
		{"heartbeat_interval_seconds", c.HeartbeatInterval},
		{"stale_factor", c.StaleFactor},
		{"write_timeout_seconds", c.WriteTimeout},
		{"queue_capacity", c.QueueCapacity},
		{"batch_size", c.BatchSize},
		{"batch_timeout_ms", c.BatchTimeoutMs},
		{"report_interval_seconds", c.ReportInterval},
	}
	for _, p := range positive {
		if p.value < 1 {
			return fmt.Errorf("%s must be at least 1, got %d", p.name, p.value)
		}
	}
	if c.NodeID < 0 || c.NodeID > 1023 {
		return fmt.Errorf("node_id must be between 0 and 1023, got %d", c.NodeID)
	}
	if c.ServerVersion == "" {
		return fmt.Errorf("server_version is required")
	}
	for _, src := range c.Sources {
		if !slices.Contains(KnownSources, src) {
			return fmt.Errorf("unknown source %q, want one of %s", src, strings.Join(KnownSources, ", "))
		}
	}
	return nil
}

// Heartbeat returns the health scan interval.
func (c *SocketConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatInterval) * time.Second
}

// BatchTimeout returns the maximum time a buffered item waits for a flush.
func (c *SocketConfig) BatchTimeout() time.Duration {
	return time.Duration(c.BatchTimeoutMs) * time.Millisecond
}

// WriteDeadline returns the per-write transport timeout.
func (c *SocketConfig) WriteDeadline() time.Duration {
	return time.Duration(c.WriteTimeout) * time.Second
}

// Report returns the performance reporting interval.
func (c *SocketConfig) Report() time.Duration {
	return time.Duration(c.ReportInterval) * time.Second
}

func applyEnvOverrides(cfg *SocketConfig) {
	if v := os.Getenv("SOCKET_ADDR"); v != "" {
		cfg.Addr = v
	}
	envInt("SOCKET_MAX_CONNECTIONS", &cfg.MaxConnections)
	envInt("SOCKET_HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval)
	envInt("SOCKET_STALE_FACTOR", &cfg.StaleFactor)
	envInt("SOCKET_WRITE_TIMEOUT", &cfg.WriteTimeout)
	envInt("SOCKET_QUEUE_CAPACITY", &cfg.QueueCapacity)
	envInt("SOCKET_BATCH_SIZE", &cfg.BatchSize)
	envInt("SOCKET_BATCH_TIMEOUT_MS", &cfg.BatchTimeoutMs)
	envInt("SOCKET_REPORT_INTERVAL", &cfg.ReportInterval)
	envBool("SOCKET_BROADCAST_METRICS", &cfg.BroadcastMetrics)
	envBool("SOCKET_COMPRESSION", &cfg.Compression)
	if v := os.Getenv("SOCKET_SERVER_VERSION"); v != "" {
		cfg.ServerVersion = v
	}
	if v := os.Getenv("SOCKET_NODE_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.NodeID = id
		}
	}
	if v := os.Getenv("SOCKET_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("SOCKET_LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}
	if v, ok := os.LookupEnv("SOCKET_SOURCES"); ok {
		cfg.Sources = nil
		for _, name := range strings.Split(v, ",") {
			if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
				cfg.Sources = append(cfg.Sources, name)
			}
		}
	}
}

// envInt leaves dst untouched when the variable is unset or not a number.
func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
