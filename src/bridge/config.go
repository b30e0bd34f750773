package bridge

import (
	"os"
	"strconv"
	"strings"
)

// RedisConfig holds connection settings for the Redis event source.
type RedisConfig struct {
	Addr     string // Redis address, default "localhost:6379"
	Password string // Redis password, default ""
	DB       int    // Redis database number, default 0
	Prefix   string // Channel prefix, default "socket:"
}

// Channel is the pub/sub channel events are read from.
func (c *RedisConfig) Channel() string {
	return c.Prefix + "events"
}

// DefaultRedisConfig returns a RedisConfig with sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:   "localhost:6379",
		Prefix: "socket:",
	}
}

// RedisConfigFromEnv loads Redis configuration from environment variables.
// Falls back to defaults for any missing values.
func RedisConfigFromEnv() *RedisConfig {
	cfg := DefaultRedisConfig()

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Password = pw
	}
	if dbStr := os.Getenv("REDIS_DB"); dbStr != "" {
		if db, err := strconv.Atoi(dbStr); err == nil {
			cfg.DB = db
		}
	}
	if prefix := os.Getenv("REDIS_WS_PREFIX"); prefix != "" {
		cfg.Prefix = prefix
	}
	return cfg
}

// NATSConfig holds connection settings for the NATS event source.
type NATSConfig struct {
	URL     string // server URL, default "nats://127.0.0.1:4222"
	Subject string // subject to subscribe, default "socket.events"
	Queue   string // optional queue group, empty for a plain subscription
}

// DefaultNATSConfig returns a NATSConfig with sensible defaults.
func DefaultNATSConfig() *NATSConfig {
	return &NATSConfig{
		URL:     "nats://127.0.0.1:4222",
		Subject: "socket.events",
	}
}

// NATSConfigFromEnv loads NATS configuration from environment variables.
func NATSConfigFromEnv() *NATSConfig {
	cfg := DefaultNATSConfig()

	if url := os.Getenv("NATS_URL"); url != "" {
		cfg.URL = url
	}
	if subject := os.Getenv("NATS_SUBJECT"); subject != "" {
		cfg.Subject = subject
	}
	if queue := os.Getenv("NATS_QUEUE"); queue != "" {
		cfg.Queue = queue
	}
	return cfg
}

// KafkaConfig holds consumer group settings for the Kafka event source.
type KafkaConfig struct {
	Brokers []string // broker addresses, default ["localhost:9092"]
	GroupID string   // consumer group, default "socket"
	Topics  []string // topics to consume, default ["socket-events"]
	Oldest  bool     // start from the oldest offset when the group has none
}

// DefaultKafkaConfig returns a KafkaConfig with sensible defaults.
func DefaultKafkaConfig() *KafkaConfig {
	return &KafkaConfig{
		Brokers: []string{"localhost:9092"},
		GroupID: "socket",
		Topics:  []string{"socket-events"},
	}
}

// KafkaConfigFromEnv loads Kafka configuration from environment variables.
// List values are comma separated.
func KafkaConfigFromEnv() *KafkaConfig {
	cfg := DefaultKafkaConfig()

	if brokers := splitList(os.Getenv("KAFKA_BROKERS")); len(brokers) > 0 {
		cfg.Brokers = brokers
	}
	if group := os.Getenv("KAFKA_GROUP"); group != "" {
		cfg.GroupID = group
	}
	if topics := splitList(os.Getenv("KAFKA_TOPICS")); len(topics) > 0 {
		cfg.Topics = topics
	}
	if oldest, err := strconv.ParseBool(os.Getenv("KAFKA_OLDEST")); err == nil {
		cfg.Oldest = oldest
	}
	return cfg
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
