package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds configuration for all services
type Config struct {
	// Service name
	ServiceName string

	// gRPC server port (health service)
	GRPCPort int

	// HTTP server port (healthz)
	HTTPPort int

	// Log level: debug, info, warn, error
	LogLevel string

	// Kafka brokers (comma-separated)
	KafkaBrokers string

	// Consumer group id used for committed offsets
	GroupID string

	// Stable transactional id; reused across restarts so the broker
	// coordinator can fence stale instances and roll back their
	// incomplete transactions
	TransactionalID string

	// Topic holding orders to validate
	InputTopic string

	// Topic receiving validation verdicts
	OutputTopic string

	// Bounded wait for each poll
	PollTimeout time.Duration
}

// LoadConfig loads configuration from environment variables with defaults
func LoadConfig(serviceName string) *Config {
	cfg := &Config{
		ServiceName:     serviceName,
		GRPCPort:        getEnvAsInt("PORT_GRPC", 50051),
		HTTPPort:        getEnvAsInt("PORT_HTTP", 8080),
		LogLevel:        getEnvAsString("LOG_LEVEL", "info"),
		KafkaBrokers:    getEnvAsString("KAFKA_BROKERS", "127.0.0.1:9092"),
		GroupID:         getEnvAsString("CONSUMER_GROUP_ID", "order-details-service"),
		TransactionalID: getEnvAsString("TRANSACTIONAL_ID", "order-details-service-1"),
		InputTopic:      getEnvAsString("INPUT_TOPIC", "orders"),
		OutputTopic:     getEnvAsString("OUTPUT_TOPIC", "order-validations"),
		PollTimeout:     time.Duration(getEnvAsInt("POLL_TIMEOUT_MS", 100)) * time.Millisecond,
	}

	return cfg
}

// GRPCAddr returns the gRPC server address
func (c *Config) GRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}

// HTTPAddr returns the HTTP server address
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// BrokerList returns the Kafka brokers as a trimmed slice
func (c *Config) BrokerList() []string {
	parts := strings.Split(c.KafkaBrokers, ",")
	brokers := make([]string, 0, len(parts))
	for _, p := range parts {
		if b := strings.TrimSpace(p); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

func getEnvAsString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
