package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Sink types
const (
	SinkKafka      = "kafka"
	SinkClickHouse = "clickhouse"
	SinkMemory     = "memory"
)

// Event framings
const (
	FormatLine  = "line"
	FormatChunk = "chunk"
)

// Config holds all configuration for the connector
type Config struct {
	// Ingestion source
	WatchDir      string `yaml:"watch_dir"`
	FileExtension string `yaml:"file_extension"` // empty matches all files
	StateDBPath   string `yaml:"state_db_path"`

	// Event generation
	EventFormat    string `yaml:"event_format"` // "line" or "chunk"
	ChunkSizeBytes int    `yaml:"chunk_size_bytes"`
	RoutingKey     string `yaml:"routing_key"`

	// Sink
	SinkType                  string `yaml:"sink_type"`
	StreamName                string `yaml:"stream_name"`
	TransactionTimeoutMinutes int    `yaml:"transaction_timeout_minutes"`

	KafkaBrokers      []string `yaml:"kafka_brokers"`
	KafkaTLS          bool     `yaml:"kafka_tls"`
	KafkaSASLMech     string   `yaml:"kafka_sasl_mechanism"`
	KafkaSASLUser     string   `yaml:"kafka_sasl_user"`
	KafkaSASLPassword string   `yaml:"kafka_sasl_password"`

	ClickHouseHost  string `yaml:"clickhouse_host"`
	ClickHousePort  int    `yaml:"clickhouse_port"`
	ClickHouseDB    string `yaml:"clickhouse_db"`
	ClickHouseTable string `yaml:"clickhouse_table"`

	// Loop behavior
	DeleteCompletedFiles bool `yaml:"delete_completed_files"`
	ScanIntervalSeconds  int  `yaml:"scan_interval_seconds"`
	WatchEnabled         bool `yaml:"watch_enabled"` // trigger passes on filesystem events

	// Observability
	LogLevel       string `yaml:"log_level"`
	LogFile        string `yaml:"log_file"`
	TracingEnabled bool   `yaml:"tracing_enabled"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPProtocol   string `yaml:"otlp_protocol"`
}

// Load loads configuration from an optional YAML file (CONFIG_FILE) with
// environment variables taking precedence
func Load() (*Config, error) {
	cfg := &Config{
		EventFormat:               FormatLine,
		ChunkSizeBytes:            1024 * 1024,
		SinkType:                  SinkKafka,
		TransactionTimeoutMinutes: 2,
		ClickHousePort:            9000,
		ClickHouseDB:              "events",
		ClickHouseTable:           "raw_events",
		ScanIntervalSeconds:       10,
		LogLevel:                  "info",
		OTLPProtocol:              "grpc",
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.WatchDir = getEnv("WATCH_DIR", cfg.WatchDir)
	cfg.FileExtension = getEnv("FILE_EXTENSION", cfg.FileExtension)
	cfg.StateDBPath = getEnv("STATE_DB_PATH", cfg.StateDBPath)

	cfg.EventFormat = getEnv("EVENT_FORMAT", cfg.EventFormat)
	cfg.ChunkSizeBytes = getEnvInt("CHUNK_SIZE_BYTES", cfg.ChunkSizeBytes)
	cfg.RoutingKey = getEnv("ROUTING_KEY", cfg.RoutingKey)

	cfg.SinkType = getEnv("SINK_TYPE", cfg.SinkType)
	cfg.StreamName = getEnv("STREAM_NAME", cfg.StreamName)
	cfg.TransactionTimeoutMinutes = getEnvInt("TRANSACTION_TIMEOUT_MINUTES", cfg.TransactionTimeoutMinutes)

	if brokers := getEnv("KAFKA_BROKERS", ""); brokers != "" {
		cfg.KafkaBrokers = parseList(brokers)
	}
	cfg.KafkaTLS = getEnvBool("KAFKA_TLS", cfg.KafkaTLS)
	cfg.KafkaSASLMech = getEnv("KAFKA_SASL_MECHANISM", cfg.KafkaSASLMech)
	cfg.KafkaSASLUser = getEnv("KAFKA_SASL_USER", cfg.KafkaSASLUser)
	cfg.KafkaSASLPassword = getEnv("KAFKA_SASL_PASSWORD", cfg.KafkaSASLPassword)

	cfg.ClickHouseHost = getEnv("CLICKHOUSE_HOST", cfg.ClickHouseHost)
	cfg.ClickHousePort = getEnvInt("CLICKHOUSE_PORT", cfg.ClickHousePort)
	cfg.ClickHouseDB = getEnv("CLICKHOUSE_DB", cfg.ClickHouseDB)
	cfg.ClickHouseTable = getEnv("CLICKHOUSE_TABLE", cfg.ClickHouseTable)

	cfg.DeleteCompletedFiles = getEnvBool("DELETE_COMPLETED_FILES", cfg.DeleteCompletedFiles)
	cfg.ScanIntervalSeconds = getEnvInt("SCAN_INTERVAL_SECONDS", cfg.ScanIntervalSeconds)
	cfg.WatchEnabled = getEnvBool("WATCH_ENABLED", cfg.WatchEnabled)

	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFile = getEnv("LOG_FILE", cfg.LogFile)
	cfg.TracingEnabled = getEnvBool("TRACING_ENABLED", cfg.TracingEnabled)
	cfg.OTLPEndpoint = getEnv("OTLP_ENDPOINT", cfg.OTLPEndpoint)
	cfg.OTLPProtocol = getEnv("OTLP_PROTOCOL", cfg.OTLPProtocol)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.WatchDir == "" {
		return fmt.Errorf("WATCH_DIR is required")
	}
	if c.StateDBPath == "" {
		return fmt.Errorf("STATE_DB_PATH is required")
	}
	if c.StreamName == "" {
		return fmt.Errorf("STREAM_NAME is required")
	}
	if c.EventFormat != FormatLine && c.EventFormat != FormatChunk {
		return fmt.Errorf("EVENT_FORMAT must be %q or %q", FormatLine, FormatChunk)
	}
	if c.EventFormat == FormatChunk && c.ChunkSizeBytes < 1 {
		return fmt.Errorf("CHUNK_SIZE_BYTES must be at least 1")
	}
	if c.ScanIntervalSeconds < 1 {
		return fmt.Errorf("SCAN_INTERVAL_SECONDS must be at least 1")
	}

	switch c.SinkType {
	case SinkKafka:
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required for the kafka sink")
		}
	case SinkClickHouse:
		if c.ClickHouseHost == "" {
			return fmt.Errorf("CLICKHOUSE_HOST is required for the clickhouse sink")
		}
		if c.ClickHousePort <= 0 || c.ClickHousePort > 65535 {
			return fmt.Errorf("CLICKHOUSE_PORT must be between 1 and 65535")
		}
	case SinkMemory:
		// dry-run mode, nothing to validate
	default:
		return fmt.Errorf("unknown SINK_TYPE: %q", c.SinkType)
	}

	return nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable or returns a default value
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// parseList parses a comma- or semicolon-separated list
func parseList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';'
	})

	result := make([]string, 0, len(fields))
	for _, f := range fields {
		if trimmed := strings.TrimSpace(f); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
