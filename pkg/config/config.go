package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const Version = "0.3.0"

// Config holds application configuration
type Config struct {
	// Trigger server
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "console" or "json"

	// Relational sources
	SourceDriver      string `yaml:"source_driver"` // "postgres" or "sqlite"
	GatewayDSN        string `yaml:"gateway_dsn"`
	GatewayReplicaDSN string `yaml:"gateway_replica_dsn"` // optional, falls back to GatewayDSN
	SwitchDSN         string `yaml:"switch_dsn"`

	// Graph store
	GraphType     string `yaml:"graph_type"` // "neo4j" or "memory"
	Neo4jURI      string `yaml:"neo4j_uri"`
	Neo4jUser     string `yaml:"neo4j_user"`
	Neo4jPassword string `yaml:"neo4j_password"`
	GraphDataFile string `yaml:"graph_data_file"` // snapshot for the memory graph

	// Feature cache
	CacheType string `yaml:"cache_type"` // "redis" or "memory"
	CacheSize int    `yaml:"cache_size"`
	RedisHost string `yaml:"redis_host"`
	RedisPort int    `yaml:"redis_port"`
	RedisDB   int    `yaml:"redis_db"`

	// Cursor store
	CursorType  string `yaml:"cursor_type"` // "redis", "sqlite", "jsonfile" or "badger"
	CursorPath  string `yaml:"cursor_path"`
	CursorEpoch string `yaml:"cursor_epoch"`

	// Scheduling
	SyncInterval time.Duration `yaml:"sync_interval"`
	BatchSize    int           `yaml:"batch_size"`
	Streams      []string      `yaml:"streams"`

	// Feedback loop
	RiskThreshold float64 `yaml:"risk_threshold"`
	RiskScale     float64 `yaml:"risk_scale"`

	// Identity derivation
	VPASuffix   string `yaml:"vpa_suffix"`
	PhonePrefix string `yaml:"phone_prefix"`

	// Connections
	ReconnectAttempts   int           `yaml:"reconnect_attempts"`
	ReconnectBackoff    time.Duration `yaml:"reconnect_backoff"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`

	Debug bool `yaml:"debug"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Host:                "0.0.0.0",
		Port:                8000,
		LogLevel:            "info",
		LogFormat:           "console",
		SourceDriver:        "postgres",
		GatewayDSN:          "host=localhost port=5432 dbname=gateway_db user=postgres password=password sslmode=disable",
		SwitchDSN:           "host=localhost port=5432 dbname=switch_db user=postgres password=password sslmode=disable",
		GraphType:           "neo4j",
		Neo4jURI:            "bolt://127.0.0.1:7687",
		Neo4jUser:           "neo4j",
		Neo4jPassword:       "password",
		GraphDataFile:       "graph.json",
		CacheType:           "redis",
		CacheSize:           100000,
		RedisHost:           "localhost",
		RedisPort:           6379,
		RedisDB:             0,
		CursorType:          "redis",
		CursorPath:          "ledgersync-cursors",
		CursorEpoch:         "2023-01-01 00:00:00",
		SyncInterval:        2 * time.Second,
		BatchSize:           1000,
		Streams:             []string{"users", "devices", "transactions"},
		RiskThreshold:       0.50,
		RiskScale:           100,
		VPASuffix:           "@okaxis",
		PhonePrefix:         "+91",
		ReconnectAttempts:   3,
		ReconnectBackoff:    500 * time.Millisecond,
		HealthCheckInterval: 10 * time.Second,
		ConnectTimeout:      3 * time.Second,
	}
}

// LoadFile overlays settings from a YAML file onto cfg
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv(cfg *Config) {
	if val := os.Getenv("HOST"); val != "" {
		cfg.Host = val
	}
	if val := os.Getenv("PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.Port = port
		}
	}
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		cfg.LogLevel = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		cfg.LogFormat = val
	}
	if val := os.Getenv("SOURCE_DRIVER"); val != "" {
		cfg.SourceDriver = val
	}
	if val := os.Getenv("GATEWAY_DSN"); val != "" {
		cfg.GatewayDSN = val
	}
	if val := os.Getenv("GATEWAY_REPLICA_DSN"); val != "" {
		cfg.GatewayReplicaDSN = val
	}
	if val := os.Getenv("SWITCH_DSN"); val != "" {
		cfg.SwitchDSN = val
	}
	if val := os.Getenv("GRAPH_TYPE"); val != "" {
		cfg.GraphType = val
	}
	if val := os.Getenv("NEO4J_URI"); val != "" {
		cfg.Neo4jURI = val
	}
	if val := os.Getenv("NEO4J_USER"); val != "" {
		cfg.Neo4jUser = val
	}
	if val := os.Getenv("NEO4J_PASSWORD"); val != "" {
		cfg.Neo4jPassword = val
	}
	if val := os.Getenv("GRAPH_DATA_FILE"); val != "" {
		cfg.GraphDataFile = val
	}
	if val := os.Getenv("CACHE_TYPE"); val != "" {
		cfg.CacheType = val
	}
	if val := os.Getenv("CACHE_SIZE"); val != "" {
		if size, err := strconv.Atoi(val); err == nil {
			cfg.CacheSize = size
		}
	}
	if val := os.Getenv("REDIS_HOST"); val != "" {
		cfg.RedisHost = val
	}
	if val := os.Getenv("REDIS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.RedisPort = port
		}
	}
	if val := os.Getenv("REDIS_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil {
			cfg.RedisDB = db
		}
	}
	if val := os.Getenv("CURSOR_TYPE"); val != "" {
		cfg.CursorType = val
	}
	if val := os.Getenv("CURSOR_PATH"); val != "" {
		cfg.CursorPath = val
	}
	if val := os.Getenv("CURSOR_EPOCH"); val != "" {
		cfg.CursorEpoch = val
	}
	if val := os.Getenv("SYNC_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.SyncInterval = d
		}
	}
	if val := os.Getenv("BATCH_SIZE"); val != "" {
		if size, err := strconv.Atoi(val); err == nil {
			cfg.BatchSize = size
		}
	}
	if val := os.Getenv("SYNC_STREAMS"); val != "" {
		cfg.Streams = splitList(val)
	}
	if val := os.Getenv("RISK_THRESHOLD"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.RiskThreshold = f
		}
	}
	if val := os.Getenv("RISK_SCALE"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.RiskScale = f
		}
	}
	if val := os.Getenv("VPA_SUFFIX"); val != "" {
		cfg.VPASuffix = val
	}
	if val, ok := os.LookupEnv("PHONE_PREFIX"); ok {
		cfg.PhonePrefix = val
	}
	if val := os.Getenv("RECONNECT_ATTEMPTS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.ReconnectAttempts = n
		}
	}
	if val := os.Getenv("RECONNECT_BACKOFF"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.ReconnectBackoff = d
		}
	}
	if val := os.Getenv("HEALTH_CHECK_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.HealthCheckInterval = d
		}
	}
	if val := os.Getenv("DEBUG"); val != "" {
		cfg.Debug = parseBool(val)
	}
}

// Validate checks the configuration for values the engine cannot run with
func (c *Config) Validate() error {
	switch c.SourceDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("source_driver must be postgres or sqlite, got %q", c.SourceDriver)
	}
	switch c.GraphType {
	case "neo4j", "memory":
	default:
		return fmt.Errorf("graph_type must be neo4j or memory, got %q", c.GraphType)
	}
	switch c.CacheType {
	case "redis", "memory":
	default:
		return fmt.Errorf("cache_type must be redis or memory, got %q", c.CacheType)
	}
	switch c.CursorType {
	case "redis", "sqlite", "jsonfile", "badger":
	default:
		return fmt.Errorf("cursor_type must be redis, sqlite, jsonfile or badger, got %q", c.CursorType)
	}
	if c.GatewayDSN == "" || c.SwitchDSN == "" {
		return fmt.Errorf("gateway_dsn and switch_dsn are required")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync_interval must be positive")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be at least 1")
	}
	if c.RiskThreshold < 0 || c.RiskThreshold > 1 {
		return fmt.Errorf("risk_threshold must be within [0, 1]")
	}
	if c.RiskScale <= 0 {
		return fmt.Errorf("risk_scale must be positive")
	}
	if c.ReconnectAttempts < 1 {
		return fmt.Errorf("reconnect_attempts must be at least 1")
	}
	if _, err := c.Epoch(); err != nil {
		return err
	}
	return nil
}

// Epoch returns the default watermark for streams without a cursor
func (c *Config) Epoch() (time.Time, error) {
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02", time.RFC3339} {
		if t, err := time.ParseInLocation(layout, c.CursorEpoch, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid cursor_epoch: %q", c.CursorEpoch)
}

// RedisAddr returns host:port for the Redis server
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// ReplicaDSN returns the DSN used for heavy reads
func (c *Config) ReplicaDSN() string {
	if c.GatewayReplicaDSN != "" {
		return c.GatewayReplicaDSN
	}
	return c.GatewayDSN
}

func parseBool(val string) bool {
	val = strings.ToLower(val)
	return val == "true" || val == "1" || val == "yes"
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
