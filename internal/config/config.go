package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Transport kinds.
const (
	TransportMemory = "memory"
	TransportGRPC   = "grpc"
	TransportZMQ    = "zmq"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// Config holds the process configuration of brokers, agents and tools.
type Config struct {
	Service       ServiceConfig       `yaml:"service" toml:"service"`
	Transport     TransportConfig     `yaml:"transport" toml:"transport"`
	Broker        BrokerConfig        `yaml:"broker" toml:"broker"`
	Store         StoreConfig         `yaml:"store" toml:"store"`
	Logging       LoggingConfig       `yaml:"logging" toml:"logging"`
	Observability ObservabilityConfig `yaml:"observability" toml:"observability"`
}

// ServiceConfig describes the agent identity and protocol timing.
type ServiceConfig struct {
	// ID overrides VUMOS_ID and the hostname.
	ID             string `yaml:"id" toml:"id"`
	Name           string `yaml:"name" toml:"name"`
	Description    string `yaml:"description" toml:"description"`
	IgnoreServices bool   `yaml:"ignore_services" toml:"ignore_services"`

	StatusExpiry time.Duration `yaml:"-" toml:"-"`
	PoolInterval time.Duration `yaml:"-" toml:"-"`

	// Raw string values for file unmarshaling
	StatusExpiryRaw string `yaml:"status_expiry" toml:"status_expiry"`
	PoolIntervalRaw string `yaml:"pool_interval" toml:"pool_interval"`
}

// TransportConfig selects and addresses the pub/sub adapter.
type TransportConfig struct {
	Kind     string `yaml:"kind" toml:"kind"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	// ZMQ publishers connect to the proxy frontend, subscribers to the backend.
	ZMQPublishAddr   string `yaml:"zmq_publish_addr" toml:"zmq_publish_addr"`
	ZMQSubscribeAddr string `yaml:"zmq_subscribe_addr" toml:"zmq_subscribe_addr"`
}

// BrokerConfig configures cmd/vumos-broker.
type BrokerConfig struct {
	ListenAddr  string `yaml:"listen_addr" toml:"listen_addr"`
	ZMQFrontend string `yaml:"zmq_frontend" toml:"zmq_frontend"`
	ZMQBackend  string `yaml:"zmq_backend" toml:"zmq_backend"`
	DedupeSize  int    `yaml:"dedupe_size" toml:"dedupe_size"`

	DedupeTTL    time.Duration `yaml:"-" toml:"-"`
	DedupeTTLRaw string        `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// StoreConfig selects the configuration backend of an agent.
type StoreConfig struct {
	Backend  string `yaml:"backend" toml:"backend"`
	Path     string `yaml:"path" toml:"path"`
	RedisURL string `yaml:"redis_url" toml:"redis_url"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

type ObservabilityConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" toml:"otlp_endpoint"`
	HealthAddr   string `yaml:"health_addr" toml:"health_addr"`
	Environment  string `yaml:"environment" toml:"environment"`
	Version      string `yaml:"version" toml:"version"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:            "vumos-service",
			IgnoreServices:  true,
			StatusExpiryRaw: "60s",
			PoolIntervalRaw: "1h",
		},
		Transport: TransportConfig{
			Kind:             TransportGRPC,
			GRPCAddr:         "localhost:50051",
			ZMQPublishAddr:   "tcp://localhost:5559",
			ZMQSubscribeAddr: "tcp://localhost:5560",
		},
		Broker: BrokerConfig{
			ListenAddr:   ":50051",
			ZMQFrontend:  "tcp://*:5559",
			ZMQBackend:   "tcp://*:5560",
			DedupeSize:   10000,
			DedupeTTLRaw: "5m",
		},
		Store: StoreConfig{
			Backend: StoreSQLite,
			Path:    filepath.Join("data", "vumos.db"),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Observability: ObservabilityConfig{
			HealthAddr:  ":8080",
			Environment: "development",
			Version:     "1.0.0",
		},
	}
}

// Load builds the configuration from defaults, an optional .env file in the
// working directory, the file at path (YAML or TOML by extension, skipped when
// path is empty) and finally environment variables.
func Load(path string) (*Config, error) {
	if err := LoadEnvFile(".env"); err != nil {
		return nil, err
	}

	cfg := Default()

	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadEnvFile exports the variables of a dotenv file without overriding
// variables already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return fmt.Errorf("parsing config file: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return fmt.Errorf("parsing config file: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file extension %q", filepath.Ext(path))
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with the value of VAR, or nothing when unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func applyEnv(cfg *Config) {
	cfg.Service.ID = getEnv("VUMOS_ID", cfg.Service.ID)
	cfg.Service.Name = getEnv("VUMOS_NAME", cfg.Service.Name)
	cfg.Service.Description = getEnv("VUMOS_DESCRIPTION", cfg.Service.Description)
	cfg.Service.IgnoreServices = getEnvAsBool("VUMOS_IGNORE_SERVICES", cfg.Service.IgnoreServices)
	cfg.Service.StatusExpiryRaw = getEnv("VUMOS_STATUS_EXPIRY", cfg.Service.StatusExpiryRaw)
	cfg.Service.PoolIntervalRaw = getEnv("VUMOS_POOL_INTERVAL", cfg.Service.PoolIntervalRaw)

	cfg.Transport.Kind = getEnv("VUMOS_TRANSPORT", cfg.Transport.Kind)
	cfg.Transport.GRPCAddr = getEnv("VUMOS_BROKER_ADDR", cfg.Transport.GRPCAddr)
	cfg.Transport.ZMQPublishAddr = getEnv("VUMOS_ZMQ_PUBLISH_ADDR", cfg.Transport.ZMQPublishAddr)
	cfg.Transport.ZMQSubscribeAddr = getEnv("VUMOS_ZMQ_SUBSCRIBE_ADDR", cfg.Transport.ZMQSubscribeAddr)

	cfg.Broker.ListenAddr = getEnv("VUMOS_BROKER_LISTEN", cfg.Broker.ListenAddr)
	cfg.Broker.DedupeSize = getEnvAsInt("VUMOS_DEDUPE_SIZE", cfg.Broker.DedupeSize)
	cfg.Broker.DedupeTTLRaw = getEnv("VUMOS_DEDUPE_TTL", cfg.Broker.DedupeTTLRaw)

	cfg.Store.Backend = getEnv("VUMOS_STORE", cfg.Store.Backend)
	cfg.Store.Path = getEnv("VUMOS_STORE_PATH", cfg.Store.Path)
	cfg.Store.RedisURL = getEnv("REDIS_URL", cfg.Store.RedisURL)

	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("LOG_FORMAT", cfg.Logging.Format)

	cfg.Observability.OTLPEndpoint = getEnv("OTLP_ENDPOINT", cfg.Observability.OTLPEndpoint)
	cfg.Observability.HealthAddr = getEnv("HEALTH_ADDR", cfg.Observability.HealthAddr)
	cfg.Observability.Environment = getEnv("ENVIRONMENT", cfg.Observability.Environment)
}

// parseDurations converts the raw duration strings into time.Duration values.
// Bare numbers are read as seconds.
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Service.StatusExpiry, err = parseDuration(cfg.Service.StatusExpiryRaw); err != nil {
		return fmt.Errorf("parsing status_expiry %q: %w", cfg.Service.StatusExpiryRaw, err)
	}
	if cfg.Service.PoolInterval, err = parseDuration(cfg.Service.PoolIntervalRaw); err != nil {
		return fmt.Errorf("parsing pool_interval %q: %w", cfg.Service.PoolIntervalRaw, err)
	}
	if cfg.Broker.DedupeTTL, err = parseDuration(cfg.Broker.DedupeTTLRaw); err != nil {
		return fmt.Errorf("parsing dedupe_ttl %q: %w", cfg.Broker.DedupeTTLRaw, err)
	}
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}

// Validate returns the first problem found.
func (c *Config) Validate() error {
	if c.Service.StatusExpiry <= 0 {
		return fmt.Errorf("service.status_expiry must be positive")
	}
	if c.Service.PoolInterval <= 0 {
		return fmt.Errorf("service.pool_interval must be positive")
	}

	switch c.Transport.Kind {
	case TransportMemory:
	case TransportGRPC:
		if c.Transport.GRPCAddr == "" {
			return fmt.Errorf("transport.grpc_addr is required for the grpc transport")
		}
	case TransportZMQ:
		if c.Transport.ZMQPublishAddr == "" || c.Transport.ZMQSubscribeAddr == "" {
			return fmt.Errorf("transport.zmq_publish_addr and transport.zmq_subscribe_addr are required for the zmq transport")
		}
	default:
		return fmt.Errorf("unknown transport.kind %q", c.Transport.Kind)
	}

	switch c.Store.Backend {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite backend")
		}
	case StoreRedis:
		if c.Store.RedisURL == "" {
			return fmt.Errorf("store.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}

	if c.Broker.DedupeSize <= 0 {
		return fmt.Errorf("broker.dedupe_size must be positive")
	}
	if c.Broker.DedupeTTL <= 0 {
		return fmt.Errorf("broker.dedupe_ttl must be positive")
	}

	return nil
}

// getEnv gets an environment variable with a default fallback
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as integer with a default fallback
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsBool gets an environment variable as boolean with a default fallback
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
