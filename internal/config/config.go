package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/neurogrid/lifecycle/pkg/money"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverBadger   = "badger"
	DriverPostgres = "postgres"
)

type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Store     StoreConfig     `yaml:"store"`
	Redis     RedisConfig     `yaml:"redis"`
	Etcd      EtcdConfig      `yaml:"etcd"`
	NATS      NATSConfig      `yaml:"nats"`
	Influx    InfluxConfig    `yaml:"influx"`
	Auth      AuthConfig      `yaml:"auth"`
	Deploy    DeployConfig    `yaml:"deploy"`
	Genesis   GenesisConfig   `yaml:"genesis"`
	Reaper    ReaperConfig    `yaml:"reaper"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type ServiceConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type StoreConfig struct {
	Driver       string `yaml:"driver"`
	Path         string `yaml:"path"`
	DatabaseURL  string `yaml:"database_url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// RedisConfig enables the read-through node cache when URL is set.
type RedisConfig struct {
	URL string        `yaml:"url"`
	TTL time.Duration `yaml:"ttl"`
}

// EtcdConfig enables the cross-replica node lock when Endpoints is non-empty.
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	LockPrefix  string        `yaml:"lock_prefix"`
	SessionTTL  int           `yaml:"session_ttl"`
}

type NATSConfig struct {
	URL           string        `yaml:"url"`
	Name          string        `yaml:"name"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	MaxReconnects int           `yaml:"max_reconnects"`
}

type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

type DeployConfig struct {
	// GatewayTemplate has {nodeId} replaced by the node id without dashes.
	GatewayTemplate    string `yaml:"gateway_template"`
	Port               int    `yaml:"port"`
	DefaultHourlyPrice string `yaml:"default_hourly_price"`
}

type GenesisConfig struct {
	AdminWallet string `yaml:"admin_wallet"`
	NodeID      string `yaml:"node_id"`
}

type ReaperConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// Default returns a configuration that runs fully in memory.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{Name: "neurogrid-lifecycle", Version: "dev"},
		Server: ServerConfig{
			Port:            "8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Store:   StoreConfig{Driver: DriverMemory, Path: "data/nodes", MaxOpenConns: 25},
		Redis:   RedisConfig{TTL: 30 * time.Second},
		Etcd: EtcdConfig{
			DialTimeout: 5 * time.Second,
			LockPrefix:  "/neurogrid/locks/",
			SessionTTL:  10,
		},
		NATS: NATSConfig{
			Name:          "lifecycle-service",
			ReconnectWait: time.Second,
			MaxReconnects: 5,
		},
		Influx: InfluxConfig{Org: "neurogrid", Bucket: "earnings"},
		Auth:   AuthConfig{TokenTTL: 24 * time.Hour},
		Deploy: DeployConfig{
			GatewayTemplate:    "{nodeId}.ngrid.xyz",
			Port:               7890,
			DefaultHourlyPrice: money.DefaultHourlyPrice.String(),
		},
		Genesis:   GenesisConfig{NodeID: "alpha-01"},
		Reaper:    ReaperConfig{Interval: 15 * time.Second},
		RateLimit: RateLimitConfig{RequestsPerSecond: 20, Burst: 40},
	}
}

// Load reads path over the defaults, loads any envFiles into the process
// environment and then applies environment overrides. An empty path skips the
// file.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Store.Driver = getEnv("STORE_DRIVER", c.Store.Driver)
	c.Store.Path = getEnv("STORE_PATH", c.Store.Path)
	c.Store.DatabaseURL = getEnv("DATABASE_URL", c.Store.DatabaseURL)
	c.Redis.URL = getEnv("REDIS_URL", c.Redis.URL)
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.Influx.URL = getEnv("INFLUXDB_URL", c.Influx.URL)
	c.Influx.Token = getEnv("INFLUXDB_TOKEN", c.Influx.Token)
	c.Influx.Org = getEnv("INFLUXDB_ORG", c.Influx.Org)
	c.Influx.Bucket = getEnv("INFLUXDB_BUCKET", c.Influx.Bucket)
	c.Auth.JWTSecret = getEnv("JWT_SECRET", c.Auth.JWTSecret)
	c.Deploy.GatewayTemplate = getEnv("DEPLOY_GATEWAY_TEMPLATE", c.Deploy.GatewayTemplate)
	c.Genesis.AdminWallet = getEnv("GENESIS_ADMIN_WALLET", c.Genesis.AdminWallet)
	c.Genesis.NodeID = getEnv("GENESIS_NODE_ID", c.Genesis.NodeID)

	if v := os.Getenv("ETCD_ENDPOINTS"); v != "" {
		c.Etcd.Endpoints = splitList(v)
	}
	if v := os.Getenv("DEPLOY_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Deploy.Port = p
		}
	}
	if v := os.Getenv("REAPER_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Reaper.Interval = d
		}
	}
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.RateLimit.RequestsPerSecond = f
		}
	}
}

func (c *Config) validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverBadger:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the badger driver")
		}
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("store.database_url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if _, err := money.ParseHourlyPrice(c.Deploy.DefaultHourlyPrice); err != nil {
		return fmt.Errorf("deploy.default_hourly_price: %w", err)
	}
	if !strings.Contains(c.Deploy.GatewayTemplate, "{nodeId}") {
		return fmt.Errorf("deploy.gateway_template must contain {nodeId}")
	}
	if c.Deploy.Port <= 0 || c.Deploy.Port > 65535 {
		return fmt.Errorf("deploy.port out of range")
	}
	if c.Reaper.Interval <= 0 {
		return fmt.Errorf("reaper.interval must be positive")
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
