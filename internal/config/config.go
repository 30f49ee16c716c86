package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/b0ase/path402/apps/minesim/internal/accrual"
)

type APIConfig struct {
	Port        int      `yaml:"port"`
	Bind        string   `yaml:"bind"`
	CORSOrigins []string `yaml:"cors_origins"`
	RateLimit   float64  `yaml:"rate_limit"` // Requests per second per client IP (0 = unlimited)
	RateBurst   int      `yaml:"rate_burst"`
}

// AccrualConfig is the single source of the accrual constants.
type AccrualConfig struct {
	PeriodDuration  time.Duration `yaml:"period_duration"`
	Increment       string        `yaml:"increment"` // Decimal string, at most 6 places
	InactivityLimit time.Duration `yaml:"inactivity_limit"`
}

type SweepConfig struct {
	Interval   time.Duration `yaml:"interval"` // Negative disables the in-process sweeper
	OnBoot     bool          `yaml:"on_boot"`
	Workers    int           `yaml:"workers"`
	Secret     string        `yaml:"secret"` // Bearer secret for /mining/check-inactivity and /mining/reset
	MaxRetries int           `yaml:"max_retries"`
}

type RedisConfig struct {
	URL      string `yaml:"url"` // host:port or redis:// URL
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
	PoolSize int    `yaml:"pool_size"`
}

type StoreConfig struct {
	Backend string      `yaml:"backend"` // "sqlite", "redis", "bolt" or "leveldb"
	Driver  string      `yaml:"driver"`  // sqlite only: "sqlite3" (cgo) or "sqlite" (pure Go)
	Redis   RedisConfig `yaml:"redis"`
}

type FeedConfig struct {
	Backend string `yaml:"backend"` // "memory" or "redis"
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	DataDir string        `yaml:"data_dir"`
	API     APIConfig     `yaml:"api"`
	Accrual AccrualConfig `yaml:"accrual"`
	Sweep   SweepConfig   `yaml:"sweep"`
	Store   StoreConfig   `yaml:"store"`
	Feed    FeedConfig    `yaml:"feed"`
	Log     LogConfig     `yaml:"log"`
}

func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	p := accrual.DefaultParams()
	return &Config{
		DataDir: filepath.Join(home, ".minesim"),
		API: APIConfig{
			Port:      8402,
			Bind:      "127.0.0.1",
			RateLimit: 20,
			RateBurst: 40,
		},
		Accrual: AccrualConfig{
			PeriodDuration:  p.PeriodDuration,
			Increment:       p.Increment.String(),
			InactivityLimit: p.InactivityLimit,
		},
		Sweep: SweepConfig{
			Interval:   10 * time.Minute,
			OnBoot:     true,
			Workers:    8,
			MaxRetries: 3,
		},
		Store: StoreConfig{
			Backend: "sqlite",
			Driver:  "sqlite3",
			Redis: RedisConfig{
				URL:      "localhost:6379",
				Prefix:   "minesim",
				PoolSize: 10,
			},
		},
		Feed: FeedConfig{
			Backend: "memory",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML config file and merges it with defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No config file, use defaults + env overlay
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	// Expand ~ in data_dir
	if len(cfg.DataDir) > 0 && cfg.DataDir[0] == '~' {
		home, _ := os.UserHomeDir()
		cfg.DataDir = filepath.Join(home, cfg.DataDir[1:])
	}

	cfg.applyEnv()
	return cfg, nil
}

// LoadFromBytes parses YAML config from bytes and merges with defaults.
// Used by the mobile package where there's no config file on disk.
func LoadFromBytes(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overlays environment variables on top of config values.
func (c *Config) applyEnv() {
	if v := os.Getenv("MINESIM_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("MINESIM_API_BIND"); v != "" {
		c.API.Bind = v
	}
	if v := os.Getenv("MINESIM_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.API.Port = port
		}
	}
	if v := os.Getenv("MINESIM_STORE_BACKEND"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("MINESIM_REDIS_URL"); v != "" {
		c.Store.Redis.URL = v
	}
	if v := os.Getenv("MINESIM_REDIS_PASSWORD"); v != "" {
		c.Store.Redis.Password = v
	}
	if v := os.Getenv("MINESIM_FEED_BACKEND"); v != "" {
		c.Feed.Backend = v
	}
	if v := os.Getenv("MINESIM_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	// CRON_SECRET is what hosted schedulers conventionally inject.
	if v := os.Getenv("CRON_SECRET"); v != "" {
		c.Sweep.Secret = v
	}
	if v := os.Getenv("MINESIM_SWEEP_SECRET"); v != "" {
		c.Sweep.Secret = v
	}
}

// Params converts the accrual section.
func (c *Config) Params() (accrual.Params, error) {
	inc, err := decimal.NewFromString(strings.TrimSpace(c.Accrual.Increment))
	if err != nil {
		return accrual.Params{}, fmt.Errorf("accrual.increment: %w", err)
	}
	p := accrual.Params{
		PeriodDuration:  c.Accrual.PeriodDuration,
		Increment:       inc,
		InactivityLimit: c.Accrual.InactivityLimit,
	}
	if err := p.Validate(); err != nil {
		return accrual.Params{}, fmt.Errorf("accrual: %w", err)
	}
	return p, nil
}

// Validate reports the first setting the daemon cannot start with.
func (c *Config) Validate() error {
	if _, err := c.Params(); err != nil {
		return err
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port %d out of range", c.API.Port)
	}
	if c.API.RateLimit < 0 {
		return fmt.Errorf("api.rate_limit must not be negative")
	}
	if c.Sweep.Workers < 1 {
		return fmt.Errorf("sweep.workers must be at least 1")
	}
	if c.Sweep.MaxRetries < 0 {
		return fmt.Errorf("sweep.max_retries must not be negative")
	}
	switch c.Store.Backend {
	case "sqlite":
		if c.Store.Driver != "sqlite3" && c.Store.Driver != "sqlite" {
			return fmt.Errorf("store.driver %q: want sqlite3 or sqlite", c.Store.Driver)
		}
	case "bolt", "leveldb":
	case "redis":
		if c.Store.Redis.URL == "" {
			return fmt.Errorf("store.redis.url is required for the redis backend")
		}
	default:
		return fmt.Errorf("store.backend %q: want sqlite, redis, bolt or leveldb", c.Store.Backend)
	}
	switch c.Feed.Backend {
	case "memory":
	case "redis":
		if c.Store.Backend != "redis" {
			return fmt.Errorf("feed.backend redis requires store.backend redis")
		}
	default:
		return fmt.Errorf("feed.backend %q: want memory or redis", c.Feed.Backend)
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format %q: want text or json", c.Log.Format)
	}
	return nil
}

// DBPath returns the full path to the SQLite database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "minesim.db")
}

// BoltPath returns the full path to the bbolt database file.
func (c *Config) BoltPath() string {
	return filepath.Join(c.DataDir, "minesim.bolt")
}

// LevelPath returns the LevelDB directory.
func (c *Config) LevelPath() string {
	return filepath.Join(c.DataDir, "minesim.ldb")
}

// Apply configures the standard logrus logger.
func (l LogConfig) Apply() error {
	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	if l.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
