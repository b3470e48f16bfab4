package fwdproxy

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Host              string `yaml:"host"`
		Port              int    `yaml:"port"`
		MaxRequest        string `yaml:"maxRequest"`
		ClientIdleTimeout string `yaml:"clientIdleTimeout"`
	} `yaml:"server"`

	Origin struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"origin"`

	Cache struct {
		Dir   string `yaml:"dir"`
		Index string `yaml:"index"`
		// DedupeFetches collapses concurrent cache-miss fetches of one URL
		// into a single origin request.
		DedupeFetches bool `yaml:"dedupeFetches"`
	} `yaml:"cache"`

	Blacklist struct {
		File  string   `yaml:"file"`
		Rules []string `yaml:"rules"`
	} `yaml:"blacklist"`

	Admin struct {
		Addr string `yaml:"addr"`
	} `yaml:"admin"`

	Logging struct {
		Level string `yaml:"level"`
		// File is appended to in addition to stdout; "-" disables it.
		File       string `yaml:"file"`
		StatsEvery string `yaml:"statsEvery"`
	} `yaml:"logging"`

	// compiled
	maxRequestBytes int64
	clientIdle      time.Duration
	originTimeout   time.Duration
	statsEvery      time.Duration
}

const (
	IndexJSON    = "json"
	IndexLevelDB = "leveldb"
	IndexSQLite  = "sqlite"
)

// DefaultConfig returns the configuration used when no config file is given.
func DefaultConfig() Config {
	cfg := Config{}
	if err := cfg.compile(); err != nil {
		panic(err)
	}
	return cfg
}

func LoadConfig(path string) (Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Addr is the listen address of the proxy.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c Config) OriginTimeout() time.Duration { return c.originTimeout }

func (c *Config) compile() error {
	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8888
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port: out of range: %d", c.Server.Port)
	}
	if c.Server.MaxRequest == "" {
		c.Server.MaxRequest = "1m"
	}
	if c.Server.ClientIdleTimeout == "" {
		c.Server.ClientIdleTimeout = "30s"
	}
	if c.Origin.Timeout == "" {
		c.Origin.Timeout = "10s"
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = "cache"
	}
	c.Cache.Index = strings.ToLower(strings.TrimSpace(c.Cache.Index))
	switch c.Cache.Index {
	case "":
		c.Cache.Index = IndexJSON
	case IndexJSON, IndexLevelDB, IndexSQLite:
	default:
		return fmt.Errorf("cache.index: unsupported backend %q", c.Cache.Index)
	}
	if c.Blacklist.File == "" {
		c.Blacklist.File = "blacklist.json"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.File == "" {
		c.Logging.File = "logs/proxy.log"
	}

	n, err := parseBytes(c.Server.MaxRequest)
	if err != nil {
		return fmt.Errorf("server.maxRequest: %w", err)
	}
	if n <= 0 {
		return fmt.Errorf("server.maxRequest: must be positive")
	}
	c.maxRequestBytes = n

	if c.clientIdle, err = parsePositiveDuration(c.Server.ClientIdleTimeout); err != nil {
		return fmt.Errorf("server.clientIdleTimeout: %w", err)
	}
	if c.originTimeout, err = parsePositiveDuration(c.Origin.Timeout); err != nil {
		return fmt.Errorf("origin.timeout: %w", err)
	}
	if c.Logging.StatsEvery != "" {
		if c.statsEvery, err = parsePositiveDuration(c.Logging.StatsEvery); err != nil {
			return fmt.Errorf("logging.statsEvery: %w", err)
		}
	}
	return nil
}

func parsePositiveDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", s)
	}
	return d, nil
}
