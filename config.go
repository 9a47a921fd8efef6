package bankxledger

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const envConnStr = "BANKX_DB_CONN_STR"

type Config struct {
	NodeID   int64 `yaml:"node_id"`
	Database struct {
		ConnectionString string        `yaml:"conn_str"`
		MaxConns         int32         `yaml:"max_conns"`
		OpTimeout        time.Duration `yaml:"op_timeout"`
	} `yaml:"database"`
	Server struct {
		Addr            string        `yaml:"addr"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`
	Limits struct {
		Post           int64         `yaml:"post"`
		Read           int64         `yaml:"read"`
		AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	} `yaml:"limits"`
	Breaker struct {
		MaxRequests         uint32        `yaml:"max_requests"`
		Interval            time.Duration `yaml:"interval"`
		Timeout             time.Duration `yaml:"timeout"`
		ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
	} `yaml:"breaker"`
	Dashboard struct {
		GrowthWindow time.Duration `yaml:"growth_window"`
	} `yaml:"dashboard"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// LoadConfig reads a YAML config file, applies the connection string override
// from the environment and fills defaults for unset values.
func LoadConfig(path string) (*Config, error) {
	bits, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var cfg Config
	if err = yaml.Unmarshal(bits, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cs := os.Getenv(envConnStr); cs != "" {
		cfg.Database.ConnectionString = cs
	}
	cfg.withDefaults()
	return &cfg, nil
}

func (c *Config) withDefaults() {
	if c.NodeID == 0 {
		c.NodeID = 1
	}
	if c.Database.MaxConns <= 0 {
		c.Database.MaxConns = 10
	}
	if c.Database.OpTimeout <= 0 {
		c.Database.OpTimeout = 5 * time.Second
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":3000"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Limits.Post <= 0 {
		c.Limits.Post = 64
	}
	if c.Limits.Read <= 0 {
		c.Limits.Read = 256
	}
	if c.Limits.AcquireTimeout <= 0 {
		c.Limits.AcquireTimeout = 500 * time.Millisecond
	}
	if c.Breaker.MaxRequests == 0 {
		c.Breaker.MaxRequests = 1
	}
	if c.Breaker.Interval <= 0 {
		c.Breaker.Interval = time.Minute
	}
	if c.Breaker.Timeout <= 0 {
		c.Breaker.Timeout = 30 * time.Second
	}
	if c.Breaker.ConsecutiveFailures == 0 {
		c.Breaker.ConsecutiveFailures = 5
	}
	if c.Dashboard.GrowthWindow <= 0 {
		c.Dashboard.GrowthWindow = 30 * 24 * time.Hour
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}
