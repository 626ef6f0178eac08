package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Source kinds
const (
	SourcePostgres = "postgres"
	SourceMySQL    = "mysql"
)

type Config struct {
	Source    string          `yaml:"source"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	MySQL     MySQLConfig     `yaml:"mysql"`
	Binlog    BinlogConfig    `yaml:"binlog"`
	NATS      NATSConfig      `yaml:"nats"`
	Router    RouterConfig    `yaml:"router"`
	Server    ServerConfig    `yaml:"server"`
	Processor ProcessorConfig `yaml:"processor"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type PostgresConfig struct {
	URL            string        `yaml:"url"`
	Channel        string        `yaml:"channel"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	MaxConns       int32         `yaml:"max_conns"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

type MySQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	ServerID uint32 `yaml:"server_id"`
	Flavor   string `yaml:"flavor"`   // mysql, mariadb
	Version  string `yaml:"version"`  // Optional: 5.6, 5.7, 8.0, etc.
	UseGTID  bool   `yaml:"use_gtid"` // Use GTID for replication (MySQL 5.6+)
}

type BinlogConfig struct {
	PositionFile  string        `yaml:"position_file"`
	StartPosition uint32        `yaml:"start_position"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
}

// NATSConfig configures the mirror subscriber. An empty URL disables it.
type NATSConfig struct {
	URL           string        `yaml:"url"`
	Subject       string        `yaml:"subject"`
	MaxReconnect  int           `yaml:"max_reconnect"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

type RouterConfig struct {
	SendConcurrency int           `yaml:"send_concurrency"`
	SendTimeout     time.Duration `yaml:"send_timeout"` // 0 disables the per-send timeout
}

type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

// ProcessorConfig configures the optional filter stage between the change
// source and the router.
type ProcessorConfig struct {
	Enabled bool   `yaml:"enabled"`
	Script  string `yaml:"script"`
	Rules   []Rule `yaml:"rules"`
}

// Rule lets events through when the table matches (empty = any table) and
// the action is listed (empty = any action).
type Rule struct {
	Table   string   `yaml:"table"`
	Actions []string `yaml:"actions"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text, json
}

// Load reads the YAML file at path, fills in defaults and applies
// environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyEnv()
	config.setDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applyEnv() {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		c.Postgres.URL = url
	}
	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
}

func (c *Config) setDefaults() {
	if c.Source == "" {
		c.Source = SourcePostgres
	}
	if c.Postgres.URL == "" {
		c.Postgres.URL = "postgresql://localhost"
	}
	if c.Postgres.Channel == "" {
		c.Postgres.Channel = "table_update"
	}
	if c.Postgres.PollInterval == 0 {
		c.Postgres.PollInterval = time.Second
	}
	if c.Postgres.MaxConns == 0 {
		c.Postgres.MaxConns = 5
	}
	if c.Postgres.AcquireTimeout == 0 {
		c.Postgres.AcquireTimeout = 3 * time.Second
	}
	if c.MySQL.Flavor == "" {
		c.MySQL.Flavor = "mysql"
	}
	if c.MySQL.Port == 0 {
		c.MySQL.Port = 3306
	}
	if c.Binlog.PositionFile == "" {
		c.Binlog.PositionFile = "binlog.pos"
	}
	if c.Binlog.ReadTimeout == 0 {
		c.Binlog.ReadTimeout = 10 * time.Second
	}
	if c.NATS.Subject == "" {
		c.NATS.Subject = "cdc.table_update"
	}
	if c.NATS.ReconnectWait == 0 {
		c.NATS.ReconnectWait = 2 * time.Second
	}
	if c.Router.SendConcurrency == 0 {
		c.Router.SendConcurrency = 1
	}
	if c.Server.Addr == "" {
		c.Server.Addr = "0.0.0.0:3000"
	}
	if c.Server.ReadHeaderTimeout == 0 {
		c.Server.ReadHeaderTimeout = 5 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks settings that have no sensible default.
func (c *Config) Validate() error {
	switch c.Source {
	case SourcePostgres, SourceMySQL:
	default:
		return fmt.Errorf("unknown source %q (want %q or %q)", c.Source, SourcePostgres, SourceMySQL)
	}

	if c.Router.SendConcurrency < 0 {
		return fmt.Errorf("router.send_concurrency must be positive, got %d", c.Router.SendConcurrency)
	}
	if c.Router.SendTimeout < 0 {
		return fmt.Errorf("router.send_timeout must not be negative")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown logging.format %q", c.Logging.Format)
	}

	if c.Processor.Enabled && c.Processor.Script != "" && len(c.Processor.Rules) > 0 {
		return fmt.Errorf("cannot specify both 'script' and 'rules' - script takes precedence")
	}
	return nil
}
