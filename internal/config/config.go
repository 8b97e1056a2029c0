// Package config handles triage configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendSQLite = "sqlite"
	BackendMongo  = "mongo"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config is the root configuration for triage.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Daemon   DaemonConfig   `yaml:"daemon"`
	Store    StoreConfig    `yaml:"store"`
	Sessions SessionsConfig `yaml:"sessions"`
	Runs     RunsConfig     `yaml:"runs"`
	Agents   AgentsConfig   `yaml:"agents"`
	Parser   ParserConfig   `yaml:"parser"`
}

// ServerConfig defines the HTTP control plane.
type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	CORSOrigins       []string      `yaml:"cors_origins"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

// DaemonConfig defines triaged process settings.
type DaemonConfig struct {
	LogFile      string        `yaml:"log_file"`
	LogLevel     string        `yaml:"log_level"`
	SentryDSN    string        `yaml:"sentry_dsn"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// StoreConfig selects and configures the durable session store.
type StoreConfig struct {
	Backend string        `yaml:"backend"`
	Timeout time.Duration `yaml:"timeout"`
	SQLite  SQLiteConfig  `yaml:"sqlite"`
	Mongo   MongoConfig   `yaml:"mongo"`
	Redis   RedisConfig   `yaml:"redis"`
}

// SQLiteConfig configures the sqlite backend.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// MongoConfig configures the mongo backend.
type MongoConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	URL       string `yaml:"url"`
	KeyPrefix string `yaml:"key_prefix"`
}

// SessionsConfig controls the in-memory fast path.
type SessionsConfig struct {
	GracePeriod  time.Duration `yaml:"grace_period"`
	MaxRecent    int           `yaml:"max_recent"`
	HistoryLimit int           `yaml:"history_limit"`
}

// RunsConfig controls run retry behaviour.
type RunsConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	RetryBackoff BackoffConfig `yaml:"retry_backoff"`
}

// BackoffConfig defines exponential backoff parameters.
type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
}

// AgentsConfig defines the agent runtime and the specialist roster.
type AgentsConfig struct {
	Command        string            `yaml:"command"`
	Args           []string          `yaml:"args"`
	Roster         []string          `yaml:"roster"`
	DocumentAgents []string          `yaml:"document_agents"`
	VizTypes       map[string]string `yaml:"viz_types"`
	Env            map[string]string `yaml:"env"`
}

// ParserConfig bounds the size of extracted output.
type ParserConfig struct {
	SummaryMaxChars int `yaml:"summary_max_chars"`
	MaxRows         int `yaml:"max_rows"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".local/share/triage")

	return &Config{
		Server: ServerConfig{
			Addr:              "127.0.0.1:8470",
			CORSOrigins:       []string{"http://localhost:5173"},
			ReadHeaderTimeout: 10 * time.Second,
		},
		Daemon: DaemonConfig{
			LogFile:      filepath.Join(dataDir, "triaged.log"),
			LogLevel:     "info",
			DrainTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Backend: BackendSQLite,
			Timeout: 5 * time.Second,
			SQLite:  SQLiteConfig{Path: filepath.Join(dataDir, "sessions.db")},
			Mongo:   MongoConfig{URI: "mongodb://localhost:27017", Database: "triage", Collection: "sessions"},
			Redis:   RedisConfig{URL: "redis://localhost:6379/0", KeyPrefix: "triage:"},
		},
		Sessions: SessionsConfig{
			GracePeriod:  5 * time.Minute,
			MaxRecent:    50,
			HistoryLimit: 50,
		},
		Runs: RunsConfig{
			MaxAttempts:  2,
			RetryBackoff: BackoffConfig{Initial: time.Second, Max: 10 * time.Second, Multiplier: 2.0},
		},
		Agents: AgentsConfig{
			Command: "triage-agent-runtime",
			Roster: []string{
				"GraphExplorerAgent",
				"TelemetryAgent",
				"RunbookKBAgent",
				"HistoricalTicketAgent",
			},
			DocumentAgents: []string{"RunbookKBAgent", "HistoricalTicketAgent"},
			VizTypes: map[string]string{
				"GraphExplorerAgent": "graph",
				"TelemetryAgent":     "table",
			},
		},
		Parser: ParserConfig{
			SummaryMaxChars: 2000,
			MaxRows:         500,
		},
	}
}

// Load reads configuration from the default path, falling back to defaults
// when no file exists.
func Load() (*Config, error) {
	return LoadFile(DefaultConfigPath())
}

// LoadFile reads configuration from path overlaid on DefaultConfig.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.expandEnvVars()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfigPath returns the configuration file path, honouring TRIAGE_CONFIG.
func DefaultConfigPath() string {
	if p := os.Getenv("TRIAGE_CONFIG"); p != "" {
		return p
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".config/triage/config.yaml")
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendSQLite, BackendMongo, BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	if c.Runs.MaxAttempts < 1 {
		return fmt.Errorf("config: runs.max_attempts must be positive, got %d", c.Runs.MaxAttempts)
	}
	if c.Agents.Command == "" {
		return errors.New("config: agents.command is required")
	}
	if c.Sessions.MaxRecent < 1 {
		return fmt.Errorf("config: sessions.max_recent must be positive, got %d", c.Sessions.MaxRecent)
	}
	if c.Sessions.GracePeriod < 0 {
		return errors.New("config: sessions.grace_period must not be negative")
	}
	return nil
}

func (c *Config) expandEnvVars() {
	c.Daemon.SentryDSN = os.ExpandEnv(c.Daemon.SentryDSN)
	c.Store.Mongo.URI = os.ExpandEnv(c.Store.Mongo.URI)
	c.Store.Redis.URL = os.ExpandEnv(c.Store.Redis.URL)
	c.Store.SQLite.Path = os.ExpandEnv(c.Store.SQLite.Path)
	for k, v := range c.Agents.Env {
		c.Agents.Env[k] = os.ExpandEnv(v)
	}
}
