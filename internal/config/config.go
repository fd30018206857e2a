package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/twilsync/internal/cache"
	"github.com/alexjbarnes/twilsync/internal/retrier"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all environment-based configuration for twilsync.
type Config struct {
	// Endpoints. Both are required.
	TwilsockURL string `env:"TWILSOCK_URL"`
	SyncAPIURL  string `env:"SYNC_API_URL"`

	// Access token, inline or read from a file. Exactly one source is
	// needed; the file is watched for rotation.
	Token     string `env:"SYNC_TOKEN"`
	TokenFile string `env:"SYNC_TOKEN_FILE"`

	// Local cache. An empty path resolves to ~/.twilsync/cache.db.
	CachePath     string `env:"CACHE_PATH"`
	CacheMaxItems int    `env:"CACHE_MAX_ITEMS" envDefault:"10000"`
	PageSize      int    `env:"PAGE_SIZE" envDefault:"100"`

	// Command scheduling.
	MaxParallelCommands int           `env:"MAX_PARALLEL_COMMANDS" envDefault:"4"`
	CommandTimeout      time.Duration `env:"COMMAND_TIMEOUT" envDefault:"20s"`

	// Connection timing.
	InitTimeout       time.Duration `env:"INIT_TIMEOUT" envDefault:"10s"`
	PingInterval      time.Duration `env:"PING_INTERVAL" envDefault:"30s"`
	InactivityTimeout time.Duration `env:"INACTIVITY_TIMEOUT" envDefault:"60s"`
	ThrottleCooldown  time.Duration `env:"THROTTLE_COOLDOWN" envDefault:"10s"`

	// Retry policy shared by commands and subscriptions.
	RetryMinDelay  time.Duration `env:"RETRY_MIN_DELAY" envDefault:"1s"`
	RetryMaxDelay  time.Duration `env:"RETRY_MAX_DELAY" envDefault:"30s"`
	RetryMaxTime   time.Duration `env:"RETRY_MAX_TIME" envDefault:"0s"`
	RetryRandomize float64       `env:"RETRY_RANDOMIZE" envDefault:"0.2"`

	// Optional YAML file naming the entities to keep subscribed.
	SubscriptionsFile string `env:"SUBSCRIPTIONS_FILE"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// MCP server settings. The API key hash is required when MCP is on.
	MCPEnable     bool   `env:"MCP_ENABLE" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:"127.0.0.1:8090"`
	MCPAPIKeyHash string `env:"MCP_API_KEY_HASH"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the token to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.CachePath == "" {
		path, err := DefaultCachePath()
		if err != nil {
			return nil, err
		}

		cfg.CachePath = path
	}

	absPath, err := filepath.Abs(cfg.CachePath)
	if err != nil {
		return nil, fmt.Errorf("resolving cache path to absolute path: %w", err)
	}

	cfg.CachePath = absPath

	return cfg, nil
}

func (c *Config) validate() error {
	if c.TwilsockURL == "" {
		return fmt.Errorf("TWILSOCK_URL is required")
	}

	if c.SyncAPIURL == "" {
		return fmt.Errorf("SYNC_API_URL is required")
	}

	if c.Token == "" && c.TokenFile == "" {
		return fmt.Errorf("one of SYNC_TOKEN or SYNC_TOKEN_FILE is required")
	}

	if c.Token != "" && c.TokenFile != "" {
		return fmt.Errorf("SYNC_TOKEN and SYNC_TOKEN_FILE are mutually exclusive")
	}

	if c.CacheMaxItems < 0 {
		return fmt.Errorf("CACHE_MAX_ITEMS must not be negative")
	}

	if c.PageSize <= 0 {
		return fmt.Errorf("PAGE_SIZE must be positive")
	}

	if c.MaxParallelCommands <= 0 {
		return fmt.Errorf("MAX_PARALLEL_COMMANDS must be positive")
	}

	if err := c.Retry().Validate(); err != nil {
		return fmt.Errorf("RETRY_*: %w", err)
	}

	if c.MCPEnable && c.MCPAPIKeyHash == "" {
		return fmt.Errorf("MCP_API_KEY_HASH is required when MCP is enabled")
	}

	return nil
}

// DefaultCachePath returns ~/.twilsync/cache.db.
func DefaultCachePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".twilsync", "cache.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Retry returns the retry policy described by the RETRY_* keys.
func (c *Config) Retry() retrier.Config {
	return retrier.Config{
		MinDelay:        c.RetryMinDelay,
		MaxDelay:        c.RetryMaxDelay,
		RandomizeFactor: c.RetryRandomize,
		MaxAttemptsTime: c.RetryMaxTime,
	}
}

// ReadToken returns the configured access token, reading the token file
// when one is set.
func (c *Config) ReadToken() (string, error) {
	if c.TokenFile == "" {
		return c.Token, nil
	}

	return ReadTokenFile(c.TokenFile)
}

// ReadTokenFile reads a token file, trimming surrounding whitespace.
func ReadTokenFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading token file: %w", err)
	}

	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", path)
	}

	return token, nil
}

// EntityRef names one entity to keep subscribed.
type EntityRef struct {
	Sid        string           `yaml:"sid"`
	UniqueName string           `yaml:"unique_name"`
	Type       cache.EntityType `yaml:"type"`
}

// Name returns the sid, or the unique name when no sid is given.
func (r EntityRef) Name() string {
	if r.Sid != "" {
		return r.Sid
	}

	return r.UniqueName
}

type subscriptionsFile struct {
	Entities []EntityRef `yaml:"entities"`
}

// LoadSubscriptions reads the subscriptions file. An empty path yields
// no entities.
func LoadSubscriptions(path string) ([]EntityRef, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading subscriptions file: %w", err)
	}

	var f subscriptionsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing subscriptions file: %w", err)
	}

	for i, ref := range f.Entities {
		if ref.Sid == "" && ref.UniqueName == "" {
			return nil, fmt.Errorf("entity %d: one of sid or unique_name is required", i+1)
		}

		switch ref.Type {
		case cache.EntityMap, cache.EntityList, cache.EntityDocument, cache.EntityStream:
		default:
			return nil, fmt.Errorf("entity %d (%s): unknown type %q", i+1, ref.Name(), ref.Type)
		}
	}

	return f.Entities, nil
}
