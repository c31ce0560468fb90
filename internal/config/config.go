package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. ROPELOG_CACHE_MAX_SIZE_MB.
const EnvPrefix = "ROPELOG_"

type Config struct {
	Server    ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	Cache     CacheConfig     `yaml:"cache" envPrefix:"CACHE_"`
	Sessions  SessionsConfig  `yaml:"sessions" envPrefix:"SESSIONS_"`
	Remote    RemoteConfig    `yaml:"remote" envPrefix:"REMOTE_"`
	Egress    EgressConfig    `yaml:"egress" envPrefix:"EGRESS_"`
	Rules     RulesConfig     `yaml:"rules" envPrefix:"RULES_"`
	Telemetry TelemetryConfig `yaml:"telemetry" envPrefix:"TELEMETRY_"`
}

type ServerConfig struct {
	Host string `yaml:"host" env:"HOST"`
	Port int    `yaml:"port" env:"PORT"`
}

type CacheConfig struct {
	Root            string        `yaml:"root" env:"ROOT"`
	MaxSizeMB       int64         `yaml:"max_size_mb" env:"MAX_SIZE_MB"`
	MaxAge          time.Duration `yaml:"max_age" env:"MAX_AGE"`
	BufferSizeKB    int           `yaml:"buffer_size_kb" env:"BUFFER_SIZE_KB"`
	KeyScheme       string        `yaml:"key_scheme" env:"KEY_SCHEME"`             // sanitized, hashed
	MetadataBackend string        `yaml:"metadata_backend" env:"METADATA_BACKEND"` // file, sqlite
	MetadataPath    string        `yaml:"metadata_path" env:"METADATA_PATH"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout" env:"FETCH_TIMEOUT"`
}

// Dir is the image cache directory.
func (c CacheConfig) Dir() string {
	return filepath.Join(c.Root, "image-cache")
}

func (c CacheConfig) MaxSizeBytes() int64 {
	return c.MaxSizeMB * 1024 * 1024
}

type SessionsConfig struct {
	Root string `yaml:"root" env:"ROOT"`
}

// Path is the session file.
func (c SessionsConfig) Path() string {
	return filepath.Join(c.Root, "sessions.json")
}

type RemoteConfig struct {
	BaseURL  string        `yaml:"base_url" env:"BASE_URL"`
	Token    string        `yaml:"token" env:"TOKEN"`
	UserID   string        `yaml:"user_id" env:"USER_ID"`
	Timeout  time.Duration `yaml:"timeout" env:"TIMEOUT"` // 0 means none
	MaxTries uint          `yaml:"max_tries" env:"MAX_TRIES"`
}

func (c RemoteConfig) Enabled() bool {
	return c.BaseURL != ""
}

type EgressConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	ProxyType string `yaml:"proxy_type" env:"PROXY_TYPE"` // http, socks5
	ProxyURL  string `yaml:"proxy_url" env:"PROXY_URL"`

	DialTimeout         time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout" env:"IDLE_CONN_TIMEOUT"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host" env:"MAX_IDLE_CONNS_PER_HOST"`
}

type RulesConfig struct {
	// Passthrough image URLs are streamed from the origin and never cached.
	Passthrough []string `yaml:"passthrough" env:"PASSTHROUGH" envSeparator:","`
}

type TelemetryConfig struct {
	Endpoint    string `yaml:"endpoint" env:"ENDPOINT"` // OTLP/HTTP; empty disables tracing
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
}

// Load reads the YAML file at path, applies ROPELOG_* environment overrides
// and fills defaults. An empty path skips the file. A missing file is an
// error.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3142
	}
	if c.Cache.Root == "" {
		c.Cache.Root = "/var/cache/ropelog"
	}
	if c.Cache.MaxSizeMB <= 0 {
		c.Cache.MaxSizeMB = 100
	}
	if c.Cache.MaxAge == 0 {
		c.Cache.MaxAge = 7 * 24 * time.Hour
	}
	if c.Cache.BufferSizeKB == 0 {
		c.Cache.BufferSizeKB = 64
	}
	if c.Cache.KeyScheme == "" {
		c.Cache.KeyScheme = "sanitized"
	}
	if c.Cache.MetadataBackend == "" {
		c.Cache.MetadataBackend = "file"
	}
	if c.Cache.MetadataPath == "" {
		if c.Cache.MetadataBackend == "sqlite" {
			c.Cache.MetadataPath = filepath.Join(c.Cache.Root, "metadata.db")
		} else {
			c.Cache.MetadataPath = filepath.Join(c.Cache.Root, "kv")
		}
	}
	if c.Cache.FetchTimeout == 0 {
		c.Cache.FetchTimeout = 2 * time.Minute
	}
	if c.Sessions.Root == "" {
		c.Sessions.Root = "/var/lib/ropelog"
	}
	if c.Remote.MaxTries == 0 {
		c.Remote.MaxTries = 3
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "ropelog"
	}
}

func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d", c.Server.Port))
	}
	if c.Cache.MaxAge < 0 {
		errs = append(errs, fmt.Errorf("cache max_age must not be negative"))
	}
	if c.Cache.BufferSizeKB < 0 {
		errs = append(errs, fmt.Errorf("cache buffer_size_kb must not be negative"))
	}
	switch c.Cache.KeyScheme {
	case "sanitized", "hashed":
	default:
		errs = append(errs, fmt.Errorf("unknown cache key_scheme: %s", c.Cache.KeyScheme))
	}
	switch c.Cache.MetadataBackend {
	case "file", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("unknown cache metadata_backend: %s", c.Cache.MetadataBackend))
	}
	if c.Egress.Enabled {
		switch c.Egress.ProxyType {
		case "http", "socks5":
		default:
			errs = append(errs, fmt.Errorf("unsupported egress proxy_type: %s", c.Egress.ProxyType))
		}
		if c.Egress.ProxyURL == "" {
			errs = append(errs, fmt.Errorf("egress proxy_url is required when egress is enabled"))
		}
	}
	if c.Egress.DialTimeout < 0 || c.Egress.IdleConnTimeout < 0 || c.Egress.MaxIdleConnsPerHost < 0 {
		errs = append(errs, fmt.Errorf("egress timeouts and connection limits must not be negative"))
	}
	if c.Remote.Timeout < 0 {
		errs = append(errs, fmt.Errorf("remote timeout must not be negative"))
	}

	return errors.Join(errs...)
}
