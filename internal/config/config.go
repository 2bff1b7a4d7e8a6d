package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultPath is the config file read when no path is given.
const DefaultPath = "config.yaml"

// EnvPrefix prefixes environment overrides. Nested keys use a double
// underscore, e.g. RELAY_UPSTREAM__MODEL.
const EnvPrefix = "RELAY_"

type Config struct {
	Server      ServerConfig       `koanf:"server"`
	Storage     StorageConfig      `koanf:"storage"`
	Upstream    UpstreamConfig     `koanf:"upstream"`
	Users       []UserConfig       `koanf:"users"`
	Credentials []CredentialConfig `koanf:"credentials"`
	Log         LogConfig          `koanf:"log"`
	Telemetry   TelemetryConfig    `koanf:"telemetry"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // sqlite, memory
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// UpstreamConfig describes the completion provider.
type UpstreamConfig struct {
	BaseURL  string        `koanf:"base_url"`
	Model    string        `koanf:"model"`
	Provider string        `koanf:"provider"` // credential lookup key
	Referer  string        `koanf:"referer"`  // sent as HTTP-Referer
	Timeout  time.Duration `koanf:"timeout"`
}

type UserConfig struct {
	ID      string         `koanf:"id"`
	Name    string         `koanf:"name"`
	APIKeys []APIKeyConfig `koanf:"api_keys"`
}

type APIKeyConfig struct {
	KeyHash     string `koanf:"key_hash"`
	Description string `koanf:"description"`
}

// CredentialConfig seeds a provider key for a user at startup.
type CredentialConfig struct {
	UserID   string `koanf:"user_id"`
	Provider string `koanf:"provider"`
	APIKey   string `koanf:"api_key"`
}

type LogConfig struct {
	Level string `koanf:"level"` // debug, info, warn, error
}

// SlogLevel parses Level, defaulting to info.
func (c LogConfig) SlogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// TelemetryConfig controls span export to stdout.
type TelemetryConfig struct {
	Enabled bool `koanf:"enabled"`
	Pretty  bool `koanf:"pretty"`
}

var defaults = map[string]any{
	"server.port":            8080,
	"server.request_timeout": "10m",
	"storage.type":           "sqlite",
	"storage.sqlite.path":    "./data/relay.db",
	"upstream.base_url":      "https://openrouter.ai/api/v1",
	"upstream.model":         "openai/gpt-4o-mini",
	"upstream.provider":      "openrouter",
	"upstream.timeout":       "5m",
	"log.level":              "info",
	"telemetry.enabled":      false,
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads path (if it exists) and then RELAY_ environment variables,
// which override file values.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path == "" {
		path = DefaultPath
	}

	// File not found is OK, we'll use env vars
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	// Substitute environment variables in seeded credentials
	for i := range cfg.Credentials {
		cfg.Credentials[i].APIKey = substituteEnvVars(cfg.Credentials[i].APIKey)
	}
	cfg.Upstream.BaseURL = strings.TrimSuffix(cfg.Upstream.BaseURL, "/")

	return &cfg, nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
