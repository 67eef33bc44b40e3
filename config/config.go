// Package config loads the ambient configuration governing request
// timeout, default relay set, and storage backend selection. Follows
// config.LoadFromFile (gopkg.in/yaml.v3) and the DEV_MODE/os.Getenv pattern
// (nostrconnect.go), generalized to godotenv for local `.env` overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// StorageBackend selects which store.Store implementation the service
// facade constructs.
type StorageBackend string

const (
	StorageMemory StorageBackend = "memory"
	StorageFile   StorageBackend = "file"
	StorageRedis  StorageBackend = "redis"
)

// Config is the core's ambient configuration document.
type Config struct {
	RequestTimeout time.Duration  `yaml:"request_timeout"`
	DefaultRelays  []string       `yaml:"default_relays"`
	Storage        StorageBackend `yaml:"storage"`
	FilePath       string         `yaml:"file_path"`
	RedisURL       string         `yaml:"redis_url"`
	RedisPrefix    string         `yaml:"redis_prefix"`
	MetricsEnabled bool           `yaml:"metrics_enabled"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() Config {
	return Config{
		RequestTimeout: 60 * time.Second,
		DefaultRelays:  []string{"wss://relay.nsec.app", "wss://relay.nostr.band"},
		Storage:        StorageFile,
		FilePath:       "bunker-sessions.json",
		RedisPrefix:    "nip46:",
		MetricsEnabled: true,
	}
}

// Load reads defaults, then a YAML file at path (if it exists), then
// environment overrides (after loading a .env file for local/dev runs,
// generalizing the DEV_MODE convention with godotenv). A missing YAML file
// is not an error — Default alone is a valid configuration.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// no file to load; defaults plus env stand.
		default:
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NIP46_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RequestTimeout = d
		}
	}
	if v := os.Getenv("NIP46_DEFAULT_RELAYS"); v != "" {
		cfg.DefaultRelays = splitAndTrim(v)
	}
	if v := os.Getenv("NIP46_STORAGE"); v != "" {
		cfg.Storage = StorageBackend(strings.ToLower(v))
	}
	if v := os.Getenv("NIP46_FILE_PATH"); v != "" {
		cfg.FilePath = v
	}
	if v := os.Getenv("NIP46_REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("NIP46_REDIS_PREFIX"); v != "" {
		cfg.RedisPrefix = v
	}
	if v := os.Getenv("NIP46_METRICS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.MetricsEnabled = b
		}
	}
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
