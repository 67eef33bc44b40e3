package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	vars := []string{
		"NIP46_REQUEST_TIMEOUT", "NIP46_DEFAULT_RELAYS", "NIP46_STORAGE",
		"NIP46_FILE_PATH", "NIP46_REDIS_URL", "NIP46_REDIS_PREFIX", "NIP46_METRICS_ENABLED",
	}
	for _, v := range vars {
		old, had := os.LookupEnv(v)
		os.Unsetenv(v)
		t.Cleanup(func() {
			if had {
				os.Setenv(v, old)
			}
		})
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.RequestTimeout != Default().RequestTimeout {
		t.Errorf("expected default timeout, got %v", cfg.RequestTimeout)
	}
	if cfg.Storage != StorageFile {
		t.Errorf("expected default storage %q, got %q", StorageFile, cfg.Storage)
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlContent := "request_timeout: 15s\nstorage: redis\nredis_url: redis://localhost:6379\n"
	if err := os.WriteFile(path, []byte(yamlContent), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.RequestTimeout != 15*time.Second {
		t.Errorf("expected 15s timeout, got %v", cfg.RequestTimeout)
	}
	if cfg.Storage != StorageRedis {
		t.Errorf("expected redis storage, got %q", cfg.Storage)
	}
	if cfg.RedisURL != "redis://localhost:6379" {
		t.Errorf("expected redis url to be set, got %q", cfg.RedisURL)
	}
}

func TestEnvOverridesTakePriorityOverYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("storage: file\n"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	os.Setenv("NIP46_STORAGE", "memory")
	os.Setenv("NIP46_DEFAULT_RELAYS", " wss://a.example , wss://b.example ")
	os.Setenv("NIP46_METRICS_ENABLED", "false")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Storage != StorageMemory {
		t.Errorf("expected env override to win, got storage=%q", cfg.Storage)
	}
	if len(cfg.DefaultRelays) != 2 || cfg.DefaultRelays[0] != "wss://a.example" || cfg.DefaultRelays[1] != "wss://b.example" {
		t.Errorf("expected trimmed relay list, got %v", cfg.DefaultRelays)
	}
	if cfg.MetricsEnabled {
		t.Error("expected metrics_enabled to be overridden to false")
	}
}

func TestLoadInvalidYAMLReturnsError(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("not: [valid yaml"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected an error for malformed YAML")
	}
}
